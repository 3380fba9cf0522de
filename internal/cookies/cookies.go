// Package cookies parses Messenger session cookies from the formats
// operators actually paste: JSON arrays of {name,value} objects, plain
// JSON objects, Cookie header strings, Netscape cookies.txt exports,
// and base64 wrappings of any of those.
package cookies

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Map holds cookies as name→value pairs. The session is usable when
// c_user and xs are present; datr and fr improve login trust but are
// optional, as is any further tail the browser exported.
type Map map[string]string

// canonicalOrder lists the well-known cookie names first when
// rendering a header; remaining names follow sorted.
var canonicalOrder = []string{"c_user", "xs", "datr", "fr"}

var base64Pattern = regexp.MustCompile(`^[A-Za-z0-9+/_-]+={0,2}$`)

// Parse decodes raw cookie material in any supported format.
// Base64 payloads are decoded and re-parsed once.
func Parse(raw string) (Map, error) {
	return parse(raw, 1)
}

func parse(raw string, depth int) (Map, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, errors.New("empty cookie data")
	}

	switch {
	case strings.HasPrefix(s, "["):
		return parseJSONArray(s)
	case strings.HasPrefix(s, "{"):
		return parseJSONObject(s)
	case strings.Contains(s, "\t"):
		return parseNetscape(s)
	}

	// A bare base64 blob has no interior '=' or ';', so check it
	// before the header form claims the string.
	if depth > 0 && base64Pattern.MatchString(s) {
		if decoded, ok := tryBase64(s); ok {
			return parse(decoded, depth-1)
		}
	}

	if strings.Contains(s, "=") {
		return parseHeader(s)
	}

	return nil, fmt.Errorf("unrecognized cookie format (%d bytes)", len(raw))
}

// parseJSONArray handles browser-extension exports:
// [{"name":"c_user","value":"123",...}, ...]. Both "name" and "key"
// are accepted as the name field.
func parseJSONArray(s string) (Map, error) {
	var entries []struct {
		Name  string `json:"name"`
		Key   string `json:"key"`
		Value string `json:"value"`
	}
	if err := json.Unmarshal([]byte(s), &entries); err != nil {
		return nil, fmt.Errorf("parse cookie JSON array: %w", err)
	}
	m := Map{}
	for _, e := range entries {
		name := e.Name
		if name == "" {
			name = e.Key
		}
		if name == "" {
			continue
		}
		m[name] = e.Value
	}
	if len(m) == 0 {
		return nil, errors.New("cookie JSON array contains no usable entries")
	}
	return m, nil
}

// parseJSONObject handles {"c_user":"123","xs":"abc"}. Values are
// decoded with UseNumber so numeric IDs keep every digit.
func parseJSONObject(s string) (Map, error) {
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, fmt.Errorf("parse cookie JSON object: %w", err)
	}
	m := Map{}
	for k, v := range obj {
		switch val := v.(type) {
		case string:
			m[k] = val
		case json.Number:
			m[k] = val.String()
		case bool:
			m[k] = fmt.Sprintf("%t", val)
		default:
			// nested objects and nulls are not cookie values
		}
	}
	if len(m) == 0 {
		return nil, errors.New("cookie JSON object contains no usable entries")
	}
	return m, nil
}

// parseNetscape handles cookies.txt lines:
// domain  subdomains  path  secure  expiry  name  value
// Comment lines are skipped except curl's #HttpOnly_ convention,
// which marks a data line.
func parseNetscape(s string) (Map, error) {
	m := Map{}
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimRight(line, "\r")
		if after, ok := strings.CutPrefix(line, "#HttpOnly_"); ok {
			line = after
		} else if strings.HasPrefix(line, "#") || strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < 7 {
			continue
		}
		name := strings.TrimSpace(fields[5])
		if name == "" {
			continue
		}
		m[name] = strings.TrimSpace(fields[6])
	}
	if len(m) == 0 {
		return nil, errors.New("no cookies found in Netscape data")
	}
	return m, nil
}

// parseHeader handles the Cookie request-header form "k=v; k2=v2".
// Later duplicates win.
func parseHeader(s string) (Map, error) {
	m := Map{}
	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		m[k] = strings.TrimSpace(v)
	}
	if len(m) == 0 {
		return nil, errors.New("no cookies found in header data")
	}
	return m, nil
}

func tryBase64(s string) (string, bool) {
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	} {
		if b, err := enc.DecodeString(s); err == nil {
			return string(b), true
		}
	}
	return "", false
}

// Validate reports an error naming any missing mandatory cookie.
func (m Map) Validate() error {
	var missing []string
	for _, k := range []string{"c_user", "xs"} {
		if m[k] == "" {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required cookie(s): %s", strings.Join(missing, ", "))
	}
	return nil
}

// Header renders the map as a Cookie header value. Well-known names
// come first in canonical order, the rest sorted, so output is stable.
func (m Map) Header() string {
	var parts []string
	seen := map[string]bool{}
	for _, k := range canonicalOrder {
		if v, ok := m[k]; ok {
			parts = append(parts, k+"="+v)
			seen[k] = true
		}
	}
	rest := make([]string, 0, len(m))
	for k := range m {
		if !seen[k] {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	for _, k := range rest {
		parts = append(parts, k+"="+m[k])
	}
	return strings.Join(parts, "; ")
}

// UserID returns the account ID carried by the c_user cookie.
func (m Map) UserID() string {
	return m["c_user"]
}
