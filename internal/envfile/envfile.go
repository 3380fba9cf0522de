// Package envfile owns the .env file: startup merge into the process
// environment and in-place rewrites that preserve comments, blank
// lines, and keys the update does not touch.
package envfile

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/joho/godotenv"
)

// keyLine matches `KEY=...` assignments, tolerating indentation and an
// `export ` prefix. Group 1 is everything before the key, group 2 the
// key itself.
var keyLine = regexp.MustCompile(`^(\s*(?:export\s+)?)([A-Za-z_][A-Za-z0-9_]*)\s*=`)

// Load merges the .env file at path into the process environment.
// Variables already present in the environment win, matching the load
// order contract. A missing file is not an error.
func Load(path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// Update rewrites path so every key in changes carries its new value.
// Lines for untouched keys, comments, and blanks are preserved
// byte-for-byte; keys not present in the file are appended. Values are
// stripped of CR and LF before writing and the file is replaced
// atomically. A missing file is created.
func Update(path string, changes map[string]string) error {
	sanitized := make(map[string]string, len(changes))
	for k, v := range changes {
		sanitized[k] = stripCRLF(v)
	}

	var lines []string
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		lines = strings.Split(string(data), "\n")
		// A trailing newline produces one empty tail element; drop it
		// so we don't accumulate blank lines across updates.
		if n := len(lines); n > 0 && lines[n-1] == "" {
			lines = lines[:n-1]
		}
	case os.IsNotExist(err):
	default:
		return fmt.Errorf("read %s: %w", path, err)
	}

	applied := make(map[string]bool, len(sanitized))
	for i, line := range lines {
		m := keyLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		key := m[2]
		v, ok := sanitized[key]
		if !ok {
			continue
		}
		lines[i] = m[1] + key + "=" + formatValue(v)
		applied[key] = true
	}

	missing := make([]string, 0, len(sanitized))
	for k := range sanitized {
		if !applied[k] {
			missing = append(missing, k)
		}
	}
	sort.Strings(missing)
	for _, k := range missing {
		lines = append(lines, k+"="+formatValue(sanitized[k]))
	}

	out := strings.Join(lines, "\n") + "\n"
	return writeFileAtomic(path, []byte(out), 0o600)
}

// formatValue double-quotes values containing space, quote, or '#',
// escaping backslashes and inner quotes.
func formatValue(v string) string {
	if !strings.ContainsAny(v, " \t\"#") {
		return v
	}
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `"`, `\"`)
	return `"` + v + `"`
}

func stripCRLF(v string) string {
	v = strings.ReplaceAll(v, "\r", "")
	return strings.ReplaceAll(v, "\n", "")
}

// writeFileAtomic writes data to a temp file in the target directory
// and renames it over path.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".env-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename over %s: %w", path, err)
	}
	return nil
}
