// Package types holds small types shared across component boundaries.
package types

import (
	"fmt"
	"strconv"
)

// ID is a platform-assigned numeric identifier (user, thread, message
// sender). Upstream IDs exceed 53-bit range, so JSON marshaling always
// uses decimal strings; unmarshaling accepts both strings and bare
// numbers but never routes through a float.
type ID int64

// ParseID converts a decimal string to an [ID]. The empty string and
// anything with non-digit characters (a leading '-' excepted) is an
// error.
func ParseID(s string) (ID, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse id %q: %w", s, err)
	}
	return ID(n), nil
}

// String renders the ID as decimal digits.
func (id ID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// Int64 returns the raw numeric value.
func (id ID) Int64() int64 {
	return int64(id)
}

// IsZero reports whether the ID is unset.
func (id ID) IsZero() bool {
	return id == 0
}

// MarshalJSON renders the ID as a quoted decimal string.
func (id ID) MarshalJSON() ([]byte, error) {
	return []byte(`"` + strconv.FormatInt(int64(id), 10) + `"`), nil
}

// UnmarshalJSON accepts either "123" or 123. Numeric payloads are
// parsed from the raw bytes so precision is never lost to float64.
func (id *ID) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	if s == "null" || s == "" {
		*id = 0
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("unmarshal id %s: %w", string(data), err)
	}
	*id = ID(n)
	return nil
}
