package store

import (
	"database/sql"
	"fmt"
)

// GetSetting returns the value for key, or "" when the key has never
// been set.
func (s *Store) GetSetting(key string) (string, error) {
	var value string
	err := s.stmts.getSetting.QueryRow(key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get setting %q: %w", key, err)
	}
	return value, nil
}

// SetSetting stores or replaces the value for key.
func (s *Store) SetSetting(key, value string) error {
	if _, err := s.stmts.setSetting.Exec(key, value); err != nil {
		return fmt.Errorf("set setting %q: %w", key, err)
	}
	return nil
}
