package control

import (
	"net/http"
	"os"
	"sort"
	"strings"

	"github.com/orcabot/orcabot/internal/config"
	"github.com/orcabot/orcabot/internal/envfile"
)

// secretMask replaces secret values on read. The dashboard sends the
// mask back untouched when the user leaves a secret alone, so writes
// of the literal mask are dropped.
const secretMask = "********"

// handleEnvGet returns the editable configuration keys with their
// current process values. Secrets are masked; auth cookies are not
// editable and never appear.
func (s *Server) handleEnvGet(w http.ResponseWriter, r *http.Request) {
	env := make(map[string]string)
	for _, key := range config.EditableKeys() {
		value := os.Getenv(key)
		if value != "" && config.IsSecret(key) {
			value = secretMask
		}
		env[key] = value
	}
	writeJSON(w, map[string]any{"env": env}, s.logger)
}

// handleEnvSet merges the posted key/value pairs into the .env file
// and the live process environment. Only editable keys are applied;
// everything else is silently ignored.
func (s *Server) handleEnvSet(w http.ResponseWriter, r *http.Request) {
	var req map[string]string
	if !s.decodeBody(w, r, &req) {
		return
	}

	changes := make(map[string]string)
	for key, value := range req {
		if !config.IsEditable(key) {
			continue
		}
		if config.IsSecret(key) && value == secretMask {
			continue
		}
		// Injected line breaks would corrupt the .env file and smuggle
		// extra keys; strip them before the value goes anywhere.
		value = strings.ReplaceAll(value, "\r", "")
		value = strings.ReplaceAll(value, "\n", "")
		changes[key] = value
	}

	applied := make([]string, 0, len(changes))
	if len(changes) > 0 {
		if err := envfile.Update(s.envPath, changes); err != nil {
			s.logger.Error("env file update failed", "path", s.envPath, "error", err)
			s.errorResponse(w, http.StatusInternalServerError, "failed to update env file")
			return
		}
		for key, value := range changes {
			if err := os.Setenv(key, value); err != nil {
				s.logger.Error("setenv failed", "key", key, "error", err)
				continue
			}
			applied = append(applied, key)
		}
		sort.Strings(applied)
		s.logger.Info("configuration updated", "keys", applied)
	}

	writeJSON(w, map[string]any{
		"ok":      true,
		"applied": applied,
	}, s.logger)
}
