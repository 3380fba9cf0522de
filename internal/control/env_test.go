package control

import (
	"net/http"
	"os"
	"strings"
	"testing"
)

func TestEnvGetMasksSecrets(t *testing.T) {
	srv, _ := newTestServer(t)
	t.Setenv("GEMINI_API_KEY", "super-secret-key")
	t.Setenv("LOG_LEVEL", "debug")

	w := do(t, srv, http.MethodGet, "/api/env", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	env := decode(t, w)["env"].(map[string]any)

	if env["GEMINI_API_KEY"] != secretMask {
		t.Errorf("GEMINI_API_KEY = %v, want mask", env["GEMINI_API_KEY"])
	}
	if env["LOG_LEVEL"] != "debug" {
		t.Errorf("LOG_LEVEL = %v", env["LOG_LEVEL"])
	}
	if _, ok := env["FB_COOKIES"]; ok {
		t.Error("auth cookies exposed through /api/env")
	}
}

func TestEnvGetLeavesEmptySecretUnmasked(t *testing.T) {
	srv, _ := newTestServer(t)
	t.Setenv("GEMINI_API_KEY", "")

	w := do(t, srv, http.MethodGet, "/api/env", nil)
	env := decode(t, w)["env"].(map[string]any)
	if env["GEMINI_API_KEY"] != "" {
		t.Errorf("empty secret rendered as %v", env["GEMINI_API_KEY"])
	}
}

func TestEnvPostAppliesEditableKeysOnly(t *testing.T) {
	srv, _ := newTestServer(t)
	t.Setenv("LOG_LEVEL", "info")
	t.Setenv("FB_COOKIES", "c_user=1;xs=2")

	body := `{"LOG_LEVEL":"debug","FB_COOKIES":"stolen","TOTALLY_NEW":"x"}`
	w := do(t, srv, http.MethodPost, "/api/env", strings.NewReader(body))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	out := decode(t, w)
	if out["ok"] != true {
		t.Errorf("ok = %v", out["ok"])
	}
	applied := out["applied"].([]any)
	if len(applied) != 1 || applied[0] != "LOG_LEVEL" {
		t.Errorf("applied = %v, want [LOG_LEVEL]", applied)
	}

	if got := os.Getenv("LOG_LEVEL"); got != "debug" {
		t.Errorf("process LOG_LEVEL = %q", got)
	}
	if got := os.Getenv("FB_COOKIES"); got != "c_user=1;xs=2" {
		t.Errorf("cookies were touched: %q", got)
	}

	data, err := os.ReadFile(srv.envPath)
	if err != nil {
		t.Fatalf("read env file: %v", err)
	}
	if !strings.Contains(string(data), "LOG_LEVEL=debug") {
		t.Errorf("env file missing update:\n%s", data)
	}
	if strings.Contains(string(data), "FB_COOKIES") || strings.Contains(string(data), "TOTALLY_NEW") {
		t.Errorf("env file carries ignored keys:\n%s", data)
	}
}

func TestEnvPostStripsLineBreaks(t *testing.T) {
	srv, _ := newTestServer(t)
	t.Setenv("GEMINI_MODEL", "gemini-1.5-flash")

	body := `{"GEMINI_MODEL":"gemini\r\n-1.5-pro"}`
	w := do(t, srv, http.MethodPost, "/api/env", strings.NewReader(body))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if got := os.Getenv("GEMINI_MODEL"); got != "gemini-1.5-pro" {
		t.Errorf("GEMINI_MODEL = %q, want line breaks stripped", got)
	}
}

func TestEnvPostIgnoresMaskRoundTrip(t *testing.T) {
	srv, _ := newTestServer(t)
	t.Setenv("GEMINI_API_KEY", "real-key")

	w := do(t, srv, http.MethodPost, "/api/env", strings.NewReader(`{"GEMINI_API_KEY":"********"}`))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	out := decode(t, w)
	if applied := out["applied"].([]any); len(applied) != 0 {
		t.Errorf("applied = %v, want empty for mask round trip", applied)
	}
	if got := os.Getenv("GEMINI_API_KEY"); got != "real-key" {
		t.Errorf("secret overwritten with mask: %q", got)
	}
}

func TestEnvPostPreservesFileLayout(t *testing.T) {
	srv, _ := newTestServer(t)
	t.Setenv("LOG_FORMAT", "text")

	seed := "# orcabot configuration\nFB_COOKIES=\"c_user=1;xs=2\"\nLOG_FORMAT=text\n"
	if err := os.WriteFile(srv.envPath, []byte(seed), 0o600); err != nil {
		t.Fatalf("seed env file: %v", err)
	}

	w := do(t, srv, http.MethodPost, "/api/env", strings.NewReader(`{"LOG_FORMAT":"json"}`))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	data, err := os.ReadFile(srv.envPath)
	if err != nil {
		t.Fatalf("read env file: %v", err)
	}
	text := string(data)
	if !strings.Contains(text, "# orcabot configuration") {
		t.Error("comment line lost")
	}
	if !strings.Contains(text, `FB_COOKIES="c_user=1;xs=2"`) {
		t.Error("unrelated key rewritten")
	}
	if !strings.Contains(text, "LOG_FORMAT=json") {
		t.Error("updated key missing")
	}
}
