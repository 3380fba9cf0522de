package envfile

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeEnv(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	return path
}

func TestLoadPrecedence(t *testing.T) {
	path := writeEnv(t, "ENVFILE_TEST_A=from_file\nENVFILE_TEST_B=from_file\n")

	t.Setenv("ENVFILE_TEST_A", "from_env")
	os.Unsetenv("ENVFILE_TEST_B")
	t.Cleanup(func() { os.Unsetenv("ENVFILE_TEST_B") })

	if err := Load(path); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := os.Getenv("ENVFILE_TEST_A"); got != "from_env" {
		t.Errorf("process env must win: got %q, want %q", got, "from_env")
	}
	if got := os.Getenv("ENVFILE_TEST_B"); got != "from_file" {
		t.Errorf("file value not merged: got %q, want %q", got, "from_file")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if err := Load(filepath.Join(t.TempDir(), "nope.env")); err != nil {
		t.Fatalf("missing file should not error: %v", err)
	}
}

func TestUpdatePreservesCommentsAndKeys(t *testing.T) {
	content := "# auth section\nFB_COOKIES=c_user=1; xs=2\n\n# behaviour\nLOG_LEVEL=info\nSEND_RATE_PER_SEC=5\n"
	path := writeEnv(t, content)

	err := Update(path, map[string]string{"LOG_LEVEL": "debug"})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	got := string(data)

	for _, want := range []string{
		"# auth section\n",
		"# behaviour\n",
		"FB_COOKIES=c_user=1; xs=2\n",
		"LOG_LEVEL=debug\n",
		"SEND_RATE_PER_SEC=5\n",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("rewritten file missing %q:\n%s", want, got)
		}
	}
	if strings.Contains(got, "LOG_LEVEL=info") {
		t.Errorf("old value survived rewrite:\n%s", got)
	}
}

func TestUpdateAppendsNewKeys(t *testing.T) {
	path := writeEnv(t, "LOG_LEVEL=info\n")

	err := Update(path, map[string]string{"GEMINI_MODEL": "gemini-1.5-flash"})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	data, _ := os.ReadFile(path)
	if !strings.Contains(string(data), "GEMINI_MODEL=gemini-1.5-flash\n") {
		t.Errorf("appended key missing:\n%s", data)
	}
}

func TestUpdateStripsCRLF(t *testing.T) {
	path := writeEnv(t, "LOG_LEVEL=info\n")

	err := Update(path, map[string]string{"LOG_LEVEL": "debug\r\nEVIL=1"})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	data, _ := os.ReadFile(path)
	got := string(data)
	if strings.Contains(got, "EVIL=1") && strings.Contains(got, "\nEVIL") {
		t.Errorf("header injection survived:\n%s", got)
	}
	if !strings.Contains(got, "LOG_LEVEL=debugEVIL=1") {
		t.Errorf("CR/LF not stripped from value:\n%s", got)
	}
}

func TestUpdateQuotesSpecialValues(t *testing.T) {
	path := writeEnv(t, "")

	err := Update(path, map[string]string{"GEMINI_API_KEY": `key with space and "quote"`})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	data, _ := os.ReadFile(path)
	want := `GEMINI_API_KEY="key with space and \"quote\""`
	if !strings.Contains(string(data), want) {
		t.Errorf("quoted value missing, got:\n%s", data)
	}
}

func TestUpdateCreatesMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	if err := Update(path, map[string]string{"LOG_LEVEL": "warn"}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if got := string(data); got != "LOG_LEVEL=warn\n" {
		t.Errorf("file content = %q, want %q", got, "LOG_LEVEL=warn\n")
	}
}

func TestUpdateRoundTripWithLoad(t *testing.T) {
	// An updated file must parse back with the new values.
	path := writeEnv(t, "# comment\nLOG_LEVEL=info\n")
	if err := Update(path, map[string]string{
		"LOG_LEVEL":      "error",
		"GEMINI_API_KEY": "abc def",
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	os.Unsetenv("LOG_LEVEL")
	os.Unsetenv("GEMINI_API_KEY")
	t.Cleanup(func() {
		os.Unsetenv("LOG_LEVEL")
		os.Unsetenv("GEMINI_API_KEY")
	})
	if err := Load(path); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := os.Getenv("LOG_LEVEL"); got != "error" {
		t.Errorf("LOG_LEVEL = %q, want %q", got, "error")
	}
	if got := os.Getenv("GEMINI_API_KEY"); got != "abc def" {
		t.Errorf("GEMINI_API_KEY = %q, want %q", got, "abc def")
	}
}
