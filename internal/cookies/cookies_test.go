package cookies

import (
	"encoding/base64"
	"testing"
)

func TestParseHeader(t *testing.T) {
	m, err := Parse("c_user=100000123456789; xs=abc%3Adef; datr=AAA; fr=BBB")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got := m["c_user"]; got != "100000123456789" {
		t.Errorf("c_user = %q, want %q", got, "100000123456789")
	}
	if got := m["xs"]; got != "abc%3Adef" {
		t.Errorf("xs = %q, want %q", got, "abc%3Adef")
	}
	if got := m["fr"]; got != "BBB" {
		t.Errorf("fr = %q, want %q", got, "BBB")
	}
}

func TestParseHeaderDuplicateLastWins(t *testing.T) {
	m, err := Parse("c_user=1; xs=a; c_user=2")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got := m["c_user"]; got != "2" {
		t.Errorf("c_user = %q, want %q", got, "2")
	}
}

func TestParseJSONArray(t *testing.T) {
	raw := `[{"name":"c_user","value":"123","domain":".facebook.com"},{"key":"xs","value":"s3cr3t"}]`
	m, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if m["c_user"] != "123" || m["xs"] != "s3cr3t" {
		t.Errorf("got %v, want c_user=123 xs=s3cr3t", m)
	}
}

func TestParseJSONObject(t *testing.T) {
	// Numeric values must not round-trip through float64.
	raw := `{"c_user": 9007199254740993, "xs": "abc"}`
	m, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got := m["c_user"]; got != "9007199254740993" {
		t.Errorf("c_user = %q, want %q", got, "9007199254740993")
	}
}

func TestParseNetscape(t *testing.T) {
	raw := "# Netscape HTTP Cookie File\n" +
		".facebook.com\tTRUE\t/\tTRUE\t1999999999\tc_user\t123\n" +
		"#HttpOnly_.facebook.com\tTRUE\t/\tTRUE\t1999999999\txs\tabc\n" +
		"\n" +
		".facebook.com\tTRUE\t/\tFALSE\t1999999999\tdatr\txyz\n"
	m, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if m["c_user"] != "123" || m["xs"] != "abc" || m["datr"] != "xyz" {
		t.Errorf("got %v", m)
	}
}

func TestParseBase64(t *testing.T) {
	inner := "c_user=123; xs=abc"
	raw := base64.StdEncoding.EncodeToString([]byte(inner))
	m, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if m["c_user"] != "123" || m["xs"] != "abc" {
		t.Errorf("got %v, want parsed inner header", m)
	}
}

func TestParseBase64JSON(t *testing.T) {
	raw := base64.StdEncoding.EncodeToString([]byte(`{"c_user":"1","xs":"2"}`))
	m, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if m["c_user"] != "1" || m["xs"] != "2" {
		t.Errorf("got %v", m)
	}
}

func TestParseErrors(t *testing.T) {
	for _, raw := range []string{"", "   ", "just words without pairs", "[not json"} {
		if _, err := Parse(raw); err == nil {
			t.Errorf("Parse(%q) expected error, got nil", raw)
		}
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		m       Map
		wantErr bool
	}{
		{"complete", Map{"c_user": "1", "xs": "a"}, false},
		{"missing xs", Map{"c_user": "1"}, true},
		{"missing both", Map{"datr": "x"}, true},
		{"empty values", Map{"c_user": "", "xs": ""}, true},
	}
	for _, tt := range tests {
		err := tt.m.Validate()
		if (err != nil) != tt.wantErr {
			t.Errorf("%s: Validate() error = %v, wantErr %v", tt.name, err, tt.wantErr)
		}
	}
}

func TestHeaderRoundTrip(t *testing.T) {
	// Parse∘Header must be the identity modulo key order.
	orig := Map{"c_user": "123", "xs": "abc", "datr": "d", "fr": "f", "wd": "1920x1080"}
	back, err := Parse(orig.Header())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(back) != len(orig) {
		t.Fatalf("round trip lost keys: got %d, want %d", len(back), len(orig))
	}
	for k, v := range orig {
		if back[k] != v {
			t.Errorf("key %q = %q, want %q", k, back[k], v)
		}
	}
}

func TestHeaderStableOrder(t *testing.T) {
	m := Map{"zz": "1", "c_user": "2", "xs": "3"}
	want := "c_user=2; xs=3; zz=1"
	if got := m.Header(); got != want {
		t.Errorf("Header() = %q, want %q", got, want)
	}
}
