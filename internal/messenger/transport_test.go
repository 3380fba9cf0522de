package messenger

import (
	"errors"
	"testing"
	"time"
)

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"close 1006", errors.New("websocket close 1006 (abnormal closure)"), true},
		{"close 1006 upper", errors.New("WEBSOCKET CLOSE 1006 (ABNORMAL CLOSURE)"), true},
		{"unexpected eof", errors.New("read: Unexpected EOF"), true},
		{"connection reset", errors.New("read tcp: connection reset by peer"), true},
		{"econnreset", errors.New("ECONNRESET"), true},
		{"epipe", errors.New("write: EPIPE"), true},
		{"etimedout", errors.New("dial: ETIMEDOUT"), true},
		{"econnrefused", errors.New("dial: ECONNREFUSED"), true},
		{"hang up", errors.New("socket hang up"), true},
		{"network changed", errors.New("network changed"), true},
		{"auth failure", errors.New("Authentication failed"), false},
		{"generic", errors.New("protocol violation"), false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestNextBackoff(t *testing.T) {
	var d time.Duration
	want := []time.Duration{
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		32 * time.Second,
		60 * time.Second,
		60 * time.Second,
	}
	for i, w := range want {
		d = nextBackoff(d)
		if d != w {
			t.Fatalf("step %d: got %v, want %v", i, d, w)
		}
	}
}
