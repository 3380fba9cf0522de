package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestParseOpenGraph(t *testing.T) {
	page := `<!DOCTYPE html><html><head>
<meta property="og:title" content="A cat video" />
<meta property="og:video:secure_url" content="https://cdn.example/v.mp4" />
<meta name="og:image" content="https://cdn.example/first.jpg" />
<meta property="og:image" content="https://cdn.example/second.jpg" />
<meta property="description" content="not opengraph" />
</head><body>hi</body></html>`

	og := parseOpenGraph(strings.NewReader(page))
	if og["og:title"] != "A cat video" {
		t.Errorf("og:title = %q", og["og:title"])
	}
	if og["og:video:secure_url"] != "https://cdn.example/v.mp4" {
		t.Errorf("og:video:secure_url = %q", og["og:video:secure_url"])
	}
	// First occurrence wins, and the name= attribute counts too.
	if og["og:image"] != "https://cdn.example/first.jpg" {
		t.Errorf("og:image = %q", og["og:image"])
	}
	if _, ok := og["description"]; ok {
		t.Error("non-og meta captured")
	}
}

func TestResolveVideo(t *testing.T) {
	payload := []byte("fake mp4 bytes")
	var gotUA, gotReferer string

	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/share", func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		fmt.Fprintf(w, `<html><head>
<meta property="og:title" content="Dancing"/>
<meta property="og:video" content="%s/media/clip.mp4?token=1"/>
<meta property="og:image" content="%s/media/poster.jpg"/>
</head></html>`, srv.URL, srv.URL)
	})
	mux.HandleFunc("/media/clip.mp4", func(w http.ResponseWriter, r *http.Request) {
		gotReferer = r.Header.Get("Referer")
		w.Write(payload)
	})

	r := NewResolver("", slog.Default())
	att, err := r.Resolve(context.Background(), Link{URL: srv.URL + "/share", Source: SourceTikTok})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if att.Kind != KindVideo {
		t.Errorf("kind = %s, want video (video beats image)", att.Kind)
	}
	if att.Title != "Dancing" {
		t.Errorf("title = %q", att.Title)
	}
	if att.Filename != "clip.mp4" {
		t.Errorf("filename = %q", att.Filename)
	}
	if !bytes.Equal(att.Data, payload) {
		t.Errorf("data = %q", att.Data)
	}
	if !strings.Contains(gotUA, "facebookexternalhit") {
		t.Errorf("user agent = %q, want the crawler identity", gotUA)
	}
	if gotReferer != srv.URL+"/share" {
		t.Errorf("referer = %q", gotReferer)
	}
}

func TestResolveImageFallback(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/share", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `<html><head><meta property="og:image" content="%s/pic"/></head></html>`, srv.URL)
	})
	mux.HandleFunc("/pic", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "jpeg")
	})

	r := NewResolver("", slog.Default())
	att, err := r.Resolve(context.Background(), Link{URL: srv.URL + "/share", Source: SourceInstagram})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if att.Kind != KindImage {
		t.Errorf("kind = %s, want image", att.Kind)
	}
	if att.Filename != "pic.jpg" {
		t.Errorf("filename = %q, want extension added", att.Filename)
	}
}

func TestResolveNoMedia(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `<html><head><title>nothing here</title></head></html>`)
	}))
	defer srv.Close()

	r := NewResolver("", slog.Default())
	_, err := r.Resolve(context.Background(), Link{URL: srv.URL, Source: SourceFacebook})
	if !errors.Is(err, ErrNoMedia) {
		t.Errorf("err = %v, want ErrNoMedia", err)
	}
}

func TestResolveMediaTooLarge(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/share", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `<html><head><meta property="og:video" content="%s/big.mp4"/></head></html>`, srv.URL)
	})
	mux.HandleFunc("/big.mp4", func(w http.ResponseWriter, r *http.Request) {
		w.Write(bytes.Repeat([]byte("x"), 200))
	})

	r := NewResolver("", slog.Default())
	r.mediaLimit = 100
	_, err := r.Resolve(context.Background(), Link{URL: srv.URL + "/share", Source: SourceFacebook})
	if err == nil || !strings.Contains(err.Error(), "limit") {
		t.Errorf("err = %v, want size limit failure", err)
	}
}

func TestMediaFilename(t *testing.T) {
	tests := []struct {
		url  string
		kind Kind
		want string
	}{
		{"https://cdn.example/v/abc.mp4?token=xyz", KindVideo, "abc.mp4"},
		{"https://cdn.example/stream", KindVideo, "stream.mp4"},
		{"https://cdn.example/photos/p", KindImage, "p.jpg"},
		{"https://cdn.example/", KindVideo, "video.mp4"},
		{"https://cdn.example/we%20ird name!", KindImage, "we_ird_name_.jpg"},
	}
	for _, tt := range tests {
		if got := mediaFilename(tt.url, tt.kind); got != tt.want {
			t.Errorf("mediaFilename(%q, %s) = %q, want %q", tt.url, tt.kind, got, tt.want)
		}
	}
}
