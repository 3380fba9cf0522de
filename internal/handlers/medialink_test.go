package handlers

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/orcabot/orcabot/internal/media"
	"github.com/orcabot/orcabot/internal/messenger"
)

// fakeResolver maps URLs to canned attachments.
type fakeResolver struct {
	mu      sync.Mutex
	answers map[string]*media.Attachment
	calls   int
}

func (f *fakeResolver) Resolve(_ context.Context, link media.Link) (*media.Attachment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	att, ok := f.answers[link.URL]
	if !ok {
		return nil, media.ErrNoMedia
	}
	return att, nil
}

func TestMediaLinkMatch(t *testing.T) {
	h := NewMediaLink(&fakeResolver{}, testLogger())
	cases := []struct {
		name string
		kind messenger.EventKind
		text string
		want bool
	}{
		{"facebook watch", messenger.EventMessage, "look https://www.facebook.com/watch?v=123", true},
		{"fb.watch short", messenger.EventMessage, "https://fb.watch/abc123/", true},
		{"instagram reel", messenger.EventMessage, "https://www.instagram.com/reel/Cx1y2z/", true},
		{"tiktok short", messenger.EventMessage, "check https://vt.tiktok.com/ZS8abc/", true},
		{"plain text", messenger.EventMessage, "no links here", false},
		{"unsupported site", messenger.EventMessage, "https://example.com/watch?v=1", false},
		{"e2ee with link", messenger.EventE2EEMessage, "https://fb.watch/abc123/", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := h.Match(tc.kind, inbound(1, 2, tc.text)); got != tc.want {
				t.Errorf("Match(%q) = %v, want %v", tc.text, got, tc.want)
			}
		})
	}
}

func TestMediaLinkSendsByKind(t *testing.T) {
	videoURL := "https://vt.tiktok.com/ZS8abc/"
	imageURL := "https://www.instagram.com/p/Cpost1/"
	resolver := &fakeResolver{answers: map[string]*media.Attachment{
		videoURL: {Source: media.SourceTikTok, Kind: media.KindVideo, Filename: "clip.mp4", Data: []byte("vid")},
		imageURL: {Source: media.SourceInstagram, Kind: media.KindImage, Filename: "post.jpg", Data: []byte("img")},
	}}
	h := NewMediaLink(resolver, testLogger())
	api := &recordAPI{}
	msg := inbound(321, 42, "two finds: "+videoURL+" and "+imageURL)

	if err := h.Handle(context.Background(), messenger.EventMessage, msg, api); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(api.videos) != 1 || api.videos[0].thread != 321 || api.videos[0].items != 1 {
		t.Errorf("video sends = %+v", api.videos)
	}
	if len(api.images) != 1 || api.images[0].thread != 321 || api.images[0].items != 1 {
		t.Errorf("image sends = %+v", api.images)
	}
	if len(api.plain) != 0 {
		t.Errorf("unexpected text replies: %+v", api.plain)
	}
}

func TestMediaLinkResolveFailureIsSilent(t *testing.T) {
	h := NewMediaLink(&fakeResolver{}, testLogger()) // resolver knows no URLs
	api := &recordAPI{}
	msg := inbound(321, 42, "https://fb.watch/gone123/")

	if err := h.Handle(context.Background(), messenger.EventMessage, msg, api); err != nil {
		t.Fatalf("Handle returned %v, want nil on resolve failure", err)
	}
	if len(api.images)+len(api.videos)+len(api.plain) != 0 {
		t.Error("sends happened despite resolve failure")
	}
}

func TestMediaLinkSendFailureIsSilent(t *testing.T) {
	url := "https://fb.watch/ok12345/"
	resolver := &fakeResolver{answers: map[string]*media.Attachment{
		url: {Source: media.SourceFacebook, Kind: media.KindVideo, Filename: "v.mp4", Data: []byte("vid")},
	}}
	h := NewMediaLink(resolver, testLogger())
	api := &recordAPI{sendErr: errors.New("upload refused")}
	msg := inbound(321, 42, url)

	if err := h.Handle(context.Background(), messenger.EventMessage, msg, api); err != nil {
		t.Fatalf("Handle returned %v, want nil on send failure", err)
	}
}

func TestMediaLinkResolvesEveryLink(t *testing.T) {
	resolver := &fakeResolver{}
	h := NewMediaLink(resolver, testLogger())
	msg := inbound(1, 2, "https://fb.watch/a1/ then https://vm.tiktok.com/b2/")

	if err := h.Handle(context.Background(), messenger.EventMessage, msg, &recordAPI{}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if resolver.calls != 2 {
		t.Errorf("resolver calls = %d, want 2", resolver.calls)
	}
}
