package handlers

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"sync"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/orcabot/orcabot/internal/messenger"
	"github.com/orcabot/orcabot/internal/store"
	"github.com/orcabot/orcabot/internal/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHandlersStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	st, err := store.New(db, testLogger())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

type plainSend struct {
	thread types.ID
	text   string
}

type e2eeSend struct {
	jid  string
	text string
}

type mediaSend struct {
	thread types.ID
	items  int
}

// recordAPI records every send; satisfies dispatch.ChatAPI.
type recordAPI struct {
	mu        sync.Mutex
	plain     []plainSend
	e2ee      []e2eeSend
	images    []mediaSend
	videos    []mediaSend
	typing    int
	read      int
	sendErr   error
	typingErr error
	readErr   error
}

func (a *recordAPI) SendMessage(_ context.Context, threadID types.ID, text string, _ ...messenger.SendOption) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sendErr != nil {
		return "", a.sendErr
	}
	a.plain = append(a.plain, plainSend{threadID, text})
	return "mid.1", nil
}

func (a *recordAPI) SendE2EEMessage(_ context.Context, chatJID, text string, _ ...messenger.SendOption) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sendErr != nil {
		return "", a.sendErr
	}
	a.e2ee = append(a.e2ee, e2eeSend{chatJID, text})
	return "mid.e2ee.1", nil
}

func (a *recordAPI) SendReaction(context.Context, types.ID, string, string) error { return nil }

func (a *recordAPI) SendTypingIndicator(_ context.Context, _ types.ID, _ bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.typing++
	return a.typingErr
}

func (a *recordAPI) MarkAsRead(_ context.Context, _ types.ID, _ int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.read++
	return a.readErr
}

func (a *recordAPI) SendImageDirect(_ context.Context, threadID types.ID, items []messenger.MediaItem, _ ...messenger.SendOption) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sendErr != nil {
		return "", a.sendErr
	}
	a.images = append(a.images, mediaSend{threadID, len(items)})
	return "mid.img.1", nil
}

func (a *recordAPI) SendVideoDirect(_ context.Context, threadID types.ID, items []messenger.MediaItem, _ ...messenger.SendOption) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sendErr != nil {
		return "", a.sendErr
	}
	a.videos = append(a.videos, mediaSend{threadID, len(items)})
	return "mid.vid.1", nil
}

func (a *recordAPI) SendVoiceDirect(context.Context, types.ID, []messenger.MediaItem, ...messenger.SendOption) (string, error) {
	return "", nil
}

func (a *recordAPI) SendFileDirect(context.Context, types.ID, []messenger.MediaItem, ...messenger.SendOption) (string, error) {
	return "", nil
}

func (a *recordAPI) lastPlain(t *testing.T) plainSend {
	t.Helper()
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.plain) == 0 {
		t.Fatal("no plain message sent")
	}
	return a.plain[len(a.plain)-1]
}

func inbound(thread, sender types.ID, text string) *messenger.Message {
	return &messenger.Message{
		ID:          "m.100",
		ThreadID:    thread,
		SenderID:    sender,
		Text:        text,
		TimestampMs: 1700000000000,
	}
}

func TestPingMatch(t *testing.T) {
	cases := []struct {
		text string
		want bool
	}{
		{"ping", true},
		{"PING", true},
		{"  Ping  ", true},
		{"pinging", false},
		{"ping me later", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := (Ping{}).Match(messenger.EventMessage, inbound(1, 2, tc.text)); got != tc.want {
			t.Errorf("Match(%q) = %v, want %v", tc.text, got, tc.want)
		}
	}
}

func TestPingRepliesPong(t *testing.T) {
	api := &recordAPI{}
	msg := inbound(123, 42, "ping")
	if err := (Ping{}).Handle(context.Background(), messenger.EventMessage, msg, api); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	sent := api.lastPlain(t)
	if sent.thread != 123 || sent.text != "pong 🏓" {
		t.Errorf("sent %+v, want pong 🏓 to thread 123", sent)
	}
}

func TestReplyUsesE2EELane(t *testing.T) {
	api := &recordAPI{}
	msg := inbound(123, 42, "ping")
	msg.IsE2EE = true
	if err := (Ping{}).Handle(context.Background(), messenger.EventE2EEMessage, msg, api); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(api.plain) != 0 {
		t.Errorf("plain lane used for E2EE message: %+v", api.plain)
	}
	if len(api.e2ee) != 1 {
		t.Fatalf("e2ee sends = %d, want 1", len(api.e2ee))
	}
	if got, want := api.e2ee[0].jid, messenger.JID(types.ID(123)); got != want {
		t.Errorf("jid = %q, want %q", got, want)
	}
	if api.e2ee[0].text != "pong 🏓" {
		t.Errorf("text = %q", api.e2ee[0].text)
	}
}

func TestReplySkipsEmptyText(t *testing.T) {
	api := &recordAPI{}
	if err := reply(context.Background(), api, inbound(1, 2, "hi"), ""); err != nil {
		t.Fatalf("reply: %v", err)
	}
	if len(api.plain)+len(api.e2ee) != 0 {
		t.Error("empty reply was sent")
	}
}

func TestChainOrderAndNilSkipping(t *testing.T) {
	st := newHandlersStore(t)
	cmd := NewCommand(nil, st, testLogger())
	med := NewMediaLink(nil, testLogger())
	ai := NewAIChat(nil, st, testLogger())

	full := Chain(cmd, med, ai)
	want := []string{"command", "media-link", "ping", "ai-chat"}
	if len(full) != len(want) {
		t.Fatalf("chain length = %d, want %d", len(full), len(want))
	}
	for i, h := range full {
		if h.Name() != want[i] {
			t.Errorf("chain[%d] = %s, want %s", i, h.Name(), want[i])
		}
	}

	trimmed := Chain(cmd, nil, nil)
	if len(trimmed) != 2 || trimmed[0].Name() != "command" || trimmed[1].Name() != "ping" {
		t.Errorf("trimmed chain = %d handlers", len(trimmed))
	}
}
