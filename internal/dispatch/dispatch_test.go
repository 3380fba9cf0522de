package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/orcabot/orcabot/internal/messenger"
	"github.com/orcabot/orcabot/internal/metrics"
	"github.com/orcabot/orcabot/internal/store"
	"github.com/orcabot/orcabot/internal/types"
)

// fakeStore is an in-memory Persister.
type fakeStore struct {
	mu      sync.Mutex
	blocked map[types.ID]bool
	users   int
	threads int
	saved   []store.Message
	saveErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{blocked: make(map[types.ID]bool)}
}

func (f *fakeStore) EnsureUser(id types.ID, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users++
	return nil
}

func (f *fakeStore) EnsureThread(id types.ID, name string, isGroup bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.threads++
	return nil
}

func (f *fakeStore) IsBlocked(id types.ID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.blocked[id], nil
}

func (f *fakeStore) SaveMessage(m *store.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	f.saved = append(f.saved, *m)
	return nil
}

func (f *fakeStore) savedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.saved)
}

// nopAPI satisfies ChatAPI; the dispatcher only passes it through.
type nopAPI struct{}

func (nopAPI) SendMessage(context.Context, types.ID, string, ...messenger.SendOption) (string, error) {
	return "", nil
}
func (nopAPI) SendE2EEMessage(context.Context, string, string, ...messenger.SendOption) (string, error) {
	return "", nil
}
func (nopAPI) SendReaction(context.Context, types.ID, string, string) error  { return nil }
func (nopAPI) SendTypingIndicator(context.Context, types.ID, bool) error     { return nil }
func (nopAPI) MarkAsRead(context.Context, types.ID, int64) error             { return nil }
func (nopAPI) SendImageDirect(context.Context, types.ID, []messenger.MediaItem, ...messenger.SendOption) (string, error) {
	return "", nil
}
func (nopAPI) SendVideoDirect(context.Context, types.ID, []messenger.MediaItem, ...messenger.SendOption) (string, error) {
	return "", nil
}
func (nopAPI) SendVoiceDirect(context.Context, types.ID, []messenger.MediaItem, ...messenger.SendOption) (string, error) {
	return "", nil
}
func (nopAPI) SendFileDirect(context.Context, types.ID, []messenger.MediaItem, ...messenger.SendOption) (string, error) {
	return "", nil
}

// fakeHandler counts invocations and delegates to optional hooks.
type fakeHandler struct {
	name    string
	matchFn func(messenger.EventKind, *messenger.Message) bool
	handler func(context.Context, *messenger.Message) error
	calls   atomic.Int32
}

func (h *fakeHandler) Name() string { return h.name }

func (h *fakeHandler) Match(kind messenger.EventKind, msg *messenger.Message) bool {
	if h.matchFn != nil {
		return h.matchFn(kind, msg)
	}
	return true
}

func (h *fakeHandler) Handle(ctx context.Context, kind messenger.EventKind, msg *messenger.Message, api ChatAPI) error {
	h.calls.Add(1)
	if h.handler != nil {
		return h.handler(ctx, msg)
	}
	return nil
}

func msgEvent(id string, sender types.ID) messenger.Event {
	return messenger.Event{
		Kind: messenger.EventMessage,
		Message: &messenger.Message{
			ID:          id,
			ThreadID:    types.ID(500),
			SenderID:    sender,
			Text:        "hello",
			TimestampMs: time.Now().UnixMilli(),
		},
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition never became true")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func newRunning(t *testing.T, cfg Config) *Dispatcher {
	t.Helper()
	if cfg.Store == nil {
		cfg.Store = newFakeStore()
	}
	if cfg.API == nil {
		cfg.API = nopAPI{}
	}
	d := New(cfg)
	if err := d.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(d.Shutdown)
	return d
}

func TestDedupCacheEvictsOldest(t *testing.T) {
	c := newDedupCache(3)

	for _, key := range []string{"a", "b", "c"} {
		if c.Seen(key) {
			t.Errorf("fresh key %q reported seen", key)
		}
	}
	if !c.Seen("a") {
		t.Error("repeat of a not detected")
	}

	// Full cache: d evicts a, the oldest.
	if c.Seen("d") {
		t.Error("d reported seen")
	}
	if c.Seen("a") {
		t.Error("a should have been evicted")
	}
	if !c.Seen("c") {
		t.Error("c should still be tracked")
	}
	if got := c.Len(); got != 3 {
		t.Errorf("Len = %d, want 3", got)
	}
}

func TestDispatchRunsHandler(t *testing.T) {
	h := &fakeHandler{name: "echo"}
	fs := newFakeStore()
	reg := metrics.NewRegistry()
	d := newRunning(t, Config{Handlers: []Handler{h}, Store: fs, Metrics: reg})

	d.Dispatch(msgEvent("m.1", 42))

	waitFor(t, time.Second, func() bool { return h.calls.Load() == 1 })
	if got := fs.savedCount(); got != 1 {
		t.Errorf("saved messages = %d, want 1", got)
	}
	if got := reg.Counter(metrics.MessagesReceived); got != 1 {
		t.Errorf("messages.received = %d, want 1", got)
	}
	waitFor(t, time.Second, func() bool { return d.Active() == 0 })
}

func TestDispatchDropsSelfMessages(t *testing.T) {
	h := &fakeHandler{name: "echo"}
	fs := newFakeStore()
	reg := metrics.NewRegistry()
	d := newRunning(t, Config{
		Handlers: []Handler{h},
		Store:    fs,
		Metrics:  reg,
		SelfID:   types.ID(7),
	})

	d.Dispatch(msgEvent("m.self", 7))

	time.Sleep(50 * time.Millisecond)
	if h.calls.Load() != 0 {
		t.Error("handler ran for the bot's own message")
	}
	if got := reg.Counter(metrics.MessagesReceived); got != 0 {
		t.Errorf("self echo counted as received: %d", got)
	}
	if fs.savedCount() != 0 {
		t.Error("self echo persisted")
	}
}

func TestDispatchDropsBlockedUsers(t *testing.T) {
	h := &fakeHandler{name: "echo"}
	fs := newFakeStore()
	fs.blocked[types.ID(666)] = true
	reg := metrics.NewRegistry()
	d := newRunning(t, Config{Handlers: []Handler{h}, Store: fs, Metrics: reg})

	d.Dispatch(msgEvent("m.bad", 666))

	time.Sleep(50 * time.Millisecond)
	if h.calls.Load() != 0 {
		t.Error("handler ran for a blocked user")
	}
	if got := reg.Counter(metrics.EventsBlocked); got != 1 {
		t.Errorf("events.blocked = %d, want 1", got)
	}
	if fs.savedCount() != 0 {
		t.Error("blocked user's message persisted")
	}
}

func TestDispatchDeduplicates(t *testing.T) {
	h := &fakeHandler{name: "echo"}
	reg := metrics.NewRegistry()
	d := newRunning(t, Config{Handlers: []Handler{h}, Metrics: reg})

	d.Dispatch(msgEvent("m.dup", 42))
	d.Dispatch(msgEvent("m.dup", 42))
	d.Dispatch(msgEvent("m.dup", 42))

	waitFor(t, time.Second, func() bool { return h.calls.Load() == 1 })
	time.Sleep(50 * time.Millisecond)
	if got := h.calls.Load(); got != 1 {
		t.Errorf("handler calls = %d, want 1", got)
	}
	if got := reg.Counter(metrics.EventsDeduplicated); got != 2 {
		t.Errorf("events.deduplicated = %d, want 2", got)
	}
}

func TestConcurrencyCapDropsOverflow(t *testing.T) {
	release := make(chan struct{})
	h := &fakeHandler{
		name: "slow",
		handler: func(ctx context.Context, _ *messenger.Message) error {
			<-release
			return nil
		},
	}
	reg := metrics.NewRegistry()
	d := newRunning(t, Config{
		Handlers:      []Handler{h},
		Metrics:       reg,
		MaxConcurrent: 2,
	})

	d.Dispatch(msgEvent("m.1", 42))
	d.Dispatch(msgEvent("m.2", 42))
	waitFor(t, time.Second, func() bool { return d.Active() == 2 })

	d.Dispatch(msgEvent("m.3", 42))
	if got := reg.Counter(metrics.EventsDropped); got != 1 {
		t.Errorf("events.dropped = %d, want 1", got)
	}
	if got := reg.Gauge(metrics.HandlersActive); got != 2 {
		t.Errorf("handlers.active gauge = %v, want 2", got)
	}

	close(release)
	waitFor(t, time.Second, func() bool { return d.Active() == 0 })
}

func TestHandlerTimeoutFreesSlot(t *testing.T) {
	done := make(chan struct{})
	h := &fakeHandler{
		name: "sleepy",
		handler: func(ctx context.Context, _ *messenger.Message) error {
			defer close(done)
			time.Sleep(150 * time.Millisecond)
			return errors.New("late failure")
		},
	}
	reg := metrics.NewRegistry()
	d := newRunning(t, Config{
		Handlers:       []Handler{h},
		Metrics:        reg,
		HandlerTimeout: 30 * time.Millisecond,
	})

	d.Dispatch(msgEvent("m.slow", 42))

	// The slot frees at the timeout, well before the handler returns.
	waitFor(t, time.Second, func() bool { return d.Active() == 0 })
	select {
	case <-done:
		t.Error("handler finished before the slot was freed")
	default:
	}

	// The late error is consumed and still counted.
	<-done
	waitFor(t, time.Second, func() bool {
		return reg.Counter(metrics.ErrorsHandler) == 2 // timeout + late error
	})
}

func TestHandlerPanicContained(t *testing.T) {
	boom := &fakeHandler{
		name: "boom",
		handler: func(ctx context.Context, _ *messenger.Message) error {
			panic("kaboom")
		},
	}
	reg := metrics.NewRegistry()
	d := newRunning(t, Config{Handlers: []Handler{boom}, Metrics: reg})

	d.Dispatch(msgEvent("m.boom", 42))

	waitFor(t, time.Second, func() bool {
		return reg.Counter(metrics.ErrorsHandler) == 1
	})
	waitFor(t, time.Second, func() bool { return d.Active() == 0 })

	// The dispatcher is still usable.
	d.Dispatch(msgEvent("m.after", 42))
	waitFor(t, time.Second, func() bool { return boom.calls.Load() == 2 })
}

func TestFirstMatchWins(t *testing.T) {
	never := &fakeHandler{
		name:    "never",
		matchFn: func(messenger.EventKind, *messenger.Message) bool { return false },
	}
	first := &fakeHandler{name: "first"}
	second := &fakeHandler{name: "second"}
	d := newRunning(t, Config{Handlers: []Handler{never, first, second}})

	d.Dispatch(msgEvent("m.1", 42))

	waitFor(t, time.Second, func() bool { return first.calls.Load() == 1 })
	time.Sleep(50 * time.Millisecond)
	if second.calls.Load() != 0 {
		t.Error("second handler ran after first matched")
	}
	if never.calls.Load() != 0 {
		t.Error("non-matching handler ran")
	}
}

func TestShutdownWaitsForHandlers(t *testing.T) {
	release := make(chan struct{})
	h := &fakeHandler{
		name: "slow",
		handler: func(ctx context.Context, _ *messenger.Message) error {
			<-release
			return nil
		},
	}
	d := newRunning(t, Config{Handlers: []Handler{h}})

	d.Dispatch(msgEvent("m.1", 42))
	waitFor(t, time.Second, func() bool { return d.Active() == 1 })

	go func() {
		time.Sleep(300 * time.Millisecond)
		close(release)
	}()

	start := time.Now()
	d.Shutdown()
	elapsed := time.Since(start)

	if d.State() != StateStopped {
		t.Errorf("state = %s, want stopped", d.State())
	}
	if elapsed < 250*time.Millisecond {
		t.Errorf("shutdown returned in %v, should have waited for the handler", elapsed)
	}
	if d.Active() != 0 {
		t.Errorf("active = %d after drain", d.Active())
	}

	// Events after shutdown are dropped.
	d.Dispatch(msgEvent("m.late", 42))
	time.Sleep(20 * time.Millisecond)
	if h.calls.Load() != 1 {
		t.Error("dispatch accepted an event after shutdown")
	}
}

func TestShutdownFromIdle(t *testing.T) {
	d := New(Config{Store: newFakeStore(), API: nopAPI{}})

	start := time.Now()
	d.Shutdown()
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("idle shutdown took %v, want immediate", elapsed)
	}
	if d.State() != StateStopped {
		t.Errorf("state = %s, want stopped", d.State())
	}
	if err := d.Start(); err == nil {
		t.Error("Start after Stop should fail")
	}
}

func TestRunConsumesChannel(t *testing.T) {
	h := &fakeHandler{name: "echo"}
	d := New(Config{Handlers: []Handler{h}, Store: newFakeStore(), API: nopAPI{}})

	events := make(chan messenger.Event, 8)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		defer close(done)
		d.Run(ctx, events)
	}()

	for i := range 3 {
		events <- msgEvent(fmt.Sprintf("m.%d", i), 42)
	}
	waitFor(t, time.Second, func() bool { return h.calls.Load() == 3 })

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if d.State() != StateStopped {
		t.Errorf("state = %s, want stopped", d.State())
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateIdle, "idle"},
		{StateRunning, "running"},
		{StateDraining, "draining"},
		{StateStopped, "stopped"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
