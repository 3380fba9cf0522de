package handlers

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/orcabot/orcabot/internal/messenger"
	"github.com/orcabot/orcabot/internal/pipeline"
	"github.com/orcabot/orcabot/internal/store"
	"github.com/orcabot/orcabot/internal/types"
)

type fakeReplier struct {
	mu      sync.Mutex
	res     *pipeline.Result
	err     error
	enabled bool
	inputs  []pipeline.Input
}

func (f *fakeReplier) Reply(_ context.Context, in pipeline.Input) (*pipeline.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, in)
	if f.err != nil {
		return nil, f.err
	}
	return f.res, nil
}

func (f *fakeReplier) Enabled() bool { return f.enabled }

// failingDirectory forces the store-error path in Match.
type failingDirectory struct{}

func (failingDirectory) GetThread(types.ID) (*store.Thread, error) {
	return nil, errors.New("db gone")
}

func TestAIChatMatch(t *testing.T) {
	st := newHandlersStore(t)
	if err := st.EnsureThread(9, "muted", false); err != nil {
		t.Fatalf("ensure thread: %v", err)
	}
	if err := st.SetThreadEnabled(9, false); err != nil {
		t.Fatalf("disable thread: %v", err)
	}

	on := &fakeReplier{enabled: true}
	off := &fakeReplier{enabled: false}

	cases := []struct {
		name    string
		handler *AIChat
		thread  types.ID
		text    string
		want    bool
	}{
		{"enabled thread", NewAIChat(on, st, testLogger()), 1, "hello", true},
		{"unknown thread defaults on", NewAIChat(on, st, testLogger()), 555, "hello", true},
		{"disabled thread", NewAIChat(on, st, testLogger()), 9, "hello", false},
		{"empty text", NewAIChat(on, st, testLogger()), 1, "", false},
		{"llm off", NewAIChat(off, st, testLogger()), 1, "hello", false},
		{"nil replier", NewAIChat(nil, st, testLogger()), 1, "hello", false},
		{"store error", NewAIChat(on, failingDirectory{}, testLogger()), 1, "hello", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msg := inbound(tc.thread, 42, tc.text)
			if got := tc.handler.Match(messenger.EventMessage, msg); got != tc.want {
				t.Errorf("Match = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestAIChatRepliesThroughPipeline(t *testing.T) {
	st := newHandlersStore(t)
	replier := &fakeReplier{
		enabled: true,
		res:     &pipeline.Result{ThreadID: 123, Text: "here is the answer"},
	}
	h := NewAIChat(replier, st, testLogger())
	api := &recordAPI{}
	msg := inbound(123, 42, "what's the plan for tomorrow?")

	if err := h.Handle(context.Background(), messenger.EventMessage, msg, api); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	if len(replier.inputs) != 1 {
		t.Fatalf("pipeline calls = %d, want 1", len(replier.inputs))
	}
	in := replier.inputs[0]
	if in.ThreadID != 123 || in.SenderID != 42 || in.Text != msg.Text {
		t.Errorf("pipeline input = %+v", in)
	}

	sent := api.lastPlain(t)
	if sent.thread != 123 || sent.text != "here is the answer" {
		t.Errorf("sent %+v", sent)
	}
	if api.typing != 1 || api.read != 1 {
		t.Errorf("typing=%d read=%d, want 1/1", api.typing, api.read)
	}
}

func TestAIChatRoutesCrossThreadReply(t *testing.T) {
	st := newHandlersStore(t)
	replier := &fakeReplier{
		enabled: true,
		res:     &pipeline.Result{ThreadID: 777, Text: "forwarded as asked"},
	}
	h := NewAIChat(replier, st, testLogger())
	api := &recordAPI{}
	msg := inbound(123, 42, "reply in that thread please")

	if err := h.Handle(context.Background(), messenger.EventMessage, msg, api); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if sent := api.lastPlain(t); sent.thread != 777 {
		t.Errorf("reply landed in thread %d, want 777", sent.thread)
	}
}

func TestAIChatCosmeticFailuresDoNotBlockReply(t *testing.T) {
	st := newHandlersStore(t)
	replier := &fakeReplier{
		enabled: true,
		res:     &pipeline.Result{ThreadID: 123, Text: "still here"},
	}
	h := NewAIChat(replier, st, testLogger())
	api := &recordAPI{
		typingErr: errors.New("typing lane down"),
		readErr:   errors.New("receipt lane down"),
	}
	msg := inbound(123, 42, "hello?")

	if err := h.Handle(context.Background(), messenger.EventMessage, msg, api); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if sent := api.lastPlain(t); sent.text != "still here" {
		t.Errorf("sent %q", sent.text)
	}
}

func TestAIChatPipelineErrorPropagates(t *testing.T) {
	st := newHandlersStore(t)
	replier := &fakeReplier{enabled: true, err: errors.New("model unreachable")}
	h := NewAIChat(replier, st, testLogger())
	api := &recordAPI{}

	err := h.Handle(context.Background(), messenger.EventMessage, inbound(1, 2, "hi"), api)
	if err == nil || !strings.Contains(err.Error(), "model unreachable") {
		t.Fatalf("Handle error = %v", err)
	}
	if len(api.plain)+len(api.e2ee) != 0 {
		t.Error("reply sent despite pipeline error")
	}
}

func TestAIChatEmptyReplySendsNothing(t *testing.T) {
	st := newHandlersStore(t)
	replier := &fakeReplier{enabled: true, res: &pipeline.Result{ThreadID: 1}}
	h := NewAIChat(replier, st, testLogger())
	api := &recordAPI{}

	if err := h.Handle(context.Background(), messenger.EventMessage, inbound(1, 2, "hm"), api); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(api.plain)+len(api.e2ee) != 0 {
		t.Error("empty reply was sent")
	}
}

func TestAIChatSearchGating(t *testing.T) {
	cases := []struct {
		name       string
		searchable bool
		text       string
		want       bool
	}{
		{"explicit search verb", true, "search for the match result", true},
		{"vietnamese lookup", true, "tra cứu giúp mình cái này", true},
		{"gold price", true, "giá vàng hôm nay bao nhiêu?", true},
		{"weather", true, "Hà Nội weather this weekend?", true},
		{"plain chat", true, "ok hẹn gặp lại nhé", false},
		{"provider off", false, "search for the match result", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			st := newHandlersStore(t)
			replier := &fakeReplier{
				enabled: true,
				res:     &pipeline.Result{ThreadID: 1, Text: "done"},
			}
			h := NewAIChat(replier, st, testLogger())
			if tc.searchable {
				h.EnableSearch()
			}

			if err := h.Handle(context.Background(), messenger.EventMessage, inbound(1, 2, tc.text), &recordAPI{}); err != nil {
				t.Fatalf("Handle: %v", err)
			}
			if got := replier.inputs[0].Gating.NeedSearch; got != tc.want {
				t.Errorf("NeedSearch = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestAIChatE2EEReplyKeepsLane(t *testing.T) {
	st := newHandlersStore(t)
	replier := &fakeReplier{
		enabled: true,
		res:     &pipeline.Result{ThreadID: 123, Text: "secret answer"},
	}
	h := NewAIChat(replier, st, testLogger())
	api := &recordAPI{}
	msg := inbound(123, 42, "hello")
	msg.IsE2EE = true

	if err := h.Handle(context.Background(), messenger.EventE2EEMessage, msg, api); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(api.e2ee) != 1 || api.e2ee[0].jid != messenger.JID(types.ID(123)) {
		t.Fatalf("e2ee sends = %+v", api.e2ee)
	}
}
