package handlers

import (
	"context"
	"fmt"
	"regexp"

	"log/slog"

	"github.com/orcabot/orcabot/internal/dispatch"
	"github.com/orcabot/orcabot/internal/messenger"
	"github.com/orcabot/orcabot/internal/pipeline"
	"github.com/orcabot/orcabot/internal/types"
)

// Replier produces one conversational reply. Enabled reports whether
// a language model is configured; without one the handler stays out
// of the chain entirely.
type Replier interface {
	Reply(ctx context.Context, in pipeline.Input) (*pipeline.Result, error)
	Enabled() bool
}

var _ Replier = (*pipeline.Pipeline)(nil)

/// searchIntentRe spots messages that plainly want live information:
// explicit search verbs (EN+VI) or current-fact markers like prices,
// news, or weather. It gates the pipeline's web search hook, so a miss
// just means composing from conversation context alone.
var searchIntentRe = regexp.MustCompile(`(?i)(search|look up|google|tra cứu|tìm kiếm|giá (vàng|xăng|đô)|tỷ giá|price of|news|tin tức|thời tiết|weather)`)

// AIChat is the conversational catch-all. It runs last in the chain
// and answers anything the explicit handlers left alone, provided the
// thread has the bot switched on.
type AIChat struct {
	replier Replier
	threads ThreadDirectory
	logger  *slog.Logger

	// searchable is set when a web search provider is configured;
	// without one NeedSearch stays false and the pipeline never
	// attempts the hook.
	searchable bool
}

// NewAIChat returns the ai-chat handler.
func NewAIChat(replier Replier, threads ThreadDirectory, logger *slog.Logger) *AIChat {
	if logger == nil {
		logger = slog.Default()
	}
	return &AIChat{
		replier: replier,
		threads: threads,
		logger:  logger.With("handler", "ai_chat"),
	}
}

// EnableSearch marks web search as available so matching messages get
// routed through the pipeline's search hook.
func (h *AIChat) EnableSearch() { h.searchable = true }

func (h *AIChat) Name() string { return "ai-chat" }

func (h *AIChat) Match(_ messenger.EventKind, msg *messenger.Message) bool {
	if h.replier == nil || !h.replier.Enabled() || msg.Text == "" {
		return false
	}
	return h.threadEnabled(msg.ThreadID)
}

func (h *AIChat) Handle(ctx context.Context, _ messenger.EventKind, msg *messenger.Message, api dispatch.ChatAPI) error {
	// Typing indicator and read receipt are cosmetic. A failure there
	// must not cost the reply.
	if err := api.SendTypingIndicator(ctx, msg.ThreadID, true); err != nil {
		h.logger.Debug("typing indicator failed", "thread", msg.ThreadID, "error", err)
	}
	if err := api.MarkAsRead(ctx, msg.ThreadID, msg.TimestampMs); err != nil {
		h.logger.Debug("mark read failed", "thread", msg.ThreadID, "error", err)
	}

	res, err := h.replier.Reply(ctx, pipeline.Input{
		ThreadID: msg.ThreadID,
		SenderID: msg.SenderID,
		Text:     msg.Text,
		Gating: pipeline.Gating{
			NeedSearch: h.searchable && wantsSearch(msg.Text),
		},
	})
	if err != nil {
		return fmt.Errorf("reply: %w", err)
	}
	if res.Text == "" {
		return nil
	}

	// The pipeline may have routed the reply to a referenced thread.
	return replyTo(ctx, api, msg, res.ThreadID, res.Text)
}

func wantsSearch(text string) bool {
	return searchIntentRe.MatchString(text)
}

// threadEnabled returns the per-thread bot switch. Threads unknown to
// the store default to enabled; the dispatcher inserts the row before
// any handler runs.
func (h *AIChat) threadEnabled(id types.ID) bool {
	t, err := h.threads.GetThread(id)
	if err != nil {
		h.logger.Warn("thread lookup failed", "thread", id, "error", err)
		return false
	}
	return t == nil || t.Enabled
}
