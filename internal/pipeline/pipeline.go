// Package pipeline turns an inbound message into a reply through six
// stages: thread resolution, context loading, conversation analysis,
// reply planning, composition, and a safety gate. Resolution and
// planning are deterministic; analysis prefers an LLM when the window
// is large enough and falls back to heuristics on any failure;
// composition is the only stage that requires one. A safety rejection
// swaps in fixed replacement text instead of aborting, so the caller
// always gets something sendable back.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/orcabot/orcabot/internal/llm"
	"github.com/orcabot/orcabot/internal/metrics"
	"github.com/orcabot/orcabot/internal/store"
	"github.com/orcabot/orcabot/internal/types"
)

// Store is the slice of the bot's persistence the pipeline reads.
// *store.Store implements it; tests inject fakes.
type Store interface {
	GetThread(id types.ID) (*store.Thread, error)
	ListThreads(limit, offset int) ([]store.Thread, error)
	GetMessages(threadID types.ID, limit int) ([]store.Message, error)
}

var _ Store = (*store.Store)(nil)

// SearchFunc looks up external context for a query between planning
// and composition. Optional; a nil func skips the lookup.
type SearchFunc func(ctx context.Context, query string) (string, error)

// Gating carries the upstream decision that let the pipeline run.
type Gating struct {
	// NeedSearch routes the current message through the search hook
	// before composing.
	NeedSearch bool
}

// Config wires a Pipeline.
type Config struct {
	Store   Store
	LLM     llm.Client // nil runs heuristics only; composition fails Unavailable
	Metrics *metrics.Registry
	Logger  *slog.Logger
	Search  SearchFunc
}

// Pipeline owns the six reply stages.
type Pipeline struct {
	resolver *Resolver
	loader   *ContextLoader
	analyzer *Analyzer
	composer *Composer
	gate     *Gate
	search   SearchFunc
	logger   *slog.Logger
}

// New assembles a pipeline. Register Loader().Flush with the memory
// sampler so heap pressure empties the context cache.
func New(cfg Config) *Pipeline {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "pipeline")
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewRegistry()
	}
	return &Pipeline{
		resolver: newResolver(cfg.Store, logger),
		loader:   newContextLoader(cfg.Store, logger),
		analyzer: &Analyzer{llm: cfg.LLM, reg: cfg.Metrics, logger: logger},
		composer: &Composer{llm: cfg.LLM, reg: cfg.Metrics, logger: logger},
		gate:     &Gate{reg: cfg.Metrics},
		search:   cfg.Search,
		logger:   logger,
	}
}

// Loader exposes the context cache for invalidation and for
// memory-pressure callback registration.
func (p *Pipeline) Loader() *ContextLoader { return p.loader }

// Enabled reports whether composition can run.
func (p *Pipeline) Enabled() bool { return p.composer.llm != nil }

// Input is one inbound message the caller wants answered.
type Input struct {
	ThreadID types.ID
	SenderID types.ID
	Text     string
	Gating   Gating
}

// Result is the pipeline's outcome. Text is ready to send as-is: the
// composed reply, the safe alternative when the gate rejected, or a
// disambiguation question when the resolver could not pick a target.
type Result struct {
	ThreadID       types.ID // resolved reply target
	Text           string
	Analysis       *Analysis
	Plan           *Plan
	SafetyBlocked  bool
	Disambiguation bool
	TraceID        string
}

// Reply runs the six stages for one message.
func (p *Pipeline) Reply(ctx context.Context, in Input) (*Result, error) {
	trace := uuid.NewString()
	logger := p.logger.With("trace_id", trace, "thread_id", in.ThreadID)
	started := time.Now()

	// Stage 1: pick the reply target.
	t0 := time.Now()
	res, err := p.resolver.Resolve(in.ThreadID, in.Text)
	if err != nil {
		return nil, fmt.Errorf("resolve thread: %w", err)
	}
	logger.Debug("stage done", "stage", "resolve",
		"elapsed_ms", time.Since(t0).Milliseconds(),
		"target", res.ThreadID, "confidence", res.Confidence)

	if res.Ambiguous {
		// Ask in the thread the message arrived in, not the guess.
		return &Result{
			ThreadID:       in.ThreadID,
			Text:           res.Prompt,
			Disambiguation: true,
			TraceID:        trace,
		}, nil
	}

	// Stage 2: conversation window.
	t0 = time.Now()
	convo, err := p.loader.Load(res.ThreadID)
	if err != nil {
		return nil, fmt.Errorf("load context: %w", err)
	}
	logger.Debug("stage done", "stage", "context",
		"elapsed_ms", time.Since(t0).Milliseconds(),
		"messages", convo.MessageCount)

	// Stage 3: what is the conversation doing.
	t0 = time.Now()
	an := p.analyzer.Analyze(ctx, convo, in.Text)
	logger.Debug("stage done", "stage", "analyze",
		"elapsed_ms", time.Since(t0).Milliseconds(),
		"intent", an.Intent, "confidence", an.Confidence)

	// Stage 4: plan the reply. Pure, no I/O.
	plan := BuildPlan(an, in.Gating, in.Text, convo.MessageCount)
	logger.Debug("stage done", "stage", "plan",
		"action", plan.Action, "length", plan.LengthGuidance)

	var searchText string
	if plan.SearchQuery != "" && p.search != nil {
		t0 = time.Now()
		searchText, err = p.search(ctx, plan.SearchQuery)
		if err != nil {
			logger.Debug("search failed, composing without it", "error", err)
			searchText = ""
		}
		logger.Debug("stage done", "stage", "search",
			"elapsed_ms", time.Since(t0).Milliseconds(),
			"chars", len(searchText))
	}

	// Stage 5: compose the reply body.
	t0 = time.Now()
	reply, err := p.composer.Compose(ctx, convo.WithCurrent(in.SenderID, in.Text), searchText, plan)
	if err != nil {
		return nil, err
	}
	logger.Debug("stage done", "stage", "compose",
		"elapsed_ms", time.Since(t0).Milliseconds(),
		"chars", len(reply))

	// Stage 6: screen it.
	out := &Result{
		ThreadID: res.ThreadID,
		Text:     reply,
		Analysis: an,
		Plan:     plan,
		TraceID:  trace,
	}
	if v := p.gate.Check(reply); !v.OK {
		logger.Warn("reply blocked by safety gate", "reason", v.Reason)
		out.Text = SafeAlternative
		out.SafetyBlocked = true
	}

	logger.Debug("pipeline complete",
		"elapsed_ms", time.Since(started).Milliseconds(),
		"blocked", out.SafetyBlocked)
	return out, nil
}
