// Package dispatch converts adapter events into handler invocations.
// It enforces the bot's inbound discipline: duplicate suppression,
// blocked-user filtering, a hard cap on concurrent handlers, and a
// bounded drain on shutdown. Each accepted message runs through an
// ordered handler chain where the first match wins.
package dispatch

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"log/slog"

	"github.com/orcabot/orcabot/internal/messenger"
	"github.com/orcabot/orcabot/internal/metrics"
	"github.com/orcabot/orcabot/internal/store"
	"github.com/orcabot/orcabot/internal/types"
)

// Defaults applied by New when the config leaves a knob zero.
const (
	DefaultMaxConcurrent  = 10
	DefaultHandlerTimeout = 30 * time.Second
	DefaultCacheSize      = 1000

	// Shutdown waits up to drainTimeout for in-flight handlers,
	// checking every drainPoll, then force-closes.
	drainTimeout = 10 * time.Second
	drainPoll    = 200 * time.Millisecond
)

// ChatAPI is the adapter surface handlers reply through.
// *messenger.Client implements it; tests inject fakes.
type ChatAPI interface {
	SendMessage(ctx context.Context, threadID types.ID, text string, opts ...messenger.SendOption) (string, error)
	SendE2EEMessage(ctx context.Context, chatJID, text string, opts ...messenger.SendOption) (string, error)
	SendReaction(ctx context.Context, threadID types.ID, messageID, emoji string) error
	SendTypingIndicator(ctx context.Context, threadID types.ID, active bool) error
	MarkAsRead(ctx context.Context, threadID types.ID, watermarkMs int64) error
	SendImageDirect(ctx context.Context, threadID types.ID, items []messenger.MediaItem, opts ...messenger.SendOption) (string, error)
	SendVideoDirect(ctx context.Context, threadID types.ID, items []messenger.MediaItem, opts ...messenger.SendOption) (string, error)
	SendVoiceDirect(ctx context.Context, threadID types.ID, items []messenger.MediaItem, opts ...messenger.SendOption) (string, error)
	SendFileDirect(ctx context.Context, threadID types.ID, items []messenger.MediaItem, opts ...messenger.SendOption) (string, error)
}

var _ ChatAPI = (*messenger.Client)(nil)

// Handler is one link in the chain. Match decides cheaply whether the
// handler wants the message; Handle does the work and may take up to
// the configured timeout.
type Handler interface {
	Name() string
	Match(kind messenger.EventKind, msg *messenger.Message) bool
	Handle(ctx context.Context, kind messenger.EventKind, msg *messenger.Message, api ChatAPI) error
}

// Persister is the slice of the store the dispatcher touches.
type Persister interface {
	EnsureUser(id types.ID, name string) error
	EnsureThread(id types.ID, name string, isGroup bool) error
	IsBlocked(id types.ID) (bool, error)
	SaveMessage(m *store.Message) error
}

var _ Persister = (*store.Store)(nil)

// State tracks the dispatcher lifecycle.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Config holds the dependencies for a Dispatcher.
type Config struct {
	Handlers []Handler
	API      ChatAPI
	Store    Persister
	Metrics  *metrics.Registry
	Logger   *slog.Logger

	SelfID         types.ID      // the bot's own account; its messages are dropped
	MaxConcurrent  int           // handler goroutine cap, default 10
	HandlerTimeout time.Duration // per-invocation budget, default 30s
	CacheSize      int           // dedup ring capacity, default 1000
}

// Dispatcher fans inbound events into handler goroutines.
type Dispatcher struct {
	handlers []Handler
	api      ChatAPI
	store    Persister
	metrics  *metrics.Registry
	logger   *slog.Logger

	selfID         types.ID
	maxConcurrent  int32
	handlerTimeout time.Duration

	state  atomic.Int32
	active atomic.Int32
	seen   *dedupCache

	// baseCtx parents every handler context. Shutdown cancels it only
	// after the drain window expires, so in-flight handlers get their
	// chance to finish.
	baseCtx    context.Context
	baseCancel context.CancelFunc
}

// New creates a dispatcher in the Idle state.
func New(cfg Config) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewRegistry()
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = DefaultHandlerTimeout
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultCacheSize
	}

	baseCtx, baseCancel := context.WithCancel(context.Background())
	return &Dispatcher{
		handlers:       cfg.Handlers,
		api:            cfg.API,
		store:          cfg.Store,
		metrics:        cfg.Metrics,
		logger:         logger.With("component", "dispatch"),
		selfID:         cfg.SelfID,
		maxConcurrent:  int32(cfg.MaxConcurrent),
		handlerTimeout: cfg.HandlerTimeout,
		seen:           newDedupCache(cfg.CacheSize),
		baseCtx:        baseCtx,
		baseCancel:     baseCancel,
	}
}

// State returns the current lifecycle state.
func (d *Dispatcher) State() State {
	return State(d.state.Load())
}

// Active returns the number of handler goroutines in flight.
func (d *Dispatcher) Active() int {
	return int(d.active.Load())
}

// Start moves the dispatcher from Idle to Running. Run calls it
// automatically; it exists for callers that feed Dispatch directly.
func (d *Dispatcher) Start() error {
	if !d.state.CompareAndSwap(int32(StateIdle), int32(StateRunning)) {
		return fmt.Errorf("dispatcher start: state is %s", d.State())
	}
	d.logger.Info("dispatcher running",
		"handlers", len(d.handlers),
		"max_concurrent", d.maxConcurrent,
		"handler_timeout", d.handlerTimeout,
	)
	return nil
}

// Run consumes adapter events until ctx is cancelled or the channel
// closes, then drains.
func (d *Dispatcher) Run(ctx context.Context, events <-chan messenger.Event) {
	if err := d.Start(); err != nil {
		d.logger.Warn("dispatcher run skipped", "error", err)
		return
	}
	for {
		select {
		case <-ctx.Done():
			d.Shutdown()
			return
		case ev, ok := <-events:
			if !ok {
				d.logger.Info("event channel closed")
				d.Shutdown()
				return
			}
			d.Dispatch(ev)
		}
	}
}

// Dispatch applies the inbound discipline to one event and, when it
// survives every gate, launches a handler goroutine.
func (d *Dispatcher) Dispatch(ev messenger.Event) {
	if d.State() != StateRunning {
		return
	}
	d.metrics.Inc(metrics.EventsReceived)

	switch ev.Kind {
	case messenger.EventMessage, messenger.EventE2EEMessage:
		d.dispatchMessage(ev.Kind, ev.Message)
	case messenger.EventError:
		if ev.Err != nil {
			d.logger.Warn("transport error surfaced",
				"code", ev.Err.Code, "error", ev.Err.Message)
		}
	case messenger.EventDisconnected, messenger.EventReconnected:
		d.logger.Info("session state changed", "kind", string(ev.Kind))
	default:
		d.logger.Debug("event not dispatchable", "kind", string(ev.Kind))
	}
}

func (d *Dispatcher) dispatchMessage(kind messenger.EventKind, msg *messenger.Message) {
	if msg == nil {
		return
	}
	// The bot's own sends echo back on the sync stream.
	if msg.SenderID == d.selfID {
		return
	}
	d.metrics.Inc(metrics.MessagesReceived)

	if err := d.store.EnsureUser(msg.SenderID, ""); err != nil {
		d.metrics.Inc(metrics.ErrorsStore)
		d.logger.Error("upsert user failed", "user_id", msg.SenderID, "error", err)
	}
	if err := d.store.EnsureThread(msg.ThreadID, "", msg.IsGroup); err != nil {
		d.metrics.Inc(metrics.ErrorsStore)
		d.logger.Error("upsert thread failed", "thread_id", msg.ThreadID, "error", err)
	}
	blocked, err := d.store.IsBlocked(msg.SenderID)
	if err != nil {
		d.metrics.Inc(metrics.ErrorsStore)
		d.logger.Error("blocked lookup failed", "user_id", msg.SenderID, "error", err)
	}
	if blocked {
		d.metrics.Inc(metrics.EventsBlocked)
		d.logger.Debug("message from blocked user dropped", "user_id", msg.SenderID)
		return
	}

	if d.seen.Seen(dedupKey(kind, msg)) {
		d.metrics.Inc(metrics.EventsDeduplicated)
		return
	}

	if d.active.Load() >= d.maxConcurrent {
		d.metrics.Inc(metrics.EventsDropped)
		d.logger.Warn("handler cap reached, dropping message",
			"message_id", msg.ID,
			"active", d.active.Load(),
			"max", d.maxConcurrent,
		)
		return
	}

	if err := d.store.SaveMessage(&store.Message{
		ID:          msg.ID,
		ThreadID:    msg.ThreadID,
		SenderID:    msg.SenderID,
		Text:        msg.Text,
		IsE2EE:      msg.IsE2EE,
		TimestampMs: msg.TimestampMs,
	}); err != nil {
		d.metrics.Inc(metrics.ErrorsStore)
		d.logger.Error("persist message failed", "message_id", msg.ID, "error", err)
	}

	n := d.active.Add(1)
	d.metrics.SetGauge(metrics.HandlersActive, float64(n))
	go d.runHandler(kind, msg)
}

// dedupKey identifies a message across redeliveries. The message id is
// the natural key; an id-less message falls back to a composite that
// still distinguishes distinct sends.
func dedupKey(kind messenger.EventKind, msg *messenger.Message) string {
	if msg.ID != "" {
		return msg.ID
	}
	return fmt.Sprintf("%s/%s/%s/%d", kind, msg.ThreadID, msg.SenderID, msg.TimestampMs)
}

// runHandler selects and executes one handler for the message, then
// releases the concurrency slot. A panicking handler is contained
// here; the dispatcher keeps running.
func (d *Dispatcher) runHandler(kind messenger.EventKind, msg *messenger.Message) {
	defer func() {
		n := d.active.Add(-1)
		d.metrics.SetGauge(metrics.HandlersActive, float64(n))
	}()

	var h Handler
	for _, cand := range d.handlers {
		if cand.Match(kind, msg) {
			h = cand
			break
		}
	}
	if h == nil {
		d.logger.Debug("no handler matched", "message_id", msg.ID)
		return
	}

	start := time.Now()
	if err := d.invoke(h, kind, msg); err != nil {
		d.metrics.Inc(metrics.ErrorsHandler)
		d.logger.Error("handler failed",
			"handler", h.Name(),
			"message_id", msg.ID,
			"thread_id", msg.ThreadID,
			"duration_ms", time.Since(start).Milliseconds(),
			"error", err,
		)
		return
	}
	d.logger.Debug("handler completed",
		"handler", h.Name(),
		"message_id", msg.ID,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// invoke races the handler against its timeout. The timeout frees the
// concurrency slot but does not kill the underlying work; a result
// arriving after the race is consumed so nothing leaks, and errors are
// still counted.
func (d *Dispatcher) invoke(h Handler, kind messenger.EventKind, msg *messenger.Message) error {
	ctx, cancel := context.WithTimeout(d.baseCtx, d.handlerTimeout)
	defer cancel()

	result := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				result <- fmt.Errorf("handler %s panicked: %v", h.Name(), r)
			}
		}()
		result <- h.Handle(ctx, kind, msg, d.api)
	}()

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		go func() {
			if err := <-result; err != nil {
				d.metrics.Inc(metrics.ErrorsHandler)
				d.logger.Debug("late handler error after timeout",
					"handler", h.Name(), "error", err)
			}
		}()
		return fmt.Errorf("handler %s timed out after %s", h.Name(), d.handlerTimeout)
	}
}

// Shutdown drains the dispatcher. From Running it transitions through
// Draining, polling until in-flight handlers finish or the window
// expires; any other state jumps straight to Stopped. Idempotent.
func (d *Dispatcher) Shutdown() {
	if !d.state.CompareAndSwap(int32(StateRunning), int32(StateDraining)) {
		d.state.Store(int32(StateStopped))
		return
	}

	d.logger.Info("dispatcher draining", "active", d.active.Load())
	deadline := time.Now().Add(drainTimeout)
	for d.active.Load() > 0 && time.Now().Before(deadline) {
		time.Sleep(drainPoll)
	}
	if n := d.active.Load(); n > 0 {
		d.logger.Warn("drain window expired, force-closing", "active", n)
	}
	d.baseCancel()
	d.state.Store(int32(StateStopped))
	d.logger.Info("dispatcher stopped")
}
