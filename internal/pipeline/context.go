package pipeline

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/orcabot/orcabot/internal/metrics"
	"github.com/orcabot/orcabot/internal/types"
)

const (
	// DefaultContextMessages is the window size loaded per thread.
	DefaultContextMessages = 50

	contextTTL      = 3 * time.Minute
	contextCacheCap = 15

	// The loader flushes itself when the heap runs hotter than
	// flushRatio, at most once per flushCooldown. The process-wide
	// sampler uses a higher threshold; this one trips earlier because
	// the cache is the cheapest memory to give back.
	flushRatio    = 0.65
	flushCooldown = 15 * time.Second
)

// Context is one thread's rendered conversation window: up to
// DefaultContextMessages persisted messages in chronological order,
// empty texts dropped, one "[senderID]: text" line each.
type Context struct {
	ThreadID     types.ID
	Rendered     string
	MessageCount int
}

// WithCurrent appends the inbound message to the rendered window by
// concatenation, never a rebuild. A window that already ends with the
// line (the message was persisted before the pipeline ran) is returned
// unchanged.
func (c *Context) WithCurrent(senderID types.ID, text string) string {
	line := fmt.Sprintf("[%s]: %s", senderID, text)
	if c.Rendered == "" {
		return line
	}
	if strings.HasSuffix(c.Rendered, line) {
		return c.Rendered
	}
	return c.Rendered + "\n" + line
}

type contextEntry struct {
	ctx      Context
	loadedAt time.Time
}

// ContextLoader reads and caches per-thread conversation windows.
// Entries live for contextTTL, the cache holds at most contextCacheCap
// threads, and heap pressure empties it entirely.
type ContextLoader struct {
	messages    Store
	logger      *slog.Logger
	maxMessages int

	mu        sync.Mutex
	cache     map[types.ID]*contextEntry
	lastFlush time.Time

	nowFunc   func() time.Time
	heapRatio func() float64
}

func newContextLoader(messages Store, logger *slog.Logger) *ContextLoader {
	return &ContextLoader{
		messages:    messages,
		logger:      logger,
		maxMessages: DefaultContextMessages,
		cache:       make(map[types.ID]*contextEntry),
		nowFunc:     time.Now,
		heapRatio:   func() float64 { return metrics.ReadMemory().HeapRatio },
	}
}

// Load returns the conversation window for a thread, from cache while
// fresh. The store hands back newest-first; the window reads oldest
// to newest.
func (l *ContextLoader) Load(threadID types.ID) (*Context, error) {
	now := l.nowFunc()

	l.mu.Lock()
	l.maybeFlushLocked(now)
	if e, ok := l.cache[threadID]; ok && now.Sub(e.loadedAt) < contextTTL {
		ctx := e.ctx
		l.mu.Unlock()
		return &ctx, nil
	}
	l.mu.Unlock()

	msgs, err := l.messages.GetMessages(threadID, l.maxMessages)
	if err != nil {
		return nil, fmt.Errorf("load thread context: %w", err)
	}

	var b strings.Builder
	count := 0
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if strings.TrimSpace(m.Text) == "" {
			continue
		}
		if count > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "[%s]: %s", m.SenderID, m.Text)
		count++
	}
	ctx := Context{ThreadID: threadID, Rendered: b.String(), MessageCount: count}

	l.mu.Lock()
	l.cache[threadID] = &contextEntry{ctx: ctx, loadedAt: now}
	l.evictOverCapLocked()
	l.mu.Unlock()

	return &ctx, nil
}

// Invalidate drops one thread's cached window.
func (l *ContextLoader) Invalidate(threadID types.ID) {
	l.mu.Lock()
	delete(l.cache, threadID)
	l.mu.Unlock()
}

// Flush drops every cached window. Registered as a memory-pressure
// callback with the sampler.
func (l *ContextLoader) Flush() {
	l.mu.Lock()
	l.cache = make(map[types.ID]*contextEntry)
	l.lastFlush = l.nowFunc()
	l.mu.Unlock()
}

// Len reports the number of cached windows.
func (l *ContextLoader) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.cache)
}

func (l *ContextLoader) maybeFlushLocked(now time.Time) {
	if len(l.cache) == 0 || now.Sub(l.lastFlush) < flushCooldown {
		return
	}
	if l.heapRatio() <= flushRatio {
		return
	}
	l.logger.Debug("context cache flushed under heap pressure",
		"entries", len(l.cache))
	l.cache = make(map[types.ID]*contextEntry)
	l.lastFlush = now
}

// evictOverCapLocked removes oldest entries until the cache fits.
func (l *ContextLoader) evictOverCapLocked() {
	for len(l.cache) > contextCacheCap {
		var oldest types.ID
		var oldestAt time.Time
		first := true
		for id, e := range l.cache {
			if first || e.loadedAt.Before(oldestAt) {
				oldest, oldestAt, first = id, e.loadedAt, false
			}
		}
		delete(l.cache, oldest)
	}
}
