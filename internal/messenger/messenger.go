// Package messenger adapts the raw gateway session into the bot's
// event and operation surface: typed events with a strict readiness
// order, rate-limited sends, reconnection with backoff, and custody
// of the E2EE device blob.
package messenger

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"log/slog"

	"golang.org/x/time/rate"

	"github.com/orcabot/orcabot/internal/cookies"
	"github.com/orcabot/orcabot/internal/metrics"
	"github.com/orcabot/orcabot/internal/types"
	"github.com/orcabot/orcabot/internal/wire"
)

// Connection failures split into retryable and fatal.
var (
	ErrUnavailable     = errors.New("transport unavailable")
	ErrUnauthenticated = errors.New("authentication failed")
	ErrNotConnected    = errors.New("not connected")
)

// fullyReadyFallback bounds how long content events queue while
// waiting for the E2EE registration ack.
const fullyReadyFallback = 30 * time.Second

// Config carries the adapter's construction parameters.
type Config struct {
	Cookies   cookies.Map
	UserAgent string
	// SelfID defaults to the c_user cookie.
	SelfID types.ID

	EnableE2EE     bool
	E2EEMemoryOnly bool
	AutoReconnect  bool

	// DeviceData is the configured blob literal; it takes precedence
	// over DeviceDataPath on startup.
	DeviceData     []byte
	DeviceDataPath string

	SendRatePerSec int

	// Endpoint overrides the gateway URL, mainly for tests.
	Endpoint string
	// Dial overrides session establishment, mainly for tests.
	Dial DialFunc

	Logger  *slog.Logger
	Metrics *metrics.Registry
}

// Client is the messenger adapter. Construct with New, then Connect.
type Client struct {
	cfg     Config
	selfID  types.ID
	logger  *slog.Logger
	metrics *metrics.Registry
	limiter *rate.Limiter
	dial    DialFunc
	web     *webClient

	mu         sync.Mutex
	session    Transport
	connected  bool
	deviceData []byte
	lastSeqID  int64

	events chan Event

	loopCancel context.CancelFunc
	loopDone   chan struct{}
}

// New validates the config and builds a disconnected client.
func New(cfg Config) (*Client, error) {
	if err := cfg.Cookies.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewRegistry()
	}
	selfID := cfg.SelfID
	if selfID.IsZero() {
		id, err := types.ParseID(cfg.Cookies["c_user"])
		if err != nil {
			return nil, fmt.Errorf("%w: bad c_user cookie: %v", ErrUnauthenticated, err)
		}
		selfID = id
	}
	r := cfg.SendRatePerSec
	if r <= 0 {
		r = 5
	}

	c := &Client{
		cfg:     cfg,
		selfID:  selfID,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		// Capacity equals the rate so a full bucket clears in one
		// second and an empty one grants after 1000/r ms.
		limiter: rate.NewLimiter(rate.Limit(r), r),
		dial:    cfg.Dial,
		events:  make(chan Event, 256),
	}
	if c.dial == nil {
		c.dial = defaultDial
	}
	c.web = newWebClient(cfg.Cookies, cfg.UserAgent, cfg.Logger)
	return c, nil
}

// SelfID returns the bot's own user id.
func (c *Client) SelfID() types.ID { return c.selfID }

// Events returns the adapter event stream. The channel stays open
// across reconnects and even after Disconnect.
func (c *Client) Events() <-chan Event { return c.events }

// Connect dials the gateway and starts the event loop. It emits
// ready (and fullyReady, once the session settles) on the event
// stream and returns the session description.
func (c *Client) Connect(ctx context.Context) (*SessionInfo, error) {
	c.mu.Lock()
	if c.connected {
		info := &SessionInfo{UserID: c.selfID, SeqID: c.lastSeqID, E2EE: c.cfg.EnableE2EE}
		c.mu.Unlock()
		return info, nil
	}
	c.deviceData = c.loadDeviceData()
	blob := c.deviceData
	seq := c.lastSeqID
	c.mu.Unlock()

	sess, err := c.dial(ctx, wire.DialConfig{
		Endpoint:   c.cfg.Endpoint,
		Cookies:    c.cfg.Cookies,
		UserAgent:  c.cfg.UserAgent,
		SelfID:     c.selfID,
		EnableE2EE: c.cfg.EnableE2EE,
		DeviceData: blob,
		SyncSeqID:  seq,
		Logger:     c.logger,
	})
	if err != nil {
		if errors.Is(err, wire.ErrNotAuthorized) {
			return nil, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	info := &SessionInfo{UserID: c.selfID, SeqID: sess.SeqID(), E2EE: c.cfg.EnableE2EE}

	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.mu.Lock()
	c.session = sess
	c.connected = true
	c.loopCancel = cancel
	c.loopDone = done
	c.mu.Unlock()

	c.emit(loopCtx, Event{Kind: EventReady, Session: info})
	go c.eventLoop(loopCtx, sess, done)

	c.logger.Info("messenger connected",
		"self_id", c.selfID,
		"e2ee", c.cfg.EnableE2EE,
		"seq", info.SeqID,
	)
	return info, nil
}

// Disconnect stops the event loop and closes the session. Idempotent.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	cancel := c.loopCancel
	done := c.loopDone
	sess := c.session
	c.loopCancel = nil
	c.loopDone = nil
	c.session = nil
	c.connected = false
	c.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	if sess != nil {
		sess.Close()
	}
	<-done
	c.logger.Info("messenger disconnected")
	return nil
}

// GetCookies returns a copy of the session cookies.
func (c *Client) GetCookies() cookies.Map {
	out := make(cookies.Map, len(c.cfg.Cookies))
	for k, v := range c.cfg.Cookies {
		out[k] = v
	}
	return out
}

// GetDeviceData returns a copy of the current E2EE device blob, nil
// when none exists yet.
func (c *Client) GetDeviceData() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deviceData == nil {
		return nil
	}
	out := make([]byte, len(c.deviceData))
	copy(out, c.deviceData)
	return out
}

// --- Event loop ---

// readyState tracks the per-session readiness handshake.
type readyState struct {
	e2ee      bool
	ackSeen   bool
	ready     bool
	queue     []Event
	fallbackC <-chan time.Time
}

func newReadyState(e2ee bool) *readyState {
	st := &readyState{e2ee: e2ee}
	if e2ee {
		st.fallbackC = time.After(fullyReadyFallback)
	}
	return st
}

func (c *Client) eventLoop(ctx context.Context, sess Transport, done chan struct{}) {
	defer close(done)

	state := newReadyState(c.cfg.EnableE2EE)
	if !state.e2ee {
		c.finishReady(ctx, state)
	}

	for {
		select {
		case <-ctx.Done():
			return

		case <-state.fallbackC:
			if !state.ready {
				c.logger.Warn("e2ee registration ack never arrived, declaring session ready")
				c.finishReady(ctx, state)
			}
			state.fallbackC = nil

		case d := <-sess.Events():
			c.handleDelta(ctx, state, d)

		case err := <-sess.Errs():
			c.metrics.Inc(metrics.ErrorsTransport)
			sess.Close()
			c.rememberSeq(sess)
			c.setDisconnected()
			c.emit(ctx, Event{Kind: EventDisconnected})

			if !IsTransient(err) {
				code := 0
				if errors.Is(err, wire.ErrNotAuthorized) {
					code = 1
				}
				c.emit(ctx, Event{Kind: EventError, Err: &ErrorInfo{Code: code, Message: err.Error()}})
				if code == 1 {
					c.logger.Error("permanent transport failure, event loop stopped", "error", err)
					return
				}
			}
			if !c.cfg.AutoReconnect {
				c.logger.Warn("transport lost and auto-reconnect disabled", "error", err)
				return
			}

			next, ok := c.reconnect(ctx)
			if !ok {
				return
			}
			sess = next
			state = newReadyState(c.cfg.EnableE2EE)
			c.emit(ctx, Event{Kind: EventReconnected, Session: &SessionInfo{
				UserID: c.selfID,
				SeqID:  sess.SeqID(),
				E2EE:   c.cfg.EnableE2EE,
			}})
			if !state.e2ee {
				c.finishReady(ctx, state)
			}
		}
	}
}

// reconnect retries with exponential backoff until a session is
// established, the error turns fatal, or ctx is cancelled.
func (c *Client) reconnect(ctx context.Context) (Transport, bool) {
	delay := time.Duration(0)
	for {
		delay = nextBackoff(delay)
		c.logger.Info("reconnecting", "delay", delay)
		select {
		case <-ctx.Done():
			return nil, false
		case <-time.After(delay):
		}

		c.mu.Lock()
		blob := c.deviceData
		seq := c.lastSeqID
		c.mu.Unlock()

		sess, err := c.dial(ctx, wire.DialConfig{
			Endpoint:   c.cfg.Endpoint,
			Cookies:    c.cfg.Cookies,
			UserAgent:  c.cfg.UserAgent,
			SelfID:     c.selfID,
			EnableE2EE: c.cfg.EnableE2EE,
			DeviceData: blob,
			SyncSeqID:  seq,
			Logger:     c.logger,
		})
		if err != nil {
			if errors.Is(err, wire.ErrNotAuthorized) {
				c.emit(ctx, Event{Kind: EventError, Err: &ErrorInfo{Code: 1, Message: err.Error()}})
				c.logger.Error("reconnect refused, event loop stopped", "error", err)
				return nil, false
			}
			c.logger.Warn("reconnect failed", "error", err, "next_delay", nextBackoff(delay))
			continue
		}

		c.mu.Lock()
		c.session = sess
		c.connected = true
		c.mu.Unlock()
		c.metrics.Inc(metrics.Reconnects)
		c.logger.Info("reconnected", "seq", sess.SeqID())
		return sess, true
	}
}

func (c *Client) setDisconnected() {
	c.mu.Lock()
	c.connected = false
	c.session = nil
	c.mu.Unlock()
}

func (c *Client) rememberSeq(sess Transport) {
	if seq := sess.SeqID(); seq > 0 {
		c.mu.Lock()
		c.lastSeqID = seq
		c.mu.Unlock()
	}
}

// finishReady flips the session to fully ready and flushes queued
// content events in arrival order.
func (c *Client) finishReady(ctx context.Context, state *readyState) {
	state.ready = true
	c.emit(ctx, Event{Kind: EventFullyReady})
	for _, ev := range state.queue {
		c.emit(ctx, ev)
	}
	state.queue = nil
}

// deliver routes one content event through the readiness queue.
func (c *Client) deliver(ctx context.Context, state *readyState, ev Event) {
	if ev.isContent() && !state.ready {
		state.queue = append(state.queue, ev)
		return
	}
	c.emit(ctx, ev)
}

func (c *Client) emit(ctx context.Context, ev Event) {
	select {
	case c.events <- ev:
	case <-ctx.Done():
	}
}

// --- Delta mapping ---

func (c *Client) handleDelta(ctx context.Context, state *readyState, d wire.Delta) {
	switch {
	case d.NewMessage != nil:
		m := d.NewMessage
		msg := &Message{
			ID:          m.Metadata.MessageID,
			ThreadID:    m.Metadata.ThreadKey.ID(),
			SenderID:    m.Metadata.ActorFbID,
			Text:        m.Body,
			TimestampMs: m.Metadata.Timestamp.Int64(),
			IsGroup:     m.Metadata.ThreadKey.IsGroup(),
		}
		if msg.ID == "" {
			msg.ID = m.Metadata.OfflineThreadingID
		}
		for _, a := range m.Attachments {
			msg.Attachments = append(msg.Attachments, Attachment{
				ID:       a.ID,
				Type:     a.Type,
				Filename: a.Filename,
				Size:     a.FileSize,
				URL:      a.URL,
			})
		}
		for _, mn := range m.Mentions {
			msg.Mentions = append(msg.Mentions, Mention{
				UserID: mn.UserID,
				Offset: mn.Offset,
				Length: mn.Length,
			})
		}
		if m.ReplyToID != "" {
			msg.ReplyTo = &ReplyTo{MessageID: m.ReplyToID}
		}
		c.deliver(ctx, state, Event{Kind: EventMessage, Message: msg})

	case d.Edit != nil:
		c.deliver(ctx, state, Event{Kind: EventMessageEdit, Edit: &MessageEdit{
			MessageID:   d.Edit.Metadata.MessageID,
			ThreadID:    d.Edit.Metadata.ThreadKey.ID(),
			SenderID:    d.Edit.Metadata.ActorFbID,
			Text:        d.Edit.Body,
			TimestampMs: d.Edit.Metadata.Timestamp.Int64(),
		}})

	case d.Unsend != nil:
		c.deliver(ctx, state, Event{Kind: EventMessageUnsend, Unsend: &MessageUnsend{
			MessageID:   d.Unsend.MessageID,
			ThreadID:    d.Unsend.ThreadKey.ID(),
			SenderID:    d.Unsend.SenderID,
			TimestampMs: d.Unsend.Timestamp.Int64(),
		}})

	case d.Reaction != nil:
		sender := d.Reaction.ActorID
		if sender.IsZero() {
			sender = d.Reaction.SenderID
		}
		c.deliver(ctx, state, Event{Kind: EventReaction, Reaction: &Reaction{
			MessageID: d.Reaction.MessageID,
			ThreadID:  d.Reaction.ThreadKey.ID(),
			SenderID:  sender,
			Emoji:     d.Reaction.Reaction,
		}})

	case d.ReadReceipt != nil:
		c.deliver(ctx, state, Event{Kind: EventReadReceipt, ReadReceipt: &ReadReceipt{
			ThreadID:    d.ReadReceipt.ThreadKey.ID(),
			SenderID:    d.ReadReceipt.ActorFbID,
			WatermarkMs: d.ReadReceipt.WatermarkTimestamp.Int64(),
		}})

	case d.Typing != nil:
		thread := d.Typing.Thread
		if thread.IsZero() {
			thread = d.Typing.SenderFbID
		}
		c.deliver(ctx, state, Event{Kind: EventTyping, Typing: &Typing{
			ThreadID: thread,
			SenderID: d.Typing.SenderFbID,
			Active:   d.Typing.State == 1,
		}})

	case d.E2EE != nil:
		c.handleE2EE(ctx, state, d.E2EE)

	case d.Raw != nil:
		c.deliver(ctx, state, Event{Kind: EventRaw, Raw: d.Raw})
	}
}

func (c *Client) handleE2EE(ctx context.Context, state *readyState, env *wire.E2EEEnvelope) {
	switch env.Type {
	case wire.E2EERegistrationAck:
		if state.ackSeen {
			return
		}
		state.ackSeen = true
		c.emit(ctx, Event{Kind: EventE2EEConnected})
		if len(env.DeviceBlob) > 0 {
			c.storeDeviceData(ctx, env.DeviceBlob)
		}
		if !state.ready {
			c.finishReady(ctx, state)
		}

	case wire.E2EEMessage:
		c.deliver(ctx, state, Event{Kind: EventE2EEMessage, Message: &Message{
			ID:          env.MessageID,
			ThreadID:    jidID(env.From),
			SenderID:    jidID(env.From),
			Text:        env.Body,
			TimestampMs: env.TimestampMS.Int64(),
			IsE2EE:      true,
		}})

	case wire.E2EEReaction:
		c.deliver(ctx, state, Event{Kind: EventE2EEReaction, Reaction: &Reaction{
			MessageID: env.MessageID,
			ThreadID:  jidID(env.From),
			SenderID:  jidID(env.From),
			Emoji:     env.Reaction,
			IsE2EE:    true,
		}})

	case wire.E2EEReceipt:
		c.deliver(ctx, state, Event{Kind: EventE2EEReceipt, ReadReceipt: &ReadReceipt{
			ThreadID:    jidID(env.From),
			SenderID:    jidID(env.From),
			WatermarkMs: env.TimestampMS.Int64(),
			IsE2EE:      true,
		}})

	case wire.E2EEDeviceUpdate:
		if len(env.DeviceBlob) > 0 {
			c.storeDeviceData(ctx, env.DeviceBlob)
		}

	default:
		c.logger.Debug("unknown e2ee envelope type", "type", env.Type)
	}
}

// jidID extracts the numeric id from a "<number>@msgr.fb" JID.
func jidID(jid string) types.ID {
	num, _, _ := strings.Cut(jid, "@")
	id, err := types.ParseID(num)
	if err != nil {
		return 0
	}
	return id
}

// JID formats a user id as an E2EE chat JID.
func JID(id types.ID) string { return id.String() + "@msgr.fb" }

// --- Device data ---

// loadDeviceData resolves the startup blob: the configured literal
// wins, then the file at DeviceDataPath.
func (c *Client) loadDeviceData() []byte {
	if len(c.cfg.DeviceData) > 0 {
		return c.cfg.DeviceData
	}
	if c.cfg.DeviceDataPath == "" {
		return nil
	}
	blob, err := os.ReadFile(c.cfg.DeviceDataPath)
	if err != nil {
		if !os.IsNotExist(err) {
			c.logger.Warn("read device data", "path", c.cfg.DeviceDataPath, "error", err)
		}
		return nil
	}
	c.logger.Debug("device data loaded", "path", c.cfg.DeviceDataPath, "size", len(blob))
	return blob
}

// storeDeviceData updates the in-memory blob, persists it unless the
// session is memory-only, and emits deviceDataChanged.
func (c *Client) storeDeviceData(ctx context.Context, blob []byte) {
	c.mu.Lock()
	c.deviceData = blob
	path := c.cfg.DeviceDataPath
	memOnly := c.cfg.E2EEMemoryOnly
	c.mu.Unlock()

	if !memOnly && path != "" {
		if err := writeFileAtomic(path, blob); err != nil {
			c.logger.Error("persist device data", "path", path, "error", err)
		} else {
			c.logger.Debug("device data persisted", "path", path, "size", len(blob))
		}
	}
	c.emit(ctx, Event{Kind: EventDeviceDataChanged})
}

// writeFileAtomic writes via a temp file and rename so a crash never
// leaves a torn blob.
func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
