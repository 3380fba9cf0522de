// Package wire speaks the Messenger gateway protocol: MQTT over a
// WebSocket, with JSON payloads on a fixed set of topics. It exposes
// a Session of parsed deltas and typed publish operations; policy
// (rate limiting, reconnection, event ordering) lives a layer up.
package wire

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"log/slog"

	"github.com/eclipse/paho.golang/paho"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/orcabot/orcabot/internal/cookies"
	"github.com/orcabot/orcabot/internal/types"
)

const (
	defaultEndpoint = "wss://edge-chat.facebook.com/chat"
	origin          = "https://www.facebook.com"
	mqttClientID    = "mqttwsclient"
	appID           = 219994525426954
	keepAliveSecs   = 15

	// eventBufferSize bounds the session channel; overflow drops the
	// delta and counts it rather than blocking the MQTT read path.
	eventBufferSize = 256

	maxFramePayload = 8 << 20
)

// Topics the session subscribes to and publishes on.
const (
	topicSync        = "/t_ms"
	topicSyncE2EE    = "/t_ms_gd"
	topicTyping      = "/thread_typing"
	topicOrcaTyping  = "/orca_typing_notifications"
	topicPresence    = "/orca_presence"
	topicLsResp      = "/ls_resp"
	topicSend        = "/send_message2"
	topicLsReq       = "/ls_req"
	topicCreateQueue = "/messenger_sync_create_queue"
)

// ErrNotAuthorized means the gateway rejected the session credentials.
// Callers should treat it as fatal rather than retrying.
var ErrNotAuthorized = errors.New("gateway refused session")

// DialConfig carries everything needed to establish one session.
type DialConfig struct {
	// Endpoint overrides the chat edge URL, mainly for tests.
	Endpoint string

	Cookies   cookies.Map
	UserAgent string
	SelfID    types.ID

	// EnableE2EE registers on the secure lane after connect.
	EnableE2EE bool
	// DeviceData is the opaque blob from a previous session, nil on
	// first run.
	DeviceData []byte

	// SyncSeqID resumes the delta stream from a previous session;
	// zero requests a fresh queue.
	SyncSeqID int64

	Logger *slog.Logger
}

// Session is one live gateway connection. Deltas arrive on Events;
// the first fatal transport error arrives on Errs. A Session is not
// reusable after Close.
type Session struct {
	client *paho.Client
	conn   net.Conn
	logger *slog.Logger
	selfID types.ID

	events chan Delta
	errs   chan error

	seqID   atomic.Int64
	reqID   atomic.Int64
	taskID  atomic.Int64
	epochID atomic.Int64
	dropped atomic.Int64

	closeOnce sync.Once
}

// Dial opens the WebSocket, performs the MQTT handshake, subscribes
// to the inbound topics, and primes the sync queue. The returned
// session is live: deltas may arrive before Dial's caller reads them.
func Dial(ctx context.Context, cfg DialConfig) (*Session, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if err := cfg.Cookies.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotAuthorized, err)
	}

	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	sid := rand.Int63()
	url := fmt.Sprintf("%s?sid=%d", endpoint, sid)

	header := http.Header{}
	header.Set("Cookie", cfg.Cookies.Header())
	header.Set("Origin", origin)
	if cfg.UserAgent != "" {
		header.Set("User-Agent", cfg.UserAgent)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 30 * time.Second,
		ReadBufferSize:   64 * 1024,
		WriteBufferSize:  64 * 1024,
	}

	ws, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			// 4xx during the upgrade means the cookies were refused,
			// not that the edge is down.
			if resp.StatusCode >= 400 && resp.StatusCode < 500 {
				return nil, fmt.Errorf("%w: handshake status %d", ErrNotAuthorized, resp.StatusCode)
			}
			return nil, fmt.Errorf("websocket handshake: status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	ws.SetReadLimit(maxFramePayload)

	s := &Session{
		conn:   newWSConn(ws),
		logger: cfg.Logger,
		selfID: cfg.SelfID,
		events: make(chan Delta, eventBufferSize),
		errs:   make(chan error, 2),
	}
	s.seqID.Store(cfg.SyncSeqID)
	s.epochID.Store(time.Now().UnixMilli() << 22)

	s.client = paho.NewClient(paho.ClientConfig{
		ClientID: mqttClientID,
		Conn:     s.conn,
		OnPublishReceived: []func(paho.PublishReceived) (bool, error){
			func(pr paho.PublishReceived) (bool, error) {
				s.handlePacket(pr.Packet.Topic, pr.Packet.Payload)
				return true, nil
			},
		},
		OnClientError: s.fail,
		OnServerDisconnect: func(d *paho.Disconnect) {
			s.fail(fmt.Errorf("server disconnect: reason code %d", d.ReasonCode))
		},
	})

	auth, err := json.Marshal(sessionAuth{
		UserID:           cfg.SelfID,
		SessionID:        sid,
		ChatOn:           true,
		Foreground:       false,
		DeviceID:         uuid.NewString(),
		ClientType:       "websocket",
		AppID:            appID,
		Capabilities:     3,
		EndpointCaps:     10,
		SubscribedTopics: []string{},
		PublishModes:     []string{},
		NoAutoFg:         true,
	})
	if err != nil {
		s.conn.Close()
		return nil, fmt.Errorf("marshal session auth: %w", err)
	}

	connack, err := s.client.Connect(ctx, &paho.Connect{
		ClientID:     mqttClientID,
		KeepAlive:    keepAliveSecs,
		CleanStart:   true,
		Username:     string(auth),
		UsernameFlag: true,
	})
	if err != nil {
		s.conn.Close()
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	if connack.ReasonCode != 0 {
		s.conn.Close()
		// 0x84..0x87 cover bad protocol, client id, credentials, auth.
		if connack.ReasonCode >= 0x84 && connack.ReasonCode <= 0x87 {
			return nil, fmt.Errorf("%w: connack reason %d", ErrNotAuthorized, connack.ReasonCode)
		}
		return nil, fmt.Errorf("mqtt connect refused: reason code %d", connack.ReasonCode)
	}

	topics := []string{topicSync, topicTyping, topicOrcaTyping, topicPresence, topicLsResp}
	if cfg.EnableE2EE {
		topics = append(topics, topicSyncE2EE)
	}
	subs := make([]paho.SubscribeOptions, len(topics))
	for i, t := range topics {
		subs[i] = paho.SubscribeOptions{Topic: t, QoS: 0}
	}
	if _, err := s.client.Subscribe(ctx, &paho.Subscribe{Subscriptions: subs}); err != nil {
		s.Close()
		return nil, fmt.Errorf("mqtt subscribe: %w", err)
	}

	if err := s.createSyncQueue(ctx, cfg.SyncSeqID); err != nil {
		s.Close()
		return nil, err
	}

	if cfg.EnableE2EE {
		if err := s.SendE2EE(ctx, &E2EEEnvelope{
			Type:       E2EERegistration,
			DeviceBlob: cfg.DeviceData,
		}); err != nil {
			s.Close()
			return nil, fmt.Errorf("e2ee registration: %w", err)
		}
	}

	s.logger.Info("gateway session established",
		"endpoint", endpoint,
		"session_id", sid,
		"topics", len(topics),
		"resume_seq", cfg.SyncSeqID,
	)
	return s, nil
}

// Events returns the delta stream. The channel is never closed; pair
// it with Errs and your own cancellation.
func (s *Session) Events() <-chan Delta { return s.events }

// Errs delivers the first fatal transport error.
func (s *Session) Errs() <-chan error { return s.errs }

// SeqID returns the latest sync sequence id, for resuming after a
// reconnect.
func (s *Session) SeqID() int64 { return s.seqID.Load() }

// Dropped returns how many deltas were discarded due to a full event
// buffer.
func (s *Session) Dropped() int64 { return s.dropped.Load() }

// Close tears the session down. Idempotent.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		_ = s.client.Disconnect(&paho.Disconnect{ReasonCode: 0})
		err = s.conn.Close()
	})
	return err
}

// createSyncQueue primes the delta stream. The gateway starts
// publishing on the sync topic only after this request.
func (s *Session) createSyncQueue(ctx context.Context, seqID int64) error {
	payload, err := json.Marshal(createQueue{
		InitialTitanSequenceID: seqID,
		DeltaBatchSize:         125,
		DeviceParams:           nil,
		SyncAPIVersion:         10,
		EncodingType:           "JSON",
		QueueType:              "client",
		MaxDeltasAbleToProcess: 1000,
	})
	if err != nil {
		return fmt.Errorf("marshal sync queue request: %w", err)
	}
	if err := s.publish(ctx, topicCreateQueue, payload, 1); err != nil {
		return fmt.Errorf("create sync queue: %w", err)
	}
	return nil
}

// --- Inbound ---

func (s *Session) handlePacket(topic string, payload []byte) {
	switch topic {
	case topicSync:
		s.handleSync(payload)
	case topicSyncE2EE:
		var env E2EEEnvelope
		if err := json.Unmarshal(payload, &env); err != nil {
			s.logger.Warn("unparseable e2ee payload", "error", err, "size", len(payload))
			return
		}
		s.emit(Delta{Topic: topic, E2EE: &env})
	case topicTyping, topicOrcaTyping:
		var t Typing
		if err := json.Unmarshal(payload, &t); err != nil {
			s.logger.Debug("unparseable typing payload", "error", err)
			return
		}
		s.emit(Delta{Topic: topic, Typing: &t})
	default:
		// Presence, request acks, and anything the session does not
		// model pass through raw.
		raw := make(json.RawMessage, len(payload))
		copy(raw, payload)
		s.emit(Delta{Topic: topic, Raw: raw})
	}
}

func (s *Session) handleSync(payload []byte) {
	var sp syncPayload
	if err := json.Unmarshal(payload, &sp); err != nil {
		s.logger.Warn("unparseable sync payload", "error", err, "size", len(payload))
		return
	}
	if sp.ErrorCode != "" {
		// Queue errors (expired, overflowed) require a fresh dial.
		s.fail(fmt.Errorf("sync stream error: %s", sp.ErrorCode))
		return
	}
	if sp.LastIssuedSeqID > 0 {
		s.seqID.Store(sp.LastIssuedSeqID)
	} else if sp.FirstDeltaSeqID > 0 && s.seqID.Load() == 0 {
		s.seqID.Store(sp.FirstDeltaSeqID)
	}
	seq := s.seqID.Load()

	for _, raw := range sp.Deltas {
		var probe classProbe
		if err := json.Unmarshal(raw, &probe); err != nil {
			s.logger.Debug("delta missing class", "error", err)
			continue
		}
		d := Delta{Topic: topicSync, SeqID: seq}
		var parseErr error
		switch probe.Class {
		case classNewMessage:
			var v NewMessage
			parseErr = json.Unmarshal(raw, &v)
			d.NewMessage = &v
		case classEditMessage:
			var v MessageEdit
			parseErr = json.Unmarshal(raw, &v)
			d.Edit = &v
		case classRecallMessage:
			var v MessageUnsend
			parseErr = json.Unmarshal(raw, &v)
			d.Unsend = &v
		case classMessageReaction:
			var v MessageReaction
			parseErr = json.Unmarshal(raw, &v)
			d.Reaction = &v
		case classReadReceipt:
			var v ReadReceipt
			parseErr = json.Unmarshal(raw, &v)
			d.ReadReceipt = &v
		case classNoOp:
			continue
		default:
			d.Raw = raw
		}
		if parseErr != nil {
			s.logger.Warn("unparseable delta", "class", probe.Class, "error", parseErr)
			continue
		}
		s.emit(d)
	}
}

func (s *Session) emit(d Delta) {
	select {
	case s.events <- d:
	default:
		n := s.dropped.Add(1)
		s.logger.Warn("event buffer full, dropping delta",
			"topic", d.Topic, "dropped_total", n)
	}
}

// fail records the first fatal error; later ones only log.
func (s *Session) fail(err error) {
	select {
	case s.errs <- err:
	default:
		s.logger.Debug("transport error after failure", "error", err)
	}
}

// --- Outbound ---

// SendOptions describes one outgoing plaintext message.
type SendOptions struct {
	ThreadID      types.ID
	IsGroup       bool
	Body          string
	AttachmentIDs []string
	StickerID     string
	ReplyToID     string
}

// Send publishes a message and returns the offline threading id used,
// as a decimal string. The server echo on the sync stream carries the
// same id, which is how the final message id is learned.
func (s *Session) Send(ctx context.Context, opts SendOptions) (string, error) {
	otid := GenerateOfflineThreadingID()
	payload, err := json.Marshal(sendMessagePayload{
		Body:            opts.Body,
		MsgID:           otid,
		SenderFbID:      s.selfID.Int64(),
		To:              groupTo(opts.ThreadID, opts.IsGroup),
		AttachmentFbIDs: opts.AttachmentIDs,
		StickerID:       opts.StickerID,
		RepliedToID:     opts.ReplyToID,
	})
	if err != nil {
		return "", fmt.Errorf("marshal send payload: %w", err)
	}
	if err := s.publish(ctx, topicSend, payload, 1); err != nil {
		return "", err
	}
	return strconv.FormatInt(otid, 10), nil
}

// SendE2EE publishes an envelope on the secure lane verbatim. The
// offline threading id is filled in when absent.
func (s *Session) SendE2EE(ctx context.Context, env *E2EEEnvelope) error {
	if env.OfflineID == "" {
		env.OfflineID = strconv.FormatInt(GenerateOfflineThreadingID(), 10)
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal e2ee envelope: %w", err)
	}
	return s.publish(ctx, topicSyncE2EE, payload, 1)
}

// SendTyping publishes a typing indicator. Typing rides the request
// channel with its own request type rather than a task batch.
func (s *Session) SendTyping(ctx context.Context, threadID types.ID, on bool) error {
	state := 0
	if on {
		state = 1
	}
	body, err := json.Marshal(typingPayload{State: state, To: threadID.String(), Type: "typ"})
	if err != nil {
		return fmt.Errorf("marshal typing payload: %w", err)
	}
	req, err := json.Marshal(lsRequest{
		AppID:     strconv.FormatInt(appID, 10),
		Payload:   string(body),
		RequestID: s.reqID.Add(1),
		Type:      4,
	})
	if err != nil {
		return fmt.Errorf("marshal typing request: %w", err)
	}
	return s.publish(ctx, topicLsReq, req, 0)
}

// MarkRead marks a thread read up to the watermark timestamp.
func (s *Session) MarkRead(ctx context.Context, threadID types.ID, watermarkMs int64) error {
	return s.publishTask(ctx, taskMarkThreadRead, markReadTask{
		ThreadID:          threadID.Int64(),
		LastReadWatermark: watermarkMs,
		SyncGroup:         1,
	})
}

// SendReaction sets or clears (empty emoji) a reaction on a message.
func (s *Session) SendReaction(ctx context.Context, threadID types.ID, messageID, emoji string) error {
	return s.publishTask(ctx, taskSendReaction, sendReactionTask{
		ThreadKey: threadID.Int64(),
		MessageID: messageID,
		Reaction:  emoji,
		ActorID:   s.selfID.Int64(),
	})
}

// RenameThread sets a group thread's display name.
func (s *Session) RenameThread(ctx context.Context, threadID types.ID, name string) error {
	return s.publishTask(ctx, taskRenameThread, renameThreadTask{
		ThreadKey:  threadID.Int64(),
		ThreadName: name,
	})
}

// AddParticipants invites users into a group thread.
func (s *Session) AddParticipants(ctx context.Context, threadID types.ID, userIDs []types.ID) error {
	ids := make([]int64, len(userIDs))
	for i, id := range userIDs {
		ids[i] = id.Int64()
	}
	return s.publishTask(ctx, taskAddParticipants, addParticipantsTask{
		ThreadKey:  threadID.Int64(),
		ContactIDs: ids,
	})
}

// RemoveParticipant removes one user from a group thread.
func (s *Session) RemoveParticipant(ctx context.Context, threadID, userID types.ID) error {
	return s.publishTask(ctx, taskRemoveParticipant, removeParticipantTask{
		ThreadKey: threadID.Int64(),
		ContactID: userID.Int64(),
	})
}

// LeaveThread removes the bot itself from a group thread.
func (s *Session) LeaveThread(ctx context.Context, threadID types.ID) error {
	return s.publishTask(ctx, taskLeaveThread, leaveThreadTask{
		ThreadKey: threadID.Int64(),
	})
}

// CreateGroup requests a new group thread and returns the offline
// threading id; the created thread arrives on the sync stream.
func (s *Session) CreateGroup(ctx context.Context, name string, participantIDs []types.ID) (int64, error) {
	ids := make([]int64, len(participantIDs))
	for i, id := range participantIDs {
		ids[i] = id.Int64()
	}
	otid := GenerateOfflineThreadingID()
	err := s.publishTask(ctx, taskCreateGroup, createGroupTask{
		ThreadName:         name,
		ContactIDs:         ids,
		OfflineThreadingID: otid,
	})
	if err != nil {
		return 0, err
	}
	return otid, nil
}

// RegisterPush forwards a push token to the gateway. Delivery still
// happens over this session; registration is pass-through.
func (s *Session) RegisterPush(ctx context.Context, token string) error {
	return s.publishTask(ctx, taskRegisterPush, registerPushTask{
		PushToken: token,
		Platform:  "web",
	})
}

// publishTask wraps one task body in the request-channel envelope.
func (s *Session) publishTask(ctx context.Context, label string, body any) error {
	taskBody, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal task %s: %w", label, err)
	}
	inner, err := json.Marshal(lsPayload{
		EpochID: s.epochID.Add(1),
		Tasks: []lsTask{{
			FailureCount: nil,
			Label:        label,
			Payload:      string(taskBody),
			QueueName:    label,
			TaskID:       s.taskID.Add(1),
		}},
		VersionID: strconv.FormatInt(appID, 10),
	})
	if err != nil {
		return fmt.Errorf("marshal task payload: %w", err)
	}
	req, err := json.Marshal(lsRequest{
		AppID:     strconv.FormatInt(appID, 10),
		Payload:   string(inner),
		RequestID: s.reqID.Add(1),
		Type:      3,
	})
	if err != nil {
		return fmt.Errorf("marshal task request: %w", err)
	}
	return s.publish(ctx, topicLsReq, req, 1)
}

func (s *Session) publish(ctx context.Context, topic string, payload []byte, qos byte) error {
	if _, err := s.client.Publish(ctx, &paho.Publish{
		Topic:   topic,
		QoS:     qos,
		Payload: payload,
	}); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}
