package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/rand"
	"strconv"
	"time"

	"github.com/orcabot/orcabot/internal/types"
)

// Msec is a millisecond timestamp. The gateway serializes timestamps
// as decimal strings; older payloads use bare numbers. Both decode.
type Msec int64

func (m Msec) Int64() int64    { return int64(m) }
func (m Msec) Time() time.Time { return time.UnixMilli(int64(m)) }

func (m Msec) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(strconv.FormatInt(int64(m), 10))), nil
}

func (m *Msec) UnmarshalJSON(data []byte) error {
	data = bytes.Trim(data, `"`)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*m = 0
		return nil
	}
	n, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("parse msec %q: %w", data, err)
	}
	*m = Msec(n)
	return nil
}

// ThreadKey names a conversation: group threads carry threadFbId,
// one-to-one threads carry the peer's id instead.
type ThreadKey struct {
	ThreadFbID    types.ID `json:"threadFbId,omitempty"`
	OtherUserFbID types.ID `json:"otherUserFbId,omitempty"`
}

// ID returns the canonical thread id regardless of thread kind.
func (k ThreadKey) ID() types.ID {
	if !k.ThreadFbID.IsZero() {
		return k.ThreadFbID
	}
	return k.OtherUserFbID
}

// IsGroup reports whether the key names a group thread.
func (k ThreadKey) IsGroup() bool { return !k.ThreadFbID.IsZero() }

// MessageMetadata is the common header the sync stream attaches to
// message-bearing deltas.
type MessageMetadata struct {
	ActorFbID          types.ID  `json:"actorFbId"`
	MessageID          string    `json:"messageId"`
	OfflineThreadingID string    `json:"offlineThreadingId"`
	ThreadKey          ThreadKey `json:"threadKey"`
	Timestamp          Msec      `json:"timestamp"`
}

// Attachment is the wire form of a message attachment. Only the
// fields the bot consumes are mapped; the rest stays in Raw.
type Attachment struct {
	ID       string          `json:"id"`
	Type     string          `json:"mimeType"`
	Filename string          `json:"filename"`
	FileSize int64           `json:"fileSize,string"`
	URL      string          `json:"url"`
	Raw      json.RawMessage `json:"-"`
}

// Mention marks a tagged user inside a message body.
type Mention struct {
	UserID types.ID `json:"i"`
	Offset int      `json:"o"`
	Length int      `json:"l"`
}

// Delta classes carried on the sync stream.
const (
	classNewMessage      = "NewMessage"
	classEditMessage     = "EditMessage"
	classRecallMessage   = "RecallMessage"
	classMessageReaction = "MessageReaction"
	classReadReceipt     = "ReadReceipt"
	classNoOp            = "NoOp"
)

// NewMessage is an inbound message delta.
type NewMessage struct {
	Metadata    MessageMetadata `json:"messageMetadata"`
	Body        string          `json:"body"`
	Attachments []Attachment    `json:"attachments"`
	Mentions    []Mention       `json:"mentions"`
	ReplyToID   string          `json:"messageReply,omitempty"`
}

// MessageEdit replaces the body of a previously sent message.
type MessageEdit struct {
	Metadata MessageMetadata `json:"messageMetadata"`
	Body     string          `json:"body"`
}

// MessageUnsend retracts a previously sent message.
type MessageUnsend struct {
	ThreadKey ThreadKey `json:"threadKey"`
	MessageID string    `json:"messageId"`
	SenderID  types.ID  `json:"senderId"`
	Timestamp Msec      `json:"deletionTimestamp"`
}

// MessageReaction adds or removes an emoji reaction. An empty
// Reaction means removal.
type MessageReaction struct {
	ThreadKey ThreadKey `json:"threadKey"`
	MessageID string    `json:"messageId"`
	ActorID   types.ID  `json:"userId"`
	SenderID  types.ID  `json:"senderId"`
	Reaction  string    `json:"reaction"`
}

// ReadReceipt marks everything up to the watermark as read.
type ReadReceipt struct {
	ThreadKey          ThreadKey `json:"threadKey"`
	ActorFbID          types.ID  `json:"actorFbId"`
	ActionTimestamp    Msec      `json:"actionTimestampMs"`
	WatermarkTimestamp Msec      `json:"watermarkTimestampMs"`
}

// Typing is a typing-state note from the dedicated typing topics.
type Typing struct {
	SenderFbID types.ID `json:"sender_fbid"`
	State      int      `json:"state"`
	Thread     types.ID `json:"thread,omitempty"`
}

// syncPayload is the envelope published on the sync topic. Deltas are
// kept raw so one unknown class never poisons the batch.
type syncPayload struct {
	Deltas          []json.RawMessage `json:"deltas"`
	FirstDeltaSeqID int64             `json:"firstDeltaSeqId"`
	LastIssuedSeqID int64             `json:"lastIssuedSeqId"`
	QueueEntityID   types.ID          `json:"queueEntityId"`
	SyncToken       string            `json:"syncToken"`
	ErrorCode       string            `json:"errorCode"`
}

// classProbe extracts the class discriminator from a raw delta.
type classProbe struct {
	Class string `json:"class"`
}

// Delta is one wire-level event. Exactly one payload field is set;
// payloads the session does not model arrive under Raw with the
// source topic preserved.
type Delta struct {
	Topic string

	NewMessage  *NewMessage
	Edit        *MessageEdit
	Unsend      *MessageUnsend
	Reaction    *MessageReaction
	ReadReceipt *ReadReceipt
	Typing      *Typing
	E2EE        *E2EEEnvelope

	// SeqID is the lastIssuedSeqId observed when this delta arrived,
	// zero for non-sync lanes.
	SeqID int64

	Raw json.RawMessage
}

// E2EE lane payload kinds.
const (
	E2EERegistration    = "registration"
	E2EERegistrationAck = "registration_ack"
	E2EEMessage         = "message"
	E2EEReaction        = "reaction"
	E2EEReceipt         = "receipt"
	E2EEDeviceUpdate    = "device_update"
)

// E2EEEnvelope is the unit of exchange on the secure lane. The bot
// performs no cryptography itself: DeviceBlob is opaque session state
// owned by the gateway, carried and persisted verbatim.
type E2EEEnvelope struct {
	Type        string   `json:"type"`
	From        string   `json:"from,omitempty"` // JID, <number>@msgr.fb
	To          string   `json:"to,omitempty"`
	MessageID   string   `json:"message_id,omitempty"`
	Body        string   `json:"body,omitempty"`
	Reaction    string   `json:"reaction,omitempty"`
	OfflineID   string   `json:"offline_threading_id,omitempty"`
	TimestampMS Msec     `json:"timestamp_ms,omitempty"`
	DeviceBlob  []byte   `json:"device_blob,omitempty"`
	Receipts    []string `json:"receipts,omitempty"`
}

// sessionAuth is the CONNECT username: a JSON descriptor identifying
// the account, the session, and the client's capabilities.
type sessionAuth struct {
	UserID           types.ID `json:"u"`
	SessionID        int64    `json:"s"`
	ChatOn           bool     `json:"chat_on"`
	Foreground       bool     `json:"fg"`
	DeviceID         string   `json:"d"`
	ClientType       string   `json:"ct"`
	AppID            int64    `json:"aid"`
	Capabilities     int      `json:"cp"`
	EndpointCaps     int      `json:"ecp"`
	SubscribedTopics []string `json:"st"`
	PublishModes     []string `json:"pm"`
	DataCenter       string   `json:"dc"`
	NoAutoFg         bool     `json:"no_auto_fg"`
}

// createQueue primes the sync stream after CONNECT. A zero sequence
// id asks the gateway for a fresh queue; a non-zero id resumes.
type createQueue struct {
	InitialTitanSequenceID int64   `json:"initial_titan_sequence_id"`
	DeltaBatchSize         int     `json:"delta_batch_size"`
	DeviceParams           *string `json:"device_params"`
	SyncAPIVersion         int     `json:"sync_api_version"`
	EncodingType           string  `json:"encoding"`
	QueueType              string  `json:"queue_type"`
	MaxDeltasAbleToProcess int     `json:"max_deltas_able_to_process"`
}

// sendMessagePayload goes out on the send topic. To is the bare peer
// id for one-to-one threads and "tfbid_<id>" for groups.
type sendMessagePayload struct {
	Body            string   `json:"body,omitempty"`
	MsgID           int64    `json:"msgid"`
	SenderFbID      int64    `json:"sender_fbid"`
	To              string   `json:"to"`
	AttachmentFbIDs []string `json:"attachment_fbids,omitempty"`
	StickerID       string   `json:"sticker_id,omitempty"`
	RepliedToID     string   `json:"replied_to_message_id,omitempty"`
}

// typingPayload is the outbound typing indicator, sent on the request
// channel with its own request type.
type typingPayload struct {
	State int    `json:"state"`
	To    string `json:"to"`
	Type  string `json:"type"`
}

// Request-channel task bodies. Each is JSON-encoded into lsTask.Payload.

type markReadTask struct {
	ThreadID          int64 `json:"thread_id"`
	LastReadWatermark int64 `json:"last_read_watermark_ts"`
	SyncGroup         int   `json:"sync_group"`
}

type renameThreadTask struct {
	ThreadKey  int64  `json:"thread_key"`
	ThreadName string `json:"thread_name"`
}

type addParticipantsTask struct {
	ThreadKey  int64   `json:"thread_key"`
	ContactIDs []int64 `json:"contact_ids"`
}

type removeParticipantTask struct {
	ThreadKey int64 `json:"thread_key"`
	ContactID int64 `json:"contact_id"`
}

type leaveThreadTask struct {
	ThreadKey int64 `json:"thread_key"`
}

type createGroupTask struct {
	ThreadName         string  `json:"thread_name,omitempty"`
	ContactIDs         []int64 `json:"contact_ids"`
	OfflineThreadingID int64   `json:"offline_threading_id"`
}

type sendReactionTask struct {
	ThreadKey int64  `json:"thread_key"`
	MessageID string `json:"message_id"`
	Reaction  string `json:"reaction"`
	ActorID   int64  `json:"actor_id"`
}

type registerPushTask struct {
	PushToken string `json:"push_token"`
	Platform  string `json:"platform"`
}

// Task labels for request-channel operations. The gateway dispatches
// on the string form of the label.
const (
	taskMarkThreadRead    = "21"
	taskAddParticipants   = "23"
	taskRenameThread      = "32"
	taskSendMessage       = "46"
	taskCreateGroup       = "130"
	taskRemoveParticipant = "140"
	taskLeaveThread       = "146"
	taskRegisterPush      = "157"
	taskSendReaction      = "29"
)

// lsRequest is the request-channel envelope. Payload is the
// JSON-encoded lsPayload; the double encoding is the gateway's
// contract, not ours.
type lsRequest struct {
	AppID     string `json:"app_id"`
	Payload   string `json:"payload"`
	RequestID int64  `json:"request_id"`
	Type      int    `json:"type"`
}

type lsPayload struct {
	EpochID   int64    `json:"epoch_id"`
	Tasks     []lsTask `json:"tasks"`
	VersionID string   `json:"version_id"`
}

type lsTask struct {
	FailureCount *int   `json:"failure_count"`
	Label        string `json:"label"`
	Payload      string `json:"payload"`
	QueueName    string `json:"queue_name"`
	TaskID       int64  `json:"task_id"`
}

// GenerateOfflineThreadingID produces a client-side message id:
// millisecond timestamp in the high bits, 22 random low bits. The id
// threads the eventual server echo back to this send.
func GenerateOfflineThreadingID() int64 {
	return time.Now().UnixMilli()<<22 | rand.Int63n(1<<22)
}

// groupTo formats the publish address for a thread.
func groupTo(threadID types.ID, isGroup bool) string {
	if isGroup {
		return "tfbid_" + threadID.String()
	}
	return threadID.String()
}
