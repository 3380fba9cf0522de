package messenger

import (
	"github.com/orcabot/orcabot/internal/types"
)

// EventKind discriminates adapter events.
type EventKind string

const (
	EventReady             EventKind = "ready"
	EventFullyReady        EventKind = "fullyReady"
	EventReconnected       EventKind = "reconnected"
	EventDisconnected      EventKind = "disconnected"
	EventError             EventKind = "error"
	EventMessage           EventKind = "message"
	EventMessageEdit       EventKind = "messageEdit"
	EventMessageUnsend     EventKind = "messageUnsend"
	EventReaction          EventKind = "reaction"
	EventTyping            EventKind = "typing"
	EventReadReceipt       EventKind = "readReceipt"
	EventE2EEConnected     EventKind = "e2eeConnected"
	EventE2EEMessage       EventKind = "e2eeMessage"
	EventE2EEReaction      EventKind = "e2eeReaction"
	EventE2EEReceipt       EventKind = "e2eeReceipt"
	EventDeviceDataChanged EventKind = "deviceDataChanged"
	EventRaw               EventKind = "raw"
)

// Event is one adapter emission. The payload field matching Kind is
// set; the rest are nil.
type Event struct {
	Kind EventKind

	Message     *Message
	Edit        *MessageEdit
	Unsend      *MessageUnsend
	Reaction    *Reaction
	Typing      *Typing
	ReadReceipt *ReadReceipt
	Err         *ErrorInfo
	Session     *SessionInfo
	Raw         []byte
}

// isContent reports whether the event must respect the fullyReady
// ordering contract (queued until the session is fully ready).
func (e Event) isContent() bool {
	switch e.Kind {
	case EventMessage, EventMessageEdit, EventMessageUnsend,
		EventReaction, EventTyping, EventReadReceipt,
		EventE2EEMessage, EventE2EEReaction, EventE2EEReceipt, EventRaw:
		return true
	}
	return false
}

// ErrorInfo carries a surfaced transport error. Code 1 is permanent:
// the event loop has stopped and only a fresh Connect revives it.
type ErrorInfo struct {
	Code    int
	Message string
}

// SessionInfo describes an established session.
type SessionInfo struct {
	UserID types.ID
	SeqID  int64
	E2EE   bool
}

// Message is the persisted and in-flight message shape. ID alone is
// the identity (and dedup) key.
type Message struct {
	ID          string       `json:"id"`
	ThreadID    types.ID     `json:"threadId"`
	SenderID    types.ID     `json:"senderId"`
	Text        string       `json:"text,omitempty"`
	TimestampMs int64        `json:"timestampMs"`
	IsE2EE      bool         `json:"isE2EE"`
	IsGroup     bool         `json:"isGroup"`
	Attachments []Attachment `json:"attachments,omitempty"`
	ReplyTo     *ReplyTo     `json:"replyTo,omitempty"`
	Mentions    []Mention    `json:"mentions,omitempty"`
}

// Attachment is a received or sent media reference.
type Attachment struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Filename string `json:"filename,omitempty"`
	Size     int64  `json:"size,omitempty"`
	URL      string `json:"url,omitempty"`
}

// ReplyTo links a message to the one it answers.
type ReplyTo struct {
	MessageID string `json:"messageId"`
}

// Mention marks a tagged user inside the message text.
type Mention struct {
	UserID types.ID `json:"userId"`
	Offset int      `json:"offset"`
	Length int      `json:"length"`
}

// MessageEdit replaces the text of an earlier message.
type MessageEdit struct {
	MessageID   string   `json:"messageId"`
	ThreadID    types.ID `json:"threadId"`
	SenderID    types.ID `json:"senderId"`
	Text        string   `json:"text"`
	TimestampMs int64    `json:"timestampMs"`
}

// MessageUnsend retracts an earlier message.
type MessageUnsend struct {
	MessageID   string   `json:"messageId"`
	ThreadID    types.ID `json:"threadId"`
	SenderID    types.ID `json:"senderId"`
	TimestampMs int64    `json:"timestampMs"`
}

// Reaction sets or clears (empty Emoji) a reaction on a message.
type Reaction struct {
	MessageID string   `json:"messageId"`
	ThreadID  types.ID `json:"threadId"`
	SenderID  types.ID `json:"senderId"`
	Emoji     string   `json:"emoji"`
	IsE2EE    bool     `json:"isE2EE"`
}

// Typing is a peer typing-state change.
type Typing struct {
	ThreadID types.ID `json:"threadId"`
	SenderID types.ID `json:"senderId"`
	Active   bool     `json:"active"`
}

// ReadReceipt marks a peer's read watermark in a thread.
type ReadReceipt struct {
	ThreadID    types.ID `json:"threadId"`
	SenderID    types.ID `json:"senderId"`
	WatermarkMs int64    `json:"watermarkMs"`
	IsE2EE      bool     `json:"isE2EE"`
}

// UserInfo is a platform user profile lookup result.
type UserInfo struct {
	ID         types.ID `json:"id"`
	Name       string   `json:"name"`
	Username   string   `json:"username,omitempty"`
	ProfilePic string   `json:"profilePic,omitempty"`
	IsFriend   bool     `json:"isFriend,omitempty"`
}

// ThreadInfo is a platform thread lookup result.
type ThreadInfo struct {
	ID           types.ID   `json:"id"`
	Name         string     `json:"name,omitempty"`
	IsGroup      bool       `json:"isGroup"`
	Participants []types.ID `json:"participants,omitempty"`
}
