package messenger

import (
	"context"
	"strings"
	"time"

	"github.com/orcabot/orcabot/internal/types"
	"github.com/orcabot/orcabot/internal/wire"
)

// Transport is the slice of the gateway session the adapter consumes.
// *wire.Session satisfies it; tests inject fakes.
type Transport interface {
	Events() <-chan wire.Delta
	Errs() <-chan error
	SeqID() int64
	Close() error

	Send(ctx context.Context, opts wire.SendOptions) (string, error)
	SendE2EE(ctx context.Context, env *wire.E2EEEnvelope) error
	SendTyping(ctx context.Context, threadID types.ID, on bool) error
	MarkRead(ctx context.Context, threadID types.ID, watermarkMs int64) error
	SendReaction(ctx context.Context, threadID types.ID, messageID, emoji string) error
	RenameThread(ctx context.Context, threadID types.ID, name string) error
	AddParticipants(ctx context.Context, threadID types.ID, userIDs []types.ID) error
	RemoveParticipant(ctx context.Context, threadID, userID types.ID) error
	LeaveThread(ctx context.Context, threadID types.ID) error
	CreateGroup(ctx context.Context, name string, participantIDs []types.ID) (int64, error)
	RegisterPush(ctx context.Context, token string) error
}

// DialFunc opens a gateway session. The default wraps wire.Dial.
type DialFunc func(ctx context.Context, cfg wire.DialConfig) (Transport, error)

func defaultDial(ctx context.Context, cfg wire.DialConfig) (Transport, error) {
	return wire.Dial(ctx, cfg)
}

// transientMarkers are matched case-insensitively against transport
// error text. A hit means the connection died for network reasons and
// a backoff reconnect is worth attempting.
var transientMarkers = []string{
	"websocket close 1006",
	"unexpected eof",
	"connection reset",
	"econnreset",
	"epipe",
	"etimedout",
	"econnrefused",
	"socket hang up",
	"network changed",
}

// IsTransient classifies a transport error by its message text.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

const (
	reconnectInitialDelay = 2 * time.Second
	reconnectMaxDelay     = 60 * time.Second
)

// nextBackoff doubles the delay up to the cap.
func nextBackoff(current time.Duration) time.Duration {
	if current <= 0 {
		return reconnectInitialDelay
	}
	next := current * 2
	if next > reconnectMaxDelay {
		return reconnectMaxDelay
	}
	return next
}
