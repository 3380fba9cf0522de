package handlers

import (
	"context"
	"strings"

	"github.com/orcabot/orcabot/internal/dispatch"
	"github.com/orcabot/orcabot/internal/messenger"
)

// Ping answers a bare "ping" with "pong 🏓". A liveness probe that
// works from inside any chat, no prefix needed.
type Ping struct{}

func (Ping) Name() string { return "ping" }

func (Ping) Match(_ messenger.EventKind, msg *messenger.Message) bool {
	return strings.EqualFold(strings.TrimSpace(msg.Text), "ping")
}

func (Ping) Handle(ctx context.Context, _ messenger.EventKind, msg *messenger.Message, api dispatch.ChatAPI) error {
	return reply(ctx, api, msg, "pong 🏓")
}
