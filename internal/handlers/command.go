package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/orcabot/orcabot/internal/commands"
	"github.com/orcabot/orcabot/internal/dispatch"
	"github.com/orcabot/orcabot/internal/messenger"
	"github.com/orcabot/orcabot/internal/types"
)

// defaultPrefix is used when the thread row is missing or carries an
// empty prefix. Matches the store schema default.
const defaultPrefix = "!"

// Command routes prefixed messages ("!help", "!block 42") to the
// command registry. The prefix is per-thread and read from the store
// on every match so a "!prefix" change takes effect immediately.
type Command struct {
	registry *commands.Registry
	threads  ThreadDirectory
	logger   *slog.Logger
}

// NewCommand returns the command handler.
func NewCommand(registry *commands.Registry, threads ThreadDirectory, logger *slog.Logger) *Command {
	if logger == nil {
		logger = slog.Default()
	}
	return &Command{
		registry: registry,
		threads:  threads,
		logger:   logger.With("handler", "command"),
	}
}

func (h *Command) Name() string { return "command" }

// Match reports whether the text starts with the thread's prefix and
// carries a command name after it.
func (h *Command) Match(_ messenger.EventKind, msg *messenger.Message) bool {
	if msg.Text == "" {
		return false
	}
	prefix := h.prefix(msg.ThreadID)
	return strings.HasPrefix(msg.Text, prefix) &&
		strings.TrimSpace(msg.Text[len(prefix):]) != ""
}

func (h *Command) Handle(ctx context.Context, _ messenger.EventKind, msg *messenger.Message, api dispatch.ChatAPI) error {
	prefix := h.prefix(msg.ThreadID)
	fields := strings.Fields(strings.TrimPrefix(msg.Text, prefix))
	if len(fields) == 0 {
		return nil
	}
	name := fields[0]

	out, err := h.registry.Execute(ctx, commands.Request{
		Name:   name,
		Args:   fields[1:],
		Prefix: prefix,
		Msg:    msg,
	})
	if err != nil {
		return fmt.Errorf("command %q: %w", name, err)
	}
	h.logger.Debug("command executed", "command", name, "thread", msg.ThreadID)
	return reply(ctx, api, msg, out)
}

func (h *Command) prefix(threadID types.ID) string {
	t, err := h.threads.GetThread(threadID)
	if err != nil {
		h.logger.Warn("thread lookup failed", "thread", threadID, "error", err)
		return defaultPrefix
	}
	if t == nil || t.Prefix == "" {
		return defaultPrefix
	}
	return t.Prefix
}
