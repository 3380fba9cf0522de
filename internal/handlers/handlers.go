// Package handlers holds the built-in handler chain: command,
// media-link, ping, and ai-chat. The dispatcher walks the chain in
// that order and runs the first handler whose Match returns true, so
// explicit invocations (commands, share links, ping) always win over
// the conversational catch-all.
package handlers

import (
	"context"

	"github.com/orcabot/orcabot/internal/dispatch"
	"github.com/orcabot/orcabot/internal/messenger"
	"github.com/orcabot/orcabot/internal/store"
	"github.com/orcabot/orcabot/internal/types"
)

// ThreadDirectory is the store subset handlers consult for per-thread
// settings. A missing thread returns (nil, nil).
type ThreadDirectory interface {
	GetThread(id types.ID) (*store.Thread, error)
}

var _ ThreadDirectory = (*store.Store)(nil)

// Chain returns the standard handler chain in priority order. Nil
// entries are skipped so a deployment without media or LLM support
// passes nil for those.
func Chain(cmd *Command, media *MediaLink, ai *AIChat) []dispatch.Handler {
	chain := make([]dispatch.Handler, 0, 4)
	if cmd != nil {
		chain = append(chain, cmd)
	}
	if media != nil {
		chain = append(chain, media)
	}
	chain = append(chain, Ping{})
	if ai != nil {
		chain = append(chain, ai)
	}
	return chain
}

// reply sends text back over the lane the message arrived on. E2EE
// messages must be answered on the E2EE lane; the plain send API
// silently delivers to the non-secret copy of the thread otherwise.
func reply(ctx context.Context, api dispatch.ChatAPI, msg *messenger.Message, text string) error {
	return replyTo(ctx, api, msg, msg.ThreadID, text)
}

// replyTo sends text to an explicit thread, keeping the originating
// message's lane. Used when a reply lands in a different thread than
// the one that triggered it.
func replyTo(ctx context.Context, api dispatch.ChatAPI, msg *messenger.Message, threadID types.ID, text string) error {
	if text == "" {
		return nil
	}
	if msg.IsE2EE {
		_, err := api.SendE2EEMessage(ctx, messenger.JID(threadID), text)
		return err
	}
	_, err := api.SendMessage(ctx, threadID, text)
	return err
}
