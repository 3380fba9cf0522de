package handlers

import (
	"bytes"
	"context"
	"log/slog"

	"github.com/orcabot/orcabot/internal/dispatch"
	"github.com/orcabot/orcabot/internal/media"
	"github.com/orcabot/orcabot/internal/messenger"
)

// MediaResolver downloads the media behind one share link.
type MediaResolver interface {
	Resolve(ctx context.Context, link media.Link) (*media.Attachment, error)
}

var _ MediaResolver = (*media.Resolver)(nil)

// MediaLink downloads Facebook, Instagram, and TikTok share links and
// re-sends the media into the thread so members see it inline instead
// of a preview card. Every failure is swallowed: a dead link or a
// source change must never produce chat noise.
type MediaLink struct {
	resolver MediaResolver
	logger   *slog.Logger
}

// NewMediaLink returns the media-link handler.
func NewMediaLink(resolver MediaResolver, logger *slog.Logger) *MediaLink {
	if logger == nil {
		logger = slog.Default()
	}
	return &MediaLink{
		resolver: resolver,
		logger:   logger.With("handler", "media_link"),
	}
}

func (h *MediaLink) Name() string { return "media-link" }

// Match reports whether the text carries a supported share link.
// Direct media sends exist only on the plain lane, so E2EE messages
// never match.
func (h *MediaLink) Match(kind messenger.EventKind, msg *messenger.Message) bool {
	return kind == messenger.EventMessage && media.HasLink(msg.Text)
}

func (h *MediaLink) Handle(ctx context.Context, _ messenger.EventKind, msg *messenger.Message, api dispatch.ChatAPI) error {
	var images, videos []messenger.MediaItem
	for _, link := range media.DetectLinks(msg.Text) {
		att, err := h.resolver.Resolve(ctx, link)
		if err != nil {
			h.logger.Debug("resolve failed",
				"source", string(link.Source), "url", link.URL, "error", err)
			continue
		}
		item := messenger.MediaItem{
			Filename: att.Filename,
			Reader:   bytes.NewReader(att.Data),
		}
		if att.Kind == media.KindVideo {
			videos = append(videos, item)
		} else {
			images = append(images, item)
		}
	}

	if len(images) > 0 {
		if _, err := api.SendImageDirect(ctx, msg.ThreadID, images); err != nil {
			h.logger.Debug("image send failed", "thread", msg.ThreadID, "error", err)
		}
	}
	if len(videos) > 0 {
		if _, err := api.SendVideoDirect(ctx, msg.ThreadID, videos); err != nil {
			h.logger.Debug("video send failed", "thread", msg.ThreadID, "error", err)
		}
	}
	return nil
}
