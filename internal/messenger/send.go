package messenger

import (
	"context"
	"io"
	"time"

	"github.com/orcabot/orcabot/internal/metrics"
	"github.com/orcabot/orcabot/internal/types"
	"github.com/orcabot/orcabot/internal/wire"
)

// SendOption refines an outgoing message.
type SendOption func(*sendConfig)

type sendConfig struct {
	isGroup   bool
	replyToID string
	mentions  []Mention
}

// AsGroup addresses the send to a group thread.
func AsGroup() SendOption {
	return func(c *sendConfig) { c.isGroup = true }
}

// WithReplyTo threads the message under an earlier one.
func WithReplyTo(messageID string) SendOption {
	return func(c *sendConfig) { c.replyToID = messageID }
}

// WithMentions tags users in the message body.
func WithMentions(mentions []Mention) SendOption {
	return func(c *sendConfig) { c.mentions = mentions }
}

func applySendOptions(opts []SendOption) sendConfig {
	var cfg sendConfig
	for _, o := range opts {
		o(&cfg)
	}
	return cfg
}

// transport returns the live session or ErrNotConnected.
func (c *Client) transport() (Transport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected || c.session == nil {
		return nil, ErrNotConnected
	}
	return c.session, nil
}

// acquire blocks on the token bucket. With the bucket empty the next
// grant lands after 1000/rate milliseconds.
func (c *Client) acquire(ctx context.Context) error {
	return c.limiter.Wait(ctx)
}

// SendMessage sends text to a thread and returns the client message
// id (the offline threading id).
func (c *Client) SendMessage(ctx context.Context, threadID types.ID, text string, opts ...SendOption) (string, error) {
	cfg := applySendOptions(opts)
	if err := c.acquire(ctx); err != nil {
		return "", err
	}
	sess, err := c.transport()
	if err != nil {
		return "", err
	}
	id, err := sess.Send(ctx, wire.SendOptions{
		ThreadID:  threadID,
		IsGroup:   cfg.isGroup,
		Body:      text,
		ReplyToID: cfg.replyToID,
	})
	if err != nil {
		return "", err
	}
	c.metrics.Inc(metrics.MessagesSent)
	return id, nil
}

// SendE2EEMessage sends text over the secure lane, addressed by chat
// JID. The envelope's offline id is returned as the client message id.
func (c *Client) SendE2EEMessage(ctx context.Context, chatJID, text string, opts ...SendOption) (string, error) {
	applySendOptions(opts) // reserved: no E2EE-specific options yet
	if err := c.acquire(ctx); err != nil {
		return "", err
	}
	sess, err := c.transport()
	if err != nil {
		return "", err
	}
	env := &wire.E2EEEnvelope{
		Type: wire.E2EEMessage,
		To:   chatJID,
		Body: text,
	}
	if err := sess.SendE2EE(ctx, env); err != nil {
		return "", err
	}
	c.metrics.Inc(metrics.MessagesSent)
	return env.OfflineID, nil
}

// SendReaction sets or clears (empty emoji) a reaction.
func (c *Client) SendReaction(ctx context.Context, threadID types.ID, messageID, emoji string) error {
	if err := c.acquire(ctx); err != nil {
		return err
	}
	sess, err := c.transport()
	if err != nil {
		return err
	}
	return sess.SendReaction(ctx, threadID, messageID, emoji)
}

// SendTypingIndicator toggles the bot's typing state in a thread.
func (c *Client) SendTypingIndicator(ctx context.Context, threadID types.ID, active bool) error {
	if err := c.acquire(ctx); err != nil {
		return err
	}
	sess, err := c.transport()
	if err != nil {
		return err
	}
	return sess.SendTyping(ctx, threadID, active)
}

// MarkAsRead marks a thread read. A zero watermark means "now".
func (c *Client) MarkAsRead(ctx context.Context, threadID types.ID, watermarkMs int64) error {
	if err := c.acquire(ctx); err != nil {
		return err
	}
	sess, err := c.transport()
	if err != nil {
		return err
	}
	if watermarkMs == 0 {
		watermarkMs = time.Now().UnixMilli()
	}
	return sess.MarkRead(ctx, threadID, watermarkMs)
}

// --- Media ---

// MediaKind selects the upload endpoint family.
type MediaKind string

const (
	MediaImage MediaKind = "image"
	MediaVideo MediaKind = "video"
	MediaVoice MediaKind = "voice"
	MediaFile  MediaKind = "file"
)

// MediaItem is one attachment to upload and send.
type MediaItem struct {
	Filename string
	Reader   io.Reader
}

// sendMedia uploads one item and sends it; used by the single-item
// rate-limited senders.
func (c *Client) sendMedia(ctx context.Context, kind MediaKind, threadID types.ID, item MediaItem, opts ...SendOption) (string, error) {
	cfg := applySendOptions(opts)
	if err := c.acquire(ctx); err != nil {
		return "", err
	}
	return c.sendMediaBatch(ctx, kind, threadID, []MediaItem{item}, cfg)
}

// sendMediaBatch uploads every item, then posts a single message
// carrying all attachment ids.
func (c *Client) sendMediaBatch(ctx context.Context, kind MediaKind, threadID types.ID, items []MediaItem, cfg sendConfig) (string, error) {
	sess, err := c.transport()
	if err != nil {
		return "", err
	}
	ids := make([]string, 0, len(items))
	for _, item := range items {
		id, err := c.web.Upload(ctx, kind, item.Filename, item.Reader)
		if err != nil {
			return "", err
		}
		ids = append(ids, id)
	}
	msgID, err := sess.Send(ctx, wire.SendOptions{
		ThreadID:      threadID,
		IsGroup:       cfg.isGroup,
		AttachmentIDs: ids,
		ReplyToID:     cfg.replyToID,
	})
	if err != nil {
		return "", err
	}
	c.metrics.Inc(metrics.MessagesSent)
	return msgID, nil
}

// SendImage uploads and sends one image.
func (c *Client) SendImage(ctx context.Context, threadID types.ID, item MediaItem, opts ...SendOption) (string, error) {
	return c.sendMedia(ctx, MediaImage, threadID, item, opts...)
}

// SendVideo uploads and sends one video.
func (c *Client) SendVideo(ctx context.Context, threadID types.ID, item MediaItem, opts ...SendOption) (string, error) {
	return c.sendMedia(ctx, MediaVideo, threadID, item, opts...)
}

// SendVoice uploads and sends one voice clip.
func (c *Client) SendVoice(ctx context.Context, threadID types.ID, item MediaItem, opts ...SendOption) (string, error) {
	return c.sendMedia(ctx, MediaVoice, threadID, item, opts...)
}

// SendFile uploads and sends one file.
func (c *Client) SendFile(ctx context.Context, threadID types.ID, item MediaItem, opts ...SendOption) (string, error) {
	return c.sendMedia(ctx, MediaFile, threadID, item, opts...)
}

// SendSticker sends a sticker by its platform id.
func (c *Client) SendSticker(ctx context.Context, threadID types.ID, stickerID string, opts ...SendOption) (string, error) {
	cfg := applySendOptions(opts)
	if err := c.acquire(ctx); err != nil {
		return "", err
	}
	sess, err := c.transport()
	if err != nil {
		return "", err
	}
	id, err := sess.Send(ctx, wire.SendOptions{
		ThreadID:  threadID,
		IsGroup:   cfg.isGroup,
		StickerID: stickerID,
	})
	if err != nil {
		return "", err
	}
	c.metrics.Inc(metrics.MessagesSent)
	return id, nil
}

// The Direct variants bypass the token bucket so a batch posts as one
// uninterrupted unit.

// SendImageDirect sends a batch of images as a single message.
func (c *Client) SendImageDirect(ctx context.Context, threadID types.ID, items []MediaItem, opts ...SendOption) (string, error) {
	return c.sendMediaBatch(ctx, MediaImage, threadID, items, applySendOptions(opts))
}

// SendVideoDirect sends a batch of videos as a single message.
func (c *Client) SendVideoDirect(ctx context.Context, threadID types.ID, items []MediaItem, opts ...SendOption) (string, error) {
	return c.sendMediaBatch(ctx, MediaVideo, threadID, items, applySendOptions(opts))
}

// SendVoiceDirect sends a batch of voice clips as a single message.
func (c *Client) SendVoiceDirect(ctx context.Context, threadID types.ID, items []MediaItem, opts ...SendOption) (string, error) {
	return c.sendMediaBatch(ctx, MediaVoice, threadID, items, applySendOptions(opts))
}

// SendFileDirect sends a batch of files as a single message.
func (c *Client) SendFileDirect(ctx context.Context, threadID types.ID, items []MediaItem, opts ...SendOption) (string, error) {
	return c.sendMediaBatch(ctx, MediaFile, threadID, items, applySendOptions(opts))
}

// SendStickerDirect sends several stickers back to back without
// throttling between them.
func (c *Client) SendStickerDirect(ctx context.Context, threadID types.ID, stickerIDs []string, opts ...SendOption) ([]string, error) {
	cfg := applySendOptions(opts)
	sess, err := c.transport()
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(stickerIDs))
	for _, sid := range stickerIDs {
		id, err := sess.Send(ctx, wire.SendOptions{
			ThreadID:  threadID,
			IsGroup:   cfg.isGroup,
			StickerID: sid,
		})
		if err != nil {
			return ids, err
		}
		c.metrics.Inc(metrics.MessagesSent)
		ids = append(ids, id)
	}
	return ids, nil
}

// --- Thread operations ---

// RenameThread sets a group thread's display name.
func (c *Client) RenameThread(ctx context.Context, threadID types.ID, name string) error {
	if err := c.acquire(ctx); err != nil {
		return err
	}
	sess, err := c.transport()
	if err != nil {
		return err
	}
	return sess.RenameThread(ctx, threadID, name)
}

// AddParticipant invites users into a group thread.
func (c *Client) AddParticipant(ctx context.Context, threadID types.ID, userIDs ...types.ID) error {
	if err := c.acquire(ctx); err != nil {
		return err
	}
	sess, err := c.transport()
	if err != nil {
		return err
	}
	return sess.AddParticipants(ctx, threadID, userIDs)
}

// RemoveParticipant removes one user from a group thread.
func (c *Client) RemoveParticipant(ctx context.Context, threadID, userID types.ID) error {
	if err := c.acquire(ctx); err != nil {
		return err
	}
	sess, err := c.transport()
	if err != nil {
		return err
	}
	return sess.RemoveParticipant(ctx, threadID, userID)
}

// LeaveThread removes the bot from a group thread.
func (c *Client) LeaveThread(ctx context.Context, threadID types.ID) error {
	if err := c.acquire(ctx); err != nil {
		return err
	}
	sess, err := c.transport()
	if err != nil {
		return err
	}
	return sess.LeaveThread(ctx, threadID)
}

// CreateGroup requests a new group thread. The created thread id
// arrives later on the sync stream; the returned value is the offline
// threading id of the request.
func (c *Client) CreateGroup(ctx context.Context, name string, participantIDs []types.ID) (int64, error) {
	if err := c.acquire(ctx); err != nil {
		return 0, err
	}
	sess, err := c.transport()
	if err != nil {
		return 0, err
	}
	return sess.CreateGroup(ctx, name, participantIDs)
}

// RegisterPushNotifications forwards a push token to the gateway.
// Pass-through only: delivery still rides this session.
func (c *Client) RegisterPushNotifications(ctx context.Context, token string) error {
	if err := c.acquire(ctx); err != nil {
		return err
	}
	sess, err := c.transport()
	if err != nil {
		return err
	}
	return sess.RegisterPush(ctx, token)
}

// --- Web lookups ---

// GetUserInfo fetches profiles for the given user ids.
func (c *Client) GetUserInfo(ctx context.Context, userIDs ...types.ID) (map[types.ID]*UserInfo, error) {
	if err := c.acquire(ctx); err != nil {
		return nil, err
	}
	return c.web.UserInfo(ctx, userIDs)
}

// SearchUsers finds users matching a name query.
func (c *Client) SearchUsers(ctx context.Context, query string) ([]*UserInfo, error) {
	if err := c.acquire(ctx); err != nil {
		return nil, err
	}
	return c.web.SearchUsers(ctx, query)
}

// GetThreadInfo fetches thread metadata.
func (c *Client) GetThreadInfo(ctx context.Context, threadID types.ID) (*ThreadInfo, error) {
	if err := c.acquire(ctx); err != nil {
		return nil, err
	}
	return c.web.ThreadInfo(ctx, threadID)
}
