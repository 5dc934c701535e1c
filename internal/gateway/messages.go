package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shipdesk/inboxsync/internal/chat"
	"go.uber.org/zap"
)

// MessageSource is the row-fetch service for a conversation's
// messages. Rows come back ordered (created_at desc, id desc); when
// before is non-nil only rows strictly older than the cursor are
// returned.
type MessageSource interface {
	MessageRows(ctx context.Context, chatID string, limit int, before *Cursor) ([]chat.Row, error)
	AttachmentRows(ctx context.Context, messageIDs []string) ([]chat.Row, error)
}

// URLSigner resolves an attachment storage path to a fetchable signed
// URL.
type URLSigner interface {
	SignedURL(ctx context.Context, storagePath string) (string, error)
}

// SignerFunc adapts a function to the URLSigner interface.
type SignerFunc func(ctx context.Context, storagePath string) (string, error)

// SignedURL implements URLSigner.
func (f SignerFunc) SignedURL(ctx context.Context, storagePath string) (string, error) {
	return f(ctx, storagePath)
}

// MessagePage is one fetched page, already reversed to ascending
// (createdAt, id) order for stream consumption.
type MessagePage struct {
	Rows     []chat.Message
	OldestTs time.Time
	OldestID string
	HasMore  bool
}

// Messages fetches a conversation's messages with attachment
// hydration. Signed URLs are resolved lazily and cached per attachment
// for the lifetime of the gateway instance.
type Messages struct {
	src    MessageSource
	signer URLSigner
	logger *zap.Logger

	mu     sync.Mutex
	signed map[string]string // attachment id -> signed URL
}

// NewMessages creates a message fetch gateway.
func NewMessages(src MessageSource, signer URLSigner, logger *zap.Logger) *Messages {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Messages{
		src:    src,
		signer: signer,
		logger: logger,
		signed: make(map[string]string),
	}
}

// FetchPage requests limit+1 rows, truncates to limit, hydrates
// attachments and reverses the slice to ascending order. HasMore
// reflects whether the limit+1-th row existed.
func (g *Messages) FetchPage(ctx context.Context, chatID string, limit int, before *Cursor) (*MessagePage, error) {
	if limit <= 0 {
		limit = 12
	}
	rows, err := g.src.MessageRows(ctx, chatID, limit+1, before)
	if err != nil {
		return nil, fmt.Errorf("fetch messages: %w", err)
	}

	hasMore := len(rows) > limit
	if hasMore {
		rows = rows[:limit]
	}

	msgs := make([]chat.Message, 0, len(rows))
	for _, r := range rows {
		msgs = append(msgs, chat.MessageFromRow(r))
	}
	msgs = chat.DedupeByID(msgs, func(m chat.Message) string { return m.ID })

	if err := g.hydrateAttachments(ctx, msgs); err != nil {
		// A page without attachments is still usable; the next fetch
		// reconciles.
		g.logger.Warn("attachment hydration failed", zap.String("chat_id", chatID), zap.Error(err))
	}

	// Reverse desc -> asc.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}

	page := &MessagePage{Rows: msgs, HasMore: hasMore}
	if len(msgs) > 0 {
		page.OldestTs = msgs[0].CreatedAt
		page.OldestID = msgs[0].ID
	}
	return page, nil
}

func (g *Messages) hydrateAttachments(ctx context.Context, msgs []chat.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	ids := make([]string, 0, len(msgs))
	index := make(map[string]int, len(msgs))
	for i, m := range msgs {
		ids = append(ids, m.ID)
		index[m.ID] = i
	}

	rows, err := g.src.AttachmentRows(ctx, ids)
	if err != nil {
		return err
	}
	for _, r := range rows {
		att := chat.AttachmentFromRow(r)
		i, ok := index[att.MessageID]
		if !ok {
			continue
		}
		att.FileURL = g.resolveURL(ctx, att)
		msgs[i].Attachments = append(msgs[i].Attachments, att)
	}
	return nil
}

// resolveURL returns the attachment's direct URL, signing the storage
// path lazily when no direct URL is present.
func (g *Messages) resolveURL(ctx context.Context, att chat.MessageAttachment) string {
	if att.FileURL != "" || att.StoragePath == "" || g.signer == nil {
		return att.FileURL
	}
	g.mu.Lock()
	if url, ok := g.signed[att.ID]; ok {
		g.mu.Unlock()
		return url
	}
	g.mu.Unlock()

	url, err := g.signer.SignedURL(ctx, att.StoragePath)
	if err != nil {
		g.logger.Warn("sign url failed", zap.String("attachment_id", att.ID), zap.Error(err))
		return ""
	}
	g.mu.Lock()
	g.signed[att.ID] = url
	g.mu.Unlock()
	return url
}
