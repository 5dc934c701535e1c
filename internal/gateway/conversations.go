package gateway

import (
	"context"
	"time"

	"github.com/shipdesk/inboxsync/internal/chat"
	"go.uber.org/zap"
)

// Cursor is a keyset pagination position: rows strictly older than
// (Time, ID) under the compound predicate
// `ts < cursorTime OR (ts = cursorTime AND id < cursorID)`.
type Cursor struct {
	Time time.Time
	ID   string
}

// ConversationQuery is what the gateway asks the row-fetch service
// for. Columns is the requested projection; the service may reject a
// projection containing columns it does not support.
type ConversationQuery struct {
	Limit   int
	Columns []string
	Before  *Cursor
	OwnerID string // empty = no owner filter
	Search  string // case-insensitive substring over contact name/email/phone
}

// ConversationSource is the row-fetch service for conversation
// summaries. Rows come back ordered (last_message_at desc, id desc).
type ConversationSource interface {
	ConversationRows(ctx context.Context, q ConversationQuery) ([]chat.Row, error)
	// ConversationRow returns the single summary row for id, or nil
	// when the conversation does not exist.
	ConversationRow(ctx context.Context, id string) (chat.Row, error)
}

// ConversationColumns is the full summary projection.
var ConversationColumns = []string{
	"id", "contact_name", "contact_email", "contact_phone",
	"customer_type", "last_message_preview", "last_message_attachments",
	"last_message_at", "unread_count", "priority", "is_new", "owner_id",
}

// ReducedConversationColumns drops the optional projected columns so a
// page can still load against an older schema.
var ReducedConversationColumns = []string{
	"id", "contact_name", "contact_email", "contact_phone",
	"last_message_preview", "last_message_at", "unread_count",
}

// ConversationPage is a page request from the list store.
type ConversationPage struct {
	Limit   int
	Before  *Cursor
	OwnerID string
	Search  string
}

// Conversations fetches conversation summaries with keyset pagination.
type Conversations struct {
	src    ConversationSource
	logger *zap.Logger
}

// NewConversations creates a conversation list gateway.
func NewConversations(src ConversationSource, logger *zap.Logger) *Conversations {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Conversations{src: src, logger: logger}
}

// FetchPage returns at most page.Limit summaries in
// (lastMessageAt desc, id desc) order. "More available" is signaled
// implicitly: a result of exactly page.Limit rows means another page
// may exist. If the full projection errors the fetch is retried once
// with the reduced column set; only when that fails too does FetchPage
// log and return an empty page with the error, never a panic or a
// partial page.
func (g *Conversations) FetchPage(ctx context.Context, page ConversationPage) ([]chat.ConversationSummary, error) {
	limit := page.Limit
	if limit <= 0 {
		limit = 50
	}
	q := ConversationQuery{
		Limit:   limit + 1,
		Columns: ConversationColumns,
		Before:  page.Before,
		OwnerID: page.OwnerID,
		Search:  page.Search,
	}

	rows, err := g.src.ConversationRows(ctx, q)
	if err != nil {
		g.logger.Warn("conversation page failed, retrying with reduced columns", zap.Error(err))
		q.Columns = ReducedConversationColumns
		rows, err = g.src.ConversationRows(ctx, q)
	}
	if err != nil {
		g.logger.Error("conversation page failed", zap.Error(err))
		return nil, err
	}

	list := make([]chat.ConversationSummary, 0, len(rows))
	for _, r := range rows {
		list = append(list, chat.ConversationFromRow(r))
	}
	list = chat.DedupeByID(list, func(c chat.ConversationSummary) string { return c.ID })
	if len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}

// FetchOne refetches a single conversation's summary, used by the push
// listener to re-derive the authoritative projection after a row
// change. Returns nil when the conversation does not exist.
func (g *Conversations) FetchOne(ctx context.Context, id string) (*chat.ConversationSummary, error) {
	row, err := g.src.ConversationRow(ctx, id)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, nil
	}
	c := chat.ConversationFromRow(row)
	return &c, nil
}
