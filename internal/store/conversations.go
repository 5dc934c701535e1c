package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/shipdesk/inboxsync/internal/chat"
	"github.com/shipdesk/inboxsync/internal/gateway"
)

var conversationColumns = map[string]bool{
	"id": true, "contact_name": true, "contact_email": true,
	"contact_phone": true, "customer_type": true,
	"last_message_preview": true, "last_message_attachments": true,
	"last_message_at": true, "unread_count": true, "priority": true,
	"is_new": true, "owner_id": true,
}

// ConversationRows implements gateway.ConversationSource. Rows come
// back in (last_message_at desc, id desc) order; the cursor predicate
// is the compound keyset condition.
func (db *DB) ConversationRows(ctx context.Context, q gateway.ConversationQuery) ([]chat.Row, error) {
	cols := q.Columns
	if len(cols) == 0 {
		cols = gateway.ConversationColumns
	}
	for _, c := range cols {
		if !conversationColumns[c] {
			return nil, fmt.Errorf("unsupported column %q", c)
		}
	}

	var sb strings.Builder
	var args []any
	fmt.Fprintf(&sb, "SELECT %s FROM conversations WHERE 1=1", strings.Join(cols, ", "))

	if q.Before != nil {
		ts := formatTS(q.Before.Time)
		sb.WriteString(" AND (last_message_at < ? OR (last_message_at = ? AND id < ?))")
		args = append(args, ts, ts, q.Before.ID)
	}
	if q.OwnerID != "" {
		sb.WriteString(" AND owner_id = ?")
		args = append(args, q.OwnerID)
	}
	if q.Search != "" {
		needle := strings.ToLower(q.Search)
		sb.WriteString(" AND (instr(lower(contact_name), ?) > 0 OR instr(lower(contact_email), ?) > 0 OR instr(lower(contact_phone), ?) > 0)")
		args = append(args, needle, needle, needle)
	}

	sb.WriteString(" ORDER BY last_message_at DESC, id DESC LIMIT ?")
	limit := q.Limit
	if limit <= 0 {
		limit = 51
	}
	args = append(args, limit)

	return db.queryRows(ctx, sb.String(), args...)
}

// ConversationRow implements the single-row refetch used by the
// conversation push listener. Returns nil when the id is unknown.
func (db *DB) ConversationRow(ctx context.Context, id string) (chat.Row, error) {
	return db.queryRow(ctx, `
		SELECT id, contact_name, contact_email, contact_phone, customer_type,
			last_message_preview, last_message_attachments, last_message_at,
			unread_count, priority, is_new, owner_id
		FROM conversations WHERE id = ?`, id)
}

// UpsertConversation writes a full summary row into the projection.
func (db *DB) UpsertConversation(ctx context.Context, c chat.ConversationSummary) error {
	var owner any
	if c.OwnerID != "" {
		owner = c.OwnerID
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO conversations (id, contact_name, contact_email, contact_phone, customer_type,
			last_message_preview, last_message_attachments, last_message_at,
			unread_count, priority, is_new, owner_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			contact_name = excluded.contact_name,
			contact_email = excluded.contact_email,
			contact_phone = excluded.contact_phone,
			customer_type = excluded.customer_type,
			last_message_preview = excluded.last_message_preview,
			last_message_attachments = excluded.last_message_attachments,
			last_message_at = excluded.last_message_at,
			unread_count = excluded.unread_count,
			priority = excluded.priority,
			is_new = excluded.is_new,
			owner_id = excluded.owner_id,
			updated_at = excluded.updated_at`,
		c.ID, c.ContactName, c.ContactEmail, c.ContactPhone, string(c.CustomerType),
		c.LastMessagePreview, chat.EncodeAttachmentList(c.LastMessageAttachments),
		formatTS(c.LastMessageAt), c.UnreadCount,
		string(c.Priority), c.IsNew, owner, nowTS())
	return err
}
