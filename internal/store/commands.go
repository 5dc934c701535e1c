package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shipdesk/inboxsync/internal/chat"
)

// SendMessage persists an outgoing agent message, assigns server ids,
// refreshes the owning conversation's summary and returns the stored
// row so the caller can reconcile its optimistic entry.
func (db *DB) SendMessage(ctx context.Context, m chat.Message) (chat.Row, error) {
	if m.Body == "" && len(m.Attachments) == 0 {
		return nil, fmt.Errorf("refusing to persist empty message")
	}

	stored := m
	stored.ID = uuid.NewString()
	stored.CreatedAt = time.Now().UTC()
	stored.SenderType = chat.SenderAgent
	stored.HasRoleReadFlags = true
	stored.IsReadByAgent = true
	stored.ReadByAgentAt = stored.CreatedAt
	stored.IsReadByContact = false
	stored.LocalStatus = ""

	if err := db.UpsertMessage(ctx, stored); err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	for _, att := range m.Attachments {
		att.MessageID = stored.ID
		if att.ID == "" {
			att.ID = uuid.NewString()
		}
		if att.CreatedAt.IsZero() {
			att.CreatedAt = stored.CreatedAt
		}
		if err := db.UpsertAttachment(ctx, att); err != nil {
			return nil, fmt.Errorf("insert attachment: %w", err)
		}
	}
	if err := db.refreshSummary(ctx, stored.ChatID); err != nil {
		return nil, err
	}
	return db.queryRow(ctx, `
		SELECT id, chat_id, sender_id, sender_type, body, created_at,
			is_read_by_agent, read_by_agent_at, is_read_by_contact, read_by_contact_at, is_read
		FROM messages WHERE id = ?`, stored.ID)
}

// SetReadState marks every contact-authored message of a conversation
// read or unread from the agent side, then recomputes the summary.
func (db *DB) SetReadState(ctx context.Context, chatID string, read bool) error {
	var readAt any
	if read {
		readAt = nowTS()
	}
	_, err := db.ExecContext(ctx, `
		UPDATE messages SET is_read_by_agent = ?, read_by_agent_at = ?, updated_at = ?
		WHERE chat_id = ? AND sender_type = 'contact'`,
		read, readAt, nowTS(), chatID)
	if err != nil {
		return err
	}
	return db.refreshSummary(ctx, chatID)
}

// DeleteMessage removes a message (attachments cascade).
func (db *DB) DeleteMessage(ctx context.Context, id string) error {
	chatID, err := db.MessageChatID(ctx, id)
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id); err != nil {
		return err
	}
	if chatID == "" {
		return nil
	}
	return db.refreshSummary(ctx, chatID)
}

// DeleteAttachment removes an attachment. When the parent message is
// left with no body and no attachments it is deleted too; the returned
// flag tells the caller the cascade happened.
func (db *DB) DeleteAttachment(ctx context.Context, messageID, attachmentID string) (messageDeleted bool, err error) {
	if _, err := db.ExecContext(ctx, `DELETE FROM message_attachments WHERE id = ? AND message_id = ?`, attachmentID, messageID); err != nil {
		return false, err
	}

	var body string
	err = db.QueryRowContext(ctx, `SELECT body FROM messages WHERE id = ?`, messageID).Scan(&body)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	var remaining int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM message_attachments WHERE message_id = ?`, messageID).Scan(&remaining); err != nil {
		return false, err
	}
	if body != "" || remaining > 0 {
		chatID, err := db.MessageChatID(ctx, messageID)
		if err != nil || chatID == "" {
			return false, err
		}
		return false, db.refreshSummary(ctx, chatID)
	}

	// Empty shell left behind: a message is never body-less and
	// attachment-less.
	if err := db.DeleteMessage(ctx, messageID); err != nil {
		return false, err
	}
	return true, nil
}

// UpsertUnreadCount writes a conversation's unread counter, clamped to
// zero.
func (db *DB) UpsertUnreadCount(ctx context.Context, chatID string, count int) error {
	if count < 0 {
		count = 0
	}
	_, err := db.ExecContext(ctx, `
		UPDATE conversations SET unread_count = ?, updated_at = ? WHERE id = ?`,
		count, nowTS(), chatID)
	return err
}

// refreshSummary re-derives a conversation's denormalized fields from
// its messages: last-message preview and timestamp plus unread count.
func (db *DB) refreshSummary(ctx context.Context, chatID string) error {
	if chatID == "" {
		return nil
	}
	if _, err := db.ExecContext(ctx, `
		INSERT OR IGNORE INTO conversations (id, is_new, updated_at) VALUES (?, 1, ?)`,
		chatID, nowTS()); err != nil {
		return err
	}

	last, err := db.queryRow(ctx, `
		SELECT id, body, created_at FROM messages
		WHERE chat_id = ? ORDER BY created_at DESC, id DESC LIMIT 1`, chatID)
	if err != nil {
		return err
	}

	preview := ""
	lastAtts := "[]"
	lastAt := formatTS(chat.Epoch)
	if last != nil {
		m := chat.MessageFromRow(last)
		atts, err := db.AttachmentRows(ctx, []string{m.ID})
		if err != nil {
			return err
		}
		for _, r := range atts {
			m.Attachments = append(m.Attachments, chat.AttachmentFromRow(r))
		}
		preview = chat.PreviewText(m)
		lastAtts = chat.EncodeAttachmentList(m.Attachments)
		lastAt = formatTS(m.CreatedAt)
	}

	_, err = db.ExecContext(ctx, `
		UPDATE conversations SET
			last_message_preview = ?,
			last_message_attachments = ?,
			last_message_at = ?,
			unread_count = (
				SELECT COUNT(*) FROM messages
				WHERE chat_id = ? AND sender_type = 'contact'
				AND COALESCE(is_read_by_agent, COALESCE(is_read, 0)) = 0
			),
			updated_at = ?
		WHERE id = ?`,
		preview, lastAtts, lastAt, chatID, nowTS(), chatID)
	return err
}
