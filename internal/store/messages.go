package store

import (
	"context"
	"database/sql"
	"strings"

	"github.com/shipdesk/inboxsync/internal/chat"
	"github.com/shipdesk/inboxsync/internal/gateway"
)

// MessageRows implements gateway.MessageSource: newest-first keyset
// page of a conversation's messages.
func (db *DB) MessageRows(ctx context.Context, chatID string, limit int, before *gateway.Cursor) ([]chat.Row, error) {
	if limit <= 0 {
		limit = 13
	}
	query := `
		SELECT id, chat_id, sender_id, sender_type, body, created_at,
			is_read_by_agent, read_by_agent_at, is_read_by_contact, read_by_contact_at, is_read
		FROM messages WHERE chat_id = ?`
	args := []any{chatID}
	if before != nil {
		ts := formatTS(before.Time)
		query += " AND (created_at < ? OR (created_at = ? AND id < ?))"
		args = append(args, ts, ts, before.ID)
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, limit)
	return db.queryRows(ctx, query, args...)
}

// AttachmentRows returns attachment rows for the given messages,
// ordered by creation time.
func (db *DB) AttachmentRows(ctx context.Context, messageIDs []string) ([]chat.Row, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}
	placeholders := strings.Repeat("?,", len(messageIDs))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(messageIDs))
	for i, id := range messageIDs {
		args[i] = id
	}
	return db.queryRows(ctx, `
		SELECT id, message_id, file_name, file_url, storage_path, mime_type, file_size, created_at
		FROM message_attachments WHERE message_id IN (`+placeholders+`)
		ORDER BY created_at ASC, id ASC`, args...)
}

// MessageChatID resolves the conversation a message belongs to.
// Returns "" when the message is unknown.
func (db *DB) MessageChatID(ctx context.Context, messageID string) (string, error) {
	var chatID string
	err := db.QueryRowContext(ctx, `SELECT chat_id FROM messages WHERE id = ?`, messageID).Scan(&chatID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return chatID, nil
}

// UpsertMessage writes a message row into the projection, idempotent
// on id. Role read flags are stored as NULL when the message only
// carries the legacy flag, preserving the distinction for readers.
func (db *DB) UpsertMessage(ctx context.Context, m chat.Message) error {
	var senderID any
	if m.SenderID != "" {
		senderID = m.SenderID
	}
	var readByAgent, readByContact, legacy any
	var readByAgentAt, readByContactAt any
	if m.HasRoleReadFlags {
		readByAgent = m.IsReadByAgent
		readByContact = m.IsReadByContact
		if !m.ReadByAgentAt.IsZero() && !m.ReadByAgentAt.Equal(chat.Epoch) {
			readByAgentAt = formatTS(m.ReadByAgentAt)
		}
		if !m.ReadByContactAt.IsZero() && !m.ReadByContactAt.Equal(chat.Epoch) {
			readByContactAt = formatTS(m.ReadByContactAt)
		}
	} else {
		legacy = m.LegacyRead
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO messages (id, chat_id, sender_id, sender_type, body, created_at,
			is_read_by_agent, read_by_agent_at, is_read_by_contact, read_by_contact_at, is_read, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			sender_id = excluded.sender_id,
			sender_type = excluded.sender_type,
			body = excluded.body,
			created_at = excluded.created_at,
			is_read_by_agent = excluded.is_read_by_agent,
			read_by_agent_at = excluded.read_by_agent_at,
			is_read_by_contact = excluded.is_read_by_contact,
			read_by_contact_at = excluded.read_by_contact_at,
			is_read = excluded.is_read,
			updated_at = excluded.updated_at`,
		m.ID, m.ChatID, senderID, string(m.SenderType), m.Body, formatTS(m.CreatedAt),
		readByAgent, readByAgentAt, readByContact, readByContactAt, legacy, nowTS())
	return err
}

// UpsertAttachment writes an attachment row, idempotent on id.
func (db *DB) UpsertAttachment(ctx context.Context, a chat.MessageAttachment) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO message_attachments (id, message_id, file_name, file_url, storage_path, mime_type, file_size, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			file_name = excluded.file_name,
			file_url = excluded.file_url,
			storage_path = excluded.storage_path,
			mime_type = excluded.mime_type,
			file_size = excluded.file_size`,
		a.ID, a.MessageID, a.FileName, a.FileURL, a.StoragePath, a.MimeType, a.FileSize, formatTS(a.CreatedAt))
	return err
}
