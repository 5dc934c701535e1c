package store

import (
	"context"
	"fmt"

	"github.com/shipdesk/inboxsync/internal/chat"
)

// ApplyChange folds a row-level change notification into the local
// projection. Idempotent: replaying the same change yields the same
// state. Rows may be partial; present columns win, absent columns keep
// their stored value.
func (db *DB) ApplyChange(ctx context.Context, c chat.Change) error {
	switch c.Table {
	case chat.TableConversations:
		return db.applyConversationChange(ctx, c)
	case chat.TableMessages:
		return db.applyMessageChange(ctx, c)
	case chat.TableAttachments:
		return db.applyAttachmentChange(ctx, c)
	default:
		// Unknown tables are not an error; the feed may carry more
		// than this engine consumes.
		return nil
	}
}

func (db *DB) applyConversationChange(ctx context.Context, c chat.Change) error {
	id := chat.ConversationFromRow(c.Row).ID
	if id == "" {
		return fmt.Errorf("conversation change without id")
	}
	if c.Op == chat.OpDelete {
		_, err := db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
		return err
	}
	existing, err := db.ConversationRow(ctx, id)
	if err != nil {
		return err
	}
	return db.UpsertConversation(ctx, chat.ConversationFromRow(overlay(existing, c.Row)))
}

func (db *DB) applyMessageChange(ctx context.Context, c chat.Change) error {
	id := chat.MessageFromRow(c.Row).ID
	if id == "" {
		return fmt.Errorf("message change without id")
	}
	if c.Op == chat.OpDelete {
		return db.DeleteMessage(ctx, id)
	}
	existing, err := db.queryRow(ctx, `
		SELECT id, chat_id, sender_id, sender_type, body, created_at,
			is_read_by_agent, read_by_agent_at, is_read_by_contact, read_by_contact_at, is_read
		FROM messages WHERE id = ?`, id)
	if err != nil {
		return err
	}
	m := chat.MessageFromRow(overlay(existing, c.Row))
	if m.ChatID == "" {
		return fmt.Errorf("message change without chat id")
	}
	if err := db.UpsertMessage(ctx, m); err != nil {
		return err
	}
	return db.refreshSummary(ctx, m.ChatID)
}

func (db *DB) applyAttachmentChange(ctx context.Context, c chat.Change) error {
	att := chat.AttachmentFromRow(c.Row)
	if att.ID == "" {
		return fmt.Errorf("attachment change without id")
	}
	if c.Op == chat.OpDelete {
		var chatID string
		if att.MessageID != "" {
			chatID, _ = db.MessageChatID(ctx, att.MessageID)
		}
		if _, err := db.ExecContext(ctx, `DELETE FROM message_attachments WHERE id = ?`, att.ID); err != nil {
			return err
		}
		if chatID == "" {
			return nil
		}
		return db.refreshSummary(ctx, chatID)
	}
	if att.MessageID == "" {
		return fmt.Errorf("attachment change without message id")
	}
	if err := db.UpsertAttachment(ctx, att); err != nil {
		return err
	}
	chatID, err := db.MessageChatID(ctx, att.MessageID)
	if err != nil || chatID == "" {
		return err
	}
	return db.refreshSummary(ctx, chatID)
}

// overlay merges a partial patch row onto the stored base row.
func overlay(base, patch chat.Row) chat.Row {
	if base == nil {
		return patch
	}
	merged := make(chat.Row, len(base)+len(patch))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range patch {
		merged[k] = v
	}
	return merged
}
