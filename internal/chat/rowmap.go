package chat

import (
	"encoding/json"
	"strconv"
	"time"
)

// Row is a raw record from the row-fetch service or a push payload.
// Column names belong to the collaborator; every field is treated as
// optional and mapped with a semantic default.
type Row = map[string]any

func rowValue(r Row, keys ...string) (any, bool) {
	for _, k := range keys {
		if v, ok := r[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func rowString(r Row, keys ...string) string {
	v, ok := rowValue(r, keys...)
	if !ok {
		return ""
	}
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	}
	return ""
}

func rowInt(r Row, keys ...string) int64 {
	v, ok := rowValue(r, keys...)
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	case string:
		parsed, _ := strconv.ParseInt(n, 10, 64)
		return parsed
	}
	return 0
}

func rowBool(r Row, keys ...string) bool {
	v, ok := rowValue(r, keys...)
	if !ok {
		return false
	}
	switch b := v.(type) {
	case bool:
		return b
	case int64:
		return b != 0
	case int:
		return b != 0
	case float64:
		return b != 0
	case string:
		return b == "true" || b == "t" || b == "1"
	}
	return false
}

func rowTime(r Row, keys ...string) time.Time {
	return CanonicalizeTimestamp(rowString(r, keys...))
}

// ConversationFromRow maps a raw conversation row to a summary.
func ConversationFromRow(r Row) ConversationSummary {
	ct := CustomerType(rowString(r, "customer_type", "customerType"))
	if ct != CustomerB2B && ct != CustomerB2C {
		ct = CustomerUnknown
	}
	pr := Priority(rowString(r, "priority"))
	if pr == "" {
		pr = PriorityNormal
	}
	unread := int(rowInt(r, "unread_count", "unreadCount"))
	if unread < 0 {
		unread = 0
	}
	return ConversationSummary{
		ID:                     rowString(r, "id", "conversation_id"),
		ContactName:            rowString(r, "contact_name", "contactName"),
		ContactEmail:           rowString(r, "contact_email", "contactEmail"),
		ContactPhone:           rowString(r, "contact_phone", "contactPhone"),
		CustomerType:           ct,
		LastMessagePreview:     rowString(r, "last_message_preview", "lastMessagePreview"),
		LastMessageAttachments: rowAttachments(r, "last_message_attachments", "lastMessageAttachments"),
		LastMessageAt:          rowTime(r, "last_message_at", "lastMessageAt"),
		UnreadCount:            unread,
		Priority:               pr,
		IsNew:                  rowBool(r, "is_new", "isNew"),
		OwnerID:                rowString(r, "owner_id", "ownerId"),
	}
}

// EncodeAttachmentList serializes the preview-icon attachment list to
// the JSON form carried in the summary projection.
func EncodeAttachmentList(atts []MessageAttachment) string {
	if len(atts) == 0 {
		return "[]"
	}
	items := make([]Row, 0, len(atts))
	for _, a := range atts {
		items = append(items, Row{
			"id":        a.ID,
			"file_name": a.FileName,
			"file_url":  a.FileURL,
			"mime_type": a.MimeType,
			"file_size": a.FileSize,
		})
	}
	b, err := json.Marshal(items)
	if err != nil {
		return "[]"
	}
	return string(b)
}

// rowAttachments reads an embedded attachment list, either as a JSON
// string column or as an already-decoded array from a push payload.
func rowAttachments(r Row, keys ...string) []MessageAttachment {
	v, ok := rowValue(r, keys...)
	if !ok {
		return nil
	}
	switch t := v.(type) {
	case string:
		return decodeAttachmentList([]byte(t))
	case []byte:
		return decodeAttachmentList(t)
	case []any:
		var out []MessageAttachment
		for _, item := range t {
			if m, ok := item.(map[string]any); ok {
				out = append(out, AttachmentFromRow(m))
			}
		}
		return out
	}
	return nil
}

func decodeAttachmentList(b []byte) []MessageAttachment {
	var items []Row
	if err := json.Unmarshal(b, &items); err != nil {
		return nil
	}
	var out []MessageAttachment
	for _, item := range items {
		out = append(out, AttachmentFromRow(item))
	}
	return out
}

// MessageFromRow maps a raw message row. Attachments are never carried
// on the message row itself; they arrive via the attachment tables.
func MessageFromRow(r Row) Message {
	var m Message
	m.ID = rowString(r, "id", "message_id")
	m.ChatID = rowString(r, "chat_id", "chatId", "conversation_id")
	m.CreatedAt = rowTime(r, "created_at", "createdAt")
	MergeMessageRow(&m, r)
	return m
}

// MergeMessageRow shallow-merges the fields present in a raw row onto
// an existing message. Keys absent from the row leave the current
// value untouched; Attachments and LocalStatus are never written here.
func MergeMessageRow(m *Message, r Row) {
	if _, ok := rowValue(r, "sender_id", "senderId"); ok {
		m.SenderID = rowString(r, "sender_id", "senderId")
	}
	if _, ok := rowValue(r, "sender_type", "senderType"); ok {
		m.SenderType = SenderType(rowString(r, "sender_type", "senderType"))
	}
	if _, ok := rowValue(r, "body"); ok {
		m.Body = rowString(r, "body")
	}
	if _, ok := rowValue(r, "created_at", "createdAt"); ok {
		m.CreatedAt = rowTime(r, "created_at", "createdAt")
	}
	if _, ok := rowValue(r, "is_read_by_agent", "isReadByAgent"); ok {
		m.IsReadByAgent = rowBool(r, "is_read_by_agent", "isReadByAgent")
		m.HasRoleReadFlags = true
	}
	if _, ok := rowValue(r, "read_by_agent_at", "readByAgentAt"); ok {
		m.ReadByAgentAt = rowTime(r, "read_by_agent_at", "readByAgentAt")
	}
	if _, ok := rowValue(r, "is_read_by_contact", "isReadByContact"); ok {
		m.IsReadByContact = rowBool(r, "is_read_by_contact", "isReadByContact")
		m.HasRoleReadFlags = true
	}
	if _, ok := rowValue(r, "read_by_contact_at", "readByContactAt"); ok {
		m.ReadByContactAt = rowTime(r, "read_by_contact_at", "readByContactAt")
	}
	if _, ok := rowValue(r, "is_read", "isRead"); ok {
		m.LegacyRead = rowBool(r, "is_read", "isRead")
	}
}

// AttachmentFromRow maps a raw attachment row.
func AttachmentFromRow(r Row) MessageAttachment {
	return MessageAttachment{
		ID:          rowString(r, "id", "attachment_id"),
		MessageID:   rowString(r, "message_id", "messageId"),
		FileName:    rowString(r, "file_name", "fileName"),
		FileURL:     rowString(r, "file_url", "fileUrl"),
		StoragePath: rowString(r, "storage_path", "storagePath", "file_path"),
		MimeType:    rowString(r, "mime_type", "mimeType"),
		FileSize:    rowInt(r, "file_size", "fileSize"),
		CreatedAt:   rowTime(r, "created_at", "createdAt"),
	}
}
