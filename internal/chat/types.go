package chat

import "time"

// CustomerType classifies the contact on the other side of a conversation.
type CustomerType string

const (
	CustomerB2B     CustomerType = "b2b"
	CustomerB2C     CustomerType = "b2c"
	CustomerUnknown CustomerType = "unknown"
)

// SenderType identifies who authored a message.
type SenderType string

const (
	SenderAgent   SenderType = "agent"
	SenderContact SenderType = "contact"
	SenderSystem  SenderType = "system"
)

// Priority of a conversation in the admin console.
type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// LocalStatus tags an optimistic message that has not been confirmed
// by the server yet. Empty for server-confirmed rows.
type LocalStatus string

const (
	LocalSending LocalStatus = "sending"
	LocalFailed  LocalStatus = "failed"
)

// ConversationSummary is the denormalized, list-ready projection of a
// conversation: contact, last-message preview, unread count.
type ConversationSummary struct {
	ID                     string
	ContactName            string
	ContactEmail           string
	ContactPhone           string
	CustomerType           CustomerType
	LastMessagePreview     string
	LastMessageAt          time.Time
	UnreadCount            int
	LastMessageAttachments []MessageAttachment
	Priority               Priority
	IsNew                  bool
	OwnerID                string // empty = unassigned
}

// Message belongs to exactly one conversation. Read state is tracked
// per role; HasRoleReadFlags records whether the source row carried
// the per-role pair at all (older rows only have the legacy flag).
type Message struct {
	ID              string
	ChatID          string
	SenderID        string
	SenderType      SenderType
	Body            string
	CreatedAt       time.Time
	IsReadByAgent   bool
	ReadByAgentAt   time.Time
	IsReadByContact bool
	ReadByContactAt time.Time

	HasRoleReadFlags bool
	LegacyRead       bool

	LocalStatus LocalStatus
	Attachments []MessageAttachment
}

// MessageAttachment belongs to exactly one message. ID is empty while
// the attachment is only staged locally; FileURL may be a transient
// local reference until the upload completes.
type MessageAttachment struct {
	ID          string
	MessageID   string
	FileName    string
	FileURL     string
	StoragePath string
	MimeType    string
	FileSize    int64
	CreatedAt   time.Time
}
