package chat

// Op is the kind of row-level change carried by a push notification.
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Logical table names used by the change feed.
const (
	TableConversations = "conversations"
	TableMessages      = "messages"
	TableAttachments   = "message_attachments"
)

// Change is a normalized row-level change notification. Delivery is
// at-least-once with no ordering guarantee; Row may be partial.
type Change struct {
	Op    Op
	Table string
	Row   Row
}

// EventKind is the bus event kind a change is published under, e.g.
// "change.messages.insert".
func (c Change) EventKind() string {
	return "change." + c.Table + "." + string(c.Op)
}
