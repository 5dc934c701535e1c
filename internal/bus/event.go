package bus

import (
	"time"

	"github.com/shipdesk/inboxsync/internal/chat"
)

// Event is a domain event published on the bus. Kinds are
// dot-separated namespaces: "change.messages.insert",
// "list.preview_updated", "thread.appended".
type Event struct {
	Kind    string
	At      time.Time
	Payload any
}

// PreviewUpdate is the payload of "list.preview_updated", emitted by
// the message push listener when a conversation's newest message
// representation plausibly changed.
type PreviewUpdate struct {
	ChatID  string
	Preview string
	At      time.Time
}

// NewChange wraps a row-level change notification as a bus event.
func NewChange(c chat.Change) Event {
	return Event{Kind: c.EventKind(), At: time.Now(), Payload: c}
}
