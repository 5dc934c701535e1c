// Package push turns raw row-change notifications into store
// mutations: the message listener feeds a single open conversation's
// stream store, the conversation listener schedules debounced
// single-row summary refetches for the list store.
package push

import (
	"context"

	"github.com/shipdesk/inboxsync/internal/bus"
	"github.com/shipdesk/inboxsync/internal/chat"
	"go.uber.org/zap"
)

// StreamSink is the slice of the stream store the message listener
// writes through. All writes go through the store's own upsert verbs.
type StreamSink interface {
	ApplyRemote(row chat.Row)
	ApplyRemoteDelete(id string)
	ApplyAttachmentUpsert(att chat.MessageAttachment)
	ApplyAttachmentDelete(messageID, attachmentID string)
	HasMessage(id string) bool
}

// MessageListener subscribes to message and attachment changes for one
// conversation and converts them into upsert/merge/delete instructions
// for the stream store. It is owned by the store's consumer and torn
// down on conversation switch.
type MessageListener struct {
	chatID string
	bus    *bus.Bus
	sink   StreamSink
	logger *zap.Logger
	cancel context.CancelFunc
}

// NewMessageListener creates a listener scoped to one conversation.
func NewMessageListener(chatID string, b *bus.Bus, sink StreamSink, logger *zap.Logger) *MessageListener {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MessageListener{chatID: chatID, bus: b, sink: sink, logger: logger}
}

// Start subscribes to change events until Stop or ctx cancellation.
func (l *MessageListener) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	ch, unsub := l.bus.Subscribe("change.", 256)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				if c, ok := evt.Payload.(chat.Change); ok {
					l.handle(c)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop tears the listener down.
func (l *MessageListener) Stop() {
	if l.cancel != nil {
		l.cancel()
	}
}

func (l *MessageListener) handle(c chat.Change) {
	switch c.Table {
	case chat.TableMessages:
		l.handleMessage(c)
	case chat.TableAttachments:
		l.handleAttachment(c)
	}
}

func (l *MessageListener) handleMessage(c chat.Change) {
	m := chat.MessageFromRow(c.Row)
	if m.ID == "" {
		return
	}
	if c.Op == chat.OpDelete {
		// Delete payloads may be id-only; fall back to membership.
		if m.ChatID != "" && m.ChatID != l.chatID {
			return
		}
		if m.ChatID == "" && !l.sink.HasMessage(m.ID) {
			return
		}
		l.sink.ApplyRemoteDelete(m.ID)
		return
	}
	if m.ChatID != l.chatID {
		return
	}
	l.sink.ApplyRemote(c.Row)

	// A text-bearing upsert plausibly changes the conversation's last
	// message; the list store picks this up as an optimistic preview.
	if preview := chat.PreviewText(m); preview != "" {
		l.bus.Publish(bus.Event{
			Kind: "list.preview_updated",
			At:   m.CreatedAt,
			Payload: bus.PreviewUpdate{
				ChatID:  l.chatID,
				Preview: preview,
				At:      m.CreatedAt,
			},
		})
	}
}

func (l *MessageListener) handleAttachment(c chat.Change) {
	att := chat.AttachmentFromRow(c.Row)
	if att.ID == "" || att.MessageID == "" {
		return
	}
	// Attachment events are joined back to their parent message; a
	// parent outside this conversation means the event is not ours.
	if !l.sink.HasMessage(att.MessageID) {
		return
	}
	if c.Op == chat.OpDelete {
		l.sink.ApplyAttachmentDelete(att.MessageID, att.ID)
		return
	}
	l.sink.ApplyAttachmentUpsert(att)
}
