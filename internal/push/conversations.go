package push

import (
	"context"
	"sync"
	"time"

	"github.com/shipdesk/inboxsync/internal/bus"
	"github.com/shipdesk/inboxsync/internal/chat"
	"go.uber.org/zap"
)

// ListSink is the slice of the conversation list store the listener
// drives with refetched summaries.
type ListSink interface {
	ApplySummary(c chat.ConversationSummary)
	Remove(id string)
}

// SummaryFetcher refetches a single conversation's authoritative
// summary row. nil with no error means the conversation is gone.
type SummaryFetcher interface {
	FetchOne(ctx context.Context, id string) (*chat.ConversationSummary, error)
}

// ChatResolver maps an attachment's parent message to its owning
// conversation. Attachment change rows carry only the message id.
type ChatResolver interface {
	MessageChatID(ctx context.Context, messageID string) (string, error)
}

// Refetch delays. Projections recomputed by backend triggers can lag
// the row change that caused them, so every event schedules a fast
// attempt and a slow catch-up attempt.
const (
	fastRefetchDelay = 150 * time.Millisecond
	slowRefetchDelay = 700 * time.Millisecond
)

type refetchKey struct {
	chatID string
	delay  time.Duration
}

type refetchState struct {
	timer    *time.Timer
	inFlight bool
}

// ConversationListener watches all row changes and keeps the list
// store's summaries fresh by scheduling debounced single-row refetches.
// Each (conversation, delay) pair holds at most one pending timer and
// at most one in-flight request, so event bursts coalesce instead of
// fanning out into redundant fetches.
type ConversationListener struct {
	bus      *bus.Bus
	fetcher  SummaryFetcher
	sink     ListSink
	resolver ChatResolver
	logger   *zap.Logger

	fastDelay time.Duration
	slowDelay time.Duration

	mu      sync.Mutex
	pending map[refetchKey]*refetchState

	cancel context.CancelFunc
}

// NewConversationListener creates the list-side push listener.
func NewConversationListener(b *bus.Bus, fetcher SummaryFetcher, sink ListSink, resolver ChatResolver, logger *zap.Logger) *ConversationListener {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConversationListener{
		bus:       b,
		fetcher:   fetcher,
		sink:      sink,
		resolver:  resolver,
		logger:    logger,
		fastDelay: fastRefetchDelay,
		slowDelay: slowRefetchDelay,
		pending:   make(map[refetchKey]*refetchState),
	}
}

// Start subscribes to change events until Stop or ctx cancellation.
func (l *ConversationListener) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	ch, unsub := l.bus.Subscribe("change.", 256)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				if c, ok := evt.Payload.(chat.Change); ok {
					l.handle(ctx, c)
				}
			case <-ctx.Done():
				l.drainTimers()
				return
			}
		}
	}()
}

// Stop cancels the listener and any pending refetch timers.
func (l *ConversationListener) Stop() {
	if l.cancel != nil {
		l.cancel()
	}
}

func (l *ConversationListener) handle(ctx context.Context, c chat.Change) {
	switch c.Table {
	case chat.TableConversations:
		id := chat.ConversationFromRow(c.Row).ID
		if id == "" {
			return
		}
		if c.Op == chat.OpDelete {
			l.cancelFor(id)
			l.sink.Remove(id)
			return
		}
		l.schedule(id)
	case chat.TableMessages:
		if id := chat.MessageFromRow(c.Row).ChatID; id != "" {
			l.schedule(id)
		}
	case chat.TableAttachments:
		att := chat.AttachmentFromRow(c.Row)
		if att.MessageID == "" || l.resolver == nil {
			return
		}
		id, err := l.resolver.MessageChatID(ctx, att.MessageID)
		if err != nil || id == "" {
			return
		}
		l.schedule(id)
	}
}

func (l *ConversationListener) schedule(chatID string) {
	l.scheduleOne(refetchKey{chatID: chatID, delay: l.fastDelay})
	l.scheduleOne(refetchKey{chatID: chatID, delay: l.slowDelay})
}

func (l *ConversationListener) scheduleOne(key refetchKey) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if st, ok := l.pending[key]; ok && (st.timer != nil || st.inFlight) {
		return
	}
	st := &refetchState{}
	st.timer = time.AfterFunc(key.delay, func() { l.fire(key) })
	l.pending[key] = st
}

func (l *ConversationListener) fire(key refetchKey) {
	l.mu.Lock()
	st, ok := l.pending[key]
	if !ok || st.inFlight {
		l.mu.Unlock()
		return
	}
	st.timer = nil
	st.inFlight = true
	l.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	summary, err := l.fetcher.FetchOne(ctx, key.chatID)
	cancel()

	l.mu.Lock()
	delete(l.pending, key)
	l.mu.Unlock()

	if err != nil {
		// Refetch failures are dropped; the next change or the slow
		// attempt will try again.
		l.logger.Debug("summary refetch failed",
			zap.String("chat_id", key.chatID), zap.Error(err))
		return
	}
	if summary == nil {
		l.sink.Remove(key.chatID)
		return
	}
	l.sink.ApplySummary(*summary)
}

func (l *ConversationListener) cancelFor(chatID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, st := range l.pending {
		if key.chatID == chatID && st.timer != nil {
			st.timer.Stop()
			delete(l.pending, key)
		}
	}
}

func (l *ConversationListener) drainTimers() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, st := range l.pending {
		if st.timer != nil {
			st.timer.Stop()
		}
		delete(l.pending, key)
	}
}
