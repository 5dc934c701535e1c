// Package inbox owns the canonical ordered list of conversation
// summaries. All changes flow through the store's verbs: gateway
// loads, push-triggered refetches and optimistic preview/unread
// updates all land in the same upsert path, and the list is re-sorted
// by (lastMessageAt, id) descending after every mutation.
package inbox

import (
	"context"
	"sync"
	"time"

	"github.com/shipdesk/inboxsync/internal/chat"
	"github.com/shipdesk/inboxsync/internal/gateway"
	"go.uber.org/zap"
)

// Commands is the slice of the write service the list store needs.
type Commands interface {
	UpsertUnreadCount(ctx context.Context, chatID string, count int) error
}

// Store is the conversation list store.
type Store struct {
	gw     *gateway.Conversations
	cmds   Commands
	logger *zap.Logger

	mu       sync.RWMutex
	items    []chat.ConversationSummary
	loading  bool
	err      error
	loadSeq  uint64
	pageSize int
	search   string
	owner    string

	refreshCh chan struct{}
}

// New creates a conversation list store. cmds may be nil when unread
// persistence is handled elsewhere.
func New(gw *gateway.Conversations, cmds Commands, pageSize int, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	if pageSize <= 0 {
		pageSize = 50
	}
	return &Store{
		gw:        gw,
		cmds:      cmds,
		logger:    logger,
		pageSize:  pageSize,
		refreshCh: make(chan struct{}, 1),
	}
}

// RefreshCh signals the UI layer that store state changed.
func (s *Store) RefreshCh() <-chan struct{} { return s.refreshCh }

func (s *Store) signal() {
	select {
	case s.refreshCh <- struct{}{}:
	default:
	}
}

// Snapshot returns a copy of the current list plus the loading flag
// and last error.
func (s *Store) Snapshot() ([]chat.ConversationSummary, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]chat.ConversationSummary, len(s.items))
	copy(out, s.items)
	return out, s.loading, s.err
}

// SetFilter stores the search text and owner filter applied by the
// next Load.
func (s *Store) SetFilter(search, ownerID string) {
	s.mu.Lock()
	s.search = search
	s.owner = ownerID
	s.mu.Unlock()
}

// Load fetches a full page and replaces the list. A response that is
// shallow-equal to the current state (same ids, unread counts,
// previews and timestamps) skips the list replacement, though the
// refresh signal still fires so a spinner keyed to the loading flag
// clears. On fetch failure the error field is set and the prior list
// is kept, never flashed to empty. A Load started after this one wins:
// the stale response is discarded.
func (s *Store) Load(ctx context.Context) {
	s.mu.Lock()
	s.loadSeq++
	seq := s.loadSeq
	s.loading = true
	search, owner := s.search, s.owner
	s.mu.Unlock()
	s.signal()

	list, err := s.gw.FetchPage(ctx, gateway.ConversationPage{
		Limit:   s.pageSize,
		Search:  search,
		OwnerID: owner,
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	if seq != s.loadSeq {
		// A newer Load is in flight; this response is stale.
		return
	}
	s.loading = false
	if err != nil {
		s.err = err
		s.signal()
		return
	}
	s.err = nil
	chat.SortSummariesDescending(list)
	if shallowEqual(s.items, list) {
		// The loading flag still transitioned; without a signal a
		// renderer keyed to it would show a stale spinner.
		s.signal()
		return
	}
	s.items = list
	s.signal()
}

// SetUnread optimistically sets a conversation's unread counter,
// clamped to zero. Idempotent no-op when unchanged. The server write
// is fire-and-forget.
func (s *Store) SetUnread(id string, count int) {
	if count < 0 {
		count = 0
	}
	s.mu.Lock()
	i := s.indexOf(id)
	if i < 0 || s.items[i].UnreadCount == count {
		s.mu.Unlock()
		return
	}
	s.items[i].UnreadCount = count
	chat.SortSummariesDescending(s.items)
	s.mu.Unlock()
	s.signal()

	if s.cmds != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := s.cmds.UpsertUnreadCount(ctx, id, count); err != nil {
				s.logger.Warn("persist unread failed", zap.String("chat_id", id), zap.Error(err))
			}
		}()
	}
}

// SetLastPreview optimistically updates a conversation's preview text
// and, when at is a real instant, its last-message timestamp. Invoked
// by the open message stream when its newest message changes. No-op if
// nothing actually changed.
func (s *Store) SetLastPreview(id, preview string, at time.Time) {
	s.mu.Lock()
	i := s.indexOf(id)
	if i < 0 {
		s.mu.Unlock()
		return
	}
	item := &s.items[i]
	changed := false
	if item.LastMessagePreview != preview {
		item.LastMessagePreview = preview
		changed = true
	}
	if !at.IsZero() && !at.Equal(chat.Epoch) && !item.LastMessageAt.Equal(at) {
		item.LastMessageAt = at
		changed = true
	}
	if !changed {
		s.mu.Unlock()
		return
	}
	chat.SortSummariesDescending(s.items)
	s.mu.Unlock()
	s.signal()
}

// ApplySummary merges a single refetched summary into the list by id,
// prepending unknown conversations. This is the push-driven upsert
// path; it shares the same sort as every other mutation.
func (s *Store) ApplySummary(c chat.ConversationSummary) {
	if c.ID == "" {
		return
	}
	s.mu.Lock()
	if i := s.indexOf(c.ID); i >= 0 {
		s.items[i] = c
	} else {
		s.items = append([]chat.ConversationSummary{c}, s.items...)
	}
	chat.SortSummariesDescending(s.items)
	s.mu.Unlock()
	s.signal()
}

// Remove drops a conversation from the list (push delete).
func (s *Store) Remove(id string) {
	s.mu.Lock()
	i := s.indexOf(id)
	if i < 0 {
		s.mu.Unlock()
		return
	}
	s.items = append(s.items[:i], s.items[i+1:]...)
	s.mu.Unlock()
	s.signal()
}

// DefaultSelection picks the conversation the UI should open on
// initial load: a still-present remembered id, else the
// most-recently-active conversation with unread messages, else the
// first in sorted order. Returns "" for an empty list.
func (s *Store) DefaultSelection(rememberedID string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if rememberedID != "" && s.indexOf(rememberedID) >= 0 {
		return rememberedID
	}
	// items are sorted most-recent first already.
	for _, c := range s.items {
		if c.UnreadCount > 0 {
			return c.ID
		}
	}
	if len(s.items) > 0 {
		return s.items[0].ID
	}
	return ""
}

// indexOf requires s.mu held.
func (s *Store) indexOf(id string) int {
	for i := range s.items {
		if s.items[i].ID == id {
			return i
		}
	}
	return -1
}

// shallowEqual compares the render-relevant fields so identical
// reloads do not trigger a re-render.
func shallowEqual(a, b []chat.ConversationSummary) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ID != b[i].ID ||
			a[i].UnreadCount != b[i].UnreadCount ||
			a[i].LastMessagePreview != b[i].LastMessagePreview ||
			!a[i].LastMessageAt.Equal(b[i].LastMessageAt) {
			return false
		}
	}
	return true
}
