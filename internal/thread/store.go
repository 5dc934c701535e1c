// Package thread owns the canonical in-memory message stream for one
// open conversation. Fetch results, push events and optimistic local
// entries all land through the same upsert-by-id merge, and the stream
// is re-sorted by (createdAt, id) ascending after every mutation, so
// the final order never depends on arrival order.
package thread

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shipdesk/inboxsync/internal/auth"
	"github.com/shipdesk/inboxsync/internal/chat"
	"github.com/shipdesk/inboxsync/internal/gateway"
	"go.uber.org/zap"
)

// ErrEmptyMessage rejects a send with no text and no attachments
// before any network call.
var ErrEmptyMessage = errors.New("message needs text or attachments")

// Commands is the slice of the write service the stream store needs.
// Every verb is idempotent from the store's perspective.
type Commands interface {
	SendMessage(ctx context.Context, m chat.Message) (chat.Row, error)
	SetReadState(ctx context.Context, chatID string, read bool) error
	DeleteMessage(ctx context.Context, id string) error
	DeleteAttachment(ctx context.Context, messageID, attachmentID string) (messageDeleted bool, err error)
}

// SessionGuard proactively refreshes an expiring auth token before a
// write. Optional.
type SessionGuard interface {
	Ensure(ctx context.Context) error
}

// Options tune page sizes and the send timeout.
type Options struct {
	InitialPageSize int
	OlderPageSize   int
	SendTimeout     time.Duration
}

func (o Options) withDefaults() Options {
	if o.InitialPageSize <= 0 {
		o.InitialPageSize = 12
	}
	if o.OlderPageSize <= 0 {
		o.OlderPageSize = 30
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = 30 * time.Second
	}
	return o
}

// Store is the message stream store for one conversation.
type Store struct {
	chatID string
	gw     *gateway.Messages
	cmds   Commands
	guard  SessionGuard
	opts   Options
	logger *zap.Logger

	mu           sync.Mutex
	msgs         []chat.Message
	oldestTs     time.Time
	oldestID     string
	hasMore      bool
	loading      bool
	loadingMore  bool
	firstUnread  int
	justAppended bool
	err          error
	loadSeq      uint64
	cancelFetch  context.CancelFunc

	refreshCh chan struct{}
}

// New creates a stream store scoped to one conversation id.
func New(chatID string, gw *gateway.Messages, cmds Commands, guard SessionGuard, opts Options, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		chatID:      chatID,
		gw:          gw,
		cmds:        cmds,
		guard:       guard,
		opts:        opts.withDefaults(),
		logger:      logger,
		firstUnread: -1,
		refreshCh:   make(chan struct{}, 1),
	}
}

// ChatID returns the conversation this store is scoped to.
func (s *Store) ChatID() string { return s.chatID }

// RefreshCh signals the UI layer that store state changed.
func (s *Store) RefreshCh() <-chan struct{} { return s.refreshCh }

func (s *Store) signal() {
	select {
	case s.refreshCh <- struct{}{}:
	default:
	}
}

// Snapshot returns a copy of the current ascending stream.
func (s *Store) Snapshot() []chat.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]chat.Message, len(s.msgs))
	copy(out, s.msgs)
	return out
}

// Flags returns the loading flags, pagination state, first-unread
// marker and last error.
func (s *Store) Flags() (loading, loadingMore, hasMore bool, firstUnread int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loading, s.loadingMore, s.hasMore, s.firstUnread, s.err
}

// ConsumeJustAppended reports whether a message was appended at the
// tail since the last call, clearing the flag. The UI's auto-scroll
// consumes this.
func (s *Store) ConsumeJustAppended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.justAppended
	s.justAppended = false
	return v
}

// LoadInitial fetches the newest page. A LoadInitial issued while a
// previous fetch is in flight aborts it, and a stale response can
// never clobber newer state: the store checks a monotonically
// increasing request id, not just the context, since abort is
// best-effort.
func (s *Store) LoadInitial(ctx context.Context) {
	s.mu.Lock()
	s.loadSeq++
	seq := s.loadSeq
	if s.cancelFetch != nil {
		s.cancelFetch()
	}
	fetchCtx, cancel := context.WithCancel(ctx)
	s.cancelFetch = cancel
	s.loading = true
	s.mu.Unlock()
	s.signal()

	page, err := s.gw.FetchPage(fetchCtx, s.chatID, s.opts.InitialPageSize, nil)

	s.mu.Lock()
	defer s.mu.Unlock()
	if seq != s.loadSeq {
		return
	}
	s.loading = false
	if err != nil {
		s.err = err
		s.signal()
		return
	}
	s.err = nil

	// Keep unreconciled optimistic entries across the reload.
	var local []chat.Message
	for _, m := range s.msgs {
		if m.LocalStatus != "" {
			local = append(local, m)
		}
	}
	s.msgs = page.Rows
	for _, m := range local {
		s.upsertLocked(m)
	}
	s.oldestTs, s.oldestID = page.OldestTs, page.OldestID
	s.hasMore = page.HasMore
	s.finishMutationLocked()
	s.signal()
}

// LoadOlder fetches the next older page using the stored cursor and
// prepends it. Returns the number of messages added (0 when
// exhausted) so the caller can preserve its scroll anchor.
func (s *Store) LoadOlder(ctx context.Context) int {
	s.mu.Lock()
	if s.loadingMore || !s.hasMore || s.oldestID == "" {
		s.mu.Unlock()
		return 0
	}
	s.loadingMore = true
	seq := s.loadSeq
	cursor := &gateway.Cursor{Time: s.oldestTs, ID: s.oldestID}
	s.mu.Unlock()
	s.signal()

	page, err := s.gw.FetchPage(ctx, s.chatID, s.opts.OlderPageSize, cursor)

	s.mu.Lock()
	defer s.mu.Unlock()
	if seq != s.loadSeq {
		s.loadingMore = false
		return 0
	}
	s.loadingMore = false
	if err != nil {
		s.err = err
		s.signal()
		return 0
	}
	s.err = nil

	added := 0
	for _, m := range page.Rows {
		if s.indexOfLocked(m.ID) < 0 {
			added++
		}
		s.upsertLocked(m)
	}
	if len(page.Rows) > 0 {
		s.oldestTs, s.oldestID = page.OldestTs, page.OldestID
	}
	s.hasMore = page.HasMore
	s.finishMutationLocked()
	s.signal()
	return added
}

// Send appends an optimistic message immediately and issues the server
// write in the background with a bounded timeout. On success the
// optimistic row is swapped for the server row; on failure or timeout
// it is tagged failed and stays visible for retry or deletion. Returns
// the local id of the optimistic entry.
func (s *Store) Send(text string, atts []chat.MessageAttachment) (string, error) {
	if text == "" && len(atts) == 0 {
		return "", ErrEmptyMessage
	}
	localID := "local-" + uuid.NewString()
	m := chat.Message{
		ID:               localID,
		ChatID:           s.chatID,
		SenderType:       chat.SenderAgent,
		Body:             text,
		CreatedAt:        time.Now().UTC(),
		HasRoleReadFlags: true,
		IsReadByAgent:    true,
		ReadByAgentAt:    time.Now().UTC(),
		LocalStatus:      chat.LocalSending,
		Attachments:      atts,
	}

	s.mu.Lock()
	s.upsertLocked(m)
	s.justAppended = true
	s.finishMutationLocked()
	s.mu.Unlock()
	s.signal()

	go s.deliver(localID, m)
	return localID, nil
}

// RetrySend re-attempts a failed optimistic message.
func (s *Store) RetrySend(localID string) {
	s.mu.Lock()
	i := s.indexOfLocked(localID)
	if i < 0 || s.msgs[i].LocalStatus != chat.LocalFailed {
		s.mu.Unlock()
		return
	}
	s.msgs[i].LocalStatus = chat.LocalSending
	m := s.msgs[i]
	s.mu.Unlock()
	s.signal()

	go s.deliver(localID, m)
}

func (s *Store) deliver(localID string, m chat.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.SendTimeout)
	defer cancel()

	if s.guard != nil {
		if err := s.guard.Ensure(ctx); err != nil {
			s.logger.Warn("session refresh failed", zap.String("local_id", localID), zap.Error(err))
			s.markFailed(localID)
			return
		}
	}

	row, err := s.cmds.SendMessage(ctx, m)
	if err != nil && auth.IsAuthError(err) && s.guard != nil {
		// One retry after a forced refresh; a second auth failure is
		// terminal.
		if rerr := s.guard.Ensure(ctx); rerr == nil {
			row, err = s.cmds.SendMessage(ctx, m)
		}
	}
	if err != nil {
		s.logger.Warn("send failed", zap.String("local_id", localID), zap.Error(err))
		s.markFailed(localID)
		return
	}

	server := chat.MessageFromRow(row)
	server.Attachments = m.Attachments
	s.reconcile(localID, server)
}

// reconcile swaps the optimistic entry for the confirmed server row.
// Idempotent against the push echo having already inserted the server
// id.
func (s *Store) reconcile(localID string, server chat.Message) {
	s.mu.Lock()
	if i := s.indexOfLocked(localID); i >= 0 {
		s.msgs = append(s.msgs[:i], s.msgs[i+1:]...)
	}
	s.upsertLocked(server)
	s.finishMutationLocked()
	s.mu.Unlock()
	s.signal()
}

func (s *Store) markFailed(localID string) {
	s.mu.Lock()
	i := s.indexOfLocked(localID)
	if i < 0 {
		s.mu.Unlock()
		return
	}
	s.msgs[i].LocalStatus = chat.LocalFailed
	s.mu.Unlock()
	s.signal()
}

// MarkRead optimistically marks every contact message read by the
// agent. The server write is fire-and-forget: read state is advisory
// and a failure is reconciled by a later fetch.
func (s *Store) MarkRead() { s.setRead(true) }

// MarkUnread optimistically clears the agent read flag on every
// contact message.
func (s *Store) MarkUnread() { s.setRead(false) }

// ToggleRead flips between MarkRead and MarkUnread based on whether
// any contact message is currently unread.
func (s *Store) ToggleRead() {
	s.mu.Lock()
	anyUnread := false
	for _, m := range s.msgs {
		if m.SenderType == chat.SenderContact && !chat.DeriveIsRead(m, false) {
			anyUnread = true
			break
		}
	}
	s.mu.Unlock()
	s.setRead(anyUnread)
}

func (s *Store) setRead(read bool) {
	now := time.Now().UTC()
	s.mu.Lock()
	for i := range s.msgs {
		if s.msgs[i].SenderType != chat.SenderContact {
			continue
		}
		s.msgs[i].HasRoleReadFlags = true
		s.msgs[i].IsReadByAgent = read
		if read {
			s.msgs[i].ReadByAgentAt = now
		} else {
			s.msgs[i].ReadByAgentAt = time.Time{}
		}
	}
	s.finishMutationLocked()
	s.mu.Unlock()
	s.signal()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.cmds.SetReadState(ctx, s.chatID, read); err != nil {
			s.logger.Warn("set read state failed", zap.String("chat_id", s.chatID), zap.Error(err))
		}
	}()
}

// DeleteMessage optimistically removes a message and issues the server
// delete in the background.
func (s *Store) DeleteMessage(id string) {
	s.mu.Lock()
	if i := s.indexOfLocked(id); i >= 0 {
		s.msgs = append(s.msgs[:i], s.msgs[i+1:]...)
		s.finishMutationLocked()
	}
	s.mu.Unlock()
	s.signal()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.cmds.DeleteMessage(ctx, id); err != nil {
			s.logger.Warn("delete message failed", zap.String("message_id", id), zap.Error(err))
		}
	}()
}

// DeleteAttachment removes an attachment optimistically, then asks the
// collaborator to delete it. The collaborator owns the "empty shell"
// cascade: when it confirms the parent message was deleted too, the
// store drops the message as well.
func (s *Store) DeleteAttachment(ctx context.Context, messageID, attachmentID string) error {
	s.mu.Lock()
	if i := s.indexOfLocked(messageID); i >= 0 {
		atts := s.msgs[i].Attachments
		for j := range atts {
			if atts[j].ID == attachmentID {
				s.msgs[i].Attachments = append(atts[:j:j], atts[j+1:]...)
				break
			}
		}
	}
	s.mu.Unlock()
	s.signal()

	messageDeleted, err := s.cmds.DeleteAttachment(ctx, messageID, attachmentID)
	if err != nil {
		return err
	}
	if messageDeleted {
		s.mu.Lock()
		if i := s.indexOfLocked(messageID); i >= 0 {
			s.msgs = append(s.msgs[:i], s.msgs[i+1:]...)
			s.finishMutationLocked()
		}
		s.mu.Unlock()
		s.signal()
	}
	return nil
}

// HasMessage reports whether a message id is present in the stream.
// The push listener uses it to scope attachment events.
func (s *Store) HasMessage(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.indexOfLocked(id) >= 0
}

// ApplyRemote folds a pushed message row into the stream: insert when
// the id is new, field-merge when it exists. The merge never touches
// the attachments list; attachment membership only changes via the
// dedicated attachment events.
func (s *Store) ApplyRemote(row chat.Row) {
	incoming := chat.MessageFromRow(row)
	if incoming.ID == "" {
		return
	}
	s.mu.Lock()
	wasLast := len(s.msgs) == 0 ||
		chat.CompareByTimeThenID(incoming.CreatedAt, incoming.ID,
			s.msgs[len(s.msgs)-1].CreatedAt, s.msgs[len(s.msgs)-1].ID) > 0
	if i := s.indexOfLocked(incoming.ID); i >= 0 {
		chat.MergeMessageRow(&s.msgs[i], row)
	} else {
		s.msgs = append(s.msgs, incoming)
		if wasLast {
			s.justAppended = true
		}
	}
	s.finishMutationLocked()
	s.mu.Unlock()
	s.signal()
}

// ApplyRemoteDelete removes a pushed-deleted message. Unknown ids are
// ignored; a later refetch reconciles.
func (s *Store) ApplyRemoteDelete(id string) {
	s.mu.Lock()
	i := s.indexOfLocked(id)
	if i < 0 {
		s.mu.Unlock()
		return
	}
	s.msgs = append(s.msgs[:i], s.msgs[i+1:]...)
	s.finishMutationLocked()
	s.mu.Unlock()
	s.signal()
}

// ApplyAttachmentUpsert appends or replaces an attachment on its
// owning message, keeping the sub-list sorted by creation time.
func (s *Store) ApplyAttachmentUpsert(att chat.MessageAttachment) {
	s.mu.Lock()
	i := s.indexOfLocked(att.MessageID)
	if i < 0 {
		s.mu.Unlock()
		return
	}
	atts := s.msgs[i].Attachments
	replaced := false
	for j := range atts {
		if atts[j].ID == att.ID {
			atts[j] = att
			replaced = true
			break
		}
	}
	if !replaced {
		atts = append(atts, att)
	}
	sortAttachments(atts)
	s.msgs[i].Attachments = atts
	s.mu.Unlock()
	s.signal()
}

// ApplyAttachmentDelete removes an attachment by id.
func (s *Store) ApplyAttachmentDelete(messageID, attachmentID string) {
	s.mu.Lock()
	i := s.indexOfLocked(messageID)
	if i < 0 {
		s.mu.Unlock()
		return
	}
	atts := s.msgs[i].Attachments
	for j := range atts {
		if atts[j].ID == attachmentID {
			s.msgs[i].Attachments = append(atts[:j:j], atts[j+1:]...)
			break
		}
	}
	s.mu.Unlock()
	s.signal()
}

// LastMessage returns the newest message, used to feed the list
// store's preview. ok is false for an empty stream.
func (s *Store) LastMessage() (chat.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.msgs) == 0 {
		return chat.Message{}, false
	}
	return s.msgs[len(s.msgs)-1], true
}

// upsertLocked is the single merge point for every origin: fetch, push
// and optimistic echo. Insertion is idempotent by id.
func (s *Store) upsertLocked(m chat.Message) {
	if i := s.indexOfLocked(m.ID); i >= 0 {
		// New fields win; attachments survive unless the incoming copy
		// carries its own.
		if m.Attachments == nil {
			m.Attachments = s.msgs[i].Attachments
		}
		s.msgs[i] = m
		return
	}
	s.msgs = append(s.msgs, m)
}

// finishMutationLocked restores the stream invariants after any
// mutation: dedupe by id, ascending (createdAt, id) order, and a fresh
// first-unread marker.
func (s *Store) finishMutationLocked() {
	s.msgs = chat.DedupeByID(s.msgs, func(m chat.Message) string { return m.ID })
	chat.SortMessagesAscending(s.msgs)
	s.firstUnread = -1
	for i, m := range s.msgs {
		if m.SenderType == chat.SenderContact && !chat.DeriveIsRead(m, false) {
			s.firstUnread = i
			break
		}
	}
}

func (s *Store) indexOfLocked(id string) int {
	for i := range s.msgs {
		if s.msgs[i].ID == id {
			return i
		}
	}
	return -1
}

func sortAttachments(atts []chat.MessageAttachment) {
	for i := 1; i < len(atts); i++ {
		for j := i; j > 0 && chat.CompareByTimeThenID(atts[j].CreatedAt, atts[j].ID, atts[j-1].CreatedAt, atts[j-1].ID) < 0; j-- {
			atts[j], atts[j-1] = atts[j-1], atts[j]
		}
	}
}
