package inbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shipdesk/inboxsync/internal/chat"
	"github.com/shipdesk/inboxsync/internal/gateway"
)

type fakeSource struct {
	rows  []chat.Row
	block chan struct{} // when set, fetches wait until it closes
	err   error
}

func (f *fakeSource) ConversationRows(_ context.Context, q gateway.ConversationQuery) ([]chat.Row, error) {
	if f.block != nil {
		<-f.block
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.rows, nil
}

func (f *fakeSource) ConversationRow(_ context.Context, id string) (chat.Row, error) {
	for _, r := range f.rows {
		if r["id"] == id {
			return r, nil
		}
	}
	return nil, nil
}

func newStore(src gateway.ConversationSource) *Store {
	return New(gateway.NewConversations(src, nil), nil, 50, nil)
}

func drain(s *Store) {
	select {
	case <-s.RefreshCh():
	default:
	}
}

func TestLoadSortsDescending(t *testing.T) {
	// Scenario: id 1 active Jan 2 with unread, id 2 active Jan 3.
	src := &fakeSource{rows: []chat.Row{
		{"id": "1", "last_message_at": "2024-01-02T10:00:00Z", "unread_count": int64(2)},
		{"id": "2", "last_message_at": "2024-01-03T09:00:00Z", "unread_count": int64(0)},
	}}
	s := newStore(src)
	s.Load(context.Background())

	items, loading, err := s.Snapshot()
	if err != nil || loading {
		t.Fatalf("err=%v loading=%v", err, loading)
	}
	if len(items) != 2 || items[0].ID != "2" || items[1].ID != "1" {
		t.Fatalf("order = %v, want [2 1]", ids(items))
	}
}

func TestSetLastPreviewResorts(t *testing.T) {
	src := &fakeSource{rows: []chat.Row{
		{"id": "1", "last_message_at": "2024-01-02T10:00:00Z"},
		{"id": "2", "last_message_at": "2024-01-03T09:00:00Z"},
	}}
	s := newStore(src)
	s.Load(context.Background())

	s.SetLastPreview("1", "Hello", chat.CanonicalizeTimestamp("2024-01-04T00:00:00Z"))

	items, _, _ := s.Snapshot()
	if items[0].ID != "1" || items[1].ID != "2" {
		t.Fatalf("order = %v, want [1 2]", ids(items))
	}
	if items[0].LastMessagePreview != "Hello" {
		t.Errorf("preview = %q, want Hello", items[0].LastMessagePreview)
	}
}

func TestSetLastPreviewNoopWhenUnchanged(t *testing.T) {
	src := &fakeSource{rows: []chat.Row{
		{"id": "1", "last_message_preview": "Hello", "last_message_at": "2024-01-02T10:00:00Z"},
	}}
	s := newStore(src)
	s.Load(context.Background())
	drain(s)

	s.SetLastPreview("1", "Hello", chat.CanonicalizeTimestamp("2024-01-02T10:00:00Z"))
	select {
	case <-s.RefreshCh():
		t.Error("no-op preview update must not signal a refresh")
	default:
	}
}

func TestLoadShallowEqualStillSignalsCompletion(t *testing.T) {
	src := &fakeSource{rows: []chat.Row{
		{"id": "1", "last_message_at": "2024-01-02T10:00:00Z", "unread_count": int64(1), "last_message_preview": "hi"},
	}}
	s := newStore(src)
	s.Load(context.Background())
	drain(s)

	// Identical reload, with the start-of-load signal consumed before
	// the fetch returns. A renderer that showed a spinner on that
	// signal needs the completion signal too, even though the list
	// itself is unchanged.
	src.block = make(chan struct{})
	done := make(chan struct{})
	go func() {
		s.Load(context.Background())
		close(done)
	}()
	<-s.RefreshCh()
	if _, loading, _ := s.Snapshot(); !loading {
		t.Fatal("loading flag should be set while the fetch is in flight")
	}
	close(src.block)
	<-done

	select {
	case <-s.RefreshCh():
	case <-time.After(time.Second):
		t.Fatal("shallow-equal reload must still signal completion")
	}
	items, loading, err := s.Snapshot()
	if loading || err != nil {
		t.Fatalf("loading=%v err=%v after reload", loading, err)
	}
	if len(items) != 1 || items[0].ID != "1" {
		t.Fatalf("identical reload must not disturb the list, got %v", ids(items))
	}
}

func TestLoadFailureKeepsPriorState(t *testing.T) {
	src := &fakeSource{rows: []chat.Row{
		{"id": "1", "last_message_at": "2024-01-02T10:00:00Z"},
	}}
	s := newStore(src)
	s.Load(context.Background())

	src.err = errors.New("backend down")
	s.Load(context.Background())

	items, loading, err := s.Snapshot()
	if err == nil {
		t.Error("error field should be set")
	}
	if loading {
		t.Error("loading flag should clear")
	}
	if len(items) != 1 || items[0].ID != "1" {
		t.Errorf("prior items must survive a failed load, got %v", ids(items))
	}

	// Recovery clears the error.
	src.err = nil
	s.Load(context.Background())
	if _, _, err := s.Snapshot(); err != nil {
		t.Errorf("error should clear after successful load, got %v", err)
	}
}

func TestSetUnreadClampAndIdempotence(t *testing.T) {
	src := &fakeSource{rows: []chat.Row{{"id": "1", "unread_count": int64(2)}}}
	s := newStore(src)
	s.Load(context.Background())
	drain(s)

	s.SetUnread("1", -5)
	items, _, _ := s.Snapshot()
	if items[0].UnreadCount != 0 {
		t.Errorf("unread = %d, want 0 (clamped)", items[0].UnreadCount)
	}

	drain(s)
	s.SetUnread("1", 0)
	select {
	case <-s.RefreshCh():
		t.Error("idempotent SetUnread must not signal")
	default:
	}
}

func TestApplySummaryUpsertAndPrepend(t *testing.T) {
	src := &fakeSource{rows: []chat.Row{
		{"id": "1", "last_message_at": "2024-01-02T10:00:00Z", "unread_count": int64(0)},
	}}
	s := newStore(src)
	s.Load(context.Background())

	// Known id: replaced in place.
	s.ApplySummary(chat.ConversationSummary{
		ID: "1", UnreadCount: 3,
		LastMessageAt: chat.CanonicalizeTimestamp("2024-01-02T10:00:00Z"),
	})
	items, _, _ := s.Snapshot()
	if len(items) != 1 || items[0].UnreadCount != 3 {
		t.Fatalf("upsert failed: %+v", items)
	}

	// Unknown id: inserted and list re-sorted.
	s.ApplySummary(chat.ConversationSummary{
		ID: "9", LastMessageAt: chat.CanonicalizeTimestamp("2024-01-05T00:00:00Z"),
	})
	items, _, _ = s.Snapshot()
	if len(items) != 2 || items[0].ID != "9" {
		t.Fatalf("new conversation should sort first, got %v", ids(items))
	}
}

func TestDefaultSelection(t *testing.T) {
	src := &fakeSource{rows: []chat.Row{
		{"id": "a", "last_message_at": "2024-01-03T00:00:00Z", "unread_count": int64(0)},
		{"id": "b", "last_message_at": "2024-01-02T00:00:00Z", "unread_count": int64(4)},
		{"id": "c", "last_message_at": "2024-01-01T00:00:00Z", "unread_count": int64(1)},
	}}
	s := newStore(src)
	s.Load(context.Background())

	if got := s.DefaultSelection("b"); got != "b" {
		t.Errorf("remembered id should win, got %q", got)
	}
	if got := s.DefaultSelection("gone"); got != "b" {
		t.Errorf("most recent unread should win, got %q", got)
	}
	s.SetUnread("b", 0)
	s.SetUnread("c", 0)
	if got := s.DefaultSelection(""); got != "a" {
		t.Errorf("first sorted should win, got %q", got)
	}
	if got := New(gateway.NewConversations(&fakeSource{}, nil), nil, 10, nil).DefaultSelection(""); got != "" {
		t.Errorf("empty list should select nothing, got %q", got)
	}
}

func TestRemove(t *testing.T) {
	src := &fakeSource{rows: []chat.Row{{"id": "1"}, {"id": "2"}}}
	s := newStore(src)
	s.Load(context.Background())

	s.Remove("1")
	items, _, _ := s.Snapshot()
	if len(items) != 1 || items[0].ID != "2" {
		t.Errorf("remove failed: %v", ids(items))
	}
}

func ids(items []chat.ConversationSummary) []string {
	out := make([]string, len(items))
	for i, c := range items {
		out[i] = c.ID
	}
	return out
}
