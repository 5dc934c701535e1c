package thread

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shipdesk/inboxsync/internal/auth"
	"github.com/shipdesk/inboxsync/internal/chat"
	"github.com/shipdesk/inboxsync/internal/gateway"
)

type fakeMsgSource struct {
	mu    sync.Mutex
	rows  []chat.Row // newest first
	block chan struct{}
	err   error
}

func (f *fakeMsgSource) MessageRows(_ context.Context, _ string, limit int, before *gateway.Cursor) ([]chat.Row, error) {
	f.mu.Lock()
	blk := f.block
	f.block = nil
	rows := f.rows
	err := f.err
	f.mu.Unlock()
	if blk != nil {
		<-blk
	}
	if err != nil {
		return nil, err
	}

	out := make([]chat.Row, 0, limit)
	for _, r := range rows {
		if before != nil {
			ts := chat.CanonicalizeTimestamp(r["created_at"].(string))
			id := r["id"].(string)
			older := ts.Before(before.Time) ||
				(ts.Equal(before.Time) && strings.Compare(id, before.ID) < 0)
			if !older {
				continue
			}
		}
		out = append(out, r)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeMsgSource) AttachmentRows(_ context.Context, _ []string) ([]chat.Row, error) {
	return nil, nil
}

type fakeCmds struct {
	mu         sync.Mutex
	sendErrs   []error // consumed one per call; nil entry = success
	sendHangs  bool    // block every send until its context expires
	sends      int
	reads      []bool
	deleted    []string
	attCascade bool
	attErr     error
}

func (f *fakeCmds) SendMessage(ctx context.Context, m chat.Message) (chat.Row, error) {
	f.mu.Lock()
	f.sends++
	n := f.sends
	hang := f.sendHangs
	var err error
	if len(f.sendErrs) > 0 {
		err = f.sendErrs[0]
		f.sendErrs = f.sendErrs[1:]
	}
	f.mu.Unlock()

	if hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	return chat.Row{
		"id":          fmt.Sprintf("srv-%d", n),
		"chat_id":     m.ChatID,
		"body":        m.Body,
		"sender_type": "agent",
		"created_at":  m.CreatedAt.Format(time.RFC3339Nano),
	}, nil
}

func (f *fakeCmds) SetReadState(_ context.Context, _ string, read bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads = append(f.reads, read)
	return nil
}

func (f *fakeCmds) DeleteMessage(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeCmds) DeleteAttachment(_ context.Context, _, _ string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attCascade, f.attErr
}

func (f *fakeCmds) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sends
}

type fakeGuard struct {
	mu      sync.Mutex
	ensures int
	err     error
}

func (f *fakeGuard) Ensure(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensures++
	return f.err
}

func msgRow(id, createdAt string, opts ...func(chat.Row)) chat.Row {
	r := chat.Row{
		"id": id, "chat_id": "chat-1", "body": "msg " + id,
		"sender_type": "agent", "created_at": createdAt,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func fromContact(r chat.Row) {
	r["sender_type"] = "contact"
	r["is_read_by_agent"] = false
}

func newThread(src *fakeMsgSource, cmds Commands, guard SessionGuard, opts Options) *Store {
	return New("chat-1", gateway.NewMessages(src, nil, nil), cmds, guard, opts, nil)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func streamIDs(s *Store) []string {
	msgs := s.Snapshot()
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func TestPushInsertSortsOutOfOrderArrival(t *testing.T) {
	// Message a exists at 10:00; b arrives later over push but was
	// created at 09:00, so it must sort before a.
	src := &fakeMsgSource{rows: []chat.Row{msgRow("a", "2024-01-05T10:00:00Z")}}
	s := newThread(src, &fakeCmds{}, nil, Options{})
	s.LoadInitial(context.Background())

	s.ApplyRemote(msgRow("b", "2024-01-05T09:00:00Z"))

	ids := streamIDs(s)
	if len(ids) != 2 || ids[0] != "b" || ids[1] != "a" {
		t.Fatalf("order = %v, want [b a]", ids)
	}
}

func TestApplyRemoteIdempotent(t *testing.T) {
	src := &fakeMsgSource{}
	s := newThread(src, &fakeCmds{}, nil, Options{})
	s.LoadInitial(context.Background())

	row := msgRow("a", "2024-01-05T10:00:00Z")
	s.ApplyRemote(row)
	s.ApplyRemote(row)

	if got := streamIDs(s); len(got) != 1 {
		t.Fatalf("duplicate push produced %v", got)
	}
}

func TestApplyRemoteMergePreservesAttachments(t *testing.T) {
	src := &fakeMsgSource{}
	s := newThread(src, &fakeCmds{}, nil, Options{})
	s.ApplyRemote(msgRow("a", "2024-01-05T10:00:00Z"))
	s.ApplyAttachmentUpsert(chat.MessageAttachment{ID: "att-1", MessageID: "a", FileName: "bill.pdf"})

	// A partial update row must not wipe the hydrated attachment list.
	s.ApplyRemote(chat.Row{"id": "a", "body": "edited"})

	msgs := s.Snapshot()
	if msgs[0].Body != "edited" {
		t.Errorf("body = %q, want edited", msgs[0].Body)
	}
	if len(msgs[0].Attachments) != 1 {
		t.Errorf("attachments lost on merge: %+v", msgs[0].Attachments)
	}
}

func TestSendRejectsEmpty(t *testing.T) {
	s := newThread(&fakeMsgSource{}, &fakeCmds{}, nil, Options{})
	if _, err := s.Send("", nil); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("err = %v, want ErrEmptyMessage", err)
	}
}

func TestSendReconcilesOptimisticEntry(t *testing.T) {
	cmds := &fakeCmds{}
	s := newThread(&fakeMsgSource{}, cmds, nil, Options{})

	att := chat.MessageAttachment{ID: "staged", FileName: "invoice.pdf"}
	localID, err := s.Send("hello", []chat.MessageAttachment{att})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(localID, "local-") {
		t.Fatalf("local id = %q", localID)
	}

	// Optimistic entry is visible immediately.
	msgs := s.Snapshot()
	if len(msgs) != 1 || msgs[0].LocalStatus != chat.LocalSending {
		t.Fatalf("optimistic entry missing: %+v", msgs)
	}
	if !s.ConsumeJustAppended() {
		t.Error("send should set the just-appended flag")
	}

	waitFor(t, func() bool {
		m := s.Snapshot()
		return len(m) == 1 && m[0].ID == "srv-1"
	})
	m := s.Snapshot()[0]
	if m.LocalStatus != "" {
		t.Errorf("reconciled message still has local status %q", m.LocalStatus)
	}
	if len(m.Attachments) != 1 || m.Attachments[0].FileName != "invoice.pdf" {
		t.Errorf("attachments not carried onto server row: %+v", m.Attachments)
	}
}

func TestSendFailureStaysVisibleAndRetries(t *testing.T) {
	cmds := &fakeCmds{sendErrs: []error{errors.New("write timeout")}}
	s := newThread(&fakeMsgSource{}, cmds, nil, Options{SendTimeout: time.Second})

	localID, err := s.Send("hello", nil)
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool {
		m := s.Snapshot()
		return len(m) == 1 && m[0].LocalStatus == chat.LocalFailed
	})
	if ids := streamIDs(s); ids[0] != localID {
		t.Fatalf("failed entry must keep its local id, got %v", ids)
	}

	s.RetrySend(localID)
	waitFor(t, func() bool {
		m := s.Snapshot()
		return len(m) == 1 && m[0].ID == "srv-2"
	})
}

func TestSendTimeoutMarksFailed(t *testing.T) {
	// The collaborator never answers; the delivery deadline must tag
	// the optimistic entry failed instead of leaving it sending
	// forever.
	cmds := &fakeCmds{sendHangs: true}
	s := newThread(&fakeMsgSource{}, cmds, nil, Options{SendTimeout: 100 * time.Millisecond})

	localID, err := s.Send("hello", nil)
	if err != nil {
		t.Fatal(err)
	}
	m := s.Snapshot()
	if len(m) != 1 || m[0].LocalStatus != chat.LocalSending {
		t.Fatalf("optimistic entry missing: %+v", m)
	}

	waitFor(t, func() bool {
		m := s.Snapshot()
		return len(m) == 1 && m[0].LocalStatus == chat.LocalFailed
	})
	if ids := streamIDs(s); ids[0] != localID {
		t.Fatalf("timed-out entry must keep its local id, got %v", ids)
	}
}

func TestSendRetriesOnceOnAuthError(t *testing.T) {
	cmds := &fakeCmds{sendErrs: []error{auth.ErrUnauthorized}}
	guard := &fakeGuard{}
	s := newThread(&fakeMsgSource{}, cmds, guard, Options{})

	if _, err := s.Send("hello", nil); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool {
		m := s.Snapshot()
		return len(m) == 1 && m[0].ID == "srv-2"
	})
	if cmds.sendCount() != 2 {
		t.Errorf("sends = %d, want 2 (original + one retry)", cmds.sendCount())
	}
}

func TestAuthErrorTwiceIsTerminal(t *testing.T) {
	cmds := &fakeCmds{sendErrs: []error{auth.ErrUnauthorized, auth.ErrUnauthorized}}
	s := newThread(&fakeMsgSource{}, cmds, &fakeGuard{}, Options{})

	if _, err := s.Send("hello", nil); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool {
		m := s.Snapshot()
		return len(m) == 1 && m[0].LocalStatus == chat.LocalFailed
	})
	if cmds.sendCount() != 2 {
		t.Errorf("sends = %d, want exactly 2", cmds.sendCount())
	}
}

func TestLoadOlderPaginatesWithoutDuplicates(t *testing.T) {
	var rows []chat.Row
	for i := 29; i >= 0; i-- {
		rows = append(rows, msgRow(fmt.Sprintf("m%02d", i),
			fmt.Sprintf("2024-01-05T10:00:%02dZ", i)))
	}
	src := &fakeMsgSource{rows: rows}
	s := newThread(src, &fakeCmds{}, nil, Options{InitialPageSize: 12, OlderPageSize: 10})
	s.LoadInitial(context.Background())

	if got := len(s.Snapshot()); got != 12 {
		t.Fatalf("initial page = %d rows, want 12", got)
	}
	total := 12
	for i := 0; i < 10; i++ {
		added := s.LoadOlder(context.Background())
		total += added
		if added == 0 {
			break
		}
	}

	ids := streamIDs(s)
	if len(ids) != 30 || total != 30 {
		t.Fatalf("have %d messages (counted %d), want 30", len(ids), total)
	}
	seen := map[string]bool{}
	for _, id := range ids {
		if seen[id] {
			t.Fatalf("duplicate id %s after pagination", id)
		}
		seen[id] = true
	}
	_, _, hasMore, _, err := s.Flags()
	if hasMore || err != nil {
		t.Errorf("hasMore=%v err=%v after exhaustion", hasMore, err)
	}
	// Exhausted stream: further calls are no-ops.
	if s.LoadOlder(context.Background()) != 0 {
		t.Error("LoadOlder after exhaustion should add nothing")
	}
}

func TestLoadInitialStaleResponseDiscarded(t *testing.T) {
	block := make(chan struct{})
	src := &fakeMsgSource{
		rows:  []chat.Row{msgRow("old", "2024-01-05T10:00:00Z")},
		block: block,
	}
	s := newThread(src, &fakeCmds{}, nil, Options{})

	done := make(chan struct{})
	go func() {
		s.LoadInitial(context.Background())
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)

	src.mu.Lock()
	src.rows = []chat.Row{msgRow("new", "2024-01-06T10:00:00Z")}
	src.mu.Unlock()
	s.LoadInitial(context.Background())

	close(block)
	<-done

	if ids := streamIDs(s); len(ids) != 1 || ids[0] != "new" {
		t.Fatalf("stale fetch clobbered newer state: %v", ids)
	}
}

func TestLoadInitialKeepsUnreconciledOptimisticEntries(t *testing.T) {
	cmds := &fakeCmds{sendErrs: []error{errors.New("down")}}
	src := &fakeMsgSource{rows: []chat.Row{msgRow("a", "2024-01-05T10:00:00Z")}}
	s := newThread(src, cmds, nil, Options{})

	localID, _ := s.Send("pending", nil)
	waitFor(t, func() bool {
		m := s.Snapshot()
		return len(m) == 1 && m[0].LocalStatus == chat.LocalFailed
	})

	s.LoadInitial(context.Background())
	ids := streamIDs(s)
	if len(ids) != 2 {
		t.Fatalf("reload dropped the optimistic entry: %v", ids)
	}
	found := false
	for _, id := range ids {
		if id == localID {
			found = true
		}
	}
	if !found {
		t.Fatalf("local entry %s missing after reload: %v", localID, ids)
	}
}

func TestDeleteAttachmentCascadeRemovesEmptyMessage(t *testing.T) {
	cmds := &fakeCmds{attCascade: true}
	s := newThread(&fakeMsgSource{}, cmds, nil, Options{})
	s.ApplyRemote(chat.Row{"id": "a", "chat_id": "chat-1", "sender_type": "agent", "created_at": "2024-01-05T10:00:00Z"})
	s.ApplyAttachmentUpsert(chat.MessageAttachment{ID: "att-1", MessageID: "a"})

	if err := s.DeleteAttachment(context.Background(), "a", "att-1"); err != nil {
		t.Fatal(err)
	}
	if got := streamIDs(s); len(got) != 0 {
		t.Fatalf("body-less message should cascade away, got %v", got)
	}
}

func TestDeleteAttachmentKeepsTextMessage(t *testing.T) {
	cmds := &fakeCmds{attCascade: false}
	s := newThread(&fakeMsgSource{}, cmds, nil, Options{})
	s.ApplyRemote(msgRow("a", "2024-01-05T10:00:00Z"))
	s.ApplyAttachmentUpsert(chat.MessageAttachment{ID: "att-1", MessageID: "a"})

	if err := s.DeleteAttachment(context.Background(), "a", "att-1"); err != nil {
		t.Fatal(err)
	}
	msgs := s.Snapshot()
	if len(msgs) != 1 || len(msgs[0].Attachments) != 0 {
		t.Fatalf("message should survive with attachment removed: %+v", msgs)
	}
}

func TestReadToggleAndFirstUnread(t *testing.T) {
	cmds := &fakeCmds{}
	src := &fakeMsgSource{rows: []chat.Row{
		msgRow("b", "2024-01-05T11:00:00Z", fromContact),
		msgRow("a", "2024-01-05T10:00:00Z"),
	}}
	s := newThread(src, cmds, nil, Options{})
	s.LoadInitial(context.Background())

	_, _, _, firstUnread, _ := s.Flags()
	if firstUnread != 1 {
		t.Fatalf("firstUnread = %d, want 1 (the contact message)", firstUnread)
	}

	s.MarkRead()
	_, _, _, firstUnread, _ = s.Flags()
	if firstUnread != -1 {
		t.Errorf("firstUnread = %d after MarkRead, want -1", firstUnread)
	}
	waitFor(t, func() bool {
		cmds.mu.Lock()
		defer cmds.mu.Unlock()
		return len(cmds.reads) == 1 && cmds.reads[0]
	})

	s.ToggleRead()
	_, _, _, firstUnread, _ = s.Flags()
	if firstUnread != 1 {
		t.Errorf("firstUnread = %d after toggle to unread, want 1", firstUnread)
	}
}

func TestApplyRemoteDeleteUnknownIgnored(t *testing.T) {
	s := newThread(&fakeMsgSource{}, &fakeCmds{}, nil, Options{})
	s.ApplyRemote(msgRow("a", "2024-01-05T10:00:00Z"))
	s.ApplyRemoteDelete("ghost")
	if got := streamIDs(s); len(got) != 1 {
		t.Fatalf("delete of unknown id mutated the stream: %v", got)
	}
}
