package daemon

import (
	"context"
	"sync"

	"github.com/shipdesk/inboxsync/internal/auth"
	"github.com/shipdesk/inboxsync/internal/bus"
	"github.com/shipdesk/inboxsync/internal/config"
	"github.com/shipdesk/inboxsync/internal/gateway"
	"github.com/shipdesk/inboxsync/internal/push"
	"github.com/shipdesk/inboxsync/internal/store"
	"github.com/shipdesk/inboxsync/internal/thread"
	"go.uber.org/zap"
)

// Threads opens and closes per-conversation stream stores together
// with their push listeners. Opening a conversation creates the store,
// starts a scoped message listener and kicks off the initial fetch;
// closing tears both down. Opening the same id twice returns the
// existing store.
type Threads struct {
	cfg    *config.Config
	bus    *bus.Bus
	gw     *gateway.Messages
	db     *store.DB
	guard  *auth.Guard
	logger *zap.Logger

	mu   sync.Mutex
	open map[string]*openThread
}

type openThread struct {
	store    *thread.Store
	listener *push.MessageListener
}

// NewThreads creates the per-conversation store manager.
func NewThreads(cfg *config.Config, b *bus.Bus, gw *gateway.Messages, db *store.DB, guard *auth.Guard, logger *zap.Logger) *Threads {
	return &Threads{
		cfg:    cfg,
		bus:    b,
		gw:     gw,
		db:     db,
		guard:  guard,
		logger: logger,
		open:   make(map[string]*openThread),
	}
}

// Open returns the stream store for chatID, creating it on first use.
func (t *Threads) Open(ctx context.Context, chatID string) *thread.Store {
	t.mu.Lock()
	if ot, ok := t.open[chatID]; ok {
		t.mu.Unlock()
		return ot.store
	}

	s := thread.New(chatID, t.gw, t.db, t.guard, thread.Options{
		InitialPageSize: t.cfg.Sync.InitialPageSize,
		OlderPageSize:   t.cfg.Sync.OlderPageSize,
		SendTimeout:     t.cfg.Sync.SendTimeout.Duration,
	}, t.logger)
	l := push.NewMessageListener(chatID, t.bus, s, t.logger)
	t.open[chatID] = &openThread{store: s, listener: l}
	t.mu.Unlock()

	l.Start(ctx)
	go s.LoadInitial(ctx)
	return s
}

// Close tears down the stream store for chatID. Unknown ids are a
// no-op.
func (t *Threads) Close(chatID string) {
	t.mu.Lock()
	ot, ok := t.open[chatID]
	delete(t.open, chatID)
	t.mu.Unlock()
	if ok {
		ot.listener.Stop()
	}
}

// CloseAll tears down every open conversation.
func (t *Threads) CloseAll() {
	t.mu.Lock()
	open := t.open
	t.open = make(map[string]*openThread)
	t.mu.Unlock()
	for _, ot := range open {
		ot.listener.Stop()
	}
}
