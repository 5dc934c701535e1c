// Package daemon wires the sync engine together: projection store,
// change feed, gateways, stores and push listeners, composed as an fx
// application.
package daemon

import (
	"context"
	"path/filepath"

	"github.com/shipdesk/inboxsync/internal/auth"
	"github.com/shipdesk/inboxsync/internal/bus"
	"github.com/shipdesk/inboxsync/internal/config"
	"github.com/shipdesk/inboxsync/internal/feed"
	"github.com/shipdesk/inboxsync/internal/gateway"
	"github.com/shipdesk/inboxsync/internal/inbox"
	"github.com/shipdesk/inboxsync/internal/lock"
	"github.com/shipdesk/inboxsync/internal/logging"
	"github.com/shipdesk/inboxsync/internal/push"
	"github.com/shipdesk/inboxsync/internal/store"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module returns the fx module for the daemon, composing all providers
// and lifecycle hooks.
func Module(cfg *config.Config) fx.Option {
	return fx.Module("daemon",
		fx.Supply(cfg),
		fx.Provide(
			provideLogger,
			provideBus,
			provideLock,
			provideStore,
			provideTokenSource,
			provideGuard,
			provideSigner,
			provideConversationsGateway,
			provideMessagesGateway,
			provideListStore,
			provideFeed,
			provideConversationListener,
			NewThreads,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.New(filepath.Join(config.Dir(), "inboxsyncd.log"))
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(cfg *config.Config, logger *zap.Logger) (*lock.Lock, error) {
	dir := filepath.Dir(cfg.Store.Path)
	l, err := lock.Acquire(dir)
	if err != nil {
		return nil, err
	}
	logger.Info("data directory locked", zap.String("dir", dir))
	return l, nil
}

func provideStore(cfg *config.Config, logger *zap.Logger) (*store.DB, error) {
	db, err := store.Open(cfg.Store.Path)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", cfg.Store.Path))
	return db, nil
}

func provideTokenSource(cfg *config.Config) *auth.HSTokenSource {
	return auth.NewHSTokenSource(cfg.Auth.Secret, cfg.Auth.Subject, cfg.Auth.TokenTTL.Duration)
}

func provideGuard(cfg *config.Config, src *auth.HSTokenSource, logger *zap.Logger) *auth.Guard {
	return auth.NewGuard(src, cfg.Auth.RefreshThreshold.Duration, logger)
}

// provideSigner turns attachment storage paths into fetchable URLs by
// appending a short-lived access token to the media base URL. With no
// base URL configured, attachments surface without a direct link.
func provideSigner(cfg *config.Config, src *auth.HSTokenSource) gateway.URLSigner {
	if cfg.Media.BaseURL == "" {
		return nil
	}
	base := cfg.Media.BaseURL
	return gateway.SignerFunc(func(ctx context.Context, storagePath string) (string, error) {
		tok, err := src.Token(ctx)
		if err != nil {
			return "", err
		}
		return base + "/" + storagePath + "?token=" + tok, nil
	})
}

func provideConversationsGateway(db *store.DB, logger *zap.Logger) *gateway.Conversations {
	return gateway.NewConversations(db, logger)
}

func provideMessagesGateway(db *store.DB, signer gateway.URLSigner, logger *zap.Logger) *gateway.Messages {
	return gateway.NewMessages(db, signer, logger)
}

func provideListStore(cfg *config.Config, gw *gateway.Conversations, db *store.DB, logger *zap.Logger) *inbox.Store {
	s := inbox.New(gw, db, cfg.Sync.ListPageSize, logger)
	s.SetFilter("", cfg.Sync.OwnerID)
	return s
}

func provideFeed(cfg *config.Config, db *store.DB, b *bus.Bus, logger *zap.Logger) *feed.Feed {
	return feed.New(feed.Options{
		URL:        cfg.Feed.URL,
		Exchange:   cfg.Feed.Exchange,
		Queue:      cfg.Feed.Queue,
		BindingKey: cfg.Feed.BindingKey,
	}, db, b, logger)
}

func provideConversationListener(b *bus.Bus, gw *gateway.Conversations, list *inbox.Store, db *store.DB, logger *zap.Logger) *push.ConversationListener {
	return push.NewConversationListener(b, gw, list, db, logger)
}

func registerLifecycle(lc fx.Lifecycle, cfg *config.Config, f *feed.Feed, listener *push.ConversationListener, list *inbox.Store, threads *Threads, lk *lock.Lock, db *store.DB, b *bus.Bus, logger *zap.Logger) {
	var pumpCancel context.CancelFunc

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			listener.Start(context.Background())

			if err := f.Start(ctx); err != nil {
				return err
			}

			// Feed the list store's optimistic previews from the
			// message listener's events.
			pumpCtx, cancel := context.WithCancel(context.Background())
			pumpCancel = cancel
			go runPreviewPump(pumpCtx, b, list)

			go list.Load(context.Background())
			logger.Info("daemon started")
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if pumpCancel != nil {
				pumpCancel()
			}
			threads.CloseAll()
			listener.Stop()
			if err := f.Close(); err != nil {
				logger.Warn("error closing feed", zap.Error(err))
			}
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}

// runPreviewPump applies preview-update events to the list store so the
// open conversation's newest message shows up in the list before the
// debounced summary refetch lands.
func runPreviewPump(ctx context.Context, b *bus.Bus, list *inbox.Store) {
	ch, unsub := b.Subscribe("list.preview_updated", 64)
	defer unsub()
	for {
		select {
		case evt := <-ch:
			if upd, ok := evt.Payload.(bus.PreviewUpdate); ok {
				list.SetLastPreview(upd.ChatID, upd.Preview, upd.At)
			}
		case <-ctx.Done():
			return
		}
	}
}
