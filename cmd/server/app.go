package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"golang.org/x/text/language"
	"gorm.io/gorm"

	httpapi "github.com/tbourn/group-sync/internal/http"
	"github.com/tbourn/group-sync/internal/config"
	"github.com/tbourn/group-sync/internal/push"
	"github.com/tbourn/group-sync/internal/repo"
	"github.com/tbourn/group-sync/internal/services"
)

// app owns the databases and long-lived services of one server process.
type app struct {
	cfg config.Config
	log zerolog.Logger

	src, cache *gorm.DB

	store  *services.CacheStore
	qc     *services.QueryCache
	txs    *services.TransactionService
	subs   *services.SubscriptionService
	events *services.ClientNotificationHandler

	router *gin.Engine
}

// newApp opens both databases, wires the sync engine and registers routes.
func newApp(cfg config.Config, log zerolog.Logger, migrate bool) (*app, error) {
	a := &app{cfg: cfg, log: log}

	var err error
	if a.src, err = repo.OpenSQLite(cfg.DBPath); err != nil {
		return nil, fmt.Errorf("open source db: %w", err)
	}
	if a.cache, err = repo.OpenSQLite(cfg.CacheDBPath); err != nil {
		a.closeDBs()
		return nil, fmt.Errorf("open cache db: %w", err)
	}
	if migrate {
		if err := repo.AutoMigrateSource(a.src); err != nil {
			a.closeDBs()
			return nil, fmt.Errorf("migrate source db: %w", err)
		}
		if err := repo.AutoMigrateCache(a.cache); err != nil {
			a.closeDBs()
			return nil, fmt.Errorf("migrate cache db: %w", err)
		}
	}

	groups := services.GormGroups{DB: a.src}
	q := services.NewMultiMemberQueryService(services.GormSource{DB: a.src}, cfg.Sync.MemberTimeout)

	a.store = services.NewCacheStore(a.cache, cfg.Sync.MaxRecords, cfg.Sync.EvictionBatch)
	syncer := services.NewSyncCoordinator(groups, q, a.store, services.GormMetadata{DB: a.cache})
	if cfg.Sync.PageLimit > 0 {
		syncer.PageLimit = cfg.Sync.PageLimit
	}

	a.qc = services.NewQueryCache(a.store, syncer, q, groups, cfg.Sync.MemoryCacheTTL)
	if cfg.Sync.StaleAfter > 0 {
		a.qc.StaleAfter = cfg.Sync.StaleAfter
	}
	if cfg.Sync.RevalidateTimeout > 0 {
		a.qc.RevalidateTimeout = cfg.Sync.RevalidateTimeout
	}

	// A nil *NotificationTrigger must not reach the interface.
	var notifier services.WriteListener
	if cfg.Push.Enabled() {
		sender := push.NewWebPushSender(push.Options{
			VAPIDPublicKey:  cfg.Push.VAPIDPublicKey,
			VAPIDPrivateKey: cfg.Push.VAPIDPrivateKey,
			Subscriber:      cfg.Push.Subscriber,
			TTL:             time.Duration(cfg.Push.TTL) * time.Second,
		})
		subs := services.GormSubscriptions{DB: a.src, MaxIdle: cfg.Push.MaxIdle}
		trig := services.NewNotificationTrigger(groups, subs, sender, cfg.Push.NotifyWindow)
		trig.BaseURL = cfg.Push.PublicBaseURL
		trig.Icon = cfg.Push.Icon
		if cfg.Push.Locale != "" {
			if tag, err := language.Parse(cfg.Push.Locale); err == nil {
				trig.Locale = tag
			} else {
				log.Warn().Str("locale", cfg.Push.Locale).Msg("invalid NOTIFY_LOCALE; using English")
			}
		}
		notifier = trig
	} else {
		log.Info().Msg("VAPID keys not set; push notifications disabled")
	}

	a.txs = services.NewTransactionService(a.src, notifier)
	if cfg.IdempotencyTTL > 0 {
		a.txs.IdempotencyTTL = cfg.IdempotencyTTL
	}
	a.subs = services.NewSubscriptionService(a.src, cfg.Push.MaxIdle)

	a.events = services.NewClientNotificationHandler(a.qc, cfg.Sync.ClientWorkers, cfg.Sync.ClientQueue)
	a.events.Logger = log.With().Str("component", "push-events").Logger()
	a.events.Start()

	a.router = gin.New()
	httpapi.RegisterRoutes(a.router, httpapi.Dependencies{
		DB:            a.src,
		Groups:        services.NewGroupFeed(a.qc, groups),
		Transactions:  a.txs,
		Subscriptions: a.subs,
		PushEvents:    a.events,
	}, cfg)

	return a, nil
}

// drainIntents logs navigation intents until ctx ends. Browsers navigate on
// their own; the server only records where clicks lead.
func (a *app) drainIntents(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case in := <-a.events.Intents():
			a.log.Debug().Str("group_id", in.GroupID).Str("path", in.Path).Msg("notification clicked")
		}
	}
}

// maintain runs periodic housekeeping until ctx ends.
func (a *app) maintain(ctx context.Context) error {
	every := a.cfg.PurgeInterval
	if every <= 0 {
		every = time.Hour
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			a.sweep(ctx)
		}
	}
}

func (a *app) sweep(ctx context.Context) {
	ctx = a.log.WithContext(ctx)
	if n, err := a.txs.PurgeIdempotency(ctx); err != nil {
		a.log.Warn().Err(err).Msg("purge idempotency keys")
	} else if n > 0 {
		a.log.Info().Int64("removed", n).Msg("purged expired idempotency keys")
	}
	if n, err := a.subs.PurgeIdle(ctx); err != nil {
		a.log.Warn().Err(err).Msg("purge idle subscriptions")
	} else if n > 0 {
		a.log.Info().Int64("removed", n).Msg("purged idle push subscriptions")
	}
	if !a.qc.Degraded() {
		if n, err := a.store.Evict(ctx); err != nil {
			a.log.Warn().Err(err).Msg("evict cache entries")
		} else if n > 0 {
			a.log.Info().Int64("removed", n).Msg("evicted cache entries")
		}
	}
}

// close stops background work and releases both databases.
func (a *app) close(ctx context.Context) error {
	var errs []error
	if err := a.events.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop push events: %w", err))
	}
	a.qc.Wait()
	a.txs.Wait()
	errs = append(errs, a.closeDBs())
	return errors.Join(errs...)
}

func (a *app) closeDBs() error {
	var errs []error
	for _, db := range []*gorm.DB{a.src, a.cache} {
		if db == nil {
			continue
		}
		if sqlDB, err := db.DB(); err == nil {
			errs = append(errs, sqlDB.Close())
		}
	}
	return errors.Join(errs...)
}
