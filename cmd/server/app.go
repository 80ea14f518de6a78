// Ledgerlink - Accounting and Open Banking Integration Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ledgerlink

package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"

	"github.com/dgraph-io/badger/v4"
	"github.com/redis/go-redis/v9"

	"github.com/tomtom215/ledgerlink/internal/api"
	"github.com/tomtom215/ledgerlink/internal/breaker"
	"github.com/tomtom215/ledgerlink/internal/config"
	"github.com/tomtom215/ledgerlink/internal/database"
	"github.com/tomtom215/ledgerlink/internal/ledger"
	"github.com/tomtom215/ledgerlink/internal/lock"
	"github.com/tomtom215/ledgerlink/internal/logging"
	"github.com/tomtom215/ledgerlink/internal/models"
	"github.com/tomtom215/ledgerlink/internal/pending"
	"github.com/tomtom215/ledgerlink/internal/provider"
	"github.com/tomtom215/ledgerlink/internal/recovery"
	"github.com/tomtom215/ledgerlink/internal/supervisor"
	"github.com/tomtom215/ledgerlink/internal/supervisor/services"
	syncpkg "github.com/tomtom215/ledgerlink/internal/sync"
	"github.com/tomtom215/ledgerlink/internal/token"
)

const lockKeyPrefix = "ledgerlink:lock:"

// app owns everything main starts and must close.
type app struct {
	tree    *supervisor.SupervisorTree
	closers []func() error
}

// storage is the selected persistence backend.
type storage struct {
	ledger ledger.Store
	queue  pending.Store
	ping   func(ctx context.Context) error
	// badger is nil with the Postgres backend.
	badger *badger.DB
	close  func() error
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			logging.Warn().Err(err).Msg("Error during shutdown")
		}
	}
}

func newApp(ctx context.Context, cfg *config.Config) (a *app, err error) {
	a = &app{}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	store, err := openStorage(ctx, cfg)
	if err != nil {
		return a, err
	}
	a.closers = append(a.closers, store.close)

	var locker lock.Locker
	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return a, fmt.Errorf("connect to redis %s: %w", cfg.Redis.Addr, err)
		}
		a.closers = append(a.closers, client.Close)
		locker = lock.NewRedisLocker(client, lockKeyPrefix, cfg.Redis.LockTTL)
		logging.Info().Str("addr", cfg.Redis.Addr).Msg("Using Redis account locks")
	}

	breakers := breaker.NewRegistry(breaker.Settings{
		Timeout:           cfg.Circuit.Timeout(),
		ErrorThresholdPct: cfg.Circuit.ErrorThresholdPct,
		VolumeThreshold:   cfg.Circuit.VolumeThreshold,
		ResetTimeout:      cfg.Circuit.ResetTimeout(),
		RollingWindow:     cfg.Circuit.RollingWindow(),
		Exclude:           provider.IsAuthorization,
	})
	b := breakers.Get(cfg.Provider.Name)

	remote := provider.NewHTTPProvider(provider.HTTPConfig{
		Name:         cfg.Provider.Name,
		BaseURL:      cfg.Provider.BaseURL,
		TokenURL:     cfg.Provider.TokenURL,
		ClientID:     cfg.Provider.ClientID,
		ClientSecret: cfg.Provider.ClientSecret,
		RateLimit:    cfg.Provider.RateLimit,
		RateBurst:    cfg.Provider.RateBurst,
		Timeout:      cfg.Provider.HTTPTimeout,
	})

	sealer, err := config.NewCredentialEncryptor(cfg.Token.EncryptionKey)
	if err != nil {
		return a, fmt.Errorf("credential encryption: %w", err)
	}
	tokens := token.NewManager(store.ledger, remote, b, sealer, token.Options{Skew: cfg.Token.RefreshSkew()})

	orch := syncpkg.NewOrchestrator(syncpkg.Deps{
		Accounts: store.ledger,
		Records:  store.ledger,
		Queue:    store.queue,
		Tokens:   tokens,
		Provider: remote,
		Breaker:  b,
		Locker:   locker,
	}, syncpkg.Options{
		Overlap:       cfg.Sync.Overlap(),
		InitialWindow: cfg.Sync.InitialWindow(),
		Budget:        cfg.Sync.Budget(),
	})

	job := recovery.NewJob(store.queue, b, recovery.Config{
		Interval:     cfg.PendingSync.DrainInterval,
		BatchSize:    cfg.PendingSync.BatchSize,
		LeaseTimeout: cfg.PendingSync.LeaseTimeout,
	})
	job.Register(models.EntityAccountSync, orch.Replay)
	job.Register(models.EntityOutboundPush, orch.ReplayPush)

	sweeper := recovery.NewSweeper(store.queue, store.badger, recovery.SweeperConfig{
		Interval:      cfg.PendingSync.SweepInterval,
		RetentionDays: cfg.PendingSync.RetentionDays,
	})

	handler := api.NewHandler(api.Deps{
		Syncer:   orch,
		Pusher:   orch,
		Queue:    store.queue,
		Breakers: breakers,
		Storage:  cfg.Storage.Backend,
		Ping:     store.ping,
	})
	router := api.NewRouter(handler, api.RouterConfig{
		RateLimit: api.RateLimitConfig{
			Requests: cfg.Server.RateLimitRequests,
			Window:   cfg.Server.RateLimitWindow,
		},
	})

	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	server := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	tree, err := supervisor.NewSupervisorTree(logging.NewSlogLogger(), supervisor.TreeConfig{
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	})
	if err != nil {
		return a, fmt.Errorf("create supervisor tree: %w", err)
	}
	tree.AddDataService(services.NewRecoveryJobService(job))
	tree.AddDataService(services.NewSweeperService(sweeper))
	if cfg.Sync.SchedulerEnabled {
		sched := syncpkg.NewScheduler(store.ledger, orch, syncpkg.SchedulerConfig{
			Interval:      cfg.Sync.Interval,
			MaxConcurrent: cfg.Sync.MaxConcurrent,
		})
		tree.AddWorkerService(services.NewSchedulerService(sched))
	}
	tree.AddAPIService(services.NewHTTPServerService(server, addr, cfg.Server.ShutdownTimeout))
	a.tree = tree

	return a, nil
}

func openStorage(ctx context.Context, cfg *config.Config) (*storage, error) {
	opts := pending.Options{
		MaxAttempts: cfg.PendingSync.MaxAttempts,
		Backoff:     pending.ExponentialBackoff(cfg.PendingSync.RetryBaseDelay),
	}

	switch cfg.Storage.Backend {
	case config.BackendBadger:
		db, err := database.OpenBadger(database.BadgerConfig{
			Path:       cfg.Storage.BadgerPath,
			SyncWrites: cfg.Storage.BadgerSyncWrites,
		})
		if err != nil {
			return nil, err
		}
		return &storage{
			ledger: ledger.NewBadgerStore(db),
			queue:  pending.NewBadgerStore(db, opts),
			badger: db,
			ping: func(context.Context) error {
				if db.IsClosed() {
					return errors.New("badger database is closed")
				}
				return nil
			},
			close: db.Close,
		}, nil

	case config.BackendPostgres:
		db, err := database.OpenPostgres(ctx, database.PostgresConfig{
			DSN:      cfg.Storage.PostgresDSN,
			MaxConns: cfg.Storage.PostgresMaxConns,
		})
		if err != nil {
			return nil, err
		}
		if cfg.Storage.AutoMigrate {
			if err := database.Migrate(db); err != nil {
				_ = db.Close()
				return nil, err
			}
		}
		return &storage{
			ledger: ledger.NewPostgresStore(db),
			queue:  pending.NewPostgresStore(db, opts),
			ping:   db.PingContext,
			close:  db.Close,
		}, nil

	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}
