// Package app wires the engine's services from configuration. Both the
// HTTP server and the settlement CLI build on it.
package app

import (
	"context"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/pv-engine/internal/adjustment"
	"github.com/atmx/pv-engine/internal/config"
	"github.com/atmx/pv-engine/internal/lock"
	"github.com/atmx/pv-engine/internal/model"
	"github.com/atmx/pv-engine/internal/placement"
	"github.com/atmx/pv-engine/internal/pv"
	"github.com/atmx/pv-engine/internal/settings"
	"github.com/atmx/pv-engine/internal/settlement"
	"github.com/atmx/pv-engine/internal/store"
)

// App holds the wired services.
type App struct {
	Store       store.Store
	PV          *pv.Service
	Settlements *settlement.Service
	Adjustments *adjustment.Service
	Releaser    *settlement.Releaser
	Settings    *settings.StoreProvider

	cleanup []func()
}

// Build connects the backing stores named by cfg and wires every service.
// Without DATABASE_URL it runs on the in-memory store and an empty tree.
func Build(ctx context.Context, cfg config.Config, publisher model.Publisher) (*App, error) {
	if publisher == nil {
		publisher = model.NopPublisher{}
	}
	a := &App{}

	var (
		st     store.Store
		tree   placement.Tree
		dir    placement.Directory
		locker lock.Locker = lock.NewMemoryLocker()
		rdb    *redis.Client
	)

	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		rdb = redis.NewClient(opt)
		a.cleanup = append(a.cleanup, func() { rdb.Close() })
		locker = lock.NewRedisLocker(rdb, "pvengine:lock:")
		slog.Info("redis locks enabled")
	}

	if cfg.DatabaseURL != "" {
		pool, err := store.Connect(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.cleanup = append(a.cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		pgTree := placement.NewPostgresTree(pool)
		tree, dir = pgTree, pgTree
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if rdb != nil {
			st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
			slog.Info("redis cache enabled", "ttl", cfg.CacheTTL.String())
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
		mapTree := placement.NewMapTree()
		tree, dir = mapTree, mapTree
	}

	a.Store = st
	a.Settings = settings.NewStoreProvider(st, cfg.Bonus)

	pvOpts := []pv.Option{pv.WithMaxDepth(cfg.PVMaxDepth), pv.WithPublisher(publisher)}
	if cfg.PointsPerPV.IsPositive() {
		pvOpts = append(pvOpts, pv.WithPointsPerPV(cfg.PointsPerPV))
	}
	a.PV = pv.NewService(st, tree, pvOpts...)

	a.Settlements = settlement.NewService(st, a.PV, tree, dir, a.Settings, locker,
		settlement.WithWorkers(cfg.SettlementWorkers),
		settlement.WithLockTTL(cfg.LockTTL),
		settlement.WithPublisher(publisher),
	)
	a.Adjustments = adjustment.NewService(st, adjustment.WithPublisher(publisher))
	a.Releaser = settlement.NewReleaser(st,
		settlement.WithReleasePublisher(publisher),
		settlement.WithReleaseBatchSize(cfg.ReleaseBatchSize),
	)
	return a, nil
}

// Close releases connections in reverse order of opening.
func (a *App) Close() {
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		a.cleanup[i]()
	}
	a.cleanup = nil
}
