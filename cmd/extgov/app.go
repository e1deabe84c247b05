package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	grpchealth "google.golang.org/grpc/health"

	"github.com/toolink/extgov/catalog"
	"github.com/toolink/extgov/config"
	"github.com/toolink/extgov/extension"
	"github.com/toolink/extgov/governor"
	"github.com/toolink/extgov/health"
	"github.com/toolink/extgov/limiter"
	"github.com/toolink/extgov/notify"
	"github.com/toolink/extgov/redlock"
	"github.com/toolink/extgov/resolver"
	"github.com/toolink/extgov/snapshot"
	"github.com/toolink/extgov/validator"
)

// metricsNamespace prefixes every exported Prometheus metric.
const metricsNamespace = "extgov"

// app is one fully wired extgov process.
type app struct {
	cfg      *config.Config
	rdb      *redis.Client // nil unless a component needs Redis
	catalog  *health.Catalog
	governor *governor.Governor
	manager  *extension.Manager
	broker   *notify.Broker
	events   *governor.EventCounter

	closers []func() error
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg, broker: notify.NewBroker(), events: governor.NewEventCounter(metricsNamespace)}
	if err := a.wire(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	cfg := a.cfg

	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", cfg.Root, err)
	}

	if cfg.NeedsRedis() {
		if _, err := a.redis(ctx); err != nil {
			return err
		}
	}

	base, err := a.openCatalog(ctx)
	if err != nil {
		return err
	}
	a.catalog = health.NewCatalog(base, grpchealth.NewServer())

	sink := a.sink()
	a.governor = governor.New(cfg.Governor, governor.WithCatalog(a.catalog), governor.WithSink(sink))

	res, err := resolver.New(a.catalog, cfg.HostAPI)
	if err != nil {
		return err
	}
	snaps, err := snapshot.NewStore(snapshot.Options{
		InstallRoot: cfg.InstallRoot(),
		BackupRoot:  cfg.BackupRoot(),
		StagingRoot: cfg.StagingRoot(),
	})
	if err != nil {
		return err
	}

	opts := []extension.Option{extension.WithMonitor(a.governor), extension.WithSink(sink)}
	if cfg.Redis.Lock {
		opts = append(opts, extension.WithGuard(redlock.NewGuard(a.rdb, redlock.DefaultGuardPrefix)))
	}
	a.manager, err = extension.NewManager(extension.Config{
		InstallRoot: cfg.InstallRoot(),
		StagingRoot: cfg.StagingRoot(),
	}, a.catalog, validator.New(validator.WithMaxPackageSize(cfg.MaxPackageSize)), res, snaps, opts...)
	if err != nil {
		return err
	}

	return a.resync(ctx)
}

// redis returns the shared client, connecting on first use.
func (a *app) redis(ctx context.Context) (*redis.Client, error) {
	if a.rdb != nil {
		return a.rdb, nil
	}
	rdb := redis.NewClient(&redis.Options{Addr: a.cfg.Redis.Addr, Password: a.cfg.Redis.Password, DB: a.cfg.Redis.DB})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", a.cfg.Redis.Addr, err)
	}
	a.rdb = rdb
	a.closers = append(a.closers, rdb.Close)
	return rdb, nil
}

func (a *app) openCatalog(ctx context.Context) (catalog.Catalog, error) {
	switch a.cfg.Catalog.Backend {
	case config.BackendMemory:
		return catalog.NewMemory(), nil
	case config.BackendRedis:
		return catalog.NewRedis(ctx, a.rdb)
	default:
		c, err := catalog.OpenSQLite(a.cfg.CatalogPath())
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, c.Close)
		return c, nil
	}
}

// sink routes events: every event is counted, the rest of the fan-out is
// throttled per kind and extension.
func (a *app) sink() notify.Sink {
	var store limiter.Store = limiter.NewMemoryStore()
	if a.cfg.Notify.Throttle.StorageType == limiter.StorageRedis {
		store = limiter.NewRedisStore(a.rdb, limiter.DefaultRedisPrefix)
	}
	lim := limiter.New(a.cfg.Notify.Throttle, store)

	out := []notify.Sink{notify.LogSink{}, a.broker}
	if a.cfg.Notify.Redis {
		out = append(out, notify.NewRedisSink(a.rdb,
			notify.WithList(a.cfg.Notify.List),
			notify.WithMaxLen(a.cfg.Notify.MaxLen)))
	}
	return notify.Multi(a.events, notify.Throttle(notify.Multi(out...), lim))
}

// resync loads the catalog into the governor and the health server.
func (a *app) resync(ctx context.Context) error {
	records, err := a.catalog.List(ctx)
	if err != nil {
		return fmt.Errorf("listing catalog: %w", err)
	}
	a.governor.Sync(ctx, records)
	return a.catalog.Sync(ctx)
}

// Close releases every resource in reverse order of acquisition.
func (a *app) Close() error {
	if a.broker != nil {
		a.broker.Close()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if err := errors.Join(errs...); err != nil {
		log.Warn().Err(err).Msg("closing resources")
		return err
	}
	return nil
}

func (c *cli) open(ctx context.Context) (*app, error) {
	return newApp(ctx, c.cfg)
}
