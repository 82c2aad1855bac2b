// Package app wires the blocking engine from configuration.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lfrfrfr/beon-ipshield/internal/blocker"
	"github.com/lfrfrfr/beon-ipshield/internal/cache"
	"github.com/lfrfrfr/beon-ipshield/internal/compiler"
	"github.com/lfrfrfr/beon-ipshield/internal/config"
	"github.com/lfrfrfr/beon-ipshield/internal/geo"
	"github.com/lfrfrfr/beon-ipshield/internal/history"
	"github.com/lfrfrfr/beon-ipshield/internal/mmdb"
	"github.com/lfrfrfr/beon-ipshield/internal/notify"
	"github.com/lfrfrfr/beon-ipshield/internal/reputation"
	"github.com/lfrfrfr/beon-ipshield/internal/rules"
	"github.com/lfrfrfr/beon-ipshield/internal/scheduler"
	"github.com/lfrfrfr/beon-ipshield/internal/scoring"
	"github.com/lfrfrfr/beon-ipshield/internal/store"
	"github.com/lfrfrfr/beon-ipshield/pkg/logger"
)

// HealthCheck probes one backing service
type HealthCheck func(ctx context.Context) error

type closer struct {
	name string
	fn   func() error
}

// App holds every component of a running engine. Fields that depend on
// optional configuration may be nil.
type App struct {
	Config     *config.Config
	Store      store.Store
	History    history.Log
	Cache      cache.Cache
	MMDB       *mmdb.Reader
	Bus        *notify.Bus
	Engine     *rules.Engine
	Geo        *geo.Evaluator
	Reputation *reputation.Evaluator
	Blocker    *blocker.Service
	Compiler   *compiler.Compiler
	Scheduler  *scheduler.Scheduler

	redis   *redis.Client
	checks  map[string]HealthCheck
	closers []closer
}

// Build creates every component described by cfg. On error, whatever was
// already opened is closed again.
func Build(ctx context.Context, cfg *config.Config) (_ *App, err error) {
	a := &App{Config: cfg, checks: make(map[string]HealthCheck)}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	if cfg.Redis.Enabled {
		client, rerr := cache.NewRedisClient(cache.Config{
			Host:     cfg.Redis.Host,
			Port:     cfg.Redis.Port,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		if rerr != nil {
			logger.Warn(fmt.Sprintf("Failed to connect to Redis: %v (falling back to in-memory cache)", rerr))
		} else {
			a.redis = client
			a.addCloser("redis", client.Close)
			a.checks["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }
		}
	} else {
		logger.Info("Redis is disabled")
	}

	if err := a.buildStore(ctx); err != nil {
		return nil, err
	}
	if err := a.buildHistory(ctx); err != nil {
		return nil, err
	}
	a.buildMMDB()

	var resolver geo.Resolver
	if a.MMDB != nil && a.MMDB.HasGeo() {
		resolver = a.MMDB
	}

	a.Geo = a.buildGeo()

	a.Engine = rules.NewEngine(a.History, a.Store,
		rules.WithGeoResolver(blocker.ResolverFunc(resolver)),
		rules.WithMaxWindow(cfg.Blocking.HistoryRetention))
	if err := a.loadRules(); err != nil {
		return nil, err
	}

	if a.Reputation, err = a.buildReputation(); err != nil {
		return nil, err
	}

	opts := []blocker.Option{blocker.WithCheckTimeout(cfg.Blocking.CheckTimeout)}
	if resolver != nil {
		opts = append(opts, blocker.WithResolver(resolver))
	}
	a.Blocker = blocker.New(a.Store, a.Engine, a.Geo, a.Reputation, opts...)

	a.Compiler = compiler.New(a.Store, cfg.MMDB.BlocklistPath, cfg.MMDB.RecordSize)

	a.Scheduler = scheduler.New(scheduler.Tasks{
		Store:      a.Store,
		Reputation: a.Reputation,
		Geo:        a.Geo,
		History:    a.History,
		Firings:    a.Engine,
		Exporter:   a.Compiler,
	}, scheduler.Config{
		SweepInterval:           cfg.Scheduler.SweepInterval,
		ReputationEvictInterval: cfg.Scheduler.ReputationEvictInterval,
		GeoRefreshInterval:      cfg.Scheduler.GeoRefreshInterval,
		HistoryPruneInterval:    cfg.Scheduler.HistoryPruneInterval,
		ExportInterval:          cfg.Scheduler.ExportInterval,
		HistoryRetention:        cfg.Blocking.HistoryRetention,
		EscalationRetention:     cfg.Blocking.EscalationRetention,
	})

	return a, nil
}

func (a *App) addCloser(name string, fn func() error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

func (a *App) buildStore(ctx context.Context) error {
	var base store.Store

	switch a.Config.Blocking.Store {
	case "postgres":
		pg := a.Config.Database.Postgres
		ps, err := store.NewPostgresStore(ctx, pg.DSN(), store.PoolOptions{
			MaxConns:        pg.MaxConnections,
			MinConns:        pg.MinConnections,
			MaxConnLifetime: pg.MaxConnLifetime,
			MaxConnIdleTime: pg.MaxConnIdleTime,
		})
		if err != nil {
			return fmt.Errorf("failed to open threat store: %w", err)
		}
		a.addCloser("postgres", ps.Close)
		if pg.AutoMigrate {
			if err := ps.Migrate(ctx); err != nil {
				return fmt.Errorf("failed to migrate threat store: %w", err)
			}
		}
		a.checks["postgres"] = ps.Health
		base = ps
	case "memory", "":
		base = store.NewMemoryStore(nil)
		logger.Info("Using in-memory threat store")
	default:
		return fmt.Errorf("unknown threat store %q", a.Config.Blocking.Store)
	}

	a.Store = store.WithNotifications(base, a.publisher())
	return nil
}

// publisher fans block notifications out to the in-process bus and, when
// Redis is connected, to a pub/sub channel
func (a *App) publisher() notify.Publisher {
	if !a.Config.Notify.Enabled {
		return nil
	}
	a.Bus = notify.NewBus(a.Config.Notify.BufferSize)
	pubs := notify.Multi{a.Bus}
	if a.redis != nil && a.Config.Notify.RedisChannel != "" {
		rp := notify.NewRedisPublisher(a.redis, a.Config.Notify.RedisChannel)
		pubs = append(pubs, rp)
		logger.Info(fmt.Sprintf("Publishing block notifications to Redis channel %s", rp.Channel()))
	}
	return pubs
}

func (a *App) buildHistory(ctx context.Context) error {
	switch a.Config.Blocking.History {
	case "clickhouse":
		ch := a.Config.ClickHouse
		log, err := history.NewClickHouseLog(ctx, history.ClickHouseConfig{
			Host:     ch.Host,
			Port:     ch.Port,
			Database: ch.Database,
			Username: ch.Username,
			Password: ch.Password,
		})
		if err != nil {
			return fmt.Errorf("failed to open violation log: %w", err)
		}
		a.addCloser("clickhouse", log.Close)
		a.checks["clickhouse"] = log.Health
		a.History = log
	case "memory", "":
		a.History = history.NewMemoryLog(nil)
	default:
		return fmt.Errorf("unknown violation log %q", a.Config.Blocking.History)
	}
	return nil
}

// buildMMDB opens the MMDB databases. A broken reputation database only
// disables the mmdb reputation source.
func (a *App) buildMMDB() {
	m := a.Config.MMDB
	if m.ReputationPath == "" && m.GeoLite2CityPath == "" && m.GeoLite2ASNPath == "" {
		return
	}
	reader, err := mmdb.NewReader(mmdb.Paths{
		Reputation: m.ReputationPath,
		City:       m.GeoLite2CityPath,
		ASN:        m.GeoLite2ASNPath,
	})
	if err != nil {
		logger.Warn(fmt.Sprintf("Failed to load MMDB: %v (geo and mmdb reputation disabled)", err))
		return
	}
	a.MMDB = reader
	a.addCloser("mmdb", reader.Close)
}

func (a *App) buildGeo() *geo.Evaluator {
	gc := a.Config.Geo
	table := geo.NewTable(gc.DefaultRiskScore, nil)
	for country, rc := range gc.RiskTable {
		table.Set(country, rc.RiskScore, rc.Categories)
	}
	if table.Len() > 0 {
		logger.Info(fmt.Sprintf("Seeded geo-threat table with %d countries", table.Len()))
	}

	var opts []geo.Option
	if gc.FeedURL != "" {
		opts = append(opts, geo.WithFeed(geo.NewFeedClient(geo.FeedConfig{
			URL:        gc.FeedURL,
			Timeout:    gc.FeedTimeout,
			MaxRetries: gc.FeedMaxRetries,
			RetryDelay: gc.FeedRetryDelay,
			UserAgent:  gc.UserAgent,
		})))
	}
	if a.MMDB != nil {
		opts = append(opts, geo.WithReloader(a.MMDB))
	}

	return geo.NewEvaluator(table, geo.Config{
		SanctionedCountries: gc.SanctionedCountries,
		HighRiskThreshold:   gc.HighRiskThreshold,
	}, opts...)
}

// loadRules seeds the default rules, then applies the rules file on top
func (a *App) loadRules() error {
	if a.Config.Blocking.SeedDefaultRules {
		for _, r := range rules.DefaultRules() {
			if err := a.Engine.AddRule(r); err != nil {
				return fmt.Errorf("default rule %s: %w", r.ID, err)
			}
		}
	}

	path := a.Config.Blocking.RulesPath
	if path == "" {
		return nil
	}
	loaded, err := config.LoadRules(path)
	if err != nil {
		return err
	}
	for _, r := range loaded {
		if err := a.Engine.AddRule(r); err != nil {
			return fmt.Errorf("rule %s: %w", r.ID, err)
		}
	}
	logger.Info(fmt.Sprintf("Loaded %d rules from %s", len(loaded), path))
	return nil
}

func (a *App) buildReputation() (*reputation.Evaluator, error) {
	rc := a.Config.Reputation

	sc := scoring.DefaultConfig()
	if rc.Baseline > 0 {
		sc.Baseline = rc.Baseline
	}
	if rc.BlockThreshold > 0 {
		sc.BlockThreshold = rc.BlockThreshold
	}
	scorer := scoring.New(sc)

	var sources []reputation.Source
	for _, name := range rc.Sources {
		switch name {
		case "history":
			sources = append(sources, reputation.NewHistorySource(a.History, scorer, rc.HistoryWindow, nil))
		case "mmdb":
			if a.MMDB == nil || !a.MMDB.HasReputation() {
				logger.Info("Reputation MMDB not loaded, skipping mmdb source")
				continue
			}
			sources = append(sources, reputation.NewMMDBSource(a.MMDB, scorer))
		case "static":
			if len(rc.Static) == 0 {
				continue
			}
			entries := make([]reputation.StaticEntry, len(rc.Static))
			for i, s := range rc.Static {
				entries[i] = reputation.StaticEntry{CIDR: s.CIDR, Score: s.Score}
			}
			src, err := reputation.NewStaticSource(entries)
			if err != nil {
				return nil, fmt.Errorf("static reputation: %w", err)
			}
			sources = append(sources, src)
			logger.Info(fmt.Sprintf("Loaded %d static reputation ranges", src.Len()))
		default:
			return nil, fmt.Errorf("unknown reputation source %q", name)
		}
	}

	if rc.Cache == "redis" && a.redis != nil {
		a.Cache = cache.NewRedisCache(a.redis, rc.CacheTTL, rc.CachePrefix)
	} else {
		a.Cache = cache.NewMemoryCache(rc.CacheTTL, nil)
	}
	a.addCloser("cache", a.Cache.Close)

	ev := reputation.NewEvaluator(sources, a.Cache, scorer, reputation.Config{
		SourceTimeout:     rc.SourceTimeout,
		EvaluationTimeout: rc.EvaluationTimeout,
	})
	logger.Info("Reputation evaluator ready", zap.Strings("sources", ev.Sources()))
	return ev, nil
}

// HealthChecks returns a probe per connected backing service
func (a *App) HealthChecks() map[string]HealthCheck {
	out := make(map[string]HealthCheck, len(a.checks))
	for name, check := range a.checks {
		out[name] = check
	}
	return out
}

// Close stops the scheduler and releases every opened resource in reverse
// order of creation
func (a *App) Close() error {
	if a.Scheduler != nil && a.Scheduler.Running() {
		a.Scheduler.Stop()
	}

	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", c.name, err))
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
