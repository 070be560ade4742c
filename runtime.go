package buns

import (
	"context"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/bunsdb/buns/internal/archetype"
	"github.com/bunsdb/buns/internal/cache"
	"github.com/bunsdb/buns/internal/config"
	"github.com/bunsdb/buns/internal/hooks"
	"github.com/bunsdb/buns/internal/lifecycle"
	"github.com/bunsdb/buns/internal/lock"
	"github.com/bunsdb/buns/internal/pgstore"
	"github.com/bunsdb/buns/internal/query"
	"github.com/bunsdb/buns/internal/registry"
	"github.com/bunsdb/buns/internal/scheduler"
	"github.com/bunsdb/buns/internal/schema"
	"github.com/bunsdb/buns/internal/telemetry"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

// Runtime wires the subsystems together: one database pool, one component
// registry, and the store/query/hook/scheduler layers over them.
type Runtime struct {
	cfg       *config.Manager
	log       *zap.Logger
	db        *sqlx.DB
	phases    *lifecycle.Coordinator
	reg       *registry.Registry
	schema    *schema.Manager
	store     *pgstore.Store
	hooks     *hooks.Dispatcher
	cache     cache.Provider
	locks     *lock.Manager
	sched     *scheduler.Scheduler
	arch      *archetype.Manager
	unobserve func()
}

// Open loads configuration, connects to PostgreSQL, ensures the base schema,
// and constructs every subsystem. The runtime comes back in the
// database-ready phase; register components and call Start to finish boot.
func Open(ctx context.Context, configPath string) (*Runtime, error) {
	cfgm, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	log, err := cfgm.BuildLogger()
	if err != nil {
		return nil, err
	}
	cfg := cfgm.Config()

	if err := telemetry.Init(ctx, "buns", Version); err != nil {
		log.Warn("telemetry init failed", zap.Error(err))
	}

	phases := lifecycle.New(log)

	db, err := sqlx.Open("pgx", cfg.Database.DSN())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxConnections)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	sm := schema.NewManager(db, log)
	if err := sm.EnsureBase(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := phases.Advance(lifecycle.PhaseDatabaseReady); err != nil {
		_ = db.Close()
		return nil, err
	}

	reg := registry.New(log)
	dispatcher := hooks.New(ctx, reg, log)

	provider, err := buildCache(ctx, cfg.Cache, log)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	store := pgstore.New(db, reg, pgstore.Options{
		Emitter: dispatcher,
		Cache:   provider,
	}, log)

	var locks *lock.Manager
	if cfg.Lock.Enabled {
		// The scheduler section's lock knobs apply when the lock section
		// leaves them unset.
		lockTimeout := cfg.Lock.LockTimeout
		if lockTimeout <= 0 {
			lockTimeout = cfg.Scheduler.LockTimeout
		}
		retryInterval := cfg.Lock.RetryInterval
		if retryInterval <= 0 {
			retryInterval = cfg.Scheduler.LockRetryInterval
		}
		locks = lock.NewManager(db, lock.Options{
			Prefix:        cfg.Lock.LockKeyPrefix,
			Timeout:       lockTimeout,
			RetryInterval: retryInterval,
		}, log)
	}

	var sched *scheduler.Scheduler
	if cfg.Scheduler.Enabled {
		var locker scheduler.Locker
		if locks != nil {
			locker = locks
		}
		sched = scheduler.New(store, reg, locker, scheduler.Options{
			MaxConcurrentTasks: cfg.Scheduler.MaxConcurrentTasks,
			DefaultTimeout:     cfg.Scheduler.DefaultTimeout,
			DistributedLocking: cfg.Scheduler.DistributedLocking && locks != nil,
			RunOnStart:         cfg.Scheduler.RunOnStart,
			EnableLogging:      cfg.Scheduler.EnableLogging,
		}, log)
	}

	rt := &Runtime{
		cfg:    cfgm,
		log:    log,
		db:     db,
		phases: phases,
		reg:    reg,
		schema: sm,
		store:  store,
		hooks:  dispatcher,
		cache:  provider,
		locks:  locks,
		sched:  sched,
		arch:   archetype.NewManager(store, reg, log),
	}
	if sched != nil {
		rt.unobserve = telemetry.ObserveScheduler(sched)
	}
	cfgm.Watch(nil)
	return rt, nil
}

func buildCache(ctx context.Context, cfg config.CacheConfig, log *zap.Logger) (cache.Provider, error) {
	if !cfg.Enabled || cfg.Provider == "none" || cfg.Provider == "" {
		return cache.NewNoop(), nil
	}

	var inner cache.Provider
	switch cfg.Provider {
	case "memory":
		m, err := cache.NewMemory(cache.MemoryOptions{
			MaxEntries:      cfg.Memory.MaxEntries,
			MaxMemory:       cfg.Memory.MaxMemory,
			DefaultTTL:      cfg.DefaultTTL,
			CleanupInterval: cfg.Memory.CleanupInterval,
		}, log)
		if err != nil {
			return nil, err
		}
		inner = m
	case "redis":
		r, err := cache.NewRedis(ctx, cache.RedisOptions{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			DefaultTTL: cfg.DefaultTTL,
			KeyPrefix:  cfg.Redis.KeyPrefix,
		}, log)
		if err != nil {
			return nil, err
		}
		inner = r
	default:
		return nil, fmt.Errorf("cache provider %q: unknown", cfg.Provider)
	}

	if cfg.Strategy == "adaptive" {
		return cache.NewAdaptive(inner, cache.AdaptiveOptions{
			BaseTTL:       cfg.DefaultTTL,
			Window:        cfg.Adaptive.Window,
			HotThreshold:  cfg.Adaptive.HotThreshold,
			ColdThreshold: cfg.Adaptive.ColdThreshold,
			MinTTL:        cfg.Adaptive.MinTTL,
		}, log), nil
	}
	return inner, nil
}

// RegisterComponent interns the class, creates its partition, and builds its
// indexes. Must be called before Start.
func (r *Runtime) RegisterComponent(ctx context.Context, class ComponentClass) error {
	if _, err := r.reg.RegisterComponent(class); err != nil {
		return err
	}
	interned, err := r.reg.ComponentByName(class.Name)
	if err != nil {
		return err
	}
	if err := r.schema.EnsurePartition(ctx, interned); err != nil {
		return err
	}
	return r.schema.EnsureIndexes(ctx, interned)
}

// RegisterArchetype compiles and registers an archetype over already
// registered component classes.
func (r *Runtime) RegisterArchetype(meta ArchetypeMeta) (*Archetype, error) {
	return r.arch.Register(meta)
}

// RegisterTask adds a scheduled task. Fails when the scheduler is disabled.
func (r *Runtime) RegisterTask(t *Task) error {
	if r.sched == nil {
		return fmt.Errorf("scheduler disabled")
	}
	return r.sched.Register(t)
}

// Start seals component registration and brings the runtime to app-ready,
// starting the scheduler if enabled.
func (r *Runtime) Start(ctx context.Context) error {
	if err := r.phases.Advance(lifecycle.PhaseComponentsReady); err != nil {
		return err
	}
	if r.sched != nil {
		r.sched.Start(ctx)
	}
	if err := r.phases.Advance(lifecycle.PhaseAppReady); err != nil {
		return err
	}
	r.log.Info("runtime ready",
		zap.Int("components", len(r.reg.Components())),
		zap.Bool("scheduler", r.sched != nil))
	return nil
}

// Close stops the scheduler, releases held locks, and closes the cache and
// database. Safe to call once.
func (r *Runtime) Close(ctx context.Context) error {
	if r.sched != nil {
		r.sched.Stop()
	}
	if r.unobserve != nil {
		r.unobserve()
	}
	if r.locks != nil {
		if err := r.locks.Close(ctx); err != nil {
			r.log.Warn("lock shutdown", zap.Error(err))
		}
	}
	if r.cache != nil {
		if err := r.cache.Close(); err != nil {
			r.log.Warn("cache shutdown", zap.Error(err))
		}
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	telemetry.Shutdown(sctx)
	err := r.db.Close()
	_ = r.log.Sync()
	return err
}

// Entity creates a fresh in-memory entity handle.
func (r *Runtime) Entity() (*Entity, error) { return r.store.Create() }

// Query starts a query over the entity store.
func (r *Runtime) Query() *Query { return query.New(r.store, r.reg, r.log) }

// Archetype returns a registered archetype by name.
func (r *Runtime) Archetype(name string) (*Archetype, error) { return r.arch.Get(name) }

// Hooks exposes the hook dispatcher for registration.
func (r *Runtime) Hooks() *hooks.Dispatcher { return r.hooks }

// Store exposes the entity store.
func (r *Runtime) Store() *pgstore.Store { return r.store }

// Registry exposes the component metadata registry.
func (r *Runtime) Registry() *registry.Registry { return r.reg }

// Scheduler exposes the task scheduler, nil when disabled.
func (r *Runtime) Scheduler() *scheduler.Scheduler { return r.sched }

// Locks exposes the advisory lock manager, nil when disabled.
func (r *Runtime) Locks() *lock.Manager { return r.locks }

// Cache exposes the component cache provider.
func (r *Runtime) Cache() cache.Provider { return r.cache }

// Config returns the effective configuration.
func (r *Runtime) Config() config.Config { return r.cfg.Config() }

// Logger returns the process logger.
func (r *Runtime) Logger() *zap.Logger { return r.log }

// Phase reports the current lifecycle phase as a string.
func (r *Runtime) Phase() string { return r.phases.Current().String() }
