// Package app wires configuration, stores and services into the components
// shared by the CLI, the HTTP server and the Lambda trigger.
package app

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/jonathan/pick-agent/internal/clock"
	"github.com/jonathan/pick-agent/internal/config"
	"github.com/jonathan/pick-agent/internal/cooldown"
	"github.com/jonathan/pick-agent/internal/db"
	"github.com/jonathan/pick-agent/internal/db/dynamo"
	"github.com/jonathan/pick-agent/internal/db/sqlite"
	"github.com/jonathan/pick-agent/internal/errors"
	"github.com/jonathan/pick-agent/internal/feeds"
	"github.com/jonathan/pick-agent/internal/llm"
	"github.com/jonathan/pick-agent/internal/lock"
	"github.com/jonathan/pick-agent/internal/logger"
	"github.com/jonathan/pick-agent/internal/pipeline"
	"github.com/jonathan/pick-agent/internal/research"
	"github.com/jonathan/pick-agent/internal/scheduler"
	"github.com/jonathan/pick-agent/internal/server"
	"github.com/jonathan/pick-agent/internal/server/ratelimit"
	"github.com/jonathan/pick-agent/internal/types"
)

// Store is the full SQL store: runs, steps, schedules, outcomes, idempotency
// records, and the default lock and cooldown tables.
type Store interface {
	pipeline.Store
	scheduler.Store
	server.Store
	lock.Store
	cooldown.Store

	UpsertSchedule(ctx context.Context, in types.ScheduleInput, now time.Time) (*types.Schedule, error)
	GetSchedule(ctx context.Context, subjectID, category, kind string) (*types.Schedule, error)
	SetScheduleEnabled(ctx context.Context, subjectID, category, kind string, enabled bool, now time.Time) (bool, error)
	GradeOutcome(ctx context.Context, runID uuid.UUID, result string, profitUnits float64) error
	Close()
}

// Coordination is the store behind locks and cooldowns.
type Coordination interface {
	lock.Store
	cooldown.Store
}

// App holds the wired components of one process.
type App struct {
	Config    *config.Config
	Store     Store
	Locks     *lock.Manager
	Cooldowns *cooldown.Ledger
	Pipeline  *pipeline.Orchestrator
	Scheduler *scheduler.Scheduler
	Clock     clock.Clock

	closers []func()
}

type options struct {
	clock        clock.Clock
	store        Store
	games        pipeline.GameSource
	researcher   pipeline.Researcher
	coordination Coordination
}

// Option overrides a dependency Build would otherwise construct.
type Option func(*options)

// WithClock sets the clock used by every component.
func WithClock(clk clock.Clock) Option {
	return func(o *options) { o.clock = clk }
}

// WithStore uses an already opened store. The App does not close it.
func WithStore(s Store) Option {
	return func(o *options) { o.store = s }
}

// WithGameSource replaces the feed client.
func WithGameSource(g pipeline.GameSource) Option {
	return func(o *options) { o.games = g }
}

// WithResearcher replaces the research analyst.
func WithResearcher(r pipeline.Researcher) Option {
	return func(o *options) { o.researcher = r }
}

// WithCoordination replaces the lock and cooldown store.
func WithCoordination(c Coordination) Option {
	return func(o *options) { o.coordination = c }
}

// Build opens the stores and wires the orchestrator and the scheduler.
func Build(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.clock == nil {
		o.clock = clock.Real{}
	}

	a := &App{Config: cfg, Clock: o.clock}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	a.Store = o.store
	if a.Store == nil {
		store, err := OpenStore(ctx, cfg)
		if err != nil {
			return nil, err
		}
		a.Store = store
		a.closers = append(a.closers, store.Close)
	}

	coord := o.coordination
	if coord == nil {
		var err error
		if coord, err = a.openCoordination(ctx); err != nil {
			return nil, err
		}
	}

	var lockOpts []lock.Option
	if cfg.LockMode == config.LockModeTwoStep {
		lockOpts = append(lockOpts, lock.WithTwoStep())
	}
	a.Locks = lock.NewManager(coord, o.clock, lockOpts...)
	a.Cooldowns = cooldown.NewLedger(coord, o.clock, cooldown.Policy{
		PassWindow:  cfg.Cooldown.PassWindow,
		ErrorWindow: cfg.Cooldown.ErrorWindow,
	})

	profiles, err := config.LoadProfiles(cfg.ScoringProfilesPath)
	if err != nil {
		return nil, err
	}

	games := o.games
	if games == nil {
		games = feeds.NewClient(feeds.Config{
			BaseURL:    cfg.Feeds.BaseURL,
			APIKey:     cfg.Feeds.APIKey,
			RatePerSec: cfg.Feeds.RatePerSec,
			Burst:      cfg.Feeds.Burst,
			Timeout:    cfg.Pipeline.ExternalCallTimeout,
		})
	}

	researcher := o.researcher
	if researcher == nil && cfg.Research.Enabled {
		client, err := llm.NewClient(ctx, llm.DefaultConfig(), cfg.Research.APIKey)
		if err != nil {
			return nil, errors.Wrap(err, "failed to create research client")
		}
		analyst := research.NewAnalyst(client, llm.TierLite)
		a.closers = append(a.closers, func() { _ = analyst.Close() })
		researcher = analyst
	}

	a.Pipeline = pipeline.New(pipeline.Deps{
		Store:     a.Store,
		Games:     games,
		Research:  researcher,
		Cooldowns: a.Cooldowns,
		Locks:     a.Locks,
		Scoring:   profiles,
		Clock:     o.clock,
	}, pipeline.Config{
		Timeout:             cfg.Pipeline.Timeout,
		ExternalCallTimeout: cfg.Pipeline.ExternalCallTimeout,
		RunClaimTTL:         cfg.Pipeline.RunClaimTTL,
		MinLeadTime:         cfg.Pipeline.MinLeadTime,
		Lookahead:           cfg.Pipeline.Lookahead,
		SubjectLockTTL:      cfg.Scheduler.SubjectLockTTL,
	})

	a.Scheduler = scheduler.New(a.Store, a.Locks, a.Pipeline, o.clock, scheduler.Config{
		LockTTL:         cfg.Scheduler.LockTTL,
		PipelineTimeout: cfg.Pipeline.Timeout,
		MaxConcurrency:  cfg.Scheduler.MaxConcurrency,
		BatchLimit:      cfg.Scheduler.BatchLimit,
	})

	logger.Logger.Infow("application wired",
		"store", cfg.StoreDriver,
		"coordination", cfg.CoordinationBackend,
		"lock_mode", cfg.LockMode,
		"profiles", profiles.Len(),
		"research", researcher != nil,
	)
	ok = true
	return a, nil
}

// OpenStore opens the configured SQL store and applies its schema.
func OpenStore(ctx context.Context, cfg *config.Config) (Store, error) {
	switch cfg.StoreDriver {
	case config.DriverSQLite:
		store, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, errors.Wrap(err, "failed to open sqlite store")
		}
		return store, nil
	case config.DriverPostgres:
		database, err := db.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, errors.Wrap(err, "failed to connect to database")
		}
		if err := database.Migrate(ctx); err != nil {
			database.Close()
			return nil, errors.Wrap(err, "failed to migrate database")
		}
		return database, nil
	default:
		return nil, errors.Wrapf(errors.ErrInvalidRequest, "unknown store driver %q", cfg.StoreDriver)
	}
}

func (a *App) openCoordination(ctx context.Context) (Coordination, error) {
	if a.Config.CoordinationBackend != config.CoordinationDynamoDB {
		return a.Store, nil
	}
	store, err := dynamo.New(ctx, dynamo.Options{
		TableName: a.Config.DynamoDBTable,
		Region:    a.Config.AWSRegion,
		Endpoint:  a.Config.DynamoDBEndpoint,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create dynamodb coordination store")
	}
	return store, nil
}

// RequireWrites returns an error wrapping errors.ErrServiceUnavailable when
// the deployment is read-only.
func (a *App) RequireWrites() error {
	if a.Config.WritesEnabled {
		return nil
	}
	return errors.Wrap(errors.ErrServiceUnavailable, "writes are disabled (WRITES_ENABLED=false)")
}

// ServerConfig derives the HTTP server configuration.
func (a *App) ServerConfig(port int) server.Config {
	return server.Config{
		Port:           port,
		WritesEnabled:  a.Config.WritesEnabled,
		IdempotencyTTL: a.Config.Idempotency.ReservationTTL,
		RateLimit: ratelimit.NewConfig(ratelimit.Settings{
			Enabled:       a.Config.RateLimit.Enabled,
			DefaultLimit:  a.Config.RateLimit.DefaultLimit,
			DefaultWindow: a.Config.RateLimit.DefaultWindow,
			Whitelist:     a.Config.RateLimit.Whitelist,
			Blacklist:     a.Config.RateLimit.Blacklist,
		}),
	}
}

// NewServer creates the HTTP server over the wired components.
func (a *App) NewServer(port int) (*server.Server, error) {
	return server.New(a.ServerConfig(port), server.Deps{
		Pipeline:  a.Pipeline,
		Scheduler: a.Scheduler,
		Store:     a.Store,
		Clock:     a.Clock,
	})
}

// Close releases everything Build opened, in reverse order.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
