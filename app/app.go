// Package app wires the taskflow services over one storage backend.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/songzhibin97/gkit/generator"
	"github.com/songzhibin97/task-journey/catalog"
	"github.com/songzhibin97/task-journey/config"
	"github.com/songzhibin97/task-journey/directory"
	"github.com/songzhibin97/task-journey/events"
	"github.com/songzhibin97/task-journey/review"
	"github.com/songzhibin97/task-journey/rules"
	"github.com/songzhibin97/task-journey/storage"
	"github.com/songzhibin97/task-journey/types"
	"github.com/songzhibin97/task-journey/workflow"
)

// App holds every service of one taskflow instance.
type App struct {
	Config  *config.Config
	Logger  *slog.Logger
	Backend storage.Backend
	Bus     *events.EventBus
	IDs     generator.Generator

	Categories   *catalog.Categories
	Checklists   *catalog.Checklists
	Guidelines   *catalog.Guidelines
	Worksheets   *catalog.Worksheets
	Users        *directory.Users
	Templates    *workflow.Templates
	Dependencies *workflow.Dependencies
	Journey      *workflow.Journey
	Tasks        *review.Tasks
	Analytics    *review.Analytics

	closers []func() error
}

type buildOptions struct {
	logOutput io.Writer
	backend   storage.Backend
	gen       generator.Generator
	now       func() time.Time
}

// Option customizes New.
type Option func(*buildOptions)

// WithLogOutput sends logs to w instead of stderr.
func WithLogOutput(w io.Writer) Option {
	return func(o *buildOptions) {
		o.logOutput = w
	}
}

// WithBackend uses backend instead of the one named in the config.
func WithBackend(backend storage.Backend) Option {
	return func(o *buildOptions) {
		o.backend = backend
	}
}

// WithGenerator replaces the snowflake id generator.
func WithGenerator(gen generator.Generator) Option {
	return func(o *buildOptions) {
		o.gen = gen
	}
}

// WithClock overrides time.Now in every service.
func WithClock(now func() time.Time) Option {
	return func(o *buildOptions) {
		o.now = now
	}
}

type machineID interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 | ~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64
}

// newSnowflake adapts the configured machine id to the generator's parameter type.
func newSnowflake[M machineID, G generator.Generator](ctor func(time.Time, M) G, id int) generator.Generator {
	return ctor(time.Now().Add(-1*time.Second), M(id))
}

// New builds an App from cfg. A nil cfg means config.DefaultConfig().
func New(cfg *config.Config, opts ...Option) (*App, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := buildOptions{logOutput: os.Stderr, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{Config: cfg, Logger: cfg.NewLogger(o.logOutput)}

	backend := o.backend
	if backend == nil {
		var err error
		backend, err = a.openBackend()
		if err != nil {
			return nil, err
		}
	}
	a.Backend = backend

	a.IDs = o.gen
	if a.IDs == nil {
		a.IDs = newSnowflake(generator.NewSnowflake, cfg.IDs.MachineID)
	}

	a.Bus = events.NewEventBus(events.WithBufferSize(cfg.Events.BufferSize), events.WithLogger(a.Logger))
	a.Bus.SubscribeFunc(events.AllEvents, func(ctx context.Context, e events.Event) error {
		a.Logger.Debug("event", "type", e.Type, "entity", e.EntityID, "data", e.Data)
		return nil
	})
	a.closers = append(a.closers, func() error {
		a.Bus.Stop()
		return nil
	})

	if err := a.wire(o.now); err != nil {
		_ = a.Close()
		return nil, err
	}
	a.Logger.Info("taskflow ready", "backend", cfg.Storage.Backend, "path", cfg.Storage.Path, "chunkSize", cfg.Storage.ChunkSize)
	return a, nil
}

func (a *App) openBackend() (storage.Backend, error) {
	cfg := a.Config
	switch cfg.Storage.Backend {
	case "redis":
		rb, err := storage.NewRedisBackend(storage.RedisOptions{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
			IdleTimeout:  cfg.Redis.IdleTimeout,
			KeyPrefix:    cfg.Storage.KeyPrefix,
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, rb.Close)
		return rb, nil
	case "file":
		var opts []storage.FileOption
		if cfg.Storage.Quota > 0 {
			opts = append(opts, storage.WithFileQuota(cfg.Storage.Quota))
		}
		fb, err := storage.OpenFileBackend(cfg.Storage.Path, opts...)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", types.ErrStorage, err)
		}
		return fb, nil
	default:
		var opts []storage.MemoryOption
		if cfg.Storage.Quota > 0 {
			opts = append(opts, storage.WithQuota(cfg.Storage.Quota))
		}
		return storage.NewMemoryBackend(opts...), nil
	}
}

func collection[T any](a *App, key string, opts ...storage.CollectionOption[T]) *storage.Collection[T] {
	opts = append([]storage.CollectionOption[T]{
		storage.WithChunkSize[T](a.Config.Storage.ChunkSize),
		storage.WithCollectionLogger[T](a.Logger),
	}, opts...)
	return storage.NewCollection[T](a.Backend, key, opts...)
}

func (a *App) wire(now func() time.Time) error {
	logger := a.Logger

	catalogOpts := []catalog.Option{catalog.WithLogger(logger), catalog.WithClock(now)}
	a.Categories = catalog.NewCategories(collection[types.Category](a, storage.KeyCategories), a.IDs, catalogOpts...)
	a.Checklists = catalog.NewChecklists(collection(a, storage.KeyChecklists,
		storage.WithNormalizer[types.Checklist](catalog.NormalizeChecklist)), a.IDs, catalogOpts...)
	a.Guidelines = catalog.NewGuidelines(collection(a, storage.KeyGuidelines,
		storage.WithNormalizer[types.Guideline](catalog.NormalizeGuideline)), a.IDs, catalogOpts...)
	a.Worksheets = catalog.NewWorksheets(collection[types.WorksheetTemplate](a, storage.KeyWorksheets), a.IDs, catalogOpts...)
	a.Users = directory.NewUsers(collection[types.User](a, storage.KeyUsers), a.IDs, logger)

	wfOpts := []workflow.Option{
		workflow.WithLogger(logger),
		workflow.WithClock(now),
		workflow.WithEventBus(a.Bus),
		workflow.WithCategories(a.Categories),
		workflow.WithUsers(a.Users),
		workflow.WithWorksheets(a.Worksheets),
	}
	a.Templates = workflow.NewTemplates(collection[types.Workflow](a, storage.KeyWorkflows), a.IDs, wfOpts...)
	a.Dependencies = workflow.NewDependencies(collection[types.UserDependency](a, storage.KeyUserDependencies), a.Templates, a.IDs, wfOpts...)
	a.Journey = workflow.NewJourney(a.Templates, a.Dependencies, wfOpts...)

	a.Tasks = review.NewTasks(collection[types.Task](a, storage.KeyTasks), a.IDs,
		review.WithJourney(a.Journey, a.Templates, a.Dependencies),
		review.WithChecklists(a.Checklists),
		review.WithCategories(a.Categories),
		review.WithLogger(logger),
		review.WithClock(now),
		review.WithEventBus(a.Bus),
	)
	a.Tasks.Subscribe(func(ctx context.Context, items []types.Task) {
		logger.Debug("tasks saved", "count", len(items))
	})

	eval := rules.NewExprEvaluator()
	eval.AddDerived("stageProgress", stageProgress)
	if err := eval.Validate(a.Config.Analytics.StuckRule, review.Env(types.Task{})); err != nil {
		return fmt.Errorf("%w: stuck rule %q: %w", types.ErrValidation, a.Config.Analytics.StuckRule, err)
	}
	a.Analytics = review.NewAnalytics(a.Tasks, eval, a.Config.Analytics.StuckRule)
	return nil
}

// stageProgress is the fraction of stages finished, 0 for tasks without a journey.
func stageProgress(env map[string]interface{}) interface{} {
	total, _ := env["stageCount"].(int)
	current, _ := env["currentStage"].(int)
	if total == 0 {
		return 0.0
	}
	if done, _ := env["isWorkflowComplete"].(bool); done {
		return 1.0
	}
	if current < 1 {
		current = 1
	}
	return float64(current-1) / float64(total)
}

// Migrate converts every legacy workflow task to stage instances.
func (a *App) Migrate(ctx context.Context) (int, error) {
	n, err := a.Tasks.MigrateAll(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		a.Logger.Info("migrated tasks to journeys", "count", n)
	}
	return n, nil
}

// Close stops the event bus and releases the backend.
func (a *App) Close() error {
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	a.closers = nil
	return first
}
