package refsetlite

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/davidroman0O/refsetlite/internal/clock"
	"github.com/davidroman0O/refsetlite/internal/compare"
	"github.com/davidroman0O/refsetlite/internal/definition"
	"github.com/davidroman0O/refsetlite/internal/execution"
	"github.com/davidroman0O/refsetlite/internal/jobs"
	"github.com/davidroman0O/refsetlite/internal/metrics"
	"github.com/davidroman0O/refsetlite/internal/store"
	"github.com/davidroman0O/refsetlite/internal/store/memdb"
	"github.com/davidroman0O/refsetlite/internal/store/sqlite"
	"github.com/davidroman0O/refsetlite/internal/terminology"
	"github.com/davidroman0O/refsetlite/internal/upgrade"
	"github.com/davidroman0O/refsetlite/internal/workflow"
	"github.com/davidroman0O/refsetlite/logger"
	"github.com/davidroman0O/refsetlite/types"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
)

// Refsetlite owns every refset lifecycle component. Mutating operations go
// through the job coordinator: a refset that is already busy is reported as
// locked, never waited on.
type Refsetlite struct {
	ctx    context.Context
	cancel context.CancelFunc

	store       store.Store
	ownStore    bool
	terminology terminology.Server
	coordinator *jobs.Coordinator[types.JobStatus]
	workflow    *workflow.Engine
	resolver    *definition.Resolver
	upgrader    *upgrade.Engine
	comparisons *compare.Cache
	upgradePool *execution.WorkerPool[*upgradeTask, types.JobStatus]
	janitor     *clock.Clock
	metrics     *metrics.Metrics
	registry    *prometheus.Registry
	validate    *validator.Validate

	transactionMode store.TransactionMode
	batchSize       int
	batchParallel   int
	clock           func() time.Time

	logger logger.Logger
}

func New(ctx context.Context, opts ...Option) (*Refsetlite, error) {
	cfg := refsetliteConfig{
		batchSize:      500,
		upgradeWorkers: 2,
		queueLimit:     64,
		batchParallel:  4,
		ancestorLimit:  3,
		comparisonTTL:  30 * time.Minute,
		sweepInterval:  time.Minute,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	if cfg.logger == nil {
		cfg.logger = logger.NewDefaultLogger(slog.LevelInfo, logger.TextFormat)
	}
	if cfg.terminology == nil {
		return nil, fmt.Errorf("%w: a terminology server is required", types.ErrValidation)
	}
	if cfg.registry == nil {
		cfg.registry = prometheus.NewRegistry()
	}
	if cfg.clock == nil {
		cfg.clock = time.Now
	}

	ctx, cancel := context.WithCancel(ctx)

	st := cfg.store
	ownStore := false
	if st == nil {
		var err error
		if cfg.path != nil {
			cfg.logger.Debug(ctx, "Opening sqlite store", "path", *cfg.path)
			sqliteOpts := []sqlite.Option{sqlite.WithPath(*cfg.path), sqlite.WithLogger(cfg.logger)}
			if cfg.destructive {
				sqliteOpts = append(sqliteOpts, sqlite.WithDestructive())
			}
			st, err = sqlite.New(ctx, sqliteOpts...)
		} else {
			cfg.logger.Debug(ctx, "Memory store option")
			st, err = memdb.New()
		}
		if err != nil {
			cfg.logger.Error(ctx, "Error opening store", "error", err)
			cancel()
			return nil, err
		}
		ownStore = true
	}

	m := metrics.New(cfg.registry)

	r := &Refsetlite{
		ctx:         ctx,
		cancel:      cancel,
		store:       st,
		ownStore:    ownStore,
		terminology: cfg.terminology,
		coordinator: jobs.NewCoordinator(
			jobs.WithLogger[types.JobStatus](cfg.logger),
			jobs.WithObserver[types.JobStatus](m),
			jobs.WithErrorPayload(jobs.ErrorStatus),
		),
		workflow: workflow.New(
			workflow.WithLogger(cfg.logger),
			workflow.WithClock(cfg.clock),
			workflow.WithObserver(m),
		),
		resolver: definition.New(cfg.terminology, definition.WithLogger(cfg.logger)),
		upgrader: upgrade.New(cfg.terminology, upgradeOptions(cfg)...),
		comparisons: compare.NewCache(
			compare.WithTTL(cfg.comparisonTTL),
			compare.WithCacheClock(cfg.clock),
		),
		metrics:         m,
		registry:        cfg.registry,
		validate:        validator.New(),
		transactionMode: cfg.transactionMode,
		batchSize:       cfg.batchSize,
		batchParallel:   max(cfg.batchParallel, 1),
		clock:           cfg.clock,
		logger:          cfg.logger,
	}

	r.upgradePool = execution.NewWorkerPool(ctx, r.runUpgrade,
		execution.WithName("upgrade"),
		execution.WithWorkers(max(cfg.upgradeWorkers, 1)),
		execution.WithQueueLimit(cfg.queueLimit),
		execution.WithLogger(cfg.logger),
	)

	r.janitor = clock.NewClock(cfg.sweepInterval, clock.WithOnError(func(name string, err error) {
		r.logger.Warn(ctx, "Housekeeping failed", "ticker", name, "error", err)
	}))
	r.janitor.Add("comparisons", clock.TickerFunc(func(ctx context.Context) error {
		if n := r.comparisons.Sweep(); n > 0 {
			r.logger.Debug(ctx, "Dropped expired comparisons", "count", n)
		}
		return nil
	}))
	r.janitor.Start(ctx)

	r.logger.Info(ctx, "Refsetlite started", "transactionMode", cfg.transactionMode, "upgradeWorkers", cfg.upgradeWorkers)
	return r, nil
}

func upgradeOptions(cfg refsetliteConfig) []upgrade.Option {
	opts := []upgrade.Option{
		upgrade.WithAncestorLimit(cfg.ancestorLimit),
		upgrade.WithLogger(cfg.logger),
	}
	if len(cfg.preference) > 0 {
		opts = append(opts, upgrade.WithPreference(cfg.preference...))
	}
	return opts
}

// Registry holds the collectors of this instance.
func (r *Refsetlite) Registry() *prometheus.Registry {
	return r.registry
}

// Wait blocks until every detached upgrade compilation is done.
func (r *Refsetlite) Wait() error {
	return r.upgradePool.Wait()
}

func (r *Refsetlite) Close() error {
	var errs []error
	r.janitor.Stop()
	if err := r.upgradePool.Shutdown(); err != nil {
		errs = append(errs, err)
	}
	r.cancel()
	if r.ownStore {
		if err := r.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// job runs fn as the exclusive job of keys. Its payload is published for the
// next poll of the first key and returned.
func (r *Refsetlite) job(ctx context.Context, name string, fn func(ctx context.Context) (types.JobStatus, error), keys ...jobs.Key) (types.JobStatus, error) {
	start := time.Now()
	status, err := r.coordinator.RunExclusive(ctx, fn, keys...)
	r.finished(ctx, name, start, err, keys...)
	return status, err
}

// guard runs fn while holding keys without publishing anything.
func (r *Refsetlite) guard(ctx context.Context, name string, fn func(ctx context.Context) error, keys ...jobs.Key) error {
	start := time.Now()
	lease, err := r.coordinator.Acquire(keys...)
	if err != nil {
		r.finished(ctx, name, start, err, keys...)
		return err
	}
	defer lease.Release()
	err = fn(ctx)
	r.finished(ctx, name, start, err, keys...)
	return err
}

func (r *Refsetlite) finished(ctx context.Context, name string, start time.Time, err error, keys ...jobs.Key) {
	took := time.Since(start)
	r.metrics.JobFinished(name, took, err)
	switch types.Classify(err) {
	case types.KindInternal:
		if err != nil {
			r.logger.Error(ctx, "Job failed", "job", name, "job.key", keys, "error", err)
			return
		}
	case types.KindLocked:
		r.logger.Debug(ctx, "Job rejected", "job", name, "job.key", keys)
		return
	default:
		r.logger.Info(ctx, "Job refused", "job", name, "job.key", keys, "error", err)
		return
	}
	r.logger.Info(ctx, "Job done", "job", name, "job.key", keys, "took", took)
}

func (r *Refsetlite) now() time.Time {
	return r.clock().UTC()
}

// draft loads the draft of refsetID and checks that actor may change it.
func (r *Refsetlite) draft(ctx context.Context, actor types.Actor, refsetID types.RefsetID) (*types.RefsetVersion, error) {
	var v *types.RefsetVersion
	err := store.View(ctx, r.store, func(tx store.Tx) error {
		var err error
		v, err = tx.Draft(refsetID)
		return err
	})
	if err != nil {
		return nil, r.storeError(err, "refset %s has no version in development", refsetID)
	}
	if !workflow.CanView(actor, v) {
		return nil, fmt.Errorf("%w: refset %s", types.ErrNotFound, refsetID)
	}
	if err := workflow.CanMutate(actor, v); err != nil {
		return nil, err
	}
	return v, nil
}

// version loads id when actor may see it.
func (r *Refsetlite) version(ctx context.Context, actor types.Actor, id types.VersionID) (*types.RefsetVersion, error) {
	var v *types.RefsetVersion
	err := store.View(ctx, r.store, func(tx store.Tx) error {
		var err error
		v, err = tx.GetVersion(id)
		return err
	})
	if err != nil {
		return nil, r.storeError(err, "version %s", id)
	}
	if !workflow.CanView(actor, v) {
		return nil, fmt.Errorf("%w: version %s", types.ErrNotFound, id)
	}
	return v, nil
}

// storeError maps store failures onto the error taxonomy.
func (r *Refsetlite) storeError(err error, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("%w: %s", types.ErrNotFound, msg)
	case errors.Is(err, store.ErrAlreadyExists):
		return fmt.Errorf("%w: %s", types.ErrConflict, msg)
	case errors.Is(err, store.ErrImmutable):
		return fmt.Errorf("%w: %s: %w", types.ErrForbidden, msg, err)
	case types.Classify(err) != types.KindInternal:
		return err
	default:
		return errors.Join(types.ErrInternal, fmt.Errorf("%s: %w", msg, err))
	}
}
