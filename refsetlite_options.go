package refsetlite

import (
	"time"

	"github.com/davidroman0O/refsetlite/internal/store"
	"github.com/davidroman0O/refsetlite/internal/terminology"
	"github.com/davidroman0O/refsetlite/logger"
	"github.com/davidroman0O/refsetlite/types"
	"github.com/prometheus/client_golang/prometheus"
)

type refsetliteConfig struct {
	path        *string
	destructive bool
	store       store.Store
	logger      logger.Logger
	terminology terminology.Server
	registry    *prometheus.Registry
	clock       func() time.Time

	transactionMode store.TransactionMode
	batchSize       int

	upgradeWorkers int
	queueLimit     int
	batchParallel  int
	preference     []types.AssociationType
	ancestorLimit  int
	comparisonTTL  time.Duration
	sweepInterval  time.Duration
}

// Option configures New.
type Option func(*refsetliteConfig)

func WithLogger(logger logger.Logger) Option {
	return func(c *refsetliteConfig) {
		c.logger = logger
	}
}

// WithPath keeps versions in a SQLite database at path.
func WithPath(path string) Option {
	return func(c *refsetliteConfig) {
		c.path = &path
	}
}

// WithMemory keeps versions in memory. This is the default.
func WithMemory() Option {
	return func(c *refsetliteConfig) {
		c.path = nil
	}
}

func WithDestructive() Option {
	return func(c *refsetliteConfig) {
		c.destructive = true
	}
}

// WithStore uses an already opened store. It takes precedence over WithPath.
func WithStore(s store.Store) Option {
	return func(c *refsetliteConfig) {
		c.store = s
	}
}

func WithTerminology(server terminology.Server) Option {
	return func(c *refsetliteConfig) {
		c.terminology = server
	}
}

// WithRegistry registers the collectors on reg instead of a private registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(c *refsetliteConfig) {
		c.registry = reg
	}
}

func WithClock(clock func() time.Time) Option {
	return func(c *refsetliteConfig) {
		c.clock = clock
	}
}

func WithTransactionMode(mode store.TransactionMode) Option {
	return func(c *refsetliteConfig) {
		c.transactionMode = mode
	}
}

// WithBatchSize is the number of member writes per commit in per-operation mode.
func WithBatchSize(n int) Option {
	return func(c *refsetliteConfig) {
		c.batchSize = n
	}
}

func WithUpgradeWorkers(n int) Option {
	return func(c *refsetliteConfig) {
		c.upgradeWorkers = n
	}
}

// WithQueueLimit bounds the upgrade compilations waiting for a worker.
func WithQueueLimit(n int) Option {
	return func(c *refsetliteConfig) {
		c.queueLimit = n
	}
}

// WithBatchParallelism bounds how many versions of a batch compile at once.
func WithBatchParallelism(n int) Option {
	return func(c *refsetliteConfig) {
		c.batchParallel = n
	}
}

func WithAssociationPreference(p ...types.AssociationType) Option {
	return func(c *refsetliteConfig) {
		c.preference = p
	}
}

func WithAncestorLimit(n int) Option {
	return func(c *refsetliteConfig) {
		c.ancestorLimit = n
	}
}

func WithComparisonTTL(ttl time.Duration) Option {
	return func(c *refsetliteConfig) {
		c.comparisonTTL = ttl
	}
}

// WithSweepInterval sets how often expired comparisons are dropped. Zero
// leaves them until the next access of the cache.
func WithSweepInterval(interval time.Duration) Option {
	return func(c *refsetliteConfig) {
		c.sweepInterval = interval
	}
}
