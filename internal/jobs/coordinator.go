// Package jobs is the advisory lock set and one-shot result handoff shared by
// every mutating job. Locks never block: a held key is reported as locked and
// the caller is expected to poll.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/davidroman0O/refsetlite/logger"
	"github.com/davidroman0O/refsetlite/types"
	"github.com/sasha-s/go-deadlock"
)

// Key identifies a lockable unit: one refset, one batch, one comparison.
type Key string

// Observer receives lock and job events, typically for metrics.
type Observer interface {
	LockAcquired(key Key)
	LockReleased(key Key, held time.Duration)
	LockConflict(key Key)
}

type nopObserver struct{}

func (nopObserver) LockAcquired(Key)                {}
func (nopObserver) LockReleased(Key, time.Duration) {}
func (nopObserver) LockConflict(Key)                {}

type coordinatorConfig[P any] struct {
	logger   logger.Logger
	observer Observer
	onError  func(error) P
}

type CoordinatorOption[P any] func(*coordinatorConfig[P])

func WithLogger[P any](l logger.Logger) CoordinatorOption[P] {
	return func(c *coordinatorConfig[P]) {
		c.logger = l
	}
}

func WithObserver[P any](o Observer) CoordinatorOption[P] {
	return func(c *coordinatorConfig[P]) {
		c.observer = o
	}
}

// WithErrorPayload builds the payload published when a leased job fails or panics.
func WithErrorPayload[P any](fn func(error) P) CoordinatorOption[P] {
	return func(c *coordinatorConfig[P]) {
		c.onError = fn
	}
}

// Coordinator holds the lock set and the result registry. It is built once
// and shared by reference.
type Coordinator[P any] struct {
	mu       deadlock.Mutex
	locks    map[Key]time.Time
	results  map[Key]P
	logger   logger.Logger
	observer Observer
	onError  func(error) P
}

func NewCoordinator[P any](opts ...CoordinatorOption[P]) *Coordinator[P] {
	cfg := coordinatorConfig[P]{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = logger.NewNopLogger()
	}
	if cfg.observer == nil {
		cfg.observer = nopObserver{}
	}
	if cfg.onError == nil {
		cfg.onError = func(error) P {
			var zero P
			return zero
		}
	}
	return &Coordinator[P]{
		locks:    make(map[Key]time.Time),
		results:  make(map[Key]P),
		logger:   cfg.logger,
		observer: cfg.observer,
		onError:  cfg.onError,
	}
}

// TryAcquire marks key as busy. It returns false when key is already held.
func (c *Coordinator[P]) TryAcquire(key Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.locks[key]; ok {
		c.observer.LockConflict(key)
		return false
	}
	c.locks[key] = time.Now()
	c.observer.LockAcquired(key)
	return true
}

// Release is idempotent.
func (c *Coordinator[P]) Release(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.release(key)
}

func (c *Coordinator[P]) release(key Key) {
	since, ok := c.locks[key]
	if !ok {
		return
	}
	delete(c.locks, key)
	c.observer.LockReleased(key, time.Since(since))
}

func (c *Coordinator[P]) IsBusy(key Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.locks[key]
	return ok
}

// PublishResult stores payload for the next drain, replacing any unread one.
func (c *Coordinator[P]) PublishResult(key Key, payload P) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results[key] = payload
}

// DrainResult returns and removes the pending payload.
func (c *Coordinator[P]) DrainResult(key Key) (P, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	payload, ok := c.results[key]
	if ok {
		delete(c.results, key)
	}
	return payload, ok
}

// Acquire locks every key or none of them. The first key is where the
// job's result is published.
func (c *Coordinator[P]) Acquire(keys ...Key) (*Lease[P], error) {
	if len(keys) == 0 {
		return nil, errors.New("no key to acquire")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		if _, ok := c.locks[k]; ok {
			c.observer.LockConflict(k)
			c.logger.Debug(context.Background(), "Lock conflict", "job.key", k)
			return nil, fmt.Errorf("%w: %s", types.ErrLocked, k)
		}
	}
	now := time.Now()
	for _, k := range keys {
		c.locks[k] = now
		c.observer.LockAcquired(k)
	}
	return &Lease[P]{coordinator: c, keys: keys}, nil
}

// RunExclusive acquires keys, runs fn and publishes its payload. The lock is
// released on every path.
func (c *Coordinator[P]) RunExclusive(ctx context.Context, fn func(ctx context.Context) (P, error), keys ...Key) (P, error) {
	lease, err := c.Acquire(keys...)
	if err != nil {
		var zero P
		return zero, err
	}
	return lease.Run(ctx, fn)
}
