package jobs

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
)

// Lease is a held set of keys. Run or Release must be called exactly once
// by its owner; further calls are no-ops.
type Lease[P any] struct {
	coordinator *Coordinator[P]
	keys        []Key
	once        sync.Once
}

func (l *Lease[P]) Key() Key {
	return l.keys[0]
}

func (l *Lease[P]) Keys() []Key {
	return append([]Key(nil), l.keys...)
}

// Release frees every key without publishing.
func (l *Lease[P]) Release() {
	l.once.Do(func() {
		l.coordinator.mu.Lock()
		defer l.coordinator.mu.Unlock()
		for _, k := range l.keys {
			l.coordinator.release(k)
		}
	})
}

// Complete publishes payload on the lease key and frees every key.
func (l *Lease[P]) Complete(payload P) {
	l.once.Do(func() {
		l.coordinator.mu.Lock()
		defer l.coordinator.mu.Unlock()
		l.coordinator.results[l.keys[0]] = payload
		for _, k := range l.keys {
			l.coordinator.release(k)
		}
	})
}

// Run executes fn under the lease. A failure or a panic publishes the error
// payload instead; in both cases the keys are released.
func (l *Lease[P]) Run(ctx context.Context, fn func(ctx context.Context) (P, error)) (payload P, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", l.Key(), r)
			l.coordinator.logger.Error(ctx, "Job panicked", "job.key", l.Key(), "panic", r, "stack", string(debug.Stack()))
			payload = l.coordinator.onError(err)
		}
		if err != nil {
			l.Complete(l.coordinator.onError(err))
			return
		}
		l.Complete(payload)
	}()
	return fn(ctx)
}
