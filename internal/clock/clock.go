// Package clock runs housekeeping tickers on a fixed interval.
package clock

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/sasha-s/go-deadlock"
)

type Ticker interface {
	Tick(ctx context.Context) error
}

// TickerFunc adapts a function to Ticker.
type TickerFunc func(ctx context.Context) error

func (f TickerFunc) Tick(ctx context.Context) error {
	return f(ctx)
}

type Option func(*Clock)

// WithOnError receives the errors returned by tickers. They never stop the clock.
func WithOnError(onError func(name string, err error)) Option {
	return func(c *Clock) {
		c.onError = onError
	}
}

type Clock struct {
	interval time.Duration
	onError  func(name string, err error)

	mu   deadlock.RWMutex
	subs map[string]Ticker

	stopOnce sync.Once
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewClock(interval time.Duration, opts ...Option) *Clock {
	c := &Clock{
		interval: interval,
		onError:  func(string, error) {},
		subs:     map[string]Ticker{},
		cancel:   func() {},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Add registers ticker under name, replacing any previous one.
func (c *Clock) Add(name string, ticker Ticker) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs[name] = ticker
}

func (c *Clock) Remove(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subs, name)
}

// Start ticks in the background until ctx is done or Stop is called.
// A non-positive interval never ticks.
func (c *Clock) Start(ctx context.Context) {
	if c.interval <= 0 || c.done != nil {
		return
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	go func() {
		defer close(c.done)
		t := time.NewTicker(c.interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				c.Tick(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Tick runs every ticker once, in name order.
func (c *Clock) Tick(ctx context.Context) {
	c.mu.RLock()
	snapshot := make(map[string]Ticker, len(c.subs))
	names := make([]string, 0, len(c.subs))
	for name, t := range c.subs {
		snapshot[name] = t
		names = append(names, name)
	}
	c.mu.RUnlock()

	slices.Sort(names)
	for _, name := range names {
		if ctx.Err() != nil {
			return
		}
		if err := snapshot[name].Tick(ctx); err != nil {
			c.onError(name, err)
		}
	}
}

// Stop halts the background loop and waits for the running tick.
func (c *Clock) Stop() {
	c.stopOnce.Do(func() {
		c.cancel()
		if c.done != nil {
			<-c.done
		}
	})
}
