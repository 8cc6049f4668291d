package clock

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTickRunsInNameOrder(t *testing.T) {
	var order []string
	var failed []string
	c := NewClock(time.Hour, WithOnError(func(name string, err error) {
		failed = append(failed, name)
	}))
	c.Add("b", TickerFunc(func(context.Context) error {
		order = append(order, "b")
		return errors.New("boom")
	}))
	c.Add("a", TickerFunc(func(context.Context) error {
		order = append(order, "a")
		return nil
	}))
	c.Add("c", TickerFunc(func(context.Context) error {
		order = append(order, "c")
		return nil
	}))
	c.Remove("c")

	c.Tick(context.Background())
	assert.Equal(t, []string{"a", "b"}, order)
	assert.Equal(t, []string{"b"}, failed)
}

func TestStartAndStop(t *testing.T) {
	var ticks atomic.Int32
	c := NewClock(5 * time.Millisecond)
	c.Add("count", TickerFunc(func(context.Context) error {
		ticks.Add(1)
		return nil
	}))
	c.Start(context.Background())
	require.Eventually(t, func() bool { return ticks.Load() >= 2 }, 2*time.Second, time.Millisecond)

	c.Stop()
	c.Stop()
	after := ticks.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, ticks.Load())
}

func TestZeroIntervalNeverTicks(t *testing.T) {
	c := NewClock(0)
	c.Add("never", TickerFunc(func(context.Context) error {
		t.Fatal("ticked")
		return nil
	}))
	c.Start(context.Background())
	c.Stop()
}
