package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestGateFIFO(t *testing.T) {
	var g Gate
	require.NoError(t, g.Acquire(context.Background()))

	order := make(chan int, 5)
	for i := 0; i < 5; i++ {
		go func(i int) {
			if err := g.Acquire(context.Background()); err != nil {
				return
			}
			order <- i
			g.Release()
		}(i)
		waitFor(t, func() bool { return g.Waiting() == i+1 })
	}
	g.Release()
	for i := 0; i < 5; i++ {
		assert.Equal(t, i, <-order)
	}
	assert.True(t, g.TryAcquire())
	g.Release()
}

func TestGateCancelledWaiter(t *testing.T) {
	var g Gate
	require.True(t, g.TryAcquire())
	assert.False(t, g.TryAcquire())

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error)
	go func() { errc <- g.Acquire(ctx) }()
	waitFor(t, func() bool { return g.Waiting() == 1 })
	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)
	assert.Equal(t, 0, g.Waiting())

	g.Release()
	assert.True(t, g.TryAcquire(), "gate free after cancelled waiter left")
	g.Release()
}

func TestGateReleaseFreePanics(t *testing.T) {
	var g Gate
	assert.Panics(t, g.Release)
}
