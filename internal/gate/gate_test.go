package gate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestAcquire_immediateWhenFree(t *testing.T) {
	g := New(zap.NewNop(), 2)

	release, err := g.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, g.InFlight())

	release()
	assert.Equal(t, 0, g.InFlight())
}

func TestAcquire_fifoUnderContention(t *testing.T) {
	g := New(zap.NewNop(), 1)

	first, err := g.Acquire(context.Background())
	require.NoError(t, err)

	// Two more acquirers queue up behind the held slot, in order.
	order := make(chan int, 2)
	started := make(chan struct{})
	go func() {
		close(started)
		rel, err := g.Acquire(context.Background())
		require.NoError(t, err)
		order <- 2
		time.Sleep(10 * time.Millisecond)
		rel()
	}()
	<-started
	require.Eventually(t, func() bool { return g.Waiting() == 1 }, time.Second, time.Millisecond)

	go func() {
		rel, err := g.Acquire(context.Background())
		require.NoError(t, err)
		order <- 3
		rel()
	}()
	require.Eventually(t, func() bool { return g.Waiting() == 2 }, time.Second, time.Millisecond)

	// Nobody proceeds until the first release.
	select {
	case n := <-order:
		t.Fatalf("acquirer %d ran before release", n)
	case <-time.After(20 * time.Millisecond):
	}

	first()
	assert.Equal(t, 2, <-order)
	assert.Equal(t, 3, <-order)
}

func TestRelease_idempotent(t *testing.T) {
	g := New(zap.NewNop(), 1)

	release, err := g.Acquire(context.Background())
	require.NoError(t, err)
	release()
	release() // double release must not free a second slot

	assert.Equal(t, 0, g.InFlight())

	_, err = g.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, g.InFlight())
}

func TestAcquire_contextCancelDropsWaiter(t *testing.T) {
	g := New(zap.NewNop(), 1)
	release, err := g.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := g.Acquire(ctx)
		errCh <- err
	}()
	require.Eventually(t, func() bool { return g.Waiting() == 1 }, time.Second, time.Millisecond)

	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)
	assert.Equal(t, 0, g.Waiting())

	release()
	assert.Equal(t, 0, g.InFlight())
}

func TestSetLimit_raisingWakesWaiters(t *testing.T) {
	g := New(zap.NewNop(), 1)
	_, err := g.Acquire(context.Background())
	require.NoError(t, err)

	got := make(chan struct{})
	go func() {
		_, err := g.Acquire(context.Background())
		require.NoError(t, err)
		close(got)
	}()
	require.Eventually(t, func() bool { return g.Waiting() == 1 }, time.Second, time.Millisecond)

	g.SetLimit(2)
	select {
	case <-got:
	case <-time.After(time.Second):
		t.Fatal("waiter not woken after SetLimit")
	}
	assert.Equal(t, 2, g.InFlight())
}
