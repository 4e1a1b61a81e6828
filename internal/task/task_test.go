package task

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvery_runsRepeatedly(t *testing.T) {
	var runs atomic.Int32
	tk := Every(10*time.Millisecond, func() { runs.Add(1) })
	defer tk.Cancel()

	require.Eventually(t, func() bool { return runs.Load() >= 3 }, time.Second, 5*time.Millisecond)
}

func TestCancel_stopsAndIsIdempotent(t *testing.T) {
	var runs atomic.Int32
	tk := Every(5*time.Millisecond, func() { runs.Add(1) })

	require.Eventually(t, func() bool { return runs.Load() >= 1 }, time.Second, time.Millisecond)
	tk.Cancel()
	tk.Cancel() // second cancel must be a no-op

	n := runs.Load()
	time.Sleep(30 * time.Millisecond)
	// at most one in-flight run may have completed after Cancel
	assert.LessOrEqual(t, runs.Load(), n+1)
	assert.True(t, tk.Cancelled())
}

func TestEveryFunc_negativeIntervalStops(t *testing.T) {
	var runs atomic.Int32
	tk := EveryFunc(func() time.Duration {
		if runs.Load() >= 2 {
			return -1
		}
		return time.Millisecond
	}, func() { runs.Add(1) })
	defer tk.Cancel()

	require.Eventually(t, func() bool { return tk.Cancelled() }, time.Second, time.Millisecond)
	assert.EqualValues(t, 2, runs.Load())
}
