// Package task provides a self-rescheduling timer job with a single,
// idempotent Cancel. The idle watchdog, the clip existence probe and the
// risk poller all run on it, so teardown looks the same everywhere:
// capture the task at setup, call Cancel on the way out.
package task

import (
	"sync"
	"time"
)

// IntervalFunc returns the delay before the next run. Returning a
// negative duration stops the task (same effect as Cancel).
type IntervalFunc func() time.Duration

// Task is a periodically re-armed timer. The callback runs on the
// timer goroutine; it must not block for long.
type Task struct {
	mu        sync.Mutex
	timer     *time.Timer
	cancelled bool
	fn        func()
	next      IntervalFunc
}

// Every schedules fn to run every d, first run after d.
func Every(d time.Duration, fn func()) *Task {
	return EveryFunc(func() time.Duration { return d }, fn)
}

// EveryFunc schedules fn with a per-run interval, e.g. for backoff.
// The first run fires after next().
func EveryFunc(next IntervalFunc, fn func()) *Task {
	t := &Task{fn: fn, next: next}
	t.arm()
	return t
}

func (t *Task) arm() {
	d := t.next()
	if d < 0 {
		t.Cancel()
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancelled {
		return
	}
	t.timer = time.AfterFunc(d, t.run)
}

func (t *Task) run() {
	t.mu.Lock()
	if t.cancelled {
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	t.fn()
	t.arm()
}

// Cancel stops the task. Idempotent; a run already in flight finishes
// but does not re-arm.
func (t *Task) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancelled {
		return
	}
	t.cancelled = true
	if t.timer != nil {
		t.timer.Stop()
	}
}

// Cancelled reports whether Cancel has been called.
func (t *Task) Cancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}
