package player

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/safedeck/safedeck-server/internal/domain/stream"
	"github.com/safedeck/safedeck-server/internal/gate"
	"github.com/safedeck/safedeck-server/internal/hls"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeTransport is a scripted transport: tests flip its fields to
// drive the player through stalls, errors and recoveries.
type fakeTransport struct {
	mu       sync.Mutex
	openErr  error
	pollErr  error
	advanced bool
	behind   time.Duration
	position time.Duration

	opens   int
	reloads int
	closes  int
	seeks   []time.Duration
}

func (f *fakeTransport) Open(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens++
	return f.openErr
}

func (f *fakeTransport) Poll(ctx context.Context) (stream.Progress, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pollErr != nil {
		return stream.Progress{}, f.pollErr
	}
	if f.advanced {
		f.position += 100 * time.Millisecond
	}
	return stream.Progress{Advanced: f.advanced, Position: f.position, Behind: f.behind}, nil
}

func (f *fakeTransport) SeekLiveEdge(pad time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seeks = append(f.seeks, pad)
	f.behind = 0
}

func (f *fakeTransport) Reload(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reloads++
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func (f *fakeTransport) set(fn func(*fakeTransport)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeTransport) snapshot() fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fakeTransport{
		opens:   f.opens,
		reloads: f.reloads,
		closes:  f.closes,
		seeks:   append([]time.Duration(nil), f.seeks...),
	}
}

func fastConfig() Config {
	return Config{
		PollInterval: 10 * time.Millisecond,
		WatchdogTick: 20 * time.Millisecond,
		SoftIdle:     60 * time.Millisecond,
		HardIdle:     150 * time.Millisecond,
		DriftLimit:   1200 * time.Millisecond,
		EdgePad:      800 * time.Millisecond,
		ResumeGrace:  40 * time.Millisecond,
	}
}

func newTestPlayer(t *testing.T, ft *fakeTransport, cfg Config) *Player {
	t.Helper()
	src := stream.Source{URL: "http://cam.local/live/index.m3u8", Title: "cam"}
	p := New(zap.NewNop(), src, gate.New(zap.NewNop(), 1), func(stream.Source) Transport { return ft }, cfg, nil)
	t.Cleanup(p.Close)
	return p
}

func TestPlayer_connectsAndPlays(t *testing.T) {
	ft := &fakeTransport{advanced: true}
	p := newTestPlayer(t, ft, fastConfig())
	p.Start()

	require.Eventually(t, func() bool {
		return p.Status().State == StatePlaying
	}, time.Second, 5*time.Millisecond)

	st := p.Status()
	assert.Greater(t, st.Position, time.Duration(0))
	assert.Zero(t, st.RetryAttempt)
}

func TestPlayer_manifest404IsTerminal(t *testing.T) {
	ft := &fakeTransport{openErr: hls.ErrStreamNotFound}
	p := newTestPlayer(t, ft, fastConfig())
	p.Start()

	require.Eventually(t, func() bool {
		return p.Status().State == StateFatalError
	}, time.Second, 5*time.Millisecond)

	// Terminal means terminal: the watchdog must not schedule retries.
	opensAtFatal := ft.snapshot().opens
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, opensAtFatal, ft.snapshot().opens)
	assert.Equal(t, StateFatalError, p.Status().State)

	// Operator retry is the only way out.
	ft.set(func(f *fakeTransport) { f.openErr = nil; f.advanced = true })
	p.Retry()
	require.Eventually(t, func() bool {
		return p.Status().State == StatePlaying
	}, time.Second, 5*time.Millisecond)
}

func TestPlayer_pollNotFoundIsTerminal(t *testing.T) {
	ft := &fakeTransport{advanced: true}
	p := newTestPlayer(t, ft, fastConfig())
	p.Start()

	require.Eventually(t, func() bool {
		return p.Status().State == StatePlaying
	}, time.Second, 5*time.Millisecond)

	ft.set(func(f *fakeTransport) { f.pollErr = hls.ErrStreamNotFound })
	require.Eventually(t, func() bool {
		return p.Status().State == StateFatalError
	}, time.Second, 5*time.Millisecond)
	assert.Contains(t, p.Status().LastError, "not found")
}

func TestPlayer_driftSeeksBackToEdge(t *testing.T) {
	ft := &fakeTransport{advanced: true, behind: 2 * time.Second}
	p := newTestPlayer(t, ft, fastConfig())
	p.Start()

	require.Eventually(t, func() bool {
		return len(ft.snapshot().seeks) > 0
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, 800*time.Millisecond, ft.snapshot().seeks[0])
}

func TestPlayer_softThenHardRecovery(t *testing.T) {
	ft := &fakeTransport{advanced: true}
	p := newTestPlayer(t, ft, fastConfig())
	p.Start()

	require.Eventually(t, func() bool {
		return p.Status().State == StatePlaying
	}, time.Second, 5*time.Millisecond)

	// Feed dries up: soft recovery first, then a full reconnect.
	ft.set(func(f *fakeTransport) { f.advanced = false })
	require.Eventually(t, func() bool {
		return ft.snapshot().reloads > 0
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return ft.snapshot().opens >= 2
	}, time.Second, 5*time.Millisecond)

	// Feed returns on the reconnect: back to playing, attempt counter reset.
	ft.set(func(f *fakeTransport) { f.advanced = true })
	require.Eventually(t, func() bool {
		st := p.Status()
		return st.State == StatePlaying && st.RetryAttempt == 0
	}, time.Second, 5*time.Millisecond)
}

func TestPlayer_pollErrorTriggersSoftRecovery(t *testing.T) {
	ft := &fakeTransport{advanced: true}
	p := newTestPlayer(t, ft, fastConfig())
	p.Start()

	require.Eventually(t, func() bool {
		return p.Status().State == StatePlaying
	}, time.Second, 5*time.Millisecond)

	ft.set(func(f *fakeTransport) { f.pollErr = errors.New("segment read: connection reset") })
	require.Eventually(t, func() bool {
		return ft.snapshot().reloads > 0
	}, time.Second, 5*time.Millisecond)
}

func TestPlayer_suspendStandsDownWatchdog(t *testing.T) {
	ft := &fakeTransport{advanced: true}
	p := newTestPlayer(t, ft, fastConfig())
	p.Start()

	require.Eventually(t, func() bool {
		return p.Status().State == StatePlaying
	}, time.Second, 5*time.Millisecond)

	// Suspended + starved: no recovery actions while backgrounded.
	p.Suspend()
	ft.set(func(f *fakeTransport) { f.advanced = false })
	before := ft.snapshot()
	time.Sleep(250 * time.Millisecond)
	after := ft.snapshot()
	assert.Equal(t, before.reloads, after.reloads)
	assert.Equal(t, before.opens, after.opens)

	// Resume on a dead feed: soft nudge, then hard recovery after grace.
	p.Resume()
	require.Eventually(t, func() bool {
		return ft.snapshot().opens > after.opens
	}, time.Second, 5*time.Millisecond)
}

func TestPlayer_closeIdempotent(t *testing.T) {
	ft := &fakeTransport{advanced: true}
	p := newTestPlayer(t, ft, fastConfig())
	p.Start()

	require.Eventually(t, func() bool {
		return p.Status().State == StatePlaying
	}, time.Second, 5*time.Millisecond)

	p.Close()
	p.Close()
	assert.Equal(t, 1, ft.snapshot().closes)
	assert.Equal(t, StateIdle, p.Status().State)

	// A closed player never comes back on its own.
	opens := ft.snapshot().opens
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, opens, ft.snapshot().opens)
}

func TestPlayer_startWaitsForGate(t *testing.T) {
	g := gate.New(zap.NewNop(), 1)
	release, err := g.Acquire(context.Background())
	require.NoError(t, err)

	ft := &fakeTransport{advanced: true}
	src := stream.Source{URL: "http://cam.local/live/index.m3u8"}
	p := New(zap.NewNop(), src, g, func(stream.Source) Transport { return ft }, fastConfig(), nil)
	t.Cleanup(p.Close)
	p.Start()

	// Slot held elsewhere: the player queues instead of connecting.
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, ft.snapshot().opens)
	assert.Equal(t, StateConnecting, p.Status().State)

	release()
	require.Eventually(t, func() bool {
		return p.Status().State == StatePlaying
	}, time.Second, 5*time.Millisecond)
}

func TestPlayer_transitionHook(t *testing.T) {
	var mu sync.Mutex
	var seen []State
	ft := &fakeTransport{advanced: true}
	src := stream.Source{URL: "http://cam.local/live/index.m3u8"}
	p := New(zap.NewNop(), src, gate.New(zap.NewNop(), 1), func(stream.Source) Transport { return ft }, fastConfig(),
		func(_ stream.Source, _, to State) {
			mu.Lock()
			seen = append(seen, to)
			mu.Unlock()
		})
	t.Cleanup(p.Close)
	p.Start()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, s := range seen {
			if s == StatePlaying {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}
