// Package player owns one self-healing live stream session per Player.
//
// The lifecycle is the dashboard's tile contract: connect through the
// start gate, track the live edge, detect stalls with an idle watchdog,
// recover softly (in-place reload) before recovering hard (full
// transport teardown + reconnect), and stop dead on a manifest 404.
package player

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/safedeck/safedeck-server/internal/domain/stream"
	"github.com/safedeck/safedeck-server/internal/gate"
	"github.com/safedeck/safedeck-server/internal/hls"
	"github.com/safedeck/safedeck-server/internal/task"
	"go.uber.org/zap"
)

// State is the externally visible player state.
type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StatePlaying      State = "playing"
	StateStalled      State = "stalled"
	StateReconnecting State = "reconnecting"
	StateFatalError   State = "fatal_error"
)

// Transport is one live connection handle. Open and Close pair:
// whatever Open attaches, Close releases, and Close is idempotent.
type Transport interface {
	Open(ctx context.Context) error
	Poll(ctx context.Context) (stream.Progress, error)
	SeekLiveEdge(pad time.Duration)
	Reload(ctx context.Context) error
	Close() error
}

// TransportFactory builds the transport for a source. HLS URLs get the
// full adaptive session; anything else gets the direct path, which has
// no live-edge query but the same external lifecycle.
type TransportFactory func(src stream.Source) Transport

// DefaultFactory selects between the HLS and direct transports.
func DefaultFactory(log *zap.Logger, client *http.Client) TransportFactory {
	return func(src stream.Source) Transport {
		if src.IsHLS() {
			return hls.NewSession(log, src.URL, client)
		}
		return hls.NewDirect(log, src.URL, client)
	}
}

// Config carries the tuned thresholds. They were picked empirically on
// the original deployment, not derived; treat them as knobs.
type Config struct {
	PollInterval time.Duration // playlist refresh / progress check cadence
	WatchdogTick time.Duration // idle watchdog cadence
	SoftIdle     time.Duration // no progress beyond this: soft recovery
	HardIdle     time.Duration // no progress beyond this: hard recovery
	DriftLimit   time.Duration // drift from the live edge that triggers a seek
	EdgePad      time.Duration // safety pad kept behind the live edge
	ResumeGrace  time.Duration // health-check window after Resume
}

func (c *Config) setDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.WatchdogTick <= 0 {
		c.WatchdogTick = 4 * time.Second
	}
	if c.SoftIdle <= 0 {
		c.SoftIdle = 8 * time.Second
	}
	if c.HardIdle <= 0 {
		c.HardIdle = 16 * time.Second
	}
	if c.DriftLimit <= 0 {
		c.DriftLimit = 1200 * time.Millisecond
	}
	if c.EdgePad <= 0 {
		c.EdgePad = 800 * time.Millisecond
	}
	if c.ResumeGrace <= 0 {
		c.ResumeGrace = time.Second
	}
}

// Status is a point-in-time snapshot for the operator API.
type Status struct {
	Source       stream.Source `json:"source"`
	State        State         `json:"state"`
	Position     time.Duration `json:"position"`
	LastProgress time.Time     `json:"last_progress"`
	RetryAttempt int           `json:"retry_attempt"`
	LastError    string        `json:"last_error,omitempty"`
}

// TransitionFunc observes state changes. It runs on its own goroutine
// and must not call back into the Player.
type TransitionFunc func(src stream.Source, from, to State)

// Player runs one stream source. At most one live transport exists per
// player; every exit path (close, src change, hard recovery, fatal)
// releases it before a new one is created.
type Player struct {
	log     *zap.Logger
	src     stream.Source
	g       *gate.Gate
	factory TransportFactory
	cfg     Config
	onTrans TransitionFunc

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	state        State
	session      Transport
	gen          uint64 // bumped on every teardown; stale callbacks bail out
	poll         *task.Task
	watchdog     *task.Task
	lastProgress time.Time
	position     time.Duration
	retryAttempt int
	lastErr      error
	suspended    bool
	closed       bool
}

// New builds a player; nothing runs until Start.
func New(log *zap.Logger, src stream.Source, g *gate.Gate, factory TransportFactory, cfg Config, onTransition TransitionFunc) *Player {
	cfg.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Player{
		log:     log.Named("player").With(zap.String("url", src.URL)),
		src:     src,
		g:       g,
		factory: factory,
		cfg:     cfg,
		onTrans: onTransition,
		ctx:     ctx,
		cancel:  cancel,
		state:   StateIdle,
	}
}

// Start kicks off the first connection attempt and the idle watchdog.
func (p *Player) Start() {
	p.mu.Lock()
	if p.closed || p.state != StateIdle {
		p.mu.Unlock()
		return
	}
	p.setStateLocked(StateConnecting)
	p.lastProgress = time.Now()
	gen := p.gen
	p.watchdog = task.Every(p.cfg.WatchdogTick, p.watchdogCheck)
	p.mu.Unlock()

	go p.connect(gen)
}

// connect runs one gated connection attempt for generation gen.
func (p *Player) connect(gen uint64) {
	release, err := p.g.Acquire(p.ctx)
	if err != nil {
		return // player closed while queued
	}
	defer release() // attempt concluded, success or failure

	if p.stale(gen) {
		return
	}

	t := p.factory(p.src)
	err = t.Open(p.ctx)

	p.mu.Lock()
	if p.closed || gen != p.gen {
		p.mu.Unlock()
		t.Close()
		return
	}
	switch {
	case errors.Is(err, hls.ErrStreamNotFound):
		p.mu.Unlock()
		t.Close()
		p.fatal(gen, err)
		return
	case err != nil:
		p.lastErr = err
		p.setStateLocked(StateReconnecting)
		p.mu.Unlock()
		t.Close()
		p.log.Warn("connect failed", zap.Error(err))
		p.scheduleReconnect(gen)
		return
	}

	p.session = t
	p.lastErr = nil
	p.lastProgress = time.Now()
	p.setStateLocked(StateConnecting) // playing only after first media lands
	p.poll = task.Every(p.cfg.PollInterval, func() { p.pollOnce(gen) })
	p.mu.Unlock()

	p.log.Debug("session opened")
}

// pollOnce drives the transport and applies the live-edge discipline.
func (p *Player) pollOnce(gen uint64) {
	p.mu.Lock()
	if p.closed || gen != p.gen || p.session == nil {
		p.mu.Unlock()
		return
	}
	t := p.session
	p.mu.Unlock()

	prog, err := t.Poll(p.ctx)

	switch {
	case errors.Is(err, hls.ErrStreamNotFound):
		p.fatal(gen, err)
		return
	case err != nil:
		// Playback error with a live session: cheap recovery first.
		p.mu.Lock()
		if p.closed || gen != p.gen {
			p.mu.Unlock()
			return
		}
		p.lastErr = err
		wasPlaying := p.state == StatePlaying || p.state == StateConnecting
		p.mu.Unlock()
		if wasPlaying {
			p.softReload(gen)
		}
		return
	}

	p.mu.Lock()
	if p.closed || gen != p.gen {
		p.mu.Unlock()
		return
	}
	if prog.Advanced {
		p.lastProgress = time.Now()
		p.position = prog.Position
		p.retryAttempt = 0
		p.lastErr = nil
		if p.state != StatePlaying {
			p.setStateLocked(StatePlaying)
		}
	}
	drift := prog.Behind
	p.mu.Unlock()

	// Live feeds chase latency: drifting behind the edge means seek
	// forward, never rebuffer history.
	if drift > p.cfg.DriftLimit {
		t.SeekLiveEdge(p.cfg.EdgePad)
	}
}

// watchdogCheck is the backstop for missed event-driven signals.
func (p *Player) watchdogCheck() {
	p.mu.Lock()
	if p.closed || p.suspended {
		p.mu.Unlock()
		return
	}
	switch p.state {
	case StatePlaying, StateStalled, StateConnecting:
	default:
		// Idle: nothing running. Reconnecting: attempt in flight.
		// FatalError: terminal, never probed again.
		p.mu.Unlock()
		return
	}
	idle := time.Since(p.lastProgress)
	hasSession := p.session != nil
	gen := p.gen
	p.mu.Unlock()

	switch {
	case idle > p.cfg.HardIdle:
		p.log.Warn("watchdog: hard recovery", zap.Duration("idle", idle))
		p.hardRecover(gen)
	case idle > p.cfg.SoftIdle && hasSession:
		p.log.Debug("watchdog: soft recovery", zap.Duration("idle", idle))
		p.softReload(gen)
	}
}

// softReload restarts the load pipeline without destroying the
// transport: re-seek to the live edge and nudge the playhead.
func (p *Player) softReload(gen uint64) {
	p.mu.Lock()
	if p.closed || gen != p.gen || p.session == nil {
		p.mu.Unlock()
		return
	}
	t := p.session
	if p.state == StatePlaying {
		p.setStateLocked(StateStalled)
	}
	p.mu.Unlock()

	go func() {
		err := t.Reload(p.ctx)
		if errors.Is(err, hls.ErrStreamNotFound) {
			p.fatal(gen, err)
			return
		}
		if err != nil && !p.stale(gen) {
			// Reload failed; the watchdog escalates to hard recovery
			// once the idle window runs out.
			p.log.Debug("soft reload failed", zap.Error(err))
		}
	}()
}

// hardRecover tears the session down completely and reconnects from
// scratch through the gate.
func (p *Player) hardRecover(gen uint64) {
	p.mu.Lock()
	if p.closed || gen != p.gen || p.state == StateFatalError {
		p.mu.Unlock()
		return
	}
	p.teardownLocked()
	p.retryAttempt++
	p.lastProgress = time.Now() // fresh idle window for the new attempt
	p.setStateLocked(StateReconnecting)
	newGen := p.gen
	p.mu.Unlock()

	go p.connect(newGen)
}

// scheduleReconnect retries a failed connect after a short delay.
func (p *Player) scheduleReconnect(gen uint64) {
	p.mu.Lock()
	if p.closed || gen != p.gen {
		p.mu.Unlock()
		return
	}
	p.teardownLocked()
	p.retryAttempt++
	p.lastProgress = time.Now()
	p.setStateLocked(StateReconnecting)
	newGen := p.gen
	p.mu.Unlock()

	time.AfterFunc(700*time.Millisecond, func() {
		if p.stale(newGen) {
			return
		}
		p.connect(newGen)
	})
}

// fatal enters the terminal state: the resource definitively does not
// exist, so retrying would only mask a broken feed.
func (p *Player) fatal(gen uint64, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || gen != p.gen || p.state == StateFatalError {
		return
	}
	p.teardownLocked()
	p.lastErr = err
	p.setStateLocked(StateFatalError)
	p.log.Warn("stream terminal", zap.Error(err))
}

// Suspend marks the player backgrounded: the transport keeps running
// (accepted bandwidth tradeoff) but the watchdog stands down, since
// starved background pipelines would otherwise thrash recovery.
func (p *Player) Suspend() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.suspended = true
}

// Resume re-foregrounds the player and forces a health check: a soft
// nudge first, then hard recovery if progress does not return within
// the grace window. Background pipelines rarely resume cleanly on
// their own.
func (p *Player) Resume() {
	p.mu.Lock()
	if p.closed || !p.suspended {
		p.mu.Unlock()
		return
	}
	p.suspended = false
	if p.state == StateFatalError || p.state == StateIdle {
		p.mu.Unlock()
		return
	}
	healthy := time.Since(p.lastProgress) < 2*p.cfg.PollInterval
	hasSession := p.session != nil
	gen := p.gen
	resumeMark := p.lastProgress
	p.mu.Unlock()

	if healthy {
		return
	}
	if !hasSession {
		p.hardRecover(gen)
		return
	}
	p.softReload(gen)

	time.AfterFunc(p.cfg.ResumeGrace, func() {
		p.mu.Lock()
		stillDead := !p.closed && gen == p.gen && !p.lastProgress.After(resumeMark)
		p.mu.Unlock()
		if stillDead {
			p.hardRecover(gen)
		}
	})
}

// Retry restarts a terminal player. Operator action only; FatalError
// never retries on its own.
func (p *Player) Retry() {
	p.mu.Lock()
	if p.closed || p.state != StateFatalError {
		p.mu.Unlock()
		return
	}
	p.gen++
	p.lastErr = nil
	p.retryAttempt = 0
	p.lastProgress = time.Now()
	p.setStateLocked(StateConnecting)
	gen := p.gen
	p.mu.Unlock()

	go p.connect(gen)
}

// Close releases everything. Idempotent: rapid src changes may close a
// player twice and must not leave two live transports behind.
func (p *Player) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.teardownLocked()
	if p.watchdog != nil {
		p.watchdog.Cancel()
		p.watchdog = nil
	}
	p.setStateLocked(StateIdle)
	p.mu.Unlock()

	p.cancel()
}

// Status returns a snapshot for the operator API.
func (p *Player) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := Status{
		Source:       p.src,
		State:        p.state,
		Position:     p.position,
		LastProgress: p.lastProgress,
		RetryAttempt: p.retryAttempt,
	}
	if p.lastErr != nil {
		st.LastError = p.lastErr.Error()
	}
	return st
}

// Source returns the immutable stream source of this player.
func (p *Player) Source() stream.Source { return p.src }

// teardownLocked releases the current session and invalidates every
// outstanding callback. Releasing twice is a no-op.
func (p *Player) teardownLocked() {
	p.gen++
	if p.poll != nil {
		p.poll.Cancel()
		p.poll = nil
	}
	if p.session != nil {
		p.session.Close()
		p.session = nil
	}
}

func (p *Player) setStateLocked(next State) {
	if p.state == next {
		return
	}
	prev := p.state
	p.state = next
	if p.onTrans != nil {
		go p.onTrans(p.src, prev, next)
	}
}

func (p *Player) stale(gen uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed || gen != p.gen
}
