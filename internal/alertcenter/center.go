// Package alertcenter runs the alert lifecycle: strictly one active
// alert at a time, FIFO promotion from a pending queue, duplicate
// suppression, session-scoped acknowledgement and clip resolution.
package alertcenter

import (
	"sync"
	"time"

	"github.com/safedeck/safedeck-server/internal/domain/alert"
	"go.uber.org/zap"
)

// dedupWindow bounds how long a redelivered open event for a closed
// occurrence is treated as reconnect replay rather than a fresh alert.
// Occurrences still present (current or queued) always merge.
const dedupWindow = 10 * time.Second

// Config carries the center's collaborators and tuning.
type Config struct {
	Notifier Notifier
	Clips    *ClipProber // optional; nil disables clip resolution

	// DefaultStreamFor maps a sensor id to its default stream URL,
	// used when an alert arrives without one. May be nil.
	DefaultStreamFor func(sensorID string) string

	// Now is the clock; tests override it. Defaults to time.Now.
	Now func() time.Time
}

// entry is one queued or active occurrence.
type entry struct {
	item     alert.Item
	lastSeen time.Time
	clip     *clipJob
}

// Center is the lifecycle engine. All state sits behind one mutex;
// every mutation re-runs promotion so the active slot never sits empty
// while the queue holds work.
type Center struct {
	log      *zap.Logger
	notifier Notifier
	clips    *ClipProber
	streamOf func(string) string
	now      func() time.Time

	mu        sync.Mutex
	current   *entry
	queue     []*entry
	acked     map[string]time.Time // occurrence keys acknowledged this session
	closedAt  map[string]time.Time // keys closed upstream, for replay tolerance
	muteUntil time.Time
	muteGen   uint64
	closed    bool
}

// New builds a center. Nil collaborators get no-op defaults.
func New(log *zap.Logger, cfg Config) *Center {
	if cfg.Notifier == nil {
		cfg.Notifier = NopNotifier{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Center{
		log:      log.Named("alerts"),
		notifier: cfg.Notifier,
		clips:    cfg.Clips,
		streamOf: cfg.DefaultStreamFor,
		now:      cfg.Now,
		acked:    make(map[string]time.Time),
		closedAt: make(map[string]time.Time),
	}
}

// Enqueue admits one occurrence. A key already present merges into its
// entry without re-notifying; acknowledged keys are suppressed for the
// rest of the session; opens replayed shortly after an upstream close
// are dropped.
func (c *Center) Enqueue(it alert.Item) {
	if it.ID == "" || it.StartedAt == "" {
		return
	}
	if it.StreamURL == "" && c.streamOf != nil && it.SensorID != "" {
		it.StreamURL = c.streamOf(it.SensorID)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	key := it.Key()
	if _, ok := c.acked[key]; ok {
		c.log.Debug("suppressed acknowledged alert", zap.String("key", key))
		return
	}

	now := c.now()
	if e := c.findLocked(key); e != nil {
		e.item.Merge(it)
		e.lastSeen = now
		c.log.Debug("merged duplicate alert", zap.String("key", key))
		return
	}
	if t, ok := c.closedAt[key]; ok {
		if now.Sub(t) < dedupWindow {
			c.log.Debug("dropped replayed open for closed alert", zap.String("key", key))
			return
		}
		delete(c.closedAt, key)
	}

	c.queue = append(c.queue, &entry{item: it, lastSeen: now})
	c.log.Info("alert queued",
		zap.String("key", key),
		zap.String("sensor", it.SensorID),
		zap.String("severity", string(it.Severity)))
	c.promoteLocked()
}

// Seed enqueues a startup snapshot of already-active alerts.
func (c *Center) Seed(items []alert.Item) {
	for _, it := range items {
		c.Enqueue(it)
	}
}

// Ack acknowledges the active alert: notifications stop, the key is
// suppressed for the session, queued entries sharing the key are
// purged so a stale duplicate cannot resurface, and the next queued
// alert promotes. Returns the acknowledged item, if there was one.
func (c *Center) Ack() (alert.Item, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return alert.Item{}, false
	}
	e := c.current
	key := e.item.Key()
	c.acked[key] = c.now()
	c.retireLocked(e)
	c.current = nil
	c.purgeQueuedLocked(key)
	c.log.Info("alert acknowledged", zap.String("key", key))
	c.promoteLocked()
	return e.item, true
}

// Remove drops an occurrence the upstream closed, wherever it sits.
// The key is remembered briefly so reconnect replay of its open event
// does not resurrect it. Reports whether anything was removed.
func (c *Center) Remove(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}

	removed := false
	if c.current != nil && c.current.item.Key() == key {
		c.retireLocked(c.current)
		c.current = nil
		removed = true
	}
	if c.purgeQueuedLocked(key) {
		removed = true
	}
	if removed {
		c.closedAt[key] = c.now()
		c.log.Info("alert closed upstream", zap.String("key", key))
		c.promoteLocked()
	}
	return removed
}

// Mute silences the audio channel for d. The window expires on its
// own; a later call replaces it. d <= 0 lifts the mute immediately.
// Visual notification state is untouched either way.
func (c *Center) Mute(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	wasMuted := c.mutedLocked()
	c.muteGen++
	if d <= 0 {
		c.muteUntil = time.Time{}
		if wasMuted {
			c.notifier.SetAudible(true)
			c.log.Info("mute lifted")
		}
		return
	}
	c.muteUntil = c.now().Add(d)
	if !wasMuted {
		c.notifier.SetAudible(false)
	}
	c.log.Info("muted", zap.Duration("for", d))
	gen := c.muteGen
	time.AfterFunc(d, func() { c.muteLapsed(gen) })
}

// muteLapsed restores audio when the window that armed it is still the
// live one. Superseded and cancelled windows are ignored.
func (c *Center) muteLapsed(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.muteGen || c.closed {
		return
	}
	c.muteUntil = time.Time{}
	c.notifier.SetAudible(true)
	c.log.Info("mute window lapsed")
}

// Muted reports whether a mute window is currently active.
func (c *Center) Muted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mutedLocked()
}

// MutedUntil returns the end of the active mute window, zero time when
// audio is live.
func (c *Center) MutedUntil() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.mutedLocked() {
		return time.Time{}
	}
	return c.muteUntil
}

func (c *Center) mutedLocked() bool {
	return !c.muteUntil.IsZero() && c.now().Before(c.muteUntil)
}

// Current returns the active alert, if any.
func (c *Center) Current() (alert.Item, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return alert.Item{}, false
	}
	return c.current.item, true
}

// Pending returns the queued (not yet active) alerts in FIFO order.
func (c *Center) Pending() []alert.Item {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]alert.Item, len(c.queue))
	for i, e := range c.queue {
		out[i] = e.item
	}
	return out
}

// Close stops notifications and clip probes. Idempotent.
func (c *Center) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	if c.current != nil {
		c.retireLocked(c.current)
		c.current = nil
	}
	c.queue = nil
}

// promoteLocked fills the active slot from the queue head. Runs after
// every mutation that could free the slot or add work.
func (c *Center) promoteLocked() {
	if c.current != nil || len(c.queue) == 0 {
		return
	}
	e := c.queue[0]
	c.queue = c.queue[1:]
	c.current = e

	c.notifier.AlertRaised(e.item, !c.mutedLocked())
	if c.clips != nil && e.item.ShortFilename != "" {
		e.clip = c.clips.Start(e.item, func(url string) {
			c.onClipReady(e, url)
		})
	}
	c.log.Info("alert active", zap.String("key", e.item.Key()))
}

// retireLocked tears down the side effects attached to an entry.
func (c *Center) retireLocked(e *entry) {
	c.notifier.AlertCleared()
	if e.clip != nil {
		e.clip.Cancel()
		e.clip = nil
	}
}

func (c *Center) onClipReady(e *entry, url string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != e {
		return // already acknowledged; stale resolution
	}
	e.item.StreamURL = url
	c.log.Info("clip ready", zap.String("key", e.item.Key()), zap.String("url", url))
	c.notifier.ClipReady(e.item, url)
}

// purgeQueuedLocked drops every queued entry carrying key. Queued
// entries were never raised, so nothing to tear down.
func (c *Center) purgeQueuedLocked(key string) bool {
	purged := false
	kept := c.queue[:0]
	for _, e := range c.queue {
		if e.item.Key() == key {
			purged = true
			continue
		}
		kept = append(kept, e)
	}
	c.queue = kept
	return purged
}

func (c *Center) findLocked(key string) *entry {
	if c.current != nil && c.current.item.Key() == key {
		return c.current
	}
	for _, e := range c.queue {
		if e.item.Key() == key {
			return e
		}
	}
	return nil
}
