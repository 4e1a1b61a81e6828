// Package events fans runtime events (player transitions, alert
// lifecycle, risk changes) out to the SSE and WebSocket endpoints.
package events

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Event types published by the runtime.
const (
	TypePlayerState = "player_state"
	TypeAlertActive = "alert_active"
	TypeAlertAcked  = "alert_acked"
	TypeAlertClip   = "alert_clip"
	TypeAlertPulse  = "alert_pulse"
	TypeRiskLevel   = "risk_level"
	TypeFeedState   = "feed_state"
	TypeMuteChanged = "mute_changed"
)

// Event is one broadcast message.
type Event struct {
	ID   uint64    `json:"id"`
	Type string    `json:"type"`
	Data any       `json:"data"`
	At   time.Time `json:"at"`
}

// Bus is a fan-out broadcaster. Subscribers that fall behind lose
// events rather than stalling the publishers.
type Bus struct {
	log *zap.Logger

	mu      sync.Mutex
	nextID  uint64
	nextSub uint64
	subs    map[uint64]chan Event
	closed  bool
}

// NewBus builds an empty bus.
func NewBus(log *zap.Logger) *Bus {
	return &Bus{
		log:  log.Named("events"),
		subs: make(map[uint64]chan Event),
	}
}

// Publish broadcasts one event to every subscriber.
func (b *Bus) Publish(typ string, data any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.nextID++
	ev := Event{ID: b.nextID, Type: typ, Data: data, At: time.Now()}
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.log.Debug("dropping event for slow subscriber",
				zap.Uint64("subscriber", id), zap.String("type", typ))
		}
	}
}

// Subscribe registers a subscriber with the given buffer. The cancel
// function unsubscribes and closes the channel; it is idempotent.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	b.nextSub++
	id := b.nextSub
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(ch)
			}
			b.mu.Unlock()
		})
	}
	return ch, cancel
}

// Subscribers reports the current subscriber count.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close shuts the bus down and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
