package alertcenter

import (
	"sync"
	"time"

	"github.com/safedeck/safedeck-server/internal/domain/alert"
	"github.com/safedeck/safedeck-server/internal/task"
	"go.uber.org/zap"
)

// Notifier receives lifecycle signals for the active alert. The
// center calls it with its own lock held; implementations must not
// call back into the center.
type Notifier interface {
	// AlertRaised fires when an alert becomes active. audible is false
	// while the audio channel is muted.
	AlertRaised(it alert.Item, audible bool)
	// ClipReady fires when the active alert's clip resolved.
	ClipReady(it alert.Item, url string)
	// AlertCleared fires when the active alert is acknowledged.
	AlertCleared()
	// SetAudible toggles the audio channel while an alert is active.
	SetAudible(on bool)
}

// NopNotifier discards all signals.
type NopNotifier struct{}

func (NopNotifier) AlertRaised(alert.Item, bool) {}
func (NopNotifier) ClipReady(alert.Item, string) {}
func (NopNotifier) AlertCleared()                {}
func (NopNotifier) SetAudible(bool)              {}

// attentionBlinkInterval paces the attention pulse while an alert is
// active and unacknowledged.
const attentionBlinkInterval = 800 * time.Millisecond

// AttentionNotifier pulses an attention callback while an alert is
// active, the way a blinking banner demands a look. Audio is a second
// callback gated by the mute state.
type AttentionNotifier struct {
	log     *zap.Logger
	onPulse func(it alert.Item, on bool)
	onSound func(it alert.Item)

	mu      sync.Mutex
	active  *alert.Item
	audible bool
	phase   bool
	blink   *task.Task
}

// NewAttentionNotifier builds a notifier. Either callback may be nil.
func NewAttentionNotifier(log *zap.Logger, onPulse func(alert.Item, bool), onSound func(alert.Item)) *AttentionNotifier {
	return &AttentionNotifier{
		log:     log.Named("notify"),
		onPulse: onPulse,
		onSound: onSound,
		audible: true,
	}
}

func (n *AttentionNotifier) AlertRaised(it alert.Item, audible bool) {
	n.mu.Lock()
	n.stopLocked()
	n.active = &it
	n.audible = audible
	n.phase = false
	n.blink = task.Every(attentionBlinkInterval, n.pulse)
	n.mu.Unlock()

	if audible && n.onSound != nil {
		n.onSound(it)
	}
}

func (n *AttentionNotifier) ClipReady(alert.Item, string) {}

func (n *AttentionNotifier) AlertCleared() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.stopLocked()
}

func (n *AttentionNotifier) SetAudible(on bool) {
	n.mu.Lock()
	wasAudible := n.audible
	n.audible = on
	active := n.active
	n.mu.Unlock()

	// Unmuting with an active alert replays the sound once.
	if on && !wasAudible && active != nil && n.onSound != nil {
		n.onSound(*active)
	}
}

func (n *AttentionNotifier) pulse() {
	n.mu.Lock()
	if n.active == nil {
		n.mu.Unlock()
		return
	}
	n.phase = !n.phase
	it, phase := *n.active, n.phase
	n.mu.Unlock()

	if n.onPulse != nil {
		n.onPulse(it, phase)
	}
}

// stopLocked halts the pulse and restores the steady state.
func (n *AttentionNotifier) stopLocked() {
	if n.blink != nil {
		n.blink.Cancel()
		n.blink = nil
	}
	if n.active != nil && n.onPulse != nil {
		it := *n.active
		go n.onPulse(it, false) // leave the banner dark, not mid-blink
	}
	n.active = nil
}
