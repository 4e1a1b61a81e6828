package alertcenter

import (
	"sync"
	"testing"
	"time"

	"github.com/safedeck/safedeck-server/internal/domain/alert"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// recordingNotifier captures lifecycle calls.
type recordingNotifier struct {
	mu      sync.Mutex
	raised  []alert.Item
	audible []bool
	cleared int
	setAud  []bool
}

func (n *recordingNotifier) AlertRaised(it alert.Item, audible bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.raised = append(n.raised, it)
	n.audible = append(n.audible, audible)
}

func (n *recordingNotifier) ClipReady(alert.Item, string) {}

func (n *recordingNotifier) AlertCleared() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cleared++
}

func (n *recordingNotifier) SetAudible(on bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.setAud = append(n.setAud, on)
}

func (n *recordingNotifier) raisedCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.raised)
}

// fakeClock is a hand-cranked clock for dedup-window tests.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func item(id, startedAt string) alert.Item {
	return alert.Item{
		ID:        id,
		StartedAt: startedAt,
		Site:      "north",
		SensorID:  "cam-3",
		Model:     "smoke",
		Severity:  alert.SeverityWarning,
	}
}

func newTestCenter(t *testing.T, n Notifier, clk *fakeClock) *Center {
	t.Helper()
	c := New(zap.NewNop(), Config{Notifier: n, Now: clk.now})
	t.Cleanup(c.Close)
	return c
}

func TestCenter_singleActiveFIFO(t *testing.T) {
	n := &recordingNotifier{}
	c := newTestCenter(t, n, newFakeClock())

	c.Enqueue(item("a1", "t1"))
	c.Enqueue(item("a2", "t2"))
	c.Enqueue(item("a3", "t3"))

	cur, ok := c.Current()
	require.True(t, ok)
	assert.Equal(t, "a1", cur.ID)
	assert.Len(t, c.Pending(), 2)
	assert.Equal(t, 1, n.raisedCount(), "queued alerts must not notify until active")

	got, ok := c.Ack()
	require.True(t, ok)
	assert.Equal(t, "a1", got.ID)

	cur, ok = c.Current()
	require.True(t, ok)
	assert.Equal(t, "a2", cur.ID, "FIFO promotion")
	assert.Equal(t, 2, n.raisedCount())
}

func TestCenter_dedupWindowMerges(t *testing.T) {
	n := &recordingNotifier{}
	clk := newFakeClock()
	c := newTestCenter(t, n, clk)

	c.Enqueue(item("a1", "t1"))

	// Same occurrence, richer details, inside the window: merge.
	dup := item("a1", "t1")
	dup.Message = "flame detected near intake"
	clk.advance(3 * time.Second)
	c.Enqueue(dup)

	cur, ok := c.Current()
	require.True(t, ok)
	assert.Equal(t, "flame detected near intake", cur.Message)
	assert.Empty(t, c.Pending())
	assert.Equal(t, 1, n.raisedCount(), "duplicate must not re-notify")
}

func TestCenter_sameIDNewStartIsNewOccurrence(t *testing.T) {
	n := &recordingNotifier{}
	c := newTestCenter(t, n, newFakeClock())

	c.Enqueue(item("a1", "t1"))
	c.Enqueue(item("a1", "t2")) // re-opened: distinct occurrence

	assert.Len(t, c.Pending(), 1)
}

func TestCenter_redeliveryAlwaysMergesWhilePresent(t *testing.T) {
	n := &recordingNotifier{}
	clk := newFakeClock()
	c := newTestCenter(t, n, clk)

	c.Enqueue(item("a1", "t1"))
	clk.advance(11 * time.Second)
	c.Enqueue(item("a1", "t1"))

	// An occurrence still active (or queued) merges no matter how long
	// ago it last arrived; a second entry for one key must never exist.
	assert.Empty(t, c.Pending())
	assert.Equal(t, 1, n.raisedCount())
}

func TestCenter_ackPurgesQueuedDuplicates(t *testing.T) {
	n := &recordingNotifier{}
	clk := newFakeClock()
	c := newTestCenter(t, n, clk)

	c.Enqueue(item("a1", "t1"))
	clk.advance(11 * time.Second)
	c.Enqueue(item("a1", "t1")) // merges into the active entry
	c.Enqueue(item("a2", "t2"))

	got, ok := c.Ack()
	require.True(t, ok)
	assert.Equal(t, "a1", got.ID)

	// The acknowledged key must not resurface as current.
	cur, ok := c.Current()
	require.True(t, ok)
	assert.Equal(t, "a2", cur.ID)
	assert.Empty(t, c.Pending())
}

func TestCenter_removeClearsActiveAndQueued(t *testing.T) {
	n := &recordingNotifier{}
	clk := newFakeClock()
	c := newTestCenter(t, n, clk)

	a1, a2 := item("a1", "t1"), item("a2", "t2")
	c.Enqueue(a1)
	c.Enqueue(a2)

	require.True(t, c.Remove(a1.Key()))
	cur, ok := c.Current()
	require.True(t, ok)
	assert.Equal(t, "a2", cur.ID, "next alert promotes after upstream close")

	require.True(t, c.Remove(a2.Key()))
	_, ok = c.Current()
	assert.False(t, ok)

	assert.False(t, c.Remove(a1.Key()), "already removed")
}

func TestCenter_removeDropsReplayedOpenInsideWindow(t *testing.T) {
	n := &recordingNotifier{}
	clk := newFakeClock()
	c := newTestCenter(t, n, clk)

	a1 := item("a1", "t1")
	c.Enqueue(a1)
	require.True(t, c.Remove(a1.Key()))

	// Reconnect replay of the open event shortly after the close.
	clk.advance(3 * time.Second)
	c.Enqueue(item("a1", "t1"))
	_, ok := c.Current()
	assert.False(t, ok, "replayed open inside the window is a duplicate")

	// Much later the same key is a legitimate re-open.
	clk.advance(11 * time.Second)
	c.Enqueue(item("a1", "t1"))
	cur, ok := c.Current()
	require.True(t, ok)
	assert.Equal(t, "a1", cur.ID)
}

func TestCenter_ackSuppressesForSession(t *testing.T) {
	n := &recordingNotifier{}
	clk := newFakeClock()
	c := newTestCenter(t, n, clk)

	c.Enqueue(item("a1", "t1"))
	_, ok := c.Ack()
	require.True(t, ok)

	clk.advance(time.Minute)
	c.Enqueue(item("a1", "t1"))
	_, active := c.Current()
	assert.False(t, active, "acknowledged occurrence must stay suppressed")
	assert.Empty(t, c.Pending())

	// A new occurrence of the same alert id is not suppressed.
	c.Enqueue(item("a1", "t2"))
	cur, ok := c.Current()
	require.True(t, ok)
	assert.Equal(t, "t2", cur.StartedAt)
}

func TestCenter_ackWithoutActive(t *testing.T) {
	c := newTestCenter(t, &recordingNotifier{}, newFakeClock())
	_, ok := c.Ack()
	assert.False(t, ok)
}

func TestCenter_muteIsAudioOnly(t *testing.T) {
	n := &recordingNotifier{}
	c := newTestCenter(t, n, newFakeClock())

	c.Mute(5 * time.Minute)
	c.Enqueue(item("a1", "t1"))

	// Alert still raises and promotes; only the audible flag drops.
	require.Equal(t, 1, n.raisedCount())
	n.mu.Lock()
	audible := n.audible[0]
	n.mu.Unlock()
	assert.False(t, audible)

	c.Mute(0)
	assert.False(t, c.Muted())
	n.mu.Lock()
	assert.Equal(t, []bool{false, true}, n.setAud)
	n.mu.Unlock()
}

func TestCenter_muteWindowExpiresNaturally(t *testing.T) {
	n := &recordingNotifier{}
	clk := newFakeClock()
	c := newTestCenter(t, n, clk)

	c.Mute(5 * time.Second)
	assert.True(t, c.Muted())
	assert.Equal(t, clk.now().Add(5*time.Second), c.MutedUntil())

	// Past the window no call is needed; the mute has lapsed.
	clk.advance(6 * time.Second)
	assert.False(t, c.Muted())
	assert.True(t, c.MutedUntil().IsZero())

	c.Enqueue(item("a1", "t1"))
	n.mu.Lock()
	audible := n.audible[0]
	n.mu.Unlock()
	assert.True(t, audible, "alerts raised after expiry are audible")
}

func TestCenter_muteReplacedByLaterWindow(t *testing.T) {
	n := &recordingNotifier{}
	clk := newFakeClock()
	c := newTestCenter(t, n, clk)

	c.Mute(2 * time.Second)
	c.Mute(10 * time.Second)
	clk.advance(5 * time.Second)
	assert.True(t, c.Muted(), "second window supersedes the first")
	clk.advance(6 * time.Second)
	assert.False(t, c.Muted())
}

func TestCenter_fillsDefaultStream(t *testing.T) {
	clk := newFakeClock()
	c := New(zap.NewNop(), Config{
		Now: clk.now,
		DefaultStreamFor: func(sensorID string) string {
			return "http://media.local/" + sensorID + "/index.m3u8"
		},
	})
	t.Cleanup(c.Close)

	c.Enqueue(item("a1", "t1"))
	cur, ok := c.Current()
	require.True(t, ok)
	assert.Equal(t, "http://media.local/cam-3/index.m3u8", cur.StreamURL)

	// An alert that names its own stream keeps it.
	it := item("a2", "t2")
	it.StreamURL = "http://media.local/override.m3u8"
	c.Enqueue(it)
	pending := c.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, "http://media.local/override.m3u8", pending[0].StreamURL)
}

func TestCenter_rejectsItemsWithoutIdentity(t *testing.T) {
	c := newTestCenter(t, &recordingNotifier{}, newFakeClock())
	c.Enqueue(alert.Item{ID: "a1"})            // no started_at
	c.Enqueue(alert.Item{StartedAt: "t1"})     // no id
	_, ok := c.Current()
	assert.False(t, ok)
}

func TestCenter_seedPromotesFirst(t *testing.T) {
	n := &recordingNotifier{}
	c := newTestCenter(t, n, newFakeClock())

	c.Seed([]alert.Item{item("a1", "t1"), item("a2", "t2")})
	cur, ok := c.Current()
	require.True(t, ok)
	assert.Equal(t, "a1", cur.ID)
	assert.Len(t, c.Pending(), 1)
}
