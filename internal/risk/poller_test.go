package risk

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func fastConfig(url string) Config {
	return Config{
		URL:            url,
		Interval:       10 * time.Millisecond,
		InitialBackoff: 5 * time.Millisecond,
		MaxBackoff:     20 * time.Millisecond,
	}
}

func TestPoller_flatMapShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"north":3,"south":1}`)
	}))
	defer srv.Close()

	p := New(zap.NewNop(), fastConfig(srv.URL), srv.Client(), nil)
	p.Start()
	defer p.Stop()

	require.Eventually(t, func() bool {
		return p.Level("north") == 3
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, p.Level("south"))
	assert.Equal(t, LevelUnknown, p.Level("never-seen"))
	assert.NoError(t, p.LastError())
}

func TestPoller_itemsShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"items":[{"site":"north","level":4},{"site":"","level":9}]}`)
	}))
	defer srv.Close()

	p := New(zap.NewNop(), fastConfig(srv.URL), srv.Client(), nil)
	p.Start()
	defer p.Stop()

	require.Eventually(t, func() bool {
		return p.Level("north") == 4
	}, time.Second, 5*time.Millisecond)
	assert.Len(t, p.Levels(), 1, "item without site is dropped")
}

func TestPoller_failureDecaysToSentinel(t *testing.T) {
	var broken atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if broken.Load() {
			http.Error(w, "down", http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, `{"north":2}`)
	}))
	defer srv.Close()

	p := New(zap.NewNop(), fastConfig(srv.URL), srv.Client(), nil)
	p.Start()
	defer p.Stop()

	require.Eventually(t, func() bool {
		return p.Level("north") == 2
	}, time.Second, 5*time.Millisecond)

	broken.Store(true)
	require.Eventually(t, func() bool {
		return p.Level("north") == LevelUnknown
	}, time.Second, 5*time.Millisecond)
	require.Error(t, p.LastError())

	// Recovery clears the error and restores the level.
	broken.Store(false)
	require.Eventually(t, func() bool {
		return p.Level("north") == 2 && p.LastError() == nil
	}, time.Second, 5*time.Millisecond)
}

func TestPoller_suspendStopsFetching(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		fmt.Fprint(w, `{"north":2}`)
	}))
	defer srv.Close()

	p := New(zap.NewNop(), fastConfig(srv.URL), srv.Client(), nil)
	p.Start()
	defer p.Stop()

	require.Eventually(t, func() bool { return hits.Load() >= 1 }, time.Second, time.Millisecond)

	p.Suspend()
	time.Sleep(30 * time.Millisecond) // drain in-flight ticks
	n := hits.Load()
	time.Sleep(60 * time.Millisecond)
	assert.LessOrEqual(t, hits.Load(), n+1, "suspended poller must not fetch")

	// Cached level still serves while suspended.
	assert.Equal(t, 2, p.Level("north"))

	p.Resume()
	require.Eventually(t, func() bool {
		return hits.Load() > n+1
	}, time.Second, 5*time.Millisecond)
}

func TestPoller_onChangeFires(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"north":5}`)
	}))
	defer srv.Close()

	var gotSite atomic.Value
	var gotLevel atomic.Int64
	p := New(zap.NewNop(), fastConfig(srv.URL), srv.Client(), func(site string, lvl int) {
		gotSite.Store(site)
		gotLevel.Store(int64(lvl))
	})
	p.Start()
	defer p.Stop()

	require.Eventually(t, func() bool {
		s, _ := gotSite.Load().(string)
		return s == "north" && gotLevel.Load() == 5
	}, time.Second, 5*time.Millisecond)
}

func TestParseLevels_rejectsGarbage(t *testing.T) {
	_, err := parseLevels([]byte("not json"))
	require.Error(t, err)
}
