package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_counters(t *testing.T) {
	m := New()

	m.IncAlertsQueued()
	m.IncAlertsQueued()
	m.IncAlertsAcked()
	m.IncTransition("playing")
	m.SetPlayerState("playing", 3)
	m.SetAlertQueueDepth(2)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.alertsQueued))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.alertsAcked))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.playerTransitions.WithLabelValues("playing")))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.playerStates.WithLabelValues("playing")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.alertQueueDepth))
}

func TestMetrics_handlerRefreshesGauges(t *testing.T) {
	m := New()
	refreshed := false
	h := m.Handler(func() {
		refreshed = true
		m.SetPlayerState("stalled", 1)
	})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	assert.True(t, refreshed)
	assert.Contains(t, rec.Body.String(), `safedeck_players{state="stalled"} 1`)
}
