// Package metrics exposes Prometheus instrumentation for the player
// pool and the alert engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors, registered on a private
// registry so tests can run side by side.
type Metrics struct {
	registry *prometheus.Registry

	playerStates      *prometheus.GaugeVec
	playerTransitions *prometheus.CounterVec
	alertsQueued      prometheus.Counter
	alertsAcked       prometheus.Counter
	alertQueueDepth   prometheus.Gauge
	feedReconnects    prometheus.Counter
	clipsResolved     prometheus.Counter
	requestsTotal     *prometheus.CounterVec
}

// New creates and registers the collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	playerStates := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "safedeck_players",
		Help: "Players currently in each lifecycle state",
	}, []string{"state"})
	playerTransitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "safedeck_player_transitions_total",
		Help: "Player state transitions by destination state",
	}, []string{"to"})
	alertsQueued := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "safedeck_alerts_queued_total",
		Help: "Alerts admitted to the queue",
	})
	alertsAcked := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "safedeck_alerts_acked_total",
		Help: "Alerts acknowledged by operators",
	})
	alertQueueDepth := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "safedeck_alert_queue_depth",
		Help: "Alerts waiting behind the active one",
	})
	feedReconnects := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "safedeck_feed_reconnects_total",
		Help: "Alert feed reconnection attempts",
	})
	clipsResolved := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "safedeck_clips_resolved_total",
		Help: "Alert clips that appeared on the media host",
	})
	requestsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "safedeck_http_requests_total",
		Help: "HTTP requests by method and status class",
	}, []string{"method", "status"})

	registry.MustRegister(
		playerStates,
		playerTransitions,
		alertsQueued,
		alertsAcked,
		alertQueueDepth,
		feedReconnects,
		clipsResolved,
		requestsTotal,
	)

	return &Metrics{
		registry:          registry,
		playerStates:      playerStates,
		playerTransitions: playerTransitions,
		alertsQueued:      alertsQueued,
		alertsAcked:       alertsAcked,
		alertQueueDepth:   alertQueueDepth,
		feedReconnects:    feedReconnects,
		clipsResolved:     clipsResolved,
		requestsTotal:     requestsTotal,
	}
}

// SetPlayerState sets the gauge for one lifecycle state.
func (m *Metrics) SetPlayerState(state string, n int) {
	m.playerStates.WithLabelValues(state).Set(float64(n))
}

// IncTransition counts a player entering state.
func (m *Metrics) IncTransition(state string) {
	m.playerTransitions.WithLabelValues(state).Inc()
}

// IncAlertsQueued counts an admitted alert.
func (m *Metrics) IncAlertsQueued() { m.alertsQueued.Inc() }

// IncAlertsAcked counts an acknowledged alert.
func (m *Metrics) IncAlertsAcked() { m.alertsAcked.Inc() }

// SetAlertQueueDepth sets the pending-queue gauge.
func (m *Metrics) SetAlertQueueDepth(n int) {
	m.alertQueueDepth.Set(float64(n))
}

// IncFeedReconnects counts an alert-feed reconnect attempt.
func (m *Metrics) IncFeedReconnects() { m.feedReconnects.Inc() }

// IncClipsResolved counts a resolved clip.
func (m *Metrics) IncClipsResolved() { m.clipsResolved.Inc() }

// IncRequest counts one HTTP request.
func (m *Metrics) IncRequest(method, statusClass string) {
	m.requestsTotal.WithLabelValues(method, statusClass).Inc()
}

// Handler serves the scrape endpoint. updateGauges runs before each
// scrape to refresh point-in-time gauges.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
