package service

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/safedeck/safedeck-server/internal/alertcenter"
	"github.com/safedeck/safedeck-server/internal/alertsse"
	"github.com/safedeck/safedeck-server/internal/domain/alert"
	"github.com/safedeck/safedeck-server/internal/gate"
	"github.com/safedeck/safedeck-server/internal/grid"
	"github.com/safedeck/safedeck-server/internal/player"
	"github.com/safedeck/safedeck-server/internal/risk"
	"go.uber.org/zap"
)

type StatusOptions struct {
	// TTL controls how long we serve the in-memory snapshot.
	// 150–400ms works well for 1.5s polling; default 250ms.
	TTL time.Duration
}

func (o *StatusOptions) setDefaults() {
	if o.TTL <= 0 {
		o.TTL = 250 * time.Millisecond
	}
}

// GateStatus reports the start-gate occupancy.
type GateStatus struct {
	Limit    int `json:"limit"`
	InFlight int `json:"in_flight"`
	Waiting  int `json:"waiting"`
}

// AlertsStatus reports the alert engine state.
type AlertsStatus struct {
	Current      *alert.Item    `json:"current,omitempty"`
	PendingCount int            `json:"pending_count"`
	Muted        bool           `json:"muted"`
	Feed         alertsse.State `json:"feed"`
}

// StatusSnapshot is the aggregate dashboard state.
type StatusSnapshot struct {
	Streams     []player.Status `json:"streams"`
	Page        int             `json:"page"`
	PageCount   int             `json:"page_count"`
	PageSize    int             `json:"page_size"`
	Gate        GateStatus      `json:"gate"`
	Alerts      AlertsStatus    `json:"alerts"`
	Risk        map[string]int  `json:"risk"`
	GeneratedAt time.Time       `json:"generated_at"`
}

// StatusResult lets the handler set headers/telemetry.
type StatusResult struct {
	Data     StatusSnapshot
	CacheHit bool
}

// StatusService assembles the aggregate snapshot. Building one walks
// every player's lock, so concurrent pollers are coalesced and served
// from a short-TTL cache.
type StatusService struct {
	log    *zap.Logger
	grid   *grid.Grid
	g      *gate.Gate
	center *alertcenter.Center
	feed   *alertsse.Client
	risk   *risk.Poller

	mu      sync.RWMutex
	cache   *StatusSnapshot
	expires time.Time

	opts StatusOptions
	now  func() time.Time

	sg singleflight.Group
}

// NewStatusService wires the runtime components and cache policy.
// Reuse a single instance per process (handlers call Get()).
func NewStatusService(log *zap.Logger, gr *grid.Grid, g *gate.Gate, center *alertcenter.Center, feed *alertsse.Client, rp *risk.Poller, opts StatusOptions) *StatusService {
	opts.setDefaults()
	return &StatusService{
		log:    log.Named("status_service"),
		grid:   gr,
		g:      g,
		center: center,
		feed:   feed,
		risk:   rp,
		opts:   opts,
		now:    time.Now,
	}
}

// Get returns the cached snapshot or rebuilds it when expired.
// Multiple concurrent rebuilds are coalesced.
func (s *StatusService) Get(ctx context.Context) (StatusResult, error) {
	// Fast path: fresh cache
	s.mu.RLock()
	if s.cache != nil && s.now().Before(s.expires) {
		out := *s.cache
		s.mu.RUnlock()
		return StatusResult{Data: out, CacheHit: true}, nil
	}
	s.mu.RUnlock()

	v, err, _ := s.sg.Do("status-refresh", func() (any, error) {
		// Double-check freshness after we won the flight
		s.mu.RLock()
		if s.cache != nil && s.now().Before(s.expires) {
			out := *s.cache
			s.mu.RUnlock()
			return StatusResult{Data: out, CacheHit: true}, nil
		}
		s.mu.RUnlock()

		snap := s.build()

		s.mu.Lock()
		s.cache = &snap
		s.expires = s.now().Add(s.opts.TTL)
		s.mu.Unlock()

		return StatusResult{Data: snap, CacheHit: false}, nil
	})
	if err != nil {
		return StatusResult{}, err
	}
	return v.(StatusResult), nil
}

// Invalidate drops the cache; the next Get rebuilds.
func (s *StatusService) Invalidate() {
	s.mu.Lock()
	s.cache = nil
	s.expires = time.Time{}
	s.mu.Unlock()
}

func (s *StatusService) build() StatusSnapshot {
	snap := StatusSnapshot{
		Streams:     s.grid.Snapshot(),
		Page:        s.grid.Page(),
		PageCount:   s.grid.PageCount(),
		PageSize:    s.grid.PageSize(),
		GeneratedAt: s.now(),
		Gate: GateStatus{
			Limit:    s.g.Limit(),
			InFlight: s.g.InFlight(),
			Waiting:  s.g.Waiting(),
		},
	}
	if s.center != nil {
		if cur, ok := s.center.Current(); ok {
			snap.Alerts.Current = &cur
		}
		snap.Alerts.PendingCount = len(s.center.Pending())
		snap.Alerts.Muted = s.center.Muted()
	}
	if s.feed != nil {
		snap.Alerts.Feed = s.feed.State()
	}
	if s.risk != nil {
		snap.Risk = s.risk.Levels()
	}
	return snap
}
