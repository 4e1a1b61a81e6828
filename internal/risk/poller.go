// Package risk polls the upstream risk-level endpoint and caches the
// per-site levels for the operator API.
package risk

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/safedeck/safedeck-server/internal/task"
	"go.uber.org/zap"
)

// LevelUnknown is the sentinel reported until a poll has succeeded or
// after the upstream has gone away.
const LevelUnknown = -1

// Config tunes the poll loop.
type Config struct {
	URL      string
	Interval time.Duration // healthy cadence, default 30s

	// Failed polls back off from InitialBackoff to MaxBackoff.
	InitialBackoff time.Duration // default 1s
	MaxBackoff     time.Duration // default 10s
}

func (c *Config) setDefaults() {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 10 * time.Second
	}
}

// Poller maintains the latest known risk level per site.
type Poller struct {
	log *zap.Logger
	cfg Config
	hc  *http.Client

	onChange func(site string, level int)

	mu        sync.Mutex
	levels    map[string]int
	lastErr   error
	backoff   time.Duration
	suspended bool

	task *task.Task
}

// New builds a poller; polling starts on Start. onChange may be nil.
func New(log *zap.Logger, cfg Config, hc *http.Client, onChange func(site string, level int)) *Poller {
	cfg.setDefaults()
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Poller{
		log:      log.Named("risk"),
		cfg:      cfg,
		hc:       hc,
		onChange: onChange,
		levels:   make(map[string]int),
	}
}

// Start begins the poll loop. The first poll fires immediately.
func (p *Poller) Start() {
	p.mu.Lock()
	if p.task != nil {
		p.mu.Unlock()
		return
	}
	first := true
	p.task = task.EveryFunc(func() time.Duration {
		if first {
			first = false
			return 0
		}
		return p.nextDelay()
	}, p.pollOnce)
	p.mu.Unlock()
}

// Stop halts the loop. Idempotent.
func (p *Poller) Stop() {
	p.mu.Lock()
	t := p.task
	p.mu.Unlock()
	if t != nil {
		t.Cancel()
	}
}

// Suspend pauses fetching while backgrounded; the cached levels keep
// serving but go stale.
func (p *Poller) Suspend() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.suspended = true
}

// Resume re-enables fetching.
func (p *Poller) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.suspended = false
}

// Level returns the cached level for site, LevelUnknown when absent.
func (p *Poller) Level(site string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if lvl, ok := p.levels[site]; ok {
		return lvl
	}
	return LevelUnknown
}

// Levels returns a copy of all cached levels.
func (p *Poller) Levels() map[string]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]int, len(p.levels))
	for k, v := range p.levels {
		out[k] = v
	}
	return out
}

// LastError returns the most recent poll failure, nil after a success.
func (p *Poller) LastError() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastErr
}

func (p *Poller) nextDelay() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.backoff > 0 {
		return p.backoff
	}
	return p.cfg.Interval
}

func (p *Poller) pollOnce() {
	p.mu.Lock()
	if p.suspended {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	levels, err := p.fetch()

	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		p.lastErr = err
		// Known levels decay to the sentinel rather than serving a
		// stale number as if it were live.
		for site := range p.levels {
			if p.levels[site] != LevelUnknown {
				p.levels[site] = LevelUnknown
				p.notifyLocked(site, LevelUnknown)
			}
		}
		if p.backoff == 0 {
			p.backoff = p.cfg.InitialBackoff
		} else if p.backoff *= 2; p.backoff > p.cfg.MaxBackoff {
			p.backoff = p.cfg.MaxBackoff
		}
		p.log.Warn("risk poll failed", zap.Error(err), zap.Duration("backoff", p.backoff))
		return
	}

	p.lastErr = nil
	p.backoff = 0
	for site, lvl := range levels {
		if p.levels[site] != lvl {
			p.levels[site] = lvl
			p.notifyLocked(site, lvl)
		}
	}
}

func (p *Poller) notifyLocked(site string, lvl int) {
	if p.onChange != nil {
		go p.onChange(site, lvl)
	}
}

// fetch pulls and decodes the endpoint. Two wire shapes are accepted:
// a flat site-to-level map, and an items list.
func (p *Poller) fetch() (map[string]int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}
	resp, err := p.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("fetch: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}
	return parseLevels(body)
}

func parseLevels(body []byte) (map[string]int, error) {
	var flat map[string]int
	if err := json.Unmarshal(body, &flat); err == nil {
		return flat, nil
	}

	var wrapped struct {
		Items []struct {
			Site  string `json:"site"`
			Level int    `json:"level"`
		} `json:"items"`
	}
	if err := json.Unmarshal(body, &wrapped); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	out := make(map[string]int, len(wrapped.Items))
	for _, it := range wrapped.Items {
		if it.Site == "" {
			continue
		}
		out[it.Site] = it.Level
	}
	return out, nil
}
