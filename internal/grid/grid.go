// Package grid manages the set of live players: which sources exist,
// which page of them is active, and the player lifecycle when either
// changes. Off-page sources hold no transport at all.
package grid

import (
	"fmt"
	"sync"

	"github.com/safedeck/safedeck-server/internal/domain/stream"
	"github.com/safedeck/safedeck-server/internal/gate"
	"github.com/safedeck/safedeck-server/internal/player"
	"go.uber.org/zap"
)

const defaultPageSize = 6

// Grid is the paged player pool. One player per on-page source, keyed
// by URL; paging closes the players that fall off the page before
// starting the ones that come on, so connections never double up.
type Grid struct {
	log     *zap.Logger
	g       *gate.Gate
	factory player.TransportFactory
	cfg     player.Config
	onTrans player.TransitionFunc

	mu        sync.Mutex
	sources   []stream.Source
	page      int
	pageSize  int
	players   map[string]*player.Player
	suspended bool
	closed    bool
}

// New builds an empty grid. Players appear once sources are set.
func New(log *zap.Logger, g *gate.Gate, factory player.TransportFactory, cfg player.Config, onTransition player.TransitionFunc) *Grid {
	return &Grid{
		log:      log.Named("grid"),
		g:        g,
		factory:  factory,
		cfg:      cfg,
		onTrans:  onTransition,
		pageSize: defaultPageSize,
		players:  make(map[string]*player.Player),
	}
}

// SetSources replaces the source list. Invalid sources are dropped
// with a warning rather than poisoning the grid.
func (gr *Grid) SetSources(srcs []stream.Source) {
	gr.mu.Lock()
	defer gr.mu.Unlock()
	if gr.closed {
		return
	}
	kept := srcs[:0:0]
	for _, s := range srcs {
		if !s.Valid() {
			gr.log.Warn("dropping source without url", zap.String("title", s.Title))
			continue
		}
		kept = append(kept, s)
	}
	gr.sources = kept
	gr.clampPageLocked()
	gr.applyLocked()
}

// SetPage switches the active page.
func (gr *Grid) SetPage(n int) error {
	gr.mu.Lock()
	defer gr.mu.Unlock()
	if gr.closed {
		return fmt.Errorf("grid closed")
	}
	if n < 0 || n >= gr.pageCountLocked() {
		return fmt.Errorf("page %d out of range [0,%d)", n, gr.pageCountLocked())
	}
	gr.page = n
	gr.applyLocked()
	return nil
}

// SetPageSize changes how many streams run at once.
func (gr *Grid) SetPageSize(n int) error {
	gr.mu.Lock()
	defer gr.mu.Unlock()
	if gr.closed {
		return fmt.Errorf("grid closed")
	}
	if n < 1 {
		return fmt.Errorf("page size must be >= 1, got %d", n)
	}
	gr.pageSize = n
	gr.clampPageLocked()
	gr.applyLocked()
	return nil
}

// Page returns the active page index.
func (gr *Grid) Page() int {
	gr.mu.Lock()
	defer gr.mu.Unlock()
	return gr.page
}

// PageSize returns the active page size.
func (gr *Grid) PageSize() int {
	gr.mu.Lock()
	defer gr.mu.Unlock()
	return gr.pageSize
}

// PageCount returns the number of pages for the current source list.
func (gr *Grid) PageCount() int {
	gr.mu.Lock()
	defer gr.mu.Unlock()
	return gr.pageCountLocked()
}

// Snapshot returns the on-page player statuses in source order.
func (gr *Grid) Snapshot() []player.Status {
	gr.mu.Lock()
	defer gr.mu.Unlock()
	out := make([]player.Status, 0, gr.pageSize)
	for _, src := range gr.activeLocked() {
		if p, ok := gr.players[src.URL]; ok {
			out = append(out, p.Status())
		}
	}
	return out
}

// Retry restarts a terminal player by URL. Reports whether a player
// with that URL is on the active page.
func (gr *Grid) Retry(url string) bool {
	gr.mu.Lock()
	p, ok := gr.players[url]
	gr.mu.Unlock()
	if !ok {
		return false
	}
	p.Retry()
	return true
}

// SuspendAll backgrounds every active player.
func (gr *Grid) SuspendAll() {
	gr.mu.Lock()
	defer gr.mu.Unlock()
	gr.suspended = true
	for _, p := range gr.players {
		p.Suspend()
	}
}

// ResumeAll re-foregrounds every active player, health-checking each.
func (gr *Grid) ResumeAll() {
	gr.mu.Lock()
	defer gr.mu.Unlock()
	gr.suspended = false
	for _, p := range gr.players {
		p.Resume()
	}
}

// Close tears down every player. Idempotent.
func (gr *Grid) Close() {
	gr.mu.Lock()
	defer gr.mu.Unlock()
	if gr.closed {
		return
	}
	gr.closed = true
	for url, p := range gr.players {
		p.Close()
		delete(gr.players, url)
	}
}

// applyLocked reconciles the player set with the active page: close
// the players that fell off first, then start the newcomers.
func (gr *Grid) applyLocked() {
	want := make(map[string]stream.Source, gr.pageSize)
	for _, src := range gr.activeLocked() {
		want[src.URL] = src
	}

	for url, p := range gr.players {
		if _, ok := want[url]; !ok {
			p.Close()
			delete(gr.players, url)
		}
	}

	for url, src := range want {
		if _, ok := gr.players[url]; ok {
			continue
		}
		p := player.New(gr.log, src, gr.g, gr.factory, gr.cfg, gr.onTrans)
		gr.players[url] = p
		p.Start()
		if gr.suspended {
			p.Suspend()
		}
	}
}

func (gr *Grid) activeLocked() []stream.Source {
	lo := gr.page * gr.pageSize
	if lo >= len(gr.sources) {
		return nil
	}
	hi := lo + gr.pageSize
	if hi > len(gr.sources) {
		hi = len(gr.sources)
	}
	return gr.sources[lo:hi]
}

func (gr *Grid) pageCountLocked() int {
	if len(gr.sources) == 0 {
		return 1
	}
	return (len(gr.sources) + gr.pageSize - 1) / gr.pageSize
}

func (gr *Grid) clampPageLocked() {
	if max := gr.pageCountLocked() - 1; gr.page > max {
		gr.page = max
	}
}
