// Package hls pulls live HLS feeds: playlist refresh, live-edge
// tracking and segment consumption. A Session is a resource handle:
// everything attached in Open is released in Close, and Close is
// idempotent so teardown can race without leaking a connection.
package hls

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/safedeck/safedeck-server/internal/domain/stream"
	"go.uber.org/zap"
)

// ErrStreamNotFound is the terminal transport condition: the manifest
// answered 404. Retrying a URL that will never resolve only masks a
// broken feed as "still loading".
var ErrStreamNotFound = errors.New("stream not found")

// positionNudge breaks decoder-style stalls after a seek; the original
// pipeline advances the playhead by a hair instead of re-buffering.
const positionNudge = time.Millisecond

// maxSegmentsPerPoll caps how much backlog a single poll may consume,
// so a long stall does not turn into a bandwidth burst.
const maxSegmentsPerPoll = 3

// Session is one live HLS pull session against a media playlist URL.
type Session struct {
	log    *zap.Logger
	rawURL string
	client *http.Client

	base   *url.URL
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	playlist *Playlist
	playSeq  int64
	position time.Duration
	opened   bool
	closed   bool
}

// NewSession prepares a session; no network work happens until Open.
func NewSession(log *zap.Logger, rawURL string, client *http.Client) *Session {
	if client == nil {
		client = http.DefaultClient
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		log:    log.Named("hls"),
		rawURL: rawURL,
		client: client,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Open fetches the manifest and positions the playhead near the live
// edge. A 404 manifest yields ErrStreamNotFound.
func (s *Session) Open(ctx context.Context) error {
	base, err := url.Parse(s.rawURL)
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}

	pl, err := s.fetchPlaylist(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("session closed")
	}
	s.base = base
	s.playlist = pl
	s.playSeq = pl.SeekFromEdge(defaultEdgePad)
	s.opened = true
	return nil
}

// defaultEdgePad keeps a small safety buffer behind the live edge so a
// jitter in segment publishing does not immediately starve the playhead.
const defaultEdgePad = 800 * time.Millisecond

// Poll refreshes the playlist and consumes due segments. It reports
// whether the playhead advanced and how far behind the live edge it is.
func (s *Session) Poll(ctx context.Context) (stream.Progress, error) {
	pl, err := s.fetchPlaylist(ctx)
	if err != nil {
		return stream.Progress{}, err
	}

	s.mu.Lock()
	if s.closed || !s.opened {
		s.mu.Unlock()
		return stream.Progress{}, errors.New("session closed")
	}
	s.playlist = pl
	// Fell out of the sliding window: jump to the window start rather
	// than fetching segments that no longer exist.
	if s.playSeq < pl.MediaSequence {
		s.playSeq = pl.MediaSequence
	}
	playSeq := s.playSeq
	s.mu.Unlock()

	advanced := false
	for n := 0; n < maxSegmentsPerPoll; n++ {
		seg, ok := pl.Segment(playSeq)
		if !ok {
			break // caught up with the edge
		}
		if err := s.fetchSegment(ctx, seg); err != nil {
			// Segment-level failures are transient: the window rotates,
			// the watchdog catches persistent silence.
			s.log.Debug("segment fetch failed", zap.Int64("seq", seg.Sequence), zap.Error(err))
			break
		}
		playSeq++
		advanced = true

		s.mu.Lock()
		s.playSeq = playSeq
		s.position += seg.Duration
		s.mu.Unlock()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return stream.Progress{
		Advanced: advanced,
		Position: s.position,
		Behind:   pl.DurationBetween(s.playSeq, pl.EdgeSequence()),
	}, nil
}

// SeekLiveEdge moves the playhead to (live edge − pad). Live feeds
// favour latency over historical buffer.
func (s *Session) SeekLiveEdge(pad time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.playlist == nil {
		return
	}
	s.playSeq = s.playlist.SeekFromEdge(pad)
	s.position += positionNudge
}

// Reload is the soft recovery path: restart the load pipeline on the
// same transport, re-seek to the live edge and nudge the playhead.
func (s *Session) Reload(ctx context.Context) error {
	pl, err := s.fetchPlaylist(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("session closed")
	}
	s.playlist = pl
	s.playSeq = pl.SeekFromEdge(time.Second)
	s.position += positionNudge
	return nil
}

// Position returns the cumulative playback position.
func (s *Session) Position() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.position
}

// Close releases the session: in-flight requests are aborted and no
// further network work happens. Safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	return nil
}

func (s *Session) fetchPlaylist(ctx context.Context) (*Playlist, error) {
	body, status, err := s.get(ctx, s.rawURL)
	if err != nil {
		return nil, fmt.Errorf("manifest: %w", err)
	}
	defer body.Close()

	if status == http.StatusNotFound {
		io.Copy(io.Discard, body)
		return nil, ErrStreamNotFound
	}
	if status < 200 || status > 299 {
		io.Copy(io.Discard, body)
		return nil, fmt.Errorf("manifest: status %d", status)
	}

	pl, err := ParseMediaPlaylist(body)
	if err != nil {
		return nil, fmt.Errorf("manifest: %w", err)
	}
	return pl, nil
}

func (s *Session) fetchSegment(ctx context.Context, seg Segment) error {
	ref, err := url.Parse(seg.URI)
	if err != nil {
		return fmt.Errorf("segment uri: %w", err)
	}
	segURL := seg.URI
	if s.base != nil {
		segURL = s.base.ResolveReference(ref).String()
	}

	body, status, err := s.get(ctx, segURL)
	if err != nil {
		return err
	}
	defer body.Close()

	if status < 200 || status > 299 {
		io.Copy(io.Discard, body)
		return fmt.Errorf("segment: status %d", status)
	}
	if _, err := io.Copy(io.Discard, body); err != nil {
		return fmt.Errorf("segment read: %w", err)
	}
	return nil
}

// get issues a GET whose lifetime is bounded by both the call context
// and the session lifetime, so Close aborts in-flight requests.
func (s *Session) get(ctx context.Context, u string) (io.ReadCloser, int, error) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.ctx, cancel)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		stop()
		cancel()
		return nil, 0, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		stop()
		cancel()
		return nil, 0, err
	}
	body := &cancelBody{ReadCloser: resp.Body, stop: stop, cancel: cancel}
	return body, resp.StatusCode, nil
}

type cancelBody struct {
	io.ReadCloser
	stop   func() bool
	cancel context.CancelFunc
}

func (b *cancelBody) Close() error {
	err := b.ReadCloser.Close()
	b.stop()
	b.cancel()
	return err
}
