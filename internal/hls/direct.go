package hls

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/safedeck/safedeck-server/internal/domain/stream"
	"go.uber.org/zap"
)

// Direct plays a progressive (non-HLS) URL: one long-lived GET whose
// body is drained continuously. There is no live-edge query and no
// playlist error taxonomy; only the initial 404 is terminal. The
// external lifecycle matches Session so players drive both the same way.
type Direct struct {
	log    *zap.Logger
	rawURL string
	client *http.Client

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	body   io.ReadCloser
	opened bool
	closed bool

	bytes    atomic.Int64
	lastSeen atomic.Int64 // bytes observed at the previous poll
	started  time.Time
}

// NewDirect prepares a direct session; no network work until Open.
func NewDirect(log *zap.Logger, rawURL string, client *http.Client) *Direct {
	if client == nil {
		client = http.DefaultClient
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Direct{
		log:    log.Named("direct"),
		rawURL: rawURL,
		client: client,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Open issues the streaming GET and starts draining the body.
func (d *Direct) Open(ctx context.Context) error {
	req, err := http.NewRequestWithContext(d.ctx, http.MethodGet, d.rawURL, nil)
	if err != nil {
		return fmt.Errorf("request: %w", err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return ErrStreamNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return fmt.Errorf("connect: status %d", resp.StatusCode)
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		resp.Body.Close()
		return errors.New("session closed")
	}
	d.body = resp.Body
	d.opened = true
	d.started = time.Now()
	d.mu.Unlock()

	go d.drain(resp.Body)
	return nil
}

// drain consumes the media body, counting bytes as the progress signal.
func (d *Direct) drain(body io.ReadCloser) {
	buf := make([]byte, 32*1024)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			d.bytes.Add(int64(n))
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, context.Canceled) {
				d.log.Debug("drain stopped", zap.Error(err))
			}
			return
		}
	}
}

// Poll reports whether bytes arrived since the last poll. Behind is
// always zero: no live-edge query on this path.
func (d *Direct) Poll(ctx context.Context) (stream.Progress, error) {
	d.mu.Lock()
	if d.closed || !d.opened {
		d.mu.Unlock()
		return stream.Progress{}, errors.New("session closed")
	}
	started := d.started
	d.mu.Unlock()

	seen := d.bytes.Load()
	prev := d.lastSeen.Swap(seen)
	return stream.Progress{
		Advanced: seen > prev,
		Position: time.Since(started),
	}, nil
}

// SeekLiveEdge is a no-op: progressive playback has no seekable edge.
func (d *Direct) SeekLiveEdge(time.Duration) {}

// Reload re-issues the GET on the same transport object.
func (d *Direct) Reload(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return errors.New("session closed")
	}
	body := d.body
	d.body = nil
	d.opened = false
	d.mu.Unlock()

	if body != nil {
		body.Close()
	}
	return d.Open(ctx)
}

// Close aborts the transfer. Safe to call more than once.
func (d *Direct) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	body := d.body
	d.body = nil
	d.mu.Unlock()

	d.cancel()
	if body != nil {
		body.Close()
	}
	return nil
}
