// Package alertsse maintains the server-sent-events subscription that
// feeds the alert engine. The subscription never gives up: any broken
// stream is re-dialed with backoff, resuming from the last event id.
package alertsse

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/safedeck/safedeck-server/internal/domain/alert"
	"github.com/safedeck/safedeck-server/pkg/jsonx"
	"go.uber.org/zap"
)

// State is the subscription state exposed to the operator API.
type State string

const (
	StateConnecting State = "connecting"
	StateOpen       State = "open"
	StateClosed     State = "closed"
)

// Config carries the upstream endpoints and reconnect tuning.
type Config struct {
	EventsURL   string // SSE endpoint
	SnapshotURL string // active-alert snapshot endpoint, optional
	Site        string // optional site filter, sent as ?site=

	InitialBackoff time.Duration // default 1s
	MaxBackoff     time.Duration // default 30s
}

func (c *Config) setDefaults() {
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
}

// Event types carried on the wire, either as the SSE event name or as
// the payload's type field.
const (
	EventOpen  = "alert_open"
	EventClose = "alert_close"
)

// Handler receives each validated alert event with its resolved type,
// EventOpen or EventClose.
type Handler func(typ string, it alert.Item)

// Client is the long-lived subscription. Open and Close pair; Close is
// idempotent and aborts an in-flight dial.
type Client struct {
	log     *zap.Logger
	cfg     Config
	hc      *http.Client
	handler Handler
	onState func(State)

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu          sync.Mutex
	state       State
	started     bool
	lastEventID string
	lastErr     error
	retryHint   time.Duration // server-provided retry: field, millis
}

// New builds a client; the subscription starts on Open.
func New(log *zap.Logger, cfg Config, hc *http.Client, handler Handler, onState func(State)) *Client {
	cfg.setDefaults()
	if hc == nil {
		hc = http.DefaultClient
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		log:     log.Named("alertsse"),
		cfg:     cfg,
		hc:      hc,
		handler: handler,
		onState: onState,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		state:   StateConnecting,
	}
}

// Open starts the subscription loop. Calling it twice is a no-op.
func (c *Client) Open() {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()
	go c.run()
}

// Close stops the subscription and waits for the loop to exit.
func (c *Client) Close() {
	c.cancel()
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if started {
		<-c.done
	}
	c.setState(StateClosed)
}

// State returns the current subscription state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastError returns the most recent stream failure, if any.
func (c *Client) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// LastEventID returns the resume cursor.
func (c *Client) LastEventID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastEventID
}

// Snapshot fetches the currently-active alerts so a fresh start does
// not miss alerts raised before the subscription existed.
func (c *Client) Snapshot(ctx context.Context) ([]alert.Item, error) {
	if c.cfg.SnapshotURL == "" {
		return nil, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.withSite(c.cfg.SnapshotURL), nil)
	if err != nil {
		return nil, fmt.Errorf("snapshot request: %w", err)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("snapshot: status %d", resp.StatusCode)
	}

	var wire struct {
		Alerts []wireAlert `json:"alerts"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("snapshot decode: %w", err)
	}
	items := make([]alert.Item, 0, len(wire.Alerts))
	for _, w := range wire.Alerts {
		it, err := w.toItem()
		if err != nil {
			c.log.Warn("snapshot item rejected", zap.Error(err))
			continue
		}
		items = append(items, it)
	}
	return items, nil
}

// run dials forever. A stream that delivered at least one event resets
// the backoff; repeated dial failures back off exponentially.
func (c *Client) run() {
	defer close(c.done)

	backoff := c.cfg.InitialBackoff
	for {
		if c.ctx.Err() != nil {
			return
		}
		c.setState(StateConnecting)

		delivered, err := c.streamOnce()
		if c.ctx.Err() != nil {
			return
		}
		if err != nil {
			c.mu.Lock()
			c.lastErr = err
			c.mu.Unlock()
			c.log.Warn("event stream broken", zap.Error(err))
		}
		if delivered {
			backoff = c.cfg.InitialBackoff
		}

		wait := backoff
		c.mu.Lock()
		if c.retryHint > 0 {
			wait = c.retryHint
		}
		c.mu.Unlock()

		select {
		case <-c.ctx.Done():
			return
		case <-time.After(wait):
		}
		if backoff *= 2; backoff > c.cfg.MaxBackoff {
			backoff = c.cfg.MaxBackoff
		}
	}
}

// streamOnce dials the endpoint and pumps events until the stream
// breaks. Reports whether any event was delivered.
func (c *Client) streamOnce() (bool, error) {
	req, err := http.NewRequestWithContext(c.ctx, http.MethodGet, c.withSite(c.cfg.EventsURL), nil)
	if err != nil {
		return false, fmt.Errorf("request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if id := c.LastEventID(); id != "" {
		req.Header.Set("Last-Event-ID", id)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return false, fmt.Errorf("dial: status %d", resp.StatusCode)
	}

	c.setState(StateOpen)
	c.log.Info("event stream open")

	delivered := false
	var data strings.Builder
	var eventName, eventID string

	r := bufio.NewReader(resp.Body)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return delivered, fmt.Errorf("read: %w", err)
		}
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if data.Len() > 0 {
				if eventID != "" {
					c.mu.Lock()
					c.lastEventID = eventID
					c.mu.Unlock()
				}
				c.dispatch(eventName, data.String())
				delivered = true
			}
			data.Reset()
			eventName, eventID = "", ""
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue // comment / keepalive
		}

		field, value := line, ""
		if i := strings.IndexByte(line, ':'); i >= 0 {
			field, value = line[:i], strings.TrimPrefix(line[i+1:], " ")
		}
		switch field {
		case "data":
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(value)
		case "event":
			eventName = value
		case "id":
			if !strings.ContainsRune(value, 0) {
				eventID = value
			}
		case "retry":
			if ms, err := strconv.Atoi(value); err == nil && ms >= 0 {
				c.mu.Lock()
				c.retryHint = time.Duration(ms) * time.Millisecond
				c.mu.Unlock()
			}
		}
	}
}

// dispatch validates one event payload and hands it to the handler.
// The event type comes from the payload's type field when present,
// falling back to the SSE event name; unnamed events default to open.
// Malformed payloads are dropped; one bad event must not kill the
// stream or the engine.
func (c *Client) dispatch(name, payload string) {
	switch name {
	case "", "message", "alert", EventOpen, EventClose:
	default:
		return
	}

	var w wireAlert
	if err := json.Unmarshal([]byte(payload), &w); err != nil {
		c.log.Warn("alert event rejected", zap.Error(err))
		return
	}

	typ := w.Type
	if typ == "" {
		typ = name
	}
	switch typ {
	case "", "message", "alert":
		typ = EventOpen
	case EventOpen, EventClose:
	default:
		c.log.Warn("alert event rejected", zap.String("type", typ))
		return
	}

	it, err := w.toItem()
	if err != nil {
		c.log.Warn("alert event rejected", zap.Error(err))
		return
	}
	c.handler(typ, it)
}

func (c *Client) withSite(raw string) string {
	if c.cfg.Site == "" {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	q.Set("site", c.cfg.Site)
	u.RawQuery = q.Encode()
	return u.String()
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()
	if c.onState != nil {
		c.onState(s)
	}
}

// --- wire schema ---

// wireAlert is the upstream payload. Field tracking distinguishes a
// null filename_s (clip known to be absent) from a missing key (clip
// may still appear); both map to an empty filename but only after
// passing validation.
type wireAlert struct {
	Type          string              `json:"type"`
	ID            jsonx.Field[string] `json:"id"`
	Site          string              `json:"site"`
	SensorID      jsonx.Field[string] `json:"sensor_id"`
	Model         string              `json:"model"`
	Title         string              `json:"title"`
	Message       string              `json:"message"`
	StartedAt     jsonx.Field[string] `json:"started_at"`
	Severity      string              `json:"severity"`
	ShortFilename jsonx.Field[string] `json:"filename_s"`
	StreamURL     string              `json:"stream_url"`
}

func (w wireAlert) toItem() (alert.Item, error) {
	if !w.ID.IsSet() || w.ID.IsNull() || *w.ID.Value() == "" {
		return alert.Item{}, fmt.Errorf("missing id")
	}
	if !w.StartedAt.IsSet() || w.StartedAt.IsNull() || *w.StartedAt.Value() == "" {
		return alert.Item{}, fmt.Errorf("missing started_at")
	}
	if w.SensorID.IsSet() && w.SensorID.IsNull() {
		return alert.Item{}, fmt.Errorf("null sensor_id")
	}

	it := alert.Item{
		ID:        *w.ID.Value(),
		Site:      w.Site,
		Model:     w.Model,
		Title:     w.Title,
		Message:   w.Message,
		StartedAt: *w.StartedAt.Value(),
		Severity:  alert.Severity(w.Severity),
		StreamURL: w.StreamURL,
	}
	if w.SensorID.IsSet() {
		it.SensorID = *w.SensorID.Value()
	}
	if w.ShortFilename.IsSet() && !w.ShortFilename.IsNull() {
		it.ShortFilename = *w.ShortFilename.Value()
	}
	if !it.Severity.Valid() {
		it.Severity = alert.SeverityInfo
	}
	return it, nil
}
