package alertcenter

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/safedeck/safedeck-server/internal/domain/alert"
	"github.com/safedeck/safedeck-server/internal/task"
	"go.uber.org/zap"
)

// Clip probing: recorded clips appear on the media host some time
// after the alert fires. The prober HEADs the expected URL once a
// second until it materializes, giving up after the ceiling. Each
// probe carries a fresh ?v= counter so no cache can answer for the
// origin.
const (
	clipProbeInterval = time.Second
	clipProbeCeiling  = 5 * time.Minute
)

// ClipURL builds the expected clip location: the media host groups
// clips under an uppercased SITE-MODEL-INFERENCE-SENSORID folder.
func ClipURL(baseURL string, it alert.Item) (string, error) {
	if it.Site == "" || it.Model == "" || it.SensorID == "" || it.ShortFilename == "" {
		return "", fmt.Errorf("clip url: alert %s lacks folder fields", it.Key())
	}
	folder := strings.ToUpper(fmt.Sprintf("%s-%s-INFERENCE-%s", it.Site, it.Model, it.SensorID))
	return strings.TrimRight(baseURL, "/") + "/" + folder + "/" + it.ShortFilename, nil
}

// ClipProber starts probe jobs for active alerts.
type ClipProber struct {
	log     *zap.Logger
	baseURL string
	hc      *http.Client

	interval time.Duration
	ceiling  time.Duration
}

// NewClipProber builds a prober against the media host base URL.
func NewClipProber(log *zap.Logger, baseURL string, hc *http.Client) *ClipProber {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &ClipProber{
		log:      log.Named("clips"),
		baseURL:  baseURL,
		hc:       hc,
		interval: clipProbeInterval,
		ceiling:  clipProbeCeiling,
	}
}

// Start begins probing for one alert's clip. onReady fires at most
// once, with the resolved URL. Returns nil when the alert cannot name
// a clip location.
func (p *ClipProber) Start(it alert.Item, onReady func(url string)) *clipJob {
	clipURL, err := ClipURL(p.baseURL, it)
	if err != nil {
		p.log.Debug("clip probe skipped", zap.Error(err))
		return nil
	}

	j := &clipJob{
		log:      p.log.With(zap.String("clip", clipURL)),
		hc:       p.hc,
		url:      clipURL,
		maxTries: int(p.ceiling / p.interval),
		onReady:  onReady,
	}
	j.task = task.Every(p.interval, j.probe)
	return j
}

// clipJob is one running probe loop. Cancel is idempotent.
type clipJob struct {
	log      *zap.Logger
	hc       *http.Client
	url      string
	maxTries int
	onReady  func(string)

	task *task.Task

	mu    sync.Mutex
	tries int
	done  bool
}

func (j *clipJob) probe() {
	j.mu.Lock()
	if j.done {
		j.mu.Unlock()
		return
	}
	j.tries++
	n := j.tries
	j.mu.Unlock()

	if n > j.maxTries {
		j.log.Warn("clip never appeared, giving up")
		j.Cancel()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), clipProbeInterval)
	defer cancel()
	// Cache-busting counter: every probe must reach the origin.
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, fmt.Sprintf("%s?v=%d", j.url, n), nil)
	if err != nil {
		j.log.Warn("clip probe request", zap.Error(err))
		j.Cancel()
		return
	}
	resp, err := j.hc.Do(req)
	if err != nil {
		return // transient; next tick retries
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return
	}

	j.mu.Lock()
	already := j.done
	j.done = true
	j.mu.Unlock()
	if already {
		return
	}
	j.task.Cancel()
	j.onReady(j.url)
}

// Cancel stops the probe loop.
func (j *clipJob) Cancel() {
	if j == nil {
		return
	}
	j.mu.Lock()
	j.done = true
	j.mu.Unlock()
	j.task.Cancel()
}
