package alertcenter

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/safedeck/safedeck-server/internal/domain/alert"
	"go.uber.org/zap"
)

// SummaryText renders the operator hand-off text for one alert.
func SummaryText(it alert.Item) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s\n", strings.ToUpper(string(it.Severity)), firstNonEmpty(it.Title, it.ID))
	if it.Message != "" {
		fmt.Fprintf(&b, "%s\n", it.Message)
	}
	fmt.Fprintf(&b, "site: %s  sensor: %s  model: %s\n", it.Site, it.SensorID, it.Model)
	fmt.Fprintf(&b, "started: %s\n", it.StartedAt)
	if it.StreamURL != "" {
		fmt.Fprintf(&b, "stream: %s\n", it.StreamURL)
	}
	return b.String()
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// Exporter delivers alert text to one destination.
type Exporter interface {
	Name() string
	Export(ctx context.Context, text string) error
}

// ExportChain tries each exporter in order until one succeeds. The
// text always comes back so the caller can fall back to a manual
// hand-off when every exporter fails.
type ExportChain struct {
	log       *zap.Logger
	exporters []Exporter
}

// NewExportChain builds a chain over the given exporters.
func NewExportChain(log *zap.Logger, exporters ...Exporter) *ExportChain {
	return &ExportChain{log: log.Named("export"), exporters: exporters}
}

// Export delivers text for it. Returns the rendered text and the name
// of the exporter that took it; method is "manual" when none did.
func (c *ExportChain) Export(ctx context.Context, it alert.Item) (text, method string, err error) {
	text = SummaryText(it)
	var lastErr error
	for _, e := range c.exporters {
		if err := e.Export(ctx, text); err != nil {
			c.log.Debug("exporter failed", zap.String("exporter", e.Name()), zap.Error(err))
			lastErr = err
			continue
		}
		return text, e.Name(), nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no exporters configured")
	}
	return text, "manual", fmt.Errorf("all exporters failed: %w", lastErr)
}

// CommandExporter pipes the text into an external command, typically a
// clipboard helper such as xclip or wl-copy.
type CommandExporter struct {
	Command string
	Args    []string
}

func (e CommandExporter) Name() string { return filepath.Base(e.Command) }

func (e CommandExporter) Export(ctx context.Context, text string) error {
	cmd := exec.CommandContext(ctx, e.Command, e.Args...)
	cmd.Stdin = strings.NewReader(text)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%s: %w (%s)", e.Command, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// SpoolExporter writes the text to a timestamped file in a spool
// directory, the last automatic stop before a manual hand-off.
type SpoolExporter struct {
	Dir string
}

func (e SpoolExporter) Name() string { return "spool" }

func (e SpoolExporter) Export(ctx context.Context, text string) error {
	if err := os.MkdirAll(e.Dir, 0o755); err != nil {
		return fmt.Errorf("spool dir: %w", err)
	}
	name := fmt.Sprintf("alert-%s.txt", time.Now().UTC().Format("20060102T150405.000"))
	if err := os.WriteFile(filepath.Join(e.Dir, name), []byte(text), 0o644); err != nil {
		return fmt.Errorf("spool write: %w", err)
	}
	return nil
}
