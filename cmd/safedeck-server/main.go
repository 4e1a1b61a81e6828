package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/secure"
	"github.com/gin-gonic/gin"
	"github.com/safedeck/safedeck-server/internal/alertcenter"
	"github.com/safedeck/safedeck-server/internal/alertsse"
	"github.com/safedeck/safedeck-server/internal/config"
	"github.com/safedeck/safedeck-server/internal/domain/alert"
	"github.com/safedeck/safedeck-server/internal/domain/stream"
	"github.com/safedeck/safedeck-server/internal/events"
	"github.com/safedeck/safedeck-server/internal/gate"
	"github.com/safedeck/safedeck-server/internal/grid"
	"github.com/safedeck/safedeck-server/internal/http/handler"
	mw "github.com/safedeck/safedeck-server/internal/http/middleware"
	"github.com/safedeck/safedeck-server/internal/metrics"
	"github.com/safedeck/safedeck-server/internal/player"
	"github.com/safedeck/safedeck-server/internal/repo"
	"github.com/safedeck/safedeck-server/internal/risk"
	"github.com/safedeck/safedeck-server/internal/service"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

type Config struct {
	RedisAddr  string `yaml:"redis_address"`
	ServerAddr string `yaml:"server_address"`
	Port       string `yaml:"port"`

	Site             string `yaml:"site"`
	AlertEventsURL   string `yaml:"alert_events_url"`
	AlertSnapshotURL string `yaml:"alert_snapshot_url"`
	MediaBaseURL     string `yaml:"media_base_url"`
	RiskURL          string `yaml:"risk_url"`

	PageSize         int    `yaml:"page_size"`
	GateLimit        int    `yaml:"gate_limit"`
	ClipboardCommand string `yaml:"clipboard_command"`
	SpoolDir         string `yaml:"spool_dir"`
}

var serverConfig *Config

func init() {
	// Handle version display
	handleVersion()
}

func main() {
	// Read env
	isDev := os.Getenv("ENV") == "dev"

	// Load config
	if err := loadConfig(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Create Zap logger
	log := buildLogger()
	defer log.Sync()
	log = log.Named("main")

	// --- Runtime components ---
	m := metrics.New()
	bus := events.NewBus(log)
	defer bus.Close()

	rdb := repo.NewClient(serverConfig.RedisAddr, 0, log)
	defer rdb.Close()
	streamRepo := repo.NewStreamRepository(rdb, log)

	g := gate.New(log, serverConfig.GateLimit)

	onTransition := func(src stream.Source, from, to player.State) {
		m.IncTransition(string(to))
		bus.Publish(events.TypePlayerState, gin.H{
			"url":  src.URL,
			"from": string(from),
			"to":   string(to),
		})
	}
	playerGrid := grid.New(log, g, player.DefaultFactory(log, http.DefaultClient), player.Config{}, onTransition)
	defer playerGrid.Close()
	if serverConfig.PageSize > 0 {
		if err := playerGrid.SetPageSize(serverConfig.PageSize); err != nil {
			log.Fatal("invalid page size", zap.Error(err))
		}
	}
	{
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		srcs, err := streamRepo.Sources(ctx)
		cancel()
		if err != nil {
			log.Warn("loading stream sources failed; starting empty", zap.Error(err))
		}
		playerGrid.SetSources(srcs)
	}

	// --- Alert engine ---
	var clips *alertcenter.ClipProber
	if serverConfig.MediaBaseURL != "" {
		clips = alertcenter.NewClipProber(log, serverConfig.MediaBaseURL, http.DefaultClient)
	}
	notifier := newBusNotifier(log, bus, m)
	center := alertcenter.New(log, alertcenter.Config{
		Notifier: notifier,
		Clips:    clips,
		DefaultStreamFor: func(sensorID string) string {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			return streamRepo.DefaultStreamFor(ctx, sensorID)
		},
	})
	defer center.Close()

	// One alert feed per upstream, however many consoles attach later.
	registry := alertcenter.NewRegistry()
	lease := registry.Acquire(serverConfig.AlertEventsURL)
	defer lease.Release()

	feed := alertsse.New(log, alertsse.Config{
		EventsURL:   serverConfig.AlertEventsURL,
		SnapshotURL: serverConfig.AlertSnapshotURL,
		Site:        serverConfig.Site,
	}, http.DefaultClient, func(typ string, it alert.Item) {
		if typ == alertsse.EventClose {
			center.Remove(it.Key())
			return
		}
		m.IncAlertsQueued()
		center.Enqueue(it)
	}, func(s alertsse.State) {
		if s == alertsse.StateConnecting {
			m.IncFeedReconnects()
		}
		bus.Publish(events.TypeFeedState, string(s))
	})
	defer feed.Close()
	if lease.Leader() && serverConfig.AlertEventsURL != "" {
		// Seed from the active-alert snapshot, then follow the feed.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if items, err := feed.Snapshot(ctx); err != nil {
			log.Warn("alert snapshot failed", zap.Error(err))
		} else {
			center.Seed(items)
		}
		cancel()
		feed.Open()
	}

	// --- Risk poller ---
	var riskPoller *risk.Poller
	if serverConfig.RiskURL != "" {
		riskPoller = risk.New(log, risk.Config{URL: serverConfig.RiskURL}, http.DefaultClient,
			func(site string, level int) {
				bus.Publish(events.TypeRiskLevel, gin.H{"site": site, "level": level})
			})
		riskPoller.Start()
		defer riskPoller.Stop()
	}

	statusSvc := service.NewStatusService(log, playerGrid, g, center, feed, riskPoller, service.StatusOptions{})

	exportChain := buildExportChain(log)

	// Create Gin router
	if !isDev {
		gin.SetMode(gin.ReleaseMode)
	}
	gin.DefaultWriter = zap.NewStdLog(log.Named("gin")).Writer() // Configure Gin's logger to use Zap
	r := gin.New()

	// Apply Gin middlewares
	{
		r.Use(gin.Recovery()) // Recovery first (outermost)
		r.Use(mw.RequestID()) // Attach request ID for tracing; early in the chain so it's available everywhere
		r.Use(mw.Metrics(m))

		if isDev { // Enable CORS for local console dev
			r.Use(cors.New(cors.Config{
				AllowOrigins:     []string{"http://localhost:5173", "http://localhost:4173", "http://localhost:3000", "http://127.0.0.1:3000", "https://" + serverConfig.ServerAddr},
				AllowMethods:     []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
				AllowHeaders:     []string{"X-Request-ID", "Content-Type"},
				ExposeHeaders:    []string{"X-Request-ID", "X-Total-Count", "X-Cache"},
				AllowCredentials: true,
				MaxAge:           12 * time.Hour,
			}))
		} else { // Behind Nginx + TLS
			r.SetTrustedProxies([]string{"127.0.0.1", serverConfig.ServerAddr})
			r.Use(secure.New(secure.Config{
				SSLProxyHeaders: map[string]string{
					"X-Forwarded-Proto": "https", // Fix scheme for secure cookies
				},
			}))
		}

		r.Use(accessLog(log))

		r.Use(func(c *gin.Context) {
			// Enforce a hard 10MB max request body.
			// Protects against oversized or drip-fed request body ("slow body" / RUDY DoS)
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, 10<<20)
			c.Next()
		})
	}

	// Register route handlers
	{
		r.GET("/api/ping", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"message": "pong"}) })

		// Building a snapshot walks every player's lock; cap the pollers.
		r.GET("/api/status", mw.LimitConcurrentRequests(32), handler.NewStatusHandler(log, statusSvc).Get)

		{
			streamshndlr := handler.NewStreamsHandler(log, streamRepo, playerGrid)
			r.GET("/api/streams", streamshndlr.List)
			r.POST("/api/streams", streamshndlr.Create)
			r.DELETE("/api/streams/:id", streamshndlr.Delete)
			r.POST("/api/streams/:id/retry", streamshndlr.Retry)
		}

		{
			gridhndlr := handler.NewGridHandler(log, playerGrid)
			r.GET("/api/grid", gridhndlr.Get)
			r.PATCH("/api/grid", gridhndlr.Patch)
		}

		{
			gatehndlr := handler.NewGateHandler(log, g)
			r.GET("/api/gate", gatehndlr.Get)
			r.PATCH("/api/gate", gatehndlr.Patch)
		}

		{
			alertshndlr := handler.NewAlertsHandler(log, center, exportChain)
			r.GET("/api/alerts", alertshndlr.Get)
			r.POST("/api/alerts/ack", alertshndlr.Ack)
			r.POST("/api/alerts/mute", alertshndlr.Mute)
			r.POST("/api/alerts/export", alertshndlr.Export)
		}

		if riskPoller != nil {
			r.GET("/api/risk", handler.NewRiskHandler(log, riskPoller).Get)
		}

		r.POST("/api/visibility", handler.NewVisibilityHandler(log, playerGrid, riskPoller).Post)

		r.GET("/api/events", handler.NewEventsHandler(log, bus).Stream)

		{
			wshndlr := handler.NewWSHandler(log, bus)
			wshndlr.CheckOrigin(isDev)
			r.GET("/api/ws", wshndlr.Handle)
		}

		r.GET("/metrics", gin.WrapH(m.Handler(func() {
			for state, n := range countStates(playerGrid) {
				m.SetPlayerState(state, n)
			}
			m.SetAlertQueueDepth(len(center.Pending()))
		})))
	}

	httpsrv := &http.Server{
		Addr:              serverConfig.ServerAddr + ":" + serverConfig.Port,
		Handler:           r,
		ReadHeaderTimeout: 2 * time.Second,  // kills header-drip Slowloris
		ReadTimeout:       10 * time.Second, // full request read (incl. body)
		WriteTimeout:      0,                // SSE/WS hold writes open
		IdleTimeout:       60 * time.Second, // keep-alive cap
		MaxHeaderBytes:    1 << 20,          // 1MB cap
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Info("running HTTP server", zap.String("addr", httpsrv.Addr))
		if err := httpsrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpsrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	log.Info("server closed")
}

// countStates tallies on-page players by lifecycle state for scrapes.
func countStates(g *grid.Grid) map[string]int {
	out := make(map[string]int)
	for _, st := range g.Snapshot() {
		out[string(st.State)]++
	}
	return out
}

// buildExportChain assembles the hand-off chain from config: external
// clipboard helper first when configured, spool directory last.
func buildExportChain(log *zap.Logger) *alertcenter.ExportChain {
	var exporters []alertcenter.Exporter
	if cmd := serverConfig.ClipboardCommand; cmd != "" {
		exporters = append(exporters, alertcenter.CommandExporter{Command: cmd})
	}
	spool := serverConfig.SpoolDir
	if spool == "" {
		spool = "/var/spool/safedeck"
	}
	exporters = append(exporters, alertcenter.SpoolExporter{Dir: spool})
	return alertcenter.NewExportChain(log, exporters...)
}

// busNotifier fans alert lifecycle signals into the event bus and the
// metrics, and drives the attention pulse.
type busNotifier struct {
	bus       *events.Bus
	m         *metrics.Metrics
	attention *alertcenter.AttentionNotifier
}

func newBusNotifier(log *zap.Logger, bus *events.Bus, m *metrics.Metrics) *busNotifier {
	n := &busNotifier{bus: bus, m: m}
	n.attention = alertcenter.NewAttentionNotifier(log,
		func(it alert.Item, on bool) {
			bus.Publish(events.TypeAlertPulse, gin.H{"key": it.Key(), "on": on})
		},
		func(it alert.Item) {
			bus.Publish(events.TypeAlertActive, it)
		})
	return n
}

func (n *busNotifier) AlertRaised(it alert.Item, audible bool) {
	n.attention.AlertRaised(it, audible)
	if !audible {
		// Sound suppressed; still announce the activation.
		n.bus.Publish(events.TypeAlertActive, it)
	}
}

func (n *busNotifier) ClipReady(it alert.Item, url string) {
	n.m.IncClipsResolved()
	n.bus.Publish(events.TypeAlertClip, gin.H{"key": it.Key(), "url": url})
}

func (n *busNotifier) AlertCleared() {
	n.m.IncAlertsAcked()
	n.attention.AlertCleared()
	n.bus.Publish(events.TypeAlertAcked, nil)
}

func (n *busNotifier) SetAudible(on bool) {
	n.attention.SetAudible(on)
	n.bus.Publish(events.TypeMuteChanged, gin.H{"muted": !on})
}

// handleVersion prints build metadata and exits when -v/--version is provided.
func handleVersion() {
	v := flag.Bool("v", false, "print version and exit")
	flag.BoolVar(v, "version", false, "print version and exit")
	flag.Parse()

	if *v {
		fmt.Printf("safedeck-server %s (commit %s, built %s)\n", config.Version, config.GitCommit, config.BuildDate)
		os.Exit(0)
	}
}

// accessLog is a Gin middleware that records HTTP request/response details with Zap after handling.
func accessLog(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		latency := time.Since(start)
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}

		// collect all errors from Gin context
		var errs []error
		for _, ge := range c.Errors {
			if ge.Err != nil {
				errs = append(errs, ge.Err)
			}
		}
		// errors.Join returns nil if errs is empty
		joinedErr := errors.Join(errs...)

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.String("client_ip", c.ClientIP()),
			zap.String("user_agent", c.Request.UserAgent()),
			zap.Duration("latency", latency),
		}
		if joinedErr != nil {
			fields = append(fields, zap.Error(joinedErr))
		}

		switch {
		case status >= 500:
			log.Error("request", fields...)
		case status >= 400:
			log.Warn("request", fields...)
		default:
			log.Info("request", fields...)
		}
	}
}

// helpers

func buildLogger() *zap.Logger {
	logConfig := zap.NewDevelopmentConfig()
	logConfig.EncoderConfig.TimeKey = ""
	logConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	logConfig.DisableStacktrace = true
	logConfig.DisableCaller = true
	logConfig.Level.SetLevel(zap.DebugLevel)
	return zap.Must(logConfig.Build())
}

func loadConfig() error {
	data, err := os.ReadFile("safedeck-server.yaml")
	if err != nil {
		return err
	}

	if err := yaml.Unmarshal(data, &serverConfig); err != nil {
		return err
	}
	if serverConfig == nil {
		serverConfig = &Config{}
	}
	if serverConfig.GateLimit < 1 {
		serverConfig.GateLimit = 1
	}
	if serverConfig.Port == "" {
		serverConfig.Port = "8080"
	}
	return nil
}
