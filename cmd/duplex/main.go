// Command duplex runs a realtime voice conversation with a streaming speech
// service: microphone in, agent audio out, with tool calling via MCP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/soundline/duplex/internal/config"
	"github.com/soundline/duplex/internal/health"
	"github.com/soundline/duplex/internal/logstore"
	"github.com/soundline/duplex/internal/observe"
	"github.com/soundline/duplex/internal/recorder"
	"github.com/soundline/duplex/internal/tooling"
	"github.com/soundline/duplex/internal/voice"
	"github.com/soundline/duplex/pkg/audio"
	malgoaudio "github.com/soundline/duplex/pkg/audio/malgo"
	"github.com/soundline/duplex/pkg/realtime"
	"github.com/soundline/duplex/pkg/realtime/gemini"
	"github.com/soundline/duplex/pkg/realtime/openai"
)

const version = "0.1.0"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "duplex: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "duplex: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("duplex starting",
		"config", *configPath,
		"provider", cfg.Provider.Name,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownOtel, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "duplex",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOtel(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Interaction log store (optional) ──────────────────────────────────────
	var store *logstore.Store
	var checkers []health.Checker
	if cfg.Logstore.PostgresDSN != "" {
		store, err = logstore.Open(ctx, cfg.Logstore.PostgresDSN)
		if err != nil {
			slog.Error("failed to open interaction log store", "err", err)
			return 1
		}
		defer store.Close()
		checkers = append(checkers, health.Checker{Name: "logstore", Check: store.Ping})
		slog.Info("interaction log store connected")
	}

	// ── Realtime provider ─────────────────────────────────────────────────────
	dialer, err := buildDialer(cfg.Provider)
	if err != nil {
		slog.Error("failed to build provider", "err", err)
		return 1
	}
	profile := dialer.Profile()

	// ── Audio devices ─────────────────────────────────────────────────────────
	platform, err := malgoaudio.NewPlatform()
	if err != nil {
		slog.Error("failed to initialise audio", "err", err)
		return 1
	}
	defer platform.Close()

	// ── Tools ─────────────────────────────────────────────────────────────────
	tools := voice.NewDispatcher(voice.WithToolMetrics(metrics))
	mcpHost := tooling.NewHost()
	defer mcpHost.Close()
	for _, srv := range cfg.MCP.Servers {
		if err := mcpHost.Connect(ctx, srv, tools); err != nil {
			slog.Warn("mcp server unavailable, continuing without it", "server", srv.Name, "err", err)
		}
	}

	// ── Recorder (optional) ───────────────────────────────────────────────────
	sessionID := time.Now().UTC().Format("20060102-150405")
	var rec *recorder.Recorder
	if cfg.Recorder.Enabled {
		rec, err = recorder.New(cfg.Recorder.Dir, sessionID, profile.CaptureRate, profile.PlaybackRate)
		if err != nil {
			slog.Error("failed to open recorder", "err", err)
			return 1
		}
		defer func() {
			if err := rec.Close(); err != nil {
				slog.Warn("recorder close error", "err", err)
			}
		}()
		slog.Info("recording enabled", "dir", cfg.Recorder.Dir, "session", sessionID)
	}

	// ── Session ───────────────────────────────────────────────────────────────
	sessionCfg := voice.Config{
		Dialer: dialer,
		Input:  platform,
		Output: platform,
		Session: realtime.SessionConfig{
			Instructions: cfg.Provider.Instructions,
			Voice:        cfg.Provider.Voice,
		},
		Tools:          tools,
		FramePeriod:    cfg.Audio.FramePeriod(),
		WatchdogMargin: cfg.Audio.WatchdogMargin(),
		Metrics:        metrics,
	}
	if rec != nil {
		sessionCfg.CaptureTap = rec.CaptureTap()
		sessionCfg.PlaybackTap = rec.PlaybackTap()
	}

	session, err := voice.New(sessionCfg)
	if err != nil {
		slog.Error("failed to create session", "err", err)
		return 1
	}

	// ── Operational HTTP endpoint (optional) ──────────────────────────────────
	if cfg.Server.MetricsAddr != "" {
		checkers = append(checkers, health.Checker{Name: "session", Check: func(context.Context) error {
			select {
			case <-session.Done():
				if err := session.Err(); err != nil {
					return err
				}
				return errors.New("session ended")
			default:
				return nil
			}
		}})
		probes := health.New(checkers...)
		probes.ReportTurnState(func() string { return session.State().String() })

		mux := http.NewServeMux()
		mux.Handle("GET /metrics", promhttp.Handler())
		probes.Register(mux)

		srv := &http.Server{
			Addr:    cfg.Server.MetricsAddr,
			Handler: observe.Middleware(metrics)(mux),
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server error", "err", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		slog.Info("metrics endpoint listening", "addr", cfg.Server.MetricsAddr)
	}

	go consumeStatus(session)
	go consumeRecords(session, store, sessionID)
	go audio.Drain(session.Levels())

	if err := session.Start(ctx); err != nil {
		slog.Error("failed to start session", "err", err)
		return 1
	}
	printStartupSummary(cfg, sessionID)
	slog.Info("session live — press Ctrl+C to hang up", "session", sessionID)

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received, stopping…")
		session.Stop()
		<-session.Done()
	case <-session.Done():
	}

	if err := session.Err(); err != nil {
		metrics.RecordTransportError(context.Background(), cfg.Provider.Name)
		slog.Error("session failed", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// buildDialer constructs the realtime dialer named in cfg.
func buildDialer(cfg config.ProviderConfig) (realtime.Dialer, error) {
	switch cfg.Name {
	case "gemini":
		var opts []gemini.Option
		if cfg.Model != "" {
			opts = append(opts, gemini.WithModel(cfg.Model))
		}
		if cfg.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(cfg.BaseURL))
		}
		return gemini.New(cfg.APIKey, opts...), nil

	case "openai":
		var opts []openai.Option
		if cfg.Model != "" {
			opts = append(opts, openai.WithModel(cfg.Model))
		}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		return openai.New(cfg.APIKey, opts...), nil

	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Name)
	}
}

// consumeStatus logs every turn-state transition until the session ends.
func consumeStatus(session *voice.Session) {
	for state := range session.Status() {
		slog.Info("turn state", "state", state.String())
	}
}

// consumeRecords persists interaction records when a store is configured and
// logs them either way.
func consumeRecords(session *voice.Session, store *logstore.Store, sessionID string) {
	for rec := range session.Records() {
		slog.Info("turn finished",
			"turn", rec.Turn,
			"audio", rec.AudioDuration,
			"tool_calls", rec.ToolCalls,
			"interrupted", rec.Interrupted,
		)
		if store == nil {
			continue
		}
		saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := store.Save(saveCtx, sessionID, rec); err != nil {
			slog.Warn("failed to persist interaction record", "turn", rec.Turn, "err", err)
		}
		cancel()
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, sessionID string) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║          duplex — session live        ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Provider", providerLabel(cfg.Provider))
	printRow("Session", sessionID)
	printRow("MCP servers", fmt.Sprintf("%d", len(cfg.MCP.Servers)))
	if cfg.Recorder.Enabled {
		printRow("Recording", cfg.Recorder.Dir)
	} else {
		printRow("Recording", "(disabled)")
	}
	if cfg.Logstore.PostgresDSN != "" {
		printRow("Logstore", "connected")
	} else {
		printRow("Logstore", "(disabled)")
	}
	if cfg.Server.MetricsAddr != "" {
		printRow("Metrics", cfg.Server.MetricsAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func providerLabel(p config.ProviderConfig) string {
	if p.Model != "" {
		return p.Name + " / " + p.Model
	}
	return p.Name
}

func printRow(key, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-14s : %-19s ║\n", key, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
