// Command weatherbot is the long-running trading process: it wires the
// venue adapters, forecast engine, and persistence together and runs the
// four periodic pipelines (scan, monitor, observe, resolve) until
// interrupted.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brendanplayford/weatherbot/internal/cities"
	"github.com/brendanplayford/weatherbot/internal/config"
	"github.com/brendanplayford/weatherbot/internal/executor"
	"github.com/brendanplayford/weatherbot/internal/forecastengine"
	"github.com/brendanplayford/weatherbot/internal/guaranteedwin"
	"github.com/brendanplayford/weatherbot/internal/model"
	"github.com/brendanplayford/weatherbot/internal/monitor"
	"github.com/brendanplayford/weatherbot/internal/notify"
	"github.com/brendanplayford/weatherbot/internal/observation"
	"github.com/brendanplayford/weatherbot/internal/peakhour"
	"github.com/brendanplayford/weatherbot/internal/resolver"
	"github.com/brendanplayford/weatherbot/internal/scanner"
	"github.com/brendanplayford/weatherbot/internal/scheduler"
	"github.com/brendanplayford/weatherbot/internal/storage"
	"github.com/brendanplayford/weatherbot/internal/venue"
	"github.com/brendanplayford/weatherbot/internal/venue/narrative"
	"github.com/brendanplayford/weatherbot/internal/venue/structured"
	"github.com/brendanplayford/weatherbot/internal/weather"
	"github.com/brendanplayford/weatherbot/pkg/ws"
)

const (
	fastPollInterval  = 20 * time.Second
	resolverInterval  = time.Minute
	healthPort        = 8090
	wuSlowMinGap      = 2500 * time.Millisecond
	wuSlowTimeout     = 15 * time.Second
	wuFastHardTimeout = 3 * time.Second
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("config load failed", "err", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("config invalid", "err", err)
		os.Exit(1)
	}
	logger.Info("starting", "config", cfg.String(), "cities", len(cities.Registry))

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logger.Error("create data dir failed", "err", err)
		os.Exit(1)
	}
	store, err := storage.Open(cfg.DataDir)
	if err != nil {
		logger.Error("storage open failed", "err", err)
		os.Exit(1)
	}
	defer store.Close()

	notifier := notify.New(cfg.Alerts.SlackWebhookURL, cfg.Alerts.DiscordWebhookURL, logger.With("component", "notify"))

	// Venue adapters, wrapped with the per-cycle cache and rate limiter.
	adapters := make(map[model.Venue]venue.Adapter)
	var caching []*venue.CachingAdapter
	if cfg.Structured.Enabled {
		client := structured.NewClient(cfg.Structured.BaseURL, cfg.Structured.APIKey,
			cfg.Structured.PrivateKey, cfg.Structured.FeeMultiplier)
		adapter := structured.NewAdapter(client)
		if cfg.Structured.PrivateKey != nil {
			wsClient := ws.NewWithOptions(ws.DefaultOptions().WithAPIKey(cfg.Structured.APIKey, cfg.Structured.PrivateKey))
			stream := structured.NewOrderbookStream(wsClient, logger.With("component", "orderbook-stream"))
			if err := stream.Connect(context.Background()); err != nil {
				logger.Warn("orderbook stream connect failed, using REST depth", "err", err)
			} else {
				adapter.AttachStream(stream)
				defer stream.Close()
			}
		}
		a := venue.NewCachingAdapter(adapter)
		adapters[model.VenueStructured] = a
		caching = append(caching, a)
	}
	if cfg.Narrative.Enabled {
		a := venue.NewCachingAdapter(narrative.NewAdapter(narrative.NewClient(cfg.Narrative.BaseURL)))
		adapters[model.VenueNarrative] = a
		caching = append(caching, a)
	}
	if len(adapters) == 0 {
		logger.Error("no venue enabled")
		os.Exit(1)
	}

	// Forecast ensemble.
	sources := []forecastengine.ForecastSource{
		weather.NewNWSSource(),
		weather.NewOpenMeteoSource(),
	}
	if key := os.Getenv("TOMORROW_IO_API_KEY"); key != "" {
		sources = append(sources, weather.NewTomorrowIOSource(key))
	}
	engine := forecastengine.New(store, sources, cfg.Forecasts)

	exec, err := executor.New(store, adapters, cfg.Sizing, notifier, logger.With("component", "executor"))
	if err != nil {
		logger.Error("executor init failed", "err", err)
		os.Exit(1)
	}

	peak := peakhour.New(store, cfg.Observer, cfg.Forecasts.CalibrationWindowDays, logger.With("component", "peakhour"))
	peak.Refresh(context.Background())

	scan := scanner.New(caching, engine, exec, store, cfg.Entry, cfg.Forecasts,
		cfg.General.ScanDaysAhead, logger.With("component", "scanner"))
	mon := monitor.New(adapters, engine, store, exec, notifier, peak, cfg.Exit, cfg.Calibration,
		logger.With("component", "monitor"))
	gw := guaranteedwin.New(adapters, store, exec, notifier, cfg.GuaranteedEntry,
		logger.With("component", "guaranteedwin"))

	wuAPIKey := os.Getenv("WU_API_KEY")
	obs := observation.New(
		weather.NewMETARClient(),
		weather.NewWUClient(wuAPIKey, wuFastHardTimeout, 0),
		weather.NewWUClient(wuAPIKey, wuSlowTimeout, wuSlowMinGap),
		adapters, store, gw, notifier, cfg.Observer, cfg.GuaranteedEntry,
		logger.With("component", "observation"))

	res := resolver.New(store, weather.NewAuthoritativeClient(
		weather.NewMETARClient(), weather.NewWUClient(wuAPIKey, wuSlowTimeout, wuSlowMinGap)),
		adapters, exec, notifier, logger.With("component", "resolver"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	httpServer := startHealthServer(exec, logger)

	notifier.Critical(fmt.Sprintf("weatherbot started: %s", cfg.String()))

	go scheduler.Run(ctx, logger.With("component", "scheduler"),
		scheduler.Pipeline{
			Name:     "scan",
			Interval: time.Duration(cfg.General.ScanIntervalMinutes) * time.Minute,
			Run: func(ctx context.Context) {
				scan.RunCycle(ctx)
				gw.ScanAll(ctx)
				notifier.Flush()
			},
		},
		scheduler.Pipeline{
			Name:     "monitor",
			Interval: time.Duration(cfg.General.ScanIntervalMinutes) * time.Minute,
			Run: func(ctx context.Context) {
				mon.RunCycle(ctx)
				notifier.Flush()
			},
		},
		scheduler.Pipeline{
			Name:     "observe-fast",
			Interval: fastPollInterval,
			Run: func(ctx context.Context) {
				obs.FastTick(ctx)
			},
		},
		scheduler.Pipeline{
			Name:     "observe-slow",
			Interval: time.Duration(cfg.Observer.PollIntervalMinutes) * time.Minute,
			Run: func(ctx context.Context) {
				obs.SlowTick(ctx)
				peak.Refresh(ctx)
			},
		},
		scheduler.Pipeline{
			Name:     "resolve",
			Interval: resolverInterval,
			Run: func(ctx context.Context) {
				res.RunCycle(ctx)
				notifier.Flush()
			},
		},
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)

	notifier.Critical("weatherbot stopped")
	notifier.Flush()
}

// startHealthServer exposes /health and /stats for operational checks.
func startHealthServer(exec *executor.Executor, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	mux.HandleFunc("/stats", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"yes_bankroll_available": exec.Available(model.SideYes),
			"no_bankroll_available":  exec.Available(model.SideNo),
			"time":                   time.Now().Format(time.RFC3339),
		})
	})

	srv := &http.Server{Addr: fmt.Sprintf(":%d", healthPort), Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("health server failed", "err", err)
		}
	}()
	return srv
}
