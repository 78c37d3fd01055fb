// Package internal provides the main application initialization and runtime logic.
package internal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/starford/driftwatch/internal/alert"
	"github.com/starford/driftwatch/internal/api"
	"github.com/starford/driftwatch/internal/classifier"
	"github.com/starford/driftwatch/internal/correlator"
	"github.com/starford/driftwatch/internal/engine"
	"github.com/starford/driftwatch/internal/sse"
	"github.com/starford/driftwatch/internal/watch"
)

// Run starts the monitor with the given options and blocks until a shutdown
// signal arrives or the watch source is lost.
func Run(ctx context.Context, opts ...Option) error {
	app := &application{}

	for _, opt := range opts {
		opt(app)
	}

	if app.config == nil {
		return fmt.Errorf("config is required")
	}

	cfg := app.config

	// Initialize structured JSON logger.
	logger := NewLogger(cfg, os.Stdout)
	slog.SetDefault(logger)

	logger.Info("Configuration loaded",
		slog.String("version", app.version),
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.Int("watch_rules", len(cfg.Watch.Paths)),
		slog.String("state_path", cfg.State.Path),
		slog.Bool("version_control", cfg.VersionControl.Enabled),
		slog.String("log_level", cfg.App.LogLevel.String()))

	core, err := Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer core.Close()

	// Notifiers: log, live SSE stream, configured webhooks.
	broker := sse.NewBroker(cfg.Alerts.SSEThrottle)
	notifiers := alert.Multi{alert.LogNotifier{Logger: logger}, broker}
	for _, wc := range cfg.Alerts.Webhooks {
		wh, err := alert.NewWebhook(wc)
		if err != nil {
			return fmt.Errorf("init webhook %s: %w", wc.URL, err)
		}
		notifiers = append(notifiers, wh)
	}
	core.Service.OnChange(func(event string, data any) {
		broker.Publish(sse.Event{Type: event, Data: data})
	})
	emitter := alert.NewEmitter(cfg.Alerts.SuppressionWindow, notifiers, core.DB, logger)

	src := watch.NewSource(core.Paths, core.Reader, func() []string {
		return core.Baseline.Current().Paths()
	}, logger)
	eng := engine.New(
		src,
		correlator.New(cfg.Watch.Correlator(), logger),
		classifier.New(core.Baseline, core.Reader, core.Paths, cfg.Classifier.RetryDelay, logger),
		emitter,
		cfg.Classifier.Engine(),
		logger,
	)

	// Build chi router.
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Health check endpoints (unauthenticated).
	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	// Mount API routes under /api; the SSE stream sits behind the same auth.
	r.Mount("/api", api.NewRouter(core.Service, eng, cfg.Auth.AuthEnabled(), cfg.Auth.Token, broker))

	httpServer := &http.Server{
		Addr:              cfg.App.HTTP.Address(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, gCtx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		return eng.Run(gCtx)
	})

	// The initial baseline is captured only once the watches are in place,
	// so an edit made during capture is still seen by the engine.
	if cfg.Baseline.EstablishOnStart && len(core.Baseline.Current().Entries) == 0 {
		g.Go(func() error {
			select {
			case <-src.Ready():
			case <-gCtx.Done():
				return nil
			}
			establishOnStart(gCtx, core, cfg, logger)
			return nil
		})
	}

	g.Go(func() error {
		return core.Baseline.Watch(gCtx, cfg.Baseline.RefreshInterval)
	})

	g.Go(func() error {
		return core.History.Run(gCtx)
	})

	// Start HTTP server.
	g.Go(func() error {
		logger.Info("Starting HTTP server", slog.String("address", cfg.App.HTTP.Address()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("Shutting down...")

		// SSE clients hold their requests open until the broker closes them.
		broker.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}
		return nil
	})

	err = g.Wait()
	// The engine has drained; flush alerts still being delivered.
	emitter.Close()

	if err != nil {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Monitor stopped successfully")
	return nil
}

// establishOnStart captures the first baseline, from the reference
// directory when one is configured. Failure leaves the engine running and
// every existing file reports as unexpected.
func establishOnStart(ctx context.Context, core *Core, cfg *Config, logger *slog.Logger) {
	var err error
	if cfg.Baseline.ImportDir != "" {
		_, err = core.Service.Import(ctx, cfg.Baseline.ImportDir)
	} else {
		_, err = core.Service.Establish(ctx)
	}
	if err != nil {
		logger.Error("baseline: establish on start failed", slog.String("error", err.Error()))
	}
}
