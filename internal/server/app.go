// Package server builds the render service's dependency graph and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/JakeFAU/deepzoom/internal/api"
	"github.com/JakeFAU/deepzoom/internal/clock/system"
	"github.com/JakeFAU/deepzoom/internal/config"
	"github.com/JakeFAU/deepzoom/internal/id/uuid"
	"github.com/JakeFAU/deepzoom/internal/logging"
	"github.com/JakeFAU/deepzoom/internal/metrics"
	"github.com/JakeFAU/deepzoom/internal/policy/ratelimit"
	"github.com/JakeFAU/deepzoom/internal/poller"
	"github.com/JakeFAU/deepzoom/internal/progress"
	progresssinks "github.com/JakeFAU/deepzoom/internal/progress/sinks"
	queueMemory "github.com/JakeFAU/deepzoom/internal/queue/memory"
	"github.com/JakeFAU/deepzoom/internal/renderer/escape"
	"github.com/JakeFAU/deepzoom/internal/telemetry"
	"github.com/JakeFAU/deepzoom/internal/worker"
)

// App contains the application's dependencies.
type App struct {
	cfg         config.Config
	logger      *zap.Logger
	renderer    *escape.Renderer
	queue       *queueMemory.Queue
	worker      *worker.Worker
	progressHub *progress.Hub
	broadcaster *progresssinks.Broadcaster
	latest      *progresssinks.LatestSink
	apiServer   *api.Server

	tracerShutdown func(context.Context) error
}

// Build creates the application's dependencies. Render metrics are
// registered on reg.
func Build(ctx context.Context, cfg config.Config, reg prometheus.Registerer) (*App, error) {
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	metrics.Init()

	app := &App{cfg: cfg, logger: logger}
	app.logger.Info("building application dependencies",
		zap.Int("server_port", cfg.Server.Port),
		zap.Bool("auth_enabled", cfg.Auth.Enabled),
	)

	tp, err := telemetry.InitTracerProvider(ctx, cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	app.tracerShutdown = tp.Shutdown

	app.renderer, err = escape.New(escape.Config{
		Width:           cfg.Renderer.Width,
		Height:          cfg.Renderer.Height,
		MaxIterations:   cfg.Renderer.MaxIterations,
		Zoom:            cfg.Renderer.Zoom,
		CenterRe:        cfg.Renderer.CenterRe,
		CenterIm:        cfg.Renderer.CenterIm,
		GlitchTolerance: cfg.Renderer.GlitchTolerance,
		Workers:         cfg.Renderer.Workers,
	}, logger.Named("renderer"))
	if err != nil {
		return nil, fmt.Errorf("renderer init failed: %w", err)
	}
	app.logger.Info("renderer initialized",
		zap.Int("width", cfg.Renderer.Width),
		zap.Int("height", cfg.Renderer.Height),
		zap.Int("max_iterations", cfg.Renderer.MaxIterations),
		zap.Float64("zoom", cfg.Renderer.Zoom),
	)

	if err := app.setupProgress(ctx, reg); err != nil {
		return nil, err
	}

	app.queue = queueMemory.NewQueue(cfg.Worker.QueueCapacity)
	app.worker = worker.New(
		app.queue,
		app.renderer,
		nil,
		app.progressHub,
		system.New(),
		uuid.New(),
		worker.Config{
			Poller: poller.Config{
				Interval:     cfg.Worker.PollInterval,
				RepaintEvery: cfg.Worker.RepaintEvery,
			},
			Zoom: worker.SequencerConfig{
				Threshold: cfg.Zoom.Threshold,
				Factor:    cfg.Zoom.Factor,
				Debounce:  cfg.Zoom.Debounce,
			},
			CompletionTimeout: cfg.Worker.CompletionTimeout,
			Tracer:            tp.Tracer("github.com/JakeFAU/deepzoom/internal/worker"),
		},
		logger.Named("worker"),
	)
	app.logger.Info("worker config",
		zap.Duration("poll_interval", cfg.Worker.PollInterval),
		zap.Int("repaint_every", cfg.Worker.RepaintEvery),
		zap.Float64("zoom_threshold", cfg.Zoom.Threshold),
		zap.Float64("zoom_factor", cfg.Zoom.Factor),
		zap.Duration("zoom_debounce", cfg.Zoom.Debounce),
	)

	progressHandler := api.NewProgressHandler(
		app.latest,
		app.broadcaster,
		app.renderer.Frame(),
		logger.Named("api_progress"),
	)
	var limiter *ratelimit.Limiter
	if cfg.Server.CommandRPS > 0 {
		limiter = ratelimit.New(ratelimit.Config{
			DefaultRPS:   cfg.Server.CommandRPS,
			DefaultBurst: cfg.Server.CommandBurst,
		})
		app.logger.Info("command rate limit enabled",
			zap.Float64("rps", cfg.Server.CommandRPS),
			zap.Int("burst", cfg.Server.CommandBurst),
		)
	}
	app.apiServer = api.NewServer(app.worker, progressHandler, cfg.Auth, limiter, logger.Named("api"))
	return app, nil
}

func (a *App) setupProgress(ctx context.Context, reg prometheus.Registerer) error {
	promSink, err := progresssinks.NewPrometheusSink(reg)
	if err != nil {
		return fmt.Errorf("progress metrics init failed: %w", err)
	}
	a.latest = progresssinks.NewLatestSink()
	a.broadcaster = progresssinks.NewBroadcaster(
		a.cfg.Progress.SubscriberBuffer,
		a.logger.Named("progress_broadcast"),
	)
	sinkList := []progress.Sink{
		progresssinks.NewLogSink(a.logger.Named("progress_log")),
		promSink,
		a.latest,
		a.broadcaster,
	}
	hubCfg := progress.Config{
		BufferSize:     a.cfg.Progress.BufferSize,
		MaxBatchEvents: a.cfg.Progress.MaxBatchEvents,
		MaxBatchWait:   a.cfg.Progress.MaxBatchWait,
		SinkTimeout:    a.cfg.Progress.SinkTimeout,
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         a.logger.Named("progress_hub"),
	}
	a.progressHub = progress.NewHub(hubCfg, sinkList...)
	a.logger.Info("progress hub initialized",
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_events", hubCfg.MaxBatchEvents),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
		zap.Duration("sink_timeout", hubCfg.SinkTimeout),
		zap.Int("sinks", len(sinkList)),
	)
	return nil
}

// Handler returns the HTTP handler serving the API.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Worker returns the render worker.
func (a *App) Worker() *worker.Worker {
	return a.worker
}

// Renderer returns the demo renderer.
func (a *App) Renderer() *escape.Renderer {
	return a.renderer
}

// StartWorker runs the worker loop in the background. The returned channel
// closes once the loop has exited.
func (a *App) StartWorker(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		a.logger.Info("worker started")
		a.worker.Run(ctx)
		a.logger.Info("worker stopped")
	}()
	return done
}

// Run starts the application and blocks until the context is canceled or a
// termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	workerDone := a.StartWorker(ctx)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           otelhttp.NewHandler(a.Handler(), "deepzoom.http"),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
	defer cancel()

	// Event streams only end once the broadcaster closes, so HTTP shutdown
	// runs alongside the rest of the teardown.
	httpDone := make(chan error, 1)
	go func() { httpDone <- srv.Shutdown(shutdownCtx) }()

	select {
	case <-workerDone:
	case <-shutdownCtx.Done():
		a.logger.Warn("worker did not stop before shutdown deadline")
	}
	closeErr := a.Close(shutdownCtx)
	if err := <-httpDone; err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	return closeErr
}

// Close stops accepting commands and drains the progress hub. The worker
// should already have stopped so its final completion reaches the sinks.
func (a *App) Close(ctx context.Context) error {
	a.queue.Close()
	var err error
	if a.progressHub != nil {
		if err = a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.tracerShutdown != nil {
		if shutdownErr := a.tracerShutdown(ctx); shutdownErr != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(shutdownErr))
		}
	}
	if syncErr := a.logger.Sync(); syncErr != nil {
		a.logger.Debug("logger sync failed", zap.Error(syncErr))
	}
	a.logger.Info("shutdown complete")
	return err
}

func (a *App) shutdownTimeout() time.Duration {
	if a.cfg.Server.ShutdownTimeout > 0 {
		return a.cfg.Server.ShutdownTimeout
	}
	return 10 * time.Second
}
