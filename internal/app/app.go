// Package app initializes and holds long-lived application services, acting as a dependency injection container.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/keyword-job-tracker/internal/apiclient"
	"github.com/JakeFAU/keyword-job-tracker/internal/clock"
	"github.com/JakeFAU/keyword-job-tracker/internal/config"
	"github.com/JakeFAU/keyword-job-tracker/internal/display"
	"github.com/JakeFAU/keyword-job-tracker/internal/feed"
	"github.com/JakeFAU/keyword-job-tracker/internal/heartbeat"
	"github.com/JakeFAU/keyword-job-tracker/internal/id/uuid"
	"github.com/JakeFAU/keyword-job-tracker/internal/insight"
	"github.com/JakeFAU/keyword-job-tracker/internal/job"
	"github.com/JakeFAU/keyword-job-tracker/internal/metrics"
	"github.com/JakeFAU/keyword-job-tracker/internal/orchestrator"
	"github.com/JakeFAU/keyword-job-tracker/internal/policy/ratelimit"
	"github.com/JakeFAU/keyword-job-tracker/internal/results"
	"github.com/JakeFAU/keyword-job-tracker/internal/status"
	"github.com/JakeFAU/keyword-job-tracker/internal/status/sinks"
	"github.com/JakeFAU/keyword-job-tracker/internal/tracker"
)

// App holds the shared, long-lived services of one CLI invocation: the
// service client, the live feed dialer, the status hub with its sinks, the
// display model and the orchestrator that ties them together.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	api    *apiclient.Client
	dialer *feed.Dialer
	hub    *status.Hub
	model  *display.Model
	panel  *display.StatusPanel
	board  *results.Board
	orch   *orchestrator.Orchestrator
	poll   *insight.Poller

	detachRenderer func()
	metricsSrv     *http.Server
	metricsAddr    string

	closeOnce sync.Once
	closeErr  error
}

// Options customize New.
type Options struct {
	// Out receives the progress line and result summaries. Nil disables both.
	Out io.Writer
	// Registerer receives the connection lifecycle collectors. Defaults to
	// the process-wide registry that the metrics endpoint serves.
	Registerer prometheus.Registerer
}

// New builds every service from cfg. It fails fast when a dependency cannot
// be constructed.
func New(cfg config.Config, logger *zap.Logger, opts Options) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Registerer == nil {
		opts.Registerer = prometheus.DefaultRegisterer
	}
	metrics.Init()

	api, err := apiclient.New(apiclient.Config{
		BaseURL: cfg.API.BaseURL,
		Token:   cfg.Auth.Token,
		Timeout: cfg.RequestTimeout(),
		Retry: apiclient.NewExponentialRetryPolicy(
			cfg.API.MaxRetries,
			time.Duration(cfg.API.BackoffInitialMs)*time.Millisecond,
			time.Duration(cfg.API.BackoffMaxMs)*time.Millisecond,
		),
		Throttle: ratelimit.New(ratelimit.Config{RPS: cfg.API.MaxRPS, Burst: cfg.API.Burst}),
		Logger:   logger.Named("apiclient"),
	})
	if err != nil {
		return nil, fmt.Errorf("init api client: %w", err)
	}
	dialer, err := feed.NewDialer(feed.Config{
		URLTemplate:      cfg.FeedURLTemplate(),
		Token:            cfg.Auth.Token,
		HandshakeTimeout: cfg.RequestTimeout(),
		Logger:           logger.Named("feed"),
	})
	if err != nil {
		return nil, fmt.Errorf("init feed dialer: %w", err)
	}
	promSink, err := sinks.NewPrometheusSink(opts.Registerer)
	if err != nil {
		return nil, fmt.Errorf("init prometheus sink: %w", err)
	}

	clk := clock.New()
	panel := display.NewStatusPanel()
	hub := status.NewHub(status.Config{
		BufferSize:     cfg.Broadcast.BufferSize,
		MaxBatchEvents: cfg.Broadcast.MaxBatchEvents,
		MaxBatchWait:   time.Duration(cfg.Broadcast.MaxBatchWaitMs) * time.Millisecond,
		Logger:         logger.Named("status"),
	}, sinks.NewLogSink(logger.Named("connection")), promSink, panel)

	model := display.NewModel(clk)
	board := results.NewBoard(api, opts.Out, logger.Named("results"))
	orch := orchestrator.New(orchestrator.Config{
		Tracker:      trackerConfig(cfg),
		StartTimeout: cfg.RequestTimeout(),
	}, orchestrator.Deps{
		API:     api,
		Dialer:  dialer,
		Clock:   clk,
		Emitter: hub,
		Display: model,
		Panel:   panel,
		IDs:     uuid.New(),
		Logger:  logger,
	}, board)
	poller := insight.New(api, insight.Config{
		Interval: cfg.InsightPollInterval(),
		Timeout:  cfg.InsightTimeout(),
	}, clk, logger.Named("insight"))

	a := &App{
		cfg:            cfg,
		logger:         logger,
		api:            api,
		dialer:         dialer,
		hub:            hub,
		model:          model,
		panel:          panel,
		board:          board,
		orch:           orch,
		poll:           poller,
		detachRenderer: func() {},
	}
	if opts.Out != nil {
		a.detachRenderer = display.NewRenderer(opts.Out).Attach(model)
	}
	if cfg.Metrics.Addr != "" {
		if err := a.startMetrics(cfg.Metrics.Addr); err != nil {
			_ = a.Close(context.Background())
			return nil, err
		}
	}
	logger.Info("application services initialized",
		zap.String("base_url", cfg.API.BaseURL),
		zap.String("feed_url", cfg.FeedURLTemplate()),
		zap.Bool("heartbeat", cfg.Heartbeat.Enabled),
	)
	return a, nil
}

func trackerConfig(cfg config.Config) tracker.Config {
	return tracker.Config{
		MaxReconnectAttempts: cfg.Tracker.MaxReconnectAttempts,
		ReconnectDelay:       cfg.ReconnectDelay(),
		SettleDelay:          cfg.SettleDelay(),
		HeartbeatEnabled:     cfg.Heartbeat.Enabled,
		Heartbeat: heartbeat.Config{
			Interval: cfg.HeartbeatInterval(),
			Timeout:  cfg.HeartbeatTimeout(),
		},
	}
}

// startMetrics serves /metrics on addr in the background.
func (a *App) startMetrics(addr string) error {
	r := chi.NewRouter()
	r.Use(metrics.Middleware)
	r.Handle("/metrics", metrics.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen metrics on %s: %w", addr, err)
	}
	a.metricsAddr = ln.Addr().String()
	a.metricsSrv = &http.Server{Handler: r, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		a.logger.Info("metrics server started", zap.String("addr", a.metricsAddr))
		if err := a.metricsSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server failed", zap.Error(err))
		}
	}()
	return nil
}

// Config returns the configuration the app was built from.
func (a *App) Config() config.Config { return a.cfg }

// Logger returns the shared zap logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Orchestrator runs analyses and tracking sessions.
func (a *App) Orchestrator() *orchestrator.Orchestrator { return a.orch }

// History lists previously submitted jobs, newest first.
func (a *App) History(ctx context.Context, q job.HistoryQuery) ([]job.Brief, error) {
	if q.Limit <= 0 {
		q.Limit = a.cfg.History.Limit
	}
	return a.api.History(ctx, q)
}

// Insight runs integrated analyses of completed jobs.
func (a *App) Insight() *insight.Poller { return a.poll }

// Model is the progress display model.
func (a *App) Model() *display.Model { return a.model }

// Panel is the connection status widget.
func (a *App) Panel() *display.StatusPanel { return a.panel }

// Results holds the result panels refreshed after completion.
func (a *App) Results() *results.Board { return a.board }

// Hub is the connection status broadcaster.
func (a *App) Hub() *status.Hub { return a.hub }

// MetricsAddr is the bound metrics address, empty when metrics are disabled.
func (a *App) MetricsAddr() string { return a.metricsAddr }

// Close stops the running session, drains the status hub, stops the metrics
// server and flushes the logger. Calling it again returns the first result.
func (a *App) Close(ctx context.Context) error {
	a.closeOnce.Do(func() {
		a.orch.Stop()
		a.detachRenderer()
		var errs []error
		if err := a.hub.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close status hub: %w", err))
		}
		if a.metricsSrv != nil {
			if err := a.metricsSrv.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("shutdown metrics server: %w", err))
			}
		}
		// Sync commonly fails on stderr; there is nothing left to report it to.
		_ = a.logger.Sync()
		a.closeErr = errors.Join(errs...)
	})
	return a.closeErr
}

type ctxKey struct{}

// WithApp stores a in ctx for command handlers.
func WithApp(ctx context.Context, a *App) context.Context {
	return context.WithValue(ctx, ctxKey{}, a)
}

// FromContext returns the App stored by WithApp.
func FromContext(ctx context.Context) (*App, bool) {
	a, ok := ctx.Value(ctxKey{}).(*App)
	return a, ok
}
