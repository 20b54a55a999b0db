// Package app initializes and holds the long-lived service components,
// acting as a dependency injection container.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/machiya/campsync/internal/analytics"
	"github.com/machiya/campsync/internal/api"
	"github.com/machiya/campsync/internal/campfire"
	"github.com/machiya/campsync/internal/config"
	"github.com/machiya/campsync/internal/harvest"
	"github.com/machiya/campsync/internal/logging"
	"github.com/machiya/campsync/internal/metrics"
	"github.com/machiya/campsync/internal/policy/ratelimit"
	"github.com/machiya/campsync/internal/progress"
	"github.com/machiya/campsync/internal/progress/sinks"
	"github.com/machiya/campsync/internal/report"
	"github.com/machiya/campsync/internal/runs"
	"github.com/machiya/campsync/internal/sheets"
)

// App holds all shared, long-lived services. It is initialized once at
// startup and passed to the commands that need it.
type App struct {
	cfg      config.Config
	logger   *zap.Logger
	registry *prometheus.Registry
	metrics  *metrics.Set
	hub      *progress.Hub
	store    *sinks.MemorySink
	sheets   *sheets.Client
	manager  *runs.Manager
	server   *api.Server
}

// New creates and wires all services from the configuration. It fails fast
// when any critical service cannot be initialized.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	logger.Info("initializing services",
		zap.String("sheet", cfg.Sheets.SheetName),
		zap.Bool("analytics", cfg.AnalyticsEnabled()),
	)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	set, err := metrics.New(registry)
	if err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	limiter := ratelimit.New(ratelimit.Config{
		BaseDelay:  cfg.BaseDelay(),
		MaxDelay:   cfg.MaxDelay(),
		CeilingRPS: cfg.Limiter.CeilingRPS,
		OnDelay:    set.DelayObserver(),
	})

	fetcher := campfire.New(campfire.Config{
		BaseURL:         cfg.Campfire.BaseURL,
		UserAgent:       cfg.Campfire.UserAgent,
		Timeout:         cfg.CampfireTimeout(),
		AmountSelector:  cfg.Campfire.AmountSelector,
		BackersSelector: cfg.Campfire.BackersSelector,
	}, limiter, campfire.WithFetchObserver(set.FetchObserver()))

	sheetsClient, err := sheets.NewClient(ctx, cfg.Sheets.CredentialsFile)
	if err != nil {
		return nil, fmt.Errorf("init sheets client: %w", err)
	}

	var sessions harvest.MetricsSource
	if cfg.AnalyticsEnabled() {
		creds := cfg.Analytics.CredentialsFile
		if creds == "" {
			creds = cfg.Sheets.CredentialsFile
		}
		end := time.Now().UTC()
		window := analytics.Window{
			Start: end.AddDate(0, 0, -cfg.Analytics.WindowDays),
			End:   end,
		}
		gaThrottle := ratelimit.New(ratelimit.Config{
			BaseDelay: cfg.BaseDelay(),
			MaxDelay:  cfg.MaxDelay(),
		})
		gaClient, err := analytics.NewClient(ctx, creds, cfg.Analytics.PropertyID, window, gaThrottle)
		if err != nil {
			return nil, fmt.Errorf("init analytics client: %w", err)
		}
		sessions = gaClient
	}

	store := sinks.NewMemorySink()
	promSink, err := sinks.NewPrometheusSink(registry)
	if err != nil {
		return nil, fmt.Errorf("init progress sink: %w", err)
	}
	hub := progress.NewHub(progress.Config{Logger: logger},
		sinks.NewLogSink(logging.Component(logger, "progress")),
		promSink,
		store,
	)

	manager := runs.NewManager(
		cfg,
		sheetsClient,
		sheetsClient,
		runs.MergeSources(fetcher, sessions, logger),
		metricFields(cfg),
		writebackColumns(cfg),
		hub,
		store,
		logging.Component(logger, "harvest"),
	)
	manager.SetRowObserver(set.RowObserver())

	return &App{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		metrics:  set,
		hub:      hub,
		store:    store,
		sheets:   sheetsClient,
		manager:  manager,
		server:   api.NewServer(manager, logging.Component(logger, "api"), registry),
	}, nil
}

// metricFields lists the metric slots every row result carries.
func metricFields(cfg config.Config) []report.Field {
	fields := []report.Field{report.FieldAmount, report.FieldBackers}
	if cfg.AnalyticsEnabled() {
		fields = append(fields, report.FieldSessions)
	}
	return fields
}

// writebackColumns maps the harvested fields onto configured sheet columns.
func writebackColumns(cfg config.Config) sheets.Columns {
	cols := sheets.Columns{
		report.FieldAmount:  cfg.Sheets.AmountColumn,
		report.FieldBackers: cfg.Sheets.BackersColumn,
	}
	if cfg.AnalyticsEnabled() {
		cols[report.FieldSessions] = cfg.Sheets.SessionsColumn
	}
	return cols
}

// Logger returns the shared zap logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Runs returns the run manager.
func (a *App) Runs() *runs.Manager { return a.manager }

// Metrics returns the fetch-path collector set.
func (a *App) Metrics() *metrics.Set { return a.metrics }

// Serve runs the HTTP API until ctx is canceled, then shuts down
// gracefully.
func (a *App) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server listening", zap.Int("port", a.cfg.Server.Port))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// Close flushes the progress hub and the logger.
func (a *App) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.hub.Close(ctx); err != nil {
		a.logger.Warn("error closing progress hub", zap.Error(err))
	}
	_ = a.logger.Sync()
}
