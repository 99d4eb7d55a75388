// Package app provides application initialization and lifecycle management.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/bissquit/lead-drip/internal/config"
	"github.com/bissquit/lead-drip/internal/drip"
	"github.com/bissquit/lead-drip/internal/drip/email"
	"github.com/bissquit/lead-drip/internal/drip/filestore"
	"github.com/bissquit/lead-drip/internal/drip/hubspot"
	drippostgres "github.com/bissquit/lead-drip/internal/drip/postgres"
	"github.com/bissquit/lead-drip/internal/pkg/ctxlog"
	"github.com/bissquit/lead-drip/internal/pkg/httputil"
	"github.com/bissquit/lead-drip/internal/pkg/metrics"
	"github.com/bissquit/lead-drip/internal/pkg/postgres"
	"github.com/bissquit/lead-drip/internal/version"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsInterval = 15 * time.Second

// scheduleStore is a schedule store that also keeps the local opt-out list.
type scheduleStore interface {
	drip.Store
	drip.OptOutStore
}

// App represents the application instance.
type App struct {
	config        *config.Config
	logger        *slog.Logger
	db            *pgxpool.Pool // nil for the file store
	store         scheduleStore
	server        *http.Server
	metricsServer *http.Server
	metricsCancel context.CancelFunc
	scheduler     *drip.Scheduler
}

// New creates a new application instance.
func New(cfg *config.Config) (*App, error) {
	logger := initLogger(cfg.Log)
	slog.SetDefault(logger)

	app := &App{
		config: cfg,
		logger: logger,
	}

	if err := app.openStore(); err != nil {
		return nil, err
	}

	metricsCtx, metricsCancel := context.WithCancel(context.Background())
	app.metricsCancel = metricsCancel

	router, err := app.setupRouter()
	if err != nil {
		app.close()
		return nil, fmt.Errorf("setup router: %w", err)
	}

	metrics.RecordBuildInfo(version.Version, version.GitCommit, cfg.Store.Backend)
	go metrics.Collect(metricsCtx, metricsInterval, app.recordQueueStats)
	if app.db != nil {
		go metrics.Collect(metricsCtx, metricsInterval, func(context.Context) {
			metrics.RecordDBPoolMetrics(app.db)
		})
	}

	app.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	// Metrics server on separate port
	metricsRouter := chi.NewRouter()
	metricsRouter.Handle("/metrics", promhttp.Handler())

	app.metricsServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.MetricsPort),
		Handler:           metricsRouter,
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return app, nil
}

// openStore connects the configured schedule store backend.
func (a *App) openStore() error {
	switch a.config.Store.Backend {
	case config.StoreBackendFile:
		store, err := filestore.New(a.config.Store.FileDir)
		if err != nil {
			return fmt.Errorf("open file store: %w", err)
		}
		a.store = store
		a.logger.Info("using file schedule store", "dir", a.config.Store.FileDir)
		return nil

	case config.StoreBackendPostgres:
		dbCfg := a.config.Database
		if dbCfg.AutoMigrate {
			if err := postgres.Migrate(dbCfg.URL); err != nil {
				return fmt.Errorf("migrate database: %w", err)
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), dbCfg.ConnectTimeout)
		defer cancel()

		db, err := postgres.Connect(ctx, postgres.Config{
			URL:             dbCfg.URL,
			MaxOpenConns:    dbCfg.MaxOpenConns,
			MaxIdleConns:    dbCfg.MaxIdleConns,
			ConnMaxLifetime: dbCfg.ConnMaxLifetime,
			ConnectAttempts: dbCfg.ConnectAttempts,
		})
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		a.db = db
		a.store = drippostgres.NewRepository(db)
		a.logger.Info("using postgres schedule store")
		return nil

	default:
		return fmt.Errorf("unknown store backend %q", a.config.Store.Backend)
	}
}

// Run starts the HTTP servers and the in-process scheduler.
func (a *App) Run() error {
	go func() {
		a.logger.Info("starting metrics server",
			"host", a.config.Server.Host,
			"port", a.config.Server.MetricsPort,
		)
		if err := a.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("metrics server error", "error", err)
		}
	}()

	if a.scheduler != nil {
		a.scheduler.Start()
	}

	a.logger.Info("starting server",
		"host", a.config.Server.Host,
		"port", a.config.Server.Port,
	)

	if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the application.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down servers")

	a.metricsCancel()

	// Let a running queue pass finish before the store goes away.
	if a.scheduler != nil {
		a.scheduler.Stop()
	}

	var wg sync.WaitGroup
	var errs []error
	var mu sync.Mutex

	for name, srv := range map[string]*http.Server{"server": a.server, "metrics server": a.metricsServer} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Shutdown(ctx); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("shutdown %s: %w", name, err))
				mu.Unlock()
			}
		}()
	}

	wg.Wait()

	a.close()

	return errors.Join(errs...)
}

func (a *App) close() {
	if a.metricsCancel != nil {
		a.metricsCancel()
	}
	if a.db != nil {
		a.db.Close()
	}
}

func (a *App) recordQueueStats(ctx context.Context) {
	stats, err := a.store.GetQueueStats(ctx, time.Now())
	if err != nil {
		if ctx.Err() == nil {
			a.logger.Error("failed to get queue stats", "error", err)
		}
		return
	}
	drip.RecordQueueStats(stats)
}

// Router returns the HTTP handler for testing.
func (a *App) Router() http.Handler {
	return a.server.Handler
}

func (a *App) setupRouter() (*chi.Mux, error) {
	cfg := a.config

	r := chi.NewRouter()

	// Metrics middleware must be first to measure full request time
	r.Use(httputil.MetricsMiddleware)
	r.Use(middleware.RequestID)
	r.Use(httputil.RequestLoggerMiddleware(a.logger))
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(cfg.Server.RequestTimeout))

	r.Get("/healthz", a.healthzHandler)
	r.Get("/readyz", a.readyzHandler)
	r.Get("/version", a.versionHandler)

	tokens, err := drip.NewUnsubscribeTokens(cfg.Auth.UnsubscribeSecret,
		strings.TrimRight(cfg.Server.PublicURL, "/")+"/unsubscribe")
	if err != nil {
		return nil, fmt.Errorf("create unsubscribe tokens: %w", err)
	}

	sender, err := email.NewSender(email.Config{
		Enabled:            cfg.Email.Enabled,
		DevMode:            cfg.Email.DevMode,
		SMTPHost:           cfg.Email.SMTPHost,
		SMTPPort:           cfg.Email.SMTPPort,
		SMTPUser:           cfg.Email.SMTPUser,
		SMTPPassword:       cfg.Email.SMTPPassword,
		FromAddress:        cfg.Email.FromAddress,
		FromName:           cfg.Email.FromName,
		InsecureSkipVerify: cfg.Email.InsecureSkipVerify,
	}, tokens)
	if err != nil {
		return nil, fmt.Errorf("create email sender: %w", err)
	}
	switch {
	case !cfg.Email.Enabled && cfg.Email.DevMode:
		slog.Warn("email dev mode: sequence emails are logged and marked sent without delivery")
	case !cfg.Email.Enabled:
		slog.Warn("email sender is disabled: due sends stay pending until email is enabled")
	}

	crm := hubspot.NewClient(hubspot.Config{
		Enabled:   cfg.HubSpot.Enabled,
		APIKey:    cfg.HubSpot.APIKey,
		BaseURL:   cfg.HubSpot.BaseURL,
		RateLimit: cfg.HubSpot.RateLimit,
		Timeout:   cfg.HubSpot.Timeout,
	})

	// Local opt-outs first: they never leave the process.
	suppression := drip.NewSuppression(drip.NewOptOutOracle(a.store), crm)
	unsubscriber := drip.NewUnsubscriber(tokens, a.store, crm)
	preferences := drip.NewPreferences(tokens, drip.NewOptOutOracle(a.store), crm)

	renderer, err := drip.NewRenderer()
	if err != nil {
		return nil, fmt.Errorf("create renderer: %w", err)
	}

	sequencer, err := drip.NewSequencer(
		drip.DefaultDefinition(cfg.Sequence.ChecklistPDFPath),
		renderer,
		a.store,
		sender,
		drip.SequencerConfig{
			DefaultDisplayName: cfg.Sequence.DefaultDisplayName,
			SiteURL:            cfg.Sequence.SiteURL,
			BookingURL:         cfg.Sequence.BookingURL,
		},
	)
	if err != nil {
		return nil, fmt.Errorf("create sequencer: %w", err)
	}

	processor := drip.NewProcessor(drip.ProcessorConfig{
		Concurrency: cfg.Worker.Concurrency,
	}, a.store, sender, suppression)

	if cfg.Worker.Enabled {
		a.scheduler, err = drip.NewScheduler(drip.SchedulerConfig{
			Spec:       cfg.Worker.Schedule,
			RunTimeout: cfg.Worker.RunTimeout,
		}, processor)
		if err != nil {
			return nil, fmt.Errorf("create scheduler: %w", err)
		}
	}

	if cfg.Auth.CronSecret == "" {
		slog.Warn("auth.cron_secret is empty: queue processing endpoint rejects all requests")
	}
	if cfg.Auth.AdminToken == "" {
		slog.Warn("auth.admin_token is empty: sequence administration endpoints reject all requests")
	}

	handler := drip.NewHandler(sequencer, processor, a.store, unsubscriber, preferences, drip.PageConfig{
		SiteURL:    cfg.Sequence.SiteURL,
		BookingURL: cfg.Sequence.BookingURL,
	})

	r.Route("/api/v1", func(r chi.Router) {
		handler.RegisterWebhookRoutes(r)

		r.Group(func(r chi.Router) {
			r.Use(httputil.BearerTokenMiddleware(cfg.Auth.CronSecret))
			handler.RegisterCronRoutes(r)
		})

		r.Group(func(r chi.Router) {
			r.Use(httputil.BearerTokenMiddleware(cfg.Auth.AdminToken))
			handler.RegisterAdminRoutes(r)
		})
	})

	handler.RegisterUnsubscribeRoutes(r)

	return r, nil
}

func (a *App) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) readyzHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	var err error
	if a.db != nil {
		err = a.db.Ping(ctx)
	} else {
		_, err = a.store.GetQueueStats(ctx, time.Now())
	}
	if err != nil {
		ctxlog.FromContext(r.Context()).Error("readiness check failed", "error", err)
		httputil.Text(w, http.StatusServiceUnavailable, "Store unavailable")
		return
	}

	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) versionHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.JSON(w, http.StatusOK, map[string]string{
		"version":    version.Version,
		"commit":     version.GitCommit,
		"build_date": version.BuildDate,
	})
}

func initLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
