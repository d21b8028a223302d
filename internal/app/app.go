// Package app provides application initialization and lifecycle management.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/andreasco/concierge/internal/config"
	"github.com/andreasco/concierge/internal/notifications"
	"github.com/andreasco/concierge/internal/notifications/email"
	notificationsnats "github.com/andreasco/concierge/internal/notifications/nats"
	notificationspostgres "github.com/andreasco/concierge/internal/notifications/postgres"
	notificationsredis "github.com/andreasco/concierge/internal/notifications/redis"
	"github.com/andreasco/concierge/internal/notifications/sms"
	"github.com/andreasco/concierge/internal/pkg/ctxlog"
	"github.com/andreasco/concierge/internal/pkg/httputil"
	"github.com/andreasco/concierge/internal/pkg/metrics"
	"github.com/andreasco/concierge/internal/pkg/postgres"
	"github.com/andreasco/concierge/internal/pkg/servicetoken"
	"github.com/andreasco/concierge/internal/pkg/tracing"
	"github.com/andreasco/concierge/internal/version"
	"github.com/andreasco/concierge/migrations"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// App represents the application instance.
type App struct {
	config           *config.Config
	logger           *slog.Logger
	db               *pgxpool.Pool
	redis            *redis.Client
	server           *http.Server
	metricsServer    *http.Server
	backgroundCancel context.CancelFunc
	tracingShutdown  tracing.ShutdownFunc
	worker           *notifications.Worker
	subscriber       *notificationsnats.Subscriber
}

// New creates a new application instance.
func New(cfg *config.Config) (*App, error) {
	logger := initLogger(cfg.Log)

	tracingShutdown, err := tracing.Setup(context.Background(), tracing.Config{
		Endpoint:    cfg.Tracing.Endpoint,
		Insecure:    cfg.Tracing.Insecure,
		SampleRatio: cfg.Tracing.SampleRatio,
		ServiceName: cfg.Tracing.ServiceName,
		Version:     version.Version,
	})
	if err != nil {
		return nil, fmt.Errorf("setup tracing: %w", err)
	}

	connectCtx, connectCancel := context.WithTimeout(context.Background(), cfg.Database.ConnectTimeout)
	defer connectCancel()

	db, err := postgres.Connect(connectCtx, postgres.Config{
		URL:             cfg.Database.URL,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnectAttempts: cfg.Database.ConnectAttempts,
	})
	if err != nil {
		_ = tracingShutdown(context.Background())
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	if cfg.Database.Migrate {
		if err := postgres.Migrate(cfg.Database.URL, migrations.FS); err != nil {
			db.Close()
			_ = tracingShutdown(context.Background())
			return nil, fmt.Errorf("migrate database: %w", err)
		}
	}

	build := version.Get()
	metrics.RecordBuildInfo(build.Version, build.Commit)

	backgroundCtx, backgroundCancel := context.WithCancel(context.Background())

	app := &App{
		config:           cfg,
		logger:           logger,
		db:               db,
		backgroundCancel: backgroundCancel,
		tracingShutdown:  tracingShutdown,
	}

	go app.collectDBMetrics(backgroundCtx)

	router, err := app.setupRouter(backgroundCtx)
	if err != nil {
		backgroundCancel()
		app.closeClients()
		return nil, fmt.Errorf("setup router: %w", err)
	}

	app.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:           otelhttp.NewHandler(router, "concierge-dispatcher"),
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

// Run starts the HTTP servers.
func (a *App) Run() error {
	// Start metrics server in background
	go func() {
		a.logger.Info("starting metrics server",
			"host", a.config.Server.Host,
			"port", a.config.Server.MetricsPort,
		)
		if err := a.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server error", "error", err)
		}
	}()

	// Start main server
	a.logger.Info("starting server",
		"host", a.config.Server.Host,
		"port", a.config.Server.Port,
		"version", version.Version,
	)

	if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the application.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down servers")

	// Stop intake before the servers so no new drain starts.
	if a.subscriber != nil {
		a.subscriber.Close()
	}
	a.backgroundCancel()
	a.worker.Stop()

	// Shutdown both servers in parallel
	var wg sync.WaitGroup
	var errs []error
	var mu sync.Mutex

	wg.Add(2)

	go func() {
		defer wg.Done()
		if err := a.server.Shutdown(ctx); err != nil {
			mu.Lock()
			errs = append(errs, fmt.Errorf("shutdown server: %w", err))
			mu.Unlock()
		}
	}()

	go func() {
		defer wg.Done()
		if err := a.metricsServer.Shutdown(ctx); err != nil {
			mu.Lock()
			errs = append(errs, fmt.Errorf("shutdown metrics server: %w", err))
			mu.Unlock()
		}
	}()

	wg.Wait()

	if err := a.tracingShutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown tracing: %w", err))
	}

	a.closeClients()

	return errors.Join(errs...)
}

func (a *App) closeClients() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("close redis client", "error", err)
		}
	}
	a.db.Close()
}

func (a *App) collectDBMetrics(ctx context.Context) {
	// Collect immediately on start
	metrics.RecordDBPoolMetrics(a.db)

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			metrics.RecordDBPoolMetrics(a.db)
		case <-ctx.Done():
			return
		}
	}
}

func (a *App) collectQueueMetrics(ctx context.Context, repo notifications.Repository) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		stats, err := repo.GetQueueStats(ctx)
		if err != nil && ctx.Err() == nil {
			slog.Error("failed to get queue stats", "error", err)
		} else if err == nil {
			notifications.RecordQueueStats(stats)
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// Router returns the HTTP handler for testing.
func (a *App) Router() http.Handler {
	return a.server.Handler
}

// Worker returns the notification worker instance.
func (a *App) Worker() *notifications.Worker {
	return a.worker
}

func (a *App) newLedger(ctx context.Context) (notifications.DeliveryLedger, error) {
	switch a.config.Ledger.Backend {
	case "memory":
		slog.Warn("delivery ledger is in-memory: duplicate suppression does not survive restarts")
		return notifications.NewMemoryLedger(), nil

	case "redis":
		client, err := notificationsredis.NewClient(a.config.Ledger.RedisURL)
		if err != nil {
			return nil, err
		}
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		a.redis = client
		return notificationsredis.NewLedger(client, a.config.Ledger.TTL), nil

	default:
		return notificationspostgres.NewLedger(a.db), nil
	}
}

func (a *App) setupRouter(ctx context.Context) (*chi.Mux, error) {
	r := chi.NewRouter()

	// Metrics middleware must be first to measure full request time
	r.Use(httputil.MetricsMiddleware)
	r.Use(middleware.RequestID)
	r.Use(httputil.RequestLogger(a.logger, "/healthz", "/readyz"))
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", a.healthzHandler)
	r.Get("/readyz", a.readyzHandler)
	r.Get("/version", a.versionHandler)

	r.Get("/api/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-yaml")
		http.ServeFile(w, r, "api/openapi/openapi.yaml")
	})

	repo := notificationspostgres.NewRepository(a.db)

	ledger, err := a.newLedger(ctx)
	if err != nil {
		return nil, fmt.Errorf("create delivery ledger: %w", err)
	}

	renderer, err := notifications.NewRenderer(a.config.Brand)
	if err != nil {
		return nil, fmt.Errorf("create notification renderer: %w", err)
	}

	emailSender := email.NewSender(email.Config{
		APIKey:      a.config.Email.APIKey,
		FromAddress: a.config.Email.FromAddress,
		BaseURL:     a.config.Email.BaseURL,
		RateLimit:   a.config.Email.RateLimit,
		Timeout:     a.config.Email.Timeout,
	})
	smsSender := sms.NewSender(sms.Config{
		AccountSID: a.config.SMS.AccountSID,
		AuthToken:  a.config.SMS.AuthToken,
		FromNumber: a.config.SMS.FromNumber,
		BaseURL:    a.config.SMS.BaseURL,
		RateLimit:  a.config.SMS.RateLimit,
		Timeout:    a.config.SMS.Timeout,
	})

	slog.Info("notification channels configured",
		"email_enabled", emailSender.Enabled(),
		"sms_enabled", smsSender.Enabled(),
		"ledger", a.config.Ledger.Backend,
	)

	dispatcher := notifications.NewDispatcher(renderer, ledger, notifications.Recipients{
		Email: a.config.Recipients.Email,
		Phone: a.config.Recipients.Phone,
	}, emailSender, smsSender)

	a.worker = notifications.NewWorker(notifications.WorkerConfig{
		BatchSize:         a.config.Worker.BatchSize,
		MaxBatchSize:      a.config.Worker.MaxBatchSize,
		Concurrency:       a.config.Worker.Concurrency,
		PollInterval:      a.config.Worker.PollInterval,
		StaleAfter:        a.config.Worker.StaleAfter,
		EntryTimeout:      a.config.Worker.EntryTimeout,
		MaxAttempts:       a.config.Retry.MaxAttempts,
		InitialBackoff:    a.config.Retry.InitialBackoff,
		MaxBackoff:        a.config.Retry.MaxBackoff,
		BackoffMultiplier: a.config.Retry.BackoffMultiplier,
		JitterFactor:      a.config.Retry.JitterFactor,
	}, repo, dispatcher)
	a.worker.Start(ctx)

	go a.collectQueueMetrics(ctx, repo)

	a.subscriber = a.subscribeWakeups()

	handler := notifications.NewHandler(a.worker, repo)

	r.Route("/api/v1", func(r chi.Router) {
		if a.config.Trigger.JWTSecret != "" {
			auth := servicetoken.NewAuthenticator(a.config.Trigger.JWTSecret, a.config.Trigger.Issuer)
			r.Use(httputil.AuthMiddleware(auth))
			r.Use(httputil.RequireRole(a.config.Trigger.AllowedRoles...))
		} else {
			slog.Warn("dispatch API is unauthenticated: set trigger.jwt_secret to require bearer tokens")
		}

		handler.RegisterRoutes(r)
	})

	return r, nil
}

// subscribeWakeups connects the enqueue subscription. Wake-ups feed the poll
// loop, so there is nothing to subscribe for when polling is disabled.
func (a *App) subscribeWakeups() *notificationsnats.Subscriber {
	if a.config.NATS.URL == "" {
		return nil
	}
	if a.config.Worker.PollInterval <= 0 {
		a.logger.Warn("nats.url is set but worker.poll_interval is 0; enqueue wake-ups are not subscribed")
		return nil
	}

	sub, err := notificationsnats.Subscribe(a.config.NATS.URL, a.config.NATS.Subject, a.worker)
	if err != nil {
		a.logger.Error("enqueue wake-ups unavailable, relying on polling", "error", err)
		return nil
	}
	return sub
}

func (a *App) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) readyzHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := a.db.Ping(ctx); err != nil {
		ctxlog.FromContext(r.Context()).Error("readiness check failed", "error", err)
		httputil.Text(w, http.StatusServiceUnavailable, "Database unavailable")
		return
	}

	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) versionHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.JSON(w, http.StatusOK, version.Get())
}

func initLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
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

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
