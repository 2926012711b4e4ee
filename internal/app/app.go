package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"golang.org/x/sync/errgroup"

	"keyserve/internal/config"
	"keyserve/internal/infrastructure"
	"keyserve/internal/keystore"
	custommw "keyserve/internal/middleware"
	"keyserve/internal/security"
	"keyserve/internal/services"
	handlers "keyserve/internal/transport/http"
)

const (
	Version = "1.0.0"
	AppName = "keyserve"
)

// Application is the main dependency container. Everything is wired once
// in New and torn down in Stop.
type Application struct {
	Config        *config.Config
	Router        *chi.Mux
	Server        *http.Server
	Store         *keystore.Store
	Auth          *security.Authenticator
	Audit         *security.AuditLogger
	Verification  *services.VerificationService
	Admin         *services.AdminService
	Logger        *slog.Logger
	OTelProviders *infrastructure.OTelProviders
}

// New creates a fully wired application instance.
func New() (*Application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	logger.Info("application starting",
		slog.String("name", AppName),
		slog.String("version", Version),
		slog.Int("port", cfg.Server.Port))

	if cfg.UsingDefaultPassword() {
		logger.Warn("admin password is the shipped default, change it before exposing this server",
			slog.String("env_var", "KEYSERVE_ADMIN_PASSWORD"))
	}

	otelProviders, err := infrastructure.InitializeOTel(infrastructure.DefaultOTelConfig(), logger)
	if err != nil {
		logger.Warn("telemetry initialization failed, continuing without tracing",
			slog.String("error", err.Error()))
	}

	store, err := keystore.Open(cfg.KeysFilePath(), cfg.UsageLogPath(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open key store: %w", err)
	}

	handlers.RegisterActiveKeysGauge(func() float64 {
		now := time.Now()
		var n float64
		for _, k := range store.List() {
			if keystore.IsConsumable(k, now) {
				n++
			}
		}
		return n
	})

	auth := security.NewAuthenticator(cfg.Admin, logger)
	audit := security.NewAuditLogger(cfg.AdminLogPath(), logger)

	app := &Application{
		Config:        cfg,
		Store:         store,
		Auth:          auth,
		Audit:         audit,
		Verification:  services.NewVerificationService(store, logger),
		Admin:         services.NewAdminService(store, auth, audit, logger),
		Logger:        logger,
		OTelProviders: otelProviders,
	}

	app.setupRouter()
	app.Server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      app.Router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	return app, nil
}

// setupRouter configures the HTTP router with all routes
func (a *Application) setupRouter() {
	r := chi.NewRouter()

	r.Use(custommw.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(custommw.StructuredLogger(a.Logger))
	r.Use(custommw.Recoverer(a.Logger))
	r.Use(custommw.RateLimit(a.Config.RateLimit, a.Logger))
	r.Use(chimiddleware.Timeout(30 * time.Second))
	r.Use(render.SetContentType(render.ContentTypeJSON))

	r.Mount("/api/verify", handlers.NewVerifyHandler(a.Verification, a.Logger).Routes())
	r.Mount("/api/admin", handlers.NewAdminHandler(a.Admin, a.Logger).Routes())
	r.Get("/api/health", handlers.NewHealthHandler(Version).Health)
	r.Handle("/metrics", handlers.MetricsHandler())

	// The panel prefix is randomized per boot unless pinned in config, so
	// scanners cannot guess where the admin surface lives.
	r.Get("/"+a.Config.Admin.PanelPath, handlers.NewPanelHandler(a.Config.Admin.PanelPath, a.Logger).Panel)

	a.Logger.Info("admin panel mounted",
		slog.String("path", "/"+a.Config.Admin.PanelPath))

	a.Router = r
}

// Run starts the HTTP server and blocks until an interrupt signal or a
// fatal server error.
func (a *Application) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.Logger.Info("http server listening", slog.String("addr", a.Server.Addr))
		if err := a.Server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		return a.Stop(context.Background())
	})

	return g.Wait()
}

// Stop gracefully stops the application
func (a *Application) Stop(ctx context.Context) error {
	a.Logger.InfoContext(ctx, "shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, a.Config.Server.ShutdownTimeout)
	defer cancel()

	if err := a.Server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	a.Auth.Stop()

	if a.OTelProviders != nil {
		if err := a.OTelProviders.Shutdown(shutdownCtx); err != nil {
			a.Logger.ErrorContext(ctx, "telemetry shutdown failed", slog.String("error", err.Error()))
		}
	}

	a.Logger.InfoContext(ctx, "shutdown complete")
	infrastructure.CloseLogFile()
	return nil
}
