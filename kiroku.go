// Package kiroku is the public API for embedding the Kiroku execution
// ledger server.
//
// Consumers import this package to construct and run the server without
// forking it:
//
//	app, err := kiroku.New(
//	    kiroku.WithVersion(version),
//	    kiroku.WithLogger(logger),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: kiroku (root) imports
// internal/*, but internal/* never imports kiroku (root).
package kiroku

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/kiroku/internal/approval"
	"github.com/ashita-ai/kiroku/internal/auth"
	"github.com/ashita-ai/kiroku/internal/config"
	"github.com/ashita-ai/kiroku/internal/mcp"
	"github.com/ashita-ai/kiroku/internal/model"
	"github.com/ashita-ai/kiroku/internal/server"
	"github.com/ashita-ai/kiroku/internal/storage"
	"github.com/ashita-ai/kiroku/internal/telemetry"
	"github.com/ashita-ai/kiroku/migrations"
)

// App is the Kiroku server lifecycle. Construct with New(), run with Run().
// App has no public fields — use New() options to configure it.
type App struct {
	cfg          config.Config
	db           *storage.DB
	srv          *server.Server
	approvals    *approval.Manager
	otelShutdown func(context.Context) error
	logger       *slog.Logger
	version      string
}

// New initialises the Kiroku server. It connects to the database, runs
// migrations, wires all subsystems, and returns a ready-to-run App.
// It does NOT start any goroutines or accept HTTP connections — call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	// Load configuration (env vars), then apply option overrides.
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.approvalTTL > 0 {
		cfg.ApprovalTTL = o.approvalTTL
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("kiroku starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.Environment != "production")
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	// Connect to database and run migrations.
	db, err := storage.New(context.Background(), cfg.DatabaseURL, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("storage: %w", err)
	}
	if err := db.RunMigrations(context.Background(), migrations.FS); err != nil {
		db.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("migrations: %w", err)
	}

	// JWT manager for agent authentication.
	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		db.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("auth: %w", err)
	}

	// Approval manager with the gating triggers.
	triggers := approval.DefaultTriggers()
	if o.setTriggers {
		triggers = toModelTriggers(o.triggers)
	}
	approvals := approval.NewManager(db, triggers, cfg.ApprovalTTL, logger)

	// MCP server for operator assistants.
	mcpSrv := mcp.New(db, approvals, logger)

	srv := server.New(server.ServerConfig{
		DB:                  db,
		JWTMgr:              jwtMgr,
		Approvals:           approvals,
		Logger:              logger,
		MCPServer:           mcpSrv.MCPServer(),
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	// Seed the bootstrap admin agent on first start.
	if err := srv.Handlers().SeedAdmin(context.Background(), cfg.AdminAPIKey); err != nil {
		db.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("seed admin: %w", err)
	}

	return &App{
		cfg:          cfg,
		db:           db,
		srv:          srv,
		approvals:    approvals,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Run starts the approval expiry sweeper and the HTTP server, then blocks
// until ctx is cancelled or a fatal server error occurs. On return, Shutdown
// is called automatically — callers should not call Shutdown separately.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.sweepLoop(gctx)
		return nil
	})

	g.Go(func() error {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	// Unblock the group when the context is cancelled: the sweeper exits on
	// its own, the HTTP server needs an explicit Shutdown.
	g.Go(func() error {
		<-gctx.Done()
		return a.Shutdown(context.Background())
	})

	return g.Wait()
}

// Shutdown drains in-flight HTTP requests, then closes the database pool
// and the OTEL provider.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("kiroku shutting down")

	httpCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}

	_ = a.otelShutdown(context.Background())
	a.db.Close()

	a.logger.Info("kiroku stopped")
	return nil
}

// toModelTriggers converts public Trigger values to their internal form.
// Lives here because this is the only file that sees both sides of the
// boundary.
func toModelTriggers(triggers []Trigger) []model.ApprovalTrigger {
	out := make([]model.ApprovalTrigger, len(triggers))
	for i, t := range triggers {
		out[i] = model.ApprovalTrigger{
			ID:          t.ID,
			Condition:   model.TriggerCondition(t.Condition),
			Threshold:   t.Threshold,
			Pattern:     t.Pattern,
			RiskLevel:   model.RiskLevel(t.RiskLevel),
			Description: t.Description,
		}
	}
	return out
}

// sweepLoop periodically expires approval requests past their deadline.
// Expired requests leave their runs paused; an operator decides what to do
// with them.
func (a *App) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.ApprovalSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			opCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			n, err := a.approvals.ExpireOld(opCtx)
			cancel()
			if err != nil {
				a.logger.Warn("approval expiry sweep failed", "error", err)
				continue
			}
			if n > 0 {
				a.logger.Info("approval expiry sweep", "expired", n)
			}
		}
	}
}
