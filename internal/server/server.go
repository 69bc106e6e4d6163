package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/kiroku/internal/approval"
	"github.com/ashita-ai/kiroku/internal/auth"
	"github.com/ashita-ai/kiroku/internal/model"
	"github.com/ashita-ai/kiroku/internal/storage"
)

// Server is the Kiroku HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Handlers returns the underlying Handlers for access to SeedAdmin etc.
func (s *Server) Handlers() *Handlers {
	return s.handlers
}

// ServerConfig holds all dependencies and configuration for creating a Server.
type ServerConfig struct {
	// Required dependencies.
	DB        *storage.DB
	JWTMgr    *auth.JWTManager
	Approvals *approval.Manager
	Logger    *slog.Logger

	// Optional dependencies (nil = disabled).
	MCPServer *mcpserver.MCPServer

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		DB:                  cfg.DB,
		JWTMgr:              cfg.JWTMgr,
		Approvals:           cfg.Approvals,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	mux := http.NewServeMux()

	// Auth endpoint (no auth required).
	mux.HandleFunc("POST /auth/token", h.HandleAuthToken)

	// Agent management (admin only).
	adminOnly := requireRole(model.RoleAdmin)
	mux.Handle("POST /v1/agents", adminOnly(http.HandlerFunc(h.HandleCreateAgent)))
	mux.Handle("GET /v1/agents", adminOnly(http.HandlerFunc(h.HandleListAgents)))

	// Run lifecycle (agent+).
	writeRole := requireRole(model.RoleAgent)
	mux.Handle("POST /v1/runs", writeRole(http.HandlerFunc(h.HandleCreateRun)))
	mux.Handle("POST /v1/runs/{run_id}/status", writeRole(http.HandlerFunc(h.HandleUpdateRunStatus)))
	mux.Handle("POST /v1/runs/{run_id}/consumed", writeRole(http.HandlerFunc(h.HandleUpdateConsumed)))
	mux.Handle("POST /v1/runs/{run_id}/model", writeRole(http.HandlerFunc(h.HandleUpdateModel)))
	mux.Handle("POST /v1/runs/{run_id}/complete", writeRole(h.HandleFinishRun(model.RunStatusCompleted)))
	mux.Handle("POST /v1/runs/{run_id}/partial", writeRole(h.HandleFinishRun(model.RunStatusPartial)))
	mux.Handle("POST /v1/runs/{run_id}/fail", writeRole(http.HandlerFunc(h.HandleFailRun)))
	mux.Handle("POST /v1/runs/{run_id}/cancel", writeRole(http.HandlerFunc(h.HandleCancelRun)))

	// Step ledger (agent+).
	mux.Handle("POST /v1/runs/{run_id}/steps", writeRole(http.HandlerFunc(h.HandleCreateStep)))
	mux.Handle("POST /v1/runs/{run_id}/steps/check", writeRole(http.HandlerFunc(h.HandleCheckStep)))
	mux.Handle("POST /v1/steps/{step_id}/complete", writeRole(http.HandlerFunc(h.HandleCompleteStep)))
	mux.Handle("POST /v1/steps/{step_id}/fail", writeRole(http.HandlerFunc(h.HandleFailStep)))
	mux.Handle("POST /v1/steps/{step_id}/skip", writeRole(http.HandlerFunc(h.HandleSkipStep)))

	// Approval gating: checking and requesting is agent work, resolving
	// and sweeping needs a human operator.
	mux.Handle("POST /v1/approvals/check", writeRole(http.HandlerFunc(h.HandleCheckApproval)))
	mux.Handle("POST /v1/approvals", writeRole(http.HandlerFunc(h.HandleRequestApproval)))
	operatorOnly := requireRole(model.RoleOperator)
	mux.Handle("GET /v1/approvals", operatorOnly(http.HandlerFunc(h.HandleListApprovals)))
	mux.Handle("GET /v1/approvals/{approval_id}", operatorOnly(http.HandlerFunc(h.HandleGetApproval)))
	mux.Handle("POST /v1/approvals/{approval_id}/resolve", operatorOnly(http.HandlerFunc(h.HandleResolveApproval)))
	mux.Handle("POST /v1/approvals/sweep", operatorOnly(http.HandlerFunc(h.HandleSweepApprovals)))

	// Query endpoints (reader+).
	readRole := requireRole(model.RoleReader)
	mux.Handle("GET /v1/runs", readRole(http.HandlerFunc(h.HandleListRuns)))
	mux.Handle("GET /v1/runs/{run_id}", readRole(http.HandlerFunc(h.HandleGetRun)))
	mux.Handle("GET /v1/runs/{run_id}/steps", readRole(http.HandlerFunc(h.HandleListSteps)))
	mux.Handle("GET /v1/runs/{run_id}/approvals", readRole(http.HandlerFunc(h.HandleRunApprovals)))
	mux.Handle("GET /v1/steps/{step_id}", readRole(http.HandlerFunc(h.HandleGetStep)))

	// MCP StreamableHTTP transport (operator+ — the MCP tools resolve approvals).
	if cfg.MCPServer != nil {
		mcpHTTP := mcpserver.NewStreamableHTTPServer(cfg.MCPServer)
		mux.Handle("/mcp", operatorOnly(mcpHTTP))
	}

	// Health (no auth).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
