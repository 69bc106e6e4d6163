// Package mcp implements the Model Context Protocol surface for Kiroku.
//
// The MCP server exposes the approval queue and run ledger as tools so an
// MCP-compatible operator assistant can review pending requests, resolve
// them, and inspect the runs they belong to.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/kiroku/internal/approval"
	"github.com/ashita-ai/kiroku/internal/model"
	"github.com/ashita-ai/kiroku/internal/storage"
)

// Server wraps the MCP server with Kiroku's approval and ledger layers.
type Server struct {
	mcpServer *mcpserver.MCPServer
	db        *storage.DB
	approvals *approval.Manager
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all resources and tools.
func New(db *storage.DB, approvals *approval.Manager, logger *slog.Logger) *Server {
	s := &Server{
		db:        db,
		approvals: approvals,
		logger:    logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"kiroku",
		"0.1.0",
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
	)

	s.registerResources()
	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func (s *Server) registerResources() {
	// kiroku://approvals/pending — the operator queue.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"kiroku://approvals/pending",
			"Pending Approvals",
			mcplib.WithResourceDescription("All pending approval requests awaiting a human decision"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handlePendingResource,
	)

	// kiroku://runs/paused — runs currently blocked on an approval.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"kiroku://runs/paused",
			"Paused Runs",
			mcplib.WithResourceDescription("Runs in awaiting_approval, blocked until an operator resolves their gate"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handlePausedResource,
	)
}

func (s *Server) registerTools() {
	// kiroku_pending_approvals — the operator review queue.
	s.mcpServer.AddTool(
		mcplib.NewTool("kiroku_pending_approvals",
			mcplib.WithDescription(`List approval requests waiting for a human decision.

WHEN TO USE: At the start of a review session, or whenever you want to see
which agent runs are currently blocked. Each entry carries the run it
belongs to, the proposed action, the risk level, and the factors that
tripped the gate.

The run behind each request is paused until the request is approved,
declined, or expires.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("run_id",
				mcplib.Description("Optional: only show pending requests for a specific run (UUID)"),
			),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum results to return"),
				mcplib.Min(1),
				mcplib.Max(1000),
				mcplib.DefaultNumber(50),
			),
		),
		s.handlePendingApprovals,
	)

	// kiroku_resolve_approval — approve or decline a pending request.
	s.mcpServer.AddTool(
		mcplib.NewTool("kiroku_resolve_approval",
			mcplib.WithDescription(`Approve or decline a pending approval request.

WHEN TO USE: After reviewing a request from kiroku_pending_approvals and
reaching a decision. Approving resumes the paused run; declining fails it
with a non-retryable error.

Exactly one resolution wins: a second attempt on the same request is
rejected, and a request past its deadline can no longer be resolved.
Always give a reason when declining — it is recorded on the failed run.`),
			mcplib.WithDestructiveHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("approval_id",
				mcplib.Description("The approval request to resolve (UUID)"),
				mcplib.Required(),
			),
			mcplib.WithString("decision",
				mcplib.Description("The decision: 'approved' or 'declined'"),
				mcplib.Required(),
				mcplib.Enum("approved", "declined"),
			),
			mcplib.WithString("reason",
				mcplib.Description("Why you decided this way. Required in spirit for declines — it becomes the run's failure message."),
			),
		),
		s.handleResolveApproval,
	)

	// kiroku_get_run — inspect a run and its step ledger.
	s.mcpServer.AddTool(
		mcplib.NewTool("kiroku_get_run",
			mcplib.WithDescription(`Fetch a run with its step ledger and budget consumption.

WHEN TO USE: Before resolving an approval, to understand what the agent
has done so far — which steps ran, what they cost, and how much of the
budget remains. The response includes the run record and every recorded
step in order.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("run_id",
				mcplib.Description("The run to fetch (UUID)"),
				mcplib.Required(),
			),
		),
		s.handleGetRun,
	)
}

func (s *Server) handlePendingResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	pending, err := s.approvals.AllPending(ctx, 100)
	if err != nil {
		return nil, fmt.Errorf("mcp: pending approvals: %w", err)
	}

	data, err := json.MarshalIndent(pending, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal approvals: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      "kiroku://approvals/pending",
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handlePausedResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	runs, err := s.db.FindRunsByStatus(ctx, model.RunStatusAwaitingApproval, 100)
	if err != nil {
		return nil, fmt.Errorf("mcp: paused runs: %w", err)
	}

	data, err := json.MarshalIndent(runs, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal runs: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      "kiroku://runs/paused",
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handlePendingApprovals(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	limit := request.GetInt("limit", 50)

	var (
		pending []model.ApprovalRequest
		err     error
	)
	if rawRunID := request.GetString("run_id", ""); rawRunID != "" {
		runID, parseErr := uuid.Parse(rawRunID)
		if parseErr != nil {
			return errorResult("run_id must be a UUID"), nil
		}
		pending, err = s.approvals.PendingForRun(ctx, runID)
	} else {
		pending, err = s.approvals.AllPending(ctx, limit)
	}
	if err != nil {
		return errorResult(fmt.Sprintf("failed to list approvals: %v", err)), nil
	}

	resultData, _ := json.MarshalIndent(map[string]any{
		"approvals": pending,
		"total":     len(pending),
	}, "", "  ")

	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(resultData)},
		},
	}, nil
}

func (s *Server) handleResolveApproval(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	approvalID, err := uuid.Parse(request.GetString("approval_id", ""))
	if err != nil {
		return errorResult("approval_id must be a UUID"), nil
	}

	decision := model.ApprovalDecision(request.GetString("decision", ""))
	if decision != model.DecisionApproved && decision != model.DecisionDeclined {
		return errorResult("decision must be 'approved' or 'declined'"), nil
	}

	resolved, err := s.approvals.Resolve(ctx, approvalID, "mcp-operator", model.ApprovalResolution{
		Decision: decision,
		Reason:   request.GetString("reason", ""),
	})
	if err != nil {
		return errorResult(fmt.Sprintf("failed to resolve approval: %v", err)), nil
	}

	resultData, _ := json.Marshal(map[string]any{
		"approval_id": resolved.ID,
		"run_id":      resolved.RunID,
		"status":      resolved.Status,
	})

	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(resultData)},
		},
	}, nil
}

func (s *Server) handleGetRun(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	runID, err := uuid.Parse(request.GetString("run_id", ""))
	if err != nil {
		return errorResult("run_id must be a UUID"), nil
	}

	run, err := s.db.GetRun(ctx, runID)
	if err != nil {
		return errorResult(fmt.Sprintf("failed to get run: %v", err)), nil
	}
	steps, err := s.db.ListStepsByRun(ctx, runID)
	if err != nil {
		return errorResult(fmt.Sprintf("failed to list steps: %v", err)), nil
	}

	resultData, _ := json.MarshalIndent(map[string]any{
		"run":   run,
		"steps": steps,
	}, "", "  ")

	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(resultData)},
		},
	}, nil
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
