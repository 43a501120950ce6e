// Package server exposes the audit orchestrator as an MCP tool over stdio.
// It is a thin adapter: payload decoding, inline gan-config extraction, and
// the structured error envelope live here; everything else is delegated.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/drcubix/gansauditor/pkg/audit"
	"github.com/drcubix/gansauditor/pkg/config"
	"github.com/drcubix/gansauditor/pkg/models"
	"github.com/drcubix/gansauditor/pkg/observability"
	"github.com/drcubix/gansauditor/pkg/version"
)

// ToolName is the audit tool's MCP name.
const ToolName = "gansauditor_codex_audit"

// queueAllowance pads the overall deadline beyond the worst-case judge time
// to cover queue wait.
const queueAllowance = 30 * time.Second

var auditInputSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "sessionId":         {"type": "string"},
    "thought":           {"type": "string"},
    "thoughtNumber":     {"type": "integer", "minimum": 1},
    "totalThoughts":     {"type": "integer", "minimum": 1},
    "nextThoughtNeeded": {"type": "boolean"},
    "branchId":          {"type": "string"},
    "loopId":            {"type": "string"},
    "config":            {"type": "object"}
  },
  "required": ["sessionId", "thought", "thoughtNumber", "totalThoughts", "nextThoughtNeeded"]
}`)

// Server is the MCP stdio front end.
type Server struct {
	cfg  *config.Config
	orch *audit.Orchestrator
	logs *observability.StreamLogger
	mcp  *mcpsdk.Server
}

// NewServer builds the MCP server and registers the audit tool.
func NewServer(cfg *config.Config, orch *audit.Orchestrator, logs *observability.StreamLogger) *Server {
	s := &Server{cfg: cfg, orch: orch, logs: logs}

	srv := mcpsdk.NewServer(&mcpsdk.Implementation{
		Name:    version.AppName,
		Version: version.GitCommit,
	}, nil)
	srv.AddTool(&mcpsdk.Tool{
		Name:        ToolName,
		Description: "Submit a thought for adversarial code review; loops until the quality bar or a stop condition is met.",
		InputSchema: auditInputSchema,
	}, s.handleAudit)
	s.mcp = srv
	return s
}

// Run serves MCP over stdio until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	slog.Info("MCP server listening on stdio", "tool", ToolName)
	return s.mcp.Run(ctx, &mcpsdk.StdioTransport{})
}

// auditRequestPayload is the inbound tool argument shape.
type auditRequestPayload struct {
	SessionID         string                 `json:"sessionId"`
	Thought           string                 `json:"thought"`
	ThoughtNumber     int                    `json:"thoughtNumber"`
	TotalThoughts     int                    `json:"totalThoughts"`
	NextThoughtNeeded bool                   `json:"nextThoughtNeeded"`
	BranchID          string                 `json:"branchId,omitempty"`
	LoopID            string                 `json:"loopId,omitempty"`
	Config            *models.ConfigOverride `json:"config,omitempty"`
}

// auditResponsePayload is the outbound tool result shape.
type auditResponsePayload struct {
	ThoughtNumber     int                     `json:"thoughtNumber"`
	TotalThoughts     int                     `json:"totalThoughts"`
	NextThoughtNeeded bool                    `json:"nextThoughtNeeded"`
	SessionID         string                  `json:"sessionId"`
	Review            *models.Review          `json:"review"`
	CompletionStatus  completionStatusPayload `json:"completionStatus"`
}

type completionStatusPayload struct {
	IsComplete  bool   `json:"isComplete"`
	Reason      string `json:"reason,omitempty"`
	CurrentLoop int    `json:"currentLoop"`
	Score       int    `json:"score"`
	Threshold   int    `json:"threshold"`
}

// errorEnvelope is the structured error shape; transport faults never leak.
type errorEnvelope struct {
	IsError bool      `json:"isError"`
	Error   errorBody `json:"error"`
}

type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func (s *Server) handleAudit(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	var payload auditRequestPayload
	if err := json.Unmarshal(req.Params.Arguments, &payload); err != nil {
		return errorResult(audit.KindValidationFailed, "malformed audit request", err.Error()), nil
	}
	if payload.SessionID == "" || payload.Thought == "" {
		return errorResult(audit.KindValidationFailed, "sessionId and thought are required", ""), nil
	}

	override := payload.Config
	if inline, err := config.ExtractGanConfig(payload.Thought); err != nil {
		slog.Warn("Ignoring malformed gan-config block",
			"session_id", payload.SessionID, "error", err)
		s.logs.Session(observability.Entry{
			Event:     "ganconfig_rejected",
			SessionID: payload.SessionID,
			Fields:    map[string]any{"error": err.Error()},
		})
	} else if inline != nil {
		// The inline block is the most specific source; it wins over the
		// payload's config object.
		override = inline
	}

	sub := &models.Submission{
		SessionID:     payload.SessionID,
		Thought:       payload.Thought,
		ThoughtNumber: payload.ThoughtNumber,
		TotalThoughts: payload.TotalThoughts,
		BranchID:      payload.BranchID,
		LoopID:        payload.LoopID,
		Config:        override,
	}

	ctx, cancel := context.WithTimeout(ctx, s.overallTimeout())
	defer cancel()

	resp, err := s.orch.Submit(ctx, sub)
	if err != nil {
		kind := audit.KindOf(err)
		slog.Warn("Audit submission failed",
			"session_id", payload.SessionID, "kind", kind, "error", err)
		return errorResult(kind, err.Error(), ""), nil
	}

	out := auditResponsePayload{
		ThoughtNumber:     payload.ThoughtNumber,
		TotalThoughts:     payload.TotalThoughts,
		NextThoughtNeeded: resp.NextThoughtNeeded,
		SessionID:         payload.SessionID,
		Review:            resp.Review,
		CompletionStatus: completionStatusPayload{
			IsComplete:  resp.CompletionStatus.IsComplete,
			Reason:      string(resp.CompletionStatus.Reason),
			CurrentLoop: resp.CompletionStatus.CurrentLoop,
			Score:       resp.CompletionStatus.Score,
			Threshold:   resp.CompletionStatus.Threshold,
		},
	}
	return jsonResult(out), nil
}

// overallTimeout is the caller-facing deadline: worst-case judge attempts
// plus queue allowance.
func (s *Server) overallTimeout() time.Duration {
	q := s.cfg.Queue
	return q.AuditTimeout*time.Duration(1+q.AuditRetryAttempts) + queueAllowance
}

func jsonResult(v any) *mcpsdk.CallToolResult {
	data, err := json.Marshal(v)
	if err != nil {
		return errorResult(audit.KindInternal, "failed to encode response", err.Error())
	}
	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: string(data)}},
	}
}

func errorResult(kind, message, details string) *mcpsdk.CallToolResult {
	data, _ := json.Marshal(errorEnvelope{
		IsError: true,
		Error:   errorBody{Kind: kind, Message: message, Details: details},
	})
	return &mcpsdk.CallToolResult{
		IsError: true,
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: string(data)}},
	}
}
