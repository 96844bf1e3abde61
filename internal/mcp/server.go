// Package mcp exposes the engine to language-model agents as MCP tools:
// read-only queries, a dry-run evaluation and the proposal workflow.
// Agents cannot activate, edit or execute automations.
package mcp

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"growrules/internal/core"
)

// UserHeader selects the acting user on the HTTP transport.
const UserHeader = "X-User-ID"

type userKey struct{}

// WithUser returns a context acting for userID.
func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userKey{}, userID)
}

// MCPServer represents the MCP server that handles protocol communication.
type MCPServer struct {
	svc         *core.Service
	logger      *slog.Logger
	location    *time.Location
	defaultUser string
	server      *server.MCPServer
}

// NewMCPServer creates a new MCP server instance. defaultUser acts for
// stdio sessions and for HTTP requests without a user header.
func NewMCPServer(svc *core.Service, defaultUser string, logger *slog.Logger, location *time.Location) *MCPServer {
	if location == nil {
		location = time.Local
	}
	s := &MCPServer{
		svc:         svc,
		logger:      logger,
		location:    location,
		defaultUser: defaultUser,
	}
	s.server = server.NewMCPServer(
		"growrules",
		"1.0.0",
		server.WithToolCapabilities(true),
	)
	s.registerTools(s.server)
	return s
}

// Run serves MCP over stdio until the client disconnects.
func (s *MCPServer) Run() error {
	s.logger.Info("MCP server starting on stdio", "user_id", s.defaultUser)
	return server.ServeStdio(s.server)
}

// HTTPHandler serves MCP over streamable HTTP.
func (s *MCPServer) HTTPHandler() http.Handler {
	return server.NewStreamableHTTPServer(s.server,
		server.WithHTTPContextFunc(func(ctx context.Context, r *http.Request) context.Context {
			if id := strings.TrimSpace(r.Header.Get(UserHeader)); id != "" {
				return WithUser(ctx, id)
			}
			return ctx
		}),
	)
}

func (s *MCPServer) userFrom(ctx context.Context) string {
	if id, ok := ctx.Value(userKey{}).(string); ok && id != "" {
		return id
	}
	return s.defaultUser
}

// registerTools registers all available MCP tools.
func (s *MCPServer) registerTools(mcpServer *server.MCPServer) {
	mcpServer.AddTool(mcp.NewTool("get_automation",
		mcp.WithDescription("Get one automation with its conditions, actions, recent executions and next due time. Look it up by id or by exact name."),
		mcp.WithString("automation_id",
			mcp.Description("Automation id"),
		),
		mcp.WithString("name",
			mcp.Description("Exact automation name, used when automation_id is empty"),
		),
	), s.handleGetAutomation)

	mcpServer.AddTool(mcp.NewTool("list_automations",
		mcp.WithDescription("List automations, optionally filtered by section and status"),
		mcp.WithString("section_id",
			mcp.Description("Only automations of this section"),
		),
		mcp.WithString("status",
			mcp.Description("Only automations with this status"),
			mcp.Enum("ACTIVE", "PAUSED", "DISABLED", "PENDING_APPROVAL"),
		),
	), s.handleListAutomations)

	mcpServer.AddTool(mcp.NewTool("get_execution_history",
		mcp.WithDescription("Execution history of one automation with totals by status"),
		mcp.WithString("automation_id",
			mcp.Required(),
			mcp.Description("Automation id"),
		),
		mcp.WithString("status",
			mcp.Description("Only executions with this status"),
			mcp.Enum("PENDING", "RUNNING", "COMPLETED", "FAILED", "CANCELLED"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Number of executions to return, default 20"),
			mcp.Min(1),
			mcp.Max(100),
		),
	), s.handleExecutionHistory)

	mcpServer.AddTool(mcp.NewTool("get_effectiveness_stats",
		mcp.WithDescription("Executions and effectiveness rate over a trailing period. The rate is the share of post-execution checks where the triggering condition no longer held."),
		mcp.WithString("automation_id",
			mcp.Description("Limit to one automation; all automations when empty"),
		),
		mcp.WithNumber("period_days",
			mcp.Description("Trailing period in days, default 30"),
			mcp.Min(1),
			mcp.Max(365),
		),
	), s.handleEffectivenessStats)

	mcpServer.AddTool(mcp.NewTool("evaluate_automation",
		mcp.WithDescription("Dry run: evaluate the schedule and every condition of an automation now. Nothing is executed or recorded."),
		mcp.WithString("automation_id",
			mcp.Required(),
			mcp.Description("Automation id"),
		),
	), s.handleEvaluate)

	mcpServer.AddTool(mcp.NewTool("propose_automation",
		mcp.WithDescription("Propose a new automation. It is stored as PENDING_APPROVAL and does nothing until a person approves it. Every device must belong to the section."),
		mcp.WithString("section_id", mcp.Required(), mcp.Description("Section the automation belongs to")),
		mcp.WithString("name", mcp.Required(), mcp.Description("Automation name")),
		mcp.WithString("description", mcp.Description("What the automation does")),
		mcp.WithString("trigger_type", mcp.Required(),
			mcp.Description("SCHEDULED fires on the schedule, CONDITION on sensor conditions, HYBRID needs both"),
			mcp.Enum("SCHEDULED", "CONDITION", "HYBRID"),
		),
		mcp.WithObject("schedule",
			mcp.Description("Required for SCHEDULED and HYBRID"),
			mcp.Properties(scheduleSchema),
		),
		mcp.WithNumber("interval_minutes", mcp.Description("Condition polling period in minutes, default 5")),
		mcp.WithNumber("priority", mcp.Description("Priority shown to operators, higher is more important")),
		mcp.WithBoolean("notifications", mcp.Description("Notify the owner when an execution ends")),
		mcp.WithArray("conditions",
			mcp.Description("Ordered conditions; logic_operator joins a condition with the next one"),
			mcp.Items(conditionSchema),
		),
		mcp.WithArray("actions", mcp.Required(),
			mcp.Description("Ordered device commands"),
			mcp.Items(actionSchema),
		),
		mcp.WithString("reason", mcp.Required(), mcp.Description("Why this automation is proposed")),
		mcp.WithNumber("confidence", mcp.Required(), mcp.Description("Confidence between 0 and 1"), mcp.Min(0), mcp.Max(1)),
		mcp.WithString("context_snapshot", mcp.Description("Readings or observations the proposal is based on")),
	), s.handlePropose)

	s.logger.Info("MCP tools registered", "count", 6)
}

var scheduleSchema = map[string]any{
	"type":                    map[string]any{"type": "string", "enum": []string{"TIME_RANGE", "INTERVAL", "SPECIFIC_TIMES"}},
	"start_time":              map[string]any{"type": "string", "description": "HH:MM, TIME_RANGE only"},
	"end_time":                map[string]any{"type": "string", "description": "HH:MM, TIME_RANGE only; before start_time wraps midnight"},
	"interval_minutes":        map[string]any{"type": "integer", "description": "INTERVAL only"},
	"specific_times":          map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": "HH:MM list, SPECIFIC_TIMES only"},
	"days_of_week":            map[string]any{"type": "array", "items": map[string]any{"type": "integer"}, "description": "0 = Sunday; empty means every day"},
	"action_duration_minutes": map[string]any{"type": "integer", "description": "Turn TURN_ON actions off again after this many minutes"},
}

var conditionSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"device_id":      map[string]any{"type": "string"},
		"property":       map[string]any{"type": "string", "description": "temperature, humidity, co2, state or time"},
		"operator":       map[string]any{"type": "string", "enum": []string{"GREATER_THAN", "LESS_THAN", "EQUALS", "NOT_EQUALS", "BETWEEN", "OUTSIDE"}},
		"value":          map[string]any{"type": "number"},
		"value_max":      map[string]any{"type": "number", "description": "BETWEEN and OUTSIDE only"},
		"time_value":     map[string]any{"type": "string", "description": "HH:MM for time conditions"},
		"time_value_max": map[string]any{"type": "string"},
		"logic_operator": map[string]any{"type": "string", "enum": []string{"AND", "OR"}},
		"order":          map[string]any{"type": "integer"},
	},
	"required": []string{"property", "operator", "order"},
}

var actionSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"device_id":        map[string]any{"type": "string"},
		"action_type":      map[string]any{"type": "string", "enum": []string{"TURN_ON", "TURN_OFF", "TOGGLE", "CAPTURE_PHOTO", "TRIGGER_IRRIGATION"}},
		"duration_minutes": map[string]any{"type": "integer"},
		"delay_minutes":    map[string]any{"type": "integer"},
		"order":            map[string]any{"type": "integer"},
	},
	"required": []string{"device_id", "action_type", "order"},
}
