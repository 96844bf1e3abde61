package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"growrules/internal/core"
	"growrules/internal/wire"
)

type proposalArgs struct {
	wire.AutomationInput
	Reason          string  `json:"reason"`
	Confidence      float64 `json:"confidence"`
	ContextSnapshot string  `json:"context_snapshot"`
}

func (s *MCPServer) handleGetAutomation(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID := s.userFrom(ctx)
	id := strings.TrimSpace(mcp.ParseString(request, "automation_id", ""))
	name := strings.TrimSpace(mcp.ParseString(request, "name", ""))

	var (
		d   *core.AutomationDetail
		err error
	)
	switch {
	case id != "":
		d, err = s.svc.Get(ctx, userID, id)
	case name != "":
		d, err = s.svc.GetByName(ctx, userID, name)
	default:
		return mcp.NewToolResultError("automation_id or name is required"), nil
	}
	if err != nil {
		return s.toolError("get automation", err), nil
	}
	return jsonResult(wire.FromDetail(d))
}

func (s *MCPServer) handleListAutomations(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var filter core.AutomationFilter
	if section := strings.TrimSpace(mcp.ParseString(request, "section_id", "")); section != "" {
		filter.SectionID = &section
	}
	if raw := mcp.ParseString(request, "status", ""); raw != "" {
		st := core.AutomationStatus(strings.ToUpper(raw))
		if !st.Valid() {
			return mcp.NewToolResultError(fmt.Sprintf("unknown status: %s", raw)), nil
		}
		filter.Status = &st
	}

	list, err := s.svc.List(ctx, s.userFrom(ctx), filter)
	if err != nil {
		return s.toolError("list automations", err), nil
	}
	res := make([]wire.Automation, 0, len(list))
	for _, a := range list {
		res = append(res, wire.FromAutomation(a))
	}
	return jsonResult(res)
}

func (s *MCPServer) handleExecutionHistory(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := mcp.ParseString(request, "automation_id", "")
	filter := core.ExecutionFilter{Limit: int(mcp.ParseFloat64(request, "limit", 20))}
	if filter.Limit <= 0 {
		filter.Limit = 20
	}
	if raw := mcp.ParseString(request, "status", ""); raw != "" {
		st := core.ExecutionStatus(strings.ToUpper(raw))
		switch st {
		case core.ExecutionPending, core.ExecutionRunning, core.ExecutionCompleted, core.ExecutionFailed, core.ExecutionCancelled:
			filter.Status = &st
		default:
			return mcp.NewToolResultError(fmt.Sprintf("unknown execution status: %s", raw)), nil
		}
	}

	execs, summary, err := s.svc.Executions(ctx, s.userFrom(ctx), id, filter)
	if err != nil {
		return s.toolError("list executions", err), nil
	}
	return jsonResult(wire.ExecutionHistory{Executions: wire.FromExecutions(execs), Summary: summary})
}

func (s *MCPServer) handleEffectivenessStats(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	days := mcp.ParseFloat64(request, "period_days", 30)
	if days <= 0 {
		return mcp.NewToolResultError("period_days must be positive"), nil
	}
	var id *string
	if raw := strings.TrimSpace(mcp.ParseString(request, "automation_id", "")); raw != "" {
		id = &raw
	}

	stats, err := s.svc.EffectivenessStats(ctx, s.userFrom(ctx), id, time.Duration(days*24)*time.Hour)
	if err != nil {
		return s.toolError("compute effectiveness stats", err), nil
	}
	return jsonResult(stats)
}

func (s *MCPServer) handleEvaluate(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ev, err := s.svc.Evaluate(ctx, s.userFrom(ctx), mcp.ParseString(request, "automation_id", ""))
	if err != nil {
		return s.toolError("evaluate automation", err), nil
	}
	return jsonResult(ev)
}

func (s *MCPServer) handlePropose(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := json.Marshal(request.GetArguments())
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	var args proposalArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}

	a, err := args.ToAutomation()
	if err != nil {
		return s.toolError("propose automation", err), nil
	}
	prov := core.Provenance{
		Reason:          strings.TrimSpace(args.Reason),
		Confidence:      args.Confidence,
		ContextSnapshot: args.ContextSnapshot,
	}
	created, err := s.svc.Propose(ctx, s.userFrom(ctx), a, prov)
	if err != nil {
		return s.toolError("propose automation", err), nil
	}
	s.logger.Info("automation proposed", "automation_id", created.ID, "name", created.Name, "confidence", prov.Confidence)
	return jsonResult(wire.FromAutomation(created))
}

// toolError turns caller mistakes into readable tool errors and logs the rest.
func (s *MCPServer) toolError(op string, err error) *mcp.CallToolResult {
	var verr *core.ValidationError
	var oerr *core.OwnershipError
	switch {
	case errors.As(err, &verr):
		return mcp.NewToolResultError("invalid automation:\n- " + strings.Join(verr.Problems, "\n- "))
	case errors.As(err, &oerr):
		return mcp.NewToolResultError(oerr.Error())
	case errors.Is(err, core.ErrAutomationNotFound), errors.Is(err, core.ErrNotActive):
		return mcp.NewToolResultError(err.Error())
	}
	s.logger.Error(op, "err", err)
	return mcp.NewToolResultError(fmt.Sprintf("%s failed: %v", op, err))
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}
