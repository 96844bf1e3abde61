package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"growrules/internal/core"
	"growrules/internal/wire"
)

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	filter := core.ExecutionFilter{
		Limit:  parseIntDefault(r.URL.Query().Get("limit"), 20),
		Offset: parseIntDefault(r.URL.Query().Get("offset"), 0),
	}
	if raw := queryPtr(r, "status"); raw != nil {
		st := core.ExecutionStatus(strings.ToUpper(*raw))
		switch st {
		case core.ExecutionPending, core.ExecutionRunning, core.ExecutionCompleted, core.ExecutionFailed, core.ExecutionCancelled:
			filter.Status = &st
		default:
			writeError(w, http.StatusBadRequest, "invalid_input", "unknown execution status")
			return
		}
	}
	execs, summary, err := s.svc.Executions(r.Context(), userFrom(r.Context()), chi.URLParam(r, "automationID"), filter)
	if err != nil {
		writeServiceError(w, s.logger, "list executions", err)
		return
	}
	writeJSON(w, http.StatusOK, wire.ExecutionHistory{Executions: wire.FromExecutions(execs), Summary: summary})
}

// handleEffectivenessStats aggregates over ?period (days or a duration,
// default 30 days), optionally for one ?automation_id.
func (s *Server) handleEffectivenessStats(w http.ResponseWriter, r *http.Request) {
	period, err := wire.ParsePeriod(r.URL.Query().Get("period"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	stats, err := s.svc.EffectivenessStats(r.Context(), userFrom(r.Context()), queryPtr(r, "automation_id"), period)
	if err != nil {
		writeServiceError(w, s.logger, "compute effectiveness stats", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleFailingDevices(w http.ResponseWriter, r *http.Request) {
	failing, err := s.svc.FailingDevices(r.Context(), userFrom(r.Context()))
	if err != nil {
		writeServiceError(w, s.logger, "list failing devices", err)
		return
	}
	writeJSON(w, http.StatusOK, failing)
}
