package api

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"growrules/internal/core"
	"growrules/internal/wire"
)

type proposalRequest struct {
	wire.AutomationInput
	Reason          string  `json:"reason"`
	Confidence      float64 `json:"confidence"`
	ContextSnapshot string  `json:"context_snapshot,omitempty"`
}

type statusRequest struct {
	Status string `json:"status"`
}

type executeRequest struct {
	SkipConditions bool `json:"skip_conditions"`
}

func (s *Server) handleCreateAutomation(w http.ResponseWriter, r *http.Request) {
	var req wire.AutomationInput
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	a, err := req.ToAutomation()
	if err != nil {
		writeServiceError(w, s.logger, "create automation", err)
		return
	}
	created, err := s.svc.Create(r.Context(), userFrom(r.Context()), a)
	if err != nil {
		writeServiceError(w, s.logger, "create automation", err)
		return
	}
	writeJSON(w, http.StatusCreated, wire.FromAutomation(created))
}

func (s *Server) handleProposeAutomation(w http.ResponseWriter, r *http.Request) {
	var req proposalRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	a, err := req.ToAutomation()
	if err != nil {
		writeServiceError(w, s.logger, "propose automation", err)
		return
	}
	prov := core.Provenance{
		Reason:          strings.TrimSpace(req.Reason),
		Confidence:      req.Confidence,
		ContextSnapshot: req.ContextSnapshot,
	}
	created, err := s.svc.Propose(r.Context(), userFrom(r.Context()), a, prov)
	if err != nil {
		writeServiceError(w, s.logger, "propose automation", err)
		return
	}
	writeJSON(w, http.StatusCreated, wire.FromAutomation(created))
}

// handleListAutomations lists automations. With ?name= it returns the
// detail of the automation with that exact name instead.
func (s *Server) handleListAutomations(w http.ResponseWriter, r *http.Request) {
	userID := userFrom(r.Context())
	if name := queryPtr(r, "name"); name != nil {
		d, err := s.svc.GetByName(r.Context(), userID, *name)
		if err != nil {
			writeServiceError(w, s.logger, "get automation", err)
			return
		}
		writeJSON(w, http.StatusOK, wire.FromDetail(d))
		return
	}

	filter := core.AutomationFilter{SectionID: queryPtr(r, "section_id")}
	if raw := queryPtr(r, "status"); raw != nil {
		st := core.AutomationStatus(strings.ToUpper(*raw))
		if !st.Valid() {
			writeError(w, http.StatusBadRequest, "invalid_input", "status must be ACTIVE, PAUSED, DISABLED or PENDING_APPROVAL")
			return
		}
		filter.Status = &st
	}
	list, err := s.svc.List(r.Context(), userID, filter)
	if err != nil {
		writeServiceError(w, s.logger, "list automations", err)
		return
	}
	res := make([]wire.Automation, 0, len(list))
	for _, a := range list {
		res = append(res, wire.FromAutomation(a))
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetAutomation(w http.ResponseWriter, r *http.Request) {
	d, err := s.svc.Get(r.Context(), userFrom(r.Context()), chi.URLParam(r, "automationID"))
	if err != nil {
		writeServiceError(w, s.logger, "get automation", err)
		return
	}
	writeJSON(w, http.StatusOK, wire.FromDetail(d))
}

func (s *Server) handleUpdateAutomation(w http.ResponseWriter, r *http.Request) {
	var req wire.AutomationInput
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	a, err := req.ToAutomation()
	if err != nil {
		writeServiceError(w, s.logger, "update automation", err)
		return
	}
	a.ID = chi.URLParam(r, "automationID")
	updated, err := s.svc.Update(r.Context(), userFrom(r.Context()), a)
	if err != nil {
		writeServiceError(w, s.logger, "update automation", err)
		return
	}
	writeJSON(w, http.StatusOK, wire.FromAutomation(updated))
}

func (s *Server) handleDeleteAutomation(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Delete(r.Context(), userFrom(r.Context()), chi.URLParam(r, "automationID")); err != nil {
		writeServiceError(w, s.logger, "delete automation", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	status := core.AutomationStatus(strings.ToUpper(strings.TrimSpace(req.Status)))
	a, err := s.svc.SetStatus(r.Context(), userFrom(r.Context()), chi.URLParam(r, "automationID"), status)
	if err != nil {
		writeServiceError(w, s.logger, "set status", err)
		return
	}
	writeJSON(w, http.StatusOK, wire.FromAutomation(a))
}

func (s *Server) handleExecuteNow(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	run, err := s.svc.ExecuteNow(r.Context(), userFrom(r.Context()), chi.URLParam(r, "automationID"), req.SkipConditions)
	if err != nil {
		writeServiceError(w, s.logger, "execute automation", err)
		return
	}
	status := http.StatusOK
	if run.Fired {
		status = http.StatusAccepted
	}
	writeJSON(w, status, wire.FromManualRun(run))
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	ev, err := s.svc.Evaluate(r.Context(), userFrom(r.Context()), chi.URLParam(r, "automationID"))
	if err != nil {
		writeServiceError(w, s.logger, "evaluate automation", err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}
