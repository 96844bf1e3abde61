package api

import (
	"net/http"
	"time"

	"growrules/internal/core"
	"growrules/internal/wire"
)

type schedulePreviewRequest struct {
	Schedule wire.Schedule `json:"schedule"`
	Now      string        `json:"now,omitempty"`
	Count    int           `json:"count,omitempty"`
}

type schedulePreviewResponse struct {
	Valid     bool     `json:"valid"`
	ActiveNow bool     `json:"active_now,omitempty"`
	NextTimes []string `json:"next_times,omitempty"`
	Message   string   `json:"message,omitempty"`
}

// handleSchedulePreview validates a schedule and lists when it next opens.
func (s *Server) handleSchedulePreview(w http.ResponseWriter, r *http.Request) {
	var req schedulePreviewRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, schedulePreviewResponse{Valid: false, Message: "invalid JSON payload"})
		return
	}

	// A placeholder SCHEDULED automation runs the schedule through the
	// same conversion and validation as a real definition.
	in := wire.AutomationInput{
		SectionID:   "preview",
		Name:        "preview",
		Status:      string(core.StatusActive),
		TriggerType: string(core.TriggerScheduled),
		Schedule:    &req.Schedule,
		Actions:     []wire.Action{{DeviceID: "preview", ActionType: string(core.ActionTurnOn)}},
	}
	a, err := in.ToAutomation()
	if err == nil {
		core.Normalize(a)
		err = core.Validate(a)
	}
	if err != nil {
		writeJSON(w, http.StatusOK, schedulePreviewResponse{Valid: false, Message: err.Error()})
		return
	}

	count := req.Count
	if count <= 0 || count > 10 {
		count = 5
	}

	base := time.Now().In(s.location)
	if req.Now != "" {
		if parsed, err := time.Parse(time.RFC3339, req.Now); err == nil {
			base = parsed.In(s.location)
		}
	}

	a.CreatedAt = base
	times := core.Upcoming(a.Schedule, base, count)
	formatted := make([]string, 0, len(times))
	for _, t := range times {
		formatted = append(formatted, t.UTC().Format(time.RFC3339))
	}
	writeJSON(w, http.StatusOK, schedulePreviewResponse{
		Valid:     true,
		ActiveNow: core.Gate{}.Check(a, base).InWindow,
		NextTimes: formatted,
	})
}
