package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"growrules/internal/core"
)

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeErrorDetails(w, status, code, message, nil)
}

func writeErrorDetails(w http.ResponseWriter, status int, code, message string, details map[string]any) {
	body := map[string]any{
		"code":    code,
		"message": message,
	}
	for k, v := range details {
		body[k] = v
	}
	writeJSON(w, status, map[string]any{"error": body})
}

// writeServiceError maps the core error taxonomy onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, logger *slog.Logger, op string, err error) {
	var (
		validation *core.ValidationError
		ownership  *core.OwnershipError
	)
	switch {
	case errors.As(err, &validation):
		writeErrorDetails(w, http.StatusBadRequest, "validation_error", validation.Error(), map[string]any{"problems": validation.Problems})
	case errors.As(err, &ownership):
		details := map[string]any{"reason": ownership.Reason, "section_id": ownership.SectionID}
		if len(ownership.DeviceIDs) > 0 {
			details["device_ids"] = ownership.DeviceIDs
		}
		writeErrorDetails(w, http.StatusForbidden, string(ownership.Reason), ownership.Error(), details)
	case errors.Is(err, core.ErrAutomationNotFound):
		writeError(w, http.StatusNotFound, "not_found", "automation not found")
	case errors.Is(err, core.ErrExecutionNotFound):
		writeError(w, http.StatusNotFound, "not_found", "execution not found")
	case errors.Is(err, core.ErrConcurrencyConflict):
		writeError(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, core.ErrNotActive):
		writeError(w, http.StatusConflict, "not_active", err.Error())
	default:
		logger.Error(op, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to "+op)
	}
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func parseIntDefault(value string, def int) int {
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func queryPtr(r *http.Request, key string) *string {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return nil
	}
	return &v
}
