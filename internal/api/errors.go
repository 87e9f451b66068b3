package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/mosabry99/ClinicWave/internal/appointment"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}

func invalidField(w http.ResponseWriter, field, details string) {
	writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "validation_error", Field: field, Details: details})
}

// writeDomainError maps engine and synchronizer errors onto HTTP responses.
// Anything unrecognised is logged and reported as a bare 500.
func writeDomainError(w http.ResponseWriter, logger zerolog.Logger, err error) {
	var (
		validation *appointment.ValidationError
		conflict   *appointment.SchedulingConflictError
		illegal    *appointment.IllegalTransitionError
	)
	switch {
	case errors.As(err, &validation):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:   "validation_error",
			Field:   validation.Field,
			Details: validation.Message,
		})
	case errors.As(err, &conflict):
		writeJSON(w, http.StatusConflict, ErrorResponse{
			Error:          "scheduling_conflict",
			Details:        err.Error(),
			ConflictingIDs: conflict.ConflictingIDs,
		})
	case errors.As(err, &illegal):
		writeJSON(w, http.StatusConflict, ErrorResponse{
			Error:   "illegal_transition",
			Details: err.Error(),
			From:    string(illegal.From),
			To:      string(illegal.To),
		})
	case errors.Is(err, appointment.ErrNotFound):
		writeError(w, http.StatusNotFound, "appointment_not_found", err.Error())
	case errors.Is(err, appointment.ErrConflictingUpdate):
		writeError(w, http.StatusConflict, "conflicting_update", err.Error())
	case appointment.IsRetryable(err):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "unavailable", "scheduling is temporarily unavailable, retry shortly")
	default:
		logger.Error().Err(err).Msg("unhandled request error")
		writeError(w, http.StatusInternalServerError, "internal_error", "")
	}
}
