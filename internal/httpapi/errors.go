package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"enhanced/internal/apperr"
	"enhanced/pkg/types"
)

// HTTPError allows services to provide an HTTP status code for an error.
type HTTPError interface {
	error
	StatusCode() int
}

// statusFor maps a service error to an HTTP status.
func statusFor(err error) int {
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindInUse, apperr.KindCanceled:
		return http.StatusConflict
	case apperr.KindOutOfMemory:
		return http.StatusInsufficientStorage
	case apperr.KindIncompatibleDevice:
		return http.StatusUnprocessableEntity
	case apperr.KindDownload, apperr.KindLoad:
		return http.StatusBadGateway
	}
	var he HTTPError
	if errors.As(err, &he) {
		return he.StatusCode()
	}
	return http.StatusInternalServerError
}

// writeError writes err with the status its kind maps to.
func writeError(w http.ResponseWriter, err error) {
	kind := ""
	if k := apperr.KindOf(err); k != apperr.KindInternal {
		kind = string(k)
	}
	writeJSONErrorKind(w, statusFor(err), err.Error(), kind)
}

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSONErrorKind(w, status, msg, "")
}

func writeJSONErrorKind(w http.ResponseWriter, status int, msg, kind string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: msg, Code: status, Kind: kind})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logf(LevelError, "encode response: %v", err)
	}
}

func badRequest(format string, args ...any) error {
	return apperr.Validation("http", format, args...)
}
