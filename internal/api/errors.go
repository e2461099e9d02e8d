package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/vnresolve/vnr-reaper/internal/core"
)

// MediaType is the content type of every API response.
const MediaType = "application/json"

// WriteJSON writes v as the response body with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", MediaType)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// errorEnvelope is the wire shape of every error response.
type errorEnvelope struct {
	Error *core.VNRError `json:"error"`
}

// WriteError maps err to an HTTP status by its kind and writes the error
// envelope. Untagged errors become 500s with the generic store kind.
func WriteError(w http.ResponseWriter, err error) {
	ve, ok := asVNRError(err)
	if !ok {
		ve = &core.VNRError{Kind: core.ErrKindStore, Message: err.Error()}
	}
	WriteJSON(w, statusForKind(ve.Kind), errorEnvelope{Error: ve})
}

func asVNRError(err error) (*core.VNRError, bool) {
	ve, ok := err.(*core.VNRError)
	return ve, ok
}

func statusForKind(kind string) int {
	switch kind {
	case core.ErrKindInvalid:
		return http.StatusBadRequest
	case core.ErrKindNotFound:
		return http.StatusNotFound
	case core.ErrKindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
