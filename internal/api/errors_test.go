package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/vnresolve/vnr-reaper/internal/core"
)

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	WriteJSON(w, http.StatusCreated, map[string]any{"id": "vm-1"})

	if w.Code != http.StatusCreated {
		t.Errorf("status = %d, want %d", w.Code, http.StatusCreated)
	}
	if ct := w.Header().Get("Content-Type"); ct != MediaType {
		t.Errorf("Content-Type = %q, want %q", ct, MediaType)
	}
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp["id"] != "vm-1" {
		t.Errorf("id = %v, want %q", resp["id"], "vm-1")
	}
}

func TestWriteError_StatusByKind(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"invalid request", core.NewInvalidRequestError("bad", nil), http.StatusBadRequest},
		{"not found", core.NewNotFoundError("vm", "x"), http.StatusNotFound},
		{"timeout", core.NewTimeoutError("scan", 5*time.Second), http.StatusGatewayTimeout},
		{"store", core.NewStoreError("scan", errors.New("down")), http.StatusInternalServerError},
		{"untagged", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteError(w, tt.err)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
			var resp errorEnvelope
			if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
				t.Fatalf("failed to parse response: %v", err)
			}
			if resp.Error == nil || resp.Error.Message == "" {
				t.Error("error envelope missing message")
			}
		})
	}
}
