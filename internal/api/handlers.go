package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/vnresolve/vnr-reaper/internal/core"
	"github.com/vnresolve/vnr-reaper/internal/reaper"
)

// Controller is the reaper surface the ops API drives.
type Controller interface {
	Status() reaper.Status
	ReapTime() time.Duration
	SetReapTime(d time.Duration) error
}

// Trigger requests work from the running reaper service.
type Trigger interface {
	TriggerNow()
	Wake()
}

// HealthChecker probes the record-store backend.
type HealthChecker interface {
	Health(ctx context.Context) (*core.HealthResponse, error)
}

// Handler serves the reaper's ops API.
type Handler struct {
	ctrl   Controller
	trig   Trigger
	health HealthChecker
}

// NewHandler creates the ops API handler.
func NewHandler(ctrl Controller, trig Trigger, health HealthChecker) *Handler {
	return &Handler{ctrl: ctrl, trig: trig, health: health}
}

// Healthz reports service and backend health. Degraded backends answer
// 503 so load balancers stop routing to this instance.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	resp, err := h.health.Health(r.Context())
	if err != nil {
		WriteJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	WriteJSON(w, http.StatusOK, resp)
}

// Status reports cycle and throttle state.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, h.ctrl.Status())
}

// TriggerCycle requests an immediate reap cycle. Coalesces with a pending
// trigger, so repeated calls are harmless.
func (h *Handler) TriggerCycle(w http.ResponseWriter, r *http.Request) {
	h.trig.TriggerNow()
	WriteJSON(w, http.StatusAccepted, map[string]any{"triggered": true})
}

// WakeSleeper delivers a capacity-available signal, as if the pipeline
// had drained. Discarded unless the reaper is in a sleep state.
func (h *Handler) WakeSleeper(w http.ResponseWriter, r *http.Request) {
	h.trig.Wake()
	WriteJSON(w, http.StatusAccepted, map[string]any{"woken": true})
}

type reapTimeBody struct {
	ReapTimeSeconds int64 `json:"reap_time_seconds"`
}

// GetReapTime reports the staleness threshold.
func (h *Handler) GetReapTime(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, reapTimeBody{
		ReapTimeSeconds: int64(h.ctrl.ReapTime() / time.Second),
	})
}

// PutReapTime updates the staleness threshold. Values outside the
// accepted range are rejected with 400.
func (h *Handler) PutReapTime(w http.ResponseWriter, r *http.Request) {
	var body reapTimeBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteError(w, core.NewInvalidRequestError("invalid JSON body", nil))
		return
	}
	if err := h.ctrl.SetReapTime(time.Duration(body.ReapTimeSeconds) * time.Second); err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, reapTimeBody{
		ReapTimeSeconds: int64(h.ctrl.ReapTime() / time.Second),
	})
}
