package core

import (
	"encoding/json"
	"time"
)

// Version is the VNR reaper release version.
const Version = "0.4.1"

// Provenance markers carried on records injected into the pipeline.
// Downstream consumers use these to tell force-refreshed records apart
// from organically delivered ones.
const (
	OriginEvent  = "event"
	OriginReaper = "reaper"
)

// TimeFormat is the timestamp format used in record fields and responses.
const TimeFormat = "2006-01-02T15:04:05.000Z07:00"

// TrackedRecord is the per-resource bookkeeping document held in the
// record store, one document per tracked VM.
//
// LastVisit is written by the normal event-delivery path every time the
// pipeline processes an update for the resource; the reaper only reads it.
// Reaped is set by the reaper once it has force-reprocessed a resource
// that appeared terminated. LastRecs is an opaque blob of derived records
// maintained by downstream consumers; a non-empty blob means downstream
// work still depends on this resource.
type TrackedRecord struct {
	ID        string                     `json:"id"`
	LastVisit int64                      `json:"last_visit,omitempty"`
	Reaped    bool                       `json:"reaped,omitempty"`
	LastRecs  map[string]json.RawMessage `json:"last_recs,omitempty"`
}

// HasDerived reports whether downstream consumers still hold derived
// records for this resource.
func (r *TrackedRecord) HasDerived() bool {
	return len(r.LastRecs) > 0
}

// ResourceRecord is the normalized authoritative state of a VM as pushed
// into the resolution pipeline.
type ResourceRecord struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	State     string   `json:"state"`
	Addresses []string `json:"addresses,omitempty"`
	Tenant    string   `json:"tenant,omitempty"`
	Origin    string   `json:"origin"`
	FetchedAt string   `json:"fetched_at,omitempty"`
}

// Resource states reported by the inventory service.
const (
	StateRunning    = "running"
	StateStopped    = "stopped"
	StateDestroyed  = "destroyed"
	StateFailed     = "failed"
	StateIncomplete = "incomplete"
)

// IsTerminalState reports whether a fetched resource state means the VM
// is gone for good and its record is a disposal candidate.
func IsTerminalState(state string) bool {
	switch state {
	case StateDestroyed, StateFailed, StateIncomplete:
		return true
	}
	return false
}

// FormatTime formats a time in the VNR timestamp format.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// NowFormatted returns the current time in the VNR timestamp format.
func NowFormatted() string {
	return FormatTime(time.Now())
}
