package kv

import (
	"context"
	"errors"
	"strings"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/vnresolve/vnr-reaper/internal/core"
)

// RecordKeyPrefix namespaces tracked-resource documents inside the bucket:
// one key per resource, "vm.<id>".
const RecordKeyPrefix = "vm."

// recordKeyFilter matches every tracked-resource key.
const recordKeyFilter = RecordKeyPrefix + ">"

// RecordKey returns the bucket key for a resource id.
func RecordKey(id string) string {
	return RecordKeyPrefix + id
}

// RecordID extracts the resource id from a bucket key.
func RecordID(key string) string {
	return strings.TrimPrefix(key, RecordKeyPrefix)
}

// Records provides field-level operations on tracked-resource documents
// in a NATS KV bucket. It is the NATS implementation of the reaper's
// record-store port.
type Records struct {
	store *Store
}

// NewRecords wraps a NATS KV bucket.
func NewRecords(kv jetstream.KeyValue) *Records {
	return &Records{store: NewStore(kv)}
}

// Scan starts a paged scan over all tracked-resource keys.
func (r *Records) Scan(ctx context.Context) (core.ScanCursor, error) {
	cursor, err := r.store.ScanKeys(recordKeyFilter)
	if err != nil {
		return nil, err
	}
	return &RecordCursor{inner: cursor}, nil
}

// get loads the document for a resource. found is false when the key
// does not exist.
func (r *Records) get(ctx context.Context, id string) (*core.TrackedRecord, bool, error) {
	var doc core.TrackedRecord
	_, err := r.store.GetJSON(ctx, RecordKey(id), &doc)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return &doc, true, nil
}

// LastVisit reads the last_visit field. found is false when the record
// or the field is absent.
func (r *Records) LastVisit(ctx context.Context, id string) (int64, bool, error) {
	doc, found, err := r.get(ctx, id)
	if err != nil || !found {
		return 0, false, err
	}
	if doc.LastVisit == 0 {
		return 0, false, nil
	}
	return doc.LastVisit, true, nil
}

// Reaped reads the reaped marker.
func (r *Records) Reaped(ctx context.Context, id string) (bool, error) {
	doc, found, err := r.get(ctx, id)
	if err != nil || !found {
		return false, err
	}
	return doc.Reaped, nil
}

// HasDerived reports whether downstream derived records are still present.
func (r *Records) HasDerived(ctx context.Context, id string) (bool, error) {
	doc, found, err := r.get(ctx, id)
	if err != nil || !found {
		return false, err
	}
	return doc.HasDerived(), nil
}

// MarkReaped sets the reaped marker via CAS so a concurrent last_visit
// write from the event path is not lost.
func (r *Records) MarkReaped(ctx context.Context, id string) error {
	var doc core.TrackedRecord
	return r.store.UpdateJSON(ctx, RecordKey(id), &doc, func() {
		doc.ID = id
		doc.Reaped = true
	})
}

// Drop deletes the resource's record entirely.
func (r *Records) Drop(ctx context.Context, id string) error {
	return r.store.Delete(ctx, RecordKey(id))
}

// RecordCursor pages through resource ids, stripping the key prefix.
type RecordCursor struct {
	inner *KeyCursor
}

// Next returns up to pageSize resource ids.
func (c *RecordCursor) Next(ctx context.Context, pageSize int) ([]string, bool, error) {
	keys, more, err := c.inner.Next(ctx, pageSize)
	if err != nil {
		return nil, more, err
	}
	ids := make([]string, 0, len(keys))
	for _, key := range keys {
		ids = append(ids, RecordID(key))
	}
	return ids, more, nil
}

// Close releases the scan.
func (c *RecordCursor) Close() {
	c.inner.Close()
}
