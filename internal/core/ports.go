package core

import "context"

// ScanCursor pages through resource ids discovered by a record-store
// scan. Implementations must be resumable without holding a global lock
// so writers are never blocked by an in-progress scan.
type ScanCursor interface {
	// Next returns up to pageSize ids. more is false once the key space
	// is exhausted. The context bounds how long one page may take.
	Next(ctx context.Context, pageSize int) (ids []string, more bool, err error)
	Close()
}

// RecordStore is the reaper's view of the external record store: one
// TrackedRecord document per resource, enumerable by prefix. Concurrent
// writers (the normal event path) may update documents at any time;
// implementations never assume exclusive access.
type RecordStore interface {
	Scan(ctx context.Context) (ScanCursor, error)
	// LastVisit reads the last_visit field; found is false when the
	// record or the field is absent.
	LastVisit(ctx context.Context, id string) (visit int64, found bool, err error)
	Reaped(ctx context.Context, id string) (bool, error)
	HasDerived(ctx context.Context, id string) (bool, error)
	MarkReaped(ctx context.Context, id string) error
	Drop(ctx context.Context, id string) error
}

// Fetcher retrieves authoritative state for a single resource.
type Fetcher interface {
	Fetch(ctx context.Context, id string) (*ResourceRecord, error)
}

// RecordSink is the bounded downstream pipeline. Push reports false when
// the sink is at capacity; the producer must then back off until its own
// timer fires or an explicit capacity-available signal arrives.
type RecordSink interface {
	Push(rec *ResourceRecord) (bool, error)
}
