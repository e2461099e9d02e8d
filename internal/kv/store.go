package kv

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"
)

// Store provides typed access to a NATS KV bucket.
type Store struct {
	kv jetstream.KeyValue
}

// NewStore wraps a NATS KV bucket.
func NewStore(kv jetstream.KeyValue) *Store {
	return &Store{kv: kv}
}

// Get retrieves a value by key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, uint64, error) {
	entry, err := s.kv.Get(ctx, key)
	if err != nil {
		return nil, 0, err
	}
	return entry.Value(), entry.Revision(), nil
}

// Put stores a value at key.
func (s *Store) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	return s.kv.Put(ctx, key, value)
}

// Create stores a value at key only if it doesn't already exist.
// Returns jetstream.ErrKeyExists if the key already exists.
func (s *Store) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	return s.kv.Create(ctx, key, value)
}

// Update stores a value at key only if the revision matches.
func (s *Store) Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error) {
	return s.kv.Update(ctx, key, value, revision)
}

// Delete removes a key.
func (s *Store) Delete(ctx context.Context, key string) error {
	return s.kv.Delete(ctx, key)
}

// GetJSON retrieves and unmarshals a JSON value.
func (s *Store) GetJSON(ctx context.Context, key string, v any) (uint64, error) {
	data, rev, err := s.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return 0, fmt.Errorf("unmarshal key %s: %w", key, err)
	}
	return rev, nil
}

// PutJSON marshals and stores a JSON value.
func (s *Store) PutJSON(ctx context.Context, key string, v any) (uint64, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("marshal key %s: %w", key, err)
	}
	return s.Put(ctx, key, data)
}

// UpdateJSON performs a CAS (compare-and-swap) update on a JSON value.
// The mutate function receives the current value and should modify it in place.
// Retries up to 3 times on revision conflicts.
func (s *Store) UpdateJSON(ctx context.Context, key string, target any, mutate func()) error {
	for i := 0; i < 3; i++ {
		rev, err := s.GetJSON(ctx, key, target)
		if err != nil {
			// Key doesn't exist yet — initialize via mutate and create
			mutate()
			data, mErr := json.Marshal(target)
			if mErr != nil {
				return fmt.Errorf("marshal key %s: %w", key, mErr)
			}
			_, cErr := s.Create(ctx, key, data)
			if cErr == nil {
				return nil
			}
			// Key was created concurrently — retry
			continue
		}

		mutate()
		data, mErr := json.Marshal(target)
		if mErr != nil {
			return fmt.Errorf("marshal key %s: %w", key, mErr)
		}
		_, uErr := s.Update(ctx, key, data, rev)
		if uErr == nil {
			return nil
		}
		// Revision conflict — retry
	}
	// Fall back to unconditional put after retries exhausted
	_, err := s.PutJSON(ctx, key, target)
	return err
}

// Exists checks if a key exists.
func (s *Store) Exists(ctx context.Context, key string) bool {
	_, err := s.kv.Get(ctx, key)
	return err == nil
}

// ScanKeys starts a filtered key listing and returns it as a pageable
// cursor. The listing streams from the server; the open lister is the
// cursor, so pages can be pulled without holding any global lock while
// writers keep updating the bucket.
func (s *Store) ScanKeys(filter string) (*KeyCursor, error) {
	ctx, cancel := context.WithCancel(context.Background())
	lister, err := s.kv.ListKeysFiltered(ctx, filter)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("list keys %s: %w", filter, err)
	}
	return &KeyCursor{lister: lister, cancel: cancel}, nil
}

// KeyCursor pages through a key listing.
type KeyCursor struct {
	lister jetstream.KeyLister
	cancel context.CancelFunc
	done   bool
}

// Next returns up to pageSize keys. more is false once the listing is
// exhausted. The passed context bounds how long one page may take.
func (c *KeyCursor) Next(ctx context.Context, pageSize int) (keys []string, more bool, err error) {
	if c.done {
		return nil, false, nil
	}
	for len(keys) < pageSize {
		select {
		case key, ok := <-c.lister.Keys():
			if !ok {
				c.done = true
				return keys, false, nil
			}
			keys = append(keys, key)
		case <-ctx.Done():
			return keys, true, ctx.Err()
		}
	}
	return keys, true, nil
}

// Close releases the listing.
func (c *KeyCursor) Close() {
	_ = c.lister.Stop()
	c.cancel()
}
