package etcd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/vnresolve/vnr-reaper/internal/core"
)

// RecordKeyPrefix namespaces tracked-resource documents: one key per
// resource, "/vnr/vms/<id>".
const RecordKeyPrefix = "/vnr/vms/"

// Store is the etcd implementation of the reaper's record-store port.
// Documents are JSON-encoded core.TrackedRecord values under
// RecordKeyPrefix, which makes the key space enumerable with ranged,
// limited Gets — etcd's native paged prefix scan.
type Store struct {
	client *clientv3.Client
}

// New connects to etcd.
func New(endpoints []string) (*Store, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to etcd: %w", err)
	}
	return &Store{client: cli}, nil
}

// Close releases the client.
func (s *Store) Close() error {
	return s.client.Close()
}

func recordKey(id string) string {
	return RecordKeyPrefix + id
}

// Scan starts a paged scan over all tracked-resource keys. The cursor is
// the next start key, so each page is an independent ranged read and
// concurrent writers are never blocked.
func (s *Store) Scan(ctx context.Context) (core.ScanCursor, error) {
	return &Cursor{client: s.client, from: RecordKeyPrefix}, nil
}

func (s *Store) get(ctx context.Context, id string) (*core.TrackedRecord, bool, error) {
	resp, err := s.client.Get(ctx, recordKey(id))
	if err != nil {
		return nil, false, err
	}
	if len(resp.Kvs) == 0 {
		return nil, false, nil
	}
	var doc core.TrackedRecord
	if err := json.Unmarshal(resp.Kvs[0].Value, &doc); err != nil {
		return nil, false, fmt.Errorf("unmarshal record %s: %w", id, err)
	}
	return &doc, true, nil
}

// LastVisit reads the last_visit field. found is false when the record
// or the field is absent.
func (s *Store) LastVisit(ctx context.Context, id string) (int64, bool, error) {
	doc, found, err := s.get(ctx, id)
	if err != nil || !found {
		return 0, false, err
	}
	if doc.LastVisit == 0 {
		return 0, false, nil
	}
	return doc.LastVisit, true, nil
}

// Reaped reads the reaped marker.
func (s *Store) Reaped(ctx context.Context, id string) (bool, error) {
	doc, found, err := s.get(ctx, id)
	if err != nil || !found {
		return false, err
	}
	return doc.Reaped, nil
}

// HasDerived reports whether downstream derived records are still present.
func (s *Store) HasDerived(ctx context.Context, id string) (bool, error) {
	doc, found, err := s.get(ctx, id)
	if err != nil || !found {
		return false, err
	}
	return doc.HasDerived(), nil
}

// MarkReaped sets the reaped marker with a revision-guarded transaction
// so a concurrent last_visit write from the event path is not lost.
func (s *Store) MarkReaped(ctx context.Context, id string) error {
	key := recordKey(id)
	for i := 0; i < 3; i++ {
		resp, err := s.client.Get(ctx, key)
		if err != nil {
			return err
		}

		doc := core.TrackedRecord{ID: id}
		var rev int64
		if len(resp.Kvs) > 0 {
			if err := json.Unmarshal(resp.Kvs[0].Value, &doc); err != nil {
				return fmt.Errorf("unmarshal record %s: %w", id, err)
			}
			rev = resp.Kvs[0].ModRevision
		}
		doc.Reaped = true

		data, err := json.Marshal(&doc)
		if err != nil {
			return fmt.Errorf("marshal record %s: %w", id, err)
		}

		txn, err := s.client.Txn(ctx).
			If(clientv3.Compare(clientv3.ModRevision(key), "=", rev)).
			Then(clientv3.OpPut(key, string(data))).
			Commit()
		if err != nil {
			return err
		}
		if txn.Succeeded {
			return nil
		}
		// Lost the race with the event path — reread and retry
	}
	return fmt.Errorf("mark reaped %s: too many concurrent updates", id)
}

// Drop deletes the resource's record entirely.
func (s *Store) Drop(ctx context.Context, id string) error {
	_, err := s.client.Delete(ctx, recordKey(id))
	return err
}

// Cursor pages through resource ids under the record prefix.
type Cursor struct {
	client *clientv3.Client
	from   string
	done   bool
}

// Next returns up to pageSize resource ids starting at the cursor
// position. more is false once the prefix is exhausted.
func (c *Cursor) Next(ctx context.Context, pageSize int) ([]string, bool, error) {
	if c.done {
		return nil, false, nil
	}

	resp, err := c.client.Get(ctx, c.from,
		clientv3.WithRange(clientv3.GetPrefixRangeEnd(RecordKeyPrefix)),
		clientv3.WithLimit(int64(pageSize)),
		clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend),
		clientv3.WithKeysOnly(),
	)
	if err != nil {
		return nil, true, err
	}

	ids := make([]string, 0, len(resp.Kvs))
	for _, kvp := range resp.Kvs {
		ids = append(ids, string(kvp.Key[len(RecordKeyPrefix):]))
	}

	if !resp.More || len(resp.Kvs) == 0 {
		c.done = true
		return ids, false, nil
	}

	// Resume just past the last key returned
	c.from = string(resp.Kvs[len(resp.Kvs)-1].Key) + "\x00"
	return ids, true, nil
}

// Close is a no-op; the cursor holds no server-side state.
func (c *Cursor) Close() {}
