package nats

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/vnresolve/vnr-reaper/internal/core"
)

// PipelineSink pushes resource records into the resolution pipeline via
// JetStream async publishes. The sink is bounded: once the in-flight
// publish backlog reaches maxPending it reports would-block instead of
// queueing more, and fires the capacity callback when the backlog drains
// so a throttled producer can wake early.
type PipelineSink struct {
	js         jetstream.JetStream
	maxPending int

	mu         sync.Mutex
	onCapacity func()
	watching   bool
}

// NewPipelineSink creates a sink over an existing JetStream context.
// maxPending should match the PublishAsyncMaxPending option the context
// was created with.
func NewPipelineSink(js jetstream.JetStream, maxPending int) *PipelineSink {
	return &PipelineSink{js: js, maxPending: maxPending}
}

// NotifyCapacity registers the callback fired when a previously full sink
// drains. At most one callback fires per observed full condition.
func (s *PipelineSink) NotifyCapacity(fn func()) {
	s.mu.Lock()
	s.onCapacity = fn
	s.mu.Unlock()
}

// Push publishes a record to the pipeline subject. It returns false
// without publishing when the publish backlog is at capacity; the caller
// must back off until its own timer fires or the capacity callback runs.
func (s *PipelineSink) Push(rec *core.ResourceRecord) (bool, error) {
	if s.js.PublishAsyncPending() >= s.maxPending {
		s.armCapacityWatch()
		return false, nil
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("marshal record %s: %w", rec.ID, err)
	}
	if _, err := s.js.PublishAsync(RecordsSubject(), data); err != nil {
		return false, fmt.Errorf("publish record %s: %w", rec.ID, err)
	}
	return true, nil
}

// armCapacityWatch starts a one-shot waiter for the backlog to drain.
func (s *PipelineSink) armCapacityWatch() {
	s.mu.Lock()
	if s.watching {
		s.mu.Unlock()
		return
	}
	s.watching = true
	s.mu.Unlock()

	go func() {
		<-s.js.PublishAsyncComplete()

		s.mu.Lock()
		s.watching = false
		fn := s.onCapacity
		s.mu.Unlock()

		if fn != nil {
			slog.Debug("pipeline backlog drained, signalling capacity")
			fn()
		}
	}()
}
