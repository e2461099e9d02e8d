package nats

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/vnresolve/vnr-reaper/internal/core"
	"github.com/vnresolve/vnr-reaper/internal/kv"
)

// Backend bundles the NATS-hosted pieces of the reaper: the tracked-
// resource KV bucket and the pipeline sink, over one connection.
type Backend struct {
	nc *nats.Conn
	js jetstream.JetStream

	records *kv.Records
	sink    *PipelineSink

	startTime time.Time
}

// New connects to NATS, provisions JetStream resources and opens the
// record bucket.
func New(natsURL string, maxPending int) (*Backend, error) {
	nc, err := nats.Connect(natsURL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}

	js, err := jetstream.New(nc, jetstream.WithPublishAsyncMaxPending(maxPending))
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("creating JetStream context: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := SetupJetStream(ctx, js); err != nil {
		nc.Close()
		return nil, fmt.Errorf("setting up JetStream: %w", err)
	}

	bucket, err := js.KeyValue(ctx, BucketRecords)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("opening KV bucket %s: %w", BucketRecords, err)
	}

	return &Backend{
		nc:        nc,
		js:        js,
		records:   kv.NewRecords(bucket),
		sink:      NewPipelineSink(js, maxPending),
		startTime: time.Now(),
	}, nil
}

// Records returns the tracked-resource record store.
func (b *Backend) Records() *kv.Records {
	return b.records
}

// Sink returns the pipeline sink.
func (b *Backend) Sink() *PipelineSink {
	return b.sink
}

// Conn returns the underlying NATS connection for auxiliary services.
func (b *Backend) Conn() *nats.Conn {
	return b.nc
}

func (b *Backend) Close() error {
	b.nc.Close()
	return nil
}

// Health returns the backend health status, measuring actual NATS RTT
// with a KV operation.
func (b *Backend) Health(ctx context.Context) (*core.HealthResponse, error) {
	resp := &core.HealthResponse{
		Version:       core.Version,
		UptimeSeconds: int64(time.Since(b.startTime).Seconds()),
	}

	status := b.nc.Status()
	if status != nats.CONNECTED {
		resp.Status = "degraded"
		resp.Backend = core.BackendHealth{
			Type:   "nats",
			Status: "disconnected",
			Error:  fmt.Sprintf("NATS status: %v", status),
		}
		return resp, fmt.Errorf("NATS not connected")
	}

	start := time.Now()
	_, _, _ = b.records.LastVisit(ctx, "_health_check")
	latency := time.Since(start).Milliseconds()

	resp.Status = "ok"
	resp.Backend = core.BackendHealth{
		Type:      "nats",
		Status:    "connected",
		LatencyMs: latency,
	}
	return resp, nil
}
