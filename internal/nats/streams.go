package nats

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// SetupJetStream creates the VNR pipeline stream and the tracked-resource
// KV bucket.
func SetupJetStream(ctx context.Context, js jetstream.JetStream) error {
	// One stream carries all pipeline traffic; downstream resolution
	// stages consume it as a work queue.
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{PipelineAllSubject(), EventsAllSubject()},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.WorkQueuePolicy,
		MaxAge:    24 * time.Hour,
		Discard:   jetstream.DiscardOld,
	})
	if err != nil {
		return fmt.Errorf("creating stream %s: %w", StreamName, err)
	}

	if _, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:  BucketRecords,
		Storage: jetstream.FileStorage,
	}); err != nil {
		return fmt.Errorf("creating KV bucket %s: %w", BucketRecords, err)
	}

	return nil
}
