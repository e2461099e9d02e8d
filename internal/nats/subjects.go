package nats

import "fmt"

// Subject hierarchy for the VNR pipeline.
//
//	vnr.pipeline.records        -- resource records re-injected by the reaper
//	vnr.pipeline.>              -- all pipeline traffic (stream filter)
//	vnr.events.>                -- lifecycle events (wildcardable)
const (
	// Stream subjects
	StreamName    = "VNR"
	SubjectPrefix = "vnr"

	// KV bucket names
	BucketRecords = "vnr-vms"
)

// RecordsSubject returns the subject reaper-sourced records are pushed to.
func RecordsSubject() string {
	return fmt.Sprintf("%s.pipeline.records", SubjectPrefix)
}

// PipelineAllSubject returns the wildcard subject for all pipeline
// messages. Used for the stream subject filter.
func PipelineAllSubject() string {
	return fmt.Sprintf("%s.pipeline.>", SubjectPrefix)
}

// EventSubject returns a subject for lifecycle events.
// Example: vnr.events.record.reaped
func EventSubject(eventType string) string {
	return fmt.Sprintf("%s.events.%s", SubjectPrefix, eventType)
}

// EventsAllSubject returns the wildcard subject for all events.
func EventsAllSubject() string {
	return fmt.Sprintf("%s.events.>", SubjectPrefix)
}
