// Package metrics exposes the reaper's Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	info = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "vnr_reaper_info",
		Help: "Build and backend info for the running reaper.",
	}, []string{"version", "store"})

	// CyclesTotal counts completed reap cycles.
	CyclesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vnr_reaper_cycles_total",
		Help: "Completed reap cycles.",
	})

	// ScannedTotal counts resource ids collected during scans.
	ScannedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vnr_reaper_scanned_total",
		Help: "Resource ids collected during record-store scans.",
	})

	// ScanErrorsTotal counts record-store scan failures (always retried).
	ScanErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vnr_reaper_scan_errors_total",
		Help: "Record-store scan failures.",
	})

	// CheckRetriesTotal counts per-resource check retries.
	CheckRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vnr_reaper_check_retries_total",
		Help: "Per-resource check-phase retries.",
	})

	// SkippedTotal counts resources skipped after exhausting the retry budget.
	SkippedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vnr_reaper_skipped_total",
		Help: "Resources skipped for a cycle after retry-budget exhaustion.",
	})

	// FetchesTotal counts inventory fetches.
	FetchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vnr_reaper_fetches_total",
		Help: "Authoritative-state fetches.",
	})

	// PushesTotal counts records pushed into the pipeline.
	PushesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vnr_reaper_pushes_total",
		Help: "Records re-injected into the pipeline.",
	})

	// SinkFullTotal counts would-block responses from the pipeline sink.
	SinkFullTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vnr_reaper_sink_full_total",
		Help: "Pushes refused because the pipeline was at capacity.",
	})

	// ReapMarksTotal counts reaped markers set on terminated resources.
	ReapMarksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vnr_reaper_reap_marks_total",
		Help: "Reaped markers set on terminated resources.",
	})

	// DisposalsTotal counts records deleted in the second disposal phase.
	DisposalsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vnr_reaper_disposals_total",
		Help: "Resource records permanently deleted.",
	})

	// DisposalDeferredTotal counts the disposal race: reaped marker set
	// but derived records still present, so deletion was deferred.
	DisposalDeferredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vnr_reaper_disposal_deferred_total",
		Help: "Disposals deferred because derived records were still present.",
	})

	// ThrottleSeconds reports the current adaptive sleep duration.
	ThrottleSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vnr_reaper_throttle_seconds",
		Help: "Current adaptive sleep duration between processed resources.",
	})
)

// Init records build info for the running process.
func Init(version, store string) {
	info.WithLabelValues(version, store).Set(1)
}
