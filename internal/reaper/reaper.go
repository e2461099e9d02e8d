// Package reaper implements the backstop reconciliation loop for the VNR
// pipeline. It periodically enumerates every tracked resource, re-fetches
// authoritative state for the ones whose records have gone stale, and
// re-injects them into the pipeline so downstream consumers reprocess
// them as if a fresh change notification had arrived.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vnresolve/vnr-reaper/internal/core"
	"github.com/vnresolve/vnr-reaper/internal/metrics"
)

// Staleness-threshold bounds enforced by SetReapTime.
const (
	MinReapTime = time.Second
	MaxReapTime = 24 * time.Hour
)

// Config carries the reaper's tunables. Zero values are replaced by the
// defaults below.
type Config struct {
	// ReapTime is the staleness threshold: records not visited by the
	// event path for longer than this are reprocessed.
	ReapTime time.Duration
	// PageSize bounds one page of the record-store scan.
	PageSize int
	// InitialSleep seeds the adaptive throttle; MinSleep and MaxSleep
	// bound it.
	InitialSleep time.Duration
	MinSleep     time.Duration
	MaxSleep     time.Duration
	// OpTimeout bounds each record-store operation; FetchTimeout bounds
	// each inventory fetch.
	OpTimeout    time.Duration
	FetchTimeout time.Duration
	// RetryBudget is the number of attempts per resource per cycle.
	RetryBudget int
	// RetryDelay precedes a retry of the same resource; SkipDelay
	// precedes moving on after the budget is exhausted; ScanRetryDelay
	// precedes a scan restart.
	RetryDelay     time.Duration
	SkipDelay      time.Duration
	ScanRetryDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.ReapTime == 0 {
		c.ReapTime = time.Hour
	}
	if c.PageSize == 0 {
		c.PageSize = 50
	}
	if c.InitialSleep == 0 {
		c.InitialSleep = time.Second
	}
	if c.MinSleep == 0 {
		c.MinSleep = 250 * time.Millisecond
	}
	if c.MaxSleep == 0 {
		c.MaxSleep = 30 * time.Second
	}
	if c.OpTimeout == 0 {
		c.OpTimeout = 5 * time.Second
	}
	if c.FetchTimeout == 0 {
		c.FetchTimeout = 10 * time.Second
	}
	if c.RetryBudget == 0 {
		c.RetryBudget = 3
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = 500 * time.Millisecond
	}
	if c.SkipDelay == 0 {
		c.SkipDelay = 2 * time.Second
	}
	if c.ScanRetryDelay == 0 {
		c.ScanRetryDelay = 5 * time.Second
	}
	return c
}

// state is the machine's position in the scan-throttle-fetch-reinject loop.
type state int

const (
	stateIdle state = iota
	stateListVMs
	stateListError
	stateNext
	stateCheckLastVisited
	stateCheckReaped
	stateFetchAndPush
	stateSleep
	stateSleepFull
	stateCheckError
)

func (s state) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateListVMs:
		return "listVms"
	case stateListError:
		return "listError"
	case stateNext:
		return "next"
	case stateCheckLastVisited:
		return "checkLastVisited"
	case stateCheckReaped:
		return "checkReaped"
	case stateFetchAndPush:
		return "fetchAndPush"
	case stateSleep:
		return "sleep"
	case stateSleepFull:
		return "sleep_full"
	case stateCheckError:
		return "checkError"
	}
	return "unknown"
}

// Reaper is the reap-cycle state machine. Exactly one cycle, and within
// it exactly one resource operation, is in flight at a time: RunCycle is
// the single thread of control and owns the worklist, scan cursor and
// retry counter outright. The throttle survives across cycles and is the
// only cross-cycle state.
type Reaper struct {
	store   core.RecordStore
	fetcher core.Fetcher
	sink    core.RecordSink
	cfg     Config
	clock   Clock
	log     *slog.Logger

	// wake carries capacity-available signals from the sink. Buffered so
	// delivery never blocks the signaller; stale signals are discarded
	// on sleep entry.
	wake chan struct{}

	// mu guards the fields read outside the cycle goroutine (throttle,
	// reap time, status counters).
	mu        sync.Mutex
	throttle  *core.Throttle
	reapTime  time.Duration
	cycles    uint64
	lastCycle time.Time

	// cycle-scoped; touched only inside RunCycle.
	cursor   core.ScanCursor
	worklist []string
	current  string
	retries  int
	lastErr  error
}

// New creates a reaper over the given store, fetcher and sink.
func New(store core.RecordStore, fetcher core.Fetcher, sink core.RecordSink, cfg Config) *Reaper {
	cfg = cfg.withDefaults()
	r := &Reaper{
		store:    store,
		fetcher:  fetcher,
		sink:     sink,
		cfg:      cfg,
		clock:    realClock{},
		log:      slog.Default(),
		wake:     make(chan struct{}, 1),
		throttle: core.NewThrottle(cfg.InitialSleep, cfg.MinSleep, cfg.MaxSleep),
		reapTime: cfg.ReapTime,
	}
	metrics.ThrottleSeconds.Set(r.throttle.Current().Seconds())
	return r
}

// Wake delivers a capacity-available signal from the pipeline sink. It is
// safe to call from any goroutine at any time; a signal that arrives
// while the machine is not sleeping is discarded.
func (r *Reaper) Wake() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// SetReapTime updates the staleness threshold, rejecting values outside
// [MinReapTime, MaxReapTime].
func (r *Reaper) SetReapTime(d time.Duration) error {
	if d < MinReapTime || d > MaxReapTime {
		return core.NewInvalidRequestError(
			fmt.Sprintf("reap time must lie between %s and %s", MinReapTime, MaxReapTime),
			map[string]any{"reap_time": d.String()},
		)
	}
	r.mu.Lock()
	r.reapTime = d
	r.mu.Unlock()
	return nil
}

// ReapTime returns the current staleness threshold.
func (r *Reaper) ReapTime() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reapTime
}

// Status is a point-in-time snapshot for the ops API.
type Status struct {
	Cycles      uint64 `json:"cycles"`
	LastCycleAt string `json:"last_cycle_at,omitempty"`
	ThrottleMs  int64  `json:"throttle_ms"`
	ReapTimeSec int64  `json:"reap_time_seconds"`
}

// Status reports cycle and throttle state.
func (r *Reaper) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := Status{
		Cycles:      r.cycles,
		ThrottleMs:  r.throttle.Current().Milliseconds(),
		ReapTimeSec: int64(r.reapTime / time.Second),
	}
	if !r.lastCycle.IsZero() {
		st.LastCycleAt = core.FormatTime(r.lastCycle)
	}
	return st
}

// RunCycle executes one full reap cycle: scan the record store, walk the
// candidate worklist one resource at a time, and return once it drains.
// ctx cancellation is observed only at transition points, so an in-flight
// operation always completes or times out naturally.
func (r *Reaper) RunCycle(ctx context.Context) {
	r.resetCycle()
	st := stateListVMs
	for st != stateIdle {
		if ctx.Err() != nil {
			break
		}
		st = r.step(ctx, st)
	}
	r.resetCycle()

	r.mu.Lock()
	r.cycles++
	r.lastCycle = r.clock.Now()
	r.mu.Unlock()
	metrics.CyclesTotal.Inc()
}

// resetCycle is the idle entry action: drop the scan cursor and worklist.
func (r *Reaper) resetCycle() {
	if r.cursor != nil {
		r.cursor.Close()
		r.cursor = nil
	}
	r.worklist = nil
	r.current = ""
	r.lastErr = nil
}

func (r *Reaper) step(ctx context.Context, st state) state {
	switch st {
	case stateListVMs:
		return r.stepListVMs(ctx)
	case stateListError:
		return r.stepListError(ctx)
	case stateNext:
		return r.stepNext()
	case stateCheckLastVisited:
		return r.stepCheckLastVisited()
	case stateCheckReaped:
		return r.stepCheckReaped()
	case stateFetchAndPush:
		return r.stepFetchAndPush()
	case stateSleep:
		return r.stepSleep(ctx)
	case stateSleepFull:
		return r.stepSleepFull(ctx)
	case stateCheckError:
		return r.stepCheckError(ctx)
	}
	return stateIdle
}

// opCtx bounds a single store or fetch operation. Deliberately detached
// from the cycle context: a stop request must not abort the operation in
// flight, only keep the machine from advancing past it.
func opCtx(d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), d)
}

// classify tags an untyped store failure, distinguishing a blown timeout
// from a hard error.
func (r *Reaper) classify(op string, err error) error {
	if core.KindOf(err) != "" {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return core.NewTimeoutError(op, r.cfg.OpTimeout)
	}
	return core.NewStoreError(op, err)
}

func (r *Reaper) stepListVMs(ctx context.Context) state {
	octx, cancel := opCtx(r.cfg.OpTimeout)
	defer cancel()

	if r.cursor == nil {
		cursor, err := r.store.Scan(octx)
		if err != nil {
			r.lastErr = r.classify("scan", err)
			return stateListError
		}
		r.cursor = cursor
	}

	ids, more, err := r.cursor.Next(octx, r.cfg.PageSize)
	if err != nil {
		r.lastErr = r.classify("scan page", err)
		return stateListError
	}

	r.worklist = append(r.worklist, ids...)
	metrics.ScannedTotal.Add(float64(len(ids)))
	if more {
		return stateListVMs
	}

	r.cursor.Close()
	r.cursor = nil
	r.log.Debug("scan complete", "candidates", len(r.worklist))
	return stateNext
}

func (r *Reaper) stepListError(ctx context.Context) state {
	metrics.ScanErrorsTotal.Inc()
	r.log.Error("record scan failed, restarting from the top", "error", r.lastErr)

	// The rerun re-derives the full candidate set, so the partial
	// worklist must go or its ids would be walked twice this cycle.
	if r.cursor != nil {
		r.cursor.Close()
		r.cursor = nil
	}
	r.worklist = r.worklist[:0]

	if !r.pause(ctx, r.cfg.ScanRetryDelay) {
		return stateIdle
	}
	return stateListVMs
}

func (r *Reaper) stepNext() state {
	r.retries = r.cfg.RetryBudget
	if len(r.worklist) == 0 {
		return stateIdle
	}
	r.current = r.worklist[0]
	r.worklist = r.worklist[1:]
	return stateCheckLastVisited
}

func (r *Reaper) stepCheckLastVisited() state {
	octx, cancel := opCtx(r.cfg.OpTimeout)
	defer cancel()

	visited, found, err := r.store.LastVisit(octx, r.current)
	if err != nil {
		r.lastErr = r.classify("get last_visit", err)
		return stateCheckError
	}
	if !found {
		r.log.Warn("record has no last_visit, skipping", "id", r.current)
		return stateNext
	}

	age := r.clock.Now().Unix() - visited
	if age <= int64(r.ReapTime()/time.Second) {
		// Fresh: the event path is keeping this record current.
		return stateNext
	}
	return stateCheckReaped
}

func (r *Reaper) stepCheckReaped() state {
	octx, cancel := opCtx(r.cfg.OpTimeout)
	defer cancel()

	reaped, err := r.store.Reaped(octx, r.current)
	if err != nil {
		r.lastErr = r.classify("get reaped", err)
		return stateCheckError
	}
	if !reaped {
		// First stale sighting: force a reprocess before any disposal.
		return stateFetchAndPush
	}

	rctx, rcancel := opCtx(r.cfg.OpTimeout)
	defer rcancel()

	hasDerived, err := r.store.HasDerived(rctx, r.current)
	if err != nil {
		r.lastErr = r.classify("get last_recs", err)
		return stateCheckError
	}
	if hasDerived {
		// Already marked reaped but downstream bookkeeping remains:
		// reprocess again rather than delete out from under it.
		metrics.DisposalDeferredTotal.Inc()
		r.log.Info("disposal deferred, derived records still present", "id", r.current)
		return stateFetchAndPush
	}

	dctx, dcancel := opCtx(r.cfg.OpTimeout)
	defer dcancel()

	if err := r.store.Drop(dctx, r.current); err != nil {
		r.lastErr = r.classify("delete record", err)
		return stateCheckError
	}
	metrics.DisposalsTotal.Inc()
	r.log.Info("record disposed", "id", r.current)
	return stateNext
}

func (r *Reaper) stepFetchAndPush() state {
	fctx, cancel := opCtx(r.cfg.FetchTimeout)
	defer cancel()

	rec, err := r.fetcher.Fetch(fctx, r.current)
	if err != nil {
		r.lastErr = err
		return stateCheckError
	}
	metrics.FetchesTotal.Inc()

	accepted, err := r.sink.Push(rec)
	if err != nil {
		r.lastErr = r.classify("push record", err)
		return stateCheckError
	}
	if !accepted {
		metrics.SinkFullTotal.Inc()
		r.log.Warn("pipeline at capacity, backing off", "id", r.current)
		return stateSleepFull
	}
	metrics.PushesTotal.Inc()

	if core.IsTerminalState(rec.State) {
		// Fire and forget: a failed mark only means another forced
		// reprocess next cycle.
		mctx, mcancel := opCtx(r.cfg.OpTimeout)
		defer mcancel()
		if err := r.store.MarkReaped(mctx, r.current); err != nil {
			r.log.Warn("failed to set reaped marker", "id", r.current, "error", err)
		} else {
			metrics.ReapMarksTotal.Inc()
			r.log.Info("marked reaped", "id", r.current, "state", rec.State)
		}
	}
	return stateSleep
}

func (r *Reaper) stepSleep(ctx context.Context) state {
	r.drainWake()
	t := r.clock.NewTimer(r.throttleValue())
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return stateIdle
		case <-r.wake:
			// A capacity signal anneals the throttle but never cuts the
			// sleep short: reacting to every capacity blip would let
			// the reaper monopolize downstream throughput.
			r.halveThrottle()
		case <-t.C():
			return stateNext
		}
	}
}

func (r *Reaper) stepSleepFull(ctx context.Context) state {
	r.drainWake()
	t := r.clock.NewTimer(r.throttleValue())
	defer t.Stop()
	select {
	case <-ctx.Done():
		return stateIdle
	case <-r.wake:
		// Explicit capacity signal: resume immediately, no adjustment.
		return stateNext
	case <-t.C():
		if capped := r.doubleThrottle(); capped {
			r.log.Warn("throttle at maximum, pipeline congestion persists",
				"max_sleep", r.cfg.MaxSleep)
		}
		return stateNext
	}
}

func (r *Reaper) stepCheckError(ctx context.Context) state {
	r.retries--
	if r.retries > 0 {
		metrics.CheckRetriesTotal.Inc()
		r.log.Warn("check failed, retrying",
			"id", r.current, "attempts_left", r.retries, "error", r.lastErr)
		if !r.pause(ctx, r.cfg.RetryDelay) {
			return stateIdle
		}
		return stateCheckLastVisited
	}

	metrics.SkippedTotal.Inc()
	r.log.Error("retry budget exhausted, skipping resource for this cycle",
		"id", r.current, "error", r.lastErr)
	if !r.pause(ctx, r.cfg.SkipDelay) {
		return stateIdle
	}
	return stateNext
}

// pause sleeps for d, returning false if the cycle context is cancelled.
func (r *Reaper) pause(ctx context.Context, d time.Duration) bool {
	t := r.clock.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C():
		return true
	}
}

// drainWake discards a wake that arrived while the machine was not
// sleeping; only signals observed during a sleep state count.
func (r *Reaper) drainWake() {
	select {
	case <-r.wake:
	default:
	}
}

func (r *Reaper) throttleValue() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.throttle.Current()
}

func (r *Reaper) doubleThrottle() bool {
	r.mu.Lock()
	capped := r.throttle.Double()
	metrics.ThrottleSeconds.Set(r.throttle.Current().Seconds())
	r.mu.Unlock()
	return capped
}

func (r *Reaper) halveThrottle() {
	r.mu.Lock()
	r.throttle.Halve()
	metrics.ThrottleSeconds.Set(r.throttle.Current().Seconds())
	r.mu.Unlock()
}
