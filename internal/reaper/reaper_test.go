package reaper

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/vnresolve/vnr-reaper/internal/core"
)

// --- fakes ---

type fakeStore struct {
	mu        sync.Mutex
	docs      map[string]*core.TrackedRecord
	order     []string
	scanErrs  int
	pageErrs  int
	visitErrs map[string]int
	marked    []string
	dropped   []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		docs:      make(map[string]*core.TrackedRecord),
		visitErrs: make(map[string]int),
	}
}

func (s *fakeStore) add(doc *core.TrackedRecord) {
	s.docs[doc.ID] = doc
	s.order = append(s.order, doc.ID)
}

func (s *fakeStore) Scan(ctx context.Context) (core.ScanCursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.scanErrs > 0 {
		s.scanErrs--
		return nil, errors.New("scan unavailable")
	}
	return &fakeCursor{store: s, ids: append([]string(nil), s.order...)}, nil
}

func (s *fakeStore) LastVisit(ctx context.Context, id string) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := s.visitErrs[id]; n > 0 {
		s.visitErrs[id] = n - 1
		return 0, false, errors.New("store hiccup")
	}
	doc, ok := s.docs[id]
	if !ok || doc.LastVisit == 0 {
		return 0, false, nil
	}
	return doc.LastVisit, true, nil
}

func (s *fakeStore) Reaped(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	return ok && doc.Reaped, nil
}

func (s *fakeStore) HasDerived(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	return ok && doc.HasDerived(), nil
}

func (s *fakeStore) MarkReaped(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if doc, ok := s.docs[id]; ok {
		doc.Reaped = true
	}
	s.marked = append(s.marked, id)
	return nil
}

func (s *fakeStore) Drop(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, id)
	s.dropped = append(s.dropped, id)
	return nil
}

type fakeCursor struct {
	store *fakeStore
	ids   []string
	pos   int
}

func (c *fakeCursor) Next(ctx context.Context, pageSize int) ([]string, bool, error) {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	if c.store.pageErrs > 0 {
		c.store.pageErrs--
		return nil, true, errors.New("connection reset")
	}
	if c.pos >= len(c.ids) {
		return nil, false, nil
	}
	end := c.pos + pageSize
	if end > len(c.ids) {
		end = len(c.ids)
	}
	page := c.ids[c.pos:end]
	c.pos = end
	return page, c.pos < len(c.ids), nil
}

func (c *fakeCursor) Close() {}

type fakeFetcher struct {
	mu     sync.Mutex
	states map[string]string
	errs   map[string]int
	calls  []string
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{states: make(map[string]string), errs: make(map[string]int)}
}

func (f *fakeFetcher) Fetch(ctx context.Context, id string) (*core.ResourceRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n := f.errs[id]; n > 0 {
		f.errs[id] = n - 1
		return nil, core.NewFetchError(id, errors.New("inventory 503"))
	}
	f.calls = append(f.calls, id)
	state := f.states[id]
	if state == "" {
		state = core.StateRunning
	}
	return &core.ResourceRecord{
		ID:     id,
		Name:   "vm-" + id,
		State:  state,
		Origin: core.OriginReaper,
	}, nil
}

type fakeSink struct {
	mu     sync.Mutex
	script []bool
	pushed []*core.ResourceRecord
}

func (s *fakeSink) Push(rec *core.ResourceRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	accept := true
	if len(s.script) > 0 {
		accept = s.script[0]
		s.script = s.script[1:]
	}
	if accept {
		s.pushed = append(s.pushed, rec)
	}
	return accept, nil
}

// fakeClock fires timers immediately in auto mode and hands them to the
// test in manual mode, recording every requested duration.
type fakeClock struct {
	mu        sync.Mutex
	now       time.Time
	auto      bool
	durations []time.Duration
	timers    chan *fakeTimer
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) NewTimer(d time.Duration) Timer {
	c.mu.Lock()
	c.durations = append(c.durations, d)
	auto := c.auto
	c.mu.Unlock()

	t := &fakeTimer{ch: make(chan time.Time, 1)}
	if auto {
		t.ch <- time.Time{}
	} else {
		c.timers <- t
	}
	return t
}

func (c *fakeClock) recorded() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.durations...)
}

type fakeTimer struct {
	ch chan time.Time
}

func (t *fakeTimer) C() <-chan time.Time { return t.ch }
func (t *fakeTimer) Stop() bool          { return true }
func (t *fakeTimer) fire()               { t.ch <- time.Time{} }

// --- harness ---

var baseNow = time.Unix(1_000_000_000, 0)

func testConfig() Config {
	return Config{
		ReapTime:     time.Hour,
		InitialSleep: time.Second,
		MinSleep:     250 * time.Millisecond,
		MaxSleep:     30 * time.Second,
	}
}

func newTestReaper(store *fakeStore, fetcher *fakeFetcher, sink *fakeSink, cfg Config) (*Reaper, *fakeClock) {
	r := New(store, fetcher, sink, cfg)
	fc := &fakeClock{now: baseNow, auto: true, timers: make(chan *fakeTimer, 32)}
	r.clock = fc
	r.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	return r, fc
}

func stale() int64 { return baseNow.Unix() - 7200 }
func fresh() int64 { return baseNow.Unix() - 100 }

// --- tests ---

func TestFreshResourceUntouched(t *testing.T) {
	store := newFakeStore()
	store.add(&core.TrackedRecord{ID: "A", LastVisit: fresh()})
	fetcher := newFakeFetcher()
	sink := &fakeSink{}

	r, _ := newTestReaper(store, fetcher, sink, testConfig())
	r.RunCycle(context.Background())

	if len(fetcher.calls) != 0 {
		t.Errorf("fetch calls = %v, want none", fetcher.calls)
	}
	if len(sink.pushed) != 0 {
		t.Errorf("pushes = %d, want 0", len(sink.pushed))
	}
	if len(store.marked) != 0 || len(store.dropped) != 0 {
		t.Errorf("store mutated: marked=%v dropped=%v", store.marked, store.dropped)
	}
}

func TestStaleResourceFetchedAndPushed(t *testing.T) {
	store := newFakeStore()
	store.add(&core.TrackedRecord{ID: "A", LastVisit: stale()})
	fetcher := newFakeFetcher()
	sink := &fakeSink{}

	r, _ := newTestReaper(store, fetcher, sink, testConfig())
	r.RunCycle(context.Background())

	if len(fetcher.calls) != 1 || fetcher.calls[0] != "A" {
		t.Fatalf("fetch calls = %v, want [A]", fetcher.calls)
	}
	if len(sink.pushed) != 1 {
		t.Fatalf("pushes = %d, want 1", len(sink.pushed))
	}
	if sink.pushed[0].Origin != core.OriginReaper {
		t.Errorf("pushed origin = %q, want %q", sink.pushed[0].Origin, core.OriginReaper)
	}
	// running is not terminal: no reaped marker
	if len(store.marked) != 0 {
		t.Errorf("marked = %v, want none", store.marked)
	}
	if len(store.dropped) != 0 {
		t.Errorf("dropped = %v, want none", store.dropped)
	}
}

func TestStaleTerminalResourceMarkedReaped(t *testing.T) {
	store := newFakeStore()
	store.add(&core.TrackedRecord{ID: "A", LastVisit: stale()})
	fetcher := newFakeFetcher()
	fetcher.states["A"] = core.StateDestroyed
	sink := &fakeSink{}

	r, _ := newTestReaper(store, fetcher, sink, testConfig())
	r.RunCycle(context.Background())

	if len(sink.pushed) != 1 {
		t.Fatalf("pushes = %d, want 1", len(sink.pushed))
	}
	if len(store.marked) != 1 || store.marked[0] != "A" {
		t.Errorf("marked = %v, want [A]", store.marked)
	}
	if len(store.dropped) != 0 {
		t.Errorf("dropped = %v, want none (disposal is two-phase)", store.dropped)
	}
}

func TestReapedWithoutDerivedIsDisposed(t *testing.T) {
	store := newFakeStore()
	store.add(&core.TrackedRecord{ID: "B", LastVisit: stale(), Reaped: true})
	fetcher := newFakeFetcher()
	sink := &fakeSink{}

	r, _ := newTestReaper(store, fetcher, sink, testConfig())
	r.RunCycle(context.Background())

	if len(store.dropped) != 1 || store.dropped[0] != "B" {
		t.Fatalf("dropped = %v, want [B]", store.dropped)
	}
	if len(fetcher.calls) != 0 {
		t.Errorf("fetch calls = %v, want none", fetcher.calls)
	}
	if len(sink.pushed) != 0 {
		t.Errorf("pushes = %d, want 0", len(sink.pushed))
	}
}

func TestReapedWithDerivedIsRefetchedNotDisposed(t *testing.T) {
	store := newFakeStore()
	store.add(&core.TrackedRecord{
		ID:        "C",
		LastVisit: stale(),
		Reaped:    true,
		LastRecs:  map[string]json.RawMessage{"x": []byte(`1`)},
	})
	fetcher := newFakeFetcher()
	sink := &fakeSink{}

	r, _ := newTestReaper(store, fetcher, sink, testConfig())
	r.RunCycle(context.Background())

	if len(fetcher.calls) != 1 || fetcher.calls[0] != "C" {
		t.Fatalf("fetch calls = %v, want [C]", fetcher.calls)
	}
	if len(sink.pushed) != 1 {
		t.Fatalf("pushes = %d, want 1", len(sink.pushed))
	}
	if len(store.dropped) != 0 {
		t.Errorf("dropped = %v, want none", store.dropped)
	}
}

func TestEmptyScanReturnsToIdle(t *testing.T) {
	store := newFakeStore()
	fetcher := newFakeFetcher()
	sink := &fakeSink{}

	r, fc := newTestReaper(store, fetcher, sink, testConfig())
	r.RunCycle(context.Background())

	if len(fetcher.calls) != 0 || len(sink.pushed) != 0 {
		t.Errorf("empty scan caused work: fetches=%v pushes=%d", fetcher.calls, len(sink.pushed))
	}
	if d := fc.recorded(); len(d) != 0 {
		t.Errorf("empty scan started timers: %v", d)
	}
	if got := r.Status().Cycles; got != 1 {
		t.Errorf("Cycles = %d, want 1", got)
	}
}

func TestThrottleDoublesWhileSinkFull(t *testing.T) {
	store := newFakeStore()
	store.add(&core.TrackedRecord{ID: "A", LastVisit: stale()})
	store.add(&core.TrackedRecord{ID: "B", LastVisit: stale()})
	store.add(&core.TrackedRecord{ID: "C", LastVisit: stale()})
	fetcher := newFakeFetcher()
	sink := &fakeSink{script: []bool{false, false, false}}

	r, fc := newTestReaper(store, fetcher, sink, testConfig())
	r.RunCycle(context.Background())

	// each refused push slept at the pre-doubling value: v, 2v, 4v
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	got := fc.recorded()
	if len(got) != len(want) {
		t.Fatalf("sleep durations = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sleep %d = %v, want %v", i, got[i], want[i])
		}
	}
	if v := r.throttleValue(); v != 8*time.Second {
		t.Errorf("throttle after cycle = %v, want 8s", v)
	}
	if len(sink.pushed) != 0 {
		t.Errorf("pushes = %d, want 0 (all refused)", len(sink.pushed))
	}
}

func TestThrottleCappedAtMaxSleep(t *testing.T) {
	cfg := testConfig()
	cfg.MaxSleep = 2 * time.Second

	store := newFakeStore()
	for _, id := range []string{"A", "B", "C", "D"} {
		store.add(&core.TrackedRecord{ID: id, LastVisit: stale()})
	}
	fetcher := newFakeFetcher()
	sink := &fakeSink{script: []bool{false, false, false, false}}

	r, _ := newTestReaper(store, fetcher, sink, cfg)
	r.RunCycle(context.Background())

	if v := r.throttleValue(); v != 2*time.Second {
		t.Errorf("throttle = %v, want cap 2s", v)
	}
}

func TestWakeDuringSleepHalvesWithoutAdvancing(t *testing.T) {
	store := newFakeStore()
	store.add(&core.TrackedRecord{ID: "A", LastVisit: stale()})
	fetcher := newFakeFetcher()
	sink := &fakeSink{}

	r, fc := newTestReaper(store, fetcher, sink, testConfig())
	fc.auto = false

	done := make(chan struct{})
	go func() {
		r.RunCycle(context.Background())
		close(done)
	}()

	// the only timer this cycle is the post-push sleep
	timer := <-fc.timers
	r.Wake()

	deadline := time.After(2 * time.Second)
	for r.throttleValue() != 500*time.Millisecond {
		select {
		case <-deadline:
			t.Fatalf("throttle = %v, want 500ms after wake", r.throttleValue())
		case <-time.After(time.Millisecond):
		}
	}

	select {
	case <-done:
		t.Fatal("sleep advanced on wake; it must wait for its own timer")
	default:
	}

	timer.fire()
	<-done

	if len(sink.pushed) != 1 {
		t.Errorf("pushes = %d, want 1", len(sink.pushed))
	}
}

func TestWakeDuringSleepFullResumesImmediately(t *testing.T) {
	store := newFakeStore()
	store.add(&core.TrackedRecord{ID: "A", LastVisit: stale()})
	fetcher := newFakeFetcher()
	sink := &fakeSink{script: []bool{false}}

	r, fc := newTestReaper(store, fetcher, sink, testConfig())
	fc.auto = false

	done := make(chan struct{})
	go func() {
		r.RunCycle(context.Background())
		close(done)
	}()

	<-fc.timers // sleep_full timer; never fired
	r.Wake()
	<-done

	if v := r.throttleValue(); v != time.Second {
		t.Errorf("throttle = %v, want unchanged 1s on explicit wake", v)
	}
}

func TestStaleWakeDiscarded(t *testing.T) {
	store := newFakeStore()
	store.add(&core.TrackedRecord{ID: "A", LastVisit: stale()})
	fetcher := newFakeFetcher()
	sink := &fakeSink{}

	r, _ := newTestReaper(store, fetcher, sink, testConfig())
	r.Wake() // delivered while idle: must be a no-op
	r.RunCycle(context.Background())

	if v := r.throttleValue(); v != time.Second {
		t.Errorf("throttle = %v, want 1s (stale wake must not anneal)", v)
	}
}

func TestCheckRetrySucceedsWithinBudget(t *testing.T) {
	store := newFakeStore()
	store.add(&core.TrackedRecord{ID: "A", LastVisit: stale()})
	store.visitErrs["A"] = 2 // fails twice, succeeds on the third attempt
	fetcher := newFakeFetcher()
	sink := &fakeSink{}

	r, _ := newTestReaper(store, fetcher, sink, testConfig())
	r.RunCycle(context.Background())

	if len(fetcher.calls) != 1 || fetcher.calls[0] != "A" {
		t.Errorf("fetch calls = %v, want [A] (resource processed same cycle)", fetcher.calls)
	}
	if len(sink.pushed) != 1 {
		t.Errorf("pushes = %d, want 1", len(sink.pushed))
	}
}

func TestRetryBudgetExhaustedSkipsForCycle(t *testing.T) {
	store := newFakeStore()
	store.add(&core.TrackedRecord{ID: "A", LastVisit: stale()})
	store.visitErrs["A"] = 10
	fetcher := newFakeFetcher()
	sink := &fakeSink{}

	r, _ := newTestReaper(store, fetcher, sink, testConfig())
	r.RunCycle(context.Background())

	if len(fetcher.calls) != 0 {
		t.Errorf("fetch calls = %v, want none", fetcher.calls)
	}
	if len(store.dropped) != 0 {
		t.Errorf("dropped = %v, want none (skip is not disposal)", store.dropped)
	}
	if _, ok := store.docs["A"]; !ok {
		t.Error("record gone; a skipped resource must stay a candidate for the next cycle")
	}
}

func TestFetchErrorRetriedSameCycle(t *testing.T) {
	store := newFakeStore()
	store.add(&core.TrackedRecord{ID: "A", LastVisit: stale()})
	fetcher := newFakeFetcher()
	fetcher.errs["A"] = 1
	sink := &fakeSink{}

	r, _ := newTestReaper(store, fetcher, sink, testConfig())
	r.RunCycle(context.Background())

	if len(fetcher.calls) != 1 {
		t.Errorf("successful fetch calls = %v, want [A]", fetcher.calls)
	}
	if len(sink.pushed) != 1 {
		t.Errorf("pushes = %d, want 1", len(sink.pushed))
	}
}

func TestScanErrorRetriedWithoutDuplicates(t *testing.T) {
	store := newFakeStore()
	store.add(&core.TrackedRecord{ID: "A", LastVisit: stale()})
	store.pageErrs = 1
	fetcher := newFakeFetcher()
	sink := &fakeSink{}

	r, _ := newTestReaper(store, fetcher, sink, testConfig())
	r.RunCycle(context.Background())

	if len(fetcher.calls) != 1 {
		t.Errorf("fetch calls = %v, want exactly [A] after scan restart", fetcher.calls)
	}
	if len(sink.pushed) != 1 {
		t.Errorf("pushes = %d, want 1", len(sink.pushed))
	}
}

func TestMissingLastVisitSkipped(t *testing.T) {
	store := newFakeStore()
	store.add(&core.TrackedRecord{ID: "A"})
	fetcher := newFakeFetcher()
	sink := &fakeSink{}

	r, _ := newTestReaper(store, fetcher, sink, testConfig())
	r.RunCycle(context.Background())

	if len(fetcher.calls) != 0 || len(sink.pushed) != 0 || len(store.dropped) != 0 {
		t.Errorf("record without last_visit caused work: fetches=%v pushes=%d dropped=%v",
			fetcher.calls, len(sink.pushed), store.dropped)
	}
}

func TestCandidatesProcessedInScanOrder(t *testing.T) {
	store := newFakeStore()
	for _, id := range []string{"c", "a", "b"} {
		store.add(&core.TrackedRecord{ID: id, LastVisit: stale()})
	}
	fetcher := newFakeFetcher()
	sink := &fakeSink{}

	cfg := testConfig()
	cfg.PageSize = 2 // force multiple scan pages
	r, _ := newTestReaper(store, fetcher, sink, cfg)
	r.RunCycle(context.Background())

	want := []string{"c", "a", "b"}
	if len(fetcher.calls) != len(want) {
		t.Fatalf("fetch calls = %v, want %v", fetcher.calls, want)
	}
	for i := range want {
		if fetcher.calls[i] != want[i] {
			t.Errorf("call %d = %q, want %q", i, fetcher.calls[i], want[i])
		}
	}
}

func TestCancelledContextStopsAtTransition(t *testing.T) {
	store := newFakeStore()
	store.add(&core.TrackedRecord{ID: "A", LastVisit: stale()})
	fetcher := newFakeFetcher()
	sink := &fakeSink{}

	r, _ := newTestReaper(store, fetcher, sink, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r.RunCycle(ctx)

	if len(fetcher.calls) != 0 {
		t.Errorf("fetch calls = %v, want none after cancellation", fetcher.calls)
	}
}

func TestSetReapTime(t *testing.T) {
	r, _ := newTestReaper(newFakeStore(), newFakeFetcher(), &fakeSink{}, testConfig())

	if err := r.SetReapTime(500 * time.Millisecond); err == nil {
		t.Error("SetReapTime(500ms) accepted, want rejection below 1s")
	}
	if err := r.SetReapTime(25 * time.Hour); err == nil {
		t.Error("SetReapTime(25h) accepted, want rejection above 24h")
	}
	if err := r.SetReapTime(2 * time.Hour); err != nil {
		t.Errorf("SetReapTime(2h) rejected: %v", err)
	}
	if got := r.ReapTime(); got != 2*time.Hour {
		t.Errorf("ReapTime = %v, want 2h", got)
	}
}
