package reaper

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Service is the driving shell around the state machine: it triggers reap
// cycles on a recurring timer (and optionally a cron expression), runs
// one cycle at a time on a single goroutine, and relays the sink's
// capacity signal into the machine.
type Service struct {
	reaper   *Reaper
	interval time.Duration
	schedule string
	log      *slog.Logger

	cron     *cron.Cron
	trigger  chan struct{}
	stop     chan struct{}
	cancel   context.CancelFunc
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewService wraps a reaper. interval is the recurring trigger period;
// schedule is an optional cron expression for an additional trigger.
func NewService(r *Reaper, interval time.Duration, schedule string) *Service {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Service{
		reaper:   r,
		interval: interval,
		schedule: schedule,
		log:      slog.Default(),
		trigger:  make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}
}

// Start arms the recurring trigger and fires an immediate first cycle.
func (s *Service) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(1)
	go s.run(ctx)

	if s.schedule != "" {
		s.cron = cron.New()
		if _, err := s.cron.AddFunc(s.schedule, s.TriggerNow); err != nil {
			s.log.Error("invalid reap schedule, falling back to interval only",
				"schedule", s.schedule, "error", err)
		} else {
			s.cron.Start()
		}
	}

	s.TriggerNow()
	s.log.Info("reaper started", "interval", s.interval, "reap_time", s.reaper.ReapTime())
}

func (s *Service) run(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.reaper.RunCycle(ctx)
		case <-s.trigger:
			s.reaper.RunCycle(ctx)
		}
	}
}

// TriggerNow requests an immediate reap cycle. Coalesces with a pending
// trigger; cycles never overlap.
func (s *Service) TriggerNow() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Wake relays a capacity-available signal into the state machine.
func (s *Service) Wake() {
	s.reaper.Wake()
}

// Stop halts triggering and waits for the in-flight cycle to wind down.
// The cycle observes cancellation only at transition points, so the
// operation in flight completes or times out naturally. Idempotent.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
		if s.cron != nil {
			s.cron.Stop()
		}
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
		s.log.Info("reaper stopped")
	})
}
