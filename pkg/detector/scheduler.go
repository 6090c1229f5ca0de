package detector

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/tomb.v2"

	"github.com/dobrevit/iptrack/pkg/storage"
)

// Scheduler triggers detector runs on a fixed interval. Runs execute one at
// a time on the scheduler goroutine; a run that outlasts the interval delays
// the next tick instead of overlapping it.
type Scheduler struct {
	detector *Detector
	interval time.Duration
	timeout  time.Duration
	logger   *log.Logger
	now      func() time.Time

	// optional request log pruning after each run
	pruner    storage.RequestLog
	retention time.Duration

	mu   sync.Mutex
	tomb *tomb.Tomb
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithRetention prunes request log entries older than retention after every
// run.
func WithRetention(requestLog storage.RequestLog, retention time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		s.pruner = requestLog
		s.retention = retention
	}
}

// WithSchedulerClock overrides the time source for window ends.
func WithSchedulerClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) {
		s.now = now
	}
}

// NewScheduler creates a scheduler for d using its configured interval and
// run timeout.
func NewScheduler(d *Detector, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		detector: d,
		interval: d.config.Interval,
		timeout:  d.config.RunTimeout,
		logger:   d.logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the background loop. Calling Start on a running scheduler
// is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tomb != nil || s.interval <= 0 {
		return
	}

	t := &tomb.Tomb{}
	s.tomb = t
	t.Go(func() error {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.logger.WithField("interval", s.interval).Info("Anomaly detector scheduled")
		for {
			select {
			case <-ticker.C:
				s.RunOnce(t.Context(context.Background()))
			case <-t.Dying():
				return nil
			}
		}
	})
}

// Stop ends the loop. An in-flight run is canceled.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	t := s.tomb
	s.tomb = nil
	s.mu.Unlock()

	if t == nil {
		return nil
	}
	t.Kill(nil)
	return t.Wait()
}

// RunOnce performs a single detection run ending now, followed by pruning
// when retention is configured. Errors are logged, not returned, so a
// failing store does not stop the schedule.
func (s *Scheduler) RunOnce(ctx context.Context) []storage.SuspiciousIP {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	now := s.now()
	flags, err := s.detector.Run(ctx, now)
	if err != nil {
		s.logger.WithError(err).Error("Anomaly detection run failed")
	}

	if s.pruner != nil && s.retention > 0 {
		removed, err := s.pruner.Prune(ctx, now.Add(-s.retention))
		if err != nil {
			s.logger.WithError(err).Warn("Failed to prune request log")
		} else if removed > 0 {
			s.logger.WithField("removed", removed).Debug("Pruned request log")
		}
	}
	return flags
}
