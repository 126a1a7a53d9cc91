package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"feed_scanner/internal/domain"
)

// ScanStarter starts a full scan for the given trigger.
type ScanStarter interface {
	StartScan(ctx context.Context, trigger domain.Trigger) error
}

// Scheduler fires automatic scans on a fixed interval. A tick that
// finds a scan already running is skipped; ticks are never queued.
type Scheduler struct {
	service  ScanStarter
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	nextRun time.Time
}

func NewScheduler(service ScanStarter, interval time.Duration, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		service:  service,
		interval: interval,
		logger:   logger,
	}
}

// Start runs the interval loop until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.setNextRun(time.Now().Add(s.interval))
	s.logger.Info("scheduler started", "interval", s.interval)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			s.setNextRun(time.Now().Add(s.interval))
			s.runScan(ctx)
		}
	}
}

// NextRunTime returns the time of the next automatic scan. ok is
// false before the scheduler has started.
func (s *Scheduler) NextRunTime() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextRun, !s.nextRun.IsZero()
}

func (s *Scheduler) setNextRun(t time.Time) {
	s.mu.Lock()
	s.nextRun = t
	s.mu.Unlock()
}

func (s *Scheduler) runScan(ctx context.Context) {
	err := s.service.StartScan(ctx, domain.TriggerAutomatic)
	if err == nil {
		return
	}
	if errors.Is(err, domain.ErrScanInProgress) {
		s.logger.Warn("previous scan still running, skipping tick")
		return
	}
	s.logger.Error("scheduled scan failed", "error", err)
}
