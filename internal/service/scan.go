package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"feed_scanner/internal/domain"
)

// ScanService drives feed scans: it iterates a snapshot of sources,
// runs the ingestion pipeline per source with isolated failures, and
// keeps the shared scan progress record current. A non-blocking mutex
// guarantees at most one scan (full or single-source) at a time.
type ScanService struct {
	sources   SourceStore
	items     ItemStore
	fetcher   Fetcher
	txManager TransactionManager
	publisher Publisher
	progress  *progressTracker
	logger    *slog.Logger

	scanMu sync.Mutex
}

// NewScanService creates a ScanService. publisher may be nil, in which
// case ingested items are not announced.
func NewScanService(
	sources SourceStore,
	items ItemStore,
	progressStore ProgressStore,
	fetcher Fetcher,
	txManager TransactionManager,
	publisher Publisher,
	logger *slog.Logger,
) *ScanService {
	return &ScanService{
		sources:   sources,
		items:     items,
		fetcher:   fetcher,
		txManager: txManager,
		publisher: publisher,
		progress:  newProgressTracker(progressStore, logger),
		logger:    logger,
	}
}

// StartScan runs a full scan over all sources. It returns
// domain.ErrScanInProgress without touching any state when another
// scan holds the lock; there is no queuing or retry. Per-source
// failures are contained: only a failure to list the sources aborts
// the run.
func (s *ScanService) StartScan(ctx context.Context, trigger domain.Trigger) error {
	if !s.scanMu.TryLock() {
		s.logger.Warn("scan already in progress, skipping", "trigger", trigger)
		return domain.ErrScanInProgress
	}
	defer s.scanMu.Unlock()

	return s.runScan(ctx, trigger)
}

func (s *ScanService) runScan(ctx context.Context, trigger domain.Trigger) error {
	start := time.Now()

	// Clear any stale progress from a prior run before starting, and
	// guarantee a quiescent snapshot on every exit path.
	s.progress.Reset(ctx)
	defer s.progress.Reset(ctx)

	snapshot, err := s.sources.List(ctx)
	if err != nil {
		return fmt.Errorf("list sources: %w", err)
	}

	if len(snapshot) == 0 {
		s.logger.Info("no sources configured, nothing to scan", "trigger", trigger)
		return nil
	}

	s.logger.Info("starting scan",
		"trigger", trigger,
		"sources", len(snapshot),
	)

	s.progress.Update(ctx, domain.ProgressUpdate{
		IsScanning:   ptr(true),
		Completed:    ptr(false),
		CurrentIndex: ptr(0.0),
		TotalSources: ptr(len(snapshot)),
	})

	stats := domain.ScanStats{Trigger: trigger, Sources: len(snapshot)}

	// Snapshot order: sources added or removed during the run are not
	// reflected; each source's copy is the one captured above. The
	// index counts completed sources, so it only ever moves forward:
	// i at source entry, fractional while its entries are walked, i+1
	// once the source is done.
	for i := range snapshot {
		source := snapshot[i]

		s.progress.Update(ctx, domain.ProgressUpdate{
			CurrentSource: ptr(source.Label()),
			CurrentIndex:  ptr(float64(i)),
		})

		result := s.processSource(ctx, &source, trigger, float64(i))

		s.progress.Update(ctx, domain.ProgressUpdate{
			CurrentIndex: ptr(float64(i + 1)),
		})

		stats.Fetched += result.Fetched
		stats.Added += result.Added

		if result.Err != nil {
			stats.Failed++
			s.logger.Error("source scan failed",
				"url", source.URL,
				"error", result.Err,
			)
			continue
		}
		stats.Succeeded++
	}

	stats.Duration = time.Since(start)

	s.logger.Info("scan completed",
		"trigger", trigger,
		"sources", stats.Sources,
		"succeeded", stats.Succeeded,
		"failed", stats.Failed,
		"fetched", stats.Fetched,
		"added", stats.Added,
		"duration", stats.Duration,
	)

	return nil
}

// RefreshSource runs the pipeline for a single source. It shares the
// scan lock with full scans, so a refresh during a scheduled scan
// reports busy instead of racing it.
func (s *ScanService) RefreshSource(ctx context.Context, id int64) (*domain.RefreshResult, error) {
	if !s.scanMu.TryLock() {
		return nil, domain.ErrScanInProgress
	}
	defer s.scanMu.Unlock()

	source, err := s.sources.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	s.progress.Update(ctx, domain.ProgressUpdate{
		IsScanning:    ptr(true),
		Completed:     ptr(false),
		CurrentSource: ptr(source.Label()),
		CurrentIndex:  ptr(0.0),
		TotalSources:  ptr(1),
	})
	defer s.progress.Reset(ctx)

	result := s.processSource(ctx, source, domain.TriggerManual, 0)
	if result.Err != nil {
		return nil, result.Err
	}

	s.progress.Update(ctx, domain.ProgressUpdate{CurrentIndex: ptr(1.0)})

	s.logger.Info("source refreshed",
		"url", source.URL,
		"fetched", result.Fetched,
		"added", result.Added,
	)

	return &domain.RefreshResult{
		LastScanTime:    source.LastScanTime,
		LastArticleDate: source.LastArticleDate,
	}, nil
}

// Progress returns the latest committed scan progress snapshot. Safe
// to call concurrently with a running scan.
func (s *ScanService) Progress() domain.ScanProgress {
	return s.progress.Snapshot()
}
