package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"feed_scanner/internal/domain"
)

// progressTracker owns the singleton scan progress snapshot. Readers
// get the latest committed values from memory; every update is written
// through to the store. Store failures are telemetry failures: they
// are logged and never abort a scan.
type progressTracker struct {
	store  ProgressStore
	logger *slog.Logger

	mu      sync.RWMutex
	current domain.ScanProgress
}

func newProgressTracker(store ProgressStore, logger *slog.Logger) *progressTracker {
	return &progressTracker{
		store:   store,
		logger:  logger,
		current: domain.ScanProgress{Completed: true},
	}
}

// Snapshot returns the latest committed progress record.
func (t *progressTracker) Snapshot() domain.ScanProgress {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.current
}

// Update merges the given fields into the snapshot and persists it.
func (t *progressTracker) Update(ctx context.Context, upd domain.ProgressUpdate) {
	t.mu.Lock()
	if upd.IsScanning != nil {
		t.current.IsScanning = *upd.IsScanning
	}
	if upd.CurrentSource != nil {
		t.current.CurrentSource = upd.CurrentSource
	}
	if upd.CurrentIndex != nil {
		t.current.CurrentIndex = *upd.CurrentIndex
	}
	if upd.TotalSources != nil {
		t.current.TotalSources = *upd.TotalSources
	}
	if upd.Completed != nil {
		t.current.Completed = *upd.Completed
	}
	t.current.LastUpdated = time.Now().UTC()
	snapshot := t.current
	t.mu.Unlock()

	if err := t.store.Save(ctx, &snapshot); err != nil {
		t.logger.Error("failed to persist scan progress", "error", err)
	}
}

// Reset returns the snapshot to its quiescent state.
func (t *progressTracker) Reset(ctx context.Context) {
	t.mu.Lock()
	t.current = domain.ScanProgress{
		Completed:   true,
		LastUpdated: time.Now().UTC(),
	}
	snapshot := t.current
	t.mu.Unlock()

	if err := t.store.Save(ctx, &snapshot); err != nil {
		t.logger.Error("failed to reset scan progress", "error", err)
	}
}

func ptr[T any](v T) *T {
	return &v
}
