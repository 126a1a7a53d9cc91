package postgres

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"feed_scanner/internal/domain"
)

// ProgressStore persists the singleton scan progress record.
type ProgressStore struct {
	db *sqlx.DB
}

func NewProgressStore(db *sqlx.DB) *ProgressStore {
	return &ProgressStore{db: db}
}

// Get returns the stored progress record. When no record has been
// written yet a quiescent snapshot is returned.
func (s *ProgressStore) Get(ctx context.Context) (*domain.ScanProgress, error) {
	var progress domain.ScanProgress
	query := `
		SELECT is_scanning, current_source, current_index,
		       total_sources, completed, last_updated
		FROM scan_progress
		WHERE id = 1`

	err := sqlx.GetContext(ctx, GetExecutor(ctx, s.db), &progress, query)
	if errors.Is(err, sql.ErrNoRows) {
		return &domain.ScanProgress{Completed: true}, nil
	}
	if err != nil {
		return nil, err
	}
	return &progress, nil
}

// Save upserts the singleton row with the full snapshot.
func (s *ProgressStore) Save(ctx context.Context, progress *domain.ScanProgress) error {
	query := `
		INSERT INTO scan_progress (
			id, is_scanning, current_source, current_index,
			total_sources, completed, last_updated
		) VALUES (1, $1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			is_scanning = EXCLUDED.is_scanning,
			current_source = EXCLUDED.current_source,
			current_index = EXCLUDED.current_index,
			total_sources = EXCLUDED.total_sources,
			completed = EXCLUDED.completed,
			last_updated = EXCLUDED.last_updated`

	_, err := GetExecutor(ctx, s.db).ExecContext(ctx, query,
		progress.IsScanning,
		progress.CurrentSource,
		progress.CurrentIndex,
		progress.TotalSources,
		progress.Completed,
		progress.LastUpdated,
	)
	return err
}
