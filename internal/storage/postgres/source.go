package postgres

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"feed_scanner/internal/domain"
)

type SourceStore struct {
	db *sqlx.DB
}

func NewSourceStore(db *sqlx.DB) *SourceStore {
	return &SourceStore{db: db}
}

// List returns all sources ordered by id. The caller treats the
// result as a point-in-time snapshot.
func (s *SourceStore) List(ctx context.Context) ([]domain.Source, error) {
	query := `
		SELECT id, url, title, status, error_count, last_error,
		       num_articles, last_article_date, last_updated,
		       last_scan_time, last_scan_trigger
		FROM sources
		ORDER BY id`

	var sources []domain.Source
	err := sqlx.SelectContext(ctx, GetExecutor(ctx, s.db), &sources, query)
	return sources, err
}

func (s *SourceStore) GetByID(ctx context.Context, id int64) (*domain.Source, error) {
	query := `
		SELECT id, url, title, status, error_count, last_error,
		       num_articles, last_article_date, last_updated,
		       last_scan_time, last_scan_trigger
		FROM sources
		WHERE id = $1`

	var source domain.Source
	err := sqlx.GetContext(ctx, GetExecutor(ctx, s.db), &source, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrSourceNotFound
	}
	if err != nil {
		return nil, err
	}
	return &source, nil
}

func (s *SourceStore) Create(ctx context.Context, url string) (*domain.Source, error) {
	query := `
		INSERT INTO sources (url, status)
		VALUES ($1, $2)
		RETURNING id`

	source := &domain.Source{URL: url, Status: domain.StatusActive}
	err := sqlx.GetContext(ctx, GetExecutor(ctx, s.db), &source.ID, query, url, source.Status)
	if err != nil {
		return nil, err
	}
	return source, nil
}

// Save persists all mutable health and scan fields of a source.
func (s *SourceStore) Save(ctx context.Context, source *domain.Source) error {
	query := `
		UPDATE sources SET
			title = $2,
			status = $3,
			error_count = $4,
			last_error = $5,
			num_articles = $6,
			last_article_date = $7,
			last_updated = $8,
			last_scan_time = $9,
			last_scan_trigger = $10
		WHERE id = $1`

	res, err := GetExecutor(ctx, s.db).ExecContext(ctx, query,
		source.ID,
		source.Title,
		source.Status,
		source.ErrorCount,
		source.LastError,
		source.NumArticles,
		source.LastArticleDate,
		source.LastUpdated,
		source.LastScanTime,
		source.LastScanTrigger,
	)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return domain.ErrSourceNotFound
	}
	return nil
}

func (s *SourceStore) Delete(ctx context.Context, id int64) error {
	_, err := GetExecutor(ctx, s.db).ExecContext(ctx,
		"DELETE FROM sources WHERE id = $1", id)
	return err
}
