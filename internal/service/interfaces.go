package service

//go:generate mockgen -source=interfaces.go -destination=mocks/mocks.go -package=mocks

import (
	"context"

	"feed_scanner/internal/domain"
)

type SourceStore interface {
	List(ctx context.Context) ([]domain.Source, error)
	GetByID(ctx context.Context, id int64) (*domain.Source, error)
	Save(ctx context.Context, source *domain.Source) error
}

type ItemStore interface {
	ExistsByLink(ctx context.Context, link string) (bool, error)
	BulkInsert(ctx context.Context, items []domain.Item) error
}

type ProgressStore interface {
	Save(ctx context.Context, progress *domain.ScanProgress) error
}

type Fetcher interface {
	Fetch(ctx context.Context, url string) (*domain.ParsedFeed, error)
}

type TransactionManager interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

type Publisher interface {
	PublishItem(ctx context.Context, item *domain.Item) error
	Close() error
}
