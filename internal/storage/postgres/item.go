package postgres

import (
	"context"
	"strconv"
	"strings"

	"github.com/jmoiron/sqlx"

	"feed_scanner/internal/domain"
)

type ItemStore struct {
	db *sqlx.DB
}

func NewItemStore(db *sqlx.DB) *ItemStore {
	return &ItemStore{db: db}
}

// ExistsByLink reports whether an item with the given link has been
// ingested before, regardless of source. Link is the dedup key.
func (s *ItemStore) ExistsByLink(ctx context.Context, link string) (bool, error) {
	var exists bool
	err := sqlx.GetContext(ctx, GetExecutor(ctx, s.db), &exists,
		"SELECT EXISTS (SELECT 1 FROM items WHERE link = $1)", link)
	return exists, err
}

// BulkInsert persists staged items in one multi-row insert. A
// concurrent insert of the same link is silently dropped by the
// unique constraint.
func (s *ItemStore) BulkInsert(ctx context.Context, items []domain.Item) error {
	if len(items) == 0 {
		return nil
	}

	var sb strings.Builder
	sb.WriteString("INSERT INTO items (source_id, title, link, description, published_date, collected_date) VALUES ")
	valueArgs := make([]interface{}, 0, len(items)*6)

	for i, item := range items {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(")
		for j := 0; j < 6; j++ {
			if j > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString("$")
			sb.WriteString(strconv.Itoa(i*6 + j + 1))
		}
		sb.WriteString(")")
		valueArgs = append(valueArgs,
			item.SourceID,
			item.Title,
			item.Link,
			item.Description,
			item.PublishedDate,
			item.CollectedDate,
		)
	}
	sb.WriteString(" ON CONFLICT (link) DO NOTHING")

	_, err := GetExecutor(ctx, s.db).ExecContext(ctx, sb.String(), valueArgs...)
	return err
}

func (s *ItemStore) CountBySource(ctx context.Context, sourceID int64) (int, error) {
	var count int
	err := sqlx.GetContext(ctx, GetExecutor(ctx, s.db), &count,
		"SELECT COUNT(*) FROM items WHERE source_id = $1", sourceID)
	return count, err
}
