package domain

import "time"

// Item is a single deduplicated feed entry. Items are append-only:
// once inserted they are never updated.
type Item struct {
	ID            int64      `db:"id"`
	SourceID      int64      `db:"source_id"`
	Title         string     `db:"title"`
	Link          string     `db:"link"`
	Description   string     `db:"description"`
	PublishedDate *time.Time `db:"published_date"`
	CollectedDate time.Time  `db:"collected_date"`
}

// ParsedFeed is the fetcher's output: feed metadata plus entries in
// origin order. It carries no storage identity.
type ParsedFeed struct {
	Title   string
	Entries []ParsedEntry
}

type ParsedEntry struct {
	Title       string
	Link        string
	Description string
	Published   *time.Time
}
