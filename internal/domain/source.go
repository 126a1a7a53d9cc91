package domain

import "time"

// Source status values.
const (
	StatusActive = "active"
	StatusError  = "error"
)

// Trigger identifies what started a scan.
type Trigger string

const (
	TriggerManual    Trigger = "manual"
	TriggerAutomatic Trigger = "automatic"
)

// MaxErrorLen bounds the stored last_error message.
const MaxErrorLen = 500

type Source struct {
	ID              int64      `db:"id"`
	URL             string     `db:"url"`
	Title           *string    `db:"title"`
	Status          string     `db:"status"`
	ErrorCount      int        `db:"error_count"`
	LastError       *string    `db:"last_error"`
	NumArticles     int        `db:"num_articles"`
	LastArticleDate *time.Time `db:"last_article_date"`
	LastUpdated     *time.Time `db:"last_updated"`
	LastScanTime    *time.Time `db:"last_scan_time"`
	LastScanTrigger *string    `db:"last_scan_trigger"`
}

// Label returns the display name for the source: its feed title when
// one has been fetched, otherwise the URL.
func (s *Source) Label() string {
	if s.Title != nil && *s.Title != "" {
		return *s.Title
	}
	return s.URL
}
