package domain

import (
	"errors"
	"time"
	"unicode/utf8"
)

// ErrScanInProgress is returned when the scan lock is already held.
var ErrScanInProgress = errors.New("scan already in progress")

// ErrSourceNotFound is returned when a source id does not exist.
var ErrSourceNotFound = errors.New("source not found")

// ScanProgress is the singleton record describing the current or most
// recent scan. CurrentIndex is fractional to reflect sub-source
// progress while a source's entries are being walked.
type ScanProgress struct {
	IsScanning    bool      `db:"is_scanning"`
	CurrentSource *string   `db:"current_source"`
	CurrentIndex  float64   `db:"current_index"`
	TotalSources  int       `db:"total_sources"`
	Completed     bool      `db:"completed"`
	LastUpdated   time.Time `db:"last_updated"`
}

// ProgressUpdate is a partial update of ScanProgress. Nil fields are
// left untouched by the merge.
type ProgressUpdate struct {
	IsScanning    *bool
	CurrentSource *string
	CurrentIndex  *float64
	TotalSources  *int
	Completed     *bool
}

// ScanStats holds aggregate statistics about one scan.
type ScanStats struct {
	Trigger   Trigger
	Sources   int
	Succeeded int
	Failed    int
	Fetched   int
	Added     int
	Duration  time.Duration
}

// SourceResult is the outcome of running the ingestion pipeline for a
// single source. Err is nil on success.
type SourceResult struct {
	SourceID int64
	Fetched  int
	Added    int
	Existing int
	Err      error
}

// RefreshResult is returned from a single-source refresh for
// immediate display by the caller.
type RefreshResult struct {
	LastScanTime    *time.Time
	LastArticleDate *time.Time
}

// TruncateError bounds an error message to MaxErrorLen bytes for
// storage. The cut lands on a rune boundary so the result stays valid
// UTF-8.
func TruncateError(err error) string {
	msg := err.Error()
	if len(msg) <= MaxErrorLen {
		return msg
	}
	cut := MaxErrorLen
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut]
}
