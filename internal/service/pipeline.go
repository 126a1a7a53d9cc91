package service

import (
	"context"
	"fmt"
	"time"

	"feed_scanner/internal/domain"
)

// processSource runs the fetch-parse-dedupe-persist pipeline for one
// source. The source's items and health fields are committed in a
// single transaction; on any failure the pending inserts are rolled
// back and only the error state and scan stamps are persisted.
// baseIndex is the number of sources already completed, used for
// fractional sub-source progress updates.
func (s *ScanService) processSource(ctx context.Context, source *domain.Source, trigger domain.Trigger, baseIndex float64) domain.SourceResult {
	result := domain.SourceResult{SourceID: source.ID}
	orig := *source
	now := time.Now().UTC()

	feed, err := s.fetcher.Fetch(ctx, source.URL)
	if err != nil {
		result.Err = fmt.Errorf("fetch %s: %w", source.URL, err)
		s.recordFailure(ctx, orig, trigger, now, result.Err)
		return result
	}

	title := feed.Title
	if title == "" {
		title = source.URL
	}
	source.Title = &title
	source.LastUpdated = &now
	source.LastScanTime = &now
	source.LastScanTrigger = ptr(string(trigger))

	latest := source.LastArticleDate
	var staged []domain.Item
	result.Fetched = len(feed.Entries)

	for i, entry := range feed.Entries {
		exists, err := s.items.ExistsByLink(ctx, entry.Link)
		if err != nil {
			result.Err = fmt.Errorf("check existing item: %w", err)
			s.recordFailure(ctx, orig, trigger, now, result.Err)
			return result
		}

		if exists {
			result.Existing++
		} else {
			staged = append(staged, domain.Item{
				SourceID:      source.ID,
				Title:         entry.Title,
				Link:          entry.Link,
				Description:   entry.Description,
				PublishedDate: entry.Published,
				CollectedDate: now,
			})
			// Strict advancement: equal or absent dates never move it.
			if entry.Published != nil && (latest == nil || entry.Published.After(*latest)) {
				latest = entry.Published
			}
		}

		if i%5 == 0 {
			s.progress.Update(ctx, domain.ProgressUpdate{
				CurrentSource: ptr(fmt.Sprintf("%s (processing entry %d)", source.Label(), i+1)),
				CurrentIndex:  ptr(baseIndex + float64(i+1)/float64(len(feed.Entries))),
			})
		}
	}

	source.NumArticles += len(staged)
	source.LastArticleDate = latest
	source.Status = domain.StatusActive
	source.ErrorCount = 0
	source.LastError = nil

	err = s.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
		if err := s.items.BulkInsert(txCtx, staged); err != nil {
			return fmt.Errorf("insert items: %w", err)
		}
		if err := s.sources.Save(txCtx, source); err != nil {
			return fmt.Errorf("save source: %w", err)
		}
		return nil
	})
	if err != nil {
		result.Err = fmt.Errorf("persist source %s: %w", source.URL, err)
		s.recordFailure(ctx, orig, trigger, now, result.Err)
		return result
	}

	result.Added = len(staged)

	if s.publisher != nil {
		for i := range staged {
			if err := s.publisher.PublishItem(ctx, &staged[i]); err != nil {
				s.logger.Warn("failed to publish item",
					"link", staged[i].Link,
					"error", err,
				)
			}
		}
	}

	return result
}

// recordFailure persists the error state on top of the source as it
// was before the pipeline touched it, so no partial success fields
// survive a failed run. Scan stamps are still written so the attempt
// is visible.
func (s *ScanService) recordFailure(ctx context.Context, orig domain.Source, trigger domain.Trigger, now time.Time, cause error) {
	orig.Status = domain.StatusError
	orig.ErrorCount++
	orig.LastError = ptr(domain.TruncateError(cause))
	orig.LastScanTime = &now
	orig.LastScanTrigger = ptr(string(trigger))

	if err := s.sources.Save(ctx, &orig); err != nil {
		s.logger.Error("failed to record source error",
			"url", orig.URL,
			"error", err,
		)
	}
}
