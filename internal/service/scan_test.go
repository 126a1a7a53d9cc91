package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"feed_scanner/internal/domain"
	"feed_scanner/internal/service/mocks"
	"feed_scanner/testdata/utils"
)

type ScanServiceTestSuite struct {
	suite.Suite
	ctrl *gomock.Controller

	sources   *mocks.MockSourceStore
	items     *mocks.MockItemStore
	progress  *mocks.MockProgressStore
	fetcher   *mocks.MockFetcher
	txManager *mocks.MockTransactionManager

	service *ScanService
	logger  *slog.Logger
}

func (s *ScanServiceTestSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())

	s.sources = mocks.NewMockSourceStore(s.ctrl)
	s.items = mocks.NewMockItemStore(s.ctrl)
	s.progress = mocks.NewMockProgressStore(s.ctrl)
	s.fetcher = mocks.NewMockFetcher(s.ctrl)
	s.txManager = mocks.NewMockTransactionManager(s.ctrl)

	s.logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	s.service = NewScanService(
		s.sources,
		s.items,
		s.progress,
		s.fetcher,
		s.txManager,
		nil,
		s.logger,
	)
}

func (s *ScanServiceTestSuite) TearDownTest() {
	s.ctrl.Finish()
}

func TestScanServiceTestSuite(t *testing.T) {
	suite.Run(t, new(ScanServiceTestSuite))
}

// allowProgress lets progress persistence happen without asserting on
// individual snapshots.
func (s *ScanServiceTestSuite) allowProgress() {
	s.progress.EXPECT().Save(gomock.Any(), gomock.Any()).Return(nil).AnyTimes()
}

// passThroughTx makes WithTransaction invoke its function directly.
func (s *ScanServiceTestSuite) passThroughTx() {
	s.txManager.EXPECT().WithTransaction(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, fn func(context.Context) error) error {
			return fn(ctx)
		},
	).AnyTimes()
}

func (s *ScanServiceTestSuite) TestStartScan_NewItems() {
	ctx := context.Background()
	s.allowProgress()
	s.passThroughTx()

	source := domain.Source{ID: 1, URL: "http://example.com/feed", Status: domain.StatusActive}
	s.sources.EXPECT().List(ctx).Return([]domain.Source{source}, nil)

	published := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	s.fetcher.EXPECT().Fetch(gomock.Any(), "http://example.com/feed").Return(&domain.ParsedFeed{
		Title: "Example Feed",
		Entries: []domain.ParsedEntry{
			{Title: "one", Link: "http://a/1", Description: "d1", Published: &published},
			{Title: "two", Link: "http://a/2"},
			{Title: "three", Link: "http://a/3"},
		},
	}, nil)

	s.items.EXPECT().ExistsByLink(gomock.Any(), "http://a/1").Return(false, nil)
	s.items.EXPECT().ExistsByLink(gomock.Any(), "http://a/2").Return(false, nil)
	s.items.EXPECT().ExistsByLink(gomock.Any(), "http://a/3").Return(false, nil)

	var inserted []domain.Item
	s.items.EXPECT().BulkInsert(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, items []domain.Item) error {
			inserted = items
			return nil
		},
	)

	var saved *domain.Source
	s.sources.EXPECT().Save(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, src *domain.Source) error {
			saved = src
			return nil
		},
	)

	err := s.service.StartScan(ctx, domain.TriggerManual)
	s.NoError(err)

	s.Len(inserted, 3)
	s.Equal("http://a/1", inserted[0].Link)
	s.Equal("d1", inserted[0].Description)
	s.Equal("", inserted[1].Description)
	s.Nil(inserted[1].PublishedDate)

	s.Require().NotNil(saved)
	s.Equal(3, saved.NumArticles)
	s.Equal(domain.StatusActive, saved.Status)
	s.Equal("Example Feed", *saved.Title)
	s.Equal("manual", *saved.LastScanTrigger)
	s.Require().NotNil(saved.LastArticleDate)
	s.True(saved.LastArticleDate.Equal(published))
}

func (s *ScanServiceTestSuite) TestStartScan_DedupesByLink() {
	ctx := context.Background()
	s.allowProgress()
	s.passThroughTx()

	source := domain.Source{ID: 1, URL: "http://example.com/feed", NumArticles: 1}
	s.sources.EXPECT().List(ctx).Return([]domain.Source{source}, nil)

	s.fetcher.EXPECT().Fetch(gomock.Any(), "http://example.com/feed").Return(&domain.ParsedFeed{
		Title: "Example Feed",
		Entries: []domain.ParsedEntry{
			{Title: "known", Link: "http://a/1"},
			{Title: "fresh", Link: "http://a/2"},
		},
	}, nil)

	s.items.EXPECT().ExistsByLink(gomock.Any(), "http://a/1").Return(true, nil)
	s.items.EXPECT().ExistsByLink(gomock.Any(), "http://a/2").Return(false, nil)

	var inserted []domain.Item
	s.items.EXPECT().BulkInsert(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, items []domain.Item) error {
			inserted = items
			return nil
		},
	)

	var saved *domain.Source
	s.sources.EXPECT().Save(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, src *domain.Source) error {
			saved = src
			return nil
		},
	)

	err := s.service.StartScan(ctx, domain.TriggerAutomatic)
	s.NoError(err)

	s.Len(inserted, 1)
	s.Equal("http://a/2", inserted[0].Link)

	s.Require().NotNil(saved)
	s.Equal(2, saved.NumArticles)
}

func (s *ScanServiceTestSuite) TestStartScan_SecondRunAddsNothing() {
	ctx := context.Background()
	s.allowProgress()
	s.passThroughTx()

	source := domain.Source{ID: 1, URL: "http://example.com/feed", NumArticles: 2}
	feed := &domain.ParsedFeed{
		Title: "Example Feed",
		Entries: []domain.ParsedEntry{
			{Title: "one", Link: "http://a/1"},
			{Title: "two", Link: "http://a/2"},
		},
	}

	s.sources.EXPECT().List(ctx).Return([]domain.Source{source}, nil)
	s.fetcher.EXPECT().Fetch(gomock.Any(), source.URL).Return(feed, nil)
	s.items.EXPECT().ExistsByLink(gomock.Any(), gomock.Any()).Return(true, nil).Times(2)

	s.items.EXPECT().BulkInsert(gomock.Any(), gomock.Len(0)).Return(nil)

	var saved *domain.Source
	s.sources.EXPECT().Save(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, src *domain.Source) error {
			saved = src
			return nil
		},
	)

	err := s.service.StartScan(ctx, domain.TriggerAutomatic)
	s.NoError(err)

	s.Require().NotNil(saved)
	s.Equal(2, saved.NumArticles)
}

func (s *ScanServiceTestSuite) TestStartScan_FailureIsolatedPerSource() {
	ctx := context.Background()
	s.allowProgress()
	s.passThroughTx()

	sources := []domain.Source{
		{ID: 1, URL: "http://good-one/feed"},
		{ID: 2, URL: "http://broken/feed", ErrorCount: 1},
		{ID: 3, URL: "http://good-two/feed"},
	}
	s.sources.EXPECT().List(ctx).Return(sources, nil)

	okFeed := &domain.ParsedFeed{Title: "ok", Entries: []domain.ParsedEntry{{Title: "e", Link: "http://e/1"}}}
	okFeed2 := &domain.ParsedFeed{Title: "ok2", Entries: []domain.ParsedEntry{{Title: "e", Link: "http://e/2"}}}

	s.fetcher.EXPECT().Fetch(gomock.Any(), "http://good-one/feed").Return(okFeed, nil)
	s.fetcher.EXPECT().Fetch(gomock.Any(), "http://broken/feed").Return(nil, errors.New("connection refused"))
	s.fetcher.EXPECT().Fetch(gomock.Any(), "http://good-two/feed").Return(okFeed2, nil)

	s.items.EXPECT().ExistsByLink(gomock.Any(), gomock.Any()).Return(false, nil).Times(2)
	s.items.EXPECT().BulkInsert(gomock.Any(), gomock.Any()).Return(nil).Times(2)

	saves := make(map[int64]domain.Source)
	s.sources.EXPECT().Save(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, src *domain.Source) error {
			saves[src.ID] = *src
			return nil
		},
	).Times(3)

	err := s.service.StartScan(ctx, domain.TriggerAutomatic)
	s.NoError(err)

	s.Equal(domain.StatusActive, saves[1].Status)
	s.Equal(domain.StatusActive, saves[3].Status)

	failed := saves[2]
	s.Equal(domain.StatusError, failed.Status)
	s.Equal(2, failed.ErrorCount)
	s.Require().NotNil(failed.LastError)
	s.Contains(*failed.LastError, "connection refused")
	s.NotNil(failed.LastScanTime)
	s.Equal("automatic", *failed.LastScanTrigger)
}

func (s *ScanServiceTestSuite) TestStartScan_ErrorCountResetsOnSuccess() {
	ctx := context.Background()
	s.allowProgress()
	s.passThroughTx()

	source := domain.Source{
		ID:         1,
		URL:        "http://example.com/feed",
		Status:     domain.StatusError,
		ErrorCount: 4,
		LastError:  utils.Ptr("timeout"),
	}
	s.sources.EXPECT().List(ctx).Return([]domain.Source{source}, nil)
	s.fetcher.EXPECT().Fetch(gomock.Any(), source.URL).Return(&domain.ParsedFeed{Title: "back"}, nil)
	s.items.EXPECT().BulkInsert(gomock.Any(), gomock.Len(0)).Return(nil)

	var saved *domain.Source
	s.sources.EXPECT().Save(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, src *domain.Source) error {
			saved = src
			return nil
		},
	)

	err := s.service.StartScan(ctx, domain.TriggerAutomatic)
	s.NoError(err)

	s.Require().NotNil(saved)
	s.Equal(domain.StatusActive, saved.Status)
	s.Equal(0, saved.ErrorCount)
	s.Nil(saved.LastError)
}

func (s *ScanServiceTestSuite) TestStartScan_LastArticleDateNeverRegresses() {
	ctx := context.Background()
	s.allowProgress()
	s.passThroughTx()

	known := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	older := known.Add(-24 * time.Hour)

	source := domain.Source{ID: 1, URL: "http://example.com/feed", LastArticleDate: &known}
	s.sources.EXPECT().List(ctx).Return([]domain.Source{source}, nil)

	s.fetcher.EXPECT().Fetch(gomock.Any(), source.URL).Return(&domain.ParsedFeed{
		Title: "Example Feed",
		Entries: []domain.ParsedEntry{
			{Title: "old", Link: "http://a/old", Published: &older},
			{Title: "undated", Link: "http://a/undated"},
		},
	}, nil)

	s.items.EXPECT().ExistsByLink(gomock.Any(), gomock.Any()).Return(false, nil).Times(2)
	s.items.EXPECT().BulkInsert(gomock.Any(), gomock.Any()).Return(nil)

	var saved *domain.Source
	s.sources.EXPECT().Save(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, src *domain.Source) error {
			saved = src
			return nil
		},
	)

	err := s.service.StartScan(ctx, domain.TriggerAutomatic)
	s.NoError(err)

	s.Require().NotNil(saved)
	s.Require().NotNil(saved.LastArticleDate)
	s.True(saved.LastArticleDate.Equal(known))
}

func (s *ScanServiceTestSuite) TestStartScan_PersistenceFailureKeepsOriginalFields() {
	ctx := context.Background()
	s.allowProgress()

	title := "Old Title"
	source := domain.Source{ID: 1, URL: "http://example.com/feed", Title: &title, NumArticles: 7}
	s.sources.EXPECT().List(ctx).Return([]domain.Source{source}, nil)

	s.fetcher.EXPECT().Fetch(gomock.Any(), source.URL).Return(&domain.ParsedFeed{
		Title:   "New Title",
		Entries: []domain.ParsedEntry{{Title: "e", Link: "http://e/1"}},
	}, nil)
	s.items.EXPECT().ExistsByLink(gomock.Any(), "http://e/1").Return(false, nil)

	s.txManager.EXPECT().WithTransaction(gomock.Any(), gomock.Any()).Return(errors.New("disk full"))

	var saved *domain.Source
	s.sources.EXPECT().Save(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, src *domain.Source) error {
			saved = src
			return nil
		},
	)

	err := s.service.StartScan(ctx, domain.TriggerAutomatic)
	s.NoError(err)

	// The error record is written over the pre-pipeline source state:
	// no new title, no counter bump.
	s.Require().NotNil(saved)
	s.Equal(domain.StatusError, saved.Status)
	s.Equal("Old Title", *saved.Title)
	s.Equal(7, saved.NumArticles)
	s.Require().NotNil(saved.LastError)
	s.Contains(*saved.LastError, "disk full")
}

func (s *ScanServiceTestSuite) TestStartScan_ListFailureResetsProgress() {
	ctx := context.Background()

	var resets int
	s.progress.EXPECT().Save(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, p *domain.ScanProgress) error {
			if p.Completed && !p.IsScanning {
				resets++
			}
			return nil
		},
	).AnyTimes()

	s.sources.EXPECT().List(ctx).Return(nil, errors.New("storage down"))

	err := s.service.StartScan(ctx, domain.TriggerAutomatic)
	s.Error(err)
	s.Contains(err.Error(), "list sources")

	// Defensive reset at entry plus guaranteed reset on the way out.
	s.Equal(2, resets)
}

func (s *ScanServiceTestSuite) TestStartScan_ProgressSequence() {
	ctx := context.Background()
	s.passThroughTx()

	var snapshots []domain.ScanProgress
	s.progress.EXPECT().Save(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, p *domain.ScanProgress) error {
			snapshots = append(snapshots, *p)
			return nil
		},
	).AnyTimes()

	sources := []domain.Source{
		{ID: 1, URL: "http://a/feed"},
		{ID: 2, URL: "http://b/feed"},
	}
	s.sources.EXPECT().List(ctx).Return(sources, nil)
	s.fetcher.EXPECT().Fetch(gomock.Any(), gomock.Any()).Return(&domain.ParsedFeed{Title: "t"}, nil).Times(2)
	s.items.EXPECT().BulkInsert(gomock.Any(), gomock.Any()).Return(nil).Times(2)
	s.sources.EXPECT().Save(gomock.Any(), gomock.Any()).Return(nil).Times(2)

	err := s.service.StartScan(ctx, domain.TriggerManual)
	s.NoError(err)

	s.Require().NotEmpty(snapshots)

	// First write is the defensive reset, last the quiescent reset.
	first := snapshots[0]
	s.False(first.IsScanning)
	s.True(first.Completed)

	last := snapshots[len(snapshots)-1]
	s.False(last.IsScanning)
	s.True(last.Completed)
	s.Equal(0.0, last.CurrentIndex)

	// In between, current_index never decreases and total is stable.
	var indices []float64
	for _, snap := range snapshots[1 : len(snapshots)-1] {
		if snap.IsScanning {
			s.Equal(2, snap.TotalSources)
			indices = append(indices, snap.CurrentIndex)
		}
	}
	s.Require().NotEmpty(indices)
	for i := 1; i < len(indices); i++ {
		s.GreaterOrEqual(indices[i], indices[i-1])
	}
	s.Equal(2.0, indices[len(indices)-1])
}

func (s *ScanServiceTestSuite) TestStartScan_ProgressStoreFailureDoesNotAbort() {
	ctx := context.Background()
	s.passThroughTx()

	// Every persistence attempt for the progress record fails; the scan
	// must carry on regardless.
	s.progress.EXPECT().Save(gomock.Any(), gomock.Any()).Return(errors.New("storage down")).AnyTimes()

	source := domain.Source{ID: 1, URL: "http://example.com/feed"}
	s.sources.EXPECT().List(ctx).Return([]domain.Source{source}, nil)
	s.fetcher.EXPECT().Fetch(gomock.Any(), source.URL).Return(&domain.ParsedFeed{
		Title:   "Example Feed",
		Entries: []domain.ParsedEntry{{Title: "e", Link: "http://e/1"}},
	}, nil)
	s.items.EXPECT().ExistsByLink(gomock.Any(), "http://e/1").Return(false, nil)
	s.items.EXPECT().BulkInsert(gomock.Any(), gomock.Len(1)).Return(nil)

	var saved *domain.Source
	s.sources.EXPECT().Save(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, src *domain.Source) error {
			saved = src
			return nil
		},
	)

	err := s.service.StartScan(ctx, domain.TriggerAutomatic)
	s.NoError(err)

	s.Require().NotNil(saved)
	s.Equal(domain.StatusActive, saved.Status)
	s.Equal(1, saved.NumArticles)

	// The in-memory snapshot still quiesces after the run.
	progress := s.service.Progress()
	s.False(progress.IsScanning)
	s.True(progress.Completed)
}

func (s *ScanServiceTestSuite) TestStartScan_FractionalProgressWithinSource() {
	ctx := context.Background()
	s.passThroughTx()

	var snapshots []domain.ScanProgress
	s.progress.EXPECT().Save(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, p *domain.ScanProgress) error {
			snapshots = append(snapshots, *p)
			return nil
		},
	).AnyTimes()

	source := domain.Source{ID: 1, URL: "http://example.com/feed"}
	s.sources.EXPECT().List(ctx).Return([]domain.Source{source}, nil)

	entries := make([]domain.ParsedEntry, 10)
	for i := range entries {
		entries[i] = domain.ParsedEntry{
			Title: fmt.Sprintf("entry %d", i),
			Link:  fmt.Sprintf("http://a/%d", i),
		}
	}
	s.fetcher.EXPECT().Fetch(gomock.Any(), source.URL).Return(&domain.ParsedFeed{
		Title:   "Example Feed",
		Entries: entries,
	}, nil)

	s.items.EXPECT().ExistsByLink(gomock.Any(), gomock.Any()).Return(false, nil).Times(10)
	s.items.EXPECT().BulkInsert(gomock.Any(), gomock.Len(10)).Return(nil)
	s.sources.EXPECT().Save(gomock.Any(), gomock.Any()).Return(nil)

	err := s.service.StartScan(ctx, domain.TriggerAutomatic)
	s.NoError(err)

	// Sub-source updates land every 5 entries: after entry 1 and after
	// entry 6 of 10.
	var fractional []domain.ScanProgress
	for _, snap := range snapshots {
		if snap.IsScanning && snap.CurrentIndex != float64(int(snap.CurrentIndex)) {
			fractional = append(fractional, snap)
		}
	}
	s.Require().Len(fractional, 2)
	s.Equal(0.1, fractional[0].CurrentIndex)
	s.Equal(0.6, fractional[1].CurrentIndex)
	s.Require().NotNil(fractional[0].CurrentSource)
	s.Contains(*fractional[0].CurrentSource, "processing entry 1")
	s.Require().NotNil(fractional[1].CurrentSource)
	s.Contains(*fractional[1].CurrentSource, "processing entry 6")
}

func (s *ScanServiceTestSuite) TestStartScan_Busy() {
	ctx := context.Background()
	s.allowProgress()
	s.passThroughTx()

	started := make(chan struct{})
	release := make(chan struct{})

	s.sources.EXPECT().List(gomock.Any()).Return([]domain.Source{{ID: 1, URL: "http://slow/feed"}}, nil)
	s.fetcher.EXPECT().Fetch(gomock.Any(), "http://slow/feed").DoAndReturn(
		func(context.Context, string) (*domain.ParsedFeed, error) {
			close(started)
			<-release
			return &domain.ParsedFeed{Title: "slow"}, nil
		},
	)
	s.items.EXPECT().BulkInsert(gomock.Any(), gomock.Any()).Return(nil)
	s.sources.EXPECT().Save(gomock.Any(), gomock.Any()).Return(nil)

	var wg sync.WaitGroup
	wg.Add(1)
	var firstErr error
	go func() {
		defer wg.Done()
		firstErr = s.service.StartScan(ctx, domain.TriggerAutomatic)
	}()

	<-started
	err := s.service.StartScan(ctx, domain.TriggerManual)
	s.ErrorIs(err, domain.ErrScanInProgress)

	close(release)
	wg.Wait()
	s.NoError(firstErr)
}

func (s *ScanServiceTestSuite) TestRefreshSource() {
	ctx := context.Background()
	s.allowProgress()
	s.passThroughTx()

	source := &domain.Source{ID: 5, URL: "http://example.com/feed"}
	s.sources.EXPECT().GetByID(ctx, int64(5)).Return(source, nil)

	published := time.Date(2026, 8, 29, 9, 0, 0, 0, time.UTC)
	s.fetcher.EXPECT().Fetch(gomock.Any(), source.URL).Return(&domain.ParsedFeed{
		Title:   "Example Feed",
		Entries: []domain.ParsedEntry{{Title: "e", Link: "http://e/1", Published: &published}},
	}, nil)

	s.items.EXPECT().ExistsByLink(gomock.Any(), "http://e/1").Return(false, nil)
	s.items.EXPECT().BulkInsert(gomock.Any(), gomock.Any()).Return(nil)
	s.sources.EXPECT().Save(gomock.Any(), gomock.Any()).Return(nil)

	result, err := s.service.RefreshSource(ctx, 5)
	s.NoError(err)
	s.Require().NotNil(result)
	s.NotNil(result.LastScanTime)
	s.Require().NotNil(result.LastArticleDate)
	s.True(result.LastArticleDate.Equal(published))
}

func (s *ScanServiceTestSuite) TestRefreshSource_NotFound() {
	ctx := context.Background()
	s.allowProgress()

	s.sources.EXPECT().GetByID(ctx, int64(99)).Return(nil, domain.ErrSourceNotFound)

	result, err := s.service.RefreshSource(ctx, 99)
	s.ErrorIs(err, domain.ErrSourceNotFound)
	s.Nil(result)
}

func (s *ScanServiceTestSuite) TestRefreshSource_FailurePropagates() {
	ctx := context.Background()
	s.allowProgress()

	source := &domain.Source{ID: 5, URL: "http://example.com/feed"}
	s.sources.EXPECT().GetByID(ctx, int64(5)).Return(source, nil)
	s.fetcher.EXPECT().Fetch(gomock.Any(), source.URL).Return(nil, errors.New("timeout"))

	var saved *domain.Source
	s.sources.EXPECT().Save(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, src *domain.Source) error {
			saved = src
			return nil
		},
	)

	result, err := s.service.RefreshSource(ctx, 5)
	s.Error(err)
	s.Nil(result)

	s.Require().NotNil(saved)
	s.Equal(domain.StatusError, saved.Status)
	s.Equal(1, saved.ErrorCount)
}

func (s *ScanServiceTestSuite) TestProgress_DefaultQuiescent() {
	progress := s.service.Progress()
	s.False(progress.IsScanning)
	s.True(progress.Completed)
	s.Equal(0.0, progress.CurrentIndex)
}
