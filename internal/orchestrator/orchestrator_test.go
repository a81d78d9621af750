package orchestrator

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/surendranb/runsight-web-sub001/internal/domain"
	"github.com/surendranb/runsight-web-sub001/internal/provider"
	"github.com/surendranb/runsight-web-sub001/internal/state"
	"github.com/surendranb/runsight-web-sub001/internal/store/postgres"
	"github.com/surendranb/runsight-web-sub001/internal/syncerr"
)

// memRepo is an in-memory session repository backing the manager in tests.
type memRepo struct {
	mu       sync.Mutex
	sessions map[string]domain.SyncSession
}

func newMemRepo() *memRepo {
	return &memRepo{sessions: make(map[string]domain.SyncSession)}
}

func (r *memRepo) Insert(ctx context.Context, s *domain.SyncSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = *s
	return nil
}

func (r *memRepo) Update(ctx context.Context, s *domain.SyncSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[s.ID]; !ok {
		return postgres.ErrSessionNotFound
	}
	r.sessions[s.ID] = *s
	return nil
}

func (r *memRepo) Get(ctx context.Context, id string) (*domain.SyncSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, postgres.ErrSessionNotFound
	}
	clone := s
	return &clone, nil
}

func (r *memRepo) ActiveByUser(ctx context.Context, userID string) ([]domain.SyncSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.SyncSession
	for _, s := range r.sessions {
		if s.UserID == userID && !s.Status.Terminal() {
			out = append(out, s)
		}
	}
	return out, nil
}

func (r *memRepo) History(ctx context.Context, userID string, limit int) ([]domain.SyncSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.SyncSession
	for _, s := range r.sessions {
		if s.UserID == userID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out, nil
}

func (r *memRepo) DeleteOlderThan(ctx context.Context, userID string, cutoff time.Time) (int64, error) {
	return 0, nil
}

type fakeFetcher struct {
	pages      [][]domain.RawActivity
	err        error
	startPages []int
}

func (f *fakeFetcher) FetchAll(ctx context.Context, userID string, filters provider.Filters, startPage, pageSize, maxPages int, onPage func(int, []domain.RawActivity, bool) error) (int, error) {
	f.startPages = append(f.startPages, startPage)
	if f.err != nil {
		return 0, f.err
	}
	total := 0
	for i, page := range f.pages {
		if ctx.Err() != nil {
			return total, syncerr.Classify(ctx.Err(), syncerr.PhaseFetching)
		}
		total += len(page)
		if err := onPage(startPage+i, page, i < len(f.pages)-1); err != nil {
			return total, err
		}
	}
	return total, nil
}

type fakeEnricher struct {
	available bool
	capacity  int
	enriched  int
	err       error
}

func (f *fakeEnricher) IsAvailable(ctx context.Context) bool { return f.available }
func (f *fakeEnricher) EstimateCapacity() int                { return f.capacity }

func (f *fakeEnricher) EnrichBatch(ctx context.Context, records []domain.EnrichedRecord, batchSize int, onProgress func(int)) ([]domain.EnrichedRecord, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([]domain.EnrichedRecord, 0, len(records))
	for _, rec := range records {
		rec.Enrichment.WeatherFetched = true
		out = append(out, rec)
	}
	f.enriched += len(out)
	if onProgress != nil {
		onProgress(len(out))
	}
	return out, nil
}

// fakeWriter upserts keyed by external id, like the real record store.
type fakeWriter struct {
	mu     sync.Mutex
	err    error
	result *domain.BatchResult
	byID   map[string]domain.EnrichedRecord
	order  []string
}

func (f *fakeWriter) StoreBatch(ctx context.Context, records []domain.EnrichedRecord, batchSize int, onProgress func(int)) (domain.BatchResult, error) {
	if f.err != nil {
		return domain.BatchResult{}, f.err
	}
	f.mu.Lock()
	if f.byID == nil {
		f.byID = make(map[string]domain.EnrichedRecord)
	}
	for _, rec := range records {
		if _, ok := f.byID[rec.ExternalID]; !ok {
			f.order = append(f.order, rec.ExternalID)
		}
		f.byID[rec.ExternalID] = rec
	}
	f.mu.Unlock()
	if f.result != nil {
		return *f.result, nil
	}
	return domain.BatchResult{Saved: len(records)}, nil
}

func (f *fakeWriter) records() []domain.EnrichedRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.EnrichedRecord, 0, len(f.order))
	for _, id := range f.order {
		out = append(out, f.byID[id])
	}
	return out
}

type fakeNotifier struct {
	mu       sync.Mutex
	statuses []domain.SessionStatus
}

func (f *fakeNotifier) Publish(ctx context.Context, session *domain.SyncSession) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, session.Status)
}

func (f *fakeNotifier) seen() []domain.SessionStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.SessionStatus(nil), f.statuses...)
}

func rawActivity(id int64) domain.RawActivity {
	return domain.RawActivity{
		ID:          id,
		Name:        "Morning Run",
		Type:        "Run",
		Distance:    5000,
		MovingTime:  1500,
		ElapsedTime: 1600,
		StartDate:   "2024-03-10T06:30:00Z",
		StartLatLng: []float64{12.97, 77.59},
	}
}

func rawPage(ids ...int64) []domain.RawActivity {
	page := make([]domain.RawActivity, 0, len(ids))
	for _, id := range ids {
		page = append(page, rawActivity(id))
	}
	return page
}

func newTestOrchestrator(repo *memRepo, fetcher Fetcher, enricher Enricher, writer RecordWriter, notifier Notifier) (*Orchestrator, *state.Manager) {
	manager := state.NewManager(repo)
	return New(Config{}, manager, fetcher, enricher, writer, notifier), manager
}

func TestRunCompletesThroughAllPhases(t *testing.T) {
	repo := newMemRepo()
	fetcher := &fakeFetcher{pages: [][]domain.RawActivity{rawPage(1, 2, 3), rawPage(4, 5)}}
	enricher := &fakeEnricher{available: true, capacity: 100}
	writer := &fakeWriter{}
	notifier := &fakeNotifier{}
	o, manager := newTestOrchestrator(repo, fetcher, enricher, writer, notifier)

	session, err := manager.CreateSession(context.Background(), "user-1", domain.SyncFull, nil, nil)
	require.NoError(t, err)

	o.run(context.Background(), session, 1)

	stored, err := repo.Get(context.Background(), session.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusCompleted, stored.Status)
	require.Equal(t, 5, stored.Progress.Fetched)
	require.Equal(t, 5, stored.Progress.Stored)
	require.Equal(t, 5, stored.Progress.EstimatedTotal)
	require.NotNil(t, stored.CompletedAt)

	require.Len(t, writer.records(), 5)
	for _, rec := range writer.records() {
		require.True(t, rec.Enrichment.WeatherFetched)
		require.Equal(t, session.ID, rec.SyncSessionID)
	}

	require.NotNil(t, stored.Checkpoint)
	require.Equal(t, 2, stored.Checkpoint.PageNumber)
	require.Equal(t, "5", stored.Checkpoint.LastExternalID)

	require.Equal(t, []domain.SessionStatus{domain.StatusCompleted}, notifier.seen())
}

func TestRunPartialStoreFailuresStillComplete(t *testing.T) {
	repo := newMemRepo()
	fetcher := &fakeFetcher{pages: [][]domain.RawActivity{rawPage(1, 2, 3, 4, 5)}}
	writer := &fakeWriter{result: &domain.BatchResult{
		Saved:  3,
		Failed: 2,
		FailedDetails: []domain.FailedRecord{
			{ExternalID: "4", Reason: "write refused"},
			{ExternalID: "5", Reason: "write refused"},
		},
	}}
	o, manager := newTestOrchestrator(repo, fetcher, &fakeEnricher{}, writer, nil)

	session, err := manager.CreateSession(context.Background(), "user-1", domain.SyncFull, nil, nil)
	require.NoError(t, err)

	o.run(context.Background(), session, 1)

	stored, err := repo.Get(context.Background(), session.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusCompleted, stored.Status)
	require.Equal(t, 3, stored.Progress.Stored)
	require.Equal(t, 2, stored.Progress.Failed)
}

func TestRunSkipsEnrichmentWhenUnavailable(t *testing.T) {
	repo := newMemRepo()
	fetcher := &fakeFetcher{pages: [][]domain.RawActivity{rawPage(1, 2)}}
	enricher := &fakeEnricher{available: false}
	writer := &fakeWriter{}
	o, manager := newTestOrchestrator(repo, fetcher, enricher, writer, nil)

	session, err := manager.CreateSession(context.Background(), "user-1", domain.SyncFull, nil, nil)
	require.NoError(t, err)

	o.run(context.Background(), session, 1)

	stored, err := repo.Get(context.Background(), session.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusCompleted, stored.Status)
	require.Zero(t, enricher.enriched)
	require.Len(t, writer.records(), 2)
	for _, rec := range writer.records() {
		require.False(t, rec.Enrichment.WeatherFetched)
	}
}

func TestRunEnrichesOnlyUpToCapacity(t *testing.T) {
	repo := newMemRepo()
	fetcher := &fakeFetcher{pages: [][]domain.RawActivity{rawPage(1, 2, 3, 4, 5)}}
	enricher := &fakeEnricher{available: true, capacity: 2}
	writer := &fakeWriter{}
	o, manager := newTestOrchestrator(repo, fetcher, enricher, writer, nil)

	session, err := manager.CreateSession(context.Background(), "user-1", domain.SyncFull, nil, nil)
	require.NoError(t, err)

	o.run(context.Background(), session, 1)

	require.Equal(t, 2, enricher.enriched)
	require.Len(t, writer.records(), 5)

	enrichedCount := 0
	for _, rec := range writer.records() {
		if rec.Enrichment.WeatherFetched {
			enrichedCount++
		}
	}
	require.Equal(t, 2, enrichedCount)
}

func TestRunDropsInvalidRecordsAndCountsThemFailed(t *testing.T) {
	repo := newMemRepo()
	bad := rawActivity(3)
	bad.Type = ""
	bad.Distance = -1
	fetcher := &fakeFetcher{pages: [][]domain.RawActivity{{rawActivity(1), bad, rawActivity(2)}}}
	writer := &fakeWriter{}
	o, manager := newTestOrchestrator(repo, fetcher, &fakeEnricher{}, writer, nil)

	session, err := manager.CreateSession(context.Background(), "user-1", domain.SyncFull, nil, nil)
	require.NoError(t, err)

	o.run(context.Background(), session, 1)

	stored, err := repo.Get(context.Background(), session.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusCompleted, stored.Status)
	require.Equal(t, 3, stored.Progress.Fetched)
	require.Equal(t, 1, stored.Progress.Failed)
	require.Len(t, writer.records(), 2)
}

func TestRunFailsSessionOnFetchError(t *testing.T) {
	repo := newMemRepo()
	fetcher := &fakeFetcher{err: syncerr.New(syncerr.KindAuthentication, syncerr.PhaseFetching, "token revoked")}
	notifier := &fakeNotifier{}
	o, manager := newTestOrchestrator(repo, fetcher, &fakeEnricher{}, &fakeWriter{}, notifier)

	session, err := manager.CreateSession(context.Background(), "user-1", domain.SyncFull, nil, nil)
	require.NoError(t, err)

	o.run(context.Background(), session, 1)

	stored, err := repo.Get(context.Background(), session.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusFailed, stored.Status)
	require.Equal(t, 1, stored.ErrorCount)
	require.Contains(t, string(stored.LastError), "authentication")

	view, err := o.Status(context.Background(), session.ID)
	require.NoError(t, err)
	require.Contains(t, view.Remediation, "reconnect")

	require.Equal(t, []domain.SessionStatus{domain.StatusFailed}, notifier.seen())
}

func TestRunDoesNotOverwriteCancelledSession(t *testing.T) {
	repo := newMemRepo()
	fetcher := &fakeFetcher{pages: [][]domain.RawActivity{rawPage(1)}}
	o, manager := newTestOrchestrator(repo, fetcher, &fakeEnricher{}, &fakeWriter{}, nil)

	session, err := manager.CreateSession(context.Background(), "user-1", domain.SyncFull, nil, nil)
	require.NoError(t, err)
	require.NoError(t, manager.CancelSession(context.Background(), session.ID))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	o.run(ctx, session, 1)

	stored, err := repo.Get(context.Background(), session.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusCancelled, stored.Status)
}

func TestStartSyncRunsInBackground(t *testing.T) {
	repo := newMemRepo()
	fetcher := &fakeFetcher{pages: [][]domain.RawActivity{rawPage(1, 2)}}
	o, _ := newTestOrchestrator(repo, fetcher, &fakeEnricher{}, &fakeWriter{}, nil)

	session, err := o.StartSync(context.Background(), "user-1", domain.SyncIncremental, nil, nil)
	require.NoError(t, err)
	require.Equal(t, domain.StatusInitiated, session.Status)

	require.Eventually(t, func() bool {
		stored, gErr := repo.Get(context.Background(), session.ID)
		return gErr == nil && stored.Status == domain.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)
}

func TestResumeSyncOnlyFailedSessions(t *testing.T) {
	repo := newMemRepo()
	fetcher := &fakeFetcher{pages: [][]domain.RawActivity{rawPage(1)}}
	o, manager := newTestOrchestrator(repo, fetcher, &fakeEnricher{}, &fakeWriter{}, nil)

	session, err := manager.CreateSession(context.Background(), "user-1", domain.SyncFull, nil, nil)
	require.NoError(t, err)
	require.NoError(t, manager.CompleteSession(context.Background(), session))

	_, err = o.ResumeSync(context.Background(), session.ID)
	var typed *syncerr.SyncError
	require.ErrorAs(t, err, &typed)
	require.Equal(t, syncerr.KindValidation, typed.Kind)
	require.Contains(t, typed.Message, "only failed sessions")
}

func TestResumeSyncStartsFromCheckpoint(t *testing.T) {
	repo := newMemRepo()
	fetcher := &fakeFetcher{pages: [][]domain.RawActivity{rawPage(101, 102)}}
	o, manager := newTestOrchestrator(repo, fetcher, &fakeEnricher{}, &fakeWriter{}, nil)

	session, err := manager.CreateSession(context.Background(), "user-1", domain.SyncFull, nil, nil)
	require.NoError(t, err)
	require.NoError(t, manager.SaveCheckpoint(context.Background(), session, domain.Checkpoint{
		PageNumber:     2,
		PageSize:       50,
		LastExternalID: "100",
		Fetched:        100,
	}))
	cause := syncerr.New(syncerr.KindNetwork, syncerr.PhaseFetching, "connection reset")
	require.NoError(t, manager.FailSession(context.Background(), session, cause))

	resumed, err := o.ResumeSync(context.Background(), session.ID)
	require.NoError(t, err)
	require.Equal(t, 1, resumed.RetryCount)

	require.Eventually(t, func() bool {
		stored, gErr := repo.Get(context.Background(), session.ID)
		return gErr == nil && stored.Status == domain.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	require.Equal(t, []int{3}, fetcher.startPages)

	stored, err := repo.Get(context.Background(), session.ID)
	require.NoError(t, err)
	require.Equal(t, 102, stored.Progress.Fetched)
	require.Equal(t, strconv.Itoa(102), stored.Checkpoint.LastExternalID)
}

func TestResumeAfterMidSyncFailureKeepsEarlierPages(t *testing.T) {
	repo := newMemRepo()
	fetcher := &fakeFetcher{pages: [][]domain.RawActivity{rawPage(1, 2), rawPage(3, 4)}}
	enricher := &fakeEnricher{available: true, capacity: 100,
		err: syncerr.New(syncerr.KindNetwork, syncerr.PhaseEnriching, "weather upstream unreachable")}
	writer := &fakeWriter{}
	o, manager := newTestOrchestrator(repo, fetcher, enricher, writer, nil)

	session, err := manager.CreateSession(context.Background(), "user-1", domain.SyncFull, nil, nil)
	require.NoError(t, err)

	o.run(context.Background(), session, 1)

	failed, err := repo.Get(context.Background(), session.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusFailed, failed.Status)
	require.Equal(t, 2, failed.Checkpoint.PageNumber)
	// Pages covered by the checkpoint are already durable.
	require.Len(t, writer.records(), 4)

	enricher.err = nil
	fetcher.pages = [][]domain.RawActivity{rawPage(5, 6)}

	resumed, err := o.ResumeSync(context.Background(), session.ID)
	require.NoError(t, err)
	require.Equal(t, 1, resumed.RetryCount)

	require.Eventually(t, func() bool {
		stored, gErr := repo.Get(context.Background(), session.ID)
		return gErr == nil && stored.Status == domain.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	require.Equal(t, []int{1, 3}, fetcher.startPages)

	// Nothing fetched before the failure was lost.
	ids := make([]string, 0, 6)
	for _, rec := range writer.records() {
		ids = append(ids, rec.ExternalID)
	}
	sort.Strings(ids)
	require.Equal(t, []string{"1", "2", "3", "4", "5", "6"}, ids)

	stored, err := repo.Get(context.Background(), session.ID)
	require.NoError(t, err)
	require.Equal(t, 6, stored.Progress.Fetched)
}

func TestCancelSyncMarksSessionCancelled(t *testing.T) {
	repo := newMemRepo()
	o, manager := newTestOrchestrator(repo, &fakeFetcher{}, &fakeEnricher{}, &fakeWriter{}, &fakeNotifier{})

	session, err := manager.CreateSession(context.Background(), "user-1", domain.SyncFull, nil, nil)
	require.NoError(t, err)

	require.NoError(t, o.CancelSync(context.Background(), session.ID))

	stored, err := repo.Get(context.Background(), session.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusCancelled, stored.Status)
}
