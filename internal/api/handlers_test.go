package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/surendranb/runsight-web-sub001/internal/auth"
	"github.com/surendranb/runsight-web-sub001/internal/domain"
	"github.com/surendranb/runsight-web-sub001/internal/orchestrator"
	"github.com/surendranb/runsight-web-sub001/internal/store/postgres"
	"github.com/surendranb/runsight-web-sub001/internal/syncerr"
)

type fakeSyncService struct {
	session   *domain.SyncSession
	view      *orchestrator.SessionView
	history   []domain.SyncSession
	err       error
	cancelled []string
	resumed   []string
}

func (f *fakeSyncService) StartSync(ctx context.Context, userID string, syncType domain.SyncType, after, before *time.Time) (*domain.SyncSession, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.session, nil
}

func (f *fakeSyncService) ResumeSync(ctx context.Context, sessionID string) (*domain.SyncSession, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.resumed = append(f.resumed, sessionID)
	return f.session, nil
}

func (f *fakeSyncService) CancelSync(ctx context.Context, sessionID string) error {
	f.cancelled = append(f.cancelled, sessionID)
	return nil
}

func (f *fakeSyncService) Status(ctx context.Context, sessionID string) (*orchestrator.SessionView, error) {
	if f.view == nil {
		return nil, postgres.ErrSessionNotFound
	}
	return f.view, nil
}

func (f *fakeSyncService) History(ctx context.Context, userID string, limit int) ([]domain.SyncSession, error) {
	return f.history, nil
}

type fakeRecords struct {
	records []domain.EnrichedRecord
	filters postgres.RecordFilters
	stats   postgres.Statistics
}

func (f *fakeRecords) Query(ctx context.Context, userID string, filters postgres.RecordFilters, limit, offset int) ([]domain.EnrichedRecord, error) {
	f.filters = filters
	return f.records, nil
}

func (f *fakeRecords) Statistics(ctx context.Context, userID string) (postgres.Statistics, error) {
	return f.stats, nil
}

func testSession(userID string) *domain.SyncSession {
	return &domain.SyncSession{
		ID:        "sess-1",
		UserID:    userID,
		Type:      domain.SyncFull,
		Status:    domain.StatusInitiated,
		Phase:     domain.PhaseFetching,
		StartedAt: time.Date(2024, time.March, 10, 6, 0, 0, 0, time.UTC),
	}
}

func authedRequest(method, target, body string, scopes ...string) *http.Request {
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)

	scopeSet := make(map[string]struct{}, len(scopes))
	for _, s := range scopes {
		scopeSet[s] = struct{}{}
	}
	claims := &auth.Claims{
		Subject:   "user-1",
		Scopes:    scopeSet,
		ExpiresAt: time.Now().Add(time.Hour),
	}
	return req.WithContext(auth.WithClaims(req.Context(), claims))
}

func TestStartSyncAccepted(t *testing.T) {
	svc := &fakeSyncService{session: testSession("user-1")}
	handler := NewHandler(svc, &fakeRecords{})

	req := authedRequest(http.MethodPost, "/v1/sync", `{"sync_type":"full"}`, auth.ScopeSyncWrite)
	rr := httptest.NewRecorder()
	handler.startSync(rr, req)

	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())

	var view SessionView
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &view))
	require.Equal(t, "sess-1", view.ID)
	require.Equal(t, "initiated", view.Status)
}

func TestStartSyncRejectsBadType(t *testing.T) {
	handler := NewHandler(&fakeSyncService{}, &fakeRecords{})

	req := authedRequest(http.MethodPost, "/v1/sync", `{"sync_type":"weekly"}`, auth.ScopeSyncWrite)
	rr := httptest.NewRecorder()
	handler.startSync(rr, req)

	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Contains(t, rr.Body.String(), "sync_type")
}

func TestStartSyncDateRangeRequiresBounds(t *testing.T) {
	handler := NewHandler(&fakeSyncService{}, &fakeRecords{})

	req := authedRequest(http.MethodPost, "/v1/sync", `{"sync_type":"date_range"}`, auth.ScopeSyncWrite)
	rr := httptest.NewRecorder()
	handler.startSync(rr, req)

	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Contains(t, rr.Body.String(), "after and before")
}

func TestStartSyncConflictWhenAlreadyActive(t *testing.T) {
	svc := &fakeSyncService{err: syncerr.New(syncerr.KindValidation, syncerr.PhaseGeneral, "sync already active for user user-1")}
	handler := NewHandler(svc, &fakeRecords{})

	req := authedRequest(http.MethodPost, "/v1/sync", `{"sync_type":"full"}`, auth.ScopeSyncWrite)
	rr := httptest.NewRecorder()
	handler.startSync(rr, req)

	require.Equal(t, http.StatusConflict, rr.Code)
	require.Contains(t, rr.Body.String(), "already active")
}

func TestStartSyncRateLimitedSetsRetryAfter(t *testing.T) {
	svc := &fakeSyncService{err: syncerr.QuotaExceeded(syncerr.PhaseFetching, 90*time.Second, "daily budget exhausted")}
	handler := NewHandler(svc, &fakeRecords{})

	req := authedRequest(http.MethodPost, "/v1/sync", `{"sync_type":"full"}`, auth.ScopeSyncWrite)
	rr := httptest.NewRecorder()
	handler.startSync(rr, req)

	require.Equal(t, http.StatusTooManyRequests, rr.Code)
	require.Equal(t, "90", rr.Header().Get("Retry-After"))
	require.Contains(t, rr.Body.String(), "remediation")
}

func TestStartSyncRequiresWriteScope(t *testing.T) {
	handler := NewHandler(&fakeSyncService{}, &fakeRecords{})

	req := authedRequest(http.MethodPost, "/v1/sync", `{"sync_type":"full"}`, auth.ScopeSyncRead)
	rr := httptest.NewRecorder()
	handler.startSync(rr, req)

	require.Equal(t, http.StatusForbidden, rr.Code)
}

func TestStartSyncRequiresClaims(t *testing.T) {
	handler := NewHandler(&fakeSyncService{}, &fakeRecords{})

	req := httptest.NewRequest(http.MethodPost, "/v1/sync", strings.NewReader(`{"sync_type":"full"}`))
	rr := httptest.NewRecorder()
	handler.startSync(rr, req)

	require.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestStatusIncludesRemediationForFailedSession(t *testing.T) {
	session := testSession("user-1")
	session.Status = domain.StatusFailed
	svc := &fakeSyncService{view: &orchestrator.SessionView{
		Session:     session,
		Percent:     42.5,
		Remediation: "reconnect your provider account and try again",
	}}
	handler := NewHandler(svc, &fakeRecords{})

	req := authedRequest(http.MethodGet, "/v1/sync/sess-1", "", auth.ScopeSyncRead)
	rr := httptest.NewRecorder()
	handler.syncByID(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)

	var view SessionView
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &view))
	require.Equal(t, "failed", view.Status)
	require.InDelta(t, 42.5, view.Percent, 0.01)
	require.Contains(t, view.Remediation, "reconnect")
}

func TestStatusHidesOtherUsersSessions(t *testing.T) {
	svc := &fakeSyncService{view: &orchestrator.SessionView{Session: testSession("someone-else")}}
	handler := NewHandler(svc, &fakeRecords{})

	req := authedRequest(http.MethodGet, "/v1/sync/sess-1", "", auth.ScopeSyncRead)
	rr := httptest.NewRecorder()
	handler.syncByID(rr, req)

	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestStatusUnknownSession(t *testing.T) {
	handler := NewHandler(&fakeSyncService{}, &fakeRecords{})

	req := authedRequest(http.MethodGet, "/v1/sync/missing", "", auth.ScopeSyncRead)
	rr := httptest.NewRecorder()
	handler.syncByID(rr, req)

	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestCancelSession(t *testing.T) {
	svc := &fakeSyncService{view: &orchestrator.SessionView{Session: testSession("user-1")}}
	handler := NewHandler(svc, &fakeRecords{})

	req := authedRequest(http.MethodPost, "/v1/sync/sess-1/cancel", "", auth.ScopeSyncWrite)
	rr := httptest.NewRecorder()
	handler.syncByID(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, []string{"sess-1"}, svc.cancelled)
}

func TestResumeRejectedForCompletedSession(t *testing.T) {
	session := testSession("user-1")
	session.Status = domain.StatusCompleted
	svc := &fakeSyncService{
		view: &orchestrator.SessionView{Session: session},
		err:  syncerr.New(syncerr.KindValidation, syncerr.PhaseGeneral, "session sess-1 is completed, only failed sessions can resume"),
	}
	handler := NewHandler(svc, &fakeRecords{})

	req := authedRequest(http.MethodPost, "/v1/sync/sess-1/resume", "", auth.ScopeSyncWrite)
	rr := httptest.NewRecorder()
	handler.syncByID(rr, req)

	require.Equal(t, http.StatusConflict, rr.Code)
	require.Contains(t, rr.Body.String(), "only failed sessions")
}

func TestHistoryListsSessions(t *testing.T) {
	svc := &fakeSyncService{history: []domain.SyncSession{*testSession("user-1")}}
	handler := NewHandler(svc, &fakeRecords{})

	req := authedRequest(http.MethodGet, "/v1/sync/history?limit=5", "", auth.ScopeSyncRead)
	rr := httptest.NewRecorder()
	handler.history(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)

	var resp HistoryResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Len(t, resp.Items, 1)
	require.Equal(t, "sess-1", resp.Items[0].ID)
}

func TestListRecordsParsesFilters(t *testing.T) {
	records := &fakeRecords{records: []domain.EnrichedRecord{{ID: "rec-1", UserID: "user-1", ExternalID: "100"}}}
	handler := NewHandler(&fakeSyncService{}, records)

	target := fmt.Sprintf("/v1/records?type=Run&after=%s&limit=10",
		time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC).Format(time.RFC3339))
	req := authedRequest(http.MethodGet, target, "", auth.ScopeSyncRead)
	rr := httptest.NewRecorder()
	handler.listRecords(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "Run", records.filters.Type)
	require.NotNil(t, records.filters.After)
	require.Nil(t, records.filters.Before)

	var resp RecordsResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Len(t, resp.Items, 1)
}

func TestListRecordsRejectsBadTimestamp(t *testing.T) {
	handler := NewHandler(&fakeSyncService{}, &fakeRecords{})

	req := authedRequest(http.MethodGet, "/v1/records?after=yesterday", "", auth.ScopeSyncRead)
	rr := httptest.NewRecorder()
	handler.listRecords(rr, req)

	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestStatisticsEndpoint(t *testing.T) {
	records := &fakeRecords{stats: postgres.Statistics{TotalRecords: 12, WeatherEnriched: 9, Geocoded: 8}}
	handler := NewHandler(&fakeSyncService{}, records)

	req := authedRequest(http.MethodGet, "/v1/records/statistics", "", auth.ScopeSyncRead)
	rr := httptest.NewRecorder()
	handler.statistics(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)

	var stats postgres.Statistics
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &stats))
	require.Equal(t, 12, stats.TotalRecords)
}
