package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/surendranb/runsight-web-sub001/internal/domain"
	"github.com/surendranb/runsight-web-sub001/internal/syncerr"
)

type staticCreds struct{ token string }

func (s staticCreds) AccessToken(ctx context.Context, userID string) (string, error) {
	return s.token, nil
}

func fastPolicy() syncerr.RetryPolicy {
	return syncerr.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, Multiplier: 1.5, MaxDelay: 5 * time.Millisecond}
}

func testClient(t *testing.T, serverURL string) *Client {
	t.Helper()
	return NewClient(Config{
		BaseURL:     serverURL,
		RetryPolicy: fastPolicy(),
		Breaker:     syncerr.BreakerConfig{Name: "test", ConsecutiveFailures: 5, RecoveryWindow: 50 * time.Millisecond},
	}, staticCreds{token: "tok"})
}

func activitiesJSON(startID, count int) []byte {
	page := make([]map[string]any, 0, count)
	for i := 0; i < count; i++ {
		page = append(page, map[string]any{
			"id":          startID + i,
			"name":        fmt.Sprintf("Run %d", startID+i),
			"type":        "Run",
			"distance":    5000.0,
			"moving_time": 1500,
			"start_date":  "2024-03-09T06:15:00Z",
		})
	}
	body, _ := json.Marshal(page)
	return body
}

func TestFetchAllStopsOnShortPage(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))

		page := r.URL.Query().Get("page")
		w.Header().Set("X-RateLimit-Limit", "100,1000")
		w.Header().Set("X-RateLimit-Usage", "1,1")
		switch page {
		case "1":
			w.Write(activitiesJSON(1000, 50))
		case "2":
			w.Write(activitiesJSON(2000, 50))
		case "3":
			w.Write(activitiesJSON(3000, 10))
		default:
			t.Fatalf("unexpected page %s", page)
		}
	}))
	defer server.Close()

	client := testClient(t, server.URL)

	var pages []int
	total, err := client.FetchAll(context.Background(), "user-1", Filters{}, 1, 50, 0,
		func(page int, records []domain.RawActivity, hasMore bool) error {
			pages = append(pages, page)
			return nil
		})

	require.NoError(t, err)
	require.Equal(t, 110, total)
	require.Equal(t, int32(3), requests.Load())
	require.Equal(t, []int{1, 2, 3}, pages)
}

func TestFetchPageDeduplicatesWithinPage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[
			{"id":1,"type":"Run","start_date":"2024-03-09T06:15:00Z"},
			{"id":1,"type":"Run","start_date":"2024-03-09T06:15:00Z"},
			{"id":2,"type":"Ride","start_date":"2024-03-09T07:15:00Z"}
		]`))
	}))
	defer server.Close()

	client := testClient(t, server.URL)

	records, _, err := client.FetchPage(context.Background(), "user-1", 1, 50, nil, nil)
	require.NoError(t, err)
	require.Len(t, records, 2)
}

func TestFetchAllContinuesPastDedupedFullPage(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		switch page := r.URL.Query().Get("page"); page {
		case "1":
			// A full page as served, even though one element is a duplicate.
			w.Write([]byte(`[
				{"id":1,"type":"Run","start_date":"2024-03-09T06:15:00Z"},
				{"id":2,"type":"Run","start_date":"2024-03-09T06:15:00Z"},
				{"id":2,"type":"Run","start_date":"2024-03-09T06:15:00Z"},
				{"id":3,"type":"Run","start_date":"2024-03-09T06:15:00Z"},
				{"id":4,"type":"Run","start_date":"2024-03-09T06:15:00Z"}
			]`))
		case "2":
			w.Write(activitiesJSON(5, 2))
		default:
			t.Fatalf("unexpected page %s", page)
		}
	}))
	defer server.Close()

	client := testClient(t, server.URL)

	total, err := client.FetchAll(context.Background(), "user-1", Filters{}, 1, 5, 0, nil)
	require.NoError(t, err)
	require.Equal(t, 6, total)
	require.Equal(t, int32(2), requests.Load())
}

func TestFetchPageAuthErrorIsNotRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	client := testClient(t, server.URL)

	_, _, err := client.FetchPage(context.Background(), "user-1", 1, 50, nil, nil)
	var typed *syncerr.SyncError
	require.ErrorAs(t, err, &typed)
	require.Equal(t, syncerr.KindAuthentication, typed.Kind)
	require.False(t, typed.Retryable)
}

func TestFetchPageRateLimitCarriesRetryAfter(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "120")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := testClient(t, server.URL)

	_, _, err := client.FetchPage(context.Background(), "user-1", 1, 50, nil, nil)
	var typed *syncerr.SyncError
	require.ErrorAs(t, err, &typed)
	require.Equal(t, syncerr.KindRateLimit, typed.Kind)
	require.True(t, typed.Retryable)
	require.Equal(t, 2*time.Minute, typed.RetryAfter)
}

func TestFetchAllRetriesServerErrors(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write(activitiesJSON(1, 3))
	}))
	defer server.Close()

	client := testClient(t, server.URL)

	total, err := client.FetchAll(context.Background(), "user-1", Filters{}, 1, 50, 0, nil)
	require.NoError(t, err)
	require.Equal(t, 3, total)
	require.Equal(t, int32(2), requests.Load())
}

func TestFetchAllPropagatesAuthError(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	client := testClient(t, server.URL)

	_, err := client.FetchAll(context.Background(), "user-1", Filters{}, 1, 50, 0, nil)
	var typed *syncerr.SyncError
	require.ErrorAs(t, err, &typed)
	require.Equal(t, syncerr.KindAuthentication, typed.Kind)
	// No retries on authentication failures.
	require.Equal(t, int32(1), requests.Load())
}

func TestFetchAllHonoursMaxPages(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page := r.URL.Query().Get("page")
		base := 1000
		fmt.Sscanf(page, "%d", &base)
		w.Write(activitiesJSON(base*1000, 50))
	}))
	defer server.Close()

	client := testClient(t, server.URL)

	total, err := client.FetchAll(context.Background(), "user-1", Filters{}, 1, 50, 2, nil)
	require.NoError(t, err)
	require.Equal(t, 100, total)
}

func TestFetchPageSendsTimeRange(t *testing.T) {
	after := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	before := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, fmt.Sprint(after.Unix()), r.URL.Query().Get("after"))
		require.Equal(t, fmt.Sprint(before.Unix()), r.URL.Query().Get("before"))
		w.Write([]byte(`[]`))
	}))
	defer server.Close()

	client := testClient(t, server.URL)

	records, hasMore, err := client.FetchPage(context.Background(), "user-1", 1, 50, &after, &before)
	require.NoError(t, err)
	require.Empty(t, records)
	require.False(t, hasMore)
}
