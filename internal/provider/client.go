// Package provider implements the paginated, rate-limit-aware client for the
// upstream activity API.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/surendranb/runsight-web-sub001/internal/domain"
	"github.com/surendranb/runsight-web-sub001/internal/ratelimit"
	"github.com/surendranb/runsight-web-sub001/internal/syncerr"
)

// Defaults for the upstream API budget. Limits are replaced by response
// headers as soon as the first page arrives.
const (
	DefaultPageSize    = 50
	defaultWindowLimit = 100
	defaultDailyLimit  = 1000
	shortWindow        = 15 * time.Minute
)

// Filters narrow a fetch to a time range.
type Filters struct {
	After  *time.Time
	Before *time.Time
}

// Config holds client construction parameters.
type Config struct {
	BaseURL     string
	HTTPTimeout time.Duration
	RetryPolicy syncerr.RetryPolicy
	Breaker     syncerr.BreakerConfig
}

// Client fetches raw activity pages from the upstream fitness API. Each
// instance owns a private rate-limit ledger and circuit breaker.
type Client struct {
	httpClient *http.Client
	baseURL    string
	creds      CredentialProvider
	breaker    *syncerr.Breaker
	ledger     *ratelimit.Ledger
	policy     syncerr.RetryPolicy
	logger     *log.Logger
}

// Option configures optional client behaviour.
type Option func(*Client)

// WithLogger overrides the client logger.
func WithLogger(logger *log.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithHTTPClient overrides the HTTP client, used by tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient constructs a Client.
func NewClient(cfg Config, creds CredentialProvider, opts ...Option) *Client {
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	policy := cfg.RetryPolicy
	if policy.MaxAttempts == 0 {
		policy = syncerr.DefaultRetryPolicy()
	}
	breakerCfg := cfg.Breaker
	if breakerCfg.Name == "" {
		breakerCfg = syncerr.DefaultBreakerConfig("activity-provider")
	}

	c := &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    cfg.BaseURL,
		creds:      creds,
		breaker:    syncerr.NewBreaker(breakerCfg),
		ledger:     ratelimit.NewLedger(shortWindow, defaultWindowLimit, defaultDailyLimit),
		policy:     policy,
		logger:     log.New(log.Writer(), "[provider] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Ledger exposes the rate-limit ledger for metrics.
func (c *Client) Ledger() *ratelimit.Ledger { return c.ledger }

// BreakerState exposes breaker state for metrics.
func (c *Client) BreakerState() string { return c.breaker.State() }

// FetchPage fetches one page of raw activities. hasMore is inferred from a
// full page; a short or empty page ends pagination.
func (c *Client) FetchPage(ctx context.Context, userID string, page, pageSize int, after, before *time.Time) ([]domain.RawActivity, bool, error) {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}

	if err := c.ledger.Wait(ctx); err != nil {
		if quota, ok := asQuotaError(err); ok {
			return nil, false, syncerr.QuotaExceeded(syncerr.PhaseFetching, quota.Wait, quota.Error())
		}
		return nil, false, err
	}

	token, err := c.creds.AccessToken(ctx, userID)
	if err != nil {
		return nil, false, err
	}

	endpoint, err := url.Parse(c.baseURL + "/athlete/activities")
	if err != nil {
		return nil, false, syncerr.Wrap(syncerr.KindUnknown, syncerr.PhaseFetching, err)
	}
	q := endpoint.Query()
	q.Set("page", strconv.Itoa(page))
	q.Set("per_page", strconv.Itoa(pageSize))
	if after != nil {
		q.Set("after", strconv.FormatInt(after.Unix(), 10))
	}
	if before != nil {
		q.Set("before", strconv.FormatInt(before.Unix(), 10))
	}
	endpoint.RawQuery = q.Encode()

	var records []domain.RawActivity
	err = c.breaker.Do(func() error {
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
		if reqErr != nil {
			return reqErr
		}
		req.Header.Set("Authorization", "Bearer "+token)

		resp, doErr := c.httpClient.Do(req)
		if doErr != nil {
			return syncerr.Wrap(syncerr.KindNetwork, syncerr.PhaseFetching, doErr)
		}
		defer resp.Body.Close()

		c.ledger.UpdateFromHeaders(resp.Header)

		if statusErr := c.statusError(resp); statusErr != nil {
			return statusErr
		}

		body, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return syncerr.Wrap(syncerr.KindNetwork, syncerr.PhaseFetching, readErr)
		}

		decoded, decodeErr := decodePage(body)
		if decodeErr != nil {
			return syncerr.Wrap(syncerr.KindValidation, syncerr.PhaseFetching, decodeErr)
		}
		records = decoded
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	// hasMore is judged on the element count as served: a full page that
	// dedupes below pageSize must not end pagination early.
	hasMore := len(records) >= pageSize
	records = dedupeByID(records)
	return records, hasMore, nil
}

func (c *Client) statusError(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return syncerr.New(syncerr.KindAuthentication, syncerr.PhaseFetching,
			fmt.Sprintf("provider rejected credentials with %d", resp.StatusCode))
	case resp.StatusCode == http.StatusTooManyRequests:
		return syncerr.RateLimited(syncerr.PhaseFetching, retryAfterHint(resp),
			"provider returned 429")
	case resp.StatusCode >= 500:
		return syncerr.New(syncerr.KindNetwork, syncerr.PhaseFetching,
			fmt.Sprintf("provider returned %d", resp.StatusCode))
	default:
		return syncerr.New(syncerr.KindUnknown, syncerr.PhaseFetching,
			fmt.Sprintf("unexpected provider status %d", resp.StatusCode))
	}
}

func retryAfterHint(resp *http.Response) time.Duration {
	if seconds, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return time.Minute
}

// decodePage keeps each element's raw JSON alongside the parsed struct so
// the full payload survives into storage.
func decodePage(body []byte) ([]domain.RawActivity, error) {
	var elements []json.RawMessage
	if err := json.Unmarshal(body, &elements); err != nil {
		return nil, fmt.Errorf("page is not a JSON array: %w", err)
	}

	records := make([]domain.RawActivity, 0, len(elements))
	for i, element := range elements {
		var raw domain.RawActivity
		if err := json.Unmarshal(element, &raw); err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		raw.Raw = element
		records = append(records, raw)
	}
	return records, nil
}

func dedupeByID(records []domain.RawActivity) []domain.RawActivity {
	seen := make(map[int64]struct{}, len(records))
	out := records[:0]
	for _, rec := range records {
		if _, dup := seen[rec.ID]; dup {
			continue
		}
		seen[rec.ID] = struct{}{}
		out = append(out, rec)
	}
	return out
}

func asQuotaError(err error) (*ratelimit.QuotaError, bool) {
	var quota *ratelimit.QuotaError
	if errors.As(err, &quota) {
		return quota, true
	}
	return nil, false
}

// FetchAll drives FetchPage from startPage until the provider reports no
// more data, maxPages is reached, or an authentication error occurs. Each
// page is retried under the client's retry policy before the error
// propagates. onPage receives every page in increasing page order.
func (c *Client) FetchAll(ctx context.Context, userID string, filters Filters, startPage, pageSize, maxPages int, onPage func(page int, records []domain.RawActivity, hasMore bool) error) (int, error) {
	if startPage < 1 {
		startPage = 1
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}

	total := 0
	for page := startPage; maxPages <= 0 || page < startPage+maxPages; page++ {
		var (
			records []domain.RawActivity
			hasMore bool
		)
		err := syncerr.Retry(ctx, c.policy, syncerr.PhaseFetching, func() error {
			var fetchErr error
			records, hasMore, fetchErr = c.FetchPage(ctx, userID, page, pageSize, filters.After, filters.Before)
			return fetchErr
		})
		if err != nil {
			typed := syncerr.Classify(err, syncerr.PhaseFetching)
			c.logger.Printf("page %d failed for user %s: %v", page, userID, typed)
			return total, typed
		}

		total += len(records)
		if onPage != nil {
			if cbErr := onPage(page, records, hasMore); cbErr != nil {
				return total, cbErr
			}
		}
		if !hasMore {
			break
		}
	}
	return total, nil
}
