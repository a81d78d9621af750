// Package enrichment augments records with historical weather and
// reverse-geocoded location data. Enrichment is best-effort: failures are
// recorded on the record, never propagated as session failures.
package enrichment

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/surendranb/runsight-web-sub001/internal/domain"
	"github.com/surendranb/runsight-web-sub001/internal/ratelimit"
	"github.com/surendranb/runsight-web-sub001/internal/syncerr"
	"github.com/surendranb/runsight-web-sub001/internal/validate"
)

// Defaults for the weather provider budget.
const (
	DefaultBatchSize   = 10
	defaultWindowLimit = 60
	defaultDailyLimit  = 900
	shortWindow        = time.Minute
	callsPerRecord     = 2 // worst case: weather + reverse geocode
)

// Config holds service construction parameters.
type Config struct {
	BaseURL         string
	APIKey          string
	HTTPTimeout     time.Duration
	CallsPerMinute  int
	InterBatchDelay time.Duration
	Breaker         syncerr.BreakerConfig
}

// Service fetches historical weather and location data per record. Each
// instance owns a private rate ledger, limiter and circuit breaker.
type Service struct {
	httpClient      *http.Client
	baseURL         string
	apiKey          string
	breaker         *syncerr.Breaker
	ledger          *ratelimit.Ledger
	limiter         *rate.Limiter
	interBatchDelay time.Duration
	logger          *log.Logger
}

// Option configures optional service behaviour.
type Option func(*Service)

// WithLogger overrides the service logger.
func WithLogger(logger *log.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithoutPacing removes inter-call and inter-batch delays, used by tests.
func WithoutPacing() Option {
	return func(s *Service) {
		s.limiter = rate.NewLimiter(rate.Inf, 1)
		s.interBatchDelay = 0
	}
}

// NewService constructs a Service.
func NewService(cfg Config, opts ...Option) *Service {
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	perMinute := cfg.CallsPerMinute
	if perMinute <= 0 {
		perMinute = defaultWindowLimit
	}
	delay := cfg.InterBatchDelay
	if delay <= 0 {
		delay = 2 * time.Second
	}
	breakerCfg := cfg.Breaker
	if breakerCfg.Name == "" {
		breakerCfg = syncerr.DefaultBreakerConfig("weather-provider")
	}

	s := &Service{
		httpClient:      &http.Client{Timeout: timeout},
		baseURL:         cfg.BaseURL,
		apiKey:          cfg.APIKey,
		breaker:         syncerr.NewBreaker(breakerCfg),
		ledger:          ratelimit.NewLedger(shortWindow, perMinute, defaultDailyLimit),
		limiter:         rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), 1),
		interBatchDelay: delay,
		logger:          log.New(log.Writer(), "[enrichment] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// IsAvailable reports whether the service is configured and has budget left,
// so the orchestrator can skip the enrichment phase entirely.
func (s *Service) IsAvailable(ctx context.Context) bool {
	return s.apiKey != "" && s.baseURL != "" && s.ledger.DailyRemaining() > 0
}

// EstimateCapacity reports how many more records can be enriched today.
func (s *Service) EstimateCapacity() int {
	return s.ledger.DailyRemaining() / callsPerRecord
}

// BreakerState exposes breaker state for metrics.
func (s *Service) BreakerState() string { return s.breaker.State() }

// EnrichOne enriches a single record in place and returns it. Records
// without coordinates or a start time are skipped with a reason; sub-fetch
// failures become non-fatal notes.
func (s *Service) EnrichOne(ctx context.Context, rec domain.EnrichedRecord) domain.EnrichedRecord {
	if !rec.HasCoordinates() {
		rec.Enrichment.Notes = append(rec.Enrichment.Notes, "skipped: no start coordinates")
		return rec
	}
	if rec.StartedAt.IsZero() {
		rec.Enrichment.Notes = append(rec.Enrichment.Notes, "skipped: no start time")
		return rec
	}

	snapshot, err := s.fetchWeather(ctx, *rec.Latitude, *rec.Longitude, rec.StartedAt)
	if err != nil {
		rec.Enrichment.Notes = append(rec.Enrichment.Notes, "weather: "+err.Error())
	} else {
		rec.Weather = snapshot
		rec.Enrichment.WeatherFetched = true
	}

	if rec.Location.City == "" && rec.Location.Country == "" {
		location, err := s.reverseGeocode(ctx, *rec.Latitude, *rec.Longitude)
		if err != nil {
			rec.Enrichment.Notes = append(rec.Enrichment.Notes, "geocode: "+err.Error())
		} else {
			rec.Location = location
			rec.Enrichment.Geocoded = true
		}
	} else {
		rec.Enrichment.Geocoded = true
	}

	return rec
}

// EnrichBatch processes records in fixed-size batches with per-call pacing
// and an inter-batch delay. The returned slice preserves input order; the
// only error is context cancellation.
func (s *Service) EnrichBatch(ctx context.Context, records []domain.EnrichedRecord, batchSize int, onProgress func(done int)) ([]domain.EnrichedRecord, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	out := make([]domain.EnrichedRecord, 0, len(records))
	for start := 0; start < len(records); start += batchSize {
		end := start + batchSize
		if end > len(records) {
			end = len(records)
		}

		for _, rec := range records[start:end] {
			if err := ctx.Err(); err != nil {
				return out, err
			}
			out = append(out, s.EnrichOne(ctx, rec))
		}

		if onProgress != nil {
			onProgress(len(out))
		}

		if end < len(records) && s.interBatchDelay > 0 {
			timer := time.NewTimer(s.interBatchDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return out, ctx.Err()
			case <-timer.C:
			}
		}
	}
	return out, nil
}

func (s *Service) call(ctx context.Context, endpoint string, into any) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	if err := s.ledger.Wait(ctx); err != nil {
		return err
	}

	return s.breaker.Do(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return err
		}
		resp, err := s.httpClient.Do(req)
		if err != nil {
			return syncerr.Wrap(syncerr.KindNetwork, syncerr.PhaseEnriching, err)
		}
		defer resp.Body.Close()

		if !s.ledger.UpdateFromHeaders(resp.Header) {
			s.ledger.Record()
		}

		if resp.StatusCode != http.StatusOK {
			return syncerr.New(kindForStatus(resp.StatusCode), syncerr.PhaseEnriching,
				fmt.Sprintf("weather provider returned %d", resp.StatusCode))
		}

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return syncerr.Wrap(syncerr.KindNetwork, syncerr.PhaseEnriching, err)
		}
		return json.Unmarshal(body, into)
	})
}

func kindForStatus(status int) syncerr.Kind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return syncerr.KindAuthentication
	case status == http.StatusTooManyRequests:
		return syncerr.KindRateLimit
	case status >= 500:
		return syncerr.KindNetwork
	}
	return syncerr.KindUnknown
}

type weatherResponse struct {
	Data []struct {
		Temp      float64 `json:"temp"`
		FeelsLike float64 `json:"feels_like"`
		Humidity  float64 `json:"humidity"`
		WindSpeed float64 `json:"wind_speed"`
		WindDeg   float64 `json:"wind_deg"`
		Weather   []struct {
			ID   int    `json:"id"`
			Main string `json:"main"`
		} `json:"weather"`
	} `json:"data"`
}

func (s *Service) fetchWeather(ctx context.Context, lat, lon float64, at time.Time) (*domain.WeatherSnapshot, error) {
	endpoint := fmt.Sprintf("%s/data/3.0/onecall/timemachine?%s", s.baseURL, url.Values{
		"lat":   {formatCoord(lat)},
		"lon":   {formatCoord(lon)},
		"dt":    {strconv.FormatInt(at.Unix(), 10)},
		"units": {"metric"},
		"appid": {s.apiKey},
	}.Encode())

	var resp weatherResponse
	if err := s.call(ctx, endpoint, &resp); err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("no historical data for %s", at.Format(time.RFC3339))
	}

	point := resp.Data[0]
	snapshot := &domain.WeatherSnapshot{
		TemperatureC:  validate.SanitizeNumber(point.Temp, -90, 60),
		FeelsLikeC:    validate.SanitizeNumber(point.FeelsLike, -90, 60),
		HumidityPct:   validate.SanitizeNumber(point.Humidity, 0, 100),
		WindSpeedMS:   validate.SanitizeNumber(point.WindSpeed, 0, 120),
		WindDirection: validate.SanitizeNumber(point.WindDeg, 0, 360),
	}
	if len(point.Weather) > 0 {
		snapshot.ConditionCode = point.Weather[0].ID
		snapshot.Condition = validate.SanitizeString(point.Weather[0].Main, 64)
	}
	return snapshot, nil
}

type geocodeResponse []struct {
	Name    string `json:"name"`
	State   string `json:"state"`
	Country string `json:"country"`
}

func (s *Service) reverseGeocode(ctx context.Context, lat, lon float64) (domain.Location, error) {
	endpoint := fmt.Sprintf("%s/geo/1.0/reverse?%s", s.baseURL, url.Values{
		"lat":   {formatCoord(lat)},
		"lon":   {formatCoord(lon)},
		"limit": {"1"},
		"appid": {s.apiKey},
	}.Encode())

	var resp geocodeResponse
	if err := s.call(ctx, endpoint, &resp); err != nil {
		return domain.Location{}, err
	}
	if len(resp) == 0 {
		return domain.Location{}, fmt.Errorf("no place found at %.4f,%.4f", lat, lon)
	}

	return domain.Location{
		City:    validate.SanitizeString(resp[0].Name, 128),
		State:   validate.SanitizeString(resp[0].State, 128),
		Country: validate.SanitizeString(resp[0].Country, 64),
	}, nil
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', 6, 64)
}
