// Package postgres provides pgx-backed persistence for enriched activities,
// sync sessions and provider credentials.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/surendranb/runsight-web-sub001/internal/domain"
	"github.com/surendranb/runsight-web-sub001/internal/validate"
)

const uniqueViolation = "23505"

// RecordStore persists enriched activity records with upsert semantics keyed
// by (user_id, external_id).
type RecordStore struct {
	pool            *pgxpool.Pool
	interBatchDelay time.Duration
}

// NewRecordStore constructs a RecordStore.
func NewRecordStore(pool *pgxpool.Pool) *RecordStore {
	return &RecordStore{pool: pool, interBatchDelay: 200 * time.Millisecond}
}

const recordColumns = `id, user_id, external_id, name, activity_type, distance_m, moving_time_s,
    elapsed_time_s, elevation_gain_m, started_at, started_at_local, latitude, longitude,
    avg_heartrate, max_heartrate, weather, city, state, country, weather_fetched, geocoded,
    enrichment_notes, raw_payload, sync_session_id, created_at, updated_at`

// StoreOne upserts a single record. An existing row is updated in place with
// its original created_at preserved; a unique-constraint violation on insert
// (a lost race) is treated as a successful skip.
func (s *RecordStore) StoreOne(ctx context.Context, rec domain.EnrichedRecord) (domain.StoreOutcome, string, error) {
	now := time.Now().UTC()

	var existingID string
	err := s.pool.QueryRow(ctx,
		`SELECT id FROM enriched_activities WHERE user_id=$1 AND external_id=$2`,
		rec.UserID, rec.ExternalID,
	).Scan(&existingID)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return "", "", err
	}

	weather, notes, err := marshalEnrichment(rec)
	if err != nil {
		return "", "", err
	}

	if existingID != "" {
		_, err := s.pool.Exec(ctx,
			`UPDATE enriched_activities SET
			    name=$1, activity_type=$2, distance_m=$3, moving_time_s=$4, elapsed_time_s=$5,
			    elevation_gain_m=$6, started_at=$7, started_at_local=$8, latitude=$9, longitude=$10,
			    avg_heartrate=$11, max_heartrate=$12, weather=$13, city=$14, state=$15, country=$16,
			    weather_fetched=$17, geocoded=$18, enrichment_notes=$19, raw_payload=$20,
			    sync_session_id=$21, updated_at=$22
			 WHERE id=$23`,
			rec.Name, rec.Type, rec.DistanceMeters, rec.MovingTimeSec, rec.ElapsedTimeSec,
			rec.ElevationGain, rec.StartedAt, rec.StartedAtLocal, rec.Latitude, rec.Longitude,
			rec.AvgHeartrate, rec.MaxHeartrate, weather, rec.Location.City, rec.Location.State,
			rec.Location.Country, rec.Enrichment.WeatherFetched, rec.Enrichment.Geocoded, notes,
			nullIfEmptyJSON(rec.RawPayload), nullIfEmpty(rec.SyncSessionID), now, existingID,
		)
		if err != nil {
			return "", "", err
		}
		return domain.OutcomeUpdated, existingID, nil
	}

	id := uuid.NewString()
	_, err = s.pool.Exec(ctx,
		`INSERT INTO enriched_activities (`+recordColumns+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26)`,
		id, rec.UserID, rec.ExternalID, rec.Name, rec.Type, rec.DistanceMeters, rec.MovingTimeSec,
		rec.ElapsedTimeSec, rec.ElevationGain, rec.StartedAt, rec.StartedAtLocal, rec.Latitude,
		rec.Longitude, rec.AvgHeartrate, rec.MaxHeartrate, weather, rec.Location.City,
		rec.Location.State, rec.Location.Country, rec.Enrichment.WeatherFetched,
		rec.Enrichment.Geocoded, notes, nullIfEmptyJSON(rec.RawPayload),
		nullIfEmpty(rec.SyncSessionID), now, now,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return domain.OutcomeSkipped, "", nil
		}
		return "", "", err
	}
	return domain.OutcomeSaved, id, nil
}

// StoreBatch partitions records into batches and issues concurrent
// per-record stores bounded by batchSize, with a short delay between batches
// to bound sustained write load. Per-record failures are collected, never
// propagated.
func (s *RecordStore) StoreBatch(ctx context.Context, records []domain.EnrichedRecord, batchSize int, onProgress func(done int)) (domain.BatchResult, error) {
	return runBatches(ctx, records, batchSize, s.interBatchDelay, s.StoreOne, onProgress)
}

type storeFn func(ctx context.Context, rec domain.EnrichedRecord) (domain.StoreOutcome, string, error)

// runBatches implements batch partitioning and outcome aggregation over any
// per-record store function. All records in a batch are awaited before the
// batch counts as done; onProgress receives the cumulative count of records
// stored successfully so far.
func runBatches(ctx context.Context, records []domain.EnrichedRecord, batchSize int, delay time.Duration, store storeFn, onProgress func(done int)) (domain.BatchResult, error) {
	if batchSize <= 0 {
		batchSize = 25
	}

	var (
		mu     sync.Mutex
		result domain.BatchResult
	)

	for start := 0; start < len(records); start += batchSize {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		end := start + batchSize
		if end > len(records) {
			end = len(records)
		}

		var wg sync.WaitGroup
		for _, rec := range records[start:end] {
			wg.Add(1)
			go func(rec domain.EnrichedRecord) {
				defer wg.Done()
				outcome, _, err := store(ctx, rec)

				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					result.Failed++
					result.FailedDetails = append(result.FailedDetails, domain.FailedRecord{
						ExternalID: rec.ExternalID,
						Reason:     err.Error(),
					})
					return
				}
				switch outcome {
				case domain.OutcomeSaved:
					result.Saved++
				case domain.OutcomeUpdated:
					result.Updated++
				case domain.OutcomeSkipped:
					result.Skipped++
				}
			}(rec)
		}
		wg.Wait()

		if onProgress != nil {
			// Report successes only; attempted counts would overstate
			// stored records while failures accumulate.
			mu.Lock()
			succeeded := result.Saved + result.Updated + result.Skipped
			mu.Unlock()
			onProgress(succeeded)
		}

		if end < len(records) && delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return result, ctx.Err()
			case <-timer.C:
			}
		}
	}
	return result, nil
}

// RecordFilters narrow a Query.
type RecordFilters struct {
	Type   string
	After  *time.Time
	Before *time.Time
}

// Query returns stored records for a user ordered by start time descending.
func (s *RecordStore) Query(ctx context.Context, userID string, filters RecordFilters, limit, offset int) ([]domain.EnrichedRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	query := `SELECT ` + recordColumns + ` FROM enriched_activities WHERE user_id=$1`
	args := []any{userID}

	if filters.Type != "" {
		args = append(args, filters.Type)
		query += fmt.Sprintf(" AND activity_type=$%d", len(args))
	}
	if filters.After != nil {
		args = append(args, *filters.After)
		query += fmt.Sprintf(" AND started_at >= $%d", len(args))
	}
	if filters.Before != nil {
		args = append(args, *filters.Before)
		query += fmt.Sprintf(" AND started_at < $%d", len(args))
	}

	args = append(args, limit, offset)
	query += fmt.Sprintf(" ORDER BY started_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]domain.EnrichedRecord, 0, limit)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// DeleteByExternalIDs removes records matching the supplied external ids.
func (s *RecordStore) DeleteByExternalIDs(ctx context.Context, userID string, externalIDs []string) (int64, error) {
	if len(externalIDs) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM enriched_activities WHERE user_id=$1 AND external_id = ANY($2)`,
		userID, externalIDs,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// UserIDs returns every user with stored records, for maintenance jobs that
// iterate over all users.
func (s *RecordStore) UserIDs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT user_id FROM enriched_activities ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// Statistics summarizes a user's stored records.
type Statistics struct {
	TotalRecords    int        `json:"total_records"`
	WeatherEnriched int        `json:"weather_enriched"`
	Geocoded        int        `json:"geocoded"`
	EarliestStart   *time.Time `json:"earliest_start,omitempty"`
	LatestStart     *time.Time `json:"latest_start,omitempty"`
}

// Statistics returns counts, enrichment coverage and the stored date range.
func (s *RecordStore) Statistics(ctx context.Context, userID string) (Statistics, error) {
	var stats Statistics
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*),
		        COUNT(*) FILTER (WHERE weather_fetched),
		        COUNT(*) FILTER (WHERE geocoded),
		        MIN(started_at), MAX(started_at)
		 FROM enriched_activities WHERE user_id=$1`,
		userID,
	).Scan(&stats.TotalRecords, &stats.WeatherEnriched, &stats.Geocoded, &stats.EarliestStart, &stats.LatestStart)
	return stats, err
}

// IntegrityReport summarizes an on-demand validation pass over stored rows.
type IntegrityReport struct {
	Checked    int      `json:"checked"`
	Violations []string `json:"violations,omitempty"`
}

// ValidateIntegrity re-runs payload validation against a random sample of
// stored records.
func (s *RecordStore) ValidateIntegrity(ctx context.Context, userID string, sampleSize int) (IntegrityReport, error) {
	if sampleSize <= 0 {
		sampleSize = 50
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+recordColumns+` FROM enriched_activities
		 WHERE user_id=$1 ORDER BY random() LIMIT $2`,
		userID, sampleSize,
	)
	if err != nil {
		return IntegrityReport{}, err
	}
	defer rows.Close()

	var report IntegrityReport
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return report, err
		}
		report.Checked++
		if err := validate.RawActivity(toRaw(rec)); err != nil {
			report.Violations = append(report.Violations,
				fmt.Sprintf("record %s: %v", rec.ExternalID, err))
		}
	}
	return report, rows.Err()
}

// toRaw reconstructs the provider shape from stored fields so stored rows can
// be re-validated with the same rules applied at ingest.
func toRaw(rec domain.EnrichedRecord) domain.RawActivity {
	id, _ := strconv.ParseInt(rec.ExternalID, 10, 64)
	raw := domain.RawActivity{
		ID:          id,
		Name:        rec.Name,
		Type:        rec.Type,
		SportType:   rec.Type,
		Distance:    rec.DistanceMeters,
		MovingTime:  rec.MovingTimeSec,
		ElapsedTime: rec.ElapsedTimeSec,
		StartDate:   rec.StartedAt.Format(time.RFC3339),
	}
	if rec.HasCoordinates() {
		raw.StartLatLng = []float64{*rec.Latitude, *rec.Longitude}
	}
	if rec.AvgHeartrate != nil {
		raw.AverageHeartrate = *rec.AvgHeartrate
	}
	if rec.MaxHeartrate != nil {
		raw.MaxHeartrate = *rec.MaxHeartrate
	}
	return raw
}

func scanRecord(rows pgx.Rows) (domain.EnrichedRecord, error) {
	var (
		rec       domain.EnrichedRecord
		weather   []byte
		notes     []byte
		raw       []byte
		sessionID *string
	)
	err := rows.Scan(
		&rec.ID, &rec.UserID, &rec.ExternalID, &rec.Name, &rec.Type, &rec.DistanceMeters,
		&rec.MovingTimeSec, &rec.ElapsedTimeSec, &rec.ElevationGain, &rec.StartedAt,
		&rec.StartedAtLocal, &rec.Latitude, &rec.Longitude, &rec.AvgHeartrate, &rec.MaxHeartrate,
		&weather, &rec.Location.City, &rec.Location.State, &rec.Location.Country,
		&rec.Enrichment.WeatherFetched, &rec.Enrichment.Geocoded, &notes, &raw, &sessionID,
		&rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return domain.EnrichedRecord{}, err
	}

	if len(weather) > 0 {
		var snapshot domain.WeatherSnapshot
		if err := json.Unmarshal(weather, &snapshot); err == nil {
			rec.Weather = &snapshot
		}
	}
	if len(notes) > 0 {
		_ = json.Unmarshal(notes, &rec.Enrichment.Notes)
	}
	rec.RawPayload = raw
	if sessionID != nil {
		rec.SyncSessionID = *sessionID
	}
	return rec, nil
}

func marshalEnrichment(rec domain.EnrichedRecord) (weather, notes []byte, err error) {
	if rec.Weather != nil {
		weather, err = json.Marshal(rec.Weather)
		if err != nil {
			return nil, nil, err
		}
	}
	if len(rec.Enrichment.Notes) > 0 {
		notes, err = json.Marshal(rec.Enrichment.Notes)
		if err != nil {
			return nil, nil, err
		}
	}
	return weather, notes, nil
}

func nullIfEmpty(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullIfEmptyJSON(value []byte) any {
	if len(value) == 0 {
		return nil
	}
	return value
}
