// Package validate sanitizes and validates untrusted provider payloads and
// produces normalized internal records.
package validate

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/surendranb/runsight-web-sub001/internal/domain"
	"github.com/surendranb/runsight-web-sub001/internal/syncerr"
)

// Plausible bounds for untrusted numeric fields.
const (
	minHeartrate = 30
	maxHeartrate = 250
	maxLatitude  = 90
	maxLongitude = 180
)

// RawActivity checks an upstream record for structural problems. It collects
// every violation and returns a single non-retryable validation error; a
// record is never partially accepted.
func RawActivity(raw domain.RawActivity) error {
	var violations []string

	if raw.ID <= 0 {
		violations = append(violations, "id must be a positive identifier")
	}
	if strings.TrimSpace(raw.Type) == "" && strings.TrimSpace(raw.SportType) == "" {
		violations = append(violations, "type is required")
	}
	if raw.Distance < 0 {
		violations = append(violations, "distance must be non-negative")
	}
	if raw.MovingTime < 0 {
		violations = append(violations, "moving_time must be non-negative")
	}
	if raw.ElapsedTime < 0 {
		violations = append(violations, "elapsed_time must be non-negative")
	}
	if raw.StartDate == "" {
		violations = append(violations, "start_date is required")
	} else if _, err := time.Parse(time.RFC3339, raw.StartDate); err != nil {
		violations = append(violations, fmt.Sprintf("start_date %q is not a valid timestamp", raw.StartDate))
	}
	if raw.AverageHeartrate != 0 && (raw.AverageHeartrate < minHeartrate || raw.AverageHeartrate > maxHeartrate) {
		violations = append(violations, fmt.Sprintf("average_heartrate %.0f outside plausible %d-%d bpm band", raw.AverageHeartrate, minHeartrate, maxHeartrate))
	}
	if raw.MaxHeartrate != 0 && (raw.MaxHeartrate < minHeartrate || raw.MaxHeartrate > maxHeartrate) {
		violations = append(violations, fmt.Sprintf("max_heartrate %.0f outside plausible %d-%d bpm band", raw.MaxHeartrate, minHeartrate, maxHeartrate))
	}
	if len(raw.StartLatLng) == 2 {
		if raw.StartLatLng[0] < -maxLatitude || raw.StartLatLng[0] > maxLatitude {
			violations = append(violations, fmt.Sprintf("latitude %.4f outside ±%d", raw.StartLatLng[0], maxLatitude))
		}
		if raw.StartLatLng[1] < -maxLongitude || raw.StartLatLng[1] > maxLongitude {
			violations = append(violations, fmt.Sprintf("longitude %.4f outside ±%d", raw.StartLatLng[1], maxLongitude))
		}
	}

	if len(violations) > 0 {
		return syncerr.Validation(syncerr.PhaseFetching, violations)
	}
	return nil
}

// Transform maps a validated provider record into the internal EnrichedRecord
// shape, preserving the full raw payload as opaque metadata.
func Transform(raw domain.RawActivity, userID, sessionID string) (domain.EnrichedRecord, error) {
	if err := RawActivity(raw); err != nil {
		return domain.EnrichedRecord{}, err
	}

	startedAt, err := time.Parse(time.RFC3339, raw.StartDate)
	if err != nil {
		return domain.EnrichedRecord{}, syncerr.Validation(syncerr.PhaseFetching, []string{
			fmt.Sprintf("start_date %q is not a valid timestamp", raw.StartDate),
		})
	}

	startedLocal := startedAt
	if raw.StartDateLocal != "" {
		if parsed, perr := time.Parse(time.RFC3339, raw.StartDateLocal); perr == nil {
			startedLocal = parsed
		}
	}

	activityType := raw.SportType
	if activityType == "" {
		activityType = raw.Type
	}

	rec := domain.EnrichedRecord{
		UserID:         userID,
		ExternalID:     strconv.FormatInt(raw.ID, 10),
		Name:           raw.Name,
		Type:           activityType,
		DistanceMeters: raw.Distance,
		MovingTimeSec:  raw.MovingTime,
		ElapsedTimeSec: raw.ElapsedTime,
		ElevationGain:  raw.TotalElevation,
		StartedAt:      startedAt.UTC(),
		StartedAtLocal: startedLocal,
		RawPayload:     raw.Raw,
		SyncSessionID:  sessionID,
	}

	if len(raw.StartLatLng) == 2 {
		lat, lon := raw.StartLatLng[0], raw.StartLatLng[1]
		rec.Latitude = &lat
		rec.Longitude = &lon
	}
	if raw.AverageHeartrate > 0 {
		hr := raw.AverageHeartrate
		rec.AvgHeartrate = &hr
	}
	if raw.MaxHeartrate > 0 {
		hr := raw.MaxHeartrate
		rec.MaxHeartrate = &hr
	}

	return rec, nil
}

// SanitizeString trims and length-bounds a best-effort string from an
// enrichment provider. Empty results stay empty rather than failing.
func SanitizeString(value string, maxLen int) string {
	value = strings.TrimSpace(value)
	if maxLen > 0 && len(value) > maxLen {
		value = value[:maxLen]
	}
	return value
}

// SanitizeNumber clamps an enrichment value into [min, max]. Graceful
// degradation is preferable to rejection for weather data.
func SanitizeNumber(value, min, max float64) float64 {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}

// SanitizeCoordinate nulls out coordinates outside the valid range.
func SanitizeCoordinate(value float64, limit float64) *float64 {
	if value < -limit || value > limit {
		return nil
	}
	return &value
}
