package domain

import (
	"encoding/json"
	"time"
)

// RawActivity is an activity exactly as returned by the upstream provider.
// It is transient and never persisted as-is; the full payload travels in Raw
// for forward compatibility.
type RawActivity struct {
	ID               int64     `json:"id"`
	Name             string    `json:"name"`
	Type             string    `json:"type"`
	SportType        string    `json:"sport_type"`
	Distance         float64   `json:"distance"`
	MovingTime       int       `json:"moving_time"`
	ElapsedTime      int       `json:"elapsed_time"`
	TotalElevation   float64   `json:"total_elevation_gain"`
	StartDate        string    `json:"start_date"`
	StartDateLocal   string    `json:"start_date_local"`
	StartLatLng      []float64 `json:"start_latlng"`
	AverageHeartrate float64   `json:"average_heartrate"`
	MaxHeartrate     float64   `json:"max_heartrate"`
	AverageSpeed     float64   `json:"average_speed"`

	Raw json.RawMessage `json:"-"`
}

// WeatherSnapshot is the point-in-time historical weather attached to a
// record during enrichment. All fields are best-effort.
type WeatherSnapshot struct {
	TemperatureC  float64 `json:"temperature_c"`
	FeelsLikeC    float64 `json:"feels_like_c"`
	HumidityPct   float64 `json:"humidity_pct"`
	WindSpeedMS   float64 `json:"wind_speed_ms"`
	WindDirection float64 `json:"wind_direction_deg"`
	ConditionCode int     `json:"condition_code"`
	Condition     string  `json:"condition"`
}

// EnrichmentStatus records which enrichment lookups succeeded and any
// non-fatal notes collected along the way.
type EnrichmentStatus struct {
	WeatherFetched bool     `json:"weather_fetched"`
	Geocoded       bool     `json:"geocoded"`
	Notes          []string `json:"notes,omitempty"`
}

// Location is the reverse-geocoded place a record started at.
type Location struct {
	City    string `json:"city,omitempty"`
	State   string `json:"state,omitempty"`
	Country string `json:"country,omitempty"`
}

// EnrichedRecord is the normalized, validated, optionally enriched activity.
// (UserID, ExternalID) is unique: re-syncing the same activity updates the
// stored row instead of duplicating it.
type EnrichedRecord struct {
	ID             string           `json:"id"`
	UserID         string           `json:"user_id"`
	ExternalID     string           `json:"external_id"`
	Name           string           `json:"name"`
	Type           string           `json:"type"`
	DistanceMeters float64          `json:"distance_meters"`
	MovingTimeSec  int              `json:"moving_time_sec"`
	ElapsedTimeSec int              `json:"elapsed_time_sec"`
	ElevationGain  float64          `json:"elevation_gain_m"`
	StartedAt      time.Time        `json:"started_at"`
	StartedAtLocal time.Time        `json:"started_at_local"`
	Latitude       *float64         `json:"latitude,omitempty"`
	Longitude      *float64         `json:"longitude,omitempty"`
	AvgHeartrate   *float64         `json:"avg_heartrate,omitempty"`
	MaxHeartrate   *float64         `json:"max_heartrate,omitempty"`
	Weather        *WeatherSnapshot `json:"weather,omitempty"`
	Location       Location         `json:"location"`
	Enrichment     EnrichmentStatus `json:"enrichment"`
	RawPayload     json.RawMessage  `json:"raw_payload,omitempty"`
	SyncSessionID  string           `json:"sync_session_id"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// HasCoordinates reports whether the record carries a usable start position.
func (r *EnrichedRecord) HasCoordinates() bool {
	return r.Latitude != nil && r.Longitude != nil
}

// StoreOutcome is the per-record result of a store operation.
type StoreOutcome string

// Store outcomes. A lost insert race surfaces as Skipped, not an error.
const (
	OutcomeSaved   StoreOutcome = "saved"
	OutcomeUpdated StoreOutcome = "updated"
	OutcomeSkipped StoreOutcome = "skipped"
)

// FailedRecord describes a single record that could not be stored.
type FailedRecord struct {
	ExternalID string `json:"external_id"`
	Reason     string `json:"reason"`
}

// BatchResult aggregates per-record outcomes of a batched store. Individual
// failures never abort the batch; they are collected here instead.
type BatchResult struct {
	Saved         int            `json:"saved"`
	Updated       int            `json:"updated"`
	Skipped       int            `json:"skipped"`
	Failed        int            `json:"failed"`
	FailedDetails []FailedRecord `json:"failed_details,omitempty"`
}

// Total returns the number of records the batch attempted.
func (b BatchResult) Total() int {
	return b.Saved + b.Updated + b.Skipped + b.Failed
}
