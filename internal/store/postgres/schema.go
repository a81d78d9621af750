package postgres

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema contains the DDL for all engine tables. Statements are idempotent
// so the schema can be applied on every startup.
const Schema = `
CREATE TABLE IF NOT EXISTS sync_sessions (
    id UUID PRIMARY KEY,
    user_id TEXT NOT NULL,
    sync_type TEXT NOT NULL,
    status TEXT NOT NULL,
    phase TEXT NOT NULL DEFAULT 'fetching',
    after_ts TIMESTAMPTZ,
    before_ts TIMESTAMPTZ,
    activities_fetched INT NOT NULL DEFAULT 0,
    activities_enriched INT NOT NULL DEFAULT 0,
    activities_stored INT NOT NULL DEFAULT 0,
    activities_failed INT NOT NULL DEFAULT 0,
    estimated_total INT NOT NULL DEFAULT 0,
    retry_count INT NOT NULL DEFAULT 0,
    error_count INT NOT NULL DEFAULT 0,
    last_error JSONB,
    checkpoint JSONB,
    started_at TIMESTAMPTZ NOT NULL,
    last_activity_at TIMESTAMPTZ NOT NULL,
    completed_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_sync_sessions_user_status ON sync_sessions(user_id, status);
CREATE INDEX IF NOT EXISTS idx_sync_sessions_started ON sync_sessions(started_at DESC);

CREATE TABLE IF NOT EXISTS enriched_activities (
    id UUID PRIMARY KEY,
    user_id TEXT NOT NULL,
    external_id TEXT NOT NULL,
    name TEXT NOT NULL DEFAULT '',
    activity_type TEXT NOT NULL,
    distance_m DOUBLE PRECISION NOT NULL DEFAULT 0,
    moving_time_s INT NOT NULL DEFAULT 0,
    elapsed_time_s INT NOT NULL DEFAULT 0,
    elevation_gain_m DOUBLE PRECISION NOT NULL DEFAULT 0,
    started_at TIMESTAMPTZ NOT NULL,
    started_at_local TIMESTAMPTZ NOT NULL,
    latitude DOUBLE PRECISION,
    longitude DOUBLE PRECISION,
    avg_heartrate DOUBLE PRECISION,
    max_heartrate DOUBLE PRECISION,
    weather JSONB,
    city TEXT NOT NULL DEFAULT '',
    state TEXT NOT NULL DEFAULT '',
    country TEXT NOT NULL DEFAULT '',
    weather_fetched BOOLEAN NOT NULL DEFAULT FALSE,
    geocoded BOOLEAN NOT NULL DEFAULT FALSE,
    enrichment_notes JSONB,
    raw_payload JSONB,
    sync_session_id UUID,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL,
    CONSTRAINT enriched_activities_user_external_unique UNIQUE (user_id, external_id)
);

CREATE INDEX IF NOT EXISTS idx_enriched_activities_user_started ON enriched_activities(user_id, started_at DESC);
CREATE INDEX IF NOT EXISTS idx_enriched_activities_session ON enriched_activities(sync_session_id);

CREATE TABLE IF NOT EXISTS provider_credentials (
    user_id TEXT PRIMARY KEY,
    access_token TEXT NOT NULL,
    refresh_token TEXT NOT NULL,
    expires_at TIMESTAMPTZ NOT NULL,
    scope TEXT NOT NULL DEFAULT '',
    updated_at TIMESTAMPTZ NOT NULL
);
`

// ApplySchema creates all tables and indexes if they do not exist.
func ApplySchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, Schema)
	return err
}
