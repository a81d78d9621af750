package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/surendranb/runsight-web-sub001/internal/domain"
)

// ErrSessionNotFound is returned when a session id does not exist.
var ErrSessionNotFound = errors.New("sync session not found")

// SessionStore persists sync sessions. The session row is the single source
// of truth for progress; concurrent writers are avoided by the
// one-active-session-per-user invariant enforced above this layer.
type SessionStore struct {
	pool *pgxpool.Pool
}

// NewSessionStore constructs a SessionStore.
func NewSessionStore(pool *pgxpool.Pool) *SessionStore {
	return &SessionStore{pool: pool}
}

const sessionColumns = `id, user_id, sync_type, status, phase, after_ts, before_ts,
    activities_fetched, activities_enriched, activities_stored, activities_failed,
    estimated_total, retry_count, error_count, last_error, checkpoint,
    started_at, last_activity_at, completed_at`

// Insert persists a new session.
func (s *SessionStore) Insert(ctx context.Context, session *domain.SyncSession) error {
	checkpoint, err := marshalCheckpoint(session.Checkpoint)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO sync_sessions (`+sessionColumns+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`,
		session.ID, session.UserID, session.Type, session.Status, session.Phase,
		session.After, session.Before,
		session.Progress.Fetched, session.Progress.Enriched, session.Progress.Stored,
		session.Progress.Failed, session.Progress.EstimatedTotal,
		session.RetryCount, session.ErrorCount,
		nullIfEmptyJSON(session.LastError), checkpoint,
		session.StartedAt, session.LastActivityAt, session.CompletedAt,
	)
	return err
}

// Update overwrites the mutable fields of a session row.
func (s *SessionStore) Update(ctx context.Context, session *domain.SyncSession) error {
	checkpoint, err := marshalCheckpoint(session.Checkpoint)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE sync_sessions SET
		    status=$1, phase=$2,
		    activities_fetched=$3, activities_enriched=$4, activities_stored=$5,
		    activities_failed=$6, estimated_total=$7,
		    retry_count=$8, error_count=$9, last_error=$10, checkpoint=$11,
		    last_activity_at=$12, completed_at=$13
		 WHERE id=$14`,
		session.Status, session.Phase,
		session.Progress.Fetched, session.Progress.Enriched, session.Progress.Stored,
		session.Progress.Failed, session.Progress.EstimatedTotal,
		session.RetryCount, session.ErrorCount,
		nullIfEmptyJSON(session.LastError), checkpoint,
		session.LastActivityAt, session.CompletedAt,
		session.ID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, session.ID)
	}
	return nil
}

// Get fetches a session by id.
func (s *SessionStore) Get(ctx context.Context, sessionID string) (*domain.SyncSession, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sync_sessions WHERE id=$1`, sessionID)
	session, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return session, err
}

// ActiveByUser returns the user's non-terminal sessions.
func (s *SessionStore) ActiveByUser(ctx context.Context, userID string) ([]domain.SyncSession, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+sessionColumns+` FROM sync_sessions
		 WHERE user_id=$1 AND status NOT IN ('completed','failed','cancelled')
		 ORDER BY started_at DESC`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSessions(rows)
}

// History returns the user's most recent sessions, newest first.
func (s *SessionStore) History(ctx context.Context, userID string, limit int) ([]domain.SyncSession, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+sessionColumns+` FROM sync_sessions
		 WHERE user_id=$1 ORDER BY started_at DESC LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSessions(rows)
}

// DeleteOlderThan removes terminal sessions that started before the cutoff.
func (s *SessionStore) DeleteOlderThan(ctx context.Context, userID string, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM sync_sessions
		 WHERE user_id=$1 AND started_at < $2
		   AND status IN ('completed','failed','cancelled')`,
		userID, cutoff,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func collectSessions(rows pgx.Rows) ([]domain.SyncSession, error) {
	var sessions []domain.SyncSession
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *session)
	}
	return sessions, rows.Err()
}

func scanSession(row pgx.Row) (*domain.SyncSession, error) {
	var (
		session    domain.SyncSession
		lastError  []byte
		checkpoint []byte
	)
	err := row.Scan(
		&session.ID, &session.UserID, &session.Type, &session.Status, &session.Phase,
		&session.After, &session.Before,
		&session.Progress.Fetched, &session.Progress.Enriched, &session.Progress.Stored,
		&session.Progress.Failed, &session.Progress.EstimatedTotal,
		&session.RetryCount, &session.ErrorCount, &lastError, &checkpoint,
		&session.StartedAt, &session.LastActivityAt, &session.CompletedAt,
	)
	if err != nil {
		return nil, err
	}

	session.LastError = lastError
	if len(checkpoint) > 0 {
		var cp domain.Checkpoint
		if err := json.Unmarshal(checkpoint, &cp); err == nil {
			session.Checkpoint = &cp
		}
	}
	return &session, nil
}

func marshalCheckpoint(cp *domain.Checkpoint) (any, error) {
	if cp == nil {
		return nil, nil
	}
	return json.Marshal(cp)
}
