// Package state owns the durable sync session record and enforces the
// single-active-session-per-user invariant.
package state

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/surendranb/runsight-web-sub001/internal/domain"
	"github.com/surendranb/runsight-web-sub001/internal/syncerr"
)

// stuckThreshold is how long a session may go without activity before it is
// considered abandoned and eligible for auto-cancellation.
const stuckThreshold = time.Hour

// SessionRepository is the persistence contract the manager drives.
type SessionRepository interface {
	Insert(ctx context.Context, session *domain.SyncSession) error
	Update(ctx context.Context, session *domain.SyncSession) error
	Get(ctx context.Context, sessionID string) (*domain.SyncSession, error)
	ActiveByUser(ctx context.Context, userID string) ([]domain.SyncSession, error)
	History(ctx context.Context, userID string, limit int) ([]domain.SyncSession, error)
	DeleteOlderThan(ctx context.Context, userID string, cutoff time.Time) (int64, error)
}

// Manager mediates all session mutations. Every mutation stamps
// last_activity_at, which stuck-session detection relies on.
type Manager struct {
	repo   SessionRepository
	logger *log.Logger
	now    func() time.Time
}

// NewManager constructs a Manager.
func NewManager(repo SessionRepository) *Manager {
	return &Manager{
		repo:   repo,
		logger: log.New(log.Writer(), "[state] ", log.LstdFlags),
		now:    time.Now,
	}
}

// CreateSession starts a new session for the user. It fails fast with a
// non-retryable error if a non-terminal session exists, unless every such
// session is stuck, in which case the stale sessions are auto-cancelled and
// the new session proceeds.
func (m *Manager) CreateSession(ctx context.Context, userID string, syncType domain.SyncType, after, before *time.Time) (*domain.SyncSession, error) {
	active, err := m.repo.ActiveByUser(ctx, userID)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.KindDatabase, syncerr.PhaseGeneral, err)
	}

	now := m.now().UTC()
	for _, existing := range active {
		if !existing.Stuck(now, stuckThreshold) {
			return nil, syncerr.New(syncerr.KindValidation, syncerr.PhaseGeneral,
				fmt.Sprintf("sync already active for user %s (session %s)", userID, existing.ID))
		}
	}
	for _, stale := range active {
		m.logger.Printf("auto-cancelling stuck session %s (inactive since %s)", stale.ID, stale.LastActivityAt.Format(time.RFC3339))
		if err := m.CancelSession(ctx, stale.ID); err != nil {
			return nil, err
		}
	}

	session := &domain.SyncSession{
		ID:             uuid.NewString(),
		UserID:         userID,
		Type:           syncType,
		Status:         domain.StatusInitiated,
		Phase:          domain.PhaseFetching,
		After:          after,
		Before:         before,
		StartedAt:      now,
		LastActivityAt: now,
	}
	if err := m.repo.Insert(ctx, session); err != nil {
		return nil, syncerr.Wrap(syncerr.KindDatabase, syncerr.PhaseGeneral, err)
	}
	return session, nil
}

// GetSession fetches a session by id.
func (m *Manager) GetSession(ctx context.Context, sessionID string) (*domain.SyncSession, error) {
	return m.repo.Get(ctx, sessionID)
}

// UpdateSession persists the session, stamping last_activity_at.
func (m *Manager) UpdateSession(ctx context.Context, session *domain.SyncSession) error {
	session.LastActivityAt = m.now().UTC()
	return m.repo.Update(ctx, session)
}

// TransitionPhase advances the session to a later pipeline phase. Phases
// only ever move forward; enriching may be skipped straight to storing.
func (m *Manager) TransitionPhase(ctx context.Context, session *domain.SyncSession, next domain.Phase) error {
	if phaseOrder(next) < phaseOrder(session.Phase) {
		return syncerr.New(syncerr.KindValidation, syncerr.PhaseGeneral,
			fmt.Sprintf("phase cannot move backward from %s to %s", session.Phase, next))
	}
	session.Phase = next
	session.Status = statusForPhase(next)
	return m.UpdateSession(ctx, session)
}

func phaseOrder(phase domain.Phase) int {
	switch phase {
	case domain.PhaseFetching:
		return 1
	case domain.PhaseEnriching:
		return 2
	case domain.PhaseStoring:
		return 3
	}
	return 0
}

func statusForPhase(phase domain.Phase) domain.SessionStatus {
	switch phase {
	case domain.PhaseEnriching:
		return domain.StatusEnriching
	case domain.PhaseStoring:
		return domain.StatusStoring
	}
	return domain.StatusFetching
}

// CompleteSession marks the session completed with its final counts.
func (m *Manager) CompleteSession(ctx context.Context, session *domain.SyncSession) error {
	now := m.now().UTC()
	session.Status = domain.StatusCompleted
	session.CompletedAt = &now
	return m.UpdateSession(ctx, session)
}

// FailSession marks the session failed with the classified error attached.
func (m *Manager) FailSession(ctx context.Context, session *domain.SyncSession, cause *syncerr.SyncError) error {
	now := m.now().UTC()
	session.Status = domain.StatusFailed
	session.ErrorCount++
	session.LastError = cause.MarshalJSONBytes()
	session.CompletedAt = &now
	return m.UpdateSession(ctx, session)
}

// CancelSession marks a session cancelled. Terminal sessions are left
// untouched.
func (m *Manager) CancelSession(ctx context.Context, sessionID string) error {
	session, err := m.repo.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.Status.Terminal() {
		return syncerr.New(syncerr.KindValidation, syncerr.PhaseGeneral,
			fmt.Sprintf("session %s already %s", sessionID, session.Status))
	}
	now := m.now().UTC()
	session.Status = domain.StatusCancelled
	session.CompletedAt = &now
	return m.UpdateSession(ctx, session)
}

// SaveCheckpoint stores fetch progress on the session so a crash can resume
// from the last completed page.
func (m *Manager) SaveCheckpoint(ctx context.Context, session *domain.SyncSession, cp domain.Checkpoint) error {
	cp.SavedAt = m.now().UTC()
	session.Checkpoint = &cp
	return m.UpdateSession(ctx, session)
}

// Checkpoint returns the session's saved checkpoint, if any.
func (m *Manager) Checkpoint(ctx context.Context, sessionID string) (*domain.Checkpoint, error) {
	session, err := m.repo.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return session.Checkpoint, nil
}

// IncrementProgress applies counter deltas and persists the session.
func (m *Manager) IncrementProgress(ctx context.Context, session *domain.SyncSession, delta domain.Progress) error {
	session.Progress.Fetched += delta.Fetched
	session.Progress.Enriched += delta.Enriched
	session.Progress.Stored += delta.Stored
	session.Progress.Failed += delta.Failed
	if delta.EstimatedTotal > 0 {
		session.Progress.EstimatedTotal = delta.EstimatedTotal
	}
	return m.UpdateSession(ctx, session)
}

// ActiveSessions returns the user's non-terminal sessions.
func (m *Manager) ActiveSessions(ctx context.Context, userID string) ([]domain.SyncSession, error) {
	return m.repo.ActiveByUser(ctx, userID)
}

// History returns the user's recent sessions.
func (m *Manager) History(ctx context.Context, userID string, limit int) ([]domain.SyncSession, error) {
	return m.repo.History(ctx, userID, limit)
}

// CleanupOld deletes terminal sessions older than the retention window and
// returns how many were removed.
func (m *Manager) CleanupOld(ctx context.Context, userID string, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		retentionDays = 30
	}
	cutoff := m.now().UTC().AddDate(0, 0, -retentionDays)
	return m.repo.DeleteOlderThan(ctx, userID, cutoff)
}
