// Package domain defines the core types shared across the sync engine.
package domain

import (
	"time"
)

// SyncType selects how the time range for a session is derived.
type SyncType string

// Supported sync types.
const (
	SyncFull        SyncType = "full"
	SyncIncremental SyncType = "incremental"
	SyncDateRange   SyncType = "date_range"
)

// SessionStatus is the lifecycle status of a sync session.
type SessionStatus string

// Session statuses. A session is terminal in completed, failed or cancelled.
const (
	StatusInitiated SessionStatus = "initiated"
	StatusFetching  SessionStatus = "fetching"
	StatusEnriching SessionStatus = "enriching"
	StatusStoring   SessionStatus = "storing"
	StatusCompleted SessionStatus = "completed"
	StatusFailed    SessionStatus = "failed"
	StatusCancelled SessionStatus = "cancelled"
)

// Terminal reports whether the status cannot transition any further.
func (s SessionStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Phase identifies the pipeline stage a session is currently executing.
type Phase string

// Pipeline phases in execution order. Enriching may be skipped.
const (
	PhaseFetching  Phase = "fetching"
	PhaseEnriching Phase = "enriching"
	PhaseStoring   Phase = "storing"
)

// Progress carries the per-phase counters for a session.
type Progress struct {
	Fetched        int `json:"activities_fetched"`
	Enriched       int `json:"activities_enriched"`
	Stored         int `json:"activities_stored"`
	Failed         int `json:"activities_failed"`
	EstimatedTotal int `json:"estimated_total"`
}

// Percent computes completion as max(fetched, enriched, stored) over the
// estimated total, clamped to [0, 100].
func (p Progress) Percent() float64 {
	if p.EstimatedTotal <= 0 {
		return 0
	}
	done := p.Fetched
	if p.Enriched > done {
		done = p.Enriched
	}
	if p.Stored > done {
		done = p.Stored
	}
	pct := float64(done) / float64(p.EstimatedTotal) * 100
	if pct > 100 {
		pct = 100
	}
	return pct
}

// Checkpoint records fetch progress so a crashed session can resume from the
// last fully processed page instead of refetching from the start.
type Checkpoint struct {
	PageNumber     int        `json:"page_number"`
	PageSize       int        `json:"page_size"`
	LastExternalID string     `json:"last_external_id"`
	Fetched        int        `json:"fetched"`
	Enriched       int        `json:"enriched"`
	Stored         int        `json:"stored"`
	After          *time.Time `json:"after,omitempty"`
	Before         *time.Time `json:"before,omitempty"`
	SavedAt        time.Time  `json:"saved_at"`
}

// SyncSession is one end-to-end synchronization attempt for one user. It is
// the single durable source of truth for progress.
type SyncSession struct {
	ID             string        `json:"id"`
	UserID         string        `json:"user_id"`
	Type           SyncType      `json:"sync_type"`
	Status         SessionStatus `json:"status"`
	Phase          Phase         `json:"phase"`
	After          *time.Time    `json:"after,omitempty"`
	Before         *time.Time    `json:"before,omitempty"`
	Progress       Progress      `json:"progress"`
	RetryCount     int           `json:"retry_count"`
	ErrorCount     int           `json:"error_count"`
	LastError      []byte        `json:"last_error,omitempty"` // serialized syncerr.SyncError
	Checkpoint     *Checkpoint   `json:"checkpoint,omitempty"`
	StartedAt      time.Time     `json:"started_at"`
	LastActivityAt time.Time     `json:"last_activity_at"`
	CompletedAt    *time.Time    `json:"completed_at,omitempty"`
}

// Stuck reports whether the session has seen no activity for longer than the
// supplied threshold. Only non-terminal sessions can be stuck.
func (s *SyncSession) Stuck(now time.Time, threshold time.Duration) bool {
	if s.Status.Terminal() {
		return false
	}
	return now.Sub(s.LastActivityAt) > threshold
}
