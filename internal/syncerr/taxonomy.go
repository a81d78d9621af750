// Package syncerr classifies failures into a closed taxonomy and owns the
// retry and circuit-breaker policy shared by the upstream clients.
package syncerr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// Kind enumerates the closed set of failure classes.
type Kind string

// Failure kinds. Authentication and validation failures are never retried.
const (
	KindNetwork         Kind = "network"
	KindRateLimit       Kind = "rate_limit"
	KindAuthentication  Kind = "authentication"
	KindValidation      Kind = "validation"
	KindDatabase        Kind = "database"
	KindTimeout         Kind = "timeout"
	KindFunctionTimeout Kind = "function_timeout"
	KindMemoryLimit     Kind = "memory_limit"
	KindQuotaExceeded   Kind = "quota_exceeded"
	KindBreakerOpen     Kind = "breaker_open"
	KindUnknown         Kind = "unknown"
)

// Phase names the pipeline stage a failure originated in.
type Phase string

// Originating phases.
const (
	PhaseFetching  Phase = "fetching"
	PhaseEnriching Phase = "enriching"
	PhaseStoring   Phase = "storing"
	PhaseGeneral   Phase = "general"
)

// SyncError is the typed error used for both control flow and the persisted
// last_error on a session.
type SyncError struct {
	Kind       Kind          `json:"kind"`
	Phase      Phase         `json:"phase"`
	Message    string        `json:"message"`
	Retryable  bool          `json:"retryable"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	Fields     []string      `json:"fields,omitempty"` // violated fields, validation only
	cause      error
}

// Error implements the error interface.
func (e *SyncError) Error() string {
	if e.Phase != "" && e.Phase != PhaseGeneral {
		return fmt.Sprintf("%s error in %s phase: %s", e.Kind, e.Phase, e.Message)
	}
	return fmt.Sprintf("%s error: %s", e.Kind, e.Message)
}

// Unwrap exposes the original error for errors.Is/As chains.
func (e *SyncError) Unwrap() error { return e.cause }

// WithPhase returns a copy of the error attributed to the given phase.
func (e *SyncError) WithPhase(phase Phase) *SyncError {
	clone := *e
	clone.Phase = phase
	return &clone
}

// MarshalJSONBytes serializes the error for the session last_error column.
func (e *SyncError) MarshalJSONBytes() []byte {
	b, err := json.Marshal(e)
	if err != nil {
		return []byte(fmt.Sprintf(`{"kind":"unknown","message":%q}`, e.Message))
	}
	return b
}

// New constructs a typed error from scratch.
func New(kind Kind, phase Phase, msg string) *SyncError {
	return &SyncError{Kind: kind, Phase: phase, Message: msg, Retryable: retryableByKind(kind)}
}

// Wrap classifies the cause under the given kind while preserving it for
// unwrapping.
func Wrap(kind Kind, phase Phase, cause error) *SyncError {
	return &SyncError{
		Kind:      kind,
		Phase:     phase,
		Message:   cause.Error(),
		Retryable: retryableByKind(kind),
		cause:     cause,
	}
}

// RateLimited builds a retryable rate-limit error carrying the upstream
// retry-after hint.
func RateLimited(phase Phase, wait time.Duration, msg string) *SyncError {
	return &SyncError{Kind: KindRateLimit, Phase: phase, Message: msg, Retryable: true, RetryAfter: wait}
}

// QuotaExceeded builds a non-retryable-now quota error with the computed wait
// until the budget resets.
func QuotaExceeded(phase Phase, wait time.Duration, msg string) *SyncError {
	return &SyncError{Kind: KindQuotaExceeded, Phase: phase, Message: msg, Retryable: false, RetryAfter: wait}
}

// Validation builds a non-retryable validation error listing every violated
// field.
func Validation(phase Phase, fields []string) *SyncError {
	return &SyncError{
		Kind:      KindValidation,
		Phase:     phase,
		Message:   "validation failed: " + strings.Join(fields, "; "),
		Retryable: false,
		Fields:    fields,
	}
}

func retryableByKind(kind Kind) bool {
	switch kind {
	case KindAuthentication, KindValidation, KindFunctionTimeout, KindMemoryLimit, KindQuotaExceeded:
		return false
	}
	return true
}

// Classify maps any failure into exactly one taxonomy member. Typed errors
// pass through with the phase filled in; everything else is matched by error
// type or message pattern, and anything unrecognized classifies as retryable
// unknown.
func Classify(err error, phase Phase) *SyncError {
	if err == nil {
		return nil
	}

	var typed *SyncError
	if errors.As(err, &typed) {
		if typed.Phase == "" || typed.Phase == PhaseGeneral {
			return typed.WithPhase(phase)
		}
		return typed
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return Wrap(KindTimeout, phase, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return Wrap(KindTimeout, phase, err)
		}
		return Wrap(KindNetwork, phase, err)
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "function timeout") || strings.Contains(msg, "execution time limit"):
		return Wrap(KindFunctionTimeout, phase, err)
	case strings.Contains(msg, "memory limit") || strings.Contains(msg, "out of memory"):
		return Wrap(KindMemoryLimit, phase, err)
	case strings.Contains(msg, "quota"):
		return Wrap(KindQuotaExceeded, phase, err)
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "too many requests"):
		return Wrap(KindRateLimit, phase, err)
	case strings.Contains(msg, "unauthorized") || strings.Contains(msg, "forbidden") || strings.Contains(msg, "invalid token"):
		return Wrap(KindAuthentication, phase, err)
	case strings.Contains(msg, "connection refused") || strings.Contains(msg, "connection reset") || strings.Contains(msg, "no such host"):
		return Wrap(KindNetwork, phase, err)
	case strings.Contains(msg, "sqlstate") || strings.Contains(msg, "deadlock") || strings.Contains(msg, "statement timeout"):
		return Wrap(KindDatabase, phase, err)
	}

	return Wrap(KindUnknown, phase, err)
}

// Remediation maps an error kind to the human-readable action surfaced to
// callers of the HTTP API.
func Remediation(e *SyncError) string {
	switch e.Kind {
	case KindAuthentication:
		return "reconnect your provider account and try again"
	case KindRateLimit, KindQuotaExceeded:
		if e.RetryAfter > 0 {
			return fmt.Sprintf("provider rate limit reached, wait %s before retrying", e.RetryAfter.Round(time.Minute))
		}
		return "provider rate limit reached, try again later"
	case KindValidation:
		return "the provider returned malformed activity data"
	case KindFunctionTimeout, KindMemoryLimit:
		return "reduce the sync time range and try again"
	case KindNetwork, KindTimeout:
		return "temporary connectivity problem, retry shortly"
	case KindDatabase:
		return "storage is temporarily unavailable, retry shortly"
	case KindBreakerOpen:
		return "upstream is failing repeatedly, paused calls for a cooldown period"
	}
	return "unexpected error, retry or contact support"
}
