// Package api exposes the HTTP surface of the sync engine.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/surendranb/runsight-web-sub001/internal/auth"
	"github.com/surendranb/runsight-web-sub001/internal/domain"
	"github.com/surendranb/runsight-web-sub001/internal/orchestrator"
	"github.com/surendranb/runsight-web-sub001/internal/store/postgres"
	"github.com/surendranb/runsight-web-sub001/internal/syncerr"
)

// SyncService is the orchestrator surface the handlers depend on.
type SyncService interface {
	StartSync(ctx context.Context, userID string, syncType domain.SyncType, after, before *time.Time) (*domain.SyncSession, error)
	ResumeSync(ctx context.Context, sessionID string) (*domain.SyncSession, error)
	CancelSync(ctx context.Context, sessionID string) error
	Status(ctx context.Context, sessionID string) (*orchestrator.SessionView, error)
	History(ctx context.Context, userID string, limit int) ([]domain.SyncSession, error)
}

// RecordReader reads stored records for the query endpoints.
type RecordReader interface {
	Query(ctx context.Context, userID string, filters postgres.RecordFilters, limit, offset int) ([]domain.EnrichedRecord, error)
	Statistics(ctx context.Context, userID string) (postgres.Statistics, error)
}

// Handler coordinates HTTP requests with the sync orchestrator.
type Handler struct {
	syncs   SyncService
	records RecordReader
}

// NewHandler builds a Handler.
func NewHandler(syncs SyncService, records RecordReader) *Handler {
	return &Handler{syncs: syncs, records: records}
}

// RegisterRoutes wires endpoints to the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/sync", h.startSync)
	mux.HandleFunc("/v1/sync/history", h.history)
	mux.HandleFunc("/v1/sync/", h.syncByID)
	mux.HandleFunc("/v1/records", h.listRecords)
	mux.HandleFunc("/v1/records/statistics", h.statistics)
	mux.HandleFunc("/healthz", healthz)
}

// healthz reports a simple OK status for container health checks.
func healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// StartSyncRequest is the payload for POST /v1/sync.
type StartSyncRequest struct {
	SyncType string     `json:"sync_type"`
	After    *time.Time `json:"after,omitempty"`
	Before   *time.Time `json:"before,omitempty"`
}

// Validate ensures request correctness.
func (r StartSyncRequest) Validate() error {
	switch domain.SyncType(r.SyncType) {
	case domain.SyncFull, domain.SyncIncremental:
	case domain.SyncDateRange:
		if r.After == nil || r.Before == nil {
			return errors.New("date_range sync requires after and before")
		}
		if !r.Before.After(*r.After) {
			return errors.New("before must be later than after")
		}
	default:
		return errors.New("sync_type must be full, incremental or date_range")
	}
	return nil
}

func (h *Handler) startSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method", "")
		return
	}
	claims, ok := requireScope(w, r, auth.ScopeSyncWrite)
	if !ok {
		return
	}

	var req StartSyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body", "")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error(), "")
		return
	}

	session, err := h.syncs.StartSync(r.Context(), claims.Subject, domain.SyncType(req.SyncType), req.After, req.Before)
	if err != nil {
		writeSyncError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, toSessionView(session, 0, ""))
}

func (h *Handler) syncByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/sync/")
	parts := strings.SplitN(rest, "/", 2)
	id := parts[0]
	if id == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "missing session id", "")
		return
	}

	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		h.status(w, r, id)
	case action == "cancel" && r.Method == http.MethodPost:
		h.cancel(w, r, id)
	case action == "resume" && r.Method == http.MethodPost:
		h.resume(w, r, id)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method", "")
	}
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request, id string) {
	claims, ok := requireScope(w, r, auth.ScopeSyncRead, auth.ScopeSyncWrite)
	if !ok {
		return
	}

	view, err := h.ownedSession(r.Context(), claims.Subject, id)
	if err != nil {
		writeSyncError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionView(view.Session, view.Percent, view.Remediation))
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request, id string) {
	claims, ok := requireScope(w, r, auth.ScopeSyncWrite)
	if !ok {
		return
	}

	if _, err := h.ownedSession(r.Context(), claims.Subject, id); err != nil {
		writeSyncError(w, err)
		return
	}
	if err := h.syncs.CancelSync(r.Context(), id); err != nil {
		writeSyncError(w, err)
		return
	}
	view, err := h.syncs.Status(r.Context(), id)
	if err != nil {
		writeSyncError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionView(view.Session, view.Percent, view.Remediation))
}

func (h *Handler) resume(w http.ResponseWriter, r *http.Request, id string) {
	claims, ok := requireScope(w, r, auth.ScopeSyncWrite)
	if !ok {
		return
	}

	if _, err := h.ownedSession(r.Context(), claims.Subject, id); err != nil {
		writeSyncError(w, err)
		return
	}
	session, err := h.syncs.ResumeSync(r.Context(), id)
	if err != nil {
		writeSyncError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, toSessionView(session, session.Progress.Percent(), ""))
}

func (h *Handler) history(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method", "")
		return
	}
	claims, ok := requireScope(w, r, auth.ScopeSyncRead, auth.ScopeSyncWrite)
	if !ok {
		return
	}

	limit := queryInt(r, "limit", 20)
	sessions, err := h.syncs.History(r.Context(), claims.Subject, limit)
	if err != nil {
		writeSyncError(w, err)
		return
	}

	items := make([]SessionView, 0, len(sessions))
	for i := range sessions {
		items = append(items, toSessionView(&sessions[i], sessions[i].Progress.Percent(), ""))
	}
	writeJSON(w, http.StatusOK, HistoryResponse{Items: items})
}

func (h *Handler) listRecords(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method", "")
		return
	}
	claims, ok := requireScope(w, r, auth.ScopeSyncRead, auth.ScopeSyncWrite)
	if !ok {
		return
	}

	filters := postgres.RecordFilters{Type: r.URL.Query().Get("type")}
	after, err := queryTime(r, "after")
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", "invalid after timestamp", "")
		return
	}
	filters.After = after

	before, err := queryTime(r, "before")
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", "invalid before timestamp", "")
		return
	}
	filters.Before = before

	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	records, err := h.records.Query(r.Context(), claims.Subject, filters, limit, offset)
	if err != nil {
		writeSyncError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, RecordsResponse{Items: records})
}

func (h *Handler) statistics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method", "")
		return
	}
	claims, ok := requireScope(w, r, auth.ScopeSyncRead, auth.ScopeSyncWrite)
	if !ok {
		return
	}

	stats, err := h.records.Statistics(r.Context(), claims.Subject)
	if err != nil {
		writeSyncError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// ownedSession loads a session's status and hides sessions belonging to
// other users behind a not-found error.
func (h *Handler) ownedSession(ctx context.Context, userID, sessionID string) (*orchestrator.SessionView, error) {
	view, err := h.syncs.Status(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if view.Session.UserID != userID {
		return nil, postgres.ErrSessionNotFound
	}
	return view, nil
}

func requireScope(w http.ResponseWriter, r *http.Request, scopes ...string) (*auth.Claims, bool) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token", "")
		return nil, false
	}
	for _, scope := range scopes {
		if claims.HasScope(scope) {
			return claims, true
		}
	}
	writeError(w, http.StatusForbidden, "forbidden", "scope "+scopes[0]+" required", "")
	return nil, false
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed < 0 {
		return fallback
	}
	return parsed
}

func queryTime(r *http.Request, key string) (*time.Time, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return nil, nil
	}
	parsed, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, err
	}
	return &parsed, nil
}

// SessionView is the session representation returned by the API.
type SessionView struct {
	ID          string           `json:"id"`
	UserID      string           `json:"user_id"`
	SyncType    string           `json:"sync_type"`
	Status      string           `json:"status"`
	Phase       string           `json:"phase"`
	Progress    domain.Progress  `json:"progress"`
	Percent     float64          `json:"percent"`
	LastError   *json.RawMessage `json:"last_error,omitempty"`
	Remediation string           `json:"remediation,omitempty"`
	StartedAt   time.Time        `json:"started_at"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
}

// HistoryResponse packages the session history list.
type HistoryResponse struct {
	Items []SessionView `json:"items"`
}

// RecordsResponse packages record query results.
type RecordsResponse struct {
	Items []domain.EnrichedRecord `json:"items"`
}

func toSessionView(session *domain.SyncSession, percent float64, remediation string) SessionView {
	view := SessionView{
		ID:          session.ID,
		UserID:      session.UserID,
		SyncType:    string(session.Type),
		Status:      string(session.Status),
		Phase:       string(session.Phase),
		Progress:    session.Progress,
		Percent:     percent,
		Remediation: remediation,
		StartedAt:   session.StartedAt,
		CompletedAt: session.CompletedAt,
	}
	if len(session.LastError) > 0 {
		raw := json.RawMessage(session.LastError)
		view.LastError = &raw
	}
	return view
}

// writeSyncError maps classified errors onto HTTP statuses, attaching the
// remediation hint so clients can surface a useful message.
func writeSyncError(w http.ResponseWriter, err error) {
	if errors.Is(err, postgres.ErrSessionNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "sync session not found", "")
		return
	}

	var typed *syncerr.SyncError
	if !errors.As(err, &typed) {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error(), "")
		return
	}

	status := http.StatusInternalServerError
	code := "server_error"
	switch typed.Kind {
	case syncerr.KindValidation:
		status, code = http.StatusConflict, "conflict"
		if len(typed.Fields) > 0 {
			status, code = http.StatusBadRequest, "validation_failed"
		}
	case syncerr.KindAuthentication:
		status, code = http.StatusUnauthorized, "unauthorized"
	case syncerr.KindRateLimit, syncerr.KindQuotaExceeded:
		status, code = http.StatusTooManyRequests, "rate_limited"
		if typed.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(typed.RetryAfter.Seconds())))
		}
	case syncerr.KindDatabase:
		status, code = http.StatusServiceUnavailable, "storage_unavailable"
	}
	writeError(w, status, code, typed.Message, syncerr.Remediation(typed))
}

func writeError(w http.ResponseWriter, status int, code, detail, remediation string) {
	payload := map[string]string{
		"type":   code,
		"detail": detail,
	}
	if remediation != "" {
		payload["remediation"] = remediation
	}
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
