// Package orchestrator drives a sync session through the fetch, enrich and
// store phases, checkpointing after every page so a failed session can
// resume where it stopped.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/surendranb/runsight-web-sub001/internal/domain"
	"github.com/surendranb/runsight-web-sub001/internal/observability"
	"github.com/surendranb/runsight-web-sub001/internal/provider"
	"github.com/surendranb/runsight-web-sub001/internal/state"
	"github.com/surendranb/runsight-web-sub001/internal/syncerr"
	"github.com/surendranb/runsight-web-sub001/internal/validate"
)

// Fetcher pulls raw activity pages from the upstream provider.
type Fetcher interface {
	FetchAll(ctx context.Context, userID string, filters provider.Filters, startPage, pageSize, maxPages int, onPage func(page int, records []domain.RawActivity, hasMore bool) error) (int, error)
}

// Enricher attaches weather and location data to validated records.
type Enricher interface {
	IsAvailable(ctx context.Context) bool
	EstimateCapacity() int
	EnrichBatch(ctx context.Context, records []domain.EnrichedRecord, batchSize int, onProgress func(done int)) ([]domain.EnrichedRecord, error)
}

// RecordWriter persists enriched records in bounded batches. onProgress
// receives the cumulative count of records stored successfully so far.
type RecordWriter interface {
	StoreBatch(ctx context.Context, records []domain.EnrichedRecord, batchSize int, onProgress func(done int)) (domain.BatchResult, error)
}

// Notifier receives session status transitions. The Kafka publisher
// implements it; tests use a recording fake.
type Notifier interface {
	Publish(ctx context.Context, session *domain.SyncSession)
}

// Config bounds the pipeline's batch sizes.
type Config struct {
	PageSize        int
	MaxPages        int // 0 means unbounded
	EnrichBatchSize int
	StoreBatchSize  int
}

func (c Config) withDefaults() Config {
	if c.PageSize <= 0 {
		c.PageSize = provider.DefaultPageSize
	}
	if c.EnrichBatchSize <= 0 {
		c.EnrichBatchSize = 10
	}
	if c.StoreBatchSize <= 0 {
		c.StoreBatchSize = 25
	}
	return c
}

// Orchestrator runs the sync pipeline. One session per user runs at a time;
// the state manager enforces that invariant.
type Orchestrator struct {
	cfg      Config
	sessions *state.Manager
	fetcher  Fetcher
	enricher Enricher
	writer   RecordWriter
	notifier Notifier
	logger   *log.Logger

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// New constructs an Orchestrator.
func New(cfg Config, sessions *state.Manager, fetcher Fetcher, enricher Enricher, writer RecordWriter, notifier Notifier) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg.withDefaults(),
		sessions: sessions,
		fetcher:  fetcher,
		enricher: enricher,
		writer:   writer,
		notifier: notifier,
		logger:   log.New(log.Writer(), "[orchestrator] ", log.LstdFlags),
		running:  make(map[string]context.CancelFunc),
	}
}

// StartSync creates a session and runs the pipeline in the background. The
// returned session reflects the initiated state; callers poll Status for
// progress.
func (o *Orchestrator) StartSync(ctx context.Context, userID string, syncType domain.SyncType, after, before *time.Time) (*domain.SyncSession, error) {
	session, err := o.sessions.CreateSession(ctx, userID, syncType, after, before)
	if err != nil {
		return nil, err
	}
	observability.SessionStarted(string(syncType))

	o.launch(session, 1)
	return session, nil
}

// ResumeSync restarts a failed session from its saved checkpoint. Pages the
// checkpoint covers were persisted during the original fetch, so resuming at
// the next page loses nothing. Only failed sessions are resumable; completed
// and cancelled sessions are final.
func (o *Orchestrator) ResumeSync(ctx context.Context, sessionID string) (*domain.SyncSession, error) {
	session, err := o.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status != domain.StatusFailed {
		return nil, syncerr.New(syncerr.KindValidation, syncerr.PhaseGeneral,
			fmt.Sprintf("session %s is %s, only failed sessions can resume", sessionID, session.Status))
	}

	startPage := 1
	if cp := session.Checkpoint; cp != nil {
		startPage = cp.PageNumber + 1
		session.Progress.Fetched = cp.Fetched
	}

	session.Status = domain.StatusInitiated
	session.Phase = domain.PhaseFetching
	session.RetryCount++
	session.LastError = nil
	session.CompletedAt = nil
	if err := o.sessions.UpdateSession(ctx, session); err != nil {
		return nil, syncerr.Wrap(syncerr.KindDatabase, syncerr.PhaseGeneral, err)
	}

	o.launch(session, startPage)
	return session, nil
}

func (o *Orchestrator) launch(session *domain.SyncSession, startPage int) {
	runCtx, cancel := context.WithCancel(context.Background())
	o.mu.Lock()
	o.running[session.ID] = cancel
	o.mu.Unlock()

	go func() {
		defer func() {
			cancel()
			o.mu.Lock()
			delete(o.running, session.ID)
			o.mu.Unlock()
		}()
		o.run(runCtx, session, startPage)
	}()
}

// CancelSync cancels a session cooperatively. A running pipeline stops at
// the next phase or batch boundary.
func (o *Orchestrator) CancelSync(ctx context.Context, sessionID string) error {
	o.mu.Lock()
	cancel, active := o.running[sessionID]
	o.mu.Unlock()
	if active {
		cancel()
	}

	if err := o.sessions.CancelSession(ctx, sessionID); err != nil {
		return err
	}
	session, err := o.sessions.GetSession(ctx, sessionID)
	if err == nil {
		o.notify(ctx, session)
	}
	return nil
}

// SessionView is the status payload surfaced to API callers.
type SessionView struct {
	Session     *domain.SyncSession `json:"session"`
	Percent     float64             `json:"percent"`
	Remediation string              `json:"remediation,omitempty"`
}

// Status reports a session's progress, including a remediation hint when the
// session failed.
func (o *Orchestrator) Status(ctx context.Context, sessionID string) (*SessionView, error) {
	session, err := o.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	view := &SessionView{Session: session, Percent: session.Progress.Percent()}
	if session.Status == domain.StatusFailed && len(session.LastError) > 0 {
		if typed := decodeLastError(session.LastError); typed != nil {
			view.Remediation = syncerr.Remediation(typed)
		}
	}
	return view, nil
}

// History returns the user's recent sessions.
func (o *Orchestrator) History(ctx context.Context, userID string, limit int) ([]domain.SyncSession, error) {
	return o.sessions.History(ctx, userID, limit)
}

// run executes the three pipeline phases. It never returns an error; every
// outcome is recorded on the session itself.
func (o *Orchestrator) run(ctx context.Context, session *domain.SyncSession, startPage int) {
	records, err := o.fetchPhase(ctx, session, startPage)
	if err != nil {
		o.fail(ctx, session, err, syncerr.PhaseFetching)
		return
	}
	if cancelled := o.checkCancelled(ctx, session); cancelled {
		return
	}

	records, err = o.enrichPhase(ctx, session, records)
	if err != nil {
		o.fail(ctx, session, err, syncerr.PhaseEnriching)
		return
	}
	if cancelled := o.checkCancelled(ctx, session); cancelled {
		return
	}

	if err := o.storePhase(ctx, session, records); err != nil {
		o.fail(ctx, session, err, syncerr.PhaseStoring)
		return
	}

	if err := o.sessions.CompleteSession(ctx, session); err != nil {
		o.logger.Printf("session %s finished but could not be marked completed: %v", session.ID, err)
		return
	}
	observability.SessionFinished(string(domain.StatusCompleted))
	o.notify(ctx, session)
	o.logger.Printf("session %s completed: fetched=%d enriched=%d stored=%d failed=%d",
		session.ID, session.Progress.Fetched, session.Progress.Enriched,
		session.Progress.Stored, session.Progress.Failed)
}

// fetchPhase pulls every page, validating and transforming records as they
// arrive. Each page is persisted before its checkpoint is saved, so the
// checkpoint cursor never advances past records that exist only in memory;
// the store phase later upserts the enriched versions over these rows.
func (o *Orchestrator) fetchPhase(ctx context.Context, session *domain.SyncSession, startPage int) ([]domain.EnrichedRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	started := time.Now()
	if err := o.sessions.TransitionPhase(ctx, session, domain.PhaseFetching); err != nil {
		return nil, err
	}

	var out []domain.EnrichedRecord
	filters := provider.Filters{After: session.After, Before: session.Before}
	_, err := o.fetcher.FetchAll(ctx, session.UserID, filters, startPage, o.cfg.PageSize, o.cfg.MaxPages,
		func(page int, raws []domain.RawActivity, hasMore bool) error {
			invalid := 0
			var lastExternalID string
			pageRecords := make([]domain.EnrichedRecord, 0, len(raws))
			for _, raw := range raws {
				if vErr := validate.RawActivity(raw); vErr != nil {
					invalid++
					o.logger.Printf("session %s: dropping invalid record %d: %v", session.ID, raw.ID, vErr)
					continue
				}
				rec, tErr := validate.Transform(raw, session.UserID, session.ID)
				if tErr != nil {
					invalid++
					o.logger.Printf("session %s: dropping untransformable record %d: %v", session.ID, raw.ID, tErr)
					continue
				}
				lastExternalID = rec.ExternalID
				pageRecords = append(pageRecords, rec)
			}

			// Persist the page before its checkpoint is saved. Per-record
			// failures are left for the store phase to retry and count;
			// only infrastructure errors stop the fetch here.
			if len(pageRecords) > 0 {
				if _, sErr := o.writer.StoreBatch(ctx, pageRecords, o.cfg.StoreBatchSize, nil); sErr != nil {
					return sErr
				}
			}
			out = append(out, pageRecords...)

			session.Progress.Fetched += len(raws)
			session.Progress.Failed += invalid
			if !hasMore {
				session.Progress.EstimatedTotal = session.Progress.Fetched
			} else if session.Progress.EstimatedTotal < session.Progress.Fetched {
				session.Progress.EstimatedTotal = session.Progress.Fetched + o.cfg.PageSize
			}

			return o.sessions.SaveCheckpoint(ctx, session, domain.Checkpoint{
				PageNumber:     page,
				PageSize:       o.cfg.PageSize,
				LastExternalID: lastExternalID,
				Fetched:        session.Progress.Fetched,
				After:          session.After,
				Before:         session.Before,
			})
		})
	if err != nil {
		return nil, err
	}

	observability.RecordsProcessed(string(domain.PhaseFetching), len(out))
	observability.ObservePhase(string(domain.PhaseFetching), time.Since(started))
	return out, nil
}

// enrichPhase attaches weather and location data. Enrichment is best-effort:
// an unavailable or exhausted enrichment service skips the phase rather than
// failing the session, and per-record lookup failures only add notes.
func (o *Orchestrator) enrichPhase(ctx context.Context, session *domain.SyncSession, records []domain.EnrichedRecord) ([]domain.EnrichedRecord, error) {
	if len(records) == 0 {
		return records, nil
	}
	if o.enricher == nil || !o.enricher.IsAvailable(ctx) {
		o.logger.Printf("session %s: enrichment unavailable, storing records as-is", session.ID)
		return records, nil
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	started := time.Now()
	if err := o.sessions.TransitionPhase(ctx, session, domain.PhaseEnriching); err != nil {
		return nil, err
	}

	// Enrich only as many records as the remaining API budget allows; the
	// rest pass through unenriched.
	limit := len(records)
	if capacity := o.enricher.EstimateCapacity(); capacity < limit {
		o.logger.Printf("session %s: enrichment capacity %d below %d records, enriching the first %d",
			session.ID, capacity, limit, capacity)
		limit = capacity
	}
	if limit <= 0 {
		return records, nil
	}

	enriched, err := o.enricher.EnrichBatch(ctx, records[:limit], o.cfg.EnrichBatchSize, func(done int) {
		session.Progress.Enriched = done
		if uErr := o.sessions.UpdateSession(ctx, session); uErr != nil {
			o.logger.Printf("session %s: progress update failed: %v", session.ID, uErr)
		}
	})
	if err != nil {
		return nil, err
	}

	out := append(enriched, records[limit:]...)
	observability.RecordsProcessed(string(domain.PhaseEnriching), len(enriched))
	observability.ObservePhase(string(domain.PhaseEnriching), time.Since(started))
	return out, nil
}

// storePhase persists records in batches. Per-record failures accumulate in
// the session counters; only infrastructure errors fail the phase.
func (o *Orchestrator) storePhase(ctx context.Context, session *domain.SyncSession, records []domain.EnrichedRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	started := time.Now()
	if err := o.sessions.TransitionPhase(ctx, session, domain.PhaseStoring); err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}

	result, err := o.writer.StoreBatch(ctx, records, o.cfg.StoreBatchSize, func(done int) {
		session.Progress.Stored = done
		if uErr := o.sessions.UpdateSession(ctx, session); uErr != nil {
			o.logger.Printf("session %s: progress update failed: %v", session.ID, uErr)
		}
	})
	if err != nil {
		return err
	}

	session.Progress.Stored = result.Saved + result.Updated + result.Skipped
	session.Progress.Failed += result.Failed
	for _, failure := range result.FailedDetails {
		o.logger.Printf("session %s: record %s not stored: %s", session.ID, failure.ExternalID, failure.Reason)
	}

	observability.RecordsProcessed(string(domain.PhaseStoring), result.Total())
	observability.StoreOutcome(string(domain.OutcomeSaved), result.Saved)
	observability.StoreOutcome(string(domain.OutcomeUpdated), result.Updated)
	observability.StoreOutcome(string(domain.OutcomeSkipped), result.Skipped)
	observability.ObservePhase(string(domain.PhaseStoring), time.Since(started))
	return nil
}

// checkCancelled reports whether the run context was cancelled between
// phases. The session row is already cancelled by CancelSync; nothing more
// to persist here.
func (o *Orchestrator) checkCancelled(ctx context.Context, session *domain.SyncSession) bool {
	if ctx.Err() == nil {
		return false
	}
	o.logger.Printf("session %s cancelled between phases", session.ID)
	observability.SessionFinished(string(domain.StatusCancelled))
	return true
}

func (o *Orchestrator) fail(ctx context.Context, session *domain.SyncSession, err error, phase syncerr.Phase) {
	// CancelSync may already have finalized the row; never overwrite a
	// terminal status with failed.
	if fresh, gErr := o.sessions.GetSession(context.Background(), session.ID); gErr == nil && fresh.Status.Terminal() {
		return
	}

	typed := syncerr.Classify(err, phase)
	o.logger.Printf("session %s failed in %s: %v", session.ID, phase, typed)

	// FailSession persists through a background-independent context so a
	// cancelled run context cannot block recording the failure.
	persistCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if fErr := o.sessions.FailSession(persistCtx, session, typed); fErr != nil {
		o.logger.Printf("session %s: recording failure failed: %v", session.ID, fErr)
		return
	}
	observability.SessionFinished(string(domain.StatusFailed))
	o.notify(persistCtx, session)
}

func (o *Orchestrator) notify(ctx context.Context, session *domain.SyncSession) {
	if o.notifier == nil {
		return
	}
	o.notifier.Publish(ctx, session)
}

func decodeLastError(raw []byte) *syncerr.SyncError {
	var typed syncerr.SyncError
	if err := json.Unmarshal(raw, &typed); err != nil {
		return nil
	}
	return &typed
}
