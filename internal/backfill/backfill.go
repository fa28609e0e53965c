// Package backfill is the C12 historical-import engine: for each
// provider it pages through that provider's subscription/event history
// and replays it, as synthetic provider-shaped payloads, through the
// exact same C7 ingestion pipeline a live webhook would take. A
// distributed lock keeps at most one run in flight per (org, source),
// and a Redis-backed progress document lets callers poll status.
package backfill

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/revguard/revguard/internal/queue"
	"github.com/revguard/revguard/internal/storage"
	"github.com/revguard/revguard/pkg/cache"
	"github.com/revguard/revguard/pkg/models"
)

// CredentialProvider is the narrow slice of vault.Service the engine
// needs to fetch a tenant's decrypted provider credentials.
type CredentialProvider interface {
	GetDecryptedCredentials(ctx context.Context, orgID uuid.UUID, source models.Source) (map[string]interface{}, error)
}

// SyntheticEvent is one provider-shaped payload an Importer emits. It
// carries the same body an HTTP webhook would have delivered; Engine
// writes a webhook_log row for it and enqueues it exactly as
// internal/ingest does, minus signature verification (these bytes
// never touched the wire).
type SyntheticEvent struct {
	Body    []byte
	Headers map[string]string
}

// Importer paginates one provider's historical state and streams
// synthetic events back through emit. It reports counts into progress
// as it goes so Engine can keep the poll-able document current.
type Importer interface {
	Import(ctx context.Context, creds map[string]interface{}, runID string, progress *Progress, emit func(SyntheticEvent) error) error
}

// Engine orchestrates locked, progress-tracked backfill runs per
// (org, source), delegating the provider-specific pagination to an
// Importer and the replay to the shared C7 queue.
type Engine struct {
	connections storage.BillingConnectionRepo
	vault       CredentialProvider
	webhookLogs storage.WebhookLogRepo
	queue       *queue.Queue
	cache       *cache.Cache
	importers   map[models.Source]Importer
	logger      *zap.Logger
}

// New returns an Engine. Register importers with RegisterImporter
// before calling Run.
func New(
	connections storage.BillingConnectionRepo,
	vaultSvc CredentialProvider,
	webhookLogs storage.WebhookLogRepo,
	q *queue.Queue,
	c *cache.Cache,
	logger *zap.Logger,
) *Engine {
	return &Engine{
		connections: connections,
		vault:       vaultSvc,
		webhookLogs: webhookLogs,
		queue:       q,
		cache:       c,
		importers:   make(map[models.Source]Importer),
		logger:      logger,
	}
}

// RegisterImporter wires a per-provider Importer into the engine.
func (e *Engine) RegisterImporter(source models.Source, importer Importer) {
	e.importers[source] = importer
}

// Progress returns the current progress document for an (org, source)
// backfill, or storage.ErrNotFound if none has ever run.
func (e *Engine) Progress(ctx context.Context, orgID uuid.UUID, source models.Source) (*Progress, error) {
	p, err := loadProgress(ctx, e.cache, orgID.String(), string(source))
	if err != nil {
		return nil, storage.ErrNotFound
	}
	return p, nil
}

// Start kicks off a backfill run in a new goroutine and returns its run
// ID immediately, or ErrBackfillRunning if one is already in flight.
// The caller's ctx is not used for the run itself — a backfill outlives
// the HTTP request that triggered it — but a fresh context derived from
// context.Background is used instead so shutdown doesn't orphan it
// silently; callers wanting cancellation should track the run via its
// progress document and tear down the whole process to stop it.
func (e *Engine) Start(ctx context.Context, orgID uuid.UUID, source models.Source) (string, error) {
	importer, ok := e.importers[source]
	if !ok {
		return "", fmt.Errorf("backfill: no importer registered for source %q", source)
	}

	runID := uuid.New().String()
	acquired, err := acquireLock(ctx, e.cache, orgID.String(), string(source), runID)
	if err != nil {
		return "", fmt.Errorf("backfill: acquire lock: %w", err)
	}
	if !acquired {
		return "", ErrBackfillRunning
	}

	progress := &Progress{
		RunID:     runID,
		Source:    source,
		Status:    PhaseQueued,
		StartedAt: time.Now().UTC(),
	}
	if err := saveProgress(ctx, e.cache, orgID.String(), progress); err != nil {
		releaseLock(context.Background(), e.cache, orgID.String(), string(source))
		return "", fmt.Errorf("backfill: save initial progress: %w", err)
	}

	go e.run(context.Background(), orgID, source, importer, progress)
	return runID, nil
}

func (e *Engine) run(ctx context.Context, orgID uuid.UUID, source models.Source, importer Importer, progress *Progress) {
	defer releaseLock(ctx, e.cache, orgID.String(), string(source))

	logger := e.logger.With(zap.String("org_id", orgID.String()), zap.String("source", string(source)), zap.String("run_id", progress.RunID))
	logger.Info("starting backfill run")

	progress.Status = PhaseCounting
	saveProgress(ctx, e.cache, orgID.String(), progress)

	if _, err := e.connections.Get(ctx, orgID, source); err != nil {
		e.fail(ctx, orgID, progress, fmt.Errorf("billing connection not configured: %w", err))
		return
	}

	creds, err := e.vault.GetDecryptedCredentials(ctx, orgID, source)
	if err != nil {
		e.fail(ctx, orgID, progress, fmt.Errorf("fetch credentials: %w", err))
		return
	}

	progress.Status = PhaseImportingSubscriptions
	saveProgress(ctx, e.cache, orgID.String(), progress)

	emit := func(se SyntheticEvent) error {
		return e.replay(ctx, orgID, source, progress.RunID, se)
	}

	if err := importer.Import(ctx, creds, progress.RunID, progress, emit); err != nil {
		e.fail(ctx, orgID, progress, fmt.Errorf("import: %w", err))
		return
	}

	now := time.Now().UTC()
	progress.Status = PhaseCompleted
	progress.CompletedAt = &now
	if err := saveProgress(ctx, e.cache, orgID.String(), progress); err != nil {
		logger.Warn("failed to save final progress", zap.Error(err))
	}
	logger.Info("backfill run complete",
		zap.Int("imported_events", progress.ImportedEvents),
		zap.Int("events_created", progress.EventsCreated))
}

func (e *Engine) fail(ctx context.Context, orgID uuid.UUID, progress *Progress, cause error) {
	progress.Errors = append(progress.Errors, cause.Error())
	progress.Status = PhaseFailed
	now := time.Now().UTC()
	progress.CompletedAt = &now
	if err := saveProgress(ctx, e.cache, orgID.String(), progress); err != nil {
		e.logger.Warn("failed to save failure progress", zap.Error(err))
	}
	e.logger.Error("backfill run failed", zap.String("org_id", orgID.String()), zap.Error(cause))
}

// replay writes a webhook_log row for a synthesized event, marks it as
// already-verified (these bytes were never sent over the wire, so
// there is no signature to check), and enqueues it onto the same
// Redis stream a live webhook delivery would use.
func (e *Engine) replay(ctx context.Context, orgID uuid.UUID, source models.Source, runID string, se SyntheticEvent) error {
	if se.Headers == nil {
		se.Headers = map[string]string{}
	}
	se.Headers["x-revguard-backfill-run-id"] = runID

	logID, err := e.webhookLogs.Create(ctx, orgID, source, se.Headers, se.Body)
	if err != nil {
		return fmt.Errorf("backfill: create webhook log: %w", err)
	}
	if err := e.webhookLogs.MarkSignatureResult(ctx, logID, true, 200, nil); err != nil {
		return fmt.Errorf("backfill: mark webhook log verified: %w", err)
	}

	job := queue.Job{
		OrgID:        orgID.String(),
		Source:       source,
		WebhookLogID: logID.String(),
		RawBody:      se.Body,
		RawHeaders:   se.Headers,
		ReceivedAt:   time.Now().UTC(),
	}
	if _, err := e.queue.Enqueue(ctx, job); err != nil {
		return fmt.Errorf("backfill: enqueue job: %w", err)
	}
	return nil
}
