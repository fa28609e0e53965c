// Package pipeline is the C7 ingestion worker: one goroutine per
// billing source draining its queue.Queue stream, normalizing each
// delivery into the canonical event vocabulary, idempotency-gating it,
// resolving the paying user's identity, driving the entitlement state
// machine, and running event-triggered anomaly detectors — in that
// order, acking each delivery once its processing has ended, whether it
// succeeded or exhausted the retry policy.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/revguard/revguard/internal/detect"
	"github.com/revguard/revguard/internal/entitlement"
	"github.com/revguard/revguard/internal/identity"
	"github.com/revguard/revguard/internal/normalize"
	"github.com/revguard/revguard/internal/queue"
	"github.com/revguard/revguard/internal/retry"
	"github.com/revguard/revguard/internal/storage"
	"github.com/revguard/revguard/pkg/models"
)

// readBlock is how long a worker's queue.Read call waits for new
// entries before looping back to check for staleness reclaims.
const readBlock = 5 * time.Second

// readCount bounds how many deliveries a single Read call claims.
const readCount = 10

// staleCheckInterval is how often a worker attempts to reclaim
// deliveries abandoned by a dead consumer.
const staleCheckInterval = 30 * time.Second

// Worker drains one source's queue stream end to end.
type Worker struct {
	source       models.Source
	consumerName string

	queue        *queue.Queue
	events       storage.CanonicalEventRepo
	webhookLogs  storage.WebhookLogRepo
	normalizers  *normalize.Registry
	identities   *identity.Resolver
	entitlements *entitlement.Engine
	detectors    *detect.Engine
	logger       *zap.Logger
}

// New returns a Worker for source, identified to the consumer group as
// consumerName (must be unique per running process for a given source).
func New(
	source models.Source,
	consumerName string,
	q *queue.Queue,
	events storage.CanonicalEventRepo,
	webhookLogs storage.WebhookLogRepo,
	normalizers *normalize.Registry,
	identities *identity.Resolver,
	entitlements *entitlement.Engine,
	detectors *detect.Engine,
	logger *zap.Logger,
) *Worker {
	return &Worker{
		source:       source,
		consumerName: consumerName,
		queue:        q,
		events:       events,
		webhookLogs:  webhookLogs,
		normalizers:  normalizers,
		identities:   identities,
		entitlements: entitlements,
		detectors:    detectors,
		logger:       logger.With(zap.String("source", string(source)), zap.String("consumer", consumerName)),
	}
}

// Run blocks until ctx is canceled, continuously draining the stream
// and reclaiming stale deliveries left behind by dead consumers.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.queue.EnsureGroup(ctx, w.source); err != nil {
		return fmt.Errorf("pipeline: ensure consumer group: %w", err)
	}

	// The zero time makes the first iteration reclaim stale deliveries
	// immediately on startup.
	var lastStaleCheck time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if time.Since(lastStaleCheck) >= staleCheckInterval {
			reclaimed, err := w.queue.ClaimStale(ctx, w.source, w.consumerName)
			if err != nil {
				w.logger.Error("claim stale deliveries failed", zap.Error(err))
			}
			for _, d := range reclaimed {
				w.handle(ctx, d)
			}
			lastStaleCheck = time.Now()
		}

		deliveries, err := w.queue.Read(ctx, w.source, w.consumerName, readCount, readBlock)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.logger.Error("read deliveries failed", zap.Error(err))
			continue
		}
		for _, d := range deliveries {
			w.handle(ctx, d)
		}
	}
}

// handle processes one delivery under the ingestion retry policy and
// acks it on success. A permanently-failing delivery (malformed
// payload, unknown org) is logged and acked anyway, since retrying it
// forever would only ever reproduce the same failure.
func (w *Worker) handle(ctx context.Context, d queue.Delivery) {
	err := retry.IngestionPolicy.Do(ctx, func(ctx context.Context) error {
		return w.process(ctx, d.Job)
	})
	if err != nil {
		w.logger.Error("delivery processing failed permanently",
			zap.String("webhook_log_id", d.Job.WebhookLogID), zap.Error(err))
	}
	if ackErr := w.queue.Ack(ctx, w.source, d.ID); ackErr != nil {
		w.logger.Error("failed to ack delivery", zap.String("id", d.ID), zap.Error(ackErr))
	}
}

func (w *Worker) process(ctx context.Context, job queue.Job) error {
	orgID, err := uuid.Parse(job.OrgID)
	if err != nil {
		return &retry.Permanent{Err: fmt.Errorf("pipeline: invalid org id %q: %w", job.OrgID, err)}
	}
	webhookLogID, err := uuid.Parse(job.WebhookLogID)
	if err != nil {
		return &retry.Permanent{Err: fmt.Errorf("pipeline: invalid webhook log id %q: %w", job.WebhookLogID, err)}
	}

	normalizer, err := w.normalizers.Get(job.Source)
	if err != nil {
		return &retry.Permanent{Err: fmt.Errorf("pipeline: %w", err)}
	}

	normalized, err := normalizer.Normalize(ctx, job.OrgID, job.RawBody)
	if err != nil {
		return &retry.Permanent{Err: fmt.Errorf("pipeline: normalize payload: %w", err)}
	}

	var lastEventID *uuid.UUID
	for _, ne := range normalized {
		eventID, err := w.processOne(ctx, orgID, ne)
		if err != nil {
			return err
		}
		if eventID != uuid.Nil {
			lastEventID = &eventID
		}
	}

	if err := w.webhookLogs.MarkProcessed(ctx, webhookLogID, lastEventID); err != nil {
		return fmt.Errorf("pipeline: mark webhook log processed: %w", err)
	}
	return nil
}

// processOne runs the idempotency gate, identity resolution,
// entitlement transition, and event-triggered detection for a single
// normalized event, returning its persisted id (uuid.Nil if the event
// was a duplicate delivery, not an error).
func (w *Worker) processOne(ctx context.Context, orgID uuid.UUID, ne normalize.NormalizedEvent) (uuid.UUID, error) {
	ev := ne.Event
	ev.OrgID = orgID

	if err := w.events.Insert(ctx, &ev); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			w.logger.Info("duplicate delivery skipped", zap.String("idempotency_key", ev.IdempotencyKey))
			return uuid.Nil, nil
		}
		return uuid.Nil, fmt.Errorf("pipeline: insert canonical event: %w", err)
	}

	userID, err := w.identities.Resolve(ctx, orgID, ne.Hints)
	if err != nil {
		return uuid.Nil, fmt.Errorf("pipeline: resolve identity: %w", err)
	}
	if err := w.events.SetUser(ctx, ev.ID, userID); err != nil {
		return uuid.Nil, fmt.Errorf("pipeline: set canonical event user: %w", err)
	}

	ent, transitioned, err := w.entitlements.Apply(ctx, orgID, userID, ev)
	if err != nil {
		return uuid.Nil, fmt.Errorf("pipeline: apply entitlement transition: %w", err)
	}

	// Apply mutates ent in place on a successful transition, so its
	// pre-transition state isn't recoverable here without a second
	// read; detectors that care about the prior state (none currently
	// do beyond informational logging) only see the post-transition one.
	ec := &detect.EventContext{
		OrgID:        orgID,
		UserID:       userID,
		Event:        ev,
		Entitlement:  ent,
		Transitioned: transitioned,
		Amount:       ne.Amount,
	}
	if err := w.detectors.DetectEvent(ctx, ec); err != nil {
		w.logger.Error("event detection failed", zap.String("event_id", ev.ID.String()), zap.Error(err))
	}

	if err := w.events.MarkProcessed(ctx, ev.ID); err != nil {
		return uuid.Nil, fmt.Errorf("pipeline: mark canonical event processed: %w", err)
	}

	return ev.ID, nil
}
