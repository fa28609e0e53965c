// Package queue implements the durable at-least-once webhook work queue
// on top of Redis Streams: one stream per source, a single consumer
// group per stream, XACK on success and XCLAIM to recover jobs
// abandoned by a dead consumer.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/revguard/revguard/pkg/models"
	"go.uber.org/zap"
)

const (
	consumerGroup = "revguard-ingestion"
	streamPrefix  = "revguard:webhooks:"

	// claimIdleThreshold is how long a pending entry must sit unacked
	// before a new consumer may claim it from a dead peer.
	claimIdleThreshold = 45 * time.Second
)

// Job is one unit of ingestion work: a single webhook delivery to
// normalize, idempotency-gate, resolve identity for, and persist.
type Job struct {
	OrgID        string            `json:"org_id"`
	Source       models.Source     `json:"source"`
	WebhookLogID string            `json:"webhook_log_id"`
	RawBody      []byte            `json:"raw_body"`
	RawHeaders   map[string]string `json:"raw_headers"`
	ReceivedAt   time.Time         `json:"received_at"`
}

// Delivery pairs a decoded Job with the stream entry ID needed to ack it.
type Delivery struct {
	ID  string
	Job Job
}

// Queue wraps a redis.Client with stream-naming and consumer-group
// bookkeeping for the ingestion pipeline.
type Queue struct {
	client *redis.Client
	logger *zap.Logger
}

func New(client *redis.Client, logger *zap.Logger) *Queue {
	return &Queue{client: client, logger: logger}
}

func streamName(source models.Source) string {
	return streamPrefix + string(source)
}

// EnsureGroup creates the stream and consumer group if absent. Safe to
// call on every worker startup.
func (q *Queue) EnsureGroup(ctx context.Context, source models.Source) error {
	stream := streamName(source)
	err := q.client.XGroupCreateMkStream(ctx, stream, consumerGroup, "0").Err()
	if err != nil && !isBusyGroupErr(err) {
		return fmt.Errorf("queue: create consumer group for %s: %w", stream, err)
	}
	return nil
}

func isBusyGroupErr(err error) bool {
	return err != nil && len(err.Error()) >= 10 && err.Error()[:10] == "BUSYGROUP "
}

// Enqueue writes a job onto the source's stream. Called by the C6
// webhook receiver; never blocks on downstream processing.
func (q *Queue) Enqueue(ctx context.Context, job Job) (string, error) {
	payload, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("queue: marshal job: %w", err)
	}

	id, err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamName(job.Source),
		Values: map[string]interface{}{"payload": payload},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("queue: enqueue job: %w", err)
	}
	return id, nil
}

// Read blocks up to block for new entries, reading as this consumer
// within the shared consumer group.
func (q *Queue) Read(ctx context.Context, source models.Source, consumer string, count int64, block time.Duration) ([]Delivery, error) {
	stream := streamName(source)
	res, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    consumerGroup,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue: read group %s: %w", stream, err)
	}
	return decodeDeliveries(res)
}

func decodeDeliveries(streams []redis.XStream) ([]Delivery, error) {
	var out []Delivery
	for _, s := range streams {
		for _, msg := range s.Messages {
			raw, ok := msg.Values["payload"].(string)
			if !ok {
				continue
			}
			var job Job
			if err := json.Unmarshal([]byte(raw), &job); err != nil {
				return nil, fmt.Errorf("queue: decode job %s: %w", msg.ID, err)
			}
			out = append(out, Delivery{ID: msg.ID, Job: job})
		}
	}
	return out, nil
}

// Ack acknowledges that a delivery's processing has ended, removing it
// from the pending entries list.
func (q *Queue) Ack(ctx context.Context, source models.Source, id string) error {
	if err := q.client.XAck(ctx, streamName(source), consumerGroup, id).Err(); err != nil {
		return fmt.Errorf("queue: ack %s: %w", id, err)
	}
	return nil
}

// ClaimStale re-delivers entries that have sat pending past
// claimIdleThreshold, recovering jobs abandoned by a crashed consumer.
// Workers call this on startup and periodically while running.
func (q *Queue) ClaimStale(ctx context.Context, source models.Source, consumer string) ([]Delivery, error) {
	stream := streamName(source)

	pending, err := q.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  consumerGroup,
		Start:  "-",
		End:    "+",
		Count:  100,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: list pending for %s: %w", stream, err)
	}

	var staleIDs []string
	for _, p := range pending {
		if p.Idle >= claimIdleThreshold {
			staleIDs = append(staleIDs, p.ID)
		}
	}
	if len(staleIDs) == 0 {
		return nil, nil
	}

	msgs, err := q.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   stream,
		Group:    consumerGroup,
		Consumer: consumer,
		MinIdle:  claimIdleThreshold,
		Messages: staleIDs,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: claim stale for %s: %w", stream, err)
	}

	q.logger.Warn("claimed stale deliveries from dead consumer",
		zap.String("stream", stream), zap.Int("count", len(msgs)))

	return decodeDeliveries([]redis.XStream{{Stream: stream, Messages: msgs}})
}
