package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/splitfair/webhook-service/internal/domain"
)

const (
	// QueueKey is the sorted set holding pending delivery jobs, scored by
	// the time they become ready to run.
	QueueKey = "delivery_queue"
	// DeadKey retains jobs that exhausted their retries. They are kept for
	// operator inspection and never consumed again.
	DeadKey = "delivery_queue:dead"
)

// Retry policy: a dispatch gets at most MaxAttempts tries, with exponential
// backoff starting at BaseBackoff (1s, 2s).
const (
	MaxAttempts = 3
	BaseBackoff = time.Second
)

// Job is one delivery attempt's worth of work. It references a persisted
// Delivery record and carries everything the worker needs so no subscription
// lookup happens on the hot path.
type Job struct {
	DeliveryID     string          `json:"delivery_id"`
	SubscriptionID string          `json:"subscription_id"`
	Destination    string          `json:"destination"`
	Secret         string          `json:"secret"`
	EventType      string          `json:"event_type"`
	Payload        json.RawMessage `json:"payload"`
	Attempt        int             `json:"attempt"`
	MaxAttempts    int             `json:"max_attempts"`
}

// Final reports whether this job is the last allowed attempt for its
// dispatch.
func (j Job) Final() bool {
	return j.Attempt >= j.MaxAttempts
}

type deadJob struct {
	Job
	LastError string    `json:"last_error"`
	FailedAt  time.Time `json:"failed_at"`
}

// Queue is a durable delivery work queue on a Redis sorted set. Claims are
// atomic, so concurrent dispatchers never run the same job twice, and a
// job's attempts stay strictly sequential because a job re-enters the set
// only after its previous attempt concluded.
type Queue struct {
	redisClient *redis.Client
	logger      *slog.Logger
}

func NewQueue(redisClient *redis.Client, logger *slog.Logger) *Queue {
	return &Queue{redisClient: redisClient, logger: logger}
}

// Enqueue schedules a job to become ready after delay.
func (q *Queue) Enqueue(ctx context.Context, job Job, delay time.Duration) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshaling job: %w", err)
	}

	score := float64(time.Now().Add(delay).UnixMicro())
	if err := q.redisClient.ZAdd(ctx, QueueKey, redis.Z{Score: score, Member: string(data)}).Err(); err != nil {
		return fmt.Errorf("enqueuing job: %w", err)
	}
	return nil
}

// Claim removes and returns up to limit jobs whose ready-time has passed.
// A job lost to a concurrent claimer is silently skipped.
func (q *Queue) Claim(ctx context.Context, limit int64) ([]Job, error) {
	now := float64(time.Now().UnixMicro())

	results, err := q.redisClient.ZRangeByScore(ctx, QueueKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatFloat(now, 'f', -1, 64),
		Count: limit,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("polling delivery queue: %w", err)
	}

	var jobs []Job
	for _, member := range results {
		removed, err := q.redisClient.ZRem(ctx, QueueKey, member).Result()
		if err != nil {
			return jobs, fmt.Errorf("claiming job: %w", err)
		}
		if removed == 0 {
			// Another dispatcher already claimed this job
			continue
		}

		var job Job
		if err := json.Unmarshal([]byte(member), &job); err != nil {
			q.logger.Error("failed to unmarshal job, dropping", "error", err)
			continue
		}
		jobs = append(jobs, job)
	}

	return jobs, nil
}

// HandleFailure applies the retry policy to a failed attempt: schedule the
// next attempt with backoff, or retain the job in the dead set once the
// ceiling is reached. Jobs for vanished delivery records are dropped — there
// is nothing left to retry against.
func (q *Queue) HandleFailure(ctx context.Context, job Job, cause error) {
	if errors.Is(cause, domain.ErrNotFound) {
		q.logger.Warn("dropping job for missing delivery record",
			"delivery_id", job.DeliveryID,
			"subscription_id", job.SubscriptionID,
		)
		return
	}

	if !job.Final() {
		backoff := BaseBackoff << (job.Attempt - 1)
		next := job
		next.Attempt++
		if err := q.Enqueue(ctx, next, backoff); err != nil {
			q.logger.Error("failed to schedule retry",
				"error", err,
				"delivery_id", job.DeliveryID,
				"attempt", next.Attempt,
			)
			return
		}
		q.logger.Info("delivery retry scheduled",
			"delivery_id", job.DeliveryID,
			"subscription_id", job.SubscriptionID,
			"attempt", next.Attempt,
			"backoff", backoff.String(),
		)
		return
	}

	q.retain(ctx, job, cause)
}

// retain moves an exhausted job to the dead set with its final error.
func (q *Queue) retain(ctx context.Context, job Job, cause error) {
	dead := deadJob{Job: job, LastError: cause.Error(), FailedAt: time.Now()}
	data, err := json.Marshal(dead)
	if err != nil {
		q.logger.Error("failed to marshal dead job", "error", err, "delivery_id", job.DeliveryID)
		return
	}

	score := float64(time.Now().UnixMicro())
	if err := q.redisClient.ZAdd(ctx, DeadKey, redis.Z{Score: score, Member: string(data)}).Err(); err != nil {
		q.logger.Error("failed to retain exhausted job", "error", err, "delivery_id", job.DeliveryID)
		return
	}

	q.logger.Warn("delivery retries exhausted",
		"delivery_id", job.DeliveryID,
		"subscription_id", job.SubscriptionID,
		"attempts", job.Attempt,
		"error", cause.Error(),
	)
}

// Depth returns the number of jobs waiting in the delivery queue.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	return q.redisClient.ZCard(ctx, QueueKey).Result()
}

// DeadDepth returns the number of retained exhausted jobs.
func (q *Queue) DeadDepth(ctx context.Context) (int64, error) {
	return q.redisClient.ZCard(ctx, DeadKey).Result()
}
