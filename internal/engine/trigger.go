package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/splitfair/webhook-service/internal/domain"
)

// SubscriptionFinder matches an event against the subscription registry.
type SubscriptionFinder interface {
	FindActiveForEvent(ctx context.Context, eventType, owner string) ([]domain.Subscription, error)
}

// DeliveryCreator opens a pending delivery record for an admitted dispatch.
type DeliveryCreator interface {
	CreateDelivery(ctx context.Context, subscriptionID, eventType string, payload json.RawMessage) (*domain.Delivery, error)
}

// Admitter decides whether a dispatch passes the per-subscription rate gate.
type Admitter interface {
	Admit(ctx context.Context, subscriptionID string) bool
}

// Enqueuer schedules delivery jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, job Job, delay time.Duration) error
}

// Trigger fans an application event out to every active matching
// subscription: admit, create a pending record, enqueue a job. Failures stay
// inside the subsystem — the caller only learns how many dispatches were
// queued.
type Trigger struct {
	registry SubscriptionFinder
	records  DeliveryCreator
	limiter  Admitter
	queue    Enqueuer
	logger   *slog.Logger
}

func NewTrigger(registry SubscriptionFinder, records DeliveryCreator, limiter Admitter, queue Enqueuer, logger *slog.Logger) *Trigger {
	return &Trigger{
		registry: registry,
		records:  records,
		limiter:  limiter,
		queue:    queue,
		logger:   logger,
	}
}

// TriggerEvent dispatches eventType to all active subscriptions whose event
// set contains it, scoped to owner when non-empty. Returns the number of
// deliveries queued; errors along the way are logged, never propagated.
func (t *Trigger) TriggerEvent(ctx context.Context, eventType string, payload json.RawMessage, owner string) int {
	subs, err := t.registry.FindActiveForEvent(ctx, eventType, owner)
	if err != nil {
		t.logger.Error("failed to match subscriptions", "error", err, "event_type", eventType)
		return 0
	}

	if len(subs) == 0 {
		t.logger.Debug("no matching subscriptions", "event_type", eventType)
		return 0
	}

	queued := 0
	for _, sub := range subs {
		if t.dispatch(ctx, sub, eventType, payload) {
			queued++
		}
	}

	t.logger.Info("event dispatched",
		"event_type", eventType,
		"matched", len(subs),
		"queued", queued,
	)

	return queued
}

// TriggerSubscription dispatches a single event to one subscription,
// bypassing event-set matching. Used for the manual test endpoint; admission
// and record creation still apply.
func (t *Trigger) TriggerSubscription(ctx context.Context, sub domain.Subscription, eventType string, payload json.RawMessage) bool {
	return t.dispatch(ctx, sub, eventType, payload)
}

func (t *Trigger) dispatch(ctx context.Context, sub domain.Subscription, eventType string, payload json.RawMessage) bool {
	if !t.limiter.Admit(ctx, sub.ID) {
		// Dropped dispatches leave no record; the limiter is advisory.
		t.logger.Info("dispatch dropped by rate limiter",
			"subscription_id", sub.ID,
			"event_type", eventType,
		)
		return false
	}

	record, err := t.records.CreateDelivery(ctx, sub.ID, eventType, payload)
	if err != nil {
		t.logger.Error("failed to create delivery record",
			"error", err,
			"subscription_id", sub.ID,
			"event_type", eventType,
		)
		return false
	}

	job := Job{
		DeliveryID:     record.ID,
		SubscriptionID: sub.ID,
		Destination:    sub.Destination,
		Secret:         sub.Secret,
		EventType:      eventType,
		Payload:        payload,
		Attempt:        1,
		MaxAttempts:    MaxAttempts,
	}

	if err := t.queue.Enqueue(ctx, job, 0); err != nil {
		t.logger.Error("failed to enqueue delivery",
			"error", err,
			"delivery_id", record.ID,
			"subscription_id", sub.ID,
		)
		return false
	}

	return true
}
