package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/splitfair/webhook-service/internal/domain"
)

// CreateDelivery inserts a pending record for one admitted dispatch.
func (s *PostgresStore) CreateDelivery(ctx context.Context, subscriptionID, eventType string, payload json.RawMessage) (*domain.Delivery, error) {
	var d domain.Delivery
	err := s.pool.QueryRow(ctx, `
		INSERT INTO deliveries (id, subscription_id, event_type, payload)
		VALUES ($1, $2, $3, $4)
		RETURNING id, subscription_id, event_type, payload, status, attempt_count,
				  http_status, response_body, error_message, delivered_at, created_at
	`, uuid.NewString(), subscriptionID, eventType, payload).Scan(
		&d.ID, &d.SubscriptionID, &d.EventType, &d.Payload, &d.Status, &d.AttemptCount,
		&d.HTTPStatus, &d.ResponseBody, &d.ErrorMessage, &d.DeliveredAt, &d.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("inserting delivery: %w", err)
	}
	return &d, nil
}

func (s *PostgresStore) GetDelivery(ctx context.Context, id string) (*domain.Delivery, error) {
	var d domain.Delivery
	err := s.pool.QueryRow(ctx, `
		SELECT id, subscription_id, event_type, payload, status, attempt_count,
			   http_status, response_body, error_message, delivered_at, created_at
		FROM deliveries WHERE id = $1
	`, id).Scan(
		&d.ID, &d.SubscriptionID, &d.EventType, &d.Payload, &d.Status, &d.AttemptCount,
		&d.HTTPStatus, &d.ResponseBody, &d.ErrorMessage, &d.DeliveredAt, &d.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("delivery %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("querying delivery: %w", err)
	}
	return &d, nil
}

// IncrementDeliveryAttempt bumps the attempt counter and returns the new
// value. Persisted before the network call so the attempt is counted even
// when the request errors out.
func (s *PostgresStore) IncrementDeliveryAttempt(ctx context.Context, id string) (int, error) {
	var attempts int
	err := s.pool.QueryRow(ctx, `
		UPDATE deliveries SET attempt_count = attempt_count + 1
		WHERE id = $1
		RETURNING attempt_count
	`, id).Scan(&attempts)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("delivery %s: %w", id, domain.ErrNotFound)
		}
		return 0, fmt.Errorf("incrementing delivery attempt: %w", err)
	}
	return attempts, nil
}

// SaveDeliveryResult writes the outcome fields of one attempt. Saving the
// same outcome twice leaves the record unchanged, so a retried persistence
// call is harmless. Response body and error message are truncated here so
// no caller can overrun the stored lengths.
func (s *PostgresStore) SaveDeliveryResult(ctx context.Context, d *domain.Delivery) error {
	if d.ResponseBody != nil {
		truncated := domain.Truncate(*d.ResponseBody, domain.MaxResponseBodyLen)
		d.ResponseBody = &truncated
	}
	if d.ErrorMessage != nil {
		truncated := domain.Truncate(*d.ErrorMessage, domain.MaxErrorMessageLen)
		d.ErrorMessage = &truncated
	}

	result, err := s.pool.Exec(ctx, `
		UPDATE deliveries
		SET status = $2, http_status = $3, response_body = $4, error_message = $5, delivered_at = $6
		WHERE id = $1
	`, d.ID, d.Status, d.HTTPStatus, d.ResponseBody, d.ErrorMessage, d.DeliveredAt)
	if err != nil {
		return fmt.Errorf("saving delivery result: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("delivery %s: %w", d.ID, domain.ErrNotFound)
	}
	return nil
}

// ListDeliveriesBySubscription returns a subscription's records newest first.
func (s *PostgresStore) ListDeliveriesBySubscription(ctx context.Context, subscriptionID string, limit int) ([]domain.Delivery, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, subscription_id, event_type, payload, status, attempt_count,
			   http_status, response_body, error_message, delivered_at, created_at
		FROM deliveries
		WHERE subscription_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, subscriptionID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying deliveries: %w", err)
	}
	defer rows.Close()

	var deliveries []domain.Delivery
	for rows.Next() {
		var d domain.Delivery
		err := rows.Scan(
			&d.ID, &d.SubscriptionID, &d.EventType, &d.Payload, &d.Status, &d.AttemptCount,
			&d.HTTPStatus, &d.ResponseBody, &d.ErrorMessage, &d.DeliveredAt, &d.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning delivery: %w", err)
		}
		deliveries = append(deliveries, d)
	}

	if deliveries == nil {
		deliveries = []domain.Delivery{}
	}

	return deliveries, nil
}

// DeliveryStatsForSubscription aggregates one subscription's delivery history.
func (s *PostgresStore) DeliveryStatsForSubscription(ctx context.Context, subscriptionID string) (*domain.DeliveryStats, error) {
	var total, success, failed, pending int
	err := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) AS total,
			COUNT(*) FILTER (WHERE status = 'success') AS success,
			COUNT(*) FILTER (WHERE status = 'failed') AS failed,
			COUNT(*) FILTER (WHERE status = 'pending') AS pending
		FROM deliveries
		WHERE subscription_id = $1
	`, subscriptionID).Scan(&total, &success, &failed, &pending)
	if err != nil {
		return nil, fmt.Errorf("querying delivery stats: %w", err)
	}

	stats := domain.NewDeliveryStats(total, success, failed, pending)
	return &stats, nil
}
