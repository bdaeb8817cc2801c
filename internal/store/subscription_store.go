package store

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/splitfair/webhook-service/internal/domain"
)

// CreateSubscription validates and persists a new subscription together with
// its event-type rows. A signing secret is generated when the request does
// not supply one; it is returned in full only from this call.
func (s *PostgresStore) CreateSubscription(ctx context.Context, req domain.CreateSubscriptionRequest) (*domain.Subscription, error) {
	if err := domain.ValidateDestination(req.Destination); err != nil {
		return nil, err
	}
	if len(req.EventTypes) == 0 {
		return nil, &domain.ValidationError{Field: "event_types", Reason: "at least one event type is required"}
	}

	secret := req.Secret
	if secret == "" {
		generated, err := generateSecret()
		if err != nil {
			return nil, fmt.Errorf("generating secret: %w", err)
		}
		secret = generated
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	sub := domain.Subscription{EventTypes: req.EventTypes}
	err = tx.QueryRow(ctx, `
		INSERT INTO subscriptions (id, owner_id, destination, secret)
		VALUES ($1, $2, $3, $4)
		RETURNING id, owner_id, destination, secret, active, consecutive_failures, last_triggered_at, created_at, updated_at
	`, uuid.NewString(), req.Owner, req.Destination, secret).Scan(
		&sub.ID, &sub.Owner, &sub.Destination, &sub.Secret,
		&sub.Active, &sub.ConsecutiveFailures, &sub.LastTriggeredAt, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("inserting subscription: %w", err)
	}

	for _, eventType := range req.EventTypes {
		_, err = tx.Exec(ctx, `
			INSERT INTO subscription_events (subscription_id, event_type)
			VALUES ($1, $2)
		`, sub.ID, eventType)
		if err != nil {
			return nil, fmt.Errorf("inserting event type %s: %w", eventType, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}

	return &sub, nil
}

func (s *PostgresStore) GetSubscription(ctx context.Context, id string) (*domain.Subscription, error) {
	var sub domain.Subscription
	err := s.pool.QueryRow(ctx, `
		SELECT s.id, s.owner_id, s.destination, s.secret, s.active, s.consecutive_failures,
			   s.last_triggered_at, s.created_at, s.updated_at,
			   COALESCE(array_agg(e.event_type) FILTER (WHERE e.event_type IS NOT NULL), '{}')
		FROM subscriptions s
		LEFT JOIN subscription_events e ON e.subscription_id = s.id
		WHERE s.id = $1
		GROUP BY s.id
	`, id).Scan(
		&sub.ID, &sub.Owner, &sub.Destination, &sub.Secret,
		&sub.Active, &sub.ConsecutiveFailures, &sub.LastTriggeredAt,
		&sub.CreatedAt, &sub.UpdatedAt, &sub.EventTypes,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("subscription %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("querying subscription: %w", err)
	}
	return &sub, nil
}

func (s *PostgresStore) ListSubscriptions(ctx context.Context, owner string) ([]domain.Subscription, error) {
	query := `
		SELECT s.id, s.owner_id, s.destination, s.active, s.consecutive_failures,
			   s.last_triggered_at, s.created_at, s.updated_at,
			   COALESCE(array_agg(e.event_type) FILTER (WHERE e.event_type IS NOT NULL), '{}')
		FROM subscriptions s
		LEFT JOIN subscription_events e ON e.subscription_id = s.id
	`
	args := []interface{}{}
	if owner != "" {
		query += " WHERE s.owner_id = $1"
		args = append(args, owner)
	}
	query += " GROUP BY s.id ORDER BY s.created_at DESC"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []domain.Subscription
	for rows.Next() {
		var sub domain.Subscription
		err := rows.Scan(
			&sub.ID, &sub.Owner, &sub.Destination,
			&sub.Active, &sub.ConsecutiveFailures, &sub.LastTriggeredAt,
			&sub.CreatedAt, &sub.UpdatedAt, &sub.EventTypes,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning subscription: %w", err)
		}
		subs = append(subs, sub)
	}

	if subs == nil {
		subs = []domain.Subscription{}
	}

	return subs, nil
}

// UpdateSubscription applies a partial update. Setting active=true here is
// the explicit reactivation path; it also clears the failure counter so the
// subscription does not flip straight back off on the next failure.
func (s *PostgresStore) UpdateSubscription(ctx context.Context, id string, req domain.UpdateSubscriptionRequest) (*domain.Subscription, error) {
	if req.Destination != nil {
		if err := domain.ValidateDestination(*req.Destination); err != nil {
			return nil, err
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	setClauses := []string{}
	args := []interface{}{}
	argIdx := 1

	if req.Destination != nil {
		setClauses = append(setClauses, fmt.Sprintf("destination = $%d", argIdx))
		args = append(args, *req.Destination)
		argIdx++
	}
	if req.Secret != nil {
		setClauses = append(setClauses, fmt.Sprintf("secret = $%d", argIdx))
		args = append(args, *req.Secret)
		argIdx++
	}
	if req.Active != nil {
		setClauses = append(setClauses, fmt.Sprintf("active = $%d", argIdx))
		args = append(args, *req.Active)
		argIdx++
		if *req.Active {
			setClauses = append(setClauses, "consecutive_failures = 0")
		}
	}

	setClauses = append(setClauses, "updated_at = NOW()")

	query := fmt.Sprintf(`
		UPDATE subscriptions SET %s
		WHERE id = $%d
		RETURNING id, owner_id, destination, active, consecutive_failures, last_triggered_at, created_at, updated_at
	`, strings.Join(setClauses, ", "), argIdx)
	args = append(args, id)

	var sub domain.Subscription
	err = tx.QueryRow(ctx, query, args...).Scan(
		&sub.ID, &sub.Owner, &sub.Destination,
		&sub.Active, &sub.ConsecutiveFailures, &sub.LastTriggeredAt,
		&sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("subscription %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("updating subscription: %w", err)
	}

	if req.EventTypes != nil {
		if len(req.EventTypes) == 0 {
			return nil, &domain.ValidationError{Field: "event_types", Reason: "at least one event type is required"}
		}
		if _, err := tx.Exec(ctx, `DELETE FROM subscription_events WHERE subscription_id = $1`, id); err != nil {
			return nil, fmt.Errorf("clearing event types: %w", err)
		}
		for _, eventType := range req.EventTypes {
			if _, err := tx.Exec(ctx, `
				INSERT INTO subscription_events (subscription_id, event_type)
				VALUES ($1, $2)
			`, id, eventType); err != nil {
				return nil, fmt.Errorf("inserting event type %s: %w", eventType, err)
			}
		}
		sub.EventTypes = req.EventTypes
	} else {
		rows, err := tx.Query(ctx, `SELECT event_type FROM subscription_events WHERE subscription_id = $1`, id)
		if err != nil {
			return nil, fmt.Errorf("querying event types: %w", err)
		}
		for rows.Next() {
			var et string
			if err := rows.Scan(&et); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scanning event type: %w", err)
			}
			sub.EventTypes = append(sub.EventTypes, et)
		}
		rows.Close()
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}

	return &sub, nil
}

// DeleteSubscription removes a subscription; its delivery records and event
// rows go with it through the ON DELETE CASCADE constraints.
func (s *PostgresStore) DeleteSubscription(ctx context.Context, id string) error {
	result, err := s.pool.Exec(ctx, `DELETE FROM subscriptions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting subscription: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("subscription %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// FindActiveForEvent returns all active subscriptions whose event set
// contains eventType, optionally scoped to one owner.
func (s *PostgresStore) FindActiveForEvent(ctx context.Context, eventType, owner string) ([]domain.Subscription, error) {
	query := `
		SELECT DISTINCT s.id, s.owner_id, s.destination, s.secret, s.active,
			   s.consecutive_failures, s.last_triggered_at, s.created_at, s.updated_at
		FROM subscriptions s
		JOIN subscription_events e ON e.subscription_id = s.id
		WHERE s.active = true AND e.event_type = $1
	`
	args := []interface{}{eventType}
	if owner != "" {
		query += " AND s.owner_id = $2"
		args = append(args, owner)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("finding subscriptions for %s: %w", eventType, err)
	}
	defer rows.Close()

	var subs []domain.Subscription
	for rows.Next() {
		var sub domain.Subscription
		err := rows.Scan(
			&sub.ID, &sub.Owner, &sub.Destination, &sub.Secret,
			&sub.Active, &sub.ConsecutiveFailures, &sub.LastTriggeredAt,
			&sub.CreatedAt, &sub.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning subscription: %w", err)
		}
		subs = append(subs, sub)
	}

	if subs == nil {
		subs = []domain.Subscription{}
	}

	return subs, nil
}

// RecordDeliverySuccess resets the failure counter and stamps the last
// successful delivery. It never reactivates a deactivated subscription.
func (s *PostgresStore) RecordDeliverySuccess(ctx context.Context, id string) error {
	result, err := s.pool.Exec(ctx, `
		UPDATE subscriptions
		SET consecutive_failures = 0, last_triggered_at = NOW(), updated_at = NOW()
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("recording delivery success: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("subscription %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// RecordDeliveryFailure credits one failed dispatch against the subscription
// under a row lock, so concurrent workers cannot lose an increment and leave
// an over-threshold subscription active. Returns true when this call
// deactivated it.
func (s *PostgresStore) RecordDeliveryFailure(ctx context.Context, id string) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var sub domain.Subscription
	err = tx.QueryRow(ctx, `
		SELECT id, consecutive_failures, active FROM subscriptions
		WHERE id = $1 FOR UPDATE
	`, id).Scan(&sub.ID, &sub.ConsecutiveFailures, &sub.Active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, fmt.Errorf("subscription %s: %w", id, domain.ErrNotFound)
		}
		return false, fmt.Errorf("locking subscription: %w", err)
	}

	deactivated := sub.ApplyFailure()

	_, err = tx.Exec(ctx, `
		UPDATE subscriptions
		SET consecutive_failures = $2, active = $3, updated_at = NOW()
		WHERE id = $1
	`, id, sub.ConsecutiveFailures, sub.Active)
	if err != nil {
		return false, fmt.Errorf("recording delivery failure: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("committing transaction: %w", err)
	}

	return deactivated, nil
}

func generateSecret() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return "whsec_" + hex.EncodeToString(bytes), nil
}
