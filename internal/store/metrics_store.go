package store

import (
	"context"
	"fmt"
)

// DeliveryMetrics holds service-wide delivery statistics.
type DeliveryMetrics struct {
	TotalDeliveries     int     `json:"total_deliveries"`
	SuccessCount        int     `json:"success_count"`
	FailedCount         int     `json:"failed_count"`
	PendingCount        int     `json:"pending_count"`
	SuccessRate         float64 `json:"success_rate"`
	ActiveSubscriptions int     `json:"active_subscriptions"`
	TotalSubscriptions  int     `json:"total_subscriptions"`
}

// GetDeliveryMetrics returns aggregated delivery statistics across all
// subscriptions.
func (s *PostgresStore) GetDeliveryMetrics(ctx context.Context) (*DeliveryMetrics, error) {
	var m DeliveryMetrics

	err := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) AS total,
			COUNT(*) FILTER (WHERE status = 'success') AS success,
			COUNT(*) FILTER (WHERE status = 'failed') AS failed,
			COUNT(*) FILTER (WHERE status = 'pending') AS pending
		FROM deliveries
	`).Scan(&m.TotalDeliveries, &m.SuccessCount, &m.FailedCount, &m.PendingCount)
	if err != nil {
		return nil, fmt.Errorf("querying delivery metrics: %w", err)
	}

	if m.TotalDeliveries > 0 {
		m.SuccessRate = float64(m.SuccessCount) / float64(m.TotalDeliveries) * 100
	}

	err = s.pool.QueryRow(ctx, `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE active = true)
		FROM subscriptions
	`).Scan(&m.TotalSubscriptions, &m.ActiveSubscriptions)
	if err != nil {
		return nil, fmt.Errorf("querying subscription counts: %w", err)
	}

	return &m, nil
}
