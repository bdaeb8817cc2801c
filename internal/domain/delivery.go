package domain

import (
	"encoding/json"
	"time"
)

type DeliveryStatus string

const (
	DeliveryPending DeliveryStatus = "pending"
	DeliverySuccess DeliveryStatus = "success"
	DeliveryFailed  DeliveryStatus = "failed"
)

// Truncation limits for delivery outcome fields, in characters.
const (
	MaxResponseBodyLen = 1000
	MaxErrorMessageLen = 500
)

// Delivery tracks the outcome of one dispatch to one subscription. The same
// record is reused across retry attempts; attempt_count grows by one per
// attempt.
type Delivery struct {
	ID             string          `json:"id"`
	SubscriptionID string          `json:"subscription_id"`
	EventType      string          `json:"event_type"`
	Payload        json.RawMessage `json:"payload"`
	Status         DeliveryStatus  `json:"status"`
	AttemptCount   int             `json:"attempt_count"`
	HTTPStatus     *int            `json:"http_status,omitempty"`
	ResponseBody   *string         `json:"response_body,omitempty"`
	ErrorMessage   *string         `json:"error_message,omitempty"`
	DeliveredAt    *time.Time      `json:"delivered_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// DeliveryStats aggregates a subscription's delivery history.
type DeliveryStats struct {
	Total       int     `json:"total"`
	Success     int     `json:"success"`
	Failed      int     `json:"failed"`
	Pending     int     `json:"pending"`
	SuccessRate float64 `json:"success_rate"`
}

// NewDeliveryStats assembles the aggregate, deriving the success rate as a
// percentage of all deliveries. An empty history has rate 0.
func NewDeliveryStats(total, success, failed, pending int) DeliveryStats {
	stats := DeliveryStats{Total: total, Success: success, Failed: failed, Pending: pending}
	if total > 0 {
		stats.SuccessRate = float64(success) / float64(total) * 100
	}
	return stats
}

// Truncate shortens s to at most max characters.
func Truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}
