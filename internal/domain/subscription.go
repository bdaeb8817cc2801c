package domain

import (
	"fmt"
	"net/url"
	"time"
)

// DeactivationThreshold is the number of consecutive failed dispatches after
// which a subscription is automatically deactivated. Reactivation only
// happens through an explicit update, never automatically.
const DeactivationThreshold = 10

type Subscription struct {
	ID                  string     `json:"id"`
	Owner               string     `json:"owner"`
	Destination         string     `json:"destination"`
	EventTypes          []string   `json:"event_types"`
	Secret              string     `json:"secret,omitempty"`
	Active              bool       `json:"active"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastTriggeredAt     *time.Time `json:"last_triggered_at,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// ApplyFailure credits one failed dispatch against the subscription and
// deactivates it once the threshold is reached. Returns true when this call
// flipped the subscription to inactive.
func (s *Subscription) ApplyFailure() bool {
	s.ConsecutiveFailures++
	if s.Active && s.ConsecutiveFailures >= DeactivationThreshold {
		s.Active = false
		return true
	}
	return false
}

// ApplySuccess resets the failure counter and stamps the last successful
// delivery. It never reactivates a deactivated subscription.
func (s *Subscription) ApplySuccess(now time.Time) {
	s.ConsecutiveFailures = 0
	s.LastTriggeredAt = &now
}

type CreateSubscriptionRequest struct {
	Owner       string   `json:"owner"`
	Destination string   `json:"destination"`
	EventTypes  []string `json:"event_types"`
	Secret      string   `json:"secret,omitempty"`
}

type UpdateSubscriptionRequest struct {
	Destination *string  `json:"destination,omitempty"`
	EventTypes  []string `json:"event_types,omitempty"`
	Secret      *string  `json:"secret,omitempty"`
	Active      *bool    `json:"active,omitempty"`
}

type CreateSubscriptionResponse struct {
	ID          string `json:"id"`
	Destination string `json:"destination"`
	Secret      string `json:"secret"`
}

// ValidateDestination checks that a destination is a well-formed absolute
// http or https URL.
func ValidateDestination(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return &ValidationError{Field: "destination", Reason: fmt.Sprintf("invalid URL: %v", err)}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return &ValidationError{Field: "destination", Reason: "URL scheme must be http or https"}
	}
	if u.Host == "" {
		return &ValidationError{Field: "destination", Reason: "URL host is required"}
	}
	return nil
}
