package worker

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/splitfair/webhook-service/internal/domain"
	"github.com/splitfair/webhook-service/internal/engine"
	ws "github.com/splitfair/webhook-service/internal/websocket"
)

// DeliveryTimeout bounds one HTTP attempt end to end.
const DeliveryTimeout = 5 * time.Second

// responses are read up to this many bytes; the store truncates further to
// its character limit
const maxResponseRead = 4096

// DeliveryRecords is the slice of the record store the worker needs.
type DeliveryRecords interface {
	GetDelivery(ctx context.Context, id string) (*domain.Delivery, error)
	IncrementDeliveryAttempt(ctx context.Context, id string) (int, error)
	SaveDeliveryResult(ctx context.Context, d *domain.Delivery) error
}

// SubscriptionHealth feeds delivery outcomes back into the registry.
type SubscriptionHealth interface {
	RecordDeliverySuccess(ctx context.Context, id string) error
	RecordDeliveryFailure(ctx context.Context, id string) (bool, error)
}

// Deliverer executes one delivery attempt: sign, POST, classify, persist,
// update subscription health.
type Deliverer struct {
	httpClient *http.Client
	records    DeliveryRecords
	registry   SubscriptionHealth
	hub        *ws.Hub
	logger     *slog.Logger
}

// NewDeliverer creates a deliverer with the fixed attempt timeout. hub may
// be nil; the live feed is strictly best-effort.
func NewDeliverer(records DeliveryRecords, registry SubscriptionHealth, hub *ws.Hub, logger *slog.Logger) *Deliverer {
	return &Deliverer{
		httpClient: &http.Client{Timeout: DeliveryTimeout},
		records:    records,
		registry:   registry,
		hub:        hub,
		logger:     logger,
	}
}

type deliveryEnvelope struct {
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

// Process runs one attempt for the job. A nil return settles the job; a
// non-nil return hands it back to the queue's retry policy. The attempt is
// counted before any network I/O so it survives a thrown request.
func (d *Deliverer) Process(ctx context.Context, job engine.Job) error {
	rec, err := d.records.GetDelivery(ctx, job.DeliveryID)
	if err != nil {
		return fmt.Errorf("loading delivery record: %w", err)
	}

	attempts, err := d.records.IncrementDeliveryAttempt(ctx, rec.ID)
	if err != nil {
		return fmt.Errorf("counting attempt: %w", err)
	}
	rec.AttemptCount = attempts

	signature := computeHMAC(job.Payload, job.Secret)
	now := time.Now()

	body, err := json.Marshal(deliveryEnvelope{
		Event:     job.EventType,
		Data:      job.Payload,
		Timestamp: now.UnixMilli(),
	})
	if err != nil {
		return d.settleTransportError(ctx, job, rec, fmt.Errorf("encoding envelope: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, job.Destination, bytes.NewReader(body))
	if err != nil {
		return d.settleTransportError(ctx, job, rec, fmt.Errorf("building request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", signature)
	req.Header.Set("X-Webhook-Timestamp", strconv.FormatInt(now.UnixMilli(), 10))
	req.Header.Set("X-Webhook-Event", job.EventType)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		// No HTTP response obtained — timeout, DNS, connection refused.
		return d.settleTransportError(ctx, job, rec, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseRead))
	return d.settleResponse(ctx, job, rec, resp.StatusCode, string(respBody))
}

// settleResponse records a completed HTTP exchange. Every status code counts
// as a completed response; only 2xx is a success.
func (d *Deliverer) settleResponse(ctx context.Context, job engine.Job, rec *domain.Delivery, statusCode int, respBody string) error {
	now := time.Now()
	rec.HTTPStatus = &statusCode
	rec.ResponseBody = &respBody
	rec.DeliveredAt = &now

	if statusCode >= 200 && statusCode < 300 {
		rec.Status = domain.DeliverySuccess
		rec.ErrorMessage = nil
		d.save(ctx, rec)

		if err := d.registry.RecordDeliverySuccess(ctx, job.SubscriptionID); err != nil {
			d.logger.Error("failed to record subscription success",
				"error", err,
				"subscription_id", job.SubscriptionID,
			)
		}

		d.logger.Info("delivery successful",
			"delivery_id", rec.ID,
			"subscription_id", job.SubscriptionID,
			"attempt", rec.AttemptCount,
			"status_code", statusCode,
		)
		d.notify(job, rec)
		return nil
	}

	errMsg := fmt.Sprintf("HTTP %d: %s", statusCode, http.StatusText(statusCode))
	rec.Status = domain.DeliveryFailed
	rec.ErrorMessage = &errMsg
	d.save(ctx, rec)

	if job.Final() {
		d.creditFailure(ctx, job)
	}

	d.logger.Warn("delivery failed",
		"delivery_id", rec.ID,
		"subscription_id", job.SubscriptionID,
		"attempt", rec.AttemptCount,
		"status_code", statusCode,
	)
	d.notify(job, rec)

	// 4xx and 5xx retry the same way: destinations may be transiently
	// misconfigured.
	return fmt.Errorf("HTTP %d: %s", statusCode, http.StatusText(statusCode))
}

// settleTransportError records an attempt that never produced an HTTP
// response. http_status and delivered_at stay unset; the error goes back to
// the queue so it retries with backoff.
func (d *Deliverer) settleTransportError(ctx context.Context, job engine.Job, rec *domain.Delivery, cause error) error {
	errMsg := cause.Error()
	rec.Status = domain.DeliveryFailed
	rec.ErrorMessage = &errMsg
	d.save(ctx, rec)

	if job.Final() {
		d.creditFailure(ctx, job)
	}

	d.logger.Warn("delivery attempt errored",
		"delivery_id", rec.ID,
		"subscription_id", job.SubscriptionID,
		"attempt", rec.AttemptCount,
		"error", errMsg,
	)
	d.notify(job, rec)

	return fmt.Errorf("delivering %s: %w", rec.ID, cause)
}

func (d *Deliverer) save(ctx context.Context, rec *domain.Delivery) {
	if err := d.records.SaveDeliveryResult(ctx, rec); err != nil {
		d.logger.Error("failed to save delivery result",
			"error", err,
			"delivery_id", rec.ID,
		)
	}
}

// creditFailure charges one failure against the subscription. Called only on
// the final attempt of a dispatch, so a dispatch costs one credit no matter
// how many retries it burned.
func (d *Deliverer) creditFailure(ctx context.Context, job engine.Job) {
	deactivated, err := d.registry.RecordDeliveryFailure(ctx, job.SubscriptionID)
	if err != nil {
		d.logger.Error("failed to record subscription failure",
			"error", err,
			"subscription_id", job.SubscriptionID,
		)
		return
	}
	if deactivated {
		d.logger.Warn("subscription deactivated after repeated failures",
			"subscription_id", job.SubscriptionID,
			"threshold", domain.DeactivationThreshold,
		)
	}
}

// notify pushes the outcome to the live feed. The hub is an optional sink;
// nothing here may affect the delivery path.
func (d *Deliverer) notify(job engine.Job, rec *domain.Delivery) {
	if d.hub == nil {
		return
	}

	update := ws.DeliveryUpdate{
		Type:           "delivery_" + string(rec.Status),
		DeliveryID:     rec.ID,
		SubscriptionID: job.SubscriptionID,
		Destination:    job.Destination,
		EventType:      job.EventType,
		Attempt:        rec.AttemptCount,
		StatusCode:     rec.HTTPStatus,
		Timestamp:      time.Now(),
	}
	if rec.ErrorMessage != nil {
		update.Error = *rec.ErrorMessage
	}
	d.hub.Broadcast(update)
}

// computeHMAC generates a hex HMAC-SHA256 signature over the payload.
func computeHMAC(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
