package worker

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"sync"
	"testing"

	"github.com/splitfair/webhook-service/internal/domain"
	"github.com/splitfair/webhook-service/internal/engine"
)

// memRecords is an in-memory delivery record store mirroring the Postgres
// store's contract, including truncation on save.
type memRecords struct {
	mu   sync.Mutex
	recs map[string]*domain.Delivery
}

func newMemRecords() *memRecords {
	return &memRecords{recs: make(map[string]*domain.Delivery)}
}

func (m *memRecords) put(d domain.Delivery) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs[d.ID] = &d
}

func (m *memRecords) get(id string) domain.Delivery {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.recs[id]
}

func (m *memRecords) GetDelivery(_ context.Context, id string) (*domain.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[id]
	if !ok {
		return nil, fmt.Errorf("delivery %s: %w", id, domain.ErrNotFound)
	}
	copied := *rec
	return &copied, nil
}

func (m *memRecords) IncrementDeliveryAttempt(_ context.Context, id string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[id]
	if !ok {
		return 0, fmt.Errorf("delivery %s: %w", id, domain.ErrNotFound)
	}
	rec.AttemptCount++
	return rec.AttemptCount, nil
}

func (m *memRecords) SaveDeliveryResult(_ context.Context, d *domain.Delivery) error {
	if d.ResponseBody != nil {
		truncated := domain.Truncate(*d.ResponseBody, domain.MaxResponseBodyLen)
		d.ResponseBody = &truncated
	}
	if d.ErrorMessage != nil {
		truncated := domain.Truncate(*d.ErrorMessage, domain.MaxErrorMessageLen)
		d.ErrorMessage = &truncated
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[d.ID]
	if !ok {
		return fmt.Errorf("delivery %s: %w", d.ID, domain.ErrNotFound)
	}
	attempts := rec.AttemptCount
	copied := *d
	copied.AttemptCount = attempts
	m.recs[d.ID] = &copied
	return nil
}

// memHealth counts success/failure credits per subscription.
type memHealth struct {
	mu        sync.Mutex
	successes map[string]int
	failures  map[string]int
}

func newMemHealth() *memHealth {
	return &memHealth{successes: map[string]int{}, failures: map[string]int{}}
}

func (m *memHealth) RecordDeliverySuccess(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.successes[id]++
	return nil
}

func (m *memHealth) RecordDeliveryFailure(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[id]++
	return m.failures[id] >= domain.DeactivationThreshold, nil
}

func (m *memHealth) counts(id string) (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.successes[id], m.failures[id]
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func pendingDelivery(id string) domain.Delivery {
	return domain.Delivery{
		ID:             id,
		SubscriptionID: "sub-1",
		EventType:      "payment.made",
		Payload:        json.RawMessage(`{"amount":50}`),
		Status:         domain.DeliveryPending,
	}
}

func jobFor(id, destination string, attempt int) engine.Job {
	return engine.Job{
		DeliveryID:     id,
		SubscriptionID: "sub-1",
		Destination:    destination,
		Secret:         "whsec_test",
		EventType:      "payment.made",
		Payload:        json.RawMessage(`{"amount":50}`),
		Attempt:        attempt,
		MaxAttempts:    engine.MaxAttempts,
	}
}

func TestProcess_StatusClassification(t *testing.T) {
	tests := []struct {
		status     int
		wantStatus domain.DeliveryStatus
	}{
		{200, domain.DeliverySuccess},
		{201, domain.DeliverySuccess},
		{204, domain.DeliverySuccess},
		{299, domain.DeliverySuccess},
		{300, domain.DeliveryFailed},
		{400, domain.DeliveryFailed},
		{404, domain.DeliveryFailed},
		{429, domain.DeliveryFailed},
		{500, domain.DeliveryFailed},
		{503, domain.DeliveryFailed},
	}

	for _, tt := range tests {
		t.Run(strconv.Itoa(tt.status), func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			records := newMemRecords()
			records.put(pendingDelivery("dlv-1"))
			health := newMemHealth()
			d := NewDeliverer(records, health, nil, testLogger())

			err := d.Process(context.Background(), jobFor("dlv-1", server.URL, 1))

			rec := records.get("dlv-1")
			if rec.Status != tt.wantStatus {
				t.Errorf("status = %s, want %s", rec.Status, tt.wantStatus)
			}
			if rec.HTTPStatus == nil || *rec.HTTPStatus != tt.status {
				t.Errorf("http_status = %v, want %d", rec.HTTPStatus, tt.status)
			}
			if rec.DeliveredAt == nil {
				t.Error("delivered_at should be set for a completed response")
			}

			if tt.wantStatus == domain.DeliverySuccess {
				if err != nil {
					t.Errorf("Process returned %v for a success", err)
				}
				if rec.ErrorMessage != nil {
					t.Errorf("error_message = %q, want unset", *rec.ErrorMessage)
				}
			} else {
				if err == nil {
					t.Error("Process should return an error so the queue retries")
				}
				want := fmt.Sprintf("HTTP %d: %s", tt.status, http.StatusText(tt.status))
				if rec.ErrorMessage == nil || *rec.ErrorMessage != want {
					t.Errorf("error_message = %v, want %q", rec.ErrorMessage, want)
				}
			}
		})
	}
}

func TestProcess_SignedEnvelope(t *testing.T) {
	var gotHeaders http.Header
	var gotBody []byte

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	records := newMemRecords()
	records.put(pendingDelivery("dlv-1"))
	d := NewDeliverer(records, newMemHealth(), nil, testLogger())

	payload := json.RawMessage(`{"amount":50}`)
	if err := d.Process(context.Background(), jobFor("dlv-1", server.URL, 1)); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	if ct := gotHeaders.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	if et := gotHeaders.Get("X-Webhook-Event"); et != "payment.made" {
		t.Errorf("X-Webhook-Event = %q", et)
	}

	// Signature covers the payload, not the whole envelope
	mac := hmac.New(sha256.New, []byte("whsec_test"))
	mac.Write(payload)
	wantSig := hex.EncodeToString(mac.Sum(nil))
	if sig := gotHeaders.Get("X-Webhook-Signature"); sig != wantSig {
		t.Errorf("X-Webhook-Signature = %q, want %q", sig, wantSig)
	}

	ms, err := strconv.ParseInt(gotHeaders.Get("X-Webhook-Timestamp"), 10, 64)
	if err != nil || ms <= 0 {
		t.Errorf("X-Webhook-Timestamp = %q, want a ms epoch", gotHeaders.Get("X-Webhook-Timestamp"))
	}

	var envelope struct {
		Event     string          `json:"event"`
		Data      json.RawMessage `json:"data"`
		Timestamp int64           `json:"timestamp"`
	}
	if err := json.Unmarshal(gotBody, &envelope); err != nil {
		t.Fatalf("envelope is not valid JSON: %v", err)
	}
	if envelope.Event != "payment.made" {
		t.Errorf("envelope event = %q", envelope.Event)
	}
	if string(envelope.Data) != string(payload) {
		t.Errorf("envelope data = %s, want %s", envelope.Data, payload)
	}
	if envelope.Timestamp != ms {
		t.Errorf("envelope timestamp %d != header timestamp %d", envelope.Timestamp, ms)
	}
}

func TestProcess_TransportError(t *testing.T) {
	// A server that is already closed: connection refused, no HTTP response.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	records := newMemRecords()
	records.put(pendingDelivery("dlv-1"))
	health := newMemHealth()
	d := NewDeliverer(records, health, nil, testLogger())

	err := d.Process(context.Background(), jobFor("dlv-1", url, 1))
	if err == nil {
		t.Fatal("Process should return the transport error for queue retry")
	}

	rec := records.get("dlv-1")
	if rec.Status != domain.DeliveryFailed {
		t.Errorf("status = %s, want failed", rec.Status)
	}
	if rec.ErrorMessage == nil || *rec.ErrorMessage == "" {
		t.Error("error_message should carry the transport error")
	}
	if rec.HTTPStatus != nil {
		t.Errorf("http_status = %v, want unset (no response obtained)", *rec.HTTPStatus)
	}
	if rec.DeliveredAt != nil {
		t.Error("delivered_at must stay unset when no response was obtained")
	}
	if rec.AttemptCount != 1 {
		t.Errorf("attempt_count = %d, want 1 (counted before the request)", rec.AttemptCount)
	}

	// Not the final attempt: no failure credit yet.
	if _, failures := health.counts("sub-1"); failures != 0 {
		t.Errorf("failures = %d, want 0 before the final attempt", failures)
	}
}

func TestProcess_FailureCreditedOncePerDispatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	records := newMemRecords()
	records.put(pendingDelivery("dlv-1"))
	health := newMemHealth()
	d := NewDeliverer(records, health, nil, testLogger())

	// Simulate the queue walking through all allowed attempts.
	for attempt := 1; attempt <= engine.MaxAttempts; attempt++ {
		if err := d.Process(context.Background(), jobFor("dlv-1", server.URL, attempt)); err == nil {
			t.Fatalf("attempt %d should report failure", attempt)
		}
	}

	rec := records.get("dlv-1")
	if rec.AttemptCount != engine.MaxAttempts {
		t.Errorf("attempt_count = %d, want %d", rec.AttemptCount, engine.MaxAttempts)
	}
	if rec.Status != domain.DeliveryFailed {
		t.Errorf("status = %s, want failed", rec.Status)
	}

	// One dispatch, one failure credit — regardless of how many retries
	// it burned.
	if _, failures := health.counts("sub-1"); failures != 1 {
		t.Errorf("failures = %d, want exactly 1 per dispatch", failures)
	}
}

func TestProcess_SuccessUpdatesHealth(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{"status": "received"})
	}))
	defer server.Close()

	records := newMemRecords()
	records.put(pendingDelivery("dlv-1"))
	health := newMemHealth()
	d := NewDeliverer(records, health, nil, testLogger())

	if err := d.Process(context.Background(), jobFor("dlv-1", server.URL, 1)); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	successes, failures := health.counts("sub-1")
	if successes != 1 || failures != 0 {
		t.Errorf("health = %d successes / %d failures, want 1/0", successes, failures)
	}

	rec := records.get("dlv-1")
	if rec.ResponseBody == nil || *rec.ResponseBody == "" {
		t.Error("response_body should capture the destination's reply")
	}
}

func TestProcess_MissingRecordAborts(t *testing.T) {
	var called bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	d := NewDeliverer(newMemRecords(), newMemHealth(), nil, testLogger())

	err := d.Process(context.Background(), jobFor("dlv-missing", server.URL, 1))
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Process error = %v, want ErrNotFound", err)
	}
	if called {
		t.Error("no HTTP request should be made for a missing record")
	}
}

func TestComputeHMAC(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
		secret  string
	}{
		{
			name:    "basic payload",
			payload: []byte(`{"event":"split.created","data":{"id":"123"}}`),
			secret:  "whsec_abc",
		},
		{
			name:    "empty payload",
			payload: []byte(`{}`),
			secret:  "secret",
		},
		{
			name:    "empty secret",
			payload: []byte(`{"test":true}`),
			secret:  "",
		},
		{
			name:    "unicode payload",
			payload: []byte(`{"name":"café","price":"€10"}`),
			secret:  "unicode-key-日本語",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig := computeHMAC(tt.payload, tt.secret)

			decoded, err := hex.DecodeString(sig)
			if err != nil {
				t.Fatalf("signature is not valid hex: %v", err)
			}
			if len(decoded) != 32 {
				t.Fatalf("expected 32 bytes, got %d", len(decoded))
			}

			mac := hmac.New(sha256.New, []byte(tt.secret))
			mac.Write(tt.payload)
			expected := hex.EncodeToString(mac.Sum(nil))

			if sig != expected {
				t.Errorf("signature mismatch:\n  got:  %s\n  want: %s", sig, expected)
			}
		})
	}
}

func TestComputeHMAC_DifferentInputsDiffer(t *testing.T) {
	if computeHMAC([]byte(`{"a":1}`), "s") == computeHMAC([]byte(`{"a":2}`), "s") {
		t.Error("different payloads should produce different signatures")
	}
	if computeHMAC([]byte(`{"a":1}`), "s1") == computeHMAC([]byte(`{"a":1}`), "s2") {
		t.Error("different secrets should produce different signatures")
	}
}
