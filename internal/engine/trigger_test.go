package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/splitfair/webhook-service/internal/domain"
)

type fakeRegistry struct {
	subs []domain.Subscription
	err  error
}

func (f *fakeRegistry) FindActiveForEvent(_ context.Context, eventType, owner string) ([]domain.Subscription, error) {
	if f.err != nil {
		return nil, f.err
	}
	var matched []domain.Subscription
	for _, s := range f.subs {
		if !s.Active {
			continue
		}
		if owner != "" && s.Owner != owner {
			continue
		}
		for _, et := range s.EventTypes {
			if et == eventType {
				matched = append(matched, s)
				break
			}
		}
	}
	return matched, nil
}

type fakeRecords struct {
	created []domain.Delivery
	err     error
}

func (f *fakeRecords) CreateDelivery(_ context.Context, subscriptionID, eventType string, payload json.RawMessage) (*domain.Delivery, error) {
	if f.err != nil {
		return nil, f.err
	}
	d := domain.Delivery{
		ID:             "dlv-" + subscriptionID,
		SubscriptionID: subscriptionID,
		EventType:      eventType,
		Payload:        payload,
		Status:         domain.DeliveryPending,
	}
	f.created = append(f.created, d)
	return &d, nil
}

type fakeAdmitter struct {
	rejected map[string]bool
}

func (f *fakeAdmitter) Admit(_ context.Context, subscriptionID string) bool {
	return !f.rejected[subscriptionID]
}

type fakeQueue struct {
	jobs []Job
	err  error
}

func (f *fakeQueue) Enqueue(_ context.Context, job Job, _ time.Duration) error {
	if f.err != nil {
		return f.err
	}
	f.jobs = append(f.jobs, job)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func activeSub(id, owner string, eventTypes ...string) domain.Subscription {
	return domain.Subscription{
		ID:          id,
		Owner:       owner,
		Destination: "https://example.com/hooks/" + id,
		Secret:      "whsec_" + id,
		EventTypes:  eventTypes,
		Active:      true,
	}
}

func TestTrigger_FanOutSkipsInactive(t *testing.T) {
	inactive := activeSub("sub-4", "alice", "split.created")
	inactive.Active = false

	registry := &fakeRegistry{subs: []domain.Subscription{
		activeSub("sub-1", "alice", "split.created"),
		activeSub("sub-2", "bob", "split.created", "payment.made"),
		activeSub("sub-3", "carol", "split.created"),
		inactive,
	}}
	records := &fakeRecords{}
	queue := &fakeQueue{}

	tr := NewTrigger(registry, records, &fakeAdmitter{}, queue, testLogger())
	queued := tr.TriggerEvent(context.Background(), "split.created", json.RawMessage(`{"split_id":"spl-1"}`), "")

	if queued != 3 {
		t.Errorf("queued = %d, want 3 (inactive subscription skipped)", queued)
	}
	if len(records.created) != 3 {
		t.Errorf("created %d delivery records, want 3", len(records.created))
	}
	if len(queue.jobs) != 3 {
		t.Errorf("enqueued %d jobs, want 3", len(queue.jobs))
	}
	for _, d := range records.created {
		if d.Status != domain.DeliveryPending {
			t.Errorf("record %s status = %s, want pending", d.ID, d.Status)
		}
	}
}

func TestTrigger_NoMatchForOtherEventType(t *testing.T) {
	registry := &fakeRegistry{subs: []domain.Subscription{
		activeSub("sub-1", "alice", "payment.made"),
	}}
	records := &fakeRecords{}
	queue := &fakeQueue{}

	tr := NewTrigger(registry, records, &fakeAdmitter{}, queue, testLogger())
	queued := tr.TriggerEvent(context.Background(), "split.created", json.RawMessage(`{}`), "")

	if queued != 0 || len(records.created) != 0 || len(queue.jobs) != 0 {
		t.Errorf("nothing should be dispatched for an unmatched event type, queued=%d", queued)
	}
}

func TestTrigger_OwnerScoping(t *testing.T) {
	registry := &fakeRegistry{subs: []domain.Subscription{
		activeSub("sub-1", "alice", "payment.made"),
		activeSub("sub-2", "bob", "payment.made"),
	}}
	records := &fakeRecords{}
	queue := &fakeQueue{}

	tr := NewTrigger(registry, records, &fakeAdmitter{}, queue, testLogger())
	queued := tr.TriggerEvent(context.Background(), "payment.made", json.RawMessage(`{"amount":50}`), "alice")

	if queued != 1 {
		t.Fatalf("queued = %d, want 1 (owner-scoped)", queued)
	}
	if queue.jobs[0].SubscriptionID != "sub-1" {
		t.Errorf("dispatched to %s, want sub-1", queue.jobs[0].SubscriptionID)
	}
}

func TestTrigger_RateLimitedDispatchLeavesNoRecord(t *testing.T) {
	registry := &fakeRegistry{subs: []domain.Subscription{
		activeSub("sub-1", "alice", "split.created"),
		activeSub("sub-2", "bob", "split.created"),
	}}
	records := &fakeRecords{}
	queue := &fakeQueue{}
	limiter := &fakeAdmitter{rejected: map[string]bool{"sub-1": true}}

	tr := NewTrigger(registry, records, limiter, queue, testLogger())
	queued := tr.TriggerEvent(context.Background(), "split.created", json.RawMessage(`{}`), "")

	if queued != 1 {
		t.Fatalf("queued = %d, want 1", queued)
	}
	if len(records.created) != 1 || records.created[0].SubscriptionID != "sub-2" {
		t.Errorf("rejected dispatch must not create a record, created=%v", records.created)
	}
}

func TestTrigger_JobCarriesDispatchContext(t *testing.T) {
	sub := activeSub("sub-1", "alice", "payment.made")
	registry := &fakeRegistry{subs: []domain.Subscription{sub}}
	records := &fakeRecords{}
	queue := &fakeQueue{}

	tr := NewTrigger(registry, records, &fakeAdmitter{}, queue, testLogger())
	payload := json.RawMessage(`{"amount":50}`)
	tr.TriggerEvent(context.Background(), "payment.made", payload, "")

	if len(queue.jobs) != 1 {
		t.Fatalf("enqueued %d jobs, want 1", len(queue.jobs))
	}
	job := queue.jobs[0]
	if job.DeliveryID != records.created[0].ID {
		t.Errorf("job delivery_id = %s, want %s", job.DeliveryID, records.created[0].ID)
	}
	if job.Destination != sub.Destination || job.Secret != sub.Secret {
		t.Errorf("job must carry the subscription's destination and secret, got %+v", job)
	}
	if job.Attempt != 1 || job.MaxAttempts != MaxAttempts {
		t.Errorf("job attempt = %d/%d, want 1/%d", job.Attempt, job.MaxAttempts, MaxAttempts)
	}
	if string(job.Payload) != string(payload) {
		t.Errorf("job payload = %s", job.Payload)
	}
}

func TestTrigger_RegistryErrorSwallowed(t *testing.T) {
	registry := &fakeRegistry{err: errors.New("connection reset")}
	tr := NewTrigger(registry, &fakeRecords{}, &fakeAdmitter{}, &fakeQueue{}, testLogger())

	// Must not panic or propagate; the trigger is fire-and-forget.
	if queued := tr.TriggerEvent(context.Background(), "split.created", json.RawMessage(`{}`), ""); queued != 0 {
		t.Errorf("queued = %d, want 0", queued)
	}
}

func TestTrigger_EnqueueErrorDoesNotCountDispatch(t *testing.T) {
	registry := &fakeRegistry{subs: []domain.Subscription{
		activeSub("sub-1", "alice", "split.created"),
	}}
	queue := &fakeQueue{err: errors.New("redis down")}

	tr := NewTrigger(registry, &fakeRecords{}, &fakeAdmitter{}, queue, testLogger())
	if queued := tr.TriggerEvent(context.Background(), "split.created", json.RawMessage(`{}`), ""); queued != 0 {
		t.Errorf("queued = %d, want 0 when enqueue fails", queued)
	}
}
