package publisher

import (
	"context"
	"errors"
	"testing"

	"tenant-outbox-engine/internal/models"
)

type fakeEnqueuer struct {
	jobs []models.Job
	err  error
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, job models.Job) error {
	if f.err != nil {
		return f.err
	}
	f.jobs = append(f.jobs, job)
	return nil
}

func projectUpdated() models.OutboxEvent {
	return models.OutboxEvent{
		ID:            "ev1",
		AggregateType: "project",
		AggregateID:   "p1",
		EventType:     "ProjectUpdated",
		Payload:       []byte(`{"title":"launch"}`),
		Metadata:      models.EventMetadata{TenantID: "t1", UserID: "u1", CorrelationID: "c1"},
	}
}

func fanOutFactory(event models.OutboxEvent) ([]models.Job, error) {
	return []models.Job{
		{Class: models.JobClassInvalidateCache, Queue: "default", Payload: []byte(`{"keys":["project:p1"]}`)},
		{Class: models.JobClassSendWebhook, Queue: "notifications", Payload: []byte(`{"url":"https://example.test","event_type":"ProjectUpdated"}`)},
	}, nil
}

func TestPublishFansOut(t *testing.T) {
	q := &fakeEnqueuer{}
	p := New(q, 3, nil)
	p.Route("ProjectUpdated", fanOutFactory)

	if err := p.Publish(context.Background(), projectUpdated()); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(q.jobs) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(q.jobs))
	}
	for _, job := range q.jobs {
		if job.TenantID != "t1" || job.UserID != "u1" || job.CorrelationID != "c1" {
			t.Fatalf("metadata not carried through: %+v", job)
		}
		if job.IdempotencyKey == "" || job.MaxAttempts != 3 {
			t.Fatalf("defaults not applied: %+v", job)
		}
	}
	if q.jobs[0].ID != "ev1:invalidate_cache" {
		t.Fatalf("job id should be stable per event+class, got %q", q.jobs[0].ID)
	}
}

func TestRepublishYieldsSameJobIdentity(t *testing.T) {
	q := &fakeEnqueuer{}
	p := New(q, 3, nil)
	p.Route("ProjectUpdated", fanOutFactory)

	_ = p.Publish(context.Background(), projectUpdated())
	_ = p.Publish(context.Background(), projectUpdated())

	if q.jobs[0].ID != q.jobs[2].ID || q.jobs[0].IdempotencyKey != q.jobs[2].IdempotencyKey {
		t.Fatal("redelivered event must produce identical job identity and idempotency key")
	}
}

func TestUnroutedEventTypeFails(t *testing.T) {
	p := New(&fakeEnqueuer{}, 3, nil)
	err := p.Publish(context.Background(), projectUpdated())
	if err == nil {
		t.Fatal("expected error for unrouted event type")
	}
}

func TestEnqueueFailurePropagates(t *testing.T) {
	q := &fakeEnqueuer{err: errors.New("redis down")}
	p := New(q, 3, nil)
	p.Route("ProjectUpdated", fanOutFactory)

	if err := p.Publish(context.Background(), projectUpdated()); err == nil {
		t.Fatal("enqueue failure must fail the publish so the dispatcher retries")
	}
}
