package outbox

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tenant-outbox-engine/internal/models"
	"tenant-outbox-engine/internal/retry"
)

// memStore is an in-memory EventStore with the same exclusive-claim semantics
// as the Postgres implementation.
type memStore struct {
	mu     sync.Mutex
	events map[string]*models.OutboxEvent
	now    func() time.Time
}

func newMemStore() *memStore {
	return &memStore{
		events: make(map[string]*models.OutboxEvent),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (m *memStore) insert(ev models.OutboxEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := ev
	m.events[ev.ID] = &copied
}

func (m *memStore) get(id string) models.OutboxEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.events[id]
}

func (m *memStore) ClaimPending(_ context.Context, workerID string, limit int) ([]models.OutboxEvent, error) {
	return m.claim(workerID, limit, func(ev *models.OutboxEvent) bool {
		due := ev.NextRetryAt == nil || !ev.NextRetryAt.After(m.now())
		return ev.Status == models.StatusPending && due
	})
}

func (m *memStore) ClaimRetryable(_ context.Context, workerID string, limit int) ([]models.OutboxEvent, error) {
	return m.claim(workerID, limit, func(ev *models.OutboxEvent) bool {
		due := ev.NextRetryAt == nil || !ev.NextRetryAt.After(m.now())
		return ev.Status == models.StatusFailed && ev.Attempts < ev.MaxAttempts && due
	})
}

func (m *memStore) claim(workerID string, limit int, eligible func(*models.OutboxEvent) bool) ([]models.OutboxEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var candidates []*models.OutboxEvent
	for _, ev := range m.events {
		if eligible(ev) {
			candidates = append(candidates, ev)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	now := m.now()
	out := make([]models.OutboxEvent, 0, len(candidates))
	for _, ev := range candidates {
		ev.Status = models.StatusProcessing
		ev.ClaimedBy = &workerID
		ev.ClaimedAt = &now
		out = append(out, *ev)
	}
	return out, nil
}

func (m *memStore) MarkPublished(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev := m.events[id]
	if ev.Status != models.StatusProcessing {
		return nil
	}
	now := m.now()
	ev.Status = models.StatusPublished
	ev.PublishedAt = &now
	ev.ClaimedBy = nil
	ev.ClaimedAt = nil
	ev.ErrorMessage = nil
	return nil
}

func (m *memStore) MarkRetry(_ context.Context, id string, attempts int, nextRetryAt time.Time, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev := m.events[id]
	ev.Status = models.StatusPending
	ev.Attempts = attempts
	ev.NextRetryAt = &nextRetryAt
	ev.ErrorMessage = &errMsg
	ev.ClaimedBy = nil
	ev.ClaimedAt = nil
	return nil
}

func (m *memStore) MarkFailed(_ context.Context, id string, attempts int, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev := m.events[id]
	ev.Status = models.StatusFailed
	ev.Attempts = attempts
	ev.NextRetryAt = nil
	ev.ErrorMessage = &errMsg
	ev.ClaimedBy = nil
	ev.ClaimedAt = nil
	return nil
}

func (m *memStore) ReclaimStuck(_ context.Context, olderThan time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, ev := range m.events {
		if ev.Status == models.StatusProcessing && ev.ClaimedAt != nil && ev.ClaimedAt.Before(olderThan) {
			ev.Status = models.StatusPending
			ev.ClaimedBy = nil
			ev.ClaimedAt = nil
			n++
		}
	}
	return n, nil
}

type scriptedPublisher struct {
	mu       sync.Mutex
	errs     []error
	calls    int32
	lastCall models.OutboxEvent
}

func (p *scriptedPublisher) Publish(_ context.Context, ev models.OutboxEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	atomic.AddInt32(&p.calls, 1)
	p.lastCall = ev
	if len(p.errs) == 0 {
		return nil
	}
	err := p.errs[0]
	p.errs = p.errs[1:]
	return err
}

func pendingEvent(id string, createdAt time.Time, maxAttempts int) models.OutboxEvent {
	return models.OutboxEvent{
		ID:            id,
		AggregateType: "project",
		AggregateID:   "p1",
		EventType:     "ProjectUpdated",
		Payload:       []byte(`{"title":"launch"}`),
		Metadata:      models.EventMetadata{TenantID: "t1", UserID: "u1"},
		Status:        models.StatusPending,
		MaxAttempts:   maxAttempts,
		CreatedAt:     createdAt,
	}
}

func testDispatcher(st EventStore, pub Publisher) *Dispatcher {
	d := NewDispatcher(st, pub, retry.Exponential{Initial: time.Minute}, "test-worker", nil)
	return d
}

func TestFailTwiceThenSucceed(t *testing.T) {
	st := newMemStore()
	st.insert(pendingEvent("ev1", time.Now().UTC(), 3))
	pub := &scriptedPublisher{errs: []error{errors.New("boom"), errors.New("boom again")}}
	d := testDispatcher(st, pub)

	for i := 0; i < 3; i++ {
		if _, err := d.ProcessPendingEvents(context.Background(), 10); err != nil {
			t.Fatalf("sweep %d: %v", i, err)
		}
		// Fast-forward past the backoff delay.
		st.mu.Lock()
		st.events["ev1"].NextRetryAt = nil
		st.mu.Unlock()
	}

	ev := st.get("ev1")
	if ev.Status != models.StatusPublished {
		t.Fatalf("expected published, got %s", ev.Status)
	}
	if ev.Attempts != 2 {
		t.Fatalf("attempts counts failures only: expected 2, got %d", ev.Attempts)
	}
	if ev.PublishedAt == nil {
		t.Fatal("published_at not set")
	}
}

func TestAlwaysFailingEventTurnsTerminal(t *testing.T) {
	st := newMemStore()
	st.insert(pendingEvent("ev1", time.Now().UTC(), 3))
	pub := &scriptedPublisher{errs: []error{
		errors.New("e1"), errors.New("e2"), errors.New("e3"), errors.New("e4"),
	}}
	d := testDispatcher(st, pub)

	for i := 0; i < 4; i++ {
		if _, err := d.ProcessPendingEvents(context.Background(), 10); err != nil {
			t.Fatalf("sweep %d: %v", i, err)
		}
		st.mu.Lock()
		st.events["ev1"].NextRetryAt = nil
		st.mu.Unlock()
	}

	ev := st.get("ev1")
	if ev.Status != models.StatusFailed {
		t.Fatalf("expected failed, got %s", ev.Status)
	}
	if ev.Attempts != 3 {
		t.Fatalf("expected attempts=3, got %d", ev.Attempts)
	}
	if got := atomic.LoadInt32(&pub.calls); got != 3 {
		t.Fatalf("terminal event must not be reclaimed: publisher called %d times", got)
	}
	if ev.ErrorMessage == nil || *ev.ErrorMessage != "e3" {
		t.Fatalf("expected last error recorded, got %v", ev.ErrorMessage)
	}
}

func TestConcurrentDispatchersClaimOnce(t *testing.T) {
	st := newMemStore()
	st.insert(pendingEvent("ev1", time.Now().UTC(), 3))
	pub := &scriptedPublisher{}

	var wg sync.WaitGroup
	counts := make([]int, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d := NewDispatcher(st, pub, retry.Exponential{Initial: time.Minute}, "worker-"+string(rune('a'+i)), nil)
			n, err := d.ProcessPendingEvents(context.Background(), 10)
			if err != nil {
				t.Errorf("dispatcher %d: %v", i, err)
			}
			counts[i] = n
		}(i)
	}
	wg.Wait()

	if got := atomic.LoadInt32(&pub.calls); got != 1 {
		t.Fatalf("expected exactly one publish, got %d", got)
	}
	if counts[0]+counts[1] != 1 {
		t.Fatalf("expected one dispatcher to claim the event, got counts %v", counts)
	}
	if ev := st.get("ev1"); ev.Status != models.StatusPublished {
		t.Fatalf("expected published, got %s", ev.Status)
	}
}

func TestBatchIsFIFO(t *testing.T) {
	st := newMemStore()
	base := time.Now().UTC()
	st.insert(pendingEvent("ev2", base.Add(time.Second), 3))
	st.insert(pendingEvent("ev1", base, 3))
	st.insert(pendingEvent("ev3", base.Add(2*time.Second), 3))

	var order []string
	pub := publisherFunc(func(_ context.Context, ev models.OutboxEvent) error {
		order = append(order, ev.ID)
		return nil
	})
	d := testDispatcher(st, pub)

	if _, err := d.ProcessPendingEvents(context.Background(), 10); err != nil {
		t.Fatal(err)
	}
	want := []string{"ev1", "ev2", "ev3"}
	for i, id := range want {
		if order[i] != id {
			t.Fatalf("expected FIFO order %v, got %v", want, order)
		}
	}
}

func TestRetryNotDueIsSkipped(t *testing.T) {
	st := newMemStore()
	ev := pendingEvent("ev1", time.Now().UTC(), 3)
	future := time.Now().UTC().Add(time.Hour)
	ev.NextRetryAt = &future
	st.insert(ev)

	pub := &scriptedPublisher{}
	d := testDispatcher(st, pub)
	n, err := d.ProcessPendingEvents(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 || atomic.LoadInt32(&pub.calls) != 0 {
		t.Fatalf("event with future next_retry_at must not be claimed (n=%d calls=%d)", n, pub.calls)
	}
}

func TestReclaimStuckReturnsCrashedClaims(t *testing.T) {
	st := newMemStore()
	ev := pendingEvent("ev1", time.Now().UTC(), 3)
	ev.Status = models.StatusProcessing
	worker := "crashed-worker"
	claimed := time.Now().UTC().Add(-time.Hour)
	ev.ClaimedBy = &worker
	ev.ClaimedAt = &claimed
	st.insert(ev)

	d := testDispatcher(st, &scriptedPublisher{})
	n, err := d.ReclaimStuck(context.Background(), 5*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 reclaimed, got %d", n)
	}
	got := st.get("ev1")
	if got.Status != models.StatusPending || got.ClaimedBy != nil {
		t.Fatalf("expected claim cleared and status pending, got %+v", got)
	}
}

func TestFreshClaimSurvivesReclaim(t *testing.T) {
	st := newMemStore()
	ev := pendingEvent("ev1", time.Now().UTC(), 3)
	ev.Status = models.StatusProcessing
	worker := "live-worker"
	claimed := time.Now().UTC()
	ev.ClaimedBy = &worker
	ev.ClaimedAt = &claimed
	st.insert(ev)

	d := testDispatcher(st, &scriptedPublisher{})
	n, err := d.ReclaimStuck(context.Background(), 5*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("fresh claim must not be reclaimed, got %d", n)
	}
}

type publisherFunc func(ctx context.Context, ev models.OutboxEvent) error

func (f publisherFunc) Publish(ctx context.Context, ev models.OutboxEvent) error {
	return f(ctx, ev)
}
