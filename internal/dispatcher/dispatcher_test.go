package dispatcher

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/perkflow/integration-gateway/internal/adapter"
	"github.com/perkflow/integration-gateway/internal/backoff"
	"github.com/perkflow/integration-gateway/internal/model"
	"github.com/perkflow/integration-gateway/internal/ratelimit"
	"github.com/perkflow/integration-gateway/internal/repository"
)

// memRepo is an in-memory OutboxRepository for dispatcher tests.
type memRepo struct {
	mu        sync.Mutex
	items     map[string]*model.OutboxItem
	order     []string
	claimDeny map[string]bool
}

var _ repository.OutboxRepository = (*memRepo)(nil)

func newMemRepo() *memRepo {
	return &memRepo{items: make(map[string]*model.OutboxItem), claimDeny: make(map[string]bool)}
}

func (m *memRepo) add(item model.OutboxItem) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := item
	m.items[item.ID] = &cp
	m.order = append(m.order, item.ID)
}

func (m *memRepo) get(id string) model.OutboxItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.items[id]
}

func (m *memRepo) Enqueue(_ context.Context, _ *sqlx.Tx, item model.OutboxItem) error {
	m.add(item)
	return nil
}

func (m *memRepo) SelectDue(_ context.Context, now time.Time, limit int) ([]model.OutboxItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.OutboxItem
	for _, id := range m.order {
		it := m.items[id]
		if it.Status != model.StatusQueued && it.Status != model.StatusFailed {
			continue
		}
		if !it.Due(now) {
			continue
		}
		out = append(out, *it)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *memRepo) Claim(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.claimDeny[id] {
		return false, nil
	}
	it, ok := m.items[id]
	if !ok || (it.Status != model.StatusQueued && it.Status != model.StatusFailed) {
		return false, nil
	}
	it.Status = model.StatusInFlight
	return true, nil
}

func (m *memRepo) MarkSent(_ context.Context, id string, attempts int, resp []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	it := m.items[id]
	it.Status = model.StatusSent
	it.AttemptCount = attempts
	it.ProviderResponse = resp
	it.LastError = nil
	it.NextAttemptAt = nil
	return nil
}

func (m *memRepo) MarkFailed(_ context.Context, id string, attempts int, lastErr string, next time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	it := m.items[id]
	it.Status = model.StatusFailed
	it.AttemptCount = attempts
	it.LastError = &lastErr
	it.NextAttemptAt = &next
	return nil
}

func (m *memRepo) MarkDeadLetter(_ context.Context, id string, attempts int, lastErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	it := m.items[id]
	it.Status = model.StatusDeadLetter
	it.AttemptCount = attempts
	it.LastError = &lastErr
	it.NextAttemptAt = nil
	return nil
}

func (m *memRepo) Retry(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	if !ok || (it.Status != model.StatusFailed && it.Status != model.StatusDeadLetter) {
		return false, nil
	}
	it.Status = model.StatusQueued
	it.AttemptCount = 0
	it.LastError = nil
	it.NextAttemptAt = nil
	return true, nil
}

func (m *memRepo) GetByID(_ context.Context, id string) (*model.OutboxItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	if !ok {
		return nil, nil
	}
	cp := *it
	return &cp, nil
}

func (m *memRepo) List(_ context.Context, status model.OutboxStatus, limit int) ([]model.OutboxItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.OutboxItem
	for _, id := range m.order {
		it := m.items[id]
		if status != "" && it.Status != status {
			continue
		}
		out = append(out, *it)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *memRepo) RequeueStale(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, it := range m.items {
		if it.Status == model.StatusInFlight && it.UpdatedAt.Before(cutoff) {
			it.Status = model.StatusQueued
			n++
		}
	}
	return n, nil
}

// stubAdapter returns scripted outcomes in order; the last one repeats.
type stubAdapter struct {
	name     string
	outcomes []adapter.Outcome
	calls    int
}

func (s *stubAdapter) Name() string { return s.name }

func (s *stubAdapter) Send(context.Context, model.OutboxItem) adapter.Outcome {
	i := s.calls
	if i >= len(s.outcomes) {
		i = len(s.outcomes) - 1
	}
	s.calls++
	return s.outcomes[i]
}

type panicAdapter struct{ name string }

func (p panicAdapter) Name() string { return p.name }
func (p panicAdapter) Send(context.Context, model.OutboxItem) adapter.Outcome {
	panic("adapter exploded")
}

type memAttempts struct {
	mu   sync.Mutex
	rows []model.DeliveryAttempt
}

func (m *memAttempts) Insert(_ context.Context, a model.DeliveryAttempt) error {
	m.mu.Lock()
	m.rows = append(m.rows, a)
	m.mu.Unlock()
	return nil
}

func (m *memAttempts) ListRecent(context.Context, string, int, int) ([]model.DeliveryAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.DeliveryAttempt(nil), m.rows...), nil
}

func newTestDispatcher(repo *memRepo, clock clockwork.Clock, limits ratelimit.Table, adapters ...adapter.Adapter) (*Dispatcher, *memAttempts) {
	attempts := &memAttempts{}
	d := New(
		repo,
		adapter.NewRegistry(adapters...),
		ratelimit.NewGate(limits, nil, clock),
		ratelimit.NewBreakerSet(100, 15*time.Second, clock),
		backoff.Default(),
		attempts,
		clock,
		zap.NewNop(),
	)
	return d, attempts
}

func queuedItem(id, integration string, created time.Time) model.OutboxItem {
	return model.OutboxItem{
		ID:            id,
		IntegrationID: integration,
		Operation:     "send_email",
		Payload:       json.RawMessage(`{"to":"a@x.com"}`),
		Status:        model.StatusQueued,
		CreatedAt:     created,
		UpdatedAt:     created,
	}
}

func TestDispatchSuccess(t *testing.T) {
	clock := clockwork.NewFakeClock()
	repo := newMemRepo()
	repo.add(queuedItem("item-1", "resend", clock.Now()))

	ad := &stubAdapter{name: "resend", outcomes: []adapter.Outcome{adapter.OK(json.RawMessage(`{"id":"email_1"}`))}}
	d, _ := newTestDispatcher(repo, clock, nil, ad)

	res, err := d.Dispatch(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if res.Processed != 1 || res.Sent != 1 {
		t.Fatalf("result = %+v", res)
	}

	got := repo.get("item-1")
	if got.Status != model.StatusSent {
		t.Errorf("status = %s, want sent", got.Status)
	}
	if got.AttemptCount != 1 {
		t.Errorf("attempt_count = %d, want 1", got.AttemptCount)
	}
	if string(got.ProviderResponse) != `{"id":"email_1"}` {
		t.Errorf("provider_response = %s", got.ProviderResponse)
	}
}

func TestDispatchTransientFailureToDeadLetter(t *testing.T) {
	clock := clockwork.NewFakeClock()
	repo := newMemRepo()
	repo.add(queuedItem("item-1", "resend", clock.Now()))

	ad := &stubAdapter{name: "resend", outcomes: []adapter.Outcome{adapter.Transient("resend: status=503")}}
	d, attempts := newTestDispatcher(repo, clock, nil, ad)
	ctx := context.Background()

	for pass := 1; pass <= backoff.DefaultMaxAttempts; pass++ {
		res, err := d.Dispatch(ctx, 10)
		if err != nil {
			t.Fatal(err)
		}
		if res.Processed != 1 {
			t.Fatalf("pass %d: processed = %d, want 1", pass, res.Processed)
		}

		got := repo.get("item-1")
		if got.AttemptCount != pass {
			t.Fatalf("pass %d: attempt_count = %d", pass, got.AttemptCount)
		}

		if pass < backoff.DefaultMaxAttempts {
			if got.Status != model.StatusFailed {
				t.Fatalf("pass %d: status = %s, want failed", pass, got.Status)
			}
			if got.NextAttemptAt == nil {
				t.Fatalf("pass %d: next_attempt_at not set", pass)
			}
			// Not due yet: an immediate pass must not touch it.
			res, err := d.Dispatch(ctx, 10)
			if err != nil {
				t.Fatal(err)
			}
			if res.Processed != 0 {
				t.Fatalf("pass %d: future item was processed", pass)
			}
			if after := repo.get("item-1"); after.AttemptCount != pass {
				t.Fatalf("pass %d: attempt_count mutated while waiting", pass)
			}
			clock.Advance(got.NextAttemptAt.Sub(clock.Now()) + time.Millisecond)
		}
	}

	got := repo.get("item-1")
	if got.Status != model.StatusDeadLetter {
		t.Fatalf("status = %s, want dead_letter", got.Status)
	}
	if got.AttemptCount != 5 {
		t.Errorf("attempt_count = %d, want 5", got.AttemptCount)
	}
	if got.LastError == nil || *got.LastError != "resend: status=503" {
		t.Errorf("last_error = %v", got.LastError)
	}
	if len(attempts.rows) != 5 {
		t.Errorf("audit rows = %d, want 5", len(attempts.rows))
	}

	// Terminal: excluded from further automatic dispatch.
	clock.Advance(2 * time.Hour)
	res, err := d.Dispatch(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if res.Processed != 0 {
		t.Fatal("dead_letter item was dispatched again")
	}
}

func TestDispatchPermanentFailureDeadLettersImmediately(t *testing.T) {
	clock := clockwork.NewFakeClock()
	repo := newMemRepo()
	repo.add(queuedItem("item-1", "resend", clock.Now()))

	ad := &stubAdapter{name: "resend", outcomes: []adapter.Outcome{adapter.Permanent("resend: status=422")}}
	d, _ := newTestDispatcher(repo, clock, nil, ad)

	res, err := d.Dispatch(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if res.DeadLetter != 1 {
		t.Fatalf("result = %+v", res)
	}

	got := repo.get("item-1")
	if got.Status != model.StatusDeadLetter {
		t.Fatalf("status = %s", got.Status)
	}
	if got.AttemptCount != 1 {
		t.Errorf("attempt_count = %d, want 1 (audit history preserved)", got.AttemptCount)
	}
}

func TestDispatchUnknownIntegration(t *testing.T) {
	clock := clockwork.NewFakeClock()
	repo := newMemRepo()
	repo.add(queuedItem("item-1", "never-registered", clock.Now()))

	d, _ := newTestDispatcher(repo, clock, nil)

	res, err := d.Dispatch(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if res.DeadLetter != 1 {
		t.Fatalf("result = %+v", res)
	}
	got := repo.get("item-1")
	if got.LastError == nil || *got.LastError == "" {
		t.Error("last_error should describe the missing adapter")
	}
}

func TestDispatchPanicIsIsolated(t *testing.T) {
	clock := clockwork.NewFakeClock()
	repo := newMemRepo()
	repo.add(queuedItem("item-1", "boom", clock.Now()))
	repo.add(queuedItem("item-2", "resend", clock.Now().Add(time.Millisecond)))

	ok := &stubAdapter{name: "resend", outcomes: []adapter.Outcome{adapter.OK(json.RawMessage(`{}`))}}
	d, _ := newTestDispatcher(repo, clock, nil, panicAdapter{name: "boom"}, ok)

	res, err := d.Dispatch(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if res.Processed != 2 || res.Sent != 1 || res.Failed != 1 {
		t.Fatalf("result = %+v", res)
	}
	if got := repo.get("item-1"); got.Status != model.StatusFailed {
		t.Errorf("panicking item status = %s, want failed", got.Status)
	}
	if got := repo.get("item-2"); got.Status != model.StatusSent {
		t.Errorf("second item status = %s, want sent (batch must continue)", got.Status)
	}
}

func TestDispatchRespectsRateLimit(t *testing.T) {
	clock := clockwork.NewFakeClock()
	repo := newMemRepo()
	repo.add(queuedItem("item-1", "twilio", clock.Now()))
	repo.add(queuedItem("item-2", "twilio", clock.Now().Add(time.Millisecond)))

	ad := &stubAdapter{name: "twilio", outcomes: []adapter.Outcome{adapter.OK(json.RawMessage(`{}`))}}
	d, _ := newTestDispatcher(repo, clock, ratelimit.Table{"twilio": {RPS: 1, MaxConcurrency: 1}}, ad)

	res, err := d.Dispatch(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if res.Sent != 1 || res.Skipped != 1 {
		t.Fatalf("result = %+v", res)
	}

	// The skipped item did not burn an attempt.
	got := repo.get("item-2")
	if got.Status != model.StatusQueued || got.AttemptCount != 0 {
		t.Fatalf("skipped item mutated: %+v", got)
	}

	// Next window delivers it.
	clock.Advance(time.Second)
	res, err = d.Dispatch(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if res.Sent != 1 {
		t.Fatalf("second window result = %+v", res)
	}
}

func TestDispatchClaimRaceSkips(t *testing.T) {
	clock := clockwork.NewFakeClock()
	repo := newMemRepo()
	repo.add(queuedItem("item-1", "resend", clock.Now()))
	repo.claimDeny["item-1"] = true

	ad := &stubAdapter{name: "resend", outcomes: []adapter.Outcome{adapter.OK(json.RawMessage(`{}`))}}
	d, _ := newTestDispatcher(repo, clock, nil, ad)

	res, err := d.Dispatch(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if res.Processed != 0 || res.Skipped != 1 {
		t.Fatalf("result = %+v", res)
	}
	if ad.calls != 0 {
		t.Error("adapter called for an unclaimed item")
	}
}

func TestDispatchBatchOrderAndSize(t *testing.T) {
	clock := clockwork.NewFakeClock()
	repo := newMemRepo()
	base := clock.Now()
	repo.add(queuedItem("old", "resend", base.Add(-2*time.Hour)))
	repo.add(queuedItem("older", "resend", base.Add(-3*time.Hour)))
	repo.add(queuedItem("new", "resend", base.Add(-time.Hour)))

	// memRepo returns in insertion order; the real store orders by created_at.
	ad := &stubAdapter{name: "resend", outcomes: []adapter.Outcome{adapter.OK(json.RawMessage(`{}`))}}
	d, _ := newTestDispatcher(repo, clock, nil, ad)

	res, err := d.Dispatch(context.Background(), 2)
	if err != nil {
		t.Fatal(err)
	}
	if res.Processed != 2 {
		t.Fatalf("batch size not honored: %+v", res)
	}
}

func TestRetryResetsDeadLetter(t *testing.T) {
	clock := clockwork.NewFakeClock()
	repo := newMemRepo()
	it := queuedItem("item-1", "resend", clock.Now())
	it.Status = model.StatusDeadLetter
	it.AttemptCount = 5
	repo.add(it)

	ok, err := repo.Retry(context.Background(), "item-1")
	if err != nil || !ok {
		t.Fatalf("retry = %v, %v", ok, err)
	}
	got := repo.get("item-1")
	if got.Status != model.StatusQueued || got.AttemptCount != 0 {
		t.Fatalf("after retry: %+v", got)
	}

	ad := &stubAdapter{name: "resend", outcomes: []adapter.Outcome{adapter.OK(json.RawMessage(`{}`))}}
	d, _ := newTestDispatcher(repo, clock, nil, ad)
	res, err := d.Dispatch(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if res.Sent != 1 {
		t.Fatalf("retried item not dispatched: %+v", res)
	}
}
