package dispatcher

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/perkflow/integration-gateway/internal/adapter"
	"github.com/perkflow/integration-gateway/internal/backoff"
	"github.com/perkflow/integration-gateway/internal/metrics"
	"github.com/perkflow/integration-gateway/internal/model"
	"github.com/perkflow/integration-gateway/internal/ratelimit"
	"github.com/perkflow/integration-gateway/internal/repository"
)

// Result summarizes one dispatch pass.
type Result struct {
	Processed  int `json:"processed"`
	Sent       int `json:"sent"`
	Failed     int `json:"failed"`
	DeadLetter int `json:"dead_letter"`
	Skipped    int `json:"skipped"`
}

// Dispatcher pulls due outbox items, routes each to its adapter, and applies
// the backoff/rate-limit policy. One invocation processes one bounded batch;
// scheduling is the caller's concern.
type Dispatcher struct {
	repo     repository.OutboxRepository
	registry *adapter.Registry
	gate     *ratelimit.Gate
	breakers *ratelimit.BreakerSet
	policy   backoff.Policy
	attempts repository.AttemptsRepository // optional audit sink
	clock    clockwork.Clock
	log      *zap.Logger
}

func New(
	repo repository.OutboxRepository,
	registry *adapter.Registry,
	gate *ratelimit.Gate,
	breakers *ratelimit.BreakerSet,
	policy backoff.Policy,
	attempts repository.AttemptsRepository,
	clock clockwork.Clock,
	log *zap.Logger,
) *Dispatcher {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		repo:     repo,
		registry: registry,
		gate:     gate,
		breakers: breakers,
		policy:   policy,
		attempts: attempts,
		clock:    clock,
		log:      log,
	}
}

// Dispatch processes up to batchSize due items in creation order. A failure
// on one item never aborts the batch; store errors are logged and the item
// is skipped. The error return covers only the initial due-item query.
func (d *Dispatcher) Dispatch(ctx context.Context, batchSize int) (Result, error) {
	var res Result

	now := d.clock.Now()
	items, err := d.repo.SelectDue(ctx, now, batchSize)
	if err != nil {
		return res, err
	}

	for _, item := range items {
		if ctx.Err() != nil {
			break
		}
		d.dispatchOne(ctx, item, &res)
	}

	return res, nil
}

func (d *Dispatcher) dispatchOne(ctx context.Context, item model.OutboxItem, res *Result) {
	log := d.log.With(
		zap.String("item_id", item.ID),
		zap.String("integration_id", item.IntegrationID),
	)

	// Not yet due: leave the row untouched.
	if !item.Due(d.clock.Now()) {
		res.Skipped++
		return
	}

	br := d.breakers.For(item.IntegrationID)
	if !br.Allow() {
		res.Skipped++
		return
	}

	release, ok := d.gate.Acquire(ctx, item.IntegrationID)
	if !ok {
		// At the integration's ceiling: skip without counting an attempt.
		br.Cancel()
		res.Skipped++
		return
	}
	defer release()

	claimed, err := d.repo.Claim(ctx, item.ID)
	if err != nil {
		log.Error("claim failed", zap.Error(err))
		br.Cancel()
		res.Skipped++
		return
	}
	if !claimed {
		// Another dispatcher won the race.
		br.Cancel()
		res.Skipped++
		return
	}

	res.Processed++
	attempts := item.AttemptCount + 1
	outcome := d.send(ctx, item)

	d.audit(ctx, item, attempts, outcome)

	switch outcome.Status {
	case adapter.StatusOK:
		br.OnSuccess()
		if err := d.repo.MarkSent(ctx, item.ID, attempts, outcome.Response); err != nil {
			log.Error("mark sent failed", zap.Error(err))
			return
		}
		res.Sent++
		metrics.OutboxItemsTotal.WithLabelValues("sent", item.IntegrationID).Inc()

	case adapter.StatusPermanent:
		// The provider answered; the breaker only tracks reachability.
		br.OnSuccess()
		if err := d.repo.MarkDeadLetter(ctx, item.ID, attempts, outcome.Err); err != nil {
			log.Error("mark dead_letter failed", zap.Error(err))
			return
		}
		res.DeadLetter++
		metrics.OutboxItemsTotal.WithLabelValues("dead_letter", item.IntegrationID).Inc()
		log.Warn("item dead-lettered on permanent failure", zap.String("last_error", outcome.Err))

	default: // transient
		br.OnFailure()
		if d.policy.Exhausted(attempts) {
			if err := d.repo.MarkDeadLetter(ctx, item.ID, attempts, outcome.Err); err != nil {
				log.Error("mark dead_letter failed", zap.Error(err))
				return
			}
			res.DeadLetter++
			metrics.OutboxItemsTotal.WithLabelValues("dead_letter", item.IntegrationID).Inc()
			log.Warn("item dead-lettered after max attempts",
				zap.Int("attempts", attempts),
				zap.String("last_error", outcome.Err),
			)
			return
		}

		next := d.clock.Now().Add(d.policy.Delay(attempts))
		if err := d.repo.MarkFailed(ctx, item.ID, attempts, outcome.Err, next); err != nil {
			log.Error("mark failed failed", zap.Error(err))
			return
		}
		res.Failed++
		metrics.OutboxItemsTotal.WithLabelValues("failed", item.IntegrationID).Inc()
	}
}

// send invokes the adapter behind a recover guard: an adapter panic becomes
// a transient failure instead of aborting the batch.
func (d *Dispatcher) send(ctx context.Context, item model.OutboxItem) (out adapter.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("adapter panicked",
				zap.String("item_id", item.ID),
				zap.Any("panic", r),
			)
			out = adapter.Transient("adapter panic: %v", r)
		}
	}()

	return d.registry.Resolve(item.IntegrationID).Send(ctx, item)
}

func (d *Dispatcher) audit(ctx context.Context, item model.OutboxItem, attempt int, out adapter.Outcome) {
	if d.attempts == nil {
		return
	}
	err := d.attempts.Insert(ctx, model.DeliveryAttempt{
		ItemID:        item.ID,
		IntegrationID: item.IntegrationID,
		Operation:     item.Operation,
		AttemptNumber: attempt,
		Outcome:       out.Status.String(),
		Error:         out.Err,
		AttemptedAt:   d.clock.Now().Unix(),
	})
	if err != nil {
		d.log.Warn("attempt audit insert failed", zap.Error(err))
	}
}

// RequeueStale is the crash-recovery sweep: items stuck in_flight longer
// than maxAge go back to queued.
func (d *Dispatcher) RequeueStale(ctx context.Context, maxAge time.Duration) (int64, error) {
	return d.repo.RequeueStale(ctx, d.clock.Now().Add(-maxAge))
}
