package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/perkflow/integration-gateway/internal/model"
)

// ErrDuplicateIdempotencyKey reports an enqueue whose (integration_id,
// idempotency_key) pair already exists.
var ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

// OutboxRepository defines persistence for the outbox_items table.
type OutboxRepository interface {
	// Enqueue writes a new queued item. If tx is nil an internal transaction
	// is opened; otherwise the producer's tx is used so the record commits
	// atomically with the business change that caused it. Returns
	// ErrDuplicateIdempotencyKey when the idempotency key was seen before.
	Enqueue(ctx context.Context, tx *sqlx.Tx, item model.OutboxItem) error

	// SelectDue lists items eligible for dispatch at now: queued items plus
	// failed items whose next_attempt_at has elapsed, oldest created first.
	SelectDue(ctx context.Context, now time.Time, limit int) ([]model.OutboxItem, error)

	// Claim atomically moves one item to in_flight. Returns false when
	// another dispatcher won the race or the item left a claimable status.
	Claim(ctx context.Context, id string) (bool, error)

	MarkSent(ctx context.Context, id string, attempts int, providerResponse []byte) error
	MarkFailed(ctx context.Context, id string, attempts int, lastError string, nextAttemptAt time.Time) error
	MarkDeadLetter(ctx context.Context, id string, attempts int, lastError string) error

	// Retry resets a failed or dead_letter item to queued with zero attempts.
	// Returns false when the item is not in a retryable status.
	Retry(ctx context.Context, id string) (bool, error)

	GetByID(ctx context.Context, id string) (*model.OutboxItem, error)
	List(ctx context.Context, status model.OutboxStatus, limit int) ([]model.OutboxItem, error)

	// RequeueStale returns in_flight items untouched since before cutoff to
	// queued (crash recovery for dispatchers that died mid-claim).
	RequeueStale(ctx context.Context, cutoff time.Time) (int64, error)
}

// OutboxRepositoryImpl is a sqlx-backed implementation (MySQL).
type OutboxRepositoryImpl struct {
	db *sqlx.DB
}

func NewOutboxRepository(db *sqlx.DB) *OutboxRepositoryImpl {
	return &OutboxRepositoryImpl{db: db}
}

var _ OutboxRepository = (*OutboxRepositoryImpl)(nil)

// withTx runs fn in the provided tx, or starts a new transaction when tx is nil.
func (r *OutboxRepositoryImpl) withTx(ctx context.Context, tx *sqlx.Tx, fn func(*sqlx.Tx) error) error {
	if tx != nil {
		return fn(tx)
	}

	t, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}

	defer func() { _ = t.Rollback() }()
	if err := fn(t); err != nil {
		return err
	}

	return t.Commit()
}

func (r *OutboxRepositoryImpl) Enqueue(ctx context.Context, tx *sqlx.Tx, item model.OutboxItem) error {
	const q = `
		INSERT INTO outbox_items
		    (id, integration_id, operation, payload, status, attempt_count, idempotency_key, created_at, updated_at)
		VALUES
		    (?,  ?,              ?,         ?,       'queued', 0,          ?,               NOW(),      NOW())
	`
	return r.withTx(ctx, tx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, q,
			item.ID, item.IntegrationID, item.Operation, []byte(item.Payload), item.IdempotencyKey,
		)
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrDuplicateIdempotencyKey
		}
		return err
	})
}

func (r *OutboxRepositoryImpl) SelectDue(ctx context.Context, now time.Time, limit int) ([]model.OutboxItem, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	const q = `
		SELECT id, integration_id, operation, payload, status, attempt_count,
		       last_error, next_attempt_at, idempotency_key, provider_response,
		       created_at, updated_at
		  FROM outbox_items
		 WHERE (status = 'queued' OR status = 'failed')
		   AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
		 ORDER BY created_at ASC
		 LIMIT ?
	`
	var items []model.OutboxItem
	if err := r.db.SelectContext(ctx, &items, q, now, limit); err != nil {
		return nil, err
	}
	return items, nil
}

func (r *OutboxRepositoryImpl) Claim(ctx context.Context, id string) (bool, error) {
	const q = `
		UPDATE outbox_items
		   SET status = 'in_flight', updated_at = NOW()
		 WHERE id = ? AND status IN ('queued', 'failed')
	`
	res, err := r.db.ExecContext(ctx, q, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *OutboxRepositoryImpl) MarkSent(ctx context.Context, id string, attempts int, providerResponse []byte) error {
	const q = `
		UPDATE outbox_items
		   SET status = 'sent', attempt_count = ?, provider_response = ?,
		       last_error = NULL, next_attempt_at = NULL, updated_at = NOW()
		 WHERE id = ?
	`
	_, err := r.db.ExecContext(ctx, q, attempts, providerResponse, id)
	return err
}

func (r *OutboxRepositoryImpl) MarkFailed(ctx context.Context, id string, attempts int, lastError string, nextAttemptAt time.Time) error {
	const q = `
		UPDATE outbox_items
		   SET status = 'failed', attempt_count = ?, last_error = ?,
		       next_attempt_at = ?, updated_at = NOW()
		 WHERE id = ?
	`
	_, err := r.db.ExecContext(ctx, q, attempts, lastError, nextAttemptAt, id)
	return err
}

func (r *OutboxRepositoryImpl) MarkDeadLetter(ctx context.Context, id string, attempts int, lastError string) error {
	const q = `
		UPDATE outbox_items
		   SET status = 'dead_letter', attempt_count = ?, last_error = ?,
		       next_attempt_at = NULL, updated_at = NOW()
		 WHERE id = ?
	`
	_, err := r.db.ExecContext(ctx, q, attempts, lastError, id)
	return err
}

func (r *OutboxRepositoryImpl) Retry(ctx context.Context, id string) (bool, error) {
	const q = `
		UPDATE outbox_items
		   SET status = 'queued', attempt_count = 0, last_error = NULL,
		       next_attempt_at = NULL, updated_at = NOW()
		 WHERE id = ? AND status IN ('failed', 'dead_letter')
	`
	res, err := r.db.ExecContext(ctx, q, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *OutboxRepositoryImpl) GetByID(ctx context.Context, id string) (*model.OutboxItem, error) {
	const q = `
		SELECT id, integration_id, operation, payload, status, attempt_count,
		       last_error, next_attempt_at, idempotency_key, provider_response,
		       created_at, updated_at
		  FROM outbox_items
		 WHERE id = ? LIMIT 1
	`
	var item model.OutboxItem
	err := r.db.GetContext(ctx, &item, q, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (r *OutboxRepositoryImpl) List(ctx context.Context, status model.OutboxStatus, limit int) ([]model.OutboxItem, error) {
	if limit <= 0 || limit > 1000 {
		limit = 50
	}

	q := `
		SELECT id, integration_id, operation, payload, status, attempt_count,
		       last_error, next_attempt_at, idempotency_key, provider_response,
		       created_at, updated_at
		  FROM outbox_items
	`
	args := []any{}
	if status != "" {
		q += " WHERE status = ?"
		args = append(args, status.String())
	}
	q += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	var items []model.OutboxItem
	if err := r.db.SelectContext(ctx, &items, q, args...); err != nil {
		return nil, err
	}
	return items, nil
}

func (r *OutboxRepositoryImpl) RequeueStale(ctx context.Context, cutoff time.Time) (int64, error) {
	const q = `
		UPDATE outbox_items
		   SET status = 'queued', updated_at = NOW()
		 WHERE status = 'in_flight' AND updated_at < ?
	`
	res, err := r.db.ExecContext(ctx, q, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
