package repository

import (
	"context"

	"github.com/jmoiron/sqlx"
	"github.com/perkflow/integration-gateway/internal/model"
)

// AttemptsRepository records the delivery-attempt audit trail (ClickHouse).
// Writes are best-effort; the dispatcher logs and continues when they fail.
type AttemptsRepository interface {
	Insert(ctx context.Context, a model.DeliveryAttempt) error
	ListRecent(ctx context.Context, integrationID string, limit, offset int) ([]model.DeliveryAttempt, error)
}

type attemptsRepository struct {
	ch *sqlx.DB // ClickHouse connection
}

func NewAttemptsRepository(ch *sqlx.DB) AttemptsRepository {
	return &attemptsRepository{ch: ch}
}

func (r *attemptsRepository) Insert(ctx context.Context, a model.DeliveryAttempt) error {
	const q = `
		INSERT INTO intgw.delivery_attempts
		    (item_id, integration_id, operation, attempt_number, outcome, error, attempted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.ch.ExecContext(ctx, q,
		a.ItemID, a.IntegrationID, a.Operation, a.AttemptNumber, a.Outcome, a.Error, a.AttemptedAt,
	)
	return err
}

func (r *attemptsRepository) ListRecent(ctx context.Context, integrationID string, limit, offset int) ([]model.DeliveryAttempt, error) {
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	q := `
		SELECT item_id, integration_id, operation, attempt_number, outcome, error, attempted_at
		FROM intgw.delivery_attempts
	`
	args := []any{}
	if integrationID != "" {
		q += " WHERE integration_id = ?"
		args = append(args, integrationID)
	}
	q += " ORDER BY attempted_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	var rows []model.DeliveryAttempt
	if err := r.ch.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, err
	}
	return rows, nil
}
