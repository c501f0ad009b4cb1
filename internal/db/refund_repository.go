package db

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pkgerrors "github.com/pkg/errors"
)

type RefundRepository struct {
	pool *pgxpool.Pool
}

func NewRefundRepository(pool *pgxpool.Pool) *RefundRepository {
	return &RefundRepository{pool: pool}
}

// InsertIfAbsent records the refund unless its provider refund id is known.
func (r *RefundRepository) InsertIfAbsent(ctx context.Context, q DBTX, entity *RefundEntity) (bool, error) {
	if entity.ID == uuid.Nil {
		entity.ID = uuid.New()
	}
	query := `INSERT INTO refund (id, payment_intent_id, provider_refund_id, amount, currency, recorded_at)
	          VALUES ($1, $2, $3, $4, $5, $6)
	          ON CONFLICT (provider_refund_id) DO NOTHING
	          RETURNING id`

	err := q.QueryRow(ctx, query, entity.ID, entity.PaymentIntentID, entity.ProviderRefundID, entity.Amount,
		entity.Currency, entity.RecordedAt).Scan(&entity.ID)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, pkgerrors.Wrapf(err, "insert refund %s", entity.ProviderRefundID)
	}
	return true, nil
}

func (r *RefundRepository) SumByPaymentIntentID(ctx context.Context, q DBTX, paymentIntentID string) (int64, error) {
	if q == nil {
		q = r.pool
	}
	var sum int64
	err := q.QueryRow(ctx, `SELECT COALESCE(SUM(amount), 0)::BIGINT FROM refund WHERE payment_intent_id = $1`,
		paymentIntentID).Scan(&sum)
	if err != nil {
		return 0, pkgerrors.Wrapf(err, "sum refunds for %s", paymentIntentID)
	}
	return sum, nil
}

func (r *RefundRepository) SelectByPaymentIntentID(ctx context.Context, q DBTX, paymentIntentID string) ([]*RefundEntity, error) {
	if q == nil {
		q = r.pool
	}
	query := `SELECT id, payment_intent_id, provider_refund_id, amount, currency, recorded_at
	          FROM refund WHERE payment_intent_id = $1
	          ORDER BY recorded_at, provider_refund_id`

	rows, err := q.Query(ctx, query, paymentIntentID)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "select refunds for %s", paymentIntentID)
	}
	defer rows.Close()

	var refunds []*RefundEntity
	for rows.Next() {
		var e RefundEntity
		if err := rows.Scan(&e.ID, &e.PaymentIntentID, &e.ProviderRefundID, &e.Amount, &e.Currency, &e.RecordedAt); err != nil {
			return nil, err
		}
		refunds = append(refunds, &e)
	}
	return refunds, rows.Err()
}
