package db

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pkgerrors "github.com/pkg/errors"
)

// ErrIdentifierTaken is returned when binding a payment intent that already
// belongs to another order.
var ErrIdentifierTaken = errors.New("identifier already bound to another order")

const orderColumns = `id, checkout_session_id, payment_intent_id, status, status_rank, amount_total, currency,
	ticket_selections, tickets_issued, failure_note, created_at, updated_at`

type OrderRepository struct {
	pool *pgxpool.Pool
}

func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{pool: pool}
}

func (r *OrderRepository) SelectByID(ctx context.Context, q DBTX, id uuid.UUID) (*OrderEntity, error) {
	return r.selectOne(ctx, q, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
}

func (r *OrderRepository) SelectBySessionID(ctx context.Context, q DBTX, sessionID string) (*OrderEntity, error) {
	return r.selectOne(ctx, q, `SELECT `+orderColumns+` FROM orders WHERE checkout_session_id = $1`, sessionID)
}

func (r *OrderRepository) SelectByPaymentIntentID(ctx context.Context, q DBTX, paymentIntentID string) (*OrderEntity, error) {
	return r.selectOne(ctx, q, `SELECT `+orderColumns+` FROM orders WHERE payment_intent_id = $1`, paymentIntentID)
}

// InsertIfAbsent inserts the order unless its session id or payment intent id
// is already taken, in which case it reports false and writes nothing.
func (r *OrderRepository) InsertIfAbsent(ctx context.Context, q DBTX, entity *OrderEntity) (bool, error) {
	if entity.ID == uuid.Nil {
		entity.ID = uuid.New()
	}
	query := `INSERT INTO orders (id, checkout_session_id, payment_intent_id, status, status_rank, amount_total,
	                              currency, ticket_selections)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	          ON CONFLICT DO NOTHING
	          RETURNING ` + orderColumns

	inserted, err := scanOrder(q.QueryRow(ctx, query, entity.ID, entity.CheckoutSessionID, entity.PaymentIntentID,
		entity.Status, entity.StatusRank, entity.AmountTotal, entity.Currency, entity.TicketSelections))
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, pkgerrors.Wrap(err, "insert order")
	}
	*entity = *inserted
	return true, nil
}

// CheckoutBinding carries the checkout fields merged into an order. Only
// empty columns are filled; existing values are never overwritten. An empty
// SessionID leaves the session column alone.
type CheckoutBinding struct {
	SessionID        string
	PaymentIntentID  *string
	TicketSelections []byte
	AmountTotal      int64
	Currency         string
}

func (r *OrderRepository) BindCheckout(ctx context.Context, q DBTX, id uuid.UUID, b CheckoutBinding) (*OrderEntity, error) {
	query := `UPDATE orders
	          SET checkout_session_id = COALESCE(checkout_session_id, NULLIF($2, '')),
	              payment_intent_id   = COALESCE(payment_intent_id, $3),
	              ticket_selections   = COALESCE(ticket_selections, $4),
	              amount_total        = CASE WHEN amount_total = 0 THEN $5 ELSE amount_total END,
	              currency            = CASE WHEN currency = '' THEN $6 ELSE currency END,
	              updated_at          = now()
	          WHERE id = $1
	          RETURNING ` + orderColumns

	entity, err := scanOrder(q.QueryRow(ctx, query, id, b.SessionID, b.PaymentIntentID, b.TicketSelections,
		b.AmountTotal, b.Currency))
	if isUniqueViolation(err) {
		return nil, pkgerrors.Wrapf(ErrIdentifierTaken, "bind checkout %s to order %s", b.SessionID, id)
	}
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "bind checkout %s to order %s", b.SessionID, id)
	}
	return entity, nil
}

// StatusUpdate is a compare-and-set: it applies only while the stored rank is
// strictly below Guard.
type StatusUpdate struct {
	Status      string
	Rank        int
	Guard       int
	FailureNote *string
	AmountTotal int64
	Currency    string
}

// UpdateStatus reports false without error when the guard rejected the update.
func (r *OrderRepository) UpdateStatus(ctx context.Context, q DBTX, id uuid.UUID, u StatusUpdate) (*OrderEntity, bool, error) {
	query := `UPDATE orders
	          SET status       = $2,
	              status_rank  = $3,
	              failure_note = COALESCE($5, failure_note),
	              amount_total = CASE WHEN amount_total = 0 THEN $6 ELSE amount_total END,
	              currency     = CASE WHEN currency = '' THEN $7 ELSE currency END,
	              updated_at   = now()
	          WHERE id = $1 AND status_rank < $4
	          RETURNING ` + orderColumns

	entity, err := scanOrder(q.QueryRow(ctx, query, id, u.Status, u.Rank, u.Guard, u.FailureNote, u.AmountTotal, u.Currency))
	if errors.Is(err, ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, pkgerrors.Wrapf(err, "update order %s status to %s", id, u.Status)
	}
	return entity, true, nil
}

// ClaimTicketIssuance flips tickets_issued for an order that is paid and has
// selections attached. Exactly one caller ever gets true for a given order.
func (r *OrderRepository) ClaimTicketIssuance(ctx context.Context, q DBTX, id uuid.UUID, statuses []string) (bool, error) {
	query := `UPDATE orders
	          SET tickets_issued = true, updated_at = now()
	          WHERE id = $1
	            AND tickets_issued = false
	            AND ticket_selections IS NOT NULL
	            AND status = ANY($2)
	          RETURNING id`

	var claimed uuid.UUID
	err := q.QueryRow(ctx, query, id, statuses).Scan(&claimed)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, pkgerrors.Wrapf(err, "claim ticket issuance for order %s", id)
	}
	return true, nil
}

// MarkFailedWithNote moves an order out of one of the given statuses into
// failed. Used when a paid order cannot be fulfilled.
func (r *OrderRepository) MarkFailedWithNote(ctx context.Context, q DBTX, id uuid.UUID, rank int, note string, from []string) (bool, error) {
	query := `UPDATE orders
	          SET status = 'failed', status_rank = $2, failure_note = $3, updated_at = now()
	          WHERE id = $1 AND status = ANY($4)`

	tag, err := q.Exec(ctx, query, id, rank, note, from)
	if err != nil {
		return false, pkgerrors.Wrapf(err, "mark order %s failed", id)
	}
	return tag.RowsAffected() == 1, nil
}

// DeleteUnpaidCheckout removes an order that only ever saw its checkout
// session: no payment intent, no tickets. Used when that session has to be
// folded into an order created from payment intent events.
func (r *OrderRepository) DeleteUnpaidCheckout(ctx context.Context, q DBTX, id uuid.UUID) (bool, error) {
	query := `DELETE FROM orders
	          WHERE id = $1 AND payment_intent_id IS NULL AND tickets_issued = false`

	tag, err := q.Exec(ctx, query, id)
	if err != nil {
		return false, pkgerrors.Wrapf(err, "delete order %s", id)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *OrderRepository) selectOne(ctx context.Context, q DBTX, query string, arg any) (*OrderEntity, error) {
	if q == nil {
		q = r.pool
	}
	entity, err := scanOrder(q.QueryRow(ctx, query, arg))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, pkgerrors.Wrap(err, "select order")
	}
	return entity, nil
}

func scanOrder(row pgx.Row) (*OrderEntity, error) {
	var o OrderEntity
	err := row.Scan(&o.ID, &o.CheckoutSessionID, &o.PaymentIntentID, &o.Status, &o.StatusRank, &o.AmountTotal,
		&o.Currency, &o.TicketSelections, &o.TicketsIssued, &o.FailureNote, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}
