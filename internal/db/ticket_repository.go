package db

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pkgerrors "github.com/pkg/errors"
)

type TicketRepository struct {
	pool *pgxpool.Pool
}

func NewTicketRepository(pool *pgxpool.Pool) *TicketRepository {
	return &TicketRepository{pool: pool}
}

func (r *TicketRepository) Create(ctx context.Context, q DBTX, entity *TicketEntity) error {
	if entity.ID == uuid.Nil {
		entity.ID = uuid.New()
	}
	query := `INSERT INTO ticket (id, order_id, selection_ref, unit_index, issued_at)
	          VALUES ($1, $2, $3, $4, $5)`

	_, err := q.Exec(ctx, query, entity.ID, entity.OrderID, entity.SelectionRef, entity.UnitIndex, entity.IssuedAt)
	if err != nil {
		return pkgerrors.Wrapf(err, "insert ticket %s/%d for order %s", entity.SelectionRef, entity.UnitIndex, entity.OrderID)
	}
	return nil
}

func (r *TicketRepository) SelectByOrderID(ctx context.Context, q DBTX, orderID uuid.UUID) ([]*TicketEntity, error) {
	if q == nil {
		q = r.pool
	}
	query := `SELECT id, order_id, selection_ref, unit_index, issued_at
	          FROM ticket WHERE order_id = $1
	          ORDER BY selection_ref, unit_index`

	rows, err := q.Query(ctx, query, orderID)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "select tickets for order %s", orderID)
	}
	defer rows.Close()

	var tickets []*TicketEntity
	for rows.Next() {
		var t TicketEntity
		if err := rows.Scan(&t.ID, &t.OrderID, &t.SelectionRef, &t.UnitIndex, &t.IssuedAt); err != nil {
			return nil, err
		}
		tickets = append(tickets, &t)
	}
	return tickets, rows.Err()
}

// ReserveCapacity takes qty units from the selection's remaining capacity.
// Selections without a capacity row are unlimited. It reports false when the
// capacity row exists but holds fewer than qty units.
func (r *TicketRepository) ReserveCapacity(ctx context.Context, q DBTX, selectionRef string, qty int) (bool, error) {
	query := `UPDATE ticket_capacity SET remaining = remaining - $2
	          WHERE selection_ref = $1 AND remaining >= $2
	          RETURNING remaining`

	var remaining int
	err := q.QueryRow(ctx, query, selectionRef, qty).Scan(&remaining)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return false, pkgerrors.Wrapf(err, "reserve %d of %s", qty, selectionRef)
	}

	var limited bool
	err = q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM ticket_capacity WHERE selection_ref = $1)`, selectionRef).Scan(&limited)
	if err != nil {
		return false, pkgerrors.Wrapf(err, "check capacity of %s", selectionRef)
	}
	return !limited, nil
}

func (r *TicketRepository) SetCapacity(ctx context.Context, q DBTX, selectionRef string, remaining int) error {
	if q == nil {
		q = r.pool
	}
	query := `INSERT INTO ticket_capacity (selection_ref, remaining) VALUES ($1, $2)
	          ON CONFLICT (selection_ref) DO UPDATE SET remaining = EXCLUDED.remaining`

	_, err := q.Exec(ctx, query, selectionRef, remaining)
	return pkgerrors.Wrapf(err, "set capacity of %s", selectionRef)
}

func (r *TicketRepository) RemainingCapacity(ctx context.Context, selectionRef string) (int, error) {
	var remaining int
	err := r.pool.QueryRow(ctx, `SELECT remaining FROM ticket_capacity WHERE selection_ref = $1`, selectionRef).Scan(&remaining)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	return remaining, err
}
