// Package ticket turns the selections of a paid order into ticket rows.
package ticket

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"payment-webhook-service/internal/db"
	"payment-webhook-service/internal/model"
	"payment-webhook-service/internal/payload"

	"github.com/VictoriaMetrics/metrics"
	"github.com/jackc/pgx/v5"
	pkgerrors "github.com/pkg/errors"
)

var (
	issuedTicketsCounter  = metrics.GetOrCreateCounter(`tickets_issued_total`)
	issuedOrdersCounter   = metrics.GetOrCreateCounter(`ticket_issuance_total{result="issued"}`)
	oversoldOrdersCounter = metrics.GetOrCreateCounter(`ticket_issuance_total{result="oversold"}`)
)

type Outcome struct {
	// Claimed is true only for the one call that won the order's issuance.
	Claimed bool
	Issued  int
	// Oversold means capacity ran out and the order was moved to failed.
	Oversold bool
	Note     string
}

type Issuer struct {
	orders  *db.OrderRepository
	tickets *db.TicketRepository
	logger  *slog.Logger
	now     func() time.Time
}

func NewIssuer(orders *db.OrderRepository, tickets *db.TicketRepository, logger *slog.Logger) *Issuer {
	return &Issuer{orders: orders, tickets: tickets, logger: logger, now: time.Now}
}

// Issue creates the tickets of order inside tx if the order is paid, carries
// selections and has not been issued yet. Calling it again for the same order
// is a no-op. Capacity shortfalls are not errors: the tickets are rolled back,
// the order is marked failed and the outcome says so.
func (i *Issuer) Issue(ctx context.Context, tx pgx.Tx, order *db.OrderEntity) (Outcome, error) {
	claimed, err := i.orders.ClaimTicketIssuance(ctx, tx, order.ID, model.IssuableStatuses())
	if err != nil {
		return Outcome{}, err
	}
	if !claimed {
		return Outcome{}, nil
	}

	selections, err := payload.ParseTicketSelections(order.TicketSelections)
	if err != nil {
		return Outcome{}, pkgerrors.Wrapf(err, "order %s", order.ID)
	}

	sp, err := tx.Begin(ctx)
	if err != nil {
		return Outcome{}, pkgerrors.Wrap(err, "open issuance savepoint")
	}
	defer sp.Rollback(ctx)

	issuedAt := i.now()
	issued := 0
	for _, item := range selections.Items {
		ok, err := i.tickets.ReserveCapacity(ctx, sp, item.Type, item.Quantity)
		if err != nil {
			return Outcome{}, err
		}
		if !ok {
			if err := sp.Rollback(ctx); err != nil {
				return Outcome{}, pkgerrors.Wrap(err, "roll back issuance savepoint")
			}
			return i.oversold(ctx, tx, order, item)
		}

		for unit := 0; unit < item.Quantity; unit++ {
			err := i.tickets.Create(ctx, sp, &db.TicketEntity{
				OrderID:      order.ID,
				SelectionRef: item.Type,
				UnitIndex:    unit,
				IssuedAt:     issuedAt,
			})
			if err != nil {
				return Outcome{}, err
			}
			issued++
		}
	}

	if err := sp.Commit(ctx); err != nil {
		return Outcome{}, pkgerrors.Wrap(err, "release issuance savepoint")
	}

	i.logger.InfoContext(ctx, "Issued tickets", "orderId", order.ID, "tickets", issued)
	issuedOrdersCounter.Inc()
	issuedTicketsCounter.Add(issued)

	return Outcome{Claimed: true, Issued: issued}, nil
}

func (i *Issuer) oversold(ctx context.Context, tx pgx.Tx, order *db.OrderEntity, item payload.TicketSelection) (Outcome, error) {
	note := fmt.Sprintf("oversold: not enough capacity for %d x %s", item.Quantity, item.Type)

	// the claim flag stays set so the order is never issued later
	marked, err := i.orders.MarkFailedWithNote(ctx, tx, order.ID, model.RankFailed, note, model.IssuableStatuses())
	if err != nil {
		return Outcome{}, err
	}

	i.logger.WarnContext(ctx, "Order oversold, marked failed", "orderId", order.ID, "selection", item.Type,
		"quantity", item.Quantity, "marked", marked)
	oversoldOrdersCounter.Inc()

	return Outcome{Claimed: true, Oversold: true, Note: note}, nil
}
