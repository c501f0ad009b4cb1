// Package refund accumulates provider refunds per payment intent and derives
// the refund status of the owning order.
package refund

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"payment-webhook-service/internal/db"
	"payment-webhook-service/internal/message"
	"payment-webhook-service/internal/model"
	"payment-webhook-service/internal/notify"
	"payment-webhook-service/internal/payload"
	"payment-webhook-service/internal/ticket"

	"github.com/VictoriaMetrics/metrics"
	"github.com/jackc/pgx/v5"
	pkgerrors "github.com/pkg/errors"
)

var (
	refundRecordedCounter  = metrics.GetOrCreateCounter(`refunds_total{result="recorded"}`)
	refundDuplicateCounter = metrics.GetOrCreateCounter(`refunds_total{result="duplicate"}`)
	refundHeldCounter      = metrics.GetOrCreateCounter(`refunds_total{result="held"}`)
	refundAppliedCounter   = metrics.GetOrCreateCounter(`refunds_total{result="applied_from_hold"}`)
)

// Input is one refund as reported by the provider. It is also the payload
// stored for refunds held until their order shows up.
type Input struct {
	ProviderEventID string `json:"providerEventId"`
	RefundID        string `json:"refundId"`
	PaymentIntentID string `json:"paymentIntentId"`
	Amount          int64  `json:"amount"`
	Currency        string `json:"currency"`
}

func FromPayload(providerEventID string, r payload.Refund) Input {
	return Input{
		ProviderEventID: providerEventID,
		RefundID:        r.ID,
		PaymentIntentID: r.PaymentIntentID,
		Amount:          r.Amount,
		Currency:        r.Currency,
	}
}

type Outcome struct {
	Recorded  bool
	Duplicate bool
	// Held means no order owns the payment intent yet.
	Held bool
	// RefundedTotal is the sum of all refunds of the payment intent after
	// this one was recorded.
	RefundedTotal int64
	Status        model.OrderStatus
	Transitioned  bool
}

type Tracker struct {
	tx        *db.TxRunner
	orders    *db.OrderRepository
	refunds   *db.RefundRepository
	orphans   *db.OrphanRepository
	issuer    *ticket.Issuer
	publisher notify.Publisher
	logger    *slog.Logger
	now       func() time.Time
}

func NewTracker(
	tx *db.TxRunner,
	orders *db.OrderRepository,
	refunds *db.RefundRepository,
	orphans *db.OrphanRepository,
	issuer *ticket.Issuer,
	publisher notify.Publisher,
	logger *slog.Logger,
) *Tracker {
	return &Tracker{
		tx:        tx,
		orders:    orders,
		refunds:   refunds,
		orphans:   orphans,
		issuer:    issuer,
		publisher: publisher,
		logger:    logger,
		now:       time.Now,
	}
}

// Record applies one refund. Replays of a known refund id change nothing.
func (t *Tracker) Record(ctx context.Context, in Input) (Outcome, error) {
	var (
		out     Outcome
		changes []message.OrderStatusChanged
	)
	err := t.tx.InTx(ctx, func(tx pgx.Tx) error {
		if err := db.LockKey(ctx, tx, lockKey(in.PaymentIntentID)); err != nil {
			return err
		}
		order, err := t.orders.SelectByPaymentIntentID(ctx, tx, in.PaymentIntentID)
		if errors.Is(err, db.ErrNotFound) {
			out, err = t.hold(ctx, tx, in)
			return err
		}
		if err != nil {
			return err
		}
		out, changes, err = t.apply(ctx, tx, order, in)
		return err
	})
	if err != nil {
		return Outcome{}, err
	}
	t.publish(ctx, changes)
	return out, nil
}

// ApplyHeld applies the refunds held for paymentIntentID once an order owns
// it, then brings the order's refund status in line with every refund
// recorded so far. It returns how many held refunds were consumed.
func (t *Tracker) ApplyHeld(ctx context.Context, paymentIntentID string) (int, error) {
	if paymentIntentID == "" {
		return 0, nil
	}

	var (
		applied int
		changes []message.OrderStatusChanged
	)
	err := t.tx.InTx(ctx, func(tx pgx.Tx) error {
		if err := db.LockKey(ctx, tx, lockKey(paymentIntentID)); err != nil {
			return err
		}
		order, err := t.orders.SelectByPaymentIntentID(ctx, tx, paymentIntentID)
		if errors.Is(err, db.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		held, err := t.orphans.SelectPendingForUpdate(ctx, tx, db.OrphanKindRefund, paymentIntentID)
		if err != nil {
			return err
		}
		for _, orphan := range held {
			var in Input
			if err := json.Unmarshal(orphan.Payload, &in); err != nil {
				return pkgerrors.Wrapf(err, "decode held refund %s", orphan.DedupeKey)
			}
			if _, err := t.insert(ctx, tx, order, in); err != nil {
				return err
			}
			if err := t.orphans.MarkApplied(ctx, tx, orphan.ID); err != nil {
				return err
			}
			applied++
		}

		// also covers refunds recorded while the order total was still unknown
		_, changes, err = t.settle(ctx, tx, order)
		return err
	})
	if err != nil {
		return 0, err
	}

	if applied > 0 {
		t.logger.InfoContext(ctx, "Applied held refunds", "paymentIntentId", paymentIntentID, "count", applied)
		refundAppliedCounter.Add(applied)
	}
	t.publish(ctx, changes)
	return applied, nil
}

func (t *Tracker) apply(ctx context.Context, tx pgx.Tx, order *db.OrderEntity, in Input) (Outcome, []message.OrderStatusChanged, error) {
	inserted, err := t.insert(ctx, tx, order, in)
	if err != nil {
		return Outcome{}, nil, err
	}
	if !inserted {
		return Outcome{Duplicate: true, Status: model.OrderStatus(order.Status)}, nil, nil
	}

	out, changes, err := t.settle(ctx, tx, order)
	if err != nil {
		return Outcome{}, nil, err
	}
	out.Recorded = true
	return out, changes, nil
}

// insert stores the refund row. It reports false for a refund id seen before.
func (t *Tracker) insert(ctx context.Context, tx pgx.Tx, order *db.OrderEntity, in Input) (bool, error) {
	inserted, err := t.refunds.InsertIfAbsent(ctx, tx, &db.RefundEntity{
		PaymentIntentID:  in.PaymentIntentID,
		ProviderRefundID: in.RefundID,
		Amount:           in.Amount,
		Currency:         in.Currency,
		RecordedAt:       t.now(),
	})
	if err != nil {
		return false, err
	}
	if !inserted {
		t.logger.InfoContext(ctx, "Refund already recorded", "refundId", in.RefundID)
		refundDuplicateCounter.Inc()
		return false, nil
	}
	refundRecordedCounter.Inc()

	if order.Currency != "" && in.Currency != "" && order.Currency != in.Currency {
		t.logger.WarnContext(ctx, "Refund currency differs from order currency", "refundId", in.RefundID,
			"refundCurrency", in.Currency, "orderCurrency", order.Currency)
	}
	return true, nil
}

// settle sums every refund of the order's payment intent and moves the order
// to the refund status that sum implies. The caller holds the payment intent
// lock, so the sum includes every refund committed before it.
func (t *Tracker) settle(ctx context.Context, tx pgx.Tx, order *db.OrderEntity) (Outcome, []message.OrderStatusChanged, error) {
	// re-read: the order may have moved since the caller looked it up
	order, err := t.orders.SelectByID(ctx, tx, order.ID)
	if err != nil {
		return Outcome{}, nil, err
	}
	if order.PaymentIntentID == nil {
		return Outcome{Status: model.OrderStatus(order.Status)}, nil, nil
	}

	total, err := t.refunds.SumByPaymentIntentID(ctx, tx, *order.PaymentIntentID)
	if err != nil {
		return Outcome{}, nil, err
	}
	out := Outcome{RefundedTotal: total, Status: model.OrderStatus(order.Status)}

	if order.AmountTotal > 0 && total > order.AmountTotal {
		t.logger.WarnContext(ctx, "Refunds exceed order total", "orderId", order.ID, "refunded", total,
			"total", order.AmountTotal)
	}
	if out.Status == model.StatusFailed {
		if total > 0 {
			t.logger.WarnContext(ctx, "Refunds recorded against failed order", "orderId", order.ID, "refunded", total)
		}
		return out, nil, nil
	}

	target, ok := model.RefundStatus(total, order.AmountTotal)
	if !ok || target.Rank() <= order.StatusRank {
		return out, nil, nil
	}

	updated, applied, err := t.orders.UpdateStatus(ctx, tx, order.ID, db.StatusUpdate{
		Status: string(target),
		Rank:   target.Rank(),
		Guard:  target.Guard(),
	})
	if err != nil || !applied {
		return out, nil, err
	}
	out.Status, out.Transitioned = target, true

	change := message.StatusChanged(updated, order.Status)
	changes := []message.OrderStatusChanged{change}

	issued, err := t.issuer.Issue(ctx, tx, updated)
	if err != nil {
		return Outcome{}, nil, err
	}
	if issued.Oversold {
		failed := message.NewOrderStatusChanged(order.ID, string(target), string(model.StatusFailed))
		failed.Note = issued.Note
		failed.CheckoutSessionID, failed.PaymentIntentID = change.CheckoutSessionID, change.PaymentIntentID
		changes = append(changes, failed)
		out.Status = model.StatusFailed
	}
	changes[0].TicketsIssued = issued.Issued

	t.logger.InfoContext(ctx, "Order refund status changed", "orderId", order.ID, "from", order.Status,
		"to", target, "refunded", total)
	return out, changes, nil
}

func (t *Tracker) hold(ctx context.Context, tx pgx.Tx, in Input) (Outcome, error) {
	raw, err := json.Marshal(in)
	if err != nil {
		return Outcome{}, err
	}

	inserted, err := t.orphans.InsertIfAbsent(ctx, tx, &db.OrphanEventEntity{
		Kind:            db.OrphanKindRefund,
		ReferenceKey:    in.PaymentIntentID,
		DedupeKey:       in.RefundID,
		ProviderEventID: in.ProviderEventID,
		Payload:         raw,
		CreatedAt:       t.now(),
	})
	if err != nil {
		return Outcome{}, err
	}
	if inserted {
		t.logger.WarnContext(ctx, "Refund references unknown payment intent, holding it",
			"paymentIntentId", in.PaymentIntentID, "refundId", in.RefundID)
		refundHeldCounter.Inc()
	}
	return Outcome{Held: true}, nil
}

func (t *Tracker) publish(ctx context.Context, changes []message.OrderStatusChanged) {
	for _, c := range changes {
		t.publisher.Publish(ctx, c)
	}
}

func lockKey(paymentIntentID string) string {
	return "refund:" + paymentIntentID
}
