// Package order keeps one order per checkout session / payment intent pair
// and moves it along the status lattice as provider events arrive, in any
// order and any number of times.
package order

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"

	"payment-webhook-service/internal/db"
	"payment-webhook-service/internal/message"
	"payment-webhook-service/internal/model"
	"payment-webhook-service/internal/notify"
	"payment-webhook-service/internal/payload"
	"payment-webhook-service/internal/ticket"

	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	pkgerrors "github.com/pkg/errors"
)

// ErrConflict is returned when an event ties together identifiers that are
// already bound to different partners.
var ErrConflict = errors.New("conflicting order identifiers")

const maxBindAttempts = 3

var (
	ordersCreatedCounter = metrics.GetOrCreateCounter(`orders_created_total`)
	staleUpdateCounter   = metrics.GetOrCreateCounter(`order_status_updates_total{result="stale"}`)
)

func transitionCounter(to model.OrderStatus) *metrics.Counter {
	return metrics.GetOrCreateCounter(fmt.Sprintf(`order_status_updates_total{result="applied",to=%q}`, to))
}

type Outcome struct {
	OrderID         uuid.UUID
	PaymentIntentID string
	Created         bool
	Transitioned    bool
	Status          model.OrderStatus
	Tickets         ticket.Outcome
}

type Reconciler struct {
	tx        *db.TxRunner
	orders    *db.OrderRepository
	issuer    *ticket.Issuer
	publisher notify.Publisher
	logger    *slog.Logger
}

func NewReconciler(tx *db.TxRunner, orders *db.OrderRepository, issuer *ticket.Issuer, publisher notify.Publisher, logger *slog.Logger) *Reconciler {
	return &Reconciler{tx: tx, orders: orders, issuer: issuer, publisher: publisher, logger: logger}
}

// CheckoutCompleted attaches the session, its payment intent and its ticket
// selections to the order, creating it when neither identifier is known. If
// the payment already succeeded the tickets are issued right away.
func (r *Reconciler) CheckoutCompleted(ctx context.Context, evt payload.CheckoutCompleted) (Outcome, error) {
	var selections []byte
	if evt.Selections != nil {
		var err error
		if selections, err = evt.Selections.Marshal(); err != nil {
			return Outcome{}, err
		}
	}

	var (
		out     Outcome
		changes []message.OrderStatusChanged
	)
	err := r.tx.InTx(ctx, func(tx pgx.Tx) error {
		order, created, err := r.bindCheckout(ctx, tx, evt, selections)
		if err != nil {
			return err
		}
		out = newOutcome(order, created)
		if created {
			changes = append(changes, message.StatusChanged(order, ""))
		}
		if evt.Selections != nil && !sameSelections(order.TicketSelections, *evt.Selections) {
			r.logger.WarnContext(ctx, "Order already carries different ticket selections, keeping the first",
				"orderId", order.ID, "sessionId", evt.SessionID)
		}

		out.Tickets, changes, err = r.issue(ctx, tx, order, changes)
		return err
	})
	if err != nil {
		return Outcome{}, err
	}

	if out.Tickets.Oversold {
		out.Status = model.StatusFailed
	}
	r.publish(ctx, changes)
	return out, nil
}

// PaymentIntentUpdated moves the order of the payment intent to the status
// the event implies, unless the order is already at or past it. An order is
// created when the intent is not known yet; a later checkout fills it in.
func (r *Reconciler) PaymentIntentUpdated(ctx context.Context, evt payload.PaymentIntentUpdated) (Outcome, error) {
	target := model.FromIntent(evt.Status)

	var (
		out     Outcome
		changes []message.OrderStatusChanged
	)
	err := r.tx.InTx(ctx, func(tx pgx.Tx) error {
		order, created, err := r.findOrCreateForIntent(ctx, tx, evt, target)
		if err != nil {
			return err
		}
		out = newOutcome(order, created)

		if created {
			changes = append(changes, message.StatusChanged(order, ""))
		} else {
			update := db.StatusUpdate{
				Status:      string(target),
				Rank:        target.Rank(),
				Guard:       target.Guard(),
				AmountTotal: evt.Amount,
				Currency:    evt.Currency,
			}
			if target == model.StatusFailed && evt.FailureReason != "" {
				update.FailureNote = &evt.FailureReason
			}

			updated, applied, err := r.orders.UpdateStatus(ctx, tx, order.ID, update)
			if err != nil {
				return err
			}
			if !applied {
				r.logger.InfoContext(ctx, "Ignoring status that does not advance the order", "orderId", order.ID,
					"current", order.Status, "incoming", target)
				staleUpdateCounter.Inc()
				return nil
			}
			changes = append(changes, message.StatusChanged(updated, order.Status))
			out.Transitioned, out.Status = true, target
			order = updated
		}

		out.Tickets, changes, err = r.issue(ctx, tx, order, changes)
		return err
	})
	if err != nil {
		return Outcome{}, err
	}

	if out.Tickets.Oversold {
		out.Status = model.StatusFailed
	}
	r.publish(ctx, changes)
	return out, nil
}

func (r *Reconciler) bindCheckout(ctx context.Context, tx pgx.Tx, evt payload.CheckoutCompleted, selections []byte) (*db.OrderEntity, bool, error) {
	binding := db.CheckoutBinding{
		SessionID:        evt.SessionID,
		TicketSelections: selections,
		AmountTotal:      evt.AmountTotal,
		Currency:         evt.Currency,
	}
	if evt.PaymentIntentID != "" {
		binding.PaymentIntentID = &evt.PaymentIntentID
	}

	for attempt := 0; attempt < maxBindAttempts; attempt++ {
		bySession, err := r.lookup(r.orders.SelectBySessionID(ctx, tx, evt.SessionID))
		if err != nil {
			return nil, false, err
		}
		var byIntent *db.OrderEntity
		if evt.PaymentIntentID != "" {
			if byIntent, err = r.lookup(r.orders.SelectByPaymentIntentID(ctx, tx, evt.PaymentIntentID)); err != nil {
				return nil, false, err
			}
		}

		if retriedWithNewIntent(bySession, evt.PaymentIntentID) {
			order, created, err := r.bindRetry(ctx, tx, bySession, byIntent, binding)
			if err != nil || order != nil {
				return order, created, err
			}
			continue
		}

		switch {
		case bySession != nil && byIntent != nil && bySession.ID != byIntent.ID:
			return r.mergeIntoIntentOrder(ctx, tx, bySession, byIntent, binding)

		case bySession != nil:
			if bySession.PaymentIntentID != nil && evt.PaymentIntentID != "" && *bySession.PaymentIntentID != evt.PaymentIntentID {
				return nil, false, pkgerrors.Wrapf(ErrConflict, "session %s is bound to payment intent %s, event says %s",
					evt.SessionID, *bySession.PaymentIntentID, evt.PaymentIntentID)
			}
			order, err := r.orders.BindCheckout(ctx, tx, bySession.ID, binding)
			return order, false, err

		case byIntent != nil:
			if byIntent.CheckoutSessionID != nil {
				return nil, false, pkgerrors.Wrapf(ErrConflict, "payment intent %s is bound to session %s, event says %s",
					evt.PaymentIntentID, *byIntent.CheckoutSessionID, evt.SessionID)
			}
			order, err := r.orders.BindCheckout(ctx, tx, byIntent.ID, binding)
			return order, false, err
		}

		order := &db.OrderEntity{
			CheckoutSessionID: &evt.SessionID,
			PaymentIntentID:   binding.PaymentIntentID,
			Status:            string(model.StatusPending),
			StatusRank:        model.RankPending,
			AmountTotal:       evt.AmountTotal,
			Currency:          evt.Currency,
			TicketSelections:  selections,
		}
		inserted, err := r.orders.InsertIfAbsent(ctx, tx, order)
		if err != nil {
			return nil, false, err
		}
		if inserted {
			r.logger.InfoContext(ctx, "Created order from checkout", "orderId", order.ID, "sessionId", evt.SessionID)
			ordersCreatedCounter.Inc()
			return order, true, nil
		}
		// a concurrent delivery created it first; look again
	}
	return nil, false, fmt.Errorf("bind checkout %s: gave up after %d attempts", evt.SessionID, maxBindAttempts)
}

// retriedWithNewIntent reports whether the session's order failed and the
// customer paid again with another payment intent.
func retriedWithNewIntent(bySession *db.OrderEntity, paymentIntentID string) bool {
	return bySession != nil &&
		bySession.Status == string(model.StatusFailed) &&
		bySession.PaymentIntentID != nil &&
		paymentIntentID != "" &&
		*bySession.PaymentIntentID != paymentIntentID
}

// bindRetry gives the new payment intent its own order. The failed order
// keeps the session id, so the new one is keyed by the intent alone. A nil
// order with a nil error means a concurrent insert won and the caller should
// look again.
func (r *Reconciler) bindRetry(ctx context.Context, tx pgx.Tx, failed, byIntent *db.OrderEntity, binding db.CheckoutBinding) (*db.OrderEntity, bool, error) {
	sessionID := binding.SessionID
	binding.SessionID = ""
	if len(binding.TicketSelections) == 0 {
		binding.TicketSelections = failed.TicketSelections
	}

	if byIntent != nil {
		order, err := r.orders.BindCheckout(ctx, tx, byIntent.ID, binding)
		return order, false, err
	}

	order := &db.OrderEntity{
		PaymentIntentID:  binding.PaymentIntentID,
		Status:           string(model.StatusPending),
		StatusRank:       model.RankPending,
		AmountTotal:      binding.AmountTotal,
		Currency:         binding.Currency,
		TicketSelections: binding.TicketSelections,
	}
	inserted, err := r.orders.InsertIfAbsent(ctx, tx, order)
	if err != nil || !inserted {
		return nil, false, err
	}
	r.logger.InfoContext(ctx, "Created order for payment retried after failure", "orderId", order.ID,
		"failedOrderId", failed.ID, "sessionId", sessionID, "paymentIntentId", *binding.PaymentIntentID)
	ordersCreatedCounter.Inc()
	return order, true, nil
}

// mergeIntoIntentOrder handles a session that got its own order before its
// payment intent was known while the intent's events created another one.
// The intent order holds the payment status, so the session order is folded
// into it.
func (r *Reconciler) mergeIntoIntentOrder(ctx context.Context, tx pgx.Tx, bySession, byIntent *db.OrderEntity, binding db.CheckoutBinding) (*db.OrderEntity, bool, error) {
	if bySession.PaymentIntentID != nil || byIntent.CheckoutSessionID != nil {
		return nil, false, pkgerrors.Wrapf(ErrConflict, "session %s and payment intent %s belong to different orders",
			binding.SessionID, *binding.PaymentIntentID)
	}

	deleted, err := r.orders.DeleteUnpaidCheckout(ctx, tx, bySession.ID)
	if err != nil {
		return nil, false, err
	}
	if !deleted {
		return nil, false, pkgerrors.Wrapf(ErrConflict, "order %s can no longer be merged", bySession.ID)
	}

	if len(binding.TicketSelections) == 0 {
		binding.TicketSelections = bySession.TicketSelections
	}
	if binding.AmountTotal == 0 {
		binding.AmountTotal, binding.Currency = bySession.AmountTotal, bySession.Currency
	}

	order, err := r.orders.BindCheckout(ctx, tx, byIntent.ID, binding)
	if err != nil {
		return nil, false, err
	}
	r.logger.InfoContext(ctx, "Merged checkout order into payment intent order", "removedOrderId", bySession.ID,
		"orderId", order.ID)
	return order, false, nil
}

func (r *Reconciler) findOrCreateForIntent(ctx context.Context, tx pgx.Tx, evt payload.PaymentIntentUpdated, target model.OrderStatus) (*db.OrderEntity, bool, error) {
	for attempt := 0; attempt < maxBindAttempts; attempt++ {
		existing, err := r.lookup(r.orders.SelectByPaymentIntentID(ctx, tx, evt.PaymentIntentID))
		if err != nil {
			return nil, false, err
		}
		if existing != nil {
			return existing, false, nil
		}

		order := &db.OrderEntity{
			PaymentIntentID: &evt.PaymentIntentID,
			Status:          string(target),
			StatusRank:      target.Rank(),
			AmountTotal:     evt.Amount,
			Currency:        evt.Currency,
		}
		if target == model.StatusFailed && evt.FailureReason != "" {
			order.FailureNote = &evt.FailureReason
		}
		inserted, err := r.orders.InsertIfAbsent(ctx, tx, order)
		if err != nil {
			return nil, false, err
		}
		if inserted {
			r.logger.InfoContext(ctx, "Created order from payment intent", "orderId", order.ID,
				"paymentIntentId", evt.PaymentIntentID, "status", target)
			ordersCreatedCounter.Inc()
			return order, true, nil
		}
	}
	return nil, false, fmt.Errorf("find order of payment intent %s: gave up after %d attempts", evt.PaymentIntentID, maxBindAttempts)
}

// issue runs ticket issuance for order inside tx and appends the failure
// transition when capacity ran out.
func (r *Reconciler) issue(ctx context.Context, tx pgx.Tx, order *db.OrderEntity, changes []message.OrderStatusChanged) (ticket.Outcome, []message.OrderStatusChanged, error) {
	issued, err := r.issuer.Issue(ctx, tx, order)
	if err != nil {
		return ticket.Outcome{}, nil, err
	}
	if issued.Oversold {
		failed := message.StatusChanged(order, order.Status)
		failed.To, failed.Note = string(model.StatusFailed), issued.Note
		changes = append(changes, failed)
	} else if issued.Issued > 0 && len(changes) > 0 {
		changes[len(changes)-1].TicketsIssued = issued.Issued
	}
	return issued, changes, nil
}

func (r *Reconciler) publish(ctx context.Context, changes []message.OrderStatusChanged) {
	for _, c := range changes {
		transitionCounter(model.OrderStatus(c.To)).Inc()
		r.publisher.Publish(ctx, c)
	}
}

func (r *Reconciler) lookup(order *db.OrderEntity, err error) (*db.OrderEntity, error) {
	if errors.Is(err, db.ErrNotFound) {
		return nil, nil
	}
	return order, err
}

func newOutcome(order *db.OrderEntity, created bool) Outcome {
	out := Outcome{
		OrderID: order.ID,
		Created: created,
		Status:  model.OrderStatus(order.Status),
	}
	if order.PaymentIntentID != nil {
		out.PaymentIntentID = *order.PaymentIntentID
	}
	return out
}

// sameSelections compares semantically: the stored jsonb does not keep the
// key order of the incoming document.
func sameSelections(stored []byte, incoming payload.TicketSelections) bool {
	if len(stored) == 0 {
		return false
	}
	current, err := payload.ParseTicketSelections(stored)
	if err != nil {
		return false
	}
	return reflect.DeepEqual(current, incoming)
}
