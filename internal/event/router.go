package event

import (
	"context"
	"fmt"
	"log/slog"

	"payment-webhook-service/internal/model"
	"payment-webhook-service/internal/order"
	"payment-webhook-service/internal/payload"
	"payment-webhook-service/internal/refund"
)

type OrderReconciler interface {
	CheckoutCompleted(ctx context.Context, evt payload.CheckoutCompleted) (order.Outcome, error)
	PaymentIntentUpdated(ctx context.Context, evt payload.PaymentIntentUpdated) (order.Outcome, error)
}

type RefundTracker interface {
	Record(ctx context.Context, in refund.Input) (refund.Outcome, error)
	ApplyHeld(ctx context.Context, paymentIntentID string) (int, error)
}

// Result summarises what routing did with one event.
type Result struct {
	Handled         bool
	Oversold        bool
	RefundsRecorded int
	RefundsHeld     int
}

// Router dispatches each event variant to the component that owns it.
type Router struct {
	orders  OrderReconciler
	refunds RefundTracker
	logger  *slog.Logger
}

func NewRouter(orders OrderReconciler, refunds RefundTracker, logger *slog.Logger) *Router {
	return &Router{orders: orders, refunds: refunds, logger: logger}
}

func (r *Router) Route(ctx context.Context, evt payload.Event) (Result, error) {
	switch e := evt.(type) {
	case payload.CheckoutCompleted:
		out, err := r.orders.CheckoutCompleted(ctx, e)
		if err != nil {
			return Result{}, err
		}
		return r.afterOrder(ctx, out)

	case payload.PaymentIntentUpdated:
		out, err := r.orders.PaymentIntentUpdated(ctx, e)
		if err != nil {
			return Result{}, err
		}
		return r.afterOrder(ctx, out)

	case payload.ChargeRefunded:
		if len(e.Refunds) == 0 {
			r.logger.WarnContext(ctx, "Charge refunded without refund details, waiting for refund events",
				"chargeId", e.ChargeID, "amountRefunded", e.AmountRefunded)
			return Result{Handled: true}, nil
		}
		return r.recordRefunds(ctx, e.Meta().ID, e.Refunds...)

	case payload.RefundUpdated:
		if !e.Refund.Settled() {
			r.logger.InfoContext(ctx, "Ignoring refund that moved no money", "refundId", e.Refund.ID,
				"status", e.Refund.Status)
			return Result{Handled: true}, nil
		}
		return r.recordRefunds(ctx, e.Meta().ID, e.Refund)

	case payload.Unknown:
		r.logger.DebugContext(ctx, "Ignoring unhandled event type")
		return Result{}, nil

	default:
		return Result{}, fmt.Errorf("unroutable event %T", evt)
	}
}

// afterOrder applies refunds that arrived before their order did.
func (r *Router) afterOrder(ctx context.Context, out order.Outcome) (Result, error) {
	res := Result{Handled: true, Oversold: out.Tickets.Oversold}
	if out.PaymentIntentID == "" {
		return res, nil
	}
	applied, err := r.refunds.ApplyHeld(ctx, out.PaymentIntentID)
	if err != nil {
		return Result{}, err
	}
	res.RefundsRecorded = applied
	return res, nil
}

func (r *Router) recordRefunds(ctx context.Context, eventID string, refunds ...payload.Refund) (Result, error) {
	res := Result{Handled: true}
	for _, rf := range refunds {
		if !rf.Settled() {
			continue
		}
		out, err := r.refunds.Record(ctx, refund.FromPayload(eventID, rf))
		if err != nil {
			return Result{}, err
		}
		if out.Recorded {
			res.RefundsRecorded++
		}
		if out.Held {
			res.RefundsHeld++
		}
		if out.Status == model.StatusFailed && out.Transitioned {
			res.Oversold = true
		}
	}
	return res, nil
}
