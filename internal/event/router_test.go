package event

import (
	"context"
	"testing"

	"payment-webhook-service/internal/model"
	"payment-webhook-service/internal/order"
	"payment-webhook-service/internal/payload"
	"payment-webhook-service/internal/refund"
	"payment-webhook-service/internal/testhelpers"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeOrders struct {
	checkouts []payload.CheckoutCompleted
	intents   []payload.PaymentIntentUpdated
	outcome   order.Outcome
}

func (f *fakeOrders) CheckoutCompleted(_ context.Context, evt payload.CheckoutCompleted) (order.Outcome, error) {
	f.checkouts = append(f.checkouts, evt)
	return f.outcome, nil
}

func (f *fakeOrders) PaymentIntentUpdated(_ context.Context, evt payload.PaymentIntentUpdated) (order.Outcome, error) {
	f.intents = append(f.intents, evt)
	return f.outcome, nil
}

type fakeRefunds struct {
	recorded []refund.Input
	applied  []string
	held     bool
}

func (f *fakeRefunds) Record(_ context.Context, in refund.Input) (refund.Outcome, error) {
	f.recorded = append(f.recorded, in)
	if f.held {
		return refund.Outcome{Held: true}, nil
	}
	return refund.Outcome{Recorded: true, Status: model.StatusPartiallyRefunded}, nil
}

func (f *fakeRefunds) ApplyHeld(_ context.Context, pi string) (int, error) {
	f.applied = append(f.applied, pi)
	return 0, nil
}

func TestRoute_PaymentIntentAppliesHeldRefunds(t *testing.T) {
	orders := &fakeOrders{outcome: order.Outcome{OrderID: uuid.New(), PaymentIntentID: "pi_1"}}
	refunds := &fakeRefunds{}
	r := NewRouter(orders, refunds, discardLogger())

	res, err := r.Route(context.Background(), parse(t, testhelpers.PaymentIntent("evt_1", "succeeded", "pi_1", 100)))
	require.NoError(t, err)
	assert.True(t, res.Handled)
	require.Len(t, orders.intents, 1)
	assert.Equal(t, payload.IntentSucceeded, orders.intents[0].Status)
	assert.Equal(t, []string{"pi_1"}, refunds.applied)
}

func TestRoute_CheckoutWithoutIntentSkipsHeldRefunds(t *testing.T) {
	orders := &fakeOrders{outcome: order.Outcome{OrderID: uuid.New()}}
	refunds := &fakeRefunds{}
	r := NewRouter(orders, refunds, discardLogger())

	_, err := r.Route(context.Background(), parse(t, testhelpers.CheckoutCompleted("evt_2", "cs_2", "", 100, "")))
	require.NoError(t, err)
	assert.Len(t, orders.checkouts, 1)
	assert.Empty(t, refunds.applied)
}

func TestRoute_ChargeRefundedRecordsEachRefund(t *testing.T) {
	refunds := &fakeRefunds{}
	r := NewRouter(&fakeOrders{}, refunds, discardLogger())

	raw := testhelpers.ChargeRefunded("evt_3", "ch_3", "pi_3", map[string]int64{"re_1": 10, "re_2": 20})
	res, err := r.Route(context.Background(), parse(t, raw))
	require.NoError(t, err)
	assert.Equal(t, 2, res.RefundsRecorded)

	require.Len(t, refunds.recorded, 2)
	for _, in := range refunds.recorded {
		assert.Equal(t, "pi_3", in.PaymentIntentID)
		assert.Equal(t, "evt_3", in.ProviderEventID)
	}
}

func TestRoute_RefundForUnknownIntentIsHeld(t *testing.T) {
	refunds := &fakeRefunds{held: true}
	r := NewRouter(&fakeOrders{}, refunds, discardLogger())

	res, err := r.Route(context.Background(), parse(t, testhelpers.RefundCreated("evt_4", "re_4", "pi_x", 10)))
	require.NoError(t, err)
	assert.Equal(t, 1, res.RefundsHeld)
}

func TestRoute_FailedRefundIsIgnored(t *testing.T) {
	refunds := &fakeRefunds{}
	r := NewRouter(&fakeOrders{}, refunds, discardLogger())

	raw := testhelpers.Event("evt_5", "refund.updated", map[string]any{
		"id": "re_5", "amount": 10, "currency": "usd", "status": "failed", "payment_intent": "pi_5",
	})
	_, err := r.Route(context.Background(), parse(t, raw))
	require.NoError(t, err)
	assert.Empty(t, refunds.recorded)
}

func TestRoute_ChargeRefundedWithoutList(t *testing.T) {
	refunds := &fakeRefunds{}
	r := NewRouter(&fakeOrders{}, refunds, discardLogger())

	raw := testhelpers.Event("evt_6", "charge.refunded", map[string]any{
		"id": "ch_6", "payment_intent": "pi_6", "amount_refunded": 10,
	})
	res, err := r.Route(context.Background(), parse(t, raw))
	require.NoError(t, err)
	assert.True(t, res.Handled)
	assert.Empty(t, refunds.recorded)
}
