// Package payload turns verified webhook bytes into a closed set of typed
// events. Parsing happens once, at the edge; everything downstream switches on
// the concrete type instead of poking at untyped JSON.
package payload

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/stripe/stripe-go/v80"
)

// ErrMalformed marks a body that passed signature verification but cannot be
// turned into an event.
var ErrMalformed = errors.New("malformed payload")

const (
	TypeCheckoutCompleted     = "checkout.session.completed"
	TypePaymentIntentCreated  = "payment_intent.created"
	TypePaymentIntentAction   = "payment_intent.requires_action"
	TypePaymentIntentProc     = "payment_intent.processing"
	TypePaymentIntentSuccess  = "payment_intent.succeeded"
	TypePaymentIntentFailed   = "payment_intent.payment_failed"
	TypePaymentIntentCanceled = "payment_intent.canceled"
	TypeChargeRefunded        = "charge.refunded"
	TypeRefundCreated         = "refund.created"
	TypeRefundUpdated         = "refund.updated"
)

const selectionsMetadataKey = "ticket_selections"

// IntentStatus is the payment intent state as far as orders are concerned.
type IntentStatus string

const (
	IntentPending    IntentStatus = "pending"
	IntentProcessing IntentStatus = "processing"
	IntentSucceeded  IntentStatus = "succeeded"
	IntentFailed     IntentStatus = "failed"
)

var intentStatusByType = map[string]IntentStatus{
	TypePaymentIntentCreated:  IntentPending,
	TypePaymentIntentAction:   IntentPending,
	TypePaymentIntentProc:     IntentProcessing,
	TypePaymentIntentSuccess:  IntentSucceeded,
	TypePaymentIntentFailed:   IntentFailed,
	TypePaymentIntentCanceled: IntentFailed,
}

type Meta struct {
	ID      string
	Type    string
	Created time.Time
}

// Event is implemented by CheckoutCompleted, PaymentIntentUpdated,
// ChargeRefunded, RefundUpdated and Unknown.
type Event interface {
	Meta() Meta
	isEvent()
}

type CheckoutCompleted struct {
	meta            Meta
	SessionID       string
	PaymentIntentID string
	AmountTotal     int64
	Currency        string
	Selections      *TicketSelections
}

type PaymentIntentUpdated struct {
	meta            Meta
	PaymentIntentID string
	Status          IntentStatus
	Amount          int64
	Currency        string
	FailureReason   string
}

type Refund struct {
	ID              string
	PaymentIntentID string
	Amount          int64
	Currency        string
	Status          string
}

// Settled reports whether the refund moved money. Pending refunds count:
// the provider reports them before settlement and they only fail rarely.
func (r Refund) Settled() bool {
	switch r.Status {
	case "", string(stripe.RefundStatusSucceeded), string(stripe.RefundStatusPending):
		return true
	default:
		return false
	}
}

type ChargeRefunded struct {
	meta            Meta
	ChargeID        string
	PaymentIntentID string
	AmountRefunded  int64
	Refunds         []Refund
}

type RefundUpdated struct {
	meta   Meta
	Refund Refund
}

// Unknown is any event type this service does not act on.
type Unknown struct {
	meta Meta
}

func (e CheckoutCompleted) Meta() Meta    { return e.meta }
func (e PaymentIntentUpdated) Meta() Meta { return e.meta }
func (e ChargeRefunded) Meta() Meta       { return e.meta }
func (e RefundUpdated) Meta() Meta        { return e.meta }
func (e Unknown) Meta() Meta              { return e.meta }

func (CheckoutCompleted) isEvent()    {}
func (PaymentIntentUpdated) isEvent() {}
func (ChargeRefunded) isEvent()       {}
func (RefundUpdated) isEvent()        {}
func (Unknown) isEvent()              {}

// Parse decodes raw into one of the Event variants. Every returned error
// wraps ErrMalformed.
func Parse(raw []byte) (Event, error) {
	var envelope stripe.Event
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, malformed("decode envelope: %v", err)
	}

	meta := Meta{
		ID:      strings.TrimSpace(envelope.ID),
		Type:    strings.TrimSpace(string(envelope.Type)),
		Created: time.Unix(envelope.Created, 0).UTC(),
	}
	if meta.ID == "" {
		return nil, malformed("missing event id")
	}
	if meta.Type == "" {
		return nil, malformed("event %s: missing type", meta.ID)
	}

	switch {
	case meta.Type == TypeCheckoutCompleted:
		return parseCheckout(meta, envelope.Data)
	case intentStatusByType[meta.Type] != "":
		return parsePaymentIntent(meta, envelope.Data)
	case meta.Type == TypeChargeRefunded:
		return parseCharge(meta, envelope.Data)
	case meta.Type == TypeRefundCreated || meta.Type == TypeRefundUpdated:
		return parseRefund(meta, envelope.Data)
	default:
		return Unknown{meta: meta}, nil
	}
}

func parseCheckout(meta Meta, data *stripe.EventData) (Event, error) {
	var sess stripe.CheckoutSession
	if err := decodeObject(data, &sess); err != nil {
		return nil, malformed("event %s: checkout session: %v", meta.ID, err)
	}
	if sess.ID == "" {
		return nil, malformed("event %s: checkout session without id", meta.ID)
	}

	out := CheckoutCompleted{
		meta:        meta,
		SessionID:   sess.ID,
		AmountTotal: sess.AmountTotal,
		Currency:    strings.ToLower(string(sess.Currency)),
	}
	if sess.PaymentIntent != nil {
		out.PaymentIntentID = sess.PaymentIntent.ID
	}

	if raw, ok := sess.Metadata[selectionsMetadataKey]; ok {
		selections, err := ParseTicketSelections([]byte(raw))
		if err != nil {
			return nil, malformed("event %s: %v", meta.ID, err)
		}
		out.Selections = &selections
	}

	return out, nil
}

func parsePaymentIntent(meta Meta, data *stripe.EventData) (Event, error) {
	var pi stripe.PaymentIntent
	if err := decodeObject(data, &pi); err != nil {
		return nil, malformed("event %s: payment intent: %v", meta.ID, err)
	}
	if pi.ID == "" {
		return nil, malformed("event %s: payment intent without id", meta.ID)
	}

	out := PaymentIntentUpdated{
		meta:            meta,
		PaymentIntentID: pi.ID,
		Status:          intentStatusByType[meta.Type],
		Amount:          pi.Amount,
		Currency:        strings.ToLower(string(pi.Currency)),
	}
	if out.Status == IntentFailed {
		switch {
		case pi.LastPaymentError != nil && pi.LastPaymentError.Msg != "":
			out.FailureReason = pi.LastPaymentError.Msg
		case pi.CancellationReason != "":
			out.FailureReason = "canceled: " + string(pi.CancellationReason)
		default:
			out.FailureReason = meta.Type
		}
	}
	return out, nil
}

func parseCharge(meta Meta, data *stripe.EventData) (Event, error) {
	var ch stripe.Charge
	if err := decodeObject(data, &ch); err != nil {
		return nil, malformed("event %s: charge: %v", meta.ID, err)
	}
	if ch.PaymentIntent == nil || ch.PaymentIntent.ID == "" {
		return nil, malformed("event %s: charge %q without payment intent", meta.ID, ch.ID)
	}

	out := ChargeRefunded{
		meta:            meta,
		ChargeID:        ch.ID,
		PaymentIntentID: ch.PaymentIntent.ID,
		AmountRefunded:  ch.AmountRefunded,
	}
	if ch.Refunds != nil {
		for _, r := range ch.Refunds.Data {
			if r == nil {
				continue
			}
			refund, err := toRefund(r, ch.PaymentIntent.ID, string(ch.Currency))
			if err != nil {
				return nil, malformed("event %s: %v", meta.ID, err)
			}
			out.Refunds = append(out.Refunds, refund)
		}
	}
	return out, nil
}

func parseRefund(meta Meta, data *stripe.EventData) (Event, error) {
	var r stripe.Refund
	if err := decodeObject(data, &r); err != nil {
		return nil, malformed("event %s: refund: %v", meta.ID, err)
	}
	if r.PaymentIntent == nil || r.PaymentIntent.ID == "" {
		return nil, malformed("event %s: refund %q without payment intent", meta.ID, r.ID)
	}
	refund, err := toRefund(&r, r.PaymentIntent.ID, "")
	if err != nil {
		return nil, malformed("event %s: %v", meta.ID, err)
	}
	return RefundUpdated{meta: meta, Refund: refund}, nil
}

func toRefund(r *stripe.Refund, paymentIntentID, fallbackCurrency string) (Refund, error) {
	if r.ID == "" {
		return Refund{}, fmt.Errorf("refund without id")
	}
	if r.Amount <= 0 {
		return Refund{}, fmt.Errorf("refund %s: non-positive amount %d", r.ID, r.Amount)
	}
	currency := string(r.Currency)
	if currency == "" {
		currency = fallbackCurrency
	}
	return Refund{
		ID:              r.ID,
		PaymentIntentID: paymentIntentID,
		Amount:          r.Amount,
		Currency:        strings.ToLower(currency),
		Status:          string(r.Status),
	}, nil
}

func decodeObject(data *stripe.EventData, v any) error {
	if data == nil || len(data.Raw) == 0 {
		return fmt.Errorf("missing data.object")
	}
	return json.Unmarshal(data.Raw, v)
}

func malformed(format string, args ...any) error {
	return errors.Wrapf(ErrMalformed, format, args...)
}
