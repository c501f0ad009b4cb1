package testhelpers

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event renders a provider event envelope around object.
func Event(id, eventType string, object map[string]any) []byte {
	raw, err := json.Marshal(map[string]any{
		"id":      id,
		"object":  "event",
		"type":    eventType,
		"created": time.Now().Unix(),
		"data":    map[string]any{"object": object},
	})
	if err != nil {
		panic(err)
	}
	return raw
}

// CheckoutCompleted builds a checkout.session.completed event. selections is
// put into the session metadata verbatim when non-empty.
func CheckoutCompleted(eventID, sessionID, paymentIntentID string, amount int64, selections string) []byte {
	session := map[string]any{
		"id":           sessionID,
		"object":       "checkout.session",
		"amount_total": amount,
		"currency":     "usd",
	}
	if paymentIntentID != "" {
		session["payment_intent"] = paymentIntentID
	}
	if selections != "" {
		session["metadata"] = map[string]string{"ticket_selections": selections}
	}
	return Event(eventID, "checkout.session.completed", session)
}

// PaymentIntent builds a payment_intent.<suffix> event, e.g. suffix "succeeded".
func PaymentIntent(eventID, suffix, paymentIntentID string, amount int64) []byte {
	return Event(eventID, "payment_intent."+suffix, map[string]any{
		"id":       paymentIntentID,
		"object":   "payment_intent",
		"amount":   amount,
		"currency": "usd",
	})
}

// RefundCreated builds a refund.created event for a succeeded refund.
func RefundCreated(eventID, refundID, paymentIntentID string, amount int64) []byte {
	return Event(eventID, "refund.created", map[string]any{
		"id":             refundID,
		"object":         "refund",
		"amount":         amount,
		"currency":       "usd",
		"status":         "succeeded",
		"payment_intent": paymentIntentID,
	})
}

// ChargeRefunded builds a charge.refunded event listing the given refunds,
// keyed by refund id.
func ChargeRefunded(eventID, chargeID, paymentIntentID string, refunds map[string]int64) []byte {
	var data []map[string]any
	var total int64
	for id, amount := range refunds {
		total += amount
		data = append(data, map[string]any{
			"id":       id,
			"object":   "refund",
			"amount":   amount,
			"currency": "usd",
			"status":   "succeeded",
		})
	}
	return Event(eventID, "charge.refunded", map[string]any{
		"id":              chargeID,
		"object":          "charge",
		"currency":        "usd",
		"payment_intent":  paymentIntentID,
		"amount_refunded": total,
		"refunds": map[string]any{
			"object": "list",
			"data":   data,
			"url":    fmt.Sprintf("/v1/charges/%s/refunds", chargeID),
		},
	})
}

// Selections renders a ticket selection document for checkout metadata.
func Selections(items map[string]int) string {
	type item struct {
		Type string `json:"type"`
		Qty  int    `json:"qty"`
	}
	doc := struct {
		Version int    `json:"version"`
		Items   []item `json:"items"`
	}{Version: 1}
	for t, q := range items {
		doc.Items = append(doc.Items, item{Type: t, Qty: q})
	}
	raw, _ := json.Marshal(doc)
	return string(raw)
}
