package message

import (
	"time"

	"payment-webhook-service/internal/db"

	"github.com/google/uuid"
)

// OrderStatusChanged is published after a committed order status transition.
type OrderStatusChanged struct {
	ID                uuid.UUID `json:"id"`
	OrderID           uuid.UUID `json:"orderId"`
	CheckoutSessionID string    `json:"checkoutSessionId,omitempty"`
	PaymentIntentID   string    `json:"paymentIntentId,omitempty"`
	From              string    `json:"from,omitempty"`
	To                string    `json:"to"`
	Note              string    `json:"note,omitempty"`
	TicketsIssued     int       `json:"ticketsIssued,omitempty"`
	OccurredAt        time.Time `json:"occurredAt"`
}

func NewOrderStatusChanged(orderID uuid.UUID, from, to string) OrderStatusChanged {
	return OrderStatusChanged{
		ID:         uuid.New(),
		OrderID:    orderID,
		From:       from,
		To:         to,
		OccurredAt: time.Now().UTC(),
	}
}

// StatusChanged describes the move of order from status from to its current
// status.
func StatusChanged(order *db.OrderEntity, from string) OrderStatusChanged {
	msg := NewOrderStatusChanged(order.ID, from, order.Status)
	if order.CheckoutSessionID != nil {
		msg.CheckoutSessionID = *order.CheckoutSessionID
	}
	if order.PaymentIntentID != nil {
		msg.PaymentIntentID = *order.PaymentIntentID
	}
	if order.FailureNote != nil {
		msg.Note = *order.FailureNote
	}
	return msg
}
