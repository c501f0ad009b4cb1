package db

import (
	"time"

	"github.com/google/uuid"
)

type WebhookEventEntity struct {
	ID              uuid.UUID
	ProviderEventID string
	EventType       string
	Status          string
	Payload         []byte
	FailureReason   *string
	Attempts        int
	ReceivedAt      time.Time
	UpdatedAt       time.Time
	ProcessedAt     *time.Time
}

type OrderEntity struct {
	ID                uuid.UUID
	CheckoutSessionID *string
	PaymentIntentID   *string
	Status            string
	StatusRank        int
	AmountTotal       int64
	Currency          string
	TicketSelections  []byte
	TicketsIssued     bool
	FailureNote       *string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

type TicketEntity struct {
	ID           uuid.UUID
	OrderID      uuid.UUID
	SelectionRef string
	UnitIndex    int
	IssuedAt     time.Time
}

type RefundEntity struct {
	ID               uuid.UUID
	PaymentIntentID  string
	ProviderRefundID string
	Amount           int64
	Currency         string
	RecordedAt       time.Time
}

type OrphanEventEntity struct {
	ID              uuid.UUID
	Kind            string
	ReferenceKey    string
	DedupeKey       string
	ProviderEventID string
	Payload         []byte
	CreatedAt       time.Time
	AppliedAt       *time.Time
}
