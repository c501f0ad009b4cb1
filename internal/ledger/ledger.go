// Package ledger records every webhook delivery by provider event id and
// tracks how far its processing got.
package ledger

import (
	"context"
	"errors"
	"time"

	"payment-webhook-service/internal/db"
	"payment-webhook-service/internal/payload"

	pkgerrors "github.com/pkg/errors"
)

var (
	// ErrAlreadyProcessed means another delivery finished the event first.
	ErrAlreadyProcessed = errors.New("event already processed")
	// ErrInFlight means another delivery holds the event and is not stale yet.
	ErrInFlight = errors.New("event is being processed by another delivery")
)

type Entry struct {
	ProviderEventID string
	IsNew           bool
	Status          string
	Attempts        int
}

func (e Entry) Processed() bool {
	return e.Status == db.EventStatusProcessed
}

type Ledger struct {
	repo       *db.WebhookEventRepository
	staleAfter time.Duration
	now        func() time.Time
}

func New(repo *db.WebhookEventRepository, staleAfter time.Duration) *Ledger {
	return &Ledger{repo: repo, staleAfter: staleAfter, now: time.Now}
}

// Record stores the raw event the first time its id is seen and returns the
// row's current state either way.
func (l *Ledger) Record(ctx context.Context, meta payload.Meta, raw []byte) (Entry, error) {
	entity := &db.WebhookEventEntity{
		ProviderEventID: meta.ID,
		EventType:       meta.Type,
		Payload:         raw,
		ReceivedAt:      l.now(),
	}

	inserted, err := l.repo.InsertIfAbsent(ctx, entity)
	if err != nil {
		return Entry{}, err
	}
	if inserted {
		return Entry{ProviderEventID: meta.ID, IsNew: true, Status: db.EventStatusReceived}, nil
	}

	existing, err := l.repo.SelectByProviderEventID(ctx, meta.ID)
	if err != nil {
		return Entry{}, err
	}
	return Entry{
		ProviderEventID: meta.ID,
		Status:          existing.Status,
		Attempts:        existing.Attempts,
	}, nil
}

// Begin claims the event for this delivery.
func (l *Ledger) Begin(ctx context.Context, providerEventID string) error {
	claimed, err := l.repo.TransitionToProcessing(ctx, providerEventID, l.now().Add(-l.staleAfter))
	if err != nil {
		return err
	}
	if claimed {
		return nil
	}

	existing, err := l.repo.SelectByProviderEventID(ctx, providerEventID)
	if err != nil {
		return err
	}
	if existing.Status == db.EventStatusProcessed {
		return ErrAlreadyProcessed
	}
	return pkgerrors.Wrapf(ErrInFlight, "event %s", providerEventID)
}

func (l *Ledger) Complete(ctx context.Context, providerEventID string) error {
	return l.repo.MarkProcessed(ctx, providerEventID)
}

func (l *Ledger) Fail(ctx context.Context, providerEventID, reason string) error {
	return l.repo.MarkFailed(ctx, providerEventID, reason)
}
