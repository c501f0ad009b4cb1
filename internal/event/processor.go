// Package event runs verified webhook events through the ledger and routes
// them to the order and refund components.
package event

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"payment-webhook-service/internal/ledger"
	"payment-webhook-service/internal/logcontext"
	"payment-webhook-service/internal/payload"

	"github.com/VictoriaMetrics/metrics"
)

var (
	processedCounter = metrics.GetOrCreateCounter(`webhook_events_total{result="processed"}`)
	duplicateCounter = metrics.GetOrCreateCounter(`webhook_events_total{result="duplicate"}`)
	inFlightCounter  = metrics.GetOrCreateCounter(`webhook_events_total{result="in_flight"}`)
	failedCounter    = metrics.GetOrCreateCounter(`webhook_events_total{result="failed"}`)

	processDurationHistogram = metrics.GetOrCreateHistogram(`webhook_event_processing_duration_milliseconds`)
)

type Ledger interface {
	Record(ctx context.Context, meta payload.Meta, raw []byte) (ledger.Entry, error)
	Begin(ctx context.Context, providerEventID string) error
	Complete(ctx context.Context, providerEventID string) error
	Fail(ctx context.Context, providerEventID, reason string) error
}

type EventRouter interface {
	Route(ctx context.Context, evt payload.Event) (Result, error)
}

type Outcome struct {
	Duplicate bool
	Result    Result
}

type Processor struct {
	ledger Ledger
	router EventRouter
	logger *slog.Logger
}

func NewProcessor(l Ledger, router EventRouter, logger *slog.Logger) *Processor {
	return &Processor{ledger: l, router: router, logger: logger}
}

// Process records evt and, unless an earlier delivery already finished it,
// routes it. raw is stored as received so the event can be replayed later.
func (p *Processor) Process(ctx context.Context, evt payload.Event, raw []byte) (Outcome, error) {
	meta := evt.Meta()
	ctx = logcontext.AppendCtx(ctx, slog.String("eventId", meta.ID))
	ctx = logcontext.AppendCtx(ctx, slog.String("eventType", meta.Type))

	entry, err := p.ledger.Record(ctx, meta, raw)
	if err != nil {
		p.logger.ErrorContext(ctx, "Error recording event", "error", err)
		failedCounter.Inc()
		return Outcome{}, err
	}
	if entry.Processed() {
		p.logger.InfoContext(ctx, "Duplicate event, already processed")
		duplicateCounter.Inc()
		return Outcome{Duplicate: true}, nil
	}
	if !entry.IsNew {
		p.logger.InfoContext(ctx, "Redelivered event, processing again", "status", entry.Status,
			"attempts", entry.Attempts)
	}

	return p.run(ctx, meta, evt)
}

// Reprocess routes an event whose ledger row already exists.
func (p *Processor) Reprocess(ctx context.Context, evt payload.Event) (Outcome, error) {
	meta := evt.Meta()
	ctx = logcontext.AppendCtx(ctx, slog.String("eventId", meta.ID))
	ctx = logcontext.AppendCtx(ctx, slog.String("eventType", meta.Type))

	return p.run(ctx, meta, evt)
}

func (p *Processor) run(ctx context.Context, meta payload.Meta, evt payload.Event) (Outcome, error) {
	startTime := time.Now()
	defer func() {
		processDurationHistogram.Update(float64(time.Since(startTime).Milliseconds()))
	}()

	if err := p.ledger.Begin(ctx, meta.ID); err != nil {
		switch {
		case errors.Is(err, ledger.ErrAlreadyProcessed):
			p.logger.InfoContext(ctx, "Event finished by a concurrent delivery")
			duplicateCounter.Inc()
			return Outcome{Duplicate: true}, nil
		case errors.Is(err, ledger.ErrInFlight):
			p.logger.WarnContext(ctx, "Event is being processed by another delivery")
			inFlightCounter.Inc()
		default:
			p.logger.ErrorContext(ctx, "Error claiming event", "error", err)
			failedCounter.Inc()
		}
		return Outcome{}, err
	}

	result, err := p.router.Route(ctx, evt)
	if err != nil {
		p.logger.ErrorContext(ctx, "Error handling event", "error", err)
		failedCounter.Inc()

		// the request context may be the reason we failed
		if markErr := p.ledger.Fail(context.WithoutCancel(ctx), meta.ID, err.Error()); markErr != nil {
			p.logger.ErrorContext(ctx, "Error marking event failed", "error", markErr)
		}
		return Outcome{}, err
	}

	if err := p.ledger.Complete(context.WithoutCancel(ctx), meta.ID); err != nil {
		p.logger.ErrorContext(ctx, "Error marking event processed", "error", err)
		failedCounter.Inc()
		return Outcome{}, err
	}

	p.logger.InfoContext(ctx, "Processed event", "handled", result.Handled, "refundsRecorded", result.RefundsRecorded,
		"refundsHeld", result.RefundsHeld, "oversold", result.Oversold)
	processedCounter.Inc()
	return Outcome{Result: result}, nil
}
