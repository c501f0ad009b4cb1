// Package sweep replays ledger rows that never finished and applies held
// refunds whose order has appeared since. It covers deliveries that died
// mid-flight and providers that stop redelivering.
package sweep

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"payment-webhook-service/internal/config"
	"payment-webhook-service/internal/db"
	"payment-webhook-service/internal/event"
	"payment-webhook-service/internal/ledger"
	"payment-webhook-service/internal/logcontext"
	"payment-webhook-service/internal/payload"

	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"
)

var (
	sweepErrorFetchingCounter = metrics.GetOrCreateCounter(`sweep_total{result="fetching_failed"}`)
	sweepSuccessCounter       = metrics.GetOrCreateCounter(`sweep_total{result="success"}`)

	sweepDurationHistogram = metrics.GetOrCreateHistogram(`sweep_duration_milliseconds`)

	sweepEventsProcessedCounter = metrics.GetOrCreateCounter(`sweep_events_total{result="processed"}`)
	sweepEventsFailedCounter    = metrics.GetOrCreateCounter(`sweep_events_total{result="failed"}`)
	sweepEventsSkippedCounter   = metrics.GetOrCreateCounter(`sweep_events_total{result="skipped"}`)
	sweepEventsMalformedCounter = metrics.GetOrCreateCounter(`sweep_events_total{result="malformed"}`)
)

type Reprocessor interface {
	Reprocess(ctx context.Context, evt payload.Event) (event.Outcome, error)
}

type HeldRefunds interface {
	ApplyHeld(ctx context.Context, paymentIntentID string) (int, error)
}

type Report struct {
	Scanned        int
	Processed      int
	Failed         int
	Skipped        int
	Malformed      int
	OrphanRefs     int
	OrphansApplied int
}

type Sweeper struct {
	events    *db.WebhookEventRepository
	orphans   *db.OrphanRepository
	processor Reprocessor
	refunds   HeldRefunds
	cfg       config.Sweep
	logger    *slog.Logger
	now       func() time.Time
}

func NewSweeper(events *db.WebhookEventRepository, orphans *db.OrphanRepository, processor Reprocessor, refunds HeldRefunds, cfg config.Sweep, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		events:    events,
		orphans:   orphans,
		processor: processor,
		refunds:   refunds,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// Start runs a sweep every interval until ctx is done.
func (s *Sweeper) Start(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if _, err := s.Run(ctx); err != nil {
					s.logger.ErrorContext(ctx, "Sweep failed", "error", err)
				}
			case <-ctx.Done():
				s.logger.InfoContext(ctx, "Context done, stopping sweeper")
				return
			}
		}
	}()
}

func (s *Sweeper) Run(ctx context.Context) (Report, error) {
	startTime := time.Now()
	defer func() {
		sweepDurationHistogram.Update(float64(time.Since(startTime).Milliseconds()))
	}()

	// set runId as a correlation id for all logs in scope
	ctx = logcontext.AppendCtx(ctx, slog.String("runId", uuid.New().String()))

	var report Report

	s.logger.InfoContext(ctx, "Fetching unfinished events")
	entities, err := s.events.SelectUnfinished(ctx, s.now().Add(-s.cfg.MinAge()), s.cfg.FetchSize)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error fetching unfinished events", "error", err)
		sweepErrorFetchingCounter.Inc()
		return report, err
	}

	for _, entity := range entities {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		report.Scanned++
		s.replay(ctx, entity, &report)
	}

	refs, err := s.orphans.SelectResolvableReferences(ctx, s.cfg.OrphanBatch)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error fetching held refunds", "error", err)
		sweepErrorFetchingCounter.Inc()
		return report, err
	}
	report.OrphanRefs = len(refs)
	for _, ref := range refs {
		applied, err := s.refunds.ApplyHeld(ctx, ref)
		if err != nil {
			s.logger.ErrorContext(ctx, "Error applying held refunds", "paymentIntentId", ref, "error", err)
			continue
		}
		report.OrphansApplied += applied
	}

	s.logger.InfoContext(ctx, "Sweep finished",
		"scanned", report.Scanned,
		"processed", report.Processed,
		"failed", report.Failed,
		"skipped", report.Skipped,
		"malformed", report.Malformed,
		"orphansApplied", report.OrphansApplied)
	sweepSuccessCounter.Inc()

	return report, nil
}

func (s *Sweeper) replay(ctx context.Context, entity *db.WebhookEventEntity, report *Report) {
	eventCtx := logcontext.AppendCtx(ctx, slog.String("eventId", entity.ProviderEventID))

	evt, err := payload.Parse(entity.Payload)
	if err != nil {
		s.logger.ErrorContext(eventCtx, "Stored event cannot be parsed", "error", err)
		report.Malformed++
		sweepEventsMalformedCounter.Inc()
		return
	}

	if s.cfg.EventTimeoutMs > 0 {
		var cancel context.CancelFunc
		eventCtx, cancel = context.WithTimeout(eventCtx, s.cfg.EventTimeout())
		defer cancel()
	}

	out, err := s.processor.Reprocess(eventCtx, evt)
	switch {
	case errors.Is(err, ledger.ErrInFlight):
		report.Skipped++
		sweepEventsSkippedCounter.Inc()
	case err != nil:
		report.Failed++
		sweepEventsFailedCounter.Inc()
	case out.Duplicate:
		report.Skipped++
		sweepEventsSkippedCounter.Inc()
	default:
		report.Processed++
		sweepEventsProcessedCounter.Inc()
	}
}
