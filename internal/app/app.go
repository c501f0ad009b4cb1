// Package app wires storage, the processing pipeline and the notification
// backends together from configuration.
package app

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"payment-webhook-service/internal/config"
	"payment-webhook-service/internal/db"
	"payment-webhook-service/internal/event"
	"payment-webhook-service/internal/kafka"
	"payment-webhook-service/internal/ledger"
	"payment-webhook-service/internal/notify"
	"payment-webhook-service/internal/order"
	"payment-webhook-service/internal/refund"
	"payment-webhook-service/internal/signature"
	"payment-webhook-service/internal/sweep"
	"payment-webhook-service/internal/ticket"
	"payment-webhook-service/internal/webhook"

	"github.com/jackc/pgx/v5/pgxpool"
)

type App struct {
	Pool       *pgxpool.Pool
	Ledger     *ledger.Ledger
	Reconciler *order.Reconciler
	Tracker    *refund.Tracker
	Processor  *event.Processor
	Sweeper    *sweep.Sweeper
	Handler    http.Handler

	dispatcher *notify.Dispatcher
	closers    []func() error
}

// New connects to the database and builds the application. Close releases
// everything it opened.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	pool, err := db.GetPool(ctx, cfg.Database.ConnString())
	if err != nil {
		return nil, err
	}

	var (
		notifiers []notify.Notifier
		closers   []func() error
	)
	if cfg.Kafka.Broker.URL != "" {
		writer := kafka.NewWriter(cfg.Kafka)
		notifiers = append(notifiers, notify.NewKafkaNotifier(writer))
		closers = append(closers, writer.Close)
		logger.Info("Publishing order events to kafka", "topic", cfg.Kafka.Topic.OrderEvents)
	}
	if cfg.Notify.Sender.URL != "" {
		sender := notify.NewSender(time.Duration(cfg.Notify.Sender.TimeoutMs)*time.Millisecond, logger)
		notifiers = append(notifiers, notify.NewHTTPNotifier(sender, cfg.Notify.Sender.URL))
		logger.Info("Posting order events over http", "url", cfg.Notify.Sender.URL)
	}

	var publisher notify.Publisher = notify.Nop{}
	var dispatcher *notify.Dispatcher
	if len(notifiers) > 0 {
		dispatcher = notify.NewDispatcher(cfg.Notify.Parallelism, time.Duration(cfg.Notify.TimeoutMs)*time.Millisecond,
			logger, notifiers...)
		publisher = dispatcher
	}

	a := Wire(pool, cfg, publisher, logger)
	a.dispatcher = dispatcher
	a.closers = closers
	return a, nil
}

// Wire builds the pipeline on top of an open pool.
func Wire(pool *pgxpool.Pool, cfg *config.Config, publisher notify.Publisher, logger *slog.Logger) *App {
	txRunner := db.NewTxRunner(pool)
	events := db.NewWebhookEventRepository(pool)
	orders := db.NewOrderRepository(pool)
	tickets := db.NewTicketRepository(pool)
	refunds := db.NewRefundRepository(pool)
	orphans := db.NewOrphanRepository(pool)

	eventLedger := ledger.New(events, cfg.Webhook.StaleProcessing())
	issuer := ticket.NewIssuer(orders, tickets, logger)
	reconciler := order.NewReconciler(txRunner, orders, issuer, publisher, logger)
	tracker := refund.NewTracker(txRunner, orders, refunds, orphans, issuer, publisher, logger)
	router := event.NewRouter(reconciler, tracker, logger)
	processor := event.NewProcessor(eventLedger, router, logger)

	verifier := signature.NewVerifier(cfg.Webhook.SigningSecret, cfg.Webhook.Tolerance())
	handler := webhook.NewHandler(cfg.Webhook, verifier, processor, logger)

	return &App{
		Pool:       pool,
		Ledger:     eventLedger,
		Reconciler: reconciler,
		Tracker:    tracker,
		Processor:  processor,
		Sweeper:    sweep.NewSweeper(events, orphans, processor, tracker, cfg.Sweep, logger),
		Handler:    webhook.NewMux(handler, logger),
	}
}

// Close waits for in-flight notifications, then closes writers and the pool.
func (a *App) Close(logger *slog.Logger) {
	if a.dispatcher != nil {
		a.dispatcher.Wait()
	}
	for _, c := range a.closers {
		if err := c(); err != nil {
			logger.Error("Error closing resource", "error", err)
		}
	}
	a.Pool.Close()
}
