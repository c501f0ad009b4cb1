// Package notify fans order status changes out to downstream consumers.
// Delivery is best effort and never feeds back into webhook processing.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"payment-webhook-service/internal/logcontext"
	"payment-webhook-service/internal/message"

	"github.com/VictoriaMetrics/metrics"
)

var (
	notifySentCounter    = metrics.GetOrCreateCounter(`order_notifications_total{result="sent"}`)
	notifyFailedCounter  = metrics.GetOrCreateCounter(`order_notifications_total{result="failed"}`)
	notifyDroppedCounter = metrics.GetOrCreateCounter(`order_notifications_total{result="dropped"}`)
)

// Publisher accepts status changes after they are committed.
type Publisher interface {
	Publish(ctx context.Context, msg message.OrderStatusChanged)
}

type Notifier interface {
	Notify(ctx context.Context, msg message.OrderStatusChanged) error
}

// Dispatcher runs every notifier in its own goroutine, at most parallelism at
// a time. Publish never blocks: when all slots are taken the message is
// dropped and counted.
type Dispatcher struct {
	notifiers []Notifier
	sem       chan struct{}
	timeout   time.Duration
	logger    *slog.Logger
	wg        sync.WaitGroup
}

func NewDispatcher(parallelism int, timeout time.Duration, logger *slog.Logger, notifiers ...Notifier) *Dispatcher {
	if parallelism <= 0 {
		parallelism = 1
	}
	return &Dispatcher{
		notifiers: notifiers,
		sem:       make(chan struct{}, parallelism),
		timeout:   timeout,
		logger:    logger,
	}
}

func (d *Dispatcher) Publish(ctx context.Context, msg message.OrderStatusChanged) {
	// detach from the request so a finished response does not cancel delivery
	ctx = context.WithoutCancel(ctx)
	ctx = logcontext.AppendCtx(ctx, slog.String("notificationId", msg.ID.String()))

	for _, n := range d.notifiers {
		select {
		case d.sem <- struct{}{}:
		default:
			d.logger.WarnContext(ctx, "Notification dropped, dispatcher saturated", "orderId", msg.OrderID)
			notifyDroppedCounter.Inc()
			continue
		}

		d.wg.Add(1)
		go func(n Notifier) {
			defer d.wg.Done()
			defer func() { <-d.sem }()

			sendCtx, cancel := context.WithTimeout(ctx, d.timeout)
			defer cancel()

			if err := n.Notify(sendCtx, msg); err != nil {
				d.logger.ErrorContext(sendCtx, "Error sending notification", "orderId", msg.OrderID, "error", err)
				notifyFailedCounter.Inc()
				return
			}
			notifySentCounter.Inc()
		}(n)
	}
}

// Wait blocks until every in-flight notification finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Nop discards notifications.
type Nop struct{}

func (Nop) Publish(context.Context, message.OrderStatusChanged) {}
