// Package model holds the order status lattice shared by the reconciler,
// the ticket issuer and the refund tracker.
package model

import "payment-webhook-service/internal/payload"

type OrderStatus string

const (
	StatusPending           OrderStatus = "pending"
	StatusProcessing        OrderStatus = "processing"
	StatusSucceeded         OrderStatus = "succeeded"
	StatusPartiallyRefunded OrderStatus = "partially_refunded"
	StatusRefunded          OrderStatus = "refunded"
	StatusFailed            OrderStatus = "failed"
)

// Ranks order the statuses. A status update applies only if it raises the
// rank, so late or replayed events can never move an order backwards.
const (
	RankNone              = 0
	RankPending           = 1
	RankProcessing        = 2
	RankSucceeded         = 3
	RankPartiallyRefunded = 4
	RankRefunded          = 5
	// RankFailed sits above every other rank: nothing moves a failed order.
	RankFailed = 99
)

func (s OrderStatus) Rank() int {
	switch s {
	case StatusPending:
		return RankPending
	case StatusProcessing:
		return RankProcessing
	case StatusSucceeded:
		return RankSucceeded
	case StatusPartiallyRefunded:
		return RankPartiallyRefunded
	case StatusRefunded:
		return RankRefunded
	case StatusFailed:
		return RankFailed
	default:
		return RankNone
	}
}

// Guard is the exclusive upper bound the stored rank must be under for a
// move to s to apply. Failure is only reachable before the payment succeeded.
func (s OrderStatus) Guard() int {
	if s == StatusFailed {
		return RankSucceeded
	}
	return s.Rank()
}

func (s OrderStatus) Valid() bool {
	return s.Rank() != RankNone
}

// Paid reports whether tickets may exist for an order in this status.
func (s OrderStatus) Paid() bool {
	return s == StatusSucceeded || s == StatusPartiallyRefunded
}

// IssuableStatuses are the statuses in which tickets may be issued.
func IssuableStatuses() []string {
	return []string{string(StatusSucceeded), string(StatusPartiallyRefunded)}
}

func FromIntent(s payload.IntentStatus) OrderStatus {
	switch s {
	case payload.IntentProcessing:
		return StatusProcessing
	case payload.IntentSucceeded:
		return StatusSucceeded
	case payload.IntentFailed:
		return StatusFailed
	default:
		return StatusPending
	}
}

// RefundStatus is the status implied by refunded out of total. A total of
// zero means the charged amount is still unknown, so nothing is considered
// fully refunded yet.
func RefundStatus(refunded, total int64) (OrderStatus, bool) {
	switch {
	case refunded <= 0:
		return "", false
	case total > 0 && refunded >= total:
		return StatusRefunded, true
	default:
		return StatusPartiallyRefunded, true
	}
}
