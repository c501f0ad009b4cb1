package model

import (
	"math/rand/v2"
	"testing"

	"payment-webhook-service/internal/payload"

	"github.com/stretchr/testify/assert"
)

func TestRanksAreStrictlyIncreasing(t *testing.T) {
	chain := []OrderStatus{StatusPending, StatusProcessing, StatusSucceeded, StatusPartiallyRefunded, StatusRefunded}
	for i := 1; i < len(chain); i++ {
		assert.Greater(t, chain[i].Rank(), chain[i-1].Rank(), "%s should outrank %s", chain[i], chain[i-1])
	}
	assert.Equal(t, RankNone, OrderStatus("bogus").Rank())
	assert.False(t, OrderStatus("bogus").Valid())
}

func TestFailedGuard(t *testing.T) {
	assert.Equal(t, RankSucceeded, StatusFailed.Guard())
	assert.Greater(t, StatusFailed.Rank(), StatusRefunded.Rank())

	// failed applies from pending and processing only
	assert.Less(t, StatusPending.Rank(), StatusFailed.Guard())
	assert.Less(t, StatusProcessing.Rank(), StatusFailed.Guard())
	assert.False(t, StatusSucceeded.Rank() < StatusFailed.Guard())
}

// applyAll folds statuses through the same compare-and-set rule the
// repository uses.
func applyAll(statuses []OrderStatus) OrderStatus {
	current, rank := OrderStatus(""), RankNone
	for _, s := range statuses {
		if rank < s.Guard() {
			current, rank = s, s.Rank()
		}
	}
	return current
}

func TestMonotonicStatus_AnyDeliveryOrder(t *testing.T) {
	events := []OrderStatus{StatusPending, StatusProcessing, StatusSucceeded}
	for i := 0; i < 50; i++ {
		shuffled := append([]OrderStatus(nil), events...)
		rand.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		assert.Equal(t, StatusSucceeded, applyAll(shuffled), "order %v", shuffled)
	}
}

func TestLateProcessingAfterSucceeded(t *testing.T) {
	assert.Equal(t, StatusSucceeded, applyAll([]OrderStatus{StatusSucceeded, StatusProcessing}))
}

func TestFailedAfterSucceededIsDropped(t *testing.T) {
	assert.Equal(t, StatusSucceeded, applyAll([]OrderStatus{StatusSucceeded, StatusFailed}))
	assert.Equal(t, StatusFailed, applyAll([]OrderStatus{StatusProcessing, StatusFailed, StatusSucceeded}))
}

func TestFromIntent(t *testing.T) {
	assert.Equal(t, StatusPending, FromIntent(payload.IntentPending))
	assert.Equal(t, StatusProcessing, FromIntent(payload.IntentProcessing))
	assert.Equal(t, StatusSucceeded, FromIntent(payload.IntentSucceeded))
	assert.Equal(t, StatusFailed, FromIntent(payload.IntentFailed))
}

func TestRefundStatus(t *testing.T) {
	tests := []struct {
		name      string
		refunded  int64
		total     int64
		want      OrderStatus
		wantApply bool
	}{
		{name: "Nothing refunded", refunded: 0, total: 50},
		{name: "Partial", refunded: 20, total: 50, want: StatusPartiallyRefunded, wantApply: true},
		{name: "Exact", refunded: 50, total: 50, want: StatusRefunded, wantApply: true},
		{name: "Over", refunded: 60, total: 50, want: StatusRefunded, wantApply: true},
		{name: "Unknown total", refunded: 10, total: 0, want: StatusPartiallyRefunded, wantApply: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := RefundStatus(tt.refunded, tt.total)
			assert.Equal(t, tt.wantApply, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}
