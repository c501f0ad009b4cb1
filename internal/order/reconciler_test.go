package order

import (
	"context"
	"io"
	"log"
	"fmt"
	"log/slog"
	"sync"
	"testing"

	"payment-webhook-service/internal/db"
	"payment-webhook-service/internal/model"
	"payment-webhook-service/internal/payload"
	"payment-webhook-service/internal/testhelpers"
	"payment-webhook-service/internal/ticket"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type ReconcilerTestSuite struct {
	suite.Suite
	pgContainer *testhelpers.PostgresContainer
	pool        *pgxpool.Pool
	orders      *db.OrderRepository
	tickets     *db.TicketRepository
	publisher   *testhelpers.Publisher
	sut         *Reconciler
	ctx         context.Context
}

func (s *ReconcilerTestSuite) SetupSuite() {
	s.ctx = context.Background()
	pgContainer, pool, err := testhelpers.StartDatabase(s.ctx)
	if err != nil {
		log.Fatal(err)
	}
	s.pgContainer = pgContainer
	s.pool = pool

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s.orders = db.NewOrderRepository(pool)
	s.tickets = db.NewTicketRepository(pool)
	s.publisher = &testhelpers.Publisher{}
	issuer := ticket.NewIssuer(s.orders, s.tickets, logger)
	s.sut = NewReconciler(db.NewTxRunner(pool), s.orders, issuer, s.publisher, logger)
}

func (s *ReconcilerTestSuite) TearDownSuite() {
	s.pool.Close()

	if err := s.pgContainer.Terminate(s.ctx); err != nil {
		log.Fatalf("error terminating postgres container: %s", err)
	}
}

func (s *ReconcilerTestSuite) SetupTest() {
	if err := testhelpers.Truncate(s.ctx, s.pool); err != nil {
		log.Fatalf("error truncating tables: %s", err)
	}
	s.publisher.Reset()
}

func (s *ReconcilerTestSuite) checkout(eventID, session, pi string, selections string) Outcome {
	evt, err := payload.Parse(testhelpers.CheckoutCompleted(eventID, session, pi, 5000, selections))
	s.Require().NoError(err)
	out, err := s.sut.CheckoutCompleted(s.ctx, evt.(payload.CheckoutCompleted))
	s.Require().NoError(err)
	return out
}

func (s *ReconcilerTestSuite) intent(eventID, suffix, pi string) Outcome {
	evt, err := payload.Parse(testhelpers.PaymentIntent(eventID, suffix, pi, 5000))
	s.Require().NoError(err)
	out, err := s.sut.PaymentIntentUpdated(s.ctx, evt.(payload.PaymentIntentUpdated))
	s.Require().NoError(err)
	return out
}

func (s *ReconcilerTestSuite) ticketCount(out Outcome) int {
	tickets, err := s.tickets.SelectByOrderID(s.ctx, nil, out.OrderID)
	s.Require().NoError(err)
	return len(tickets)
}

func (s *ReconcilerTestSuite) TestCheckoutThenSuccess_IssuesTickets() {
	t := s.T()
	ga2 := testhelpers.Selections(map[string]int{"GA": 2})

	created := s.checkout("evt_1", "cs_1", "pi_1", ga2)
	assert.True(t, created.Created)
	assert.Equal(t, model.StatusPending, created.Status)
	assert.Zero(t, s.ticketCount(created))

	paid := s.intent("evt_2", "succeeded", "pi_1")
	assert.Equal(t, created.OrderID, paid.OrderID)
	assert.True(t, paid.Transitioned)
	assert.Equal(t, 2, paid.Tickets.Issued)
	assert.Equal(t, 2, s.ticketCount(paid))

	assert.Equal(t, []string{"->pending", "pending->succeeded"}, s.publisher.Transitions())
	assert.Equal(t, 2, s.publisher.Messages()[1].TicketsIssued)
}

func (s *ReconcilerTestSuite) TestSuccessBeforeCheckout_IssuesOnCheckout() {
	t := s.T()

	paid := s.intent("evt_1", "succeeded", "pi_2")
	assert.True(t, paid.Created)
	assert.Equal(t, model.StatusSucceeded, paid.Status)
	assert.Zero(t, s.ticketCount(paid))

	bound := s.checkout("evt_2", "cs_2", "pi_2", testhelpers.Selections(map[string]int{"VIP": 3}))
	assert.False(t, bound.Created)
	assert.Equal(t, paid.OrderID, bound.OrderID)
	assert.Equal(t, 3, bound.Tickets.Issued)
	assert.Equal(t, 3, s.ticketCount(bound))

	stored, err := s.orders.SelectByID(s.ctx, nil, paid.OrderID)
	require.NoError(t, err)
	assert.Equal(t, "cs_2", *stored.CheckoutSessionID)
	assert.True(t, stored.TicketsIssued)
}

func (s *ReconcilerTestSuite) TestLateProcessingAfterSucceeded_IsIgnored() {
	t := s.T()

	s.checkout("evt_1", "cs_3", "pi_3", testhelpers.Selections(map[string]int{"GA": 1}))
	s.intent("evt_2", "succeeded", "pi_3")
	late := s.intent("evt_3", "processing", "pi_3")

	assert.False(t, late.Transitioned)
	stored, err := s.orders.SelectByPaymentIntentID(s.ctx, nil, "pi_3")
	require.NoError(t, err)
	assert.Equal(t, string(model.StatusSucceeded), stored.Status)
	assert.Equal(t, 1, s.ticketCount(late))
}

func (s *ReconcilerTestSuite) TestFailedAfterSucceeded_IsIgnored() {
	t := s.T()

	s.intent("evt_1", "succeeded", "pi_4")
	failed := s.intent("evt_2", "payment_failed", "pi_4")

	assert.False(t, failed.Transitioned)
	assert.Equal(t, model.StatusSucceeded, failed.Status)
}

func (s *ReconcilerTestSuite) TestPaymentFailed_RecordsReason() {
	t := s.T()

	s.checkout("evt_1", "cs_5", "pi_5", "")
	raw := testhelpers.Event("evt_2", "payment_intent.payment_failed", map[string]any{
		"id":                 "pi_5",
		"amount":             5000,
		"currency":           "usd",
		"last_payment_error": map[string]any{"message": "card declined"},
	})
	evt, err := payload.Parse(raw)
	require.NoError(t, err)

	out, err := s.sut.PaymentIntentUpdated(s.ctx, evt.(payload.PaymentIntentUpdated))
	require.NoError(t, err)
	assert.True(t, out.Transitioned)

	stored, err := s.orders.SelectByID(s.ctx, nil, out.OrderID)
	require.NoError(t, err)
	assert.Equal(t, string(model.StatusFailed), stored.Status)
	require.NotNil(t, stored.FailureNote)
	assert.Equal(t, "card declined", *stored.FailureNote)

	// a failed order is never revived
	after := s.intent("evt_3", "succeeded", "pi_5")
	assert.False(t, after.Transitioned)
}

func (s *ReconcilerTestSuite) TestCheckoutWithoutIntent_MergedWhenIntentOrderExists() {
	t := s.T()

	early := s.checkout("evt_1", "cs_6", "", testhelpers.Selections(map[string]int{"GA": 2}))
	paid := s.intent("evt_2", "succeeded", "pi_6")
	assert.NotEqual(t, early.OrderID, paid.OrderID)

	merged := s.checkout("evt_3", "cs_6", "pi_6", "")
	assert.Equal(t, paid.OrderID, merged.OrderID)
	assert.Equal(t, 2, merged.Tickets.Issued)

	_, err := s.orders.SelectByID(s.ctx, nil, early.OrderID)
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func (s *ReconcilerTestSuite) TestCheckoutReplay_KeepsFirstSelections() {
	t := s.T()

	first := s.checkout("evt_1", "cs_7", "pi_7", testhelpers.Selections(map[string]int{"GA": 1}))
	second := s.checkout("evt_2", "cs_7", "pi_7", testhelpers.Selections(map[string]int{"GA": 5}))
	assert.Equal(t, first.OrderID, second.OrderID)

	stored, err := s.orders.SelectByID(s.ctx, nil, first.OrderID)
	require.NoError(t, err)
	selections, err := payload.ParseTicketSelections(stored.TicketSelections)
	require.NoError(t, err)
	assert.Equal(t, 1, selections.Units())
}

func (s *ReconcilerTestSuite) TestConflictingSessionIntentPair() {
	t := s.T()

	s.checkout("evt_1", "cs_8", "pi_8", "")
	evt, err := payload.Parse(testhelpers.CheckoutCompleted("evt_2", "cs_8", "pi_other", 5000, ""))
	require.NoError(t, err)

	_, err = s.sut.CheckoutCompleted(s.ctx, evt.(payload.CheckoutCompleted))
	assert.ErrorIs(t, err, ErrConflict)
}

func (s *ReconcilerTestSuite) TestOversoldOrderFails() {
	t := s.T()
	require.NoError(t, s.tickets.SetCapacity(s.ctx, nil, "VIP", 1))

	s.checkout("evt_1", "cs_9", "pi_9", testhelpers.Selections(map[string]int{"VIP": 2}))
	out := s.intent("evt_2", "succeeded", "pi_9")

	assert.True(t, out.Tickets.Oversold)
	assert.Equal(t, model.StatusFailed, out.Status)
	assert.Zero(t, s.ticketCount(out))
	assert.Equal(t, []string{"->pending", "pending->succeeded", "succeeded->failed"}, s.publisher.Transitions())
}

func (s *ReconcilerTestSuite) TestConcurrentCheckoutAndSuccess_OneOrderOneIssuance() {
	t := s.T()
	selections := testhelpers.Selections(map[string]int{"GA": 2})

	checkout, err := payload.Parse(testhelpers.CheckoutCompleted("evt_1", "cs_10", "pi_10", 5000, selections))
	require.NoError(t, err)
	success, err := payload.Parse(testhelpers.PaymentIntent("evt_2", "succeeded", "pi_10", 5000))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = s.sut.CheckoutCompleted(s.ctx, checkout.(payload.CheckoutCompleted))
		}()
		go func() {
			defer wg.Done()
			_, _ = s.sut.PaymentIntentUpdated(s.ctx, success.(payload.PaymentIntentUpdated))
		}()
	}
	wg.Wait()

	// a redelivery settles anything a lost race left behind
	out := s.checkout("evt_1", "cs_10", "pi_10", selections)

	var count int
	require.NoError(t, s.pool.QueryRow(s.ctx, `SELECT count(*) FROM orders`).Scan(&count))
	assert.Equal(t, 1, count)
	assert.Equal(t, 2, s.ticketCount(out))
}

func (s *ReconcilerTestSuite) TestConcurrentProcessingAndSucceeded_HigherRankWins() {
	t := s.T()

	for i := 0; i < 10; i++ {
		pi := fmt.Sprintf("pi_rank_%d", i)
		processing, err := payload.Parse(testhelpers.PaymentIntent("evt_p_"+pi, "processing", pi, 5000))
		require.NoError(t, err)
		succeeded, err := payload.Parse(testhelpers.PaymentIntent("evt_s_"+pi, "succeeded", pi, 5000))
		require.NoError(t, err)

		var wg sync.WaitGroup
		errs := make(chan error, 2)
		for _, evt := range []payload.Event{processing, succeeded} {
			wg.Add(1)
			go func(evt payload.PaymentIntentUpdated) {
				defer wg.Done()
				_, err := s.sut.PaymentIntentUpdated(s.ctx, evt)
				errs <- err
			}(evt.(payload.PaymentIntentUpdated))
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		stored, err := s.orders.SelectByPaymentIntentID(s.ctx, nil, pi)
		require.NoError(t, err)
		assert.Equal(t, string(model.StatusSucceeded), stored.Status, pi)
	}

	var count int
	require.NoError(t, s.pool.QueryRow(s.ctx, `SELECT count(*) FROM orders`).Scan(&count))
	assert.Equal(t, 10, count)
}

func (s *ReconcilerTestSuite) TestCheckoutRetriedWithNewIntent_CreatesNewOrder() {
	t := s.T()
	ga1 := testhelpers.Selections(map[string]int{"GA": 1})

	first := s.checkout("evt_1", "cs_11", "pi_11a", ga1)
	failed := s.intent("evt_2", "payment_failed", "pi_11a")
	assert.Equal(t, model.StatusFailed, failed.Status)

	retry := s.checkout("evt_3", "cs_11", "pi_11b", ga1)
	assert.True(t, retry.Created)
	assert.NotEqual(t, first.OrderID, retry.OrderID)
	assert.Equal(t, "pi_11b", retry.PaymentIntentID)

	// redelivery lands on the same new order
	again := s.checkout("evt_3", "cs_11", "pi_11b", ga1)
	assert.Equal(t, retry.OrderID, again.OrderID)
	assert.False(t, again.Created)

	paid := s.intent("evt_4", "succeeded", "pi_11b")
	assert.Equal(t, retry.OrderID, paid.OrderID)
	assert.Equal(t, 1, paid.Tickets.Issued)

	old, err := s.orders.SelectByID(s.ctx, nil, first.OrderID)
	require.NoError(t, err)
	assert.Equal(t, string(model.StatusFailed), old.Status)
	assert.Equal(t, "pi_11a", *old.PaymentIntentID)
}

func TestReconcilerTestSuite(t *testing.T) {
	suite.Run(t, new(ReconcilerTestSuite))
}
