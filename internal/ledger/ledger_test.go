package ledger

import (
	"context"
	"log"
	"testing"
	"time"

	"payment-webhook-service/internal/db"
	"payment-webhook-service/internal/payload"
	"payment-webhook-service/internal/testhelpers"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type LedgerTestSuite struct {
	suite.Suite
	pgContainer *testhelpers.PostgresContainer
	pool        *pgxpool.Pool
	repo        *db.WebhookEventRepository
	sut         *Ledger
	ctx         context.Context
}

func (s *LedgerTestSuite) SetupSuite() {
	s.ctx = context.Background()
	pgContainer, pool, err := testhelpers.StartDatabase(s.ctx)
	if err != nil {
		log.Fatal(err)
	}
	s.pgContainer = pgContainer
	s.pool = pool
	s.repo = db.NewWebhookEventRepository(pool)
}

func (s *LedgerTestSuite) TearDownSuite() {
	s.pool.Close()

	if err := s.pgContainer.Terminate(s.ctx); err != nil {
		log.Fatalf("error terminating postgres container: %s", err)
	}
}

func (s *LedgerTestSuite) SetupTest() {
	if err := testhelpers.Truncate(s.ctx, s.pool); err != nil {
		log.Fatalf("error truncating tables: %s", err)
	}
	s.sut = New(s.repo, time.Minute)
}

func meta(id string) payload.Meta {
	return payload.Meta{ID: id, Type: payload.TypePaymentIntentSuccess}
}

func (s *LedgerTestSuite) TestRecord_NewThenExisting() {
	t := s.T()
	raw := []byte(`{"id":"evt_1"}`)

	entry, err := s.sut.Record(s.ctx, meta("evt_1"), raw)
	require.NoError(t, err)
	assert.True(t, entry.IsNew)
	assert.Equal(t, db.EventStatusReceived, entry.Status)

	entry, err = s.sut.Record(s.ctx, meta("evt_1"), raw)
	require.NoError(t, err)
	assert.False(t, entry.IsNew)
	assert.False(t, entry.Processed())
}

func (s *LedgerTestSuite) TestLifecycle() {
	t := s.T()

	_, err := s.sut.Record(s.ctx, meta("evt_2"), []byte(`{}`))
	require.NoError(t, err)

	require.NoError(t, s.sut.Begin(s.ctx, "evt_2"))
	assert.ErrorIs(t, s.sut.Begin(s.ctx, "evt_2"), ErrInFlight)

	require.NoError(t, s.sut.Complete(s.ctx, "evt_2"))
	assert.ErrorIs(t, s.sut.Begin(s.ctx, "evt_2"), ErrAlreadyProcessed)

	entry, err := s.sut.Record(s.ctx, meta("evt_2"), []byte(`{}`))
	require.NoError(t, err)
	assert.True(t, entry.Processed())
	assert.Equal(t, 1, entry.Attempts)
}

func (s *LedgerTestSuite) TestFailedEventIsRetried() {
	t := s.T()

	_, err := s.sut.Record(s.ctx, meta("evt_3"), []byte(`{}`))
	require.NoError(t, err)
	require.NoError(t, s.sut.Begin(s.ctx, "evt_3"))
	require.NoError(t, s.sut.Fail(s.ctx, "evt_3", "handler failed"))

	entry, err := s.sut.Record(s.ctx, meta("evt_3"), []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, db.EventStatusFailed, entry.Status)

	require.NoError(t, s.sut.Begin(s.ctx, "evt_3"))
	require.NoError(t, s.sut.Complete(s.ctx, "evt_3"))
}

func (s *LedgerTestSuite) TestStaleProcessingIsReclaimed() {
	t := s.T()

	_, err := s.sut.Record(s.ctx, meta("evt_4"), []byte(`{}`))
	require.NoError(t, err)
	require.NoError(t, s.sut.Begin(s.ctx, "evt_4"))

	s.sut.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	require.NoError(t, s.sut.Begin(s.ctx, "evt_4"))
}

func (s *LedgerTestSuite) TestRecordKeepsFirstPayload() {
	t := s.T()

	_, err := s.sut.Record(s.ctx, meta("evt_5"), []byte(`{"v":1}`))
	require.NoError(t, err)
	_, err = s.sut.Record(s.ctx, meta("evt_5"), []byte(`{"v":2}`))
	require.NoError(t, err)

	entity, err := s.repo.SelectByProviderEventID(s.ctx, "evt_5")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":1}`, string(entity.Payload))
}

func (s *LedgerTestSuite) TestRecordStoresBodyByteForByte() {
	t := s.T()
	// jsonb rejects \u0000 and would reorder keys and drop the spacing
	raw := []byte(`{"id":"evt_6", "data":{"object":{"description":"a\u0000b"}},"type":"payment_intent.succeeded"}`)

	entry, err := s.sut.Record(s.ctx, meta("evt_6"), raw)
	require.NoError(t, err)
	assert.True(t, entry.IsNew)

	entity, err := s.repo.SelectByProviderEventID(s.ctx, "evt_6")
	require.NoError(t, err)
	assert.Equal(t, raw, entity.Payload)
}

func TestLedgerTestSuite(t *testing.T) {
	suite.Run(t, new(LedgerTestSuite))
}
