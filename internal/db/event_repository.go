package db

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pkgerrors "github.com/pkg/errors"
)

const (
	EventStatusReceived   = "received"
	EventStatusProcessing = "processing"
	EventStatusProcessed  = "processed"
	EventStatusFailed     = "failed"
)

const webhookEventColumns = `id, provider_event_id, event_type, status, payload, failure_reason, attempts,
	received_at, updated_at, processed_at`

type WebhookEventRepository struct {
	pool *pgxpool.Pool
}

func NewWebhookEventRepository(pool *pgxpool.Pool) *WebhookEventRepository {
	return &WebhookEventRepository{pool: pool}
}

// InsertIfAbsent stores a received row unless one already exists for the
// provider event id. The conflict check and the insert are one statement.
func (r *WebhookEventRepository) InsertIfAbsent(ctx context.Context, entity *WebhookEventEntity) (bool, error) {
	if entity.ID == uuid.Nil {
		entity.ID = uuid.New()
	}
	query := `INSERT INTO webhook_event (id, provider_event_id, event_type, status, payload, received_at, updated_at)
	          VALUES ($1, $2, $3, 'received', $4, $5, $5)
	          ON CONFLICT (provider_event_id) DO NOTHING
	          RETURNING id`

	err := r.pool.QueryRow(ctx, query, entity.ID, entity.ProviderEventID, entity.EventType, entity.Payload,
		entity.ReceivedAt).Scan(&entity.ID)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, pkgerrors.Wrapf(err, "insert webhook event %s", entity.ProviderEventID)
	}
	entity.Status = EventStatusReceived
	return true, nil
}

func (r *WebhookEventRepository) SelectByProviderEventID(ctx context.Context, providerEventID string) (*WebhookEventEntity, error) {
	query := `SELECT ` + webhookEventColumns + ` FROM webhook_event WHERE provider_event_id = $1`
	entity, err := scanWebhookEvent(r.pool.QueryRow(ctx, query, providerEventID))
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "select webhook event %s", providerEventID)
	}
	return entity, nil
}

// TransitionToProcessing claims the row for one worker. Rows in received or
// failed are claimable; a processing row is claimable once its last update is
// older than staleBefore, which covers workers that died mid-flight.
func (r *WebhookEventRepository) TransitionToProcessing(ctx context.Context, providerEventID string, staleBefore time.Time) (bool, error) {
	query := `UPDATE webhook_event
	          SET status = 'processing', attempts = attempts + 1, updated_at = now()
	          WHERE provider_event_id = $1
	            AND (status IN ('received', 'failed') OR (status = 'processing' AND updated_at < $2))
	          RETURNING id`

	var id uuid.UUID
	err := r.pool.QueryRow(ctx, query, providerEventID, staleBefore).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, pkgerrors.Wrapf(err, "claim webhook event %s", providerEventID)
	}
	return true, nil
}

func (r *WebhookEventRepository) MarkProcessed(ctx context.Context, providerEventID string) error {
	query := `UPDATE webhook_event
	          SET status = 'processed', failure_reason = NULL, processed_at = now(), updated_at = now()
	          WHERE provider_event_id = $1 AND status = 'processing'`

	tag, err := r.pool.Exec(ctx, query, providerEventID)
	if err != nil {
		return pkgerrors.Wrapf(err, "mark webhook event %s processed", providerEventID)
	}
	if tag.RowsAffected() == 0 {
		return pkgerrors.Wrapf(ErrNotFound, "webhook event %s is not processing", providerEventID)
	}
	return nil
}

func (r *WebhookEventRepository) MarkFailed(ctx context.Context, providerEventID, reason string) error {
	query := `UPDATE webhook_event
	          SET status = 'failed', failure_reason = $2, updated_at = now()
	          WHERE provider_event_id = $1 AND status = 'processing'`

	tag, err := r.pool.Exec(ctx, query, providerEventID, reason)
	if err != nil {
		return pkgerrors.Wrapf(err, "mark webhook event %s failed", providerEventID)
	}
	if tag.RowsAffected() == 0 {
		return pkgerrors.Wrapf(ErrNotFound, "webhook event %s is not processing", providerEventID)
	}
	return nil
}

// SelectUnfinished returns rows that never reached processed and have not been
// touched since updatedBefore, oldest first.
func (r *WebhookEventRepository) SelectUnfinished(ctx context.Context, updatedBefore time.Time, limit int) ([]*WebhookEventEntity, error) {
	query := `SELECT ` + webhookEventColumns + `
	          FROM webhook_event
	          WHERE status <> 'processed' AND updated_at < $1
	          ORDER BY received_at
	          LIMIT $2`

	rows, err := r.pool.Query(ctx, query, updatedBefore, limit)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "select unfinished webhook events")
	}
	defer rows.Close()

	var entities []*WebhookEventEntity
	for rows.Next() {
		entity, err := scanWebhookEvent(rows)
		if err != nil {
			return nil, err
		}
		entities = append(entities, entity)
	}
	return entities, rows.Err()
}

func (r *WebhookEventRepository) CountByProviderEventID(ctx context.Context, providerEventID string) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `SELECT count(*) FROM webhook_event WHERE provider_event_id = $1`, providerEventID).Scan(&n)
	return n, err
}

func scanWebhookEvent(row pgx.Row) (*WebhookEventEntity, error) {
	var e WebhookEventEntity
	err := row.Scan(&e.ID, &e.ProviderEventID, &e.EventType, &e.Status, &e.Payload, &e.FailureReason, &e.Attempts,
		&e.ReceivedAt, &e.UpdatedAt, &e.ProcessedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}
