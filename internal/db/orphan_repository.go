package db

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pkgerrors "github.com/pkg/errors"
)

const OrphanKindRefund = "refund"

type OrphanRepository struct {
	pool *pgxpool.Pool
}

func NewOrphanRepository(pool *pgxpool.Pool) *OrphanRepository {
	return &OrphanRepository{pool: pool}
}

func (r *OrphanRepository) InsertIfAbsent(ctx context.Context, q DBTX, entity *OrphanEventEntity) (bool, error) {
	if entity.ID == uuid.Nil {
		entity.ID = uuid.New()
	}
	query := `INSERT INTO orphan_event (id, kind, reference_key, dedupe_key, provider_event_id, payload, created_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7)
	          ON CONFLICT (kind, dedupe_key) DO NOTHING
	          RETURNING id`

	err := q.QueryRow(ctx, query, entity.ID, entity.Kind, entity.ReferenceKey, entity.DedupeKey,
		entity.ProviderEventID, entity.Payload, entity.CreatedAt).Scan(&entity.ID)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, pkgerrors.Wrapf(err, "hold orphan %s/%s", entity.Kind, entity.DedupeKey)
	}
	return true, nil
}

// SelectPendingForUpdate locks the unapplied orphans of one reference so two
// transactions cannot apply the same held effect concurrently.
func (r *OrphanRepository) SelectPendingForUpdate(ctx context.Context, q DBTX, kind, referenceKey string) ([]*OrphanEventEntity, error) {
	query := `SELECT id, kind, reference_key, dedupe_key, provider_event_id, payload, created_at, applied_at
	          FROM orphan_event
	          WHERE kind = $1 AND reference_key = $2 AND applied_at IS NULL
	          ORDER BY created_at
	          FOR UPDATE SKIP LOCKED`

	return r.query(ctx, q, query, kind, referenceKey)
}

func (r *OrphanRepository) SelectByReference(ctx context.Context, q DBTX, kind, referenceKey string) ([]*OrphanEventEntity, error) {
	if q == nil {
		q = r.pool
	}
	query := `SELECT id, kind, reference_key, dedupe_key, provider_event_id, payload, created_at, applied_at
	          FROM orphan_event
	          WHERE kind = $1 AND reference_key = $2
	          ORDER BY created_at`

	return r.query(ctx, q, query, kind, referenceKey)
}

func (r *OrphanRepository) MarkApplied(ctx context.Context, q DBTX, id uuid.UUID) error {
	_, err := q.Exec(ctx, `UPDATE orphan_event SET applied_at = now() WHERE id = $1 AND applied_at IS NULL`, id)
	return pkgerrors.Wrapf(err, "mark orphan %s applied", id)
}

// SelectResolvableReferences lists payment intents that have pending refund
// orphans and an order to apply them to.
func (r *OrphanRepository) SelectResolvableReferences(ctx context.Context, limit int) ([]string, error) {
	query := `SELECT DISTINCT o.reference_key
	          FROM orphan_event o
	          JOIN orders ord ON ord.payment_intent_id = o.reference_key
	          WHERE o.kind = $1 AND o.applied_at IS NULL
	          LIMIT $2`

	rows, err := r.pool.Query(ctx, query, OrphanKindRefund, limit)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "select resolvable orphans")
	}
	defer rows.Close()

	var refs []string
	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

func (r *OrphanRepository) query(ctx context.Context, q DBTX, query string, args ...any) ([]*OrphanEventEntity, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "select orphans")
	}
	defer rows.Close()

	var entities []*OrphanEventEntity
	for rows.Next() {
		var e OrphanEventEntity
		if err := rows.Scan(&e.ID, &e.Kind, &e.ReferenceKey, &e.DedupeKey, &e.ProviderEventID, &e.Payload,
			&e.CreatedAt, &e.AppliedAt); err != nil {
			return nil, err
		}
		entities = append(entities, &e)
	}
	return entities, rows.Err()
}
