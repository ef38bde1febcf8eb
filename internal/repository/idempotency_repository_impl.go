package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jnst/ledger-core/internal/model"
)

// IdempotencyRepositoryImpl implements IdempotencyRepository using PostgreSQL.
type IdempotencyRepositoryImpl struct {
	pool *pgxpool.Pool
}

// NewIdempotencyRepositoryImpl creates a new IdempotencyRepository implementation.
func NewIdempotencyRepositoryImpl(pool *pgxpool.Pool) IdempotencyRepository {
	return &IdempotencyRepositoryImpl{pool: pool}
}

// Get returns the record for key or model.ErrNotFound.
func (r *IdempotencyRepositoryImpl) Get(
	ctx context.Context, tenantID, streamID, key string,
) (*model.IdempotencyRecord, error) {
	rec := model.IdempotencyRecord{TenantID: tenantID, StreamID: streamID, Key: key}
	err := conn(ctx, r.pool).QueryRow(ctx, `
		SELECT payload_hash, first_sequence, event_count, result_version, created_at
		FROM stream_idempotency
		WHERE tenant_id = $1 AND stream_id = $2 AND idempotency_key = $3`,
		tenantID, streamID, key,
	).Scan(&rec.PayloadHash, &rec.FirstSequence, &rec.EventCount, &rec.ResultVersion, &rec.CreatedAt)
	if isNoRows(err) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read idempotency record: %w", err)
	}
	rec.CreatedAt = rec.CreatedAt.UTC()

	return &rec, nil
}

// Save stores rec. An existing key yields model.ErrDuplicate.
func (r *IdempotencyRepositoryImpl) Save(ctx context.Context, rec *model.IdempotencyRecord) error {
	_, err := conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO stream_idempotency
			(tenant_id, stream_id, idempotency_key, payload_hash, first_sequence, event_count, result_version, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.TenantID, rec.StreamID, rec.Key, rec.PayloadHash, rec.FirstSequence, rec.EventCount, rec.ResultVersion, rec.CreatedAt,
	)
	if isUniqueViolation(err) {
		return model.ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("failed to save idempotency record: %w", err)
	}

	return nil
}
