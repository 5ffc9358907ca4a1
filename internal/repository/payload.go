package repository

import (
	"context"
	"errors"

	"github.com/cloo-solutions/lectern/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PayloadRepository keeps raw uploads in Postgres. It backs the blob store
// when no object storage is configured.
type PayloadRepository struct {
	db dbtx
}

func NewPayloadRepository(pool *pgxpool.Pool) *PayloadRepository {
	return &PayloadRepository{db: pool}
}

func (r *PayloadRepository) Put(ctx context.Context, key string, data []byte, _ string) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO document_payloads (storage_key, data) VALUES ($1, $2)
		 ON CONFLICT (storage_key) DO UPDATE SET data = EXCLUDED.data`,
		key, data,
	)
	return err
}

func (r *PayloadRepository) Get(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := r.db.QueryRow(ctx, `SELECT data FROM document_payloads WHERE storage_key = $1`, key).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrPayloadNotFound
		}
		return nil, err
	}
	return data, nil
}

func (r *PayloadRepository) Delete(ctx context.Context, key string) error {
	cmdTag, err := r.db.Exec(ctx, `DELETE FROM document_payloads WHERE storage_key = $1`, key)
	if err != nil {
		return err
	}
	if cmdTag.RowsAffected() == 0 {
		return domain.ErrPayloadNotFound
	}
	return nil
}
