package repository

import (
	"context"
	"errors"
	"time"

	"github.com/cloo-solutions/lectern/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

const ingestionJobColumns = `id, document_id, status, error, created_at, started_at, processed_at`

type IngestionJobRepository struct {
	db dbtx
}

func NewIngestionJobRepository(pool *pgxpool.Pool) *IngestionJobRepository {
	return &IngestionJobRepository{db: pool}
}

func NewIngestionJobRepositoryWithTx(tx pgx.Tx) *IngestionJobRepository {
	return &IngestionJobRepository{db: tx}
}

func (r *IngestionJobRepository) Create(ctx context.Context, job *domain.IngestionJob) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO ingestion_jobs (`+ingestionJobColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		job.ID, job.DocumentID, job.Status, nullableString(job.Error), job.CreatedAt, job.StartedAt, job.ProcessedAt,
	)
	return err
}

func (r *IngestionJobRepository) GetByID(ctx context.Context, id string) (*domain.IngestionJob, error) {
	if !isUUID(id) {
		return nil, domain.ErrIngestionJobNotFound
	}
	job, err := scanIngestionJob(r.db.QueryRow(ctx,
		`SELECT `+ingestionJobColumns+` FROM ingestion_jobs WHERE id = $1`,
		id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrIngestionJobNotFound
		}
		return nil, err
	}
	return job, nil
}

// GetByDocumentID returns the most recent job of a document.
func (r *IngestionJobRepository) GetByDocumentID(ctx context.Context, documentID string) (*domain.IngestionJob, error) {
	if !isUUID(documentID) {
		return nil, domain.ErrIngestionJobNotFound
	}
	job, err := scanIngestionJob(r.db.QueryRow(ctx,
		`SELECT `+ingestionJobColumns+`
		 FROM ingestion_jobs
		 WHERE document_id = $1
		 ORDER BY created_at DESC
		 LIMIT 1`,
		documentID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrIngestionJobNotFound
		}
		return nil, err
	}
	return job, nil
}

// ClaimPending moves up to limit pending jobs to processing. Concurrent
// workers never claim the same job.
func (r *IngestionJobRepository) ClaimPending(ctx context.Context, limit int) ([]*domain.IngestionJob, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := r.db.Query(ctx,
		`WITH cte AS (
			 SELECT id
			 FROM ingestion_jobs
			 WHERE status = $1
			 ORDER BY created_at ASC
			 FOR UPDATE SKIP LOCKED
			 LIMIT $2
		 )
		 UPDATE ingestion_jobs
		 SET status = $3,
		     error = NULL,
		     started_at = now(),
		     processed_at = NULL
		 FROM cte
		 WHERE ingestion_jobs.id = cte.id
		 RETURNING ingestion_jobs.id, ingestion_jobs.document_id, ingestion_jobs.status, ingestion_jobs.error,
		           ingestion_jobs.created_at, ingestion_jobs.started_at, ingestion_jobs.processed_at`,
		domain.IngestionJobStatusPending, limit, domain.IngestionJobStatusProcessing,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanIngestionJobRows(rows)
}

func (r *IngestionJobRepository) UpdateStatus(ctx context.Context, id string, status domain.IngestionJobStatus, errMsg string) error {
	var processedAt *time.Time
	if status == domain.IngestionJobStatusCompleted || status == domain.IngestionJobStatusFailed {
		now := time.Now().UTC()
		processedAt = &now
	}

	cmdTag, err := r.db.Exec(ctx,
		`UPDATE ingestion_jobs SET status = $1, error = $2, processed_at = $3 WHERE id = $4`,
		status, nullableString(errMsg), processedAt, id,
	)
	if err != nil {
		return err
	}
	if cmdTag.RowsAffected() == 0 {
		return domain.ErrIngestionJobNotFound
	}
	return nil
}

// FailStale fails jobs that have been processing for longer than olderThan
// and returns them so their documents can be rolled back.
func (r *IngestionJobRepository) FailStale(ctx context.Context, olderThan time.Duration, reason string) ([]*domain.IngestionJob, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	rows, err := r.db.Query(ctx,
		`UPDATE ingestion_jobs
		 SET status = $1, error = $2, processed_at = now()
		 WHERE status = $3 AND started_at < $4
		 RETURNING `+ingestionJobColumns,
		domain.IngestionJobStatusFailed, reason, domain.IngestionJobStatusProcessing, cutoff,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanIngestionJobRows(rows)
}

func scanIngestionJob(row pgx.Row) (*domain.IngestionJob, error) {
	var job domain.IngestionJob
	var errMsg pgtype.Text
	if err := row.Scan(&job.ID, &job.DocumentID, &job.Status, &errMsg, &job.CreatedAt, &job.StartedAt, &job.ProcessedAt); err != nil {
		return nil, err
	}
	if errMsg.Valid {
		job.Error = errMsg.String
	}
	return &job, nil
}

func scanIngestionJobRows(rows pgx.Rows) ([]*domain.IngestionJob, error) {
	var jobs []*domain.IngestionJob
	for rows.Next() {
		job, err := scanIngestionJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}
