package repository

import (
	"context"
	"errors"

	"github.com/cloo-solutions/lectern/internal/domain"
	"github.com/cloo-solutions/lectern/internal/pagination"
	"github.com/cloo-solutions/lectern/internal/service"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

const documentColumns = `id, course_id, filename, content_type, size_bytes, storage_key, status, error,
	failed_stage, page_count, text_content, created_at, updated_at`

type DocumentRepository struct {
	db dbtx
}

func NewDocumentRepository(pool *pgxpool.Pool) *DocumentRepository {
	return &DocumentRepository{db: pool}
}

func NewDocumentRepositoryWithTx(tx pgx.Tx) *DocumentRepository {
	return &DocumentRepository{db: tx}
}

func (r *DocumentRepository) Create(ctx context.Context, d *domain.Document) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO documents (`+documentColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		d.ID, d.CourseID, d.Filename, d.ContentType, d.SizeBytes, d.StorageKey, d.Status,
		nullableString(d.Error), nullableString(string(d.FailedStage)), d.PageCount, d.TextContent,
		d.CreatedAt, d.UpdatedAt,
	)
	return err
}

func (r *DocumentRepository) GetByID(ctx context.Context, id string) (*domain.Document, error) {
	if !isUUID(id) {
		return nil, domain.ErrDocumentNotFound
	}
	d, err := scanDocument(r.db.QueryRow(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE id = $1`,
		id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrDocumentNotFound
		}
		return nil, err
	}
	return d, nil
}

// GetMany returns the documents that exist among ids, in no particular order.
func (r *DocumentRepository) GetMany(ctx context.Context, ids []string) ([]*domain.Document, error) {
	ids = uuidsOnly(ids)
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := r.db.Query(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE id = ANY($1::uuid[])`,
		ids,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDocumentRows(rows)
}

func (r *DocumentRepository) ListByCourseWithCursor(ctx context.Context, courseID string, cursor *pagination.Cursor, limit int) (*service.DocumentPageResult, error) {
	if limit <= 0 {
		limit = 20
	}

	var rows pgx.Rows
	var err error

	if cursor != nil {
		rows, err = r.db.Query(ctx,
			`SELECT `+documentColumns+`
			 FROM documents
			 WHERE course_id = $1 AND (created_at, id) < ($2, $3)
			 ORDER BY created_at DESC, id DESC
			 LIMIT $4`,
			courseID, cursor.Timestamp, cursor.LastID, limit+1,
		)
	} else {
		rows, err = r.db.Query(ctx,
			`SELECT `+documentColumns+`
			 FROM documents
			 WHERE course_id = $1
			 ORDER BY created_at DESC, id DESC
			 LIMIT $2`,
			courseID, limit+1,
		)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items, err := scanDocumentRows(rows)
	if err != nil {
		return nil, err
	}

	hasMore := len(items) > limit
	if hasMore {
		items = items[:limit]
	}

	var nextCursor string
	if hasMore && len(items) > 0 {
		last := items[len(items)-1]
		nextCursor = pagination.EncodeCursor(last.ID, last.CreatedAt)
	}

	return &service.DocumentPageResult{
		Items:      items,
		NextCursor: nextCursor,
		HasMore:    hasMore,
	}, nil
}

// SaveOutcome writes a terminal status. The update is guarded on the stored
// status so a document can leave processing only once.
func (r *DocumentRepository) SaveOutcome(ctx context.Context, d *domain.Document) error {
	if !d.Status.IsTerminal() {
		return domain.ErrInvalidStatusTransition
	}
	cmdTag, err := r.db.Exec(ctx,
		`UPDATE documents
		 SET status = $1, error = $2, failed_stage = $3, page_count = $4, text_content = $5, updated_at = $6
		 WHERE id = $7 AND status = $8`,
		d.Status, nullableString(d.Error), nullableString(string(d.FailedStage)), d.PageCount, d.TextContent,
		d.UpdatedAt, d.ID, domain.DocumentStatusProcessing,
	)
	if err != nil {
		return err
	}
	if cmdTag.RowsAffected() == 0 {
		return domain.ErrDocumentDeleted
	}
	return nil
}

func (r *DocumentRepository) Delete(ctx context.Context, id string) error {
	if !isUUID(id) {
		return domain.ErrDocumentNotFound
	}
	cmdTag, err := r.db.Exec(ctx, `DELETE FROM documents WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if cmdTag.RowsAffected() == 0 {
		return domain.ErrDocumentNotFound
	}
	return nil
}

func scanDocument(row pgx.Row) (*domain.Document, error) {
	var d domain.Document
	var status string
	var errMsg, stage pgtype.Text
	if err := row.Scan(&d.ID, &d.CourseID, &d.Filename, &d.ContentType, &d.SizeBytes, &d.StorageKey, &status,
		&errMsg, &stage, &d.PageCount, &d.TextContent, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	parsed, err := domain.ParseDocumentStatus(status)
	if err != nil {
		return nil, err
	}
	d.Status = parsed
	if errMsg.Valid {
		d.Error = errMsg.String
	}
	if stage.Valid {
		d.FailedStage = domain.IngestionStage(stage.String)
	}
	return &d, nil
}

func scanDocumentRows(rows pgx.Rows) ([]*domain.Document, error) {
	var results []*domain.Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, d)
	}
	return results, rows.Err()
}
