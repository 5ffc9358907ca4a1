package repository

import (
	"context"
	"time"

	"github.com/cloo-solutions/lectern/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

// ChunkRepository stores chunk embeddings in pgvector.
type ChunkRepository struct {
	db dbtx
}

func NewChunkRepository(pool *pgxpool.Pool) *ChunkRepository {
	return &ChunkRepository{db: pool}
}

func NewChunkRepositoryWithTx(tx pgx.Tx) *ChunkRepository {
	return &ChunkRepository{db: tx}
}

// InsertMany writes all chunks in one batch. Inserting for a document that
// no longer exists fails on the foreign key.
func (r *ChunkRepository) InsertMany(ctx context.Context, chunks []domain.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, c := range chunks {
		createdAt := c.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		batch.Queue(
			`INSERT INTO chunks (id, document_id, chunk_index, page_number, text, embedding, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			c.ID, c.DocumentID, c.ChunkIndex, c.PageNumber, c.Text, pgvector.NewVector(c.Embedding), createdAt,
		)
	}

	results := r.db.SendBatch(ctx, batch)
	for range chunks {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			return err
		}
	}
	return results.Close()
}

// Search ranks the chunks of documentIDs by cosine similarity. Score is
// 1/(1+distance), so higher is more similar.
func (r *ChunkRepository) Search(ctx context.Context, embedding []float32, documentIDs []string, topK int) ([]domain.ScoredChunk, error) {
	documentIDs = uuidsOnly(documentIDs)
	if len(documentIDs) == 0 {
		return nil, nil
	}
	if topK <= 0 {
		topK = 3
	}

	rows, err := r.db.Query(ctx,
		`SELECT id, document_id, chunk_index, page_number, text, created_at,
		        1.0 / (1.0 + (embedding <=> $1)) AS score
		 FROM chunks
		 WHERE document_id = ANY($2::uuid[])
		 ORDER BY score DESC, id
		 LIMIT $3`,
		pgvector.NewVector(embedding), documentIDs, topK,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []domain.ScoredChunk
	for rows.Next() {
		var sc domain.ScoredChunk
		if err := rows.Scan(&sc.ID, &sc.DocumentID, &sc.ChunkIndex, &sc.PageNumber, &sc.Text, &sc.CreatedAt, &sc.Score); err != nil {
			return nil, err
		}
		results = append(results, sc)
	}
	return results, rows.Err()
}

func (r *ChunkRepository) ListByDocument(ctx context.Context, documentID string) ([]domain.Chunk, error) {
	if !isUUID(documentID) {
		return nil, nil
	}
	rows, err := r.db.Query(ctx,
		`SELECT id, document_id, chunk_index, page_number, text, embedding, created_at
		 FROM chunks
		 WHERE document_id = $1
		 ORDER BY chunk_index`,
		documentID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []domain.Chunk
	for rows.Next() {
		var c domain.Chunk
		var vec pgvector.Vector
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.ChunkIndex, &c.PageNumber, &c.Text, &vec, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.Embedding = vec.Slice()
		results = append(results, c)
	}
	return results, rows.Err()
}

func (r *ChunkRepository) DeleteByDocument(ctx context.Context, documentID string) (int64, error) {
	if !isUUID(documentID) {
		return 0, nil
	}
	cmdTag, err := r.db.Exec(ctx, `DELETE FROM chunks WHERE document_id = $1`, documentID)
	if err != nil {
		return 0, err
	}
	return cmdTag.RowsAffected(), nil
}

// CountByDocument returns how many chunks a document has.
func (r *ChunkRepository) CountByDocument(ctx context.Context, documentID string) (int, error) {
	var n int
	if !isUUID(documentID) {
		return 0, nil
	}
	err := r.db.QueryRow(ctx, `SELECT count(*) FROM chunks WHERE document_id = $1`, documentID).Scan(&n)
	return n, err
}
