// Package memstore is an in-memory implementation of the service
// repositories. It mirrors the Postgres behaviour that the pipeline relies
// on: guarded status updates, cascading deletes, foreign keys on chunks and
// transactional rollback.
package memstore

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/cloo-solutions/lectern/internal/domain"
	"github.com/cloo-solutions/lectern/internal/pagination"
	"github.com/cloo-solutions/lectern/internal/service"
)

var (
	_ service.DocumentRepositoryInterface     = (*Documents)(nil)
	_ service.ChunkStore                      = (*Chunks)(nil)
	_ service.IngestionJobRepositoryInterface = (*Jobs)(nil)
	_ service.BlobStore                       = (*Blobs)(nil)
	_ service.TxRunner                        = (*Store)(nil)
)

// Store holds every table. The zero value is not usable; call New.
type Store struct {
	mu     sync.Mutex
	docs   map[string]domain.Document
	chunks map[string][]domain.Chunk
	jobs   map[string]domain.IngestionJob
	blobs  map[string][]byte
}

func New() *Store {
	return &Store{
		docs:   make(map[string]domain.Document),
		chunks: make(map[string][]domain.Chunk),
		jobs:   make(map[string]domain.IngestionJob),
		blobs:  make(map[string][]byte),
	}
}

// view is a handle on the store. Views created by WithTx run while the
// transaction already holds the lock.
type view struct {
	s    *Store
	inTx bool
}

func (v view) lock() func() {
	if v.inTx {
		return func() {}
	}
	v.s.mu.Lock()
	return v.s.mu.Unlock
}

func (s *Store) Documents() *Documents { return &Documents{view{s: s}} }

func (s *Store) Chunks() *Chunks { return &Chunks{view{s: s}} }

func (s *Store) Jobs() *Jobs { return &Jobs{view{s: s}} }

func (s *Store) Blobs() *Blobs { return &Blobs{view{s: s}} }

// WithTx runs fn with exclusive access. Every change fn made is undone when
// it returns an error.
func (s *Store) WithTx(ctx context.Context, fn func(repos service.TxRepositories) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.clone()
	if err := fn(txRepos{view{s: s, inTx: true}}); err != nil {
		s.docs, s.chunks, s.jobs, s.blobs = snapshot.docs, snapshot.chunks, snapshot.jobs, snapshot.blobs
		return err
	}
	return nil
}

func (s *Store) clone() *Store {
	c := New()
	for k, v := range s.docs {
		c.docs[k] = v
	}
	for k, v := range s.chunks {
		c.chunks[k] = append([]domain.Chunk(nil), v...)
	}
	for k, v := range s.jobs {
		c.jobs[k] = v
	}
	for k, v := range s.blobs {
		c.blobs[k] = v
	}
	return c
}

type txRepos struct{ v view }

func (t txRepos) Documents() service.DocumentRepositoryInterface { return &Documents{t.v} }

func (t txRepos) Chunks() service.ChunkStore { return &Chunks{t.v} }

func (t txRepos) IngestionJobs() service.IngestionJobRepositoryInterface { return &Jobs{t.v} }

// Documents implements service.DocumentRepositoryInterface.
type Documents struct{ view }

func (d *Documents) Create(_ context.Context, doc *domain.Document) error {
	defer d.lock()()
	if _, ok := d.s.docs[doc.ID]; ok {
		return domain.NewDomainError(domain.ErrCodeAlreadyExists, "document already exists")
	}
	d.s.docs[doc.ID] = *doc
	return nil
}

func (d *Documents) GetByID(_ context.Context, id string) (*domain.Document, error) {
	defer d.lock()()
	doc, ok := d.s.docs[id]
	if !ok {
		return nil, domain.ErrDocumentNotFound
	}
	return &doc, nil
}

func (d *Documents) GetMany(_ context.Context, ids []string) ([]*domain.Document, error) {
	defer d.lock()()
	var out []*domain.Document
	for _, id := range ids {
		if doc, ok := d.s.docs[id]; ok {
			out = append(out, &doc)
		}
	}
	return out, nil
}

func (d *Documents) ListByCourseWithCursor(_ context.Context, courseID string, cursor *pagination.Cursor, limit int) (*service.DocumentPageResult, error) {
	defer d.lock()()
	if limit <= 0 {
		limit = 20
	}

	var items []*domain.Document
	for _, doc := range d.s.docs {
		if doc.CourseID != courseID {
			continue
		}
		if cursor != nil && !before(doc, cursor) {
			continue
		}
		items = append(items, &doc)
	}
	sort.Slice(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.After(items[j].CreatedAt)
		}
		return items[i].ID > items[j].ID
	})

	page := &service.DocumentPageResult{}
	if len(items) > limit {
		items = items[:limit]
		page.HasMore = true
		last := items[len(items)-1]
		page.NextCursor = pagination.EncodeCursor(last.ID, last.CreatedAt)
	}
	page.Items = items
	return page, nil
}

// before reports whether doc sorts after the cursor in newest-first order.
func before(doc domain.Document, c *pagination.Cursor) bool {
	if doc.CreatedAt.Equal(c.Timestamp) {
		return doc.ID < c.LastID
	}
	return doc.CreatedAt.Before(c.Timestamp)
}

func (d *Documents) SaveOutcome(_ context.Context, doc *domain.Document) error {
	defer d.lock()()
	if !doc.Status.IsTerminal() {
		return domain.ErrInvalidStatusTransition
	}
	stored, ok := d.s.docs[doc.ID]
	if !ok || stored.Status != domain.DocumentStatusProcessing {
		return domain.ErrDocumentDeleted
	}
	d.s.docs[doc.ID] = *doc
	return nil
}

func (d *Documents) Delete(_ context.Context, id string) error {
	defer d.lock()()
	if _, ok := d.s.docs[id]; !ok {
		return domain.ErrDocumentNotFound
	}
	delete(d.s.docs, id)
	delete(d.s.chunks, id)
	for jobID, job := range d.s.jobs {
		if job.DocumentID == id {
			delete(d.s.jobs, jobID)
		}
	}
	return nil
}

// Chunks implements service.ChunkStore with brute-force cosine search.
type Chunks struct{ view }

func (c *Chunks) InsertMany(_ context.Context, chunks []domain.Chunk) error {
	defer c.lock()()
	for _, ch := range chunks {
		if _, ok := c.s.docs[ch.DocumentID]; !ok {
			return fmt.Errorf("insert chunk %d: %w", ch.ChunkIndex, domain.ErrDocumentNotFound)
		}
	}
	for _, ch := range chunks {
		for _, existing := range c.s.chunks[ch.DocumentID] {
			if existing.ChunkIndex == ch.ChunkIndex {
				return fmt.Errorf("chunk %d of document %s already exists", ch.ChunkIndex, ch.DocumentID)
			}
		}
		ch.Embedding = append([]float32(nil), ch.Embedding...)
		c.s.chunks[ch.DocumentID] = append(c.s.chunks[ch.DocumentID], ch)
	}
	return nil
}

// Search scores like the pgvector store: 1/(1+cosine distance).
func (c *Chunks) Search(_ context.Context, embedding []float32, documentIDs []string, topK int) ([]domain.ScoredChunk, error) {
	defer c.lock()()
	if topK <= 0 {
		topK = 3
	}

	var hits []domain.ScoredChunk
	for _, id := range uniq(documentIDs) {
		for _, ch := range c.s.chunks[id] {
			sim, err := cosineSimilarity(embedding, ch.Embedding)
			if err != nil {
				return nil, err
			}
			hits = append(hits, domain.ScoredChunk{Chunk: ch, Score: 1.0 / (1.0 + (1.0 - sim))})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

func (c *Chunks) ListByDocument(_ context.Context, documentID string) ([]domain.Chunk, error) {
	defer c.lock()()
	out := append([]domain.Chunk(nil), c.s.chunks[documentID]...)
	sort.Slice(out, func(i, j int) bool { return out[i].ChunkIndex < out[j].ChunkIndex })
	return out, nil
}

func (c *Chunks) DeleteByDocument(_ context.Context, documentID string) (int64, error) {
	defer c.lock()()
	n := int64(len(c.s.chunks[documentID]))
	delete(c.s.chunks, documentID)
	return n, nil
}

// Jobs implements service.IngestionJobRepositoryInterface.
type Jobs struct{ view }

func (j *Jobs) Create(_ context.Context, job *domain.IngestionJob) error {
	defer j.lock()()
	if _, ok := j.s.docs[job.DocumentID]; !ok {
		return fmt.Errorf("create ingestion job: %w", domain.ErrDocumentNotFound)
	}
	j.s.jobs[job.ID] = *job
	return nil
}

func (j *Jobs) GetByDocumentID(_ context.Context, documentID string) (*domain.IngestionJob, error) {
	defer j.lock()()
	var latest *domain.IngestionJob
	for _, job := range j.s.jobs {
		if job.DocumentID != documentID {
			continue
		}
		if latest == nil || job.CreatedAt.After(latest.CreatedAt) {
			latest = &job
		}
	}
	if latest == nil {
		return nil, domain.ErrIngestionJobNotFound
	}
	return latest, nil
}

func (j *Jobs) ClaimPending(_ context.Context, limit int) ([]*domain.IngestionJob, error) {
	defer j.lock()()
	if limit <= 0 {
		limit = 10
	}

	var pending []domain.IngestionJob
	for _, job := range j.s.jobs {
		if job.Status == domain.IngestionJobStatusPending {
			pending = append(pending, job)
		}
	}
	sort.Slice(pending, func(a, b int) bool { return pending[a].CreatedAt.Before(pending[b].CreatedAt) })
	if len(pending) > limit {
		pending = pending[:limit]
	}

	now := time.Now().UTC()
	claimed := make([]*domain.IngestionJob, 0, len(pending))
	for _, job := range pending {
		job.Status = domain.IngestionJobStatusProcessing
		job.Error = ""
		job.StartedAt = &now
		job.ProcessedAt = nil
		j.s.jobs[job.ID] = job
		claimed = append(claimed, &job)
	}
	return claimed, nil
}

func (j *Jobs) UpdateStatus(_ context.Context, id string, status domain.IngestionJobStatus, errMsg string) error {
	defer j.lock()()
	job, ok := j.s.jobs[id]
	if !ok {
		return domain.ErrIngestionJobNotFound
	}
	job.Status = status
	job.Error = errMsg
	if status == domain.IngestionJobStatusCompleted || status == domain.IngestionJobStatusFailed {
		now := time.Now().UTC()
		job.ProcessedAt = &now
	}
	j.s.jobs[id] = job
	return nil
}

func (j *Jobs) FailStale(_ context.Context, olderThan time.Duration, reason string) ([]*domain.IngestionJob, error) {
	defer j.lock()()
	now := time.Now().UTC()
	cutoff := now.Add(-olderThan)

	var failed []*domain.IngestionJob
	for id, job := range j.s.jobs {
		if job.Status != domain.IngestionJobStatusProcessing || job.StartedAt == nil || !job.StartedAt.Before(cutoff) {
			continue
		}
		job.Status = domain.IngestionJobStatusFailed
		job.Error = reason
		job.ProcessedAt = &now
		j.s.jobs[id] = job
		failed = append(failed, &job)
	}
	return failed, nil
}

// Get returns a copy of a job. It exists for tests.
func (j *Jobs) Get(id string) (domain.IngestionJob, bool) {
	defer j.lock()()
	job, ok := j.s.jobs[id]
	return job, ok
}

// Blobs implements service.BlobStore.
type Blobs struct{ view }

func (b *Blobs) Put(_ context.Context, key string, data []byte, _ string) error {
	defer b.lock()()
	b.s.blobs[key] = append([]byte(nil), data...)
	return nil
}

func (b *Blobs) Get(_ context.Context, key string) ([]byte, error) {
	defer b.lock()()
	data, ok := b.s.blobs[key]
	if !ok {
		return nil, domain.ErrPayloadNotFound
	}
	return append([]byte(nil), data...), nil
}

func (b *Blobs) Delete(_ context.Context, key string) error {
	defer b.lock()()
	if _, ok := b.s.blobs[key]; !ok {
		return domain.ErrPayloadNotFound
	}
	delete(b.s.blobs, key)
	return nil
}

func cosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("cosine similarity dimension mismatch: %d vs %d", len(a), len(b))
	}
	var dot, na2, nb2 float64
	for i := range a {
		va, vb := float64(a[i]), float64(b[i])
		dot += va * vb
		na2 += va * va
		nb2 += vb * vb
	}
	if na2 == 0 || nb2 == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(na2) * math.Sqrt(nb2)), nil
}

func uniq(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
