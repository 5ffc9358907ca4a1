//go:build integration

package repository

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cloo-solutions/lectern/internal/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIngestionJobRepository_ClaimPending(t *testing.T) {
	ctx := context.Background()
	pool := setupPool(ctx, t)
	docs := NewDocumentRepository(pool)
	repo := NewIngestionJobRepository(pool)

	var jobIDs []string
	base := time.Now().UTC().Add(-time.Minute)
	for i := range 3 {
		doc := newTestDocument("course-1")
		require.NoError(t, docs.Create(ctx, doc))
		job := domain.NewIngestionJob(uuid.NewString(), doc.ID)
		job.CreatedAt = base.Add(time.Duration(i) * time.Second)
		require.NoError(t, repo.Create(ctx, job))
		jobIDs = append(jobIDs, job.ID)
	}

	claimed, err := repo.ClaimPending(ctx, 2)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	for _, job := range claimed {
		assert.Equal(t, domain.IngestionJobStatusProcessing, job.Status)
		assert.NotNil(t, job.StartedAt)
	}

	rest, err := repo.ClaimPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, jobIDs[2], rest[0].ID)

	none, err := repo.ClaimPending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestIngestionJobRepository_ConcurrentClaimsDoNotOverlap(t *testing.T) {
	ctx := context.Background()
	pool := setupPool(ctx, t)
	docs := NewDocumentRepository(pool)
	repo := NewIngestionJobRepository(pool)

	for range 10 {
		doc := newTestDocument("course-1")
		require.NoError(t, docs.Create(ctx, doc))
		require.NoError(t, repo.Create(ctx, domain.NewIngestionJob(uuid.NewString(), doc.ID)))
	}

	var mu sync.Mutex
	seen := map[string]int{}
	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			jobs, err := repo.ClaimPending(ctx, 3)
			assert.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			for _, j := range jobs {
				seen[j.ID]++
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 10)
	for id, n := range seen {
		assert.Equal(t, 1, n, "job %s claimed more than once", id)
	}
}

func TestIngestionJobRepository_UpdateStatus(t *testing.T) {
	ctx := context.Background()
	pool := setupPool(ctx, t)
	docs := NewDocumentRepository(pool)
	repo := NewIngestionJobRepository(pool)

	doc := newTestDocument("course-1")
	require.NoError(t, docs.Create(ctx, doc))
	job := domain.NewIngestionJob(uuid.NewString(), doc.ID)
	require.NoError(t, repo.Create(ctx, job))

	require.NoError(t, repo.UpdateStatus(ctx, job.ID, domain.IngestionJobStatusFailed, "ocr failed"))

	got, err := repo.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.IngestionJobStatusFailed, got.Status)
	assert.Equal(t, "ocr failed", got.Error)
	assert.NotNil(t, got.ProcessedAt)

	latest, err := repo.GetByDocumentID(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, latest.ID)

	assert.ErrorIs(t, repo.UpdateStatus(ctx, uuid.NewString(), domain.IngestionJobStatusCompleted, ""), domain.ErrIngestionJobNotFound)
}

func TestIngestionJobRepository_FailStale(t *testing.T) {
	ctx := context.Background()
	pool := setupPool(ctx, t)
	docs := NewDocumentRepository(pool)
	repo := NewIngestionJobRepository(pool)

	doc := newTestDocument("course-1")
	require.NoError(t, docs.Create(ctx, doc))
	require.NoError(t, repo.Create(ctx, domain.NewIngestionJob(uuid.NewString(), doc.ID)))
	_, err := repo.ClaimPending(ctx, 1)
	require.NoError(t, err)

	stale, err := repo.FailStale(ctx, time.Hour, "interrupted")
	require.NoError(t, err)
	assert.Empty(t, stale)

	time.Sleep(10 * time.Millisecond)
	stale, err = repo.FailStale(ctx, time.Millisecond, "interrupted")
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, doc.ID, stale[0].DocumentID)
	assert.Equal(t, domain.IngestionJobStatusFailed, stale[0].Status)
	assert.Equal(t, "interrupted", stale[0].Error)
}
