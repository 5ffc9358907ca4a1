package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cloo-solutions/lectern/internal/domain"
	"github.com/cloo-solutions/lectern/internal/logger"
	"github.com/cloo-solutions/lectern/internal/telemetry"
	"github.com/getsentry/sentry-go"
	"golang.org/x/sync/errgroup"
)

// StaleJobReason is recorded on jobs and documents abandoned by a previous run.
const StaleJobReason = "ingestion interrupted before completion"

// IngestionJobRepository defines the interface for ingestion job persistence
type IngestionJobRepository interface {
	// ClaimPending moves up to limit pending jobs to processing and returns them
	ClaimPending(ctx context.Context, limit int) ([]*domain.IngestionJob, error)

	UpdateStatus(ctx context.Context, id string, status domain.IngestionJobStatus, errMsg string) error

	// FailStale fails jobs stuck in processing for longer than olderThan
	FailStale(ctx context.Context, olderThan time.Duration, reason string) ([]*domain.IngestionJob, error)
}

// Pipeline ingests one document.
type Pipeline interface {
	Run(ctx context.Context, documentID string) (*domain.Document, error)
	Abandon(ctx context.Context, documentID, reason string) error
}

type IngestionWorkerConfig struct {
	// BatchSize is how many jobs are claimed per poll.
	BatchSize int
	// Concurrency bounds how many documents ingest at once.
	Concurrency int
	StaleAfter  time.Duration
}

// IngestionWorker claims queued ingestion jobs and runs the pipeline for them.
// Jobs are never retried: a failed document must be uploaded again.
type IngestionWorker struct {
	repo     IngestionJobRepository
	pipeline Pipeline
	cfg      IngestionWorkerConfig
	logger   *slog.Logger
}

// NewIngestionWorker creates a new IngestionWorker instance
func NewIngestionWorker(repo IngestionJobRepository, pipeline Pipeline, cfg IngestionWorkerConfig) *IngestionWorker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 2
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = cfg.Concurrency
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 30 * time.Minute
	}
	return &IngestionWorker{
		repo:     repo,
		pipeline: pipeline,
		cfg:      cfg,
		logger:   logger.WithComponent("ingestion-worker"),
	}
}

// Recover fails jobs a previous process left in processing and rolls back
// their documents. Call it once before the worker starts polling.
func (w *IngestionWorker) Recover(ctx context.Context) error {
	stale, err := w.repo.FailStale(ctx, w.cfg.StaleAfter, StaleJobReason)
	if err != nil {
		return fmt.Errorf("failed to fail stale jobs: %w", err)
	}
	for _, job := range stale {
		if err := w.pipeline.Abandon(ctx, job.DocumentID, StaleJobReason); err != nil {
			w.logger.Error("failed to abandon document", "job_id", job.ID, "document_id", job.DocumentID, "error", err)
		}
	}
	if len(stale) > 0 {
		w.logger.Warn("recovered stale ingestion jobs", "count", len(stale))
	}
	return nil
}

// ProcessJobs implements the JobProcessor interface
func (w *IngestionWorker) ProcessJobs(ctx context.Context) error {
	jobs, err := w.repo.ClaimPending(ctx, w.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("failed to fetch pending jobs: %w", err)
	}
	if len(jobs) == 0 {
		return nil
	}

	w.logger.Info("processing ingestion jobs", "count", len(jobs))

	var g errgroup.Group
	g.SetLimit(w.cfg.Concurrency)
	for _, job := range jobs {
		g.Go(func() error {
			if err := w.processJob(ctx, job); err != nil {
				w.logger.Error("error processing job", "job_id", job.ID, "error", err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (w *IngestionWorker) processJob(ctx context.Context, job *domain.IngestionJob) error {
	ctx, span := telemetry.StartTransaction(ctx, "IngestionWorker.processJob", "ingestion.job")
	defer span.End()

	_, runErr := w.pipeline.Run(ctx, job.DocumentID)

	status, errMsg := domain.IngestionJobStatusCompleted, ""
	if runErr != nil {
		status, errMsg = domain.IngestionJobStatusFailed, runErr.Error()
	}

	// the run may outlive a cancelled poll; the job still records its outcome
	updateCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := w.repo.UpdateStatus(updateCtx, job.ID, status, errMsg); err != nil {
		// deleting the document cascades to its jobs
		if errors.Is(err, domain.ErrIngestionJobNotFound) {
			w.logger.Info("job removed with its document", "job_id", job.ID, "document_id", job.DocumentID)
			return nil
		}
		return fmt.Errorf("failed to update job status to %s: %w", status, err)
	}

	if runErr != nil {
		span.SetStatus(sentry.SpanStatusInternalError)
		w.logger.Warn("job failed", "job_id", job.ID, "document_id", job.DocumentID, "error", runErr)
		return nil
	}
	w.logger.Info("job completed", "job_id", job.ID, "document_id", job.DocumentID)
	return nil
}
