package domain

import (
	"fmt"
	"time"
)

// IngestionJobStatus represents the status of an ingestion job
type IngestionJobStatus string

const (
	IngestionJobStatusPending    IngestionJobStatus = "pending"
	IngestionJobStatusProcessing IngestionJobStatus = "processing"
	IngestionJobStatusCompleted  IngestionJobStatus = "completed"
	IngestionJobStatusFailed     IngestionJobStatus = "failed"
)

// IngestionJob is a queued request to run the pipeline for one document.
// A job is claimed once; finished jobs are never re-queued.
type IngestionJob struct {
	ID          string
	DocumentID  string
	Status      IngestionJobStatus
	Error       string
	CreatedAt   time.Time
	StartedAt   *time.Time
	ProcessedAt *time.Time
}

// NewIngestionJob creates a new pending IngestionJob
func NewIngestionJob(id, documentID string) *IngestionJob {
	return &IngestionJob{
		ID:         id,
		DocumentID: documentID,
		Status:     IngestionJobStatusPending,
		CreatedAt:  time.Now().UTC(),
	}
}

// ValidateIngestionJob validates an IngestionJob instance
func ValidateIngestionJob(j *IngestionJob) error {
	if j == nil {
		return fmt.Errorf("ingestion job cannot be nil")
	}

	if j.ID == "" {
		return fmt.Errorf("ingestion job ID is required")
	}

	if j.DocumentID == "" {
		return fmt.Errorf("ingestion job DocumentID is required")
	}

	if !isValidIngestionJobStatus(j.Status) {
		return fmt.Errorf("ingestion job Status is invalid: %s", j.Status)
	}

	return nil
}

func isValidIngestionJobStatus(s IngestionJobStatus) bool {
	switch s {
	case IngestionJobStatusPending, IngestionJobStatusProcessing,
		IngestionJobStatusCompleted, IngestionJobStatusFailed:
		return true
	}
	return false
}
