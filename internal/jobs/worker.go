package jobs

import (
	"context"
	"time"

	"github.com/cloo-solutions/lectern/internal/logger"
)

// JobProcessor defines the interface for processing jobs
type JobProcessor interface {
	ProcessJobs(ctx context.Context) error
}

// Worker represents a background job worker
type Worker struct {
	processor    JobProcessor
	pollInterval time.Duration
	stopChan     chan struct{}
	doneChan     chan struct{}
}

// NewWorker creates a new Worker instance
func NewWorker(processor JobProcessor, pollInterval time.Duration) *Worker {
	return &Worker{
		processor:    processor,
		pollInterval: pollInterval,
		stopChan:     make(chan struct{}),
		doneChan:     make(chan struct{}),
	}
}

// Start begins the worker's polling loop. A Stop lets the current batch finish;
// cancelling ctx aborts it.
func (w *Worker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	defer close(w.doneChan)

	log := logger.WithComponent("worker")
	log.Info("worker started", "poll_interval", w.pollInterval)

	for {
		select {
		case <-ctx.Done():
			log.Info("worker stopped", "reason", "context cancelled")
			return
		case <-w.stopChan:
			log.Info("worker stopped", "reason", "stop signal received")
			return
		case <-ticker.C:
			if err := w.processor.ProcessJobs(ctx); err != nil {
				log.Error("error processing jobs", "error", err)
			}
		}
	}
}

// Stop gracefully stops the worker
func (w *Worker) Stop() {
	close(w.stopChan)
	<-w.doneChan
	logger.WithComponent("worker").Info("worker shutdown complete")
}
