// Package queue provides install job queue interfaces and implementations.
package queue

import (
	"context"
	"errors"

	"github.com/homeport-sh/homeport/internal/models"
)

// Common errors returned by queue operations.
var (
	// ErrNoJobs is returned when no jobs are available in the queue.
	ErrNoJobs = errors.New("no jobs available")
	// ErrJobNotFound is returned when a job cannot be found.
	ErrJobNotFound = errors.New("job not found")
)

// Queue defines the interface for install job queue operations.
type Queue interface {
	// Enqueue adds a new install job to the queue.
	// The job will be serialized to JSON for storage.
	Enqueue(ctx context.Context, job *models.InstallJob) error

	// Dequeue retrieves and locks the next available install job from the
	// queue. Returns ErrNoJobs if no jobs are available.
	Dequeue(ctx context.Context) (*models.InstallJob, error)

	// Ack acknowledges successful processing of a job, removing it from the queue.
	Ack(ctx context.Context, jobID string) error

	// Nack indicates that job processing failed, making the job available for retry.
	Nack(ctx context.Context, jobID string) error
}
