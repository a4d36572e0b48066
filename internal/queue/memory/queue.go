// Package memory provides an in-memory implementation of the install queue
// for demo mode and tests.
package memory

import (
	"context"
	"sync"

	"github.com/homeport-sh/homeport/internal/models"
	"github.com/homeport-sh/homeport/internal/queue"
)

// MemoryQueue implements queue.Queue with in-process slices. Pending jobs are
// handed out oldest first; a dequeued job stays in flight until it is acked
// or nacked.
type MemoryQueue struct {
	mu       sync.Mutex
	pending  []*models.InstallJob
	inflight map[string]*models.InstallJob
}

// NewMemoryQueue creates an empty in-memory queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		inflight: make(map[string]*models.InstallJob),
	}
}

// Enqueue adds a job to the back of the queue.
func (q *MemoryQueue) Enqueue(ctx context.Context, job *models.InstallJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	copied := *job
	q.pending = append(q.pending, &copied)
	return nil
}

// Dequeue pops the oldest pending job and marks it in flight.
func (q *MemoryQueue) Dequeue(ctx context.Context) (*models.InstallJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 {
		return nil, queue.ErrNoJobs
	}

	job := q.pending[0]
	q.pending = q.pending[1:]
	q.inflight[job.ID] = job

	copied := *job
	return &copied, nil
}

// Ack removes an in-flight job.
func (q *MemoryQueue) Ack(ctx context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.inflight[jobID]; !ok {
		return queue.ErrJobNotFound
	}
	delete(q.inflight, jobID)
	return nil
}

// Nack returns an in-flight job to the back of the queue.
func (q *MemoryQueue) Nack(ctx context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.inflight[jobID]
	if !ok {
		return queue.ErrJobNotFound
	}
	delete(q.inflight, jobID)
	q.pending = append(q.pending, job)
	return nil
}
