package memstore

import (
	"context"
	"sync"

	"github.com/markdave123-py/contexta/internal/core"
)

// Queue is a buffered-channel job queue. Unacked jobs are not redelivered
// across restarts since nothing survives one.
type Queue struct {
	jobs chan core.ConversionJob

	mu      sync.Mutex
	pending map[string]core.ConversionJob
}

var _ core.JobQueue = (*Queue)(nil)

// NewQueue constructs a queue with the given buffer (64 when size <= 0).
func NewQueue(size int) *Queue {
	if size <= 0 {
		size = 64
	}
	return &Queue{
		jobs:    make(chan core.ConversionJob, size),
		pending: make(map[string]core.ConversionJob),
	}
}

// Publish blocks while the buffer is full.
func (q *Queue) Publish(ctx context.Context, job core.ConversionJob) error {
	select {
	case q.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) Receive(ctx context.Context) (core.ConversionJob, error) {
	select {
	case job := <-q.jobs:
		q.mu.Lock()
		q.pending[job.ID] = job
		q.mu.Unlock()
		return job, nil
	case <-ctx.Done():
		return core.ConversionJob{}, ctx.Err()
	}
}

func (q *Queue) Ack(_ context.Context, job core.ConversionJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.pending, job.ID)
	return nil
}

// Pending returns the number of received but unacked jobs.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
