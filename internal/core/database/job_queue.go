package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/markdave123-py/contexta/internal/core"
)

// JobQueue is a conversion queue backed by the conversion_jobs table.
// Receive leases a job; a job whose lease lapses without Ack is redelivered.
type JobQueue struct {
	client *DatabaseClient
	lease  time.Duration
	poll   time.Duration
}

var _ core.JobQueue = (*JobQueue)(nil)

func NewJobQueue(client *DatabaseClient, lease, poll time.Duration) *JobQueue {
	if lease <= 0 {
		lease = 10 * time.Minute
	}
	if poll <= 0 {
		poll = time.Second
	}
	return &JobQueue{client: client, lease: lease, poll: poll}
}

func (q *JobQueue) Publish(ctx context.Context, job core.ConversionJob) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	_, err := q.client.db.ExecContext(ctx,
		`INSERT INTO conversion_jobs (id, document_id, force) VALUES ($1, $2, $3)`,
		job.ID, job.DocumentID, job.Force)
	if err != nil {
		return fmt.Errorf("publish job: %w", err)
	}
	return nil
}

// Receive blocks until a job is leased or ctx is done.
func (q *JobQueue) Receive(ctx context.Context) (core.ConversionJob, error) {
	const claim = `
		UPDATE conversion_jobs
		SET locked_until = now() + make_interval(secs => $1), attempts = attempts + 1
		WHERE id = (
			SELECT id FROM conversion_jobs
			WHERE locked_until IS NULL OR locked_until < now()
			ORDER BY created_at
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING id, document_id, force
	`
	for {
		var job core.ConversionJob
		err := q.client.db.QueryRowxContext(ctx, claim, q.lease.Seconds()).Scan(&job.ID, &job.DocumentID, &job.Force)
		if err == nil {
			return job, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			if ctx.Err() != nil {
				return core.ConversionJob{}, ctx.Err()
			}
			return core.ConversionJob{}, fmt.Errorf("claim job: %w", err)
		}
		select {
		case <-ctx.Done():
			return core.ConversionJob{}, ctx.Err()
		case <-time.After(q.poll):
		}
	}
}

func (q *JobQueue) Ack(ctx context.Context, job core.ConversionJob) error {
	_, err := q.client.db.ExecContext(ctx, `DELETE FROM conversion_jobs WHERE id = $1`, job.ID)
	return err
}
