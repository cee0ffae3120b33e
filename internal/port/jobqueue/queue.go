// Package jobqueue defines the port for the priority job queue shared by the
// orchestrator (producer) and the worker pool (consumer).
package jobqueue

import (
	"context"

	"github.com/Strob0t/TenantForge/internal/domain/job"
)

// Queue is an at-least-once priority job queue.
type Queue interface {
	// Enqueue assigns j an ID when it has none, records it as pending and
	// places it on the queue for j.Priority.
	Enqueue(ctx context.Context, j *job.Job) (string, error)
	// Status returns the last reported status of a job.
	Status(ctx context.Context, id string) (*job.Status, error)
	// Cancel removes a job that no worker has picked up yet. A job that has
	// already started returns a *domain.ConflictError.
	Cancel(ctx context.Context, id string) error
	// Claim takes the next job from the queue for p without blocking for long.
	// It returns nil, nil when the queue is empty.
	Claim(ctx context.Context, p job.Priority) (*Claim, error)
	// Report records a status change for a claimed job.
	Report(ctx context.Context, st *job.Status) error
	Close() error
}

// Claim is a job handed to one worker. Ack must be called once the job
// reached a terminal state; Nak returns it for redelivery.
type Claim struct {
	Job *job.Job

	AckFunc        func(ctx context.Context) error
	NakFunc        func(ctx context.Context) error
	InProgressFunc func(ctx context.Context) error
}

// Ack confirms the job so it is not redelivered.
func (c *Claim) Ack(ctx context.Context) error {
	if c.AckFunc == nil {
		return nil
	}
	return c.AckFunc(ctx)
}

// Nak asks the queue to redeliver the job.
func (c *Claim) Nak(ctx context.Context) error {
	if c.NakFunc == nil {
		return nil
	}
	return c.NakFunc(ctx)
}

// InProgress extends the delivery deadline of a long-running job.
func (c *Claim) InProgress(ctx context.Context) error {
	if c.InProgressFunc == nil {
		return nil
	}
	return c.InProgressFunc(ctx)
}
