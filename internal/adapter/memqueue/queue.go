// Package memqueue implements the job queue port in process memory. It backs
// single-process development mode and tests.
package memqueue

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Strob0t/TenantForge/internal/domain"
	"github.com/Strob0t/TenantForge/internal/domain/job"
	"github.com/Strob0t/TenantForge/internal/port/jobqueue"
)

// ErrClosed is returned by every operation after Close.
var ErrClosed = errors.New("memqueue: closed")

// Queue is a mutex-guarded set of FIFO lists, one per priority.
type Queue struct {
	mu       sync.Mutex
	pending  map[job.Priority][]*job.Job
	inflight map[string]*job.Job
	statuses map[string]*job.Status
	idem     map[string]string
	closed   bool

	// FailEnqueue, when set, makes Enqueue fail. Used to exercise enqueue
	// failure handling.
	FailEnqueue error

	now func() time.Time
}

var _ jobqueue.Queue = (*Queue)(nil)

// New returns an empty queue.
func New() *Queue {
	return &Queue{
		pending:  make(map[job.Priority][]*job.Job, len(job.Priorities)),
		inflight: make(map[string]*job.Job),
		statuses: make(map[string]*job.Status),
		idem:     make(map[string]string),
		now:      time.Now,
	}
}

// Enqueue appends j to the list for its priority.
func (q *Queue) Enqueue(_ context.Context, j *job.Job) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return "", ErrClosed
	}
	if q.FailEnqueue != nil {
		return "", &domain.TransportError{Op: "enqueue job", Err: q.FailEnqueue}
	}
	if !j.Priority.Valid() {
		return "", domain.NewValidationError("priority", "unknown priority %q", j.Priority)
	}
	if j.IdempotencyKey != "" {
		if id, ok := q.idem[j.IdempotencyKey]; ok {
			return id, nil
		}
	}
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	j.EnqueuedAt = q.now().UTC()

	cp := *j
	q.pending[j.Priority] = append(q.pending[j.Priority], &cp)
	q.statuses[j.ID] = job.NewStatus(&cp)
	if j.IdempotencyKey != "" {
		q.idem[j.IdempotencyKey] = j.ID
	}
	return j.ID, nil
}

// Status returns a copy of the job's status.
func (q *Queue) Status(_ context.Context, id string) (*job.Status, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	st, ok := q.statuses[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
	}
	cp := *st
	return &cp, nil
}

// Cancel removes a pending job from its list.
func (q *Queue) Cancel(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	st, ok := q.statuses[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
	}
	switch st.State {
	case job.StateCancelled:
		return nil
	case job.StatePending:
	default:
		return &domain.ConflictError{Op: "cancel job", Current: string(st.State)}
	}

	q.pending[st.Priority] = slices.DeleteFunc(q.pending[st.Priority], func(j *job.Job) bool {
		return j.ID == id
	})
	now := q.now().UTC()
	st.State = job.StateCancelled
	st.EndedAt = &now
	return nil
}

// Claim pops the oldest job for p and marks it started.
func (q *Queue) Claim(_ context.Context, p job.Priority) (*jobqueue.Claim, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, ErrClosed
	}
	list := q.pending[p]
	if len(list) == 0 {
		return nil, nil
	}
	j := list[0]
	q.pending[p] = list[1:]
	q.inflight[j.ID] = j

	now := q.now().UTC()
	st := q.statuses[j.ID]
	st.State = job.StateStarted
	st.StartedAt = &now

	cp := *j
	return &jobqueue.Claim{
		Job:     &cp,
		AckFunc: func(context.Context) error { return q.ack(j.ID) },
		NakFunc: func(context.Context) error { return q.nak(j.ID) },
	}, nil
}

func (q *Queue) ack(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, id)
	return nil
}

func (q *Queue) nak(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.inflight[id]
	if !ok {
		return nil
	}
	delete(q.inflight, id)
	q.pending[j.Priority] = append(q.pending[j.Priority], j)
	if st, ok := q.statuses[id]; ok {
		st.State = job.StatePending
		st.StartedAt = nil
	}
	return nil
}

// Report replaces the stored status.
func (q *Queue) Report(_ context.Context, st *job.Status) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.statuses[st.ID]; !ok {
		return fmt.Errorf("job %s: %w", st.ID, domain.ErrNotFound)
	}
	cp := *st
	q.statuses[st.ID] = &cp
	return nil
}

// Pending returns the queued jobs for p, oldest first.
func (q *Queue) Pending(p job.Priority) []job.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]job.Job, 0, len(q.pending[p]))
	for _, j := range q.pending[p] {
		out = append(out, *j)
	}
	return out
}

// Close rejects further enqueues and claims.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}
