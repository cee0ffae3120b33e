package nats

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/Strob0t/TenantForge/internal/domain"
	"github.com/Strob0t/TenantForge/internal/domain/job"
	"github.com/Strob0t/TenantForge/internal/port/jobqueue"
)

const (
	streamName    = "TENANTFORGE_JOBS"
	subjectPrefix = "tenantforge.jobs"
)

// maxStaleSkips bounds how many cancelled or duplicate deliveries one Claim
// call discards before returning empty.
const maxStaleSkips = 16

// releaseTimeout bounds the cleanup of a reserved idempotency key.
const releaseTimeout = 5 * time.Second

// publishFunc matches jetstream.JetStream.Publish.
type publishFunc func(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)

// JobQueueConfig tunes the JetStream job queue.
type JobQueueConfig struct {
	StatusBucket string
	StatusTTL    time.Duration
	// AckWait must exceed the heartbeat interval of the longest running job.
	AckWait time.Duration
	// MaxDeliver caps redeliveries; 0 means unlimited. Jobs Nak'd because
	// their tenant is busy count against it.
	MaxDeliver int
	// NakDelay delays the redelivery of a Nak'd job.
	NakDelay time.Duration
}

// JobQueue implements jobqueue.Queue with one work-queue stream, a durable
// pull consumer per priority, and a KV bucket holding job status.
type JobQueue struct {
	status    jetstream.KeyValue
	consumers map[job.Priority]jetstream.Consumer
	publish   publishFunc
	nakDelay  time.Duration
	now       func() time.Time
}

var _ jobqueue.Queue = (*JobQueue)(nil)

// NewJobQueue ensures the stream, consumers and status bucket exist.
func NewJobQueue(ctx context.Context, c *Conn, cfg JobQueueConfig) (*JobQueue, error) {
	if cfg.StatusBucket == "" {
		cfg.StatusBucket = "tenantforge-jobs"
	}
	if cfg.AckWait <= 0 {
		cfg.AckWait = 2 * time.Minute
	}
	if cfg.MaxDeliver <= 0 {
		cfg.MaxDeliver = -1
	}
	if cfg.NakDelay <= 0 {
		cfg.NakDelay = 5 * time.Second
	}

	_, err := c.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       streamName,
		Subjects:   []string{subjectPrefix + ".>"},
		Retention:  jetstream.WorkQueuePolicy,
		Storage:    jetstream.FileStorage,
		Duplicates: 10 * time.Minute,
	})
	if err != nil {
		return nil, fmt.Errorf("jetstream stream create: %w", err)
	}

	consumers := make(map[job.Priority]jetstream.Consumer, len(job.Priorities))
	for _, p := range job.Priorities {
		cons, err := c.js.CreateOrUpdateConsumer(ctx, streamName, jetstream.ConsumerConfig{
			Durable:       "workers-" + string(p),
			FilterSubject: subjectFor(p),
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       cfg.AckWait,
			MaxDeliver:    cfg.MaxDeliver,
		})
		if err != nil {
			return nil, fmt.Errorf("jetstream consumer %s: %w", p, err)
		}
		consumers[p] = cons
	}

	kv, err := c.KeyValue(ctx, cfg.StatusBucket, cfg.StatusTTL)
	if err != nil {
		return nil, err
	}

	slog.Info("nats job queue ready", "stream", streamName, "status_bucket", cfg.StatusBucket)
	return &JobQueue{status: kv, consumers: consumers, publish: c.js.Publish, nakDelay: cfg.NakDelay, now: time.Now}, nil
}

func subjectFor(p job.Priority) string { return subjectPrefix + "." + string(p) }

// idempotencyKVKey maps an arbitrary idempotency key onto the KV key alphabet.
func idempotencyKVKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return "idem." + hex.EncodeToString(sum[:16])
}

// Enqueue records the job as pending and publishes it. A repeated
// idempotency key returns the ID of the job enqueued first. When the job
// cannot be published the key is released so a retry enqueues afresh.
func (q *JobQueue) Enqueue(ctx context.Context, j *job.Job) (string, error) {
	if !j.Priority.Valid() {
		return "", domain.NewValidationError("priority", "unknown priority %q", j.Priority)
	}
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	j.EnqueuedAt = q.now().UTC()

	if j.IdempotencyKey != "" {
		_, err := q.status.Create(ctx, idempotencyKVKey(j.IdempotencyKey), []byte(j.ID))
		if errors.Is(err, jetstream.ErrKeyExists) {
			entry, getErr := q.status.Get(ctx, idempotencyKVKey(j.IdempotencyKey))
			if getErr != nil {
				return "", fmt.Errorf("lookup idempotency key: %w", getErr)
			}
			return string(entry.Value()), nil
		}
		if err != nil {
			return "", fmt.Errorf("reserve idempotency key: %w", err)
		}
	}

	if err := q.putStatus(ctx, job.NewStatus(j)); err != nil {
		q.releaseKey(ctx, j)
		return "", err
	}

	data, err := json.Marshal(j)
	if err != nil {
		q.releaseKey(ctx, j)
		return "", fmt.Errorf("marshal job: %w", err)
	}
	if _, err := q.publish(ctx, subjectFor(j.Priority), data, jetstream.WithMsgID(j.ID)); err != nil {
		q.releaseKey(ctx, j)
		st := job.NewStatus(j)
		st.State = job.StateFailed
		st.Error = "enqueue failed: " + err.Error()
		if putErr := q.putStatus(context.WithoutCancel(ctx), st); putErr != nil {
			slog.Warn("record failed enqueue", "job_id", j.ID, "error", putErr)
		}
		return "", &domain.TransportError{Op: "publish job", Err: err}
	}
	return j.ID, nil
}

// releaseKey drops the idempotency reservation of a job that never reached
// the stream.
func (q *JobQueue) releaseKey(ctx context.Context, j *job.Job) {
	if j.IdempotencyKey == "" {
		return
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if err := q.status.Delete(rctx, idempotencyKVKey(j.IdempotencyKey)); err != nil {
		slog.Warn("release idempotency key", "job_id", j.ID, "error", err)
	}
}

// Status returns the stored status of a job.
func (q *JobQueue) Status(ctx context.Context, id string) (*job.Status, error) {
	st, _, err := q.getStatus(ctx, id)
	return st, err
}

// Cancel flips a pending job to cancelled. Workers drop cancelled deliveries.
func (q *JobQueue) Cancel(ctx context.Context, id string) error {
	for {
		st, rev, err := q.getStatus(ctx, id)
		if err != nil {
			return err
		}
		if st.State == job.StateCancelled {
			return nil
		}
		if st.State != job.StatePending {
			return &domain.ConflictError{Op: "cancel job", Current: string(st.State)}
		}
		now := q.now().UTC()
		st.State = job.StateCancelled
		st.EndedAt = &now
		err = q.updateStatus(ctx, st, rev)
		if isRevisionConflict(err) {
			continue
		}
		return err
	}
}

// Claim fetches the next delivery for p and marks it started. Cancelled and
// already-finished deliveries are acked and skipped.
func (q *JobQueue) Claim(ctx context.Context, p job.Priority) (*jobqueue.Claim, error) {
	cons, ok := q.consumers[p]
	if !ok {
		return nil, domain.NewValidationError("priority", "unknown priority %q", p)
	}

	for range maxStaleSkips {
		batch, err := cons.FetchNoWait(1)
		if err != nil {
			return nil, &domain.TransportError{Op: "fetch job", Err: err}
		}
		var msg jetstream.Msg
		for m := range batch.Messages() {
			msg = m
		}
		if err := batch.Error(); err != nil && !errors.Is(err, jetstream.ErrNoMessages) {
			return nil, &domain.TransportError{Op: "fetch job", Err: err}
		}
		if msg == nil {
			return nil, nil
		}

		claim, err := q.start(ctx, msg)
		if err != nil {
			return nil, err
		}
		if claim != nil {
			return claim, nil
		}
	}
	return nil, nil
}

// start moves a delivered job to started. It returns nil, nil when the
// delivery must be skipped.
func (q *JobQueue) start(ctx context.Context, msg jetstream.Msg) (*jobqueue.Claim, error) {
	var j job.Job
	if err := json.Unmarshal(msg.Data(), &j); err != nil {
		slog.Error("dropping undecodable job", "subject", msg.Subject(), "error", err)
		_ = msg.Term()
		return nil, nil
	}

	for {
		st, rev, err := q.getStatus(ctx, j.ID)
		if errors.Is(err, domain.ErrNotFound) {
			// Status expired or was never written; rebuild it.
			st, rev = job.NewStatus(&j), 0
		} else if err != nil {
			_ = msg.Nak()
			return nil, err
		}

		switch st.State {
		case job.StateCancelled, job.StateFinished, job.StateFailed:
			slog.Info("skipping job delivery", "job_id", j.ID, "state", st.State)
			_ = msg.Ack()
			return nil, nil
		}

		now := q.now().UTC()
		st.State = job.StateStarted
		st.StartedAt = &now
		if rev == 0 {
			err = q.putStatus(ctx, st)
		} else {
			err = q.updateStatus(ctx, st, rev)
		}
		if isRevisionConflict(err) {
			continue
		}
		if err != nil {
			_ = msg.Nak()
			return nil, err
		}
		break
	}

	return &jobqueue.Claim{
		Job:            &j,
		AckFunc:        func(context.Context) error { return msg.Ack() },
		NakFunc:        func(context.Context) error { return msg.NakWithDelay(q.nakDelay) },
		InProgressFunc: func(context.Context) error { return msg.InProgress() },
	}, nil
}

// Report stores a status update for a claimed job.
func (q *JobQueue) Report(ctx context.Context, st *job.Status) error {
	return q.putStatus(ctx, st)
}

// Close is a no-op; the connection is owned by Conn.
func (q *JobQueue) Close() error { return nil }

func (q *JobQueue) getStatus(ctx context.Context, id string) (*job.Status, uint64, error) {
	entry, err := q.status.Get(ctx, "job."+id)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, 0, fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
		}
		return nil, 0, &domain.TransportError{Op: "get job status", Err: err}
	}
	var st job.Status
	if err := json.Unmarshal(entry.Value(), &st); err != nil {
		return nil, 0, fmt.Errorf("decode job status %s: %w", id, err)
	}
	return &st, entry.Revision(), nil
}

func (q *JobQueue) putStatus(ctx context.Context, st *job.Status) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal job status: %w", err)
	}
	if _, err := q.status.Put(ctx, "job."+st.ID, data); err != nil {
		return &domain.TransportError{Op: "put job status", Err: err}
	}
	return nil
}

func (q *JobQueue) updateStatus(ctx context.Context, st *job.Status, rev uint64) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal job status: %w", err)
	}
	if _, err := q.status.Update(ctx, "job."+st.ID, data, rev); err != nil {
		if isRevisionConflict(err) {
			return err
		}
		return &domain.TransportError{Op: "update job status", Err: err}
	}
	return nil
}

// isRevisionConflict reports whether a KV compare-and-set lost a race.
func isRevisionConflict(err error) bool {
	var apiErr *jetstream.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
	}
	return errors.Is(err, jetstream.ErrKeyExists)
}
