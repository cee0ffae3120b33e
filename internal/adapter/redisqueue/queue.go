// Package redisqueue implements the job queue port on Redis lists.
//
// Layout under the configured prefix:
//
//	<prefix>:queue:<priority>       list of pending job IDs (LPUSH in, LMOVE out)
//	<prefix>:processing:<priority>  list of claimed job IDs awaiting ack
//	<prefix>:job:<id>               job JSON
//	<prefix>:status:<id>            status JSON
//	<prefix>:idem:<key>             job ID reserved by an idempotency key
package redisqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/Strob0t/TenantForge/internal/config"
	"github.com/Strob0t/TenantForge/internal/domain"
	"github.com/Strob0t/TenantForge/internal/domain/job"
	"github.com/Strob0t/TenantForge/internal/port/jobqueue"
)

// casRetries bounds optimistic transaction retries on a contended status key.
const casRetries = 8

// Queue implements jobqueue.Queue on a Redis client.
type Queue struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

var _ jobqueue.Queue = (*Queue)(nil)

// Connect opens a client for cfg and pings it.
func Connect(ctx context.Context, cfg config.Redis) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return rdb, nil
}

// New wraps rdb. statusTTL bounds how long job and status keys live.
func New(rdb *redis.Client, prefix string, statusTTL time.Duration) *Queue {
	if prefix == "" {
		prefix = "tenantforge"
	}
	return &Queue{rdb: rdb, prefix: prefix, ttl: statusTTL, now: time.Now}
}

func (q *Queue) queueKey(p job.Priority) string      { return q.prefix + ":queue:" + string(p) }
func (q *Queue) processingKey(p job.Priority) string { return q.prefix + ":processing:" + string(p) }
func (q *Queue) jobKey(id string) string             { return q.prefix + ":job:" + id }
func (q *Queue) statusKey(id string) string          { return q.prefix + ":status:" + id }
func (q *Queue) idemKey(key string) string           { return q.prefix + ":idem:" + key }

// Enqueue stores the job and its pending status and pushes its ID in one
// MULTI/EXEC.
func (q *Queue) Enqueue(ctx context.Context, j *job.Job) (string, error) {
	if !j.Priority.Valid() {
		return "", domain.NewValidationError("priority", "unknown priority %q", j.Priority)
	}
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	j.EnqueuedAt = q.now().UTC()

	if j.IdempotencyKey != "" {
		ok, err := q.rdb.SetNX(ctx, q.idemKey(j.IdempotencyKey), j.ID, q.ttl).Result()
		if err != nil {
			return "", &domain.TransportError{Op: "reserve idempotency key", Err: err}
		}
		if !ok {
			id, err := q.rdb.Get(ctx, q.idemKey(j.IdempotencyKey)).Result()
			if err != nil {
				return "", &domain.TransportError{Op: "lookup idempotency key", Err: err}
			}
			return id, nil
		}
	}

	jobData, err := json.Marshal(j)
	if err != nil {
		return "", fmt.Errorf("marshal job: %w", err)
	}
	stData, err := json.Marshal(job.NewStatus(j))
	if err != nil {
		return "", fmt.Errorf("marshal job status: %w", err)
	}

	_, err = q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, q.jobKey(j.ID), jobData, q.ttl)
		pipe.Set(ctx, q.statusKey(j.ID), stData, q.ttl)
		pipe.LPush(ctx, q.queueKey(j.Priority), j.ID)
		return nil
	})
	if err != nil {
		if j.IdempotencyKey != "" {
			_ = q.rdb.Del(context.WithoutCancel(ctx), q.idemKey(j.IdempotencyKey)).Err()
		}
		return "", &domain.TransportError{Op: "enqueue job", Err: err}
	}
	return j.ID, nil
}

// Status returns the stored status of a job.
func (q *Queue) Status(ctx context.Context, id string) (*job.Status, error) {
	return q.getStatus(ctx, q.rdb, id)
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (q *Queue) getStatus(ctx context.Context, g getter, id string) (*job.Status, error) {
	data, err := g.Get(ctx, q.statusKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, &domain.TransportError{Op: "get job status", Err: err}
	}
	var st job.Status
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decode job status %s: %w", id, err)
	}
	return &st, nil
}

// Cancel removes a pending job from its list and marks it cancelled.
func (q *Queue) Cancel(ctx context.Context, id string) error {
	var result error
	txf := func(tx *redis.Tx) error {
		st, err := q.getStatus(ctx, tx, id)
		if err != nil {
			return err
		}
		switch st.State {
		case job.StateCancelled:
			result = nil
			return nil
		case job.StatePending:
		default:
			result = &domain.ConflictError{Op: "cancel job", Current: string(st.State)}
			return nil
		}

		now := q.now().UTC()
		st.State = job.StateCancelled
		st.EndedAt = &now
		data, err := json.Marshal(st)
		if err != nil {
			return fmt.Errorf("marshal job status: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.LRem(ctx, q.queueKey(st.Priority), 1, id)
			pipe.Set(ctx, q.statusKey(id), data, q.ttl)
			return nil
		})
		return err
	}

	if err := q.watch(ctx, txf, q.statusKey(id)); err != nil {
		return err
	}
	return result
}

// Claim moves the oldest ID for p onto the processing list and marks the job
// started. Cancelled or finished entries are dropped.
func (q *Queue) Claim(ctx context.Context, p job.Priority) (*jobqueue.Claim, error) {
	if !p.Valid() {
		return nil, domain.NewValidationError("priority", "unknown priority %q", p)
	}
	for {
		id, err := q.rdb.LMove(ctx, q.queueKey(p), q.processingKey(p), "RIGHT", "LEFT").Result()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, &domain.TransportError{Op: "claim job", Err: err}
		}

		claim, err := q.start(ctx, p, id)
		if err != nil {
			return nil, err
		}
		if claim != nil {
			return claim, nil
		}
	}
}

func (q *Queue) start(ctx context.Context, p job.Priority, id string) (*jobqueue.Claim, error) {
	data, err := q.rdb.Get(ctx, q.jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		// Expired; nothing left to run.
		q.rdb.LRem(ctx, q.processingKey(p), 1, id)
		return nil, nil
	}
	if err != nil {
		return nil, &domain.TransportError{Op: "load job", Err: err}
	}
	var j job.Job
	if err := json.Unmarshal(data, &j); err != nil {
		q.rdb.LRem(ctx, q.processingKey(p), 1, id)
		return nil, nil
	}

	skip := false
	txf := func(tx *redis.Tx) error {
		st, err := q.getStatus(ctx, tx, id)
		if errors.Is(err, domain.ErrNotFound) {
			st = job.NewStatus(&j)
		} else if err != nil {
			return err
		}
		if st.State != job.StatePending && st.State != job.StateStarted {
			skip = true
			return nil
		}
		now := q.now().UTC()
		st.State = job.StateStarted
		st.StartedAt = &now
		stData, err := json.Marshal(st)
		if err != nil {
			return fmt.Errorf("marshal job status: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, q.statusKey(id), stData, q.ttl)
			return nil
		})
		return err
	}
	if err := q.watch(ctx, txf, q.statusKey(id)); err != nil {
		return nil, err
	}
	if skip {
		q.rdb.LRem(ctx, q.processingKey(p), 1, id)
		return nil, nil
	}

	return &jobqueue.Claim{
		Job: &j,
		AckFunc: func(ctx context.Context) error {
			return q.rdb.LRem(ctx, q.processingKey(p), 1, id).Err()
		},
		NakFunc: func(ctx context.Context) error {
			_, err := q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.LRem(ctx, q.processingKey(p), 1, id)
				pipe.RPush(ctx, q.queueKey(p), id)
				return nil
			})
			return err
		},
	}, nil
}

// Report stores a status update for a claimed job.
func (q *Queue) Report(ctx context.Context, st *job.Status) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal job status: %w", err)
	}
	if err := q.rdb.Set(ctx, q.statusKey(st.ID), data, q.ttl).Err(); err != nil {
		return &domain.TransportError{Op: "put job status", Err: err}
	}
	return nil
}

// Close closes the underlying client.
func (q *Queue) Close() error { return q.rdb.Close() }

func (q *Queue) watch(ctx context.Context, fn func(*redis.Tx) error, keys ...string) error {
	for range casRetries {
		err := q.rdb.Watch(ctx, fn, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil && !errors.Is(err, domain.ErrNotFound) && !errors.As(err, new(*domain.TransportError)) {
			return &domain.TransportError{Op: "job status transaction", Err: err}
		}
		return err
	}
	return &domain.TransportError{Op: "job status transaction", Err: redis.TxFailedErr}
}
