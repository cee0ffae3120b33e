package nats

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/Strob0t/TenantForge/internal/domain"
	"github.com/Strob0t/TenantForge/internal/domain/job"
)

// testConnect connects to NATS or skips the test if NATS_URL is not set.
func testConnect(t *testing.T) *Conn {
	t.Helper()

	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("requires NATS_URL")
	}

	c, err := Connect(context.Background(), url)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() {
		if err := c.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return c
}

func testQueue(t *testing.T) *JobQueue {
	t.Helper()
	c := testConnect(t)
	bucket := "test-jobs-" + strings.ToLower(strings.ReplaceAll(t.Name(), "/", "-"))
	q, err := NewJobQueue(context.Background(), c, JobQueueConfig{StatusBucket: bucket, StatusTTL: time.Hour})
	if err != nil {
		t.Fatalf("NewJobQueue: %v", err)
	}
	t.Cleanup(func() {
		_ = c.JetStream().DeleteKeyValue(context.Background(), bucket)
	})
	return q
}

// claimID claims from p until the job with id shows up. Deliveries left over
// from other runs are acked.
func claimID(t *testing.T, q *JobQueue, p job.Priority, id string) bool {
	t.Helper()
	ctx := context.Background()
	for range 50 {
		c, err := q.Claim(ctx, p)
		if err != nil {
			t.Fatalf("Claim: %v", err)
		}
		if c == nil {
			return false
		}
		if c.Job.ID == id {
			if err := c.Ack(ctx); err != nil {
				t.Fatalf("Ack: %v", err)
			}
			return true
		}
		_ = c.Ack(ctx)
	}
	return false
}

func TestJobQueue_EnqueueClaim(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	j, _ := job.New(job.KindProvisionTenant, "t-enqueue", job.ProvisionPayload{})
	id, err := q.Enqueue(ctx, j)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	st, err := q.Status(ctx, id)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.State != job.StatePending {
		t.Fatalf("state = %s, want pending", st.State)
	}

	if !claimID(t, q, job.PriorityHigh, id) {
		t.Fatal("enqueued job was not delivered")
	}
	st, _ = q.Status(ctx, id)
	if st.State != job.StateStarted {
		t.Fatalf("state after claim = %s, want started", st.State)
	}
}

func TestJobQueue_CancelBeforePickup(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	j, _ := job.New(job.KindInstallModule, "t-cancel", job.ModulePayload{Module: "sale"})
	id, err := q.Enqueue(ctx, j)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := q.Cancel(ctx, id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if claimID(t, q, job.PriorityDefault, id) {
		t.Fatal("cancelled job must not be handed to a worker")
	}
	st, _ := q.Status(ctx, id)
	if st.State != job.StateCancelled {
		t.Fatalf("state = %s, want cancelled", st.State)
	}
}

func TestJobQueue_IdempotencyKey(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	a, _ := job.New(job.KindBackupTenant, "t-idem", nil)
	a.IdempotencyKey = "backup:t-idem:" + time.Now().Format(time.RFC3339Nano)
	b, _ := job.New(job.KindBackupTenant, "t-idem", nil)
	b.IdempotencyKey = a.IdempotencyKey

	idA, err := q.Enqueue(ctx, a)
	if err != nil {
		t.Fatal(err)
	}
	idB, err := q.Enqueue(ctx, b)
	if err != nil {
		t.Fatal(err)
	}
	if idA != idB {
		t.Fatalf("same idempotency key gave %s and %s", idA, idB)
	}
}

func TestJobQueue_StatusNotFound(t *testing.T) {
	q := testQueue(t)
	_, err := q.Status(context.Background(), "does-not-exist")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestIdempotencyKVKey(t *testing.T) {
	k := idempotencyKVKey("provision: tenant/with spaces")
	if !strings.HasPrefix(k, "idem.") || len(k) != len("idem.")+32 {
		t.Fatalf("unexpected key %q", k)
	}
	if k != idempotencyKVKey("provision: tenant/with spaces") {
		t.Fatal("key must be deterministic")
	}
}

func TestIsRevisionConflict(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"key exists", jetstream.ErrKeyExists, true},
		{"wrong last sequence", &jetstream.APIError{ErrorCode: jetstream.JSErrCodeStreamWrongLastSequence}, true},
		{"other api error", &jetstream.APIError{ErrorCode: jetstream.JSErrCodeStreamNotFound}, false},
		{"plain", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isRevisionConflict(tt.err); got != tt.want {
				t.Fatalf("isRevisionConflict(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestJobQueue_FailedPublishReleasesIdempotencyKey(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()
	key := "retention_sweep-" + time.Now().Format(time.RFC3339Nano)

	publish := q.publish
	q.publish = func(context.Context, string, []byte, ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
		return nil, errors.New("nats: no responders available for request")
	}
	first, _ := job.New(job.KindRetentionSweep, "", nil)
	first.IdempotencyKey = key
	_, err := q.Enqueue(ctx, first)
	var terr *domain.TransportError
	if !errors.As(err, &terr) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if st, err := q.Status(ctx, first.ID); err != nil || st.State != job.StateFailed {
		t.Fatalf("failed job status = %+v, %v", st, err)
	}

	q.publish = publish
	retry, _ := job.New(job.KindRetentionSweep, "", nil)
	retry.IdempotencyKey = key
	id, err := q.Enqueue(ctx, retry)
	if err != nil {
		t.Fatalf("retry Enqueue: %v", err)
	}
	if id == first.ID {
		t.Fatal("retry returned the job that was never published")
	}
	if !claimID(t, q, job.PriorityLow, id) {
		t.Fatal("retried job was not delivered")
	}
}
