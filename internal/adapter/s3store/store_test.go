package s3store

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/Strob0t/TenantForge/internal/config"
	"github.com/Strob0t/TenantForge/internal/domain"
	"github.com/Strob0t/TenantForge/internal/port/objectstore"
)

// fakeS3 is a path-style S3 endpoint holding objects in memory.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	headers map[string]http.Header
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := strings.TrimPrefix(r.URL.Path, "/")
	switch r.Method {
	case http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		f.objects[key] = body
		f.headers[key] = r.Header.Clone()
		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		data, ok := f.objects[key]
		if !ok {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>missing</Message></Error>`)
			return
		}
		_, _ = w.Write(data)
	case http.MethodDelete:
		delete(f.objects, key)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func newTestStore(t *testing.T) (*Store, *fakeS3) {
	t.Helper()
	fake := &fakeS3{objects: map[string][]byte{}, headers: map[string]http.Header{}}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	s, err := New(config.S3{
		Bucket:          "backups",
		Region:          "us-east-1",
		Endpoint:        srv.URL,
		AccessKeyID:     "test",
		SecretAccessKey: "test",
		ForcePathStyle:  true,
	}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s, fake
}

func TestPutGetDelete(t *testing.T) {
	s, fake := newTestStore(t)
	ctx := context.Background()
	key := "tenants/t1/2026/10/14/tenant_acme_20261014_120000.sql.gz"

	err := s.Put(ctx, key, bytes.NewReader([]byte("dump")), objectstore.PutOptions{
		ContentType:  "application/gzip",
		SSEAlgorithm: "aws:kms",
		KMSKeyID:     "alias/backups",
	})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	h := fake.headers["backups/"+key]
	if got := h.Get("X-Amz-Server-Side-Encryption"); got != "aws:kms" {
		t.Fatalf("sse header = %q", got)
	}
	if got := h.Get("X-Amz-Server-Side-Encryption-Aws-Kms-Key-Id"); got != "alias/backups" {
		t.Fatalf("kms key header = %q", got)
	}

	rc, err := s.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	data, _ := io.ReadAll(rc)
	_ = rc.Close()
	if string(data) != "dump" {
		t.Fatalf("Get = %q", data)
	}

	if err := s.Delete(ctx, key); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, key); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Get after delete: expected ErrNotFound, got %v", err)
	}
}

func TestPutWithoutSSE(t *testing.T) {
	s, fake := newTestStore(t)
	if err := s.Put(context.Background(), "backups/x", strings.NewReader("x"), objectstore.PutOptions{}); err != nil {
		t.Fatal(err)
	}
	if got := fake.headers["backups/backups/x"].Get("X-Amz-Server-Side-Encryption"); got != "" {
		t.Fatalf("unexpected sse header %q", got)
	}
}

func TestDeleteMissingSucceeds(t *testing.T) {
	s, _ := newTestStore(t)
	if err := s.Delete(context.Background(), "nope"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
}
