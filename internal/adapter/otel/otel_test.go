package otel

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Strob0t/TenantForge/internal/config"
)

func TestSetupDisabled(t *testing.T) {
	shutdown, err := Setup(context.Background(), config.OTEL{})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestMetricsOnNoopProvider(t *testing.T) {
	m, err := NewMetrics()
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	m.RecordJob(context.Background(), "provision", time.Now(), false)
	m.RecordJob(context.Background(), "provision", time.Now(), true)

	var nilMetrics *Metrics
	nilMetrics.RecordJob(context.Background(), "backup", time.Now(), true)
}

func TestSpans(t *testing.T) {
	ctx, span := StartJobSpan(context.Background(), "j1", "backup", "t1")
	_, child := StartBackupSpan(ctx, "upload", "b1")
	EndSpan(child, errors.New("boom"))
	EndSpan(span, nil)
}

func TestHTTPMiddleware(t *testing.T) {
	h := HTTPMiddleware("test")(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusTeapot {
		t.Fatalf("status = %d", rec.Code)
	}
}
