package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "tenantforge"

// Metrics holds the job, backup and watchdog instruments.
type Metrics struct {
	JobsStarted   metric.Int64Counter
	JobsCompleted metric.Int64Counter
	JobsFailed    metric.Int64Counter
	JobDuration   metric.Float64Histogram
	BackupBytes   metric.Int64Histogram
	BackupsPruned metric.Int64Counter
	StuckTenants  metric.Int64Counter
}

// NewMetrics creates all metric instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.JobsStarted, err = meter.Int64Counter("tenantforge.jobs.started",
		metric.WithDescription("Number of jobs picked up by a worker"))
	if err != nil {
		return nil, err
	}

	m.JobsCompleted, err = meter.Int64Counter("tenantforge.jobs.completed",
		metric.WithDescription("Number of jobs that finished successfully"))
	if err != nil {
		return nil, err
	}

	m.JobsFailed, err = meter.Int64Counter("tenantforge.jobs.failed",
		metric.WithDescription("Number of jobs that ended in failure"))
	if err != nil {
		return nil, err
	}

	m.JobDuration, err = meter.Float64Histogram("tenantforge.job.duration_seconds",
		metric.WithDescription("Job execution time in seconds"))
	if err != nil {
		return nil, err
	}

	m.BackupBytes, err = meter.Int64Histogram("tenantforge.backup.size_bytes",
		metric.WithDescription("Compressed backup artifact size"),
		metric.WithUnit("By"))
	if err != nil {
		return nil, err
	}

	m.BackupsPruned, err = meter.Int64Counter("tenantforge.backups.pruned",
		metric.WithDescription("Number of expired backups removed by the sweep"))
	if err != nil {
		return nil, err
	}

	m.StuckTenants, err = meter.Int64Counter("tenantforge.tenants.stuck",
		metric.WithDescription("Number of tenants flagged by the watchdog"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RecordJob records the outcome of one job execution. A nil receiver is a no-op.
func (m *Metrics) RecordJob(ctx context.Context, kind string, started time.Time, failed bool) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("job.kind", kind))
	if failed {
		m.JobsFailed.Add(ctx, 1, attrs)
	} else {
		m.JobsCompleted.Add(ctx, 1, attrs)
	}
	m.JobDuration.Record(ctx, time.Since(started).Seconds(), attrs)
}
