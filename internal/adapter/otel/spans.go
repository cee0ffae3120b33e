package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "tenantforge"

// StartJobSpan starts a span for one job execution.
func StartJobSpan(ctx context.Context, jobID, kind, tenantID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "job."+kind,
		trace.WithAttributes(
			attribute.String("job.id", jobID),
			attribute.String("job.kind", kind),
			attribute.String("tenant.id", tenantID),
		),
	)
}

// StartBackupSpan starts a span for a backup or restore pipeline stage.
func StartBackupSpan(ctx context.Context, stage, backupID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "backup."+stage,
		trace.WithAttributes(attribute.String("backup.id", backupID)),
	)
}

// EndSpan records err on span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
