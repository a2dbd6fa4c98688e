// Package telemetry provides OpenTelemetry tracing helpers for ladder.
//
// Spans use the global tracer provider; without an SDK installed they are
// no-ops, so instrumented code pays nothing by default.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/Iron-Ham/ladder"

// Span names
const (
	SpanStateUpdate = "ladder.state.update"
	SpanStateView   = "ladder.state.view"
	SpanStateLoad   = "ladder.state.load"
	SpanStateSave   = "ladder.state.save"

	SpanTaskClaim   = "ladder.task.claim"
	SpanTaskRelease = "ladder.task.release"
	SpanTaskExecute = "ladder.task.execute"
	SpanTaskVerify  = "ladder.task.verify"

	SpanLevelRun   = "ladder.level.run"
	SpanLevelMerge = "ladder.level.merge"

	SpanWorkerLoop = "ladder.worker.loop"

	SpanSemaphoreAcquire = "ladder.semaphore.acquire"
)

// Attribute keys
const (
	KeyFeature  = "ladder.feature"
	KeyBackend  = "ladder.state.backend"
	KeyTaskID   = "ladder.task.id"
	KeyWorkerID = "ladder.worker.id"
	KeyLevel    = "ladder.level"
	KeyResource = "ladder.resource"
	KeyClaimed  = "ladder.task.claimed"
)

func tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// Start starts a span with the given attributes.
func Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

// StartTaskSpan starts a span for a task operation.
func StartTaskSpan(ctx context.Context, name, taskID string, workerID int, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs,
		attribute.String(KeyTaskID, taskID),
		attribute.Int(KeyWorkerID, workerID),
	)
	return Start(ctx, name, attrs...)
}

// StartLevelSpan starts a span for a level operation.
func StartLevelSpan(ctx context.Context, name string, level int) (context.Context, trace.Span) {
	return Start(ctx, name, attribute.Int(KeyLevel, level))
}

// End records err (if any) and ends the span.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// TraceID returns the trace id carried by ctx, or "".
func TraceID(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}
