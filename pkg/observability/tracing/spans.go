package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/nimburion/conveyor"

// SpanOperation names a traced pipeline operation.
type SpanOperation string

const (
	SpanOperationCreateJob      SpanOperation = "pipeline.create_job"
	SpanOperationEnqueueStage   SpanOperation = "pipeline.enqueue_stage"
	SpanOperationDequeueStage   SpanOperation = "pipeline.dequeue_stage"
	SpanOperationCompleteStage  SpanOperation = "pipeline.mark_completed"
	SpanOperationRequeueStage   SpanOperation = "pipeline.delayed_requeue"
	SpanOperationDeadLetter     SpanOperation = "pipeline.dead_letter"
	SpanOperationReconcile      SpanOperation = "pipeline.reconcile"
	SpanOperationProcessStage   SpanOperation = "worker.process"
	SpanOperationDispatcherTick SpanOperation = "dispatcher.tick"
)

// StageSpanOption configures a stage span.
type StageSpanOption func(*stageSpanOptions)

type stageSpanOptions struct {
	kind       trace.SpanKind
	stage      string
	attributes []attribute.KeyValue
}

// WithJobID tags the span with the job id.
func WithJobID(jobID string) StageSpanOption {
	return func(opts *stageSpanOptions) {
		if jobID != "" {
			opts.attributes = append(opts.attributes, attribute.String("conveyor.job_id", jobID))
		}
	}
}

// WithStage tags the span with the stage name and appends it to the span name.
func WithStage(stage string) StageSpanOption {
	return func(opts *stageSpanOptions) {
		opts.stage = stage
		opts.attributes = append(opts.attributes, attribute.String("conveyor.stage", stage))
	}
}

// WithQueue tags the span with the queue name.
func WithQueue(queue string) StageSpanOption {
	return func(opts *stageSpanOptions) {
		opts.attributes = append(opts.attributes, attribute.String("messaging.destination", queue))
	}
}

// WithAttempt tags the span with the attempt counter.
func WithAttempt(attempt int) StageSpanOption {
	return func(opts *stageSpanOptions) {
		opts.attributes = append(opts.attributes, attribute.Int("conveyor.attempt", attempt))
	}
}

// AsConsumer marks the span as message consumption.
func AsConsumer() StageSpanOption {
	return func(opts *stageSpanOptions) {
		opts.kind = trace.SpanKindConsumer
	}
}

// StartStageSpan starts a span for a pipeline operation using the global
// tracer provider.
func StartStageSpan(ctx context.Context, operation SpanOperation, opts ...StageSpanOption) (context.Context, trace.Span) {
	spanOpts := &stageSpanOptions{
		kind: trace.SpanKindInternal,
		attributes: []attribute.KeyValue{
			attribute.String("conveyor.operation", string(operation)),
		},
	}
	for _, opt := range opts {
		opt(spanOpts)
	}

	name := string(operation)
	if spanOpts.stage != "" {
		name = fmt.Sprintf("%s %s", operation, spanOpts.stage)
	}
	ctx, span := otel.Tracer(instrumentationName).Start(ctx, name, trace.WithSpanKind(spanOpts.kind))
	span.SetAttributes(spanOpts.attributes...)
	return ctx, span
}

// RecordError records err on span and marks it failed.
func RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// RecordSuccess marks span as successful.
func RecordSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// End records err (when non-nil) or success and ends the span.
func End(span trace.Span, err error) {
	if err != nil {
		RecordError(span, err)
	} else {
		RecordSuccess(span)
	}
	span.End()
}
