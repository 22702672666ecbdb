package handler

import (
	"context"
	"time"

	"github.com/aws/aws-lambda-go/lambdacontext"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/therealutkarshpriyadarshi/accesslog-firehose/internal/health"
	"github.com/therealutkarshpriyadarshi/accesslog-firehose/internal/logging"
	"github.com/therealutkarshpriyadarshi/accesslog-firehose/internal/metrics"
	"github.com/therealutkarshpriyadarshi/accesslog-firehose/internal/quarantine"
	"github.com/therealutkarshpriyadarshi/accesslog-firehose/internal/tracing"
	"github.com/therealutkarshpriyadarshi/accesslog-firehose/internal/transform"
	"github.com/therealutkarshpriyadarshi/accesslog-firehose/pkg/types"
)

// Invocation sources
const (
	SourceLambda = "lambda"
	SourceHTTP   = "http"
)

// Archive write limits
const (
	DefaultQuarantineTimeout = 5 * time.Second
	DefaultDeadlineReserve   = 500 * time.Millisecond
)

// Config holds handler dependencies
type Config struct {
	Transformer *transform.Transformer
	Sink        quarantine.Sink
	Tracker     *health.WriteTracker
	Metrics     *metrics.Collector
	Logger      *logging.Logger
	Tracer      trace.Tracer

	// QuarantineTimeout bounds one archive write
	QuarantineTimeout time.Duration

	// DeadlineReserve is left between the archive write and the
	// invocation deadline for building the response
	DeadlineReserve time.Duration
}

// Handler serves Firehose transformation invocations
type Handler struct {
	transformer *transform.Transformer
	sink        quarantine.Sink
	tracker     *health.WriteTracker
	metrics     *metrics.Collector
	logger      *logging.Logger
	tracer      trace.Tracer

	quarantineTimeout time.Duration
	deadlineReserve   time.Duration
}

// New creates a handler. Every field of cfg is optional.
func New(cfg Config) *Handler {
	h := &Handler{
		transformer: cfg.Transformer,
		sink:        cfg.Sink,
		tracker:     cfg.Tracker,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger,
		tracer:      cfg.Tracer,

		quarantineTimeout: cfg.QuarantineTimeout,
		deadlineReserve:   cfg.DeadlineReserve,
	}

	if h.quarantineTimeout <= 0 {
		h.quarantineTimeout = DefaultQuarantineTimeout
	}
	if h.deadlineReserve <= 0 {
		h.deadlineReserve = DefaultDeadlineReserve
	}

	if h.logger == nil {
		h.logger = logging.Nop()
	}
	if h.transformer == nil {
		h.transformer = transform.New(transform.Config{Metrics: cfg.Metrics, Logger: h.logger})
	}
	if h.sink == nil {
		h.sink = quarantine.NopSink{}
	}
	if h.tracer == nil {
		h.tracer = otel.Tracer("accesslog-transformer")
	}
	h.logger = h.logger.WithComponent("handler")

	return h
}

// Handle is the Lambda entry point
func (h *Handler) Handle(ctx context.Context, event types.FirehoseEvent) (types.TransformationEvent, error) {
	return h.Invoke(ctx, SourceLambda, event), nil
}

// Invoke transforms one Firehose invocation. Record failures are reported
// per record and archive failures are only logged, so it cannot fail.
func (h *Handler) Invoke(ctx context.Context, source string, event types.FirehoseEvent) types.TransformationEvent {
	start := time.Now()

	var requestID string
	if lc, ok := lambdacontext.FromContext(ctx); ok {
		requestID = lc.AwsRequestID
	}
	logger := h.logger.WithInvocation(event.InvocationID, requestID)

	ctx, span := tracing.TraceInvocation(ctx, h.tracer, event.InvocationID, source, len(event.Records))
	defer span.End()

	result := h.transformer.Process(event.Records)
	tracing.RecordResult(span, result.Stats.Ok, result.Stats.Failed)

	if len(result.Failures) > 0 {
		h.quarantine(ctx, logger, event, result.Failures)
	}

	elapsed := time.Since(start)
	if h.metrics != nil {
		h.metrics.InvocationsTotal.WithLabelValues(source).Inc()
		h.metrics.BatchSize.Observe(float64(len(event.Records)))
		h.metrics.BatchDuration.WithLabelValues(source).Observe(elapsed.Seconds())
	}

	logger.Info().
		Str("source", source).
		Int64("records", result.Stats.Records).
		Int64("ok", result.Stats.Ok).
		Int64("failed", result.Stats.Failed).
		Dur("duration", elapsed).
		Msg("Transformed batch")

	return types.TransformationEvent{Records: result.Records}
}

// quarantine archives failed records
func (h *Handler) quarantine(ctx context.Context, logger *logging.Logger, event types.FirehoseEvent, failures []*transform.RecordError) {
	batch := newBatch(event, failures)

	ctx, cancel := h.quarantineContext(ctx)
	defer cancel()

	ctx, span := tracing.TraceQuarantine(ctx, h.tracer, h.sink.Name(), len(batch.Entries))
	defer span.End()

	start := time.Now()
	err := h.sink.Write(ctx, batch)
	if h.tracker != nil {
		h.tracker.Observe(err)
	}

	if h.metrics != nil {
		h.metrics.QuarantineDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			h.metrics.QuarantineWrites.WithLabelValues("error").Inc()
		} else {
			h.metrics.QuarantineWrites.WithLabelValues("success").Inc()
			h.metrics.QuarantineRecords.Add(float64(len(batch.Entries)))
		}
	}

	if err != nil {
		tracing.RecordError(span, err)
		logger.Error().
			Err(err).
			Str("sink", h.sink.Name()).
			Int("records", len(batch.Entries)).
			Msg("Failed to quarantine records")
	}
}

// quarantineContext limits the archive write to the configured timeout and
// never past the invocation deadline minus the reserve
func (h *Handler) quarantineContext(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := h.quarantineTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline) - h.deadlineReserve; remaining < timeout {
			timeout = remaining
		}
	}
	return context.WithTimeout(ctx, timeout)
}

// newBatch pairs every failure with the record it came from
func newBatch(event types.FirehoseEvent, failures []*transform.RecordError) *quarantine.Batch {
	batch := &quarantine.Batch{
		InvocationID:      event.InvocationID,
		DeliveryStreamArn: event.DeliveryStreamArn,
		Region:            event.Region,
		Entries:           make([]quarantine.Entry, 0, len(failures)),
	}

	for _, f := range failures {
		r := event.Records[f.Index]
		batch.Entries = append(batch.Entries, quarantine.Entry{
			RecordID:                    r.RecordID,
			Kind:                        f.Kind.String(),
			Error:                       f.Err.Error(),
			Data:                        r.Data,
			ApproximateArrivalTimestamp: r.ApproximateArrivalTimestamp,
			InvocationID:                event.InvocationID,
			DeliveryStreamArn:           event.DeliveryStreamArn,
		})
	}
	return batch
}
