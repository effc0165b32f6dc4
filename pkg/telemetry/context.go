package telemetry

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/openfroyo/synth/pkg/engine"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry bundles logging, tracing and metrics.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Config  *Config
}

// telemetryContextKey is the context key for telemetry instances.
type telemetryContextKey struct{}

// NewTelemetry creates a new telemetry instance from configuration.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		return nil, err
	}

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Config:  cfg,
	}, nil
}

// WithContext adds the telemetry instance and its logger to the context.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, telemetryContextKey{}, t)
	return t.Logger.WithContext(ctx)
}

// FromTelemetryContext retrieves the telemetry instance from the context, or nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	if t, ok := ctx.Value(telemetryContextKey{}).(*Telemetry); ok {
		return t
	}
	return nil
}

// Shutdown flushes and stops the tracer.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return t.Tracer.Shutdown(ctx)
}

// Flush forces all pending spans to be exported.
func (t *Telemetry) Flush(ctx context.Context) error {
	return t.Tracer.ForceFlush(ctx)
}

// ServeMetrics serves the metrics endpoint until ctx is done.
func (t *Telemetry) ServeMetrics(ctx context.Context) (net.Addr, error) {
	return t.Metrics.Serve(ctx, func(err error) {
		t.Logger.WithError(err).Error("metrics server failed")
	})
}

// RecordError counts err by its engine class and code.
func (t *Telemetry) RecordError(err error) {
	if err == nil {
		return
	}
	t.Metrics.RecordError(string(engine.ClassOf(err)), engine.CodeOf(err))
}

// InstrumentedContext carries the span, logger and timer of one operation.
type InstrumentedContext struct {
	Ctx    context.Context
	Span   trace.Span
	Logger *Logger
	Timer  *Timer

	tel   *Telemetry
	stack string
}

// StartOperation begins an instrumented operation with logging, tracing, and timing.
func StartOperation(ctx context.Context, operation string, attrs ...attribute.KeyValue) *InstrumentedContext {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return &InstrumentedContext{
			Ctx:    ctx,
			Logger: FromContext(ctx),
			Timer:  NewTimer(),
		}
	}

	spanCtx, span := tel.Tracer.StartSpan(ctx, operation, attrs...)
	logger := withTrace(tel.Logger.WithField("operation", operation), span)

	return &InstrumentedContext{
		Ctx:    logger.WithContext(spanCtx),
		Span:   span,
		Logger: logger,
		Timer:  NewTimer(),
		tel:    tel,
	}
}

// StartStack begins the instrumented synthesis of one stack. End records the
// synthesis counter and duration for it.
func StartStack(ctx context.Context, stack string) *InstrumentedContext {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return &InstrumentedContext{
			Ctx:    ctx,
			Logger: FromContext(ctx).WithStack(stack),
			Timer:  NewTimer(),
			stack:  stack,
		}
	}

	spanCtx, span := tel.Tracer.StartStackSpan(ctx, stack)
	logger := withTrace(tel.Logger.WithStack(stack), span)

	return &InstrumentedContext{
		Ctx:    logger.WithContext(spanCtx),
		Span:   span,
		Logger: logger,
		Timer:  NewTimer(),
		tel:    tel,
		stack:  stack,
	}
}

func withTrace(logger *Logger, span trace.Span) *Logger {
	if !span.SpanContext().IsValid() {
		return logger
	}
	return logger.WithFields(map[string]interface{}{
		"trace_id": span.SpanContext().TraceID().String(),
		"span_id":  span.SpanContext().SpanID().String(),
	})
}

// End finishes the instrumented operation, recording success or failure.
func (ic *InstrumentedContext) End(err error) time.Duration {
	duration := ic.Timer.Duration()

	if ic.Span != nil {
		if err != nil {
			RecordError(ic.Span, err)
			var ee *engine.EngineError
			if errors.As(err, &ee) {
				ic.Span.SetAttributes(AttrErrorClass.String(string(ee.Class)), AttrErrorCode.String(ee.Code))
			}
		} else {
			RecordSuccess(ic.Span)
		}
		ic.Span.End()
	}

	if ic.tel != nil {
		ic.tel.RecordError(err)
		if ic.stack != "" {
			status := "success"
			if err != nil {
				status = "failure"
			}
			ic.tel.Metrics.RecordStackSynthesized(ic.stack, status, duration)
		}
	}

	return duration
}
