// Package adapter connects the bridge to external observability systems.
package adapter

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/srediag/plugin-bridge/api"
	"github.com/srediag/plugin-bridge/pkg/dispatch"
	"github.com/srediag/plugin-bridge/pkg/wire"
)

const instrumentationName = "github.com/srediag/plugin-bridge"

// OTelAdapter traces and measures every handled request.
type OTelAdapter struct {
	tracer   trace.Tracer
	requests metric.Int64Counter
	duration metric.Float64Histogram
}

// NewOTelAdapter builds an adapter on the given providers. Nil providers
// fall back to no-op ones.
func NewOTelAdapter(tp trace.TracerProvider, mp metric.MeterProvider) (*OTelAdapter, error) {
	if tp == nil {
		tp = tracenoop.NewTracerProvider()
	}
	if mp == nil {
		mp = metricnoop.NewMeterProvider()
	}
	meter := mp.Meter(instrumentationName)
	requests, err := meter.Int64Counter("plugin_bridge.requests",
		metric.WithDescription("Requests handled, by operation and outcome."))
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram("plugin_bridge.request.duration",
		metric.WithDescription("Handler latency."),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	return &OTelAdapter{
		tracer:   tp.Tracer(instrumentationName),
		requests: requests,
		duration: duration,
	}, nil
}

// Middleware returns the dispatcher middleware recording a span and metrics
// per request.
func (a *OTelAdapter) Middleware() api.Middleware {
	return func(next api.Handler) api.Handler {
		return func(ctx context.Context, req wire.Request) ([]byte, error) {
			attrs := []attribute.KeyValue{
				attribute.Int("bridge.operation", int(req.Operation)),
				attribute.Bool("bridge.sync", dispatch.IsSync(ctx)),
			}
			spanAttrs := append([]attribute.KeyValue{attribute.String("bridge.target", req.Target.String())}, attrs...)
			if id, ok := dispatch.CorrelationID(ctx); ok {
				spanAttrs = append(spanAttrs, attribute.Int("bridge.correlation_id", int(id)))
			}

			ctx, span := a.tracer.Start(ctx, "plugin_bridge.handle",
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(spanAttrs...))
			defer span.End()

			start := time.Now()
			out, err := next(ctx, req)
			outcome := "ok"
			if err != nil {
				outcome = string(api.KindOf(err))
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			} else {
				span.SetAttributes(attribute.Int("bridge.response_bytes", len(out)))
			}
			attrs = append(attrs, attribute.String("bridge.outcome", outcome))
			a.requests.Add(ctx, 1, metric.WithAttributes(attrs...))
			a.duration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attrs...))
			return out, err
		}
	}
}
