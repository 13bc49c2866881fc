package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"steward/internal/audit"
	"steward/internal/domain"
	"steward/internal/engine/auth"
	"steward/internal/policy"
)

const (
	accessScope = "steward/access"
	sinkScope   = "steward/audit"
)

// AccessObserver records one span event and one counter increment per
// access verdict.
type AccessObserver struct {
	tracer    trace.Tracer
	decisions metric.Int64Counter
}

var _ auth.Observer = (*AccessObserver)(nil)

// NewAccessObserver builds an observer on the given providers. Nil
// providers fall back to the globals.
func NewAccessObserver(tp trace.TracerProvider, mp metric.MeterProvider) *AccessObserver {
	tracer := Tracer(accessScope)
	if tp != nil {
		tracer = tp.Tracer(accessScope)
	}
	meter := Meter(accessScope)
	if mp != nil {
		meter = mp.Meter(accessScope)
	}
	decisions, _ := meter.Int64Counter("steward.access.decisions",
		metric.WithDescription("Access verdicts by outcome and code"),
	)
	return &AccessObserver{tracer: tracer, decisions: decisions}
}

func (o *AccessObserver) ObserveAccess(ctx context.Context, actor domain.Actor, action policy.Action, v auth.Verdict) {
	attrs := []attribute.KeyValue{
		attribute.String("steward.actor", actor.String()),
		attribute.String("steward.action", string(action)),
		attribute.Bool("steward.allowed", v.Allowed),
	}
	if v.Code != "" {
		attrs = append(attrs, attribute.String("steward.code", string(v.Code)))
	}
	if v.Role != "" {
		attrs = append(attrs, attribute.String("steward.role", v.Role))
	}
	_, span := o.tracer.Start(ctx, "access.check", trace.WithAttributes(attrs...))
	if !v.Allowed {
		span.SetStatus(codes.Error, v.Reason)
	}
	span.End()
	if o.decisions != nil {
		o.decisions.Add(ctx, 1, metric.WithAttributes(
			attribute.String("steward.action", string(action)),
			attribute.Bool("steward.allowed", v.Allowed),
		))
	}
}

type instrumentedSink struct {
	inner  audit.Sink
	tracer trace.Tracer
	errs   metric.Int64Counter
}

// WrapSink traces every durable write. With telemetry disabled s is
// returned unchanged.
func WrapSink(s audit.Sink) audit.Sink {
	if !Enabled() {
		return s
	}
	return wrapSink(s, Tracer(sinkScope), Meter(sinkScope))
}

func wrapSink(s audit.Sink, tracer trace.Tracer, meter metric.Meter) audit.Sink {
	errs, _ := meter.Int64Counter("steward.audit.sink.errors",
		metric.WithDescription("Failed durable audit writes"),
	)
	return &instrumentedSink{inner: s, tracer: tracer, errs: errs}
}

func (s *instrumentedSink) Write(ctx context.Context, entry domain.AuditEntry) error {
	ctx, span := s.tracer.Start(ctx, "audit.persist", trace.WithAttributes(
		attribute.String("steward.audit.id", entry.ID),
		attribute.String("steward.action", entry.Action),
	))
	defer span.End()
	err := s.inner.Write(ctx, entry)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if s.errs != nil {
			s.errs.Add(ctx, 1)
		}
	}
	return err
}
