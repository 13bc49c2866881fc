// Package telemetry wires OpenTelemetry into steward.
//
// Telemetry is off unless STEWARD_OTEL_ENABLED=true. When off, no-op
// providers are installed and every instrument is free. When on, spans are
// written by the stdout exporter to the writer given to Init.
package telemetry

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const (
	EnvEnabled = "STEWARD_OTEL_ENABLED"
	scope      = "steward"
)

var shutdownFns []func(context.Context) error

// Enabled reports whether STEWARD_OTEL_ENABLED parses as true.
func Enabled() bool {
	on, _ := strconv.ParseBool(os.Getenv(EnvEnabled))
	return on
}

// Init installs the global providers. With telemetry disabled it installs
// no-op providers and returns.
func Init(ctx context.Context, serviceName, version string, w io.Writer) error {
	if !Enabled() {
		otel.SetTracerProvider(tracenoop.NewTracerProvider())
		otel.SetMeterProvider(metricnoop.NewMeterProvider())
		return nil
	}
	if w == nil {
		w = os.Stderr
	}
	res, err := resource.New(ctx, resource.WithAttributes(
		attribute.String("service.name", serviceName),
		attribute.String("service.version", version),
	))
	if err != nil {
		return fmt.Errorf("telemetry: resource: %w", err)
	}
	exp, err := stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithPrettyPrint())
	if err != nil {
		return fmt.Errorf("telemetry: stdout exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithBatcher(exp),
	)
	otel.SetTracerProvider(tp)
	shutdownFns = append(shutdownFns, tp.Shutdown)
	return nil
}

func Tracer(name string) trace.Tracer {
	if name == "" {
		name = scope
	}
	return otel.Tracer(name)
}

func Meter(name string) metric.Meter {
	if name == "" {
		name = scope
	}
	return otel.Meter(name)
}

// Shutdown flushes pending spans. Call it with a short-lived context.
func Shutdown(ctx context.Context) {
	for _, fn := range shutdownFns {
		_ = fn(ctx)
	}
	shutdownFns = nil
}
