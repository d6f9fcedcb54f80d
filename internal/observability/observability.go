// Package observability wires OpenTelemetry trace, metric, and log
// providers for the dispatch middleware, plus a set of counters and
// histograms. Only the OTEL logger is used elsewhere in the module (through
// NewSlogHandler); no package records against the counters or histograms.
package observability

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	dispatchlog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const scopeName = "github.com/tzsystem/dispatchd/internal/observability"

// Instruments holds the OTEL tracer, meter, logger, and the counters and
// histograms created by Init. Of these, only Logger is used outside this
// package.
type Instruments struct {
	Tracer trace.Tracer
	Meter  metric.Meter
	Logger dispatchlog.Logger

	AssignmentRequests metric.Int64Counter
	AssignmentDuration metric.Float64Histogram
	SkipCount          metric.Int64Counter
	CompletionCount    metric.Int64Counter
	DisabledTaskCount  metric.Int64Counter
	ReconcileDuration  metric.Float64Histogram
	ReconcileQueueLen  metric.Int64Counter
}

// Init sets up OTEL trace, metric, and log providers with OTLP HTTP
// exporters. Configuration comes from standard OTEL env vars
// (OTEL_EXPORTER_OTLP_ENDPOINT, etc.). Returns a shutdown function that must
// be called on application exit.
func Init(ctx context.Context) (*Instruments, func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName("dispatchd")),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, nil, err
	}

	traceExp, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	metricExp, err := otlpmetrichttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	logExp, err := otlploghttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		return nil, nil, err
	}
	lp := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExp)),
		sdklog.WithResource(res),
	)
	global.SetLoggerProvider(lp)

	inst, err := newInstruments()
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		_ = lp.Shutdown(ctx)
		return nil, nil, err
	}

	shutdown := func(ctx context.Context) error {
		return errors.Join(
			tp.Shutdown(ctx),
			mp.Shutdown(ctx),
			lp.Shutdown(ctx),
		)
	}

	return inst, shutdown, nil
}

func newInstruments() (*Instruments, error) {
	tracer := otel.Tracer(scopeName)
	meter := otel.Meter(scopeName)
	logger := global.GetLoggerProvider().Logger(scopeName)

	assignmentRequests, err := meter.Int64Counter("assignment.requests",
		metric.WithDescription("Task assignment requests"),
		metric.WithUnit("{request}"))
	if err != nil {
		return nil, err
	}

	assignmentDuration, err := meter.Float64Histogram("assignment.duration",
		metric.WithDescription("RequestTask call duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	skipCount, err := meter.Int64Counter("task.skip.count",
		metric.WithDescription("Task skip submissions"),
		metric.WithUnit("{skip}"))
	if err != nil {
		return nil, err
	}

	completionCount, err := meter.Int64Counter("task.completion.count",
		metric.WithDescription("Task annotation submissions"),
		metric.WithUnit("{completion}"))
	if err != nil {
		return nil, err
	}

	disabledTaskCount, err := meter.Int64Counter("task.disabled.count",
		metric.WithDescription("Tasks that crossed the global disable threshold"),
		metric.WithUnit("{task}"))
	if err != nil {
		return nil, err
	}

	reconcileDuration, err := meter.Float64Histogram("reconcile.duration",
		metric.WithDescription("Reconciler sync duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	reconcileQueueLen, err := meter.Int64Counter("reconcile.queue_len",
		metric.WithDescription("Queue length observed after each reconcile"),
		metric.WithUnit("{task}"))
	if err != nil {
		return nil, err
	}

	return &Instruments{
		Tracer:             tracer,
		Meter:              meter,
		Logger:             logger,
		AssignmentRequests: assignmentRequests,
		AssignmentDuration: assignmentDuration,
		SkipCount:          skipCount,
		CompletionCount:    completionCount,
		DisabledTaskCount:  disabledTaskCount,
		ReconcileDuration:  reconcileDuration,
		ReconcileQueueLen:  reconcileQueueLen,
	}, nil
}
