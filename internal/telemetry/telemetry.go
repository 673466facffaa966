// Package telemetry records command and notification instrumentation through OpenTelemetry.
//
// Instruments resolve against the global providers unless explicit ones are given, so an
// unconfigured process records into no-op providers. A nil *Recorder is valid and records nothing.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

const scope = "github.com/rbright/oslctl"

// Recorder owns the instruments shared by the client, listener, and supervisor layers.
type Recorder struct {
	tracer trace.Tracer

	commands       metric.Int64Counter
	commandErrors  metric.Int64Counter
	commandLatency metric.Float64Histogram
	notifications  metric.Int64Counter
	dropped        metric.Int64Counter
	refreshes      metric.Int64Counter
	processStarts  metric.Int64Counter
}

// New binds instruments to the global meter and tracer providers.
func New() *Recorder {
	return NewWithProviders(otel.GetMeterProvider(), otel.GetTracerProvider())
}

// NewWithProviders binds instruments to mp and tp.
func NewWithProviders(mp metric.MeterProvider, tp trace.TracerProvider) *Recorder {
	meter := mp.Meter(scope)
	return &Recorder{
		tracer:         tp.Tracer(scope),
		commands:       counter(meter, "oslctl.commands", "Commands and queries sent to the engine."),
		commandErrors:  counter(meter, "oslctl.command.errors", "Commands that failed at transport or engine level."),
		commandLatency: histogram(meter, "oslctl.command.duration", "Round-trip time of command exchanges."),
		notifications:  counter(meter, "oslctl.notifications", "Notifications dispatched by listeners."),
		dropped:        counter(meter, "oslctl.notifications.dropped", "Notifications dropped on a full subscriber queue."),
		refreshes:      counter(meter, "oslctl.listener.refreshes", "Listener registration refresh attempts."),
		processStarts:  counter(meter, "oslctl.engine.starts", "Engine process launches."),
	}
}

// StartCommand opens a span for one exchange. The returned func records the outcome.
func (r *Recorder) StartCommand(ctx context.Context, name string) (context.Context, func(error)) {
	if r == nil {
		return ctx, func(error) {}
	}
	ctx, span := r.tracer.Start(ctx, "oslctl.command "+name, trace.WithSpanKind(trace.SpanKindClient))
	started := time.Now()
	attrs := metric.WithAttributes(attribute.String("command", name))

	return ctx, func(err error) {
		r.commands.Add(ctx, 1, attrs)
		r.commandLatency.Record(ctx, time.Since(started).Seconds(), attrs)
		if err != nil {
			r.commandErrors.Add(ctx, 1, attrs)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}

func (r *Recorder) NotificationReceived(ctx context.Context, kind string) {
	if r == nil {
		return
	}
	r.notifications.Add(ctx, 1, metric.WithAttributes(attribute.String("type", kind)))
}

func (r *Recorder) NotificationDropped(ctx context.Context, kind string) {
	if r == nil {
		return
	}
	r.dropped.Add(ctx, 1, metric.WithAttributes(attribute.String("type", kind)))
}

func (r *Recorder) ListenerRefreshed(ctx context.Context, err error) {
	if r == nil {
		return
	}
	r.refreshes.Add(ctx, 1, metric.WithAttributes(attribute.Bool("ok", err == nil)))
}

func (r *Recorder) ProcessStarted(ctx context.Context, err error) {
	if r == nil {
		return
	}
	r.processStarts.Add(ctx, 1, metric.WithAttributes(attribute.Bool("ok", err == nil)))
}

func counter(meter metric.Meter, name, desc string) metric.Int64Counter {
	c, err := meter.Int64Counter(name, metric.WithDescription(desc))
	if err != nil {
		return metricnoop.Int64Counter{}
	}
	return c
}

func histogram(meter metric.Meter, name, desc string) metric.Float64Histogram {
	h, err := meter.Float64Histogram(name, metric.WithDescription(desc), metric.WithUnit("s"))
	if err != nil {
		return metricnoop.Float64Histogram{}
	}
	return h
}
