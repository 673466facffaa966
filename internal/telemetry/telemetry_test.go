package telemetry

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

type recorded struct {
	mu     sync.Mutex
	counts map[string]int64
	values map[string][]float64
}

func (r *recorded) add(key string, n int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts[key] += n
}

func (r *recorded) record(key string, v float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values[key] = append(r.values[key], v)
}

func (r *recorded) count(key string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[key]
}

type fakeProvider struct {
	metricnoop.MeterProvider
	rec *recorded
}

func (p fakeProvider) Meter(string, ...metric.MeterOption) metric.Meter {
	return fakeMeter{rec: p.rec}
}

type fakeMeter struct {
	metricnoop.Meter
	rec *recorded
}

func (m fakeMeter) Int64Counter(name string, _ ...metric.Int64CounterOption) (metric.Int64Counter, error) {
	return fakeCounter{name: name, rec: m.rec}, nil
}

func (m fakeMeter) Float64Histogram(name string, _ ...metric.Float64HistogramOption) (metric.Float64Histogram, error) {
	return fakeHistogram{name: name, rec: m.rec}, nil
}

type fakeCounter struct {
	metricnoop.Int64Counter
	name string
	rec  *recorded
}

func (c fakeCounter) Add(_ context.Context, n int64, opts ...metric.AddOption) {
	set := metric.NewAddConfig(opts).Attributes()
	c.rec.add(c.name+attrKey(set.Encoded(attribute.DefaultEncoder())), n)
}

type fakeHistogram struct {
	metricnoop.Float64Histogram
	name string
	rec  *recorded
}

func (h fakeHistogram) Record(_ context.Context, v float64, _ ...metric.RecordOption) {
	h.rec.record(h.name, v)
}

func attrKey(encoded string) string {
	if encoded == "" {
		return ""
	}
	return "{" + encoded + "}"
}

func newRecorder() (*Recorder, *recorded) {
	rec := &recorded{counts: map[string]int64{}, values: map[string][]float64{}}
	return NewWithProviders(fakeProvider{rec: rec}, tracenoop.NewTracerProvider()), rec
}

func TestStartCommandRecordsSuccessAndFailure(t *testing.T) {
	r, rec := newRecorder()

	_, done := r.StartCommand(context.Background(), "START")
	done(nil)
	_, done = r.StartCommand(context.Background(), "START")
	done(errors.New("boom"))

	require.Equal(t, int64(2), rec.count("oslctl.commands{command=START}"))
	require.Equal(t, int64(1), rec.count("oslctl.command.errors{command=START}"))
	require.Len(t, rec.values["oslctl.command.duration"], 2)
}

func TestNotificationCounters(t *testing.T) {
	r, rec := newRecorder()
	ctx := context.Background()

	r.NotificationReceived(ctx, "EXECUTION_FINISHED")
	r.NotificationReceived(ctx, "EXECUTION_FINISHED")
	r.NotificationDropped(ctx, "LOG_INFO")
	r.ListenerRefreshed(ctx, nil)
	r.ListenerRefreshed(ctx, errors.New("gone"))
	r.ProcessStarted(ctx, nil)

	require.Equal(t, int64(2), rec.count("oslctl.notifications{type=EXECUTION_FINISHED}"))
	require.Equal(t, int64(1), rec.count("oslctl.notifications.dropped{type=LOG_INFO}"))
	require.Equal(t, int64(1), rec.count("oslctl.listener.refreshes{ok=true}"))
	require.Equal(t, int64(1), rec.count("oslctl.listener.refreshes{ok=false}"))
	require.Equal(t, int64(1), rec.count("oslctl.engine.starts{ok=true}"))
}

func TestNilRecorderIsNoop(t *testing.T) {
	var r *Recorder
	ctx := context.Background()

	got, done := r.StartCommand(ctx, "SAVE")
	require.Equal(t, ctx, got)
	done(errors.New("ignored"))
	r.NotificationReceived(ctx, "SERVER_UP")
	r.NotificationDropped(ctx, "SERVER_UP")
	r.ListenerRefreshed(ctx, nil)
	r.ProcessStarted(ctx, nil)
}

func TestNewUsesGlobalProviders(t *testing.T) {
	r := New()
	require.NotNil(t, r)
	_, done := r.StartCommand(context.Background(), "SERVER_INFO")
	done(nil)
}
