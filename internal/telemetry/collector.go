package telemetry

import (
	"context"
	"log/slog"
	"maps"
	"slices"

	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// Collector keeps metrics inside the process so a CLI session can report them when it
// ends. Hosts that export telemetry configure the global providers and use New instead.
type Collector struct {
	reader   *sdkmetric.ManualReader
	provider *sdkmetric.MeterProvider
}

func NewCollector() *Collector {
	reader := sdkmetric.NewManualReader()
	return &Collector{
		reader:   reader,
		provider: sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)),
	}
}

// Recorder returns instruments bound to the collector's meter provider.
func (c *Collector) Recorder() *Recorder {
	return NewWithProviders(c.provider, otel.GetTracerProvider())
}

// Snapshot totals every instrument across attributes. Histograms contribute
// "<name>.count" and "<name>.sum".
func (c *Collector) Snapshot(ctx context.Context) (map[string]float64, error) {
	var rm metricdata.ResourceMetrics
	if err := c.reader.Collect(ctx, &rm); err != nil {
		return nil, err
	}
	out := map[string]float64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					out[m.Name] += float64(dp.Value)
				}
			case metricdata.Sum[float64]:
				for _, dp := range data.DataPoints {
					out[m.Name] += dp.Value
				}
			case metricdata.Histogram[float64]:
				for _, dp := range data.DataPoints {
					out[m.Name+".count"] += float64(dp.Count)
					out[m.Name+".sum"] += dp.Sum
				}
			}
		}
	}
	return out, nil
}

// Log writes the snapshot as one debug record.
func (c *Collector) Log(ctx context.Context, logger *slog.Logger) {
	if logger == nil || !logger.Enabled(ctx, slog.LevelDebug) {
		return
	}
	snap, err := c.Snapshot(ctx)
	if err != nil {
		logger.Debug("collect metrics failed", "error", err)
		return
	}
	attrs := make([]any, 0, 2*len(snap))
	for _, name := range slices.Sorted(maps.Keys(snap)) {
		attrs = append(attrs, name, snap[name])
	}
	logger.Debug("session metrics", attrs...)
}

func (c *Collector) Shutdown(ctx context.Context) error {
	return c.provider.Shutdown(ctx)
}
