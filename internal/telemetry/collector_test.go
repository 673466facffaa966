package telemetry

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCollectorTotalsRecordedInstruments(t *testing.T) {
	c := NewCollector()
	t.Cleanup(func() { _ = c.Shutdown(context.Background()) })
	r := c.Recorder()
	ctx := context.Background()

	_, done := r.StartCommand(ctx, "START")
	done(nil)
	_, done = r.StartCommand(ctx, "SAVE")
	done(errors.New("boom"))
	r.NotificationReceived(ctx, "LOG_INFO")
	r.NotificationReceived(ctx, "EXECUTION_FINISHED")
	r.NotificationDropped(ctx, "LOG_INFO")

	snap, err := c.Snapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, 2.0, snap["oslctl.commands"])
	require.Equal(t, 1.0, snap["oslctl.command.errors"])
	require.Equal(t, 2.0, snap["oslctl.command.duration.count"])
	require.Equal(t, 2.0, snap["oslctl.notifications"])
	require.Equal(t, 1.0, snap["oslctl.notifications.dropped"])
}

func TestCollectorLogsOnlyAtDebug(t *testing.T) {
	c := NewCollector()
	t.Cleanup(func() { _ = c.Shutdown(context.Background()) })
	c.Recorder().ProcessStarted(context.Background(), nil)

	var info bytes.Buffer
	c.Log(context.Background(), slog.New(slog.NewTextHandler(&info, nil)))
	require.Empty(t, info.String())

	var debug bytes.Buffer
	c.Log(context.Background(), slog.New(slog.NewTextHandler(&debug, &slog.HandlerOptions{Level: slog.LevelDebug})))
	require.Contains(t, debug.String(), "session metrics")
	require.Contains(t, debug.String(), "oslctl.engine.starts=1")
}
