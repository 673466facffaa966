package config

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rbright/oslctl/internal/notify"
)

func TestParseYAML(t *testing.T) {
	cfg, warnings, err := Parse(`
# attach to a running engine
server:
  host: 10.0.0.5
  port: 5310
  max_request_attempts: 1
listener:
  refresh_ms: 20000
  notifications:
    - EXECUTION_FINISHED
    - log_error
`, Default())
	require.NoError(t, err)
	require.Empty(t, warnings)
	require.True(t, cfg.Server.Attach())
	require.Equal(t, "10.0.0.5", cfg.Server.Host)
	require.Equal(t, 5310, cfg.Server.Port)
	require.Equal(t, 1, cfg.Server.MaxRequestAttempts)
	require.Equal(t, 30000, cfg.Server.RequestTimeoutMS)
	require.Equal(t, 20000, cfg.Listener.RefreshMS)
	require.Equal(t, []string{notify.ExecutionFinished, notify.LogError}, cfg.Listener.Notifications)
}

func TestParseYAMLCommaDelimitedNotifications(t *testing.T) {
	cfg, _, err := Parse("listener:\n  notifications: SERVER_UP, SERVER_DOWN\n", Default())
	require.NoError(t, err)
	require.Equal(t, []string{notify.ServerUp, notify.ServerDown}, cfg.Listener.Notifications)
}

func TestParseYAMLCommentsOnlyUsesDefaults(t *testing.T) {
	cfg, _, err := Parse("# nothing configured yet\n", Default())
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestParseYAMLRejectsInvalidInput(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr string
	}{
		{name: "unknown field", input: "engine:\n  gui: true\n", wantErr: "field gui not found"},
		{name: "type error", input: "server:\n  port: high\n", wantErr: "line 2"},
		{name: "multiple documents", input: "engine:\n  batch: true\n---\nengine:\n  batch: false\n", wantErr: "multiple YAML documents"},
		{name: "notifications mapping", input: "listener:\n  notifications:\n    a: b\n", wantErr: "expected string array"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := Parse(tc.input, Default())
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.wantErr)
		})
	}
}
