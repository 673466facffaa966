package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	warnings, err := Validate(Default())
	require.NoError(t, err)
	require.Empty(t, warnings)
}

func TestValidateRejectsInvalidCoreFields(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "empty executable", mutate: func(c *Config) { c.Engine.Executable = " " }, wantErr: "engine.executable"},
		{name: "engine port range order", mutate: func(c *Config) { c.Engine.PortRange = [2]int{6000, 5000} }, wantErr: "exceeds maximum"},
		{name: "engine port range bounds", mutate: func(c *Config) { c.Engine.PortRange = [2]int{0, 70000} }, wantErr: "engine.port_range"},
		{name: "startup timeout", mutate: func(c *Config) { c.Engine.StartupTimeoutMS = 0 }, wantErr: "engine.startup_timeout_ms"},
		{name: "negative grace", mutate: func(c *Config) { c.Engine.TerminationGraceMS = -1 }, wantErr: "engine.termination_grace_ms"},
		{name: "server port", mutate: func(c *Config) { c.Server.Port = 70000 }, wantErr: "server.port"},
		{name: "server host", mutate: func(c *Config) {
			c.Server.Port = 5310
			c.Server.Host = ""
		}, wantErr: "server.host"},
		{name: "request timeout", mutate: func(c *Config) { c.Server.RequestTimeoutMS = 0 }, wantErr: "server.request_timeout_ms"},
		{name: "attempts", mutate: func(c *Config) { c.Server.MaxRequestAttempts = 0 }, wantErr: "server.max_request_attempts"},
		{name: "listener host", mutate: func(c *Config) { c.Listener.Host = "" }, wantErr: "listener.host"},
		{name: "listener port range", mutate: func(c *Config) { c.Listener.PortRange = [2]int{} }, wantErr: "listener.port_range"},
		{name: "listener timeout", mutate: func(c *Config) { c.Listener.TimeoutMS = 0 }, wantErr: "listener.timeout_ms"},
		{name: "listener refresh", mutate: func(c *Config) { c.Listener.RefreshMS = -5 }, wantErr: "listener.refresh_ms"},
		{name: "notifications", mutate: func(c *Config) { c.Listener.Notifications = []string{"NOPE"} }, wantErr: "listener.notifications"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)

			_, err := Validate(cfg)
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestValidateWarnings(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "refresh not below timeout", mutate: func(c *Config) { c.Listener.RefreshMS = c.Listener.TimeoutMS }, want: "listener.refresh_ms"},
		{name: "project extension", mutate: func(c *Config) { c.Engine.Project = "/work/model.txt" }, want: ".opf"},
		{name: "empty extra args", mutate: func(c *Config) { c.Engine.ExtraArgs = CommandConfig{Raw: "# nothing"} }, want: "engine.extra_args"},
		{name: "attach ignores engine", mutate: func(c *Config) {
			c.Server.Port = 5310
			c.Engine.Project = "/work/model.opf"
		}, want: "ignored when attaching"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)

			warnings, err := Validate(cfg)
			require.NoError(t, err)
			require.Len(t, warnings, 1)
			require.Contains(t, warnings[0].Message, tc.want)
		})
	}
}

func TestValidateAttachAllowsEmptyExecutable(t *testing.T) {
	cfg := Default()
	cfg.Server.Port = 5310
	cfg.Engine.Executable = ""

	_, err := Validate(cfg)
	require.NoError(t, err)
}
