package engine

import (
	"log/slog"
	"time"

	"github.com/rbright/oslctl/internal/config"
	"github.com/rbright/oslctl/internal/localsock"
	"github.com/rbright/oslctl/internal/supervisor"
	"github.com/rbright/oslctl/internal/telemetry"
)

// NewOptions derives server options from the runtime configuration.
func NewOptions(cfg config.Config, logger *slog.Logger, metrics *telemetry.Recorder) Options {
	return Options{
		Password:       cfg.Engine.Password,
		RequestTimeout: millis(cfg.Server.RequestTimeoutMS),
		MaxAttempts:    cfg.Server.MaxRequestAttempts,
		Listener: ListenerOptions{
			Host:            cfg.Listener.Host,
			PortMin:         cfg.Listener.PortRange[0],
			PortMax:         cfg.Listener.PortRange[1],
			TimeoutMS:       cfg.Listener.TimeoutMS,
			RefreshInterval: millis(cfg.Listener.RefreshMS),
		},
		Logger:  logger,
		Metrics: metrics,
	}
}

// NewLaunchConfig derives the engine launch settings from the runtime configuration.
func NewLaunchConfig(cfg config.Config, opts Options) LaunchConfig {
	e := cfg.Engine
	return LaunchConfig{
		Supervisor: supervisor.Config{
			Executable:         e.Executable,
			Project:            e.Project,
			Batch:              e.Batch,
			Service:            e.Service,
			PortRange:          e.PortRange,
			Password:           e.Password,
			NoSave:             e.NoSave,
			NoRun:              e.NoRun,
			Force:              e.Force,
			ShutdownOnFinished: e.ShutdownOnFinished,
			Notifications:      cfg.Listener.Notifications,
			Env:                e.Env,
			ExtraArgs:          e.ExtraArgs.Argv,
			StartupTimeout:     millis(e.StartupTimeoutMS),
			Grace:              millis(e.TerminationGraceMS),
			Logger:             opts.Logger,
			Metrics:            opts.Metrics,
		},
		Options: opts,
	}
}

// ConfiguredEndpoint is the engine named by server.host/server.port, if any.
func ConfiguredEndpoint(cfg config.ServerConfig) (localsock.Endpoint, bool) {
	if !cfg.Attach() {
		return localsock.Endpoint{}, false
	}
	return localsock.TCP(cfg.Host, cfg.Port), true
}

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
