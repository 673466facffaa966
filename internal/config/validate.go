package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/rbright/oslctl/internal/notify"
)

// Validate enforces config invariants and returns non-fatal warnings.
func Validate(cfg Config) ([]Warning, error) {
	warnings := make([]Warning, 0)

	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		return nil, fmt.Errorf("server.port must be within 0..65535")
	}
	if cfg.Server.Attach() && strings.TrimSpace(cfg.Server.Host) == "" {
		return nil, fmt.Errorf("server.host must not be empty when server.port is set")
	}
	if cfg.Server.RequestTimeoutMS <= 0 {
		return nil, fmt.Errorf("server.request_timeout_ms must be > 0")
	}
	if cfg.Server.MaxRequestAttempts < 1 {
		return nil, fmt.Errorf("server.max_request_attempts must be >= 1")
	}

	if !cfg.Server.Attach() && strings.TrimSpace(cfg.Engine.Executable) == "" {
		return nil, fmt.Errorf("engine.executable must not be empty")
	}
	if err := validatePortRange("engine.port_range", cfg.Engine.PortRange, true); err != nil {
		return nil, err
	}
	if cfg.Engine.StartupTimeoutMS <= 0 {
		return nil, fmt.Errorf("engine.startup_timeout_ms must be > 0")
	}
	if cfg.Engine.TerminationGraceMS < 0 {
		return nil, fmt.Errorf("engine.termination_grace_ms must be >= 0")
	}
	if cfg.Engine.ExtraArgs.Raw != "" && len(cfg.Engine.ExtraArgs.Argv) == 0 {
		warnings = append(warnings, Warning{Message: "engine.extra_args is configured but empty"})
	}
	if p := cfg.Engine.Project; p != "" && !strings.EqualFold(filepath.Ext(p), ".opf") {
		warnings = append(warnings, Warning{Message: fmt.Sprintf("engine.project %q does not have an .opf extension", p)})
	}

	if strings.TrimSpace(cfg.Listener.Host) == "" {
		return nil, fmt.Errorf("listener.host must not be empty")
	}
	if err := validatePortRange("listener.port_range", cfg.Listener.PortRange, false); err != nil {
		return nil, err
	}
	if cfg.Listener.TimeoutMS <= 0 {
		return nil, fmt.Errorf("listener.timeout_ms must be > 0")
	}
	if cfg.Listener.RefreshMS < 0 {
		return nil, fmt.Errorf("listener.refresh_ms must be >= 0")
	}
	if cfg.Listener.RefreshMS >= cfg.Listener.TimeoutMS {
		warnings = append(warnings, Warning{Message: fmt.Sprintf(
			"listener.refresh_ms=%d is not below listener.timeout_ms=%d; the engine may drop listeners between refreshes",
			cfg.Listener.RefreshMS, cfg.Listener.TimeoutMS,
		)})
	}
	if _, err := notify.ParseKinds(cfg.Listener.Notifications); err != nil {
		return nil, fmt.Errorf("listener.notifications: %w", err)
	}

	if cfg.Server.Attach() && cfg.Engine.Project != "" {
		warnings = append(warnings, Warning{Message: "server.port is set; engine settings are ignored when attaching"})
	}

	return warnings, nil
}

func validatePortRange(key string, r [2]int, optional bool) error {
	if optional && r == [2]int{} {
		return nil
	}
	if r[0] < 1 || r[1] > 65535 {
		return fmt.Errorf("%s must be within 1..65535", key)
	}
	if r[0] > r[1] {
		return fmt.Errorf("%s minimum %d exceeds maximum %d", key, r[0], r[1])
	}
	return nil
}
