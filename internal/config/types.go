// Package config resolves, parses, validates, and defaults oslctl configuration.
package config

// Config is the fully materialized runtime configuration used by oslctl.
type Config struct {
	Engine   EngineConfig
	Server   ServerConfig
	Listener ListenerConfig
}

// EngineConfig controls how a new engine process is launched.
type EngineConfig struct {
	Executable string
	Project    string
	Batch      bool
	Service    bool
	// PortRange is [min, max]; zero values let the engine pick.
	PortRange          [2]int
	Password           string
	NoSave             bool
	NoRun              bool
	Force              bool
	ShutdownOnFinished bool
	ExtraArgs          CommandConfig
	Env                map[string]string
	StartupTimeoutMS   int
	TerminationGraceMS int
}

// ServerConfig selects a running engine to attach to and bounds command traffic.
type ServerConfig struct {
	Host               string
	Port               int
	RequestTimeoutMS   int
	MaxRequestAttempts int
}

// Attach reports whether a running engine is configured instead of a launch.
func (s ServerConfig) Attach() bool {
	return s.Port > 0
}

// ListenerConfig controls the local notification listeners.
type ListenerConfig struct {
	Host      string
	PortRange [2]int
	TimeoutMS int
	// RefreshMS of zero refreshes at half of TimeoutMS.
	RefreshMS     int
	Notifications []string
}

// CommandConfig stores a raw command string and its parsed argv form.
type CommandConfig struct {
	Raw  string
	Argv []string
}

// Warning is a non-fatal parse/validation message.
type Warning struct {
	Line    int
	Message string
}
