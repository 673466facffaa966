package config

import (
	"os"
	"strings"

	"github.com/rbright/oslctl/internal/notify"
)

// ExecutableEnv overrides the default engine executable.
const ExecutableEnv = "OSLCTL_EXECUTABLE"

const defaultExecutable = "optislang"

// Default returns the canonical runtime configuration used when no file is present.
func Default() Config {
	executable := strings.TrimSpace(os.Getenv(ExecutableEnv))
	if executable == "" {
		executable = defaultExecutable
	}

	return Config{
		Engine: EngineConfig{
			Executable:         executable,
			Batch:              true,
			StartupTimeoutMS:   60000,
			TerminationGraceMS: 3000,
		},
		Server: ServerConfig{
			Host:               "127.0.0.1",
			RequestTimeoutMS:   30000,
			MaxRequestAttempts: 2,
		},
		Listener: ListenerConfig{
			Host:          "127.0.0.1",
			PortRange:     [2]int{49152, 65535},
			TimeoutMS:     60000,
			Notifications: notify.Kinds(),
		},
	}
}
