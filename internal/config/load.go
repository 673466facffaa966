package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// Format names the syntax a config file was read as.
type Format string

const (
	FormatNone  Format = ""
	FormatJSONC Format = "jsonc"
	FormatYAML  Format = "yaml"
)

// Mode is how oslctl reaches the engine.
type Mode string

const (
	// ModeLaunch starts and owns a new engine process.
	ModeLaunch Mode = "launch"
	// ModeAttach talks to the engine at server.host:server.port.
	ModeAttach Mode = "attach"
)

// Loaded is a resolved configuration together with where its values came from.
type Loaded struct {
	Path     string
	Format   Format
	Config   Config
	Warnings []Warning
	Exists   bool
	// ExecutableSource is "config", "env" (OSLCTL_EXECUTABLE) or "default".
	ExecutableSource string
}

// Mode reports whether the config attaches to a running engine or launches one.
func (l Loaded) Mode() Mode {
	if l.Config.Server.Attach() {
		return ModeAttach
	}
	return ModeLaunch
}

// Summary is a one-line description for logs and diagnostics.
func (l Loaded) Summary() string {
	var b strings.Builder
	if l.Exists {
		fmt.Fprintf(&b, "loaded %q (%s)", l.Path, l.Format)
	} else {
		fmt.Fprintf(&b, "%q not found; using defaults", l.Path)
	}
	switch l.Mode() {
	case ModeAttach:
		fmt.Fprintf(&b, ", attach to %s:%d", l.Config.Server.Host, l.Config.Server.Port)
	default:
		fmt.Fprintf(&b, ", launch %s (%s)", l.Config.Engine.Executable, l.ExecutableSource)
	}
	return b.String()
}

// Load resolves the config path and parses the file on top of Default. A missing file
// is not an error; the defaults are returned with a warning.
func Load(explicitPath string) (Loaded, error) {
	path, err := ResolvePath(explicitPath)
	if err != nil {
		return Loaded{}, err
	}

	base := Default()
	loaded := Loaded{Path: path, Config: base}

	content, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		loaded.Warnings = []Warning{{Message: fmt.Sprintf("config file %q not found; using defaults", path)}}
		loaded.ExecutableSource = executableSource(base, base)
		return loaded, nil
	case err != nil:
		return Loaded{}, fmt.Errorf("read config %q: %w", path, err)
	}

	cfg, warnings, err := Parse(string(content), base)
	if err != nil {
		return Loaded{}, fmt.Errorf("parse config %q: %w", path, err)
	}
	loaded.Exists = true
	loaded.Format = DetectFormat(string(content))
	loaded.Config = cfg
	loaded.Warnings = warnings
	loaded.ExecutableSource = executableSource(base, cfg)
	return loaded, nil
}

func executableSource(base, cfg Config) string {
	switch {
	case cfg.Engine.Executable != base.Engine.Executable:
		return "config"
	case strings.TrimSpace(os.Getenv(ExecutableEnv)) != "":
		return "env"
	default:
		return "default"
	}
}
