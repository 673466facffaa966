// Package doctor runs runtime readiness diagnostics for config, engine, listener and
// control socket.
package doctor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/rbright/oslctl/internal/config"
	"github.com/rbright/oslctl/internal/engine"
	"github.com/rbright/oslctl/internal/ipc"
	"github.com/rbright/oslctl/internal/localsock"
)

const (
	probeTimeout  = 300 * time.Millisecond
	attachTimeout = 5 * time.Second
)

// Check is one doctor assertion result.
type Check struct {
	Name    string
	Pass    bool
	Message string
}

// Report is the full doctor output contract.
type Report struct {
	Checks []Check
}

// OK returns true when all checks pass.
func (r Report) OK() bool {
	for _, check := range r.Checks {
		if !check.Pass {
			return false
		}
	}
	return true
}

// String renders the report as user-facing text output.
func (r Report) String() string {
	var b strings.Builder
	for _, check := range r.Checks {
		status := "OK"
		if !check.Pass {
			status = "FAIL"
		}
		b.WriteString(fmt.Sprintf("[%s] %s: %s\n", status, check.Name, check.Message))
	}
	return strings.TrimSuffix(b.String(), "\n")
}

// Run executes environment/config/runtime checks for a loaded config.
func Run(ctx context.Context, cfg config.Loaded) Report {
	checks := []Check{}

	checks = append(checks, Check{Name: "config", Pass: true, Message: cfg.Summary()})

	if ep, ok := engine.ConfiguredEndpoint(cfg.Config.Server); ok {
		checks = append(checks, checkEngine(ctx, ep, engine.NewOptions(cfg.Config, nil, nil)))
	} else {
		checks = append(checks, checkBinary(cfg.Config.Engine.Executable, "engine executable"))
		if cfg.Config.Engine.Project != "" {
			checks = append(checks, checkProject(cfg.Config.Engine.Project))
		}
	}

	checks = append(checks, checkEnv("XDG_RUNTIME_DIR", func(v string) bool {
		return strings.TrimSpace(v) != ""
	}, "control socket directory available", "XDG_RUNTIME_DIR is empty; the control socket cannot be created"))
	checks = append(checks, checkSession(ctx))
	checks = append(checks, checkListenerBind(cfg.Config.Listener))

	return Report{Checks: checks}
}

// checkEnv validates an environment variable through a caller-supplied predicate.
func checkEnv(name string, predicate func(string) bool, okMsg, failMsg string) Check {
	value := os.Getenv(name)
	if predicate(value) {
		return Check{Name: name, Pass: true, Message: okMsg}
	}
	return Check{Name: name, Pass: false, Message: failMsg}
}

// checkBinary validates that a binary exists in PATH or at the given path.
func checkBinary(bin string, okMsg string) Check {
	if strings.TrimSpace(bin) == "" {
		return Check{Name: "engine.executable", Pass: false, Message: "executable is empty"}
	}
	path, err := exec.LookPath(bin)
	if err != nil {
		return Check{Name: bin, Pass: false, Message: fmt.Sprintf("binary not found in PATH: %s", bin)}
	}
	return Check{Name: bin, Pass: true, Message: fmt.Sprintf("found at %s (%s)", path, okMsg)}
}

func checkProject(path string) Check {
	info, err := os.Stat(path)
	switch {
	case err == nil && info.IsDir():
		return Check{Name: "engine.project", Pass: false, Message: fmt.Sprintf("%s is a directory", path)}
	case err == nil:
		return Check{Name: "engine.project", Pass: true, Message: fmt.Sprintf("opens %s", path)}
	case !errors.Is(err, os.ErrNotExist):
		return Check{Name: "engine.project", Pass: false, Message: err.Error()}
	}

	dir := filepath.Dir(path)
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return Check{Name: "engine.project", Pass: false, Message: fmt.Sprintf("parent directory %s does not exist", dir)}
	}
	return Check{Name: "engine.project", Pass: true, Message: fmt.Sprintf("%s will be created", path)}
}

// checkEngine attaches to the configured engine and reports its version.
func checkEngine(ctx context.Context, ep localsock.Endpoint, opts engine.Options) Check {
	name := "engine " + ep.String()
	ctx, cancel := context.WithTimeout(ctx, attachTimeout)
	defer cancel()

	s, err := engine.Attach(ctx, ep, opts)
	if err != nil {
		return Check{Name: name, Pass: false, Message: err.Error()}
	}
	defer s.Dispose(ctx)

	v, err := s.Version(ctx)
	if err != nil {
		return Check{Name: name, Pass: true, Message: fmt.Sprintf("alive (version unavailable: %v)", err)}
	}
	return Check{Name: name, Pass: true, Message: "alive, version " + v.String()}
}

// checkSession reports whether an owner session answers on the control socket.
func checkSession(ctx context.Context) Check {
	path, err := ipc.RuntimeSocketPath()
	if err != nil {
		return Check{Name: "session", Pass: false, Message: err.Error()}
	}
	alive, err := ipc.Probe(ctx, path, probeTimeout)
	switch {
	case err != nil:
		return Check{Name: "session", Pass: false, Message: fmt.Sprintf("probe %s: %v", path, err)}
	case alive:
		return Check{Name: "session", Pass: true, Message: "owner session running at " + path}
	default:
		return Check{Name: "session", Pass: true, Message: "no owner session"}
	}
}

// checkListenerBind verifies a notification listener can bind on the configured host.
func checkListenerBind(cfg config.ListenerConfig) Check {
	server := localsock.NewServerSocket(nil)
	if err := server.BindInRange(cfg.Host, cfg.PortRange[0], cfg.PortRange[1]); err != nil {
		return Check{Name: "listener", Pass: false, Message: err.Error()}
	}
	ep := server.Endpoint()
	_ = server.Close()
	return Check{Name: "listener", Pass: true, Message: "can bind " + ep.String()}
}
