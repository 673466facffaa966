package supervisor

import (
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/rbright/oslctl/internal/notify"
)

// libraryPathVar would make the engine resolve shared libraries against this process's
// library set instead of its own installation.
const libraryPathVar = "LD_LIBRARY_PATH"

// Args renders the engine command line after the executable. projectExists selects
// opening the project over creating it.
func Args(cfg Config, projectExists bool) []string {
	args := make([]string, 0, 16)
	if cfg.Batch {
		args = append(args, "-b")
	}
	if cfg.Service {
		args = append(args, "--service")
	}
	if projectExists {
		args = append(args, cfg.Project)
	} else {
		args = append(args, "--new="+cfg.Project)
	}
	if cfg.NoRun {
		args = append(args, "--no-run")
	}
	if cfg.Force {
		args = append(args, "--force")
	}
	if cfg.PortRange[0] > 0 && cfg.PortRange[1] >= cfg.PortRange[0] {
		args = append(args, fmt.Sprintf("--enable-tcp-server=%d-%d", cfg.PortRange[0], cfg.PortRange[1]))
	} else {
		args = append(args, "--enable-tcp-server")
	}
	if cfg.Password != "" {
		args = append(args, "--server-password="+cfg.Password)
	}
	if cfg.ServerInfo != "" {
		args = append(args, "--write-server-info="+cfg.ServerInfo)
	}
	if cfg.NoSave {
		args = append(args, "--no-save")
	}
	if cfg.LogServerEvents {
		args = append(args, "--log-server-events")
	}
	if cfg.ListenerHost != "" && cfg.ListenerPort > 0 {
		args = append(args, fmt.Sprintf("--register-tcp-listener=%s:%d", cfg.ListenerHost, cfg.ListenerPort))
	}
	if cfg.ListenerID != "" {
		args = append(args, "--tcp-listener-id="+cfg.ListenerID)
	}
	if len(cfg.Notifications) > 0 {
		args = append(args, "--enable-notifications")
		for _, n := range cfg.Notifications {
			if n != notify.All {
				args = append(args, n)
			}
		}
		if slices.Contains(cfg.Notifications, notify.All) {
			args = append(args, notify.All)
		}
	}
	args = append(args, cfg.ExtraArgs...)
	if cfg.ShutdownOnFinished {
		args = append(args, "--shutdown-on-finished")
	}
	return args
}

// MergeEnv overlays overrides on base (KEY=VALUE entries) and strips the shared-library
// search path. Output keeps base order, then new keys in sorted order.
func MergeEnv(base []string, overrides map[string]string) []string {
	out := make([]string, 0, len(base)+len(overrides))
	seen := map[string]bool{}
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if key == libraryPathVar {
			continue
		}
		if v, ok := overrides[key]; ok {
			kv = key + "=" + v
		}
		seen[key] = true
		out = append(out, kv)
	}

	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		if !seen[k] && k != libraryPathVar {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	for _, k := range keys {
		out = append(out, k+"="+overrides[k])
	}
	return out
}

func environ(overrides map[string]string) []string {
	return MergeEnv(os.Environ(), overrides)
}
