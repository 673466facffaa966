package config

import (
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rbright/oslctl/internal/notify"
)

// fileConfig mirrors the on-disk layout; nil fields keep the base value.
type fileConfig struct {
	Engine   *fileEngine   `json:"engine" yaml:"engine"`
	Server   *fileServer   `json:"server" yaml:"server"`
	Listener *fileListener `json:"listener" yaml:"listener"`
}

type fileEngine struct {
	Executable         *string           `json:"executable" yaml:"executable"`
	Project            *string           `json:"project" yaml:"project"`
	Batch              *bool             `json:"batch" yaml:"batch"`
	Service            *bool             `json:"service" yaml:"service"`
	PortRange          []int             `json:"port_range" yaml:"port_range"`
	Password           *string           `json:"password" yaml:"password"`
	NoSave             *bool             `json:"no_save" yaml:"no_save"`
	NoRun              *bool             `json:"no_run" yaml:"no_run"`
	Force              *bool             `json:"force" yaml:"force"`
	ShutdownOnFinished *bool             `json:"shutdown_on_finished" yaml:"shutdown_on_finished"`
	ExtraArgs          *string           `json:"extra_args" yaml:"extra_args"`
	Env                map[string]string `json:"env" yaml:"env"`
	StartupTimeoutMS   *int              `json:"startup_timeout_ms" yaml:"startup_timeout_ms"`
	TerminationGraceMS *int              `json:"termination_grace_ms" yaml:"termination_grace_ms"`
}

type fileServer struct {
	Host               *string `json:"host" yaml:"host"`
	Port               *int    `json:"port" yaml:"port"`
	RequestTimeoutMS   *int    `json:"request_timeout_ms" yaml:"request_timeout_ms"`
	MaxRequestAttempts *int    `json:"max_request_attempts" yaml:"max_request_attempts"`
}

type fileListener struct {
	Host          *string     `json:"host" yaml:"host"`
	PortRange     []int       `json:"port_range" yaml:"port_range"`
	TimeoutMS     *int        `json:"timeout_ms" yaml:"timeout_ms"`
	RefreshMS     *int        `json:"refresh_ms" yaml:"refresh_ms"`
	Notifications *stringList `json:"notifications" yaml:"notifications"`
}

// stringList accepts either a list or a comma-delimited string.
type stringList []string

func (l *stringList) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*l = list
		return nil
	}

	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*l = splitList(single)
		return nil
	}

	return fmt.Errorf("expected string array or comma-delimited string")
}

func (l *stringList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.SequenceNode:
		var list []string
		if err := node.Decode(&list); err != nil {
			return err
		}
		*l = list
		return nil
	case yaml.ScalarNode:
		*l = splitList(node.Value)
		return nil
	default:
		return fmt.Errorf("line %d: expected string array or comma-delimited string", node.Line)
	}
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}

func (payload fileConfig) applyTo(cfg *Config) ([]Warning, error) {
	warnings := make([]Warning, 0)

	if e := payload.Engine; e != nil {
		if e.Executable != nil {
			cfg.Engine.Executable = strings.TrimSpace(*e.Executable)
		}
		if e.Project != nil {
			cfg.Engine.Project = strings.TrimSpace(*e.Project)
		}
		if e.Batch != nil {
			cfg.Engine.Batch = *e.Batch
		}
		if e.Service != nil {
			cfg.Engine.Service = *e.Service
		}
		if e.PortRange != nil {
			r, err := portRange("engine.port_range", e.PortRange)
			if err != nil {
				return nil, err
			}
			cfg.Engine.PortRange = r
		}
		if e.Password != nil {
			cfg.Engine.Password = *e.Password
		}
		if e.NoSave != nil {
			cfg.Engine.NoSave = *e.NoSave
		}
		if e.NoRun != nil {
			cfg.Engine.NoRun = *e.NoRun
		}
		if e.Force != nil {
			cfg.Engine.Force = *e.Force
		}
		if e.ShutdownOnFinished != nil {
			cfg.Engine.ShutdownOnFinished = *e.ShutdownOnFinished
		}
		if e.ExtraArgs != nil {
			raw := *e.ExtraArgs
			argv, err := parseEngineArgs(raw)
			if err != nil {
				return nil, fmt.Errorf("invalid engine.extra_args: %w", err)
			}
			cfg.Engine.ExtraArgs = CommandConfig{Raw: raw, Argv: argv}
		}
		if e.Env != nil {
			if cfg.Engine.Env == nil {
				cfg.Engine.Env = make(map[string]string, len(e.Env))
			}
			for name, value := range e.Env {
				name = strings.TrimSpace(name)
				if name == "" || strings.Contains(name, "=") {
					return nil, fmt.Errorf("engine.env contains an invalid variable name %q", name)
				}
				cfg.Engine.Env[name] = value
			}
		}
		if e.StartupTimeoutMS != nil {
			cfg.Engine.StartupTimeoutMS = *e.StartupTimeoutMS
		}
		if e.TerminationGraceMS != nil {
			cfg.Engine.TerminationGraceMS = *e.TerminationGraceMS
		}
	}

	if s := payload.Server; s != nil {
		if s.Host != nil {
			cfg.Server.Host = strings.TrimSpace(*s.Host)
		}
		if s.Port != nil {
			cfg.Server.Port = *s.Port
		}
		if s.RequestTimeoutMS != nil {
			cfg.Server.RequestTimeoutMS = *s.RequestTimeoutMS
		}
		if s.MaxRequestAttempts != nil {
			cfg.Server.MaxRequestAttempts = *s.MaxRequestAttempts
		}
	}

	if l := payload.Listener; l != nil {
		if l.Host != nil {
			cfg.Listener.Host = strings.TrimSpace(*l.Host)
		}
		if l.PortRange != nil {
			r, err := portRange("listener.port_range", l.PortRange)
			if err != nil {
				return nil, err
			}
			cfg.Listener.PortRange = r
		}
		if l.TimeoutMS != nil {
			cfg.Listener.TimeoutMS = *l.TimeoutMS
		}
		if l.RefreshMS != nil {
			cfg.Listener.RefreshMS = *l.RefreshMS
		}
		if l.Notifications != nil {
			if len(*l.Notifications) == 0 {
				warnings = append(warnings, Warning{Message: "listener.notifications is empty; listeners will receive nothing"})
			}
			kinds, err := notify.ParseKinds(*l.Notifications)
			if err != nil {
				return nil, fmt.Errorf("listener.notifications: %w", err)
			}
			cfg.Listener.Notifications = kinds
		}
	}

	return warnings, nil
}

func portRange(key string, values []int) ([2]int, error) {
	if len(values) != 2 {
		return [2]int{}, fmt.Errorf("%s must have exactly two entries [min, max]", key)
	}
	return [2]int{values[0], values[1]}, nil
}
