package config

import (
	"maps"
	"slices"
	"strings"
)

// Parse reads configuration content as JSONC or YAML.
//
// JSONC is selected when the first non-whitespace character is `{`.
func Parse(content string, base Config) (Config, []Warning, error) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		validatedWarnings, err := Validate(base)
		if err != nil {
			return Config{}, nil, err
		}
		return base, validatedWarnings, nil
	}

	var (
		payload fileConfig
		err     error
	)
	if DetectFormat(trimmed) == FormatJSONC {
		payload, err = decodeJSONC(content)
	} else {
		payload, err = decodeYAML(content)
	}
	if err != nil {
		return Config{}, nil, err
	}

	cfg := cloneConfig(base)
	warnings, err := payload.applyTo(&cfg)
	if err != nil {
		return Config{}, nil, err
	}

	validatedWarnings, err := Validate(cfg)
	if err != nil {
		return Config{}, nil, err
	}
	warnings = append(warnings, validatedWarnings...)
	return cfg, warnings, nil
}

// DetectFormat picks JSONC for content opening with `{` and YAML for anything else
// non-empty.
func DetectFormat(content string) Format {
	trimmed := strings.TrimSpace(content)
	switch {
	case trimmed == "":
		return FormatNone
	case strings.HasPrefix(trimmed, "{"):
		return FormatJSONC
	default:
		return FormatYAML
	}
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.Engine.Env = maps.Clone(cfg.Engine.Env)
	out.Engine.ExtraArgs.Argv = slices.Clone(cfg.Engine.ExtraArgs.Argv)
	out.Listener.Notifications = slices.Clone(cfg.Listener.Notifications)
	return out
}
