package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

const (
	configDir      = "oslctl"
	configFileName = "config.jsonc"
	yamlFileName   = "config.yaml"
)

// ResolvePath applies CLI/XDG/home fallback rules for the config location.
//
// When the default config.jsonc is missing but a config.yaml sits beside it, the YAML
// file is used instead.
func ResolvePath(explicit string) (string, error) {
	if strings.TrimSpace(explicit) != "" {
		return explicit, nil
	}

	dir, err := defaultDir()
	if err != nil {
		return "", err
	}

	jsonc := filepath.Join(dir, configFileName)
	if _, err := os.Stat(jsonc); errors.Is(err, os.ErrNotExist) {
		yamlPath := filepath.Join(dir, yamlFileName)
		if _, err := os.Stat(yamlPath); err == nil {
			return yamlPath, nil
		}
	}
	return jsonc, nil
}

func defaultDir() (string, error) {
	if xdg := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME")); xdg != "" {
		return filepath.Join(xdg, configDir), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.New("unable to resolve user home for config fallback")
	}
	return filepath.Join(home, ".config", configDir), nil
}
