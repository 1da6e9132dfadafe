package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ApplyFile loads a flat YAML mapping of configuration keys and applies
// every entry to the process environment, overriding whatever is already
// set. Intended for local runs where exporting a dozen variables is
// inconvenient.
func ApplyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}

	var entries map[string]any
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}

	for key, value := range entries {
		if err := os.Setenv(key, fmt.Sprint(value)); err != nil {
			return fmt.Errorf("applying %q from config file: %w", key, err)
		}
	}

	return nil
}
