package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadFileLayer parses a YAML or JSON config file into a Layer. The format is
// picked by extension; unknown extensions try YAML first, then JSON.
func LoadFileLayer(path string) (Layer, error) {
	var layer Layer
	if path == "" {
		return layer, os.ErrNotExist
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return layer, err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &layer); err != nil {
			return Layer{}, fmt.Errorf("failed to parse YAML: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &layer); err != nil {
			return Layer{}, fmt.Errorf("failed to parse JSON: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, &layer); err != nil {
			layer = Layer{}
			if err := json.Unmarshal(data, &layer); err != nil {
				return Layer{}, fmt.Errorf("failed to parse config file (tried YAML and JSON)")
			}
		}
	}
	return layer, nil
}

// ResolvePath picks the config file to use when none was given explicitly.
func ResolvePath(path string) string {
	if path != "" {
		if strings.HasPrefix(path, "~") {
			if home, err := os.UserHomeDir(); err == nil {
				path = filepath.Join(home, path[1:])
			}
		}
		return path
	}
	for _, loc := range []string{"config.yaml", "config.yml", "config.json"} {
		if _, err := os.Stat(loc); err == nil {
			return loc
		}
	}
	return ""
}
