package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v2"
)

// DefaultConfigFile is read from the working directory when CONFIG_FILE is unset.
const DefaultConfigFile = "llama_gateway.yaml"

// FileConfig is the YAML configuration file.
type FileConfig struct {
	Port       int    `yaml:"port"`
	OllamaURL  string `yaml:"ollama_url"`
	OllamaPort int    `yaml:"ollama_port"`
	Database   struct {
		Driver string `yaml:"driver"`
		URL    string `yaml:"url"`
	} `yaml:"database"`
	Redis struct {
		Address string `yaml:"address"`
	} `yaml:"redis"`
	UsageQueue string `yaml:"usage_queue"`
	LogLevel   string `yaml:"log_level"`
}

// ReadFile parses path. A missing file yields an empty FileConfig.
func ReadFile(path string) (*FileConfig, error) {
	var fc FileConfig
	if path == "" {
		return &fc, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &fc, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return &fc, nil
}

// SavePort stores the listening port in the YAML file at path.
func SavePort(path string, port int) error {
	if err := ValidatePort(port); err != nil {
		return err
	}
	return setFileValue(path, "port", port)
}

// SaveOllamaPort stores the backend port and clears any ollama_url that would shadow it.
func SaveOllamaPort(path string, port int) error {
	if err := ValidatePort(port); err != nil {
		return err
	}
	if err := setFileValue(path, "ollama_url", nil); err != nil {
		return err
	}
	return setFileValue(path, "ollama_port", port)
}

// setFileValue rewrites one top-level key and keeps the others, and their order, intact.
// A nil value removes the key.
func setFileValue(path, key string, value interface{}) error {
	if path == "" {
		return fmt.Errorf("no config file configured")
	}

	var doc yaml.MapSlice
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return fmt.Errorf("failed to read config file: %w", err)
	}

	updated := make(yaml.MapSlice, 0, len(doc)+1)
	found := false
	for _, item := range doc {
		if k, ok := item.Key.(string); ok && k == key {
			found = true
			if value == nil {
				continue
			}
			item.Value = value
		}
		updated = append(updated, item)
	}
	if !found && value != nil {
		updated = append(updated, yaml.MapItem{Key: key, Value: value})
	}

	out, err := yaml.Marshal(updated)
	if err != nil {
		return fmt.Errorf("failed to encode config file: %w", err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, out, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return os.Rename(tmp, path)
}
