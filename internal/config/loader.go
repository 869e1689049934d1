// Package config loads and saves the vmpool configuration file.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultConfigDir is the default config directory name.
	DefaultConfigDir = ".vmpool"
	// DefaultConfigFile is the default config file name.
	DefaultConfigFile = "config.yaml"
)

// GetConfigDir returns the default config directory path (~/.vmpool).
func GetConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", DefaultConfigDir)
	}
	return filepath.Join(home, DefaultConfigDir)
}

// GetConfigPath returns the default config file path (~/.vmpool/config.yaml).
func GetConfigPath() string {
	return filepath.Join(GetConfigDir(), DefaultConfigFile)
}

// LoadConfig reads the YAML file at path over DefaultConfig, so keys the file
// leaves out keep their defaults, and validates the result. An empty path means
// ~/.vmpool/config.yaml. A missing file yields the defaults, which lets every
// command run before `vmpool init` has written one.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		path = GetConfigPath()
	}
	path = expandPath(path)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return DefaultConfig(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	// Start with defaults and unmarshal over them
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", path, err)
	}

	return cfg, nil
}

// SaveConfig writes cfg as YAML to path (~/.vmpool/config.yaml when empty),
// creating the directory. Durations are written in their string form and the
// file is private to the user.
func SaveConfig(cfg *Config, path string) error {
	if path == "" {
		path = GetConfigPath()
	}
	path = expandPath(path)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", dir, err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// The file may hold the guest SSH password
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", path, err)
	}

	return nil
}

// Exists reports whether a config file is at path (~/.vmpool/config.yaml when
// empty). Without one LoadConfig falls back to the defaults.
func Exists(path string) bool {
	if path == "" {
		path = GetConfigPath()
	}
	_, err := os.Stat(expandPath(path))
	return err == nil
}

// EnsureRootDir creates the instance root and its base image directory.
func EnsureRootDir(cfg *Config) error {
	base := filepath.Join(cfg.RootPath(), "base")
	if err := os.MkdirAll(base, 0755); err != nil {
		return fmt.Errorf("failed to create root directory %s: %w", base, err)
	}
	return nil
}
