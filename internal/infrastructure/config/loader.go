package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/terrafusion/syncservice/internal/domain/errors"
)

// DefaultConfigName is the file looked up in the config directory.
const DefaultConfigName = "config.yaml"

// Loader handles loading configuration from files.
type Loader struct {
	configDir string
}

// NewLoader creates a new configuration loader.
// If configDir is empty, it defaults to ~/.terrasync.
func NewLoader(configDir string) (*Loader, error) {
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		configDir = filepath.Join(homeDir, ".terrasync")
	}

	return &Loader{configDir: configDir}, nil
}

// Load loads configuration from the specified file or default location.
// If the default file doesn't exist, returns the default configuration. An
// explicitly named file must exist.
func (l *Loader) Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = l.DefaultConfigPath()
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			return l.finish(NewDefaultConfig()), nil
		}
	}
	return l.LoadFromFile(configPath)
}

// LoadFromFile loads configuration from a specific file path. The format is
// chosen by extension: .toml is TOML, anything else YAML.
// Returns an error if the file doesn't exist.
func (l *Loader) LoadFromFile(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.WithContext(
				errors.NewError(errors.CodeNotFound, "config file not found", err), "path", configPath)
		}
		return nil, errors.NewError(errors.CodeConfiguration, "failed to read config file", err)
	}

	cfg := NewDefaultConfig()
	if err := decode(configPath, data, cfg); err != nil {
		return nil, errors.WithContext(
			errors.NewError(errors.CodeConfiguration, "failed to parse config file", err), "path", configPath)
	}

	return l.finish(cfg), nil
}

func decode(path string, data []byte, cfg *Config) error {
	if isTOML(path) {
		_, err := toml.Decode(string(data), cfg)
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// finish expands home-relative paths.
func (l *Loader) finish(cfg *Config) *Config {
	cfg.StateDir = ExpandHome(cfg.StateDir)
	cfg.Logging.File = ExpandHome(cfg.Logging.File)
	for i := range cfg.Audit.Stores {
		cfg.Audit.Stores[i].Directory = ExpandHome(cfg.Audit.Stores[i].Directory)
	}
	for i, p := range cfg.Watch.Paths {
		cfg.Watch.Paths[i] = ExpandHome(p)
	}
	return cfg
}

// Save saves configuration to the specified file or default location.
func (l *Loader) Save(cfg *Config, configPath string) error {
	if configPath == "" {
		configPath = l.DefaultConfigPath()
	}

	// Ensure directory exists
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString("# TerraFusion sync service configuration\n#\n")
	if isTOML(configPath) {
		if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
			return fmt.Errorf("failed to marshal config: %w", err)
		}
	} else {
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(cfg); err != nil {
			return fmt.Errorf("failed to marshal config: %w", err)
		}
		if err := enc.Close(); err != nil {
			return fmt.Errorf("failed to marshal config: %w", err)
		}
	}

	// DSNs may carry credentials
	if err := os.WriteFile(configPath, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ConfigDir returns the configuration directory path.
func (l *Loader) ConfigDir() string {
	return l.configDir
}

// DefaultConfigPath returns the default configuration file path.
func (l *Loader) DefaultConfigPath() string {
	return filepath.Join(l.configDir, DefaultConfigName)
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}
