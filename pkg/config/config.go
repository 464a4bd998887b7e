// Package config loads and watches the application configuration file.
// Defaults are resolved once at load time; a subset of settings (default
// environment, health policy) may be hot-reloaded while the daemon runs.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/pressbox/pressbox/pkg/drivers/container"
	"github.com/pressbox/pressbox/pkg/drivers/local"
	"github.com/pressbox/pressbox/pkg/orchestrator"
	"github.com/pressbox/pressbox/pkg/telemetry"
)

// PortsConfig bounds the host port allocation pool.
type PortsConfig struct {
	// Start is the first port of the pool.
	Start int `yaml:"start" validate:"min=1,max=65535"`

	// End is the last port of the pool.
	End int `yaml:"end" validate:"min=1,max=65535,gtefield=Start"`
}

// Config is the application configuration.
type Config struct {
	// DataDir holds the registry database. Site content lives in SitesDir.
	DataDir string `yaml:"data_dir" validate:"required"`

	// SitesDir is where site content directories are created.
	SitesDir string `yaml:"sites_dir" validate:"required"`

	// DefaultEnvironment is the backend for new sites. Hot-reloadable.
	DefaultEnvironment orchestrator.Environment `yaml:"default_environment" validate:"oneof=local container"`

	// Ports bounds the port allocation pool.
	Ports PortsConfig `yaml:"ports"`

	// Policy holds the orchestrator's operational constants. The health
	// settings are hot-reloadable.
	Policy orchestrator.Policy `yaml:"policy"`

	// Local configures the native-process driver.
	Local local.Config `yaml:"local"`

	// Container configures the container-stack driver.
	Container container.Config `yaml:"container"`

	// Telemetry configures logging, tracing, metrics, and events.
	Telemetry *telemetry.Config `yaml:"telemetry"`
}

// Default returns the configuration used when no file exists. Paths are
// rooted under the user's home directory.
func Default() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	base := filepath.Join(home, ".pressbox")

	return &Config{
		DataDir:            base,
		SitesDir:           filepath.Join(base, "sites"),
		DefaultEnvironment: orchestrator.EnvironmentLocal,
		Ports: PortsConfig{
			Start: 8080,
			End:   8999,
		},
		Policy: orchestrator.DefaultPolicy(),
		Local: local.Config{
			PHPBinary: "php",
			MySQL: local.MySQLConfig{
				Host: "127.0.0.1",
				Port: 3306,
				User: "root",
			},
		},
		Telemetry: telemetry.DefaultConfig(),
	}
}

// DefaultPath returns the default configuration file location.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".pressbox", "config.yaml")
}

// Load reads the configuration file at path, applies defaults for unset
// fields, and validates the result. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills fields a partial config file left unset.
func applyDefaults(cfg *Config) {
	defaults := Default()

	if cfg.DataDir == "" {
		cfg.DataDir = defaults.DataDir
	}
	if cfg.SitesDir == "" {
		cfg.SitesDir = defaults.SitesDir
	}
	if cfg.DefaultEnvironment == "" {
		cfg.DefaultEnvironment = defaults.DefaultEnvironment
	}
	if cfg.Ports.Start == 0 {
		cfg.Ports = defaults.Ports
	}
	if cfg.Policy.StartTimeout == 0 {
		cfg.Policy = defaults.Policy
	}
	if cfg.Local.PHPBinary == "" {
		cfg.Local.PHPBinary = defaults.Local.PHPBinary
	}
	if cfg.Local.MySQL.Host == "" {
		cfg.Local.MySQL = defaults.Local.MySQL
	}
	if cfg.Telemetry == nil {
		cfg.Telemetry = defaults.Telemetry
	}
}

// Validate checks the configuration for structural errors.
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.Telemetry != nil {
		if err := cfg.Telemetry.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Save writes the configuration to path as YAML, creating the parent
// directory when needed.
func Save(path string, cfg *Config) error {
	if err := Validate(cfg); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to render configuration: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// RegistryPath returns the site registry database location.
func (c *Config) RegistryPath() string {
	return filepath.Join(c.DataDir, "registry.db")
}
