// Package config loads and validates the process-wide app
// configuration: data_dir, cloud_credentials_file, initial_delay, and
// check_interval, plus the operator-configured node_config_global
// layer the Config Resolver merges into every node.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ErrConfigInvalid is fatal at process start.
var ErrConfigInvalid = errors.New("config: invalid")

const (
	defaultInitialDelay  = 600
	defaultCheckInterval = 120
	credentialsEnvVar    = "NODEFLEET_CLOUD_CREDENTIALS_FILE"
)

// Config is the process-wide app configuration.
type Config struct {
	DataDir              string         `yaml:"data_dir"`
	CloudCredentialsFile string         `yaml:"cloud_credentials_file"`
	InitialDelay         int            `yaml:"initial_delay"`
	CheckInterval        int            `yaml:"check_interval"`
	Global               map[string]any `yaml:"node_config_global"`

	// GCPProject is the project id the production cloud client scopes
	// every compute and DNS call to.
	GCPProject string `yaml:"gcp_project"`
}

// NodesDataDir is data_dir/nodes.
func (c Config) NodesDataDir() string { return filepath.Join(c.DataDir, "nodes") }

// TemplatesDir is data_dir/templates.
func (c Config) TemplatesDir() string { return filepath.Join(c.DataDir, "templates") }

// Load reads and validates the app configuration from a YAML file at
// path. The cloud credentials file path may come from the config file
// or, if unset there, from the NODEFLEET_CLOUD_CREDENTIALS_FILE
// environment variable.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrConfigInvalid, path, err)
	}

	cfg := &Config{
		InitialDelay:  defaultInitialDelay,
		CheckInterval: defaultCheckInterval,
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %v", ErrConfigInvalid, path, err)
	}

	if cfg.CloudCredentialsFile == "" {
		cfg.CloudCredentialsFile = os.Getenv(credentialsEnvVar)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the schema-level invariants: data_dir must be
// non-empty, cloud_credentials_file must exist, and the two delay knobs
// must be non-negative.
func (c Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("%w: data_dir must not be empty", ErrConfigInvalid)
	}
	if c.CloudCredentialsFile == "" {
		return fmt.Errorf("%w: cloud_credentials_file is required (set it in the config file or %s)", ErrConfigInvalid, credentialsEnvVar)
	}
	if _, err := os.Stat(c.CloudCredentialsFile); err != nil {
		return fmt.Errorf("%w: cloud_credentials_file %s does not exist: %v", ErrConfigInvalid, c.CloudCredentialsFile, err)
	}
	if c.InitialDelay < 0 {
		return fmt.Errorf("%w: initial_delay must be non-negative", ErrConfigInvalid)
	}
	if c.CheckInterval < 0 {
		return fmt.Errorf("%w: check_interval must be non-negative", ErrConfigInvalid)
	}
	return nil
}
