package config

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// ErrNotConfigured is returned when a command needs the server settings
var ErrNotConfigured = errors.New("not configured: run 'callcost config --server <url> --api-key <key>' first")

// Config holds the CLI configuration
type Config struct {
	Server   string `yaml:"server"`
	APIKey   string `yaml:"api_key"`
	ClientID string `yaml:"client_id"`
	LogDir   string `yaml:"log_dir,omitempty"`
	Prices   string `yaml:"prices,omitempty"` // path to a price table YAML file
}

// Path returns the path to the config file. CALLCOST_CLI_CONFIG overrides
// the default ~/.callcost.yaml.
func Path() (string, error) {
	if p := os.Getenv("CALLCOST_CLI_CONFIG"); p != "" {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".callcost.yaml"), nil
}

// DefaultLogDir is where the voice agent writes call logs unless configured
func DefaultLogDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".callcost", "calls")
	}
	return filepath.Join(home, ".callcost", "calls")
}

// Load loads the configuration from disk. A missing file yields an empty config.
func Load() (*Config, error) {
	path, err := Path()
	if err != nil {
		return nil, err
	}
	return LoadFrom(path)
}

// LoadFrom loads the configuration at path
func LoadFrom(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Save saves the configuration to disk
func Save(cfg *Config) error {
	path, err := Path()
	if err != nil {
		return err
	}
	return SaveTo(path, cfg)
}

// SaveTo writes the configuration to path, assigning a client ID on first save
func SaveTo(path string, cfg *Config) error {
	if cfg.ClientID == "" {
		cfg.ClientID = uuid.NewString()
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// Remote reports whether server settings are present
func (c *Config) Remote() bool {
	return c.Server != "" && c.APIKey != ""
}

// CallLogDir returns the configured log directory or the default
func (c *Config) CallLogDir() string {
	if c.LogDir != "" {
		return c.LogDir
	}
	return DefaultLogDir()
}

// MaskedAPIKey returns the API key with its middle hidden
func (c *Config) MaskedAPIKey() string {
	if len(c.APIKey) <= 14 {
		return "****"
	}
	return c.APIKey[:10] + "..." + c.APIKey[len(c.APIKey)-4:]
}
