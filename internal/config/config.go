// Package config loads the server configuration from a JSON file,
// creating the file with defaults when it does not exist yet.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Config is the boot configuration. Values missing from the file fall
// back to the defaults; a corrupt file falls back entirely.
type Config struct {
	Host              string `json:"host"`
	Port              int    `json:"port"`
	NodesDB           int    `json:"nodes_db"`
	APIToken          string `json:"API_TOKEN"`
	Strategy          string `json:"strategy"`
	ReplicationFactor int    `json:"replication_factor"`
	DataDir           string `json:"data_dir"`
}

// Default returns the configuration written to a fresh config file.
func Default() *Config {
	return &Config{
		Host:              "127.0.0.1",
		Port:              5000,
		NodesDB:           3,
		APIToken:          "your_api_token_here",
		Strategy:          "full",
		ReplicationFactor: 3,
		DataDir:           "db",
	}
}

// Load reads the config file at path. A missing file is created with
// defaults; a present file is unmarshalled over the defaults so
// partial files keep working; a corrupt file yields the defaults
// unchanged. Any other read error is returned.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		if err := cfg.Save(path); err != nil {
			return nil, fmt.Errorf("write default config: %w", err)
		}
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return Default(), nil
	}
	return cfg, nil
}

// Save writes the configuration as indented JSON, creating parent
// directories as needed.
func (c *Config) Save(path string) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// Validate rejects configurations the server cannot boot with.
func (c *Config) Validate() error {
	if c.Port <= 0 {
		return fmt.Errorf("port must be positive, got %d", c.Port)
	}
	if c.NodesDB <= 0 {
		return fmt.Errorf("nodes_db must be positive, got %d", c.NodesDB)
	}
	if c.APIToken == "" {
		return fmt.Errorf("API_TOKEN cannot be empty")
	}
	if c.Strategy != "full" && c.Strategy != "consistent" {
		return fmt.Errorf("unknown strategy %q", c.Strategy)
	}
	return nil
}
