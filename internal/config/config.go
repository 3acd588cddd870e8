package config

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Config holds the console configuration
type Config struct {
	Client struct {
		ID string `yaml:"id"` // Client instance identifier (generated when empty)
	} `yaml:"client"`

	Server struct {
		URL             string `yaml:"url"`              // Engine location (e.g. http://localhost:8000/)
		Base            string `yaml:"base"`             // Runtime HTTP base override
		WS              string `yaml:"ws"`               // Runtime WebSocket URL override
		ControlEndpoint string `yaml:"control_endpoint"` // Control channel path (default: create_run)
	} `yaml:"server"`

	Timeouts struct {
		OpSeconds int `yaml:"op_seconds"` // Bound on close/open confirmation waits (default: 10)
	} `yaml:"timeouts"`

	Database struct {
		Path string `yaml:"path"` // SQLite history path (default: ./data/console.db)
	} `yaml:"database"`

	Dashboard struct {
		Enabled bool   `yaml:"enabled"` // Whether to serve the status dashboard (default: false)
		Address string `yaml:"address"` // Dashboard listen address (default: :8090)
	} `yaml:"dashboard"`
}

// Load reads the configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if cfg.Server.URL == "" {
		return nil, fmt.Errorf("server.url is required")
	}

	// Defaults
	if cfg.Client.ID == "" {
		cfg.Client.ID = uuid.NewString()
	}
	if cfg.Server.ControlEndpoint == "" {
		cfg.Server.ControlEndpoint = "create_run"
	}
	if cfg.Timeouts.OpSeconds == 0 {
		cfg.Timeouts.OpSeconds = 10
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "./data/console.db"
	}
	if cfg.Dashboard.Address == "" {
		cfg.Dashboard.Address = ":8090"
	}

	return &cfg, nil
}
