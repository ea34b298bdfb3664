// Package config loads the finch configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure for finch.
type Config struct {
	Engine  EngineConfig  `yaml:"engine"`
	Server  ServerConfig  `yaml:"server"`
	Admin   AdminConfig   `yaml:"admin"`
	Logging LoggingConfig `yaml:"logging"`
}

// EngineConfig tunes the pending-operation confirmation engine.
type EngineConfig struct {
	// StorePath is the SQLite file holding operation records. Empty keeps
	// operations in memory only.
	StorePath string `yaml:"store_path"`

	// PerUserLimit caps simultaneously pending operations per owner.
	PerUserLimit int `yaml:"per_user_limit"`

	// DefaultHold applies when a handler passes no hold and the operation
	// type has no override.
	DefaultHold time.Duration `yaml:"default_hold"`

	// HoldByType overrides the default hold per operation type.
	HoldByType map[string]time.Duration `yaml:"hold_by_type"`

	Janitor JanitorConfig `yaml:"janitor"`
	Notify  NotifyConfig  `yaml:"notify"`
}

// JanitorConfig tunes record reclamation.
type JanitorConfig struct {
	MinInterval   time.Duration `yaml:"min_interval"`
	MaxInterval   time.Duration `yaml:"max_interval"`
	BusyThreshold int           `yaml:"busy_threshold"`
	Grace         time.Duration `yaml:"grace"`
	Retention     time.Duration `yaml:"retention"`
	PurgeSchedule string        `yaml:"purge_schedule"`
}

// NotifyConfig tunes countdown pushes to UI channels.
type NotifyConfig struct {
	TickInterval time.Duration `yaml:"tick_interval"`
	MaxTicks     int           `yaml:"max_ticks"`
}

type ServerConfig struct {
	Host        string `yaml:"host"`
	MetricsPort int    `yaml:"metrics_port"`
}

// AdminConfig points at the external account-management API used by the
// update_user executor.
type AdminConfig struct {
	BaseURL string        `yaml:"base_url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads and parses the configuration file, expanding ${ENV} references.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no file is supplied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Engine.StorePath == "" {
		cfg.Engine.StorePath = "finch.db"
	}
	if cfg.Engine.PerUserLimit == 0 {
		cfg.Engine.PerUserLimit = 5
	}
	if cfg.Engine.DefaultHold == 0 {
		cfg.Engine.DefaultHold = 60 * time.Second
	}
	if cfg.Engine.Janitor.MinInterval == 0 {
		cfg.Engine.Janitor.MinInterval = 5 * time.Second
	}
	if cfg.Engine.Janitor.MaxInterval == 0 {
		cfg.Engine.Janitor.MaxInterval = 60 * time.Second
	}
	if cfg.Engine.Janitor.BusyThreshold == 0 {
		cfg.Engine.Janitor.BusyThreshold = 64
	}
	if cfg.Engine.Janitor.Grace == 0 {
		cfg.Engine.Janitor.Grace = 5 * time.Minute
	}
	if cfg.Engine.Janitor.Retention == 0 {
		cfg.Engine.Janitor.Retention = 7 * 24 * time.Hour
	}
	if cfg.Engine.Janitor.PurgeSchedule == "" {
		cfg.Engine.Janitor.PurgeSchedule = "0 3 * * *"
	}
	if cfg.Engine.Notify.TickInterval == 0 {
		cfg.Engine.Notify.TickInterval = time.Second
	}
	if cfg.Engine.Notify.MaxTicks == 0 {
		cfg.Engine.Notify.MaxTicks = 30
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.MetricsPort == 0 {
		cfg.Server.MetricsPort = 9090
	}
	if cfg.Admin.Timeout == 0 {
		cfg.Admin.Timeout = 10 * time.Second
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Engine.PerUserLimit < 0 {
		return fmt.Errorf("engine.per_user_limit must be positive")
	}
	if c.Engine.DefaultHold < 0 {
		return fmt.Errorf("engine.default_hold must be positive")
	}
	for opType, hold := range c.Engine.HoldByType {
		if hold <= 0 {
			return fmt.Errorf("engine.hold_by_type[%s] must be positive", opType)
		}
	}
	if c.Engine.Janitor.MinInterval > c.Engine.Janitor.MaxInterval {
		return fmt.Errorf("engine.janitor.min_interval exceeds max_interval")
	}
	if c.Engine.Janitor.Grace < 0 {
		return fmt.Errorf("engine.janitor.grace must not be negative")
	}
	if c.Server.MetricsPort < 0 || c.Server.MetricsPort > 65535 {
		return fmt.Errorf("server.metrics_port out of range")
	}
	return nil
}
