// Package config loads the service configuration from YAML with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Log       LogConfig       `yaml:"log"`
	Rules     RulesConfig     `yaml:"rules"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// Addr is the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig selects the store. Driver is "sqlite3", "postgres" or
// "memory".
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// LogConfig contains logging settings
type LogConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Format string `yaml:"format"` // "json" or "text"
}

// RulesConfig points at the circulation rule table.
type RulesConfig struct {
	File string `yaml:"file"`
}

// SchedulerConfig holds cron specs with a leading seconds field.
// An empty spec disables the job.
type SchedulerConfig struct {
	PolicyRefresh string `yaml:"policy_refresh"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
		},
		Database: DatabaseConfig{
			Driver: "sqlite3",
			DSN:    "./data/circulation.db",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Rules: RulesConfig{
			File: "./rules.yaml",
		},
		Scheduler: SchedulerConfig{
			PolicyRefresh: "0 */5 * * * *",
		},
	}
}

// Load reads configuration from a YAML file over the defaults. An empty
// path loads the defaults alone.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := cfg.overrideWithEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// overrideWithEnv overrides config values with environment variables
func (c *Config) overrideWithEnv() error {
	if val := os.Getenv("CIRC_DB_DRIVER"); val != "" {
		c.Database.Driver = val
	}
	if val := os.Getenv("CIRC_DB_DSN"); val != "" {
		c.Database.DSN = val
	}
	if val := os.Getenv("CIRC_PORT"); val != "" {
		port, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("CIRC_PORT: %w", err)
		}
		c.Server.Port = port
	}
	if val := os.Getenv("CIRC_LOG_LEVEL"); val != "" {
		c.Log.Level = val
	}
	return nil
}

// Validate checks the configuration for values the server cannot start with.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}

	switch strings.ToLower(c.Database.Driver) {
	case "memory":
	case "sqlite", "sqlite3", "postgres", "postgresql":
		if c.Database.DSN == "" {
			errs = append(errs, errors.New("database.dsn is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("database.driver %q is not supported", c.Database.Driver))
	}

	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be json or text", c.Log.Format))
	}

	if c.Scheduler.PolicyRefresh != "" {
		if _, err := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow).
			Parse(c.Scheduler.PolicyRefresh); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.policy_refresh: %w", err))
		}
	}

	return errors.Join(errs...)
}
