/*
Package config loads server configuration.

PURPOSE:
  Settings come from three layers, later layers winning:
    1. Defaults (Default)
    2. YAML file (optional, -config flag)
    3. Environment variables, after an optional .env file is loaded

  cmd/server applies its command-line flags on top of the result.

ENVIRONMENT:
  PORT, DB_DRIVER, DB_PATH, DATABASE_URL, LOG_LEVEL, LOG_FORMAT,
  CORS_ALLOWED_ORIGINS, ENABLE_SCENARIOS, SYNC_ENABLED, SYNC_BASE_URL,
  SYNC_PARTICIPANTS_PATH, SYNC_LEDGER_PATH, SYNC_SERVICE_TOKEN,
  SYNC_SCHEDULE, SYNC_KIND, SYNC_MAPPINGS_FILE

SEE ALSO:
  - config.example.yaml: Annotated sample file
*/
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// CronParser parses sync schedules: six fields (with seconds) or descriptors
// such as "@hourly".
var CronParser = cron.NewParser(
	cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Log      LogConfig      `yaml:"log"`
	Sync     SyncConfig     `yaml:"sync"`
}

type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	EnableScenarios bool          `yaml:"enable_scenarios"` // dev-only demo data endpoints
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"` // "memory", "sqlite" or "postgres"
	Path   string `yaml:"path"`   // SQLite file
	URL    string `yaml:"url"`    // Postgres DSN
}

type LogConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Format string `yaml:"format"` // "text" or "json"
}

// SyncConfig configures the pull from the external workspace export.
type SyncConfig struct {
	Enabled          bool          `yaml:"enabled"`
	BaseURL          string        `yaml:"base_url"`
	ParticipantsPath string        `yaml:"participants_path"`
	LedgerPath       string        `yaml:"ledger_path"`
	ServiceToken     string        `yaml:"service_token"`
	Schedule         string        `yaml:"schedule"`
	Kind             string        `yaml:"kind"` // participants, ledger or full
	MappingsFile     string        `yaml:"mappings_file"`
	Timeout          time.Duration `yaml:"timeout"`
}

// Default returns a configuration that runs locally with no file.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			AllowedOrigins:  []string{"*"},
		},
		Database: DatabaseConfig{
			Driver: DriverSQLite,
			Path:   "points.db",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Sync: SyncConfig{
			ParticipantsPath: "/participants",
			LedgerPath:       "/ledger",
			Schedule:         "0 0 * * * *", // top of every hour
			Kind:             "full",
			Timeout:          30 * time.Second,
		},
	}
}

// Load builds the configuration from defaults, the YAML file at path (if
// path is non-empty) and the environment, then validates it.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
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

// LoadDotEnv loads variables from the given files (default ".env") into the
// process environment. Missing files are ignored; variables already set win.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", f, err)
		}
	}
	return nil
}

func (c *Config) overrideWithEnv() error {
	if val := os.Getenv("PORT"); val != "" {
		port, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("invalid PORT %q: %w", val, err)
		}
		c.Server.Port = port
	}
	if val := os.Getenv("CORS_ALLOWED_ORIGINS"); val != "" {
		c.Server.AllowedOrigins = splitList(val)
	}
	if val := os.Getenv("ENABLE_SCENARIOS"); val != "" {
		b, err := strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("invalid ENABLE_SCENARIOS %q: %w", val, err)
		}
		c.Server.EnableScenarios = b
	}

	// Database
	if val := os.Getenv("DB_DRIVER"); val != "" {
		c.Database.Driver = val
	}
	if val := os.Getenv("DB_PATH"); val != "" {
		c.Database.Path = val
	}
	if val := os.Getenv("DATABASE_URL"); val != "" {
		c.Database.URL = val
	}

	// Log
	if val := os.Getenv("LOG_LEVEL"); val != "" {
		c.Log.Level = val
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		c.Log.Format = val
	}

	// Sync
	if val := os.Getenv("SYNC_ENABLED"); val != "" {
		b, err := strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("invalid SYNC_ENABLED %q: %w", val, err)
		}
		c.Sync.Enabled = b
	}
	if val := os.Getenv("SYNC_BASE_URL"); val != "" {
		c.Sync.BaseURL = val
	}
	if val := os.Getenv("SYNC_PARTICIPANTS_PATH"); val != "" {
		c.Sync.ParticipantsPath = val
	}
	if val := os.Getenv("SYNC_LEDGER_PATH"); val != "" {
		c.Sync.LedgerPath = val
	}
	if val := os.Getenv("SYNC_SERVICE_TOKEN"); val != "" {
		c.Sync.ServiceToken = val
	}
	if val := os.Getenv("SYNC_SCHEDULE"); val != "" {
		c.Sync.Schedule = val
	}
	if val := os.Getenv("SYNC_KIND"); val != "" {
		c.Sync.Kind = val
	}
	if val := os.Getenv("SYNC_MAPPINGS_FILE"); val != "" {
		c.Sync.MappingsFile = val
	}
	return nil
}

// Validate checks the configuration for values the server cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	switch c.Database.Driver {
	case DriverMemory:
	case DriverSQLite:
		if c.Database.Path == "" {
			return errors.New("database path is required for sqlite")
		}
	case DriverPostgres:
		if c.Database.URL == "" {
			return errors.New("database url is required for postgres")
		}
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}

	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}

	if !c.Sync.Enabled {
		return nil
	}
	if c.Sync.BaseURL == "" {
		return errors.New("sync base url is required when sync is enabled")
	}
	switch c.Sync.Kind {
	case "participants", "ledger", "full":
	default:
		return fmt.Errorf("unknown sync kind %q", c.Sync.Kind)
	}
	if _, err := CronParser.Parse(c.Sync.Schedule); err != nil {
		return fmt.Errorf("invalid sync schedule %q: %w", c.Sync.Schedule, err)
	}
	return nil
}

// Addr returns the listen address for the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
