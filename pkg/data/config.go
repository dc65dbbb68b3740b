package data

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/pashagolub/bookvote/pkg/elo"
)

// EnvPrefix prefixes every environment variable read by LoadWithEnvironment.
const EnvPrefix = "BOOKVOTE_"

// Error types for configuration validation
var (
	ErrInvalidEloConfig     = errors.New("invalid Elo configuration")
	ErrInvalidSessionConfig = errors.New("invalid session configuration")
	ErrInvalidStorageConfig = errors.New("invalid storage configuration")
	ErrInvalidServerConfig  = errors.New("invalid server configuration")
	ErrInvalidExportConfig  = errors.New("invalid export configuration")
	ErrInvalidLogConfig     = errors.New("invalid log configuration")
	ErrConfigNotFound       = errors.New("configuration file not found")
	ErrConfigParseError     = errors.New("failed to parse configuration file")
)

// Storage drivers
const (
	DriverMemory   = "memory"
	DriverFile     = "file"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config is the top-level application configuration
type Config struct {
	Elo     elo.Config    `yaml:"elo" json:"elo" envPrefix:"ELO_"`
	Session SessionConfig `yaml:"session" json:"session" envPrefix:"SESSION_"`
	Storage StorageConfig `yaml:"storage" json:"storage" envPrefix:"STORAGE_"`
	Server  ServerConfig  `yaml:"server" json:"server" envPrefix:"SERVER_"`
	Export  ExportConfig  `yaml:"export" json:"export" envPrefix:"EXPORT_"`
	Audit   AuditConfig   `yaml:"audit" json:"audit" envPrefix:"AUDIT_"`
	Log     LogConfig     `yaml:"log" json:"log" envPrefix:"LOG_"`
}

// StorageConfig selects and tunes the persistence backend
type StorageConfig struct {
	// Driver is one of memory, file, sqlite or postgres
	Driver string `yaml:"driver" json:"driver" env:"DRIVER"`
	// Path is the snapshot file or SQLite database
	Path         string        `yaml:"path" json:"path" env:"PATH"`
	DSN          string        `yaml:"dsn" json:"-" env:"DSN"`
	MaxOpenConns int           `yaml:"max_open_conns" json:"max_open_conns" env:"MAX_OPEN_CONNS"`
	BusyTimeout  time.Duration `yaml:"busy_timeout" json:"busy_timeout" env:"BUSY_TIMEOUT"` // SQLite lock wait
}

// ServerConfig holds HTTP API settings
type ServerConfig struct {
	Addr              string        `yaml:"addr" json:"addr" env:"ADDR"`
	JWTSecret         string        `yaml:"jwt_secret" json:"-" env:"JWT_SECRET"`
	TokenTTL          time.Duration `yaml:"token_ttl" json:"token_ttl" env:"TOKEN_TTL"`
	AdminPasswordHash string        `yaml:"admin_password_hash" json:"-" env:"ADMIN_PASSWORD_HASH"` // bcrypt hash
	VoteRate          float64       `yaml:"vote_rate" json:"vote_rate" env:"VOTE_RATE"`             // Votes per second per user
	VoteBurst         int           `yaml:"vote_burst" json:"vote_burst" env:"VOTE_BURST"`
	SessionIdle       time.Duration `yaml:"session_idle" json:"session_idle" env:"SESSION_IDLE"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	AllowedOrigins    []string      `yaml:"allowed_origins" json:"allowed_origins" env:"ALLOWED_ORIGINS" envSeparator:","`
}

// ExportConfig holds output format settings
type ExportConfig struct {
	Format        string `yaml:"format" json:"format" env:"FORMAT"`                         // csv or json
	Directory     string `yaml:"directory" json:"directory" env:"DIRECTORY"`                // Where export files are written
	RoundDecimals int    `yaml:"round_decimals" json:"round_decimals" env:"ROUND_DECIMALS"` // Decimal places for scores
}

// AuditConfig controls the audit journal
type AuditConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled" env:"ENABLED"`
	Path    string `yaml:"path" json:"path" env:"PATH"`
}

// LogConfig controls structured logging
type LogConfig struct {
	Level  string `yaml:"level" json:"level" env:"LEVEL"`    // debug, info, warn, error
	Format string `yaml:"format" json:"format" env:"FORMAT"` // json or text
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() Config {
	return Config{
		Elo:     elo.DefaultConfig(),
		Session: DefaultSessionConfig(),
		Storage: DefaultStorageConfig(),
		Server:  DefaultServerConfig(),
		Export:  DefaultExportConfig(),
		Audit:   DefaultAuditConfig(),
		Log:     DefaultLogConfig(),
	}
}

// DefaultStorageConfig returns a local SQLite database
func DefaultStorageConfig() StorageConfig {
	return StorageConfig{
		Driver:       DriverSQLite,
		Path:         "bookvote.db",
		MaxOpenConns: 10,
		BusyTimeout:  5 * time.Second,
	}
}

// DefaultServerConfig returns HTTP defaults
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:            ":8080",
		TokenTTL:        24 * time.Hour,
		VoteRate:        2,
		VoteBurst:       5,
		SessionIdle:     2 * time.Hour,
		ShutdownTimeout: 10 * time.Second,
	}
}

// DefaultExportConfig returns export format defaults
func DefaultExportConfig() ExportConfig {
	return ExportConfig{
		Format:        "csv",
		Directory:     ".",
		RoundDecimals: 2,
	}
}

// DefaultAuditConfig returns a journal next to the database
func DefaultAuditConfig() AuditConfig {
	return AuditConfig{Enabled: true, Path: "bookvote-audit.jsonl"}
}

// DefaultLogConfig returns info-level JSON logging
func DefaultLogConfig() LogConfig {
	return LogConfig{Level: "info", Format: "json"}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if err := c.Elo.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEloConfig, err)
	}
	if err := c.Session.Validate(); err != nil {
		return err
	}
	if err := c.Storage.Validate(); err != nil {
		return err
	}
	if err := c.Server.Validate(); err != nil {
		return err
	}
	if err := c.Export.Validate(); err != nil {
		return err
	}
	if c.Audit.Enabled && strings.TrimSpace(c.Audit.Path) == "" {
		return errors.New("audit path is required when audit is enabled")
	}
	return c.Log.Validate()
}

// Validate checks that storage configuration is valid
func (s *StorageConfig) Validate() error {
	switch s.Driver {
	case DriverMemory:
	case DriverFile, DriverSQLite:
		if strings.TrimSpace(s.Path) == "" {
			return fmt.Errorf("%w: path is required for the %s driver", ErrInvalidStorageConfig, s.Driver)
		}
	case DriverPostgres:
		if strings.TrimSpace(s.DSN) == "" {
			return fmt.Errorf("%w: dsn is required for the postgres driver", ErrInvalidStorageConfig)
		}
	default:
		return fmt.Errorf("%w: driver '%s' must be one of: memory, file, sqlite, postgres", ErrInvalidStorageConfig, s.Driver)
	}
	if s.MaxOpenConns < 0 {
		return fmt.Errorf("%w: max_open_conns must not be negative", ErrInvalidStorageConfig)
	}
	return nil
}

// Validate checks that server configuration is valid
func (s *ServerConfig) Validate() error {
	if strings.TrimSpace(s.Addr) == "" {
		return fmt.Errorf("%w: addr is required", ErrInvalidServerConfig)
	}
	if s.TokenTTL <= 0 {
		return fmt.Errorf("%w: token_ttl must be positive", ErrInvalidServerConfig)
	}
	if s.VoteRate < 0 || s.VoteBurst < 0 {
		return fmt.Errorf("%w: vote_rate and vote_burst must not be negative", ErrInvalidServerConfig)
	}
	if s.VoteRate > 0 && s.VoteBurst == 0 {
		return fmt.Errorf("%w: vote_burst must be positive when vote_rate is set", ErrInvalidServerConfig)
	}
	return nil
}

// Validate checks that export configuration is valid
func (e *ExportConfig) Validate() error {
	if e.Format != "csv" && e.Format != "json" {
		return fmt.Errorf("%w: format '%s' must be one of: csv, json", ErrInvalidExportConfig, e.Format)
	}
	if e.RoundDecimals < 0 || e.RoundDecimals > 10 {
		return fmt.Errorf("%w: round_decimals %d must be between 0 and 10", ErrInvalidExportConfig, e.RoundDecimals)
	}
	return nil
}

// Validate checks that log configuration is valid
func (l *LogConfig) Validate() error {
	if _, err := l.level(); err != nil {
		return err
	}
	if l.Format != "json" && l.Format != "text" {
		return fmt.Errorf("%w: format '%s' must be json or text", ErrInvalidLogConfig, l.Format)
	}
	return nil
}

func (l *LogConfig) level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("%w: level '%s'", ErrInvalidLogConfig, l.Level)
	}
	return level, nil
}

// NewLogger builds a structured logger writing to w.
func (l *LogConfig) NewLogger(w io.Writer) *slog.Logger {
	level, err := l.level()
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if l.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// LoadFromFile loads configuration from a YAML file on top of the defaults
func LoadFromFile(filename string) (*Config, error) {
	raw, err := os.ReadFile(filename)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, filename)
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", filename, err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(raw, &config); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrConfigParseError, filename, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", filename, err)
	}
	return &config, nil
}

// LoadWithEnvironment loads the optional YAML file, the optional dotenv file
// and then applies BOOKVOTE_* environment variables.
func LoadWithEnvironment(filename, dotenv string) (*Config, error) {
	config := DefaultConfig()

	if filename != "" {
		fileConfig, err := LoadFromFile(filename)
		if err != nil && !errors.Is(err, ErrConfigNotFound) {
			return nil, err
		}
		if err == nil {
			config = *fileConfig
		}
	}

	if dotenv != "" {
		// variables already set in the process environment win
		if err := godotenv.Load(dotenv); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", dotenv, err)
		}
	}

	if err := env.ParseWithOptions(&config, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid final configuration: %w", err)
	}
	return &config, nil
}

// SaveToFile saves configuration to a YAML file atomically
func (c *Config) SaveToFile(filename string) error {
	raw, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if dir := filepath.Dir(filename); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}

	tmp := filename + ".tmp"
	if err := os.WriteFile(tmp, raw, 0600); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", filename, err)
	}
	if err := os.Rename(tmp, filename); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace config file %s: %w", filename, err)
	}
	return nil
}
