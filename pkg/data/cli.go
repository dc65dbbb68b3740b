package data

import (
	"fmt"
	"os"
	"path/filepath"
)

// DefaultConfigFile is looked up when --config is not given.
const DefaultConfigFile = "bookvote.yaml"

// CLIOptions are the global command-line flags shared by every command.
// They have the highest precedence: defaults < file < environment < flags.
type CLIOptions struct {
	ConfigFile string `long:"config" short:"c" description:"Configuration file path" default:"bookvote.yaml"`
	EnvFile    string `long:"env-file" description:"Dotenv file with BOOKVOTE_* variables" default:".env"`
	NoConfig   bool   `long:"no-config" description:"Skip loading configuration file"`

	Driver   string `long:"driver" description:"Storage driver (memory/file/sqlite/postgres)"`
	Path     string `long:"db" description:"File or SQLite database path"`
	DSN      string `long:"dsn" description:"PostgreSQL connection string"`
	LogLevel string `long:"log-level" description:"Log level (debug/info/warn/error)"`
	Verbose  bool   `long:"verbose" short:"v" description:"Enable debug logging"`
}

// Load resolves the full configuration for the given flags.
func (o *CLIOptions) Load() (*Config, error) {
	configPath := ""
	if !o.NoConfig {
		configPath = resolveConfigPath(o.ConfigFile)
	}

	config, err := LoadWithEnvironment(configPath, o.EnvFile)
	if err != nil {
		return nil, err
	}

	o.applyOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

// applyOverrides applies command-line flag values to the configuration
func (o *CLIOptions) applyOverrides(config *Config) {
	if o.Driver != "" {
		config.Storage.Driver = o.Driver
	}
	if o.Path != "" {
		config.Storage.Path = o.Path
	}
	if o.DSN != "" {
		config.Storage.DSN = o.DSN
	}
	if o.LogLevel != "" {
		config.Log.Level = o.LogLevel
	}
	if o.Verbose {
		config.Log.Level = "debug"
	}
}

// resolveConfigPath falls back to the user config directory for relative
// paths that do not exist in the working directory.
func resolveConfigPath(name string) string {
	if name == "" || filepath.IsAbs(name) {
		return name
	}
	if _, err := os.Stat(name); err == nil {
		return name
	}
	for _, p := range GetConfigSearchPaths(name)[1:] {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return name
}

// GetConfigSearchPaths returns possible configuration file locations
func GetConfigSearchPaths(filename string) []string {
	paths := []string{filename}
	if homeDir, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(homeDir, ".config", "bookvote", filename))
	}
	paths = append(paths, filepath.Join("/etc", "bookvote", filename))
	return paths
}
