// Package config loads promisedb's runtime configuration from, in
// ascending precedence, a YAML file, environment variables, and command
// line flags — the same three-layer precedence the donor codebase's
// config package uses, rebuilt here as one consistent Config type rather
// than the donor's two conflicting declarations for the message-store
// domain this repo no longer implements.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the fully-resolved runtime configuration.
type Config struct {
	// CoreDatabasePath is where the pebble-backed document store lives on
	// disk (spec.md §6 env var CoreDatabase).
	CoreDatabasePath string `yaml:"db_path"`
	// CoreDatabaseName labels the database in the startup banner
	// (spec.md §6 env var CoreDatabaseName).
	CoreDatabaseName string `yaml:"db_name"`

	// AdminAddr is the listen address for the admin HTTP front.
	AdminAddr string `yaml:"addr"`

	LogLevel string `yaml:"log_level"`
	LogSink  string `yaml:"log_sink"`

	RetentionEnabled bool   `yaml:"retention_enabled"`
	RetentionCron    string `yaml:"retention_cron"`
}

// Default returns a Config with sane defaults for local development.
func Default() Config {
	return Config{
		CoreDatabasePath: "./data/promisedb",
		CoreDatabaseName: "promisedb",
		AdminAddr:        ":8080",
		LogLevel:         "info",
		LogSink:          "",
		RetentionEnabled: true,
		RetentionCron:    "0 */6 * * *",
	}
}

// EffectiveConfigResult carries the resolved Config plus a human-readable
// description of where each value ultimately came from, for the startup
// banner.
type EffectiveConfigResult struct {
	Config Config
	Source string
}

// Load resolves Config from, in ascending precedence: Default(), an
// optional YAML file, environment variables (PROMISEDB_*), and finally
// command-line flags in args (every element is parsed, so pass os.Args[1:]).
func Load(path string, args []string) (EffectiveConfigResult, error) {
	cfg := Default()
	sources := []string{"defaults"}

	if path != "" {
		if err := applyYAMLFile(&cfg, path); err != nil {
			return EffectiveConfigResult{}, fmt.Errorf("loading config file %s: %w", path, err)
		}
		sources = append(sources, "file:"+path)
	}

	if applyEnv(&cfg) {
		sources = append(sources, "env")
	}

	if applyFlags(&cfg, args) {
		sources = append(sources, "flags")
	}

	return EffectiveConfigResult{Config: cfg, Source: strings.Join(sources, ",")}, nil
}

func applyYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

func applyEnv(cfg *Config) bool {
	changed := false
	set := func(dst *string, key string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
			changed = true
		}
	}
	set(&cfg.CoreDatabasePath, "PROMISEDB_DB_PATH")
	set(&cfg.CoreDatabaseName, "PROMISEDB_DB_NAME")
	set(&cfg.AdminAddr, "PROMISEDB_ADDR")
	set(&cfg.LogLevel, "PROMISEDB_LOG_LEVEL")
	set(&cfg.LogSink, "PROMISEDB_LOG_SINK")
	set(&cfg.RetentionCron, "PROMISEDB_RETENTION_CRON")
	if v, ok := os.LookupEnv("PROMISEDB_RETENTION_ENABLED"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.RetentionEnabled = b
			changed = true
		}
	}
	return changed
}

func applyFlags(cfg *Config, args []string) bool {
	if len(args) == 0 {
		return false
	}
	fs := flag.NewFlagSet("promisedb", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	dbPath := fs.String("db", cfg.CoreDatabasePath, "document store path")
	dbName := fs.String("db-name", cfg.CoreDatabaseName, "document store name")
	addr := fs.String("addr", cfg.AdminAddr, "admin HTTP listen address")
	logLevel := fs.String("log-level", cfg.LogLevel, "log level (debug|info|warn|error)")
	retentionEnabled := fs.Bool("retention", cfg.RetentionEnabled, "enable the retention sweeper")
	retentionCron := fs.String("retention-cron", cfg.RetentionCron, "retention sweeper cron expression")

	if err := fs.Parse(args); err != nil {
		return false
	}
	cfg.CoreDatabasePath = *dbPath
	cfg.CoreDatabaseName = *dbName
	cfg.AdminAddr = *addr
	cfg.LogLevel = *logLevel
	cfg.RetentionEnabled = *retentionEnabled
	cfg.RetentionCron = *retentionCron
	return true
}
