package model

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// DatabaseConfig selects the store backend.
type DatabaseConfig struct {
	// Driver is "sqlite" or "pgx".
	Driver string `mapstructure:"driver" yaml:"driver"`

	// DSN is a file path for sqlite or a connection URL for pgx.
	DSN string `mapstructure:"dsn" yaml:"dsn"`
}

// LogConfig controls structured logging output.
type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level"`

	// Dir, when set, receives a timestamped log file in addition to stdout.
	Dir string `mapstructure:"dir" yaml:"dir"`
}

// RemoteConfig selects and configures the remote mail service client.
type RemoteConfig struct {
	// Type is "gmail" or "imap".
	Type       string `mapstructure:"type" yaml:"type"`
	BaseURL    string `mapstructure:"base_url" yaml:"base_url"`
	TimeoutSec int    `mapstructure:"timeout_sec" yaml:"timeout_sec"`
}

// IMAPConfig holds the IMAP server settings used when remote.type is imap.
type IMAPConfig struct {
	Host               string `mapstructure:"host" yaml:"host"`
	Port               int    `mapstructure:"port" yaml:"port"`
	Username           string `mapstructure:"username" yaml:"username"`
	TLS                bool   `mapstructure:"tls" yaml:"tls"`
	InsecureSkipVerify bool   `mapstructure:"insecure_skip_verify" yaml:"insecure_skip_verify"`
	Mailbox            string `mapstructure:"mailbox" yaml:"mailbox"`
}

// SyncConfig tunes the sync coordinator.
type SyncConfig struct {
	MaxResults      int  `mapstructure:"max_results" yaml:"max_results"`
	BatchSize       int  `mapstructure:"batch_size" yaml:"batch_size"`
	HistoryPageSize int  `mapstructure:"history_page_size" yaml:"history_page_size"`
	MaxHistoryPages int  `mapstructure:"max_history_pages" yaml:"max_history_pages"`
	PollIntervalSec int  `mapstructure:"poll_interval_sec" yaml:"poll_interval_sec"`
	MaintainIndex   bool `mapstructure:"maintain_index" yaml:"maintain_index"`
}

// IndexConfig tunes the index maintainer.
type IndexConfig struct {
	BatchSize    int `mapstructure:"batch_size" yaml:"batch_size"`
	Workers      int `mapstructure:"workers" yaml:"workers"`
	TopAddresses int `mapstructure:"top_addresses" yaml:"top_addresses"`
}

// SourceConfig describes one configured mailbox sync.
type SourceConfig struct {
	// Account overrides the mailbox identity reported by the remote service.
	Account string `mapstructure:"account" yaml:"account"`

	// Labels are label names resolved against the remote label list.
	Labels []string `mapstructure:"labels" yaml:"labels"`

	// LabelIDs are used verbatim.
	LabelIDs []string `mapstructure:"label_ids" yaml:"label_ids"`

	MaxResults int  `mapstructure:"max_results" yaml:"max_results"`
	ForceFull  bool `mapstructure:"force_full" yaml:"force_full"`

	// Enabled controls whether the source is polled.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// PollIntervalSec overrides sync.poll_interval_sec for this source.
	PollIntervalSec int `mapstructure:"poll_interval_sec" yaml:"poll_interval_sec"`
}

// AppConfig is the top-level application configuration.
type AppConfig struct {
	Database DatabaseConfig `mapstructure:"database" yaml:"database"`
	Log      LogConfig      `mapstructure:"log" yaml:"log"`
	Remote   RemoteConfig   `mapstructure:"remote" yaml:"remote"`
	IMAP     IMAPConfig     `mapstructure:"imap" yaml:"imap"`
	Sync     SyncConfig     `mapstructure:"sync" yaml:"sync"`
	Index    IndexConfig    `mapstructure:"index" yaml:"index"`
	Sources  []SourceConfig `mapstructure:"sources" yaml:"sources"`
}

// envPrefix namespaces environment overrides, e.g. MAILINDEXER_DATABASE_DSN.
const envPrefix = "MAILINDEXER"

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/mailindexer/config.yaml.
func DefaultConfigPath() string {
	return filepath.Join(configDir(), "config.yaml")
}

// DefaultDatabasePath returns the default SQLite database location.
func DefaultDatabasePath() string {
	return filepath.Join(configDir(), "mailindexer.db")
}

func configDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "mailindexer")
}

// SetDefaults registers every configuration default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", DefaultDatabasePath())
	v.SetDefault("log.level", "info")
	v.SetDefault("log.dir", "")
	v.SetDefault("remote.type", "gmail")
	v.SetDefault("remote.base_url", "https://gmail.googleapis.com")
	v.SetDefault("remote.timeout_sec", 30)
	v.SetDefault("imap.port", 993)
	v.SetDefault("imap.tls", true)
	v.SetDefault("imap.mailbox", "INBOX")
	v.SetDefault("sync.max_results", 100)
	v.SetDefault("sync.batch_size", 50)
	v.SetDefault("sync.history_page_size", 500)
	v.SetDefault("sync.max_history_pages", 10)
	v.SetDefault("sync.poll_interval_sec", 300)
	v.SetDefault("sync.maintain_index", true)
	v.SetDefault("index.batch_size", 100)
	v.SetDefault("index.workers", 1)
	v.SetDefault("index.top_addresses", 10)
}

// LoadConfig reads configuration from the given YAML file path using Viper.
// If the file does not exist, defaults (and environment overrides) apply.
func LoadConfig(path string) (*AppConfig, error) {
	return LoadConfigWith(viper.New(), path)
}

// LoadConfigWith reads configuration into v, which may already carry bound
// command-line flags, and unmarshals the merged result.
func LoadConfigWith(v *viper.Viper, path string) (*AppConfig, error) {
	SetDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil && !isNotFound(err) {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	cfg := &AppConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	// Viper unmarshals missing bools as false; treat an unset enabled as true.
	for i := range cfg.Sources {
		key := fmt.Sprintf("sources.%d.enabled", i)
		if !cfg.Sources[i].Enabled && !v.IsSet(key) {
			cfg.Sources[i].Enabled = true
		}
	}

	return cfg, nil
}

func isNotFound(err error) bool {
	var notFound viper.ConfigFileNotFoundError
	if errors.As(err, &notFound) {
		return true
	}
	var pathErr *fs.PathError
	return errors.As(err, &pathErr) || errors.Is(err, fs.ErrNotExist)
}

// SaveConfig writes the given configuration to a YAML file at path,
// creating parent directories if needed.
func SaveConfig(path string, cfg *AppConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.Set("database", cfg.Database)
	v.Set("log", cfg.Log)
	v.Set("remote", cfg.Remote)
	v.Set("imap", cfg.IMAP)
	v.Set("sync", cfg.Sync)
	v.Set("index", cfg.Index)
	v.Set("sources", cfg.Sources)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}

	return nil
}
