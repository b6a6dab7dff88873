package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/votechain/votechain/internal/hash"
	"github.com/votechain/votechain/internal/registry"
)

const (
	BackendBolt     = "bolt"
	BackendFile     = "file"
	BackendPostgres = "postgres"

	// BoltFile is the database file name inside ledger.data_dir.
	BoltFile = "votechain.db"
)

type Config struct {
	Ledger     LedgerConfig      `mapstructure:"ledger"`
	Hash       HashConfig        `mapstructure:"hash"`
	Database   DatabaseConfig    `mapstructure:"database"`
	Candidates []CandidateConfig `mapstructure:"candidates"`
	Verify     VerifyConfig      `mapstructure:"verify"`
	Watch      WatchConfig       `mapstructure:"watch"`
	Alerts     AlertsConfig      `mapstructure:"alerts"`
	Log        LogConfig         `mapstructure:"log"`
}

type LedgerConfig struct {
	Backend string `mapstructure:"backend"`
	DataDir string `mapstructure:"data_dir"`
}

type HashConfig struct {
	Algorithm string `mapstructure:"algorithm"`
}

type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
}

type CandidateConfig struct {
	ID   string `mapstructure:"id"`
	Name string `mapstructure:"name"`
}

type VerifyConfig struct {
	OnStartup bool   `mapstructure:"on_startup"`
	Interval  string `mapstructure:"interval"`
	Persisted bool   `mapstructure:"persisted"`
}

type WatchConfig struct {
	SlotName        string `mapstructure:"slot_name"`
	PublicationName string `mapstructure:"publication_name"`
}

type AlertsConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	SlackWebhook string `mapstructure:"slack_webhook"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ledger.backend", BackendBolt)
	v.SetDefault("ledger.data_dir", "./data")
	v.SetDefault("hash.algorithm", hash.SHA256.String())
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.database", "")
	v.SetDefault("database.user", "")
	v.SetDefault("database.password", "")
	v.SetDefault("verify.on_startup", true)
	v.SetDefault("verify.interval", "")
	v.SetDefault("verify.persisted", true)
	v.SetDefault("watch.slot_name", "votechain_watch")
	v.SetDefault("watch.publication_name", "votechain_publication")
	v.SetDefault("alerts.enabled", false)
	v.SetDefault("alerts.slack_webhook", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

func Load(configPath string) (*Config, error) {
	return load(configPath, true)
}

// LoadOrDefault is Load, except a missing file yields the defaults with
// environment overrides applied.
func LoadOrDefault(configPath string) (*Config, error) {
	return load(configPath, false)
}

func load(configPath string, required bool) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		if required || !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	for _, key := range v.AllKeys() {
		val := v.GetString(key)
		if expanded := os.ExpandEnv(val); expanded != val {
			v.Set(key, expanded)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.Ledger.Backend == "" {
		c.Ledger.Backend = BackendBolt
	}
	c.Ledger.Backend = strings.ToLower(c.Ledger.Backend)

	switch c.Ledger.Backend {
	case BackendBolt, BackendFile:
		if c.Ledger.DataDir == "" {
			return fmt.Errorf("ledger.data_dir is required for the %s backend", c.Ledger.Backend)
		}
	case BackendPostgres:
		if c.Database.Host == "" {
			return fmt.Errorf("database.host is required")
		}
		if c.Database.Database == "" {
			return fmt.Errorf("database.database is required")
		}
		if c.Database.User == "" {
			return fmt.Errorf("database.user is required")
		}
	default:
		return fmt.Errorf("invalid ledger backend: %s (valid options: bolt, file, postgres)", c.Ledger.Backend)
	}

	if c.Database.Port == 0 {
		c.Database.Port = 5432
	}

	alg, err := hash.Parse(c.Hash.Algorithm)
	if err != nil {
		return err
	}
	c.Hash.Algorithm = alg.String()

	for i, cand := range c.Candidates {
		if strings.TrimSpace(cand.ID) == "" || strings.TrimSpace(cand.Name) == "" {
			return fmt.Errorf("candidates[%d]: id and name are required", i)
		}
	}

	if c.Verify.Interval != "" {
		d, err := time.ParseDuration(c.Verify.Interval)
		if err != nil {
			return fmt.Errorf("invalid verify.interval: %w", err)
		}
		if d < 0 {
			return fmt.Errorf("verify.interval must not be negative")
		}
	}

	if c.Watch.SlotName == "" {
		c.Watch.SlotName = "votechain_watch"
	}
	if c.Watch.PublicationName == "" {
		c.Watch.PublicationName = "votechain_publication"
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s (valid options: debug, info, warn, error)", c.Log.Level)
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if c.Log.Format != "console" && c.Log.Format != "json" {
		return fmt.Errorf("invalid log format: %s (valid options: console, json)", c.Log.Format)
	}

	return nil
}

// HashAlgorithm returns the validated digest algorithm.
func (c *Config) HashAlgorithm() hash.Algorithm {
	alg, _ := hash.Parse(c.Hash.Algorithm)
	return alg
}

// VerifyInterval returns zero when periodic verification is disabled.
func (c *Config) VerifyInterval() time.Duration {
	d, _ := time.ParseDuration(c.Verify.Interval)
	return d
}

// SeedCandidates returns the configured candidates, or nil to use the defaults.
func (c *Config) SeedCandidates() []registry.Candidate {
	if len(c.Candidates) == 0 {
		return nil
	}
	out := make([]registry.Candidate, len(c.Candidates))
	for i, cand := range c.Candidates {
		out[i] = registry.Candidate{ID: cand.ID, Name: cand.Name}
	}
	return out
}

func (c *Config) BoltPath() string {
	return filepath.Join(c.Ledger.DataDir, BoltFile)
}

func (d *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=disable",
		d.Host, d.Port, d.Database, d.User, d.Password)
}
