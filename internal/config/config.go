// Package config loads curamigrate settings from an optional YAML file and
// CURAMIGRATE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/agentworkforce/curamigrate/internal/entity"
	"github.com/agentworkforce/curamigrate/internal/sink"
)

const (
	EnvPrefix         = "CURAMIGRATE"
	DefaultConfigName = "curamigrate"
)

type Config struct {
	Root       RootConfig       `mapstructure:"root"`
	Source     SourceConfig     `mapstructure:"source"`
	Schema     SchemaConfig     `mapstructure:"schema"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Sink       SinkConfig       `mapstructure:"sink"`
	Ledger     LedgerConfig     `mapstructure:"ledger"`
	Log        LogConfig        `mapstructure:"log"`
	Priority   []string         `mapstructure:"priority"`
}

type RootConfig struct {
	Type string `mapstructure:"type"`
	ID   string `mapstructure:"id"`
}

type SourceConfig struct {
	DSN    string `mapstructure:"dsn"`
	Driver string `mapstructure:"driver"`
	Table  string `mapstructure:"table"`
}

type SchemaConfig struct {
	Dir string `mapstructure:"dir"`
}

type CheckpointConfig struct {
	DSN string `mapstructure:"dsn"`
}

type SinkConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	Token             string        `mapstructure:"token"`
	AWSSign           bool          `mapstructure:"aws_sign"`
	AWSRegion         string        `mapstructure:"aws_region"`
	PresenceField     string        `mapstructure:"presence_field"`
	CheckConcurrency  int           `mapstructure:"check_concurrency"`
	CreateConcurrency int           `mapstructure:"create_concurrency"`
	MaxRetries        int           `mapstructure:"max_retries"`
	Timeout           time.Duration `mapstructure:"timeout"`
}

type LedgerConfig struct {
	Dir string `mapstructure:"dir"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// New returns a viper instance with every default set and environment
// binding enabled.
func New() *viper.Viper {
	v := viper.New()
	v.SetDefault("root.type", string(entity.TypeGDM))
	v.SetDefault("root.id", "")
	v.SetDefault("source.dsn", "")
	v.SetDefault("source.driver", "postgres")
	v.SetDefault("source.table", "migrate_recent_items")
	v.SetDefault("schema.dir", "schemas")
	v.SetDefault("checkpoint.dsn", "file://.curamigrate")
	v.SetDefault("sink.base_url", "http://127.0.0.1:3000")
	v.SetDefault("sink.token", "")
	v.SetDefault("sink.aws_sign", false)
	v.SetDefault("sink.aws_region", "us-west-2")
	v.SetDefault("sink.presence_field", "PK")
	v.SetDefault("sink.check_concurrency", 10)
	v.SetDefault("sink.create_concurrency", 1)
	v.SetDefault("sink.max_retries", 5)
	v.SetDefault("sink.timeout", 30*time.Second)
	v.SetDefault("ledger.dir", ".curamigrate/errors")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("priority", defaultPriority())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads path, or curamigrate.yaml in the working directory when path
// is empty. A missing default file is not an error.
func Load(v *viper.Viper, path string) (*Config, error) {
	if v == nil {
		v = New()
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(DefaultConfigName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.normalize()
	return &cfg, nil
}

func defaultPriority() []string {
	out := make([]string, len(sink.DefaultPriority))
	for i, t := range sink.DefaultPriority {
		out[i] = string(t)
	}
	return out
}

func (c *Config) normalize() {
	c.Root.Type = strings.TrimSpace(c.Root.Type)
	c.Root.ID = strings.TrimSpace(c.Root.ID)
	c.Source.Driver = strings.ToLower(strings.TrimSpace(c.Source.Driver))
	c.Sink.BaseURL = strings.TrimRight(strings.TrimSpace(c.Sink.BaseURL), "/")
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
	// Env values arrive as one space or comma separated string.
	if len(c.Priority) == 1 && strings.ContainsAny(c.Priority[0], ", ") {
		c.Priority = strings.FieldsFunc(c.Priority[0], func(r rune) bool { return r == ',' || r == ' ' })
	}
}

// PriorityTypes returns the configured create order as entity types.
func (c *Config) PriorityTypes() []entity.Type {
	out := make([]entity.Type, 0, len(c.Priority))
	for _, name := range c.Priority {
		if name = strings.TrimSpace(name); name != "" {
			out = append(out, entity.Type(name))
		}
	}
	return out
}

// Validate checks the settings every command needs. Commands that talk to
// the source or the sink also call ValidateSource or ValidateSink.
func (c *Config) Validate() error {
	if c.Root.ID == "" {
		return fmt.Errorf("root.id is required")
	}
	if !entity.Type(c.Root.Type).Known() {
		return fmt.Errorf("root.type %q is not a known entity type", c.Root.Type)
	}
	for _, t := range c.PriorityTypes() {
		if !t.Known() {
			return fmt.Errorf("priority: %q is not a known entity type", t)
		}
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error, got: %s", c.Log.Level)
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("log.format must be console or json, got: %s", c.Log.Format)
	}
	return nil
}

func (c *Config) ValidateSource() error {
	if strings.TrimSpace(c.Source.DSN) == "" {
		return fmt.Errorf("source.dsn is required")
	}
	switch c.Source.Driver {
	case "postgres", "pgx":
	default:
		return fmt.Errorf("source.driver must be postgres or pgx, got: %s", c.Source.Driver)
	}
	if strings.TrimSpace(c.Schema.Dir) == "" {
		return fmt.Errorf("schema.dir is required")
	}
	return nil
}

func (c *Config) ValidateSink() error {
	if !strings.HasPrefix(c.Sink.BaseURL, "http://") && !strings.HasPrefix(c.Sink.BaseURL, "https://") {
		return fmt.Errorf("sink.base_url must be an http(s) URL, got: %s", c.Sink.BaseURL)
	}
	if c.Sink.CheckConcurrency < 1 {
		return fmt.Errorf("sink.check_concurrency must be at least 1")
	}
	if c.Sink.CreateConcurrency < 1 {
		return fmt.Errorf("sink.create_concurrency must be at least 1")
	}
	if c.Sink.MaxRetries < 0 {
		return fmt.Errorf("sink.max_retries must not be negative")
	}
	if c.Sink.AWSSign && strings.TrimSpace(c.Sink.AWSRegion) == "" {
		return fmt.Errorf("sink.aws_region is required when sink.aws_sign is set")
	}
	return nil
}
