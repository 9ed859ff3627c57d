// Package config loads and validates the pipeline configuration file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/withObsrvr/checkpoint-pipeline/pkg/analytics"
	"github.com/withObsrvr/checkpoint-pipeline/pkg/archival"
	"github.com/withObsrvr/checkpoint-pipeline/pkg/ingestion"
	"github.com/withObsrvr/checkpoint-pipeline/pkg/progress"
)

// EnvPrefix prefixes environment variables that override file settings,
// e.g. CHKPIPE_SOURCE_PATH overrides source.path.
const EnvPrefix = "CHKPIPE"

type Config struct {
	Log       LogConfig         `mapstructure:"log"`
	Metrics   MetricsConfig     `mapstructure:"metrics"`
	Source    SourceConfig      `mapstructure:"source"`
	Progress  ProgressConfig    `mapstructure:"progress"`
	Executor  ExecutorConfig    `mapstructure:"executor"`
	Alerts    AlertsConfig      `mapstructure:"alerts"`
	Archival  ArchivalConfig    `mapstructure:"archival"`
	Analytics []AnalyticsConfig `mapstructure:"analytics"`

	settings map[string]interface{}
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // text or json
}

type MetricsConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

// SourceConfig selects where checkpoints are read from: a local directory
// written by the node, or a remote store URL.
type SourceConfig struct {
	Type           string            `mapstructure:"type"` // local or remote
	Path           string            `mapstructure:"path"`
	RemoteURL      string            `mapstructure:"remote_url"`
	Options        map[string]string `mapstructure:"options"`
	BufferSize     int               `mapstructure:"buffer_size"`
	InitialBackoff time.Duration     `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration     `mapstructure:"max_backoff"`
	AlertAfter     int               `mapstructure:"alert_after"`
}

type ProgressConfig struct {
	Type  string               `mapstructure:"type"` // file, redis, postgres or memory
	Path  string               `mapstructure:"path"`
	DSN   string               `mapstructure:"dsn"`
	Table string               `mapstructure:"table"`
	Redis progress.RedisConfig `mapstructure:"redis"`
}

type ExecutorConfig struct {
	MaxCheckpointsInProgress uint64        `mapstructure:"max_checkpoints_in_progress"`
	ProgressRetryInitial     time.Duration `mapstructure:"progress_retry_initial"`
	ProgressRetryMax         time.Duration `mapstructure:"progress_retry_max"`
}

type AlertsConfig struct {
	Cooldown time.Duration `mapstructure:"cooldown"`
	Slack    SlackConfig   `mapstructure:"slack"`
	Email    EmailConfig   `mapstructure:"email"`
}

type SlackConfig struct {
	Token    string   `mapstructure:"token"`
	Channels []string `mapstructure:"channels"`
}

type EmailConfig struct {
	APIKey string   `mapstructure:"api_key"`
	Host   string   `mapstructure:"host"`
	From   string   `mapstructure:"from"`
	To     []string `mapstructure:"to"`
}

type ArchivalConfig struct {
	Enabled           bool              `mapstructure:"enabled"`
	Name              string            `mapstructure:"name"`
	RemoteURL         string            `mapstructure:"remote_url"`
	Options           map[string]string `mapstructure:"options"`
	InitialCheckpoint uint64            `mapstructure:"initial_checkpoint"`

	archival.Config `mapstructure:",squash"`
}

// AnalyticsConfig runs one handler into one sink.
type AnalyticsConfig struct {
	Name              string               `mapstructure:"name"`
	Handler           string               `mapstructure:"handler"` // object, event or dynamic_field
	OutputURL         string               `mapstructure:"output_url"`
	Options           map[string]string    `mapstructure:"options"`
	PackageStorePath  string               `mapstructure:"package_store_path"`
	InitialCheckpoint uint64               `mapstructure:"initial_checkpoint"`
	Sink              analytics.SinkConfig `mapstructure:"sink"`

	analytics.WorkerConfig `mapstructure:",squash"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("metrics.listen_addr", ":9184")
	v.SetDefault("source.type", "local")
	v.SetDefault("source.buffer_size", 1000)
	v.SetDefault("source.initial_backoff", "100ms")
	v.SetDefault("source.max_backoff", "30s")
	v.SetDefault("source.alert_after", 50)
	v.SetDefault("progress.type", "file")
	v.SetDefault("progress.path", "progress.json")
	v.SetDefault("progress.table", "workflow_progress")
	v.SetDefault("executor.max_checkpoints_in_progress", ingestion.MaxCheckpointsInProgress)
	v.SetDefault("executor.progress_retry_initial", "500ms")
	v.SetDefault("executor.progress_retry_max", "30s")
	v.SetDefault("alerts.cooldown", "15m")
	v.SetDefault("archival.name", "archival")
	v.SetDefault("archival.commit_file_size", archival.DefaultCommitFileSize)
	v.SetDefault("archival.commit_duration", archival.DefaultCommitDuration.String())
}

// Load reads path, applies defaults and CHKPIPE_ environment overrides and
// validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.settings = v.AllSettings()
	for i := range cfg.Analytics {
		if cfg.Analytics[i].Name == "" {
			cfg.Analytics[i].Name = cfg.Analytics[i].Handler
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// YAML renders the resolved settings, defaults and overrides included.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c.settings)
}

// ValidationError reports one invalid setting.
type ValidationError struct {
	Field       string
	Value       interface{}
	Problem     string
	ValidValues []string
}

func (e ValidationError) Error() string {
	msg := fmt.Sprintf("%s: %v: %s", e.Field, e.Value, e.Problem)
	if len(e.ValidValues) > 0 {
		msg += " (valid: " + strings.Join(e.ValidValues, ", ") + ")"
	}
	return msg
}

// ValidationErrors collects every problem found in a config.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	parts := make([]string, len(e))
	for i, err := range e {
		parts[i] = err.Error()
	}
	return "invalid configuration:\n  " + strings.Join(parts, "\n  ")
}

func oneOf(value string, valid ...string) bool {
	for _, v := range valid {
		if strings.EqualFold(value, v) {
			return true
		}
	}
	return false
}

// Validate checks the config for missing or inconsistent settings.
func (c *Config) Validate() error {
	var errs ValidationErrors
	add := func(field string, value interface{}, problem string, valid ...string) {
		errs = append(errs, ValidationError{Field: field, Value: value, Problem: problem, ValidValues: valid})
	}

	if !oneOf(c.Log.Format, "text", "json") {
		add("log.format", c.Log.Format, "unknown format", "text", "json")
	}
	switch strings.ToLower(c.Source.Type) {
	case "local":
		if c.Source.Path == "" {
			add("source.path", c.Source.Path, "required for a local source")
		}
	case "remote":
		if c.Source.RemoteURL == "" {
			add("source.remote_url", c.Source.RemoteURL, "required for a remote source")
		}
	default:
		add("source.type", c.Source.Type, "unknown source type", "local", "remote")
	}

	switch strings.ToLower(c.Progress.Type) {
	case "file":
		if c.Progress.Path == "" {
			add("progress.path", c.Progress.Path, "required for file progress")
		}
	case "redis":
		if c.Progress.Redis.Addr == "" {
			add("progress.redis.addr", c.Progress.Redis.Addr, "required for redis progress")
		}
	case "postgres":
		if c.Progress.DSN == "" {
			add("progress.dsn", c.Progress.DSN, "required for postgres progress")
		}
	case "memory":
	default:
		add("progress.type", c.Progress.Type, "unknown progress store", "file", "redis", "postgres", "memory")
	}

	maxInFlight := c.Executor.MaxCheckpointsInProgress
	if maxInFlight < archival.MinCheckpointsInProgress {
		add("executor.max_checkpoints_in_progress", maxInFlight,
			fmt.Sprintf("must be at least %d", archival.MinCheckpointsInProgress))
	}

	names := make(map[string]bool)
	if c.Archival.Enabled {
		names[c.Archival.Name] = true
		if c.Archival.RemoteURL == "" {
			add("archival.remote_url", c.Archival.RemoteURL, "required when archival is enabled")
		}
		if c.Archival.MaxCheckpointsInProgress != 0 && c.Archival.MaxCheckpointsInProgress != maxInFlight {
			add("archival.max_checkpoints_in_progress", c.Archival.MaxCheckpointsInProgress, "must match executor.max_checkpoints_in_progress")
		}
	}
	for i, a := range c.Analytics {
		field := fmt.Sprintf("analytics[%d]", i)
		if !oneOf(a.Handler, "object", "event", "dynamic_field") {
			add(field+".handler", a.Handler, "unknown handler", "object", "event", "dynamic_field")
		}
		if names[a.Name] {
			add(field+".name", a.Name, "duplicate workflow name")
		}
		names[a.Name] = true
		switch strings.ToLower(a.Sink.Type) {
		case "", "parquet", "csv":
			if a.OutputURL == "" {
				add(field+".output_url", a.OutputURL, "required for file sinks")
			}
		case "postgres", "postgresql", "clickhouse", "mongodb", "mongo":
			if a.Sink.DSN == "" {
				add(field+".sink.dsn", a.Sink.DSN, "required for database sinks")
			}
		case "duckdb":
		default:
			add(field+".sink.type", a.Sink.Type, "unknown sink", "parquet", "csv", "postgres", "clickhouse", "mongodb", "duckdb")
		}
		if maxInFlight >= archival.MinCheckpointsInProgress {
			if err := a.WorkerConfig.Validate(maxInFlight); err != nil {
				add(field+".max_checkpoints_per_file", a.MaxCheckpointsPerFile, err.Error())
			}
		}
	}
	if !c.Archival.Enabled && len(c.Analytics) == 0 {
		add("archival.enabled", false, "no workers configured; enable archival or add analytics")
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
