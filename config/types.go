// Package config loads the runqueued host configuration from YAML or JSON
// files and environment overrides, and watches the file for changes.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/Swind/go-runqueue/core"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// LogLevel represents the logging level
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// IsValid checks if the log level is valid
func (l LogLevel) IsValid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
		return true
	default:
		return false
	}
}

// Zerolog maps the level onto zerolog. Unknown levels map to info.
func (l LogLevel) Zerolog() zerolog.Level {
	switch l {
	case LogLevelDebug:
		return zerolog.DebugLevel
	case LogLevelWarn:
		return zerolog.WarnLevel
	case LogLevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Duration is a time.Duration written as "250ms" or "1m" in config files.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	v, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Config is the complete runqueued configuration.
type Config struct {
	Runners     RunnersConfig     `yaml:"runners" json:"runners"`
	SlowService SlowServiceConfig `yaml:"slow_service" json:"slow_service"`
	Log         LogConfig         `yaml:"log" json:"log"`
	Metrics     MetricsConfig     `yaml:"metrics" json:"metrics"`
	Gateway     GatewayConfig     `yaml:"gateway" json:"gateway"`
	Store       StoreConfig       `yaml:"store" json:"store"`
}

// RunnersConfig holds the defaults applied to every Runner.
type RunnersConfig struct {
	BatchSize       int `yaml:"batch_size" json:"batch_size"`
	QueueCapacity   int `yaml:"queue_capacity" json:"queue_capacity"`
	HistoryCapacity int `yaml:"history_capacity" json:"history_capacity"`
}

// SlowServiceConfig sizes the blocking-work pool.
type SlowServiceConfig struct {
	MaxWorkers  int      `yaml:"max_workers" json:"max_workers"`
	IdleTimeout Duration `yaml:"idle_timeout" json:"idle_timeout"`
	MaxRetries  int      `yaml:"max_retries" json:"max_retries"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level  LogLevel `yaml:"level" json:"level"`
	Format string   `yaml:"format" json:"format"` // json or console
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Addr         string   `yaml:"addr" json:"addr"`
	Namespace    string   `yaml:"namespace" json:"namespace"`
	PollInterval Duration `yaml:"poll_interval" json:"poll_interval"`
}

// GatewayConfig configures the websocket gateway.
type GatewayConfig struct {
	Addr string `yaml:"addr" json:"addr"`
	Path string `yaml:"path" json:"path"`
}

// StoreConfig configures the file store.
type StoreConfig struct {
	Dir string `yaml:"dir" json:"dir"`
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	return &Config{
		Runners: RunnersConfig{
			BatchSize:       32,
			QueueCapacity:   16,
			HistoryCapacity: 100,
		},
		SlowService: SlowServiceConfig{
			MaxWorkers:  8,
			IdleTimeout: Duration(60 * time.Second),
		},
		Log: LogConfig{
			Level:  LogLevelInfo,
			Format: "json",
		},
		Metrics: MetricsConfig{
			Addr:         ":9090",
			Namespace:    "runqueue",
			PollInterval: Duration(5 * time.Second),
		},
		Gateway: GatewayConfig{
			Addr: ":8080",
			Path: "/ws",
		},
		Store: StoreConfig{
			Dir: "./data",
		},
	}
}

// Validate checks the configuration for values the runtime cannot use.
func (c *Config) Validate() error {
	if c.Runners.BatchSize <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidBatchSize, c.Runners.BatchSize)
	}
	if c.Runners.QueueCapacity <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidQueueCapacity, c.Runners.QueueCapacity)
	}
	if c.SlowService.MaxWorkers <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidMaxWorkers, c.SlowService.MaxWorkers)
	}
	if c.SlowService.IdleTimeout <= 0 {
		return fmt.Errorf("%w: %s", ErrInvalidIdleTimeout, c.SlowService.IdleTimeout)
	}
	if c.SlowService.MaxRetries < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidMaxRetries, c.SlowService.MaxRetries)
	}
	if !c.Log.Level.IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidLogLevel, c.Log.Level)
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		return fmt.Errorf("%w: %q", ErrInvalidLogFormat, c.Log.Format)
	}
	if c.Gateway.Path == "" || !strings.HasPrefix(c.Gateway.Path, "/") {
		return fmt.Errorf("%w: %q", ErrInvalidGatewayPath, c.Gateway.Path)
	}
	if c.Store.Dir == "" {
		return ErrInvalidStoreDir
	}
	return nil
}

// RunnerDefaults returns the base RunnerConfig for a core.Registry.
func (c *Config) RunnerDefaults(logger core.Logger, metrics core.Metrics) core.RunnerConfig {
	return core.RunnerConfig{
		BatchSize:       c.Runners.BatchSize,
		QueueCapacity:   c.Runners.QueueCapacity,
		HistoryCapacity: c.Runners.HistoryCapacity,
		Logger:          logger,
		Metrics:         metrics,
	}
}

// SlowServiceRunnerConfig returns the core config for the blocking-work pool.
func (c *Config) SlowServiceRunnerConfig(name string, logger core.Logger, metrics core.Metrics) core.SlowServiceConfig {
	retry := core.NoRetry()
	if c.SlowService.MaxRetries > 0 {
		retry = core.DefaultRetryPolicy()
		retry.MaxRetries = c.SlowService.MaxRetries
	}
	return core.SlowServiceConfig{
		Name:        name,
		MaxWorkers:  c.SlowService.MaxWorkers,
		IdleTimeout: c.SlowService.IdleTimeout.Std(),
		Retry:       retry,
		Logger:      logger,
		Metrics:     metrics,
	}
}

// NewLogger builds the zerolog-backed logger described by c.Log.
func (c *Config) NewLogger() *core.ZerologLogger {
	zl := zerolog.New(os.Stderr)
	if c.Log.Format == "console" {
		zl = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	zl = zl.Level(c.Log.Level.Zerolog()).With().Timestamp().Logger()
	return core.NewZerologLogger(zl)
}
