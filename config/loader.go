package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"
)

// Format represents the configuration file format
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// FormatOf determines the format from a file extension.
func FormatOf(filename string) (Format, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Ext(filename))
	}
}

// Loader reads configuration files and applies environment overrides.
type Loader struct {
	envPrefix string
	defaults  func() *Config
	getenv    func(string) string
}

// NewLoader creates a loader with the RUNQUEUE environment prefix.
func NewLoader() *Loader {
	return &Loader{
		envPrefix: "RUNQUEUE",
		defaults:  DefaultConfig,
		getenv:    os.Getenv,
	}
}

// SetEnvPrefix sets the environment variable prefix
func (l *Loader) SetEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// Load reads filename over the defaults, applies environment overrides and
// validates the result. An empty filename loads defaults plus environment.
func (l *Loader) Load(filename string) (*Config, error) {
	cfg := l.defaults()

	if filename != "" {
		format, err := FormatOf(filename)
		if err != nil {
			return nil, err
		}
		data, err := os.ReadFile(filename)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", filename, err)
		}
		if err := decode(data, format, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", filename, err)
		}
	}

	return l.finish(cfg)
}

// LoadFromReader loads configuration from an io.Reader
func (l *Loader) LoadFromReader(r io.Reader, format Format) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration data: %w", err)
	}

	cfg := l.defaults()
	if err := decode(data, format, cfg); err != nil {
		return nil, err
	}
	return l.finish(cfg)
}

func (l *Loader) finish(cfg *Config) (*Config, error) {
	if err := l.applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// decode unmarshals over cfg, so keys missing from data keep their defaults.
func decode(data []byte, format Format, cfg *Config) error {
	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case FormatJSON:
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
	return nil
}

// applyEnv overrides cfg from PREFIX_SECTION_KEY variables.
func (l *Loader) applyEnv(cfg *Config) error {
	ints := map[string]*int{
		"RUNNERS_BATCH_SIZE":       &cfg.Runners.BatchSize,
		"RUNNERS_QUEUE_CAPACITY":   &cfg.Runners.QueueCapacity,
		"RUNNERS_HISTORY_CAPACITY": &cfg.Runners.HistoryCapacity,
		"SLOW_SERVICE_MAX_WORKERS": &cfg.SlowService.MaxWorkers,
		"SLOW_SERVICE_MAX_RETRIES": &cfg.SlowService.MaxRetries,
	}
	for key, dst := range ints {
		val := l.env(key)
		if val == "" {
			continue
		}
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("%w: %s_%s=%q", ErrEnvironmentVarError, l.envPrefix, key, val)
		}
		*dst = n
	}

	durations := map[string]*Duration{
		"SLOW_SERVICE_IDLE_TIMEOUT": &cfg.SlowService.IdleTimeout,
		"METRICS_POLL_INTERVAL":     &cfg.Metrics.PollInterval,
	}
	for key, dst := range durations {
		val := l.env(key)
		if val == "" {
			continue
		}
		d, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("%w: %s_%s=%q", ErrEnvironmentVarError, l.envPrefix, key, val)
		}
		*dst = Duration(d)
	}

	strs := map[string]*string{
		"LOG_FORMAT":        &cfg.Log.Format,
		"METRICS_ADDR":      &cfg.Metrics.Addr,
		"METRICS_NAMESPACE": &cfg.Metrics.Namespace,
		"GATEWAY_ADDR":      &cfg.Gateway.Addr,
		"GATEWAY_PATH":      &cfg.Gateway.Path,
		"STORE_DIR":         &cfg.Store.Dir,
	}
	for key, dst := range strs {
		if val := l.env(key); val != "" {
			*dst = val
		}
	}
	if val := l.env("LOG_LEVEL"); val != "" {
		cfg.Log.Level = LogLevel(strings.ToLower(val))
	}
	return nil
}

func (l *Loader) env(key string) string {
	return l.getenv(l.envPrefix + "_" + key)
}
