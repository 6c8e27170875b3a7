package config

import "errors"

// Configuration validation errors
var (
	ErrInvalidBatchSize     = errors.New("invalid runner batch size")
	ErrInvalidQueueCapacity = errors.New("invalid runner queue capacity")
	ErrInvalidMaxWorkers    = errors.New("invalid slow service max workers")
	ErrInvalidIdleTimeout   = errors.New("invalid slow service idle timeout")
	ErrInvalidMaxRetries    = errors.New("invalid slow service max retries")
	ErrInvalidLogLevel      = errors.New("invalid log level")
	ErrInvalidLogFormat     = errors.New("invalid log format")
	ErrInvalidGatewayPath   = errors.New("invalid gateway path")
	ErrInvalidStoreDir      = errors.New("invalid store directory")
)

// Configuration loading errors
var (
	ErrUnsupportedFormat   = errors.New("unsupported configuration format")
	ErrEnvironmentVarError = errors.New("environment variable error")
	ErrWatcherStopped      = errors.New("configuration watcher stopped")
)
