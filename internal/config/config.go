// Package config provides the configuration structure for tts-dispatch.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/book-expert/configurator"
	"github.com/book-expert/logger"
	"github.com/pelletier/go-toml/v2"
)

// Environment variables that override the file configuration.
const (
	EnvMaxProcs      = "AEIOU_MAX_PROCS"
	EnvMaxQueueDepth = "AEIOU_MAX_QUEUE_DEPTH"
	EnvMaxLength     = "AEIOU_MAX_LENGTH"
)

// Defaults applied to unset values.
const (
	DefaultExecutable            = "xvfb-run"
	DefaultConcurrency           = 4
	DefaultMaxQueueDepth         = 20
	DefaultJobTimeoutSeconds     = 10
	DefaultInitTimeoutSeconds    = 30
	DefaultRespawnBackoffSeconds = 5
	DefaultFailureMaxAgeSeconds  = 3600
	DefaultFailureMaxEntries     = 1000
	DefaultListen                = ":8080"
	DefaultMaxTextLength         = 1000
	DefaultBaseLogsDir           = "logs"
	DefaultFilesDir              = "files/rendered"
	DefaultTmpDir                = "files/tmp"
)

var defaultEngineArgs = []string{"wine", "decwav.exe"}

var (
	// ErrExecutableEmpty indicates that no engine executable is configured.
	ErrExecutableEmpty = errors.New("engine executable cannot be empty")
	// ErrNotPositive indicates a numeric setting that must be at least 1.
	ErrNotPositive = errors.New("value must be positive")
	// ErrInvalidEnv indicates an environment override that is not an integer.
	ErrInvalidEnv = errors.New("invalid environment override")
	// ErrNATSIncomplete indicates a NATS URL without subject or buckets.
	ErrNATSIncomplete = errors.New("nats url requires subject and both object store buckets")
)

// EngineConfig describes how to start one engine process.
type EngineConfig struct {
	Executable string   `toml:"executable"`
	Args       []string `toml:"args"`
	Env        []string `toml:"env"`
}

// PoolConfig sizes the worker pool.
type PoolConfig struct {
	Concurrency           int `toml:"concurrency"`
	MaxQueueDepth         int `toml:"max_queue_depth"`
	JobTimeoutSeconds     int `toml:"job_timeout_seconds"`
	InitTimeoutSeconds    int `toml:"init_timeout_seconds"`
	RespawnBackoffSeconds int `toml:"respawn_backoff_seconds"`
}

// JobTimeout returns the per-job timeout.
func (p PoolConfig) JobTimeout() time.Duration {
	return time.Duration(p.JobTimeoutSeconds) * time.Second
}

// InitTimeout returns how long a worker may take to announce readiness.
func (p PoolConfig) InitTimeout() time.Duration {
	return time.Duration(p.InitTimeoutSeconds) * time.Second
}

// RespawnBackoff returns the delay before dead workers are replaced.
func (p PoolConfig) RespawnBackoff() time.Duration {
	return time.Duration(p.RespawnBackoffSeconds) * time.Second
}

// FailureCacheConfig bounds the negative cache.
type FailureCacheConfig struct {
	MaxAgeSeconds int `toml:"max_age_seconds"`
	MaxEntries    int `toml:"max_entries"`
}

// MaxAge returns how long a failure is remembered.
func (f FailureCacheConfig) MaxAge() time.Duration {
	return time.Duration(f.MaxAgeSeconds) * time.Second
}

// HTTPConfig holds the configuration for the HTTP front-end.
type HTTPConfig struct {
	Listen        string `toml:"listen"`
	MaxTextLength int    `toml:"max_text_length"`
}

// PathsConfig holds the configuration for file paths.
type PathsConfig struct {
	BaseLogsDir string `toml:"base_logs_dir"`
	FilesDir    string `toml:"files_dir"`
	TmpDir      string `toml:"tmp_dir"`
}

// NATSConfig holds the configuration for NATS. The bridge is disabled when
// URL is empty.
type NATSConfig struct {
	URL                      string `toml:"url"`
	TextProcessedSubject     string `toml:"text_processed_subject"`
	AudioChunkCreatedSubject string `toml:"audio_chunk_created_subject"`
	TextObjectStoreBucket    string `toml:"text_object_store_bucket"`
	AudioObjectStoreBucket   string `toml:"audio_object_store_bucket"`
}

// Enabled reports whether the NATS bridge should run.
func (n NATSConfig) Enabled() bool {
	return n.URL != ""
}

// Config is the root configuration structure.
type Config struct {
	Engine       EngineConfig       `toml:"engine"`
	Pool         PoolConfig         `toml:"pool"`
	FailureCache FailureCacheConfig `toml:"failure_cache"`
	HTTP         HTTPConfig         `toml:"http"`
	Paths        PathsConfig        `toml:"paths"`
	NATS         NATSConfig         `toml:"nats"`
}

// Load loads the configuration through the central configurator, then applies
// defaults and environment overrides and validates the result.
func Load(log *logger.Logger) (*Config, error) {
	var cfg Config

	err := configurator.Load(&cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration from configurator: %w", err)
	}

	err = cfg.Finalize(os.Getenv)
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}

// LoadFile reads the configuration from a TOML file at path.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file %s: %w", path, err)
	}

	var cfg Config

	err = toml.Unmarshal(data, &cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse configuration file %s: %w", path, err)
	}

	err = cfg.Finalize(os.Getenv)
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Finalize applies defaults, then the environment overrides read through
// getenv, then validates.
func (c *Config) Finalize(getenv func(string) string) error {
	c.ApplyDefaults()

	err := c.ApplyEnv(getenv)
	if err != nil {
		return err
	}

	return c.Validate()
}

// ApplyDefaults fills every unset value.
func (c *Config) ApplyDefaults() {
	if c.Engine.Executable == "" {
		c.Engine.Executable = DefaultExecutable

		if len(c.Engine.Args) == 0 {
			c.Engine.Args = append([]string(nil), defaultEngineArgs...)
		}
	}

	setDefault(&c.Pool.Concurrency, DefaultConcurrency)
	setDefault(&c.Pool.MaxQueueDepth, DefaultMaxQueueDepth)
	setDefault(&c.Pool.JobTimeoutSeconds, DefaultJobTimeoutSeconds)
	setDefault(&c.Pool.InitTimeoutSeconds, DefaultInitTimeoutSeconds)
	setDefault(&c.Pool.RespawnBackoffSeconds, DefaultRespawnBackoffSeconds)
	setDefault(&c.FailureCache.MaxAgeSeconds, DefaultFailureMaxAgeSeconds)
	setDefault(&c.FailureCache.MaxEntries, DefaultFailureMaxEntries)
	setDefault(&c.HTTP.MaxTextLength, DefaultMaxTextLength)

	if c.HTTP.Listen == "" {
		c.HTTP.Listen = DefaultListen
	}

	if c.Paths.BaseLogsDir == "" {
		c.Paths.BaseLogsDir = DefaultBaseLogsDir
	}

	if c.Paths.FilesDir == "" {
		c.Paths.FilesDir = DefaultFilesDir
	}

	if c.Paths.TmpDir == "" {
		c.Paths.TmpDir = DefaultTmpDir
	}
}

// ApplyEnv overrides pool and request limits from the environment. Unset
// variables leave the current values alone.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	overrides := []struct {
		name   string
		target *int
	}{
		{EnvMaxProcs, &c.Pool.Concurrency},
		{EnvMaxQueueDepth, &c.Pool.MaxQueueDepth},
		{EnvMaxLength, &c.HTTP.MaxTextLength},
	}

	for _, override := range overrides {
		raw := getenv(override.name)
		if raw == "" {
			continue
		}

		value, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("%w: %s=%q", ErrInvalidEnv, override.name, raw)
		}

		*override.target = value
	}

	return nil
}

// Validate checks the configuration for values the service cannot run with.
func (c *Config) Validate() error {
	if c.Engine.Executable == "" {
		return ErrExecutableEmpty
	}

	positives := []struct {
		name  string
		value int
	}{
		{"pool.concurrency", c.Pool.Concurrency},
		{"pool.max_queue_depth", c.Pool.MaxQueueDepth},
		{"pool.job_timeout_seconds", c.Pool.JobTimeoutSeconds},
		{"pool.init_timeout_seconds", c.Pool.InitTimeoutSeconds},
		{"pool.respawn_backoff_seconds", c.Pool.RespawnBackoffSeconds},
		{"failure_cache.max_age_seconds", c.FailureCache.MaxAgeSeconds},
		{"failure_cache.max_entries", c.FailureCache.MaxEntries},
		{"http.max_text_length", c.HTTP.MaxTextLength},
	}

	for _, setting := range positives {
		if setting.value < 1 {
			return fmt.Errorf("%w: %s = %d", ErrNotPositive, setting.name, setting.value)
		}
	}

	if c.NATS.Enabled() &&
		(c.NATS.TextProcessedSubject == "" ||
			c.NATS.TextObjectStoreBucket == "" ||
			c.NATS.AudioObjectStoreBucket == "") {
		return ErrNATSIncomplete
	}

	return nil
}

func setDefault(value *int, fallback int) {
	if *value == 0 {
		*value = fallback
	}
}
