// Package config loads the service configuration from the environment.
package config

import (
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/dontdude/correctomatic/internal/platform/docker"
	"github.com/spf13/viper"
)

// Config holds every setting shared by the correctomatic binaries.
type Config struct {
	Environment string
	LogLevel    string
	LogFile     string

	Redis       RedisConfig
	QueuePrefix string

	Docker DockerConfig

	Pending  QueueConfig
	Running  QueueConfig
	Finished QueueConfig

	ConcurrentNotifiers int
	NotifyTimeout       time.Duration
	SigningKeyFile      string

	HTTPAddr    string
	MetricsAddr string
}

// RedisConfig locates the Redis server backing the queues.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// DockerConfig tunes the container runtime.
type DockerConfig struct {
	ConnectTimeout  time.Duration
	Pull            bool
	PullTimeout     time.Duration
	MaxRuntime      time.Duration
	MaxResponseSize int64
	MemoryLimit     int64
	DontStart       bool
	Credentials     docker.Credentials
}

// QueueConfig holds the lease, retry and rate policy of one queue.
type QueueConfig struct {
	LockDuration  time.Duration
	MaxStalled    int
	Attempts      int
	BackoffDelay  time.Duration
	BackoffFactor float64
	// RateMax jobs are handled per RateDuration; zero disables the limiter.
	RateMax      int
	RateDuration time.Duration
}

// IsDevelopment reports whether the service runs in a development environment.
func (c *Config) IsDevelopment() bool {
	return strings.EqualFold(c.Environment, "development")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "production")
	v.SetDefault("log_level", "info")
	v.SetDefault("redis_host", "localhost")
	v.SetDefault("redis_port", 6379)
	v.SetDefault("redis_db", 0)
	v.SetDefault("queue_prefix", "correctomatic")

	v.SetDefault("docker_connect_timeout", "5s")
	v.SetDefault("docker_pull", true)
	v.SetDefault("docker_pull_timeout", "5m")
	v.SetDefault("docker_max_runtime", "10m")
	v.SetDefault("docker_max_response_size", 1<<20)
	v.SetDefault("docker_memory_limit", 512*1024*1024)
	v.SetDefault("dont_start_container", false)

	v.SetDefault("pending_attempts", 1)
	v.SetDefault("pending_lock_duration", "30s")
	v.SetDefault("pending_max_stalled", 1)
	v.SetDefault("pending_rate_max", 10)
	v.SetDefault("pending_rate_duration", "5s")

	v.SetDefault("running_lock_duration", "15m")
	v.SetDefault("running_max_stalled", 1)

	v.SetDefault("finished_attempts", 5)
	v.SetDefault("finished_lock_duration", "30s")
	v.SetDefault("finished_max_stalled", 1)
	v.SetDefault("finished_backoff_delay", "2s")
	v.SetDefault("finished_backoff_factor", 2)
	v.SetDefault("finished_rate_max", 20)
	v.SetDefault("finished_rate_duration", "1s")

	v.SetDefault("concurrent_notifiers", 50)
	v.SetDefault("notify_timeout", "10s")

	v.SetDefault("http_addr", ":8080")
}

// Load reads the configuration from the environment, and from configFile when
// it is not empty. Environment variables win over the file.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	}

	cfg := &Config{
		Environment: v.GetString("environment"),
		LogLevel:    strings.ToLower(v.GetString("log_level")),
		LogFile:     v.GetString("log_file"),
		Redis: RedisConfig{
			Addr:     v.GetString("redis_addr"),
			Password: v.GetString("redis_password"),
			DB:       v.GetInt("redis_db"),
		},
		QueuePrefix: v.GetString("queue_prefix"),
		Docker: DockerConfig{
			ConnectTimeout:  v.GetDuration("docker_connect_timeout"),
			Pull:            v.GetBool("docker_pull"),
			PullTimeout:     v.GetDuration("docker_pull_timeout"),
			MaxRuntime:      v.GetDuration("docker_max_runtime"),
			MaxResponseSize: v.GetInt64("docker_max_response_size"),
			MemoryLimit:     v.GetInt64("docker_memory_limit"),
			DontStart:       v.GetBool("dont_start_container"),
		},
		Pending:             queueConfig(v, "pending"),
		Running:             queueConfig(v, "running"),
		Finished:            queueConfig(v, "finished"),
		ConcurrentNotifiers: v.GetInt("concurrent_notifiers"),
		NotifyTimeout:       v.GetDuration("notify_timeout"),
		SigningKeyFile:      v.GetString("signing_key_file"),
		HTTPAddr:            v.GetString("http_addr"),
		MetricsAddr:         v.GetString("metrics_addr"),
	}

	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = net.JoinHostPort(v.GetString("redis_host"), v.GetString("redis_port"))
	}

	if raw := v.GetString("registry_credentials"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &cfg.Docker.Credentials); err != nil {
			return nil, fmt.Errorf("invalid REGISTRY_CREDENTIALS: %w", err)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func queueConfig(v *viper.Viper, name string) QueueConfig {
	return QueueConfig{
		LockDuration:  v.GetDuration(name + "_lock_duration"),
		MaxStalled:    v.GetInt(name + "_max_stalled"),
		Attempts:      v.GetInt(name + "_attempts"),
		BackoffDelay:  v.GetDuration(name + "_backoff_delay"),
		BackoffFactor: v.GetFloat64(name + "_backoff_factor"),
		RateMax:       v.GetInt(name + "_rate_max"),
		RateDuration:  v.GetDuration(name + "_rate_duration"),
	}
}

func (c *Config) validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid LOG_LEVEL: %q", c.LogLevel)
	}
	if c.ConcurrentNotifiers <= 0 {
		return fmt.Errorf("invalid CONCURRENT_NOTIFIERS: %d", c.ConcurrentNotifiers)
	}
	if c.Docker.MaxRuntime <= 0 {
		return fmt.Errorf("invalid DOCKER_MAX_RUNTIME: %s", c.Docker.MaxRuntime)
	}
	if c.Running.LockDuration <= c.Docker.MaxRuntime {
		return fmt.Errorf("invalid RUNNING_LOCK_DURATION: %s must exceed DOCKER_MAX_RUNTIME %s",
			c.Running.LockDuration, c.Docker.MaxRuntime)
	}
	if c.Docker.MaxResponseSize <= 0 {
		return fmt.Errorf("invalid DOCKER_MAX_RESPONSE_SIZE: %d", c.Docker.MaxResponseSize)
	}
	for name, q := range map[string]QueueConfig{"PENDING": c.Pending, "RUNNING": c.Running, "FINISHED": c.Finished} {
		if q.RateMax < 0 {
			return fmt.Errorf("invalid %s_RATE_MAX: %d", name, q.RateMax)
		}
		if q.RateMax > 0 && q.RateDuration <= 0 {
			return fmt.Errorf("invalid %s_RATE_DURATION: %s", name, q.RateDuration)
		}
	}
	return nil
}

// Fields returns the configuration as a flat map for start-up logging.
// It includes secrets; pass it through logging.Redact first.
func (c *Config) Fields() map[string]any {
	registries := make([]string, 0, len(c.Docker.Credentials))
	for host := range c.Docker.Credentials {
		registries = append(registries, host)
	}
	return map[string]any{
		"environment":          c.Environment,
		"log_level":            c.LogLevel,
		"redis_addr":           c.Redis.Addr,
		"redis_password":       c.Redis.Password,
		"queue_prefix":         c.QueuePrefix,
		"docker_pull":          c.Docker.Pull,
		"docker_max_runtime":   c.Docker.MaxRuntime.String(),
		"registries":           registries,
		"concurrent_notifiers": c.ConcurrentNotifiers,
		"finished_attempts":    c.Finished.Attempts,
		"signing_key_file":     c.SigningKeyFile,
		"http_addr":            c.HTTPAddr,
		"metrics_addr":         c.MetricsAddr,
	}
}
