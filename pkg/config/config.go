package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"dsplink/pkg/circuitbreaker"
	"dsplink/pkg/retry"

	"gopkg.in/yaml.v2"
)

// Config describes the whole service.
type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Device struct {
		Port           int           `yaml:"port"`
		ConnectTimeout time.Duration `yaml:"connect_timeout"`
		CommandTimeout time.Duration `yaml:"command_timeout"`
		Retries        int           `yaml:"retries"`
		Channels       struct {
			Inputs  int `yaml:"inputs"`
			Outputs int `yaml:"outputs"`
			Groups  int `yaml:"groups"`
		} `yaml:"channels"`
		// Static seeds the in-memory registry when redis is disabled.
		Static []StaticDevice `yaml:"static"`
	} `yaml:"device"`

	Pool struct {
		IdleTimeout       time.Duration         `yaml:"idle_timeout"`
		SweepInterval     time.Duration         `yaml:"sweep_interval"`
		KeepAliveInterval time.Duration         `yaml:"keepalive_interval"`
		BreakerEnabled    bool                  `yaml:"breaker_enabled"`
		Breaker           circuitbreaker.Config `yaml:"breaker"`
	} `yaml:"pool"`

	Meters struct {
		Mode         string        `yaml:"mode"`
		PollInterval time.Duration `yaml:"poll_interval"`
		StopTimeout  time.Duration `yaml:"stop_timeout"`
		IdleGrace    time.Duration `yaml:"idle_grace"`
		Reconnect    retry.Config  `yaml:"reconnect"`
	} `yaml:"meters"`

	Metadata struct {
		TTL          time.Duration `yaml:"ttl"`
		Parallelism  int           `yaml:"parallelism"`
		FetchTimeout time.Duration `yaml:"fetch_timeout"`
	} `yaml:"metadata"`

	Stream struct {
		TickInterval  time.Duration `yaml:"tick_interval"`
		WarmupTimeout time.Duration `yaml:"warmup_timeout"`
		WriteTimeout  time.Duration `yaml:"write_timeout"`
		MaxViewers    int           `yaml:"max_viewers"`
	} `yaml:"stream"`

	Control struct {
		WritesPerSecond float64 `yaml:"writes_per_second"`
		Burst           int     `yaml:"burst"`
	} `yaml:"control"`

	Monitoring struct {
		PrometheusEnabled bool   `yaml:"prometheus_enabled"`
		MetricsPath       string `yaml:"metrics_path"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		ServiceName string  `yaml:"service_name"`
		JaegerURL   string  `yaml:"jaeger_url"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
		// LinkEvents publishes device link changes on a pub/sub channel.
		LinkEvents bool `yaml:"link_events"`
	} `yaml:"redis"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`
		HTTP    struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"`
		} `yaml:"http"`
	} `yaml:"rate_limiting"`
}

// StaticDevice is one entry of device.static.
type StaticDevice struct {
	ID      string `yaml:"id"`
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
	Inputs  int    `yaml:"inputs"`
	Outputs int    `yaml:"outputs"`
	Groups  int    `yaml:"groups"`
}

// Validate performs basic sanity checks.
func (c *Config) Validate() error {
	// Server
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout must be > 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}
	// WriteTimeout may be zero: streams are long-lived responses.
	if c.Server.WriteTimeout < 0 {
		return fmt.Errorf("server.write_timeout must be >= 0")
	}

	// Device
	if c.Device.Port <= 0 || c.Device.Port > 65535 {
		return fmt.Errorf("device.port must be in 1..65535")
	}
	if c.Device.ConnectTimeout <= 0 {
		return fmt.Errorf("device.connect_timeout must be > 0")
	}
	if c.Device.CommandTimeout <= 0 {
		return fmt.Errorf("device.command_timeout must be > 0")
	}
	if c.Device.Retries < 0 {
		return fmt.Errorf("device.retries must be >= 0")
	}
	ch := c.Device.Channels
	if ch.Inputs < 0 || ch.Outputs < 0 || ch.Groups < 0 {
		return fmt.Errorf("device.channels must be >= 0")
	}
	seen := make(map[string]bool, len(c.Device.Static))
	for i, d := range c.Device.Static {
		if d.ID == "" || d.Address == "" {
			return fmt.Errorf("device.static[%d] needs id and address", i)
		}
		if seen[d.ID] {
			return fmt.Errorf("device.static[%d]: duplicate id %q", i, d.ID)
		}
		seen[d.ID] = true
		if d.Port < 0 || d.Port > 65535 {
			return fmt.Errorf("device.static[%d].port must be in 0..65535", i)
		}
	}

	// Pool
	if c.Pool.IdleTimeout <= 0 {
		return fmt.Errorf("pool.idle_timeout must be > 0")
	}
	if c.Pool.SweepInterval <= 0 {
		return fmt.Errorf("pool.sweep_interval must be > 0")
	}
	if c.Pool.KeepAliveInterval < 0 {
		return fmt.Errorf("pool.keepalive_interval must be >= 0")
	}
	if c.Pool.BreakerEnabled {
		if c.Pool.Breaker.FailureThreshold <= 0 || c.Pool.Breaker.SuccessThreshold <= 0 {
			return fmt.Errorf("pool.breaker thresholds must be > 0")
		}
		if c.Pool.Breaker.Timeout <= 0 {
			return fmt.Errorf("pool.breaker.timeout must be > 0")
		}
	}

	// Meters
	switch c.Meters.Mode {
	case "push", "poll":
	default:
		return fmt.Errorf("meters.mode must be push or poll, got %q", c.Meters.Mode)
	}
	if c.Meters.Mode == "poll" && c.Meters.PollInterval <= 0 {
		return fmt.Errorf("meters.poll_interval must be > 0 in poll mode")
	}
	if c.Meters.IdleGrace <= 0 {
		return fmt.Errorf("meters.idle_grace must be > 0")
	}
	if c.Meters.Reconnect.InitialDelay <= 0 || c.Meters.Reconnect.MaxDelay < c.Meters.Reconnect.InitialDelay {
		return fmt.Errorf("meters.reconnect delays must satisfy 0 < initial_delay <= max_delay")
	}

	// Metadata
	if c.Metadata.TTL <= 0 {
		return fmt.Errorf("metadata.ttl must be > 0")
	}
	if c.Metadata.Parallelism <= 0 {
		return fmt.Errorf("metadata.parallelism must be > 0")
	}
	if c.Metadata.FetchTimeout <= 0 {
		return fmt.Errorf("metadata.fetch_timeout must be > 0")
	}

	// Stream
	if c.Stream.TickInterval <= 0 {
		return fmt.Errorf("stream.tick_interval must be > 0")
	}
	if c.Stream.WarmupTimeout <= 0 {
		return fmt.Errorf("stream.warmup_timeout must be > 0")
	}
	if c.Stream.WriteTimeout < 0 || c.Stream.MaxViewers < 0 {
		return fmt.Errorf("stream.write_timeout and stream.max_viewers must be >= 0")
	}

	// Control
	if c.Control.WritesPerSecond < 0 || c.Control.Burst < 0 {
		return fmt.Errorf("control limits must be >= 0")
	}

	// Monitoring
	if c.Monitoring.PrometheusEnabled && (c.Monitoring.MetricsPath == "" || c.Monitoring.MetricsPath[0] != '/') {
		return fmt.Errorf("monitoring.metrics_path must start with /")
	}

	// Tracing
	if c.Tracing.Enabled {
		if c.Tracing.JaegerURL == "" {
			return fmt.Errorf("tracing.jaeger_url must not be empty when tracing is enabled")
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be in [0,1]")
		}
	}

	// Logging
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format)
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis is enabled")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis is enabled")
		}
	}
	if c.Redis.LinkEvents && !c.Redis.Enabled {
		return fmt.Errorf("redis.link_events requires redis.enabled")
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.http.max_concurrent must be >= 0")
		}
	}

	return nil
}

// FromEnv returns the defaults with env overrides applied.
func FromEnv() (*Config, error) {
	cfg := DefaultConfig()
	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Load reads YAML config from path, applies env overrides and validates.
// A missing file yields the defaults.
func Load(configPath string) (*Config, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return FromEnv()
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 15 * time.Second
	cfg.Server.WriteTimeout = 0
	cfg.Server.ShutdownTimeout = 15 * time.Second

	cfg.Device.Port = 5321
	cfg.Device.ConnectTimeout = 3 * time.Second
	cfg.Device.CommandTimeout = 3 * time.Second
	cfg.Device.Retries = 1
	cfg.Device.Channels.Inputs = 14
	cfg.Device.Channels.Outputs = 8
	cfg.Device.Channels.Groups = 8

	cfg.Pool.IdleTimeout = 5 * time.Minute
	cfg.Pool.SweepInterval = 30 * time.Second
	cfg.Pool.KeepAliveInterval = 60 * time.Second
	cfg.Pool.BreakerEnabled = true
	cfg.Pool.Breaker = circuitbreaker.Config{
		FailureThreshold:    3,
		SuccessThreshold:    1,
		Timeout:             5 * time.Second,
		MaxRequestsHalfOpen: 1,
	}

	cfg.Meters.Mode = "push"
	cfg.Meters.PollInterval = 100 * time.Millisecond
	cfg.Meters.StopTimeout = 2 * time.Second
	cfg.Meters.IdleGrace = 30 * time.Second
	cfg.Meters.Reconnect = retry.ReconnectConfig()

	cfg.Metadata.TTL = 60 * time.Second
	cfg.Metadata.Parallelism = 4
	cfg.Metadata.FetchTimeout = 5 * time.Second

	cfg.Stream.TickInterval = 100 * time.Millisecond
	cfg.Stream.WarmupTimeout = 3 * time.Second
	cfg.Stream.WriteTimeout = 2 * time.Second
	cfg.Stream.MaxViewers = 0

	cfg.Control.WritesPerSecond = 20
	cfg.Control.Burst = 10

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.MetricsPath = "/metrics"

	cfg.Tracing.Enabled = false
	cfg.Tracing.ServiceName = "dsplink"
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10

	// Rate limiting defaults (disabled by default)
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.HTTP.MaxConcurrent = 0

	return cfg
}

func (c *Config) applyEnvOverrides() error {
	if addr := os.Getenv("DSPLINK_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if level := os.Getenv("DSPLINK_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if format := os.Getenv("DSPLINK_LOG_FORMAT"); format != "" {
		c.Logging.Format = format
	}
	if mode := os.Getenv("DSPLINK_METER_MODE"); mode != "" {
		c.Meters.Mode = mode
	}
	if v := os.Getenv("DSPLINK_DEVICE_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("DSPLINK_DEVICE_PORT: %w", err)
		}
		c.Device.Port = port
	}
	if addr := os.Getenv("DSPLINK_REDIS_ADDRESS"); addr != "" {
		c.Redis.Enabled = true
		c.Redis.Address = addr
	}
	if pw := os.Getenv("DSPLINK_REDIS_PASSWORD"); pw != "" {
		c.Redis.Password = pw
	}
	if url := os.Getenv("DSPLINK_JAEGER_URL"); url != "" {
		c.Tracing.Enabled = true
		c.Tracing.JaegerURL = url
	}
	return nil
}
