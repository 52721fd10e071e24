package config

import (
	"fmt"
	"time"
)

type Config struct {
	Logger    LoggerConfig    `mapstructure:"logger"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Scanner   ScannerConfig   `mapstructure:"scanner"`
	Fixtures  FixturesConfig  `mapstructure:"fixtures"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	SMTP      SMTPConfig      `mapstructure:"smtp"`
	Schedule  ScheduleConfig  `mapstructure:"schedule"`
	Server    ServerConfig    `mapstructure:"server"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

type LoggerConfig struct {
	Level       string   `mapstructure:"level"`
	Format      string   `mapstructure:"format"`
	OutputPaths []string `mapstructure:"output_paths"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxConnections  int           `mapstructure:"max_connections"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type RedisConfig struct {
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	MaxRetries   int           `mapstructure:"max_retries"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// HTTPConfig controls the client used for probes and fixture fetches.
type HTTPConfig struct {
	Timeout            time.Duration `mapstructure:"timeout"`
	FollowRedirects    bool          `mapstructure:"follow_redirects"`
	MaxRedirects       int           `mapstructure:"max_redirects"`
	InsecureSkipVerify bool          `mapstructure:"insecure_skip_verify"`
	UserAgent          string        `mapstructure:"user_agent"`
	// BlockPrivateNetworks refuses loopback, private and link-local targets.
	// Leave it off when the scanned applications live on internal networks.
	BlockPrivateNetworks bool `mapstructure:"block_private_networks"`
	MaxConnsPerHost      int  `mapstructure:"max_conns_per_host"`
}

type ScannerConfig struct {
	MaxConcurrentEndpoints int           `mapstructure:"max_concurrent_endpoints"`
	MaxConcurrentProbes    int           `mapstructure:"max_concurrent_probes"`
	ScanTimeout            time.Duration `mapstructure:"scan_timeout"`
	SkipDeprecated         bool          `mapstructure:"skip_deprecated"`
	RequestsPerSecond      float64       `mapstructure:"requests_per_second"`
	BurstSize              int           `mapstructure:"burst_size"`
	MinHostDelay           time.Duration `mapstructure:"min_host_delay"`
}

type FixturesConfig struct {
	SharedSecret string `mapstructure:"shared_secret"`
}

type NotifyConfig struct {
	Queue      string        `mapstructure:"queue"`
	Workers    int           `mapstructure:"workers"`
	MaxRetries int           `mapstructure:"max_retries"`
	RetryDelay time.Duration `mapstructure:"retry_delay"`
	BaseURL    string        `mapstructure:"base_url"`
	Signature  string        `mapstructure:"signature"`
}

type SMTPConfig struct {
	Host          string        `mapstructure:"host"`
	Port          int           `mapstructure:"port"`
	Username      string        `mapstructure:"username"`
	Password      string        `mapstructure:"password"`
	FromEmail     string        `mapstructure:"from_email"`
	FromName      string        `mapstructure:"from_name"`
	UseTLS        bool          `mapstructure:"use_tls"`
	UseSSL        bool          `mapstructure:"use_ssl"`
	SkipTLSVerify bool          `mapstructure:"skip_tls_verify"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

type ScheduleConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

type ServerConfig struct {
	Host      string          `mapstructure:"host"`
	Port      int             `mapstructure:"port"`
	APIKey    string          `mapstructure:"api_key"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

type RateLimitConfig struct {
	RequestsPerSecond int `mapstructure:"requests_per_second"`
	BurstSize         int `mapstructure:"burst_size"`
}

type TelemetryConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	Endpoint    string  `mapstructure:"endpoint"`
	SampleRate  float64 `mapstructure:"sample_rate"`
}

// Validate rejects configurations the scanner cannot run with.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres", "mysql":
	default:
		return fmt.Errorf("unsupported database driver %q (want sqlite, postgres or mysql)", c.Database.Driver)
	}

	switch c.Notify.Queue {
	case "memory", "redis":
	default:
		return fmt.Errorf("unsupported notification queue %q (want memory or redis)", c.Notify.Queue)
	}

	if c.HTTP.Timeout <= 0 {
		return fmt.Errorf("http.timeout must be positive")
	}
	if c.Scanner.ScanTimeout <= 0 {
		return fmt.Errorf("scanner.scan_timeout must be positive")
	}
	if c.Scanner.MaxConcurrentEndpoints < 1 || c.Scanner.MaxConcurrentProbes < 1 {
		return fmt.Errorf("scanner concurrency limits must be at least 1")
	}
	if c.Schedule.Interval < time.Minute {
		return fmt.Errorf("schedule.interval must be at least one minute, got %s", c.Schedule.Interval)
	}
	return nil
}

// DefaultConfig mirrors the viper defaults registered in cmd/root.go.
func DefaultConfig() *Config {
	return &Config{
		Logger: LoggerConfig{
			Level:       "info",
			Format:      "console",
			OutputPaths: []string{"stdout"},
		},
		Database: DatabaseConfig{
			Driver:          "sqlite",
			DSN:             "scout.db",
			MaxConnections:  25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 1 * time.Hour,
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			DB:           0,
			MaxRetries:   3,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		HTTP: HTTPConfig{
			Timeout:         15 * time.Second,
			FollowRedirects: false,
			MaxRedirects:    5,
			UserAgent:       "scout/1.0",
			MaxConnsPerHost: 64,
		},
		Scanner: ScannerConfig{
			MaxConcurrentEndpoints: 8,
			MaxConcurrentProbes:    32,
			ScanTimeout:            10 * time.Minute,
			RequestsPerSecond:      50,
			BurstSize:              100,
		},
		Notify: NotifyConfig{
			Queue:      "memory",
			Workers:    2,
			MaxRetries: 3,
			RetryDelay: 10 * time.Second,
			BaseURL:    "http://localhost:3000",
			Signature:  "API Arsenal",
		},
		SMTP: SMTPConfig{
			Port:     587,
			FromName: "API Arsenal",
			UseTLS:   true,
			Timeout:  30 * time.Second,
		},
		Schedule: ScheduleConfig{
			Interval: 30 * time.Minute,
		},
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 9001,
			RateLimit: RateLimitConfig{
				RequestsPerSecond: 10,
				BurstSize:         20,
			},
		},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			ServiceName: "scout",
			Endpoint:    "localhost:4318",
			SampleRate:  1.0,
		},
	}
}
