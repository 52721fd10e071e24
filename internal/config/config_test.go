package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "memory", cfg.Notify.Queue)
	assert.Equal(t, 30*time.Minute, cfg.Schedule.Interval)
	assert.Equal(t, "API Arsenal", cfg.Notify.Signature)
}

func TestLoggerConfig(t *testing.T) {
	config := LoggerConfig{
		Level:       "debug",
		Format:      "json",
		OutputPaths: []string{"stdout", "stderr"},
	}

	assert.Equal(t, "debug", config.Level)
	assert.Equal(t, "json", config.Format)
	assert.Contains(t, config.OutputPaths, "stdout")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults",
			mutate: func(*Config) {},
		},
		{
			name:   "postgres driver",
			mutate: func(c *Config) { c.Database.Driver = "postgres" },
		},
		{
			name:    "unknown driver",
			mutate:  func(c *Config) { c.Database.Driver = "mongodb" },
			wantErr: "unsupported database driver",
		},
		{
			name:    "unknown queue",
			mutate:  func(c *Config) { c.Notify.Queue = "kafka" },
			wantErr: "unsupported notification queue",
		},
		{
			name:    "zero http timeout",
			mutate:  func(c *Config) { c.HTTP.Timeout = 0 },
			wantErr: "http.timeout",
		},
		{
			name:    "zero scan timeout",
			mutate:  func(c *Config) { c.Scanner.ScanTimeout = 0 },
			wantErr: "scanner.scan_timeout",
		},
		{
			name:    "no endpoint concurrency",
			mutate:  func(c *Config) { c.Scanner.MaxConcurrentEndpoints = 0 },
			wantErr: "concurrency",
		},
		{
			name:    "interval too short",
			mutate:  func(c *Config) { c.Schedule.Interval = time.Second },
			wantErr: "schedule.interval",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
