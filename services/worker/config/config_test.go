package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	return Config{
		AdminAddr:        ":8080",
		Workers:          2,
		MaxRetries:       3,
		TaskTimeout:      time.Second,
		TraceSampleRatio: 1,
	}
}

func TestLoad(t *testing.T) {
	v := viper.New()
	v.Set("log_level", "debug")
	v.Set("admin_addr", ":8080")
	v.Set("workers", 4)
	v.Set("reap_schedule", "@every 30s")
	v.Set("task_timeout", "250ms")
	v.Set("strict", true)
	v.Set("trace_sample_ratio", 0.5)

	cfg := Load(v)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, ":8080", cfg.AdminAddr)
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, "@every 30s", cfg.ReapSchedule)
	assert.Equal(t, 250*time.Millisecond, cfg.TaskTimeout)
	assert.True(t, cfg.Strict)
	assert.Equal(t, 0.5, cfg.TraceSampleRatio)
	assert.Zero(t, cfg.PoolPrealloc)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"negative workers", func(c *Config) { c.Workers = -1 }, "workers"},
		{"negative retries", func(c *Config) { c.MaxRetries = -1 }, "max_retries"},
		{"negative timeout", func(c *Config) { c.TaskTimeout = -time.Second }, "task_timeout"},
		{"negative prealloc", func(c *Config) { c.PoolPrealloc = -2 }, "pool_prealloc"},
		{"ratio above one", func(c *Config) { c.TraceSampleRatio = 1.5 }, "trace_sample_ratio"},
		{"no admin addr", func(c *Config) { c.AdminAddr = "" }, "admin_addr"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	cfg := validConfig()
	cfg.Workers = -1
	cfg.MaxRetries = -1

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "workers")
	assert.Contains(t, err.Error(), "max_retries")
}
