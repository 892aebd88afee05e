package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds typed configuration for the recycler service and its client
// subcommands.
type Config struct {
	LogLevel         string
	MetricsAddr      string
	AdminAddr        string
	AdminURL         string
	OTelEndpoint     string
	TraceSampleRatio float64
	Workers          int
	ReapSchedule     string
	MaxRetries       int
	TaskTimeout      time.Duration
	PoolPrealloc     int
	Strict           bool
	ViewBytes        int
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:         v.GetString("log_level"),
		MetricsAddr:      v.GetString("metrics_addr"),
		AdminAddr:        v.GetString("admin_addr"),
		AdminURL:         v.GetString("admin_url"),
		OTelEndpoint:     v.GetString("otel_endpoint"),
		TraceSampleRatio: v.GetFloat64("trace_sample_ratio"),
		Workers:          v.GetInt("workers"),
		ReapSchedule:     v.GetString("reap_schedule"),
		MaxRetries:       v.GetInt("max_retries"),
		TaskTimeout:      v.GetDuration("task_timeout"),
		PoolPrealloc:     v.GetInt("pool_prealloc"),
		Strict:           v.GetBool("strict"),
		ViewBytes:        v.GetInt("view_bytes"),
	}
}

// Validate rejects values the service cannot start with.
func (c Config) Validate() error {
	var errs []error
	if c.Workers < 0 {
		errs = append(errs, fmt.Errorf("workers must be >= 0, got %d", c.Workers))
	}
	if c.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("max_retries must be >= 0, got %d", c.MaxRetries))
	}
	if c.TaskTimeout < 0 {
		errs = append(errs, fmt.Errorf("task_timeout must be >= 0, got %s", c.TaskTimeout))
	}
	if c.PoolPrealloc < 0 {
		errs = append(errs, fmt.Errorf("pool_prealloc must be >= 0, got %d", c.PoolPrealloc))
	}
	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		errs = append(errs, fmt.Errorf("trace_sample_ratio must be in [0, 1], got %g", c.TraceSampleRatio))
	}
	if c.AdminAddr == "" {
		errs = append(errs, errors.New("admin_addr is required"))
	}
	return errors.Join(errs...)
}
