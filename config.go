package xstream

import (
	"fmt"
	"runtime"
	"time"
)

// Config controls the container: polling, the worker pool and terminal storage.
type Config struct {
	// PollTimeout is the XREADGROUP BLOCK duration.
	PollTimeout time.Duration `yaml:"poll_timeout"`
	// BatchSize is the XREADGROUP COUNT.
	BatchSize int `yaml:"batch_size"`
	// Workers is the fixed worker pool size.
	Workers int `yaml:"workers"`
	// QueueCapacity bounds the pool queue; a full queue rejects dispatch.
	QueueCapacity int `yaml:"queue_capacity"`
	// AckTimeout bounds each ack/delete/dead-letter call.
	AckTimeout time.Duration `yaml:"ack_timeout"`
	// PendingInterval re-reads each consumer's pending list at this interval so
	// rejected entries are delivered again. Zero disables it.
	PendingInterval time.Duration `yaml:"pending_interval"`
	// DeadLetterKey is the hash terminally failed entries are written to.
	DeadLetterKey string `yaml:"dead_letter_key"`
	// ShutdownTimeout bounds how long Stop waits for queued work.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Defaults returns the production defaults.
func Defaults() Config {
	return Config{
		PollTimeout:     3 * time.Second,
		BatchSize:       3,
		Workers:         runtime.NumCPU() + 1,
		QueueCapacity:   100,
		AckTimeout:      5 * time.Second,
		PendingInterval: 30 * time.Second,
		DeadLetterKey:   DefaultDeadLetterKey,
		ShutdownTimeout: 10 * time.Second,
	}
}

// Validate checks Config for production readiness.
func (c Config) Validate() error {
	if c.PollTimeout <= 0 {
		return fmt.Errorf("config: poll_timeout must be > 0, got %v", c.PollTimeout)
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("config: batch_size must be >= 1, got %d", c.BatchSize)
	}
	if c.Workers < 1 {
		return fmt.Errorf("config: workers must be >= 1, got %d", c.Workers)
	}
	if c.QueueCapacity < 1 {
		return fmt.Errorf("config: queue_capacity must be >= 1, got %d", c.QueueCapacity)
	}
	if c.DeadLetterKey == "" {
		return fmt.Errorf("config: dead_letter_key required")
	}
	if c.PendingInterval < 0 {
		return fmt.Errorf("config: pending_interval must be >= 0, got %v", c.PendingInterval)
	}
	return nil
}

// withDefaults fills zero values from Defaults.
func (c Config) withDefaults() Config {
	d := Defaults()
	if c.PollTimeout == 0 {
		c.PollTimeout = d.PollTimeout
	}
	if c.BatchSize == 0 {
		c.BatchSize = d.BatchSize
	}
	if c.Workers == 0 {
		c.Workers = d.Workers
	}
	if c.QueueCapacity == 0 {
		c.QueueCapacity = d.QueueCapacity
	}
	if c.AckTimeout == 0 {
		c.AckTimeout = d.AckTimeout
	}
	if c.DeadLetterKey == "" {
		c.DeadLetterKey = d.DeadLetterKey
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = d.ShutdownTimeout
	}
	return c
}

// ConfigFromMap safely converts a generic map into Config with defaults.
func ConfigFromMap(cfg map[string]any) Config {
	getString := func(k, d string) string {
		if v, ok := cfg[k].(string); ok && v != "" {
			return v
		}
		return d
	}
	getInt := func(k string, d int) int {
		switch v := cfg[k].(type) {
		case int:
			return v
		case int32:
			return int(v)
		case int64:
			return int(v)
		case float64:
			return int(v)
		}
		return d
	}
	getDur := func(k string, d time.Duration) time.Duration {
		switch v := cfg[k].(type) {
		case time.Duration:
			return v
		case string:
			if p, err := time.ParseDuration(v); err == nil {
				return p
			}
		case float64:
			return time.Duration(v)
		}
		return d
	}

	d := Defaults()
	return Config{
		PollTimeout:     getDur("poll_timeout", d.PollTimeout),
		BatchSize:       getInt("batch_size", d.BatchSize),
		Workers:         getInt("workers", d.Workers),
		QueueCapacity:   getInt("queue_capacity", d.QueueCapacity),
		AckTimeout:      getDur("ack_timeout", d.AckTimeout),
		PendingInterval: getDur("pending_interval", d.PendingInterval),
		DeadLetterKey:   getString("dead_letter_key", d.DeadLetterKey),
		ShutdownTimeout: getDur("shutdown_timeout", d.ShutdownTimeout),
	}
}
