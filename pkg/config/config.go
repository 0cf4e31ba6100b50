// Package config carries the runtime configuration surface of the engine.
package config

import "time"

// Retry configures the policy applied to external I/O handlers and to
// compensation handlers during rollback.
type Retry struct {
	MaxAttempts int           `json:"max_attempts"`
	BaseBackoff time.Duration `json:"base_backoff"`
	MaxBackoff  time.Duration `json:"max_backoff"`
	Jitter      float64       `json:"jitter"` // fraction of the delay, 0..1
}

// Config is the full configuration surface; Defaults() returns its default
// values.
type Config struct {
	DatabaseURL      string `json:"database_url"`
	DocumentStoreURL string `json:"document_store_url"`
	KafkaBrokers     string `json:"kafka_brokers"`
	RedisURL         string `json:"redis_url"`
	Port             int    `json:"port"`
	LogLevel         string `json:"log_level"`

	HandlerRetry Retry `json:"handler_retry"`

	StepStartToCloseTimeout time.Duration `json:"step_default_start_to_close_timeout"`
	BookmarkDefaultExpiry   time.Duration `json:"bookmark_default_expiry"`
	LockWaitTimeout         time.Duration `json:"lock_wait_timeout"`

	// Snapshots are taken every N events; 0 disables snapshotting.
	EventReplaySnapshotInterval int64 `json:"event_replay_snapshot_interval"`

	// ProjectionMaxLagEvents is the alert and recovery threshold for
	// Index/State projections trailing the event log.
	ProjectionMaxLagEvents int64 `json:"projection_max_lag_events"`

	EventRetentionYears int `json:"event_retention_years"`

	// TraceSampleRatio is the head-sampling ratio applied when tracing is
	// enabled (an OTLP endpoint is configured in the environment).
	TraceSampleRatio float64 `json:"trace_sample_ratio"`
}

func Defaults() Config {
	return Config{
		Port:     9090,
		LogLevel: "info",
		HandlerRetry: Retry{
			MaxAttempts: 5,
			BaseBackoff: 500 * time.Millisecond,
			MaxBackoff:  30 * time.Second,
			Jitter:      0.2,
		},
		StepStartToCloseTimeout:     5 * time.Minute,
		BookmarkDefaultExpiry:       30 * 24 * time.Hour,
		LockWaitTimeout:             10 * time.Second,
		EventReplaySnapshotInterval: 0,
		ProjectionMaxLagEvents:      1,
		EventRetentionYears:         7,
		TraceSampleRatio:            1.0,
	}
}
