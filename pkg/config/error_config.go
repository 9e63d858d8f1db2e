// Package config: retry/backoff settings for the Transport error category.
//
// ==============================================================================
// RETRY CONFIGURATION - pkg/config/error_config.go
// ==============================================================================
package config

import "time"

// RetryConfig governs how Transport-category failures are retried, per the
// error handling design: long-running retries (device polling, key-generation
// session dial) bound their attempt count via configuration, default -1
// meaning retry forever; other call sites use a bounded count.
type RetryConfig struct {
	MaxAttempts  int           `json:"max_attempts" env:"RETRY_MAX_ATTEMPTS" default:"-1"`
	InitialDelay time.Duration `json:"initial_delay" env:"RETRY_INITIAL_DELAY" default:"1s"`
	MaxDelay     time.Duration `json:"max_delay" env:"RETRY_MAX_DELAY" default:"30s"`
}

// LoadRetryConfig loads retry configuration from the environment.
func LoadRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:  getIntEnv("RETRY_MAX_ATTEMPTS", -1),
		InitialDelay: getDurationEnv("RETRY_INITIAL_DELAY", 1*time.Second),
		MaxDelay:     getDurationEnv("RETRY_MAX_DELAY", 30*time.Second),
	}
}

// NextDelay computes an exponential backoff delay for the given attempt
// number (0-indexed), capped at MaxDelay.
func (r *RetryConfig) NextDelay(attempt int) time.Duration {
	delay := r.InitialDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay > r.MaxDelay {
			return r.MaxDelay
		}
	}
	return delay
}

// Exhausted reports whether attempt (0-indexed, about to be made) exceeds
// the configured bound. MaxAttempts <= 0 means retry forever.
func (r *RetryConfig) Exhausted(attempt int) bool {
	if r.MaxAttempts <= 0 {
		return false
	}
	return attempt >= r.MaxAttempts
}
