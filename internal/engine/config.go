// Package engine drives task execution with a bounded worker pool.
package engine

import "time"

// Config defines the execution engine configuration.
type Config struct {
	// Workers is the maximum number of concurrently processing tasks.
	Workers int
	// PollInterval is how often the dispatch loop scans for runnable tasks.
	PollInterval time.Duration
	// ProcessTimeout bounds a single processor invocation.
	ProcessTimeout time.Duration
	// ExternalPollInterval is how often pending external jobs are checked.
	ExternalPollInterval time.Duration
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() *Config {
	return &Config{
		Workers:              4,
		PollInterval:         1 * time.Second,
		ProcessTimeout:       5 * time.Minute,
		ExternalPollInterval: 10 * time.Second,
	}
}
