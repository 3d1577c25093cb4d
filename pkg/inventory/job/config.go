package job

import "time"

// Config controls the collection worker pool.
type Config struct {
	Concurrency   int           `mapstructure:"concurrency"`    // Max concurrent workers. Default 3.
	PollInterval  time.Duration `mapstructure:"poll_interval"`  // How often workers poll for pending tasks. Default 5s.
	ClaimTimeout  time.Duration `mapstructure:"claim_timeout"`  // Max time a task can be IN_PROGRESS before it is failed. Default 1h.
	RetentionDays int           `mapstructure:"retention_days"` // How long to keep finished jobs. Default 30.
	Enabled       bool          `mapstructure:"enabled"`        // Whether workers run in this process. Default true.
}

// DefaultConfig returns the default worker configuration.
func DefaultConfig() *Config {
	return &Config{
		Concurrency:   3,
		PollInterval:  5 * time.Second,
		ClaimTimeout:  time.Hour,
		RetentionDays: 30,
		Enabled:       true,
	}
}
