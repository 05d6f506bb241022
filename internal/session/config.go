package session

import "time"

// BackoffConfig defines retry backoff behavior for the start command.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config defines per-session reliability settings. Timeouts are wall-clock
// and are the only source of time-based behavior; nothing runs outside an
// active session's lifetime.
type Config struct {
	AckTimeout    time.Duration // configuration-ack budget per attempt
	StartAttempts int           // start command attempts, including the first
	StallTimeout  time.Duration // inter-sample stall watchdog; <= 0 disables
	PollInterval  time.Duration // reader idle poll pacing
	EventBuffer   int
	Backoff       BackoffConfig
}

func DefaultConfig() Config {
	return Config{
		AckTimeout:    5 * time.Second,
		StartAttempts: 2,
		StallTimeout:  10 * time.Second,
		PollInterval:  5 * time.Millisecond,
		EventBuffer:   256,
		Backoff: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
			Jitter:       true,
		},
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.AckTimeout <= 0 {
		c.AckTimeout = def.AckTimeout
	}
	if c.StartAttempts < 1 {
		c.StartAttempts = def.StartAttempts
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = def.EventBuffer
	}
	return c
}
