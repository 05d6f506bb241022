// Package config loads tool configuration from TOML with defaults overlay.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/voltlab/echemctl/internal/session"
	"github.com/voltlab/echemctl/internal/simulate"
	"github.com/voltlab/echemctl/internal/transport"
)

// Config mirrors the echemctl.toml layout.
type Config struct {
	Serial   SerialConfig   `toml:"serial"`
	Session  SessionConfig  `toml:"session"`
	Simulate SimulateConfig `toml:"simulate"`
}

type SerialConfig struct {
	Port          string `toml:"port"`
	Baud          int    `toml:"baud"`
	ReadTimeoutMS int    `toml:"read_timeout_ms"`
}

type SessionConfig struct {
	AckTimeoutMS   int `toml:"ack_timeout_ms"`
	StallTimeoutMS int `toml:"stall_timeout_ms"`
	PollIntervalMS int `toml:"poll_interval_ms"`
	StartAttempts  int `toml:"start_attempts"`
	EventBuffer    int `toml:"event_buffer"`
}

type SimulateConfig struct {
	Enabled   bool  `toml:"enabled"`
	Seed      int64 `toml:"seed"`
	PaceMS    int   `toml:"pace_ms"`
	ChunkSize int   `toml:"chunk_size"`
}

// Default returns the shipping defaults: instrument line settings 115200 8N1
// and the session package's reliability defaults.
func Default() Config {
	line := transport.DefaultLineConfig("")
	ses := session.DefaultConfig()
	return Config{
		Serial: SerialConfig{
			Baud:          line.Baud,
			ReadTimeoutMS: int(line.ReadTimeout / time.Millisecond),
		},
		Session: SessionConfig{
			AckTimeoutMS:   int(ses.AckTimeout / time.Millisecond),
			StallTimeoutMS: int(ses.StallTimeout / time.Millisecond),
			PollIntervalMS: int(ses.PollInterval / time.Millisecond),
			StartAttempts:  ses.StartAttempts,
			EventBuffer:    ses.EventBuffer,
		},
	}
}

// Load reads path and overlays it on the defaults; only keys present in the
// file override.
func Load(path string) (Config, error) {
	cfg := Default()
	var raw Config
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if meta.IsDefined("serial", "port") {
		cfg.Serial.Port = strings.TrimSpace(raw.Serial.Port)
	}
	if meta.IsDefined("serial", "baud") {
		cfg.Serial.Baud = raw.Serial.Baud
	}
	if meta.IsDefined("serial", "read_timeout_ms") {
		cfg.Serial.ReadTimeoutMS = raw.Serial.ReadTimeoutMS
	}
	if meta.IsDefined("session", "ack_timeout_ms") {
		cfg.Session.AckTimeoutMS = raw.Session.AckTimeoutMS
	}
	if meta.IsDefined("session", "stall_timeout_ms") {
		cfg.Session.StallTimeoutMS = raw.Session.StallTimeoutMS
	}
	if meta.IsDefined("session", "poll_interval_ms") {
		cfg.Session.PollIntervalMS = raw.Session.PollIntervalMS
	}
	if meta.IsDefined("session", "start_attempts") {
		cfg.Session.StartAttempts = raw.Session.StartAttempts
	}
	if meta.IsDefined("session", "event_buffer") {
		cfg.Session.EventBuffer = raw.Session.EventBuffer
	}
	if meta.IsDefined("simulate", "enabled") {
		cfg.Simulate.Enabled = raw.Simulate.Enabled
	}
	if meta.IsDefined("simulate", "seed") {
		cfg.Simulate.Seed = raw.Simulate.Seed
	}
	if meta.IsDefined("simulate", "pace_ms") {
		cfg.Simulate.PaceMS = raw.Simulate.PaceMS
	}
	if meta.IsDefined("simulate", "chunk_size") {
		cfg.Simulate.ChunkSize = raw.Simulate.ChunkSize
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Serial.Baud <= 0 {
		return fmt.Errorf("config: baud must be positive")
	}
	if c.Session.StartAttempts < 1 {
		return fmt.Errorf("config: start_attempts must be >= 1")
	}
	if c.Session.AckTimeoutMS <= 0 {
		return fmt.Errorf("config: ack_timeout_ms must be positive")
	}
	return nil
}

// LineConfig converts the serial table into the transport's line settings.
func (c Config) LineConfig() transport.LineConfig {
	line := transport.DefaultLineConfig(c.Serial.Port)
	line.Baud = c.Serial.Baud
	if c.Serial.ReadTimeoutMS > 0 {
		line.ReadTimeout = time.Duration(c.Serial.ReadTimeoutMS) * time.Millisecond
	}
	return line
}

// SessionConfig converts the session table into the engine's config.
func (c Config) SessionConfig() session.Config {
	cfg := session.DefaultConfig()
	cfg.AckTimeout = time.Duration(c.Session.AckTimeoutMS) * time.Millisecond
	cfg.StallTimeout = time.Duration(c.Session.StallTimeoutMS) * time.Millisecond
	cfg.PollInterval = time.Duration(c.Session.PollIntervalMS) * time.Millisecond
	cfg.StartAttempts = c.Session.StartAttempts
	cfg.EventBuffer = c.Session.EventBuffer
	return cfg
}

// SimulateConfig converts the simulate table into the engine's config.
func (c Config) SimulateConfig() simulate.Config {
	return simulate.Config{
		Seed:      c.Simulate.Seed,
		Pace:      time.Duration(c.Simulate.PaceMS) * time.Millisecond,
		ChunkSize: c.Simulate.ChunkSize,
	}
}
