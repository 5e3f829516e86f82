package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Config is the main configuration struct.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Engine    EngineConfig    `yaml:"engine"`
	Channel   ChannelConfig   `yaml:"channel"`
	Proximity ProximityConfig `yaml:"proximity"`
	Transport TransportConfig `yaml:"transport"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds listen and storage settings for the dev relay.
type ServerConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
	DBPath  string `yaml:"db_path"`
}

// EngineConfig holds reducer and send-pipeline tunables.
type EngineConfig struct {
	SelfID string `yaml:"self_id"`
	// DetailWindow is the coalescing window for a focused conversation.
	DetailWindow Duration `yaml:"detail_window"`
	// ThreadWindow is the coalescing window for the aggregate thread list.
	ThreadWindow Duration `yaml:"thread_window"`
	PageSize     int      `yaml:"page_size"`
	// RefetchDelay defers the full thread refetch after a message from an
	// unknown participant arrives.
	RefetchDelay Duration `yaml:"refetch_delay"`
	// TypingRPS / TypingBurst throttle outgoing typing broadcasts.
	TypingRPS    float64   `yaml:"typing_rps"`
	TypingBurst  int       `yaml:"typing_burst"`
	MaxBodyBytes SizeBytes `yaml:"max_body_bytes"`
}

// ChannelConfig holds reconnect backoff tunables.
type ChannelConfig struct {
	BackoffBase Duration `yaml:"backoff_base"`
	BackoffCap  Duration `yaml:"backoff_cap"`
	MaxRetries  int      `yaml:"max_retries"`
}

// ProximityConfig controls the periodic nearness re-check.
type ProximityConfig struct {
	// RecheckCron optionally schedules proximity re-checks with a cron
	// expression; empty disables the scheduler (event-driven only).
	RecheckCron string `yaml:"recheck_cron"`
}

// TransportConfig selects the realtime transport backing.
type TransportConfig struct {
	// Mode is "hub" (in-process) or "redis".
	Mode  string      `yaml:"mode"`
	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig holds connection settings for the redis transport.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	// PresenceTTL bounds how long a presence key survives without refresh.
	PresenceTTL Duration `yaml:"presence_ttl"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Addr returns the combined listen address for the dev relay.
func (c *Config) Addr() string {
	addr := c.Server.Address
	if addr == "" {
		addr = "127.0.0.1"
	}
	port := c.Server.Port
	if port == 0 {
		port = 9311
	}
	return fmt.Sprintf("%s:%d", addr, port)
}

// SizeBytes represents a number of bytes, unmarshaled from human-friendly
// strings like "64KB" or plain integers.
type SizeBytes int64

func (s *SizeBytes) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*s = 0
		return nil
	}
	raw := strings.TrimSpace(node.Value)
	if raw == "" {
		*s = 0
		return nil
	}
	if v, err := humanize.ParseBytes(raw); err == nil {
		*s = SizeBytes(v)
		return nil
	}
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		*s = SizeBytes(i)
		return nil
	}
	return fmt.Errorf("invalid size value: %q", node.Value)
}

func (s SizeBytes) Int64() int64 { return int64(s) }

// Duration is a wrapper around time.Duration that supports YAML parsing from
// strings like "100ms" or plain numbers (interpreted as seconds).
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*d = Duration(0)
		return nil
	}
	raw := strings.TrimSpace(node.Value)
	if raw == "" {
		*d = Duration(0)
		return nil
	}
	if td, err := time.ParseDuration(raw); err == nil {
		*d = Duration(td)
		return nil
	}
	// allow numeric seconds
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		*d = Duration(time.Duration(f * float64(time.Second)))
		return nil
	}
	return fmt.Errorf("invalid duration value: %q", node.Value)
}

func (d Duration) Duration() time.Duration { return time.Duration(d) }
