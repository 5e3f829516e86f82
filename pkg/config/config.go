package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads and parses the YAML config file at path.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOrDefault loads the config file if present; a missing file yields an
// empty config (defaults applied by Normalize). Parse errors are fatal.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overlays CHATSYNC_* environment variables onto cfg. Env values
// win over file values so deployments can override single fields.
func ApplyEnv(cfg *Config) {
	if v := os.Getenv("CHATSYNC_ADDR"); v != "" {
		host, port := SplitHostPort(v)
		if host != "" {
			cfg.Server.Address = host
		}
		if port != 0 {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("CHATSYNC_DB_PATH"); v != "" {
		cfg.Server.DBPath = v
	}
	if v := os.Getenv("CHATSYNC_SELF_ID"); v != "" {
		cfg.Engine.SelfID = v
	}
	if v := os.Getenv("CHATSYNC_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("CHATSYNC_TRANSPORT"); v != "" {
		cfg.Transport.Mode = v
	}
	if v := os.Getenv("CHATSYNC_REDIS_ADDR"); v != "" {
		cfg.Transport.Redis.Addr = v
	}
	if v := os.Getenv("CHATSYNC_REDIS_PASSWORD"); v != "" {
		cfg.Transport.Redis.Password = v
	}
	if v := os.Getenv("CHATSYNC_REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			cfg.Transport.Redis.DB = n
		}
	}
}

// Normalize fills zero-valued fields with engine defaults so the rest of the
// code never re-checks for unset tunables.
func Normalize(cfg *Config) {
	if cfg.Server.Address == "" {
		cfg.Server.Address = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9311
	}
	if cfg.Server.DBPath == "" {
		cfg.Server.DBPath = "./.chatsync"
	}
	if cfg.Engine.DetailWindow == 0 {
		cfg.Engine.DetailWindow = Duration(30 * time.Millisecond)
	}
	if cfg.Engine.ThreadWindow == 0 {
		cfg.Engine.ThreadWindow = Duration(75 * time.Millisecond)
	}
	if cfg.Engine.PageSize == 0 {
		cfg.Engine.PageSize = 50
	}
	if cfg.Engine.RefetchDelay == 0 {
		cfg.Engine.RefetchDelay = Duration(500 * time.Millisecond)
	}
	if cfg.Engine.TypingRPS == 0 {
		cfg.Engine.TypingRPS = 2
	}
	if cfg.Engine.TypingBurst == 0 {
		cfg.Engine.TypingBurst = 3
	}
	if cfg.Engine.MaxBodyBytes == 0 {
		cfg.Engine.MaxBodyBytes = 64 * 1024
	}
	if cfg.Channel.BackoffBase == 0 {
		cfg.Channel.BackoffBase = Duration(time.Second)
	}
	if cfg.Channel.BackoffCap == 0 {
		cfg.Channel.BackoffCap = Duration(16 * time.Second)
	}
	if cfg.Channel.MaxRetries == 0 {
		cfg.Channel.MaxRetries = 4
	}
	if cfg.Transport.Mode == "" {
		cfg.Transport.Mode = "hub"
	}
	if cfg.Transport.Redis.PresenceTTL == 0 {
		cfg.Transport.Redis.PresenceTTL = Duration(30 * time.Second)
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

// LoadEffective is the single entry point used by main: file + env + defaults.
func LoadEffective(path string) (*Config, error) {
	cfg, err := LoadOrDefault(path)
	if err != nil {
		return nil, err
	}
	ApplyEnv(cfg)
	Normalize(cfg)
	return cfg, nil
}

// SplitHostPort splits "host:port" leniently; a missing or malformed port
// yields zero.
func SplitHostPort(v string) (string, int) {
	i := strings.LastIndex(v, ":")
	if i < 0 {
		return v, 0
	}
	p, err := strconv.Atoi(v[i+1:])
	if err != nil {
		return v, 0
	}
	return v[:i], p
}
