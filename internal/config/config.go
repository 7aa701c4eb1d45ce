package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/nidhogg/skillgate/internal/permission"
	"github.com/nidhogg/skillgate/internal/ratelimit"
)

// Config is the top-level configuration structure.
type Config struct {
	Server        ServerConfig                          `json:"server"`
	Database      DatabaseConfig                        `json:"database"`
	SkillsDir     string                                `json:"skills_dir"`
	MigrationsDir string                                `json:"migrations_dir"`
	Cache         CacheConfig                           `json:"cache"`
	RateLimits    map[string]map[string]RateLimitConfig `json:"rate_limits"`
	Notify        NotifyConfig                          `json:"notify"`
	EncryptKeyEnv string                                `json:"encrypt_key_env"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres"`
	Redis    RedisConfig    `json:"redis"`
}

type PostgresConfig struct {
	DSN string `json:"dsn"`
}

type RedisConfig struct {
	URL string `json:"url"`
}

type CacheConfig struct {
	Size   int `json:"size"`
	Shards int `json:"shards"`
}

// RateLimitConfig is one platform quota; Window is a Go duration string.
type RateLimitConfig struct {
	Count  int    `json:"count"`
	Window string `json:"window"`
}

type NotifyConfig struct {
	Slack   SlackNotifyConfig   `json:"slack"`
	Discord DiscordNotifyConfig `json:"discord"`
}

type SlackNotifyConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	Channel  string `json:"channel"`
}

type DiscordNotifyConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	Channel  string `json:"channel"`
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file and substitutes environment variable references.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes a JSON config document after env substitution.
func Parse(data []byte) (*Config, error) {
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 3220
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.SkillsDir == "" {
		c.SkillsDir = "./skills"
	}
	if c.MigrationsDir == "" {
		c.MigrationsDir = "./migrations"
	}
	if c.Cache.Size <= 0 {
		c.Cache.Size = 4096
	}
	if c.Cache.Shards <= 0 {
		c.Cache.Shards = 16
	}
	if c.EncryptKeyEnv == "" {
		c.EncryptKeyEnv = "SKILLGATE_ENCRYPT_KEY"
	}
}

// PlatformLimits converts the rate_limits section for the resolver.
func (c *Config) PlatformLimits() (permission.PlatformLimits, error) {
	out := make(permission.PlatformLimits, len(c.RateLimits))
	for skillName, actions := range c.RateLimits {
		out[skillName] = make(map[string]ratelimit.Limit, len(actions))
		for action, rl := range actions {
			window, err := time.ParseDuration(rl.Window)
			if err != nil {
				return nil, fmt.Errorf("rate_limits.%s.%s: window: %w", skillName, action, err)
			}
			if rl.Count < 0 || window <= 0 {
				return nil, fmt.Errorf("rate_limits.%s.%s: count must be >= 0 and window > 0", skillName, action)
			}
			out[skillName][action] = ratelimit.Limit{Count: rl.Count, Window: window}
		}
	}
	return out, nil
}
