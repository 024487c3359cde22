// Package config loads sentinel settings from flags, a YAML file, the
// environment and optional .env files.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/sentinel-dpa/telegram-sentinel/internal/logging"
)

// EnvPrefix prefixes every environment override, e.g. SENTINEL_REDIS_URL.
const EnvPrefix = "SENTINEL"

// Config holds all configuration for the sentinel.
type Config struct {
	Reputation ReputationConfig `mapstructure:"reputation"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Telegram   TelegramConfig   `mapstructure:"telegram"`
	Output     OutputConfig     `mapstructure:"output"`
	Redis      RedisConfig      `mapstructure:"redis"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Store      StoreConfig      `mapstructure:"store"`
	Relevance  RelevanceConfig  `mapstructure:"relevance"`
	Mongo      MongoConfig      `mapstructure:"mongo"`
	Responder  ResponderConfig  `mapstructure:"responder"`
	Log        LogConfig        `mapstructure:"log"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
}

type ReputationConfig struct {
	Provider  string        `mapstructure:"provider"`
	APIKey    string        `mapstructure:"api_key"`
	BaseURL   string        `mapstructure:"base_url"`
	Timeout   time.Duration `mapstructure:"timeout"`
	Threshold int           `mapstructure:"threshold"`
	// Pacing is the minimum spacing between live API calls; negative
	// disables it.
	Pacing time.Duration `mapstructure:"pacing"`
}

type CacheConfig struct {
	Retention  time.Duration `mapstructure:"retention"`
	MaxEntries int           `mapstructure:"max_entries"`
	// CompactEvery is how often expired entries are dropped while listening.
	CompactEvery time.Duration `mapstructure:"compact_every"`
}

type TelegramConfig struct {
	TargetChats []string `mapstructure:"target_chats"`
}

type OutputConfig struct {
	Path        string `mapstructure:"path"`
	RedisStream string `mapstructure:"redis_stream"`
	NATSSubject string `mapstructure:"nats_subject"`
	Archive     bool   `mapstructure:"archive"`
}

type RedisConfig struct {
	URL string `mapstructure:"url"`
	// Stream, Group and Consumer address the inbound message stream.
	Stream   string `mapstructure:"stream"`
	Group    string `mapstructure:"group"`
	Consumer string `mapstructure:"consumer"`
}

type NATSConfig struct {
	URL string `mapstructure:"url"`
}

type StoreConfig struct {
	Path string `mapstructure:"path"`
}

type RelevanceConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Scorer    string        `mapstructure:"scorer"`
	Endpoint  string        `mapstructure:"endpoint"`
	Model     string        `mapstructure:"model"`
	APIKey    string        `mapstructure:"api_key"`
	Threshold float64       `mapstructure:"threshold"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

type MongoConfig struct {
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
	Entities string `mapstructure:"entities"`
	Limit    int64  `mapstructure:"limit"`
}

type ResponderConfig struct {
	BotToken string `mapstructure:"bot_token"`
	APIBase  string `mapstructure:"api_base"`
	LogPath  string `mapstructure:"log_path"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// SetDefaults registers every key with its default value.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("reputation.provider", "virustotal")
	v.SetDefault("reputation.api_key", "")
	v.SetDefault("reputation.base_url", "")
	v.SetDefault("reputation.timeout", 15*time.Second)
	v.SetDefault("reputation.threshold", 1)
	v.SetDefault("reputation.pacing", time.Second)

	v.SetDefault("cache.retention", 24*time.Hour)
	v.SetDefault("cache.max_entries", 0)
	v.SetDefault("cache.compact_every", time.Hour)

	v.SetDefault("telegram.target_chats", []string{})

	v.SetDefault("output.path", "/var/log/telegram_iocs.json")
	v.SetDefault("output.redis_stream", "")
	v.SetDefault("output.nats_subject", "")
	v.SetDefault("output.archive", false)

	v.SetDefault("redis.url", "redis://localhost:6379")
	v.SetDefault("redis.stream", "sentinel:messages")
	v.SetDefault("redis.group", "sentinel")
	v.SetDefault("redis.consumer", "sentinel-1")
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("store.path", "./data/sentinel.db")

	v.SetDefault("relevance.enabled", false)
	v.SetDefault("relevance.scorer", "keyword")
	v.SetDefault("relevance.endpoint", "")
	v.SetDefault("relevance.model", "")
	v.SetDefault("relevance.api_key", "")
	v.SetDefault("relevance.threshold", 0.60)
	v.SetDefault("relevance.timeout", 10*time.Second)

	v.SetDefault("mongo.uri", "mongodb://localhost:27017")
	v.SetDefault("mongo.database", "")
	v.SetDefault("mongo.entities", "entities")
	v.SetDefault("mongo.limit", 1000)

	v.SetDefault("responder.bot_token", "")
	v.SetDefault("responder.api_base", "https://api.telegram.org")
	v.SetDefault("responder.log_path", "/var/ossec/logs/active-responses.log")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("metrics.addr", "")
}

// BindEnv enables SENTINEL_* overrides and the legacy variable names of the
// standalone listener script.
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("reputation.api_key", EnvPrefix+"_REPUTATION_API_KEY", "VT_API_KEY")
	_ = v.BindEnv("reputation.threshold", EnvPrefix+"_REPUTATION_THRESHOLD", "VT_THRESHOLD")
	_ = v.BindEnv("telegram.target_chats", EnvPrefix+"_TELEGRAM_TARGET_CHATS", "TARGET_CHATS")
	_ = v.BindEnv("responder.bot_token", EnvPrefix+"_RESPONDER_BOT_TOKEN", "BOT_TOKEN")
	_ = v.BindEnv("relevance.api_key", EnvPrefix+"_RELEVANCE_API_KEY", "OPENROUTER_API_KEY")
}

// LoadDotEnv loads the first readable .env file among paths without
// overriding variables already set. It returns the file used, if any.
func LoadDotEnv(paths ...string) string {
	if len(paths) == 0 {
		paths = []string{".env", "/app/.env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err == nil {
			return p
		}
	}
	return ""
}

// Load decodes v into a Config and validates it.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	cfg.Telegram.TargetChats = splitList(cfg.Telegram.TargetChats)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that would otherwise fail late.
func (c *Config) Validate() error {
	if c.Reputation.Threshold < 1 {
		return fmt.Errorf("reputation.threshold must be at least 1, got %d", c.Reputation.Threshold)
	}
	if c.Cache.Retention <= 0 {
		return fmt.Errorf("cache.retention must be positive, got %s", c.Cache.Retention)
	}
	if c.Cache.MaxEntries < 0 {
		return fmt.Errorf("cache.max_entries must not be negative")
	}
	if c.Relevance.Threshold < 0 || c.Relevance.Threshold > 1 {
		return fmt.Errorf("relevance.threshold must be within [0,1], got %v", c.Relevance.Threshold)
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	return nil
}

// RequireAPIKey reports a missing reputation key, which commands that query
// the reputation service need.
func (c *Config) RequireAPIKey() error {
	if strings.TrimSpace(c.Reputation.APIKey) == "" {
		return fmt.Errorf("reputation.api_key is not set (use --api-key, %s_REPUTATION_API_KEY or VT_API_KEY)", EnvPrefix)
	}
	return nil
}

// splitList accepts both YAML lists and comma separated env values.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}
