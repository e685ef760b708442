package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"metapulse/internal/vault"
)

// DefaultSessionSecret is used when SESSION_SECRET is unset. Production
// deployments must override it.
const DefaultSessionSecret = "change-me-meta"

type Config struct {
	ServerConfig       ServerConfig       `json:"server"`
	LoggingConfig      LoggingConfig      `json:"logging"`
	MarketConfig       MarketConfig       `json:"market"`
	AIConfig           AIConfig           `json:"ai"`
	ScheduleConfig     ScheduleConfig     `json:"schedule"`
	SignalsConfig      SignalsConfig      `json:"signals"`
	SessionConfig      SessionConfig      `json:"session"`
	NotificationConfig NotificationConfig `json:"notification"`
	RedisConfig        RedisConfig        `json:"redis"`
	VaultConfig        vault.Config       `json:"vault"`
}

type ServerConfig struct {
	Port            int    `json:"port"`
	Host            string `json:"host"`
	AllowedOrigins  string `json:"allowed_origins"`  // comma separated, "*" for any
	Environment     string `json:"environment"`      // "production" enables secure cookies
	ShutdownTimeout int    `json:"shutdown_timeout"` // seconds
}

// IsProduction reports whether the server runs in production mode
func (s ServerConfig) IsProduction() bool {
	return strings.EqualFold(s.Environment, "production")
}

// Origins splits AllowedOrigins into a list
func (s ServerConfig) Origins() []string {
	var out []string
	for _, o := range strings.Split(s.AllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

type LoggingConfig struct {
	Level       string `json:"level"`        // DEBUG, INFO, WARN, ERROR
	Output      string `json:"output"`       // stdout, stderr, or file path
	JSONFormat  bool   `json:"json_format"`  // Output as JSON
	IncludeFile bool   `json:"include_file"` // Include file and line number
	MaxAgeDays  int    `json:"max_age_days"` // Rotated file retention
}

type MarketConfig struct {
	Endpoint        string `json:"endpoint"`
	TimeoutSeconds  int    `json:"timeout_seconds"`
	BreakerFailures int    `json:"breaker_failures"` // negative disables the breaker
	BreakerCooldown int    `json:"breaker_cooldown_seconds"`
}

// AIConfig holds LLM configuration
type AIConfig struct {
	Provider       string  `json:"provider"` // "deepseek", "openai" or "claude"
	APIKey         string  `json:"api_key"`
	BaseURL        string  `json:"base_url"`
	Model          string  `json:"model"`
	MaxTokens      int     `json:"max_tokens"`
	Temperature    float64 `json:"temperature"`
	TimeoutSeconds int     `json:"timeout_seconds"`
	DailyQuota     int     `json:"daily_quota"`
}

type ScheduleConfig struct {
	InsightCron         string `json:"insight_cron"`
	MarketCron          string `json:"market_cron"`
	SkipBootstrap       bool   `json:"skip_bootstrap"`
	StageTimeoutSeconds int    `json:"stage_timeout_seconds"`
	Timezone            string `json:"timezone"`
}

type SignalsConfig struct {
	HistoryLimit         int `json:"history_limit"`
	FanoutTimeoutSeconds int `json:"fanout_timeout_seconds"`
}

type SessionConfig struct {
	Secret        string `json:"secret"`
	DurationHours int    `json:"duration_hours"`
	CookieName    string `json:"cookie_name"`
}

type NotificationConfig struct {
	Telegram TelegramConfig `json:"telegram"`
	Twitter  TwitterConfig  `json:"twitter"`
	Push     PushConfig     `json:"push"`
	Webhook  WebhookConfig  `json:"webhook"`
}

type TelegramConfig struct {
	BotToken string `json:"bot_token"`
	ChatID   string `json:"chat_id"`
}

type TwitterConfig struct {
	APIKey            string `json:"api_key"`
	APIKeySecret      string `json:"api_key_secret"`
	AccessToken       string `json:"access_token"`
	AccessTokenSecret string `json:"access_token_secret"`
	DailyQuota        int    `json:"daily_quota"`
}

type PushConfig struct {
	CredentialsFile string `json:"credentials_file"`
	Topic           string `json:"topic"`
}

type WebhookConfig struct {
	Enabled bool   `json:"enabled"`
	URL     string `json:"url"`
}

// RedisConfig holds the Redis relay configuration
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
	Channel  string `json:"channel"`
}

// Load builds the configuration: .env, then the JSON file at path (both
// optional), then environment overrides, then defaults for anything unset
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := loadFromFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		cfg = &Config{}
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	return cfg, nil
}

// SecretReader supplies secrets by name
type SecretReader interface {
	ReadSecrets(ctx context.Context) (map[string]string, error)
}

// ApplyVaultSecrets overlays credentials from Vault when it is enabled and
// returns the client for later health checks. It returns nil when disabled.
func ApplyVaultSecrets(ctx context.Context, cfg *Config) (*vault.Client, error) {
	if !cfg.VaultConfig.Enabled {
		return nil, nil
	}
	client, err := vault.NewClient(cfg.VaultConfig)
	if err != nil {
		return nil, err
	}
	return client, applySecrets(ctx, cfg, client)
}

func applySecrets(ctx context.Context, cfg *Config, reader SecretReader) error {
	secrets, err := reader.ReadSecrets(ctx)
	if err != nil {
		return fmt.Errorf("failed to load secrets: %w", err)
	}

	set := func(dst *string, key string) {
		if v := secrets[key]; v != "" {
			*dst = v
		}
	}
	set(&cfg.AIConfig.APIKey, "ai_api_key")
	set(&cfg.SessionConfig.Secret, "session_secret")
	set(&cfg.NotificationConfig.Telegram.BotToken, "telegram_bot_token")
	set(&cfg.NotificationConfig.Twitter.APIKey, "twitter_api_key")
	set(&cfg.NotificationConfig.Twitter.APIKeySecret, "twitter_api_key_secret")
	set(&cfg.NotificationConfig.Twitter.AccessToken, "twitter_access_token")
	set(&cfg.NotificationConfig.Twitter.AccessTokenSecret, "twitter_access_token_secret")
	set(&cfg.NotificationConfig.Webhook.URL, "webhook_url")
	set(&cfg.RedisConfig.Password, "redis_password")
	return nil
}

// UsesDefaultSessionSecret reports whether sessions are signed with the
// built-in secret
func (c *Config) UsesDefaultSessionSecret() bool {
	return c.SessionConfig.Secret == DefaultSessionSecret
}

// applyEnvOverrides applies environment variable overrides to the config
func applyEnvOverrides(cfg *Config) {
	// Server config
	cfg.ServerConfig.Port = getEnvIntOrDefault("PORT", cfg.ServerConfig.Port)
	cfg.ServerConfig.Host = getEnvOrDefault("HOST", cfg.ServerConfig.Host)
	cfg.ServerConfig.AllowedOrigins = getEnvOrDefault("CORS_ORIGIN", cfg.ServerConfig.AllowedOrigins)
	cfg.ServerConfig.Environment = getEnvOrDefault("APP_ENV", getEnvOrDefault("NODE_ENV", cfg.ServerConfig.Environment))
	cfg.ServerConfig.ShutdownTimeout = getEnvIntOrDefault("SERVER_SHUTDOWN_TIMEOUT", cfg.ServerConfig.ShutdownTimeout)

	// Logging config
	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", cfg.LoggingConfig.Level)
	cfg.LoggingConfig.Output = getEnvOrDefault("LOG_OUTPUT", cfg.LoggingConfig.Output)
	cfg.LoggingConfig.JSONFormat = getEnvBoolOrDefault("LOG_JSON", cfg.LoggingConfig.JSONFormat)
	cfg.LoggingConfig.IncludeFile = getEnvBoolOrDefault("LOG_INCLUDE_FILE", cfg.LoggingConfig.IncludeFile)

	// Market config
	cfg.MarketConfig.Endpoint = getEnvOrDefault("DEXSCREENER_API_URL", cfg.MarketConfig.Endpoint)
	cfg.MarketConfig.BreakerFailures = getEnvIntOrDefault("MARKET_BREAKER_FAILURES", cfg.MarketConfig.BreakerFailures)

	// AI config
	cfg.AIConfig.Provider = getEnvOrDefault("METAPULSE_AI_PROVIDER", cfg.AIConfig.Provider)
	cfg.AIConfig.APIKey = getEnvOrDefault("METAPULSE_AI_KEY", cfg.AIConfig.APIKey)
	cfg.AIConfig.BaseURL = getEnvOrDefault("METAPULSE_AI_URL", cfg.AIConfig.BaseURL)
	cfg.AIConfig.Model = getEnvOrDefault("METAPULSE_AI_MODEL", cfg.AIConfig.Model)
	cfg.AIConfig.Temperature = getEnvFloatOrDefault("METAPULSE_AI_TEMPERATURE", cfg.AIConfig.Temperature)
	cfg.AIConfig.DailyQuota = getEnvIntOrDefault("METAPULSE_AI_DAILY_QUOTA", cfg.AIConfig.DailyQuota)

	// Schedule config
	cfg.ScheduleConfig.InsightCron = getEnvOrDefault("INSIGHT_CRON", cfg.ScheduleConfig.InsightCron)
	cfg.ScheduleConfig.MarketCron = getEnvOrDefault("MARKET_CRON", cfg.ScheduleConfig.MarketCron)
	cfg.ScheduleConfig.Timezone = getEnvOrDefault("SCHEDULE_TIMEZONE", cfg.ScheduleConfig.Timezone)
	cfg.ScheduleConfig.SkipBootstrap = getEnvBoolOrDefault("SCHEDULE_SKIP_BOOTSTRAP", cfg.ScheduleConfig.SkipBootstrap)

	// Signals config
	cfg.SignalsConfig.HistoryLimit = getEnvIntOrDefault("SIGNAL_HISTORY_LIMIT", cfg.SignalsConfig.HistoryLimit)

	// Session config
	cfg.SessionConfig.Secret = getEnvOrDefault("SESSION_SECRET", cfg.SessionConfig.Secret)

	// Notification config
	tg := &cfg.NotificationConfig.Telegram
	tg.BotToken = getEnvOrDefault("TELEGRAM_BOT_TOKEN", tg.BotToken)
	tg.ChatID = getEnvOrDefault("TELEGRAM_CHAT_ID", tg.ChatID)

	tw := &cfg.NotificationConfig.Twitter
	tw.APIKey = getEnvOrDefault("TWITTER_API_KEY", tw.APIKey)
	tw.APIKeySecret = getEnvOrDefault("TWITTER_API_KEY_SECRET", tw.APIKeySecret)
	tw.AccessToken = getEnvOrDefault("TWITTER_ACCESS_TOKEN", tw.AccessToken)
	tw.AccessTokenSecret = getEnvOrDefault("TWITTER_ACCESS_TOKEN_SECRET", tw.AccessTokenSecret)

	push := &cfg.NotificationConfig.Push
	push.CredentialsFile = getEnvOrDefault("FIREBASE_CREDENTIALS_FILE", push.CredentialsFile)
	push.Topic = getEnvOrDefault("FIREBASE_TOPIC", push.Topic)

	hook := &cfg.NotificationConfig.Webhook
	hook.URL = getEnvOrDefault("DISCORD_WEBHOOK_URL", hook.URL)
	hook.Enabled = getEnvBoolOrDefault("DISCORD_ENABLED", hook.Enabled)

	// Redis config
	cfg.RedisConfig.Enabled = getEnvBoolOrDefault("REDIS_ENABLED", cfg.RedisConfig.Enabled)
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDR", cfg.RedisConfig.Address)
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", cfg.RedisConfig.DB)
	cfg.RedisConfig.Channel = getEnvOrDefault("REDIS_CHANNEL", cfg.RedisConfig.Channel)

	// Vault config
	cfg.VaultConfig.Enabled = getEnvBoolOrDefault("VAULT_ENABLED", cfg.VaultConfig.Enabled)
	cfg.VaultConfig.Address = getEnvOrDefault("VAULT_ADDR", cfg.VaultConfig.Address)
	cfg.VaultConfig.Token = getEnvOrDefault("VAULT_TOKEN", cfg.VaultConfig.Token)
	cfg.VaultConfig.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", cfg.VaultConfig.MountPath)
	cfg.VaultConfig.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", cfg.VaultConfig.SecretPath)
}

// applyDefaults fills zero values
func applyDefaults(cfg *Config) {
	def := func(dst *string, v string) {
		if *dst == "" {
			*dst = v
		}
	}
	defInt := func(dst *int, v int) {
		if *dst <= 0 {
			*dst = v
		}
	}

	defInt(&cfg.ServerConfig.Port, 3000)
	def(&cfg.ServerConfig.Host, "0.0.0.0")
	def(&cfg.ServerConfig.AllowedOrigins, "*")
	def(&cfg.ServerConfig.Environment, "development")
	defInt(&cfg.ServerConfig.ShutdownTimeout, 10)

	def(&cfg.LoggingConfig.Level, "INFO")
	def(&cfg.LoggingConfig.Output, "stdout")
	defInt(&cfg.LoggingConfig.MaxAgeDays, 7)

	def(&cfg.MarketConfig.Endpoint, "https://api.dexscreener.com/token-profiles/latest/v1")
	defInt(&cfg.MarketConfig.TimeoutSeconds, 12)
	if cfg.MarketConfig.BreakerFailures == 0 {
		cfg.MarketConfig.BreakerFailures = 3
	}
	defInt(&cfg.MarketConfig.BreakerCooldown, 120)

	def(&cfg.AIConfig.Provider, "deepseek")
	def(&cfg.AIConfig.Model, "deepseek-chat")
	defInt(&cfg.AIConfig.MaxTokens, 600)
	if cfg.AIConfig.Temperature <= 0 {
		cfg.AIConfig.Temperature = 0.4
	}
	defInt(&cfg.AIConfig.TimeoutSeconds, 20)
	defInt(&cfg.AIConfig.DailyQuota, 3)

	def(&cfg.ScheduleConfig.InsightCron, "0 0,8,16 * * *")
	def(&cfg.ScheduleConfig.MarketCron, "*/30 * * * *")
	defInt(&cfg.ScheduleConfig.StageTimeoutSeconds, 20)

	defInt(&cfg.SignalsConfig.HistoryLimit, 20)
	defInt(&cfg.SignalsConfig.FanoutTimeoutSeconds, 20)

	def(&cfg.SessionConfig.Secret, DefaultSessionSecret)
	defInt(&cfg.SessionConfig.DurationHours, 7*24)
	def(&cfg.SessionConfig.CookieName, "mp_session")

	defInt(&cfg.NotificationConfig.Twitter.DailyQuota, 3)
	def(&cfg.NotificationConfig.Push.Topic, "metapulse_signals")

	def(&cfg.RedisConfig.Address, "localhost:6379")
	defInt(&cfg.RedisConfig.PoolSize, 10)
	def(&cfg.RedisConfig.Channel, "metapulse:signals")

	def(&cfg.VaultConfig.Address, "http://localhost:8200")
	def(&cfg.VaultConfig.MountPath, "secret")
	def(&cfg.VaultConfig.SecretPath, "metapulse")
}

// SessionDuration returns the session lifetime
func (c *Config) SessionDuration() time.Duration {
	return time.Duration(c.SessionConfig.DurationHours) * time.Hour
}

// StageTimeout returns the per-stage timeout of a generation cycle
func (c *Config) StageTimeout() time.Duration {
	return time.Duration(c.ScheduleConfig.StageTimeoutSeconds) * time.Second
}

func loadFromFile(filename string) (*Config, error) {
	file, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return &config, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
