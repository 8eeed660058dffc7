package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the reportd server.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	AI        AIConfig
	Converter ConverterConfig
	Reports   ReportsConfig
	Settings  SettingsConfig
	RateLimit RateLimitConfig
}

type ServerConfig struct {
	Port     int
	Env      string
	LogLevel slog.Level
}

type DatabaseConfig struct {
	URL              string
	MaxOpenConns     int
	MaxIdleConns     int
	ConnMaxLifetime  time.Duration
	StatementTimeout time.Duration
}

type RedisConfig struct {
	URL string
}

type AIConfig struct {
	Provider          string
	InferenceTimeout  time.Duration
	RequestsPerSecond float64
	DeepSeek          DeepSeekConfig
	OpenAI            OpenAIConfig
}

type DeepSeekConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

type OpenAIConfig struct {
	APIKey string
	Model  string
}

type ConverterConfig struct {
	Kind       string
	URL        string
	Timeout    time.Duration
	MaxRetries int
	// FontFile is a TrueType font used by the local converter for non-Latin text.
	FontFile string
}

// ReportsConfig tunes the report lifecycle.
type ReportsConfig struct {
	DuplicateWindow          time.Duration
	StaleAfter               time.Duration
	SweepInterval            time.Duration
	MaxConcurrentGenerations int
}

type SettingsConfig struct {
	Staleness time.Duration
}

type RateLimitConfig struct {
	RequestsPerMinute int
}

var validProviders = map[string]bool{
	"deepseek": true,
	"openai":   true,
	"mock":     true,
}

var validConverters = map[string]bool{
	"local": true,
	"http":  true,
}

// Load reads configuration from environment variables and returns a validated Config.
// A .env file in the working directory is loaded first if present; variables already
// set in the environment win.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:     envInt("REPORTD_PORT", 8080),
			Env:      envString("REPORTD_ENV", "development"),
			LogLevel: envLevel("LOG_LEVEL", slog.LevelInfo),
		},
		Database: DatabaseConfig{
			URL:              os.Getenv("DATABASE_URL"),
			MaxOpenConns:     envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:     envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime:  envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
			StatementTimeout: envDuration("DATABASE_STATEMENT_TIMEOUT", 30*time.Second),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		AI: AIConfig{
			Provider:          os.Getenv("AI_PROVIDER"),
			InferenceTimeout:  envDurationSecs("AI_INFERENCE_TIMEOUT_SECS", 120*time.Second),
			RequestsPerSecond: envFloat("AI_REQUESTS_PER_SECOND", 2),
			DeepSeek: DeepSeekConfig{
				APIKey:  os.Getenv("DEEPSEEK_API_KEY"),
				BaseURL: envString("DEEPSEEK_BASE_URL", "https://api.deepseek.com/v1"),
				Model:   envString("DEEPSEEK_MODEL", "deepseek-chat"),
			},
			OpenAI: OpenAIConfig{
				APIKey: os.Getenv("OPENAI_API_KEY"),
				Model:  envString("OPENAI_MODEL", "gpt-4o-mini"),
			},
		},
		Converter: ConverterConfig{
			Kind:       envString("CONVERTER", "local"),
			URL:        os.Getenv("CONVERTER_URL"),
			Timeout:    envDuration("CONVERTER_TIMEOUT", 60*time.Second),
			MaxRetries: envInt("CONVERTER_MAX_RETRIES", 3),
			FontFile:   os.Getenv("CONVERTER_FONT_FILE"),
		},
		Reports: ReportsConfig{
			DuplicateWindow:          envDuration("REPORT_DUPLICATE_WINDOW", 5*time.Minute),
			StaleAfter:               envDuration("REPORT_STALE_AFTER", 15*time.Minute),
			SweepInterval:            envDuration("REPORT_SWEEP_INTERVAL", time.Minute),
			MaxConcurrentGenerations: envInt("MAX_CONCURRENT_GENERATIONS", 8),
		},
		Settings: SettingsConfig{
			Staleness: envDuration("SETTINGS_STALENESS", 5*time.Minute),
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: envInt("RATE_LIMIT_PER_MINUTE", 60),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}
	if c.AI.Provider == "" {
		return fmt.Errorf("AI_PROVIDER is required")
	}
	if !validProviders[c.AI.Provider] {
		return fmt.Errorf("AI_PROVIDER must be one of deepseek, openai, mock; got %q", c.AI.Provider)
	}
	if c.AI.Provider == "deepseek" && c.AI.DeepSeek.APIKey == "" {
		return fmt.Errorf("DEEPSEEK_API_KEY is required when AI_PROVIDER is deepseek")
	}
	if c.AI.Provider == "openai" && c.AI.OpenAI.APIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is required when AI_PROVIDER is openai")
	}
	if c.AI.InferenceTimeout <= 0 {
		return fmt.Errorf("AI_INFERENCE_TIMEOUT_SECS must be positive")
	}
	if !validConverters[c.Converter.Kind] {
		return fmt.Errorf("CONVERTER must be one of local, http; got %q", c.Converter.Kind)
	}
	if c.Converter.Kind == "http" {
		if c.Converter.URL == "" {
			return fmt.Errorf("CONVERTER_URL is required when CONVERTER is http")
		}
		if !strings.HasPrefix(c.Converter.URL, "http://") && !strings.HasPrefix(c.Converter.URL, "https://") {
			return fmt.Errorf("CONVERTER_URL must start with http:// or https://, got %q", c.Converter.URL)
		}
	}
	if c.Reports.DuplicateWindow <= 0 {
		return fmt.Errorf("REPORT_DUPLICATE_WINDOW must be positive")
	}
	// A report younger than the inference timeout may still have a live worker.
	if c.Reports.StaleAfter <= c.AI.InferenceTimeout {
		return fmt.Errorf("REPORT_STALE_AFTER (%s) must exceed the AI inference timeout (%s)",
			c.Reports.StaleAfter, c.AI.InferenceTimeout)
	}
	if c.Reports.MaxConcurrentGenerations <= 0 {
		return fmt.Errorf("MAX_CONCURRENT_GENERATIONS must be positive")
	}
	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envDurationSecs(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return time.Duration(secs) * time.Second
}

func envLevel(key string, defaultVal slog.Level) slog.Level {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(v)); err != nil {
		return defaultVal
	}
	return lvl
}
