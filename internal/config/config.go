package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the application configuration
type Config struct {
	Server    ServerConfig
	LLM       LLMConfig
	Speech    SpeechConfig
	Database  DatabaseConfig
	Auth      AuthConfig
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Log       LogConfig
}

// ServerConfig holds the HTTP server configuration
type ServerConfig struct {
	Host           string   `mapstructure:"host"`
	Port           string   `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Supported reasoning backends.
const (
	ProviderAthena = "athena"
	ProviderOpenAI = "openai"
)

// LLMConfig holds the reasoning service configuration
type LLMConfig struct {
	Provider     string        `mapstructure:"provider"`
	BaseURL      string        `mapstructure:"base_url"`
	APIKey       string        `mapstructure:"api_key"`
	Model        string        `mapstructure:"model"`
	SystemPrompt string        `mapstructure:"system_prompt"`
	Timeout      time.Duration `mapstructure:"timeout"`
	HistoryLimit int           `mapstructure:"history_limit"`
}

// SpeechConfig holds the text-to-speech configuration
type SpeechConfig struct {
	BaseURL       string        `mapstructure:"base_url"`
	APIKey        string        `mapstructure:"api_key"`
	VoiceID       string        `mapstructure:"voice_id"`
	ModelID       string        `mapstructure:"model_id"`
	Timeout       time.Duration `mapstructure:"timeout"`
	MaxChunkChars int           `mapstructure:"max_chunk_chars"`
}

// Supported database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// DatabaseConfig selects the persistence backend. For sqlite DSN is a file path.
type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

// RateLimitConfig bounds send-message calls per user.
type RateLimitConfig struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// legacyEnv maps config keys to the environment names used by earlier deployments.
var legacyEnv = map[string]string{
	"server.port":     "PORT",
	"llm.base_url":    "PYTHON_AI_API_URL",
	"speech.api_key":  "ELEVENLABS_API_KEY",
	"auth.jwt_secret": "JWT_SECRET",
	"database.dsn":    "DATABASE_URL",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", "8888")
	v.SetDefault("server.allowed_origins", []string{"http://localhost:5173", "http://localhost:5174"})

	v.SetDefault("llm.provider", ProviderAthena)
	v.SetDefault("llm.base_url", "http://localhost:8000")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.system_prompt", "You are Athena, a calm and supportive listener. Reply with empathy and keep answers short.")
	v.SetDefault("llm.timeout", 60*time.Second)
	v.SetDefault("llm.history_limit", 20)

	v.SetDefault("speech.base_url", "https://api.elevenlabs.io")
	v.SetDefault("speech.api_key", "")
	v.SetDefault("speech.voice_id", "ROMJ9yK1NAMuu1ggrjDW")
	v.SetDefault("speech.model_id", "eleven_multilingual_v2")
	v.SetDefault("speech.timeout", 30*time.Second)
	v.SetDefault("speech.max_chunk_chars", 2500)

	v.SetDefault("database.driver", DriverSQLite)
	v.SetDefault("database.dsn", "athena.db")

	v.SetDefault("auth.jwt_secret", "")

	v.SetDefault("rate_limit.rps", 1.0)
	v.SetDefault("rate_limit.burst", 5)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Load reads config.yaml from the working directory, or the file named by
// CONFIG_PATH, and applies ATHENA_* environment overrides. A missing
// config.yaml is not an error; a missing CONFIG_PATH file is.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigType("yaml")
	explicit := os.Getenv("CONFIG_PATH")
	if explicit != "" {
		v.SetConfigFile(explicit)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("ATHENA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, legacy := range legacyEnv {
		envKey := "ATHENA_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, envKey, legacy); err != nil {
			return nil, err
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if explicit != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	return &config, nil
}

// Validate checks the settings the server cannot run without.
func (c *Config) Validate() error {
	var errs []error
	switch c.LLM.Provider {
	case ProviderAthena, ProviderOpenAI:
	default:
		errs = append(errs, fmt.Errorf("llm.provider %q is not supported", c.LLM.Provider))
	}
	if c.LLM.BaseURL == "" && c.LLM.Provider == ProviderAthena {
		errs = append(errs, errors.New("llm.base_url is required"))
	}
	switch c.Database.Driver {
	case DriverSQLite, DriverPostgres:
	default:
		errs = append(errs, fmt.Errorf("database.driver %q is not supported", c.Database.Driver))
	}
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required"))
	}
	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth.jwt_secret is required"))
	}
	if c.RateLimit.RPS <= 0 || c.RateLimit.Burst <= 0 {
		errs = append(errs, errors.New("rate_limit.rps and rate_limit.burst must be positive"))
	}
	return errors.Join(errs...)
}

// Addr returns the host:port the HTTP server listens on.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%s", s.Host, s.Port)
}
