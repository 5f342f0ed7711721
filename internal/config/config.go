package config

import (
	"fmt"
	"os"
	"reflect"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const EnvDevelopment = "development"

var durationType = reflect.TypeOf(Duration{})

type Duration struct {
	time.Duration
}

type Config struct {
	Environment string
	Server      ServerConfig
	CORS        CORSConfig
	Security    SecurityConfig
	Logging     LoggingConfig
	Anthropic   AnthropicConfig
	Validation  ValidationConfig
	RateLimit   RateLimitConfig
}

type ServerConfig struct {
	Port            int      `env:"PORT" default:"8080"`
	Host            string   `env:"HOST" default:"0.0.0.0"`
	ReadTimeout     Duration `env:"READ_TIMEOUT" default:"30s"`
	WriteTimeout    Duration `env:"WRITE_TIMEOUT" default:"300s"`
	IdleTimeout     Duration `env:"IDLE_TIMEOUT" default:"60s"`
	ShutdownTimeout Duration `env:"SHUTDOWN_TIMEOUT" default:"15s"`
}

type CORSConfig struct {
	AllowedOrigin    string   `env:"CORS_ALLOWED_ORIGIN" default:"*"`
	AllowedMethods   []string `env:"CORS_ALLOWED_METHODS" default:"GET,OPTIONS,PATCH,DELETE,POST,PUT"`
	AllowedHeaders   []string `env:"CORS_ALLOWED_HEADERS" default:"X-CSRF-Token,X-Requested-With,Accept,Accept-Version,Content-Length,Content-MD5,Content-Type,Date,X-Api-Version,X-Api-Key"`
	AllowCredentials bool     `env:"CORS_ALLOW_CREDENTIALS" default:"true"`
}

type SecurityConfig struct {
	EnableHSTS      bool `env:"ENABLE_HSTS" default:"true"`
	APIKeyMinLength int  `env:"API_KEY_MIN_LENGTH" default:"1"`
}

type LoggingConfig struct {
	Level            string `env:"LOG_LEVEL" default:"info"`
	Format           string `env:"LOG_FORMAT" default:"json"`
	IncludeTimestamp bool   `env:"LOG_INCLUDE_TIMESTAMP" default:"true"`
	IncludeSource    bool   `env:"LOG_INCLUDE_SOURCE" default:"false"`
}

// AnthropicConfig holds the upstream endpoint settings and the defaults merged
// under every relayed request.
type AnthropicConfig struct {
	BaseURL       string   `env:"ANTHROPIC_BASE_URL" default:"https://api.anthropic.com"`
	APIVersion    string   `env:"ANTHROPIC_API_VERSION" default:"2023-06-01"`
	CacheBeta     string   `env:"ANTHROPIC_CACHE_BETA" default:"prompt-caching-2024-07-31"`
	Timeout       Duration `env:"ANTHROPIC_TIMEOUT" default:"280s"`
	KeyPrefix     string   `env:"ANTHROPIC_KEY_PREFIX"`
	DefaultModel  string   `env:"ANTHROPIC_DEFAULT_MODEL" default:"claude-sonnet-4-20250514"`
	MaxTokens     int      `env:"ANTHROPIC_MAX_TOKENS" default:"4096"`
	Temperature   float64  `env:"ANTHROPIC_TEMPERATURE" default:"1.0"`
	SystemMessage string   `env:"ANTHROPIC_SYSTEM_MESSAGE"`
}

type ValidationConfig struct {
	MaxBodyBytes     int64 `env:"MAX_BODY_BYTES" default:"10485760"` // 10MB
	ErrorDetailLimit int   `env:"ERROR_DETAIL_LIMIT" default:"500"`
}

// RateLimitConfig controls the per-client limiter. RequestsPerMinute of zero
// disables it.
type RateLimitConfig struct {
	RequestsPerMinute int `env:"RATE_LIMIT_RPM" default:"0"`
	Burst             int `env:"RATE_LIMIT_BURST" default:"10"`
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == EnvDevelopment
}

func Load() (*Config, error) {
	cfg := &Config{}

	loadEnvFiles()

	if err := setDefaults(cfg); err != nil {
		return nil, fmt.Errorf("failed to set defaults: %w", err)
	}

	if err := loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg.Environment = GetEnvironment()

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Default returns a Config populated from the default tags only, ignoring the
// process environment.
func Default() *Config {
	cfg := &Config{Environment: "production"}
	if err := setDefaults(cfg); err != nil {
		panic(fmt.Sprintf("config: invalid default tag: %v", err))
	}
	return cfg
}

func loadEnvFiles() {
	env := GetEnvironment()

	envFiles := []string{
		fmt.Sprintf(".env.%s.local", env),
		fmt.Sprintf(".env.%s", env),
		".env.local",
		".env",
	}

	for _, file := range envFiles {
		if _, err := os.Stat(file); err == nil {
			_ = godotenv.Load(file)
		}
	}
}

func GetEnvironment() string {
	env := os.Getenv("GO_ENV")
	if env == "" {
		env = os.Getenv("ENVIRONMENT")
	}
	if env == "" {
		env = "production"
	}
	return strings.ToLower(env)
}

func loadFromEnv(cfg *Config) error {
	return loadEnvVars(reflect.ValueOf(cfg).Elem(), reflect.TypeOf(cfg).Elem())
}

func loadEnvVars(v reflect.Value, t reflect.Type) error {
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		if !field.CanSet() {
			continue
		}

		if field.Kind() == reflect.Struct && fieldType.Type != durationType {
			if err := loadEnvVars(field, fieldType.Type); err != nil {
				return err
			}
			continue
		}

		envTag := fieldType.Tag.Get("env")
		if envTag == "" {
			continue
		}

		envValue := os.Getenv(envTag)
		if envValue == "" {
			continue
		}

		if err := setFieldFromString(field, envValue); err != nil {
			return fmt.Errorf("failed to set field %s from env var %s: %w", fieldType.Name, envTag, err)
		}
	}
	return nil
}

func setDefaults(cfg *Config) error {
	return setDefaultValues(reflect.ValueOf(cfg).Elem(), reflect.TypeOf(cfg).Elem())
}

func setDefaultValues(v reflect.Value, t reflect.Type) error {
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		if !field.CanSet() {
			continue
		}

		if field.Kind() == reflect.Struct && fieldType.Type != durationType {
			if err := setDefaultValues(field, fieldType.Type); err != nil {
				return err
			}
			continue
		}

		defaultTag := fieldType.Tag.Get("default")
		if defaultTag == "" {
			continue
		}

		if err := setFieldFromString(field, defaultTag); err != nil {
			return fmt.Errorf("failed to set default for field %s: %w", fieldType.Name, err)
		}
	}
	return nil
}

func setFieldFromString(field reflect.Value, value string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		intValue, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(intValue)

	case reflect.Float32, reflect.Float64:
		floatValue, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(floatValue)

	case reflect.Bool:
		boolValue, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(boolValue)

	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			var slice []string
			if value != "" {
				slice = strings.Split(value, ",")
				for i, v := range slice {
					slice[i] = strings.TrimSpace(v)
				}
			}
			field.Set(reflect.ValueOf(slice))
		}

	case reflect.Struct:
		if field.Type() == durationType {
			duration, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.Set(reflect.ValueOf(Duration{duration}))
		}

	default:
		return fmt.Errorf("unsupported field type: %s", field.Kind())
	}

	return nil
}

func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be between 1 and 65535)", cfg.Server.Port)
	}

	if cfg.Security.APIKeyMinLength < 1 {
		return fmt.Errorf("invalid API key minimum length: %d (must be at least 1)", cfg.Security.APIKeyMinLength)
	}

	if cfg.Validation.MaxBodyBytes < 1 {
		return fmt.Errorf("invalid max body bytes: %d (must be at least 1)", cfg.Validation.MaxBodyBytes)
	}

	if cfg.Anthropic.MaxTokens < 1 {
		return fmt.Errorf("invalid max tokens: %d (must be at least 1)", cfg.Anthropic.MaxTokens)
	}

	if cfg.Anthropic.Temperature < 0 || cfg.Anthropic.Temperature > 1 {
		return fmt.Errorf("invalid temperature: %f (must be between 0 and 1)", cfg.Anthropic.Temperature)
	}

	if cfg.Anthropic.Timeout.Duration <= 0 {
		return fmt.Errorf("invalid anthropic timeout: %s (must be positive)", cfg.Anthropic.Timeout.Duration)
	}

	// The upstream deadline has to fire before the server gives up on the
	// response, otherwise the client never sees the timeout_error body.
	if wt := cfg.Server.WriteTimeout.Duration; wt > 0 && cfg.Anthropic.Timeout.Duration >= wt {
		return fmt.Errorf("anthropic timeout %s must be shorter than write timeout %s",
			cfg.Anthropic.Timeout.Duration, wt)
	}

	if cfg.RateLimit.RequestsPerMinute < 0 {
		return fmt.Errorf("invalid rate limit: %d (must not be negative)", cfg.RateLimit.RequestsPerMinute)
	}

	validLogLevels := []string{"debug", "info", "warn", "error"}
	if !slices.Contains(validLogLevels, cfg.Logging.Level) {
		return fmt.Errorf("invalid log level: %s (must be one of: %s)", cfg.Logging.Level, strings.Join(validLogLevels, ", "))
	}

	validLogFormats := []string{"json", "console"}
	if !slices.Contains(validLogFormats, cfg.Logging.Format) {
		return fmt.Errorf("invalid log format: %s (must be one of: %s)", cfg.Logging.Format, strings.Join(validLogFormats, ", "))
	}

	return nil
}
