package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type LookupFunc func(string) (string, bool)

type Profile string

const (
	ProfileDev  Profile = "dev"
	ProfileTest Profile = "test"
	ProfileProd Profile = "prod"
)

type Config struct {
	Profile       Profile
	Service       ServiceConfig
	HTTP          HTTPConfig
	AI            AIConfig
	Cache         CacheConfig
	Limits        LimitsConfig
	Session       SessionConfig
	Observability ObservabilityConfig
	Auth          AuthConfig
}

type ServiceConfig struct {
	Name string
}

type HTTPConfig struct {
	Address      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type AuthConfig struct {
	Required   bool
	StaticKeys string
}

type AIConfig struct {
	TranslateEnabled bool
	BaseURL          string
	APIKey           string
	Model            string
	Temperature      float64
	Timeout          time.Duration
	MaxRetries       int
	RetryInterval    time.Duration
}

type CacheConfig struct {
	Backend       string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	QueryTTL      time.Duration
	ResultTTL     time.Duration
}

type LimitsConfig struct {
	MaxRows        int
	BatchSize      int
	QueryTimeout   time.Duration
	ConnectTimeout time.Duration
	MaxOpenConns   int
	MaxIdleConns   int
}

type SessionConfig struct {
	MinConfidence float64
}

type ObservabilityConfig struct {
	LogLevel slog.Level
	LogJSON  bool
}

func LoadFromEnv(serviceName string) (Config, error) {
	return Load(serviceName, os.LookupEnv)
}

func Load(serviceName string, lookup LookupFunc) (Config, error) {
	if lookup == nil {
		return Config{}, fmt.Errorf("lookup function is required")
	}

	profile := ProfileDev
	if raw, ok := lookup("QUERYMESH_PROFILE"); ok {
		profile = Profile(strings.ToLower(strings.TrimSpace(raw)))
	}
	if !isValidProfile(profile) {
		return Config{}, fmt.Errorf("invalid QUERYMESH_PROFILE: %q", profile)
	}

	cfg := defaultsForProfile(profile)
	if serviceName != "" {
		cfg.Service.Name = serviceName
	}

	if err := applyString(lookup, "QUERYMESH_SERVICE_NAME", &cfg.Service.Name); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "QUERYMESH_HTTP_ADDR", &cfg.HTTP.Address); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "QUERYMESH_HTTP_READ_TIMEOUT", &cfg.HTTP.ReadTimeout); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "QUERYMESH_HTTP_WRITE_TIMEOUT", &cfg.HTTP.WriteTimeout); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "QUERYMESH_HTTP_IDLE_TIMEOUT", &cfg.HTTP.IdleTimeout); err != nil {
		return Config{}, err
	}
	if err := applyBool(lookup, "QUERYMESH_AI_TRANSLATE_ENABLED", &cfg.AI.TranslateEnabled); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "QUERYMESH_AI_BASE_URL", &cfg.AI.BaseURL); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "QUERYMESH_AI_API_KEY", &cfg.AI.APIKey); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "QUERYMESH_AI_MODEL", &cfg.AI.Model); err != nil {
		return Config{}, err
	}
	if err := applyFloat(lookup, "QUERYMESH_AI_TEMPERATURE", &cfg.AI.Temperature); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "QUERYMESH_AI_TIMEOUT", &cfg.AI.Timeout); err != nil {
		return Config{}, err
	}
	if err := applyInt(lookup, "QUERYMESH_AI_MAX_RETRIES", &cfg.AI.MaxRetries); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "QUERYMESH_AI_RETRY_INTERVAL", &cfg.AI.RetryInterval); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "QUERYMESH_CACHE_BACKEND", &cfg.Cache.Backend); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "QUERYMESH_CACHE_REDIS_ADDR", &cfg.Cache.RedisAddr); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "QUERYMESH_CACHE_REDIS_PASSWORD", &cfg.Cache.RedisPassword); err != nil {
		return Config{}, err
	}
	if err := applyInt(lookup, "QUERYMESH_CACHE_REDIS_DB", &cfg.Cache.RedisDB); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "QUERYMESH_CACHE_QUERY_TTL", &cfg.Cache.QueryTTL); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "QUERYMESH_CACHE_RESULT_TTL", &cfg.Cache.ResultTTL); err != nil {
		return Config{}, err
	}
	if err := applyInt(lookup, "QUERYMESH_LIMITS_MAX_ROWS", &cfg.Limits.MaxRows); err != nil {
		return Config{}, err
	}
	if err := applyInt(lookup, "QUERYMESH_LIMITS_BATCH_SIZE", &cfg.Limits.BatchSize); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "QUERYMESH_LIMITS_QUERY_TIMEOUT", &cfg.Limits.QueryTimeout); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "QUERYMESH_LIMITS_CONNECT_TIMEOUT", &cfg.Limits.ConnectTimeout); err != nil {
		return Config{}, err
	}
	if err := applyInt(lookup, "QUERYMESH_LIMITS_MAX_OPEN_CONNS", &cfg.Limits.MaxOpenConns); err != nil {
		return Config{}, err
	}
	if err := applyInt(lookup, "QUERYMESH_LIMITS_MAX_IDLE_CONNS", &cfg.Limits.MaxIdleConns); err != nil {
		return Config{}, err
	}
	if err := applyFloat(lookup, "QUERYMESH_SESSION_MIN_CONFIDENCE", &cfg.Session.MinConfidence); err != nil {
		return Config{}, err
	}
	if err := applyBool(lookup, "QUERYMESH_LOG_JSON", &cfg.Observability.LogJSON); err != nil {
		return Config{}, err
	}
	if err := applyLogLevel(lookup, "QUERYMESH_LOG_LEVEL", &cfg.Observability.LogLevel); err != nil {
		return Config{}, err
	}
	if err := applyBool(lookup, "QUERYMESH_AUTH_REQUIRED", &cfg.Auth.Required); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "QUERYMESH_AUTH_STATIC_KEYS", &cfg.Auth.StaticKeys); err != nil {
		return Config{}, err
	}

	if cfg.Service.Name == "" {
		return Config{}, fmt.Errorf("service name is required")
	}
	if cfg.HTTP.Address == "" {
		return Config{}, fmt.Errorf("http address is required")
	}
	if cfg.Auth.Required && cfg.Auth.StaticKeys == "" {
		return Config{}, fmt.Errorf("auth requires QUERYMESH_AUTH_STATIC_KEYS")
	}
	if cfg.Cache.Backend != "memory" && cfg.Cache.Backend != "redis" {
		return Config{}, fmt.Errorf("invalid QUERYMESH_CACHE_BACKEND: %q", cfg.Cache.Backend)
	}
	if cfg.Cache.Backend == "redis" && cfg.Cache.RedisAddr == "" {
		return Config{}, fmt.Errorf("redis cache backend requires QUERYMESH_CACHE_REDIS_ADDR")
	}
	if cfg.AI.TranslateEnabled && cfg.AI.APIKey == "" {
		return Config{}, fmt.Errorf("translation requires QUERYMESH_AI_API_KEY")
	}
	if cfg.Session.MinConfidence < 0 || cfg.Session.MinConfidence > 1 {
		return Config{}, fmt.Errorf("invalid QUERYMESH_SESSION_MIN_CONFIDENCE: %v", cfg.Session.MinConfidence)
	}
	return cfg, nil
}

func defaultsForProfile(profile Profile) Config {
	cfg := Config{
		Profile: profile,
		Service: ServiceConfig{Name: "querymesh"},
		HTTP: HTTPConfig{
			Address:      ":8080",
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		AI: AIConfig{
			TranslateEnabled: false,
			BaseURL:          "https://api.openai.com",
			Model:            "gpt-5",
			Temperature:      0.1,
			Timeout:          15 * time.Second,
			MaxRetries:       3,
			RetryInterval:    200 * time.Millisecond,
		},
		Cache: CacheConfig{
			Backend:   "memory",
			QueryTTL:  10 * time.Minute,
			ResultTTL: 5 * time.Minute,
		},
		Limits: LimitsConfig{
			MaxRows:        10000,
			BatchSize:      500,
			QueryTimeout:   30 * time.Second,
			ConnectTimeout: 5 * time.Second,
			MaxOpenConns:   8,
			MaxIdleConns:   8,
		},
		Session: SessionConfig{
			MinConfidence: 0.3,
		},
		Observability: ObservabilityConfig{
			LogLevel: slog.LevelDebug,
			LogJSON:  true,
		},
	}

	switch profile {
	case ProfileTest:
		cfg.HTTP.Address = ":18080"
		cfg.Observability.LogLevel = slog.LevelWarn
		cfg.Cache.QueryTTL = time.Minute
		cfg.Cache.ResultTTL = time.Minute
	case ProfileProd:
		cfg.Observability.LogLevel = slog.LevelInfo
		cfg.Auth.Required = true
	}

	return cfg
}

func isValidProfile(profile Profile) bool {
	switch profile {
	case ProfileDev, ProfileTest, ProfileProd:
		return true
	default:
		return false
	}
}

func applyString(lookup LookupFunc, key string, dst *string) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	*dst = strings.TrimSpace(raw)
	return nil
}

func applyDuration(lookup LookupFunc, key string, dst *time.Duration) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyBool(lookup LookupFunc, key string, dst *bool) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyInt(lookup LookupFunc, key string, dst *int) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyFloat(lookup LookupFunc, key string, dst *float64) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyLogLevel(lookup LookupFunc, key string, dst *slog.Level) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	level := strings.ToLower(strings.TrimSpace(raw))
	switch level {
	case "debug":
		*dst = slog.LevelDebug
	case "info":
		*dst = slog.LevelInfo
	case "warn", "warning":
		*dst = slog.LevelWarn
	case "error":
		*dst = slog.LevelError
	default:
		return fmt.Errorf("invalid %s: %q", key, raw)
	}
	return nil
}
