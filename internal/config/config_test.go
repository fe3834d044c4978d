package config

import (
	"log/slog"
	"testing"
	"time"
)

func TestLoadDefaultsForDevProfile(t *testing.T) {
	lookup := mapLookup(map[string]string{})
	cfg, err := Load("querymesh", lookup)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Profile != ProfileDev {
		t.Fatalf("Profile = %q, want %q", cfg.Profile, ProfileDev)
	}
	if cfg.Service.Name != "querymesh" {
		t.Fatalf("Service.Name = %q", cfg.Service.Name)
	}
	if cfg.Observability.LogLevel != slog.LevelDebug {
		t.Fatalf("LogLevel = %v", cfg.Observability.LogLevel)
	}
	if cfg.HTTP.Address != ":8080" {
		t.Fatalf("HTTP.Address = %q", cfg.HTTP.Address)
	}
	if cfg.HTTP.ReadTimeout != 5*time.Second || cfg.HTTP.WriteTimeout != 30*time.Second || cfg.HTTP.IdleTimeout != 60*time.Second {
		t.Fatalf("HTTP timeouts = %v/%v/%v", cfg.HTTP.ReadTimeout, cfg.HTTP.WriteTimeout, cfg.HTTP.IdleTimeout)
	}
	if cfg.Auth.Required {
		t.Fatal("Auth.Required should default to false")
	}
	if cfg.AI.TranslateEnabled {
		t.Fatal("AI.TranslateEnabled should default to false")
	}
	if cfg.AI.Model != "gpt-5" {
		t.Fatalf("AI.Model = %q", cfg.AI.Model)
	}
	if cfg.AI.MaxRetries != 3 {
		t.Fatalf("AI.MaxRetries = %d", cfg.AI.MaxRetries)
	}
	if cfg.Cache.Backend != "memory" {
		t.Fatalf("Cache.Backend = %q", cfg.Cache.Backend)
	}
	if cfg.Cache.QueryTTL != 10*time.Minute {
		t.Fatalf("Cache.QueryTTL = %v", cfg.Cache.QueryTTL)
	}
	if cfg.Limits.MaxRows != 10000 {
		t.Fatalf("Limits.MaxRows = %d", cfg.Limits.MaxRows)
	}
	if cfg.Limits.BatchSize != 500 {
		t.Fatalf("Limits.BatchSize = %d", cfg.Limits.BatchSize)
	}
	if cfg.Limits.QueryTimeout != 30*time.Second {
		t.Fatalf("Limits.QueryTimeout = %v", cfg.Limits.QueryTimeout)
	}
	if cfg.Session.MinConfidence != 0.3 {
		t.Fatalf("Session.MinConfidence = %v", cfg.Session.MinConfidence)
	}
}

func TestLoadProdProfileDefaults(t *testing.T) {
	lookup := mapLookup(map[string]string{
		"QUERYMESH_PROFILE":          "prod",
		"QUERYMESH_AUTH_STATIC_KEYS": "key-1:acme:query_reader",
	})
	cfg, err := Load("querymesh", lookup)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Profile != ProfileProd {
		t.Fatalf("Profile = %q, want %q", cfg.Profile, ProfileProd)
	}
	if cfg.Observability.LogLevel != slog.LevelInfo {
		t.Fatalf("LogLevel = %v", cfg.Observability.LogLevel)
	}
	if !cfg.Auth.Required {
		t.Fatal("prod profile should require auth")
	}
}

func TestLoadTestProfileTightensTTLs(t *testing.T) {
	lookup := mapLookup(map[string]string{"QUERYMESH_PROFILE": "test"})
	cfg, err := Load("querymesh", lookup)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Cache.QueryTTL != time.Minute || cfg.Cache.ResultTTL != time.Minute {
		t.Fatalf("test profile TTLs = %v/%v", cfg.Cache.QueryTTL, cfg.Cache.ResultTTL)
	}
	if cfg.HTTP.Address != ":18080" {
		t.Fatalf("HTTP.Address = %q", cfg.HTTP.Address)
	}
	if cfg.Observability.LogLevel != slog.LevelWarn {
		t.Fatalf("LogLevel = %v", cfg.Observability.LogLevel)
	}
}

func TestLoadWithEnvOverrides(t *testing.T) {
	lookup := mapLookup(map[string]string{
		"QUERYMESH_PROFILE":                "test",
		"QUERYMESH_SERVICE_NAME":           "querymesh-custom",
		"QUERYMESH_HTTP_ADDR":              ":9090",
		"QUERYMESH_HTTP_READ_TIMEOUT":      "10s",
		"QUERYMESH_HTTP_WRITE_TIMEOUT":     "45s",
		"QUERYMESH_HTTP_IDLE_TIMEOUT":      "2m",
		"QUERYMESH_AUTH_REQUIRED":          "true",
		"QUERYMESH_AUTH_STATIC_KEYS":       "key-1:acme:query_reader|query_writer",
		"QUERYMESH_LOG_LEVEL":              "error",
		"QUERYMESH_LOG_JSON":               "false",
		"QUERYMESH_AI_TRANSLATE_ENABLED":   "true",
		"QUERYMESH_AI_BASE_URL":            "https://api.example.com",
		"QUERYMESH_AI_API_KEY":             "secret-key",
		"QUERYMESH_AI_MODEL":               "gpt-5.2",
		"QUERYMESH_AI_TEMPERATURE":         "0.3",
		"QUERYMESH_AI_TIMEOUT":             "21s",
		"QUERYMESH_AI_MAX_RETRIES":         "5",
		"QUERYMESH_AI_RETRY_INTERVAL":      "400ms",
		"QUERYMESH_CACHE_BACKEND":          "redis",
		"QUERYMESH_CACHE_REDIS_ADDR":       "cache.internal:6379",
		"QUERYMESH_CACHE_REDIS_PASSWORD":   "hunter2",
		"QUERYMESH_CACHE_REDIS_DB":         "2",
		"QUERYMESH_CACHE_QUERY_TTL":        "3m",
		"QUERYMESH_CACHE_RESULT_TTL":       "90s",
		"QUERYMESH_LIMITS_MAX_ROWS":        "500",
		"QUERYMESH_LIMITS_BATCH_SIZE":      "50",
		"QUERYMESH_LIMITS_QUERY_TIMEOUT":   "12s",
		"QUERYMESH_LIMITS_CONNECT_TIMEOUT": "2s",
		"QUERYMESH_LIMITS_MAX_OPEN_CONNS":  "4",
		"QUERYMESH_LIMITS_MAX_IDLE_CONNS":  "2",
		"QUERYMESH_SESSION_MIN_CONFIDENCE": "0.6",
	})
	cfg, err := Load("querymesh", lookup)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Service.Name != "querymesh-custom" {
		t.Fatalf("Service.Name = %q", cfg.Service.Name)
	}
	if cfg.Observability.LogLevel != slog.LevelError {
		t.Fatalf("LogLevel = %v", cfg.Observability.LogLevel)
	}
	if cfg.Observability.LogJSON {
		t.Fatal("LogJSON should be overridden to false")
	}
	if !cfg.AI.TranslateEnabled || cfg.AI.APIKey != "secret-key" {
		t.Fatalf("AI = %+v", cfg.AI)
	}
	if cfg.AI.Timeout != 21*time.Second || cfg.AI.Temperature != 0.3 {
		t.Fatalf("AI.Timeout = %v, AI.Temperature = %v", cfg.AI.Timeout, cfg.AI.Temperature)
	}
	if cfg.AI.MaxRetries != 5 || cfg.AI.RetryInterval != 400*time.Millisecond {
		t.Fatalf("AI retries = %d/%v", cfg.AI.MaxRetries, cfg.AI.RetryInterval)
	}
	if cfg.Cache.Backend != "redis" || cfg.Cache.RedisAddr != "cache.internal:6379" || cfg.Cache.RedisDB != 2 {
		t.Fatalf("Cache = %+v", cfg.Cache)
	}
	if cfg.Cache.QueryTTL != 3*time.Minute || cfg.Cache.ResultTTL != 90*time.Second {
		t.Fatalf("Cache TTLs = %v/%v", cfg.Cache.QueryTTL, cfg.Cache.ResultTTL)
	}
	if cfg.Limits.MaxRows != 500 || cfg.Limits.BatchSize != 50 {
		t.Fatalf("Limits = %+v", cfg.Limits)
	}
	if cfg.Limits.QueryTimeout != 12*time.Second || cfg.Limits.ConnectTimeout != 2*time.Second {
		t.Fatalf("Limits timeouts = %v/%v", cfg.Limits.QueryTimeout, cfg.Limits.ConnectTimeout)
	}
	if cfg.Session.MinConfidence != 0.6 {
		t.Fatalf("Session.MinConfidence = %v", cfg.Session.MinConfidence)
	}
	if cfg.HTTP.Address != ":9090" || cfg.HTTP.ReadTimeout != 10*time.Second {
		t.Fatalf("HTTP = %+v", cfg.HTTP)
	}
	if cfg.HTTP.WriteTimeout != 45*time.Second || cfg.HTTP.IdleTimeout != 2*time.Minute {
		t.Fatalf("HTTP timeouts = %v/%v", cfg.HTTP.WriteTimeout, cfg.HTTP.IdleTimeout)
	}
	if !cfg.Auth.Required || cfg.Auth.StaticKeys != "key-1:acme:query_reader|query_writer" {
		t.Fatalf("Auth = %+v", cfg.Auth)
	}
}

func TestLoadRejectsInvalidProfile(t *testing.T) {
	lookup := mapLookup(map[string]string{"QUERYMESH_PROFILE": "staging"})
	if _, err := Load("querymesh", lookup); err == nil {
		t.Fatal("Load() accepted an invalid profile")
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
	}{
		{"bad duration", map[string]string{"QUERYMESH_CACHE_QUERY_TTL": "soon"}},
		{"bad int", map[string]string{"QUERYMESH_LIMITS_MAX_ROWS": "many"}},
		{"bad bool", map[string]string{"QUERYMESH_LOG_JSON": "maybe"}},
		{"bad float", map[string]string{"QUERYMESH_SESSION_MIN_CONFIDENCE": "high"}},
		{"bad log level", map[string]string{"QUERYMESH_LOG_LEVEL": "loud"}},
		{"bad cache backend", map[string]string{"QUERYMESH_CACHE_BACKEND": "memcached"}},
		{"confidence out of range", map[string]string{"QUERYMESH_SESSION_MIN_CONFIDENCE": "1.5"}},
		{"redis without addr", map[string]string{"QUERYMESH_CACHE_BACKEND": "redis"}},
		{"translate without key", map[string]string{"QUERYMESH_AI_TRANSLATE_ENABLED": "true"}},
		{"empty http address", map[string]string{"QUERYMESH_HTTP_ADDR": ""}},
		{"auth without keys", map[string]string{"QUERYMESH_AUTH_REQUIRED": "true"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Load("querymesh", mapLookup(tc.env)); err == nil {
				t.Fatal("Load() accepted an invalid value")
			}
		})
	}
}

func mapLookup(values map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		value, ok := values[key]
		return value, ok
	}
}
