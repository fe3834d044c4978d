package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/querymesh/querymesh/internal/api"
	"github.com/querymesh/querymesh/internal/auth"
	"github.com/querymesh/querymesh/internal/cache"
	"github.com/querymesh/querymesh/internal/config"
	"github.com/querymesh/querymesh/internal/engine"
	"github.com/querymesh/querymesh/internal/engine/factory"
	"github.com/querymesh/querymesh/internal/observability"
	"github.com/querymesh/querymesh/internal/translate"
)

func main() {
	cfg, err := config.LoadFromEnv("querymesh-api")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.NewLogger(observability.LoggerOptions{
		ServiceName: cfg.Service.Name,
		Level:       cfg.Observability.LogLevel,
		JSON:        cfg.Observability.LogJSON,
	}, os.Stdout)

	var translator translate.Translator
	if cfg.AI.TranslateEnabled {
		openai, err := translate.NewOpenAITranslator(translate.OpenAIConfig{
			BaseURL:     cfg.AI.BaseURL,
			APIKey:      cfg.AI.APIKey,
			Model:       cfg.AI.Model,
			Temperature: cfg.AI.Temperature,
			Timeout:     cfg.AI.Timeout,
		})
		if err != nil {
			logger.Error("failed to initialize translator", slog.Any("error", err))
			os.Exit(1)
		}
		translator = translate.WithRetry(openai, translate.RetryConfig{
			MaxAttempts:     cfg.AI.MaxRetries,
			InitialInterval: cfg.AI.RetryInterval,
		})
	}

	var store cache.Store
	if cfg.Cache.Backend == "redis" {
		store, err = cache.NewRedisStore(cache.RedisConfig{
			Addr:     cfg.Cache.RedisAddr,
			Password: cfg.Cache.RedisPassword,
			DB:       cfg.Cache.RedisDB,
		})
		if err != nil {
			logger.Error("failed to initialize redis cache", slog.Any("error", err))
			os.Exit(1)
		}
	} else {
		store = cache.NewMemoryStore()
	}

	engines := factory.New(factory.Options{
		Translator: translator,
		Logger:     logger,
		Limits: engine.Limits{
			MaxRows:        cfg.Limits.MaxRows,
			BatchSize:      cfg.Limits.BatchSize,
			QueryTimeout:   cfg.Limits.QueryTimeout,
			ConnectTimeout: cfg.Limits.ConnectTimeout,
			MaxOpenConns:   cfg.Limits.MaxOpenConns,
			MaxIdleConns:   cfg.Limits.MaxIdleConns,
		},
	})
	defer func() { _ = engines.Close() }()

	deps := api.Dependencies{
		Logger:            logger,
		Engines:           engines,
		Caches:            engine.NewCaches(store, cfg.Cache.QueryTTL, cfg.Cache.ResultTTL),
		MinConfidence:     cfg.Session.MinConfidence,
		Readiness:         api.CheckCacheStore(store),
		DependencyTimeout: time.Second,
	}
	if cfg.Auth.Required {
		validator, err := auth.NewStaticAPIKeyValidator(cfg.Auth.StaticKeys)
		if err != nil {
			logger.Error("failed to parse static auth keys", slog.Any("error", err))
			os.Exit(1)
		}
		deps.AuthMiddleware = auth.Middleware(logger, validator)
	}

	handler := api.NewHandler(cfg, deps)
	server := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("starting api server", slog.String("addr", cfg.HTTP.Address))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down api server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
		_ = server.Close()
		os.Exit(1)
	}
}
