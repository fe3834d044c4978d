package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/querymesh/querymesh/internal/cache"
	"github.com/querymesh/querymesh/internal/config"
	"github.com/querymesh/querymesh/internal/datasource"
	"github.com/querymesh/querymesh/internal/engine"
	"github.com/querymesh/querymesh/internal/observability"
)

type ReadinessCheck func(ctx context.Context) error

// EngineProvider resolves generator/executor pairs and sessions per
// datasource subtype. The factory package provides the production
// implementation.
type EngineProvider interface {
	ForSubtype(subtype datasource.Subtype) (engine.Generator, engine.Executor, error)
	Session(subtype datasource.Subtype, caches engine.Caches, opts engine.SessionOptions) (*engine.Session, error)
}

type Dependencies struct {
	Logger            *slog.Logger
	Readiness         ReadinessCheck
	AuthMiddleware    func(http.Handler) http.Handler
	DependencyTimeout time.Duration
	Engines           EngineProvider
	Caches            engine.Caches
	MinConfidence     float64
}

func NewHandler(cfg config.Config, deps Dependencies) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "service": cfg.Service.Name})
	})

	mux.HandleFunc("GET /v1/ready", func(w http.ResponseWriter, r *http.Request) {
		if deps.Readiness == nil {
			writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
			return
		}
		timeout := deps.DependencyTimeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		if err := deps.Readiness(ctx); err != nil {
			writeError(r.Context(), w, http.StatusServiceUnavailable, "NOT_READY", err.Error(), true, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
	})

	mux.Handle("GET /v1/metrics", promhttp.Handler())

	protected := http.NewServeMux()
	protected.HandleFunc("GET /v1/subtypes", func(w http.ResponseWriter, r *http.Request) {
		handleSubtypes(deps, w, r)
	})
	protected.HandleFunc("POST /v1/query/translate", func(w http.ResponseWriter, r *http.Request) {
		handleTranslate(deps, w, r)
	})
	protected.HandleFunc("POST /v1/query/ask", func(w http.ResponseWriter, r *http.Request) {
		handleAsk(deps, w, r)
	})
	protected.HandleFunc("POST /v1/query/plan", func(w http.ResponseWriter, r *http.Request) {
		handlePlan(deps, w, r)
	})
	protected.HandleFunc("POST /v1/connection/test", func(w http.ResponseWriter, r *http.Request) {
		handleTestConnection(deps, w, r)
	})
	protected.HandleFunc("POST /v1/cache/invalidate", func(w http.ResponseWriter, r *http.Request) {
		handleCacheInvalidate(deps, w, r)
	})

	var protectedHandler http.Handler = protected
	if cfg.Auth.Required {
		if deps.AuthMiddleware == nil {
			if deps.Logger != nil {
				deps.Logger.Error("auth required but auth middleware missing")
			}
			protectedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeError(r.Context(), w, http.StatusInternalServerError, "AUTH_MIDDLEWARE_MISSING", "auth middleware is required by configuration", false, nil)
			})
		} else {
			protectedHandler = deps.AuthMiddleware(protectedHandler)
		}
	}
	mux.Handle("GET /v1/subtypes", protectedHandler)
	mux.Handle("POST /v1/query/translate", protectedHandler)
	mux.Handle("POST /v1/query/ask", protectedHandler)
	mux.Handle("POST /v1/query/plan", protectedHandler)
	mux.Handle("POST /v1/connection/test", protectedHandler)
	mux.Handle("POST /v1/cache/invalidate", protectedHandler)

	middlewares := []func(http.Handler) http.Handler{
		observability.TraceMiddleware,
		observability.MetricsMiddleware,
	}
	if deps.Logger != nil {
		middlewares = append(middlewares, observability.LoggingMiddleware(deps.Logger))
	}
	return chain(mux, middlewares...)
}

// CheckCacheStore probes the cache backend with a read of a sentinel key.
func CheckCacheStore(store cache.Store) ReadinessCheck {
	return func(ctx context.Context) error {
		if store == nil {
			return nil
		}
		_, _, err := store.Get(ctx, "readiness-probe")
		return err
	}
}

func CombineReadinessChecks(checks ...ReadinessCheck) ReadinessCheck {
	filtered := make([]ReadinessCheck, 0, len(checks))
	for _, check := range checks {
		if check != nil {
			filtered = append(filtered, check)
		}
	}
	return func(ctx context.Context) error {
		for _, check := range filtered {
			if err := check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

func chain(base http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	wrapped := base
	for i := len(middlewares) - 1; i >= 0; i-- {
		wrapped = middlewares[i](wrapped)
	}
	return wrapped
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(ctx context.Context, w http.ResponseWriter, status int, code, message string, retryable bool, extra map[string]any) {
	writeJSON(w, status, map[string]any{
		"error_code": code,
		"message":    message,
		"retryable":  retryable,
		"context":    extra,
		"trace_id":   observability.TraceIDFromContext(ctx),
	})
}
