package api

import (
	"context"
	"errors"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/querymesh/querymesh/internal/auth"
	"github.com/querymesh/querymesh/internal/cache"
	"github.com/querymesh/querymesh/internal/config"
	"github.com/querymesh/querymesh/internal/datasource"
	"github.com/querymesh/querymesh/internal/engine"
	"github.com/querymesh/querymesh/internal/schema"
)

type stubGenerator struct {
	calls  int
	result engine.GeneratedQuery
	err    error
	valid  engine.ValidationResult
}

func (g *stubGenerator) Generate(ctx context.Context, request string, sc schema.Context) (engine.GeneratedQuery, error) {
	g.calls++
	if g.err != nil {
		return engine.GeneratedQuery{}, g.err
	}
	q := g.result
	q.Fingerprint = engine.QueryFingerprint(datasource.SubtypeSQLite, request, sc.Version)
	q.SchemaVersion = sc.Version
	return q, nil
}

func (g *stubGenerator) Validate(q engine.GeneratedQuery) engine.ValidationResult { return g.valid }
func (g *stubGenerator) Explain(q engine.GeneratedQuery) string                   { return q.Explanation }
func (g *stubGenerator) Language() engine.QueryLanguage                           { return engine.LanguageSQL }

type stubExecutor struct {
	execCalls int
	result    engine.ExecutionResult
	err       error
	plan      engine.PlanDescription
	reachable bool
}

func (e *stubExecutor) Execute(ctx context.Context, q engine.GeneratedQuery, cfg datasource.ConnectionConfig) (engine.ExecutionResult, error) {
	e.execCalls++
	if e.err != nil {
		return engine.ExecutionResult{}, e.err
	}
	return e.result, nil
}

func (e *stubExecutor) ExecuteStreaming(ctx context.Context, q engine.GeneratedQuery, cfg datasource.ConnectionConfig) iter.Seq2[engine.Batch, error] {
	return func(yield func(engine.Batch, error) bool) {}
}

func (e *stubExecutor) ExplainPlan(ctx context.Context, q engine.GeneratedQuery, cfg datasource.ConnectionConfig) (engine.PlanDescription, error) {
	return e.plan, nil
}

func (e *stubExecutor) TestConnection(ctx context.Context, cfg datasource.ConnectionConfig) bool {
	return e.reachable
}

func (e *stubExecutor) Close() error                   { return nil }
func (e *stubExecutor) Language() engine.QueryLanguage { return engine.LanguageSQL }

type stubProvider struct {
	gen  *stubGenerator
	exec *stubExecutor
}

func (p *stubProvider) ForSubtype(subtype datasource.Subtype) (engine.Generator, engine.Executor, error) {
	return p.gen, p.exec, nil
}

func (p *stubProvider) Session(subtype datasource.Subtype, caches engine.Caches, opts engine.SessionOptions) (*engine.Session, error) {
	return engine.NewSession(p.gen, p.exec, caches, opts)
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("querymesh", func(key string) (string, bool) {
		if key == "QUERYMESH_PROFILE" {
			return "test", true
		}
		return "", false
	})
	if err != nil {
		t.Fatalf("config.Load() error = %v", err)
	}
	return cfg
}

func testDeps(provider *stubProvider) Dependencies {
	return Dependencies{
		Logger:        slog.New(slog.NewJSONHandler(io.Discard, nil)),
		Engines:       provider,
		Caches:        engine.NewCaches(cache.NewMemoryStore(), time.Minute, time.Minute),
		MinConfidence: 0.3,
	}
}

func selectProvider() *stubProvider {
	return &stubProvider{
		gen: &stubGenerator{
			result: engine.GeneratedQuery{
				Query:      "SELECT name FROM customers LIMIT 10",
				Language:   engine.LanguageSQL,
				Kind:       engine.KindSelect,
				Confidence: 0.9,
			},
			valid: engine.ValidationResult{Valid: true},
		},
		exec: &stubExecutor{
			result: engine.ExecutionResult{
				ExecutionID: "exec-1",
				Status:      engine.StatusSucceeded,
				Columns:     []engine.Column{{Name: "name", Type: "string"}},
				Rows:        [][]any{{"ada"}},
				RowCount:    1,
			},
			reachable: true,
		},
	}
}

func TestHealthEndpoint(t *testing.T) {
	handler := NewHandler(testConfig(t), testDeps(selectProvider()))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/health", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"service":"querymesh"`) {
		t.Fatalf("body = %s", rr.Body.String())
	}
}

func TestReadyWithoutChecks(t *testing.T) {
	handler := NewHandler(testConfig(t), testDeps(selectProvider()))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/ready", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestReadyReportsFailingCheck(t *testing.T) {
	deps := testDeps(selectProvider())
	deps.Readiness = CombineReadinessChecks(
		nil,
		func(ctx context.Context) error { return errors.New("cache unreachable") },
	)
	handler := NewHandler(testConfig(t), deps)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/ready", nil))

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "NOT_READY") {
		t.Fatalf("body = %s", rr.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	handler := NewHandler(testConfig(t), testDeps(selectProvider()))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/metrics", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestCheckCacheStore(t *testing.T) {
	check := CheckCacheStore(cache.NewMemoryStore())
	if err := check(context.Background()); err != nil {
		t.Fatalf("CheckCacheStore() error = %v", err)
	}
}

func TestProtectedRouteRequiresAuth(t *testing.T) {
	cfg := testConfig(t)
	cfg.Auth.Required = true
	validator, err := auth.NewStaticAPIKeyValidator("k1:t1:query_reader")
	if err != nil {
		t.Fatalf("validator setup: %v", err)
	}
	deps := testDeps(selectProvider())
	deps.AuthMiddleware = auth.Middleware(deps.Logger, validator)
	handler := NewHandler(cfg, deps)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/subtypes", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status without key = %d", rr.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/subtypes", nil)
	req.Header.Set("X-API-Key", "k1")
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status with key = %d", rr.Code)
	}

	// health stays open
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/health", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("health status = %d", rr.Code)
	}
}

func TestAuthRequiredWithoutMiddleware(t *testing.T) {
	cfg := testConfig(t)
	cfg.Auth.Required = true
	handler := NewHandler(cfg, testDeps(selectProvider()))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/subtypes", nil))

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "AUTH_MIDDLEWARE_MISSING") {
		t.Fatalf("body = %s", rr.Body.String())
	}
}

func TestResponsesCarryTraceID(t *testing.T) {
	handler := NewHandler(testConfig(t), testDeps(selectProvider()))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/nope", nil))

	if rr.Header().Get("X-Trace-ID") == "" {
		t.Fatal("expected X-Trace-ID header")
	}
}
