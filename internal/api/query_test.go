package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/querymesh/querymesh/internal/auth"
	"github.com/querymesh/querymesh/internal/engine"
)

const askBody = `{
	"subtype": "sqlite",
	"request": "top 10 customers by revenue",
	"schema": {
		"version": 1,
		"entities": [
			{"name": "customers", "kind": "table", "fields": [
				{"name": "id", "type": "integer", "role": "primary_key"},
				{"name": "name", "type": "text"},
				{"name": "revenue", "type": "real"}
			]}
		]
	},
	"connection": {"database": "/tmp/sales.db"}
}`

func postJSON(t *testing.T, handler http.Handler, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func decodeAskResponse(t *testing.T, rr *httptest.ResponseRecorder) askResponse {
	t.Helper()
	var response askResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return response
}

func TestTranslateReturnsQueryWithoutExecuting(t *testing.T) {
	provider := selectProvider()
	handler := NewHandler(testConfig(t), testDeps(provider))

	rr := postJSON(t, handler, "/v1/query/translate", askBody, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	response := decodeAskResponse(t, rr)
	if response.Query.Query != "SELECT name FROM customers LIMIT 10" {
		t.Fatalf("Query = %q", response.Query.Query)
	}
	if response.Executed || response.Result != nil {
		t.Fatal("translate must not execute")
	}
	if provider.exec.execCalls != 0 {
		t.Fatalf("executor calls = %d", provider.exec.execCalls)
	}
}

func TestTranslateNeedsNoConnection(t *testing.T) {
	provider := selectProvider()
	handler := NewHandler(testConfig(t), testDeps(provider))

	body := strings.Replace(askBody, `"connection": {"database": "/tmp/sales.db"}`, `"connection": {}`, 1)
	rr := postJSON(t, handler, "/v1/query/translate", body, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	if response := decodeAskResponse(t, rr); response.Executed {
		t.Fatal("translate must not execute")
	}
}

func TestAskExecutesAndReturnsRows(t *testing.T) {
	provider := selectProvider()
	handler := NewHandler(testConfig(t), testDeps(provider))

	rr := postJSON(t, handler, "/v1/query/ask", askBody, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	response := decodeAskResponse(t, rr)
	if !response.Executed || response.Result == nil {
		t.Fatal("expected executed result")
	}
	if response.Result.RowCount != 1 {
		t.Fatalf("RowCount = %d", response.Result.RowCount)
	}
	// preview plus execution share one generation via the query cache
	if provider.gen.calls != 1 {
		t.Fatalf("generator calls = %d, want 1", provider.gen.calls)
	}
	if provider.exec.execCalls != 1 {
		t.Fatalf("executor calls = %d, want 1", provider.exec.execCalls)
	}
}

func TestAskBelowThresholdReturnsAccepted(t *testing.T) {
	provider := selectProvider()
	provider.gen.result.Confidence = 0.1
	handler := NewHandler(testConfig(t), testDeps(provider))

	rr := postJSON(t, handler, "/v1/query/ask", askBody, nil)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	response := decodeAskResponse(t, rr)
	if response.Executed {
		t.Fatal("low-confidence query must not execute")
	}
	if provider.exec.execCalls != 0 {
		t.Fatalf("executor calls = %d", provider.exec.execCalls)
	}
}

func TestAskHonorsRequestThreshold(t *testing.T) {
	provider := selectProvider()
	provider.gen.result.Confidence = 0.1
	handler := NewHandler(testConfig(t), testDeps(provider))

	body := strings.Replace(askBody, `"subtype"`, `"min_confidence": 0.05, "subtype"`, 1)
	rr := postJSON(t, handler, "/v1/query/ask", body, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	if response := decodeAskResponse(t, rr); !response.Executed {
		t.Fatal("expected execution under the lowered threshold")
	}
}

func TestAskMutationRequiresWriterRole(t *testing.T) {
	cfg := testConfig(t)
	cfg.Auth.Required = true
	validator, err := auth.NewStaticAPIKeyValidator("reader:t1:query_reader,writer:t1:query_reader|query_writer")
	if err != nil {
		t.Fatalf("validator setup: %v", err)
	}

	provider := selectProvider()
	provider.gen.result.Kind = engine.KindMutation
	provider.gen.result.Query = "DELETE FROM customers WHERE id = 7"
	deps := testDeps(provider)
	deps.AuthMiddleware = auth.Middleware(deps.Logger, validator)
	handler := NewHandler(cfg, deps)

	rr := postJSON(t, handler, "/v1/query/ask", askBody, map[string]string{"X-API-Key": "reader"})
	if rr.Code != http.StatusForbidden {
		t.Fatalf("reader status = %d, body = %s", rr.Code, rr.Body.String())
	}
	if provider.exec.execCalls != 0 {
		t.Fatalf("executor calls after forbidden ask = %d", provider.exec.execCalls)
	}

	rr = postJSON(t, handler, "/v1/query/ask", askBody, map[string]string{"X-API-Key": "writer"})
	if rr.Code != http.StatusOK {
		t.Fatalf("writer status = %d, body = %s", rr.Code, rr.Body.String())
	}
	if provider.exec.execCalls != 1 {
		t.Fatalf("executor calls = %d", provider.exec.execCalls)
	}
}

func TestAskRejectsBadRequests(t *testing.T) {
	cases := []struct {
		name string
		body string
		code string
	}{
		{"invalid json", `{"subtype":`, "INVALID_JSON"},
		{"unknown field", `{"subtype": "sqlite", "sql": "SELECT 1"}`, "INVALID_JSON"},
		{"missing request", `{"subtype": "sqlite", "schema": {"version": 1, "entities": [{"name": "c"}]}, "connection": {"database": "/tmp/x.db"}}`, "REQUEST_REQUIRED"},
		{"missing schema", `{"subtype": "sqlite", "request": "count customers", "connection": {"database": "/tmp/x.db"}}`, "SCHEMA_REQUIRED"},
		{"unknown subtype", strings.Replace(askBody, "sqlite", "cassandra", 1), "UNKNOWN_SUBTYPE"},
		{"missing database", strings.Replace(askBody, `{"database": "/tmp/sales.db"}`, `{}`, 1), "INVALID_CONNECTION"},
		{"confidence out of range", strings.Replace(askBody, `"subtype"`, `"min_confidence": 1.5, "subtype"`, 1), "INVALID_CONFIDENCE"},
	}

	handler := NewHandler(testConfig(t), testDeps(selectProvider()))
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := postJSON(t, handler, "/v1/query/ask", tc.body, nil)
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
			}
			if !strings.Contains(rr.Body.String(), tc.code) {
				t.Fatalf("body = %s, want code %s", rr.Body.String(), tc.code)
			}
		})
	}
}

func TestAskMapsGenerationError(t *testing.T) {
	provider := selectProvider()
	provider.gen.err = engine.GenerationError("sqlite", "nothing in the request matches the schema", nil)
	handler := NewHandler(testConfig(t), testDeps(provider))

	rr := postJSON(t, handler, "/v1/query/ask", askBody, nil)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), "GENERATION_FAILED") {
		t.Fatalf("body = %s", rr.Body.String())
	}
}

func TestAskMapsTimeoutError(t *testing.T) {
	provider := selectProvider()
	provider.exec.err = engine.TimeoutError("sqlite", "abc123", nil)
	handler := NewHandler(testConfig(t), testDeps(provider))

	rr := postJSON(t, handler, "/v1/query/ask", askBody, nil)
	if rr.Code != http.StatusGatewayTimeout {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), "abc123") {
		t.Fatalf("expected fingerprint in body, got %s", rr.Body.String())
	}
}

func TestPlanEndpoint(t *testing.T) {
	provider := selectProvider()
	provider.exec.plan = engine.PlanDescription{Supported: true, Backend: "sqlite", Format: "text", Plan: "SCAN customers"}
	handler := NewHandler(testConfig(t), testDeps(provider))

	rr := postJSON(t, handler, "/v1/query/plan", askBody, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	var response planResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !response.Plan.Supported || response.Plan.Plan != "SCAN customers" {
		t.Fatalf("Plan = %+v", response.Plan)
	}
	if provider.exec.execCalls != 0 {
		t.Fatalf("plan must not execute, executor calls = %d", provider.exec.execCalls)
	}
}

func TestSubtypesEndpoint(t *testing.T) {
	handler := NewHandler(testConfig(t), testDeps(selectProvider()))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/subtypes", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	for _, subtype := range []string{"postgres", "mongodb", "neo4j"} {
		if !strings.Contains(rr.Body.String(), subtype) {
			t.Fatalf("body missing %q: %s", subtype, rr.Body.String())
		}
	}
}

func TestConnectionTestEndpoint(t *testing.T) {
	provider := selectProvider()
	provider.exec.reachable = false
	handler := NewHandler(testConfig(t), testDeps(provider))

	body := `{"subtype": "sqlite", "connection": {"database": "/tmp/missing.db"}}`
	rr := postJSON(t, handler, "/v1/connection/test", body, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), `"reachable":false`) {
		t.Fatalf("body = %s", rr.Body.String())
	}
}

func TestCacheInvalidateEndpoint(t *testing.T) {
	handler := NewHandler(testConfig(t), testDeps(selectProvider()))

	rr := postJSON(t, handler, "/v1/cache/invalidate", `{"schema_version": 2}`, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}

	rr = postJSON(t, handler, "/v1/cache/invalidate", `{"schema_version": 0}`, nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
}
