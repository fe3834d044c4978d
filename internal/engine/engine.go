// Package engine holds the query engine core: the Generator and Executor
// contracts every backend family implements, the factory that pairs them,
// and the session that drives generation, caching, and execution.
package engine

import (
	"context"
	"iter"

	"github.com/querymesh/querymesh/internal/datasource"
	"github.com/querymesh/querymesh/internal/schema"
)

// Generator converts a natural-language request plus schema context into a
// backend-native query. Implementations are safe for concurrent use.
type Generator interface {
	// Generate grounds the request in the schema and produces a query.
	// Fails with a generation-kind error when nothing in the request
	// resolves to the schema or the translation provider fails after
	// bounded retries.
	Generate(ctx context.Context, request string, sc schema.Context) (GeneratedQuery, error)

	// Validate performs a backend-specific syntax/shape check. It never
	// touches a live connection.
	Validate(q GeneratedQuery) ValidationResult

	// Explain renders a deterministic, side-effect-free rationale for the
	// query. It never calls the translation provider.
	Explain(q GeneratedQuery) string

	// Language is the static capability tag the factory matches against
	// executors.
	Language() QueryLanguage
}

// Executor runs generated queries against a live backend. Implementations
// pool connections internally, bounded by Limits, and are safe for
// concurrent use. Close is idempotent.
type Executor interface {
	// Execute runs the query and materializes rows up to the configured
	// cap; overflow is flagged via Truncated, never dropped silently.
	// Mutation-kind queries are never retried after a failure.
	Execute(ctx context.Context, q GeneratedQuery, cfg datasource.ConnectionConfig) (ExecutionResult, error)

	// ExecuteStreaming returns a lazy, finite, ordered sequence of row
	// batches. Each call opens its own cursor: the sequence is restartable
	// per call, and a consumer stopping early does not affect subsequent
	// independent calls.
	ExecuteStreaming(ctx context.Context, q GeneratedQuery, cfg datasource.ConnectionConfig) iter.Seq2[Batch, error]

	// ExplainPlan asks the backend for its native plan without running the
	// query. Backends without plan support return Supported=false.
	ExplainPlan(ctx context.Context, q GeneratedQuery, cfg datasource.ConnectionConfig) (PlanDescription, error)

	// TestConnection is a lightweight reachability probe with its own
	// short timeout, independent of the query budget.
	TestConnection(ctx context.Context, cfg datasource.ConnectionConfig) bool

	// Close releases pooled connections. Safe to call multiple times.
	Close() error

	Language() QueryLanguage
}
