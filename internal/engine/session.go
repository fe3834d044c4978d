package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/querymesh/querymesh/internal/cache"
	"github.com/querymesh/querymesh/internal/datasource"
	"github.com/querymesh/querymesh/internal/observability"
	"github.com/querymesh/querymesh/internal/schema"
)

// Caches groups the two cache namespaces the engine uses.
type Caches struct {
	Queries *cache.Namespace[GeneratedQuery]
	Results *cache.Namespace[ExecutionResult]
}

// NewCaches builds both namespaces over one backing store.
func NewCaches(store cache.Store, queryTTL, resultTTL time.Duration) Caches {
	return Caches{
		Queries: cache.NewNamespace[GeneratedQuery]("q", store, queryTTL),
		Results: cache.NewNamespace[ExecutionResult]("r", store, resultTTL),
	}
}

// Invalidate drops entries from both namespaces tagged with a schema
// version older than version.
func (c Caches) Invalidate(version int64) {
	if c.Queries != nil {
		c.Queries.Invalidate(version)
	}
	if c.Results != nil {
		c.Results.Invalidate(version)
	}
}

type SessionOptions struct {
	// MinConfidence is the caller's execution threshold. A generated query
	// scoring below it is returned without execution; the caller decides
	// whether to confirm, regenerate, or proceed via a second Ask with a
	// lower threshold.
	MinConfidence float64
	Logger        *slog.Logger
}

// Session drives one datasource's generator and executor through the
// cache: generated-query lookup, generation, confidence gate,
// execution-result lookup, execution, population. Sessions hold no
// per-request mutable state and are safe for concurrent use.
type Session struct {
	generator Generator
	executor  Executor
	caches    Caches
	opts      SessionOptions
}

func NewSession(generator Generator, executor Executor, caches Caches, opts SessionOptions) (*Session, error) {
	if generator == nil || executor == nil {
		return nil, fmt.Errorf("generator and executor are required")
	}
	if generator.Language() != executor.Language() {
		return nil, fmt.Errorf("%w: generator emits %q, executor runs %q",
			ErrLanguageMismatch, generator.Language(), executor.Language())
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Session{generator: generator, executor: executor, caches: caches, opts: opts}, nil
}

type AskInput struct {
	Request string
	Schema  schema.Context
	Conn    datasource.ConnectionConfig

	// SkipExecution stops after generation, e.g. for preview flows.
	SkipExecution bool
}

type AskOutput struct {
	Query          GeneratedQuery
	QueryFromCache bool
	Executed       bool
	Result         *ExecutionResult
}

// Ask runs the full request flow. A confidence score below the session
// threshold is a signal, not an error: the query comes back un-executed
// with its warnings attached.
func (s *Session) Ask(ctx context.Context, in AskInput) (AskOutput, error) {
	if strings.TrimSpace(in.Request) == "" {
		return AskOutput{}, GenerationError(string(in.Conn.Subtype), "request is required", nil)
	}

	logger := s.opts.Logger
	if traceID := observability.TraceIDFromContext(ctx); traceID != "" {
		logger = logger.With(slog.String("trace_id", traceID))
	}

	var out AskOutput
	fp := QueryFingerprint(in.Conn.Subtype, in.Request, in.Schema.Version)
	if s.caches.Queries != nil {
		if entry, ok := s.caches.Queries.Get(ctx, fp); ok && entry.Value.SchemaVersion == in.Schema.Version {
			out.Query = entry.Value
			out.QueryFromCache = true
		}
	}

	family, _ := in.Conn.Subtype.Family()
	if !out.QueryFromCache {
		generated, err := s.generator.Generate(ctx, in.Request, in.Schema)
		observability.ObserveGeneration(string(family), err != nil)
		if err != nil {
			return AskOutput{}, err
		}
		if validation := s.generator.Validate(generated); !validation.Valid {
			return AskOutput{Query: generated}, ValidationError(
				string(in.Conn.Subtype), generated.Fingerprint, strings.Join(validation.Errors, "; "))
		}
		out.Query = generated
		if s.caches.Queries != nil {
			s.caches.Queries.Put(ctx, fp, generated, in.Schema.Version)
		}
	}

	logger.Debug("query ready",
		slog.String("fingerprint", out.Query.Fingerprint),
		slog.String("kind", string(out.Query.Kind)),
		slog.Float64("confidence", out.Query.Confidence),
		slog.Bool("from_cache", out.QueryFromCache),
	)

	if out.Query.Confidence < s.opts.MinConfidence {
		logger.Info("confidence below threshold, skipping execution",
			slog.Float64("confidence", out.Query.Confidence),
			slog.Float64("threshold", s.opts.MinConfidence),
		)
		return out, nil
	}
	if in.SkipExecution {
		return out, nil
	}

	// generation needs only request and schema; the connection is checked
	// here, where execution begins
	if err := in.Conn.Validate(); err != nil {
		return out, ConnectionError(string(in.Conn.Subtype), out.Query.Fingerprint, err)
	}

	// mutations bypass the result cache entirely: replaying a cached
	// result would hide side effects, and caching one is meaningless
	cacheable := out.Query.Kind != KindMutation
	rfp := ResultFingerprint(in.Conn.Subtype, out.Query.Query, in.Schema.Version, in.Conn.Identity())
	if cacheable && s.caches.Results != nil {
		if entry, ok := s.caches.Results.Get(ctx, rfp); ok && entry.SchemaVersion == in.Schema.Version {
			result := entry.Value
			result.FromCache = true
			result.CachedAt = entry.StoredAt
			out.Result = &result
			out.Executed = true
			return out, nil
		}
	}

	result, err := s.executor.Execute(ctx, out.Query, in.Conn)
	if err != nil {
		return out, err
	}
	out.Result = &result
	out.Executed = true
	if cacheable && result.Status == StatusSucceeded && s.caches.Results != nil {
		s.caches.Results.Put(ctx, rfp, result, in.Schema.Version)
	}
	return out, nil
}
