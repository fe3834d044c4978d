package factory

import (
	"context"
	"errors"
	"iter"
	"testing"

	"github.com/querymesh/querymesh/internal/datasource"
	"github.com/querymesh/querymesh/internal/engine"
	"github.com/querymesh/querymesh/internal/schema"
)

func TestForSubtypeBuiltins(t *testing.T) {
	f := New(Options{})
	t.Cleanup(func() { _ = f.Close() })

	cases := []struct {
		subtype datasource.Subtype
		want    engine.QueryLanguage
	}{
		{datasource.SubtypePostgres, engine.LanguageSQL},
		{datasource.SubtypeMySQL, engine.LanguageSQL},
		{datasource.SubtypeSQLite, engine.LanguageSQL},
		{datasource.SubtypeDuckDB, engine.LanguageSQL},
		{datasource.SubtypeSQLServer, engine.LanguageSQL},
		{datasource.SubtypeOracle, engine.LanguageSQL},
		{datasource.SubtypeMongoDB, engine.LanguageMongoPipeline},
		{datasource.SubtypeNeo4j, engine.LanguageCypher},
	}
	for _, tc := range cases {
		generator, executor, err := f.ForSubtype(tc.subtype)
		if err != nil {
			t.Fatalf("ForSubtype(%s) error = %v", tc.subtype, err)
		}
		if generator.Language() != tc.want {
			t.Errorf("generator language for %s = %q, want %q", tc.subtype, generator.Language(), tc.want)
		}
		if executor.Language() != tc.want {
			t.Errorf("executor language for %s = %q, want %q", tc.subtype, executor.Language(), tc.want)
		}
	}
}

func TestForSubtypeUnknown(t *testing.T) {
	f := New(Options{})
	t.Cleanup(func() { _ = f.Close() })

	_, _, err := f.ForSubtype("cassandra")
	if !errors.Is(err, engine.ErrUnsupportedDatasource) {
		t.Fatalf("error = %v, want ErrUnsupportedDatasource", err)
	}
}

func TestForSubtypeMemoizes(t *testing.T) {
	f := New(Options{})
	t.Cleanup(func() { _ = f.Close() })

	_, first, err := f.ForSubtype(datasource.SubtypePostgres)
	if err != nil {
		t.Fatalf("ForSubtype() error = %v", err)
	}
	_, second, err := f.ForSubtype(datasource.SubtypePostgres)
	if err != nil {
		t.Fatalf("second ForSubtype() error = %v", err)
	}
	if first != second {
		t.Error("executors differ across calls for the same subtype")
	}
}

type stubGenerator struct{ lang engine.QueryLanguage }

func (s stubGenerator) Generate(ctx context.Context, request string, sc schema.Context) (engine.GeneratedQuery, error) {
	return engine.GeneratedQuery{Language: s.lang}, nil
}
func (s stubGenerator) Validate(q engine.GeneratedQuery) engine.ValidationResult {
	return engine.ValidationResult{Valid: true}
}
func (s stubGenerator) Explain(q engine.GeneratedQuery) string { return "" }
func (s stubGenerator) Language() engine.QueryLanguage         { return s.lang }

type stubExecutor struct {
	lang   engine.QueryLanguage
	closed *bool
}

func (s stubExecutor) Execute(ctx context.Context, q engine.GeneratedQuery, cfg datasource.ConnectionConfig) (engine.ExecutionResult, error) {
	return engine.ExecutionResult{Status: engine.StatusSucceeded}, nil
}
func (s stubExecutor) ExecuteStreaming(ctx context.Context, q engine.GeneratedQuery, cfg datasource.ConnectionConfig) iter.Seq2[engine.Batch, error] {
	return func(yield func(engine.Batch, error) bool) {}
}
func (s stubExecutor) ExplainPlan(ctx context.Context, q engine.GeneratedQuery, cfg datasource.ConnectionConfig) (engine.PlanDescription, error) {
	return engine.PlanDescription{}, nil
}
func (s stubExecutor) TestConnection(ctx context.Context, cfg datasource.ConnectionConfig) bool {
	return true
}
func (s stubExecutor) Close() error {
	if s.closed != nil {
		*s.closed = true
	}
	return nil
}
func (s stubExecutor) Language() engine.QueryLanguage { return s.lang }

func TestRegisterOverridesFamily(t *testing.T) {
	original, _ := builderFor(datasource.FamilyGraph)
	t.Cleanup(func() { Register(datasource.FamilyGraph, original) })

	Register(datasource.FamilyGraph, func(subtype datasource.Subtype, opts Options) (engine.Generator, engine.Executor, error) {
		return stubGenerator{lang: engine.LanguageCypher}, stubExecutor{lang: engine.LanguageCypher}, nil
	})

	f := New(Options{})
	t.Cleanup(func() { _ = f.Close() })

	generator, _, err := f.ForSubtype(datasource.SubtypeNeo4j)
	if err != nil {
		t.Fatalf("ForSubtype() error = %v", err)
	}
	if _, ok := generator.(stubGenerator); !ok {
		t.Errorf("generator = %T, want the registered stub", generator)
	}
}

func TestForSubtypeRejectsLanguageDisagreement(t *testing.T) {
	original, _ := builderFor(datasource.FamilyGraph)
	t.Cleanup(func() { Register(datasource.FamilyGraph, original) })

	Register(datasource.FamilyGraph, func(subtype datasource.Subtype, opts Options) (engine.Generator, engine.Executor, error) {
		return stubGenerator{lang: engine.LanguageCypher}, stubExecutor{lang: engine.LanguageSQL}, nil
	})

	f := New(Options{})
	t.Cleanup(func() { _ = f.Close() })

	_, _, err := f.ForSubtype(datasource.SubtypeNeo4j)
	if !errors.Is(err, engine.ErrLanguageMismatch) {
		t.Fatalf("error = %v, want ErrLanguageMismatch", err)
	}
}

func TestCloseShutsDownExecutors(t *testing.T) {
	original, _ := builderFor(datasource.FamilyGraph)
	t.Cleanup(func() { Register(datasource.FamilyGraph, original) })

	closed := false
	Register(datasource.FamilyGraph, func(subtype datasource.Subtype, opts Options) (engine.Generator, engine.Executor, error) {
		return stubGenerator{lang: engine.LanguageCypher}, stubExecutor{lang: engine.LanguageCypher, closed: &closed}, nil
	})

	f := New(Options{})
	if _, _, err := f.ForSubtype(datasource.SubtypeNeo4j); err != nil {
		t.Fatalf("ForSubtype() error = %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !closed {
		t.Error("executor was not closed")
	}
	if _, _, err := f.ForSubtype(datasource.SubtypeNeo4j); err == nil {
		t.Fatal("ForSubtype() succeeded after Close()")
	}
}
