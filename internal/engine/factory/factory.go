// Package factory assembles generator/executor pairs per datasource
// family. New families can be plugged in through Register without
// touching the built-in wiring.
package factory

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/querymesh/querymesh/internal/datasource"
	"github.com/querymesh/querymesh/internal/engine"
	"github.com/querymesh/querymesh/internal/engine/document"
	"github.com/querymesh/querymesh/internal/engine/graph"
	"github.com/querymesh/querymesh/internal/engine/relational"
	"github.com/querymesh/querymesh/internal/translate"
)

// Options carry the shared collaborators every backend receives.
type Options struct {
	Translator translate.Translator
	Limits     engine.Limits
	Logger     *slog.Logger
}

// Builder constructs the generator/executor pair for one subtype.
type Builder func(subtype datasource.Subtype, opts Options) (engine.Generator, engine.Executor, error)

var (
	buildersMu sync.RWMutex
	builders   = map[datasource.Family]Builder{}
)

// Register installs a builder for a family, replacing any previous one.
func Register(family datasource.Family, builder Builder) {
	buildersMu.Lock()
	defer buildersMu.Unlock()
	builders[family] = builder
}

func builderFor(family datasource.Family) (Builder, bool) {
	buildersMu.RLock()
	defer buildersMu.RUnlock()
	builder, ok := builders[family]
	return builder, ok
}

func init() {
	Register(datasource.FamilyRelational, func(subtype datasource.Subtype, opts Options) (engine.Generator, engine.Executor, error) {
		generator, err := relational.NewGenerator(subtype, opts.Translator, opts.Logger)
		if err != nil {
			return nil, nil, err
		}
		executor, err := relational.NewExecutor(subtype, opts.Limits, opts.Logger)
		if err != nil {
			return nil, nil, err
		}
		return generator, executor, nil
	})
	Register(datasource.FamilyDocument, func(subtype datasource.Subtype, opts Options) (engine.Generator, engine.Executor, error) {
		return document.NewGenerator(opts.Translator, opts.Logger), document.NewExecutor(opts.Limits, opts.Logger), nil
	})
	Register(datasource.FamilyGraph, func(subtype datasource.Subtype, opts Options) (engine.Generator, engine.Executor, error) {
		return graph.NewGenerator(opts.Translator, opts.Logger), graph.NewExecutor(opts.Limits, opts.Logger), nil
	})
}

// Factory hands out pairs memoized per subtype, so repeated requests
// share connection pools.
type Factory struct {
	opts Options

	mu     sync.Mutex
	pairs  map[datasource.Subtype]pair
	closed bool
}

type pair struct {
	generator engine.Generator
	executor  engine.Executor
}

func New(opts Options) *Factory {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	opts.Limits = opts.Limits.Normalize()
	return &Factory{
		opts:  opts,
		pairs: make(map[datasource.Subtype]pair),
	}
}

// ForSubtype resolves the generator/executor pair handling a subtype.
// Unknown subtypes and families without a registered builder report
// engine.ErrUnsupportedDatasource.
func (f *Factory) ForSubtype(subtype datasource.Subtype) (engine.Generator, engine.Executor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, nil, fmt.Errorf("factory is closed")
	}
	if p, ok := f.pairs[subtype]; ok {
		return p.generator, p.executor, nil
	}

	family, err := subtype.Family()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %q", engine.ErrUnsupportedDatasource, subtype)
	}
	builder, ok := builderFor(family)
	if !ok {
		return nil, nil, fmt.Errorf("%w: no builder for family %q", engine.ErrUnsupportedDatasource, family)
	}

	generator, executor, err := builder(subtype, f.opts)
	if err != nil {
		return nil, nil, fmt.Errorf("build %s pair: %w", subtype, err)
	}
	if generator.Language() != executor.Language() {
		_ = executor.Close()
		return nil, nil, fmt.Errorf("%w: generator speaks %s, executor speaks %s",
			engine.ErrLanguageMismatch, generator.Language(), executor.Language())
	}

	f.pairs[subtype] = pair{generator: generator, executor: executor}
	return generator, executor, nil
}

// Session builds a cache-aware session bound to a subtype's pair.
func (f *Factory) Session(subtype datasource.Subtype, caches engine.Caches, opts engine.SessionOptions) (*engine.Session, error) {
	generator, executor, err := f.ForSubtype(subtype)
	if err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = f.opts.Logger
	}
	return engine.NewSession(generator, executor, caches, opts)
}

// Close shuts down every memoized executor. Idempotent.
func (f *Factory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	var firstErr error
	for subtype, p := range f.pairs {
		if err := p.executor.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close %s executor: %w", subtype, err)
		}
	}
	f.pairs = make(map[datasource.Subtype]pair)
	f.closed = true
	return firstErr
}
