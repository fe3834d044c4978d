// Package translate defines the single narrow call shape through which
// query generators reach the natural-language translation service. The
// engine works against any provider behind this shape; provider selection
// and credentials are configuration.
package translate

import (
	"context"
	"errors"

	"github.com/querymesh/querymesh/internal/schema"
)

// ErrUnavailable marks transient provider failures (network errors,
// timeouts, 5xx responses). Callers retry these with bounded backoff;
// everything else is fatal on the first attempt.
var ErrUnavailable = errors.New("translate: provider unavailable")

type Request struct {
	Prompt   string         `json:"prompt"`
	Schema   schema.Context `json:"schema"`
	Language string         `json:"language"`
}

type Result struct {
	QueryText  string  `json:"query_text"`
	Confidence float64 `json:"confidence"`
	Rationale  string  `json:"rationale"`
	Provider   string  `json:"provider"`
	Model      string  `json:"model"`
}

type Translator interface {
	Translate(ctx context.Context, req Request) (Result, error)
}

// TranslatorFunc adapts a function to the Translator interface, mainly for
// deterministic stand-ins in tests.
type TranslatorFunc func(ctx context.Context, req Request) (Result, error)

func (f TranslatorFunc) Translate(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}
