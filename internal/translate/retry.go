package translate

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/querymesh/querymesh/internal/observability"
)

type RetryConfig struct {
	MaxAttempts     int
	InitialInterval time.Duration
}

// retryingTranslator wraps a Translator with bounded exponential backoff.
// Only transient provider failures (ErrUnavailable) are retried; schema or
// request problems surface immediately. After the attempt cap the last
// transient error is returned as fatal.
type retryingTranslator struct {
	inner       Translator
	maxAttempts int
	initial     time.Duration
}

func WithRetry(inner Translator, cfg RetryConfig) Translator {
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	initial := cfg.InitialInterval
	if initial <= 0 {
		initial = 200 * time.Millisecond
	}
	return &retryingTranslator{inner: inner, maxAttempts: maxAttempts, initial: initial}
}

func (t *retryingTranslator) Translate(ctx context.Context, req Request) (Result, error) {
	var result Result
	attempt := 0

	operation := func() error {
		attempt++
		res, err := t.inner.Translate(ctx, req)
		if err != nil {
			if errors.Is(err, ErrUnavailable) && attempt < t.maxAttempts {
				observability.IncrementTranslationRetry()
				return err
			}
			return backoff.Permanent(err)
		}
		result = res
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = t.initial
	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		return Result{}, err
	}
	return result, nil
}
