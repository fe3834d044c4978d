package engine

import (
	"errors"
	"fmt"
)

// Contract-level sentinels.
var (
	// ErrUnsupportedDatasource is returned by the factory when no
	// generator/executor pair is registered for a datasource type.
	ErrUnsupportedDatasource = errors.New("engine: unsupported datasource")

	// ErrLanguageMismatch is returned when a generated query's language
	// does not match the executor asked to run it, or when a misregistered
	// pair is detected at construction.
	ErrLanguageMismatch = errors.New("engine: query language mismatch")

	// ErrSubtypeMismatch is returned when a connection's subtype does not
	// match the executor it was handed to.
	ErrSubtypeMismatch = errors.New("engine: connection subtype mismatch")
)

type ErrorKind string

const (
	KindGeneration  ErrorKind = "generation"
	KindValidation  ErrorKind = "validation"
	KindUnsupported ErrorKind = "unsupported"
	KindConnection  ErrorKind = "connection"
	KindExecution   ErrorKind = "execution"
	KindTimeout     ErrorKind = "timeout"
)

// Error carries enough structured detail for a caller to decide on
// user-facing fallback: the kind, the backend's own message when present,
// and the query fingerprint. The engine itself never renders end-user text.
type Error struct {
	Kind        ErrorKind
	Backend     string
	Fingerprint string
	Message     string
	Err         error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Backend != "" {
		return fmt.Sprintf("%s error (%s): %s", e.Kind, e.Backend, msg)
	}
	return fmt.Sprintf("%s error: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsKind reports whether err is an engine Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var engineErr *Error
	if errors.As(err, &engineErr) {
		return engineErr.Kind == kind
	}
	return false
}

func newError(kind ErrorKind, backend, fingerprint, message string, err error) *Error {
	return &Error{Kind: kind, Backend: backend, Fingerprint: fingerprint, Message: message, Err: err}
}

// GenerationError wraps schema-grounding or upstream-translation failures.
func GenerationError(backend, message string, err error) *Error {
	return newError(KindGeneration, backend, "", message, err)
}

// ValidationError marks a syntactically malformed generated query.
func ValidationError(backend, fingerprint, message string) *Error {
	return newError(KindValidation, backend, fingerprint, message, nil)
}

// ConnectionError marks an unreachable or auth-rejected backend. Fatal,
// never retried.
func ConnectionError(backend, fingerprint string, err error) *Error {
	return newError(KindConnection, backend, fingerprint, "", err)
}

// ExecutionError preserves the backend's own error text for a query the
// backend rejected at runtime.
func ExecutionError(backend, fingerprint string, err error) *Error {
	return newError(KindExecution, backend, fingerprint, "", err)
}

// TimeoutError marks a generation or execution budget overrun.
func TimeoutError(backend, fingerprint string, err error) *Error {
	return newError(KindTimeout, backend, fingerprint, "", err)
}
