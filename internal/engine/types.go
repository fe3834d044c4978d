package engine

import "time"

// QueryLanguage tags the wire language a generator emits and an executor
// accepts. The factory refuses to pair components whose tags differ.
type QueryLanguage string

const (
	LanguageSQL           QueryLanguage = "sql"
	LanguageMongoPipeline QueryLanguage = "mongodb_pipeline"
	LanguageCypher        QueryLanguage = "cypher"
)

// QueryKind classifies a generated query's effect class.
type QueryKind string

const (
	KindSelect    QueryKind = "select"
	KindAggregate QueryKind = "aggregate"
	KindMutation  QueryKind = "mutation"
	KindTraversal QueryKind = "traversal"
)

// GeneratedQuery is the immutable result of generation. Query holds
// backend-native text: SQL, a JSON aggregation pipeline, or Cypher.
type GeneratedQuery struct {
	Query         string        `json:"query"`
	Language      QueryLanguage `json:"language"`
	Kind          QueryKind     `json:"kind"`
	Entities      []string      `json:"entities"`
	EstimatedRows int64         `json:"estimated_rows"`
	Confidence    float64       `json:"confidence"`
	Explanation   string        `json:"explanation"`
	Warnings      []string      `json:"warnings,omitempty"`
	Fingerprint   string        `json:"fingerprint"`
	SchemaVersion int64         `json:"schema_version"`
}

type Column struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// ExecutionResult is owned by the caller once returned; the engine keeps
// nothing beyond an optional cache entry. Truncated reports that the row
// cap cut the materialized data short.
type ExecutionResult struct {
	ExecutionID string        `json:"execution_id"`
	Status      Status        `json:"status"`
	Columns     []Column      `json:"columns"`
	Rows        [][]any       `json:"rows"`
	RowCount    int           `json:"row_count"`
	Truncated   bool          `json:"truncated"`
	Elapsed     time.Duration `json:"elapsed"`
	FromCache   bool          `json:"from_cache"`
	CachedAt    time.Time     `json:"cached_at,omitzero"`
	Err         string        `json:"error,omitempty"`
}

// Batch is one step of a streamed result sequence.
type Batch struct {
	Columns []Column `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

type ValidationResult struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// PlanDescription carries a backend's native plan output. Backends without
// plan support report Supported=false instead of an error.
type PlanDescription struct {
	Supported bool   `json:"supported"`
	Backend   string `json:"backend"`
	Format    string `json:"format,omitempty"`
	Plan      string `json:"plan,omitempty"`
}

// Limits bounds executor resource usage. Zero values fall back to the
// defaults below.
type Limits struct {
	MaxRows        int
	BatchSize      int
	QueryTimeout   time.Duration
	ConnectTimeout time.Duration
	MaxOpenConns   int
	MaxIdleConns   int
}

const (
	DefaultMaxRows        = 10000
	DefaultBatchSize      = 500
	DefaultQueryTimeout   = 30 * time.Second
	DefaultConnectTimeout = 5 * time.Second
	DefaultMaxOpenConns   = 8
)

// Normalize fills unset limits with defaults.
func (l Limits) Normalize() Limits {
	if l.MaxRows <= 0 {
		l.MaxRows = DefaultMaxRows
	}
	if l.BatchSize <= 0 {
		l.BatchSize = DefaultBatchSize
	}
	if l.QueryTimeout <= 0 {
		l.QueryTimeout = DefaultQueryTimeout
	}
	if l.ConnectTimeout <= 0 {
		l.ConnectTimeout = DefaultConnectTimeout
	}
	if l.MaxOpenConns <= 0 {
		l.MaxOpenConns = DefaultMaxOpenConns
	}
	if l.MaxIdleConns <= 0 {
		l.MaxIdleConns = l.MaxOpenConns
	}
	return l
}
