package relational

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/marcboeker/go-duckdb/v2"
	_ "github.com/microsoft/go-mssqldb"
	_ "github.com/sijms/go-ora/v2"
	_ "modernc.org/sqlite"

	"github.com/querymesh/querymesh/internal/datasource"
	"github.com/querymesh/querymesh/internal/engine"
	"github.com/querymesh/querymesh/internal/observability"
)

// Executor runs SQL against any supported relational subtype through
// database/sql. Connection pools are keyed by connection identity and
// reused across calls; pool bounds come from Limits.
type Executor struct {
	subtype datasource.Subtype
	limits  engine.Limits
	logger  *slog.Logger
	openFn  func(driverName, dsn string) (*sql.DB, error)

	mu     sync.Mutex
	pools  map[string]*sql.DB
	closed bool
}

func NewExecutor(subtype datasource.Subtype, limits engine.Limits, logger *slog.Logger) (*Executor, error) {
	family, err := subtype.Family()
	if err != nil {
		return nil, err
	}
	if family != datasource.FamilyRelational {
		return nil, fmt.Errorf("subtype %q is not relational", subtype)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		subtype: subtype,
		limits:  limits.Normalize(),
		logger:  logger,
		openFn:  sql.Open,
		pools:   make(map[string]*sql.DB),
	}, nil
}

func (e *Executor) Language() engine.QueryLanguage {
	return engine.LanguageSQL
}

func (e *Executor) Execute(ctx context.Context, q engine.GeneratedQuery, cfg datasource.ConnectionConfig) (engine.ExecutionResult, error) {
	if err := e.checkQuery(q, cfg); err != nil {
		return engine.ExecutionResult{}, err
	}

	start := time.Now()
	db, err := e.pool(ctx, cfg)
	if err != nil {
		return engine.ExecutionResult{}, err
	}

	queryCtx, cancel := context.WithTimeout(ctx, e.limits.QueryTimeout)
	defer cancel()

	result := engine.ExecutionResult{
		ExecutionID: uuid.NewString(),
		Status:      StatusFor(nil),
	}

	if q.Kind == engine.KindMutation {
		execResult, err := db.ExecContext(queryCtx, q.Query)
		result.Elapsed = time.Since(start)
		if err != nil {
			observability.ObserveExecution(string(datasource.FamilyRelational), string(engine.StatusFailed), -1, result.Elapsed)
			return engine.ExecutionResult{}, e.mapExecError(queryCtx, q, err)
		}
		if affected, affErr := execResult.RowsAffected(); affErr == nil {
			result.RowCount = int(affected)
		}
		observability.ObserveExecution(string(datasource.FamilyRelational), string(engine.StatusSucceeded), result.RowCount, result.Elapsed)
		return result, nil
	}

	rows, err := db.QueryContext(queryCtx, q.Query)
	if err != nil {
		elapsed := time.Since(start)
		observability.ObserveExecution(string(datasource.FamilyRelational), string(engine.StatusFailed), -1, elapsed)
		return engine.ExecutionResult{}, e.mapExecError(queryCtx, q, err)
	}
	defer func() { _ = rows.Close() }()

	columns, materialized, truncated, err := scanRows(rows, e.limits.MaxRows)
	result.Elapsed = time.Since(start)
	if err != nil {
		observability.ObserveExecution(string(datasource.FamilyRelational), string(engine.StatusFailed), -1, result.Elapsed)
		return engine.ExecutionResult{}, e.mapExecError(queryCtx, q, err)
	}

	result.Columns = columns
	result.Rows = materialized
	result.RowCount = len(materialized)
	result.Truncated = truncated
	observability.ObserveExecution(string(datasource.FamilyRelational), string(engine.StatusSucceeded), result.RowCount, result.Elapsed)
	return result, nil
}

func (e *Executor) ExecuteStreaming(ctx context.Context, q engine.GeneratedQuery, cfg datasource.ConnectionConfig) iter.Seq2[engine.Batch, error] {
	return func(yield func(engine.Batch, error) bool) {
		if err := e.checkQuery(q, cfg); err != nil {
			yield(engine.Batch{}, err)
			return
		}
		db, err := e.pool(ctx, cfg)
		if err != nil {
			yield(engine.Batch{}, err)
			return
		}

		rows, err := db.QueryContext(ctx, q.Query)
		if err != nil {
			yield(engine.Batch{}, e.mapExecError(ctx, q, err))
			return
		}
		defer func() { _ = rows.Close() }()

		names, err := rows.Columns()
		if err != nil {
			yield(engine.Batch{}, e.mapExecError(ctx, q, err))
			return
		}

		var (
			columns []engine.Column
			batch   [][]any
		)
		for rows.Next() {
			values, err := scanRow(rows, len(names))
			if err != nil {
				yield(engine.Batch{}, e.mapExecError(ctx, q, err))
				return
			}
			if columns == nil {
				columns = columnsFor(names, values)
			}
			batch = append(batch, values)
			if len(batch) >= e.limits.BatchSize {
				if !yield(engine.Batch{Columns: columns, Rows: batch}, nil) {
					return
				}
				batch = nil
			}
		}
		if err := rows.Err(); err != nil {
			yield(engine.Batch{}, e.mapExecError(ctx, q, err))
			return
		}
		if len(batch) > 0 {
			if columns == nil {
				columns = columnsFor(names, nil)
			}
			yield(engine.Batch{Columns: columns, Rows: batch}, nil)
		}
	}
}

// explainPrefixes maps dialects to their plan syntax. Dialects absent here
// report PlanDescription.Supported=false.
var explainPrefixes = map[datasource.Subtype]struct {
	prefix string
	format string
}{
	datasource.SubtypePostgres: {"EXPLAIN (FORMAT JSON) ", "json"},
	datasource.SubtypeMySQL:    {"EXPLAIN FORMAT=JSON ", "json"},
	datasource.SubtypeSQLite:   {"EXPLAIN QUERY PLAN ", "text"},
	datasource.SubtypeDuckDB:   {"EXPLAIN ", "text"},
}

func (e *Executor) ExplainPlan(ctx context.Context, q engine.GeneratedQuery, cfg datasource.ConnectionConfig) (engine.PlanDescription, error) {
	if err := e.checkQuery(q, cfg); err != nil {
		return engine.PlanDescription{}, err
	}

	syntax, ok := explainPrefixes[e.subtype]
	if !ok {
		return engine.PlanDescription{Supported: false, Backend: string(e.subtype)}, nil
	}

	db, err := e.pool(ctx, cfg)
	if err != nil {
		return engine.PlanDescription{}, err
	}

	queryCtx, cancel := context.WithTimeout(ctx, e.limits.QueryTimeout)
	defer cancel()

	rows, err := db.QueryContext(queryCtx, syntax.prefix+q.Query)
	if err != nil {
		return engine.PlanDescription{}, e.mapExecError(queryCtx, q, err)
	}
	defer func() { _ = rows.Close() }()

	names, err := rows.Columns()
	if err != nil {
		return engine.PlanDescription{}, e.mapExecError(queryCtx, q, err)
	}

	var lines []string
	for rows.Next() {
		values, err := scanRow(rows, len(names))
		if err != nil {
			return engine.PlanDescription{}, e.mapExecError(queryCtx, q, err)
		}
		parts := make([]string, 0, len(values))
		for _, value := range values {
			parts = append(parts, fmt.Sprintf("%v", value))
		}
		lines = append(lines, strings.Join(parts, " "))
	}
	if err := rows.Err(); err != nil {
		return engine.PlanDescription{}, e.mapExecError(queryCtx, q, err)
	}

	return engine.PlanDescription{
		Supported: true,
		Backend:   string(e.subtype),
		Format:    syntax.format,
		Plan:      strings.Join(lines, "\n"),
	}, nil
}

func (e *Executor) TestConnection(ctx context.Context, cfg datasource.ConnectionConfig) bool {
	if cfg.Validate() != nil {
		return false
	}
	probeCtx, cancel := context.WithTimeout(ctx, e.limits.ConnectTimeout)
	defer cancel()
	db, err := e.pool(probeCtx, cfg)
	if err != nil {
		return false
	}
	return db.PingContext(probeCtx) == nil
}

// Close releases every pooled connection. Idempotent.
func (e *Executor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	var firstErr error
	for identity, db := range e.pools {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close pool %s: %w", identity, err)
		}
	}
	e.pools = make(map[string]*sql.DB)
	e.closed = true
	return firstErr
}

func (e *Executor) checkQuery(q engine.GeneratedQuery, cfg datasource.ConnectionConfig) error {
	if q.Language != engine.LanguageSQL {
		return fmt.Errorf("%w: executor runs %s, query is %s", engine.ErrLanguageMismatch, engine.LanguageSQL, q.Language)
	}
	if cfg.Subtype != e.subtype {
		return fmt.Errorf("%w: executor is %s, connection is %s", engine.ErrSubtypeMismatch, e.subtype, cfg.Subtype)
	}
	if err := cfg.Validate(); err != nil {
		return engine.ConnectionError(string(e.subtype), q.Fingerprint, err)
	}
	return nil
}

func (e *Executor) pool(ctx context.Context, cfg datasource.ConnectionConfig) (*sql.DB, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, engine.ConnectionError(string(e.subtype), "", errors.New("executor is closed"))
	}
	identity := cfg.Identity()
	if db, ok := e.pools[identity]; ok {
		return db, nil
	}

	driverName, dsn, err := driverDSN(e.subtype, cfg)
	if err != nil {
		return nil, engine.ConnectionError(string(e.subtype), "", err)
	}
	db, err := e.openFn(driverName, dsn)
	if err != nil {
		return nil, engine.ConnectionError(string(e.subtype), "", err)
	}
	db.SetMaxOpenConns(e.limits.MaxOpenConns)
	db.SetMaxIdleConns(e.limits.MaxIdleConns)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, e.limits.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, engine.ConnectionError(string(e.subtype), "", err)
	}

	e.logger.Debug("opened connection pool", slog.Any("conn", cfg))
	e.pools[identity] = db
	return db, nil
}

func (e *Executor) mapExecError(ctx context.Context, q engine.GeneratedQuery, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return engine.TimeoutError(string(e.subtype), q.Fingerprint, err)
	}
	return engine.ExecutionError(string(e.subtype), q.Fingerprint, err)
}

// StatusFor reports the result status for an execution error.
func StatusFor(err error) engine.Status {
	if err != nil {
		return engine.StatusFailed
	}
	return engine.StatusSucceeded
}

func scanRows(rows *sql.Rows, maxRows int) ([]engine.Column, [][]any, bool, error) {
	names, err := rows.Columns()
	if err != nil {
		return nil, nil, false, fmt.Errorf("query columns: %w", err)
	}

	var (
		columns      []engine.Column
		materialized [][]any
		truncated    bool
	)
	for rows.Next() {
		if len(materialized) >= maxRows {
			truncated = true
			break
		}
		values, err := scanRow(rows, len(names))
		if err != nil {
			return nil, nil, false, err
		}
		if columns == nil {
			columns = columnsFor(names, values)
		}
		materialized = append(materialized, values)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, false, fmt.Errorf("iterate rows: %w", err)
	}
	if columns == nil {
		columns = columnsFor(names, nil)
	}
	return columns, materialized, truncated, nil
}

func scanRow(rows *sql.Rows, width int) ([]any, error) {
	values := make([]any, width)
	scanTargets := make([]any, width)
	for i := range values {
		scanTargets[i] = &values[i]
	}
	if err := rows.Scan(scanTargets...); err != nil {
		return nil, fmt.Errorf("scan row: %w", err)
	}
	return normalizeValues(values), nil
}

func normalizeValues(values []any) []any {
	normalized := make([]any, len(values))
	for i, value := range values {
		switch typed := value.(type) {
		case []byte:
			normalized[i] = string(typed)
		default:
			normalized[i] = typed
		}
	}
	return normalized
}

func columnsFor(names []string, firstRow []any) []engine.Column {
	columns := make([]engine.Column, len(names))
	for i, name := range names {
		columnType := "unknown"
		if firstRow != nil && firstRow[i] != nil {
			columnType = fmt.Sprintf("%T", firstRow[i])
		}
		columns[i] = engine.Column{Name: name, Type: columnType}
	}
	return columns
}

func driverDSN(subtype datasource.Subtype, cfg datasource.ConnectionConfig) (string, string, error) {
	switch subtype {
	case datasource.SubtypePostgres:
		return "pgx", networkURL("postgres", cfg, func(query url.Values) {
			if cfg.TLS {
				query.Set("sslmode", "require")
			} else {
				query.Set("sslmode", "disable")
			}
		}), nil
	case datasource.SubtypeMySQL:
		return "mysql", mysqlDSN(cfg), nil
	case datasource.SubtypeSQLite:
		return "sqlite", cfg.Database, nil
	case datasource.SubtypeDuckDB:
		return "duckdb", cfg.Database, nil
	case datasource.SubtypeSQLServer:
		return "sqlserver", networkURL("sqlserver", cfg, func(query url.Values) {
			query.Set("database", cfg.Database)
			if cfg.TLS {
				query.Set("encrypt", "true")
			}
		}), nil
	case datasource.SubtypeOracle:
		return "oracle", networkURL("oracle", cfg, nil), nil
	default:
		return "", "", fmt.Errorf("%w: %q", datasource.ErrUnknownSubtype, subtype)
	}
}

func networkURL(scheme string, cfg datasource.ConnectionConfig, amend func(url.Values)) string {
	u := url.URL{
		Scheme: scheme,
		Host:   fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
	}
	if cfg.Username != "" {
		u.User = url.UserPassword(cfg.Username, cfg.Password)
	}
	// sqlserver carries the database as a query parameter, not a path
	if scheme != "sqlserver" && cfg.Database != "" {
		u.Path = "/" + cfg.Database
	}
	query := url.Values{}
	for key, value := range cfg.Extra {
		query.Set(key, value)
	}
	if amend != nil {
		amend(query)
	}
	u.RawQuery = query.Encode()
	return u.String()
}

func mysqlDSN(cfg datasource.ConnectionConfig) string {
	var b strings.Builder
	if cfg.Username != "" {
		b.WriteString(cfg.Username)
		if cfg.Password != "" {
			b.WriteString(":")
			b.WriteString(cfg.Password)
		}
		b.WriteString("@")
	}
	fmt.Fprintf(&b, "tcp(%s:%d)/%s", cfg.Host, cfg.Port, cfg.Database)
	params := url.Values{}
	for key, value := range cfg.Extra {
		params.Set(key, value)
	}
	if cfg.TLS {
		params.Set("tls", "true")
	}
	if encoded := params.Encode(); encoded != "" {
		b.WriteString("?")
		b.WriteString(encoded)
	}
	return b.String()
}
