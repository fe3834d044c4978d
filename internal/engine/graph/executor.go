package graph

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/config"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/db"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/dbtype"

	"github.com/querymesh/querymesh/internal/datasource"
	"github.com/querymesh/querymesh/internal/engine"
	"github.com/querymesh/querymesh/internal/observability"
)

// Executor runs Cypher through the bolt driver. Drivers are keyed by
// connection identity and reused across calls.
type Executor struct {
	limits engine.Limits
	logger *slog.Logger

	newDriverFn func(uri string, auth neo4j.AuthToken, configurers ...func(*config.Config)) (neo4j.DriverWithContext, error)

	mu      sync.Mutex
	drivers map[string]neo4j.DriverWithContext
	closed  bool
}

func NewExecutor(limits engine.Limits, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		limits: limits.Normalize(),
		logger: logger,
		newDriverFn: func(uri string, auth neo4j.AuthToken, configurers ...func(*config.Config)) (neo4j.DriverWithContext, error) {
			return neo4j.NewDriverWithContext(uri, auth, configurers...)
		},
		drivers: make(map[string]neo4j.DriverWithContext),
	}
}

func (e *Executor) Language() engine.QueryLanguage {
	return engine.LanguageCypher
}

func (e *Executor) Execute(ctx context.Context, q engine.GeneratedQuery, cfg datasource.ConnectionConfig) (engine.ExecutionResult, error) {
	if err := e.checkQuery(q, cfg); err != nil {
		return engine.ExecutionResult{}, err
	}

	start := time.Now()
	driver, err := e.driver(cfg)
	if err != nil {
		return engine.ExecutionResult{}, err
	}

	queryCtx, cancel := context.WithTimeout(ctx, e.limits.QueryTimeout)
	defer cancel()

	session := driver.NewSession(queryCtx, neo4j.SessionConfig{
		DatabaseName: cfg.Database,
		AccessMode:   accessMode(q.Kind),
	})
	defer func() { _ = session.Close(queryCtx) }()

	records, err := session.Run(queryCtx, q.Query, nil)
	if err != nil {
		elapsed := time.Since(start)
		observability.ObserveExecution(string(datasource.FamilyGraph), string(engine.StatusFailed), -1, elapsed)
		return engine.ExecutionResult{}, e.mapExecError(queryCtx, q, err)
	}

	keys, err := records.Keys()
	if err != nil {
		elapsed := time.Since(start)
		observability.ObserveExecution(string(datasource.FamilyGraph), string(engine.StatusFailed), -1, elapsed)
		return engine.ExecutionResult{}, e.mapExecError(queryCtx, q, err)
	}

	var (
		columns   []engine.Column
		rows      [][]any
		truncated bool
	)
	for records.Next(queryCtx) {
		if len(rows) >= e.limits.MaxRows {
			truncated = true
			break
		}
		values := normalizeRecord(records.Record())
		if columns == nil {
			columns = columnsFor(keys, values)
		}
		rows = append(rows, values)
	}
	elapsed := time.Since(start)
	if err := records.Err(); err != nil {
		observability.ObserveExecution(string(datasource.FamilyGraph), string(engine.StatusFailed), -1, elapsed)
		return engine.ExecutionResult{}, e.mapExecError(queryCtx, q, err)
	}
	if columns == nil {
		columns = columnsFor(keys, nil)
	}

	result := engine.ExecutionResult{
		ExecutionID: uuid.NewString(),
		Status:      engine.StatusSucceeded,
		Columns:     columns,
		Rows:        rows,
		RowCount:    len(rows),
		Truncated:   truncated,
		Elapsed:     elapsed,
	}
	observability.ObserveExecution(string(datasource.FamilyGraph), string(engine.StatusSucceeded), result.RowCount, elapsed)
	return result, nil
}

func (e *Executor) ExecuteStreaming(ctx context.Context, q engine.GeneratedQuery, cfg datasource.ConnectionConfig) iter.Seq2[engine.Batch, error] {
	return func(yield func(engine.Batch, error) bool) {
		if err := e.checkQuery(q, cfg); err != nil {
			yield(engine.Batch{}, err)
			return
		}
		driver, err := e.driver(cfg)
		if err != nil {
			yield(engine.Batch{}, err)
			return
		}

		session := driver.NewSession(ctx, neo4j.SessionConfig{
			DatabaseName: cfg.Database,
			AccessMode:   accessMode(q.Kind),
		})
		defer func() { _ = session.Close(ctx) }()

		records, err := session.Run(ctx, q.Query, nil)
		if err != nil {
			yield(engine.Batch{}, e.mapExecError(ctx, q, err))
			return
		}
		keys, err := records.Keys()
		if err != nil {
			yield(engine.Batch{}, e.mapExecError(ctx, q, err))
			return
		}

		var (
			columns []engine.Column
			batch   [][]any
		)
		for records.Next(ctx) {
			values := normalizeRecord(records.Record())
			if columns == nil {
				columns = columnsFor(keys, values)
			}
			batch = append(batch, values)
			if len(batch) >= e.limits.BatchSize {
				if !yield(engine.Batch{Columns: columns, Rows: batch}, nil) {
					return
				}
				batch = nil
			}
		}
		if err := records.Err(); err != nil {
			yield(engine.Batch{}, e.mapExecError(ctx, q, err))
			return
		}
		if len(batch) > 0 {
			yield(engine.Batch{Columns: columns, Rows: batch}, nil)
		}
	}
}

func (e *Executor) ExplainPlan(ctx context.Context, q engine.GeneratedQuery, cfg datasource.ConnectionConfig) (engine.PlanDescription, error) {
	if err := e.checkQuery(q, cfg); err != nil {
		return engine.PlanDescription{}, err
	}
	driver, err := e.driver(cfg)
	if err != nil {
		return engine.PlanDescription{}, err
	}

	queryCtx, cancel := context.WithTimeout(ctx, e.limits.QueryTimeout)
	defer cancel()

	session := driver.NewSession(queryCtx, neo4j.SessionConfig{
		DatabaseName: cfg.Database,
		AccessMode:   neo4j.AccessModeRead,
	})
	defer func() { _ = session.Close(queryCtx) }()

	records, err := session.Run(queryCtx, "EXPLAIN "+q.Query, nil)
	if err != nil {
		return engine.PlanDescription{}, e.mapExecError(queryCtx, q, err)
	}
	summary, err := records.Consume(queryCtx)
	if err != nil {
		return engine.PlanDescription{}, e.mapExecError(queryCtx, q, err)
	}

	plan := summary.Plan()
	if plan == nil {
		return engine.PlanDescription{Supported: false, Backend: string(datasource.SubtypeNeo4j)}, nil
	}
	var lines []string
	renderPlan(plan, 0, &lines)
	return engine.PlanDescription{
		Supported: true,
		Backend:   string(datasource.SubtypeNeo4j),
		Format:    "text",
		Plan:      strings.Join(lines, "\n"),
	}, nil
}

func (e *Executor) TestConnection(ctx context.Context, cfg datasource.ConnectionConfig) bool {
	if cfg.Validate() != nil || cfg.Subtype != datasource.SubtypeNeo4j {
		return false
	}
	driver, err := e.driver(cfg)
	if err != nil {
		return false
	}
	probeCtx, cancel := context.WithTimeout(ctx, e.limits.ConnectTimeout)
	defer cancel()
	return driver.VerifyConnectivity(probeCtx) == nil
}

// Close releases every cached driver. Idempotent.
func (e *Executor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.limits.ConnectTimeout)
	defer cancel()
	var firstErr error
	for identity, driver := range e.drivers {
		if err := driver.Close(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close driver %s: %w", identity, err)
		}
	}
	e.drivers = make(map[string]neo4j.DriverWithContext)
	e.closed = true
	return firstErr
}

func (e *Executor) checkQuery(q engine.GeneratedQuery, cfg datasource.ConnectionConfig) error {
	if q.Language != engine.LanguageCypher {
		return fmt.Errorf("%w: executor runs %s, query is %s", engine.ErrLanguageMismatch, engine.LanguageCypher, q.Language)
	}
	if cfg.Subtype != datasource.SubtypeNeo4j {
		return fmt.Errorf("%w: executor is %s, connection is %s", engine.ErrSubtypeMismatch, datasource.SubtypeNeo4j, cfg.Subtype)
	}
	if err := cfg.Validate(); err != nil {
		return engine.ConnectionError(string(datasource.SubtypeNeo4j), q.Fingerprint, err)
	}
	return nil
}

func (e *Executor) driver(cfg datasource.ConnectionConfig) (neo4j.DriverWithContext, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, engine.ConnectionError(string(datasource.SubtypeNeo4j), "", errors.New("executor is closed"))
	}
	identity := cfg.Identity()
	if driver, ok := e.drivers[identity]; ok {
		return driver, nil
	}

	driver, err := e.newDriverFn(boltURI(cfg), neo4j.BasicAuth(cfg.Username, cfg.Password, ""), func(c *config.Config) {
		c.MaxConnectionPoolSize = e.limits.MaxOpenConns
		c.ConnectionAcquisitionTimeout = e.limits.ConnectTimeout
	})
	if err != nil {
		return nil, engine.ConnectionError(string(datasource.SubtypeNeo4j), "", err)
	}

	e.logger.Debug("opened bolt driver", slog.Any("conn", cfg))
	e.drivers[identity] = driver
	return driver, nil
}

func (e *Executor) mapExecError(ctx context.Context, q engine.GeneratedQuery, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return engine.TimeoutError(string(datasource.SubtypeNeo4j), q.Fingerprint, err)
	}
	return engine.ExecutionError(string(datasource.SubtypeNeo4j), q.Fingerprint, err)
}

func accessMode(kind engine.QueryKind) neo4j.AccessMode {
	if kind == engine.KindMutation {
		return neo4j.AccessModeWrite
	}
	return neo4j.AccessModeRead
}

func boltURI(cfg datasource.ConnectionConfig) string {
	scheme := "neo4j"
	if cfg.TLS {
		scheme = "neo4j+s"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, cfg.Host, cfg.Port)
}

// normalizeRecord flattens graph entities to their property maps so
// results serialize like the other backends.
func normalizeRecord(record *db.Record) []any {
	values := make([]any, len(record.Values))
	for i, value := range record.Values {
		switch typed := value.(type) {
		case dbtype.Node:
			values[i] = typed.Props
		case dbtype.Relationship:
			values[i] = typed.Props
		case dbtype.Path:
			values[i] = fmt.Sprintf("path(%d nodes)", len(typed.Nodes))
		default:
			values[i] = typed
		}
	}
	return values
}

func columnsFor(keys []string, firstRow []any) []engine.Column {
	columns := make([]engine.Column, len(keys))
	for i, key := range keys {
		columnType := "unknown"
		if firstRow != nil && i < len(firstRow) && firstRow[i] != nil {
			columnType = fmt.Sprintf("%T", firstRow[i])
		}
		columns[i] = engine.Column{Name: key, Type: columnType}
	}
	return columns
}

func renderPlan(plan neo4j.Plan, depth int, lines *[]string) {
	*lines = append(*lines, strings.Repeat("  ", depth)+plan.Operator())
	for _, child := range plan.Children() {
		renderPlan(child, depth+1, lines)
	}
}
