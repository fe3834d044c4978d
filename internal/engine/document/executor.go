package document

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/querymesh/querymesh/internal/datasource"
	"github.com/querymesh/querymesh/internal/engine"
	"github.com/querymesh/querymesh/internal/observability"
)

// Executor runs aggregation pipelines against MongoDB. Clients are keyed
// by connection identity and reused across calls.
type Executor struct {
	limits engine.Limits
	logger *slog.Logger

	// connectFn is swapped out in tests.
	connectFn func(ctx context.Context, opts *options.ClientOptions) (*mongo.Client, error)

	mu      sync.Mutex
	clients map[string]*mongo.Client
	closed  bool
}

func NewExecutor(limits engine.Limits, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		limits: limits.Normalize(),
		logger: logger,
		connectFn: func(ctx context.Context, opts *options.ClientOptions) (*mongo.Client, error) {
			return mongo.Connect(ctx, opts)
		},
		clients: make(map[string]*mongo.Client),
	}
}

func (e *Executor) Language() engine.QueryLanguage {
	return engine.LanguageMongoPipeline
}

func (e *Executor) Execute(ctx context.Context, q engine.GeneratedQuery, cfg datasource.ConnectionConfig) (engine.ExecutionResult, error) {
	coll, pipeline, err := e.prepare(q, cfg)
	if err != nil {
		return engine.ExecutionResult{}, err
	}

	start := time.Now()
	client, err := e.client(ctx, cfg)
	if err != nil {
		return engine.ExecutionResult{}, err
	}

	queryCtx, cancel := context.WithTimeout(ctx, e.limits.QueryTimeout)
	defer cancel()

	cursor, err := client.Database(cfg.Database).Collection(coll).Aggregate(queryCtx, pipeline)
	if err != nil {
		elapsed := time.Since(start)
		observability.ObserveExecution(string(datasource.FamilyDocument), string(engine.StatusFailed), -1, elapsed)
		return engine.ExecutionResult{}, e.mapExecError(queryCtx, q, err)
	}
	defer func() { _ = cursor.Close(queryCtx) }()

	var (
		columns   []engine.Column
		rows      [][]any
		truncated bool
	)
	for cursor.Next(queryCtx) {
		if len(rows) >= e.limits.MaxRows {
			truncated = true
			break
		}
		var doc bson.M
		if err := cursor.Decode(&doc); err != nil {
			elapsed := time.Since(start)
			observability.ObserveExecution(string(datasource.FamilyDocument), string(engine.StatusFailed), -1, elapsed)
			return engine.ExecutionResult{}, e.mapExecError(queryCtx, q, err)
		}
		if columns == nil {
			columns = columnsForDoc(doc)
		}
		rows = append(rows, rowForDoc(columns, doc))
	}
	elapsed := time.Since(start)
	if err := cursor.Err(); err != nil {
		observability.ObserveExecution(string(datasource.FamilyDocument), string(engine.StatusFailed), -1, elapsed)
		return engine.ExecutionResult{}, e.mapExecError(queryCtx, q, err)
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
	observability.ObserveExecution(string(datasource.FamilyDocument), string(engine.StatusSucceeded), result.RowCount, elapsed)
	return result, nil
}

func (e *Executor) ExecuteStreaming(ctx context.Context, q engine.GeneratedQuery, cfg datasource.ConnectionConfig) iter.Seq2[engine.Batch, error] {
	return func(yield func(engine.Batch, error) bool) {
		coll, pipeline, err := e.prepare(q, cfg)
		if err != nil {
			yield(engine.Batch{}, err)
			return
		}
		client, err := e.client(ctx, cfg)
		if err != nil {
			yield(engine.Batch{}, err)
			return
		}

		cursor, err := client.Database(cfg.Database).Collection(coll).Aggregate(ctx, pipeline)
		if err != nil {
			yield(engine.Batch{}, e.mapExecError(ctx, q, err))
			return
		}
		defer func() { _ = cursor.Close(ctx) }()

		var (
			columns []engine.Column
			batch   [][]any
		)
		for cursor.Next(ctx) {
			var doc bson.M
			if err := cursor.Decode(&doc); err != nil {
				yield(engine.Batch{}, e.mapExecError(ctx, q, err))
				return
			}
			if columns == nil {
				columns = columnsForDoc(doc)
			}
			batch = append(batch, rowForDoc(columns, doc))
			if len(batch) >= e.limits.BatchSize {
				if !yield(engine.Batch{Columns: columns, Rows: batch}, nil) {
					return
				}
				batch = nil
			}
		}
		if err := cursor.Err(); err != nil {
			yield(engine.Batch{}, e.mapExecError(ctx, q, err))
			return
		}
		if len(batch) > 0 {
			yield(engine.Batch{Columns: columns, Rows: batch}, nil)
		}
	}
}

func (e *Executor) ExplainPlan(ctx context.Context, q engine.GeneratedQuery, cfg datasource.ConnectionConfig) (engine.PlanDescription, error) {
	coll, pipeline, err := e.prepare(q, cfg)
	if err != nil {
		return engine.PlanDescription{}, err
	}
	client, err := e.client(ctx, cfg)
	if err != nil {
		return engine.PlanDescription{}, err
	}

	queryCtx, cancel := context.WithTimeout(ctx, e.limits.QueryTimeout)
	defer cancel()

	command := bson.D{
		{Key: "explain", Value: bson.D{
			{Key: "aggregate", Value: coll},
			{Key: "pipeline", Value: pipeline},
			{Key: "cursor", Value: bson.D{}},
		}},
		{Key: "verbosity", Value: "queryPlanner"},
	}
	var reply bson.M
	if err := client.Database(cfg.Database).RunCommand(queryCtx, command).Decode(&reply); err != nil {
		return engine.PlanDescription{}, e.mapExecError(queryCtx, q, err)
	}
	encoded, err := bson.MarshalExtJSON(reply, false, false)
	if err != nil {
		return engine.PlanDescription{}, engine.ExecutionError(string(datasource.SubtypeMongoDB), q.Fingerprint, err)
	}
	return engine.PlanDescription{
		Supported: true,
		Backend:   string(datasource.SubtypeMongoDB),
		Format:    "json",
		Plan:      string(encoded),
	}, nil
}

func (e *Executor) TestConnection(ctx context.Context, cfg datasource.ConnectionConfig) bool {
	if cfg.Validate() != nil || cfg.Subtype != datasource.SubtypeMongoDB {
		return false
	}
	probeCtx, cancel := context.WithTimeout(ctx, e.limits.ConnectTimeout)
	defer cancel()
	client, err := e.client(probeCtx, cfg)
	if err != nil {
		return false
	}
	return client.Ping(probeCtx, nil) == nil
}

// Close disconnects every cached client. Idempotent.
func (e *Executor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.limits.ConnectTimeout)
	defer cancel()
	var firstErr error
	for identity, client := range e.clients {
		if err := client.Disconnect(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("disconnect %s: %w", identity, err)
		}
	}
	e.clients = make(map[string]*mongo.Client)
	e.closed = true
	return firstErr
}

// prepare checks language and connection shape and decodes the pipeline
// into driver form. The target collection is Entities[0].
func (e *Executor) prepare(q engine.GeneratedQuery, cfg datasource.ConnectionConfig) (string, mongo.Pipeline, error) {
	if q.Language != engine.LanguageMongoPipeline {
		return "", nil, fmt.Errorf("%w: executor runs %s, query is %s", engine.ErrLanguageMismatch, engine.LanguageMongoPipeline, q.Language)
	}
	if cfg.Subtype != datasource.SubtypeMongoDB {
		return "", nil, fmt.Errorf("%w: executor is %s, connection is %s", engine.ErrSubtypeMismatch, datasource.SubtypeMongoDB, cfg.Subtype)
	}
	if err := cfg.Validate(); err != nil {
		return "", nil, engine.ConnectionError(string(datasource.SubtypeMongoDB), q.Fingerprint, err)
	}
	if len(q.Entities) == 0 {
		return "", nil, engine.ValidationError(string(datasource.SubtypeMongoDB), q.Fingerprint, "query names no target collection")
	}
	pipeline, err := parsePipeline(q.Query)
	if err != nil {
		return "", nil, engine.ValidationError(string(datasource.SubtypeMongoDB), q.Fingerprint, err.Error())
	}
	return q.Entities[0], pipeline, nil
}

// parsePipeline decodes the JSON stage array through extended JSON so
// operator values like dates and object IDs survive.
func parsePipeline(pipelineJSON string) (mongo.Pipeline, error) {
	wrapped := fmt.Sprintf(`{"pipeline": %s}`, pipelineJSON)
	var envelope struct {
		Pipeline []bson.D `bson:"pipeline"`
	}
	if err := bson.UnmarshalExtJSON([]byte(wrapped), false, &envelope); err != nil {
		return nil, fmt.Errorf("decode pipeline: %w", err)
	}
	if len(envelope.Pipeline) == 0 {
		return nil, errors.New("pipeline has no stages")
	}
	return mongo.Pipeline(envelope.Pipeline), nil
}

func (e *Executor) client(ctx context.Context, cfg datasource.ConnectionConfig) (*mongo.Client, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, engine.ConnectionError(string(datasource.SubtypeMongoDB), "", errors.New("executor is closed"))
	}
	identity := cfg.Identity()
	if client, ok := e.clients[identity]; ok {
		return client, nil
	}

	connectCtx, cancel := context.WithTimeout(ctx, e.limits.ConnectTimeout)
	defer cancel()
	opts := options.Client().
		ApplyURI(mongoURI(cfg)).
		SetMaxPoolSize(uint64(e.limits.MaxOpenConns)).
		SetConnectTimeout(e.limits.ConnectTimeout)
	client, err := e.connectFn(connectCtx, opts)
	if err != nil {
		return nil, engine.ConnectionError(string(datasource.SubtypeMongoDB), "", err)
	}

	e.logger.Debug("connected mongodb client", slog.Any("conn", cfg))
	e.clients[identity] = client
	return client, nil
}

func (e *Executor) mapExecError(ctx context.Context, q engine.GeneratedQuery, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return engine.TimeoutError(string(datasource.SubtypeMongoDB), q.Fingerprint, err)
	}
	return engine.ExecutionError(string(datasource.SubtypeMongoDB), q.Fingerprint, err)
}

func mongoURI(cfg datasource.ConnectionConfig) string {
	u := url.URL{
		Scheme: "mongodb",
		Host:   fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Path:   "/" + cfg.Database,
	}
	if cfg.Username != "" {
		u.User = url.UserPassword(cfg.Username, cfg.Password)
	}
	query := url.Values{}
	for key, value := range cfg.Extra {
		query.Set(key, value)
	}
	if cfg.TLS {
		query.Set("tls", "true")
	}
	u.RawQuery = query.Encode()
	return u.String()
}

// columnsForDoc derives a stable column order from the first document,
// _id first and the rest sorted by name.
func columnsForDoc(doc bson.M) []engine.Column {
	names := make([]string, 0, len(doc))
	for name := range doc {
		if name != "_id" {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	if _, ok := doc["_id"]; ok {
		names = append([]string{"_id"}, names...)
	}

	columns := make([]engine.Column, len(names))
	for i, name := range names {
		columnType := "unknown"
		if doc[name] != nil {
			columnType = fmt.Sprintf("%T", doc[name])
		}
		columns[i] = engine.Column{Name: name, Type: columnType}
	}
	return columns
}

func rowForDoc(columns []engine.Column, doc bson.M) []any {
	row := make([]any, len(columns))
	for i, column := range columns {
		row[i] = doc[column.Name]
	}
	return row
}
