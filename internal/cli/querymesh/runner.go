// Package querymesh implements the querymesh command line runner: ask a
// natural-language question against a datasource, preview the generated
// query, or probe connectivity.
package querymesh

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/querymesh/querymesh/internal/cache"
	"github.com/querymesh/querymesh/internal/config"
	"github.com/querymesh/querymesh/internal/datasource"
	"github.com/querymesh/querymesh/internal/engine"
	"github.com/querymesh/querymesh/internal/engine/factory"
	"github.com/querymesh/querymesh/internal/observability"
	"github.com/querymesh/querymesh/internal/schema"
	"github.com/querymesh/querymesh/internal/translate"
)

type Options struct {
	Lookup config.LookupFunc
	Stdout io.Writer
	Stderr io.Writer

	// ReadFile is swapped out in tests.
	ReadFile func(string) ([]byte, error)
}

func Run(ctx context.Context, args []string, defaults Options) int {
	stdout := defaults.Stdout
	if stdout == nil {
		stdout = io.Discard
	}
	stderr := defaults.Stderr
	if stderr == nil {
		stderr = io.Discard
	}
	lookup := defaults.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	readFile := defaults.ReadFile
	if readFile == nil {
		readFile = os.ReadFile
	}

	fs := flag.NewFlagSet("querymesh", flag.ContinueOnError)
	fs.SetOutput(stderr)

	subtypeFlag := fs.String("subtype", "", "datasource subtype (postgres, mysql, sqlite, duckdb, sqlserver, oracle, mongodb, neo4j)")
	request := fs.String("request", "", "natural-language request")
	schemaPath := fs.String("schema", "", "path to the schema context JSON file")
	host := fs.String("host", "", "datasource host")
	port := fs.Int("port", 0, "datasource port")
	database := fs.String("database", "", "database name or file path")
	username := fs.String("username", "", "datasource username")
	useTLS := fs.Bool("tls", false, "connect with TLS")
	minConfidence := fs.Float64("min-confidence", -1, "execution confidence threshold (overrides config)")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() < 1 {
		writeUsage(stderr)
		return 2
	}
	command := strings.TrimSpace(fs.Arg(0))

	cfg, err := config.Load("querymesh", lookup)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "load config: %v\n", err)
		return 1
	}
	logger := observability.NewLogger(observability.LoggerOptions{
		ServiceName: cfg.Service.Name,
		Level:       cfg.Observability.LogLevel,
		JSON:        cfg.Observability.LogJSON,
	}, stderr)

	if command == "subtypes" {
		for _, subtype := range datasource.Subtypes() {
			family, _ := subtype.Family()
			_, _ = fmt.Fprintf(stdout, "%-10s %s\n", subtype, family)
		}
		return 0
	}

	subtype, err := datasource.ParseSubtype(*subtypeFlag)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "invalid -subtype: %v\n", err)
		return 2
	}

	var translator translate.Translator
	if cfg.AI.TranslateEnabled {
		openai, err := translate.NewOpenAITranslator(translate.OpenAIConfig{
			BaseURL:     cfg.AI.BaseURL,
			APIKey:      cfg.AI.APIKey,
			Model:       cfg.AI.Model,
			Temperature: cfg.AI.Temperature,
			Timeout:     cfg.AI.Timeout,
		})
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "configure translator: %v\n", err)
			return 1
		}
		translator = translate.WithRetry(openai, translate.RetryConfig{
			MaxAttempts:     cfg.AI.MaxRetries,
			InitialInterval: cfg.AI.RetryInterval,
		})
	}

	limits := engine.Limits{
		MaxRows:        cfg.Limits.MaxRows,
		BatchSize:      cfg.Limits.BatchSize,
		QueryTimeout:   cfg.Limits.QueryTimeout,
		ConnectTimeout: cfg.Limits.ConnectTimeout,
		MaxOpenConns:   cfg.Limits.MaxOpenConns,
		MaxIdleConns:   cfg.Limits.MaxIdleConns,
	}
	engines := factory.New(factory.Options{Translator: translator, Limits: limits, Logger: logger})
	defer func() { _ = engines.Close() }()

	password, _ := lookup("QUERYMESH_DB_PASSWORD")
	conn := datasource.ConnectionConfig{
		Subtype:  subtype,
		Host:     strings.TrimSpace(*host),
		Port:     *port,
		Database: strings.TrimSpace(*database),
		Username: strings.TrimSpace(*username),
		Password: password,
		TLS:      *useTLS,
	}

	switch command {
	case "test-connection":
		_, executor, err := engines.ForSubtype(subtype)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "resolve engine: %v\n", err)
			return 1
		}
		if !executor.TestConnection(ctx, conn) {
			_, _ = fmt.Fprintln(stderr, "connection failed")
			return 1
		}
		_, _ = fmt.Fprintln(stdout, "connection ok")
		return 0
	case "translate", "ask":
		sc, err := loadSchema(readFile, *schemaPath)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "%v\n", err)
			return 2
		}
		if strings.TrimSpace(*request) == "" {
			_, _ = fmt.Fprintln(stderr, "-request is required")
			return 2
		}

		threshold := cfg.Session.MinConfidence
		if *minConfidence >= 0 {
			threshold = *minConfidence
		}
		store, err := newStore(cfg.Cache)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "configure cache: %v\n", err)
			return 1
		}
		caches := engine.NewCaches(store, cfg.Cache.QueryTTL, cfg.Cache.ResultTTL)
		session, err := engines.Session(subtype, caches, engine.SessionOptions{
			MinConfidence: threshold,
			Logger:        logger,
		})
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "build session: %v\n", err)
			return 1
		}

		out, err := session.Ask(ctx, engine.AskInput{
			Request:       *request,
			Schema:        sc,
			Conn:          conn,
			SkipExecution: command == "translate",
		})
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "%v\n", err)
			return 1
		}
		writeJSON(stdout, renderOutput(command, out))
		if command == "ask" && !out.Executed {
			return 3
		}
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "unknown command %q\n\n", command)
		writeUsage(stderr)
		return 2
	}
}

// exit code 3 marks a below-threshold query returned without execution,
// so scripts can distinguish it from hard failures.

func loadSchema(readFile func(string) ([]byte, error), path string) (schema.Context, error) {
	if strings.TrimSpace(path) == "" {
		return schema.Context{}, fmt.Errorf("-schema is required")
	}
	raw, err := readFile(path)
	if err != nil {
		return schema.Context{}, fmt.Errorf("read schema file: %w", err)
	}
	var sc schema.Context
	if err := json.Unmarshal(raw, &sc); err != nil {
		return schema.Context{}, fmt.Errorf("decode schema file: %w", err)
	}
	if len(sc.Entities) == 0 {
		return schema.Context{}, fmt.Errorf("schema file lists no entities")
	}
	return sc, nil
}

func newStore(cfg config.CacheConfig) (cache.Store, error) {
	if cfg.Backend == "redis" {
		return cache.NewRedisStore(cache.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
	}
	return cache.NewMemoryStore(), nil
}

type queryOutput struct {
	Query         string   `json:"query"`
	Language      string   `json:"language"`
	Kind          string   `json:"kind"`
	Confidence    float64  `json:"confidence"`
	Explanation   string   `json:"explanation"`
	Warnings      []string `json:"warnings,omitempty"`
	Fingerprint   string   `json:"fingerprint"`
	FromCache     bool     `json:"from_cache"`
	EstimatedRows int64    `json:"estimated_rows,omitempty"`
}

type askOutput struct {
	queryOutput
	Executed bool                    `json:"executed"`
	Result   *engine.ExecutionResult `json:"result,omitempty"`
}

func renderOutput(command string, out engine.AskOutput) any {
	q := queryOutput{
		Query:         out.Query.Query,
		Language:      string(out.Query.Language),
		Kind:          string(out.Query.Kind),
		Confidence:    out.Query.Confidence,
		Explanation:   out.Query.Explanation,
		Warnings:      out.Query.Warnings,
		Fingerprint:   out.Query.Fingerprint,
		FromCache:     out.QueryFromCache,
		EstimatedRows: out.Query.EstimatedRows,
	}
	if command == "translate" {
		return q
	}
	return askOutput{queryOutput: q, Executed: out.Executed, Result: out.Result}
}

func writeJSON(w io.Writer, value any) {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	_ = encoder.Encode(value)
}

func writeUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "usage: querymesh [flags] <command>")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "commands:")
	_, _ = fmt.Fprintln(w, "  subtypes          list supported datasource subtypes")
	_, _ = fmt.Fprintln(w, "  translate         generate a query without executing it")
	_, _ = fmt.Fprintln(w, "  ask               generate and execute a query")
	_, _ = fmt.Fprintln(w, "  test-connection   probe datasource connectivity")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "the datasource password is read from QUERYMESH_DB_PASSWORD, never from a flag")
}
