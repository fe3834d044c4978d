package document

import (
	"context"
	"errors"
	"strings"
	"testing"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/querymesh/querymesh/internal/datasource"
	"github.com/querymesh/querymesh/internal/engine"
)

func mongoConn() datasource.ConnectionConfig {
	return datasource.ConnectionConfig{
		Subtype:  datasource.SubtypeMongoDB,
		Host:     "mongo.internal",
		Port:     27017,
		Database: "shop",
		Username: "reader",
		Password: "swordfish",
	}
}

func TestParsePipeline(t *testing.T) {
	pipeline, err := parsePipeline(`[{"$match": {"status": "open"}}, {"$limit": 5}]`)
	if err != nil {
		t.Fatalf("parsePipeline() error = %v", err)
	}
	if len(pipeline) != 2 {
		t.Fatalf("stages = %d, want 2", len(pipeline))
	}
	if pipeline[0][0].Key != "$match" {
		t.Errorf("first stage operator = %q, want $match", pipeline[0][0].Key)
	}
}

func TestParsePipelineRejectsEmpty(t *testing.T) {
	if _, err := parsePipeline(`[]`); err == nil {
		t.Fatal("parsePipeline() accepted an empty array")
	}
	if _, err := parsePipeline(`not json`); err == nil {
		t.Fatal("parsePipeline() accepted garbage")
	}
}

func TestPrepareLanguageMismatch(t *testing.T) {
	exec := NewExecutor(engine.Limits{}, nil)
	q := engine.GeneratedQuery{Query: "SELECT 1", Language: engine.LanguageSQL}
	_, _, err := exec.prepare(q, mongoConn())
	if !errors.Is(err, engine.ErrLanguageMismatch) {
		t.Fatalf("error = %v, want ErrLanguageMismatch", err)
	}
}

func TestPrepareSubtypeMismatch(t *testing.T) {
	exec := NewExecutor(engine.Limits{}, nil)
	q := engine.GeneratedQuery{Query: `[{"$limit": 1}]`, Language: engine.LanguageMongoPipeline, Entities: []string{"orders"}}
	conn := mongoConn()
	conn.Subtype = datasource.SubtypeNeo4j
	_, _, err := exec.prepare(q, conn)
	if !errors.Is(err, engine.ErrSubtypeMismatch) {
		t.Fatalf("error = %v, want ErrSubtypeMismatch", err)
	}
}

func TestPrepareRequiresCollection(t *testing.T) {
	exec := NewExecutor(engine.Limits{}, nil)
	q := engine.GeneratedQuery{Query: `[{"$limit": 1}]`, Language: engine.LanguageMongoPipeline}
	_, _, err := exec.prepare(q, mongoConn())
	if !engine.IsKind(err, engine.KindValidation) {
		t.Fatalf("error = %v, want validation kind", err)
	}
}

func TestPrepareResolvesCollection(t *testing.T) {
	exec := NewExecutor(engine.Limits{}, nil)
	q := engine.GeneratedQuery{
		Query:    `[{"$limit": 1}]`,
		Language: engine.LanguageMongoPipeline,
		Entities: []string{"orders"},
	}
	coll, pipeline, err := exec.prepare(q, mongoConn())
	if err != nil {
		t.Fatalf("prepare() error = %v", err)
	}
	if coll != "orders" {
		t.Errorf("collection = %q, want orders", coll)
	}
	if len(pipeline) != 1 {
		t.Errorf("stages = %d, want 1", len(pipeline))
	}
}

func TestMongoURI(t *testing.T) {
	cfg := mongoConn()
	cfg.TLS = true
	uri := mongoURI(cfg)
	if !strings.HasPrefix(uri, "mongodb://") {
		t.Errorf("uri %q has wrong scheme", uri)
	}
	if !strings.Contains(uri, "mongo.internal:27017") {
		t.Errorf("uri %q misses host", uri)
	}
	if !strings.Contains(uri, "/shop") {
		t.Errorf("uri %q misses database", uri)
	}
	if !strings.Contains(uri, "tls=true") {
		t.Errorf("uri %q misses tls flag", uri)
	}
}

func TestColumnsForDocOrdering(t *testing.T) {
	doc := bson.M{"total": 12.5, "_id": "x", "status": "open"}
	columns := columnsForDoc(doc)
	if len(columns) != 3 {
		t.Fatalf("columns = %d, want 3", len(columns))
	}
	if columns[0].Name != "_id" {
		t.Errorf("first column = %q, want _id", columns[0].Name)
	}
	if columns[1].Name != "status" || columns[2].Name != "total" {
		t.Errorf("column order = %q, %q; want status, total", columns[1].Name, columns[2].Name)
	}

	row := rowForDoc(columns, doc)
	if row[0] != "x" || row[1] != "open" || row[2] != 12.5 {
		t.Errorf("row = %v", row)
	}
}

func TestCloseIdempotent(t *testing.T) {
	exec := NewExecutor(engine.Limits{}, nil)
	if err := exec.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := exec.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	_, err := exec.Execute(context.Background(), engine.GeneratedQuery{
		Query:    `[{"$limit": 1}]`,
		Language: engine.LanguageMongoPipeline,
		Entities: []string{"orders"},
	}, mongoConn())
	if err == nil {
		t.Fatal("Execute() succeeded after Close()")
	}
}
