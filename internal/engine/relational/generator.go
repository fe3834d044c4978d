// Package relational implements the query engine contracts for SQL
// backends. One generator/executor pair serves every supported dialect;
// the dialect is fixed at construction from the datasource subtype.
package relational

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	sq "github.com/Masterminds/squirrel"

	"github.com/querymesh/querymesh/internal/confidence"
	"github.com/querymesh/querymesh/internal/datasource"
	"github.com/querymesh/querymesh/internal/engine"
	"github.com/querymesh/querymesh/internal/schema"
	"github.com/querymesh/querymesh/internal/translate"
)

const defaultRowBound = 100

type Generator struct {
	subtype    datasource.Subtype
	translator translate.Translator
	logger     *slog.Logger
}

// NewGenerator builds a SQL generator for a relational subtype. The
// translator is optional: without one, generation falls back to a
// deterministic query built from the schema grounding alone.
func NewGenerator(subtype datasource.Subtype, translator translate.Translator, logger *slog.Logger) (*Generator, error) {
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
	return &Generator{subtype: subtype, translator: translator, logger: logger}, nil
}

func (g *Generator) Language() engine.QueryLanguage {
	return engine.LanguageSQL
}

func (g *Generator) Generate(ctx context.Context, request string, sc schema.Context) (engine.GeneratedQuery, error) {
	grounding := confidence.Ground(request, sc)
	if len(grounding.Entities) == 0 {
		return engine.GeneratedQuery{}, engine.GenerationError(string(g.subtype),
			fmt.Sprintf("no entity in request %q could be grounded in the schema", request), nil)
	}

	var (
		sqlText        string
		rationale      string
		translatorConf = -1.0
	)
	if g.translator != nil {
		result, err := g.translator.Translate(ctx, translate.Request{
			Prompt:   request,
			Schema:   sc,
			Language: "sql/" + string(g.subtype),
		})
		if err != nil {
			return engine.GeneratedQuery{}, engine.GenerationError(string(g.subtype), "translation failed", err)
		}
		sqlText = stripTrailingSemicolons(result.QueryText)
		rationale = result.Rationale
		translatorConf = result.Confidence
	} else {
		built, err := g.fallbackSQL(grounding, sc)
		if err != nil {
			return engine.GeneratedQuery{}, engine.GenerationError(string(g.subtype), "fallback query construction failed", err)
		}
		sqlText = built
	}

	score := grounding.Score()
	if translatorConf >= 0 && translatorConf < score {
		score = translatorConf
	}

	explanation := grounding.Explanation()
	if rationale != "" {
		explanation = explanation + " Translator rationale: " + rationale
	}

	g.logger.Debug("generated sql query",
		slog.String("dialect", string(g.subtype)),
		slog.Float64("confidence", score),
	)

	return engine.GeneratedQuery{
		Query:         sqlText,
		Language:      engine.LanguageSQL,
		Kind:          classifySQL(sqlText),
		Entities:      grounding.Entities,
		EstimatedRows: estimatedRows(sqlText),
		Confidence:    score,
		Explanation:   explanation,
		Warnings:      grounding.Warnings(),
		Fingerprint:   engine.QueryFingerprint(g.subtype, request, sc.Version),
		SchemaVersion: sc.Version,
	}, nil
}

// Explain is deterministic and side-effect-free: it never reaches the
// translation provider.
func (g *Generator) Explain(q engine.GeneratedQuery) string {
	if q.Explanation != "" {
		return q.Explanation
	}
	return fmt.Sprintf("A %s %s query over %s.", g.subtype, q.Kind, strings.Join(q.Entities, ", "))
}

// fallbackSQL builds a query from the grounding alone, mirroring the
// behavior when no translation provider is configured.
func (g *Generator) fallbackSQL(grounding confidence.Grounding, sc schema.Context) (string, error) {
	entityName := grounding.Entities[0]
	entity, ok := sc.Entity(entityName)
	if !ok {
		return "", fmt.Errorf("entity %q missing from schema", entityName)
	}

	if grounding.Aggregate {
		builder := sq.Select("COUNT(*) AS total").From(entity.Name)
		sqlText, _, err := builder.ToSql()
		if err != nil {
			return "", err
		}
		return sqlText, nil
	}

	columns := entity.FieldNames()
	if len(columns) == 0 {
		columns = []string{"*"}
	}
	builder := sq.Select(columns...).From(entity.Name)

	bound := uint64(defaultRowBound)
	if grounding.TopN > 0 {
		bound = uint64(grounding.TopN)
		if fields := grounding.Fields[entity.Name]; len(fields) > 0 {
			builder = builder.OrderBy(fields[0] + " DESC")
		}
	}
	builder = builder.Limit(bound)

	sqlText, _, err := builder.ToSql()
	if err != nil {
		return "", err
	}
	return sqlText, nil
}

var mutationVerbs = map[string]struct{}{
	"insert": {}, "update": {}, "delete": {}, "merge": {},
	"create": {}, "drop": {}, "alter": {}, "truncate": {},
}

var aggregatePattern = regexp.MustCompile(`(?i)\b(count|sum|avg|min|max)\s*\(|\bgroup\s+by\b`)

func classifySQL(sqlText string) engine.QueryKind {
	verb := leadingVerb(sqlText)
	if _, ok := mutationVerbs[verb]; ok {
		return engine.KindMutation
	}
	if aggregatePattern.MatchString(sqlText) {
		return engine.KindAggregate
	}
	return engine.KindSelect
}

var limitPattern = regexp.MustCompile(`(?i)\blimit\s+(\d+)\s*$`)

func estimatedRows(sqlText string) int64 {
	match := limitPattern.FindStringSubmatch(strings.TrimSpace(sqlText))
	if match == nil {
		return 0
	}
	n, err := strconv.ParseInt(match[1], 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func leadingVerb(sqlText string) string {
	fields := strings.Fields(strings.ToLower(strings.TrimSpace(sqlText)))
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

func stripTrailingSemicolons(sqlText string) string {
	trimmed := strings.TrimSpace(sqlText)
	for strings.HasSuffix(trimmed, ";") {
		trimmed = strings.TrimSpace(strings.TrimSuffix(trimmed, ";"))
	}
	return trimmed
}
