// Package graph generates and executes Cypher against Neo4j.
package graph

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/querymesh/querymesh/internal/confidence"
	"github.com/querymesh/querymesh/internal/datasource"
	"github.com/querymesh/querymesh/internal/engine"
	"github.com/querymesh/querymesh/internal/schema"
	"github.com/querymesh/querymesh/internal/translate"
)

type Generator struct {
	translator translate.Translator
	logger     *slog.Logger
}

func NewGenerator(translator translate.Translator, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{translator: translator, logger: logger}
}

func (g *Generator) Language() engine.QueryLanguage {
	return engine.LanguageCypher
}

func (g *Generator) Generate(ctx context.Context, request string, sc schema.Context) (engine.GeneratedQuery, error) {
	grounding := confidence.Ground(request, sc)
	if len(grounding.Entities) == 0 {
		return engine.GeneratedQuery{}, engine.GenerationError(string(datasource.SubtypeNeo4j),
			fmt.Sprintf("no node label in request %q could be grounded in the schema", request), nil)
	}

	var (
		cypher         string
		rationale      string
		translatorConf = -1.0
	)
	if g.translator != nil {
		result, err := g.translator.Translate(ctx, translate.Request{
			Prompt:   request,
			Schema:   sc,
			Language: "cypher",
		})
		if err != nil {
			return engine.GeneratedQuery{}, engine.GenerationError(string(datasource.SubtypeNeo4j), "translation failed", err)
		}
		cypher = strings.TrimRight(strings.TrimSpace(result.QueryText), ";")
		rationale = result.Rationale
		translatorConf = result.Confidence
	} else {
		cypher = fallbackCypher(grounding, sc)
	}

	score := grounding.Score()
	if translatorConf >= 0 && translatorConf < score {
		score = translatorConf
	}

	explanation := grounding.Explanation()
	if rationale != "" {
		explanation = explanation + " Translator rationale: " + rationale
	}

	g.logger.Debug("generated cypher query",
		slog.String("label", grounding.Entities[0]),
		slog.Float64("confidence", score),
	)

	return engine.GeneratedQuery{
		Query:         cypher,
		Language:      engine.LanguageCypher,
		Kind:          classifyCypher(cypher),
		Entities:      grounding.Entities,
		EstimatedRows: estimatedRows(cypher),
		Confidence:    score,
		Explanation:   explanation,
		Warnings:      grounding.Warnings(),
		Fingerprint:   engine.QueryFingerprint(datasource.SubtypeNeo4j, request, sc.Version),
		SchemaVersion: sc.Version,
	}, nil
}

func (g *Generator) Explain(q engine.GeneratedQuery) string {
	if q.Explanation != "" {
		return q.Explanation
	}
	return fmt.Sprintf("A Cypher %s query over %s.", q.Kind, strings.Join(q.Entities, ", "))
}

func fallbackCypher(grounding confidence.Grounding, sc schema.Context) string {
	label := grounding.Entities[0]
	switch {
	case grounding.Aggregate:
		return fmt.Sprintf("MATCH (n:%s) RETURN count(n) AS total", label)
	case grounding.TopN > 0:
		orderProperty := ""
		if fields := grounding.Fields[label]; len(fields) > 0 {
			orderProperty = fields[0]
		} else if entity, ok := sc.Entity(label); ok && len(entity.Fields) > 0 {
			orderProperty = entity.Fields[0].Name
		}
		if orderProperty != "" {
			return fmt.Sprintf("MATCH (n:%s) RETURN n ORDER BY n.%s DESC LIMIT %d", label, orderProperty, grounding.TopN)
		}
		return fmt.Sprintf("MATCH (n:%s) RETURN n LIMIT %d", label, grounding.TopN)
	default:
		return fmt.Sprintf("MATCH (n:%s) RETURN n LIMIT 100", label)
	}
}

var (
	relationshipPattern = regexp.MustCompile(`-\[[^\]]*\]->?|<-\[[^\]]*\]-`)
	cypherAggregate     = regexp.MustCompile(`(?i)\b(count|sum|avg|min|max|collect)\s*\(`)
	cypherMutation      = regexp.MustCompile(`(?i)\b(create|merge|delete|detach\s+delete|set|remove)\b`)
	cypherLimit         = regexp.MustCompile(`(?i)\blimit\s+(\d+)\s*$`)
)

func classifyCypher(cypher string) engine.QueryKind {
	switch {
	case cypherMutation.MatchString(cypher):
		return engine.KindMutation
	case relationshipPattern.MatchString(cypher):
		return engine.KindTraversal
	case cypherAggregate.MatchString(cypher):
		return engine.KindAggregate
	default:
		return engine.KindSelect
	}
}

func estimatedRows(cypher string) int64 {
	if match := cypherLimit.FindStringSubmatch(strings.TrimSpace(cypher)); match != nil {
		var n int64
		if _, err := fmt.Sscanf(match[1], "%d", &n); err == nil {
			return n
		}
	}
	if classifyCypher(cypher) == engine.KindAggregate {
		return 1
	}
	return 0
}
