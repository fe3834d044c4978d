// Package document generates and executes MongoDB aggregation pipelines.
package document

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/querymesh/querymesh/internal/confidence"
	"github.com/querymesh/querymesh/internal/datasource"
	"github.com/querymesh/querymesh/internal/engine"
	"github.com/querymesh/querymesh/internal/schema"
	"github.com/querymesh/querymesh/internal/translate"
)

// Generator produces aggregation pipelines as JSON arrays of stage
// documents. The target collection travels in GeneratedQuery.Entities[0].
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
	return engine.LanguageMongoPipeline
}

func (g *Generator) Generate(ctx context.Context, request string, sc schema.Context) (engine.GeneratedQuery, error) {
	grounding := confidence.Ground(request, sc)
	if len(grounding.Entities) == 0 {
		return engine.GeneratedQuery{}, engine.GenerationError(string(datasource.SubtypeMongoDB),
			fmt.Sprintf("no collection in request %q could be grounded in the schema", request), nil)
	}

	var (
		pipeline       string
		rationale      string
		translatorConf = -1.0
	)
	if g.translator != nil {
		result, err := g.translator.Translate(ctx, translate.Request{
			Prompt:   request,
			Schema:   sc,
			Language: "mongodb_pipeline",
		})
		if err != nil {
			return engine.GeneratedQuery{}, engine.GenerationError(string(datasource.SubtypeMongoDB), "translation failed", err)
		}
		pipeline = strings.TrimSpace(result.QueryText)
		rationale = result.Rationale
		translatorConf = result.Confidence
	} else {
		built, err := fallbackPipeline(grounding)
		if err != nil {
			return engine.GeneratedQuery{}, engine.GenerationError(string(datasource.SubtypeMongoDB), "fallback pipeline construction failed", err)
		}
		pipeline = built
	}

	score := grounding.Score()
	if translatorConf >= 0 && translatorConf < score {
		score = translatorConf
	}

	explanation := grounding.Explanation()
	if rationale != "" {
		explanation = explanation + " Translator rationale: " + rationale
	}

	g.logger.Debug("generated aggregation pipeline",
		slog.String("collection", grounding.Entities[0]),
		slog.Float64("confidence", score),
	)

	return engine.GeneratedQuery{
		Query:         pipeline,
		Language:      engine.LanguageMongoPipeline,
		Kind:          classifyPipeline(pipeline),
		Entities:      grounding.Entities,
		EstimatedRows: estimatedRows(pipeline),
		Confidence:    score,
		Explanation:   explanation,
		Warnings:      grounding.Warnings(),
		Fingerprint:   engine.QueryFingerprint(datasource.SubtypeMongoDB, request, sc.Version),
		SchemaVersion: sc.Version,
	}, nil
}

func (g *Generator) Explain(q engine.GeneratedQuery) string {
	if q.Explanation != "" {
		return q.Explanation
	}
	return fmt.Sprintf("A MongoDB %s pipeline over %s.", q.Kind, strings.Join(q.Entities, ", "))
}

// fallbackPipeline builds a pipeline from grounding alone, used when no
// translation provider is configured.
func fallbackPipeline(grounding confidence.Grounding) (string, error) {
	var stages []map[string]any
	switch {
	case grounding.Aggregate:
		stages = append(stages, map[string]any{"$count": "total"})
	case grounding.TopN > 0:
		sortField := "_id"
		if fields := grounding.Fields[grounding.Entities[0]]; len(fields) > 0 {
			sortField = fields[0]
		}
		stages = append(stages,
			map[string]any{"$sort": map[string]any{sortField: -1}},
			map[string]any{"$limit": grounding.TopN},
		)
	default:
		stages = append(stages, map[string]any{"$limit": 100})
	}
	encoded, err := json.Marshal(stages)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

var aggregateStages = map[string]struct{}{
	"$count":      {},
	"$group":      {},
	"$bucket":     {},
	"$bucketAuto": {},
	"$facet":      {},
}

var mutationStages = map[string]struct{}{
	"$merge": {},
	"$out":   {},
}

func classifyPipeline(pipeline string) engine.QueryKind {
	stages, err := decodeStages(pipeline)
	if err != nil {
		return engine.KindSelect
	}
	kind := engine.KindSelect
	for _, stage := range stages {
		for name := range stage {
			if _, ok := mutationStages[name]; ok {
				return engine.KindMutation
			}
			if _, ok := aggregateStages[name]; ok {
				kind = engine.KindAggregate
			}
		}
	}
	return kind
}

func estimatedRows(pipeline string) int64 {
	stages, err := decodeStages(pipeline)
	if err != nil {
		return 0
	}
	for i := len(stages) - 1; i >= 0; i-- {
		if raw, ok := stages[i]["$limit"]; ok {
			if n, ok := raw.(float64); ok && n > 0 {
				return int64(n)
			}
		}
		if _, ok := stages[i]["$count"]; ok {
			return 1
		}
	}
	return 0
}

func decodeStages(pipeline string) ([]map[string]any, error) {
	var stages []map[string]any
	if err := json.Unmarshal([]byte(pipeline), &stages); err != nil {
		return nil, fmt.Errorf("pipeline is not a JSON array of stages: %w", err)
	}
	return stages, nil
}
