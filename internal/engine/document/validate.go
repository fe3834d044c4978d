package document

import (
	"fmt"

	"github.com/querymesh/querymesh/internal/engine"
)

// knownStages is the set of stage operators the validator accepts. It
// covers what the fallback and translation paths emit; anything outside
// it is rejected rather than passed through to the server unchecked.
var knownStages = map[string]struct{}{
	"$addFields":   {},
	"$bucket":      {},
	"$bucketAuto":  {},
	"$count":       {},
	"$facet":       {},
	"$group":       {},
	"$limit":       {},
	"$lookup":      {},
	"$match":       {},
	"$merge":       {},
	"$out":         {},
	"$project":     {},
	"$redact":      {},
	"$replaceRoot": {},
	"$sample":      {},
	"$set":         {},
	"$skip":        {},
	"$sort":        {},
	"$sortByCount": {},
	"$unset":       {},
	"$unwind":      {},
}

func (g *Generator) Validate(q engine.GeneratedQuery) engine.ValidationResult {
	var result engine.ValidationResult
	if q.Language != engine.LanguageMongoPipeline {
		result.Errors = append(result.Errors, fmt.Sprintf("query language is %q, not %q", q.Language, engine.LanguageMongoPipeline))
		return result
	}

	stages, err := decodeStages(q.Query)
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
		return result
	}
	if len(stages) == 0 {
		result.Errors = append(result.Errors, "pipeline has no stages")
		return result
	}

	for i, stage := range stages {
		if len(stage) != 1 {
			result.Errors = append(result.Errors, fmt.Sprintf("stage %d has %d operators, want exactly one", i, len(stage)))
			continue
		}
		for name := range stage {
			if _, ok := knownStages[name]; !ok {
				result.Errors = append(result.Errors, fmt.Sprintf("stage %d uses unknown operator %q", i, name))
			}
		}
	}

	if len(result.Errors) > 0 {
		return result
	}
	if _, last := stages[len(stages)-1]["$limit"]; !last {
		if classifyPipeline(q.Query) == engine.KindSelect {
			result.Warnings = append(result.Warnings, "pipeline has no trailing $limit stage")
		}
	}
	result.Valid = true
	return result
}
