// Package confidence grounds a natural-language request in a schema
// context and scores how well the request resolved. Generators for every
// backend family share this grounding; the score is a signal for the
// caller, never an error.
package confidence

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/querymesh/querymesh/internal/schema"
)

var stopwords = map[string]struct{}{
	"a": {}, "all": {}, "an": {}, "and": {}, "are": {}, "by": {}, "do": {},
	"does": {}, "each": {}, "every": {}, "find": {}, "first": {}, "for": {},
	"from": {}, "get": {}, "give": {}, "has": {}, "have": {}, "how": {},
	"in": {}, "is": {}, "last": {}, "list": {}, "many": {}, "me": {},
	"much": {}, "of": {}, "on": {}, "or": {}, "per": {}, "show": {},
	"the": {}, "their": {}, "to": {}, "top": {}, "was": {}, "were": {},
	"what": {}, "which": {}, "who": {}, "with": {},
}

var aggregateWords = map[string]struct{}{
	"average": {}, "avg": {}, "count": {}, "max": {}, "maximum": {},
	"mean": {}, "min": {}, "minimum": {}, "number": {}, "sum": {},
	"total": {},
}

// Grounding is the result of resolving a request's terms against a schema.
type Grounding struct {
	Request    string
	Entities   []string
	Fields     map[string][]string
	Unresolved []string
	Ambiguous  []string
	Aggregate  bool
	TopN       int64
}

// Ground tokenizes the request and resolves each term to an entity or
// field of the schema context. Terms matching fields in more than one
// entity count as ambiguous; terms matching nothing count as unresolved.
func Ground(request string, sc schema.Context) Grounding {
	g := Grounding{Request: request, Fields: map[string][]string{}}
	tokens := tokenize(request)

	for i, token := range tokens {
		if _, ok := aggregateWords[token]; ok {
			g.Aggregate = true
			continue
		}
		if n, err := strconv.ParseInt(token, 10, 64); err == nil {
			if i > 0 && (tokens[i-1] == "top" || tokens[i-1] == "first" || tokens[i-1] == "last") {
				g.TopN = n
			}
			continue
		}
		if _, ok := stopwords[token]; ok {
			continue
		}

		if entity, ok := matchEntity(token, sc); ok {
			g.addEntity(entity.Name)
			continue
		}

		owners := matchField(token, sc)
		switch len(owners) {
		case 0:
			g.Unresolved = append(g.Unresolved, token)
		case 1:
			for entityName, fieldName := range owners {
				g.addEntity(entityName)
				g.addField(entityName, fieldName)
			}
		default:
			g.Ambiguous = append(g.Ambiguous, token)
			names := make([]string, 0, len(owners))
			for entityName := range owners {
				names = append(names, entityName)
			}
			sort.Strings(names)
			// ambiguous terms still ground against every candidate entity
			for _, entityName := range names {
				g.addEntity(entityName)
				g.addField(entityName, owners[entityName])
			}
		}
	}
	return g
}

// Score combines the resolved fraction with an ambiguity penalty. It is
// monotonically non-increasing in the number of unresolved terms, holding
// everything else fixed.
func (g Grounding) Score() float64 {
	resolved := len(g.Entities)
	for _, fields := range g.Fields {
		resolved += len(fields)
	}
	terms := resolved + len(g.Unresolved)
	if terms == 0 {
		return 0.25
	}
	fraction := float64(resolved) / float64(terms)
	ambiguityFactor := 1.0 / (1.0 + 0.25*float64(len(g.Ambiguous)))
	score := fraction * ambiguityFactor
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// Warnings lists advisory findings attached to the generated query.
func (g Grounding) Warnings() []string {
	var warnings []string
	for _, term := range g.Unresolved {
		warnings = append(warnings, fmt.Sprintf("term %q does not match any entity or field in the schema", term))
	}
	for _, term := range g.Ambiguous {
		warnings = append(warnings, fmt.Sprintf("term %q matches fields in multiple entities", term))
	}
	if len(g.Entities) == 0 {
		warnings = append(warnings, "no entity in the request could be grounded in the schema")
	}
	return warnings
}

// Explanation renders a deterministic, side-effect-free rationale of the
// grounding decisions. It is never empty for a grounded request.
func (g Grounding) Explanation() string {
	var b strings.Builder
	if len(g.Entities) > 0 {
		b.WriteString("Matched entities: ")
		parts := make([]string, 0, len(g.Entities))
		for _, entity := range g.Entities {
			if fields := g.Fields[entity]; len(fields) > 0 {
				parts = append(parts, fmt.Sprintf("%s (fields: %s)", entity, strings.Join(fields, ", ")))
			} else {
				parts = append(parts, entity)
			}
		}
		b.WriteString(strings.Join(parts, "; "))
		b.WriteString(".")
	} else {
		b.WriteString("No entity matched the request.")
	}
	if g.Aggregate {
		b.WriteString(" The request asks for an aggregate value.")
	}
	if g.TopN > 0 {
		b.WriteString(fmt.Sprintf(" The request bounds the result to the top %d rows.", g.TopN))
	}
	if len(g.Unresolved) > 0 {
		b.WriteString(fmt.Sprintf(" Unresolved terms: %s.", strings.Join(g.Unresolved, ", ")))
	}
	if len(g.Ambiguous) > 0 {
		b.WriteString(fmt.Sprintf(" Ambiguous terms: %s.", strings.Join(g.Ambiguous, ", ")))
	}
	return b.String()
}

func (g *Grounding) addEntity(name string) {
	for _, existing := range g.Entities {
		if existing == name {
			return
		}
	}
	g.Entities = append(g.Entities, name)
}

func (g *Grounding) addField(entity, field string) {
	for _, existing := range g.Fields[entity] {
		if existing == field {
			return
		}
	}
	g.Fields[entity] = append(g.Fields[entity], field)
}

func tokenize(request string) []string {
	lowered := strings.ToLower(request)
	return strings.FieldsFunc(lowered, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
}

func matchEntity(token string, sc schema.Context) (schema.Entity, bool) {
	for _, entity := range sc.Entities {
		if sameWord(token, entity.Name) {
			return entity, true
		}
	}
	return schema.Entity{}, false
}

// matchField returns entity name -> canonical field name for every entity
// owning a field matching the token.
func matchField(token string, sc schema.Context) map[string]string {
	owners := map[string]string{}
	for _, entity := range sc.Entities {
		for _, field := range entity.Fields {
			if sameWord(token, field.Name) {
				owners[entity.Name] = field.Name
				break
			}
		}
	}
	return owners
}

// sameWord compares case-insensitively, tolerating a trailing plural "s".
func sameWord(a, b string) bool {
	a = strings.ToLower(a)
	b = strings.ToLower(b)
	if a == b {
		return true
	}
	return strings.TrimSuffix(a, "s") == strings.TrimSuffix(b, "s")
}
