package graph

import (
	"fmt"
	"strings"

	"github.com/querymesh/querymesh/internal/engine"
)

var allowedLeads = map[string]struct{}{
	"match":    {},
	"optional": {},
	"with":     {},
	"unwind":   {},
	"call":     {},
	"create":   {},
	"merge":    {},
	"return":   {},
}

// schemaChanges are administrative statements the engine refuses to run.
var schemaChanges = []string{
	"create index",
	"drop index",
	"create constraint",
	"drop constraint",
	"create database",
	"drop database",
}

func (g *Generator) Validate(q engine.GeneratedQuery) engine.ValidationResult {
	var result engine.ValidationResult
	if q.Language != engine.LanguageCypher {
		result.Errors = append(result.Errors, fmt.Sprintf("query language is %q, not %q", q.Language, engine.LanguageCypher))
		return result
	}

	trimmed := strings.TrimSpace(q.Query)
	if trimmed == "" {
		result.Errors = append(result.Errors, "query is empty")
		return result
	}

	lower := strings.ToLower(trimmed)
	for _, statement := range schemaChanges {
		if strings.Contains(lower, statement) {
			result.Errors = append(result.Errors, fmt.Sprintf("schema change statement %q is not allowed", statement))
			return result
		}
	}

	lead := strings.Fields(lower)[0]
	if _, ok := allowedLeads[lead]; !ok {
		result.Errors = append(result.Errors, fmt.Sprintf("statement starts with %q, expected a cypher clause", lead))
		return result
	}

	if err := checkClauseShape(trimmed); err != nil {
		result.Errors = append(result.Errors, err.Error())
		return result
	}

	if !strings.Contains(lower, "return") && classifyCypher(trimmed) != engine.KindMutation {
		result.Warnings = append(result.Warnings, "read query has no RETURN clause")
	}
	result.Valid = true
	return result
}

// checkClauseShape verifies brackets and quotes balance outside string
// literals.
func checkClauseShape(cypher string) error {
	var (
		parens, brackets, braces int
		inSingle, inDouble       bool
	)
	runes := []rune(cypher)
	for i := 0; i < len(runes); i++ {
		c := runes[i]
		switch {
		case inSingle:
			if c == '\\' {
				i++
			} else if c == '\'' {
				inSingle = false
			}
		case inDouble:
			if c == '\\' {
				i++
			} else if c == '"' {
				inDouble = false
			}
		default:
			switch c {
			case '\'':
				inSingle = true
			case '"':
				inDouble = true
			case '(':
				parens++
			case ')':
				parens--
			case '[':
				brackets++
			case ']':
				brackets--
			case '{':
				braces++
			case '}':
				braces--
			case ';':
				if i != len(runes)-1 {
					return fmt.Errorf("statement contains an interior semicolon")
				}
			}
			if parens < 0 || brackets < 0 || braces < 0 {
				return fmt.Errorf("unbalanced delimiters")
			}
		}
	}
	if inSingle || inDouble {
		return fmt.Errorf("unterminated string literal")
	}
	if parens != 0 || brackets != 0 || braces != 0 {
		return fmt.Errorf("unbalanced delimiters")
	}
	return nil
}
