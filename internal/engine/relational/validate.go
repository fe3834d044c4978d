package relational

import (
	"fmt"
	"strings"

	"github.com/querymesh/querymesh/internal/engine"
)

var allowedVerbs = map[string]struct{}{
	"select": {}, "with": {}, "insert": {}, "update": {}, "delete": {},
}

var dangerousVerbs = map[string]struct{}{
	"drop": {}, "truncate": {}, "alter": {}, "create": {}, "grant": {}, "revoke": {},
}

// Validate performs a statement-shape check without touching a live
// connection: one statement, a known leading verb, balanced quoting and
// parentheses. It never executes anything.
func (g *Generator) Validate(q engine.GeneratedQuery) engine.ValidationResult {
	var result engine.ValidationResult

	sqlText := strings.TrimSpace(q.Query)
	if sqlText == "" {
		result.Errors = append(result.Errors, "query is empty")
		return result
	}
	if q.Language != engine.LanguageSQL {
		result.Errors = append(result.Errors, fmt.Sprintf("query language %q is not sql", q.Language))
		return result
	}

	verb := leadingVerb(sqlText)
	if _, dangerous := dangerousVerbs[verb]; dangerous {
		result.Errors = append(result.Errors, fmt.Sprintf("query contains dangerous operation: %s", strings.ToUpper(verb)))
	} else if _, ok := allowedVerbs[verb]; !ok {
		result.Errors = append(result.Errors, fmt.Sprintf("unrecognized statement verb: %q", verb))
	}

	if err := checkStatementShape(sqlText); err != nil {
		result.Errors = append(result.Errors, err.Error())
	}

	if strings.Contains(strings.ToLower(sqlText), "select *") {
		result.Warnings = append(result.Warnings, "query selects all columns; prefer an explicit field list")
	}

	result.Valid = len(result.Errors) == 0
	return result
}

// checkStatementShape scans quote-aware for unbalanced parentheses,
// unterminated strings, and embedded statement separators.
func checkStatementShape(sqlText string) error {
	trimmed := stripTrailingSemicolons(sqlText)
	depth := 0
	inString := false
	for i := 0; i < len(trimmed); i++ {
		ch := trimmed[i]
		if inString {
			if ch == '\'' {
				// doubled quote is an escaped quote inside the literal
				if i+1 < len(trimmed) && trimmed[i+1] == '\'' {
					i++
					continue
				}
				inString = false
			}
			continue
		}
		switch ch {
		case '\'':
			inString = true
		case '(':
			depth++
		case ')':
			depth--
			if depth < 0 {
				return fmt.Errorf("unbalanced closing parenthesis at offset %d", i)
			}
		case ';':
			return fmt.Errorf("multiple statements are not allowed")
		}
	}
	if inString {
		return fmt.Errorf("unterminated string literal")
	}
	if depth != 0 {
		return fmt.Errorf("unbalanced parentheses")
	}
	return nil
}
