package workflow

import "regexp"

// Predicate is the parsed form of a condition clause expression
// "{{path}} <op> 'literal'". The literal may be wrapped in single or double
// quotes.
type Predicate struct {
	Path    string
	Op      string
	Literal string
}

// Condition operators.
const (
	OpContains    = "contains"
	OpEquals      = "equals"
	OpNotContains = "not contains"
	OpNotEquals   = "not equals"
)

// Longer operators first so "not contains" is not matched as "contains".
var predicateRE = regexp.MustCompile(`^\s*\{\{\s*([^}\s]+)\s*\}\}\s+(not contains|not equals|contains|equals)\s+(?:'([^']*)'|"([^"]*)")\s*$`)

// ParsePredicate parses a condition expression. It reports false for
// anything that does not match the fixed grammar; callers treat unparseable
// predicates as non-matching.
func ParsePredicate(expr string) (Predicate, bool) {
	m := predicateRE.FindStringSubmatch(expr)
	if m == nil {
		return Predicate{}, false
	}
	lit := m[3]
	if lit == "" && m[4] != "" {
		lit = m[4]
	}
	return Predicate{Path: m[1], Op: m[2], Literal: lit}, true
}

// ValidPredicate reports whether expr matches the condition grammar.
func ValidPredicate(expr string) bool {
	_, ok := ParsePredicate(expr)
	return ok
}
