package filter

import "strings"

// Operator identifies a comparison applied by a single filter condition.
// The set is closed; unknown operators are rejected at parse time.
type Operator string

const (
	OpEq         Operator = "eq"
	OpNe         Operator = "ne"
	OpGt         Operator = "gt"
	OpGte        Operator = "gte"
	OpLt         Operator = "lt"
	OpLte        Operator = "lte"
	OpContains   Operator = "contains"
	OpStartsWith Operator = "startswith"
)

// ParseOperator validates an operator token from the bracket syntax.
func ParseOperator(s string) (Operator, bool) {
	switch Operator(s) {
	case OpEq, OpNe, OpGt, OpGte, OpLt, OpLte, OpContains, OpStartsWith:
		return Operator(s), true
	}
	return "", false
}

// Condition is one field-path/operator/value predicate derived from a query
// parameter. A request's conditions combine with AND semantics.
type Condition struct {
	Path  []string
	Op    Operator
	Value string
}

// Field returns the dotted form of the condition's path.
func (c Condition) Field() string {
	return strings.Join(c.Path, ".")
}
