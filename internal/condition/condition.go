// Package condition implements the transition guard language: a conjunction
// of flat key/value equalities, e.g. "region = us, tier = pro". Conditions
// are parsed into an expression tree at definition save time so evaluation
// on the session hot path never touches the parser.
package condition

import (
	"fmt"
	"strings"
)

// Expr is a compiled condition. Evaluation is total: unknown keys make the
// expression false, never an error.
type Expr interface {
	Eval(ctx map[string]string) bool
	String() string
}

type always struct{}

func (always) Eval(map[string]string) bool { return true }
func (always) String() string              { return "" }

type equals struct {
	field string
	value string
}

func (e equals) Eval(ctx map[string]string) bool {
	v, ok := ctx[e.field]
	return ok && v == e.value
}

func (e equals) String() string { return e.field + " = " + e.value }

type and struct {
	left  Expr
	right Expr
}

func (a and) Eval(ctx map[string]string) bool {
	return a.left.Eval(ctx) && a.right.Eval(ctx)
}

func (a and) String() string { return a.left.String() + ", " + a.right.String() }

// Always is the unconditional guard.
var Always Expr = always{}

// Parse compiles a condition string. The empty string compiles to Always.
func Parse(raw string) (Expr, error) {
	if strings.TrimSpace(raw) == "" {
		return Always, nil
	}
	var expr Expr
	for _, clause := range strings.Split(raw, ",") {
		clause = strings.TrimSpace(clause)
		if clause == "" {
			return nil, fmt.Errorf("condition %q: empty clause", raw)
		}
		field, value, ok := strings.Cut(clause, "=")
		if !ok {
			return nil, fmt.Errorf("condition %q: clause %q is not field = value", raw, clause)
		}
		field = strings.TrimSpace(field)
		value = strings.TrimSpace(value)
		if field == "" {
			return nil, fmt.Errorf("condition %q: clause %q has empty field", raw, clause)
		}
		eq := equals{field: field, value: value}
		if expr == nil {
			expr = eq
		} else {
			expr = and{left: expr, right: eq}
		}
	}
	return expr, nil
}

// Validate reports whether a condition string parses.
func Validate(raw string) error {
	_, err := Parse(raw)
	return err
}
