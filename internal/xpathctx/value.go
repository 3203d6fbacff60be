package xpathctx

import (
	"fmt"

	"github.com/antchfx/xpath"
)

// Value wraps the raw result of xpath.Expr.Evaluate, which is always one of
// string, float64, bool, or *xpath.NodeIterator depending on the compiled
// expression's inferred type.
type Value struct {
	raw interface{}
}

// Bool coerces the result to a boolean, following XPath 1.0 rules (non-empty
// node-set / non-zero number / non-empty string is true).
func (v Value) Bool() bool {
	switch t := v.raw.(type) {
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		return t != ""
	case *xpath.NodeIterator:
		return t.MoveNext()
	default:
		return false
	}
}

// String coerces the result to a string.
func (v Value) String() string {
	switch t := v.raw.(type) {
	case string:
		return t
	case float64:
		return fmt.Sprintf("%g", t)
	case bool:
		if t {
			return "true"
		}
		return "false"
	case *xpath.NodeIterator:
		if t.MoveNext() {
			return t.Current().Value()
		}
		return ""
	default:
		return ""
	}
}

// Float coerces the result to a float64.
func (v Value) Float() float64 {
	if f, ok := v.raw.(float64); ok {
		return f
	}
	return 0
}
