package backend

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rkm/opr-stac/internal/stac"
)

// Predicate reports whether an item matches a compiled filter.
type Predicate func(item *stac.Item) bool

// CompileFilter compiles a CQL2-JSON filter expression into a Predicate.
// A nil filter compiles to a nil Predicate, which matches everything.
//
// Supported operators:
//   - "=" : equality comparison
//   - "<>" : inequality
//   - "in" : value in list
//   - "and" : logical AND
//   - "or" : logical OR
//   - "not" : negation
//
// Property references resolve "id" and "collection" to the item fields and
// every other name to item properties, e.g. opr:date or opr:segment.
func CompileFilter(filter any) (Predicate, error) {
	if filter == nil {
		return nil, nil
	}

	filterMap, ok := filter.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: filter must be a JSON object", ErrUnsupportedFilter)
	}
	return compileExpression(filterMap)
}

func compileExpression(expr map[string]any) (Predicate, error) {
	opVal, ok := expr["op"]
	if !ok {
		return nil, fmt.Errorf("%w: missing 'op' field", ErrUnsupportedFilter)
	}
	op, ok := opVal.(string)
	if !ok {
		return nil, fmt.Errorf("%w: 'op' must be a string", ErrUnsupportedFilter)
	}

	argsVal, ok := expr["args"]
	if !ok {
		return nil, fmt.Errorf("%w: missing 'args' field", ErrUnsupportedFilter)
	}
	args, ok := argsVal.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: 'args' must be an array", ErrUnsupportedFilter)
	}

	switch strings.ToLower(op) {
	case "=", "eq":
		return compileComparison(op, args, false)
	case "<>", "ne":
		return compileComparison(op, args, true)
	case "in":
		return compileIn(args)
	case "and":
		return compileLogical(op, args, true)
	case "or":
		return compileLogical(op, args, false)
	case "not":
		if len(args) != 1 {
			return nil, fmt.Errorf("%w: 'not' operator requires exactly 1 argument", ErrUnsupportedFilter)
		}
		inner, err := compileNested(op, args[0])
		if err != nil {
			return nil, err
		}
		return func(item *stac.Item) bool { return !inner(item) }, nil
	default:
		return nil, fmt.Errorf("%w: operator '%s' not supported", ErrUnsupportedFilter, op)
	}
}

// compileComparison handles [{"property": "name"}, value].
func compileComparison(op string, args []any, negate bool) (Predicate, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("%w: '%s' operator requires exactly 2 arguments", ErrUnsupportedFilter, op)
	}
	name, err := extractPropertyName(args[0])
	if err != nil {
		return nil, err
	}
	want := args[1]
	if _, isList := want.([]any); isList {
		return nil, fmt.Errorf("%w: '%s' value must be a scalar", ErrUnsupportedFilter, op)
	}
	return func(item *stac.Item) bool {
		got, ok := lookup(item, name)
		if !ok {
			return false
		}
		return equalValues(got, want) != negate
	}, nil
}

// compileIn handles [{"property": "name"}, [value1, value2, ...]].
func compileIn(args []any) (Predicate, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("%w: 'in' operator requires exactly 2 arguments", ErrUnsupportedFilter)
	}
	name, err := extractPropertyName(args[0])
	if err != nil {
		return nil, err
	}
	values, ok := args[1].([]any)
	if !ok {
		return nil, fmt.Errorf("%w: second argument of 'in' must be an array", ErrUnsupportedFilter)
	}
	return func(item *stac.Item) bool {
		got, ok := lookup(item, name)
		if !ok {
			return false
		}
		for _, v := range values {
			if equalValues(got, v) {
				return true
			}
		}
		return false
	}, nil
}

func compileLogical(op string, args []any, all bool) (Predicate, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("%w: '%s' operator requires at least one argument", ErrUnsupportedFilter, op)
	}
	preds := make([]Predicate, 0, len(args))
	for _, arg := range args {
		p, err := compileNested(op, arg)
		if err != nil {
			return nil, err
		}
		preds = append(preds, p)
	}
	return func(item *stac.Item) bool {
		for _, p := range preds {
			if p(item) != all {
				return !all
			}
		}
		return all
	}, nil
}

func compileNested(op string, arg any) (Predicate, error) {
	m, ok := arg.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: '%s' arguments must be filter expressions", ErrUnsupportedFilter, op)
	}
	return compileExpression(m)
}

// extractPropertyName extracts the property name from {"property": "name"}.
func extractPropertyName(arg any) (string, error) {
	propMap, ok := arg.(map[string]any)
	if !ok {
		return "", fmt.Errorf("%w: property reference must be an object", ErrUnsupportedFilter)
	}
	propVal, ok := propMap["property"]
	if !ok {
		return "", fmt.Errorf("%w: missing 'property' field in property reference", ErrUnsupportedFilter)
	}
	propName, ok := propVal.(string)
	if !ok || propName == "" {
		return "", fmt.Errorf("%w: 'property' must be a non-empty string", ErrUnsupportedFilter)
	}
	return propName, nil
}

func lookup(item *stac.Item, name string) (any, bool) {
	switch name {
	case "id":
		return item.Id, true
	case "collection":
		return item.Collection, true
	}
	v, ok := item.Properties[name]
	return v, ok
}

// equalValues compares numbers by value regardless of their Go type and
// everything else by its JSON form.
func equalValues(a, b any) bool {
	fa, okA := number(a)
	fb, okB := number(b)
	if okA || okB {
		return okA && okB && fa == fb
	}
	if sa, ok := a.(string); ok {
		sb, ok := b.(string)
		return ok && sa == sb
	}
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	return errA == nil && errB == nil && string(ja) == string(jb)
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
