package engine

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/itchyny/gojq"

	"github.com/karuppusamym/LangOrch-sub000/pkg/ckp"
	"github.com/karuppusamym/LangOrch-sub000/pkg/errors"
	"github.com/karuppusamym/LangOrch-sub000/pkg/template"
)

// execTransform chains data operations over a source variable. Each
// op's result is written to its output_variable and feeds the next op.
func (e *Engine) execTransform(st *State, node *ckp.Node) {
	tr := node.Transform
	current := st.Vars[tr.Source]

	for i, op := range tr.Operations {
		out, err := e.applyTransformOp(st, &op, current)
		if err != nil {
			st.Err = &errors.ValidationError{
				Field:   fmt.Sprintf("%s.operations[%d]", node.ID, i),
				Message: err.Error(),
			}
			return
		}
		if op.OutputVariable != "" {
			st.Vars[op.OutputVariable] = out
		}
		current = out
	}
	st.NextNodeID = tr.NextNode
}

func (e *Engine) applyTransformOp(st *State, op *ckp.TransformOp, input any) (any, error) {
	switch op.Op {
	case "filter":
		return e.opFilter(st, op, asSlice(input)), nil
	case "map":
		return e.opMap(st, op, asSlice(input)), nil
	case "aggregate":
		return opAggregate(op, asSlice(input))
	case "sort":
		return opSort(op, asSlice(input)), nil
	case "unique":
		return opUnique(asSlice(input)), nil
	case "jq":
		return opJQ(op, input)
	default:
		return nil, fmt.Errorf("unknown transform op %q", op.Op)
	}
}

func (e *Engine) opFilter(st *State, op *ckp.TransformOp, items []any) []any {
	out := make([]any, 0, len(items))
	for _, item := range items {
		scope := scopeWithItem(st.Vars, item)
		if e.tmpl.EvalCondition(op.Expression, scope) {
			out = append(out, item)
		}
	}
	return out
}

func (e *Engine) opMap(st *State, op *ckp.TransformOp, items []any) []any {
	out := make([]any, len(items))
	for i, item := range items {
		if strings.Contains(op.Expression, "{{") {
			scope := scopeWithItem(st.Vars, item)
			out[i] = e.tmpl.Render(op.Expression, scope)
			continue
		}
		out[i] = fieldValue(item, op.Expression)
	}
	return out
}

func opAggregate(op *ckp.TransformOp, items []any) (any, error) {
	if op.Func == "count" {
		return len(items), nil
	}
	values := make([]float64, 0, len(items))
	for _, item := range items {
		v := item
		if op.Field != "" {
			v = fieldValue(item, op.Field)
		}
		if n, ok := asNumber(v); ok {
			values = append(values, n)
		}
	}
	if len(values) == 0 {
		return 0.0, nil
	}
	switch op.Func {
	case "sum":
		var total float64
		for _, n := range values {
			total += n
		}
		return total, nil
	case "min":
		min := values[0]
		for _, n := range values[1:] {
			if n < min {
				min = n
			}
		}
		return min, nil
	case "max":
		max := values[0]
		for _, n := range values[1:] {
			if n > max {
				max = n
			}
		}
		return max, nil
	default:
		return nil, fmt.Errorf("unknown aggregate func %q", op.Func)
	}
}

func opSort(op *ckp.TransformOp, items []any) []any {
	out := make([]any, len(items))
	copy(out, items)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if op.Key != "" {
			a = fieldValue(a, op.Key)
			b = fieldValue(b, op.Key)
		}
		less := compareValues(a, b)
		if op.Descending {
			return !less && !jsonEqual(a, b)
		}
		return less
	})
	return out
}

func opUnique(items []any) []any {
	seen := make(map[string]bool, len(items))
	out := make([]any, 0, len(items))
	for _, item := range items {
		key, err := json.Marshal(item)
		if err != nil {
			out = append(out, item)
			continue
		}
		if seen[string(key)] {
			continue
		}
		seen[string(key)] = true
		out = append(out, item)
	}
	return out
}

func opJQ(op *ckp.TransformOp, input any) (any, error) {
	query, err := gojq.Parse(op.Query)
	if err != nil {
		return nil, fmt.Errorf("invalid jq query: %v", err)
	}
	// gojq requires canonical JSON values.
	raw, err := json.Marshal(input)
	if err != nil {
		return nil, err
	}
	var canonical any
	if err := json.Unmarshal(raw, &canonical); err != nil {
		return nil, err
	}

	var results []any
	iter := query.Run(canonical)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if runErr, isErr := v.(error); isErr {
			return nil, fmt.Errorf("jq evaluation: %v", runErr)
		}
		results = append(results, v)
	}
	if len(results) == 1 {
		return results[0], nil
	}
	return results, nil
}

func scopeWithItem(vars map[string]any, item any) map[string]any {
	scope := make(map[string]any, len(vars)+1)
	for k, v := range vars {
		scope[k] = v
	}
	scope["item"] = item
	return scope
}

// fieldValue resolves a dotted path against a map-shaped item.
func fieldValue(item any, path string) any {
	current := item
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current = m[part]
	}
	return current
}

func asNumber(v any) (float64, bool) {
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
	default:
		return 0, false
	}
}

func compareValues(a, b any) bool {
	na, aOK := asNumber(a)
	nb, bOK := asNumber(b)
	if aOK && bOK {
		return na < nb
	}
	return template.Stringify(a) < template.Stringify(b)
}
