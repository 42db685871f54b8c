// Package template renders {{ expr }} placeholders and evaluates routing
// conditions against a run's variable map. Expressions run in an
// expr-lang sandbox; no arbitrary code is ever executed.
package template

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

var placeholderPattern = regexp.MustCompile(`\{\{\s*(.*?)\s*\}\}`)

// Engine renders templates and evaluates conditions. Compiled expression
// programs are cached; the cache is safe for concurrent use.
type Engine struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// New returns an Engine with an empty program cache.
func New() *Engine {
	return &Engine{cache: make(map[string]*vm.Program)}
}

// Render substitutes every {{ expr }} placeholder with its evaluated
// value. Missing variables and evaluation failures render as the empty
// string.
func (e *Engine) Render(tmpl string, vars map[string]any) string {
	if !strings.Contains(tmpl, "{{") {
		return tmpl
	}
	return placeholderPattern.ReplaceAllStringFunc(tmpl, func(match string) string {
		inner := placeholderPattern.FindStringSubmatch(match)[1]
		val, err := e.eval(inner, vars)
		if err != nil || val == nil {
			return ""
		}
		return Stringify(val)
	})
}

// RenderValue walks an arbitrary JSON-shaped value and renders every
// string in it. Used for step params.
func (e *Engine) RenderValue(v any, vars map[string]any) any {
	switch t := v.(type) {
	case string:
		return e.Render(t, vars)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = e.RenderValue(item, vars)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = e.RenderValue(item, vars)
		}
		return out
	default:
		return v
	}
}

// EvalCondition evaluates a routing condition against vars. Any
// evaluation failure is false, never an error: a broken condition must
// not wedge a run.
func (e *Engine) EvalCondition(cond string, vars map[string]any) bool {
	cond = strings.TrimSpace(cond)
	if cond == "" {
		return false
	}
	// Conditions may themselves be templated ({{count}} > 3).
	if strings.Contains(cond, "{{") {
		cond = e.Render(cond, vars)
	}
	val, err := e.eval(rewriteCondition(cond), vars)
	if err != nil {
		return false
	}
	return Truthy(val)
}

// eval compiles (or reuses) and runs one expression against vars.
func (e *Engine) eval(src string, vars map[string]any) (any, error) {
	env := envWithBuiltins(vars)

	e.mu.RLock()
	prog, ok := e.cache[src]
	e.mu.RUnlock()

	if !ok {
		var err error
		prog, err = expr.Compile(src, expr.AllowUndefinedVariables())
		if err != nil {
			return nil, err
		}
		e.mu.Lock()
		e.cache[src] = prog
		e.mu.Unlock()
	}
	return expr.Run(prog, env)
}

// rewriteCondition maps the condition DSL's word operators onto sandbox
// function calls: "a contains b" and "a is_not_empty". Operands extend
// to the nearest and/or connector, so the operators compose with boolean
// logic.
func rewriteCondition(cond string) string {
	for {
		idx := strings.Index(cond, " contains ")
		if idx < 0 {
			break
		}
		leftStart := lastConnectorEnd(cond[:idx])
		rightEnd := idx + len(" contains ") + firstConnectorStart(cond[idx+len(" contains "):])
		left := strings.TrimSpace(cond[leftStart:idx])
		right := strings.TrimSpace(cond[idx+len(" contains ") : rightEnd])
		cond = cond[:leftStart] + fmt.Sprintf("_contains(%s, %s)", left, right) + cond[rightEnd:]
	}
	for {
		idx := strings.Index(cond, " is_not_empty")
		if idx < 0 {
			break
		}
		leftStart := lastConnectorEnd(cond[:idx])
		left := strings.TrimSpace(cond[leftStart:idx])
		cond = cond[:leftStart] + fmt.Sprintf("_not_empty(%s)", left) + cond[idx+len(" is_not_empty"):]
	}
	return cond
}

// lastConnectorEnd returns the index just past the last and/or/not in s.
func lastConnectorEnd(s string) int {
	end := 0
	for _, sep := range []string{" and ", " or ", "not ", "("} {
		if i := strings.LastIndex(s, sep); i >= 0 && i+len(sep) > end {
			end = i + len(sep)
		}
	}
	return end
}

// firstConnectorStart returns the index of the first and/or in s, or
// len(s) if none.
func firstConnectorStart(s string) int {
	start := len(s)
	for _, sep := range []string{" and ", " or ", ")"} {
		if i := strings.Index(s, sep); i >= 0 && i < start {
			start = i
		}
	}
	return start
}

func envWithBuiltins(vars map[string]any) map[string]any {
	env := make(map[string]any, len(vars)+2)
	for k, v := range vars {
		env[k] = v
	}
	env["_contains"] = func(haystack, needle any) bool {
		switch h := haystack.(type) {
		case string:
			return strings.Contains(h, Stringify(needle))
		case []any:
			for _, item := range h {
				if Stringify(item) == Stringify(needle) {
					return true
				}
			}
			return false
		case map[string]any:
			_, ok := h[Stringify(needle)]
			return ok
		}
		return false
	}
	env["_not_empty"] = func(v any) bool {
		return Truthy(v)
	}
	return env
}

// Stringify converts a value to its template string form. Maps and
// slices serialize as JSON; whole floats drop the fraction.
func Stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case map[string]any, []any:
		raw, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(raw)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// Truthy applies the condition DSL's truthiness rules: nil, false, zero,
// empty string, and empty collections are false.
func Truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != "" && !strings.EqualFold(t, "false")
	case float64:
		return t != 0
	case int:
		return t != 0
	case int64:
		return t != 0
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		return true
	}
}
