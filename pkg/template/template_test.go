package template

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRender(t *testing.T) {
	vars := map[string]any{
		"name":  "Ada",
		"count": float64(3),
		"order": map[string]any{"id": "ord-7", "total": float64(120.5)},
		"tags":  []any{"a", "b"},
	}
	e := New()

	tests := []struct {
		name string
		tmpl string
		want string
	}{
		{"plain text untouched", "hello world", "hello world"},
		{"simple substitution", "hello {{name}}", "hello Ada"},
		{"whole number renders without fraction", "n={{count}}", "n=3"},
		{"dotted path", "order {{order.id}}", "order ord-7"},
		{"float keeps fraction", "total {{order.total}}", "total 120.5"},
		{"missing variable renders empty", "x={{nope}}!", "x=!"},
		{"missing dotted path renders empty", "x={{order.nope}}!", "x=!"},
		{"multiple placeholders", "{{name}} has {{count}}", "Ada has 3"},
		{"list serializes as JSON", "{{tags}}", `["a","b"]`},
		{"expression arithmetic", "{{count + 1}}", "4"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, e.Render(tt.tmpl, vars))
		})
	}
}

func TestRenderValue(t *testing.T) {
	e := New()
	vars := map[string]any{"id": "r-1"}
	in := map[string]any{
		"url":   "https://x/{{id}}",
		"depth": float64(2),
		"nested": []any{
			map[string]any{"ref": "{{id}}"},
		},
	}
	out := e.RenderValue(in, vars).(map[string]any)
	assert.Equal(t, "https://x/r-1", out["url"])
	assert.Equal(t, float64(2), out["depth"])
	nested := out["nested"].([]any)[0].(map[string]any)
	assert.Equal(t, "r-1", nested["ref"])
}

func TestEvalCondition(t *testing.T) {
	vars := map[string]any{
		"status": "active",
		"total":  float64(150),
		"items":  []any{"x"},
		"empty":  []any{},
		"note":   "",
		"ok":     true,
		"title":  "the quick fox",
	}
	e := New()

	tests := []struct {
		name string
		cond string
		want bool
	}{
		{"equality true", `status == "active"`, true},
		{"equality false", `status == "paused"`, false},
		{"inequality", `status != "paused"`, true},
		{"numeric comparison", "total > 100", true},
		{"numeric comparison false", "total <= 100", false},
		{"and", `status == "active" and total > 100`, true},
		{"or short circuit", `status == "paused" or total > 100`, true},
		{"not", `not (status == "paused")`, true},
		{"truthy bareword", "ok", true},
		{"truthy non-empty list", "items", true},
		{"falsy empty list", "empty", false},
		{"falsy empty string", "note", false},
		{"contains string", `title contains "quick"`, true},
		{"contains list", `items contains "x"`, true},
		{"contains false", `title contains "slow"`, false},
		{"contains composed with and", `title contains "quick" and total > 100`, true},
		{"is_not_empty true", "items is_not_empty", true},
		{"is_not_empty false", "empty is_not_empty", false},
		{"is_not_empty composed", `empty is_not_empty or status == "active"`, true},
		{"missing variable is false", "ghost", false},
		{"broken expression is false", "total >", false},
		{"templated condition", "{{total}} > 100", true},
		{"empty condition is false", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, e.EvalCondition(tt.cond, vars), "cond: %s", tt.cond)
		})
	}
}

func TestTruthy(t *testing.T) {
	assert.False(t, Truthy(nil))
	assert.False(t, Truthy(""))
	assert.False(t, Truthy("false"))
	assert.False(t, Truthy(float64(0)))
	assert.False(t, Truthy([]any{}))
	assert.False(t, Truthy(map[string]any{}))
	assert.True(t, Truthy("yes"))
	assert.True(t, Truthy(float64(1)))
	assert.True(t, Truthy([]any{1}))
}
