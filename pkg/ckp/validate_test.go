package ckp

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, doc string) *Procedure {
	t.Helper()
	p, err := Parse([]byte(doc))
	require.NoError(t, err)
	return p
}

func errorTexts(errs []error) []string {
	out := make([]string, len(errs))
	for i, e := range errs {
		out[i] = e.Error()
	}
	return out
}

func containsError(t *testing.T, errs []error, substr string) {
	t.Helper()
	for _, e := range errs {
		if strings.Contains(e.Error(), substr) {
			return
		}
	}
	t.Fatalf("no error containing %q in %v", substr, errorTexts(errs))
}

func TestValidateCleanProcedure(t *testing.T) {
	p := mustParse(t, sampleDoc)
	assert.Empty(t, Validate(p))
}

func TestValidateMissingIdentity(t *testing.T) {
	p := mustParse(t, `{"workflow_graph": {"start_node": "a",
		"nodes": {"a": {"type": "terminate"}}}}`)
	errs := Validate(p)
	containsError(t, errs, "procedure_id")
	containsError(t, errs, "version")
}

func TestValidateStartNodeMustExist(t *testing.T) {
	p := mustParse(t, `{"procedure_id": "p", "version": "1",
		"workflow_graph": {"start_node": "ghost",
			"nodes": {"a": {"type": "terminate"}}}}`)
	containsError(t, Validate(p), `start node "ghost" does not exist`)
}

func TestValidateEdgeTargets(t *testing.T) {
	tests := []struct {
		name string
		node string
		want string
	}{
		{
			name: "sequence next_node",
			node: `{"type": "sequence", "steps": [{"step_id": "s", "action": "log"}], "next_node": "missing"}`,
			want: `edge target "missing"`,
		},
		{
			name: "logic rule target",
			node: `{"type": "logic", "rules": [{"condition_expr": "x", "next_node": "missing"}]}`,
			want: `edge target "missing"`,
		},
		{
			name: "loop body",
			node: `{"type": "loop", "iterator": "items", "iterator_variable": "item", "body_node": "missing"}`,
			want: `edge target "missing"`,
		},
		{
			name: "parallel branch start",
			node: `{"type": "parallel", "branches": [{"branch_id": "b", "start_node": "missing"}]}`,
			want: `edge target "missing"`,
		},
		{
			name: "approval on_reject",
			node: `{"type": "human_approval", "prompt": "ok?", "on_approve": "a", "on_reject": "missing"}`,
			want: `edge target "missing"`,
		},
		{
			name: "error handler fallback",
			node: `{"type": "sequence", "steps": [{"step_id": "s", "action": "log"}],
				"error_handlers": [{"action": "escalate", "fallback_node": "missing"}]}`,
			want: `edge target "missing"`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := mustParse(t, `{"procedure_id": "p", "version": "1",
				"workflow_graph": {"start_node": "a", "nodes": {"a": `+tt.node+`}}}`)
			containsError(t, Validate(p), tt.want)
		})
	}
}

func TestValidateUnreachableNode(t *testing.T) {
	p := mustParse(t, `{"procedure_id": "p", "version": "1",
		"workflow_graph": {"start_node": "a", "nodes": {
			"a": {"type": "terminate"},
			"orphan": {"type": "terminate"}}}}`)
	containsError(t, Validate(p), "unreachable")
}

func TestValidateTriggerRules(t *testing.T) {
	tests := []struct {
		name    string
		trigger string
		want    string
	}{
		{"unknown type", `{"type": "carrier_pigeon"}`, "unknown trigger type"},
		{"scheduled without schedule", `{"type": "scheduled"}`, "no schedule"},
		{"webhook without secret", `{"type": "webhook"}`, "no secret"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := mustParse(t, `{"procedure_id": "p", "version": "1",
				"trigger": `+tt.trigger+`,
				"workflow_graph": {"start_node": "a", "nodes": {"a": {"type": "terminate"}}}}`)
			containsError(t, Validate(p), tt.want)
		})
	}
}

func TestValidateSubflowSelfRecursion(t *testing.T) {
	p := mustParse(t, `{"procedure_id": "loop-me", "version": "1",
		"workflow_graph": {"start_node": "a", "nodes": {
			"a": {"type": "subflow", "procedure_id": "loop-me", "version": "1", "next_node": "done"},
			"done": {"type": "terminate"}}}}`)
	containsError(t, Validate(p), "loop-me")
}

func TestValidateTemplateCoverage(t *testing.T) {
	graph := `{"start_node": "a", "nodes": {
		"a": {"type": "sequence",
			"steps": [{"step_id": "s", "action": "log",
				"params": {"message": "hello {{customer_name}} for {{run_id}}"}}],
			"next_node": "done"},
		"done": {"type": "terminate"}}}`

	t.Run("empty schema skips the check", func(t *testing.T) {
		p := mustParse(t, `{"procedure_id": "p", "version": "1", "workflow_graph": `+graph+`}`)
		assert.Empty(t, Validate(p))
	})

	t.Run("non-empty schema flags undeclared vars", func(t *testing.T) {
		p := mustParse(t, `{"procedure_id": "p", "version": "1",
			"variables_schema": {"other": {"type": "string"}},
			"workflow_graph": `+graph+`}`)
		errs := Validate(p)
		containsError(t, errs, "customer_name")
		for _, e := range errs {
			assert.NotContains(t, e.Error(), "run_id", "implicit variables never need declaring")
		}
	})

	t.Run("step outputs count as declared", func(t *testing.T) {
		p := mustParse(t, `{"procedure_id": "p", "version": "1",
			"variables_schema": {"order_id": {"type": "string"}},
			"workflow_graph": {"start_node": "a", "nodes": {
				"a": {"type": "sequence", "steps": [
					{"step_id": "s1", "action": "fetch", "agent": "web", "output_variable": "order"},
					{"step_id": "s2", "action": "log", "params": {"message": "{{order}}"}}],
				"next_node": "done"},
				"done": {"type": "terminate"}}}}`)
		assert.Empty(t, Validate(p))
	})

	t.Run("llm outputs count as declared", func(t *testing.T) {
		p := mustParse(t, `{"procedure_id": "p", "version": "1",
			"variables_schema": {"order_id": {"type": "string"}},
			"workflow_graph": {"start_node": "a", "nodes": {
				"a": {"type": "llm_action", "prompt": "summarize {{order_id}}",
					"outputs": {"summary": "text"}, "next_node": "b"},
				"b": {"type": "sequence", "steps": [
					{"step_id": "s", "action": "log", "params": {"message": "{{summary}}"}}],
				"next_node": "done"},
				"done": {"type": "terminate"}}}}`)
		assert.Empty(t, Validate(p))
	})
}

func TestValidateExternalActionNeedsAgent(t *testing.T) {
	p := mustParse(t, `{"procedure_id": "p", "version": "1",
		"workflow_graph": {"start_node": "a", "nodes": {
			"a": {"type": "sequence",
				"steps": [{"step_id": "s", "action": "click_button"}],
				"next_node": "done"},
			"done": {"type": "terminate"}}}}`)
	containsError(t, Validate(p), "names no agent channel")
}

func TestValidateInternalActionNeedsNoAgent(t *testing.T) {
	p := mustParse(t, `{"procedure_id": "p", "version": "1",
		"workflow_graph": {"start_node": "a", "nodes": {
			"a": {"type": "sequence",
				"steps": [{"step_id": "s", "action": "get_timestamp", "output_variable": "now"}],
				"next_node": "done"},
			"done": {"type": "terminate"}}}}`)
	assert.Empty(t, Validate(p))
}
