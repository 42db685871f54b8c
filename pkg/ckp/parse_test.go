package ckp

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/karuppusamym/LangOrch-sub000/pkg/errors"
)

const sampleDoc = `{
	"procedure_id": "order-intake",
	"version": "1.2",
	"global_config": {
		"execution_mode": "live",
		"retry_policy": {"retry_on_failure": true, "max_retries": 2, "retry_delay_ms": 100}
	},
	"variables_schema": {
		"order_id": {"type": "string", "required": true}
	},
	"workflow_graph": {
		"start_node": "fetch",
		"nodes": {
			"fetch": {
				"type": "sequence",
				"steps": [
					{"step_id": "s1", "action": "fetch_order", "agent": "web",
					 "params": {"id": "{{order_id}}"}, "output_variable": "order"}
				],
				"next_node": "check"
			},
			"check": {
				"type": "logic",
				"rules": [{"condition_expr": "order.total > 100", "next_node": "approve"}],
				"default_next_node": "done"
			},
			"approve": {
				"type": "human_approval",
				"prompt": "Large order {{order_id}}",
				"on_approve": "done",
				"on_reject": "rejected"
			},
			"done": {"type": "terminate", "status": "completed"},
			"rejected": {"type": "terminate", "status": "failed"}
		}
	},
	"trigger": {"type": "webhook", "webhook_secret": "ORDER_HOOK_SECRET", "enabled": true}
}`

func TestParseSampleDocument(t *testing.T) {
	p, err := Parse([]byte(sampleDoc))
	require.NoError(t, err)

	assert.Equal(t, "order-intake", p.ProcedureID)
	assert.Equal(t, "1.2", p.Version)
	assert.Equal(t, "fetch", p.WorkflowGraph.StartNode)
	require.Len(t, p.WorkflowGraph.Nodes, 5)

	fetch := p.WorkflowGraph.Nodes["fetch"]
	require.Equal(t, NodeSequence, fetch.Type)
	require.NotNil(t, fetch.Sequence)
	require.Len(t, fetch.Sequence.Steps, 1)
	assert.Equal(t, "fetch_order", fetch.Sequence.Steps[0].Action)
	assert.Equal(t, "web", fetch.Sequence.Steps[0].Agent)
	assert.Equal(t, "fetch", fetch.ID)

	check := p.WorkflowGraph.Nodes["check"]
	require.Equal(t, NodeLogic, check.Type)
	require.Len(t, check.Logic.Rules, 1)
	assert.Equal(t, "approve", check.Logic.Rules[0].NextNode)

	require.NotNil(t, p.Trigger)
	assert.Equal(t, "webhook", p.Trigger.Type)
	require.NotNil(t, p.GlobalConfig.RetryPolicy)
	assert.Equal(t, 2, p.GlobalConfig.RetryPolicy.MaxRetries)
}

func TestParseRejectsUnknownNodeType(t *testing.T) {
	doc := `{
		"procedure_id": "p", "version": "1",
		"workflow_graph": {"start_node": "a", "nodes": {"a": {"type": "teleport"}}}
	}`
	_, err := Parse([]byte(doc))
	require.Error(t, err)

	var ce *errors.CompileError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "workflow_graph.nodes.a", ce.Path)
	assert.Contains(t, ce.Message, "teleport")
}

func TestParseRejectsMissingType(t *testing.T) {
	doc := `{
		"procedure_id": "p", "version": "1",
		"workflow_graph": {"start_node": "a", "nodes": {"a": {"steps": []}}}
	}`
	_, err := Parse([]byte(doc))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no type")
}

func TestParseRejectsMissingNodeMap(t *testing.T) {
	_, err := Parse([]byte(`{"procedure_id": "p", "version": "1"}`))
	require.Error(t, err)

	var ce *errors.CompileError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "workflow_graph.nodes", ce.Path)
}

func TestParseRejectsInvalidJSON(t *testing.T) {
	_, err := Parse([]byte(`{"procedure_id":`))
	require.Error(t, err)
}

func TestParseIgnoresUnknownFields(t *testing.T) {
	doc := `{
		"procedure_id": "p", "version": "1", "some_future_field": 42,
		"workflow_graph": {"start_node": "a",
			"nodes": {"a": {"type": "terminate", "status": "completed", "color": "blue"}}}
	}`
	p, err := Parse([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, "completed", p.WorkflowGraph.Nodes["a"].Terminate.Status)
}

func TestRoundTripPreservesIR(t *testing.T) {
	p1, err := Parse([]byte(sampleDoc))
	require.NoError(t, err)
	require.Empty(t, Validate(p1))

	out, err := json.Marshal(p1)
	require.NoError(t, err)

	p2, err := Parse(out)
	require.NoError(t, err)
	assert.Equal(t, p1, p2)
}
