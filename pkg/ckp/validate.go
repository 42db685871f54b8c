package ckp

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"

	"github.com/karuppusamym/LangOrch-sub000/pkg/errors"
)

// templateRefPattern captures the leading identifier of each {{ expr }}
// placeholder. Dotted tails (book_titles.count) resolve from the root
// identifier, so only the root needs to be declared.
var templateRefPattern = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_]*)`)

// Validate runs every static check over a parsed procedure and returns
// the full list of problems. An empty slice means the procedure is
// executable.
func Validate(p *Procedure) []error {
	var errs []error
	fail := func(field, message, suggestion string) {
		errs = append(errs, &errors.ValidationError{Field: field, Message: message, Suggestion: suggestion})
	}

	if p.ProcedureID == "" {
		fail("procedure_id", "must not be empty", "set a stable procedure identifier")
	}
	if p.Version == "" {
		fail("version", "must not be empty", "set a version string, e.g. \"1.0\"")
	}
	if p.WorkflowGraph.StartNode == "" {
		fail("workflow_graph.start_node", "must not be empty", "name the entry node of the graph")
	} else if _, ok := p.WorkflowGraph.Nodes[p.WorkflowGraph.StartNode]; !ok {
		fail("workflow_graph.start_node",
			fmt.Sprintf("start node %q does not exist", p.WorkflowGraph.StartNode),
			"point start_node at a key of workflow_graph.nodes")
	}

	for _, id := range sortedNodeIDs(p.WorkflowGraph.Nodes) {
		node := p.WorkflowGraph.Nodes[id]
		validateEdges(p, id, node, fail)
		validateNodePayload(p, id, node, fail)
	}

	validateReachability(p, fail)
	validateTrigger(p.Trigger, fail)
	validateTemplateCoverage(p, fail)

	return errs
}

// validateEdges checks that every outgoing edge lands on an existing node.
func validateEdges(p *Procedure, id string, node *Node, fail func(field, message, suggestion string)) {
	for _, target := range node.Edges() {
		if _, ok := p.WorkflowGraph.Nodes[target]; !ok {
			fail(fmt.Sprintf("workflow_graph.nodes.%s", id),
				fmt.Sprintf("edge target %q does not exist", target),
				"every next_node, branch, and handler target must be a node id")
		}
	}
}

// validateNodePayload applies per-type structural checks.
func validateNodePayload(p *Procedure, id string, node *Node, fail func(field, message, suggestion string)) {
	field := fmt.Sprintf("workflow_graph.nodes.%s", id)
	switch node.Type {
	case NodeSequence:
		for i, step := range node.Sequence.Steps {
			stepField := fmt.Sprintf("%s.steps[%d]", field, i)
			if step.Action == "" {
				fail(stepField, "step has no action", "set an internal action name or an agent capability")
				continue
			}
			if !InternalActions[step.Action] && step.Agent == "" {
				fail(stepField,
					fmt.Sprintf("action %q is not an internal action and the step names no agent channel", step.Action),
					"add an agent field selecting the channel that provides this action")
			}
		}
	case NodeLoop:
		if node.Loop.Iterator == "" {
			fail(field, "loop has no iterator variable", "set iterator to the variable holding the collection")
		}
		if node.Loop.BodyNode == "" {
			fail(field, "loop has no body node", "set body_node to the first node of the loop body")
		}
	case NodeParallel:
		if len(node.Parallel.Branches) == 0 {
			fail(field, "parallel node has no branches", "declare at least one branch")
		}
	case NodeHumanApproval:
		if node.HumanApproval.OnApprove == "" {
			fail(field, "human_approval has no on_approve target", "set on_approve to the node to run after approval")
		}
	case NodeSubflow:
		if node.Subflow.ProcedureID == p.ProcedureID {
			fail(field,
				fmt.Sprintf("subflow references its own procedure %q", p.ProcedureID),
				"a procedure must not invoke itself; extract the shared part into a separate procedure")
		}
	case NodeTransform:
		for i, op := range node.Transform.Operations {
			if op.OutputVariable == "" {
				fail(fmt.Sprintf("%s.operations[%d]", field, i),
					"transform operation has no output_variable", "every operation must name its output")
			}
		}
	case NodeVerification:
		if len(node.Verification.Checks) == 0 {
			fail(field, "verification node has no checks", "declare at least one condition")
		}
	}
}

// validateReachability walks from start_node over all outgoing edges and
// flags anything the walk never touched.
func validateReachability(p *Procedure, fail func(field, message, suggestion string)) {
	start := p.WorkflowGraph.StartNode
	if _, ok := p.WorkflowGraph.Nodes[start]; !ok {
		return
	}
	seen := map[string]bool{start: true}
	queue := []string{start}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		node := p.WorkflowGraph.Nodes[id]
		if node == nil {
			continue
		}
		for _, target := range node.Edges() {
			if _, ok := p.WorkflowGraph.Nodes[target]; ok && !seen[target] {
				seen[target] = true
				queue = append(queue, target)
			}
		}
	}
	for _, id := range sortedNodeIDs(p.WorkflowGraph.Nodes) {
		if !seen[id] {
			fail(fmt.Sprintf("workflow_graph.nodes.%s", id),
				"node is unreachable from start_node",
				"connect it to the graph or remove it")
		}
	}
}

func validateTrigger(t *Trigger, fail func(field, message, suggestion string)) {
	if t == nil {
		return
	}
	if !ValidTriggerTypes[t.Type] {
		fail("trigger.type",
			fmt.Sprintf("unknown trigger type %q", t.Type),
			"use one of manual, scheduled, webhook, event, file_watch")
		return
	}
	if t.Type == "scheduled" && t.Schedule == "" {
		fail("trigger.schedule", "scheduled trigger has no schedule", "set a 5-field cron expression")
	}
	if t.Type == "webhook" && t.WebhookSecret == "" {
		fail("trigger.webhook_secret", "webhook trigger has no secret", "name the environment variable holding the HMAC secret")
	}
}

// validateTemplateCoverage checks that every {{var}} root referenced by a
// step's params, idempotency key, or an llm_action prompt is declared.
// Skipped entirely when the variables schema is empty.
func validateTemplateCoverage(p *Procedure, fail func(field, message, suggestion string)) {
	if len(p.VariablesSchema) == 0 {
		return
	}

	declared := make(map[string]bool, len(p.VariablesSchema))
	for name := range p.VariablesSchema {
		declared[name] = true
	}
	for name := range ImplicitVariables {
		declared[name] = true
	}
	for _, node := range p.WorkflowGraph.Nodes {
		switch node.Type {
		case NodeSequence:
			for _, step := range node.Sequence.Steps {
				if step.OutputVariable != "" {
					declared[step.OutputVariable] = true
				}
			}
		case NodeProcessing:
			for _, step := range node.Processing.Actions {
				if step.OutputVariable != "" {
					declared[step.OutputVariable] = true
				}
			}
		case NodeLLMAction:
			for name := range node.LLMAction.Outputs {
				declared[name] = true
			}
		case NodeTransform:
			for _, op := range node.Transform.Operations {
				if op.OutputVariable != "" {
					declared[op.OutputVariable] = true
				}
			}
		case NodeLoop:
			if node.Loop.IteratorVariable != "" {
				declared[node.Loop.IteratorVariable] = true
			}
			if node.Loop.IndexVariable != "" {
				declared[node.Loop.IndexVariable] = true
			}
		}
	}

	check := func(field, text string) {
		for _, m := range templateRefPattern.FindAllStringSubmatch(text, -1) {
			name := m[1]
			if !declared[name] {
				fail(field,
					fmt.Sprintf("template references undeclared variable %q", name),
					"declare it in variables_schema or produce it from an earlier step")
			}
		}
	}

	for _, id := range sortedNodeIDs(p.WorkflowGraph.Nodes) {
		node := p.WorkflowGraph.Nodes[id]
		field := fmt.Sprintf("workflow_graph.nodes.%s", id)
		switch node.Type {
		case NodeSequence:
			for i, step := range node.Sequence.Steps {
				stepField := fmt.Sprintf("%s.steps[%d]", field, i)
				if raw, err := json.Marshal(step.Params); err == nil {
					check(stepField+".params", string(raw))
				}
				check(stepField+".idempotency_key", step.IdempotencyKey)
			}
		case NodeLLMAction:
			check(field+".prompt", node.LLMAction.Prompt)
			check(field+".system_prompt", node.LLMAction.SystemPrompt)
		}
	}
}

func sortedNodeIDs(nodes map[string]*Node) []string {
	ids := make([]string, 0, len(nodes))
	for id := range nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
