package engine

import (
	"context"
	"fmt"
	"sort"

	"github.com/karuppusamym/LangOrch-sub000/pkg/ckp"
	"github.com/karuppusamym/LangOrch-sub000/pkg/errors"
)

// execLogic routes on the first rule whose condition is true.
func (e *Engine) execLogic(st *State, node *ckp.Node) {
	logic := node.Logic
	for _, rule := range logic.Rules {
		if e.tmpl.EvalCondition(rule.ConditionExpr, st.Vars) {
			st.NextNodeID = rule.NextNode
			return
		}
	}
	st.NextNodeID = logic.DefaultNextNode
}

// execLoop advances per-node iteration state on each revisit. The body
// subgraph routes back here; exhaustion resets the index and exits to
// next_node.
func (e *Engine) execLoop(st *State, node *ckp.Node) {
	loop := node.Loop
	items := asSlice(st.Vars[loop.Iterator])

	idx := st.LoopIndex[node.ID]
	limit := len(items)
	if loop.MaxIterations > 0 && loop.MaxIterations < limit {
		limit = loop.MaxIterations
	}

	if idx < limit {
		st.Vars[loop.IteratorVariable] = items[idx]
		st.Vars["loop_item"] = items[idx]
		st.Vars["loop_index"] = idx
		if loop.IndexVariable != "" {
			st.Vars[loop.IndexVariable] = idx
		}
		st.LoopIndex[node.ID] = idx + 1
		st.NextNodeID = loop.BodyNode
		return
	}

	delete(st.LoopIndex, node.ID)
	st.NextNodeID = loop.NextNode
}

// execVerification evaluates checks in order. A failing check with
// on_fail=fail_workflow ends the run as failed; otherwise the failure
// is logged and the walk continues.
func (e *Engine) execVerification(st *State, node *ckp.Node) {
	ver := node.Verification
	for i, check := range ver.Checks {
		if e.tmpl.EvalCondition(check.Condition, st.Vars) {
			continue
		}
		name := check.Name
		if name == "" {
			name = fmt.Sprintf("check %d", i)
		}
		if check.OnFail == "fail_workflow" {
			st.Err = &errors.ValidationError{
				Field:   fmt.Sprintf("%s.checks.%s", node.ID, name),
				Message: fmt.Sprintf("verification failed: %s", check.Condition),
			}
			st.TerminalStatus = StatusFailed
			return
		}
		e.log.Warn("verification check failed, continuing",
			"node_id", node.ID, "check", name, "condition", check.Condition)
	}
	st.NextNodeID = ver.NextNode
}

// execProcessing runs a list of internal actions through the same step
// machinery as sequence nodes.
func (e *Engine) execProcessing(ctx context.Context, st *State, node *ckp.Node) {
	proc := node.Processing
	for i := range proc.Actions {
		if err := e.checkCancelled(ctx, st); err != nil {
			st.Err = err
			return
		}
		if err := e.runStep(ctx, st, node.ID, &proc.Actions[i], nil, nil); err != nil {
			st.Err = err
			return
		}
		if st.halted() {
			return
		}
	}
	st.NextNodeID = proc.NextNode
}

// execTerminate ends the walk with the node's status.
func (e *Engine) execTerminate(st *State, node *ckp.Node) {
	status := node.Terminate.Status
	switch status {
	case "", "success", "succeeded", StatusCompleted:
		st.TerminalStatus = StatusCompleted
	case StatusFailed:
		st.TerminalStatus = StatusFailed
		st.Err = &errors.ValidationError{
			Field:   node.ID,
			Message: "workflow terminated with status failed",
		}
	default:
		st.TerminalStatus = StatusCompleted
	}
}

// execHumanApproval routes on a recorded decision or pauses the run
// awaiting one.
func (e *Engine) execHumanApproval(st *State, node *ckp.Node) {
	approval := node.HumanApproval
	if decision, _, ok := st.approvalDecision(node.ID); ok {
		switch decision {
		case "approved", "approve":
			st.NextNodeID = approval.OnApprove
		case "rejected", "reject":
			st.NextNodeID = approval.OnReject
		case "timeout":
			st.NextNodeID = approval.OnTimeout
		default:
			st.Err = &errors.ValidationError{
				Field:   node.ID,
				Message: fmt.Sprintf("unrecognized approval decision %q", decision),
			}
			return
		}
		if st.NextNodeID == "" {
			// No branch for the decision: the run ends here.
			st.TerminalStatus = StatusFailed
			st.Err = &errors.ValidationError{
				Field:   node.ID,
				Message: fmt.Sprintf("no route for approval decision %q", decision),
			}
		}
		return
	}

	st.TerminalStatus = StatusAwaitingApproval
	st.AwaitingApproval = &ApprovalRequest{
		NodeID:         node.ID,
		Prompt:         e.tmpl.Render(approval.Prompt, st.Vars),
		DecisionType:   approval.DecisionType,
		Options:        approval.Options,
		ContextData:    renderedContext(e, approval.ContextData, st.Vars),
		TimeoutSeconds: approval.TimeoutSeconds,
	}
}

func renderedContext(e *Engine, data map[string]any, vars map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	out, ok := e.tmpl.RenderValue(data, vars).(map[string]any)
	if !ok {
		return data
	}
	return out
}

// asSlice coerces a vars value into an iterable collection.
func asSlice(v any) []any {
	switch t := v.(type) {
	case nil:
		return nil
	case []any:
		return t
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out
	case map[string]any:
		out := make([]any, 0, len(t))
		for _, k := range sortedKeys(t) {
			out = append(out, map[string]any{"key": k, "value": t[k]})
		}
		return out
	default:
		return []any{v}
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
