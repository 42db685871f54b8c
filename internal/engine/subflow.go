package engine

import (
	"context"
	"fmt"

	"github.com/karuppusamym/LangOrch-sub000/internal/store"
	"github.com/karuppusamym/LangOrch-sub000/pkg/ckp"
	"github.com/karuppusamym/LangOrch-sub000/pkg/errors"
)

// execSubflow compiles the child procedure and walks it inside the
// same run with a scoped thread id. Input and output mappings bridge
// the two variable spaces.
func (e *Engine) execSubflow(ctx context.Context, st *State, node *ckp.Node) {
	sub := node.Subflow
	if st.depth >= maxSubflowDepth {
		st.Err = &errors.SubflowError{
			ProcedureID: sub.ProcedureID,
			Version:     sub.Version,
			Cause:       fmt.Errorf("subflow nesting exceeds depth %d", maxSubflowDepth),
		}
		return
	}

	childProc, err := e.loadChildProcedure(ctx, sub)
	if err != nil {
		st.Err = err
		return
	}

	childVars := make(map[string]any)
	if sub.InheritVars {
		childVars = CopyVars(st.Vars)
	}
	for childKey, src := range sub.InputMapping {
		if v, ok := st.Vars[src]; ok {
			childVars[childKey] = copyValue(v)
			continue
		}
		childVars[childKey] = e.tmpl.Render(src, st.Vars)
	}
	applySchemaDefaults(childVars, childProc.VariablesSchema)
	childVars["run_id"] = st.RunID
	childVars["procedure_id"] = childProc.ProcedureID

	threadID := fmt.Sprintf("%s:subflow:%s:%s:%s",
		st.ThreadID, node.ID, childProc.ProcedureID, childProc.Version)

	e.emit(ctx, st, store.EventSubflowStarted, node.ID, "", map[string]any{
		"procedure_id": childProc.ProcedureID,
		"version":      childProc.Version,
		"thread_id":    threadID,
	})

	child := newState(st.RunID, threadID, childVars, &childProc.GlobalConfig)
	child.depth = st.depth + 1
	e.walk(ctx, child, childProc, childProc.WorkflowGraph.StartNode, "")

	if child.Err != nil || child.TerminalStatus == StatusFailed {
		cause := child.Err
		if cause == nil {
			cause = fmt.Errorf("child terminated with status failed")
		}
		if errors.IsCancelled(cause) {
			st.Err = cause
			return
		}
		subErr := &errors.SubflowError{
			ProcedureID: childProc.ProcedureID,
			Version:     childProc.Version,
			Cause:       cause,
		}
		if sub.OnFailure == "continue" {
			e.log.Warn("subflow failed, continuing",
				"node_id", node.ID, "procedure_id", childProc.ProcedureID, "error", subErr)
			e.emit(ctx, st, store.EventSubflowCompleted, node.ID, "", map[string]any{
				"procedure_id": childProc.ProcedureID,
				"status":       StatusFailed,
				"error":        subErr.Error(),
			})
			st.NextNodeID = sub.NextNode
			return
		}
		st.Err = subErr
		return
	}
	if child.TerminalStatus == StatusAwaitingApproval || child.AwaitingCallback {
		st.Err = &errors.SubflowError{
			ProcedureID: childProc.ProcedureID,
			Version:     childProc.Version,
			Cause:       fmt.Errorf("child paused awaiting external input, which subflows do not support"),
		}
		return
	}

	if len(sub.OutputMapping) == 0 {
		st.Vars["subflow_output"] = child.Vars
	} else {
		for parentKey, childKey := range sub.OutputMapping {
			st.Vars[parentKey] = child.Vars[childKey]
		}
	}

	e.emit(ctx, st, store.EventSubflowCompleted, node.ID, "", map[string]any{
		"procedure_id": childProc.ProcedureID,
		"status":       StatusCompleted,
	})
	st.NextNodeID = sub.NextNode
}

func (e *Engine) loadChildProcedure(ctx context.Context, sub *ckp.SubflowNode) (*ckp.Procedure, error) {
	var row *store.Procedure
	var err error
	if sub.Version != "" {
		row, err = e.store.GetProcedure(ctx, sub.ProcedureID, sub.Version)
	} else {
		row, err = e.store.LatestProcedure(ctx, sub.ProcedureID)
	}
	if err != nil {
		return nil, &errors.SubflowError{ProcedureID: sub.ProcedureID, Version: sub.Version, Cause: err}
	}
	proc, err := Compile(row.CKPJSON)
	if err != nil {
		return nil, &errors.SubflowError{ProcedureID: sub.ProcedureID, Version: sub.Version, Cause: err}
	}
	return proc, nil
}

// applySchemaDefaults fills missing vars from the schema's defaults.
func applySchemaDefaults(vars map[string]any, schema map[string]ckp.VariableSpec) {
	for name, spec := range schema {
		if _, ok := vars[name]; !ok && spec.Default != nil {
			vars[name] = copyValue(spec.Default)
		}
	}
}
