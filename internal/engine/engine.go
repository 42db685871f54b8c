// Package engine executes compiled procedures: it walks the workflow
// graph node by node, runs each node's executor, and reports the run's
// terminal outcome to the orchestrator entry point.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/karuppusamym/LangOrch-sub000/internal/cancel"
	"github.com/karuppusamym/LangOrch-sub000/internal/dispatch"
	"github.com/karuppusamym/LangOrch-sub000/internal/llmclient"
	ilog "github.com/karuppusamym/LangOrch-sub000/internal/log"
	"github.com/karuppusamym/LangOrch-sub000/internal/metrics"
	"github.com/karuppusamym/LangOrch-sub000/internal/store"
	"github.com/karuppusamym/LangOrch-sub000/pkg/ckp"
	"github.com/karuppusamym/LangOrch-sub000/pkg/errors"
	"github.com/karuppusamym/LangOrch-sub000/pkg/template"
)

// maxNodeVisits bounds a single walk against unbounded graph cycles.
const maxNodeVisits = 10000

// maxSubflowDepth bounds nested subflow recursion at runtime. Direct
// self-recursion is already rejected statically.
const maxSubflowDepth = 10

// Engine drives run execution. One Engine serves all workers in the
// process; it is safe for concurrent use.
type Engine struct {
	store      *store.Store
	dispatcher *dispatch.Dispatcher
	llm        *llmclient.Client
	tmpl       *template.Engine
	cancels    *cancel.Registry
	metrics    *metrics.Metrics
	log        *slog.Logger

	// httpc posts fire-and-forget error-alert webhooks.
	httpc *http.Client
}

// New wires an engine over its collaborators.
func New(st *store.Store, d *dispatch.Dispatcher, llm *llmclient.Client, cancels *cancel.Registry, m *metrics.Metrics, logger *slog.Logger) *Engine {
	return &Engine{
		store:      st,
		dispatcher: d,
		llm:        llm,
		tmpl:       template.New(),
		cancels:    cancels,
		metrics:    m,
		log:        ilog.WithComponent(logger, "engine"),
		httpc:      &http.Client{},
	}
}

// Compile parses and validates CKP JSON into an executable procedure.
func Compile(ckpJSON string) (*ckp.Procedure, error) {
	proc, err := ckp.Parse([]byte(ckpJSON))
	if err != nil {
		return nil, err
	}
	if errs := ckp.Validate(proc); len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, e := range errs {
			msgs[i] = e.Error()
		}
		return nil, &errors.CompileError{
			Path:    "workflow_graph",
			Message: fmt.Sprintf("validation failed: %v", msgs),
		}
	}
	return proc, nil
}

// checkCancelled bridges the persisted cancellation flag into the
// in-process signal and converts a hit into RunCancelledError.
func (e *Engine) checkCancelled(ctx context.Context, st *State) error {
	cancelled, err := e.cancels.CheckAndSignal(ctx, st.RunID, e.store)
	if err != nil {
		return err
	}
	if cancelled {
		return &errors.RunCancelledError{RunID: st.RunID}
	}
	return nil
}

// walk traverses the graph from entry until the state halts or the
// walk leaves the graph (natural completion). A non-empty stop node
// makes walk return cleanly when traversal reaches it without
// executing it; parallel branches use this to join.
func (e *Engine) walk(ctx context.Context, st *State, proc *ckp.Procedure, entry, stop string) {
	nodeID := entry
	for visits := 0; ; visits++ {
		if visits >= maxNodeVisits {
			st.Err = &errors.CompileError{
				Path:    "workflow_graph",
				Message: fmt.Sprintf("node visit limit exceeded at %q", nodeID),
			}
			return
		}
		if stop != "" && nodeID == stop {
			return
		}
		node, ok := proc.WorkflowGraph.Nodes[nodeID]
		if !ok {
			st.Err = &errors.CompileError{
				Path:    "workflow_graph.nodes",
				Message: fmt.Sprintf("edge points to unknown node %q", nodeID),
			}
			return
		}

		if err := e.checkCancelled(ctx, st); err != nil {
			st.Err = err
			return
		}

		st.CurrentNodeID = nodeID
		st.NextNodeID = ""
		st.Vars["node_id"] = nodeID
		if st.depth == 0 {
			if err := e.store.UpdateRunProgress(ctx, st.RunID, nodeID, ""); err != nil {
				e.log.Warn("run progress update failed", ilog.RunIDKey, st.RunID, "error", err)
			}
		}

		e.execNode(ctx, st, proc, node)
		if st.halted() {
			return
		}

		if node.Type == ckp.NodeSequence && node.Sequence.Checkpoint {
			e.emit(ctx, st, store.EventCheckpointSaved, nodeID, "", map[string]any{
				"node_id": nodeID,
			})
		}

		if st.NextNodeID == "" {
			// Ran off the end of the graph: natural completion.
			st.TerminalStatus = StatusCompleted
			return
		}
		nodeID = st.NextNodeID
	}
}

func (e *Engine) execNode(ctx context.Context, st *State, proc *ckp.Procedure, node *ckp.Node) {
	switch node.Type {
	case ckp.NodeSequence:
		e.execSequence(ctx, st, node)
	case ckp.NodeLogic:
		e.execLogic(st, node)
	case ckp.NodeLoop:
		e.execLoop(st, node)
	case ckp.NodeParallel:
		e.execParallel(ctx, st, proc, node)
	case ckp.NodeHumanApproval:
		e.execHumanApproval(st, node)
	case ckp.NodeLLMAction:
		e.execLLMAction(ctx, st, node)
	case ckp.NodeSubflow:
		e.execSubflow(ctx, st, node)
	case ckp.NodeTransform:
		e.execTransform(st, node)
	case ckp.NodeVerification:
		e.execVerification(st, node)
	case ckp.NodeProcessing:
		e.execProcessing(ctx, st, node)
	case ckp.NodeTerminate:
		e.execTerminate(st, node)
	default:
		st.Err = &errors.CompileError{
			Path:    "workflow_graph.nodes." + node.ID,
			Message: fmt.Sprintf("no executor for node type %q", node.Type),
		}
	}
}

// emit appends a run event, logging rather than failing the walk when
// the append itself errors.
func (e *Engine) emit(ctx context.Context, st *State, eventType, nodeID, stepID string, payload map[string]any) {
	if err := e.store.AppendEvent(ctx, st.RunID, eventType, nodeID, stepID, 0, payload); err != nil {
		e.log.Warn("event append failed",
			ilog.RunIDKey, st.RunID, "event_type", eventType, "error", err)
	}
}
