package engine

import (
	"encoding/json"

	"github.com/karuppusamym/LangOrch-sub000/pkg/ckp"
)

// Terminal statuses a walk can end in. Pauses are not terminal: an
// awaiting_approval or awaiting_callback state resumes on a later job.
const (
	StatusCompleted        = "completed"
	StatusFailed           = "failed"
	StatusAwaitingApproval = "awaiting_approval"
)

// approvalDecisionsVar is the reserved vars key the approval service
// writes decisions into before requeueing the run.
const approvalDecisionsVar = "__approval_decisions"

// ApprovalRequest carries what the orchestrator needs to persist an
// Approval row when a human_approval node pauses the walk.
type ApprovalRequest struct {
	NodeID         string
	Prompt         string
	DecisionType   string
	Options        []string
	ContextData    map[string]any
	TimeoutSeconds int
}

// State is the mutable execution context threaded through node
// executors. One State per run walk; parallel branches fork copies.
type State struct {
	RunID    string
	ThreadID string

	Vars map[string]any

	CurrentNodeID string

	// NextNodeID drives traversal. Routing nodes (logic, loop, approval
	// after a decision, llm_action in orchestration mode) set it
	// themselves; everything else copies its next_node.
	NextNodeID string

	// Err halts the walk when set.
	Err error

	// TerminalStatus halts or pauses the walk: completed, failed, or
	// awaiting_approval.
	TerminalStatus string

	// AwaitingApproval is set together with TerminalStatus
	// awaiting_approval.
	AwaitingApproval *ApprovalRequest

	// AwaitingCallback pauses the run until an agent posts its result.
	AwaitingCallback bool

	// LoopIndex keeps per-loop-node progress across revisits.
	LoopIndex map[string]int

	ExecutionMode string
	Global        *ckp.GlobalConfig

	// sem bounds concurrent external dispatch within the run when
	// global_config.rate_limiting is set.
	sem chan struct{}

	// depth counts nested subflow walks.
	depth int
}

func newState(runID, threadID string, vars map[string]any, gc *ckp.GlobalConfig) *State {
	mode := "live"
	if gc != nil && gc.ExecutionMode != "" {
		mode = gc.ExecutionMode
	}
	st := &State{
		RunID:         runID,
		ThreadID:      threadID,
		Vars:          vars,
		LoopIndex:     make(map[string]int),
		ExecutionMode: mode,
		Global:        gc,
	}
	if gc != nil && gc.RateLimiting != nil && gc.RateLimiting.MaxConcurrent > 0 {
		st.sem = make(chan struct{}, gc.RateLimiting.MaxConcurrent)
	}
	return st
}

// fork builds a branch state with deep-copied vars sharing the run's
// identity, rate limiter, and global config.
func (st *State) fork() *State {
	return &State{
		RunID:         st.RunID,
		ThreadID:      st.ThreadID,
		Vars:          CopyVars(st.Vars),
		LoopIndex:     make(map[string]int),
		ExecutionMode: st.ExecutionMode,
		Global:        st.Global,
		sem:           st.sem,
		depth:         st.depth,
	}
}

// halted reports whether the walk must stop after the current node.
func (st *State) halted() bool {
	return st.Err != nil || st.TerminalStatus != "" || st.AwaitingCallback
}

// approvalDecision returns the recorded decision for a node, if any.
func (st *State) approvalDecision(nodeID string) (string, map[string]any, bool) {
	decisions, ok := st.Vars[approvalDecisionsVar].(map[string]any)
	if !ok {
		return "", nil, false
	}
	raw, ok := decisions[nodeID]
	if !ok {
		return "", nil, false
	}
	switch d := raw.(type) {
	case string:
		return d, nil, true
	case map[string]any:
		if s, ok := d["decision"].(string); ok {
			return s, d, true
		}
		if s, ok := d["status"].(string); ok {
			return s, d, true
		}
	}
	return "", nil, false
}

// CopyVars deep-copies a variable map. Values are restricted to the
// JSON data model, so the copy recurses maps and slices and shares
// scalars.
func CopyVars(vars map[string]any) map[string]any {
	out := make(map[string]any, len(vars))
	for k, v := range vars {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = copyValue(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = copyValue(e)
		}
		return out
	default:
		return v
	}
}

// varsDelta returns the keys of after whose values differ from before,
// compared by canonical JSON.
func varsDelta(before, after map[string]any) map[string]any {
	delta := make(map[string]any)
	for k, v := range after {
		old, had := before[k]
		if !had || !jsonEqual(old, v) {
			delta[k] = v
		}
	}
	return delta
}

func jsonEqual(a, b any) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(ja) == string(jb)
}
