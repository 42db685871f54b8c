// Package ckp defines the typed in-memory representation of a Codified
// Knowledge Procedure, plus parsing and static validation of CKP JSON
// documents.
package ckp

import (
	"encoding/json"
	"fmt"

	"github.com/karuppusamym/LangOrch-sub000/pkg/errors"
)

// NodeType discriminates workflow graph node payloads.
type NodeType string

const (
	NodeSequence      NodeType = "sequence"
	NodeLogic         NodeType = "logic"
	NodeLoop          NodeType = "loop"
	NodeParallel      NodeType = "parallel"
	NodeHumanApproval NodeType = "human_approval"
	NodeLLMAction     NodeType = "llm_action"
	NodeSubflow       NodeType = "subflow"
	NodeTransform     NodeType = "transform"
	NodeVerification  NodeType = "verification"
	NodeProcessing    NodeType = "processing"
	NodeTerminate     NodeType = "terminate"
)

// Procedure is the typed IR of a CKP document.
type Procedure struct {
	ProcedureID       string                  `json:"procedure_id"`
	Version           string                  `json:"version"`
	GlobalConfig      GlobalConfig            `json:"global_config,omitempty"`
	VariablesSchema   map[string]VariableSpec `json:"variables_schema,omitempty"`
	WorkflowGraph     Graph                   `json:"workflow_graph"`
	Trigger           *Trigger                `json:"trigger,omitempty"`
	Provenance        map[string]any          `json:"provenance,omitempty"`
	RetrievalMetadata map[string]any          `json:"retrieval_metadata,omitempty"`
}

// GlobalConfig carries procedure-wide execution settings.
type GlobalConfig struct {
	// ExecutionMode is "live" (default) or "dry_run".
	ExecutionMode string `json:"execution_mode,omitempty"`

	// MockExternalCalls replaces agent and MCP dispatch with stub results.
	MockExternalCalls bool `json:"mock_external_calls,omitempty"`

	// TestDataOverrides maps step_id to a canned result returned instead
	// of executing the step.
	TestDataOverrides map[string]any `json:"test_data_overrides,omitempty"`

	// ScreenshotOnFail requests a screenshot event on every step failure.
	ScreenshotOnFail bool `json:"screenshot_on_fail,omitempty"`

	// RetryPolicy is the default retry policy for steps without their own.
	RetryPolicy *RetryConfig `json:"retry_policy,omitempty"`

	// RateLimiting bounds concurrent external dispatch within one run.
	RateLimiting *RateLimiting `json:"rate_limiting,omitempty"`
}

// RateLimiting bounds in-run dispatch concurrency.
type RateLimiting struct {
	MaxConcurrent int `json:"max_concurrent,omitempty"`
}

// VariableSpec describes one entry of a procedure's variables schema.
type VariableSpec struct {
	Type        string `json:"type,omitempty"`
	Default     any    `json:"default,omitempty"`
	Required    bool   `json:"required,omitempty"`
	Description string `json:"description,omitempty"`
}

// Trigger is the optional trigger sidecar of a procedure.
type Trigger struct {
	// Type is one of manual, scheduled, webhook, event, file_watch.
	Type string `json:"type"`

	// Schedule is a 5-field cron expression. Required for scheduled.
	Schedule string `json:"schedule,omitempty"`

	// WebhookSecret names the environment variable holding the HMAC
	// secret. Required for webhook.
	WebhookSecret string `json:"webhook_secret,omitempty"`

	// EventSource names the external event bus source for event triggers.
	EventSource string `json:"event_source,omitempty"`

	// DedupeWindowSeconds suppresses duplicate webhook payloads inside
	// the window.
	DedupeWindowSeconds int `json:"dedupe_window_seconds,omitempty"`

	// MaxConcurrentRuns caps active runs per procedure. 0 means no cap.
	MaxConcurrentRuns int `json:"max_concurrent_runs,omitempty"`

	Enabled bool `json:"enabled,omitempty"`
}

// Graph is the workflow node graph.
type Graph struct {
	StartNode string           `json:"start_node"`
	Nodes     map[string]*Node `json:"nodes"`
}

// Node is a tagged union over the per-type payloads. Exactly one payload
// pointer is non-nil, matching Type.
type Node struct {
	// ID is the node's key in the graph map. Not serialized.
	ID string `json:"-"`

	Type NodeType `json:"type"`

	Sequence      *SequenceNode      `json:"-"`
	Logic         *LogicNode         `json:"-"`
	Loop          *LoopNode          `json:"-"`
	Parallel      *ParallelNode      `json:"-"`
	HumanApproval *HumanApprovalNode `json:"-"`
	LLMAction     *LLMActionNode     `json:"-"`
	Subflow       *SubflowNode       `json:"-"`
	Transform     *TransformNode     `json:"-"`
	Verification  *VerificationNode  `json:"-"`
	Processing    *ProcessingNode    `json:"-"`
	Terminate     *TerminateNode     `json:"-"`
}

// SequenceNode runs an ordered list of steps.
type SequenceNode struct {
	Steps         []Step         `json:"steps"`
	ErrorHandlers []ErrorHandler `json:"error_handlers,omitempty"`
	NextNode      string         `json:"next_node,omitempty"`
	SLA           *SLA           `json:"sla,omitempty"`
	Telemetry     *Telemetry     `json:"telemetry,omitempty"`
	Checkpoint    bool           `json:"checkpoint,omitempty"`
}

// Step is one dispatchable unit inside a sequence or processing node.
type Step struct {
	StepID string `json:"step_id"`
	Action string `json:"action"`

	// Agent is the target channel for non-internal actions.
	Agent string `json:"agent,omitempty"`

	Params         map[string]any `json:"params,omitempty"`
	OutputVariable string         `json:"output_variable,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	TimeoutMs      int            `json:"timeout_ms,omitempty"`
	WaitMs         int            `json:"wait_ms,omitempty"`
	WaitAfterMs    int            `json:"wait_after_ms,omitempty"`
	RetryConfig    *RetryConfig   `json:"retry_config,omitempty"`

	// Binding pins the step to an executor, bypassing registry lookup.
	Binding *StepBinding `json:"binding,omitempty"`
}

// StepBinding is an explicit executor binding on a step.
type StepBinding struct {
	// Kind is internal, agent_http, or mcp_tool.
	Kind string `json:"kind"`

	// Ref is the endpoint URL for agent_http and mcp_tool bindings.
	Ref string `json:"ref,omitempty"`
}

// RetryConfig is a retry policy, used at the step, node, or global level.
type RetryConfig struct {
	RetryOnFailure    bool    `json:"retry_on_failure,omitempty"`
	MaxRetries        int     `json:"max_retries,omitempty"`
	RetryDelayMs      int     `json:"retry_delay_ms,omitempty"`
	BackoffMultiplier float64 `json:"backoff_multiplier,omitempty"`
}

// ErrorHandler is one entry in a node's ordered error-handler ladder.
type ErrorHandler struct {
	// ErrorType matches by error kind name. Empty matches any error.
	ErrorType string `json:"error_type,omitempty"`

	// Action is ignore, fail, retry, escalate, or screenshot_and_fail.
	Action string `json:"action"`

	MaxRetries    int    `json:"max_retries,omitempty"`
	DelayMs       int    `json:"delay_ms,omitempty"`
	FallbackNode  string `json:"fallback_node,omitempty"`
	NotifyOnError bool   `json:"notify_on_error,omitempty"`
	AlertWebhook  string `json:"alert_webhook,omitempty"`
}

// SLA bounds a node's wall-clock duration.
type SLA struct {
	MaxDurationMs int    `json:"max_duration_ms"`
	OnBreach      string `json:"on_breach,omitempty"`
}

// Telemetry opts a node into duration and retry-count reporting.
type Telemetry struct {
	TrackDuration bool `json:"track_duration,omitempty"`
	TrackRetries  bool `json:"track_retries,omitempty"`
}

// LogicNode routes on the first rule whose condition evaluates true.
type LogicNode struct {
	Rules           []LogicRule `json:"rules"`
	DefaultNextNode string      `json:"default_next_node,omitempty"`
}

// LogicRule pairs a condition expression with its target node.
type LogicRule struct {
	ConditionExpr string `json:"condition_expr"`
	NextNode      string `json:"next_node"`
}

// LoopNode iterates a body node over a collection variable.
type LoopNode struct {
	// Iterator names the variable holding the collection.
	Iterator string `json:"iterator"`

	// IteratorVariable receives the current item each pass.
	IteratorVariable string `json:"iterator_variable"`

	// IndexVariable, when set, receives the current index.
	IndexVariable string `json:"index_variable,omitempty"`

	BodyNode      string `json:"body_node"`
	NextNode      string `json:"next_node,omitempty"`
	MaxIterations int    `json:"max_iterations,omitempty"`
}

// ParallelNode forks branches and joins at NextNode.
type ParallelNode struct {
	Branches []ParallelBranch `json:"branches"`

	// NextNode is the join node.
	NextNode string `json:"next_node,omitempty"`

	// WaitStrategy is "all" (default) or "any".
	WaitStrategy string `json:"wait_strategy,omitempty"`

	// BranchFailure is "fail" (default) or "continue".
	BranchFailure string `json:"branch_failure,omitempty"`
}

// ParallelBranch is one fork of a parallel node.
type ParallelBranch struct {
	BranchID  string `json:"branch_id"`
	StartNode string `json:"start_node"`
}

// HumanApprovalNode pauses the run for a human decision.
type HumanApprovalNode struct {
	Prompt         string         `json:"prompt"`
	DecisionType   string         `json:"decision_type,omitempty"`
	Options        []string       `json:"options,omitempty"`
	ContextData    map[string]any `json:"context_data,omitempty"`
	OnApprove      string         `json:"on_approve"`
	OnReject       string         `json:"on_reject,omitempty"`
	OnTimeout      string         `json:"on_timeout,omitempty"`
	TimeoutSeconds int            `json:"timeout_seconds,omitempty"`
}

// LLMActionNode invokes the configured LLM gateway.
type LLMActionNode struct {
	Prompt       string  `json:"prompt"`
	SystemPrompt string  `json:"system_prompt,omitempty"`
	Model        string  `json:"model,omitempty"`
	Temperature  float64 `json:"temperature,omitempty"`
	MaxTokens    int     `json:"max_tokens,omitempty"`
	JSONMode     bool    `json:"json_mode,omitempty"`

	// Outputs maps variable names to extraction specs: "text", "raw",
	// "content" take the full response; "json:field" parses and extracts.
	Outputs map[string]string `json:"outputs,omitempty"`

	// OrchestrationMode makes the model pick the next node from Branches
	// by returning {"_next_node": ...} JSON.
	OrchestrationMode bool     `json:"orchestration_mode,omitempty"`
	Branches          []string `json:"branches,omitempty"`

	Retry    *RetryConfig `json:"retry,omitempty"`
	NextNode string       `json:"next_node,omitempty"`
}

// SubflowNode runs another procedure as a nested child of the run.
type SubflowNode struct {
	ProcedureID string `json:"procedure_id"`
	Version     string `json:"version"`

	// InputMapping builds the child vars: each value is a parent vars
	// key or a template.
	InputMapping map[string]string `json:"input_mapping,omitempty"`

	// OutputMapping copies child vars back into parent vars. Empty means
	// dump all child vars under "subflow_output".
	OutputMapping map[string]string `json:"output_mapping,omitempty"`

	InheritVars bool `json:"inherit_vars,omitempty"`

	// OnFailure is "fail_parent" (default) or "continue".
	OnFailure string `json:"on_failure,omitempty"`

	NextNode string `json:"next_node,omitempty"`
}

// TransformNode applies data operations to a source variable.
type TransformNode struct {
	Source     string        `json:"source"`
	Operations []TransformOp `json:"operations"`
	NextNode   string        `json:"next_node,omitempty"`
}

// TransformOp is one transform operation.
type TransformOp struct {
	// Op is filter, map, aggregate, sort, unique, or jq.
	Op string `json:"op"`

	// Expression drives filter (per-item condition with "item" in scope)
	// and map (rendered template or dotted field).
	Expression string `json:"expression,omitempty"`

	// Func selects the aggregate: count, sum, min, max.
	Func string `json:"func,omitempty"`

	// Field is the aggregate input field on each item.
	Field string `json:"field,omitempty"`

	// Key is the sort key.
	Key        string `json:"key,omitempty"`
	Descending bool   `json:"descending,omitempty"`

	// Query is a jq program for the jq op.
	Query string `json:"query,omitempty"`

	OutputVariable string `json:"output_variable"`
}

// VerificationNode evaluates checks in order.
type VerificationNode struct {
	Checks   []VerificationCheck `json:"checks"`
	NextNode string              `json:"next_node,omitempty"`
}

// VerificationCheck is one condition with a failure policy.
type VerificationCheck struct {
	Name      string `json:"name,omitempty"`
	Condition string `json:"condition"`

	// OnFail is "fail_workflow" or "continue" (default).
	OnFail string `json:"on_fail,omitempty"`
}

// ProcessingNode runs a list of internal actions.
type ProcessingNode struct {
	Actions  []Step `json:"actions"`
	NextNode string `json:"next_node,omitempty"`
}

// TerminateNode ends the walk with a terminal status.
type TerminateNode struct {
	// Status is "completed" (default) or "failed".
	Status string `json:"status,omitempty"`
}

// ValidNodeTypes is the set of recognized node type discriminators.
var ValidNodeTypes = map[NodeType]bool{
	NodeSequence:      true,
	NodeLogic:         true,
	NodeLoop:          true,
	NodeParallel:      true,
	NodeHumanApproval: true,
	NodeLLMAction:     true,
	NodeSubflow:       true,
	NodeTransform:     true,
	NodeVerification:  true,
	NodeProcessing:    true,
	NodeTerminate:     true,
}

// ValidTriggerTypes is the set of recognized trigger types.
var ValidTriggerTypes = map[string]bool{
	"manual":     true,
	"scheduled":  true,
	"webhook":    true,
	"event":      true,
	"file_watch": true,
}

// InternalActions is the built-in action vocabulary executed in-process
// without an agent.
var InternalActions = map[string]bool{
	"log":                true,
	"wait":               true,
	"set_variable":       true,
	"calculate":          true,
	"format_data":        true,
	"parse_json":         true,
	"parse_csv":          true,
	"generate_id":        true,
	"get_timestamp":      true,
	"set_checkpoint":     true,
	"restore_checkpoint": true,
	"screenshot":         true,
}

// ImplicitVariables are always in scope during execution and never need
// to appear in the variables schema.
var ImplicitVariables = map[string]bool{
	"run_id":           true,
	"procedure_id":     true,
	"trigger_type":     true,
	"triggered_by":     true,
	"node_id":          true,
	"step_id":          true,
	"loop_index":       true,
	"loop_item":        true,
	"parallel_results": true,
	"llm_output":       true,
}

// payload returns the active variant as an any for marshalling.
func (n *Node) payload() any {
	switch n.Type {
	case NodeSequence:
		return n.Sequence
	case NodeLogic:
		return n.Logic
	case NodeLoop:
		return n.Loop
	case NodeParallel:
		return n.Parallel
	case NodeHumanApproval:
		return n.HumanApproval
	case NodeLLMAction:
		return n.LLMAction
	case NodeSubflow:
		return n.Subflow
	case NodeTransform:
		return n.Transform
	case NodeVerification:
		return n.Verification
	case NodeProcessing:
		return n.Processing
	case NodeTerminate:
		return n.Terminate
	}
	return nil
}

// Edges returns every outgoing edge target of the node, in declaration
// order. Used by the validator and the reachability walk.
func (n *Node) Edges() []string {
	var out []string
	add := func(target string) {
		if target != "" {
			out = append(out, target)
		}
	}
	switch n.Type {
	case NodeSequence:
		add(n.Sequence.NextNode)
		for _, h := range n.Sequence.ErrorHandlers {
			add(h.FallbackNode)
		}
	case NodeLogic:
		for _, r := range n.Logic.Rules {
			add(r.NextNode)
		}
		add(n.Logic.DefaultNextNode)
	case NodeLoop:
		add(n.Loop.BodyNode)
		add(n.Loop.NextNode)
	case NodeParallel:
		for _, b := range n.Parallel.Branches {
			add(b.StartNode)
		}
		add(n.Parallel.NextNode)
	case NodeHumanApproval:
		add(n.HumanApproval.OnApprove)
		add(n.HumanApproval.OnReject)
		add(n.HumanApproval.OnTimeout)
	case NodeLLMAction:
		for _, b := range n.LLMAction.Branches {
			add(b)
		}
		add(n.LLMAction.NextNode)
	case NodeSubflow:
		add(n.Subflow.NextNode)
	case NodeTransform:
		add(n.Transform.NextNode)
	case NodeVerification:
		add(n.Verification.NextNode)
	case NodeProcessing:
		add(n.Processing.NextNode)
	case NodeTerminate:
	}
	return out
}

// UnmarshalJSON dispatches on the type discriminator into the matching
// payload variant.
func (n *Node) UnmarshalJSON(data []byte) error {
	var head struct {
		Type NodeType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return &errors.CompileError{Message: "node is not a JSON object", Cause: err}
	}
	n.Type = head.Type

	var dst any
	switch head.Type {
	case NodeSequence:
		n.Sequence = new(SequenceNode)
		dst = n.Sequence
	case NodeLogic:
		n.Logic = new(LogicNode)
		dst = n.Logic
	case NodeLoop:
		n.Loop = new(LoopNode)
		dst = n.Loop
	case NodeParallel:
		n.Parallel = new(ParallelNode)
		dst = n.Parallel
	case NodeHumanApproval:
		n.HumanApproval = new(HumanApprovalNode)
		dst = n.HumanApproval
	case NodeLLMAction:
		n.LLMAction = new(LLMActionNode)
		dst = n.LLMAction
	case NodeSubflow:
		n.Subflow = new(SubflowNode)
		dst = n.Subflow
	case NodeTransform:
		n.Transform = new(TransformNode)
		dst = n.Transform
	case NodeVerification:
		n.Verification = new(VerificationNode)
		dst = n.Verification
	case NodeProcessing:
		n.Processing = new(ProcessingNode)
		dst = n.Processing
	case NodeTerminate:
		n.Terminate = new(TerminateNode)
		dst = n.Terminate
	case "":
		return &errors.CompileError{Message: "node has no type"}
	default:
		return &errors.CompileError{Message: fmt.Sprintf("unknown node type %q", head.Type)}
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return &errors.CompileError{Message: fmt.Sprintf("invalid %s node", head.Type), Cause: err}
	}
	return nil
}

// MarshalJSON flattens the active payload and re-adds the discriminator,
// producing the same shape UnmarshalJSON accepts.
func (n *Node) MarshalJSON() ([]byte, error) {
	p := n.payload()
	if p == nil {
		return nil, &errors.CompileError{Message: fmt.Sprintf("node %s has no payload for type %q", n.ID, n.Type)}
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	flat := map[string]json.RawMessage{}
	if err := json.Unmarshal(raw, &flat); err != nil {
		return nil, err
	}
	flat["type"] = json.RawMessage(fmt.Sprintf("%q", n.Type))
	return json.Marshal(flat)
}
