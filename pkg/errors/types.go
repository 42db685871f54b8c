package errors

import (
	"fmt"
	"time"
)

// ValidationError represents a static check failure over a procedure
// definition. Use this for invalid CKP documents, bad graph edges, or
// constraint violations found before execution.
type ValidationError struct {
	// Field identifies which part of the document failed validation
	Field string

	// Message is the human-readable error description
	Message string

	// Suggestion provides actionable guidance for fixing the error
	Suggestion string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// CompileError represents a CKP document that could not be turned into an
// executable procedure: malformed JSON, unknown node types, missing
// required fields.
type CompileError struct {
	// Path is the JSON path of the offending element (e.g. "workflow_graph.nodes.n1")
	Path string

	// Message is the human-readable error description
	Message string

	// Cause is the underlying error (e.g. a json.Unmarshal error)
	Cause error
}

// Error implements the error interface.
func (e *CompileError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("compile error at %s: %s", e.Path, e.Message)
	}
	return fmt.Sprintf("compile error: %s", e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *CompileError) Unwrap() error {
	return e.Cause
}

// NotFoundError represents a resource not found error.
type NotFoundError struct {
	// Resource is the type of resource (e.g. "run", "procedure", "approval")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ConfigError represents configuration problems.
type ConfigError struct {
	// Key is the configuration key that has the problem (e.g. "database_url")
	Key string

	// Reason explains what's wrong with the configuration
	Reason string

	// Cause is the underlying error (e.g. file read error, parse error)
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// TimeoutError represents a step or node exceeding its configured deadline.
type TimeoutError struct {
	// Operation describes what timed out (e.g. "step fetch_page", "agent call")
	Operation string

	// Duration is how long the operation ran before timing out
	Duration time.Duration

	// Cause is the underlying error (usually context.DeadlineExceeded)
	Cause error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %v", e.Operation, e.Duration)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TimeoutError) Unwrap() error {
	return e.Cause
}

// DispatchError represents a failed call to a remote executor: agent HTTP
// failure, connection error, or a non-2xx response.
type DispatchError struct {
	// Endpoint is the URL or identifier the dispatch targeted
	Endpoint string

	// Action is the action that was being dispatched
	Action string

	// StatusCode is the HTTP status code, if a response was received
	StatusCode int

	// Message is the human-readable error description
	Message string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *DispatchError) Error() string {
	msg := fmt.Sprintf("dispatch of %q to %s failed", e.Action, e.Endpoint)
	if e.StatusCode > 0 {
		msg = fmt.Sprintf("%s [HTTP %d]", msg, e.StatusCode)
	}
	if e.Message != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Message)
	}
	return msg
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *DispatchError) Unwrap() error {
	return e.Cause
}

// ResourceBusyError indicates that no resource lease could be acquired for
// an agent's resource key. Treated as a retryable dispatch error.
type ResourceBusyError struct {
	// ResourceKey is the shared-lease bucket that was saturated
	ResourceKey string
}

// Error implements the error interface.
func (e *ResourceBusyError) Error() string {
	return fmt.Sprintf("resource busy: %s", e.ResourceKey)
}

// RunCancelledError is raised by a cancellation probe between steps.
type RunCancelledError struct {
	// RunID identifies the cancelled run
	RunID string
}

// Error implements the error interface.
func (e *RunCancelledError) Error() string {
	return fmt.Sprintf("run cancelled: %s", e.RunID)
}

// CircuitOpenError is synthesized when a call is attempted against an
// endpoint whose circuit breaker is open.
type CircuitOpenError struct {
	// Endpoint is the URL whose circuit is open
	Endpoint string

	// Until is when the circuit is next eligible to close, if known
	Until time.Time
}

// Error implements the error interface.
func (e *CircuitOpenError) Error() string {
	if !e.Until.IsZero() {
		return fmt.Sprintf("circuit open for %s until %s", e.Endpoint, e.Until.UTC().Format(time.RFC3339))
	}
	return fmt.Sprintf("circuit open for %s", e.Endpoint)
}

// LLMCallError represents a failed LLM completion call.
type LLMCallError struct {
	// Model is the model that was requested
	Model string

	// StatusCode is the HTTP status code, if a response was received
	StatusCode int

	// Message is the human-readable error description
	Message string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *LLMCallError) Error() string {
	msg := fmt.Sprintf("llm call failed (model %s)", e.Model)
	if e.StatusCode > 0 {
		msg = fmt.Sprintf("%s [HTTP %d]", msg, e.StatusCode)
	}
	if e.Message != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Message)
	}
	return msg
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *LLMCallError) Unwrap() error {
	return e.Cause
}

// MCPToolError represents a failed MCP tools/call invocation.
type MCPToolError struct {
	// Endpoint is the MCP server URL
	Endpoint string

	// Tool is the tool name that was invoked
	Tool string

	// Message is the human-readable error description
	Message string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *MCPToolError) Error() string {
	return fmt.Sprintf("mcp tool %q at %s failed: %s", e.Tool, e.Endpoint, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *MCPToolError) Unwrap() error {
	return e.Cause
}

// SubflowError represents a child procedure run that failed. Propagation to
// the parent is controlled by the subflow node's on_failure policy.
type SubflowError struct {
	// ProcedureID identifies the child procedure
	ProcedureID string

	// Version identifies the child procedure version
	Version string

	// Cause is the child run's error
	Cause error
}

// Error implements the error interface.
func (e *SubflowError) Error() string {
	return fmt.Sprintf("subflow %s@%s failed: %v", e.ProcedureID, e.Version, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *SubflowError) Unwrap() error {
	return e.Cause
}
