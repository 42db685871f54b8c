package store

import (
	"time"
)

// Run statuses.
const (
	RunStatusCreated         = "created"
	RunStatusRunning         = "running"
	RunStatusWaitingApproval = "waiting_approval"
	RunStatusCompleted       = "completed"
	RunStatusFailed          = "failed"
	RunStatusCanceled        = "canceled"
)

// RunJob statuses.
const (
	JobStatusQueued    = "queued"
	JobStatusRunning   = "running"
	JobStatusDone      = "done"
	JobStatusFailed    = "failed"
	JobStatusRetrying  = "retrying"
	JobStatusCancelled = "cancelled"
)

// Approval statuses.
const (
	ApprovalStatusPending  = "pending"
	ApprovalStatusApproved = "approved"
	ApprovalStatusRejected = "rejected"
	ApprovalStatusTimeout  = "timeout"
)

// Procedure statuses.
const (
	ProcedureStatusDraft      = "draft"
	ProcedureStatusActive     = "active"
	ProcedureStatusDeprecated = "deprecated"
	ProcedureStatusArchived   = "archived"
)

// Step idempotency statuses.
const (
	StepStatusStarted   = "started"
	StepStatusCompleted = "completed"
	StepStatusFailed    = "failed"
)

// Agent statuses.
const (
	AgentStatusOnline  = "online"
	AgentStatusOffline = "offline"
)

// Procedure is an immutable (procedure_id, version) pair owning CKP JSON.
type Procedure struct {
	ProcedureID   string     `db:"procedure_id"`
	Version       string     `db:"version"`
	Status        string     `db:"status"`
	CKPJSON       string     `db:"ckp_json"`
	TriggerJSON   *string    `db:"trigger_json"`
	ProjectID     *string    `db:"project_id"`
	EffectiveDate *time.Time `db:"effective_date"`
	CreatedAt     time.Time  `db:"created_at"`
}

// Run is one execution attempt of a procedure.
type Run struct {
	RunID                 string     `db:"run_id"`
	ProcedureID           string     `db:"procedure_id"`
	ProcedureVersion      string     `db:"procedure_version"`
	ThreadID              string     `db:"thread_id"`
	Status                string     `db:"status"`
	StartedAt             *time.Time `db:"started_at"`
	EndedAt               *time.Time `db:"ended_at"`
	InputVarsJSON         string     `db:"input_vars_json"`
	OutputVarsJSON        *string    `db:"output_vars_json"`
	LastNodeID            *string    `db:"last_node_id"`
	LastStepID            *string    `db:"last_step_id"`
	TotalPromptTokens     int64      `db:"total_prompt_tokens"`
	TotalCompletionTokens int64      `db:"total_completion_tokens"`
	EstimatedCostUSD      float64    `db:"estimated_cost_usd"`
	ErrorMessage          *string    `db:"error_message"`
	ParentRunID           *string    `db:"parent_run_id"`
	TriggerType           string     `db:"trigger_type"`
	TriggeredBy           string     `db:"triggered_by"`
	CancellationRequested bool       `db:"cancellation_requested"`
	ProjectID             *string    `db:"project_id"`
	CreatedAt             time.Time  `db:"created_at"`
}

// Terminal reports whether the run is in a terminal status.
func (r *Run) Terminal() bool {
	switch r.Status {
	case RunStatusCompleted, RunStatusFailed, RunStatusCanceled:
		return true
	}
	return false
}

// RunEvent is one append-only timeline entry.
type RunEvent struct {
	EventID     string    `db:"event_id"`
	RunID       string    `db:"run_id"`
	Ts          time.Time `db:"ts"`
	EventType   string    `db:"event_type"`
	NodeID      *string   `db:"node_id"`
	StepID      *string   `db:"step_id"`
	Attempt     int       `db:"attempt"`
	PayloadJSON string    `db:"payload_json"`
}

// Approval is a pending or decided human decision.
type Approval struct {
	ApprovalID      string     `db:"approval_id"`
	RunID           string     `db:"run_id"`
	NodeID          string     `db:"node_id"`
	Prompt          string     `db:"prompt"`
	DecisionType    string     `db:"decision_type"`
	OptionsJSON     *string    `db:"options_json"`
	ContextDataJSON *string    `db:"context_data_json"`
	Status          string     `db:"status"`
	DecidedBy       *string    `db:"decided_by"`
	DecidedAt       *time.Time `db:"decided_at"`
	DecisionJSON    *string    `db:"decision_json"`
	ExpiresAt       *time.Time `db:"expires_at"`
	CreatedAt       time.Time  `db:"created_at"`
}

// StepRecord is the idempotency row for one (run, node, step).
type StepRecord struct {
	RunID          string    `db:"run_id"`
	NodeID         string    `db:"node_id"`
	StepID         string    `db:"step_id"`
	IdempotencyKey *string   `db:"idempotency_key"`
	Status         string    `db:"status"`
	ResultJSON     *string   `db:"result_json"`
	UpdatedAt      time.Time `db:"updated_at"`
}

// Artifact is an external output produced by a step.
type Artifact struct {
	ArtifactID string    `db:"artifact_id"`
	RunID      string    `db:"run_id"`
	NodeID     string    `db:"node_id"`
	StepID     string    `db:"step_id"`
	Kind       string    `db:"kind"`
	URI        string    `db:"uri"`
	CreatedAt  time.Time `db:"created_at"`
}

// Agent is a registered executor endpoint.
type Agent struct {
	AgentID             string     `db:"agent_id"`
	Name                string     `db:"name"`
	Channel             string     `db:"channel"`
	BaseURL             string     `db:"base_url"`
	Capabilities        string     `db:"capabilities"`
	Status              string     `db:"status"`
	ConcurrencyLimit    int        `db:"concurrency_limit"`
	ResourceKey         string     `db:"resource_key"`
	PoolID              *string    `db:"pool_id"`
	ConsecutiveFailures int        `db:"consecutive_failures"`
	CircuitOpenAt       *time.Time `db:"circuit_open_at"`
	LastHeartbeatAt     *time.Time `db:"last_heartbeat_at"`
}

// ResourceLease is a time-bounded claim on a resource key.
type ResourceLease struct {
	LeaseID     string     `db:"lease_id"`
	ResourceKey string     `db:"resource_key"`
	RunID       string     `db:"run_id"`
	NodeID      string     `db:"node_id"`
	StepID      string     `db:"step_id"`
	AcquiredAt  time.Time  `db:"acquired_at"`
	ExpiresAt   time.Time  `db:"expires_at"`
	ReleasedAt  *time.Time `db:"released_at"`
}

// TriggerRegistration binds a trigger to a (procedure_id, version).
type TriggerRegistration struct {
	ProcedureID         string  `db:"procedure_id"`
	Version             string  `db:"version"`
	TriggerType         string  `db:"trigger_type"`
	Schedule            *string `db:"schedule"`
	WebhookSecret       *string `db:"webhook_secret"`
	EventSource         *string `db:"event_source"`
	DedupeWindowSeconds int     `db:"dedupe_window_seconds"`
	MaxConcurrentRuns   int     `db:"max_concurrent_runs"`
	Enabled             bool    `db:"enabled"`
}

// TriggerDedupeRecord suppresses duplicate webhook payloads.
type TriggerDedupeRecord struct {
	ProcedureID string    `db:"procedure_id"`
	PayloadHash string    `db:"payload_hash"`
	RunID       string    `db:"run_id"`
	CreatedAt   time.Time `db:"created_at"`
}

// RunJob is the durable work item for the worker queue. One per run.
type RunJob struct {
	JobID        string     `db:"job_id"`
	RunID        string     `db:"run_id"`
	Status       string     `db:"status"`
	Priority     int        `db:"priority"`
	Attempts     int        `db:"attempts"`
	MaxAttempts  int        `db:"max_attempts"`
	AvailableAt  time.Time  `db:"available_at"`
	LockedBy     *string    `db:"locked_by"`
	LockedUntil  *time.Time `db:"locked_until"`
	ErrorMessage *string    `db:"error_message"`
	CreatedAt    time.Time  `db:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at"`
}

// LeaderLease is the single row backing one singleton role.
type LeaderLease struct {
	Name       string    `db:"name"`
	LeaderID   string    `db:"leader_id"`
	AcquiredAt time.Time `db:"acquired_at"`
	ExpiresAt  time.Time `db:"expires_at"`
}

// Worker is a presence row for one orchestrator process.
type Worker struct {
	WorkerID        string    `db:"worker_id"`
	Status          string    `db:"status"`
	IsLeader        bool      `db:"is_leader"`
	LastHeartbeatAt time.Time `db:"last_heartbeat_at"`
}
