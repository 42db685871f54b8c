package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	ilog "github.com/karuppusamym/LangOrch-sub000/internal/log"
	"github.com/karuppusamym/LangOrch-sub000/internal/store"
	"github.com/karuppusamym/LangOrch-sub000/pkg/errors"
)

// Outcome is what a run execution attempt ended in. Paused outcomes
// leave the run resumable by a later job.
type Outcome string

const (
	OutcomeCompleted        Outcome = "completed"
	OutcomeFailed           Outcome = "failed"
	OutcomeCanceled         Outcome = "canceled"
	OutcomeWaitingApproval  Outcome = "waiting_approval"
	OutcomeAwaitingCallback Outcome = "awaiting_callback"
)

// ExecuteRun drives one run to a terminal or paused outcome. A non-nil
// error means the attempt itself broke (infrastructure or cancellation)
// and the job layer decides on retry; run-level failures are terminal
// and return (OutcomeFailed, nil).
func (e *Engine) ExecuteRun(ctx context.Context, runID string) (Outcome, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return "", err
	}
	if run.Terminal() {
		// A duplicate or reclaimed job for a finished run is a no-op.
		return Outcome(run.Status), nil
	}

	vars := map[string]any{}
	if run.InputVarsJSON != "" {
		if err := json.Unmarshal([]byte(run.InputVarsJSON), &vars); err != nil {
			return e.failRun(ctx, run, time.Now(), fmt.Sprintf("input vars are not valid JSON: %v", err))
		}
	}

	entry, resumeReason := resumeIntent(run, vars)
	if entry == "" {
		if marker, ok := e.resumeFromRetryMarker(ctx, run); ok {
			entry, resumeReason = marker, "retry_requested"
		}
	}

	if err := e.store.MarkRunRunning(ctx, runID); err != nil {
		return "", err
	}
	started := time.Now()
	e.metrics.RunStarted.Inc()
	e.cancels.Register(runID)
	defer func() {
		e.cancels.Unregister(runID)
		e.dispatcher.ForgetRun(runID)
	}()

	procRow, err := e.store.GetProcedure(ctx, run.ProcedureID, run.ProcedureVersion)
	if err != nil {
		var nf *errors.NotFoundError
		if errors.As(err, &nf) {
			return e.failRun(ctx, run, started,
				fmt.Sprintf("procedure %s@%s not found", run.ProcedureID, run.ProcedureVersion))
		}
		return "", err
	}
	if msg := procedureGate(procRow); msg != "" {
		return e.failRun(ctx, run, started, msg)
	}

	proc, err := Compile(procRow.CKPJSON)
	if err != nil {
		return e.failRun(ctx, run, started, err.Error())
	}

	applySchemaDefaults(vars, proc.VariablesSchema)
	vars["run_id"] = run.RunID
	vars["procedure_id"] = run.ProcedureID
	vars["trigger_type"] = run.TriggerType
	vars["triggered_by"] = run.TriggeredBy

	st := newState(run.RunID, run.ThreadID, vars, &proc.GlobalConfig)

	if entry == "" {
		entry = proc.WorkflowGraph.StartNode
	}
	e.emit(ctx, st, store.EventExecutionStarted, entry, "", map[string]any{
		"entry_node_id": entry,
		"resume_reason": resumeReason,
	})
	e.log.Info("run execution started",
		ilog.RunIDKey, run.RunID, ilog.ProcedureKey, run.ProcedureID,
		"entry_node", entry, "resume_reason", resumeReason)

	e.walk(ctx, st, proc, entry, "")

	switch {
	case st.Err != nil && errors.IsCancelled(st.Err):
		if err := e.store.MarkRunCanceled(ctx, runID); err != nil {
			return "", err
		}
		e.metrics.ObserveRunEnd(store.RunStatusCanceled, time.Since(started))
		e.log.Info("run cancelled", ilog.RunIDKey, runID)
		return OutcomeCanceled, st.Err

	case st.Err != nil:
		return e.failRun(ctx, run, started, st.Err.Error())

	case st.AwaitingCallback:
		return e.pauseForCallback(ctx, st)

	case st.TerminalStatus == StatusAwaitingApproval:
		return e.pauseForApproval(ctx, st)

	case st.TerminalStatus == StatusFailed:
		return e.failRun(ctx, run, started, "workflow terminated with status failed")

	default:
		outputJSON, err := json.Marshal(st.Vars)
		if err != nil {
			outputJSON = []byte("{}")
		}
		if err := e.store.CompleteRun(ctx, runID, string(outputJSON)); err != nil {
			return "", err
		}
		e.emit(ctx, st, store.EventRunCompleted, st.CurrentNodeID, "", map[string]any{
			"status": store.RunStatusCompleted,
		})
		e.metrics.ObserveRunEnd(store.RunStatusCompleted, time.Since(started))
		e.log.Info("run completed", ilog.RunIDKey, runID,
			"duration", time.Since(started))
		return OutcomeCompleted, nil
	}
}

// resumeIntent detects whether a requeued job should re-enter at the
// run's last node instead of the graph start.
func resumeIntent(run *store.Run, vars map[string]any) (entry, reason string) {
	if run.LastNodeID == nil || *run.LastNodeID == "" {
		return "", ""
	}
	if decisions, ok := vars[approvalDecisionsVar].(map[string]any); ok {
		if _, decided := decisions[*run.LastNodeID]; decided {
			return *run.LastNodeID, "approval_decision"
		}
	}
	return "", ""
}

// resumeFromRetryMarker upgrades the resume intent when a retry or
// callback marker exists. Separate from resumeIntent because it needs
// a DB read.
func (e *Engine) resumeFromRetryMarker(ctx context.Context, run *store.Run) (string, bool) {
	if run.LastNodeID == nil || *run.LastNodeID == "" {
		return "", false
	}
	has, err := e.store.HasEvent(ctx, run.RunID, store.EventRunRetryRequested)
	if err != nil {
		e.log.Warn("retry marker lookup failed", ilog.RunIDKey, run.RunID, "error", err)
		return "", false
	}
	if has {
		return *run.LastNodeID, true
	}
	return "", false
}

func procedureGate(p *store.Procedure) string {
	switch p.Status {
	case store.ProcedureStatusDeprecated, store.ProcedureStatusArchived:
		return fmt.Sprintf("procedure %s@%s is %s", p.ProcedureID, p.Version, p.Status)
	}
	if p.EffectiveDate != nil && p.EffectiveDate.After(time.Now().UTC()) {
		return fmt.Sprintf("procedure %s@%s is not effective until %s",
			p.ProcedureID, p.Version, p.EffectiveDate.Format("2006-01-02"))
	}
	return ""
}

func (e *Engine) failRun(ctx context.Context, run *store.Run, started time.Time, message string) (Outcome, error) {
	if err := e.store.AppendEvent(ctx, run.RunID, store.EventError, "", "", 0,
		map[string]any{"error": message}); err != nil {
		e.log.Warn("error event append failed", ilog.RunIDKey, run.RunID, "error", err)
	}
	if err := e.store.FailRun(ctx, run.RunID, message); err != nil {
		return "", err
	}
	if err := e.store.AppendEvent(ctx, run.RunID, store.EventRunFailed, "", "", 0,
		map[string]any{"error": message}); err != nil {
		e.log.Warn("run_failed event append failed", ilog.RunIDKey, run.RunID, "error", err)
	}
	e.metrics.ObserveRunEnd(store.RunStatusFailed, time.Since(started))
	e.log.Warn("run failed", ilog.RunIDKey, run.RunID, "error", message)
	return OutcomeFailed, nil
}

// pauseForApproval persists the Approval row and current vars, so the
// resume walk reconstitutes state without replaying effects.
func (e *Engine) pauseForApproval(ctx context.Context, st *State) (Outcome, error) {
	req := st.AwaitingApproval
	approval := &store.Approval{
		RunID:        st.RunID,
		NodeID:       req.NodeID,
		Prompt:       req.Prompt,
		DecisionType: req.DecisionType,
	}
	if len(req.Options) > 0 {
		if raw, err := json.Marshal(req.Options); err == nil {
			s := string(raw)
			approval.OptionsJSON = &s
		}
	}
	if len(req.ContextData) > 0 {
		if raw, err := json.Marshal(req.ContextData); err == nil {
			s := string(raw)
			approval.ContextDataJSON = &s
		}
	}
	if req.TimeoutSeconds > 0 {
		expires := time.Now().UTC().Add(time.Duration(req.TimeoutSeconds) * time.Second)
		approval.ExpiresAt = &expires
	}
	created, err := e.store.CreateApproval(ctx, approval)
	if err != nil {
		return "", err
	}

	if err := e.saveVars(ctx, st); err != nil {
		return "", err
	}
	if err := e.store.MarkRunWaitingApproval(ctx, st.RunID, req.NodeID); err != nil {
		return "", err
	}
	e.emit(ctx, st, store.EventApprovalRequested, req.NodeID, "", map[string]any{
		"approval_id":   created.ApprovalID,
		"prompt":        req.Prompt,
		"decision_type": req.DecisionType,
	})
	e.log.Info("run awaiting approval",
		ilog.RunIDKey, st.RunID, ilog.NodeIDKey, req.NodeID, "approval_id", created.ApprovalID)
	return OutcomeWaitingApproval, nil
}

// pauseForCallback leaves the run in running status with its vars
// saved; the callback endpoint completes the step record and requeues.
func (e *Engine) pauseForCallback(ctx context.Context, st *State) (Outcome, error) {
	if err := e.saveVars(ctx, st); err != nil {
		return "", err
	}
	e.log.Info("run awaiting agent callback",
		ilog.RunIDKey, st.RunID, ilog.NodeIDKey, st.CurrentNodeID)
	return OutcomeAwaitingCallback, nil
}

func (e *Engine) saveVars(ctx context.Context, st *State) error {
	raw, err := json.Marshal(st.Vars)
	if err != nil {
		return errors.Wrap(err, "marshal run vars")
	}
	return e.store.SaveRunVars(ctx, st.RunID, string(raw))
}
