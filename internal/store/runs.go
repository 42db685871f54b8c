package store

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	"github.com/karuppusamym/LangOrch-sub000/pkg/errors"
)

// CreateRun inserts a new run in status created. Missing identifiers are
// generated.
func (s *Store) CreateRun(ctx context.Context, r *Run) error {
	if r.RunID == "" {
		r.RunID = uuid.NewString()
	}
	if r.ThreadID == "" {
		r.ThreadID = r.RunID
	}
	if r.Status == "" {
		r.Status = RunStatusCreated
	}
	if r.InputVarsJSON == "" {
		r.InputVarsJSON = "{}"
	}
	if r.TriggerType == "" {
		r.TriggerType = "manual"
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now()
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO runs
			(run_id, procedure_id, procedure_version, thread_id, status,
			 input_vars_json, parent_run_id, trigger_type, triggered_by,
			 project_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		r.RunID, r.ProcedureID, r.ProcedureVersion, r.ThreadID, r.Status,
		r.InputVarsJSON, r.ParentRunID, r.TriggerType, r.TriggeredBy,
		r.ProjectID, r.CreatedAt)
	return errors.Wrapf(err, "create run %s", r.RunID)
}

// GetRun loads one run.
func (s *Store) GetRun(ctx context.Context, runID string) (*Run, error) {
	var r Run
	err := s.db.GetContext(ctx, &r, s.rebind(`SELECT * FROM runs WHERE run_id = ?`), runID)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "run", ID: runID}
	}
	if err != nil {
		return nil, errors.Wrap(err, "get run")
	}
	return &r, nil
}

// MarkRunRunning transitions a run to running, setting started_at on the
// first transition only.
func (s *Store) MarkRunRunning(ctx context.Context, runID string) error {
	ts := now()
	_, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE runs SET status = ?, started_at = COALESCE(started_at, ?)
		WHERE run_id = ?`),
		RunStatusRunning, ts, runID)
	return errors.Wrap(err, "mark run running")
}

// UpdateRunProgress records the resume anchor.
func (s *Store) UpdateRunProgress(ctx context.Context, runID, lastNodeID, lastStepID string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE runs SET last_node_id = ?, last_step_id = ? WHERE run_id = ?`),
		nullable(lastNodeID), nullable(lastStepID), runID)
	return errors.Wrap(err, "update run progress")
}

// SaveRunVars overwrites the persisted working variables. Used before a
// run pauses so a resume reconstitutes state without replaying effects.
func (s *Store) SaveRunVars(ctx context.Context, runID, inputVarsJSON string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE runs SET input_vars_json = ? WHERE run_id = ?`),
		inputVarsJSON, runID)
	return errors.Wrap(err, "save run vars")
}

// CompleteRun transitions a run to completed with its output variables.
func (s *Store) CompleteRun(ctx context.Context, runID, outputVarsJSON string) error {
	ts := now()
	_, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE runs SET status = ?, output_vars_json = ?, ended_at = ?
		WHERE run_id = ?`),
		RunStatusCompleted, outputVarsJSON, ts, runID)
	return errors.Wrap(err, "complete run")
}

// FailRun transitions a run to failed with a human-readable message.
func (s *Store) FailRun(ctx context.Context, runID, message string) error {
	ts := now()
	_, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE runs SET status = ?, error_message = ?, ended_at = ?
		WHERE run_id = ?`),
		RunStatusFailed, message, ts, runID)
	return errors.Wrap(err, "fail run")
}

// MarkRunCanceled transitions a run to canceled.
func (s *Store) MarkRunCanceled(ctx context.Context, runID string) error {
	ts := now()
	_, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE runs SET status = ?, ended_at = ? WHERE run_id = ?`),
		RunStatusCanceled, ts, runID)
	return errors.Wrap(err, "mark run canceled")
}

// MarkRunWaitingApproval pauses a run pending a human decision.
func (s *Store) MarkRunWaitingApproval(ctx context.Context, runID, nodeID string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE runs SET status = ?, last_node_id = ? WHERE run_id = ?`),
		RunStatusWaitingApproval, nodeID, runID)
	return errors.Wrap(err, "mark run waiting approval")
}

// RequestCancellation sets the cooperative cancellation flag. The worker
// bridges it into the in-process signal on its next probe.
func (s *Store) RequestCancellation(ctx context.Context, runID string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE runs SET cancellation_requested = TRUE WHERE run_id = ?`),
		runID)
	return errors.Wrap(err, "request cancellation")
}

// CancellationRequested reads the cancellation flag.
func (s *Store) CancellationRequested(ctx context.Context, runID string) (bool, error) {
	var flag bool
	err := s.db.GetContext(ctx, &flag, s.rebind(`
		SELECT cancellation_requested FROM runs WHERE run_id = ?`), runID)
	if err == sql.ErrNoRows {
		return false, &errors.NotFoundError{Resource: "run", ID: runID}
	}
	return flag, errors.Wrap(err, "read cancellation flag")
}

// AddRunUsage accumulates LLM token and cost counters on the run.
func (s *Store) AddRunUsage(ctx context.Context, runID string, promptTokens, completionTokens int64, costUSD float64) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE runs SET
			total_prompt_tokens = total_prompt_tokens + ?,
			total_completion_tokens = total_completion_tokens + ?,
			estimated_cost_usd = estimated_cost_usd + ?
		WHERE run_id = ?`),
		promptTokens, completionTokens, costUSD, runID)
	return errors.Wrap(err, "add run usage")
}

// CountActiveRuns counts created or running runs of a procedure, used to
// enforce max_concurrent_runs on trigger fire.
func (s *Store) CountActiveRuns(ctx context.Context, procedureID string) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, s.rebind(`
		SELECT COUNT(*) FROM runs
		WHERE procedure_id = ? AND status IN (?, ?)`),
		procedureID, RunStatusCreated, RunStatusRunning)
	return n, errors.Wrap(err, "count active runs")
}

func nullable(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
