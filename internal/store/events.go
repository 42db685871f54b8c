package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/karuppusamym/LangOrch-sub000/pkg/errors"
)

// Event types emitted onto a run's timeline.
const (
	EventExecutionStarted      = "execution_started"
	EventStepStarted           = "step_started"
	EventStepCompleted         = "step_completed"
	EventStepTimeout           = "step_timeout"
	EventStepErrorNotification = "step_error_notification"
	EventStepTestOverride      = "step_test_override_applied"
	EventStepMockApplied       = "step_mock_applied"
	EventDryRunStepSkipped     = "dry_run_step_skipped"
	EventArtifactCreated       = "artifact_created"
	EventApprovalRequested     = "approval_requested"
	EventSLABreached           = "sla_breached"
	EventCheckpointSaved       = "checkpoint_saved"
	EventSubflowStarted        = "subflow_started"
	EventSubflowCompleted      = "subflow_completed"
	EventLLMUsage              = "llm_usage"
	EventRunCompleted          = "run_completed"
	EventRunFailed             = "run_failed"
	EventRunRetryRequested     = "run_retry_requested"
	EventPoolSaturated         = "pool_saturated"
	EventScreenshotRequested   = "screenshot_requested"
	EventError                 = "error"
)

// AppendEvent writes one timeline entry. Payload is serialized as JSON;
// a nil payload stores {}.
func (s *Store) AppendEvent(ctx context.Context, runID, eventType, nodeID, stepID string, attempt int, payload map[string]any) error {
	payloadJSON := "{}"
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return errors.Wrap(err, "marshal event payload")
		}
		payloadJSON = string(raw)
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO run_events
			(event_id, run_id, ts, event_type, node_id, step_id, attempt, payload_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		uuid.NewString(), runID, now(), eventType,
		nullable(nodeID), nullable(stepID), attempt, payloadJSON)
	return errors.Wrapf(err, "append %s event", eventType)
}

// ListEvents returns a run's timeline in emission order.
func (s *Store) ListEvents(ctx context.Context, runID string) ([]RunEvent, error) {
	var out []RunEvent
	err := s.db.SelectContext(ctx, &out, s.rebind(`
		SELECT * FROM run_events WHERE run_id = ? ORDER BY ts, event_id`), runID)
	return out, errors.Wrap(err, "list events")
}

// HasEvent reports whether the run's timeline carries at least one event
// of the given type. Used for resume-intent detection.
func (s *Store) HasEvent(ctx context.Context, runID, eventType string) (bool, error) {
	var n int
	err := s.db.GetContext(ctx, &n, s.rebind(`
		SELECT COUNT(*) FROM run_events WHERE run_id = ? AND event_type = ?`),
		runID, eventType)
	return n > 0, errors.Wrap(err, "check event")
}

// PruneEventsBefore deletes timeline entries older than the cutoff and
// returns how many rows were removed.
func (s *Store) PruneEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		DELETE FROM run_events WHERE ts < ?`), cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "prune events")
	}
	n, _ := res.RowsAffected()
	return n, nil
}
