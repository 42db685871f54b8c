package store

import (
	"context"
	"database/sql"

	"github.com/karuppusamym/LangOrch-sub000/pkg/errors"
)

// GetStepRecord loads the idempotency row for (run, node, step), or nil
// when the step has never started.
func (s *Store) GetStepRecord(ctx context.Context, runID, nodeID, stepID string) (*StepRecord, error) {
	var rec StepRecord
	err := s.db.GetContext(ctx, &rec, s.rebind(`
		SELECT * FROM step_idempotency
		WHERE run_id = ? AND node_id = ? AND step_id = ?`),
		runID, nodeID, stepID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "get step record")
	}
	return &rec, nil
}

// MarkStepStarted upserts the idempotency row into status started.
func (s *Store) MarkStepStarted(ctx context.Context, runID, nodeID, stepID, idempotencyKey string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO step_idempotency (run_id, node_id, step_id, idempotency_key, status, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id, node_id, step_id) DO UPDATE SET
			idempotency_key = excluded.idempotency_key,
			status = excluded.status,
			updated_at = excluded.updated_at`),
		runID, nodeID, stepID, nullable(idempotencyKey), StepStatusStarted, now())
	return errors.Wrap(err, "mark step started")
}

// MarkStepCompleted records the step's result. A completed row
// short-circuits re-execution on resume.
func (s *Store) MarkStepCompleted(ctx context.Context, runID, nodeID, stepID, resultJSON string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO step_idempotency (run_id, node_id, step_id, status, result_json, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id, node_id, step_id) DO UPDATE SET
			status = excluded.status,
			result_json = excluded.result_json,
			updated_at = excluded.updated_at`),
		runID, nodeID, stepID, StepStatusCompleted, resultJSON, now())
	return errors.Wrap(err, "mark step completed")
}

// MarkStepFailed records a terminal step failure.
func (s *Store) MarkStepFailed(ctx context.Context, runID, nodeID, stepID string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO step_idempotency (run_id, node_id, step_id, status, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (run_id, node_id, step_id) DO UPDATE SET
			status = excluded.status,
			updated_at = excluded.updated_at`),
		runID, nodeID, stepID, StepStatusFailed, now())
	return errors.Wrap(err, "mark step failed")
}
