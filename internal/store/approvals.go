package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/karuppusamym/LangOrch-sub000/pkg/errors"
)

// CreateApproval records a pending human decision for (run, node). If a
// pending approval already exists for the pair, it is returned unchanged;
// a paused run never accumulates duplicates.
func (s *Store) CreateApproval(ctx context.Context, a *Approval) (*Approval, error) {
	existing, err := s.PendingApproval(ctx, a.RunID, a.NodeID)
	if err != nil {
		var nf *errors.NotFoundError
		if !errors.As(err, &nf) {
			return nil, err
		}
	}
	if existing != nil {
		return existing, nil
	}

	if a.ApprovalID == "" {
		a.ApprovalID = uuid.NewString()
	}
	if a.Status == "" {
		a.Status = ApprovalStatusPending
	}
	if a.DecisionType == "" {
		a.DecisionType = "approve_reject"
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now()
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO approvals
			(approval_id, run_id, node_id, prompt, decision_type, options_json,
			 context_data_json, status, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		a.ApprovalID, a.RunID, a.NodeID, a.Prompt, a.DecisionType, a.OptionsJSON,
		a.ContextDataJSON, a.Status, a.ExpiresAt, a.CreatedAt)
	if err != nil {
		return nil, errors.Wrap(err, "create approval")
	}
	return a, nil
}

// GetApproval loads one approval.
func (s *Store) GetApproval(ctx context.Context, approvalID string) (*Approval, error) {
	var a Approval
	err := s.db.GetContext(ctx, &a, s.rebind(`
		SELECT * FROM approvals WHERE approval_id = ?`), approvalID)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "approval", ID: approvalID}
	}
	if err != nil {
		return nil, errors.Wrap(err, "get approval")
	}
	return &a, nil
}

// PendingApproval finds the pending approval for (run, node).
func (s *Store) PendingApproval(ctx context.Context, runID, nodeID string) (*Approval, error) {
	var a Approval
	err := s.db.GetContext(ctx, &a, s.rebind(`
		SELECT * FROM approvals
		WHERE run_id = ? AND node_id = ? AND status = ?`),
		runID, nodeID, ApprovalStatusPending)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "approval", ID: runID + "/" + nodeID}
	}
	if err != nil {
		return nil, errors.Wrap(err, "find pending approval")
	}
	return &a, nil
}

// DecideApproval records a decision on a pending approval. Deciding a
// non-pending approval is an error; decisions happen exactly once.
func (s *Store) DecideApproval(ctx context.Context, approvalID, status, decidedBy, decisionJSON string) error {
	ts := now()
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE approvals
		SET status = ?, decided_by = ?, decided_at = ?, decision_json = ?
		WHERE approval_id = ? AND status = ?`),
		status, decidedBy, ts, decisionJSON, approvalID, ApprovalStatusPending)
	if err != nil {
		return errors.Wrap(err, "decide approval")
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return &errors.ValidationError{
			Field:      "approval_id",
			Message:    "approval is not pending",
			Suggestion: "decisions are final; check the approval's current status",
		}
	}
	return nil
}

// ExpiredApprovals lists pending approvals whose deadline passed.
func (s *Store) ExpiredApprovals(ctx context.Context, asOf time.Time) ([]Approval, error) {
	var out []Approval
	err := s.db.SelectContext(ctx, &out, s.rebind(`
		SELECT * FROM approvals
		WHERE status = ? AND expires_at IS NOT NULL AND expires_at <= ?`),
		ApprovalStatusPending, asOf)
	return out, errors.Wrap(err, "list expired approvals")
}
