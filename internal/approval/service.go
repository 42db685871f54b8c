// Package approval decides pending human approvals and resumes their
// paused runs ahead of normal queue traffic.
package approval

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	ilog "github.com/karuppusamym/LangOrch-sub000/internal/log"
	"github.com/karuppusamym/LangOrch-sub000/internal/store"
	"github.com/karuppusamym/LangOrch-sub000/pkg/errors"
)

// resumePriority places resume jobs ahead of freshly triggered runs.
const resumePriority = 10

// approvalDecisionsVar is the reserved vars key the engine reads
// decisions from on resume.
const approvalDecisionsVar = "__approval_decisions"

// Service submits approval decisions and expires overdue ones.
type Service struct {
	store *store.Store
	log   *slog.Logger
}

func NewService(st *store.Store, logger *slog.Logger) *Service {
	return &Service{store: st, log: ilog.WithComponent(logger, "approval")}
}

// Decision is one submitted human decision.
type Decision struct {
	// Value is approved, rejected, or timeout.
	Value string

	DecidedBy string

	// Payload carries optional structured context for the decision.
	Payload map[string]any
}

func (d *Decision) status() (string, error) {
	switch d.Value {
	case "approved", "approve":
		return store.ApprovalStatusApproved, nil
	case "rejected", "reject":
		return store.ApprovalStatusRejected, nil
	case "timeout":
		return store.ApprovalStatusTimeout, nil
	}
	return "", &errors.ValidationError{
		Field:      "decision",
		Message:    "decision must be approved, rejected, or timeout",
		Suggestion: "submit one of: approved, rejected, timeout",
	}
}

// Submit records the decision, injects it into the run's variables,
// and requeues the run at resume priority. Only pending approvals can
// be decided; a second submission fails.
func (s *Service) Submit(ctx context.Context, approvalID string, decision *Decision) error {
	status, err := decision.status()
	if err != nil {
		return err
	}

	approval, err := s.store.GetApproval(ctx, approvalID)
	if err != nil {
		return err
	}

	decisionJSON := "{}"
	if decision.Payload != nil {
		if raw, jerr := json.Marshal(decision.Payload); jerr == nil {
			decisionJSON = string(raw)
		}
	}
	if err := s.store.DecideApproval(ctx, approvalID, status, decision.DecidedBy, decisionJSON); err != nil {
		return err
	}

	if err := s.injectDecision(ctx, approval.RunID, approval.NodeID, status); err != nil {
		return err
	}
	if err := s.store.RequeueRun(ctx, approval.RunID, resumePriority); err != nil {
		return err
	}

	s.log.Info("approval decided",
		"approval_id", approvalID, ilog.RunIDKey, approval.RunID,
		ilog.NodeIDKey, approval.NodeID, "decision", status, "decided_by", decision.DecidedBy)
	return nil
}

// injectDecision writes the decision into the run's persisted vars so
// the resumed walk routes at the approval node.
func (s *Service) injectDecision(ctx context.Context, runID, nodeID, status string) error {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	vars := map[string]any{}
	if run.InputVarsJSON != "" {
		if err := json.Unmarshal([]byte(run.InputVarsJSON), &vars); err != nil {
			return errors.Wrap(err, "decode run vars")
		}
	}
	decisions, ok := vars[approvalDecisionsVar].(map[string]any)
	if !ok {
		decisions = map[string]any{}
	}
	decisions[nodeID] = status
	vars[approvalDecisionsVar] = decisions

	raw, err := json.Marshal(vars)
	if err != nil {
		return errors.Wrap(err, "encode run vars")
	}
	return s.store.SaveRunVars(ctx, runID, string(raw))
}

// ExpiryLoop times out overdue approvals. Leader-gated: follower
// cycles skip the scan.
func (s *Service) ExpiryLoop(ctx context.Context, interval time.Duration, isLeader func() bool) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if isLeader != nil && !isLeader() {
			continue
		}
		s.expireOverdue(ctx)
	}
}

func (s *Service) expireOverdue(ctx context.Context) {
	expired, err := s.store.ExpiredApprovals(ctx, time.Now().UTC())
	if err != nil {
		s.log.Warn("expired approval scan failed", "error", err)
		return
	}
	for _, a := range expired {
		err := s.Submit(ctx, a.ApprovalID, &Decision{Value: "timeout", DecidedBy: "system"})
		if err != nil {
			s.log.Warn("approval expiry submit failed",
				"approval_id", a.ApprovalID, "error", err)
			continue
		}
		s.log.Info("approval timed out",
			"approval_id", a.ApprovalID, ilog.RunIDKey, a.RunID)
	}
}
