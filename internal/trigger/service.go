// Package trigger turns external stimuli into runs: webhook posts,
// cron schedules, and file-system events, reconciled from each
// procedure's trigger config.
package trigger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	ilog "github.com/karuppusamym/LangOrch-sub000/internal/log"
	"github.com/karuppusamym/LangOrch-sub000/internal/store"
	"github.com/karuppusamym/LangOrch-sub000/pkg/ckp"
	"github.com/karuppusamym/LangOrch-sub000/pkg/errors"
)

// Service fires triggers and keeps registrations in sync with
// imported procedures.
type Service struct {
	store       *store.Store
	maxAttempts int
	log         *slog.Logger
}

func NewService(st *store.Store, jobMaxAttempts int, logger *slog.Logger) *Service {
	return &Service{
		store:       st,
		maxAttempts: jobMaxAttempts,
		log:         ilog.WithComponent(logger, "trigger"),
	}
}

// SyncFromProcedures reconciles each procedure's trigger config into
// the registration table. Returns how many registrations were written.
func (s *Service) SyncFromProcedures(ctx context.Context) (int, error) {
	procs, err := s.store.ListProceduresWithTriggers(ctx)
	if err != nil {
		return 0, err
	}
	synced := 0
	for _, p := range procs {
		if p.TriggerJSON == nil || *p.TriggerJSON == "" {
			continue
		}
		var trig ckp.Trigger
		if err := json.Unmarshal([]byte(*p.TriggerJSON), &trig); err != nil {
			s.log.Warn("trigger config is not valid JSON, skipping",
				ilog.ProcedureKey, p.ProcedureID, "version", p.Version, "error", err)
			continue
		}
		reg := &store.TriggerRegistration{
			ProcedureID:         p.ProcedureID,
			Version:             p.Version,
			TriggerType:         trig.Type,
			DedupeWindowSeconds: trig.DedupeWindowSeconds,
			MaxConcurrentRuns:   trig.MaxConcurrentRuns,
			Enabled:             trig.Enabled,
		}
		if trig.Schedule != "" {
			reg.Schedule = &trig.Schedule
		}
		if trig.WebhookSecret != "" {
			reg.WebhookSecret = &trig.WebhookSecret
		}
		if trig.EventSource != "" {
			reg.EventSource = &trig.EventSource
		}
		if err := s.store.UpsertTriggerRegistration(ctx, reg); err != nil {
			return synced, err
		}
		synced++
	}
	return synced, nil
}

// Fire creates and enqueues a run for the procedure's latest version,
// honoring the registration's concurrency cap.
func (s *Service) Fire(ctx context.Context, procedureID, triggerType, triggeredBy string, vars map[string]any) (*store.Run, error) {
	proc, err := s.store.LatestProcedure(ctx, procedureID)
	if err != nil {
		return nil, err
	}

	reg, err := s.store.LatestTriggerRegistration(ctx, procedureID)
	if err != nil {
		if !errors.IsNotFound(err) {
			return nil, err
		}
		reg = nil
	}
	if reg != nil && reg.MaxConcurrentRuns > 0 {
		active, err := s.store.CountActiveRuns(ctx, procedureID)
		if err != nil {
			return nil, err
		}
		if active >= reg.MaxConcurrentRuns {
			return nil, &errors.ResourceBusyError{
				ResourceKey: fmt.Sprintf("procedure:%s (max %d concurrent runs)", procedureID, reg.MaxConcurrentRuns),
			}
		}
	}

	inputJSON := "{}"
	if vars != nil {
		raw, err := json.Marshal(vars)
		if err != nil {
			return nil, errors.Wrap(err, "marshal trigger vars")
		}
		inputJSON = string(raw)
	}
	run := &store.Run{
		ProcedureID:      proc.ProcedureID,
		ProcedureVersion: proc.Version,
		InputVarsJSON:    inputJSON,
		TriggerType:      triggerType,
		TriggeredBy:      triggeredBy,
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	if err := s.store.EnqueueRun(ctx, run.RunID, 0, s.maxAttempts); err != nil {
		return nil, err
	}
	s.log.Info("trigger fired",
		ilog.ProcedureKey, procedureID, ilog.RunIDKey, run.RunID,
		"trigger_type", triggerType, "triggered_by", triggeredBy)
	return run, nil
}

// SyncLoop periodically reconciles registrations. Leader-gated.
func (s *Service) SyncLoop(ctx context.Context, interval time.Duration, isLeader func() bool) {
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
		if _, err := s.SyncFromProcedures(ctx); err != nil {
			s.log.Warn("trigger sync failed", "error", err)
		}
	}
}
