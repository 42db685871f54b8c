package trigger

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	ilog "github.com/karuppusamym/LangOrch-sub000/internal/log"
	"github.com/karuppusamym/LangOrch-sub000/internal/store"
)

// Scheduler fires scheduled triggers from their cron expressions. Only
// the elected leader fires; followers keep an empty schedule.
type Scheduler struct {
	svc      *Service
	store    *store.Store
	isLeader func() bool
	reload   time.Duration
	log      *slog.Logger

	cron *cron.Cron
}

func NewScheduler(svc *Service, st *store.Store, reloadInterval time.Duration, isLeader func() bool, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		svc:      svc,
		store:    st,
		isLeader: isLeader,
		reload:   reloadInterval,
		log:      ilog.WithComponent(logger, "scheduler"),
	}
}

// Run reloads the schedule from registrations until the context ends.
func (s *Scheduler) Run(ctx context.Context) {
	s.reloadEntries(ctx)
	ticker := time.NewTicker(s.reload)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.stop()
			return
		case <-ticker.C:
			s.reloadEntries(ctx)
		}
	}
}

// reloadEntries rebuilds the cron runner from the current scheduled
// registrations. Off-leader cycles tear the schedule down so a demoted
// node stops firing.
func (s *Scheduler) reloadEntries(ctx context.Context) {
	if s.isLeader != nil && !s.isLeader() {
		s.stop()
		return
	}
	regs, err := s.store.ListEnabledTriggers(ctx, "scheduled")
	if err != nil {
		s.log.Warn("scheduled trigger load failed", "error", err)
		return
	}

	next := cron.New()
	added := 0
	for _, reg := range regs {
		if reg.Schedule == nil || *reg.Schedule == "" {
			continue
		}
		procedureID := reg.ProcedureID
		_, err := next.AddFunc(*reg.Schedule, func() {
			if s.isLeader != nil && !s.isLeader() {
				return
			}
			fireCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if _, err := s.svc.Fire(fireCtx, procedureID, "scheduled", "cron", nil); err != nil {
				s.log.Warn("scheduled fire failed", ilog.ProcedureKey, procedureID, "error", err)
			}
		})
		if err != nil {
			s.log.Warn("invalid cron expression, skipping",
				ilog.ProcedureKey, procedureID, "schedule", *reg.Schedule, "error", err)
			continue
		}
		added++
	}

	s.stop()
	s.cron = next
	s.cron.Start()
	if added > 0 {
		s.log.Debug("schedule loaded", "entries", added)
	}
}

func (s *Scheduler) stop() {
	if s.cron != nil {
		s.cron.Stop()
		s.cron = nil
	}
}
