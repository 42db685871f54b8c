// Package retention prunes aged run events and artifacts and marks
// stale agents offline. One sweeper runs cluster-wide, gated on the
// leader lease.
package retention

import (
	"context"
	"log/slog"
	"time"

	"github.com/karuppusamym/LangOrch-sub000/internal/config"
	ilog "github.com/karuppusamym/LangOrch-sub000/internal/log"
	"github.com/karuppusamym/LangOrch-sub000/internal/store"
)

// staleAgentAfter is how long an agent may miss heartbeats before its
// registration is flipped offline.
const staleAgentAfter = 2 * time.Minute

// Sweeper runs the periodic maintenance pass.
type Sweeper struct {
	store    *store.Store
	cfg      config.RetentionConfig
	isLeader func() bool
	log      *slog.Logger
}

func NewSweeper(st *store.Store, cfg config.RetentionConfig, isLeader func() bool, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		store:    st,
		cfg:      cfg,
		isLeader: isLeader,
		log:      ilog.WithComponent(logger, "retention"),
	}
}

// Run sweeps on the configured interval until the context ends.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if s.isLeader != nil && !s.isLeader() {
			continue
		}
		s.Sweep(ctx)
	}
}

// Sweep runs one maintenance pass.
func (s *Sweeper) Sweep(ctx context.Context) {
	now := time.Now().UTC()

	if s.cfg.EventDays > 0 {
		cutoff := now.AddDate(0, 0, -s.cfg.EventDays)
		n, err := s.store.PruneEventsBefore(ctx, cutoff)
		if err != nil {
			s.log.Warn("event prune failed", "error", err)
		} else if n > 0 {
			s.log.Info("pruned run events", "removed", n, "cutoff", cutoff)
		}
	}

	if s.cfg.ArtifactDays > 0 {
		cutoff := now.AddDate(0, 0, -s.cfg.ArtifactDays)
		n, err := s.store.PruneArtifactsBefore(ctx, cutoff)
		if err != nil {
			s.log.Warn("artifact prune failed", "error", err)
		} else if n > 0 {
			s.log.Info("pruned artifacts", "removed", n, "cutoff", cutoff)
		}
	}

	n, err := s.store.MarkStaleAgentsOffline(ctx, now.Add(-staleAgentAfter))
	if err != nil {
		s.log.Warn("stale agent sweep failed", "error", err)
	} else if n > 0 {
		s.log.Info("marked stale agents offline", "agents", n)
	}
}
