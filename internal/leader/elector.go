// Package leader elects one process per role through a leased database
// row. Singleton loops gate each cycle on IsLeader.
package leader

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	ilog "github.com/karuppusamym/LangOrch-sub000/internal/log"
	"github.com/karuppusamym/LangOrch-sub000/internal/store"
)

// DefaultLeaseName is the single election role the scheduler loops use.
const DefaultLeaseName = "scheduler"

// Elector renews one leader lease on a timer.
type Elector struct {
	ID string

	store *store.Store
	name  string
	ttl   time.Duration
	renew time.Duration
	log   *slog.Logger

	leader atomic.Bool

	// onLoss runs when held leadership lapses, letting loops clear
	// baseline caches before the next acquisition.
	onLoss func()
}

// New builds an elector for a named role.
func New(st *store.Store, name string, ttl, renewInterval time.Duration, onLoss func(), logger *slog.Logger) *Elector {
	host, _ := os.Hostname()
	return &Elector{
		ID:     fmt.Sprintf("%s-%s", host, uuid.NewString()[:8]),
		store:  st,
		name:   name,
		ttl:    ttl,
		renew:  renewInterval,
		onLoss: onLoss,
		log:    ilog.WithComponent(logger, "leader"),
	}
}

// IsLeader reports the last observed election result.
func (e *Elector) IsLeader() bool {
	return e.leader.Load()
}

// Run acquires and renews until the context ends, then releases.
func (e *Elector) Run(ctx context.Context) {
	e.tick(ctx)
	ticker := time.NewTicker(e.renew)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			e.release()
			return
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

func (e *Elector) tick(ctx context.Context) {
	won, err := e.store.AcquireOrRenewLeader(ctx, e.name, e.ID, e.ttl)
	if err != nil {
		e.log.Warn("leader election pass failed", "error", err)
		won = false
	}
	was := e.leader.Swap(won)
	switch {
	case won && !was:
		e.log.Info("leadership acquired", "role", e.name, "leader_id", e.ID)
	case !won && was:
		e.log.Warn("leadership lost", "role", e.name, "leader_id", e.ID)
		if e.onLoss != nil {
			e.onLoss()
		}
	}
}

func (e *Elector) release() {
	if !e.leader.Load() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.store.ReleaseLeader(ctx, e.name, e.ID); err != nil {
		e.log.Warn("leader release failed", "error", err)
	}
	e.leader.Store(false)
}
