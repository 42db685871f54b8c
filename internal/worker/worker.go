// Package worker claims run jobs from the durable queue and drives
// them through the engine, with per-job heartbeats and cooperative
// cancellation bridging.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/karuppusamym/LangOrch-sub000/internal/cancel"
	"github.com/karuppusamym/LangOrch-sub000/internal/config"
	"github.com/karuppusamym/LangOrch-sub000/internal/engine"
	ilog "github.com/karuppusamym/LangOrch-sub000/internal/log"
	"github.com/karuppusamym/LangOrch-sub000/internal/store"
	"github.com/karuppusamym/LangOrch-sub000/internal/tracing"
	"github.com/karuppusamym/LangOrch-sub000/pkg/errors"
)

// Worker is one polling loop over the run_jobs queue. A process runs
// exactly one Worker; concurrency happens per claimed job.
type Worker struct {
	ID string

	store   *store.Store
	engine  *engine.Engine
	cancels *cancel.Registry
	cfg     config.WorkerConfig
	log     *slog.Logger

	// leaderFn reports leadership for the presence row. Optional.
	leaderFn func() bool

	active atomic.Int32
	wg     sync.WaitGroup
}

// New builds a worker with a host-scoped id.
func New(st *store.Store, eng *engine.Engine, cancels *cancel.Registry, cfg config.WorkerConfig, leaderFn func() bool, logger *slog.Logger) *Worker {
	host, _ := os.Hostname()
	id := fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
	return &Worker{
		ID:       id,
		store:    st,
		engine:   eng,
		cancels:  cancels,
		cfg:      cfg,
		leaderFn: leaderFn,
		log:      ilog.WithComponent(logger, "worker").With(ilog.WorkerKey, id),
	}
}

// Run polls until the context ends, then waits for in-flight jobs.
func (w *Worker) Run(ctx context.Context) {
	w.log.Info("worker started",
		"concurrency", w.cfg.Concurrency, "poll_interval", w.cfg.PollInterval)

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		w.poll(ctx)
		select {
		case <-ctx.Done():
			w.log.Info("worker draining", "active", w.active.Load())
			w.wg.Wait()
			w.markOffline()
			w.log.Info("worker stopped")
			return
		case <-ticker.C:
		}
	}
}

func (w *Worker) poll(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	isLeader := false
	if w.leaderFn != nil {
		isLeader = w.leaderFn()
	}
	if err := w.store.UpsertWorkerHeartbeat(ctx, w.ID, isLeader); err != nil {
		w.log.Warn("worker heartbeat failed", "error", err)
	}

	if _, err := w.store.ReclaimStalledJobs(ctx, w.cfg.RetryDelay); err != nil {
		w.log.Warn("reclaim pass failed", "error", err)
	}

	free := w.cfg.Concurrency - int(w.active.Load())
	if free <= 0 {
		return
	}
	jobs, err := w.store.ClaimJobs(ctx, w.ID, free, w.cfg.LockDuration)
	if err != nil {
		w.log.Warn("job claim failed", "error", err)
		return
	}
	for i := range jobs {
		job := jobs[i]
		w.active.Add(1)
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			defer w.active.Add(-1)
			w.executeJob(ctx, &job)
		}()
	}
}

// executeJob runs one claimed job: cancellation pre-check, heartbeat
// task, engine invocation, outcome bookkeeping.
func (w *Worker) executeJob(ctx context.Context, job *store.RunJob) {
	log := w.log.With(ilog.JobIDKey, job.JobID, ilog.RunIDKey, job.RunID)
	log.Info("job claimed", "attempt", job.Attempts)

	cancelled, err := w.cancels.CheckAndSignal(ctx, job.RunID, w.store)
	if err != nil {
		log.Warn("cancellation pre-check failed", "error", err)
	}
	if cancelled {
		if err := w.store.MarkRunCanceled(ctx, job.RunID); err != nil {
			log.Warn("mark run canceled failed", "error", err)
		}
		if err := w.store.MarkJobCancelled(ctx, job.JobID); err != nil {
			log.Warn("mark job cancelled failed", "error", err)
		}
		log.Info("job cancelled before execution")
		return
	}

	jobCtx, stopJob := context.WithCancel(ctx)
	defer stopJob()

	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		w.heartbeat(jobCtx, job, stopJob)
	}()

	spanCtx, span := tracing.StartRunSpan(jobCtx, job.RunID)
	outcome, execErr := w.engine.ExecuteRun(spanCtx, job.RunID)
	span.End()
	stopJob()
	<-hbDone

	// Bookkeeping runs even when the job context was cancelled.
	finCtx, cancelFin := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancelFin()

	switch {
	case execErr != nil && errors.IsCancelled(execErr):
		if err := w.store.MarkJobCancelled(finCtx, job.JobID); err != nil {
			log.Warn("mark job cancelled failed", "error", err)
		}
		log.Info("job cancelled")

	case execErr != nil:
		if job.Attempts >= job.MaxAttempts {
			if err := w.store.MarkJobFailed(finCtx, job.JobID, execErr.Error()); err != nil {
				log.Warn("mark job failed errored", "error", err)
			}
			log.Error("job failed permanently", "error", execErr, "attempts", job.Attempts)
			return
		}
		if err := w.store.RetryJob(finCtx, job, execErr.Error(), w.cfg.RetryDelay); err != nil {
			log.Warn("job retry scheduling failed", "error", err)
		}
		log.Warn("job scheduled for retry", "error", execErr, "attempts", job.Attempts)

	default:
		if err := w.store.MarkJobDone(finCtx, job.JobID); err != nil {
			log.Warn("mark job done failed", "error", err)
		}
		log.Info("job finished", "outcome", string(outcome))
	}
}

// heartbeat extends the job lock and bridges the cancel flag until the
// job context ends. Losing the lock aborts the job.
func (w *Worker) heartbeat(ctx context.Context, job *store.RunJob, abort context.CancelFunc) {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		ok, err := w.store.HeartbeatJob(ctx, job.JobID, w.ID, w.cfg.LockDuration)
		if err != nil {
			w.log.Warn("job heartbeat failed", ilog.JobIDKey, job.JobID, "error", err)
			continue
		}
		if !ok {
			w.log.Warn("job lock lost, aborting execution",
				ilog.JobIDKey, job.JobID, ilog.RunIDKey, job.RunID)
			abort()
			return
		}
		if _, err := w.cancels.CheckAndSignal(ctx, job.RunID, w.store); err != nil {
			w.log.Warn("cancel bridge failed", ilog.RunIDKey, job.RunID, "error", err)
		}
	}
}

func (w *Worker) markOffline() {
	ctx, cancelFn := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelFn()
	if err := w.store.MarkWorkerOffline(ctx, w.ID); err != nil {
		w.log.Warn("mark worker offline failed", "error", err)
	}
}
