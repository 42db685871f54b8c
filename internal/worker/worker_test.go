package worker

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/karuppusamym/LangOrch-sub000/internal/cancel"
	"github.com/karuppusamym/LangOrch-sub000/internal/config"
	"github.com/karuppusamym/LangOrch-sub000/internal/dispatch"
	"github.com/karuppusamym/LangOrch-sub000/internal/engine"
	"github.com/karuppusamym/LangOrch-sub000/internal/llmclient"
	ilog "github.com/karuppusamym/LangOrch-sub000/internal/log"
	"github.com/karuppusamym/LangOrch-sub000/internal/metrics"
	"github.com/karuppusamym/LangOrch-sub000/internal/store"
)

const trivialProcedure = `{
	"procedure_id": "proc-worker", "version": "1.0",
	"workflow_graph": {
		"start_node": "work",
		"nodes": {
			"work": {
				"type": "sequence",
				"steps": [{"step_id": "s1", "action": "set_variable", "params": {"name": "ran", "value": true}}],
				"next_node": "done"
			},
			"done": {"type": "terminate"}
		}
	}
}`

func newTestWorker(t *testing.T) (*Worker, *store.Store) {
	t.Helper()
	cfg := config.Default()
	cfg.DatabaseURL = filepath.Join(t.TempDir(), "worker.db")
	cfg.Worker.PollInterval = 10 * time.Millisecond
	cfg.Worker.HeartbeatInterval = 10 * time.Millisecond
	logger := ilog.New(nil)

	st, err := store.Open(context.Background(), cfg, logger)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cancels := cancel.NewRegistry()
	d := dispatch.New(st, engine.BuiltinActions(st, logger), dispatch.Options{}, logger)
	llm, err := llmclient.New(config.LLMConfig{}, logger)
	require.NoError(t, err)
	eng := engine.New(st, d, llm, cancels, metrics.New(), logger)

	return New(st, eng, cancels, cfg.Worker, nil, logger), st
}

func seedRunAndJob(t *testing.T, st *store.Store) *store.Run {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.ImportProcedure(ctx, &store.Procedure{
		ProcedureID: "proc-worker", Version: "1.0",
		Status: store.ProcedureStatusActive, CKPJSON: trivialProcedure,
	}))
	run := &store.Run{ProcedureID: "proc-worker", ProcedureVersion: "1.0", InputVarsJSON: "{}"}
	require.NoError(t, st.CreateRun(ctx, run))
	require.NoError(t, st.EnqueueRun(ctx, run.RunID, 0, 3))
	return run
}

func TestWorkerExecutesQueuedJob(t *testing.T) {
	w, st := newTestWorker(t)
	ctx := context.Background()
	run := seedRunAndJob(t, st)

	w.poll(ctx)
	w.wg.Wait()

	job, err := st.GetJobByRun(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, store.JobStatusDone, job.Status)

	final, err := st.GetRun(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusCompleted, final.Status)
}

func TestWorkerBridgesCancellation(t *testing.T) {
	w, st := newTestWorker(t)
	ctx := context.Background()
	run := seedRunAndJob(t, st)
	require.NoError(t, st.RequestCancellation(ctx, run.RunID))

	w.poll(ctx)
	w.wg.Wait()

	job, err := st.GetJobByRun(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, store.JobStatusCancelled, job.Status)

	final, err := st.GetRun(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusCanceled, final.Status)
}

func TestWorkerRespectsConcurrencyCap(t *testing.T) {
	w, st := newTestWorker(t)
	ctx := context.Background()
	w.cfg.Concurrency = 1

	run1 := seedRunAndJob(t, st)
	run2 := &store.Run{ProcedureID: "proc-worker", ProcedureVersion: "1.0", InputVarsJSON: "{}"}
	require.NoError(t, st.CreateRun(ctx, run2))
	require.NoError(t, st.EnqueueRun(ctx, run2.RunID, 0, 3))

	w.active.Store(1)
	w.poll(ctx)
	w.wg.Wait()
	w.active.Store(0)

	job1, err := st.GetJobByRun(ctx, run1.RunID)
	require.NoError(t, err)
	job2, err := st.GetJobByRun(ctx, run2.RunID)
	require.NoError(t, err)
	assert.Equal(t, store.JobStatusQueued, job1.Status, "saturated worker claims nothing")
	assert.Equal(t, store.JobStatusQueued, job2.Status)
}

func TestWorkerRunDrainsOnShutdown(t *testing.T) {
	w, st := newTestWorker(t)
	run := seedRunAndJob(t, st)

	ctx, cancelRun := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		job, err := st.GetJobByRun(context.Background(), run.RunID)
		return err == nil && job.Status == store.JobStatusDone
	}, 5*time.Second, 20*time.Millisecond)

	cancelRun()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop after context cancel")
	}
}
