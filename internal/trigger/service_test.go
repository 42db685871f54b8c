package trigger

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/karuppusamym/LangOrch-sub000/internal/config"
	ilog "github.com/karuppusamym/LangOrch-sub000/internal/log"
	"github.com/karuppusamym/LangOrch-sub000/internal/store"
	"github.com/karuppusamym/LangOrch-sub000/pkg/errors"
)

const minimalCKP = `{
	"procedure_id": "wh-proc",
	"version": "1.0",
	"workflow_graph": {
		"start_node": "done",
		"nodes": {"done": {"type": "terminate", "status": "completed"}}
	}
}`

func newTestService(t *testing.T) (*Service, *store.Store) {
	t.Helper()
	cfg := config.Default()
	cfg.DatabaseURL = filepath.Join(t.TempDir(), "trigger.db")
	st, err := store.Open(context.Background(), cfg, ilog.New(nil))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return NewService(st, 3, ilog.New(nil)), st
}

func importWithTrigger(t *testing.T, st *store.Store, triggerJSON string) {
	t.Helper()
	proc := &store.Procedure{ProcedureID: "wh-proc", Version: "1.0", CKPJSON: minimalCKP}
	if triggerJSON != "" {
		proc.TriggerJSON = &triggerJSON
	}
	require.NoError(t, st.ImportProcedure(context.Background(), proc))
}

func TestSyncFromProcedures(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	importWithTrigger(t, st, `{
		"type": "webhook",
		"webhook_secret": "WH_SECRET",
		"dedupe_window_seconds": 300,
		"max_concurrent_runs": 2,
		"enabled": true
	}`)

	n, err := svc.SyncFromProcedures(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	reg, err := st.GetTriggerRegistration(ctx, "wh-proc", "1.0")
	require.NoError(t, err)
	assert.Equal(t, "webhook", reg.TriggerType)
	require.NotNil(t, reg.WebhookSecret)
	assert.Equal(t, "WH_SECRET", *reg.WebhookSecret)
	assert.Equal(t, 300, reg.DedupeWindowSeconds)
	assert.Equal(t, 2, reg.MaxConcurrentRuns)
	assert.True(t, reg.Enabled)

	// Re-sync is idempotent.
	n, err = svc.SyncFromProcedures(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestFireEnqueuesRun(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	importWithTrigger(t, st, "")

	run, err := svc.Fire(ctx, "wh-proc", "manual", "tester", map[string]any{"k": "v"})
	require.NoError(t, err)
	assert.Equal(t, "manual", run.TriggerType)
	assert.Equal(t, "tester", run.TriggeredBy)

	job, err := st.GetJobByRun(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, store.JobStatusQueued, job.Status)
	assert.Contains(t, run.InputVarsJSON, `"k":"v"`)
}

func TestFireEnforcesConcurrencyCap(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	importWithTrigger(t, st, `{"type": "webhook", "max_concurrent_runs": 1, "enabled": true}`)
	_, err := svc.SyncFromProcedures(ctx)
	require.NoError(t, err)

	_, err = svc.Fire(ctx, "wh-proc", "webhook", "webhook", nil)
	require.NoError(t, err)

	_, err = svc.Fire(ctx, "wh-proc", "webhook", "webhook", nil)
	require.Error(t, err)
	var busy *errors.ResourceBusyError
	assert.ErrorAs(t, err, &busy)
}

func TestFireUnknownProcedure(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Fire(context.Background(), "ghost", "manual", "tester", nil)
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func TestHandleWebhookVerifiesSignature(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	importWithTrigger(t, st, `{"type": "webhook", "webhook_secret": "WH_TEST_SECRET", "enabled": true}`)
	_, err := svc.SyncFromProcedures(ctx)
	require.NoError(t, err)
	t.Setenv("WH_TEST_SECRET", "hunter2")

	body := []byte(`{"order_id": 42}`)

	_, err = svc.HandleWebhook(ctx, "wh-proc", body, "sha256=deadbeef")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "signature mismatch")

	result, err := svc.HandleWebhook(ctx, "wh-proc", body, SignPayload("hunter2", body))
	require.NoError(t, err)
	assert.False(t, result.Deduped)

	run, err := st.GetRun(ctx, result.RunID)
	require.NoError(t, err)
	assert.Contains(t, run.InputVarsJSON, `"order_id":42`)
}

func TestHandleWebhookAllowsUnsetSecret(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	importWithTrigger(t, st, `{"type": "webhook", "webhook_secret": "WH_UNSET_VAR", "enabled": true}`)
	_, err := svc.SyncFromProcedures(ctx)
	require.NoError(t, err)

	_, err = svc.HandleWebhook(ctx, "wh-proc", []byte(`{}`), "")
	require.NoError(t, err, "unset secret env var falls back to open delivery")
}

func TestHandleWebhookDedupesWithinWindow(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	importWithTrigger(t, st, `{"type": "webhook", "dedupe_window_seconds": 600, "enabled": true}`)
	_, err := svc.SyncFromProcedures(ctx)
	require.NoError(t, err)

	body := []byte(`{"delivery": "once"}`)
	first, err := svc.HandleWebhook(ctx, "wh-proc", body, "")
	require.NoError(t, err)

	second, err := svc.HandleWebhook(ctx, "wh-proc", body, "")
	require.NoError(t, err)
	assert.True(t, second.Deduped)
	assert.Equal(t, first.RunID, second.RunID)

	// A different payload is not suppressed.
	third, err := svc.HandleWebhook(ctx, "wh-proc", []byte(`{"delivery": "two"}`), "")
	require.NoError(t, err)
	assert.False(t, third.Deduped)
	assert.NotEqual(t, first.RunID, third.RunID)
}

func TestHandleWebhookRejectsNonWebhookTrigger(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	importWithTrigger(t, st, `{"type": "scheduled", "schedule": "0 * * * *", "enabled": true}`)
	_, err := svc.SyncFromProcedures(ctx)
	require.NoError(t, err)

	_, err = svc.HandleWebhook(ctx, "wh-proc", []byte(`{}`), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not webhook-triggered")
}
