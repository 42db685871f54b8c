package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/karuppusamym/LangOrch-sub000/internal/cancel"
	"github.com/karuppusamym/LangOrch-sub000/internal/config"
	"github.com/karuppusamym/LangOrch-sub000/internal/dispatch"
	"github.com/karuppusamym/LangOrch-sub000/internal/llmclient"
	ilog "github.com/karuppusamym/LangOrch-sub000/internal/log"
	"github.com/karuppusamym/LangOrch-sub000/internal/metrics"
	"github.com/karuppusamym/LangOrch-sub000/internal/store"
	"github.com/karuppusamym/LangOrch-sub000/pkg/errors"
)

type testRig struct {
	engine *Engine
	store  *store.Store
}

func newTestRig(t *testing.T, llmBaseURL string) *testRig {
	t.Helper()
	cfg := config.Default()
	cfg.DatabaseURL = filepath.Join(t.TempDir(), "engine.db")
	logger := ilog.New(nil)

	st, err := store.Open(context.Background(), cfg, logger)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	d := dispatch.New(st, BuiltinActions(st, logger), dispatch.Options{}, logger)
	llm, err := llmclient.New(config.LLMConfig{BaseURL: llmBaseURL}, logger)
	require.NoError(t, err)

	eng := New(st, d, llm, cancel.NewRegistry(), metrics.New(), logger)
	return &testRig{engine: eng, store: st}
}

func (r *testRig) importProcedure(t *testing.T, id, version, ckpJSON string) {
	t.Helper()
	err := r.store.ImportProcedure(context.Background(), &store.Procedure{
		ProcedureID: id,
		Version:     version,
		Status:      store.ProcedureStatusActive,
		CKPJSON:     ckpJSON,
	})
	require.NoError(t, err)
}

func (r *testRig) createRun(t *testing.T, procID, version string, vars map[string]any) *store.Run {
	t.Helper()
	inputJSON := "{}"
	if vars != nil {
		raw, err := json.Marshal(vars)
		require.NoError(t, err)
		inputJSON = string(raw)
	}
	run := &store.Run{
		ProcedureID:      procID,
		ProcedureVersion: version,
		InputVarsJSON:    inputJSON,
	}
	require.NoError(t, r.store.CreateRun(context.Background(), run))
	return run
}

func (r *testRig) registerAgent(t *testing.T, channel, baseURL, capabilities string) {
	t.Helper()
	err := r.store.UpsertAgent(context.Background(), &store.Agent{
		AgentID: channel + "-agent", Name: channel + "-agent",
		Channel: channel, BaseURL: baseURL, Capabilities: capabilities,
	})
	require.NoError(t, err)
}

func (r *testRig) outputVars(t *testing.T, runID string) map[string]any {
	t.Helper()
	run, err := r.store.GetRun(context.Background(), runID)
	require.NoError(t, err)
	require.NotNil(t, run.OutputVarsJSON)
	var vars map[string]any
	require.NoError(t, json.Unmarshal([]byte(*run.OutputVarsJSON), &vars))
	return vars
}

func (r *testRig) eventTypes(t *testing.T, runID string) []string {
	t.Helper()
	events, err := r.store.ListEvents(context.Background(), runID)
	require.NoError(t, err)
	types := make([]string, len(events))
	for i, ev := range events {
		types[i] = ev.EventType
	}
	return types
}

func graphDoc(id, version, graph string) string {
	return fmt.Sprintf(`{
		"procedure_id": %q,
		"version": %q,
		"workflow_graph": %s
	}`, id, version, graph)
}

func TestInternalActionsRunToCompletion(t *testing.T) {
	rig := newTestRig(t, "")
	doc := graphDoc("proc-internal", "1.0", `{
		"start_node": "work",
		"nodes": {
			"work": {
				"type": "sequence",
				"steps": [
					{"step_id": "s1", "action": "generate_id", "output_variable": "ticket"},
					{"step_id": "s2", "action": "set_variable", "params": {"name": "greeting", "value": "hello"}},
					{"step_id": "s3", "action": "calculate", "params": {"expression": "2 + 3"}, "output_variable": "math"}
				],
				"next_node": "done"
			},
			"done": {"type": "terminate", "status": "completed"}
		}
	}`)
	rig.importProcedure(t, "proc-internal", "1.0", doc)
	run := rig.createRun(t, "proc-internal", "1.0", nil)

	outcome, err := rig.engine.ExecuteRun(context.Background(), run.RunID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)

	vars := rig.outputVars(t, run.RunID)
	assert.Equal(t, "hello", vars["greeting"])
	assert.Equal(t, float64(5), vars["math"].(map[string]any)["result"])
	assert.NotEmpty(t, vars["ticket"].(map[string]any)["id"])

	types := rig.eventTypes(t, run.RunID)
	assert.Equal(t, "execution_started", types[0])
	assert.Equal(t, "run_completed", types[len(types)-1])
}

func TestLogicRoutesOnFirstTrueRule(t *testing.T) {
	rig := newTestRig(t, "")
	doc := graphDoc("proc-logic", "1.0", `{
		"start_node": "route",
		"nodes": {
			"route": {
				"type": "logic",
				"rules": [
					{"condition_expr": "amount > 1000", "next_node": "big"},
					{"condition_expr": "amount > 10", "next_node": "small"}
				],
				"default_next_node": "tiny"
			},
			"big":   {"type": "sequence", "steps": [{"step_id": "b", "action": "set_variable", "params": {"name": "route", "value": "big"}}], "next_node": "done"},
			"small": {"type": "sequence", "steps": [{"step_id": "s", "action": "set_variable", "params": {"name": "route", "value": "small"}}], "next_node": "done"},
			"tiny":  {"type": "sequence", "steps": [{"step_id": "t", "action": "set_variable", "params": {"name": "route", "value": "tiny"}}], "next_node": "done"},
			"done":  {"type": "terminate"}
		}
	}`)
	rig.importProcedure(t, "proc-logic", "1.0", doc)

	for amount, want := range map[float64]string{5000: "big", 50: "small", 1: "tiny"} {
		run := rig.createRun(t, "proc-logic", "1.0", map[string]any{"amount": amount})
		outcome, err := rig.engine.ExecuteRun(context.Background(), run.RunID)
		require.NoError(t, err)
		require.Equal(t, OutcomeCompleted, outcome)
		assert.Equal(t, want, rig.outputVars(t, run.RunID)["route"])
	}
}

func TestLoopIteratesCollection(t *testing.T) {
	rig := newTestRig(t, "")
	doc := graphDoc("proc-loop", "1.0", `{
		"start_node": "each",
		"nodes": {
			"each": {
				"type": "loop",
				"iterator": "items",
				"iterator_variable": "item",
				"index_variable": "i",
				"body_node": "body",
				"next_node": "done"
			},
			"body": {
				"type": "sequence",
				"steps": [{"step_id": "tally", "action": "set_variable", "params": {"name": "last_seen", "value": "{{item}}@{{i}}"}}],
				"next_node": "each"
			},
			"done": {"type": "terminate"}
		}
	}`)
	rig.importProcedure(t, "proc-loop", "1.0", doc)
	run := rig.createRun(t, "proc-loop", "1.0", map[string]any{"items": []any{"a", "b", "c"}})

	outcome, err := rig.engine.ExecuteRun(context.Background(), run.RunID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)
	assert.Equal(t, "c@2", rig.outputVars(t, run.RunID)["last_seen"])
}

func TestApprovalPauseAndResume(t *testing.T) {
	rig := newTestRig(t, "")
	ctx := context.Background()
	doc := graphDoc("proc-approve", "1.0", `{
		"start_node": "approve",
		"nodes": {
			"approve": {
				"type": "human_approval",
				"prompt": "Ship it?",
				"on_approve": "done",
				"on_reject": "rejected"
			},
			"done":     {"type": "terminate", "status": "completed"},
			"rejected": {"type": "terminate", "status": "failed"}
		}
	}`)
	rig.importProcedure(t, "proc-approve", "1.0", doc)
	run := rig.createRun(t, "proc-approve", "1.0", nil)

	outcome, err := rig.engine.ExecuteRun(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeWaitingApproval, outcome)

	loaded, err := rig.store.GetRun(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusWaitingApproval, loaded.Status)

	pending, err := rig.store.PendingApproval(ctx, run.RunID, "approve")
	require.NoError(t, err)
	require.NotNil(t, pending)
	assert.Equal(t, "Ship it?", pending.Prompt)

	// The approval service injects the decision and requeues.
	var vars map[string]any
	require.NoError(t, json.Unmarshal([]byte(loaded.InputVarsJSON), &vars))
	vars[approvalDecisionsVar] = map[string]any{"approve": "approved"}
	raw, err := json.Marshal(vars)
	require.NoError(t, err)
	require.NoError(t, rig.store.SaveRunVars(ctx, run.RunID, string(raw)))

	outcome, err = rig.engine.ExecuteRun(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)

	final, err := rig.store.GetRun(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusCompleted, final.Status)
}

func TestApprovalRejectRoutesToFailure(t *testing.T) {
	rig := newTestRig(t, "")
	ctx := context.Background()
	doc := graphDoc("proc-reject", "1.0", `{
		"start_node": "approve",
		"nodes": {
			"approve": {"type": "human_approval", "prompt": "ok?", "on_approve": "done", "on_reject": "rejected"},
			"done":     {"type": "terminate"},
			"rejected": {"type": "terminate", "status": "failed"}
		}
	}`)
	rig.importProcedure(t, "proc-reject", "1.0", doc)
	run := rig.createRun(t, "proc-reject", "1.0", map[string]any{
		approvalDecisionsVar: map[string]any{"approve": "rejected"},
	})

	outcome, err := rig.engine.ExecuteRun(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, outcome)

	final, err := rig.store.GetRun(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusFailed, final.Status)
}

func TestStepRetriesToSuccess(t *testing.T) {
	rig := newTestRig(t, "")
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) <= 2 {
			http.Error(w, "flake", http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"status": "success", "result": map[string]any{"ok": true}})
	}))
	defer srv.Close()
	rig.registerAgent(t, "web", srv.URL, `["flaky_call"]`)

	doc := graphDoc("proc-retry", "1.0", `{
		"start_node": "work",
		"nodes": {
			"work": {
				"type": "sequence",
				"steps": [{
					"step_id": "s1", "action": "flaky_call", "agent": "web",
					"output_variable": "result",
					"retry_config": {"retry_on_failure": true, "max_retries": 2, "retry_delay_ms": 1}
				}],
				"next_node": "done"
			},
			"done": {"type": "terminate"}
		}
	}`)
	rig.importProcedure(t, "proc-retry", "1.0", doc)
	run := rig.createRun(t, "proc-retry", "1.0", nil)

	outcome, err := rig.engine.ExecuteRun(context.Background(), run.RunID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)
	assert.Equal(t, int32(3), hits.Load())
	assert.Equal(t, true, rig.outputVars(t, run.RunID)["result"].(map[string]any)["ok"])
}

func TestIdempotencyReplaySkipsDispatch(t *testing.T) {
	rig := newTestRig(t, "")
	ctx := context.Background()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		json.NewEncoder(w).Encode(map[string]any{"status": "success"})
	}))
	defer srv.Close()
	rig.registerAgent(t, "web", srv.URL, `["fetch"]`)

	doc := graphDoc("proc-idem", "1.0", `{
		"start_node": "work",
		"nodes": {
			"work": {
				"type": "sequence",
				"steps": [{"step_id": "s1", "action": "fetch", "agent": "web", "output_variable": "data"}],
				"next_node": "done"
			},
			"done": {"type": "terminate"}
		}
	}`)
	rig.importProcedure(t, "proc-idem", "1.0", doc)
	run := rig.createRun(t, "proc-idem", "1.0", nil)

	// Seed a completed idempotency row as if a prior walk finished the step.
	require.NoError(t, rig.store.MarkStepStarted(ctx, run.RunID, "work", "s1", ""))
	require.NoError(t, rig.store.MarkStepCompleted(ctx, run.RunID, "work", "s1", `{"cached_value": 42}`))

	outcome, err := rig.engine.ExecuteRun(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)
	assert.Zero(t, hits.Load(), "cached step must not dispatch")
	assert.Equal(t, float64(42), rig.outputVars(t, run.RunID)["data"].(map[string]any)["cached_value"])
}

func TestCancellationEndsRunAsCanceled(t *testing.T) {
	rig := newTestRig(t, "")
	ctx := context.Background()
	doc := graphDoc("proc-cancel", "1.0", `{
		"start_node": "work",
		"nodes": {
			"work": {"type": "sequence", "steps": [{"step_id": "s1", "action": "generate_id"}], "next_node": "done"},
			"done": {"type": "terminate"}
		}
	}`)
	rig.importProcedure(t, "proc-cancel", "1.0", doc)
	run := rig.createRun(t, "proc-cancel", "1.0", nil)
	require.NoError(t, rig.store.RequestCancellation(ctx, run.RunID))

	outcome, err := rig.engine.ExecuteRun(ctx, run.RunID)
	require.Error(t, err)
	assert.True(t, errors.IsCancelled(err))
	assert.Equal(t, OutcomeCanceled, outcome)

	final, err := rig.store.GetRun(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusCanceled, final.Status)
}

func TestErrorHandlerIgnoreAndEscalate(t *testing.T) {
	rig := newTestRig(t, "")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "always broken", http.StatusInternalServerError)
	}))
	defer srv.Close()
	rig.registerAgent(t, "web", srv.URL, `["broken_call"]`)

	t.Run("ignore nulls the output and continues", func(t *testing.T) {
		doc := graphDoc("proc-ignore", "1.0", `{
			"start_node": "work",
			"nodes": {
				"work": {
					"type": "sequence",
					"steps": [{"step_id": "s1", "action": "broken_call", "agent": "web", "output_variable": "out"}],
					"error_handlers": [{"action": "ignore"}],
					"next_node": "done"
				},
				"done": {"type": "terminate"}
			}
		}`)
		rig.importProcedure(t, "proc-ignore", "1.0", doc)
		run := rig.createRun(t, "proc-ignore", "1.0", nil)

		outcome, err := rig.engine.ExecuteRun(context.Background(), run.RunID)
		require.NoError(t, err)
		assert.Equal(t, OutcomeCompleted, outcome)
		vars := rig.outputVars(t, run.RunID)
		assert.Nil(t, vars["out"])
	})

	t.Run("escalate routes to the fallback node", func(t *testing.T) {
		doc := graphDoc("proc-escalate", "1.0", `{
			"start_node": "work",
			"nodes": {
				"work": {
					"type": "sequence",
					"steps": [{"step_id": "s1", "action": "broken_call", "agent": "web"}],
					"error_handlers": [{"action": "escalate", "fallback_node": "recover"}],
					"next_node": "done"
				},
				"recover": {
					"type": "sequence",
					"steps": [{"step_id": "r1", "action": "set_variable", "params": {"name": "path", "value": "fallback"}}],
					"next_node": "done"
				},
				"done": {"type": "terminate"}
			}
		}`)
		rig.importProcedure(t, "proc-escalate", "1.0", doc)
		run := rig.createRun(t, "proc-escalate", "1.0", nil)

		outcome, err := rig.engine.ExecuteRun(context.Background(), run.RunID)
		require.NoError(t, err)
		assert.Equal(t, OutcomeCompleted, outcome)
		assert.Equal(t, "fallback", rig.outputVars(t, run.RunID)["path"])
	})
}

func TestDryRunSkipsExternalDispatch(t *testing.T) {
	rig := newTestRig(t, "")
	doc := fmt.Sprintf(`{
		"procedure_id": "proc-dry", "version": "1.0",
		"global_config": {"execution_mode": "dry_run"},
		"workflow_graph": {
			"start_node": "work",
			"nodes": {
				"work": {
					"type": "sequence",
					"steps": [{"step_id": "s1", "action": "external_call", "agent": "web", "output_variable": "out"}],
					"next_node": "done"
				},
				"done": {"type": "terminate"}
			}
		}
	}`)
	rig.importProcedure(t, "proc-dry", "1.0", doc)
	run := rig.createRun(t, "proc-dry", "1.0", nil)

	outcome, err := rig.engine.ExecuteRun(context.Background(), run.RunID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)
	assert.Equal(t, true, rig.outputVars(t, run.RunID)["out"].(map[string]any)["dry_run"])
	assert.Contains(t, rig.eventTypes(t, run.RunID), "dry_run_step_skipped")
}

func TestTestDataOverrideWins(t *testing.T) {
	rig := newTestRig(t, "")
	doc := fmt.Sprintf(`{
		"procedure_id": "proc-override", "version": "1.0",
		"global_config": {"test_data_overrides": {"s1": {"stubbed": "yes"}}},
		"workflow_graph": {
			"start_node": "work",
			"nodes": {
				"work": {
					"type": "sequence",
					"steps": [{"step_id": "s1", "action": "external_call", "agent": "web", "output_variable": "out"}],
					"next_node": "done"
				},
				"done": {"type": "terminate"}
			}
		}
	}`)
	rig.importProcedure(t, "proc-override", "1.0", doc)
	run := rig.createRun(t, "proc-override", "1.0", nil)

	outcome, err := rig.engine.ExecuteRun(context.Background(), run.RunID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)
	assert.Equal(t, "yes", rig.outputVars(t, run.RunID)["out"].(map[string]any)["stubbed"])
	assert.Contains(t, rig.eventTypes(t, run.RunID), "step_test_override_applied")
}

func TestParallelMergesBranchDeltas(t *testing.T) {
	rig := newTestRig(t, "")
	doc := graphDoc("proc-par", "1.0", `{
		"start_node": "fork",
		"nodes": {
			"fork": {
				"type": "parallel",
				"branches": [
					{"branch_id": "left", "start_node": "left_work"},
					{"branch_id": "right", "start_node": "right_work"}
				],
				"next_node": "done",
				"wait_strategy": "all"
			},
			"left_work":  {"type": "sequence", "steps": [{"step_id": "l", "action": "set_variable", "params": {"name": "left_out", "value": 1}}], "next_node": "done"},
			"right_work": {"type": "sequence", "steps": [{"step_id": "r", "action": "set_variable", "params": {"name": "right_out", "value": 2}}], "next_node": "done"},
			"done": {"type": "terminate"}
		}
	}`)
	rig.importProcedure(t, "proc-par", "1.0", doc)
	run := rig.createRun(t, "proc-par", "1.0", nil)

	outcome, err := rig.engine.ExecuteRun(context.Background(), run.RunID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)

	vars := rig.outputVars(t, run.RunID)
	assert.Equal(t, float64(1), vars["left_out"])
	assert.Equal(t, float64(2), vars["right_out"])
	results := vars["parallel_results"].(map[string]any)
	assert.Len(t, results["branches"], 2)
	assert.Empty(t, results["errors"])
}

func TestParallelAnyToleratesFailingBranch(t *testing.T) {
	rig := newTestRig(t, "")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()
	rig.registerAgent(t, "web", srv.URL, `["broken_call"]`)

	doc := graphDoc("proc-any", "1.0", `{
		"start_node": "fork",
		"nodes": {
			"fork": {
				"type": "parallel",
				"branches": [
					{"branch_id": "bad", "start_node": "bad_work"},
					{"branch_id": "good", "start_node": "good_work"}
				],
				"next_node": "done",
				"wait_strategy": "any"
			},
			"bad_work":  {"type": "sequence", "steps": [{"step_id": "b", "action": "broken_call", "agent": "web"}], "next_node": "done"},
			"good_work": {"type": "sequence", "steps": [{"step_id": "g", "action": "set_variable", "params": {"name": "winner", "value": "good"}}], "next_node": "done"},
			"done": {"type": "terminate"}
		}
	}`)
	rig.importProcedure(t, "proc-any", "1.0", doc)
	run := rig.createRun(t, "proc-any", "1.0", nil)

	outcome, err := rig.engine.ExecuteRun(context.Background(), run.RunID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)
	assert.Equal(t, "good", rig.outputVars(t, run.RunID)["winner"])
}

func TestTransformPipeline(t *testing.T) {
	rig := newTestRig(t, "")
	doc := graphDoc("proc-transform", "1.0", `{
		"start_node": "shape",
		"nodes": {
			"shape": {
				"type": "transform",
				"source": "orders",
				"operations": [
					{"op": "filter", "expression": "item.total > 10", "output_variable": "big_orders"},
					{"op": "aggregate", "func": "sum", "field": "total", "output_variable": "revenue"}
				],
				"next_node": "done"
			},
			"done": {"type": "terminate"}
		}
	}`)
	rig.importProcedure(t, "proc-transform", "1.0", doc)
	run := rig.createRun(t, "proc-transform", "1.0", map[string]any{
		"orders": []any{
			map[string]any{"id": "a", "total": 5},
			map[string]any{"id": "b", "total": 20},
			map[string]any{"id": "c", "total": 30},
		},
	})

	outcome, err := rig.engine.ExecuteRun(context.Background(), run.RunID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)

	vars := rig.outputVars(t, run.RunID)
	assert.Len(t, vars["big_orders"], 2)
	assert.Equal(t, float64(50), vars["revenue"])
}

func TestVerificationFailsWorkflow(t *testing.T) {
	rig := newTestRig(t, "")
	doc := graphDoc("proc-verify", "1.0", `{
		"start_node": "check",
		"nodes": {
			"check": {
				"type": "verification",
				"checks": [{"name": "has_data", "condition": "payload is_not_empty", "on_fail": "fail_workflow"}],
				"next_node": "done"
			},
			"done": {"type": "terminate"}
		}
	}`)
	rig.importProcedure(t, "proc-verify", "1.0", doc)
	run := rig.createRun(t, "proc-verify", "1.0", map[string]any{"payload": ""})

	outcome, err := rig.engine.ExecuteRun(context.Background(), run.RunID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, outcome)

	final, err := rig.store.GetRun(context.Background(), run.RunID)
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusFailed, final.Status)
	require.NotNil(t, final.ErrorMessage)
	assert.Contains(t, *final.ErrorMessage, "verification failed")
}

func TestSubflowRunsChildProcedure(t *testing.T) {
	rig := newTestRig(t, "")
	child := graphDoc("proc-child", "1.0", `{
		"start_node": "work",
		"nodes": {
			"work": {
				"type": "sequence",
				"steps": [{"step_id": "c1", "action": "set_variable", "params": {"name": "child_result", "value": "{{input_name}}-processed"}}],
				"next_node": "done"
			},
			"done": {"type": "terminate"}
		}
	}`)
	parent := graphDoc("proc-parent", "1.0", `{
		"start_node": "call",
		"nodes": {
			"call": {
				"type": "subflow",
				"procedure_id": "proc-child",
				"version": "1.0",
				"input_mapping": {"input_name": "order_name"},
				"output_mapping": {"final": "child_result"},
				"next_node": "done"
			},
			"done": {"type": "terminate"}
		}
	}`)
	rig.importProcedure(t, "proc-child", "1.0", child)
	rig.importProcedure(t, "proc-parent", "1.0", parent)
	run := rig.createRun(t, "proc-parent", "1.0", map[string]any{"order_name": "widget"})

	outcome, err := rig.engine.ExecuteRun(context.Background(), run.RunID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)
	assert.Equal(t, "widget-processed", rig.outputVars(t, run.RunID)["final"])

	types := rig.eventTypes(t, run.RunID)
	assert.Contains(t, types, "subflow_started")
	assert.Contains(t, types, "subflow_completed")
}

func TestLLMOrchestrationPicksBranch(t *testing.T) {
	llmSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"model": "gpt-4o",
			"choices": []any{map[string]any{
				"message": map[string]any{"content": `{"_next_node": "expedite", "reason": "high value"}`},
			}},
			"usage": map[string]any{"prompt_tokens": 40, "completion_tokens": 12},
		})
	}))
	defer llmSrv.Close()

	rig := newTestRig(t, llmSrv.URL)
	doc := graphDoc("proc-llm", "1.0", `{
		"start_node": "decide",
		"nodes": {
			"decide": {
				"type": "llm_action",
				"prompt": "Route order {{order_id}}",
				"model": "gpt-4o",
				"orchestration_mode": true,
				"branches": ["expedite", "standard"]
			},
			"expedite": {"type": "sequence", "steps": [{"step_id": "e", "action": "set_variable", "params": {"name": "lane", "value": "fast"}}], "next_node": "done"},
			"standard": {"type": "sequence", "steps": [{"step_id": "s", "action": "set_variable", "params": {"name": "lane", "value": "slow"}}], "next_node": "done"},
			"done": {"type": "terminate"}
		}
	}`)
	rig.importProcedure(t, "proc-llm", "1.0", doc)
	run := rig.createRun(t, "proc-llm", "1.0", map[string]any{"order_id": "o-77"})

	outcome, err := rig.engine.ExecuteRun(context.Background(), run.RunID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)
	assert.Equal(t, "fast", rig.outputVars(t, run.RunID)["lane"])

	final, err := rig.store.GetRun(context.Background(), run.RunID)
	require.NoError(t, err)
	assert.Equal(t, int64(40), final.TotalPromptTokens)
	assert.Equal(t, int64(12), final.TotalCompletionTokens)
	assert.Greater(t, final.EstimatedCostUSD, 0.0)
	assert.Contains(t, rig.eventTypes(t, run.RunID), "llm_usage")
}

func TestDeprecatedProcedureFailsRun(t *testing.T) {
	rig := newTestRig(t, "")
	ctx := context.Background()
	doc := graphDoc("proc-old", "1.0", `{
		"start_node": "done",
		"nodes": {"done": {"type": "terminate"}}
	}`)
	require.NoError(t, rig.store.ImportProcedure(ctx, &store.Procedure{
		ProcedureID: "proc-old", Version: "1.0",
		Status: store.ProcedureStatusDeprecated, CKPJSON: doc,
	}))
	run := rig.createRun(t, "proc-old", "1.0", nil)

	outcome, err := rig.engine.ExecuteRun(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, outcome)

	final, err := rig.store.GetRun(ctx, run.RunID)
	require.NoError(t, err)
	require.NotNil(t, final.ErrorMessage)
	assert.Contains(t, *final.ErrorMessage, "deprecated")
}

func TestTerminalRunIsNotReplayed(t *testing.T) {
	rig := newTestRig(t, "")
	ctx := context.Background()
	doc := graphDoc("proc-done", "1.0", `{
		"start_node": "done",
		"nodes": {"done": {"type": "terminate"}}
	}`)
	rig.importProcedure(t, "proc-done", "1.0", doc)
	run := rig.createRun(t, "proc-done", "1.0", nil)

	outcome, err := rig.engine.ExecuteRun(ctx, run.RunID)
	require.NoError(t, err)
	require.Equal(t, OutcomeCompleted, outcome)
	eventsBefore := len(rig.eventTypes(t, run.RunID))

	outcome, err = rig.engine.ExecuteRun(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)
	assert.Len(t, rig.eventTypes(t, run.RunID), eventsBefore, "re-executing a finished run emits nothing")
}
