package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/karuppusamym/LangOrch-sub000/internal/dispatch"
	ilog "github.com/karuppusamym/LangOrch-sub000/internal/log"
	"github.com/karuppusamym/LangOrch-sub000/internal/store"
	"github.com/karuppusamym/LangOrch-sub000/pkg/ckp"
	"github.com/karuppusamym/LangOrch-sub000/pkg/errors"
)

// errEscalated signals that an error handler routed the walk to a
// fallback node; the sequence stops without failing the run.
var errEscalated = errors.New("step escalated to fallback node")

// artifactFields are result keys treated as artifact references.
var artifactFields = []string{"screenshot", "artifact", "artifacts", "artifact_uri", "uri"}

func (e *Engine) execSequence(ctx context.Context, st *State, node *ckp.Node) {
	seq := node.Sequence
	start := time.Now()

	for i := range seq.Steps {
		if err := e.checkCancelled(ctx, st); err != nil {
			st.Err = err
			return
		}
		err := e.runStep(ctx, st, node.ID, &seq.Steps[i], seq.ErrorHandlers, seq.Telemetry)
		if err != nil {
			if errors.Is(err, errEscalated) {
				return
			}
			st.Err = err
			return
		}
		if st.halted() {
			return
		}
	}

	if seq.SLA != nil && seq.SLA.MaxDurationMs > 0 {
		if elapsed := time.Since(start); elapsed > time.Duration(seq.SLA.MaxDurationMs)*time.Millisecond {
			e.emit(ctx, st, store.EventSLABreached, node.ID, "", map[string]any{
				"max_duration_ms": seq.SLA.MaxDurationMs,
				"elapsed_ms":      elapsed.Milliseconds(),
				"on_breach":       seq.SLA.OnBreach,
			})
		}
	}
	st.NextNodeID = seq.NextNode
}

// runStep executes one step: idempotency check, retries, error-handler
// ladder, artifact extraction, bookkeeping.
func (e *Engine) runStep(ctx context.Context, st *State, nodeID string, step *ckp.Step, handlers []ckp.ErrorHandler, tel *ckp.Telemetry) error {
	st.Vars["step_id"] = step.StepID
	if st.depth == 0 {
		if err := e.store.UpdateRunProgress(ctx, st.RunID, nodeID, step.StepID); err != nil {
			e.log.Warn("run progress update failed", ilog.RunIDKey, st.RunID, "error", err)
		}
	}

	rendered := e.renderParams(step.Params, st.Vars)

	if err := sleepCtx(ctx, time.Duration(step.WaitMs)*time.Millisecond); err != nil {
		return err
	}

	// A completed idempotency row replays the cached result with no
	// dispatch and no new events.
	rec, err := e.store.GetStepRecord(ctx, st.RunID, nodeID, step.StepID)
	if err != nil {
		return err
	}
	if rec != nil && rec.Status == store.StepStatusCompleted && rec.ResultJSON != nil {
		var cached map[string]any
		if err := json.Unmarshal([]byte(*rec.ResultJSON), &cached); err == nil {
			e.storeOutput(st, step, cached)
			return nil
		}
	}

	idemKey := e.tmpl.Render(step.IdempotencyKey, st.Vars)
	if err := e.store.MarkStepStarted(ctx, st.RunID, nodeID, step.StepID, idemKey); err != nil {
		return err
	}
	e.emit(ctx, st, store.EventStepStarted, nodeID, step.StepID, map[string]any{
		"action": step.Action,
	})

	policy := effectiveRetry(st.Global, step.RetryConfig)
	start := time.Now()
	retries := 0

	var result dispatch.Result
	var lastErr error
	for attempt := 0; ; attempt++ {
		result, lastErr = e.executeStepOnce(ctx, st, nodeID, step, rendered)
		if lastErr == nil || st.AwaitingCallback {
			break
		}
		if errors.IsCancelled(lastErr) || ctx.Err() != nil {
			return lastErr
		}
		if !policy.RetryOnFailure || attempt >= policy.MaxRetries {
			break
		}
		retries++
		e.metrics.RetryAttempts.WithLabelValues(nodeID, step.StepID).Inc()
		delay := retryDelay(policy, attempt)
		e.log.Info("step retry",
			ilog.RunIDKey, st.RunID, ilog.NodeIDKey, nodeID, ilog.StepIDKey, step.StepID,
			"attempt", attempt+1, "delay", delay, "error", lastErr)
		if err := sleepCtx(ctx, delay); err != nil {
			return err
		}
	}

	if st.AwaitingCallback {
		return nil
	}

	if lastErr != nil {
		return e.handleStepFailure(ctx, st, nodeID, step, handlers, lastErr)
	}

	e.storeOutput(st, step, result)
	e.recordArtifacts(ctx, st, nodeID, step.StepID, result)

	resultJSON, err := json.Marshal(result)
	if err != nil {
		resultJSON = []byte("{}")
	}
	if err := e.store.MarkStepCompleted(ctx, st.RunID, nodeID, step.StepID, string(resultJSON)); err != nil {
		return err
	}

	payload := map[string]any{
		"action":          step.Action,
		"output_variable": step.OutputVariable,
		"cached":          false,
	}
	if tel != nil && tel.TrackDuration {
		payload["duration_ms"] = time.Since(start).Milliseconds()
	}
	if tel != nil && tel.TrackRetries {
		payload["retry_count"] = retries
	}
	e.emit(ctx, st, store.EventStepCompleted, nodeID, step.StepID, payload)
	e.metrics.StepExecution.WithLabelValues(nodeID, "success").Inc()

	return sleepCtx(ctx, time.Duration(step.WaitAfterMs)*time.Millisecond)
}

// executeStepOnce performs a single execution attempt, honoring the
// run's execution mode and test configuration before real dispatch.
func (e *Engine) executeStepOnce(ctx context.Context, st *State, nodeID string, step *ckp.Step, rendered map[string]any) (dispatch.Result, error) {
	switch step.Action {
	case "set_variable":
		return e.setVariable(st, rendered)
	case "set_checkpoint":
		return e.setCheckpoint(ctx, st, rendered)
	case "restore_checkpoint":
		return e.restoreCheckpoint(ctx, st, rendered)
	}

	external := isExternal(step)

	if st.ExecutionMode == "dry_run" && external {
		e.emit(ctx, st, store.EventDryRunStepSkipped, nodeID, step.StepID, map[string]any{
			"action": step.Action,
		})
		return dispatch.Result{"dry_run": true, "action": step.Action}, nil
	}
	if st.Global != nil {
		if override, ok := st.Global.TestDataOverrides[step.StepID]; ok {
			e.emit(ctx, st, store.EventStepTestOverride, nodeID, step.StepID, map[string]any{
				"action": step.Action,
			})
			return asResult(override), nil
		}
		if st.Global.MockExternalCalls && external {
			e.emit(ctx, st, store.EventStepMockApplied, nodeID, step.StepID, map[string]any{
				"action": step.Action,
			})
			return dispatch.Result{"mocked": true, "action": step.Action}, nil
		}
	}

	if external && st.sem != nil {
		select {
		case st.sem <- struct{}{}:
			defer func() { <-st.sem }()
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	req := &dispatch.Request{
		RunID:   st.RunID,
		NodeID:  nodeID,
		StepID:  step.StepID,
		Action:  step.Action,
		Channel: step.Agent,
		Params:  rendered,
		Timeout: time.Duration(step.TimeoutMs) * time.Millisecond,
		Binding: step.Binding,
	}
	result, err := e.dispatcher.Execute(ctx, req)
	if err != nil {
		if errors.Is(err, dispatch.ErrAwaitingCallback) {
			st.AwaitingCallback = true
			return nil, nil
		}
		var te *errors.TimeoutError
		if errors.As(err, &te) {
			e.emit(ctx, st, store.EventStepTimeout, nodeID, step.StepID, map[string]any{
				"action":     step.Action,
				"timeout_ms": step.TimeoutMs,
			})
			e.metrics.StepTimeouts.WithLabelValues(nodeID, step.StepID).Inc()
		}
		return nil, err
	}
	return result, nil
}

// handleStepFailure walks the node's error-handler ladder after the
// step's own retries are exhausted.
func (e *Engine) handleStepFailure(ctx context.Context, st *State, nodeID string, step *ckp.Step, handlers []ckp.ErrorHandler, stepErr error) error {
	if st.Global != nil && st.Global.ScreenshotOnFail {
		e.emit(ctx, st, store.EventScreenshotRequested, nodeID, step.StepID, map[string]any{
			"reason": "screenshot_on_fail",
		})
	}

	handler := matchHandler(handlers, stepErr)
	if handler != nil && handler.NotifyOnError {
		e.notifyError(ctx, st, nodeID, step.StepID, handler, stepErr)
	}

	if handler != nil {
		switch handler.Action {
		case "ignore":
			if step.OutputVariable != "" {
				st.Vars[step.OutputVariable] = nil
			}
			e.log.Warn("step error ignored by handler",
				ilog.RunIDKey, st.RunID, ilog.NodeIDKey, nodeID, ilog.StepIDKey, step.StepID,
				"error", stepErr)
			e.metrics.StepExecution.WithLabelValues(nodeID, "ignored").Inc()
			return nil
		case "retry":
			rendered := e.renderParams(step.Params, st.Vars)
			for i := 0; i < handler.MaxRetries; i++ {
				if err := sleepCtx(ctx, time.Duration(handler.DelayMs)*time.Millisecond); err != nil {
					return err
				}
				e.metrics.RetryAttempts.WithLabelValues(nodeID, step.StepID).Inc()
				result, err := e.executeStepOnce(ctx, st, nodeID, step, rendered)
				if st.AwaitingCallback {
					return nil
				}
				if err == nil {
					return e.finishRecoveredStep(ctx, st, nodeID, step, result)
				}
				if errors.IsCancelled(err) {
					return err
				}
				stepErr = err
			}
		case "escalate":
			if handler.FallbackNode != "" {
				e.log.Warn("step error escalated to fallback node",
					ilog.RunIDKey, st.RunID, ilog.NodeIDKey, nodeID, ilog.StepIDKey, step.StepID,
					"fallback_node", handler.FallbackNode, "error", stepErr)
				if err := e.store.MarkStepFailed(ctx, st.RunID, nodeID, step.StepID); err != nil {
					return err
				}
				st.NextNodeID = handler.FallbackNode
				return errEscalated
			}
		case "screenshot_and_fail":
			e.log.Error("step failed, screenshot requested",
				ilog.RunIDKey, st.RunID, ilog.NodeIDKey, nodeID, ilog.StepIDKey, step.StepID,
				"error", stepErr)
			e.emit(ctx, st, store.EventScreenshotRequested, nodeID, step.StepID, map[string]any{
				"reason": "screenshot_and_fail",
			})
		}
	}

	if err := e.store.MarkStepFailed(ctx, st.RunID, nodeID, step.StepID); err != nil {
		e.log.Warn("mark step failed errored", ilog.RunIDKey, st.RunID, "error", err)
	}
	e.metrics.StepExecution.WithLabelValues(nodeID, "failure").Inc()
	return stepErr
}

// finishRecoveredStep completes a step whose handler-level retry
// eventually succeeded.
func (e *Engine) finishRecoveredStep(ctx context.Context, st *State, nodeID string, step *ckp.Step, result dispatch.Result) error {
	e.storeOutput(st, step, result)
	e.recordArtifacts(ctx, st, nodeID, step.StepID, result)
	resultJSON, err := json.Marshal(result)
	if err != nil {
		resultJSON = []byte("{}")
	}
	if err := e.store.MarkStepCompleted(ctx, st.RunID, nodeID, step.StepID, string(resultJSON)); err != nil {
		return err
	}
	e.emit(ctx, st, store.EventStepCompleted, nodeID, step.StepID, map[string]any{
		"action":          step.Action,
		"output_variable": step.OutputVariable,
		"cached":          false,
		"recovered":       true,
	})
	e.metrics.StepExecution.WithLabelValues(nodeID, "success").Inc()
	return nil
}

func (e *Engine) storeOutput(st *State, step *ckp.Step, result map[string]any) {
	if step.OutputVariable != "" {
		st.Vars[step.OutputVariable] = map[string]any(result)
	}
}

// recordArtifacts persists artifact references found in a step result.
func (e *Engine) recordArtifacts(ctx context.Context, st *State, nodeID, stepID string, result map[string]any) {
	for _, field := range artifactFields {
		raw, ok := result[field]
		if !ok {
			continue
		}
		var uris []string
		switch v := raw.(type) {
		case string:
			if v != "" {
				uris = append(uris, v)
			}
		case []any:
			for _, item := range v {
				if s, ok := item.(string); ok && s != "" {
					uris = append(uris, s)
				}
			}
		}
		for _, uri := range uris {
			artifact := &store.Artifact{
				RunID:  st.RunID,
				NodeID: nodeID,
				StepID: stepID,
				Kind:   field,
				URI:    uri,
			}
			if err := e.store.AddArtifact(ctx, artifact); err != nil {
				e.log.Warn("artifact record failed", ilog.RunIDKey, st.RunID, "error", err)
				continue
			}
			e.emit(ctx, st, store.EventArtifactCreated, nodeID, stepID, map[string]any{
				"kind": field,
				"uri":  uri,
			})
		}
	}
}

// notifyError emits the notification event and fires the alert webhook
// without waiting for it.
func (e *Engine) notifyError(ctx context.Context, st *State, nodeID, stepID string, handler *ckp.ErrorHandler, stepErr error) {
	e.emit(ctx, st, store.EventStepErrorNotification, nodeID, stepID, map[string]any{
		"error":   stepErr.Error(),
		"handler": handler.Action,
	})
	if handler.AlertWebhook == "" {
		return
	}
	url := handler.AlertWebhook
	body, _ := json.Marshal(map[string]any{
		"run_id":  st.RunID,
		"node_id": nodeID,
		"step_id": stepID,
		"error":   stepErr.Error(),
	})
	go func() {
		alertCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		req, err := http.NewRequestWithContext(alertCtx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := e.httpc.Do(req)
		if err != nil {
			e.log.Warn("alert webhook failed", "url", url, "error", err)
			return
		}
		resp.Body.Close()
	}()
}

func (e *Engine) renderParams(params map[string]any, vars map[string]any) map[string]any {
	if params == nil {
		return map[string]any{}
	}
	rendered, ok := e.tmpl.RenderValue(params, vars).(map[string]any)
	if !ok {
		return map[string]any{}
	}
	return rendered
}

// effectiveRetry overlays the step's retry config on the global policy
// field by field.
func effectiveRetry(gc *ckp.GlobalConfig, stepCfg *ckp.RetryConfig) ckp.RetryConfig {
	var policy ckp.RetryConfig
	if gc != nil && gc.RetryPolicy != nil {
		policy = *gc.RetryPolicy
	}
	if stepCfg != nil {
		policy.RetryOnFailure = stepCfg.RetryOnFailure
		if stepCfg.MaxRetries > 0 {
			policy.MaxRetries = stepCfg.MaxRetries
		}
		if stepCfg.RetryDelayMs > 0 {
			policy.RetryDelayMs = stepCfg.RetryDelayMs
		}
		if stepCfg.BackoffMultiplier > 0 {
			policy.BackoffMultiplier = stepCfg.BackoffMultiplier
		}
	}
	return policy
}

func retryDelay(policy ckp.RetryConfig, attempt int) time.Duration {
	delay := float64(policy.RetryDelayMs)
	mult := policy.BackoffMultiplier
	if mult <= 0 {
		mult = 1
	}
	for i := 0; i < attempt; i++ {
		delay *= mult
	}
	return time.Duration(delay) * time.Millisecond
}

// matchHandler returns the first handler covering the error. An empty
// or "any" error_type matches everything.
func matchHandler(handlers []ckp.ErrorHandler, err error) *ckp.ErrorHandler {
	kind := errorKind(err)
	for i := range handlers {
		h := &handlers[i]
		if h.ErrorType == "" || strings.EqualFold(h.ErrorType, "any") || strings.EqualFold(h.ErrorType, kind) {
			return h
		}
	}
	return nil
}

// errorKind names an error for handler matching.
func errorKind(err error) string {
	var (
		te *errors.TimeoutError
		re *errors.ResourceBusyError
		ce *errors.CircuitOpenError
		le *errors.LLMCallError
		me *errors.MCPToolError
		de *errors.DispatchError
		ve *errors.ValidationError
		pe *errors.CompileError
		se *errors.SubflowError
	)
	switch {
	case errors.As(err, &te):
		return "timeout"
	case errors.As(err, &re):
		return "resource_busy"
	case errors.As(err, &ce):
		return "circuit_open"
	case errors.As(err, &le):
		return "llm"
	case errors.As(err, &me):
		return "mcp"
	case errors.As(err, &de):
		return "dispatch"
	case errors.As(err, &ve):
		return "validation"
	case errors.As(err, &pe):
		return "compile"
	case errors.As(err, &se):
		return "subflow"
	}
	return "unknown"
}

// isExternal reports whether the step leaves the process when
// dispatched: anything that is not a built-in internal action or an
// explicit internal binding.
func isExternal(step *ckp.Step) bool {
	if step.Binding != nil {
		return step.Binding.Kind != dispatch.KindInternal
	}
	return !ckp.InternalActions[step.Action]
}

func asResult(v any) dispatch.Result {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return dispatch.Result{"value": v}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// setVariable writes a value into run vars. Params: name, value.
func (e *Engine) setVariable(st *State, params map[string]any) (dispatch.Result, error) {
	name, _ := params["name"].(string)
	if name == "" {
		return nil, &errors.ValidationError{Field: "params.name", Message: "set_variable requires a name"}
	}
	st.Vars[name] = params["value"]
	return dispatch.Result{"name": name, "value": params["value"]}, nil
}

// setCheckpoint snapshots the current vars under a named key.
func (e *Engine) setCheckpoint(ctx context.Context, st *State, params map[string]any) (dispatch.Result, error) {
	name, _ := params["name"].(string)
	if name == "" {
		name = "default"
	}
	snapshot, err := json.Marshal(st.Vars)
	if err != nil {
		return nil, errors.Wrap(err, "marshal checkpoint vars")
	}
	if err := e.store.SetSetting(ctx, checkpointKey(st.RunID, name), string(snapshot)); err != nil {
		return nil, err
	}
	return dispatch.Result{"checkpoint": name}, nil
}

// restoreCheckpoint merges a named snapshot back into the current vars.
func (e *Engine) restoreCheckpoint(ctx context.Context, st *State, params map[string]any) (dispatch.Result, error) {
	name, _ := params["name"].(string)
	if name == "" {
		name = "default"
	}
	raw, err := e.store.GetSetting(ctx, checkpointKey(st.RunID, name))
	if err != nil {
		return nil, err
	}
	if raw == "" {
		return nil, &errors.NotFoundError{Resource: "checkpoint", ID: name}
	}
	var snapshot map[string]any
	if err := json.Unmarshal([]byte(raw), &snapshot); err != nil {
		return nil, errors.Wrap(err, "decode checkpoint vars")
	}
	for k, v := range snapshot {
		st.Vars[k] = v
	}
	return dispatch.Result{"checkpoint": name, "restored": true}, nil
}

func checkpointKey(runID, name string) string {
	return fmt.Sprintf("checkpoint:%s:%s", runID, name)
}
