package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/karuppusamym/LangOrch-sub000/pkg/errors"
)

// callAgent performs one POST {base}/execute against a registered agent.
// The call is wrapped in a resource lease keyed by the agent's resource
// key; saturation emits a pool_saturated event and fails the step with a
// retryable error.
func (d *Dispatcher) callAgent(ctx context.Context, binding *Binding, req *Request) (Result, error) {
	if binding.Agent != nil {
		lease, err := d.store.TryAcquireLease(ctx,
			binding.Agent.ResourceKey, req.RunID, req.NodeID, req.StepID,
			d.opts.LeaseTTL, binding.Agent.ConcurrencyLimit)
		if err != nil {
			return nil, err
		}
		if lease == nil {
			if evErr := d.store.AppendEvent(ctx, req.RunID, "pool_saturated", req.NodeID, req.StepID, 0,
				map[string]any{"resource_key": binding.Agent.ResourceKey}); evErr != nil {
				d.log.Warn("emit pool_saturated failed", "error", evErr)
			}
			return nil, &errors.ResourceBusyError{ResourceKey: binding.Agent.ResourceKey}
		}
		defer func() {
			if relErr := d.store.ReleaseLease(context.WithoutCancel(ctx), lease.LeaseID); relErr != nil {
				d.log.Warn("lease release failed", "lease_id", lease.LeaseID, "error", relErr)
			}
		}()
	}

	result, err := d.doAgentCall(ctx, binding, req)

	if binding.Agent != nil {
		bookCtx := context.WithoutCancel(ctx)
		if err != nil && !errors.Is(err, ErrAwaitingCallback) {
			if bkErr := d.store.RecordAgentFailure(bookCtx, binding.Agent.AgentID, d.opts.FailureThreshold); bkErr != nil {
				d.log.Warn("agent failure bookkeeping failed", "error", bkErr)
			}
		} else if err == nil || errors.Is(err, ErrAwaitingCallback) {
			if bkErr := d.store.RecordAgentSuccess(bookCtx, binding.Agent.AgentID); bkErr != nil {
				d.log.Warn("agent success bookkeeping failed", "error", bkErr)
			}
			d.rememberAffinity(req.RunID, req.Channel, binding.Agent.AgentID)
		}
	}
	return result, err
}

func (d *Dispatcher) doAgentCall(ctx context.Context, binding *Binding, req *Request) (Result, error) {
	body := map[string]any{
		"action":  req.Action,
		"params":  req.Params,
		"run_id":  req.RunID,
		"node_id": req.NodeID,
		"step_id": req.StepID,
	}
	if binding.CallbackMode && d.opts.CallbackBaseURL != "" {
		body["callback_url"] = fmt.Sprintf("%s/callbacks/%s/%s/%s",
			strings.TrimSuffix(d.opts.CallbackBaseURL, "/"), req.RunID, req.NodeID, req.StepID)
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, errors.Wrap(err, "marshal execute request")
	}

	url := strings.TrimSuffix(binding.Ref, "/") + "/execute"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return nil, errors.Wrap(err, "build execute request")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	client := d.httpc
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
		httpReq = httpReq.WithContext(ctx)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, &errors.TimeoutError{
				Operation: fmt.Sprintf("step %s", req.StepID),
				Duration:  req.Timeout,
				Cause:     err,
			}
		}
		return nil, &errors.DispatchError{Endpoint: url, Action: req.Action, Message: "request failed", Cause: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, &errors.DispatchError{Endpoint: url, Action: req.Action, Message: "read response", Cause: err}
	}

	if resp.StatusCode == http.StatusAccepted {
		return nil, ErrAwaitingCallback
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &errors.DispatchError{
			Endpoint:   url,
			Action:     req.Action,
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(respBody)),
		}
	}

	var envelope struct {
		Status string          `json:"status"`
		Result json.RawMessage `json:"result"`
		Error  string          `json:"error"`
	}
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return nil, &errors.DispatchError{Endpoint: url, Action: req.Action, Message: "invalid response JSON", Cause: err}
	}
	if envelope.Status == "error" {
		return nil, &errors.DispatchError{Endpoint: url, Action: req.Action, Message: envelope.Error}
	}

	result := Result{}
	if len(envelope.Result) > 0 {
		var asMap map[string]any
		if err := json.Unmarshal(envelope.Result, &asMap); err == nil {
			result = asMap
		} else {
			var asAny any
			if err := json.Unmarshal(envelope.Result, &asAny); err == nil {
				result = Result{"value": asAny}
			}
		}
	}
	return result, nil
}
