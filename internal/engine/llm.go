package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	ilog "github.com/karuppusamym/LangOrch-sub000/internal/log"
	"github.com/karuppusamym/LangOrch-sub000/internal/llmclient"
	"github.com/karuppusamym/LangOrch-sub000/internal/store"
	"github.com/karuppusamym/LangOrch-sub000/pkg/ckp"
)

// execLLMAction renders the prompts, calls the LLM gateway, accounts
// usage and cost on the run, and parses outputs into vars. In
// orchestration mode the model's _next_node picks the branch.
func (e *Engine) execLLMAction(ctx context.Context, st *State, node *ckp.Node) {
	llm := node.LLMAction

	prompt := e.tmpl.Render(llm.Prompt, st.Vars)
	systemPrompt := e.tmpl.Render(llm.SystemPrompt, st.Vars)
	jsonMode := llm.JSONMode

	if llm.OrchestrationMode {
		jsonMode = true
		systemPrompt = orchestrationDirective(systemPrompt, llm.Branches)
	}

	req := &llmclient.Request{
		Model:        llm.Model,
		SystemPrompt: systemPrompt,
		Prompt:       prompt,
		Temperature:  llm.Temperature,
		MaxTokens:    llm.MaxTokens,
		JSONMode:     jsonMode,
	}
	if llm.Retry != nil && llm.Retry.RetryOnFailure {
		req.MaxRetries = llm.Retry.MaxRetries
	} else if llm.Retry == nil && st.Global != nil && st.Global.RetryPolicy != nil && st.Global.RetryPolicy.RetryOnFailure {
		req.MaxRetries = st.Global.RetryPolicy.MaxRetries
	}

	resp, err := e.llm.Complete(ctx, req)
	if err != nil {
		st.Err = err
		return
	}

	cost := e.llm.Costs().Estimate(resp.Model, resp.PromptTokens, resp.CompletionTokens)
	if err := e.store.AddRunUsage(ctx, st.RunID, resp.PromptTokens, resp.CompletionTokens, cost); err != nil {
		e.log.Warn("run usage accounting failed", ilog.RunIDKey, st.RunID, "error", err)
	}
	e.emit(ctx, st, store.EventLLMUsage, node.ID, "", map[string]any{
		"model":             resp.Model,
		"prompt_tokens":     resp.PromptTokens,
		"completion_tokens": resp.CompletionTokens,
		"total_tokens":      resp.TotalTokens(),
	})

	e.parseLLMOutputs(st, llm, resp.Text)

	if llm.OrchestrationMode {
		st.NextNodeID = pickBranch(resp.Text, llm.Branches)
		return
	}
	st.NextNodeID = llm.NextNode
}

// parseLLMOutputs fills vars per the node's outputs map, or stores the
// full text under llm_output when the map is empty.
func (e *Engine) parseLLMOutputs(st *State, llm *ckp.LLMActionNode, text string) {
	if len(llm.Outputs) == 0 {
		st.Vars["llm_output"] = text
		return
	}
	var parsed map[string]any
	for name, spec := range llm.Outputs {
		switch {
		case spec == "text" || spec == "raw" || spec == "content":
			st.Vars[name] = text
		case strings.HasPrefix(spec, "json:"):
			if parsed == nil {
				if err := json.Unmarshal([]byte(text), &parsed); err != nil {
					e.log.Warn("llm output is not JSON, storing raw text",
						"output", name, "error", err)
					st.Vars[name] = text
					continue
				}
			}
			st.Vars[name] = parsed[strings.TrimPrefix(spec, "json:")]
		default:
			st.Vars[name] = text
		}
	}
}

// orchestrationDirective appends the branch-picking instruction to the
// system prompt.
func orchestrationDirective(systemPrompt string, branches []string) string {
	directive := fmt.Sprintf(
		"You must reply with a JSON object containing a \"_next_node\" key whose value is exactly one of: %s.",
		strings.Join(branches, ", "))
	if systemPrompt == "" {
		return directive
	}
	return systemPrompt + "\n\n" + directive
}

// pickBranch reads _next_node from the model's JSON reply, falling
// back to the first branch on anything unexpected.
func pickBranch(text string, branches []string) string {
	if len(branches) == 0 {
		return ""
	}
	var reply map[string]any
	if err := json.Unmarshal([]byte(text), &reply); err == nil {
		if next, ok := reply["_next_node"].(string); ok {
			for _, b := range branches {
				if b == next {
					return next
				}
			}
		}
	}
	return branches[0]
}
