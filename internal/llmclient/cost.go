package llmclient

import (
	"encoding/json"

	"github.com/karuppusamym/LangOrch-sub000/pkg/errors"
)

// ModelRates are USD per 1000 tokens.
type ModelRates struct {
	Prompt     float64 `json:"prompt"`
	Completion float64 `json:"completion"`
}

// CostTable maps model names to their rates.
type CostTable map[string]ModelRates

// DefaultCostTable returns the built-in per-model rates.
func DefaultCostTable() CostTable {
	return CostTable{
		"gpt-4":           {Prompt: 0.03, Completion: 0.06},
		"gpt-4o":          {Prompt: 0.005, Completion: 0.015},
		"gpt-3.5-turbo":   {Prompt: 0.0005, Completion: 0.0015},
		"claude-3-opus":   {Prompt: 0.015, Completion: 0.075},
		"claude-3-sonnet": {Prompt: 0.003, Completion: 0.015},
		"claude-3-haiku":  {Prompt: 0.00025, Completion: 0.00125},
	}
}

// LoadCostTable merges a JSON override into the defaults. The override
// format matches the table: {"model": {"prompt": rate, "completion": rate}}.
func LoadCostTable(overrideJSON string) (CostTable, error) {
	table := DefaultCostTable()
	if overrideJSON == "" {
		return table, nil
	}
	var override CostTable
	if err := json.Unmarshal([]byte(overrideJSON), &override); err != nil {
		return nil, &errors.ConfigError{Key: "LLM_MODEL_COST_JSON", Reason: "invalid cost table JSON", Cause: err}
	}
	for model, rates := range override {
		table[model] = rates
	}
	return table, nil
}

// Estimate computes the call cost in USD. Unknown models cost zero
// rather than blocking execution.
func (t CostTable) Estimate(model string, promptTokens, completionTokens int64) float64 {
	rates, ok := t[model]
	if !ok {
		return 0
	}
	return (float64(promptTokens)*rates.Prompt + float64(completionTokens)*rates.Completion) / 1000
}
