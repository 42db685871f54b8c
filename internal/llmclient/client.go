// Package llmclient speaks the OpenAI-compatible chat-completions
// protocol to a configured gateway, with per-endpoint circuit breaking
// and exponential-backoff retries.
package llmclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/karuppusamym/LangOrch-sub000/internal/config"
	ilog "github.com/karuppusamym/LangOrch-sub000/internal/log"
	"github.com/karuppusamym/LangOrch-sub000/pkg/errors"
)

// Request is one completion call.
type Request struct {
	Model        string
	SystemPrompt string
	Prompt       string
	Temperature  float64
	MaxTokens    int
	JSONMode     bool

	// MaxRetries bounds transport-level retries for this call.
	MaxRetries int

	// Per-call overrides, merged over the configured gateway.
	BaseURL string
	APIKey  string
	Headers map[string]string
}

// Response is the completed call with its token usage.
type Response struct {
	Text             string
	Model            string
	PromptTokens     int64
	CompletionTokens int64
}

// TotalTokens is the combined token count.
func (r *Response) TotalTokens() int64 {
	return r.PromptTokens + r.CompletionTokens
}

// Client calls the gateway. Safe for concurrent use.
type Client struct {
	cfg   config.LLMConfig
	costs CostTable
	httpc *http.Client
	log   *slog.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// New builds a client from the gateway configuration. The cost table is
// the built-in one merged with the configured override.
func New(cfg config.LLMConfig, logger *slog.Logger) (*Client, error) {
	costs, err := LoadCostTable(cfg.ModelCostJSON)
	if err != nil {
		return nil, err
	}
	return &Client{
		cfg:      cfg,
		costs:    costs,
		httpc:    &http.Client{Timeout: 120 * time.Second},
		log:      ilog.WithComponent(logger, "llm"),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}, nil
}

// Costs exposes the merged cost table.
func (c *Client) Costs() CostTable {
	return c.costs
}

// breaker returns the per-endpoint circuit breaker, creating it on first
// use. Five consecutive failures open the circuit for thirty seconds.
func (c *Client) breaker(endpoint string) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cb, ok := c.breakers[endpoint]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    endpoint,
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.log.Warn("llm circuit state change", "endpoint", name,
				"from", from.String(), "to", to.String())
		},
	})
	c.breakers[endpoint] = cb
	return cb
}

// Complete performs one chat completion, retrying transport failures
// with exponential backoff up to req.MaxRetries.
func (c *Client) Complete(ctx context.Context, req *Request) (*Response, error) {
	baseURL := c.cfg.BaseURL
	if req.BaseURL != "" {
		baseURL = req.BaseURL
	}
	if baseURL == "" {
		return nil, &errors.ConfigError{Key: "llm.base_url", Reason: "no LLM gateway configured"}
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(req.MaxRetries)), ctx)

	var resp *Response
	op := func() error {
		out, err := c.breaker(baseURL).Execute(func() (any, error) {
			return c.doCall(ctx, baseURL, req)
		})
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return backoff.Permanent(&errors.CircuitOpenError{Endpoint: baseURL})
		}
		if err != nil {
			var llmErr *errors.LLMCallError
			// 4xx responses are deterministic; retrying them is waste.
			if errors.As(err, &llmErr) && llmErr.StatusCode >= 400 && llmErr.StatusCode < 500 {
				return backoff.Permanent(err)
			}
			return err
		}
		resp = out.(*Response)
		return nil
	}
	if err := backoff.Retry(op, policy); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) doCall(ctx context.Context, baseURL string, req *Request) (*Response, error) {
	var messages []map[string]string
	if req.SystemPrompt != "" {
		messages = append(messages, map[string]string{"role": "system", "content": req.SystemPrompt})
	}
	messages = append(messages, map[string]string{"role": "user", "content": req.Prompt})

	body := map[string]any{
		"model":    req.Model,
		"messages": messages,
	}
	if req.Temperature > 0 {
		body["temperature"] = req.Temperature
	}
	if req.MaxTokens > 0 {
		body["max_tokens"] = req.MaxTokens
	}
	if req.JSONMode {
		body["response_format"] = map[string]string{"type": "json_object"}
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, errors.Wrap(err, "marshal completion request")
	}

	url := strings.TrimSuffix(baseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return nil, errors.Wrap(err, "build completion request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	apiKey := c.cfg.APIKey
	if req.APIKey != "" {
		apiKey = req.APIKey
	}
	if apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	}
	for k, v := range c.cfg.ExtraHeaders {
		httpReq.Header.Set(k, v)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := c.httpc.Do(httpReq)
	if err != nil {
		return nil, &errors.LLMCallError{Model: req.Model, Message: "request failed", Cause: err}
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, 10<<20))
	if err != nil {
		return nil, &errors.LLMCallError{Model: req.Model, Message: "read response", Cause: err}
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return nil, &errors.LLMCallError{
			Model:      req.Model,
			StatusCode: httpResp.StatusCode,
			Message:    truncate(string(respBody), 512),
		}
	}

	var parsed struct {
		Model   string `json:"model"`
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int64 `json:"prompt_tokens"`
			CompletionTokens int64 `json:"completion_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, &errors.LLMCallError{Model: req.Model, Message: "invalid response JSON", Cause: err}
	}
	if len(parsed.Choices) == 0 {
		return nil, &errors.LLMCallError{Model: req.Model, Message: "response has no choices"}
	}

	model := parsed.Model
	if model == "" {
		model = req.Model
	}
	return &Response{
		Text:             parsed.Choices[0].Message.Content,
		Model:            model,
		PromptTokens:     parsed.Usage.PromptTokens,
		CompletionTokens: parsed.Usage.CompletionTokens,
	}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s... (%d bytes)", s[:n], len(s))
}
