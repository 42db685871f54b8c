package dispatch

import (
	"context"
	"encoding/json"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/sony/gobreaker"

	"github.com/karuppusamym/LangOrch-sub000/pkg/errors"
)

// mcpBreaker returns the per-endpoint circuit breaker for MCP calls.
func (d *Dispatcher) mcpBreaker(endpoint string) *gobreaker.CircuitBreaker {
	d.breakerMu.Lock()
	defer d.breakerMu.Unlock()
	if cb, ok := d.breakers[endpoint]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    endpoint,
		Timeout: d.opts.CircuitResetWindow,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return int(counts.ConsecutiveFailures) >= d.opts.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			d.log.Warn("mcp circuit state change", "endpoint", name,
				"from", from.String(), "to", to.String())
		},
	})
	d.breakers[endpoint] = cb
	return cb
}

// callMCP invokes tools/call against an MCP server over HTTP, behind the
// endpoint's circuit breaker.
func (d *Dispatcher) callMCP(ctx context.Context, binding *Binding, req *Request) (Result, error) {
	out, err := d.mcpBreaker(binding.Ref).Execute(func() (any, error) {
		return d.doMCPCall(ctx, binding.Ref, req)
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return nil, &errors.CircuitOpenError{Endpoint: binding.Ref}
	}
	if err != nil {
		return nil, err
	}
	return out.(Result), nil
}

func (d *Dispatcher) doMCPCall(ctx context.Context, endpoint string, req *Request) (Result, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	mcpClient, err := client.NewStreamableHttpClient(endpoint)
	if err != nil {
		return nil, &errors.MCPToolError{Endpoint: endpoint, Tool: req.Action, Message: "create client", Cause: err}
	}
	defer mcpClient.Close()

	if err := mcpClient.Start(ctx); err != nil {
		return nil, &errors.MCPToolError{Endpoint: endpoint, Tool: req.Action, Message: "start connection", Cause: err}
	}

	initReq := mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			Capabilities:    mcp.ClientCapabilities{},
			ClientInfo: mcp.Implementation{
				Name:    "langorch",
				Version: "0.1.0",
			},
		},
	}
	if _, err := mcpClient.Initialize(ctx, initReq); err != nil {
		return nil, &errors.MCPToolError{Endpoint: endpoint, Tool: req.Action, Message: "initialize", Cause: err}
	}

	callReq := mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      req.Action,
			Arguments: req.Params,
		},
	}
	result, err := mcpClient.CallTool(ctx, callReq)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, &errors.TimeoutError{
				Operation: "mcp tool " + req.Action,
				Duration:  req.Timeout,
				Cause:     err,
			}
		}
		return nil, &errors.MCPToolError{Endpoint: endpoint, Tool: req.Action, Message: "tools/call failed", Cause: err}
	}

	text := collectText(result)
	if result.IsError {
		return nil, &errors.MCPToolError{Endpoint: endpoint, Tool: req.Action, Message: text}
	}

	// Tool output that parses as a JSON object becomes the result map;
	// anything else is kept verbatim under "text".
	var asMap map[string]any
	if json.Unmarshal([]byte(text), &asMap) == nil && asMap != nil {
		return Result(asMap), nil
	}
	return Result{"text": text}, nil
}

func collectText(result *mcp.CallToolResult) string {
	var text string
	for _, content := range result.Content {
		if tc, ok := mcp.AsTextContent(content); ok {
			if text != "" {
				text += "\n"
			}
			text += tc.Text
		}
	}
	return text
}
