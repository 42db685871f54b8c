// Package dispatch resolves a step's action to an executor binding and
// performs the call: internal actions in process, agent HTTP against the
// registry with resource leases and circuit bookkeeping, MCP tools over
// JSON-RPC with per-endpoint breakers.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	ilog "github.com/karuppusamym/LangOrch-sub000/internal/log"
	"github.com/karuppusamym/LangOrch-sub000/internal/store"
	"github.com/karuppusamym/LangOrch-sub000/pkg/ckp"
	"github.com/karuppusamym/LangOrch-sub000/pkg/errors"
)

// ErrAwaitingCallback signals that an agent accepted the work in
// callback mode; the run pauses until the agent posts the result.
var ErrAwaitingCallback = errors.New("awaiting agent callback")

// Result is a step's output map.
type Result map[string]any

// Request is one dispatch.
type Request struct {
	RunID   string
	NodeID  string
	StepID  string
	Action  string
	Channel string
	Params  map[string]any
	Timeout time.Duration

	// Binding pins an explicit executor, bypassing resolution.
	Binding *ckp.StepBinding
}

// InternalFunc executes a built-in action in process.
type InternalFunc func(ctx context.Context, req *Request) (Result, error)

// Options tune the dispatcher's resilience behavior.
type Options struct {
	// FailureThreshold opens an agent's circuit after this many
	// consecutive failures.
	FailureThreshold int

	// CircuitResetWindow is how long an open agent circuit is skipped.
	CircuitResetWindow time.Duration

	// LeaseTTL bounds resource leases around agent calls.
	LeaseTTL time.Duration

	// CallbackBaseURL prefixes callback URLs handed to workflow-type
	// agents, e.g. "http://orchestrator:8844".
	CallbackBaseURL string
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.FailureThreshold <= 0 {
		out.FailureThreshold = 5
	}
	if out.CircuitResetWindow <= 0 {
		out.CircuitResetWindow = 60 * time.Second
	}
	if out.LeaseTTL <= 0 {
		out.LeaseTTL = 60 * time.Second
	}
	return out
}

// Dispatcher resolves and executes step actions. Safe for concurrent use.
type Dispatcher struct {
	store *store.Store
	opts  Options
	httpc *http.Client
	log   *slog.Logger

	internal map[string]InternalFunc

	// affinity caches the chosen agent per (run, channel) so a run's
	// sequential steps land on the same browser or desktop session.
	affinityMu sync.Mutex
	affinity   map[string]string

	breakerMu sync.Mutex
	breakers  map[string]*gobreaker.CircuitBreaker
}

// New builds a dispatcher over the agent registry.
func New(st *store.Store, internal map[string]InternalFunc, opts Options, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:    st,
		opts:     opts.withDefaults(),
		httpc:    &http.Client{},
		log:      ilog.WithComponent(logger, "dispatch"),
		internal: internal,
		affinity: make(map[string]string),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Execute resolves the request's binding and performs the call.
func (d *Dispatcher) Execute(ctx context.Context, req *Request) (Result, error) {
	binding, err := d.Resolve(ctx, req)
	if err != nil {
		return nil, err
	}
	switch binding.Kind {
	case KindInternal:
		fn, ok := d.internal[req.Action]
		if !ok {
			return nil, &errors.DispatchError{Action: req.Action, Message: "no internal handler"}
		}
		return fn(ctx, req)
	case KindAgentHTTP:
		return d.callAgent(ctx, binding, req)
	case KindMCPTool:
		return d.callMCP(ctx, binding, req)
	}
	return nil, &errors.DispatchError{Action: req.Action, Message: fmt.Sprintf("unknown binding kind %q", binding.Kind)}
}

// Resolve picks the executor for a request:
//
//  1. an explicit step binding wins,
//  2. built-in internal actions bind internal,
//  3. otherwise the agent registry is searched by channel and
//     capability, skipping agents with an open circuit, preferring the
//     run's affinity agent.
func (d *Dispatcher) Resolve(ctx context.Context, req *Request) (*Binding, error) {
	if req.Binding != nil {
		return &Binding{Kind: req.Binding.Kind, Ref: req.Binding.Ref}, nil
	}
	if ckp.InternalActions[req.Action] {
		return &Binding{Kind: KindInternal}, nil
	}

	agents, err := d.store.OnlineAgentsByChannel(ctx, req.Channel)
	if err != nil {
		return nil, err
	}

	var candidates []*Binding
	cutoff := time.Now().UTC().Add(-d.opts.CircuitResetWindow)
	for i := range agents {
		agent := &agents[i]
		if agent.CircuitOpenAt != nil && agent.CircuitOpenAt.After(cutoff) {
			continue
		}
		cap, ok := MatchCapability(ParseCapabilities(agent.Capabilities), req.Action)
		if !ok {
			continue
		}
		candidates = append(candidates, &Binding{
			Kind:         KindAgentHTTP,
			Ref:          agent.BaseURL,
			Agent:        agent,
			CallbackMode: cap.Type == "workflow",
		})
	}
	if len(candidates) == 0 {
		return nil, &errors.DispatchError{
			Action:  req.Action,
			Message: fmt.Sprintf("no online agent on channel %q provides this action", req.Channel),
		}
	}

	if preferred := d.affinityAgent(req.RunID, req.Channel); preferred != "" {
		for _, c := range candidates {
			if c.Agent.AgentID == preferred {
				return c, nil
			}
		}
	}
	return candidates[0], nil
}

func (d *Dispatcher) affinityKey(runID, channel string) string {
	return runID + "|" + channel
}

func (d *Dispatcher) affinityAgent(runID, channel string) string {
	d.affinityMu.Lock()
	defer d.affinityMu.Unlock()
	return d.affinity[d.affinityKey(runID, channel)]
}

func (d *Dispatcher) rememberAffinity(runID, channel, agentID string) {
	d.affinityMu.Lock()
	defer d.affinityMu.Unlock()
	key := d.affinityKey(runID, channel)
	if _, ok := d.affinity[key]; !ok {
		d.affinity[key] = agentID
	}
}

// ForgetRun drops a run's affinity entries after its job finishes.
func (d *Dispatcher) ForgetRun(runID string) {
	d.affinityMu.Lock()
	defer d.affinityMu.Unlock()
	for key := range d.affinity {
		if len(key) > len(runID) && key[:len(runID)] == runID && key[len(runID)] == '|' {
			delete(d.affinity, key)
		}
	}
}
