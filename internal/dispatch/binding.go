package dispatch

import (
	"encoding/json"
	"strings"

	"github.com/karuppusamym/LangOrch-sub000/internal/store"
)

// Binding kinds.
const (
	KindInternal  = "internal"
	KindAgentHTTP = "agent_http"
	KindMCPTool   = "mcp_tool"
)

// Binding is the resolved executor for a step.
type Binding struct {
	Kind string

	// Ref is the endpoint URL for agent_http and mcp_tool.
	Ref string

	// Agent is set for registry-resolved agent_http bindings.
	Agent *store.Agent

	// CallbackMode marks workflow-type capabilities: the agent
	// acknowledges with 202 and posts the result to a callback URL later.
	CallbackMode bool
}

// Capability is one declared agent action.
type Capability struct {
	Name string `json:"name"`
	Type string `json:"type,omitempty"`
}

// ParseCapabilities accepts the registry's capability column in any of
// its historical shapes: a JSON array of {name, type} objects, a JSON
// array of strings, or a legacy comma-separated list.
func ParseCapabilities(raw string) []Capability {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	if strings.HasPrefix(raw, "[") {
		var objs []Capability
		if err := json.Unmarshal([]byte(raw), &objs); err == nil {
			return objs
		}
		var names []string
		if err := json.Unmarshal([]byte(raw), &names); err == nil {
			out := make([]Capability, len(names))
			for i, n := range names {
				out[i] = Capability{Name: n}
			}
			return out
		}
	}
	var out []Capability
	for _, part := range strings.Split(raw, ",") {
		if name := strings.TrimSpace(part); name != "" {
			out = append(out, Capability{Name: name})
		}
	}
	return out
}

// MatchCapability finds the capability covering an action. A "*" entry
// covers everything.
func MatchCapability(caps []Capability, action string) (Capability, bool) {
	var wildcard *Capability
	for i, c := range caps {
		if c.Name == action {
			return c, true
		}
		if c.Name == "*" && wildcard == nil {
			wildcard = &caps[i]
		}
	}
	if wildcard != nil {
		return *wildcard, true
	}
	return Capability{}, false
}
