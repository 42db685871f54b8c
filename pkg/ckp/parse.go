package ckp

import (
	"encoding/json"
	"fmt"

	"github.com/karuppusamym/LangOrch-sub000/pkg/errors"
)

// Parse decodes a CKP JSON document into the typed IR. Unknown fields are
// ignored; structural problems come back as CompileError with the JSON
// path of the offending element.
func Parse(data []byte) (*Procedure, error) {
	var p Procedure
	if err := json.Unmarshal(data, &p); err != nil {
		var ce *errors.CompileError
		if errors.As(err, &ce) {
			return nil, err
		}
		return nil, &errors.CompileError{Message: "invalid JSON document", Cause: err}
	}
	if p.WorkflowGraph.Nodes == nil {
		return nil, &errors.CompileError{Path: "workflow_graph.nodes", Message: "missing node map"}
	}
	return &p, nil
}

// UnmarshalJSON decodes each node individually so parse errors carry the
// node id in their path.
func (g *Graph) UnmarshalJSON(data []byte) error {
	var raw struct {
		StartNode string                     `json:"start_node"`
		Nodes     map[string]json.RawMessage `json:"nodes"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return &errors.CompileError{Path: "workflow_graph", Message: "invalid graph object", Cause: err}
	}
	g.StartNode = raw.StartNode
	if raw.Nodes == nil {
		return nil
	}
	g.Nodes = make(map[string]*Node, len(raw.Nodes))
	for id, blob := range raw.Nodes {
		node := &Node{ID: id}
		if err := json.Unmarshal(blob, node); err != nil {
			path := fmt.Sprintf("workflow_graph.nodes.%s", id)
			var ce *errors.CompileError
			if errors.As(err, &ce) {
				return &errors.CompileError{Path: path, Message: ce.Message, Cause: ce.Cause}
			}
			return &errors.CompileError{Path: path, Message: "invalid node", Cause: err}
		}
		g.Nodes[id] = node
	}
	return nil
}
