package core

import (
	"time"
)

// TriggerKind identifies how a workflow's executions get initiated.
type TriggerKind string

const (
	TriggerScheduled TriggerKind = "scheduled"
	TriggerManual    TriggerKind = "manual"
	TriggerWebhook   TriggerKind = "webhook"
	TriggerNone      TriggerKind = "none"
)

// Workflow is a stored workflow definition as the dispatch engine sees it.
// Graph authoring and the management CRUD around it live in the platform
// API; the engine only reads graphs and maintains the trigger kind marker.
type Workflow struct {
	ID          string
	Name        string
	Graph       *WorkflowGraph
	TriggerKind TriggerKind
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// WorkflowGraph is the node/edge definition interpreted by the worker fleet.
// The engine never executes it; it validates structure, resolves credentials
// and ships it whole inside the execution message.
type WorkflowGraph struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// Node is a single step in a workflow graph.
type Node struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Type        string          `json:"type"`
	IsTrigger   bool            `json:"is_trigger"`
	Parameters  map[string]any  `json:"parameters,omitempty"`
	Credentials *NodeCredential `json:"credentials,omitempty"`
}

// Edge connects two nodes. Slice order is authoring order and is significant:
// the first edge leaving the trigger node selects the execution entry point.
type Edge struct {
	ID     string `json:"id,omitempty"`
	Source string `json:"source"`
	Target string `json:"target"`
}

// NodeCredential is a node's credential attachment. In stored graphs it is a
// reference (ID only, possibly with display name/type); after resolution the
// Values map carries the decrypted secret material.
type NodeCredential struct {
	ID     string         `json:"id"`
	Name   string         `json:"name,omitempty"`
	Type   string         `json:"type,omitempty"`
	Values map[string]any `json:"values,omitempty"`
}

// Credential is a stored secret row: the payload is ciphertext produced by
// the credential cipher, opaque to everything but the resolver.
type Credential struct {
	ID               string
	Name             string
	Type             string
	EncryptedPayload string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// TriggerNodes returns the graph's trigger-flagged nodes in slice order.
func (g *WorkflowGraph) TriggerNodes() []Node {
	var triggers []Node
	for _, n := range g.Nodes {
		if n.IsTrigger {
			triggers = append(triggers, n)
		}
	}
	return triggers
}

// HasTriggerNode reports whether at least one node is trigger-flagged.
func (g *WorkflowGraph) HasTriggerNode() bool {
	for _, n := range g.Nodes {
		if n.IsTrigger {
			return true
		}
	}
	return false
}

// FirstEdgeFrom returns the first edge in slice order whose source is the
// given node, or nil when the node has no outgoing edges.
func (g *WorkflowGraph) FirstEdgeFrom(nodeID string) *Edge {
	for i := range g.Edges {
		if g.Edges[i].Source == nodeID {
			return &g.Edges[i]
		}
	}
	return nil
}

// Clone returns a deep copy of the graph. Credential resolution substitutes
// secrets into the copy, so the stored graph must never share mutable state
// with the dispatched one.
func (g *WorkflowGraph) Clone() *WorkflowGraph {
	if g == nil {
		return nil
	}
	out := &WorkflowGraph{
		Nodes: make([]Node, len(g.Nodes)),
		Edges: make([]Edge, len(g.Edges)),
	}
	copy(out.Edges, g.Edges)
	for i, n := range g.Nodes {
		cn := n
		cn.Parameters = copyValueMap(n.Parameters)
		if n.Credentials != nil {
			cred := *n.Credentials
			cred.Values = copyValueMap(n.Credentials.Values)
			cn.Credentials = &cred
		}
		out.Nodes[i] = cn
	}
	return out
}

// copyValueMap deep-copies a JSON-shaped map (maps, slices, scalars).
func copyValueMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch tv := v.(type) {
	case map[string]any:
		return copyValueMap(tv)
	case []any:
		out := make([]any, len(tv))
		for i, e := range tv {
			out[i] = copyValue(e)
		}
		return out
	default:
		return v
	}
}
