package testutil

import (
	"time"

	"github.com/flowdeck/pulse/internal/core"
)

// TriggerGraph builds the canonical two-node fixture: one trigger node wired
// to one action node.
func TriggerGraph() *core.WorkflowGraph {
	return &core.WorkflowGraph{
		Nodes: []core.Node{
			{ID: "trigger-1", Name: "Schedule", Type: "trigger.schedule", IsTrigger: true},
			{ID: "action-1", Name: "Send", Type: "action.http", Parameters: map[string]any{"url": "https://example.test"}},
		},
		Edges: []core.Edge{
			{ID: "e1", Source: "trigger-1", Target: "action-1"},
		},
	}
}

// TriggerlessGraph builds a graph with no trigger-flagged node.
func TriggerlessGraph() *core.WorkflowGraph {
	return &core.WorkflowGraph{
		Nodes: []core.Node{
			{ID: "action-1", Name: "Send", Type: "action.http"},
		},
	}
}

// DoubleTriggerGraph builds a structurally invalid graph with two trigger
// nodes, used for dispatch-time validation tests.
func DoubleTriggerGraph() *core.WorkflowGraph {
	g := TriggerGraph()
	g.Nodes = append(g.Nodes, core.Node{ID: "trigger-2", Name: "Other", Type: "trigger.schedule", IsTrigger: true})
	return g
}

// CredentialGraph builds a trigger graph whose action node carries an
// unresolved credential reference.
func CredentialGraph(credentialID string) *core.WorkflowGraph {
	g := TriggerGraph()
	g.Nodes[1].Credentials = &core.NodeCredential{ID: credentialID}
	return g
}

// Workflow builds a workflow row around a graph.
func Workflow(id string, graph *core.WorkflowGraph) *core.Workflow {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return &core.Workflow{
		ID:          id,
		Name:        "workflow " + id,
		Graph:       graph,
		TriggerKind: core.TriggerNone,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Schedule builds an active schedule record due at the given instant.
func Schedule(id, workflowID string, intervalSeconds int64, nextRunAt time.Time) *core.ScheduleRecord {
	return &core.ScheduleRecord{
		ID:              id,
		WorkflowID:      workflowID,
		IntervalSeconds: intervalSeconds,
		NextRunAt:       nextRunAt,
		IsActive:        true,
		CreatedAt:       nextRunAt,
		UpdatedAt:       nextRunAt,
	}
}
