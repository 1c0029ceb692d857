package broker

import (
	"github.com/google/uuid"

	"github.com/flowdeck/pulse/internal/core"
)

// BuildMessage validates a resolved graph and assembles the wire envelope
// for one dispatch. Validation happens here, immediately before publish,
// because the graph may have been edited since the schedule was created.
//
// The entry node is the target of the first edge (in slice order) leaving
// the trigger node. When the trigger has multiple outgoing edges only the
// first is used; fanning out to all of them is an extension point of the
// wire protocol, not something to change silently.
func BuildMessage(workflowID string, graph *core.WorkflowGraph) (*core.ExecutionMessage, error) {
	if graph == nil || len(graph.Nodes) == 0 {
		return nil, core.ErrValidation(core.CodeEmptyWorkflow, "workflow graph has no nodes").
			WithDetail("workflow_id", workflowID)
	}

	triggers := graph.TriggerNodes()
	switch len(triggers) {
	case 1:
	case 0:
		return nil, core.ErrNoTriggerNode(workflowID)
	default:
		return nil, core.ErrValidation(core.CodeAmbiguousTrigger, "workflow graph has multiple trigger nodes").
			WithDetail("workflow_id", workflowID).
			WithDetail("trigger_count", len(triggers))
	}

	entry := graph.FirstEdgeFrom(triggers[0].ID)
	if entry == nil {
		return nil, core.ErrValidation(core.CodeNoEntryEdge, "trigger node has no outgoing edge").
			WithDetail("workflow_id", workflowID).
			WithDetail("trigger_node", triggers[0].ID)
	}

	return &core.ExecutionMessage{
		WorkflowID:         workflowID,
		ExecutionID:        uuid.NewString(),
		CurrentNode:        entry.Target,
		WorkflowDefinition: graph,
		AccumulatedContext: map[string]any{},
	}, nil
}
