package core

import (
	"encoding/json"
)

// ExecutionMessage is the wire envelope the worker fleet consumes. Its JSON
// key set is the sole contract between this engine and the workers; renaming
// a key is a breaking protocol change.
type ExecutionMessage struct {
	WorkflowID         string         `json:"workflow_id"`
	ExecutionID        string         `json:"execution_id"`
	CurrentNode        string         `json:"current_node"`
	WorkflowDefinition *WorkflowGraph `json:"workflow_definition"`
	AccumulatedContext map[string]any `json:"accumulated_context"`
}

// Encode serializes the message for publishing. AccumulatedContext always
// marshals as an object ({} at dispatch time), never null: workers merge
// node outputs into it and expect a map from the first hop.
func (m *ExecutionMessage) Encode() ([]byte, error) {
	if m.AccumulatedContext == nil {
		m.AccumulatedContext = map[string]any{}
	}
	return json.Marshal(m)
}
