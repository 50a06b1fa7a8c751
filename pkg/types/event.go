package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType categorizes the kind of event.
type EventType string

const (
	EventTypeExecutionStatus EventType = "execution_status"
	EventTypeStepStatus      EventType = "step_status"
	EventTypeProgress        EventType = "progress"
	EventTypePreflight       EventType = "preflight"
	EventTypeBranchSelected  EventType = "branch_selected"
	EventTypePauseCreated    EventType = "pause_created"
	EventTypePauseResolved   EventType = "pause_resolved"
	EventTypePauseExpired    EventType = "pause_expired"
	EventTypeSignalReceived  EventType = "signal_received"
	EventTypeError           EventType = "error"
	EventTypeStreamEnd       EventType = "stream_end"
)

// Event is a single record in an execution's ordered event stream. Emission
// order matches transition order for a single execution; no cross-execution
// ordering is guaranteed.
type Event struct {
	ID            string          `json:"id"`
	ExecutionID   string          `json:"execution_id"`
	Type          EventType       `json:"type"`
	NodeID        string          `json:"node_id,omitempty"`
	Status        ExecutionStatus `json:"status,omitempty"`
	Progress      int             `json:"progress,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	Data          json.RawMessage `json:"data,omitempty"`
}

// EventInput is used when appending new events.
type EventInput struct {
	Type          EventType       `json:"type"`
	NodeID        string          `json:"node_id,omitempty"`
	Status        ExecutionStatus `json:"status,omitempty"`
	Progress      int             `json:"progress,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Data          interface{}     `json:"data,omitempty"`
}

// ToSSE formats the event for Server-Sent Events protocol.
// Format: id: <id>\nevent: <type>\ndata: <json>\n\n
func (e *Event) ToSSE() []byte {
	data, _ := json.Marshal(e)
	return []byte(fmt.Sprintf("id: %s\nevent: %s\ndata: %s\n\n", e.ID, e.Type, data))
}
