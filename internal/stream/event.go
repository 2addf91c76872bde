// Package stream defines the canonical event vocabulary shared by the wire
// decoder, the per-turn correlator, the agent session, and the connection
// manager. A canonical event is the protocol-agnostic form of one stream
// fragment; every wire variant is normalized into this single type before any
// component reasons about it.
package stream

import "encoding/json"

// EventType discriminates the canonical event union.
type EventType string

const (
	EventMessageStart        EventType = "message-start"
	EventTextStart           EventType = "text-start"
	EventTextDelta           EventType = "text-delta"
	EventTextEnd             EventType = "text-end"
	EventToolInputStart      EventType = "tool-input-start"
	EventToolInputDelta      EventType = "tool-input-delta"
	EventToolInputAvailable  EventType = "tool-input-available"
	EventToolOutputAvailable EventType = "tool-output-available"
	EventArtifactStart       EventType = "artifact-start"
	EventArtifactDelta       EventType = "artifact-delta"
	EventArtifactComplete    EventType = "artifact-complete"
	EventArtifactError       EventType = "artifact-error"
	EventFinish              EventType = "finish"
	EventError               EventType = "error"
)

// Terminal reports whether the event type ends a turn.
// Exactly one terminal event is emitted per turn.
func (t EventType) Terminal() bool {
	return t == EventFinish || t == EventError
}

// Event is one canonical stream fragment.
//
// Field usage by type:
//   - message-start: ID = message id
//   - text-start/text-delta/text-end: ID = text block correlation id,
//     Delta = text fragment (text-delta only)
//   - tool-input-*: ID = toolCallId, ToolName (start), Delta (input-delta),
//     Input (input-available)
//   - tool-output-available: ID = toolCallId, Output
//   - artifact-*: ID = artifact id, ArtifactTitle/ArtifactKind (start),
//     Delta (artifact-delta), Content (artifact-complete)
//   - finish: FinishReason
//   - error: ErrorText
type Event struct {
	Type EventType `json:"type"`

	ID    string `json:"id,omitempty"`
	Delta string `json:"delta,omitempty"`

	ToolName string          `json:"toolName,omitempty"`
	Input    json.RawMessage `json:"input,omitempty"`
	Output   json.RawMessage `json:"output,omitempty"`

	ArtifactTitle string `json:"artifactTitle,omitempty"`
	ArtifactKind  string `json:"artifactKind,omitempty"`
	Content       string `json:"content,omitempty"`

	FinishReason string `json:"finishReason,omitempty"`
	ErrorText    string `json:"error,omitempty"`
}
