// Package transcript defines the durable conversation model and the store
// contract used to persist and reload it.
//
// The store is an external collaborator: the agent session is the single
// writer for any one conversation (guaranteed by the actor model, not by the
// store), persistence happens strictly after a turn's terminal event, and all
// writes are idempotent upserts keyed by id so replaying a completed turn is
// a no-op.
package transcript

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound indicates the requested conversation does not exist.
var ErrNotFound = errors.New("conversation not found")

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolState is the lifecycle state of a tool invocation. States are ordered;
// an invocation never regresses to an earlier state.
type ToolState string

const (
	ToolStateInputStreaming ToolState = "input-streaming"
	ToolStateAvailable      ToolState = "available"
	ToolStateError          ToolState = "error"
)

// rank orders tool states for monotonicity checks.
func (s ToolState) rank() int {
	switch s {
	case ToolStateInputStreaming:
		return 0
	case ToolStateAvailable:
		return 1
	case ToolStateError:
		return 2
	default:
		return -1
	}
}

// Conversation is the durable conversation row.
type Conversation struct {
	ID             string
	UserID         string
	OrganizationID string
	AgentID        string
	Model          string
	Title          string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ToolInvocation records one tool call within a message. The ID is the
// wire-level toolCallId and is the correlation key for all fragments of the
// call.
type ToolInvocation struct {
	ID     string          `json:"id"`
	Name   string          `json:"name"`
	Input  json.RawMessage `json:"input,omitempty"`
	Output json.RawMessage `json:"output,omitempty"`
	State  ToolState       `json:"state"`
}

// Advance moves the invocation to a later lifecycle state. Regressions are
// ignored so replayed or reordered fragments cannot undo progress.
func (ti *ToolInvocation) Advance(to ToolState) {
	if to.rank() > ti.State.rank() {
		ti.State = to
	}
}

// Message is one durable transcript entry, ordered by creation time within
// its conversation. Content is the ordered concatenation of the text deltas
// streamed for the message.
type Message struct {
	ID              string
	ConversationID  string
	Role            Role
	Content         string
	ToolInvocations []ToolInvocation
	ArtifactIDs     []string
	CreatedAt       time.Time
}

// Valid reports whether the message is well-formed for model consumption.
// Hydration drops invalid entries rather than feeding them to the model: an
// assistant message with neither text nor tool calls, or a tool invocation
// missing its correlation id or name, would be rejected upstream anyway.
func (m Message) Valid() bool {
	if m.Role == RoleAssistant && m.Content == "" && len(m.ToolInvocations) == 0 {
		return false
	}
	for _, ti := range m.ToolInvocations {
		if ti.ID == "" || ti.Name == "" {
			return false
		}
	}
	return true
}

// Store is the persistence contract consumed by the agent session.
//
// LoadMessages returns the conversation's messages ordered by creation time,
// scoped to the owning tenant. UpsertConversation and UpsertMessage are
// idempotent and keyed by id; message upserts are last-write-wins on content
// and tool fields.
type Store interface {
	LoadMessages(ctx context.Context, conversationID, organizationID string) ([]Message, error)
	UpsertConversation(ctx context.Context, conv Conversation) error
	UpsertMessage(ctx context.Context, msg Message) error
}
