// Package agent hosts the per-conversation session actor. A Session owns
// the full turn lifecycle: hydrate the transcript, run the bounded
// tool-using model loop, stream canonical events to the attached client,
// and persist the completed turn.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/firebase/genkit/go/ai"
)

// Sentinel errors surfaced by the session.
var (
	// ErrSessionClosed is returned when submitting to a session whose
	// actor loop has exited.
	ErrSessionClosed = errors.New("agent: session closed")

	// ErrTurnInFlight is returned when a turn is submitted while the
	// session is still generating or persisting the previous one.
	ErrTurnInFlight = errors.New("agent: turn already in flight")

	// ErrMissingContext is returned when the handshake lacks a field the
	// model invocation depends on.
	ErrMissingContext = errors.New("agent: missing handshake context")
)

// DefaultStepCap bounds the tool loop: at most this many model invocations
// per turn, counting the final text-only step.
const DefaultStepCap = 10

// Handshake carries the connection context established at attach time.
// Every field except Model is required before a turn may run.
type Handshake struct {
	ConversationID string
	AgentID        string
	UserID         string
	OrganizationID string
	Model          string
}

// Validate reports the first missing required field.
func (h Handshake) Validate() error {
	switch {
	case h.ConversationID == "":
		return fmt.Errorf("%w: conversationId", ErrMissingContext)
	case h.AgentID == "":
		return fmt.Errorf("%w: agentId", ErrMissingContext)
	case h.UserID == "":
		return fmt.Errorf("%w: userId", ErrMissingContext)
	case h.OrganizationID == "":
		return fmt.Errorf("%w: organizationId", ErrMissingContext)
	}
	return nil
}

// AgentContext is the resolved configuration for one turn: the system
// prompt, the model to invoke, and the tools offered to it.
type AgentContext struct {
	SystemPrompt string
	Model        string
	Tools        []ai.ToolRef
}

// ContextProvider resolves the agent configuration for a turn. The query is
// the latest user utterance, so providers may retrieve prompt context
// relevant to what the user just asked.
type ContextProvider interface {
	AgentContext(ctx context.Context, agentID, query string) (AgentContext, error)
}

// StaticContextProvider returns the same context for every turn.
type StaticContextProvider struct {
	SystemPrompt string
	Model        string
	Tools        []ai.ToolRef
}

func (p *StaticContextProvider) AgentContext(_ context.Context, _ string, _ string) (AgentContext, error) {
	return AgentContext{SystemPrompt: p.SystemPrompt, Model: p.Model, Tools: p.Tools}, nil
}

// StepRequest is one model invocation within the tool loop.
type StepRequest struct {
	Model    string
	System   string
	Messages []*ai.Message
	Tools    []ai.ToolRef
}

// StepResult is the outcome of one model invocation. When the model asks
// for tools, ToolRequests is non-empty and the loop continues; otherwise
// Text is the final answer for this step.
type StepResult struct {
	Text         string
	ToolRequests []*ai.ToolRequest
	FinishReason string
}

// ModelStepper runs a single streaming model invocation. onDelta receives
// text chunks as they arrive.
type ModelStepper interface {
	Step(ctx context.Context, req StepRequest, onDelta func(context.Context, string) error) (StepResult, error)
}

// ToolRunner executes a named tool with raw JSON input.
type ToolRunner interface {
	Run(ctx context.Context, name string, input json.RawMessage) (json.RawMessage, error)
}
