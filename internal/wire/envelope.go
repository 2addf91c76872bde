package wire

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/loom-chat/loom/internal/stream"
)

// Control envelope type discriminants.
const (
	EnvelopeChatMessages  = "cf_agent_chat_messages"
	EnvelopeChatRequest   = "cf_agent_use_chat_request"
	EnvelopeChatResponse  = "cf_agent_use_chat_response"
	EnvelopeRequestCancel = "cf_agent_use_chat_request_cancel"
	EnvelopeMCPServers    = "cf_agent_mcp_servers"
	EnvelopeState         = "cf_agent_state"
)

// ChatMessage is the wire shape of one transcript message inside control
// envelopes (history sync and outbound turn requests).
type ChatMessage struct {
	ID       string          `json:"id"`
	Role     string          `json:"role"`
	Parts    []MessagePart   `json:"parts"`
	Metadata MessageMetadata `json:"metadata,omitempty"`
}

// MessagePart is either a text part or a tool-invocation part.
type MessagePart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`

	ToolInvocation *ToolInvocationPart `json:"toolInvocation,omitempty"`
}

// ToolInvocationPart carries a tool call and (optionally) its result. Input
// is always populated on the wire; historical senders used a bare "args" key,
// which the decoder folds into Input.
type ToolInvocationPart struct {
	ToolCallID string          `json:"toolCallId"`
	ToolName   string          `json:"toolName"`
	State      string          `json:"state"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
}

// MessageMetadata identifies the turn a message belongs to.
type MessageMetadata struct {
	CreatedAt      time.Time `json:"createdAt,omitzero"`
	UserID         string    `json:"userId,omitempty"`
	OrganizationID string    `json:"organizationId,omitempty"`
	AgentID        string    `json:"agentId,omitempty"`
	ConversationID string    `json:"conversationId,omitempty"`
	Model          string    `json:"model,omitempty"`
}

// envelope is the outer shape shared by all control messages.
type envelope struct {
	Type     string          `json:"type"`
	ID       string          `json:"id,omitempty"`
	Done     bool            `json:"done,omitempty"`
	Body     json.RawMessage `json:"body,omitempty"`
	Messages []rawChatMessage `json:"messages,omitempty"`
}

// rawChatMessage tolerates the historical "args" key on tool parts.
type rawChatMessage struct {
	ID       string          `json:"id"`
	Role     string          `json:"role"`
	Parts    []rawPart       `json:"parts"`
	Metadata MessageMetadata `json:"metadata"`
}

type rawPart struct {
	Type           string             `json:"type"`
	Text           string             `json:"text"`
	ToolInvocation *rawToolInvocation `json:"toolInvocation"`
}

type rawToolInvocation struct {
	ToolCallID string          `json:"toolCallId"`
	ToolName   string          `json:"toolName"`
	State      string          `json:"state"`
	Input      json.RawMessage `json:"input"`
	Args       json.RawMessage `json:"args"`
	Output     json.RawMessage `json:"output"`
	Result     json.RawMessage `json:"result"`
}

// responseBody is the nested event inside cf_agent_use_chat_response.
type responseBody struct {
	Type string `json:"type"`

	ID        string `json:"id"`
	MessageID string `json:"messageId"`
	Delta     string `json:"delta"`
	Text      string `json:"text"`

	ToolCallID    string          `json:"toolCallId"`
	ToolName      string          `json:"toolName"`
	ArgsTextDelta string          `json:"argsTextDelta"`
	Args          json.RawMessage `json:"args"`
	Input         json.RawMessage `json:"input"`
	Result        json.RawMessage `json:"result"`
	Output        json.RawMessage `json:"output"`

	FinishReason string `json:"finishReason"`
	Error        string `json:"error"`
	Message      string `json:"message"`

	Data json.RawMessage `json:"data"`
}

// decodeEnvelope parses one complete control envelope payload.
func (d *Decoder) decodeEnvelope(payload []byte) []stream.Event {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		d.logger.Warn("dropping malformed control envelope", "error", err)
		return nil
	}

	switch env.Type {
	case EnvelopeChatMessages:
		if d.OnHistory != nil {
			d.OnHistory(normalizeMessages(env.Messages))
		}
		return nil

	case EnvelopeChatResponse:
		ev, err := decodeResponseBody(env.Body)
		if err != nil {
			d.logger.Warn("dropping malformed response body", "error", err, "turn_id", env.ID)
			return nil
		}
		return ev

	case EnvelopeMCPServers, EnvelopeState:
		// Out of scope for the chat stream; acknowledged and dropped.
		d.logger.Debug("ignoring control envelope", "type", env.Type)
		return nil

	default:
		d.logger.Warn("dropping unknown control envelope", "type", env.Type)
		return nil
	}
}

// decodeResponseBody maps one nested body event to canonical events.
func decodeResponseBody(raw json.RawMessage) ([]stream.Event, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var body responseBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("response body: %w", err)
	}

	switch body.Type {
	case "start":
		id := body.MessageID
		if id == "" {
			id = body.ID
		}
		return []stream.Event{{Type: stream.EventMessageStart, ID: id}}, nil

	case "start-step", "finish-step":
		// Step boundaries carry no canonical information.
		return nil, nil

	case "text-start":
		return []stream.Event{{Type: stream.EventTextStart, ID: body.ID}}, nil

	case "text-delta":
		delta := body.Delta
		if delta == "" {
			delta = body.Text
		}
		return []stream.Event{{Type: stream.EventTextDelta, ID: body.ID, Delta: delta}}, nil

	case "text-end":
		return []stream.Event{{Type: stream.EventTextEnd, ID: body.ID}}, nil

	case "tool-call-start":
		return []stream.Event{{
			Type:     stream.EventToolInputStart,
			ID:       body.ToolCallID,
			ToolName: body.ToolName,
		}}, nil

	case "tool-call-delta":
		delta := body.ArgsTextDelta
		if delta == "" {
			delta = body.Delta
		}
		return []stream.Event{{
			Type:  stream.EventToolInputDelta,
			ID:    body.ToolCallID,
			Delta: delta,
		}}, nil

	case "tool-call":
		input := body.Input
		if len(input) == 0 {
			input = body.Args
		}
		return []stream.Event{{
			Type:  stream.EventToolInputAvailable,
			ID:    body.ToolCallID,
			Input: input,
		}}, nil

	case "tool-result":
		output := body.Output
		if len(output) == 0 {
			output = body.Result
		}
		return []stream.Event{{
			Type:   stream.EventToolOutputAvailable,
			ID:     body.ToolCallID,
			Output: output,
		}}, nil

	case "finish":
		return []stream.Event{{Type: stream.EventFinish, FinishReason: body.FinishReason}}, nil

	case "error":
		msg := body.Error
		if msg == "" {
			msg = body.Message
		}
		return []stream.Event{{Type: stream.EventError, ErrorText: msg}}, nil

	case "data":
		return decodeDataPart(body.Data)

	default:
		return nil, fmt.Errorf("unknown body type %q", body.Type)
	}
}

// normalizeMessages folds historical wire shapes into the canonical
// ChatMessage form: "args" becomes Input, "result" becomes Output.
func normalizeMessages(raw []rawChatMessage) []ChatMessage {
	messages := make([]ChatMessage, 0, len(raw))
	for _, rm := range raw {
		m := ChatMessage{ID: rm.ID, Role: rm.Role, Metadata: rm.Metadata}
		for _, rp := range rm.Parts {
			part := MessagePart{Type: rp.Type, Text: rp.Text}
			if rp.ToolInvocation != nil {
				ti := &ToolInvocationPart{
					ToolCallID: rp.ToolInvocation.ToolCallID,
					ToolName:   rp.ToolInvocation.ToolName,
					State:      rp.ToolInvocation.State,
					Input:      rp.ToolInvocation.Input,
					Output:     rp.ToolInvocation.Output,
				}
				if len(ti.Input) == 0 {
					ti.Input = rp.ToolInvocation.Args
				}
				if len(ti.Output) == 0 {
					ti.Output = rp.ToolInvocation.Result
				}
				part.ToolInvocation = ti
			}
			m.Parts = append(m.Parts, part)
		}
		messages = append(messages, m)
	}
	return messages
}
