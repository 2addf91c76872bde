package wire

import (
	"encoding/json"
	"fmt"

	"github.com/loom-chat/loom/internal/stream"
)

// ChatRequest is the outbound turn request sent by the client over the
// persistent connection: one logical HTTP-like POST identified by an explicit
// turn id, never an implicit closure over connection state.
type chatRequestInit struct {
	Method string `json:"method"`
	Body   string `json:"body"`
}

type chatRequestEnvelope struct {
	Type string          `json:"type"`
	ID   string          `json:"id"`
	Init chatRequestInit `json:"init"`
}

type chatRequestBody struct {
	Messages []ChatMessage `json:"messages"`
}

// EncodeChatRequest builds the cf_agent_use_chat_request envelope for one
// turn. The messages are the full outbound transcript view; tool parts carry
// Input, never a bare "args".
func EncodeChatRequest(turnID string, messages []ChatMessage) ([]byte, error) {
	body, err := json.Marshal(chatRequestBody{Messages: messages})
	if err != nil {
		return nil, fmt.Errorf("marshal request body: %w", err)
	}
	payload, err := json.Marshal(chatRequestEnvelope{
		Type: EnvelopeChatRequest,
		ID:   turnID,
		Init: chatRequestInit{Method: "POST", Body: string(body)},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request envelope: %w", err)
	}
	return payload, nil
}

// EncodeCancel builds the best-effort remote cancellation envelope for an
// in-flight turn.
func EncodeCancel(turnID string) ([]byte, error) {
	payload, err := json.Marshal(envelope{Type: EnvelopeRequestCancel, ID: turnID})
	if err != nil {
		return nil, fmt.Errorf("marshal cancel envelope: %w", err)
	}
	return payload, nil
}

type responseEnvelope struct {
	Type string       `json:"type"`
	ID   string       `json:"id"`
	Body responseBody `json:"body"`
	Done bool         `json:"done"`
}

// EncodeEvent wraps one canonical event into a cf_agent_use_chat_response
// envelope for the given turn. Done is set on terminal events so clients can
// release per-turn state without inspecting the body.
func EncodeEvent(turnID string, ev stream.Event) ([]byte, error) {
	body, err := eventBody(ev)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(responseEnvelope{
		Type: EnvelopeChatResponse,
		ID:   turnID,
		Body: body,
		Done: ev.Type.Terminal(),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal response envelope: %w", err)
	}
	return payload, nil
}

// EncodeHistory builds the cf_agent_chat_messages history sync envelope sent
// when a client attaches to a conversation.
func EncodeHistory(messages []ChatMessage) ([]byte, error) {
	payload, err := json.Marshal(struct {
		Type     string        `json:"type"`
		Messages []ChatMessage `json:"messages"`
	}{Type: EnvelopeChatMessages, Messages: messages})
	if err != nil {
		return nil, fmt.Errorf("marshal history envelope: %w", err)
	}
	return payload, nil
}

// eventBody maps a canonical event to the nested response body shape.
func eventBody(ev stream.Event) (responseBody, error) {
	switch ev.Type {
	case stream.EventMessageStart:
		return responseBody{Type: "start", MessageID: ev.ID}, nil
	case stream.EventTextStart:
		return responseBody{Type: "text-start", ID: ev.ID}, nil
	case stream.EventTextDelta:
		return responseBody{Type: "text-delta", ID: ev.ID, Delta: ev.Delta}, nil
	case stream.EventTextEnd:
		return responseBody{Type: "text-end", ID: ev.ID}, nil
	case stream.EventToolInputStart:
		return responseBody{Type: "tool-call-start", ToolCallID: ev.ID, ToolName: ev.ToolName}, nil
	case stream.EventToolInputDelta:
		return responseBody{Type: "tool-call-delta", ToolCallID: ev.ID, ArgsTextDelta: ev.Delta}, nil
	case stream.EventToolInputAvailable:
		return responseBody{Type: "tool-call", ToolCallID: ev.ID, Input: ev.Input}, nil
	case stream.EventToolOutputAvailable:
		return responseBody{Type: "tool-result", ToolCallID: ev.ID, Output: ev.Output}, nil
	case stream.EventFinish:
		return responseBody{Type: "finish", FinishReason: ev.FinishReason}, nil
	case stream.EventError:
		return responseBody{Type: "error", Error: ev.ErrorText}, nil
	case stream.EventArtifactStart, stream.EventArtifactDelta,
		stream.EventArtifactComplete, stream.EventArtifactError:
		data, err := json.Marshal(artifactDataPart(ev))
		if err != nil {
			return responseBody{}, fmt.Errorf("marshal artifact data part: %w", err)
		}
		return responseBody{Type: "data", Data: data}, nil
	default:
		return responseBody{}, fmt.Errorf("unencodable event type %q", ev.Type)
	}
}

func artifactDataPart(ev stream.Event) dataPart {
	p := dataPart{ID: ev.ID}
	switch ev.Type {
	case stream.EventArtifactStart:
		p.Type = "artifact-start"
		p.Title = ev.ArtifactTitle
		p.Kind = ev.ArtifactKind
	case stream.EventArtifactDelta:
		p.Type = "artifact-delta"
		p.Delta = ev.Delta
	case stream.EventArtifactComplete:
		p.Type = "artifact-complete"
		p.Content = ev.Content
	case stream.EventArtifactError:
		p.Type = "artifact-error"
		p.Error = ev.ErrorText
	}
	return p
}
