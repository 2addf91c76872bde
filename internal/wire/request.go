package wire

import (
	"encoding/json"
	"fmt"
)

// ClientCommand is one decoded inbound control message on the server side:
// either a turn request or a cancellation for an in-flight turn.
type ClientCommand struct {
	Type     string
	TurnID   string
	Messages []ChatMessage
}

// DecodeClientCommand parses a client-originated control envelope. The turn
// request nests its payload as an HTTP-like init whose body is a JSON string;
// both layers are unwrapped here. Unknown envelope types return an error so
// the caller can log and drop.
func DecodeClientCommand(payload []byte) (ClientCommand, error) {
	var env struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Init struct {
			Method string `json:"method"`
			Body   string `json:"body"`
		} `json:"init"`
	}
	if err := json.Unmarshal(payload, &env); err != nil {
		return ClientCommand{}, fmt.Errorf("client envelope: %w", err)
	}

	switch env.Type {
	case EnvelopeChatRequest:
		var body struct {
			Messages []rawChatMessage `json:"messages"`
		}
		if err := json.Unmarshal([]byte(env.Init.Body), &body); err != nil {
			return ClientCommand{}, fmt.Errorf("chat request body: %w", err)
		}
		return ClientCommand{
			Type:     EnvelopeChatRequest,
			TurnID:   env.ID,
			Messages: normalizeMessages(body.Messages),
		}, nil

	case EnvelopeRequestCancel:
		return ClientCommand{Type: EnvelopeRequestCancel, TurnID: env.ID}, nil

	default:
		return ClientCommand{}, fmt.Errorf("unexpected client envelope type %q", env.Type)
	}
}

// LatestUserText returns the text of the last user message in a turn
// request, which is the utterance the turn responds to.
func LatestUserText(messages []ChatMessage) (messageID, text string) {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role != "user" {
			continue
		}
		for _, part := range messages[i].Parts {
			if part.Type == "text" {
				text += part.Text
			}
		}
		return messages[i].ID, text
	}
	return "", ""
}
