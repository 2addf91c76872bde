package wire

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/loom-chat/loom/internal/log"
	"github.com/loom-chat/loom/internal/stream"
)

func TestEncodeChatRequest_Shape(t *testing.T) {
	created := time.Date(2025, 11, 3, 9, 30, 0, 0, time.UTC)
	payload, err := EncodeChatRequest("turn_1", []ChatMessage{{
		ID:   "m1",
		Role: "user",
		Parts: []MessagePart{
			{Type: "text", Text: "2+2?"},
			{Type: "tool-invocation", ToolInvocation: &ToolInvocationPart{
				ToolCallID: "call_1",
				ToolName:   "calc",
				State:      "available",
				Input:      json.RawMessage(`{"expr":"2+2"}`),
			}},
		},
		Metadata: MessageMetadata{
			CreatedAt:      created,
			UserID:         "u1",
			OrganizationID: "org1",
			AgentID:        "tutor",
			ConversationID: "c1",
			Model:          "gemini-2.5-flash",
		},
	}})
	if err != nil {
		t.Fatalf("EncodeChatRequest: %v", err)
	}

	var env struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Init struct {
			Method string `json:"method"`
			Body   string `json:"body"`
		} `json:"init"`
	}
	if err := json.Unmarshal(payload, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if env.Type != EnvelopeChatRequest || env.ID != "turn_1" || env.Init.Method != "POST" {
		t.Errorf("envelope = %+v", env)
	}

	// The body is a JSON string containing the messages payload.
	var body chatRequestBody
	if err := json.Unmarshal([]byte(env.Init.Body), &body); err != nil {
		t.Fatalf("unmarshal nested body: %v", err)
	}
	if len(body.Messages) != 1 || len(body.Messages[0].Parts) != 2 {
		t.Fatalf("body = %+v", body)
	}
	ti := body.Messages[0].Parts[1].ToolInvocation
	if ti == nil || string(ti.Input) != `{"expr":"2+2"}` {
		t.Errorf("tool part input = %+v", ti)
	}
	// Tool parts go out with "input", never a bare "args" key.
	var probe map[string]any
	rawPart, _ := json.Marshal(body.Messages[0].Parts[1].ToolInvocation)
	_ = json.Unmarshal(rawPart, &probe)
	if _, hasArgs := probe["args"]; hasArgs {
		t.Error("outbound tool invocation carries a bare args key")
	}
	if body.Messages[0].Metadata.OrganizationID != "org1" {
		t.Errorf("metadata = %+v", body.Messages[0].Metadata)
	}
}

// Every encodable event must survive an encode/decode round trip through the
// response envelope so client and server agree on the canonical sequence.
func TestEncodeEvent_DecodesBack(t *testing.T) {
	events := []stream.Event{
		{Type: stream.EventMessageStart, ID: "m1"},
		{Type: stream.EventTextStart, ID: "t1"},
		{Type: stream.EventTextDelta, ID: "t1", Delta: "chunk"},
		{Type: stream.EventTextEnd, ID: "t1"},
		{Type: stream.EventToolInputStart, ID: "call_1", ToolName: "createDocument"},
		{Type: stream.EventToolInputAvailable, ID: "call_1", Input: json.RawMessage(`{"title":"Plan"}`)},
		{Type: stream.EventToolOutputAvailable, ID: "call_1", Output: json.RawMessage(`{"ok":true}`)},
		{Type: stream.EventArtifactStart, ID: "art_1", ArtifactTitle: "Plan", ArtifactKind: "document"},
		{Type: stream.EventArtifactDelta, ID: "art_1", Delta: "## Plan"},
		{Type: stream.EventArtifactComplete, ID: "art_1", Content: "## Plan\ndone"},
		{Type: stream.EventArtifactError, ID: "art_1", ErrorText: "model failed"},
		{Type: stream.EventFinish, FinishReason: "stop"},
		{Type: stream.EventError, ErrorText: "boom"},
	}

	for _, ev := range events {
		payload, err := EncodeEvent("turn_1", ev)
		if err != nil {
			t.Fatalf("EncodeEvent(%s): %v", ev.Type, err)
		}

		d := NewDecoder(log.NewNop())
		decoded := d.Feed(payload)
		if len(decoded) != 1 {
			t.Fatalf("%s: decoded %d events, want 1", ev.Type, len(decoded))
		}
		got := decoded[0]
		if got.Type != ev.Type || got.ID != ev.ID || got.Delta != ev.Delta {
			t.Errorf("%s: round trip = %+v, want %+v", ev.Type, got, ev)
		}
		if got.ErrorText != ev.ErrorText || got.Content != ev.Content {
			t.Errorf("%s: round trip payload mismatch: %+v", ev.Type, got)
		}
	}
}

func TestEncodeEvent_DoneFlagOnTerminals(t *testing.T) {
	for _, ev := range []stream.Event{
		{Type: stream.EventFinish, FinishReason: "stop"},
		{Type: stream.EventError, ErrorText: "x"},
	} {
		payload, err := EncodeEvent("turn_1", ev)
		if err != nil {
			t.Fatalf("EncodeEvent(%s): %v", ev.Type, err)
		}
		var env struct {
			Done bool `json:"done"`
		}
		if err := json.Unmarshal(payload, &env); err != nil {
			t.Fatal(err)
		}
		if !env.Done {
			t.Errorf("%s: done flag not set", ev.Type)
		}
	}

	payload, _ := EncodeEvent("turn_1", stream.Event{Type: stream.EventTextDelta, Delta: "x"})
	var env struct {
		Done bool `json:"done"`
	}
	_ = json.Unmarshal(payload, &env)
	if env.Done {
		t.Error("text-delta: done flag set on non-terminal")
	}
}

func TestEncodeHistory_RoundTrip(t *testing.T) {
	payload, err := EncodeHistory([]ChatMessage{
		{ID: "m1", Role: "user", Parts: []MessagePart{{Type: "text", Text: "hi"}}},
	})
	if err != nil {
		t.Fatalf("EncodeHistory: %v", err)
	}

	d := NewDecoder(log.NewNop())
	var got []ChatMessage
	d.OnHistory = func(messages []ChatMessage) { got = messages }
	d.Feed(payload)

	if len(got) != 1 || got[0].ID != "m1" || got[0].Parts[0].Text != "hi" {
		t.Errorf("history round trip = %+v", got)
	}
}

func TestEncodeCancel(t *testing.T) {
	payload, err := EncodeCancel("turn_9")
	if err != nil {
		t.Fatalf("EncodeCancel: %v", err)
	}
	var env struct {
		Type string `json:"type"`
		ID   string `json:"id"`
	}
	if err := json.Unmarshal(payload, &env); err != nil {
		t.Fatal(err)
	}
	if env.Type != EnvelopeRequestCancel || env.ID != "turn_9" {
		t.Errorf("cancel envelope = %+v", env)
	}
}
