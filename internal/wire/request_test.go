package wire

import (
	"testing"
)

func TestDecodeClientCommand_ChatRequest(t *testing.T) {
	payload, err := EncodeChatRequest("turn-1", []ChatMessage{
		{ID: "m1", Role: "user", Parts: []MessagePart{{Type: "text", Text: "hello"}}},
	})
	if err != nil {
		t.Fatalf("EncodeChatRequest() error = %v", err)
	}

	cmd, err := DecodeClientCommand(payload)
	if err != nil {
		t.Fatalf("DecodeClientCommand() error = %v", err)
	}
	if cmd.Type != EnvelopeChatRequest || cmd.TurnID != "turn-1" {
		t.Errorf("command = %+v", cmd)
	}
	if len(cmd.Messages) != 1 || cmd.Messages[0].Parts[0].Text != "hello" {
		t.Errorf("messages = %+v", cmd.Messages)
	}
}

func TestDecodeClientCommand_LegacyArgsFolded(t *testing.T) {
	payload := []byte(`{"type":"cf_agent_use_chat_request","id":"t1","init":{"method":"POST",` +
		`"body":"{\"messages\":[{\"id\":\"m1\",\"role\":\"assistant\",\"parts\":[{\"type\":\"tool-invocation\",` +
		`\"toolInvocation\":{\"toolCallId\":\"c1\",\"toolName\":\"calc\",\"state\":\"result\",` +
		`\"args\":{\"x\":1},\"result\":{\"y\":2}}}]}]}"}}`)

	cmd, err := DecodeClientCommand(payload)
	if err != nil {
		t.Fatalf("DecodeClientCommand() error = %v", err)
	}
	ti := cmd.Messages[0].Parts[0].ToolInvocation
	if ti == nil {
		t.Fatal("tool invocation part missing")
	}
	if string(ti.Input) != `{"x":1}` {
		t.Errorf("Input = %s, want legacy args folded in", ti.Input)
	}
	if string(ti.Output) != `{"y":2}` {
		t.Errorf("Output = %s, want legacy result folded in", ti.Output)
	}
}

func TestDecodeClientCommand_Cancel(t *testing.T) {
	payload, err := EncodeCancel("turn-9")
	if err != nil {
		t.Fatalf("EncodeCancel() error = %v", err)
	}
	cmd, err := DecodeClientCommand(payload)
	if err != nil {
		t.Fatalf("DecodeClientCommand() error = %v", err)
	}
	if cmd.Type != EnvelopeRequestCancel || cmd.TurnID != "turn-9" {
		t.Errorf("command = %+v", cmd)
	}
}

func TestDecodeClientCommand_Unknown(t *testing.T) {
	if _, err := DecodeClientCommand([]byte(`{"type":"cf_agent_state"}`)); err == nil {
		t.Error("unknown envelope accepted")
	}
	if _, err := DecodeClientCommand([]byte(`not json`)); err == nil {
		t.Error("malformed payload accepted")
	}
}

func TestLatestUserText(t *testing.T) {
	id, text := LatestUserText([]ChatMessage{
		{ID: "m1", Role: "user", Parts: []MessagePart{{Type: "text", Text: "first"}}},
		{ID: "m2", Role: "assistant", Parts: []MessagePart{{Type: "text", Text: "reply"}}},
		{ID: "m3", Role: "user", Parts: []MessagePart{
			{Type: "text", Text: "second "},
			{Type: "text", Text: "part"},
		}},
	})
	if id != "m3" || text != "second part" {
		t.Errorf("LatestUserText() = %q, %q", id, text)
	}

	id, text = LatestUserText(nil)
	if id != "" || text != "" {
		t.Errorf("LatestUserText(nil) = %q, %q", id, text)
	}
}
