// Package wire translates the vendor chat protocol into canonical stream
// events and back. Inbound payloads arrive in two shapes: JSON control
// envelopes (leading '{') and line-coded frames ("<code>:<json>" separated by
// newlines, arbitrarily split across deliveries). Each shape has its own small
// adapter; both feed the same canonical event type, so nothing downstream of
// this package knows which variant produced an event.
package wire

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/loom-chat/loom/internal/log"
	"github.com/loom-chat/loom/internal/stream"
)

// Line-protocol type codes. One frame is "<code>:<json>\n".
const (
	codeTextDelta   = '0'
	codeDataPart    = '2'
	codeMessageID   = '8'
	codeToolResult  = '9'
	codeToolStart   = 'a'
	codeToolDelta   = 'b'
	codeToolCall    = 'c'
	codeFinish      = 'd'
	codeError       = 'e'
	codeAnnotations = 'f'
)

// Decoder converts raw inbound payloads into canonical events. It keeps a
// byte buffer across calls so line-coded frames may be split at arbitrary
// byte boundaries; only complete lines are consumed, the trailing partial
// line is retained for the next delivery.
//
// A malformed line never aborts the rest of the stream: it is logged and
// dropped, and decoding continues with the next line. Unknown type codes are
// handled the same way so protocol additions don't break older peers.
//
// Decoder is not safe for concurrent use; each connection owns one.
type Decoder struct {
	buf    bytes.Buffer
	logger log.Logger

	// OnHistory, when set, receives the message list from a
	// cf_agent_chat_messages history sync envelope.
	OnHistory func(messages []ChatMessage)
}

// NewDecoder creates a decoder for one connection.
func NewDecoder(logger log.Logger) *Decoder {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Decoder{logger: logger}
}

// Feed consumes one inbound payload and returns the canonical events decoded
// from it, in wire order. Control envelopes are only recognized at a payload
// boundary (empty line buffer); otherwise the payload is treated as a
// continuation of the buffered line stream.
func (d *Decoder) Feed(payload []byte) []stream.Event {
	if d.buf.Len() == 0 && len(payload) > 0 && payload[0] == '{' {
		return d.decodeEnvelope(payload)
	}

	d.buf.Write(payload)

	var events []stream.Event
	for {
		raw := d.buf.Bytes()
		idx := bytes.IndexByte(raw, '\n')
		if idx < 0 {
			break
		}
		line := make([]byte, idx)
		copy(line, raw[:idx])
		d.buf.Next(idx + 1)

		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		if evs, err := d.decodeLine(line); err != nil {
			d.logger.Warn("dropping malformed frame", "error", err, "line_bytes", len(line))
		} else {
			events = append(events, evs...)
		}
	}
	return events
}

// Buffered returns the number of bytes held for an incomplete trailing line.
func (d *Decoder) Buffered() int { return d.buf.Len() }

// decodeLine parses one complete "<code>:<json>" frame.
func (d *Decoder) decodeLine(line []byte) ([]stream.Event, error) {
	sep := bytes.IndexByte(line, ':')
	if sep < 1 {
		return nil, fmt.Errorf("no type code separator in frame")
	}
	code := line[0]
	if sep != 1 {
		return nil, fmt.Errorf("type code %q longer than one byte", line[:sep])
	}
	payload := line[sep+1:]

	switch code {
	case codeTextDelta:
		var text string
		if err := json.Unmarshal(payload, &text); err != nil {
			return nil, fmt.Errorf("text delta payload: %w", err)
		}
		return []stream.Event{{Type: stream.EventTextDelta, Delta: text}}, nil

	case codeMessageID:
		var p struct {
			MessageID string `json:"messageId"`
			ID        string `json:"id"`
		}
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("message start payload: %w", err)
		}
		id := p.MessageID
		if id == "" {
			id = p.ID
		}
		return []stream.Event{{Type: stream.EventMessageStart, ID: id}}, nil

	case codeToolStart:
		var p struct {
			ToolCallID string `json:"toolCallId"`
			ToolName   string `json:"toolName"`
		}
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("tool start payload: %w", err)
		}
		return []stream.Event{{
			Type:     stream.EventToolInputStart,
			ID:       p.ToolCallID,
			ToolName: p.ToolName,
		}}, nil

	case codeToolDelta:
		var p struct {
			ToolCallID    string `json:"toolCallId"`
			ArgsTextDelta string `json:"argsTextDelta"`
			Delta         string `json:"delta"`
		}
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("tool delta payload: %w", err)
		}
		delta := p.ArgsTextDelta
		if delta == "" {
			delta = p.Delta
		}
		return []stream.Event{{
			Type:  stream.EventToolInputDelta,
			ID:    p.ToolCallID,
			Delta: delta,
		}}, nil

	case codeToolCall:
		var p struct {
			ToolCallID string          `json:"toolCallId"`
			Args       json.RawMessage `json:"args"`
		}
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("tool call payload: %w", err)
		}
		return []stream.Event{{
			Type:  stream.EventToolInputAvailable,
			ID:    p.ToolCallID,
			Input: p.Args,
		}}, nil

	case codeToolResult:
		var p struct {
			ToolCallID string          `json:"toolCallId"`
			Result     json.RawMessage `json:"result"`
		}
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("tool result payload: %w", err)
		}
		return []stream.Event{{
			Type:   stream.EventToolOutputAvailable,
			ID:     p.ToolCallID,
			Output: p.Result,
		}}, nil

	case codeFinish:
		var p struct {
			FinishReason string `json:"finishReason"`
		}
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("finish payload: %w", err)
		}
		return []stream.Event{{Type: stream.EventFinish, FinishReason: p.FinishReason}}, nil

	case codeError:
		var p struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("error payload: %w", err)
		}
		msg := p.Error
		if msg == "" {
			msg = p.Message
		}
		return []stream.Event{{Type: stream.EventError, ErrorText: msg}}, nil

	case codeDataPart:
		return decodeDataPart(payload)

	case codeAnnotations:
		// Carries no information we consume.
		return nil, nil

	default:
		d.logger.Warn("dropping unknown frame code", "code", string(code))
		return nil, nil
	}
}

// dataPart is the payload carried by code '2' frames and by envelope bodies
// of type "data". Artifact sub-stream events are multiplexed through it,
// tagged by artifact id.
type dataPart struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	Title   string `json:"title"`
	Kind    string `json:"kind"`
	Delta   string `json:"delta"`
	Content string `json:"content"`
	Error   string `json:"error"`
}

// decodeDataPart parses a data-part payload, which is either a single object
// or an array of objects.
func decodeDataPart(payload []byte) ([]stream.Event, error) {
	var parts []dataPart
	if len(bytes.TrimSpace(payload)) > 0 && bytes.TrimSpace(payload)[0] == '[' {
		if err := json.Unmarshal(payload, &parts); err != nil {
			return nil, fmt.Errorf("data part array: %w", err)
		}
	} else {
		var p dataPart
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("data part: %w", err)
		}
		parts = []dataPart{p}
	}

	var events []stream.Event
	for _, p := range parts {
		ev, ok := dataPartEvent(p)
		if !ok {
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

func dataPartEvent(p dataPart) (stream.Event, bool) {
	switch p.Type {
	case "artifact-start":
		return stream.Event{
			Type:          stream.EventArtifactStart,
			ID:            p.ID,
			ArtifactTitle: p.Title,
			ArtifactKind:  p.Kind,
		}, true
	case "artifact-delta":
		return stream.Event{Type: stream.EventArtifactDelta, ID: p.ID, Delta: p.Delta}, true
	case "artifact-complete":
		return stream.Event{Type: stream.EventArtifactComplete, ID: p.ID, Content: p.Content}, true
	case "artifact-error":
		return stream.Event{Type: stream.EventArtifactError, ID: p.ID, ErrorText: p.Error}, true
	default:
		return stream.Event{}, false
	}
}
