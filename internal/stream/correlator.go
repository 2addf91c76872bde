package stream

import (
	"github.com/google/uuid"
)

// Correlator is the per-turn state machine that pairs start/delta/end
// fragments into well-formed blocks. One Correlator is created per in-flight
// turn and discarded once a terminal event has been applied; it is never
// shared between turns or conversations.
//
// Guarantees on the output sequence:
//   - every text-delta is preceded by a text-start with the same id
//   - at most one text block is open at any point
//   - text and tool events never interleave
//   - exactly one terminal event closes the sequence
//
// Correlator is not safe for concurrent use; the owning actor applies events
// one at a time.
type Correlator struct {
	textOpen      bool
	currentTextID string
	currentToolID string
	terminated    bool
}

// NewCorrelator returns a fresh per-turn correlator.
func NewCorrelator() *Correlator {
	return &Correlator{}
}

// CurrentToolID returns the toolCallId of the tool invocation currently in
// flight, or "" when none is.
func (c *Correlator) CurrentToolID() string { return c.currentToolID }

// Terminated reports whether a terminal event has been applied. Events
// applied after termination are dropped.
func (c *Correlator) Terminated() bool { return c.terminated }

// Apply feeds one decoded event through the state machine and returns the
// canonical events to emit in order. The returned slice may be empty (for an
// idempotent no-op), contain the input event as-is, or contain synthesized
// events around a rewritten copy of the input.
func (c *Correlator) Apply(ev Event) []Event {
	if c.terminated {
		return nil
	}

	switch ev.Type {
	case EventTextStart:
		return c.applyTextStart(ev)
	case EventTextDelta:
		return c.applyTextDelta(ev)
	case EventTextEnd:
		return c.applyTextEnd()
	case EventToolInputStart, EventToolInputDelta, EventToolInputAvailable:
		return c.applyToolInput(ev)
	case EventToolOutputAvailable:
		return c.applyToolOutput(ev)
	case EventFinish, EventError:
		return c.applyTerminal(ev)
	default:
		// message-start and artifact events pass through untouched; they
		// carry their own correlation ids.
		return []Event{ev}
	}
}

func (c *Correlator) applyTextStart(ev Event) []Event {
	var out []Event

	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if c.textOpen {
		if ev.ID == c.currentTextID {
			// Duplicate start for the block already open.
			return nil
		}
		// A different block is open: close it before opening the new one.
		out = append(out, Event{Type: EventTextEnd, ID: c.currentTextID})
	}

	c.textOpen = true
	c.currentTextID = ev.ID
	return append(out, ev)
}

func (c *Correlator) applyTextDelta(ev Event) []Event {
	var out []Event

	if !c.textOpen {
		// Delta without an open block: synthesize the missing start.
		id := ev.ID
		if id == "" {
			id = uuid.NewString()
		}
		c.textOpen = true
		c.currentTextID = id
		out = append(out, Event{Type: EventTextStart, ID: id})
	}

	// Always re-emit under the correlator's id. The wire variants disagree
	// about whether deltas carry ids at all, so the caller's id is only a
	// hint; the open block's id is authoritative.
	ev.ID = c.currentTextID
	return append(out, ev)
}

func (c *Correlator) applyTextEnd() []Event {
	if !c.textOpen {
		return nil
	}
	id := c.currentTextID
	c.textOpen = false
	c.currentTextID = ""
	return []Event{{Type: EventTextEnd, ID: id}}
}

func (c *Correlator) applyToolInput(ev Event) []Event {
	// Text and tool events never interleave in canonical output.
	out := c.closeOpenText()

	if ev.Type == EventToolInputStart || c.currentToolID == "" {
		c.currentToolID = ev.ID
	}
	return append(out, ev)
}

func (c *Correlator) applyToolOutput(ev Event) []Event {
	out := c.closeOpenText()
	if ev.ID == "" {
		ev.ID = c.currentToolID
	}
	c.currentToolID = ""
	return append(out, ev)
}

func (c *Correlator) applyTerminal(ev Event) []Event {
	out := c.closeOpenText()
	c.currentToolID = ""
	c.terminated = true
	return append(out, ev)
}

func (c *Correlator) closeOpenText() []Event {
	if !c.textOpen {
		return nil
	}
	id := c.currentTextID
	c.textOpen = false
	c.currentTextID = ""
	return []Event{{Type: EventTextEnd, ID: id}}
}
