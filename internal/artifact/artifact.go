// Package artifact generates standalone documents (markdown, code, HTML,
// components) as a streamed sub-channel of a chat turn. Each artifact is
// produced by its own model call whose token deltas are multiplexed onto
// the parent turn's event stream, tagged by artifact id.
package artifact

import (
	"fmt"
	"time"
)

// Kind classifies what the artifact contains and which rendering surface
// the client should use for it.
type Kind string

const (
	KindDocument  Kind = "document"
	KindCode      Kind = "code"
	KindHTML      Kind = "html"
	KindComponent Kind = "component"
)

// Valid reports whether k is one of the supported artifact kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindDocument, KindCode, KindHTML, KindComponent:
		return true
	}
	return false
}

// State tracks artifact lifecycle. An artifact in StateError may still
// carry the content accumulated before the failure.
type State string

const (
	StateGenerating State = "generating"
	StateComplete   State = "complete"
	StateError      State = "error"
)

// Artifact is a generated standalone document attached to an assistant
// message. Content grows while State is generating and is final afterwards.
type Artifact struct {
	ID        string
	Title     string
	Kind      Kind
	Content   string
	State     State
	CreatedAt time.Time
}

// Request describes one artifact to generate. Description is the model-facing
// brief; when empty the title is used as the prompt instead.
type Request struct {
	ID          string
	Title       string
	Kind        Kind
	Description string
}

// Validate checks the request has the fields generation depends on.
func (r Request) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("artifact request: missing id")
	}
	if r.Title == "" && r.Description == "" {
		return fmt.Errorf("artifact request %s: needs a title or description", r.ID)
	}
	if !r.Kind.Valid() {
		return fmt.Errorf("artifact request %s: unknown kind %q", r.ID, r.Kind)
	}
	return nil
}
