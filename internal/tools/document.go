package tools

import (
	"fmt"

	"github.com/firebase/genkit/go/ai"
	"github.com/google/uuid"

	"github.com/loom-chat/loom/internal/artifact"
)

// CreateDocumentInput defines input for the createDocument tool.
type CreateDocumentInput struct {
	Title       string `json:"title" jsonschema_description:"Short human-readable title for the document"`
	Kind        string `json:"kind,omitempty" jsonschema_description:"One of: document, code, html, component. Defaults to document."`
	Description string `json:"description,omitempty" jsonschema_description:"What the document should contain; used as the generation brief"`
}

// DocumentDirective is the createDocument tool output. It carries no content:
// the agent session reads it and runs the artifact generator, streaming the
// content on a sub-channel tagged with ArtifactID.
type DocumentDirective struct {
	ArtifactID  string `json:"artifactId"`
	Title       string `json:"title"`
	Kind        string `json:"kind"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status"`
}

// CreateDocument validates the request and mints the artifact id. Generation
// happens in the agent loop, not here.
func (k *Kit) CreateDocument(_ *ai.ToolContext, input CreateDocumentInput) (DocumentDirective, error) {
	if input.Title == "" {
		return DocumentDirective{}, fmt.Errorf("createDocument: title is required")
	}

	kind := artifact.Kind(input.Kind)
	if input.Kind == "" {
		kind = artifact.KindDocument
	}
	if !kind.Valid() {
		return DocumentDirective{}, fmt.Errorf("createDocument: unknown kind %q", input.Kind)
	}

	directive := DocumentDirective{
		ArtifactID:  uuid.NewString(),
		Title:       input.Title,
		Kind:        string(kind),
		Description: input.Description,
		Status:      "pending",
	}
	k.logger.Debug("createDocument directive issued",
		"artifactID", directive.ArtifactID,
		"kind", directive.Kind,
		"title", directive.Title,
	)
	return directive, nil
}
