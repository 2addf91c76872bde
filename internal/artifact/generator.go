package artifact

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"

	"github.com/loom-chat/loom/internal/stream"
)

// TextStreamer runs one streaming completion. The callback receives token
// deltas as they arrive; the return value is the full accumulated text.
type TextStreamer interface {
	Stream(ctx context.Context, system, prompt string, cb func(context.Context, string) error) (string, error)
}

// GenkitStreamer is the production TextStreamer backed by a genkit instance.
type GenkitStreamer struct {
	G         *genkit.Genkit
	ModelName string
}

func (s *GenkitStreamer) Stream(ctx context.Context, system, prompt string, cb func(context.Context, string) error) (string, error) {
	response, err := genkit.Generate(ctx, s.G,
		ai.WithModelName(s.ModelName),
		ai.WithSystem(system),
		ai.WithPrompt(prompt),
		ai.WithStreaming(func(ctx context.Context, chunk *ai.ModelResponseChunk) error {
			return cb(ctx, chunk.Text())
		}),
	)
	if err != nil {
		return "", err
	}
	return response.Text(), nil
}

// Emitter receives artifact events for delivery on the parent turn's stream.
type Emitter func(stream.Event) error

// Generator produces artifacts by running a dedicated model call per request
// and translating its progress into artifact-* events.
type Generator struct {
	streamer TextStreamer
	logger   *slog.Logger
}

func NewGenerator(streamer TextStreamer, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Generator{streamer: streamer, logger: logger}
}

// Generate runs one artifact sub-stream: artifact-start is emitted before the
// model call, each token delta becomes an artifact-delta, and the call ends
// with exactly one of artifact-complete or artifact-error. On failure the
// returned artifact keeps whatever content was accumulated before the error.
func (g *Generator) Generate(ctx context.Context, req Request, emit Emitter) (*Artifact, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	art := &Artifact{
		ID:        req.ID,
		Title:     req.Title,
		Kind:      req.Kind,
		State:     StateGenerating,
		CreatedAt: time.Now().UTC(),
	}

	if err := emit(stream.Event{
		Type:          stream.EventArtifactStart,
		ID:            art.ID,
		ArtifactTitle: art.Title,
		ArtifactKind:  string(art.Kind),
	}); err != nil {
		return nil, fmt.Errorf("emit artifact start: %w", err)
	}

	prompt := req.Description
	if prompt == "" {
		prompt = req.Title
	}

	content, err := g.streamer.Stream(ctx, systemPromptFor(req.Kind), prompt,
		func(ctx context.Context, delta string) error {
			if delta == "" {
				return nil
			}
			art.Content += delta
			return emit(stream.Event{Type: stream.EventArtifactDelta, ID: art.ID, Delta: delta})
		})
	if err != nil {
		art.State = StateError
		g.logger.Error("artifact generation failed",
			"artifactID", art.ID,
			"kind", art.Kind,
			"error", err,
		)
		if emitErr := emit(stream.Event{
			Type:      stream.EventArtifactError,
			ID:        art.ID,
			ErrorText: err.Error(),
		}); emitErr != nil {
			return art, fmt.Errorf("emit artifact error: %w", emitErr)
		}
		return art, fmt.Errorf("generate artifact %s: %w", art.ID, err)
	}

	// The final response text is authoritative; streamed deltas may lag it.
	if content != "" {
		art.Content = content
	}
	art.State = StateComplete

	if err := emit(stream.Event{
		Type:    stream.EventArtifactComplete,
		ID:      art.ID,
		Content: art.Content,
	}); err != nil {
		return art, fmt.Errorf("emit artifact complete: %w", err)
	}

	g.logger.Debug("artifact generated",
		"artifactID", art.ID,
		"kind", art.Kind,
		"contentLength", len(art.Content),
	)
	return art, nil
}

func systemPromptFor(kind Kind) string {
	switch kind {
	case KindCode:
		return "You write production-quality source code. Respond with code only, no prose or markdown fences."
	case KindHTML:
		return "You write complete, self-contained HTML pages. Respond with a single HTML document, inline styles and scripts allowed, no explanation."
	case KindComponent:
		return "You write self-contained UI components. Respond with the component source only, no explanation."
	default:
		return "You write clear, well-structured documents in Markdown. Respond with the document content only, no preamble."
	}
}
