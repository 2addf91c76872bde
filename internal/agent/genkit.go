package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"

	"github.com/loom-chat/loom/internal/tools"
)

// GenkitStepper is the production ModelStepper. Tool requests are returned
// to the session instead of being auto-executed, so the session can emit
// tool events and run artifact sub-streams between steps.
type GenkitStepper struct {
	G *genkit.Genkit
}

func (s *GenkitStepper) Step(ctx context.Context, req StepRequest, onDelta func(context.Context, string) error) (StepResult, error) {
	opts := []ai.GenerateOption{
		ai.WithSystem(req.System),
		ai.WithMessages(req.Messages...),
		ai.WithReturnToolRequests(true),
		ai.WithStreaming(func(ctx context.Context, chunk *ai.ModelResponseChunk) error {
			text := chunk.Text()
			if text == "" {
				return nil
			}
			return onDelta(ctx, text)
		}),
	}
	if req.Model != "" {
		opts = append(opts, ai.WithModelName(req.Model))
	}
	if len(req.Tools) > 0 {
		opts = append(opts, ai.WithTools(req.Tools...))
	}

	response, err := genkit.Generate(ctx, s.G, opts...)
	if err != nil {
		return StepResult{}, fmt.Errorf("generate: %w", err)
	}

	return StepResult{
		Text:         response.Text(),
		ToolRequests: response.ToolRequests(),
		FinishReason: string(response.FinishReason),
	}, nil
}

// RegistryRunner executes tools from the registry by name.
type RegistryRunner struct {
	Registry *tools.Registry
}

func (r *RegistryRunner) Run(ctx context.Context, name string, input json.RawMessage) (json.RawMessage, error) {
	tool, ok := r.Registry.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("unknown tool %q", name)
	}

	var in any
	if len(input) > 0 {
		if err := json.Unmarshal(input, &in); err != nil {
			return nil, fmt.Errorf("tool %s input: %w", name, err)
		}
	}

	out, err := tool.RunRaw(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("tool %s: %w", name, err)
	}

	raw, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("tool %s output: %w", name, err)
	}
	return raw, nil
}
