// Package tools defines the Genkit tools exposed to the chat agent.
//
// Tools capture their dependencies via closures at registration time; there
// is no package-level state. The createDocument tool does not generate
// content itself: it returns a directive that the agent session consumes to
// run an artifact sub-stream.
package tools

import (
	"fmt"
	"log/slog"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
)

// Tool name constants registered with Genkit.
const (
	CreateDocumentName = "createDocument"
	CurrentTimeName    = "currentTime"
	CalculatorName     = "calculator"
)

// Names returns all registered tool names. Single source of truth so other
// packages never hardcode the list.
func Names() []string {
	return []string{CreateDocumentName, CurrentTimeName, CalculatorName}
}

// Registry holds the registered tools and resolves them by name when the
// agent executes tool requests manually.
type Registry struct {
	byName map[string]ai.Tool
	refs   []ai.ToolRef
}

// Register defines all agent tools with Genkit and returns a Registry for
// lookup during the tool loop.
func Register(g *genkit.Genkit, logger *slog.Logger) (*Registry, error) {
	if g == nil {
		return nil, fmt.Errorf("genkit instance is required")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	kit := &Kit{logger: logger}

	defined := []ai.Tool{
		genkit.DefineTool(g, CreateDocumentName,
			"Create a standalone document shown to the user in a dedicated panel. "+
				"Use this for any substantial deliverable: written documents, source code, HTML pages, or UI components. "+
				"Kinds: document (markdown), code, html, component. "+
				"Do NOT repeat the document content in your reply; the content is generated separately from the description you provide.",
			kit.CreateDocument),
		genkit.DefineTool(g, CurrentTimeName,
			"Get the current date and time. "+
				"Returns a formatted time string, Unix timestamp, and ISO 8601 form. "+
				"Call this before answering any question about current dates, times, or durations.",
			kit.CurrentTime),
		genkit.DefineTool(g, CalculatorName,
			"Evaluate an arithmetic expression. "+
				"Supports + - * / and parentheses with decimal numbers. "+
				"Use this instead of computing arithmetic yourself.",
			kit.Calculate),
	}

	r := &Registry{byName: make(map[string]ai.Tool, len(defined))}
	for _, t := range defined {
		r.byName[t.Name()] = t
		r.refs = append(r.refs, t)
	}
	return r, nil
}

// Refs returns the tools in ai.GenerateOption form.
func (r *Registry) Refs() []ai.ToolRef {
	return r.refs
}

// Lookup resolves a tool by name; ok is false for unknown names.
func (r *Registry) Lookup(name string) (ai.Tool, bool) {
	t, ok := r.byName[name]
	return t, ok
}

// Kit holds dependencies shared by the tool handlers.
type Kit struct {
	logger *slog.Logger
}
