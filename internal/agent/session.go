package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/loom-chat/loom/internal/artifact"
	"github.com/loom-chat/loom/internal/stream"
	"github.com/loom-chat/loom/internal/tools"
	"github.com/loom-chat/loom/internal/transcript"
)

// State is the session lifecycle phase. Transitions: Connecting → Hydrating
// → Ready → Generating → Persisting → Ready, with Closed terminal.
type State string

const (
	StateConnecting State = "connecting"
	StateHydrating  State = "hydrating"
	StateReady      State = "ready"
	StateGenerating State = "generating"
	StatePersisting State = "persisting"
	StateClosed     State = "closed"
)

// ArtifactRunner runs one artifact sub-stream. Satisfied by
// *artifact.Generator.
type ArtifactRunner interface {
	Generate(ctx context.Context, req artifact.Request, emit artifact.Emitter) (*artifact.Artifact, error)
}

// Turn is one user utterance submitted to the session. Emit receives the
// canonical events of the resulting generation, in order, on the actor
// goroutine.
type Turn struct {
	MessageID string
	Text      string
	Emit      func(stream.Event) error
}

// Config assembles a Session's dependencies.
type Config struct {
	Handshake Handshake
	Store     transcript.Store
	Provider  ContextProvider
	Stepper   ModelStepper
	Tools     ToolRunner
	Artifacts ArtifactRunner
	Logger    *slog.Logger

	// StepCap bounds model invocations per turn; 0 means DefaultStepCap.
	StepCap int

	RetryConfig RetryConfig
	RateLimiter *rate.Limiter
}

func (cfg Config) validate() error {
	if cfg.Store == nil {
		return errors.New("transcript store is required")
	}
	if cfg.Provider == nil {
		return errors.New("context provider is required")
	}
	if cfg.Stepper == nil {
		return errors.New("model stepper is required")
	}
	if cfg.Tools == nil {
		return errors.New("tool runner is required")
	}
	if cfg.Artifacts == nil {
		return errors.New("artifact runner is required")
	}
	return nil
}

// Session is the per-conversation actor. All mutable state is confined to
// the goroutine running Run; other goroutines communicate through the inbox.
// One turn runs at a time; distinct conversations get distinct sessions.
type Session struct {
	handshake   Handshake
	store       transcript.Store
	provider    ContextProvider
	stepper     ModelStepper
	toolRunner  ToolRunner
	artifacts   ArtifactRunner
	logger      *slog.Logger
	stepCap     int
	retryConfig RetryConfig
	rateLimiter *rate.Limiter

	inbox chan command
	done  chan struct{}
	busy  atomic.Bool

	cancelMu   sync.Mutex
	turnCancel context.CancelFunc

	// Actor-confined. Never touched outside Run.
	state   State
	history []transcript.Message
}

type command interface{ isCommand() }

type turnCmd struct {
	turn  Turn
	reply chan error
}

type historyCmd struct {
	reply chan []transcript.Message
}

type stateCmd struct {
	reply chan State
}

func (turnCmd) isCommand()    {}
func (historyCmd) isCommand() {}
func (stateCmd) isCommand()   {}

// NewSession creates the actor. Call Run to start it.
func NewSession(cfg Config) (*Session, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("agent session: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	stepCap := cfg.StepCap
	if stepCap <= 0 {
		stepCap = DefaultStepCap
	}
	retryConfig := cfg.RetryConfig
	if retryConfig.MaxRetries == 0 && retryConfig.InitialInterval == 0 {
		retryConfig = DefaultRetryConfig()
	}
	limiter := cfg.RateLimiter
	if limiter == nil {
		limiter = newRateLimiter()
	}

	return &Session{
		handshake:   cfg.Handshake,
		store:       cfg.Store,
		provider:    cfg.Provider,
		stepper:     cfg.Stepper,
		toolRunner:  cfg.Tools,
		artifacts:   cfg.Artifacts,
		logger:      logger.With("component", "agent", "conversationID", cfg.Handshake.ConversationID),
		stepCap:     stepCap,
		retryConfig: retryConfig,
		rateLimiter: limiter,
		inbox:       make(chan command, 1),
		done:        make(chan struct{}),
		state:       StateConnecting,
	}, nil
}

// Run is the actor loop. It hydrates the transcript, then serves commands
// until ctx is canceled. Hydration always reloads from the store and
// discards any prior in-memory transcript.
func (s *Session) Run(ctx context.Context) error {
	defer close(s.done)
	defer func() { s.state = StateClosed }()

	if err := s.hydrate(ctx); err != nil {
		return fmt.Errorf("hydrate conversation %s: %w", s.handshake.ConversationID, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cmd := <-s.inbox:
			switch c := cmd.(type) {
			case turnCmd:
				s.busy.Store(true)
				c.reply <- nil
				s.runTurn(ctx, c.turn)
				s.busy.Store(false)
			case historyCmd:
				c.reply <- s.snapshotHistory()
			case stateCmd:
				c.reply <- s.state
			}
		}
	}
}

// SubmitTurn hands a user turn to the actor. It returns once the turn is
// accepted, not once it completes; events arrive via turn.Emit. Returns
// ErrTurnInFlight when the session is still busy with the previous turn.
func (s *Session) SubmitTurn(ctx context.Context, turn Turn) error {
	if s.busy.Load() {
		return ErrTurnInFlight
	}

	cmd := turnCmd{turn: turn, reply: make(chan error, 1)}
	select {
	case s.inbox <- cmd:
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-cmd.reply:
		return err
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// History returns the hydrated transcript plus any turns completed since
// attach, in order. Used for the history sync on client attach.
func (s *Session) History(ctx context.Context) ([]transcript.Message, error) {
	cmd := historyCmd{reply: make(chan []transcript.Message, 1)}
	select {
	case s.inbox <- cmd:
	case <-s.done:
		return nil, ErrSessionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case msgs := <-cmd.reply:
		return msgs, nil
	case <-s.done:
		return nil, ErrSessionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// State reports the current lifecycle phase.
func (s *Session) State(ctx context.Context) (State, error) {
	cmd := stateCmd{reply: make(chan State, 1)}
	select {
	case s.inbox <- cmd:
	case <-s.done:
		return StateClosed, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
	select {
	case st := <-cmd.reply:
		return st, nil
	case <-s.done:
		return StateClosed, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Done is closed when the actor loop exits.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) hydrate(ctx context.Context) error {
	s.state = StateHydrating

	msgs, err := s.store.LoadMessages(ctx, s.handshake.ConversationID, s.handshake.OrganizationID)
	if err != nil {
		return err
	}

	// Reload replaces, never merges.
	s.history = s.history[:0]
	for _, m := range msgs {
		if !m.Valid() {
			s.logger.Warn("dropping malformed transcript message", "messageID", m.ID, "role", m.Role)
			continue
		}
		s.history = append(s.history, m)
	}

	s.logger.Debug("conversation hydrated", "messages", len(s.history))
	s.state = StateReady
	return nil
}

func (s *Session) snapshotHistory() []transcript.Message {
	out := make([]transcript.Message, len(s.history))
	copy(out, s.history)
	return out
}

// turnEmitter routes events through the per-turn correlator to the client.
// A send failure marks the client dead; generation and persistence continue
// so a reconnecting client can hydrate the completed turn.
type turnEmitter struct {
	corr   *stream.Correlator
	send   func(stream.Event) error
	logger *slog.Logger
	dead   bool
}

func (e *turnEmitter) emit(ev stream.Event) {
	for _, derived := range e.corr.Apply(ev) {
		if e.dead {
			continue
		}
		if err := e.send(derived); err != nil {
			e.logger.Warn("client send failed, continuing turn detached", "error", err)
			e.dead = true
		}
	}
}

// CancelTurn aborts the in-flight turn, if any. The turn still ends with a
// terminal event and persists what was generated so far.
func (s *Session) CancelTurn() {
	s.cancelMu.Lock()
	cancel := s.turnCancel
	s.cancelMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *Session) runTurn(parent context.Context, turn Turn) {
	s.state = StateGenerating
	defer func() { s.state = StateReady }()

	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	s.cancelMu.Lock()
	s.turnCancel = cancel
	s.cancelMu.Unlock()
	defer func() {
		s.cancelMu.Lock()
		s.turnCancel = nil
		s.cancelMu.Unlock()
	}()

	emitter := &turnEmitter{
		corr:   stream.NewCorrelator(),
		send:   turn.Emit,
		logger: s.logger,
	}
	if emitter.send == nil {
		emitter.send = func(stream.Event) error { return nil }
	}

	if err := s.handshake.Validate(); err != nil {
		s.logger.Warn("turn rejected", "error", err)
		emitter.emit(stream.Event{Type: stream.EventError, ErrorText: err.Error()})
		return
	}

	now := time.Now().UTC()
	userMsg := transcript.Message{
		ID:             turn.MessageID,
		ConversationID: s.handshake.ConversationID,
		Role:           transcript.RoleUser,
		Content:        turn.Text,
		CreatedAt:      now,
	}
	if userMsg.ID == "" {
		userMsg.ID = uuid.NewString()
	}

	assistantMsg := transcript.Message{
		ID:             uuid.NewString(),
		ConversationID: s.handshake.ConversationID,
		Role:           transcript.RoleAssistant,
	}

	emitter.emit(stream.Event{Type: stream.EventMessageStart, ID: assistantMsg.ID})

	agentCtx, err := s.provider.AgentContext(ctx, s.handshake.AgentID, turn.Text)
	if err != nil {
		s.logger.Error("resolving agent context", "error", err)
		emitter.emit(stream.Event{Type: stream.EventError, ErrorText: "agent context unavailable"})
		return
	}
	model := agentCtx.Model
	if model == "" {
		model = s.handshake.Model
	}

	messages := append(s.historyAsModelMessages(), ai.NewUserTextMessage(turn.Text))

	s.generate(ctx, emitter, model, agentCtx, messages, &assistantMsg)

	assistantMsg.CreatedAt = time.Now().UTC()
	// Persist with the session context: a canceled turn still records what
	// was delivered.
	s.persistTurn(parent, userMsg, assistantMsg, model)
}

// generate runs the bounded tool loop and emits exactly one terminal event.
func (s *Session) generate(
	ctx context.Context,
	emitter *turnEmitter,
	model string,
	agentCtx AgentContext,
	messages []*ai.Message,
	assistantMsg *transcript.Message,
) {
	for step := 0; step < s.stepCap; step++ {
		var stepText string
		req := StepRequest{
			Model:    model,
			System:   agentCtx.SystemPrompt,
			Messages: messages,
			Tools:    agentCtx.Tools,
		}
		result, err := s.stepWithRetry(ctx, req, func(_ context.Context, delta string) error {
			stepText += delta
			assistantMsg.Content += delta
			emitter.emit(stream.Event{Type: stream.EventTextDelta, Delta: delta})
			return nil
		})
		if err != nil {
			s.logger.Error("model step failed", "step", step, "error", err)
			emitter.emit(stream.Event{Type: stream.EventError, ErrorText: "generation failed"})
			return
		}

		// Some models return text without streaming it.
		if stepText == "" && result.Text != "" {
			assistantMsg.Content += result.Text
			emitter.emit(stream.Event{Type: stream.EventTextDelta, Delta: result.Text})
			stepText = result.Text
		}

		if len(result.ToolRequests) == 0 {
			reason := result.FinishReason
			if reason == "" {
				reason = "stop"
			}
			emitter.emit(stream.Event{Type: stream.EventFinish, FinishReason: reason})
			return
		}

		modelParts := make([]*ai.Part, 0, len(result.ToolRequests)+1)
		if stepText != "" {
			modelParts = append(modelParts, ai.NewTextPart(stepText))
		}
		responseParts := make([]*ai.Part, 0, len(result.ToolRequests))

		for _, toolReq := range result.ToolRequests {
			modelParts = append(modelParts, ai.NewToolRequestPart(toolReq))

			part, err := s.runTool(ctx, emitter, toolReq, assistantMsg)
			if err != nil {
				s.logger.Error("tool execution failed", "tool", toolReq.Name, "error", err)
				emitter.emit(stream.Event{Type: stream.EventError, ErrorText: fmt.Sprintf("tool %s failed", toolReq.Name)})
				return
			}
			responseParts = append(responseParts, part)
		}

		messages = append(messages,
			ai.NewMessage(ai.RoleModel, nil, modelParts...),
			ai.NewMessage(ai.RoleTool, nil, responseParts...),
		)
	}

	s.logger.Warn("tool loop hit step cap", "cap", s.stepCap)
	emitter.emit(stream.Event{Type: stream.EventFinish, FinishReason: "max-steps"})
}

// runTool executes one tool request, emits its event triple, records the
// invocation on the assistant message, and returns the tool response part
// for the next model step. A createDocument directive additionally runs the
// artifact sub-stream before the loop continues.
func (s *Session) runTool(
	ctx context.Context,
	emitter *turnEmitter,
	toolReq *ai.ToolRequest,
	assistantMsg *transcript.Message,
) (*ai.Part, error) {
	callID := toolReq.Ref
	if callID == "" {
		callID = uuid.NewString()
	}

	input, err := json.Marshal(toolReq.Input)
	if err != nil {
		return nil, fmt.Errorf("marshal tool input: %w", err)
	}

	emitter.emit(stream.Event{Type: stream.EventToolInputStart, ID: callID, ToolName: toolReq.Name})
	emitter.emit(stream.Event{Type: stream.EventToolInputAvailable, ID: callID, ToolName: toolReq.Name, Input: input})

	invocation := transcript.ToolInvocation{
		ID:    callID,
		Name:  toolReq.Name,
		Input: input,
		State: transcript.ToolStateInputStreaming,
	}

	output, err := s.toolRunner.Run(ctx, toolReq.Name, input)
	if err != nil {
		invocation.Advance(transcript.ToolStateError)
		assistantMsg.ToolInvocations = append(assistantMsg.ToolInvocations, invocation)
		return nil, err
	}

	invocation.Output = output
	invocation.Advance(transcript.ToolStateAvailable)
	assistantMsg.ToolInvocations = append(assistantMsg.ToolInvocations, invocation)

	emitter.emit(stream.Event{Type: stream.EventToolOutputAvailable, ID: callID, Output: output})

	if toolReq.Name == tools.CreateDocumentName {
		s.runArtifact(ctx, emitter, output, assistantMsg)
	}

	var outAny any
	if err := json.Unmarshal(output, &outAny); err != nil {
		return nil, fmt.Errorf("decode tool output: %w", err)
	}
	return ai.NewToolResponsePart(&ai.ToolResponse{Ref: toolReq.Ref, Name: toolReq.Name, Output: outAny}), nil
}

// runArtifact consumes a createDocument directive and generates the
// artifact synchronously within the parent turn. Generation failure is
// reported on the sub-stream and logged; the parent turn continues.
func (s *Session) runArtifact(ctx context.Context, emitter *turnEmitter, directiveJSON json.RawMessage, assistantMsg *transcript.Message) {
	var directive tools.DocumentDirective
	if err := json.Unmarshal(directiveJSON, &directive); err != nil || directive.ArtifactID == "" {
		s.logger.Warn("createDocument returned no usable directive", "error", err)
		return
	}

	assistantMsg.ArtifactIDs = append(assistantMsg.ArtifactIDs, directive.ArtifactID)

	_, err := s.artifacts.Generate(ctx, artifact.Request{
		ID:          directive.ArtifactID,
		Title:       directive.Title,
		Kind:        artifact.Kind(directive.Kind),
		Description: directive.Description,
	}, func(ev stream.Event) error {
		emitter.emit(ev)
		return nil
	})
	if err != nil {
		s.logger.Error("artifact generation failed", "artifactID", directive.ArtifactID, "error", err)
	}
}

// persistTurn durably records the turn. Persistence failures are logged,
// never surfaced to the client; upserts are idempotent so a retry on the
// next turn repairs any gap.
func (s *Session) persistTurn(ctx context.Context, userMsg, assistantMsg transcript.Message, model string) {
	s.state = StatePersisting

	now := time.Now().UTC()
	conv := transcript.Conversation{
		ID:             s.handshake.ConversationID,
		UserID:         s.handshake.UserID,
		OrganizationID: s.handshake.OrganizationID,
		AgentID:        s.handshake.AgentID,
		Model:          model,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.UpsertConversation(ctx, conv); err != nil {
		s.logger.Error("persisting conversation", "error", err)
	}
	if err := s.store.UpsertMessage(ctx, userMsg); err != nil {
		s.logger.Error("persisting user message", "messageID", userMsg.ID, "error", err)
	}
	if assistantMsg.Valid() {
		if err := s.store.UpsertMessage(ctx, assistantMsg); err != nil {
			s.logger.Error("persisting assistant message", "messageID", assistantMsg.ID, "error", err)
		}
	}

	s.history = append(s.history, userMsg)
	if assistantMsg.Valid() {
		s.history = append(s.history, assistantMsg)
	}
}

// historyAsModelMessages converts the transcript into model context. Tool
// detail is not replayed; the recorded text carries the conversation.
func (s *Session) historyAsModelMessages() []*ai.Message {
	out := make([]*ai.Message, 0, len(s.history))
	for _, m := range s.history {
		switch m.Role {
		case transcript.RoleUser:
			out = append(out, ai.NewUserTextMessage(m.Content))
		case transcript.RoleAssistant:
			if m.Content == "" {
				continue
			}
			out = append(out, ai.NewModelTextMessage(m.Content))
		}
	}
	return out
}
