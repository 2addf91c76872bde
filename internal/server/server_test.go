package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/goleak"
	"golang.org/x/time/rate"

	"github.com/loom-chat/loom/internal/agent"
	"github.com/loom-chat/loom/internal/artifact"
	"github.com/loom-chat/loom/internal/log"
	"github.com/loom-chat/loom/internal/stream"
	"github.com/loom-chat/loom/internal/transcript"
	"github.com/loom-chat/loom/internal/wire"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// echoStepper answers every step with a scripted reply, no tools.
type echoStepper struct {
	mu    sync.Mutex
	calls int
	reply string
}

func (e *echoStepper) Step(ctx context.Context, _ agent.StepRequest, onDelta func(context.Context, string) error) (agent.StepResult, error) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()
	for _, chunk := range strings.SplitAfter(e.reply, " ") {
		if err := onDelta(ctx, chunk); err != nil {
			return agent.StepResult{}, err
		}
	}
	return agent.StepResult{Text: e.reply, FinishReason: "stop"}, nil
}

type nopRunner struct{}

func (nopRunner) Run(context.Context, string, json.RawMessage) (json.RawMessage, error) {
	return json.RawMessage(`{}`), nil
}

type nopArtifacts struct{}

func (nopArtifacts) Generate(_ context.Context, req artifact.Request, _ artifact.Emitter) (*artifact.Artifact, error) {
	return &artifact.Artifact{ID: req.ID, State: artifact.StateComplete}, nil
}

func testFactory(store transcript.Store, stepper agent.ModelStepper) SessionFactory {
	return func(hs agent.Handshake) (*agent.Session, error) {
		return agent.NewSession(agent.Config{
			Handshake:   hs,
			Store:       store,
			Provider:    &agent.StaticContextProvider{SystemPrompt: "helpful", Model: hs.Model},
			Stepper:     stepper,
			Tools:       nopRunner{},
			Artifacts:   nopArtifacts{},
			RateLimiter: rate.NewLimiter(rate.Inf, 1),
		})
	}
}

func newTestServer(t *testing.T, store transcript.Store, stepper agent.ModelStepper) *httptest.Server {
	t.Helper()
	srv, err := NewServer(Config{Factory: testFactory(store, stepper), DefaultModel: "gemini-2.5-flash"})
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown() error = %v", err)
		}
	})
	return ts
}

func wsURL(ts *httptest.Server, conversationID string, params string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/agents/chat/" + conversationID + "?" + params
}

const validParams = "agentId=tutor&userId=u1&organizationId=org1&model=gemini-2.5-flash"

func dialConversation(t *testing.T, ts *httptest.Server, conversationID string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(wsURL(ts, conversationID, validParams), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

// readHistory expects the attach-time history sync as the first message.
func readHistory(t *testing.T, ws *websocket.Conn) []wire.ChatMessage {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, payload, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("reading history sync: %v", err)
	}
	var env struct {
		Type     string            `json:"type"`
		Messages []wire.ChatMessage `json:"messages"`
	}
	if err := json.Unmarshal(payload, &env); err != nil {
		t.Fatalf("unmarshal history: %v", err)
	}
	if env.Type != wire.EnvelopeChatMessages {
		t.Fatalf("first message type = %q, want history sync", env.Type)
	}
	return env.Messages
}

// collectTurn decodes response envelopes through the client decoder until
// the turn's terminal event.
func collectTurn(t *testing.T, ws *websocket.Conn) []stream.Event {
	t.Helper()
	decoder := wire.NewDecoder(nil)
	var events []stream.Event
	deadline := time.Now().Add(5 * time.Second)
	for {
		_ = ws.SetReadDeadline(deadline)
		_, payload, err := ws.ReadMessage()
		if err != nil {
			t.Fatalf("reading turn events: %v (got %d events)", err, len(events))
		}
		for _, ev := range decoder.Feed(payload) {
			events = append(events, ev)
			if ev.Type.Terminal() {
				return events
			}
		}
	}
}

func sendTurn(t *testing.T, ws *websocket.Conn, turnID, text string) {
	t.Helper()
	payload, err := wire.EncodeChatRequest(turnID, []wire.ChatMessage{{
		ID:    "msg-" + turnID,
		Role:  "user",
		Parts: []wire.MessagePart{{Type: "text", Text: text}},
	}})
	if err != nil {
		t.Fatalf("EncodeChatRequest() error = %v", err)
	}
	if err := ws.WriteMessage(websocket.TextMessage, payload); err != nil {
		t.Fatalf("sending turn: %v", err)
	}
}

func TestServer_RejectsIncompleteHandshake(t *testing.T) {
	ts := newTestServer(t, transcript.NewMemoryStore(log.NewNop()), &echoStepper{reply: "hi"})

	resp, err := http.Get(ts.URL + "/agents/chat/conv-1?agentId=tutor&organizationId=org1")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for missing userId", resp.StatusCode)
	}
}

func TestServer_FullTurnOverWebSocket(t *testing.T) {
	store := transcript.NewMemoryStore(log.NewNop())
	ts := newTestServer(t, store, &echoStepper{reply: "2+2 is 4"})

	ws := dialConversation(t, ts, "conv-1")
	if history := readHistory(t, ws); len(history) != 0 {
		t.Errorf("fresh conversation history = %+v, want empty", history)
	}

	sendTurn(t, ws, "turn-1", "2+2?")
	events := collectTurn(t, ws)

	want := []stream.EventType{
		stream.EventMessageStart,
		stream.EventTextStart,
		stream.EventTextDelta,
		stream.EventTextDelta,
		stream.EventTextDelta,
		stream.EventTextEnd,
		stream.EventFinish,
	}
	if len(events) != len(want) {
		t.Fatalf("got %d events, want %d: %+v", len(events), len(want), events)
	}
	var text string
	for i, ev := range events {
		if ev.Type != want[i] {
			t.Errorf("events[%d].Type = %q, want %q", i, ev.Type, want[i])
		}
		if ev.Type == stream.EventTextDelta {
			text += ev.Delta
		}
	}
	if text != "2+2 is 4" {
		t.Errorf("streamed text = %q", text)
	}
}

func TestServer_HistorySyncReflectsPriorTurns(t *testing.T) {
	store := transcript.NewMemoryStore(log.NewNop())
	ts := newTestServer(t, store, &echoStepper{reply: "hello there"})

	ws := dialConversation(t, ts, "conv-1")
	readHistory(t, ws)
	sendTurn(t, ws, "turn-1", "hi")
	collectTurn(t, ws)

	// Persistence runs on the actor after the terminal event; wait for the
	// store to reflect the turn before detaching.
	deadline := time.Now().Add(5 * time.Second)
	for {
		msgs, err := store.LoadMessages(context.Background(), "conv-1", "org1")
		if err != nil {
			t.Fatalf("LoadMessages() error = %v", err)
		}
		if len(msgs) == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("turn never persisted, store has %d messages", len(msgs))
		}
		time.Sleep(5 * time.Millisecond)
	}
	ws.Close()

	// A new attachment hydrates the persisted turn.
	ws2 := dialConversation(t, ts, "conv-1")
	history := readHistory(t, ws2)
	if len(history) != 2 {
		t.Fatalf("history has %d messages, want user + assistant", len(history))
	}
	if history[0].Role != "user" || history[1].Role != "assistant" {
		t.Errorf("history roles = %q, %q", history[0].Role, history[1].Role)
	}
	if len(history[1].Parts) != 1 || history[1].Parts[0].Text != "hello there" {
		t.Errorf("assistant part = %+v", history[1].Parts)
	}
	if history[0].Metadata.ConversationID != "conv-1" || history[0].Metadata.UserID != "u1" {
		t.Errorf("metadata = %+v", history[0].Metadata)
	}
}

func TestServer_DistinctConversationsRunConcurrently(t *testing.T) {
	store := transcript.NewMemoryStore(log.NewNop())
	ts := newTestServer(t, store, &echoStepper{reply: "ok then"})

	var wg sync.WaitGroup
	for i := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conv := fmt.Sprintf("conv-%d", i)
			ws, _, err := websocket.DefaultDialer.Dial(wsURL(ts, conv, validParams), nil)
			if err != nil {
				t.Errorf("dial %s: %v", conv, err)
				return
			}
			defer ws.Close()
			readHistory(t, ws)
			sendTurn(t, ws, "turn-1", "go")
			events := collectTurn(t, ws)
			if events[len(events)-1].Type != stream.EventFinish {
				t.Errorf("%s terminal = %q", conv, events[len(events)-1].Type)
			}
		}()
	}
	wg.Wait()

	// Persistence trails the terminal event; poll briefly per conversation.
	deadline := time.Now().Add(5 * time.Second)
	for i := range 4 {
		conv := fmt.Sprintf("conv-%d", i)
		for {
			msgs, err := store.LoadMessages(context.Background(), conv, "org1")
			if err != nil {
				t.Fatalf("LoadMessages(%s) error = %v", conv, err)
			}
			if len(msgs) == 2 {
				break
			}
			if time.Now().After(deadline) {
				t.Fatalf("%s stored %d messages, want 2", conv, len(msgs))
			}
			time.Sleep(5 * time.Millisecond)
		}
	}
}

func TestServer_HealthEndpoints(t *testing.T) {
	ts := newTestServer(t, transcript.NewMemoryStore(log.NewNop()), &echoStepper{reply: "hi"})

	for _, path := range []string{"/health", "/ready"} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s status = %d", path, resp.StatusCode)
		}
	}
}

func TestHub_OneSessionPerConversation(t *testing.T) {
	store := transcript.NewMemoryStore(log.NewNop())
	hub := NewHub(testFactory(store, &echoStepper{reply: "x"}), nil)

	hs := agent.Handshake{ConversationID: "conv-1", AgentID: "a", UserID: "u", OrganizationID: "o"}
	s1, release1, err := hub.Acquire(hs)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	s2, release2, err := hub.Acquire(hs)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if s1 != s2 {
		t.Error("two attachments to one conversation got distinct sessions")
	}

	release1()
	select {
	case <-s1.Done():
		t.Fatal("actor stopped while a client is still attached")
	case <-time.After(50 * time.Millisecond):
	}

	release2()
	release2() // double release is a no-op
	select {
	case <-s1.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("actor did not stop after last detach")
	}

	// A fresh attach starts a new actor.
	s3, release3, err := hub.Acquire(hs)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if s3 == s1 {
		t.Error("stopped session reused")
	}
	release3()
	<-s3.Done()
}
