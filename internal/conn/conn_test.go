package conn

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/goleak"

	"github.com/loom-chat/loom/internal/stream"
	"github.com/loom-chat/loom/internal/wire"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsFixture runs a test server whose handler drives each accepted socket.
type wsFixture struct {
	srv   *httptest.Server
	dials atomic.Int32
}

func newFixture(t *testing.T, serve func(ws *websocket.Conn, r *http.Request)) *wsFixture {
	t.Helper()
	f := &wsFixture{}
	var wg sync.WaitGroup
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		f.dials.Add(1)
		wg.Add(1)
		defer wg.Done()
		defer ws.Close()
		serve(ws, r)
	}))
	t.Cleanup(func() {
		f.srv.Close()
		wg.Wait()
	})
	return f
}

func (f *wsFixture) wsURL() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

// eventSink collects delivered events and signals terminals.
type eventSink struct {
	mu       sync.Mutex
	events   []stream.Event
	terminal chan struct{}
}

func newEventSink() *eventSink {
	return &eventSink{terminal: make(chan struct{}, 4)}
}

func (s *eventSink) handle(ev stream.Event) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
	if ev.Type.Terminal() {
		s.terminal <- struct{}{}
	}
}

func (s *eventSink) snapshot() []stream.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]stream.Event, len(s.events))
	copy(out, s.events)
	return out
}

func (s *eventSink) waitTerminal(t *testing.T) {
	t.Helper()
	select {
	case <-s.terminal:
	case <-time.After(5 * time.Second):
		t.Fatal("no terminal event delivered")
	}
}

func testAuth() Auth {
	return Auth{AgentID: "tutor", UserID: "u1", OrganizationID: "org1", Model: "gemini-2.5-flash"}
}

func TestManager_SendBeforeConnect(t *testing.T) {
	m, err := NewManager(Config{BaseURL: "ws://localhost:0"})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	defer m.Close()

	err = m.Send(context.Background(), UserTurn("t1", "m1", "hi", wire.MessageMetadata{}))
	if err != ErrNotConnected {
		t.Errorf("Send() before connect = %v, want ErrNotConnected", err)
	}
	if err := m.Cancel(context.Background()); err != ErrNotConnected {
		t.Errorf("Cancel() before connect = %v, want ErrNotConnected", err)
	}
}

func TestManager_ConnectAndReceiveSplitFrames(t *testing.T) {
	turn := "" +
		"8:{\"messageId\":\"msg_1\"}\n" +
		"0:{\"id\":\"txt_1\",\"delta\":\"Hello \"}\n" +
		"0:{\"id\":\"txt_1\",\"delta\":\"world\"}\n" +
		"d:{\"finishReason\":\"stop\"}\n"

	f := newFixture(t, func(ws *websocket.Conn, r *http.Request) {
		if got := r.URL.Query().Get("agentId"); got != "tutor" {
			t.Errorf("agentId query param = %q", got)
		}
		// Deliver the turn split at awkward byte boundaries.
		for i := 0; i < len(turn); i += 7 {
			end := min(i+7, len(turn))
			if err := ws.WriteMessage(websocket.TextMessage, []byte(turn[i:end])); err != nil {
				return
			}
		}
		// Hold the socket open until the client closes.
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	})

	sink := newEventSink()
	m, err := NewManager(Config{BaseURL: f.wsURL(), Handler: sink.handle})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	defer m.Close()

	if err := m.Connect(context.Background(), "conv-1", testAuth()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	sink.waitTerminal(t)

	want := []stream.EventType{
		stream.EventMessageStart,
		stream.EventTextStart,
		stream.EventTextDelta,
		stream.EventTextDelta,
		stream.EventTextEnd,
		stream.EventFinish,
	}
	got := sink.snapshot()
	if len(got) != len(want) {
		t.Fatalf("got %d events %+v, want %d", len(got), got, len(want))
	}
	var text string
	for i, ev := range got {
		if ev.Type != want[i] {
			t.Errorf("events[%d].Type = %q, want %q", i, ev.Type, want[i])
		}
		if ev.Type == stream.EventTextDelta {
			text += ev.Delta
		}
	}
	if text != "Hello world" {
		t.Errorf("concatenated deltas = %q", text)
	}
}

func TestManager_SendDeliversChatRequest(t *testing.T) {
	received := make(chan []byte, 2)
	f := newFixture(t, func(ws *websocket.Conn, _ *http.Request) {
		for {
			_, payload, err := ws.ReadMessage()
			if err != nil {
				return
			}
			received <- payload
		}
	})

	m, err := NewManager(Config{BaseURL: f.wsURL()})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	defer m.Close()
	if err := m.Connect(context.Background(), "conv-1", testAuth()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	turn := UserTurn("turn-1", "msg-1", "what is 2+2?", wire.MessageMetadata{
		ConversationID: "conv-1",
		UserID:         "u1",
	})
	if err := m.Send(context.Background(), turn); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	var payload []byte
	select {
	case payload = <-received:
	case <-time.After(5 * time.Second):
		t.Fatal("server received nothing")
	}

	var env struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Init struct {
			Method string `json:"method"`
			Body   string `json:"body"`
		} `json:"init"`
	}
	if err := json.Unmarshal(payload, &env); err != nil {
		t.Fatalf("unmarshal request: %v", err)
	}
	if env.Type != wire.EnvelopeChatRequest || env.ID != "turn-1" || env.Init.Method != "POST" {
		t.Errorf("envelope = %+v", env)
	}
	if !strings.Contains(env.Init.Body, "what is 2+2?") {
		t.Errorf("request body %q missing user text", env.Init.Body)
	}

	// Cancel after send targets the in-flight turn.
	if err := m.Cancel(context.Background()); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	select {
	case payload = <-received:
	case <-time.After(5 * time.Second):
		t.Fatal("cancel frame not received")
	}
	var cancel struct {
		Type string `json:"type"`
		ID   string `json:"id"`
	}
	if err := json.Unmarshal(payload, &cancel); err != nil {
		t.Fatalf("unmarshal cancel: %v", err)
	}
	if cancel.Type != wire.EnvelopeRequestCancel || cancel.ID != "turn-1" {
		t.Errorf("cancel envelope = %+v", cancel)
	}
}

func TestManager_ConnectIsIdempotentWhileLive(t *testing.T) {
	f := newFixture(t, func(ws *websocket.Conn, _ *http.Request) {
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	})

	m, err := NewManager(Config{BaseURL: f.wsURL()})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	defer m.Close()

	for range 3 {
		if err := m.Connect(context.Background(), "conv-1", testAuth()); err != nil {
			t.Fatalf("Connect() error = %v", err)
		}
	}
	if got := f.dials.Load(); got != 1 {
		t.Errorf("server saw %d dials, want 1", got)
	}
}

func TestManager_ConcurrentConnectsShareOneDial(t *testing.T) {
	f := newFixture(t, func(ws *websocket.Conn, _ *http.Request) {
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	})

	m, err := NewManager(Config{BaseURL: f.wsURL()})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	defer m.Close()

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.Connect(context.Background(), "conv-1", testAuth()); err != nil {
				t.Errorf("Connect() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if got := f.dials.Load(); got != 1 {
		t.Errorf("server saw %d dials, want concurrent callers to share 1", got)
	}
}

func TestManager_ConcurrentConnectsToDifferentConversations(t *testing.T) {
	var openMu sync.Mutex
	open := map[string]int{}

	f := newFixture(t, func(ws *websocket.Conn, r *http.Request) {
		parts := strings.Split(r.URL.Path, "/")
		conv := parts[len(parts)-1]
		openMu.Lock()
		open[conv]++
		openMu.Unlock()
		defer func() {
			openMu.Lock()
			open[conv]--
			openMu.Unlock()
		}()
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	})

	m, err := NewManager(Config{BaseURL: f.wsURL()})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	defer m.Close()

	// Interleave attaches for two conversations. Attaches serialize, so
	// however they land, exactly one connection must survive and it must
	// be the one the manager believes it holds.
	var wg sync.WaitGroup
	for i := range 8 {
		conv := "conv-a"
		if i%2 == 1 {
			conv = "conv-b"
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.Connect(context.Background(), conv, testAuth()); err != nil {
				t.Errorf("Connect(%s) error = %v", conv, err)
			}
		}()
	}
	wg.Wait()

	// Stale server sockets close asynchronously as read pumps wind down.
	deadline := time.Now().Add(5 * time.Second)
	for {
		openMu.Lock()
		total := 0
		live := ""
		for conv, n := range open {
			total += n
			if n > 0 {
				live = conv
			}
		}
		openMu.Unlock()

		if total == 1 {
			m.mu.Lock()
			convID, connected := m.convID, m.conn != nil
			m.mu.Unlock()
			if !connected {
				t.Fatal("manager lost its connection after concurrent attaches")
			}
			if convID != live {
				t.Fatalf("manager attached to %q but server holds %q", convID, live)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("server still holds %d connections, want 1", total)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestManager_PassiveReconnectAfterDrop(t *testing.T) {
	drop := make(chan struct{}, 1)
	f := newFixture(t, func(ws *websocket.Conn, _ *http.Request) {
		select {
		case <-drop:
			// First connection: hard close without a close frame.
			return
		default:
			for {
				if _, _, err := ws.ReadMessage(); err != nil {
					return
				}
			}
		}
	})
	drop <- struct{}{}

	m, err := NewManager(Config{BaseURL: f.wsURL()})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	defer m.Close()

	if err := m.Connect(context.Background(), "conv-1", testAuth()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	// The server dropped us; wait for the read pump to notice and reset.
	deadline := time.Now().Add(5 * time.Second)
	for m.Connected() {
		if time.Now().After(deadline) {
			t.Fatal("manager never noticed the dropped connection")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := m.Send(context.Background(), UserTurn("t1", "m1", "hi", wire.MessageMetadata{})); err != ErrNotConnected {
		t.Fatalf("Send() after drop = %v, want ErrNotConnected", err)
	}

	// No background retry happened; an explicit Connect dials fresh.
	if err := m.Connect(context.Background(), "conv-1", testAuth()); err != nil {
		t.Fatalf("reconnect error = %v", err)
	}
	if got := f.dials.Load(); got != 2 {
		t.Errorf("server saw %d dials, want 2", got)
	}
}

func TestManager_HistorySyncOnAttach(t *testing.T) {
	history, err := wire.EncodeHistory([]wire.ChatMessage{
		{ID: "m1", Role: "user", Parts: []wire.MessagePart{{Type: "text", Text: "hi"}}},
		{ID: "m2", Role: "assistant", Parts: []wire.MessagePart{{Type: "text", Text: "hello"}}},
	})
	if err != nil {
		t.Fatalf("EncodeHistory() error = %v", err)
	}

	f := newFixture(t, func(ws *websocket.Conn, _ *http.Request) {
		if err := ws.WriteMessage(websocket.TextMessage, history); err != nil {
			return
		}
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	})

	got := make(chan []wire.ChatMessage, 1)
	m, err := NewManager(Config{
		BaseURL:   f.wsURL(),
		OnHistory: func(msgs []wire.ChatMessage) { got <- msgs },
	})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	defer m.Close()
	if err := m.Connect(context.Background(), "conv-1", testAuth()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	select {
	case msgs := <-got:
		if len(msgs) != 2 || msgs[0].ID != "m1" || msgs[1].ID != "m2" {
			t.Errorf("history = %+v", msgs)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("history sync not delivered")
	}
}

func TestManager_ClosedStaysClosed(t *testing.T) {
	f := newFixture(t, func(ws *websocket.Conn, _ *http.Request) {
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	})

	m, err := NewManager(Config{BaseURL: f.wsURL()})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	if err := m.Connect(context.Background(), "conv-1", testAuth()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if err := m.Connect(context.Background(), "conv-1", testAuth()); err != ErrClosed {
		t.Errorf("Connect() after close = %v, want ErrClosed", err)
	}
	if err := m.Send(context.Background(), UserTurn("t1", "m1", "hi", wire.MessageMetadata{})); err != ErrClosed {
		t.Errorf("Send() after close = %v, want ErrClosed", err)
	}
}
