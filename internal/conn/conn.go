// Package conn is the client-side connection manager: it owns at most one
// live WebSocket connection per conversation, decodes the inbound frame
// stream into canonical events, and delivers them to the subscribed handler.
//
// Reconnection is passive. An involuntary close resets the manager so the
// next Connect dials fresh; there is no background retry loop.
package conn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/singleflight"

	"github.com/loom-chat/loom/internal/stream"
	"github.com/loom-chat/loom/internal/wire"
)

var (
	// ErrNotConnected is returned by Send and Cancel when no live
	// connection exists. Callers decide whether to Connect and retry.
	ErrNotConnected = errors.New("conn: not connected")

	// ErrClosed is returned after Close; a closed manager stays closed.
	ErrClosed = errors.New("conn: manager closed")
)

// defaultHandshakeTimeout bounds the websocket dial.
const defaultHandshakeTimeout = 10 * time.Second

// Auth carries the handshake context sent as query parameters on connect.
type Auth struct {
	AgentID        string
	UserID         string
	OrganizationID string
	Model          string
}

// TurnRequest is one outbound user turn.
type TurnRequest struct {
	TurnID   string
	Messages []wire.ChatMessage
}

// UserTurn builds a single-message turn request from plain text.
func UserTurn(turnID, messageID, text string, meta wire.MessageMetadata) TurnRequest {
	return TurnRequest{
		TurnID: turnID,
		Messages: []wire.ChatMessage{{
			ID:       messageID,
			Role:     "user",
			Parts:    []wire.MessagePart{{Type: "text", Text: text}},
			Metadata: meta,
		}},
	}
}

// Config assembles a Manager.
type Config struct {
	// BaseURL is the server root, e.g. "ws://localhost:8080".
	BaseURL string

	// Handler receives canonical events in stream order, on the read pump
	// goroutine. A nil handler discards events.
	Handler func(stream.Event)

	// OnHistory receives the transcript from the history sync envelope the
	// server sends on attach.
	OnHistory func([]wire.ChatMessage)

	Logger *slog.Logger
	Dialer *websocket.Dialer
}

// Manager owns the client connection lifecycle for one conversation at a
// time. Concurrent Connect calls for the same conversation share a single
// dial attempt.
type Manager struct {
	baseURL   string
	handler   func(stream.Event)
	onHistory func([]wire.ChatMessage)
	logger    *slog.Logger
	dialer    *websocket.Dialer
	group     singleflight.Group

	// connectMu serializes whole attach attempts end to end, so Connect
	// calls for different conversations cannot interleave over the single
	// connection slot. singleflight only dedups same-conversation dials.
	connectMu sync.Mutex

	mu         sync.Mutex
	conn       *websocket.Conn
	convID     string
	lastTurnID string
	closed     bool
	pumpDone   chan struct{}
}

// NewManager creates a disconnected manager. Call Connect before Send.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("conn: base URL is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: defaultHandshakeTimeout}
	}
	handler := cfg.Handler
	if handler == nil {
		handler = func(stream.Event) {}
	}
	return &Manager{
		baseURL:   cfg.BaseURL,
		handler:   handler,
		onHistory: cfg.OnHistory,
		logger:    logger.With("component", "conn"),
		dialer:    dialer,
	}, nil
}

// Connect establishes the connection for the conversation. It is idempotent
// while the connection is live; concurrent callers for the same conversation
// share one dial attempt. Connecting to a different conversation closes the
// current connection first; concurrent calls for different conversations
// serialize, last one wins.
func (m *Manager) Connect(ctx context.Context, conversationID string, auth Auth) error {
	if conversationID == "" {
		return errors.New("conn: conversation id is required")
	}

	_, err, _ := m.group.Do(conversationID, func() (any, error) {
		m.connectMu.Lock()
		defer m.connectMu.Unlock()

		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrClosed
		}
		if m.conn != nil && m.convID == conversationID {
			m.mu.Unlock()
			return nil, nil
		}
		stale := m.conn
		staleDone := m.pumpDone
		m.conn = nil
		m.mu.Unlock()

		if stale != nil {
			_ = stale.Close()
			<-staleDone
		}

		endpoint, err := m.endpoint(conversationID, auth)
		if err != nil {
			return nil, err
		}

		ws, _, err := m.dialer.DialContext(ctx, endpoint, nil)
		if err != nil {
			return nil, fmt.Errorf("conn: dial %s: %w", endpoint, err)
		}

		done := make(chan struct{})
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			_ = ws.Close()
			return nil, ErrClosed
		}
		m.conn = ws
		m.convID = conversationID
		m.pumpDone = done
		m.mu.Unlock()

		go m.readPump(ws, done)
		m.logger.Debug("connected", "conversationID", conversationID)
		return nil, nil
	})
	return err
}

func (m *Manager) endpoint(conversationID string, auth Auth) (string, error) {
	u, err := url.Parse(m.baseURL)
	if err != nil {
		return "", fmt.Errorf("conn: base URL: %w", err)
	}
	u.Path, err = url.JoinPath(u.Path, "agents", "chat", conversationID)
	if err != nil {
		return "", fmt.Errorf("conn: endpoint path: %w", err)
	}
	q := u.Query()
	q.Set("agentId", auth.AgentID)
	q.Set("userId", auth.UserID)
	q.Set("organizationId", auth.OrganizationID)
	if auth.Model != "" {
		q.Set("model", auth.Model)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// readPump decodes inbound payloads and delivers canonical events. One
// correlator per turn; a terminal event discards it and the next turn gets
// a fresh one. Exits on any read error and resets the manager so the next
// Connect dials fresh.
func (m *Manager) readPump(ws *websocket.Conn, done chan struct{}) {
	defer close(done)
	defer m.detach(ws)

	decoder := wire.NewDecoder(m.logger)
	decoder.OnHistory = m.onHistory
	corr := stream.NewCorrelator()

	for {
		_, payload, err := ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				m.logger.Warn("connection lost", "error", err)
			}
			return
		}
		for _, ev := range decoder.Feed(payload) {
			for _, derived := range corr.Apply(ev) {
				m.handler(derived)
				if derived.Type.Terminal() {
					corr = stream.NewCorrelator()
				}
			}
		}
	}
}

// detach resets connection state if ws is still the live connection.
func (m *Manager) detach(ws *websocket.Conn) {
	_ = ws.Close()
	m.mu.Lock()
	if m.conn == ws {
		m.conn = nil
	}
	m.mu.Unlock()
}

// Send submits a user turn. It fails fast with ErrNotConnected rather than
// dialing implicitly; connection policy belongs to the caller.
func (m *Manager) Send(ctx context.Context, turn TurnRequest) error {
	payload, err := wire.EncodeChatRequest(turn.TurnID, turn.Messages)
	if err != nil {
		return fmt.Errorf("conn: encode turn: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.conn == nil {
		return ErrNotConnected
	}

	deadline := time.Now().Add(10 * time.Second)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	_ = m.conn.SetWriteDeadline(deadline)
	if err := m.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("conn: send turn: %w", err)
	}
	m.lastTurnID = turn.TurnID
	return nil
}

// Cancel requests cancellation of the in-flight turn. Local consumption
// stops with the caller's context; the cancel frame itself is best-effort
// and only attempted while the connection is still open.
func (m *Manager) Cancel(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.conn == nil || m.lastTurnID == "" {
		return ErrNotConnected
	}

	payload, err := wire.EncodeCancel(m.lastTurnID)
	if err != nil {
		return fmt.Errorf("conn: encode cancel: %w", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	_ = m.conn.SetWriteDeadline(deadline)
	if err := m.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		m.logger.Debug("cancel frame not delivered", "error", err)
	}
	return nil
}

// Connected reports whether a live connection exists.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn != nil
}

// Close tears the connection down and prevents further use.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	ws := m.conn
	done := m.pumpDone
	m.conn = nil
	m.mu.Unlock()

	if ws == nil {
		return nil
	}
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	err := ws.Close()
	if done != nil {
		<-done
	}
	return err
}
