package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loom-chat/loom/internal/agent"
	"github.com/loom-chat/loom/internal/stream"
	"github.com/loom-chat/loom/internal/transcript"
	"github.com/loom-chat/loom/internal/wire"
)

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

type wsHandler struct {
	hub          *Hub
	logger       *slog.Logger
	defaultModel string
}

// wsClient serializes writes to one socket. Turn events arrive on the actor
// goroutine while the handler goroutine may write error envelopes, so every
// write goes through the mutex.
type wsClient struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (c *wsClient) write(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, payload)
}

// serve handles one conversation attachment end to end: handshake
// validation, upgrade, actor attach, history sync, then the turn loop.
func (h *wsHandler) serve(w http.ResponseWriter, r *http.Request) {
	hs := agent.Handshake{
		ConversationID: r.PathValue("conversationID"),
		AgentID:        r.URL.Query().Get("agentId"),
		UserID:         r.URL.Query().Get("userId"),
		OrganizationID: r.URL.Query().Get("organizationId"),
		Model:          r.URL.Query().Get("model"),
	}
	if hs.Model == "" {
		hs.Model = h.defaultModel
	}
	// Reject before the upgrade so a bad handshake never reaches an actor.
	if err := hs.Validate(); err != nil {
		h.logger.Warn("handshake rejected", "conversationID", hs.ConversationID, "error", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer ws.Close()
	client := &wsClient{ws: ws}

	session, release, err := h.hub.Acquire(hs)
	if err != nil {
		h.logger.Error("attaching to conversation", "conversationID", hs.ConversationID, "error", err)
		return
	}
	defer release()

	logger := h.logger.With("conversationID", hs.ConversationID)

	if err := h.syncHistory(r.Context(), client, session, hs); err != nil {
		logger.Warn("history sync failed", "error", err)
		return
	}

	for {
		_, payload, err := ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("client disconnected", "error", err)
			}
			return
		}

		cmd, err := wire.DecodeClientCommand(payload)
		if err != nil {
			logger.Warn("dropping unreadable client message", "error", err)
			continue
		}

		switch cmd.Type {
		case wire.EnvelopeRequestCancel:
			logger.Debug("turn cancellation requested", "turnID", cmd.TurnID)
			session.CancelTurn()

		case wire.EnvelopeChatRequest:
			h.startTurn(r.Context(), logger, client, session, cmd)
		}
	}
}

// startTurn submits the requested turn; its events are written back on the
// actor goroutine as they are produced.
func (h *wsHandler) startTurn(ctx context.Context, logger *slog.Logger, client *wsClient, session *agent.Session, cmd wire.ClientCommand) {
	messageID, text := wire.LatestUserText(cmd.Messages)
	if text == "" {
		h.writeTurnError(logger, client, cmd.TurnID, "turn request carries no user text")
		return
	}

	turn := agent.Turn{
		MessageID: messageID,
		Text:      text,
		Emit: func(ev stream.Event) error {
			payload, err := wire.EncodeEvent(cmd.TurnID, ev)
			if err != nil {
				return err
			}
			return client.write(payload)
		},
	}

	err := session.SubmitTurn(ctx, turn)
	switch {
	case err == nil:
	case errors.Is(err, agent.ErrTurnInFlight):
		h.writeTurnError(logger, client, cmd.TurnID, "a turn is already in flight")
	default:
		logger.Error("submitting turn", "turnID", cmd.TurnID, "error", err)
		h.writeTurnError(logger, client, cmd.TurnID, "turn could not be started")
	}
}

func (h *wsHandler) writeTurnError(logger *slog.Logger, client *wsClient, turnID, msg string) {
	payload, err := wire.EncodeEvent(turnID, stream.Event{Type: stream.EventError, ErrorText: msg})
	if err != nil {
		logger.Error("encoding turn error", "error", err)
		return
	}
	if err := client.write(payload); err != nil {
		logger.Debug("client gone before turn error delivery", "error", err)
	}
}

// syncHistory pushes the durable transcript to a freshly attached client.
func (h *wsHandler) syncHistory(ctx context.Context, client *wsClient, session *agent.Session, hs agent.Handshake) error {
	history, err := session.History(ctx)
	if err != nil {
		return err
	}
	payload, err := wire.EncodeHistory(toWireMessages(history, hs))
	if err != nil {
		return err
	}
	return client.write(payload)
}

// toWireMessages converts transcript messages to their control-envelope
// shape. Tool parts always carry input, never a bare args key.
func toWireMessages(msgs []transcript.Message, hs agent.Handshake) []wire.ChatMessage {
	out := make([]wire.ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		wm := wire.ChatMessage{
			ID:   m.ID,
			Role: string(m.Role),
			Metadata: wire.MessageMetadata{
				CreatedAt:      m.CreatedAt,
				UserID:         hs.UserID,
				OrganizationID: hs.OrganizationID,
				AgentID:        hs.AgentID,
				ConversationID: m.ConversationID,
				Model:          hs.Model,
			},
		}
		if m.Content != "" {
			wm.Parts = append(wm.Parts, wire.MessagePart{Type: "text", Text: m.Content})
		}
		for _, ti := range m.ToolInvocations {
			wm.Parts = append(wm.Parts, wire.MessagePart{
				Type: "tool-invocation",
				ToolInvocation: &wire.ToolInvocationPart{
					ToolCallID: ti.ID,
					ToolName:   ti.Name,
					State:      string(ti.State),
					Input:      ti.Input,
					Output:     ti.Output,
				},
			})
		}
		out = append(out, wm)
	}
	return out
}
