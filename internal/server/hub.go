package server

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/loom-chat/loom/internal/agent"
)

// SessionFactory builds the per-conversation actor for a validated
// handshake.
type SessionFactory func(hs agent.Handshake) (*agent.Session, error)

// Hub is the per-conversation actor registry: exactly one running Session
// per conversation, shared by every client attached to it. Attachments are
// refcounted; when the last client detaches, the actor is stopped and the
// next attach hydrates fresh from the store.
type Hub struct {
	factory SessionFactory
	logger  *slog.Logger

	mu      sync.Mutex
	entries map[string]*hubEntry
}

type hubEntry struct {
	session *agent.Session
	cancel  context.CancelFunc
	refs    int
}

func NewHub(factory SessionFactory, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Hub{
		factory: factory,
		logger:  logger.With("component", "hub"),
		entries: make(map[string]*hubEntry),
	}
}

// Acquire attaches to the conversation's session, starting its actor if
// needed. The returned release function must be called exactly once on
// detach.
func (h *Hub) Acquire(hs agent.Handshake) (*agent.Session, func(), error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	entry, ok := h.entries[hs.ConversationID]
	if !ok {
		session, err := h.factory(hs)
		if err != nil {
			return nil, nil, fmt.Errorf("creating session: %w", err)
		}
		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			if err := session.Run(ctx); err != nil && ctx.Err() == nil {
				h.logger.Error("session actor exited", "conversationID", hs.ConversationID, "error", err)
			}
		}()
		entry = &hubEntry{session: session, cancel: cancel}
		h.entries[hs.ConversationID] = entry
		h.logger.Debug("session started", "conversationID", hs.ConversationID)
	}

	entry.refs++
	released := false
	release := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if released {
			return
		}
		released = true
		entry.refs--
		if entry.refs > 0 {
			return
		}
		delete(h.entries, hs.ConversationID)
		entry.cancel()
		h.logger.Debug("session stopped", "conversationID", hs.ConversationID)
	}
	return entry.session, release, nil
}

// Shutdown stops every running actor and waits for them to exit.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	entries := make([]*hubEntry, 0, len(h.entries))
	for id, entry := range h.entries {
		entries = append(entries, entry)
		delete(h.entries, id)
	}
	h.mu.Unlock()

	for _, entry := range entries {
		entry.cancel()
	}
	for _, entry := range entries {
		select {
		case <-entry.session.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
