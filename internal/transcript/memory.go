package transcript

import (
	"context"
	"sort"
	"sync"

	"github.com/loom-chat/loom/internal/log"
)

// MemoryStore is an in-memory Store implementation. It backs tests and the
// server's --ephemeral mode, where transcripts live only as long as the
// process. Safe for concurrent use across conversations.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]Conversation
	messages      map[string]map[string]Message // conversationID -> messageID -> message
	arrival       map[string]int                // messageID -> insertion sequence, for stable ordering
	nextSeq       int
	logger        log.Logger
}

// NewMemoryStore creates an empty in-memory transcript store.
func NewMemoryStore(logger log.Logger) *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]Conversation),
		messages:      make(map[string]map[string]Message),
		arrival:       make(map[string]int),
		logger:        log.ForComponent(logger, "transcript"),
	}
}

// LoadMessages returns the conversation's messages ordered by creation time
// (insertion order breaks ties). Conversations belonging to a different
// tenant load as empty, exactly as an unknown conversation does.
func (s *MemoryStore) LoadMessages(ctx context.Context, conversationID, organizationID string) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if conv, ok := s.conversations[conversationID]; ok && conv.OrganizationID != organizationID {
		return nil, nil
	}

	byID := s.messages[conversationID]
	out := make([]Message, 0, len(byID))
	for _, msg := range byID {
		out = append(out, msg)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return s.arrival[out[i].ID] < s.arrival[out[j].ID]
	})
	return out, nil
}

// UpsertConversation inserts or replaces the conversation row keyed by id.
// CreatedAt from the first write is preserved.
func (s *MemoryStore) UpsertConversation(ctx context.Context, conv Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.conversations[conv.ID]; ok {
		conv.CreatedAt = existing.CreatedAt
	}
	s.conversations[conv.ID] = conv
	s.logger.Debug("upserted conversation", "conversation_id", conv.ID)
	return nil
}

// UpsertMessage inserts or replaces a message keyed by message id;
// last-write-wins on content and tool fields. The insertion sequence of the
// first write is kept so re-persisting a turn does not reorder it.
func (s *MemoryStore) UpsertMessage(ctx context.Context, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byID, ok := s.messages[msg.ConversationID]
	if !ok {
		byID = make(map[string]Message)
		s.messages[msg.ConversationID] = byID
	}
	if _, seen := s.arrival[msg.ID]; !seen {
		s.arrival[msg.ID] = s.nextSeq
		s.nextSeq++
	}
	byID[msg.ID] = msg
	return nil
}

// Conversation returns the stored conversation row, if any.
func (s *MemoryStore) Conversation(conversationID string) (Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conversations[conversationID]
	return conv, ok
}
