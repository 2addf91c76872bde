package transcript

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/loom-chat/loom/internal/log"
)

// Querier is the database surface the store consumes. *pgxpool.Pool satisfies
// it; tests may substitute their own implementation.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PostgresStore persists transcripts in PostgreSQL. All writes are idempotent
// upserts; concurrency control across turns of one conversation is the
// calling actor's responsibility, so no row locking is taken here.
type PostgresStore struct {
	db     Querier
	logger log.Logger
}

// NewPostgresStore creates a store over the given querier.
func NewPostgresStore(db Querier, logger log.Logger) *PostgresStore {
	return &PostgresStore{
		db:     db,
		logger: log.ForComponent(logger, "transcript"),
	}
}

// LoadMessages returns the conversation's messages in creation order, scoped
// to the owning tenant. An unknown conversation (or one owned by another
// tenant) loads as empty.
func (s *PostgresStore) LoadMessages(ctx context.Context, conversationID, organizationID string) ([]Message, error) {
	rows, err := s.db.Query(ctx, `
		SELECT m.id, m.conversation_id, m.role, m.content,
		       m.tool_invocations, m.artifact_ids, m.created_at
		FROM messages m
		JOIN conversations c ON c.id = m.conversation_id
		WHERE m.conversation_id = $1 AND c.organization_id = $2
		ORDER BY m.created_at, m.seq`,
		conversationID, organizationID)
	if err != nil {
		return nil, fmt.Errorf("query messages for %s: %w", conversationID, err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var (
			msg       Message
			toolsJSON []byte
			artifacts []string
		)
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.Role, &msg.Content,
			&toolsJSON, &artifacts, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		if len(toolsJSON) > 0 {
			if err := json.Unmarshal(toolsJSON, &msg.ToolInvocations); err != nil {
				// One corrupt row must not make the whole transcript
				// unloadable; the message survives without its tool calls.
				s.logger.Warn("unmarshal tool invocations, dropping them",
					"message_id", msg.ID, "error", err)
			}
		}
		msg.ArtifactIDs = artifacts
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}

	s.logger.Debug("loaded messages",
		"conversation_id", conversationID, "count", len(messages))
	return messages, nil
}

// UpsertConversation inserts or updates the conversation row keyed by id.
func (s *PostgresStore) UpsertConversation(ctx context.Context, conv Conversation) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO conversations (id, user_id, organization_id, agent_id, model, title, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			model      = EXCLUDED.model,
			title      = EXCLUDED.title,
			updated_at = EXCLUDED.updated_at`,
		conv.ID, conv.UserID, conv.OrganizationID, conv.AgentID,
		conv.Model, conv.Title, conv.CreatedAt, conv.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert conversation %s: %w", conv.ID, err)
	}
	return nil
}

// UpsertMessage inserts or updates a message keyed by message id.
// Last-write-wins on content and tool fields; created_at and the ordering
// sequence keep their first-write values so re-persisting a completed turn
// never reorders the transcript.
func (s *PostgresStore) UpsertMessage(ctx context.Context, msg Message) error {
	toolsJSON, err := json.Marshal(msg.ToolInvocations)
	if err != nil {
		return fmt.Errorf("marshal tool invocations for %s: %w", msg.ID, err)
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO messages (id, conversation_id, role, content, tool_invocations, artifact_ids, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			content          = EXCLUDED.content,
			tool_invocations = EXCLUDED.tool_invocations,
			artifact_ids     = EXCLUDED.artifact_ids`,
		msg.ID, msg.ConversationID, msg.Role, msg.Content,
		toolsJSON, msg.ArtifactIDs, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert message %s: %w", msg.ID, err)
	}
	return nil
}
