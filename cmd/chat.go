package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/loom-chat/loom/internal/conn"
	"github.com/loom-chat/loom/internal/stream"
	"github.com/loom-chat/loom/internal/wire"
)

var chatFlags struct {
	server         string
	conversationID string
	agentID        string
	userID         string
	organizationID string
	model          string
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Interactive terminal client against a running relay",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runChat()
	},
}

func init() {
	chatCmd.Flags().StringVar(&chatFlags.server, "server", "ws://localhost:8080", "relay base URL")
	chatCmd.Flags().StringVar(&chatFlags.conversationID, "conversation", "", "conversation id (default: new)")
	chatCmd.Flags().StringVar(&chatFlags.agentID, "agent", "default", "agent id")
	chatCmd.Flags().StringVar(&chatFlags.userID, "user", "local", "user id")
	chatCmd.Flags().StringVar(&chatFlags.organizationID, "org", "local", "organization id")
	chatCmd.Flags().StringVar(&chatFlags.model, "model", "", "model override")
	rootCmd.AddCommand(chatCmd)
}

func runChat() error {
	conversationID := chatFlags.conversationID
	if conversationID == "" {
		conversationID = uuid.NewString()
	}

	logger := newLogger()

	// Signaled once per turn, on finish or error.
	turnDone := make(chan struct{}, 1)
	manager, err := conn.NewManager(conn.Config{
		BaseURL: chatFlags.server,
		Handler: func(ev stream.Event) {
			printEvent(ev)
			if ev.Type.Terminal() {
				select {
				case turnDone <- struct{}{}:
				default:
				}
			}
		},
		OnHistory: printHistory,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := manager.Close(); err != nil {
			logger.Warn("closing connection", "error", err)
		}
	}()

	ctx := context.Background()
	auth := conn.Auth{
		AgentID:        chatFlags.agentID,
		UserID:         chatFlags.userID,
		OrganizationID: chatFlags.organizationID,
		Model:          chatFlags.model,
	}
	if err := manager.Connect(ctx, conversationID, auth); err != nil {
		return fmt.Errorf("connecting to %s: %w", chatFlags.server, err)
	}

	fmt.Printf("Connected to %s\n", chatFlags.server)
	fmt.Printf("Conversation: %s\n", conversationID)
	fmt.Println("Type a message, /quit to exit.")
	fmt.Println()

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			fmt.Println()
			return scanner.Err()
		}
		text := strings.TrimSpace(scanner.Text())
		switch text {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		}

		turn := conn.UserTurn(uuid.NewString(), uuid.NewString(), text, wire.MessageMetadata{
			CreatedAt:      time.Now().UTC(),
			UserID:         auth.UserID,
			OrganizationID: auth.OrganizationID,
			AgentID:        auth.AgentID,
			ConversationID: conversationID,
			Model:          auth.Model,
		})

		sendCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := manager.Send(sendCtx, turn)
		cancel()
		if err != nil {
			fmt.Fprintf(os.Stderr, "send failed: %v\n", err)
			// The read pump detaches on connection loss; the next
			// Connect dials fresh.
			if reconnErr := manager.Connect(ctx, conversationID, auth); reconnErr != nil {
				return fmt.Errorf("reconnecting: %w", reconnErr)
			}
			continue
		}

		<-turnDone
		fmt.Println()
	}
}

// printEvent renders one canonical event for the terminal.
func printEvent(ev stream.Event) {
	switch ev.Type {
	case stream.EventTextDelta:
		fmt.Print(ev.Delta)
	case stream.EventToolInputAvailable:
		fmt.Printf("\n[tool %s %s]\n", ev.ToolName, compactJSON(ev.Input))
	case stream.EventArtifactStart:
		fmt.Printf("\n[artifact %s: %s]\n", ev.ArtifactKind, ev.ArtifactTitle)
	case stream.EventArtifactDelta:
		fmt.Print(ev.Delta)
	case stream.EventArtifactComplete:
		fmt.Println("\n[artifact complete]")
	case stream.EventArtifactError:
		fmt.Printf("\n[artifact error: %s]\n", ev.ErrorText)
	case stream.EventFinish:
		fmt.Println()
	case stream.EventError:
		fmt.Printf("\n[error: %s]\n", ev.ErrorText)
	}
}

// printHistory renders the transcript received on attach.
func printHistory(messages []wire.ChatMessage) {
	if len(messages) == 0 {
		return
	}
	fmt.Printf("--- %d earlier messages ---\n", len(messages))
	for _, msg := range messages {
		for _, part := range msg.Parts {
			if part.Type == "text" && part.Text != "" {
				fmt.Printf("%s: %s\n", msg.Role, part.Text)
			}
		}
	}
	fmt.Println("---")
}

func compactJSON(raw []byte) string {
	if len(raw) == 0 {
		return "{}"
	}
	return string(raw)
}
