package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/loom-chat/loom/db"
	"github.com/loom-chat/loom/internal/agent"
	"github.com/loom-chat/loom/internal/artifact"
	"github.com/loom-chat/loom/internal/config"
	"github.com/loom-chat/loom/internal/log"
	"github.com/loom-chat/loom/internal/observability"
	"github.com/loom-chat/loom/internal/server"
	"github.com/loom-chat/loom/internal/tools"
	"github.com/loom-chat/loom/internal/transcript"
)

// Server timeout configuration. Write timeouts do not apply to hijacked
// WebSocket connections, but cover the health endpoints.
const (
	readHeaderTimeout = 10 * time.Second
	readTimeout       = 30 * time.Second
	writeTimeout      = 30 * time.Second
	idleTimeout       = 2 * time.Minute
	shutdownTimeout   = 30 * time.Second
)

// defaultSystemPrompt frames the assistant when no per-agent prompt
// source is configured.
const defaultSystemPrompt = "You are a helpful assistant. " +
	"Use the createDocument tool when the user asks for a document, " +
	"code file, or other standalone artifact."

var serveEphemeral bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	serveCmd.Flags().BoolVar(&serveEphemeral, "ephemeral", false,
		"keep transcripts in memory instead of PostgreSQL")
	rootCmd.AddCommand(serveCmd)
}

func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if serveEphemeral {
		cfg.Ephemeral = true
	}

	logger := newLogger()
	logger.Info("starting relay server", "version", AppVersion, "config", cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := observability.Setup(ctx, cfg.Tracing, logger)
	if err != nil {
		return fmt.Errorf("setting up tracing: %w", err)
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("trace flush failed", "error", err)
		}
	}()

	var (
		store transcript.Store
		pool  *pgxpool.Pool
	)
	if cfg.Ephemeral {
		logger.Warn("running ephemeral: transcripts will not survive restart")
		store = transcript.NewMemoryStore(logger)
	} else {
		pool, err = connectPostgres(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer pool.Close()
		store = transcript.NewPostgresStore(pool, logger)
	}

	g := genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}))
	if g == nil {
		return errors.New("initializing genkit")
	}

	registry, err := tools.Register(g, logger)
	if err != nil {
		return fmt.Errorf("registering tools: %w", err)
	}

	generator := artifact.NewGenerator(
		&artifact.GenkitStreamer{G: g, ModelName: cfg.FullModelName()},
		logger,
	)

	factory := func(hs agent.Handshake) (*agent.Session, error) {
		return agent.NewSession(agent.Config{
			Handshake: hs,
			Store:     store,
			Provider: &agent.StaticContextProvider{
				SystemPrompt: defaultSystemPrompt,
				Model:        cfg.FullModelName(),
				Tools:        registry.Refs(),
			},
			Stepper:   &agent.GenkitStepper{G: g},
			Tools:     &agent.RegistryRunner{Registry: registry},
			Artifacts: generator,
			Logger:    logger,
			StepCap:   cfg.StepCap,
			RetryConfig: agent.RetryConfig{
				MaxRetries:      cfg.MaxRetries,
				InitialInterval: time.Duration(cfg.RetryInitial) * time.Millisecond,
				MaxInterval:     time.Duration(cfg.RetryMax) * time.Millisecond,
			},
		})
	}

	relay, err := server.NewServer(server.Config{
		Factory:      factory,
		Pool:         pool,
		DefaultModel: cfg.FullModelName(),
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	srv := &http.Server{
		Addr:              cfg.ServerAddr(),
		Handler:           relay.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
	}

	logger.Info("relay ready",
		"addr", cfg.ServerAddr(),
		"ws", "/agents/chat/{conversationID}",
		"health", "/health, /ready",
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down relay")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutting down http server: %w", err)
		}
		<-errCh
		if err := relay.Shutdown(shutdownCtx); err != nil {
			logger.Warn("session shutdown incomplete", "error", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	}
}

// connectPostgres migrates the schema and opens the connection pool.
func connectPostgres(ctx context.Context, cfg *config.Config, logger log.Logger) (*pgxpool.Pool, error) {
	if err := db.Migrate(cfg.PostgresURL(), logger); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.PostgresConnectionString())
	if err != nil {
		return nil, fmt.Errorf("parsing connection config: %w", err)
	}
	poolCfg.MaxConns = 10
	poolCfg.MinConns = 2
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return pool, nil
}
