package observability

import (
	"context"
	"testing"

	"github.com/loom-chat/loom/internal/config"
	"github.com/loom-chat/loom/internal/log"
)

func TestSetup_DisabledWithoutEndpoint(t *testing.T) {
	shutdown, err := Setup(context.Background(), config.TracingConfig{}, log.NewNop())
	if err != nil {
		t.Fatalf("Setup() failed: %v", err)
	}
	if shutdown == nil {
		t.Fatal("expected a shutdown func even when disabled")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("no-op shutdown returned error: %v", err)
	}
}

func TestSetup_WithEndpoint(t *testing.T) {
	cfg := config.TracingConfig{
		Endpoint:    "localhost:4318",
		Environment: "test",
		ServiceName: "loom-test",
		SampleRate:  1.0,
	}

	ctx := context.Background()
	shutdown, err := Setup(ctx, cfg, log.NewNop())
	if err != nil {
		t.Fatalf("Setup() failed: %v", err)
	}
	if shutdown == nil {
		t.Fatal("expected shutdown func")
	}

	// The exporter connects lazily, so shutdown succeeds even with no
	// collector listening.
	if err := shutdown(ctx); err != nil {
		t.Logf("shutdown flush error (no collector running): %v", err)
	}
}
