package logging

import (
	"context"
	"log/slog"
	"testing"
)

func TestNewLevels(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error", "bogus"} {
		if logger := New(level, "text"); logger == nil {
			t.Fatalf("New(%q) returned nil", level)
		}
	}
}

func TestNewJSONFormat(t *testing.T) {
	logger := New("info", "json")
	if logger == nil {
		t.Fatal("New returned nil for json format")
	}
	if !logger.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("info level should be enabled")
	}
	if logger.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("debug level should not be enabled at info")
	}
}

func TestRequestIDRoundTrip(t *testing.T) {
	ctx := context.Background()
	if got := RequestID(ctx); got != "" {
		t.Errorf("RequestID on empty context = %q, want empty", got)
	}

	ctx = WithRequestID(ctx, "req_123")
	if got := RequestID(ctx); got != "req_123" {
		t.Errorf("RequestID = %q, want req_123", got)
	}

	if L(ctx) == nil {
		t.Fatal("L returned nil")
	}
}
