package logger

import (
	"context"
	"log/slog"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}

	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestContextValues(t *testing.T) {
	ctx := context.Background()

	if RequestIDFromContext(ctx) != "" || OperatorFromContext(ctx) != "" {
		t.Error("values present on an empty context")
	}

	ctx = ContextWithRequestID(ctx, "req-1")
	ctx = ContextWithOperator(ctx, "admin")

	if got := RequestIDFromContext(ctx); got != "req-1" {
		t.Errorf("request id = %q", got)
	}
	if got := OperatorFromContext(ctx); got != "admin" {
		t.Errorf("operator = %q", got)
	}
}
