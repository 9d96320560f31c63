package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
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

func TestNew_ErrorLevel(t *testing.T) {
	logger := New("error", "text")
	if logger.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("Expected info level to be disabled at error level")
	}
}

func TestNewWithWriter_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "info", "json")
	logger.Info("circuit breaker opened", "category", "trade_failure_rate")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("expected JSON output, got %q: %v", buf.String(), err)
	}
	if rec["msg"] != "circuit breaker opened" {
		t.Errorf("msg = %v", rec["msg"])
	}
	if rec["category"] != "trade_failure_rate" {
		t.Errorf("category = %v", rec["category"])
	}
}

func TestComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := Component(NewWithWriter(&buf, "info", "text"), "killswitch")
	logger.Info("armed")
	if !strings.Contains(buf.String(), "component=killswitch") {
		t.Errorf("expected component attribute, got %q", buf.String())
	}
}

func TestL_AddsRequestAndTradeIDs(t *testing.T) {
	var buf bytes.Buffer
	ctx := WithLogger(context.Background(), NewWithWriter(&buf, "info", "text"))
	ctx = WithRequestID(ctx, "req-123")
	ctx = WithTradeID(ctx, "trade-9")

	L(ctx).Info("validated")

	out := buf.String()
	if !strings.Contains(out, "request_id=req-123") {
		t.Errorf("missing request_id in %q", out)
	}
	if !strings.Contains(out, "trade_id=trade-9") {
		t.Errorf("missing trade_id in %q", out)
	}
}

func TestFromContext_Default(t *testing.T) {
	if FromContext(context.Background()) != slog.Default() {
		t.Error("expected default logger")
	}
	if RequestID(context.Background()) != "" || TradeID(context.Background()) != "" {
		t.Error("expected empty ids")
	}
}
