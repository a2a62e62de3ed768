package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"DEBUG", slog.LevelDebug},
		{"debug", slog.LevelDebug},
		{"WARN", slog.LevelWarn},
		{"ERROR", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}

	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNewLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := WithSlotID(NewLogger(&buf, "INFO", "json"), "7")

	logger.Debug("hidden")
	logger.Info("slot transitioned", "to", "BUSY")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected single JSON line, got %q: %v", buf.String(), err)
	}
	if entry["slot_id"] != "7" || entry["to"] != "BUSY" {
		t.Errorf("unexpected entry: %v", entry)
	}
}

func TestFromContext(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, "INFO", "text")

	ctx := WithLogger(context.Background(), logger)
	if FromContext(ctx) != logger {
		t.Error("expected logger from context")
	}
	if FromContext(context.Background()) != slog.Default() {
		t.Error("expected default logger")
	}
}

func TestSetBusState(t *testing.T) {
	SetBusState("CONNECTING")
	SetBusState("CONNECTED")

	if v := testutil.ToFloat64(BusState.WithLabelValues("CONNECTED")); v != 1 {
		t.Errorf("CONNECTED = %v, want 1", v)
	}
	if v := testutil.ToFloat64(BusState.WithLabelValues("CONNECTING")); v != 0 {
		t.Errorf("CONNECTING = %v, want 0", v)
	}
}
