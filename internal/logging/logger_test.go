package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
)

func TestCtxAddsCorrelationID(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "debug", Output: &buf})
	defer Init(Config{})

	ctx := ContextWithCorrelationID(context.Background(), "abc12345")
	ctx = ContextWithRequestID(ctx, "req-1")
	Ctx(ctx).Info().Str("owner", "admin@example.com").Msg("sync started")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	if line["correlation_id"] != "abc12345" {
		t.Fatalf("expected correlation id, got %v", line["correlation_id"])
	}
	if line["request_id"] != "req-1" {
		t.Fatalf("expected request id, got %v", line["request_id"])
	}
	if line["message"] != "sync started" {
		t.Fatalf("unexpected message %v", line["message"])
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "warn", Output: &buf})
	defer Init(Config{})

	Info().Msg("hidden")
	if buf.Len() != 0 {
		t.Fatalf("expected info to be filtered, got %q", buf.String())
	}
	Warn().Msg("shown")
	if buf.Len() == 0 {
		t.Fatalf("expected warn line")
	}
}

func TestGenerateCorrelationIDLength(t *testing.T) {
	if got := GenerateCorrelationID(); len(got) != 8 {
		t.Fatalf("expected 8 chars, got %q", got)
	}
}
