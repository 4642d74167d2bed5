package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{" WARN ", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"info", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestJSONFormatAndFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, slog.LevelInfo, "json").WithEndpoint("localhost:19530").WithCollection("diseases")
	l.Info("hello")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}
	if rec["endpoint"] != "localhost:19530" || rec["collection"] != "diseases" {
		t.Errorf("record = %v", rec)
	}
}

func TestLogAttempt(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, slog.LevelInfo, "text")
	ctx := context.Background()

	l.LogAttempt(ctx, "milvus:19530", 2, 5, time.Second, errors.New("connection refused"))
	out := buf.String()
	for _, want := range []string{"level=WARN", "attempt=2", "max_attempts=5", "connection refused"} {
		if !strings.Contains(out, want) {
			t.Errorf("failed attempt log missing %q: %s", want, out)
		}
	}

	buf.Reset()
	l.LogAttempt(ctx, "milvus:19530", 3, 5, time.Second, nil)
	if !strings.Contains(buf.String(), "level=INFO") || !strings.Contains(buf.String(), "msg=connected") {
		t.Errorf("success log = %s", buf.String())
	}
}

func TestLogBootstrapStepLevels(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, slog.LevelInfo, "text")
	ctx := context.Background()

	l.LogBootstrapStep(ctx, "diseases", "create_index", nil)
	if buf.Len() != 0 {
		t.Errorf("successful step logged at info: %s", buf.String())
	}

	l.LogBootstrapStep(ctx, "diseases", "load", errors.New("boom"))
	if !strings.Contains(buf.String(), "level=ERROR") || !strings.Contains(buf.String(), "step=load") {
		t.Errorf("failed step log = %s", buf.String())
	}
}

func TestOrNoop(t *testing.T) {
	l := OrNoop(nil)
	if l == nil {
		t.Fatal("OrNoop(nil) returned nil")
	}
	l.Error("discarded")

	var buf bytes.Buffer
	l = NewWithWriter(&buf, slog.LevelInfo, "text")
	if OrNoop(l) != l {
		t.Error("OrNoop replaced a non-nil logger")
	}
}
