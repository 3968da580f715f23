package logger

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

func withLevel(t *testing.T, level zerolog.Level) {
	t.Helper()
	prev := zerolog.GlobalLevel()
	zerolog.SetGlobalLevel(level)
	t.Cleanup(func() { zerolog.SetGlobalLevel(prev) })
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var events []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var ev map[string]any
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			t.Fatalf("invalid JSON line %q: %v", line, err)
		}
		events = append(events, ev)
	}
	return events
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		level  string
		expect zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"DEBUG", zerolog.DebugLevel},
		{"Info", zerolog.InfoLevel},
		{"warn", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"verbose", zerolog.InfoLevel},
		{"", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.level); got != tt.expect {
			t.Errorf("ParseLevel(%q): expected %v, got %v", tt.level, tt.expect, got)
		}
	}
}

func TestSetupSetsGlobalLevel(t *testing.T) {
	prev := Log
	withLevel(t, zerolog.InfoLevel)
	t.Cleanup(func() { Log = prev })

	Setup("error", "json")
	if zerolog.GlobalLevel() != zerolog.ErrorLevel {
		t.Errorf("expected error level, got %v", zerolog.GlobalLevel())
	}
	if Log == nil || Log == prev {
		t.Error("expected Setup to replace the global logger")
	}
}

func TestJSONFields(t *testing.T) {
	withLevel(t, zerolog.DebugLevel)

	var buf bytes.Buffer
	l := New(&buf, "JSON").With("session", "abc")
	l.Info("prefill done", "position", 3, "err", errors.New("boom"), 7, "seven")

	events := decodeLines(t, &buf)
	if len(events) != 1 {
		t.Fatalf("expected one event, got %d", len(events))
	}
	ev := events[0]
	for key, want := range map[string]any{
		"session":  "abc",
		"position": float64(3),
		"err":      "boom",
		"7":        "seven",
		"message":  "prefill done",
		"level":    "info",
	} {
		if ev[key] != want {
			t.Errorf("%s: expected %v, got %v", key, want, ev[key])
		}
	}
	if _, ok := ev["time"]; !ok {
		t.Error("expected a timestamp")
	}
}

func TestOddArgsDropOrphanKey(t *testing.T) {
	withLevel(t, zerolog.InfoLevel)

	var buf bytes.Buffer
	New(&buf, "json").Warn("odd", "k", "v", "orphan")

	ev := decodeLines(t, &buf)[0]
	if ev["k"] != "v" {
		t.Errorf("expected k=v, got %v", ev["k"])
	}
	if _, ok := ev["orphan"]; ok {
		t.Error("orphan key should not be logged")
	}
}

func TestLevelFiltering(t *testing.T) {
	withLevel(t, zerolog.WarnLevel)

	var buf bytes.Buffer
	l := New(&buf, "json")
	l.Debug("hidden")
	l.Info("hidden")
	l.Warn("shown")
	l.Error("shown", "code", 2)

	events := decodeLines(t, &buf)
	if len(events) != 2 {
		t.Fatalf("expected 2 events above warn, got %d", len(events))
	}
	if events[0]["level"] != "warn" || events[1]["level"] != "error" {
		t.Errorf("unexpected levels %v, %v", events[0]["level"], events[1]["level"])
	}
}

func TestConsoleFormat(t *testing.T) {
	withLevel(t, zerolog.InfoLevel)

	var buf bytes.Buffer
	New(&buf, "text").With("session", "s1").Info("decode step", "token", 42)

	out := buf.String()
	for _, want := range []string{"decode step", "session=", "s1", "token=", "42"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in console output %q", want, out)
		}
	}
	if strings.HasPrefix(strings.TrimSpace(out), "{") {
		t.Errorf("console output should not be JSON: %q", out)
	}
}
