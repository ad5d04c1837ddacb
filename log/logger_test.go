package log

import (
	"bytes"
	"strings"
	"testing"
)

func TestTerminalHandlerFormat(t *testing.T) {
	out := new(bytes.Buffer)
	logger := NewLogger(NewTerminalHandlerWithLevel(out, LevelTrace, false))

	logger.Info("a message", "foo", "bar")
	have := out.String()
	// trim the locale-dependent timestamp:
	// "INFO [01-01|00:00:00.000] a message ..." -> " a message ..."
	parts := strings.SplitN(have, "]", 2)
	if len(parts) != 2 {
		t.Fatalf("unexpected output: %q", have)
	}
	if !strings.HasPrefix(have, "INFO [") {
		t.Errorf("missing level tag: %q", have)
	}
	if !strings.Contains(parts[1], "a message") || !strings.Contains(parts[1], "foo=bar") {
		t.Errorf("missing message or attribute: %q", parts[1])
	}
}

func TestLevelFloor(t *testing.T) {
	out := new(bytes.Buffer)
	logger := NewLogger(NewTerminalHandlerWithLevel(out, LevelWarn, false))

	logger.Debug("this should not be seen", "ignored", "true")
	if out.Len() != 0 {
		t.Errorf("expected no output below the floor, got %q", out.String())
	}

	logger.Warn("visible")
	if out.Len() == 0 {
		t.Error("expected output at the floor level")
	}
}

func TestContextualLogger(t *testing.T) {
	out := new(bytes.Buffer)
	logger := NewLogger(NewTerminalHandlerWithLevel(out, LevelTrace, false)).With("conn", 7)

	logger.Trace("tick")
	if !strings.Contains(out.String(), "conn=7") {
		t.Errorf("missing bound context: %q", out.String())
	}
}

func TestQuotedValues(t *testing.T) {
	out := new(bytes.Buffer)
	logger := NewLogger(NewTerminalHandlerWithLevel(out, LevelTrace, false))

	logger.Info("msg", "k", "two words", "empty", "")
	have := out.String()
	if !strings.Contains(have, `k="two words"`) {
		t.Errorf("values with spaces must be quoted: %q", have)
	}
	if !strings.Contains(have, `empty=""`) {
		t.Errorf("empty values must be quoted: %q", have)
	}
}
