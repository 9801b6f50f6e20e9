package logging

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
)

func TestNewLoggerLevel(t *testing.T) {
	if got := NewLogger(Config{Level: "debug"}).GetLevel(); got != zerolog.DebugLevel {
		t.Fatalf("level = %s", got)
	}
	if got := NewLogger(Config{Level: "nonsense"}).GetLevel(); got != zerolog.InfoLevel {
		t.Fatalf("unknown level should fall back to info, got %s", got)
	}
	if got := NewLogger(Config{}).GetLevel(); got != zerolog.InfoLevel {
		t.Fatalf("empty level should fall back to info, got %s", got)
	}
}

func TestLogWriterConsole(t *testing.T) {
	var buf bytes.Buffer
	if _, ok := logWriter(Config{Format: "console"}, &buf).(zerolog.ConsoleWriter); !ok {
		t.Fatal("console format should use ConsoleWriter")
	}
	if w := logWriter(Config{Format: "json"}, &buf); w != &buf {
		t.Fatal("json format should write directly")
	}
}
