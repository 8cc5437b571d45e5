package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
)

func TestLoggerWithFields(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := FromZerolog(zerolog.New(&buf)).With(String("comp", "relay"))

	log.Warn("stream closed", Int("code", 1006), Err(errors.New("eof")))

	var got map[string]any
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("decode log line: %v (%q)", err, buf.String())
	}
	if got["comp"] != "relay" {
		t.Fatalf("comp = %v, want relay", got["comp"])
	}
	if got["code"] != float64(1006) {
		t.Fatalf("code = %v, want 1006", got["code"])
	}
	if got["message"] != "stream closed" {
		t.Fatalf("message = %v", got["message"])
	}
	if got["level"] != "warn" {
		t.Fatalf("level = %v", got["level"])
	}
}

func TestLoggerLevelFilter(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := FromZerolog(zerolog.New(&buf).Level(zerolog.WarnLevel))

	log.Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("info line written at warn level: %q", buf.String())
	}
	if log.Enabled(LevelDebug) {
		t.Fatal("debug reported enabled at warn level")
	}
	if !log.Enabled(LevelError) {
		t.Fatal("error reported disabled at warn level")
	}
}

func TestZeroLoggerIsNoop(t *testing.T) {
	t.Parallel()
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero value should report IsZero")
	}
	l.Info("ignored")
	if Nop().IsZero() {
		t.Fatal("Nop should not report IsZero")
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{" WARNING ", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"bogus", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.in, zerolog.InfoLevel); got != tt.want {
			t.Fatalf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
