package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestNew_LevelFiltering(t *testing.T) {
	tests := []struct {
		name      string
		level     string
		wantDebug bool
		wantInfo  bool
	}{
		{"debug", "debug", true, true},
		{"info", "info", false, true},
		{"upper case", "WARN", false, false},
		{"unknown falls back to info", "verbose", false, true},
		{"empty falls back to info", "", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := New(Config{Level: tt.level, Output: &buf})

			logger.Debug().Msg("debug line")
			if got := strings.Contains(buf.String(), "debug line"); got != tt.wantDebug {
				t.Errorf("debug logged = %v, want %v", got, tt.wantDebug)
			}

			logger.Info().Msg("info line")
			if got := strings.Contains(buf.String(), "info line"); got != tt.wantInfo {
				t.Errorf("info logged = %v, want %v", got, tt.wantInfo)
			}
		})
	}
}

func TestLogger_Fields(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: "info", Service: "transformer", Output: &buf}).
		WithComponent("handler").
		WithInvocation("inv-1", "req-1").
		WithField("records", 3)

	logger.Info().Msg("batch done")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v (%s)", err, buf.String())
	}

	want := map[string]interface{}{
		"service":        "transformer",
		"component":      "handler",
		"invocation_id":  "inv-1",
		"aws_request_id": "req-1",
		"records":        float64(3),
		"message":        "batch done",
	}
	for k, v := range want {
		if entry[k] != v {
			t.Errorf("%s = %v, want %v", k, entry[k], v)
		}
	}
}

func TestLogger_WithInvocationSkipsEmpty(t *testing.T) {
	var buf bytes.Buffer
	New(Config{Output: &buf}).WithInvocation("", "").Info().Msg("x")

	if strings.Contains(buf.String(), "invocation_id") || strings.Contains(buf.String(), "aws_request_id") {
		t.Errorf("empty ids should be omitted: %s", buf.String())
	}
}

func TestConsoleFormat(t *testing.T) {
	var buf bytes.Buffer
	New(Config{Format: "console", Output: &buf}).Info().Msg("hello console")

	if !strings.Contains(buf.String(), "hello console") {
		t.Errorf("console output missing message: %q", buf.String())
	}
	if json.Valid(bytes.TrimSpace(buf.Bytes())) {
		t.Errorf("console output should not be JSON: %q", buf.String())
	}
}

func TestNopAndGlobal(t *testing.T) {
	Nop().Error().Msg("discarded")

	var buf bytes.Buffer
	logger := New(Config{Output: &buf})
	SetGlobal(logger)
	Global().Info().Msg("via global")

	if !strings.Contains(buf.String(), "via global") {
		t.Errorf("global logger did not write: %q", buf.String())
	}
}
