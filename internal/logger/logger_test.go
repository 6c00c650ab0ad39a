package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestSetup(t *testing.T) {
	tests := []struct {
		name   string
		level  string
		format string
	}{
		{"debug level", "debug", "console"},
		{"info level", "info", "console"},
		{"warn level", "warn", "console"},
		{"error level", "error", "console"},
		{"json format", "info", "json"},
		{"uppercase level", "DEBUG", "console"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			Setup(tt.level, tt.format)
			if Log == nil {
				t.Error("expected Log to be initialized")
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		level  string
		expect zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"info", zerolog.InfoLevel},
		{"warn", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"Debug", zerolog.DebugLevel},
		{"unknown", zerolog.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			if got := ParseLevel(tt.level); got != tt.expect {
				t.Errorf("level %s: expected %v, got %v", tt.level, tt.expect, got)
			}
		})
	}
}

func TestSetupSetsGlobalLevel(t *testing.T) {
	Setup("error", "console")
	defer Setup("info", "console")

	if got := zerolog.GlobalLevel(); got != zerolog.ErrorLevel {
		t.Errorf("expected global level error, got %v", got)
	}
}

func TestJSONFields(t *testing.T) {
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)

	var buf bytes.Buffer
	SetOutput(&buf, "json")
	defer Setup("info", "console")

	Log.With("component", "pipeline").Info("step done", "step", 3, "err", errors.New("boom"), "orphan")

	var event map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &event); err != nil {
		t.Fatalf("output is not json: %v (%q)", err, buf.String())
	}
	if event["component"] != "pipeline" {
		t.Errorf("expected component field, got %v", event["component"])
	}
	if event["step"] != float64(3) {
		t.Errorf("expected step 3, got %v", event["step"])
	}
	if event["err"] != "boom" {
		t.Errorf("expected err boom, got %v", event["err"])
	}
	if _, ok := event["orphan"]; ok {
		t.Error("orphan key without value must be dropped")
	}
}

func TestNonStringKey(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf, "json")
	defer Setup("info", "console")

	Log.Warn("odd key", 123, "value")
	if !strings.Contains(buf.String(), `"123":"value"`) {
		t.Errorf("expected stringified key, got %s", buf.String())
	}
}
