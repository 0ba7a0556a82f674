package logging

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"INFO", zapcore.InfoLevel},
		{"warn", zapcore.WarnLevel},
		{"warning", zapcore.WarnLevel},
		{" error ", zapcore.ErrorLevel},
		{"verbose", zapcore.InfoLevel},
	}

	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestInitializeSilentByDefault(t *testing.T) {
	t.Setenv(LogLevelEnvVar, "")

	if err := Initialize(""); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if GetLogger().Core().Enabled(zapcore.ErrorLevel) {
		t.Error("expected nop logger when no level is configured")
	}
}

func TestLogStateTransitionFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	SetLogger(zap.New(core))
	defer SetLogger(nil)

	LogStateTransition("Init", "NetworkSetup", "boot")

	entries := logs.FilterMessage("Lifecycle transition").All()
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["from"] != "Init" || fields["to"] != "NetworkSetup" {
		t.Errorf("fields = %v, want from=Init to=NetworkSetup", fields)
	}
}

func TestLogSessionMessageIncludesContentAtDebug(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	SetLogger(zap.New(core))
	defer SetLogger(nil)

	LogSessionMessage("sent", "deviceStatus", []byte(`{"event":"deviceStatus"}`))

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	if entries[0].ContextMap()["content"] != `{"event":"deviceStatus"}` {
		t.Errorf("content = %v", entries[0].ContextMap()["content"])
	}
}

func TestAsciiDump(t *testing.T) {
	if got := asciiDump([]byte{'o', 'k', 0x00, 0x7f}); got != "ok.." {
		t.Errorf("asciiDump() = %q, want %q", got, "ok..")
	}
}
