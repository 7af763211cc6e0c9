package logger

import (
	"os"
	"testing"
)

func TestWithComponent(t *testing.T) {
	log := Logger()
	entry := log.WithComponent("coordinator")
	if v, ok := entry.Entry.Data["component"]; !ok || v != "coordinator" {
		t.Fatalf("component field missing: %v", entry.Entry.Data)
	}
}

func TestConfigureInvalidLevel(t *testing.T) {
	// Ensure environment variables do not override the provided level
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	if err := log.Configure("invalid", "json", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid level")
	}
}

func TestConfigureTextFormat(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	if err := log.Configure("debug", "text", "stderr", 0); err != nil {
		t.Fatalf("Configure failed: %v", err)
	}
}

func TestWithEnv(t *testing.T) {
	os.Setenv("SCANNER_URL", "http://localhost:8000")
	log := Logger()
	entry := log.WithEnv("SCANNER_URL")
	if v, ok := entry.Entry.Data["SCANNER_URL"]; !ok || v != "http://localhost:8000" {
		t.Fatalf("env field not set: %v", entry.Entry.Data)
	}
}
