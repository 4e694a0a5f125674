package main

import (
	"os"
	"testing"
	"time"
)

func TestDurationEnvParsesValue(t *testing.T) {
	t.Setenv("CAMPAIGND_TEST_DURATION", "150ms")
	got := durationEnv("CAMPAIGND_TEST_DURATION", time.Second)
	if got != 150*time.Millisecond {
		t.Fatalf("expected 150ms, got %s", got)
	}
}

func TestDurationEnvFallsBackOnInvalidValue(t *testing.T) {
	t.Setenv("CAMPAIGND_TEST_DURATION_BAD", "soon")
	got := durationEnv("CAMPAIGND_TEST_DURATION_BAD", 2*time.Second)
	if got != 2*time.Second {
		t.Fatalf("expected fallback 2s, got %s", got)
	}
}

func TestEnvOrDefault(t *testing.T) {
	_ = os.Unsetenv("CAMPAIGND_TEST_UNSET")
	if got := envOrDefault("CAMPAIGND_TEST_UNSET", "fallback"); got != "fallback" {
		t.Fatalf("expected fallback, got %q", got)
	}
	t.Setenv("CAMPAIGND_TEST_SET", "  value  ")
	if got := envOrDefault("CAMPAIGND_TEST_SET", "fallback"); got != "value" {
		t.Fatalf("expected trimmed value, got %q", got)
	}
}
