package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"

	"github.com/kittclouds/researchstate/internal/config"
)

func TestNew(t *testing.T) {
	log, err := New(config.LoggingConfig{Level: "WARN", Format: "console"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if log.Core().Enabled(zapcore.InfoLevel) {
		t.Error("info should be disabled at warn level")
	}
	if !log.Core().Enabled(zapcore.ErrorLevel) {
		t.Error("error should be enabled at warn level")
	}
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	if _, err := New(config.LoggingConfig{Level: "chatty"}); err == nil {
		t.Error("expected error for unknown level")
	}
}
