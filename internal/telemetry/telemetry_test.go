package telemetry

import (
	"context"
	"testing"

	"github.com/danharwell/chatmux/internal/config"
)

func TestSetupDisabledIsNoop(t *testing.T) {
	shutdown, err := Setup(context.Background(), config.TelemetryConfig{}, "test")
	if err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	if shutdown == nil {
		t.Fatal("Setup() shutdown = nil")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown() error = %v", err)
	}
}

func TestProtocolOf(t *testing.T) {
	tests := []struct {
		protocol string
		want     string
	}{
		{"", "grpc"},
		{"grpc", "grpc"},
		{"http", "http"},
		{"unknown", "grpc"},
	}
	for _, tt := range tests {
		cfg := config.TelemetryConfig{Protocol: tt.protocol}
		if got := protocolOf(cfg); got != tt.want {
			t.Errorf("protocolOf(%q) = %q, want %q", tt.protocol, got, tt.want)
		}
	}
}
