package telemetry

import (
	"context"
	"testing"
)

func TestSetupDisabledIsNoop(t *testing.T) {
	t.Setenv("OTEL_ENDPOINT", "http://localhost:4318")
	t.Setenv("OTEL_ENABLED", "false")

	shutdown, err := Setup(context.Background(), "remitgate-test")
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestSetupWithoutEndpointIsNoop(t *testing.T) {
	t.Setenv("OTEL_ENDPOINT", "")

	shutdown, err := Setup(context.Background(), "remitgate-test")
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}
