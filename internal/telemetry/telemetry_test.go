package telemetry

import (
	"context"
	"testing"
)

func TestSetupDisabledIsNoop(t *testing.T) {
	shutdown, err := Setup(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatal(err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("noop shutdown error: %v", err)
	}
}

func TestSetupIgnoresEmptyEndpoint(t *testing.T) {
	shutdown, err := Setup(context.Background(), Config{Enabled: true})
	if err != nil {
		t.Fatal(err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("noop shutdown error: %v", err)
	}
}
