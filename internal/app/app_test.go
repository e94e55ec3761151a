package app

import (
	"context"
	"errors"
	"testing"

	"ppegate/internal/config"
	"ppegate/internal/logger"
	"ppegate/internal/service/actuator"
)

func TestNewDriver_FallsBackToSimulation(t *testing.T) {
	tests := []struct {
		name string
		cfg  *config.Config
	}{
		{"simulation requested", &config.Config{GateSimulation: true, GateMode: "direct", ServoOpenAngle: 90, ServoSteps: 3}},
		{"invalid hardware mode", &config.Config{GateMode: "pneumatic", ServoOpenAngle: 90, ServoSteps: 3}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			driver := newDriver(tt.cfg, logger.NewNop())
			if err := driver.SetState(context.Background(), actuator.Open); err != nil {
				t.Fatalf("SetState failed: %v", err)
			}
			if driver.State() != actuator.Open {
				t.Errorf("expected OPEN, got %s", driver.State())
			}
			if err := driver.Close(); err != nil {
				t.Errorf("Close failed: %v", err)
			}
		})
	}
}

func TestUnavailableDetector(t *testing.T) {
	cause := errors.New("model file not found")
	if _, err := (unavailableDetector{err: cause}).Detect(nil); !errors.Is(err, cause) {
		t.Errorf("expected %v, got %v", cause, err)
	}
}
