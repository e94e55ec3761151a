package actuator

import (
	"ppegate/internal/logger"
)

// SimulatedServo logs servo commands instead of driving hardware.
type SimulatedServo struct {
	Logger *logger.Logger
}

func (s *SimulatedServo) SetAngle(degrees float64) error {
	s.Logger.Debug("[SIM] Servo angle: %.0f°", degrees)
	return nil
}

func (s *SimulatedServo) Idle() error { return nil }

func (s *SimulatedServo) Halt() error {
	s.Logger.Info("[SIM] Servo released")
	return nil
}

// SimulatedIndicator logs indicator changes instead of switching a relay.
type SimulatedIndicator struct {
	Logger *logger.Logger
}

func (i *SimulatedIndicator) Show(p Position) error {
	light := "RED"
	if p == Open {
		light = "GREEN"
	}
	i.Logger.Info("[SIM] Indicator %s (gate %s)", light, p)
	return nil
}

func (i *SimulatedIndicator) Halt() error { return nil }
