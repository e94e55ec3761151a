package actuator

import (
	"github.com/pkg/errors"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/host/v3"
)

// ServoFrequency is the PWM frequency of SG90-class servos.
const ServoFrequency = 50 * physic.Hertz

const (
	ModeDirect = "direct"
	ModeRelay  = "relay"
)

// HardwareConfig names the GPIO lines of the gate.
type HardwareConfig struct {
	Mode     string
	ServoPin string
	RelayPin string
}

// OpenHardware initializes the host drivers and looks up the gate pins.
// In direct mode the returned indicator is nil.
func OpenHardware(cfg HardwareConfig) (Servo, Indicator, error) {
	if cfg.Mode != ModeDirect && cfg.Mode != ModeRelay {
		return nil, nil, errors.Errorf("gate mode must be %q or %q, got %q", ModeDirect, ModeRelay, cfg.Mode)
	}

	if _, err := host.Init(); err != nil {
		return nil, nil, errors.Wrap(err, "failed to initialize periph host")
	}

	servoPin := gpioreg.ByName(cfg.ServoPin)
	if servoPin == nil {
		return nil, nil, errors.Errorf("no servo pin found for %q", cfg.ServoPin)
	}
	servo := &pwmServo{pin: servoPin}

	if cfg.Mode == ModeDirect {
		return servo, nil, nil
	}

	relayPin := gpioreg.ByName(cfg.RelayPin)
	if relayPin == nil {
		return nil, nil, errors.Errorf("no relay pin found for %q", cfg.RelayPin)
	}
	if err := relayPin.Out(gpio.Low); err != nil {
		return nil, nil, errors.Wrapf(err, "failed to reset relay pin %s", cfg.RelayPin)
	}
	return servo, &relayIndicator{pin: relayPin}, nil
}

type pwmServo struct {
	pin gpio.PinIO
}

func (s *pwmServo) SetAngle(degrees float64) error {
	duty := gpio.Duty(DutyCyclePct(degrees) / 100 * float64(gpio.DutyMax))
	return errors.Wrapf(s.pin.PWM(duty, ServoFrequency), "pwm on %s", s.pin.Name())
}

func (s *pwmServo) Idle() error {
	return errors.Wrapf(s.pin.Out(gpio.Low), "idle %s", s.pin.Name())
}

func (s *pwmServo) Halt() error {
	if err := s.pin.Halt(); err != nil {
		return errors.Wrapf(err, "halt %s", s.pin.Name())
	}
	return errors.Wrapf(s.pin.Out(gpio.Low), "release %s", s.pin.Name())
}

// relayIndicator energizes the relay (green light) while the gate is open.
type relayIndicator struct {
	pin gpio.PinIO
}

func (r *relayIndicator) Show(p Position) error {
	level := gpio.Low
	if p == Open {
		level = gpio.High
	}
	return errors.Wrapf(r.pin.Out(level), "relay %s", r.pin.Name())
}

func (r *relayIndicator) Halt() error {
	return errors.Wrapf(r.pin.Out(gpio.Low), "release relay %s", r.pin.Name())
}
