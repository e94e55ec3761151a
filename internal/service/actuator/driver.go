// Package actuator drives the gate servo and its relay indicator.
package actuator

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"ppegate/internal/logger"
)

// Position is the logical state of the gate.
type Position string

const (
	Open   Position = "OPEN"
	Closed Position = "CLOSED"
)

// Flip returns the opposite position.
func (p Position) Flip() Position {
	if p == Open {
		return Closed
	}
	return Open
}

// Servo is an angular actuator driven open loop.
type Servo interface {
	SetAngle(degrees float64) error
	// Idle stops the control signal so the horn does not jitter while holding.
	Idle() error
	Halt() error
}

// Indicator mirrors the gate position, e.g. a relay switching a two-color light.
type Indicator interface {
	Show(p Position) error
	Halt() error
}

// Options describe the mechanical travel of the gate.
type Options struct {
	OpenAngle   float64
	ClosedAngle float64
	Steps       int
	StepDelay   time.Duration
	Settle      time.Duration
	Clock       clock.Clock
}

// Driver translates logical positions into servo and indicator commands.
// It has no position feedback, so the last committed position is the only truth.
type Driver struct {
	servo     Servo
	indicator Indicator
	opts      Options
	clock     clock.Clock
	logger    *logger.Logger

	mu    sync.Mutex
	state Position
	angle float64
	dirty bool // last command failed part way, hardware position unknown
}

// NewDriver creates a driver that assumes the gate is closed. indicator may be nil.
func NewDriver(servo Servo, indicator Indicator, opts Options, logger *logger.Logger) *Driver {
	if opts.Steps < 1 {
		opts.Steps = 1
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Driver{
		servo:     servo,
		indicator: indicator,
		opts:      opts,
		clock:     clk,
		logger:    logger,
		state:     Closed,
		angle:     opts.ClosedAngle,
		dirty:     true,
	}
}

// State returns the last committed position.
func (d *Driver) State() Position {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// SetState moves the gate to target. It is a no-op when target is already committed.
// On failure the previous position stays committed and the next call re-drives the hardware.
func (d *Driver) SetState(ctx context.Context, target Position) error {
	if target != Open && target != Closed {
		return errors.Errorf("invalid gate position %q", target)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state == target && !d.dirty {
		return nil
	}

	if err := d.move(ctx, target); err != nil {
		d.dirty = true
		return err
	}

	d.state = target
	d.dirty = false
	d.logger.Info("Gate %s", target)
	return nil
}

// move ramps the servo stepwise, lets it settle, releases the signal and updates the indicator.
func (d *Driver) move(ctx context.Context, target Position) error {
	to := d.angleFor(target)
	from := d.angle

	for i := 1; i <= d.opts.Steps; i++ {
		if err := ctx.Err(); err != nil {
			return errors.Wrap(err, "gate ramp interrupted")
		}
		angle := from + (to-from)*float64(i)/float64(d.opts.Steps)
		if err := d.servo.SetAngle(angle); err != nil {
			return errors.Wrapf(err, "servo step %d/%d to %.1f°", i, d.opts.Steps, angle)
		}
		d.angle = angle
		if i < d.opts.Steps {
			d.clock.Sleep(d.opts.StepDelay)
		}
	}

	d.clock.Sleep(d.opts.Settle)
	if err := d.servo.Idle(); err != nil {
		return errors.Wrap(err, "servo idle")
	}

	if d.indicator != nil {
		if err := d.indicator.Show(target); err != nil {
			return errors.Wrap(err, "indicator")
		}
	}
	return nil
}

func (d *Driver) angleFor(p Position) float64 {
	if p == Open {
		return d.opts.OpenAngle
	}
	return d.opts.ClosedAngle
}

// Close stops signal generation and returns the indicator to the closed state.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var err error
	if d.indicator != nil {
		err = multierr.Append(err, d.indicator.Show(Closed))
		err = multierr.Append(err, d.indicator.Halt())
	}
	err = multierr.Append(err, d.servo.Halt())
	return err
}

// DutyCyclePct converts a servo angle into a PWM duty cycle for 50Hz hobby servos:
// 0° is 2.5% (0.5ms) and 180° is 12.5% (2.5ms).
func DutyCyclePct(degrees float64) float64 {
	degrees = math.Max(0, math.Min(180, degrees))
	return 2.5 + degrees/180*10
}
