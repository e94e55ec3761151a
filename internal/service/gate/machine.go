// Package gate decides the physical gate position from compliance, manual override and cooldown.
package gate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"ppegate/internal/logger"
	"ppegate/internal/model"
	"ppegate/internal/service/actuator"
	"ppegate/internal/service/camera"
	"ppegate/internal/service/classifier"
	"ppegate/internal/service/recorder"
)

var (
	ErrOverrideActive   = errors.New("manual override already active")
	ErrOverrideInactive = errors.New("manual override not active")
	// ErrActuatorFault wraps hardware errors. The position is not committed when it is returned.
	ErrActuatorFault = errors.New("gate actuator fault")
)

// Mode is the derived state of the machine.
type Mode string

const (
	ModeAutoOpen       Mode = "AUTO_OPEN"
	ModeAutoClosed     Mode = "AUTO_CLOSED"
	ModeAutoCooldown   Mode = "AUTO_COOLDOWN"
	ModeOverrideOpen   Mode = "OVERRIDE_OPEN"
	ModeOverrideClosed Mode = "OVERRIDE_CLOSED"
)

// StatusSource provides the latest snapshot of the controlling camera.
type StatusSource interface {
	Snapshot(id int64) (camera.Snapshot, bool)
}

// Actuator moves the gate.
type Actuator interface {
	SetState(ctx context.Context, target actuator.Position) error
	State() actuator.Position
}

// Recorder persists trigger events.
type Recorder interface {
	Record(ctx context.Context, req recorder.Request) (*model.Violation, error)
}

// Options configure a machine.
type Options struct {
	CameraID     int64
	PollInterval time.Duration
	Cooldown     time.Duration
	Clock        clock.Clock

	// OnChange is called with the new state after every commit. It must not block.
	OnChange func(State)
}

// State is a read-only view of the machine.
type State struct {
	Position          actuator.Position `json:"gate_state"`
	Override          bool              `json:"override"`
	Mode              Mode              `json:"mode"`
	CooldownUntil     time.Time         `json:"-"`
	CooldownRemaining time.Duration     `json:"-"`
	CooldownSeconds   float64           `json:"cooldown_remaining"`
	Fault             string            `json:"fault,omitempty"`
	FaultSince        *time.Time        `json:"fault_since,omitempty"`
}

type committed struct {
	position      actuator.Position
	override      bool
	cooldownUntil time.Time
	fault         string
	faultSince    time.Time
}

// Machine is the single authority over one gate. Evaluation, commands and commits are serialized by mu.
type Machine struct {
	cameraID     int64
	source       StatusSource
	actuator     Actuator
	recorder     Recorder
	clock        clock.Clock
	pollInterval time.Duration
	cooldown     time.Duration
	onChange     func(State)
	logger       *logger.Logger

	mu             sync.Mutex
	position       actuator.Position
	override       bool
	cooldownAnchor time.Time
	fault          error
	faultSince     time.Time

	published atomic.Pointer[committed]
}

// NewMachine creates a machine that starts from the actuator's committed position with override off.
func NewMachine(source StatusSource, act Actuator, rec Recorder, opts Options, logger *logger.Logger) *Machine {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	m := &Machine{
		cameraID:     opts.CameraID,
		source:       source,
		actuator:     act,
		recorder:     rec,
		clock:        opts.Clock,
		pollInterval: opts.PollInterval,
		cooldown:     opts.Cooldown,
		onChange:     opts.OnChange,
		logger:       logger,
		position:     act.State(),
	}
	m.published.Store(&committed{position: m.position})
	return m
}

// CameraID returns the camera whose verdict drives the gate.
func (m *Machine) CameraID() int64 {
	return m.cameraID
}

// State returns the last committed state without waiting for a running transition.
func (m *Machine) State() State {
	c := m.published.Load()
	s := State{
		Position:      c.position,
		Override:      c.override,
		CooldownUntil: c.cooldownUntil,
		Fault:         c.fault,
	}
	if !c.faultSince.IsZero() {
		since := c.faultSince
		s.FaultSince = &since
	}
	if !c.override && !c.cooldownUntil.IsZero() {
		if remaining := c.cooldownUntil.Sub(m.clock.Now()); remaining > 0 {
			s.CooldownRemaining = remaining
			s.CooldownSeconds = remaining.Seconds()
		}
	}

	switch {
	case c.override && c.position == actuator.Open:
		s.Mode = ModeOverrideOpen
	case c.override:
		s.Mode = ModeOverrideClosed
	case c.position == actuator.Open:
		s.Mode = ModeAutoOpen
	case s.CooldownRemaining > 0:
		s.Mode = ModeAutoCooldown
	default:
		s.Mode = ModeAutoClosed
	}
	return s
}

// Run evaluates every poll interval until ctx is done.
func (m *Machine) Run(ctx context.Context) {
	ticker := m.clock.Ticker(m.pollInterval)
	defer ticker.Stop()

	m.logger.Info("Gate control started for camera %d (poll %v, cooldown %v)", m.cameraID, m.pollInterval, m.cooldown)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Evaluate(ctx); err != nil && ctx.Err() == nil {
				m.logger.Debug("Gate evaluation failed: %v", err)
			}
		}
	}
}

// Evaluate applies the automatic rule once. It does nothing while override is active.
func (m *Machine) Evaluate(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ctx = context.WithoutCancel(ctx)

	if m.override {
		return nil
	}

	snapshot, connected := m.snapshot()
	verdict := snapshot.Status.Verdict
	if !connected {
		verdict = classifier.VerdictUnknown
	}

	now := m.clock.Now()
	target := actuator.Closed
	if verdict == classifier.VerdictOK && m.cooldownElapsed(now) {
		target = actuator.Open
	}

	prev := m.position
	if target == prev && m.fault == nil {
		return nil
	}
	if err := m.transition(ctx, target, now); err != nil {
		return err
	}

	if prev == actuator.Open && target == actuator.Closed && verdict == classifier.VerdictNotOK {
		m.record(ctx, recorder.Request{
			Kind:       model.KindAutoDenied,
			CameraID:   m.cameraID,
			Status:     snapshot.Status,
			Frame:      snapshot.Frame,
			Note:       "Access denied: PPE violation detected",
			GateAction: string(actuator.Closed),
		})
	}
	return nil
}

// SetOverride suspends automatic control and flips the gate. A started ramp and its record
// complete even when ctx is cancelled.
func (m *Machine) SetOverride(ctx context.Context, operatorID *int64, note string) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ctx = context.WithoutCancel(ctx)

	if m.override {
		return m.State(), ErrOverrideActive
	}

	snapshot, _ := m.snapshot()
	target := m.position.Flip()
	if err := m.transition(ctx, target, m.clock.Now()); err != nil {
		return m.State(), err
	}
	m.override = true
	m.publish()

	if note == "" {
		note = fmt.Sprintf("Manual override: gate %s", target)
	}
	m.record(ctx, recorder.Request{
		Kind:       model.KindManualOverride,
		CameraID:   m.cameraID,
		Status:     snapshot.Status,
		Frame:      snapshot.Frame,
		OperatorID: operatorID,
		Note:       note,
		GateAction: string(target),
	})
	return m.State(), nil
}

// Toggle flips the gate while override is active.
func (m *Machine) Toggle(ctx context.Context, operatorID *int64) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ctx = context.WithoutCancel(ctx)

	if !m.override {
		return m.State(), ErrOverrideInactive
	}

	target := m.position.Flip()
	if err := m.transition(ctx, target, m.clock.Now()); err != nil {
		return m.State(), err
	}
	m.logger.Info("Gate toggled to %s by operator %s", target, formatOperator(operatorID))
	return m.State(), nil
}

// ClearOverride resumes automatic control from the next evaluation.
func (m *Machine) ClearOverride(ctx context.Context, operatorID *int64) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ctx = context.WithoutCancel(ctx)

	if !m.override {
		return m.State(), ErrOverrideInactive
	}
	m.override = false
	m.publish()

	snapshot, connected := m.snapshot()
	req := recorder.Request{
		Kind:       model.KindAutoModeRestored,
		CameraID:   m.cameraID,
		Status:     snapshot.Status,
		OperatorID: operatorID,
		GateAction: model.GateActionNone,
	}
	if connected && snapshot.Status.Violation {
		req.Frame = snapshot.Frame
		req.Note = "Automatic mode restored with an outstanding PPE violation"
	} else {
		req.SkipImage = true
		req.NoViolation = true
		req.Note = "Automatic mode restored"
	}
	m.record(ctx, req)
	return m.State(), nil
}

// Shutdown drives the gate closed and commits it with override off. Callers stop Run first.
func (m *Machine) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.override = false
	return m.transition(ctx, actuator.Closed, m.clock.Now())
}

// transition drives the actuator and commits target on success. Must be called with mu held.
func (m *Machine) transition(ctx context.Context, target actuator.Position, now time.Time) error {
	if err := m.actuator.SetState(ctx, target); err != nil {
		if m.fault == nil {
			m.faultSince = now
			m.logger.Error("Gate actuator fault while moving to %s: %v", target, err)
		}
		m.fault = err
		m.publish()
		return fmt.Errorf("%w: drive %s: %w", ErrActuatorFault, target, err)
	}

	if m.fault != nil {
		m.logger.Info("Gate actuator recovered")
	}
	m.fault = nil
	m.faultSince = time.Time{}
	if m.position == actuator.Open && target == actuator.Closed {
		m.cooldownAnchor = now
	}
	m.position = target
	m.publish()
	return nil
}

func (m *Machine) cooldownElapsed(now time.Time) bool {
	if m.cooldownAnchor.IsZero() {
		return true
	}
	return !now.Before(m.cooldownAnchor.Add(m.cooldown))
}

// snapshot reads the controlling camera. A missing or disconnected camera reports UNKNOWN.
func (m *Machine) snapshot() (camera.Snapshot, bool) {
	snapshot, ok := m.source.Snapshot(m.cameraID)
	if !ok {
		return camera.Snapshot{Status: classifier.Unknown(m.clock.Now())}, false
	}
	return snapshot, snapshot.Connected
}

// record persists an event. Failures are logged; the committed transition stands.
func (m *Machine) record(ctx context.Context, req recorder.Request) {
	if m.recorder == nil {
		return
	}
	if _, err := m.recorder.Record(ctx, req); err != nil {
		m.logger.Error("Failed to record %s: %v", req.Kind, err)
	}
}

func (m *Machine) publish() {
	c := &committed{
		position: m.position,
		override: m.override,
	}
	if !m.cooldownAnchor.IsZero() {
		c.cooldownUntil = m.cooldownAnchor.Add(m.cooldown)
	}
	if m.fault != nil {
		c.fault = m.fault.Error()
		c.faultSince = m.faultSince
	}
	m.published.Store(c)

	if m.onChange != nil {
		m.onChange(m.State())
	}
}

func formatOperator(id *int64) string {
	if id == nil {
		return "unknown"
	}
	return fmt.Sprintf("%d", *id)
}
