package gate

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"ppegate/internal/dto"
	"ppegate/internal/logger"
	"ppegate/internal/model"
	"ppegate/internal/repository/sqlite"
	"ppegate/internal/service/actuator"
	"ppegate/internal/service/camera"
	"ppegate/internal/service/classifier"
	"ppegate/internal/service/recorder"
	"ppegate/internal/service/storage"
)

const testCooldown = 5 * time.Second

type fakeSource struct {
	mu       sync.Mutex
	snapshot camera.Snapshot
	missing  bool
}

func (s *fakeSource) Snapshot(id int64) (camera.Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.missing {
		return camera.Snapshot{}, false
	}
	return s.snapshot, true
}

func (s *fakeSource) set(labels ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot = camera.Snapshot{
		Status:    classifier.Classify(labels),
		Frame:     []byte{0xff, 0xd8},
		Connected: true,
	}
}

func (s *fakeSource) disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot.Connected = false
}

type fakeActuator struct {
	mu       sync.Mutex
	state    actuator.Position
	moves    []actuator.Position
	failures int
	// afterMove runs once a move has completed.
	afterMove func()
}

func (a *fakeActuator) SetState(ctx context.Context, target actuator.Position) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if a.failures > 0 {
		a.failures--
		return errors.New("servo stalled")
	}
	if a.state == target {
		return nil
	}
	a.state = target
	a.moves = append(a.moves, target)
	if a.afterMove != nil {
		a.afterMove()
	}
	return nil
}

func (a *fakeActuator) State() actuator.Position {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *fakeActuator) moveCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.moves)
}

type fakeRecorder struct {
	mu       sync.Mutex
	requests []recorder.Request
}

func (r *fakeRecorder) Record(ctx context.Context, req recorder.Request) (*model.Violation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, req)
	return &model.Violation{Kind: req.Kind}, nil
}

func (r *fakeRecorder) all() []recorder.Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recorder.Request(nil), r.requests...)
}

type fixture struct {
	machine  *Machine
	source   *fakeSource
	actuator *fakeActuator
	recorder *fakeRecorder
	clock    *clock.Mock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		source:   &fakeSource{},
		actuator: &fakeActuator{state: actuator.Closed},
		recorder: &fakeRecorder{},
		clock:    clock.NewMock(),
	}
	f.clock.Set(time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC))
	f.machine = NewMachine(f.source, f.actuator, f.recorder, Options{
		CameraID:     1,
		PollInterval: 500 * time.Millisecond,
		Cooldown:     testCooldown,
		Clock:        f.clock,
	}, logger.NewNop())
	return f
}

func (f *fixture) evaluate(t *testing.T) {
	t.Helper()
	if err := f.machine.Evaluate(context.Background()); err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
}

// openGate brings the machine to AUTO_OPEN with a compliant worker.
func (f *fixture) openGate(t *testing.T) {
	t.Helper()
	f.source.set("helmet", "gloves", "boots")
	f.evaluate(t)
	if f.machine.State().Position != actuator.Open {
		t.Fatalf("expected gate to open, got %+v", f.machine.State())
	}
}

func operator(id int64) *int64 { return &id }

func newViolationRepository(t *testing.T) *sqlite.ViolationRepository {
	t.Helper()
	db, err := sqlite.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return sqlite.NewViolationRepository(db)
}

func TestMachine_InitialState(t *testing.T) {
	f := newFixture(t)
	s := f.machine.State()

	if s.Position != actuator.Closed || s.Override || s.Mode != ModeAutoClosed {
		t.Errorf("unexpected initial state %+v", s)
	}
	if s.Fault != "" || s.FaultSince != nil || s.CooldownRemaining != 0 {
		t.Errorf("unexpected fault or cooldown in %+v", s)
	}
}

func TestMachine_CompliantWorkerOpensWithoutRecord(t *testing.T) {
	f := newFixture(t)
	f.openGate(t)

	if s := f.machine.State(); s.Mode != ModeAutoOpen {
		t.Errorf("expected AUTO_OPEN, got %s", s.Mode)
	}
	f.evaluate(t)
	f.evaluate(t)

	if f.actuator.moveCount() != 1 {
		t.Errorf("expected one actuation, got %d", f.actuator.moveCount())
	}
	if len(f.recorder.all()) != 0 {
		t.Errorf("expected no records, got %v", f.recorder.all())
	}
}

func TestMachine_ViolationClosesAndRecordsAutoDenied(t *testing.T) {
	f := newFixture(t)
	f.openGate(t)

	closedAt := f.clock.Now()
	f.source.set("no-helmet", "gloves", "boots")
	f.evaluate(t)

	s := f.machine.State()
	if s.Position != actuator.Closed || s.Mode != ModeAutoCooldown {
		t.Fatalf("expected closed in cooldown, got %+v", s)
	}
	if !s.CooldownUntil.Equal(closedAt.Add(testCooldown)) {
		t.Errorf("expected cooldown anchor at %v, got until %v", closedAt, s.CooldownUntil)
	}

	requests := f.recorder.all()
	if len(requests) != 1 {
		t.Fatalf("expected one record, got %d", len(requests))
	}
	req := requests[0]
	if req.Kind != model.KindAutoDenied || req.OperatorID != nil || req.GateAction != "CLOSED" || req.Frame == nil {
		t.Errorf("unexpected request %+v", req)
	}
	if missing := req.Status.MissingItems(); len(missing) != 1 || missing[0] != "helmet" {
		t.Errorf("expected missing [helmet], got %v", missing)
	}

	// Steady violation: no further actuation or records.
	f.evaluate(t)
	if len(f.recorder.all()) != 1 || f.actuator.moveCount() != 2 {
		t.Errorf("expected no-op evaluation, got %d records and %d moves", len(f.recorder.all()), f.actuator.moveCount())
	}
}

func TestMachine_CooldownDelaysReopening(t *testing.T) {
	f := newFixture(t)
	f.openGate(t)
	f.source.set("no-gloves")
	f.evaluate(t)

	f.source.set("helmet", "gloves", "boots")
	for _, step := range []time.Duration{0, time.Second, 3 * time.Second, 999 * time.Millisecond} {
		f.clock.Add(step)
		f.evaluate(t)
		if s := f.machine.State(); s.Position != actuator.Closed || s.Mode != ModeAutoCooldown {
			t.Fatalf("gate must stay closed during cooldown, got %+v", s)
		}
	}
	if remaining := f.machine.State().CooldownRemaining; remaining != time.Millisecond {
		t.Errorf("expected 1ms remaining, got %v", remaining)
	}

	f.clock.Add(time.Millisecond)
	f.evaluate(t)
	if s := f.machine.State(); s.Position != actuator.Open || s.CooldownRemaining != 0 {
		t.Errorf("expected reopening once cooldown elapsed, got %+v", s)
	}
	if len(f.recorder.all()) != 1 {
		t.Errorf("reopening must not record, got %d records", len(f.recorder.all()))
	}
}

func TestMachine_UnknownClosesWithoutRecord(t *testing.T) {
	tests := []struct {
		name  string
		apply func(f *fixture)
	}{
		{"empty frame", func(f *fixture) { f.source.set() }},
		{"partial detection", func(f *fixture) { f.source.set("helmet", "boots") }},
		{"camera disconnected", func(f *fixture) { f.source.disconnect() }},
		{"camera missing", func(f *fixture) { f.source.missing = true }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.openGate(t)

			tt.apply(f)
			f.evaluate(t)

			if s := f.machine.State(); s.Position != actuator.Closed {
				t.Errorf("expected gate closed, got %+v", s)
			}
			if len(f.recorder.all()) != 0 {
				t.Errorf("expected no record, got %v", f.recorder.all())
			}
		})
	}
}

func TestMachine_SetOverrideFlipsAndRecords(t *testing.T) {
	f := newFixture(t)
	f.openGate(t)

	s, err := f.machine.SetOverride(context.Background(), operator(42), "")
	if err != nil {
		t.Fatalf("SetOverride failed: %v", err)
	}
	if s.Position != actuator.Closed || !s.Override || s.Mode != ModeOverrideClosed {
		t.Errorf("unexpected state %+v", s)
	}
	if f.actuator.State() != actuator.Closed {
		t.Errorf("actuator should be closed, got %s", f.actuator.State())
	}

	requests := f.recorder.all()
	if len(requests) != 1 {
		t.Fatalf("expected one record, got %d", len(requests))
	}
	req := requests[0]
	if req.Kind != model.KindManualOverride || req.OperatorID == nil || *req.OperatorID != 42 {
		t.Errorf("unexpected request %+v", req)
	}
	if req.GateAction != "CLOSED" || req.Note == "" || req.Status.Verdict != classifier.VerdictOK {
		t.Errorf("expected compliance context and gate action, got %+v", req)
	}

	if _, err := f.machine.SetOverride(context.Background(), operator(42), ""); !errors.Is(err, ErrOverrideActive) {
		t.Errorf("expected ErrOverrideActive, got %v", err)
	}
	if len(f.recorder.all()) != 1 {
		t.Error("rejected command must not record")
	}
}

func TestMachine_OverrideSuspendsAutomation(t *testing.T) {
	f := newFixture(t)
	f.source.set("helmet", "gloves", "boots")

	if _, err := f.machine.SetOverride(context.Background(), operator(1), "maintenance"); err != nil {
		t.Fatalf("SetOverride failed: %v", err)
	}
	if s := f.machine.State(); s.Position != actuator.Open || s.Mode != ModeOverrideOpen {
		t.Fatalf("expected override open, got %+v", s)
	}

	if _, err := f.machine.Toggle(context.Background(), operator(1)); err != nil {
		t.Fatalf("Toggle failed: %v", err)
	}
	moves := f.actuator.moveCount()

	for i := 0; i < 10; i++ {
		f.clock.Add(time.Minute)
		f.evaluate(t)
	}
	if s := f.machine.State(); s.Position != actuator.Closed || f.actuator.moveCount() != moves {
		t.Errorf("automatic evaluation must be suspended, got %+v after %d moves", s, f.actuator.moveCount())
	}
}

func TestMachine_ToggleIgnoresCooldown(t *testing.T) {
	f := newFixture(t)
	f.openGate(t)

	if _, err := f.machine.SetOverride(context.Background(), operator(1), ""); err != nil {
		t.Fatalf("SetOverride failed: %v", err)
	}
	s, err := f.machine.Toggle(context.Background(), operator(1))
	if err != nil {
		t.Fatalf("Toggle failed: %v", err)
	}
	if s.Position != actuator.Open || s.CooldownRemaining != 0 {
		t.Errorf("expected immediate reopen under override, got %+v", s)
	}
	if len(f.recorder.all()) != 1 {
		t.Errorf("toggle must not record, got %d records", len(f.recorder.all()))
	}
}

func TestMachine_ToggleRequiresOverride(t *testing.T) {
	f := newFixture(t)

	if _, err := f.machine.Toggle(context.Background(), operator(1)); !errors.Is(err, ErrOverrideInactive) {
		t.Errorf("expected ErrOverrideInactive, got %v", err)
	}
	if _, err := f.machine.ClearOverride(context.Background(), operator(1)); !errors.Is(err, ErrOverrideInactive) {
		t.Errorf("expected ErrOverrideInactive, got %v", err)
	}
	if f.actuator.moveCount() != 0 || len(f.recorder.all()) != 0 {
		t.Error("rejected commands must not change anything")
	}
}

func TestMachine_ClearOverride(t *testing.T) {
	tests := []struct {
		name      string
		labels    []string
		skipImage bool
	}{
		{"outstanding violation", []string{"no-helmet"}, false},
		{"compliant", []string{"helmet", "gloves", "boots"}, true},
		{"nobody present", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			if _, err := f.machine.SetOverride(context.Background(), operator(3), ""); err != nil {
				t.Fatalf("SetOverride failed: %v", err)
			}
			f.source.set(tt.labels...)
			moves := f.actuator.moveCount()

			s, err := f.machine.ClearOverride(context.Background(), operator(3))
			if err != nil {
				t.Fatalf("ClearOverride failed: %v", err)
			}
			if s.Override {
				t.Error("override should be cleared")
			}
			if f.actuator.moveCount() != moves {
				t.Error("clearing override must not actuate before the next evaluation")
			}

			requests := f.recorder.all()
			if len(requests) != 2 {
				t.Fatalf("expected override and restore records, got %d", len(requests))
			}
			req := requests[1]
			if req.Kind != model.KindAutoModeRestored || req.SkipImage != tt.skipImage {
				t.Errorf("unexpected request %+v", req)
			}
			if !tt.skipImage && req.Frame == nil {
				t.Error("expected the frame to be attached")
			}
			if req.OperatorID == nil || *req.OperatorID != 3 {
				t.Errorf("expected operator 3, got %v", req.OperatorID)
			}
		})
	}
}

func TestMachine_ClearOverrideWithoutViolationHasNoMissingItems(t *testing.T) {
	tests := []struct {
		name   string
		labels []string
	}{
		{"compliant", []string{"helmet", "gloves", "boots"}},
		{"nobody present", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			repo := newViolationRepository(t)
			f.machine.recorder = recorder.NewRecorder(repo, nil, nil, f.clock, logger.NewNop())

			f.source.set(tt.labels...)
			if _, err := f.machine.SetOverride(context.Background(), operator(2), ""); err != nil {
				t.Fatalf("SetOverride failed: %v", err)
			}
			if _, err := f.machine.ClearOverride(context.Background(), operator(2)); err != nil {
				t.Fatalf("ClearOverride failed: %v", err)
			}

			records, err := repo.GetAll(&dto.ViolationFilter{Kind: string(model.KindAutoModeRestored), Limit: 10})
			if err != nil {
				t.Fatalf("GetAll failed: %v", err)
			}
			if len(records) != 1 {
				t.Fatalf("expected one restore record, got %d", len(records))
			}
			if records[0].MissingItems != nil {
				t.Errorf("restore without violation stored missing items %v", records[0].MissingItems)
			}
			if records[0].ImagePath != nil {
				t.Errorf("restore without violation stored image %q", *records[0].ImagePath)
			}
		})
	}
}

func TestMachine_CommandsCompleteAfterCallerCancels(t *testing.T) {
	f := newFixture(t)
	repo := newViolationRepository(t)
	images := storage.NewSnapshotStore(filepath.Join(t.TempDir(), "violations"), 0, logger.NewNop())
	f.machine.recorder = recorder.NewRecorder(repo, images, nil, f.clock, logger.NewNop())
	f.source.set("helmet", "gloves", "boots")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.actuator.afterMove = cancel

	s, err := f.machine.SetOverride(ctx, operator(4), "")
	if err != nil {
		t.Fatalf("SetOverride failed: %v", err)
	}
	if s.Position != actuator.Open || !s.Override {
		t.Fatalf("expected committed override open, got %+v", s)
	}

	records, err := repo.GetAll(&dto.ViolationFilter{Kind: string(model.KindManualOverride), Limit: 10})
	if err != nil {
		t.Fatalf("GetAll failed: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("committed override has %d audit records, expected 1", len(records))
	}

	// The caller is gone before the next command starts; it must still run to completion.
	s, err = f.machine.Toggle(ctx, operator(4))
	if err != nil {
		t.Fatalf("Toggle with cancelled context failed: %v", err)
	}
	if s.Position != actuator.Closed || s.Fault != "" {
		t.Errorf("expected closed gate without fault, got %+v", s)
	}
	if f.actuator.State() != actuator.Closed {
		t.Errorf("actuator at %s, machine committed %s", f.actuator.State(), s.Position)
	}
}

func TestMachine_Shutdown(t *testing.T) {
	f := newFixture(t)
	if _, err := f.machine.SetOverride(context.Background(), operator(1), ""); err != nil {
		t.Fatalf("SetOverride failed: %v", err)
	}
	if f.machine.State().Position != actuator.Open {
		t.Fatalf("expected open gate, got %+v", f.machine.State())
	}

	if err := f.machine.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	s := f.machine.State()
	if s.Position != actuator.Closed || s.Override {
		t.Errorf("expected closed gate in automatic mode, got %+v", s)
	}
	if f.actuator.State() != s.Position {
		t.Errorf("actuator at %s, machine committed %s", f.actuator.State(), s.Position)
	}
}

func TestMachine_ShutdownFaultIsReported(t *testing.T) {
	f := newFixture(t)
	f.openGate(t)
	f.actuator.failures = 1

	err := f.machine.Shutdown(context.Background())
	if !errors.Is(err, ErrActuatorFault) {
		t.Fatalf("expected actuator fault, got %v", err)
	}
	if s := f.machine.State(); s.Position != actuator.Open || s.Fault == "" {
		t.Errorf("failed shutdown must not commit, got %+v", s)
	}
}

func TestMachine_ClearOverrideResumesOnNextEvaluation(t *testing.T) {
	f := newFixture(t)
	f.source.set("no-boots")
	if _, err := f.machine.SetOverride(context.Background(), operator(1), ""); err != nil {
		t.Fatalf("SetOverride failed: %v", err)
	}
	if f.machine.State().Position != actuator.Open {
		t.Fatal("override should have opened the gate")
	}
	if _, err := f.machine.ClearOverride(context.Background(), operator(1)); err != nil {
		t.Fatalf("ClearOverride failed: %v", err)
	}

	f.evaluate(t)
	if s := f.machine.State(); s.Position != actuator.Closed || s.Mode != ModeAutoCooldown {
		t.Errorf("expected automatic close, got %+v", s)
	}
	kinds := []model.ViolationKind{}
	for _, req := range f.recorder.all() {
		kinds = append(kinds, req.Kind)
	}
	if len(kinds) != 3 || kinds[2] != model.KindAutoDenied {
		t.Errorf("expected override, restore, denied; got %v", kinds)
	}
}

func TestMachine_ActuatorFaultDoesNotCommit(t *testing.T) {
	f := newFixture(t)
	f.source.set("helmet", "gloves", "boots")
	f.actuator.failures = 2

	err := f.machine.Evaluate(context.Background())
	if !errors.Is(err, ErrActuatorFault) {
		t.Fatalf("expected ErrActuatorFault, got %v", err)
	}
	s := f.machine.State()
	if s.Position != actuator.Closed || s.Fault == "" || s.FaultSince == nil {
		t.Fatalf("expected uncommitted position with fault, got %+v", s)
	}
	since := *s.FaultSince

	f.clock.Add(time.Second)
	if err := f.machine.Evaluate(context.Background()); !errors.Is(err, ErrActuatorFault) {
		t.Fatalf("expected second failure, got %v", err)
	}
	if s := f.machine.State(); !s.FaultSince.Equal(since) {
		t.Errorf("fault start should be kept, got %v", s.FaultSince)
	}

	f.evaluate(t)
	s = f.machine.State()
	if s.Position != actuator.Open || s.Fault != "" || s.FaultSince != nil {
		t.Errorf("expected recovery to OPEN, got %+v", s)
	}
	if f.actuator.State() != s.Position {
		t.Errorf("actuator %s diverged from committed %s", f.actuator.State(), s.Position)
	}
}

func TestMachine_FaultRedrivesCommittedPosition(t *testing.T) {
	f := newFixture(t)
	f.openGate(t)
	f.source.set("no-helmet")
	f.actuator.failures = 1

	if err := f.machine.Evaluate(context.Background()); !errors.Is(err, ErrActuatorFault) {
		t.Fatalf("expected fault, got %v", err)
	}
	if len(f.recorder.all()) != 0 {
		t.Error("failed transition must not record")
	}

	// Compliance returns while faulted: target equals the committed position but the fault forces a re-drive.
	f.source.set("helmet", "gloves", "boots")
	f.evaluate(t)
	if s := f.machine.State(); s.Position != actuator.Open || s.Fault != "" {
		t.Errorf("expected fault cleared at OPEN, got %+v", s)
	}
	if len(f.recorder.all()) != 0 {
		t.Error("re-driving the committed position must not record")
	}
}

func TestMachine_SetOverrideFaultLeavesAutomatic(t *testing.T) {
	f := newFixture(t)
	f.actuator.failures = 1

	if _, err := f.machine.SetOverride(context.Background(), operator(1), ""); !errors.Is(err, ErrActuatorFault) {
		t.Fatalf("expected fault, got %v", err)
	}
	if s := f.machine.State(); s.Override || s.Position != actuator.Closed {
		t.Errorf("override must not be set on failure, got %+v", s)
	}
	if len(f.recorder.all()) != 0 {
		t.Error("failed override must not record")
	}
}

func TestMachine_OnChange(t *testing.T) {
	var mu sync.Mutex
	var states []State
	f := newFixture(t)
	f.machine.onChange = func(s State) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, s)
	}

	f.openGate(t)
	f.evaluate(t)

	mu.Lock()
	defer mu.Unlock()
	if len(states) != 1 || states[0].Position != actuator.Open {
		t.Errorf("expected one change to OPEN, got %+v", states)
	}
}

func TestMachine_RunPolls(t *testing.T) {
	f := newFixture(t)
	f.source.set("helmet", "gloves", "boots")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.machine.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for f.machine.State().Position != actuator.Open {
		if time.Now().After(deadline) {
			t.Fatal("Run did not evaluate")
		}
		f.clock.Add(500 * time.Millisecond)
		time.Sleep(time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestMachine_ConcurrentCommandsKeepActuatorInSync(t *testing.T) {
	f := newFixture(t)
	f.source.set("helmet", "gloves", "boots")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				switch (i + j) % 4 {
				case 0:
					f.machine.Evaluate(context.Background())
				case 1:
					f.machine.SetOverride(context.Background(), operator(int64(i)), "")
				case 2:
					f.machine.Toggle(context.Background(), operator(int64(i)))
				case 3:
					f.machine.ClearOverride(context.Background(), operator(int64(i)))
				}
				_ = f.machine.State()
			}
		}(i)
	}
	wg.Wait()

	if f.actuator.State() != f.machine.State().Position {
		t.Errorf("actuator %s diverged from committed %s", f.actuator.State(), f.machine.State().Position)
	}
	for _, req := range f.recorder.all() {
		if req.Kind == model.KindManualOverride && req.GateAction == "" {
			t.Errorf("override without gate action: %+v", req)
		}
	}
}
