// Package service wires cameras, the gate and the recorder into the operations offered to the dashboard.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hybridgroup/mjpeg"

	"ppegate/internal/config"
	"ppegate/internal/dto"
	"ppegate/internal/logger"
	"ppegate/internal/model"
	"ppegate/internal/repository"
	"ppegate/internal/service/camera"
	"ppegate/internal/service/classifier"
	"ppegate/internal/service/gate"
	"ppegate/internal/service/recorder"
)

// ErrFrameUnavailable is returned while a camera has not produced a frame.
var ErrFrameUnavailable = errors.New("frame not yet available")

const offlineStatus = "OFFLINE"

// CameraStatus is the status of one camera together with the gate it controls.
type CameraStatus struct {
	CameraID  int64
	Name      string
	Active    bool
	Connected bool
	Detection classifier.Status
	Gate      *gate.State
}

// MarshalJSON produces the flat dashboard shape; inactive cameras report {"connected": false, "ppe_status": "OFFLINE"}.
func (s CameraStatus) MarshalJSON() ([]byte, error) {
	out := map[string]interface{}{}
	if s.Active {
		raw, err := json.Marshal(s.Detection)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, err
		}
	} else {
		out["ppe_status"] = offlineStatus
	}
	out["camera_id"] = s.CameraID
	out["connected"] = s.Connected
	if s.Name != "" {
		out["name"] = s.Name
	}
	if s.Gate != nil {
		out["gate_state"] = s.Gate.Position
		out["override"] = s.Gate.Override
		out["mode"] = s.Gate.Mode
		out["cooldown_remaining"] = s.Gate.CooldownSeconds
		if s.Gate.Fault != "" {
			out["fault"] = s.Gate.Fault
		}
	}
	return json.Marshal(out)
}

// Manager is the control facade used by the HTTP layer.
type Manager struct {
	registry   *camera.Registry
	gate       *gate.Machine
	recorder   *recorder.Recorder
	violations repository.ViolationRepository
	cameras    repository.CameraRepository
	logger     *logger.Logger

	streamInterval time.Duration
	streamsMu      sync.Mutex
	streams        map[int64]*mjpeg.Stream
}

// NewManager creates the facade. cameras may be nil, in which case camera commands are not persisted.
func NewManager(registry *camera.Registry, machine *gate.Machine, rec *recorder.Recorder,
	violations repository.ViolationRepository, cameras repository.CameraRepository,
	streamInterval time.Duration, logger *logger.Logger) *Manager {
	if streamInterval <= 0 {
		streamInterval = 100 * time.Millisecond
	}
	return &Manager{
		registry:       registry,
		gate:           machine,
		recorder:       rec,
		violations:     violations,
		cameras:        cameras,
		logger:         logger,
		streamInterval: streamInterval,
		streams:        make(map[int64]*mjpeg.Stream),
	}
}

// Status returns the detection status of a camera and the gate state.
func (m *Manager) Status(cameraID int64) CameraStatus {
	status := CameraStatus{CameraID: cameraID}
	if m.gate != nil {
		gs := m.gate.State()
		status.Gate = &gs
	}

	cam, ok := m.registry.Camera(cameraID)
	if !ok {
		return status
	}
	status.Name = cam.Name

	snapshot, ok := m.registry.Snapshot(cameraID)
	if !ok {
		return status
	}
	status.Active = true
	status.Connected = snapshot.Connected
	status.Detection = snapshot.Status
	return status
}

// Statuses returns the status of every registered camera.
func (m *Manager) Statuses() []CameraStatus {
	cameras := m.registry.Cameras()
	statuses := make([]CameraStatus, 0, len(cameras))
	for _, cam := range cameras {
		statuses = append(statuses, m.Status(cam.ID))
	}
	return statuses
}

// LatestFrame returns the latest annotated JPEG of a camera.
func (m *Manager) LatestFrame(cameraID int64) ([]byte, error) {
	if _, ok := m.registry.Camera(cameraID); !ok {
		return nil, fmt.Errorf("%w: %d", camera.ErrUnknownCamera, cameraID)
	}
	snapshot, ok := m.registry.Snapshot(cameraID)
	if !ok || snapshot.Frame == nil {
		return nil, ErrFrameUnavailable
	}
	return snapshot.Frame, nil
}

// GateState returns the committed gate state.
func (m *Manager) GateState() gate.State {
	return m.gate.State()
}

func (m *Manager) SetOverride(ctx context.Context, operatorID *int64, note string) (gate.State, error) {
	return m.gate.SetOverride(ctx, operatorID, note)
}

func (m *Manager) ClearOverride(ctx context.Context, operatorID *int64) (gate.State, error) {
	return m.gate.ClearOverride(ctx, operatorID)
}

func (m *Manager) ToggleGate(ctx context.Context, operatorID *int64) (gate.State, error) {
	return m.gate.Toggle(ctx, operatorID)
}

// Cameras lists the registered cameras.
func (m *Manager) Cameras() []model.Camera {
	return m.registry.Cameras()
}

// AddCamera persists and starts a camera. A zero ID is assigned by the database.
func (m *Manager) AddCamera(cam model.Camera) (model.Camera, error) {
	cam.Source = strings.TrimSpace(cam.Source)
	if cam.Source == "" {
		return cam, fmt.Errorf("%w: empty source", camera.ErrInvalidCamera)
	}
	if cam.ID < 0 {
		return cam, fmt.Errorf("%w: id must be positive", camera.ErrInvalidCamera)
	}
	if cam.ID > 0 {
		if _, ok := m.registry.Camera(cam.ID); ok {
			return cam, fmt.Errorf("%w: %d", camera.ErrCameraExists, cam.ID)
		}
	}
	if cam.Name == "" {
		cam.Name = cam.Source
	}

	persisted := false
	if m.cameras != nil {
		id, err := m.cameras.Insert(&cam)
		if err != nil {
			return cam, err
		}
		cam.ID = id
		persisted = true
	}

	if err := m.registry.Add(cam); err != nil {
		if persisted {
			if delErr := m.cameras.Delete(cam.ID); delErr != nil {
				m.logger.Error("Failed to roll back camera %d: %v", cam.ID, delErr)
			}
		}
		return cam, err
	}

	m.logger.Info("Camera %d (%s) added", cam.ID, cam.Name)
	return cam, nil
}

// Bootstrap seeds an empty camera table and starts every enabled camera stored in it.
func (m *Manager) Bootstrap(seeds []config.CameraSeed) error {
	if m.cameras == nil {
		for _, seed := range seeds {
			if _, err := m.AddCamera(model.Camera{ID: seed.ID, Name: seed.Name, Source: seed.Source, Enabled: true}); err != nil {
				return err
			}
		}
		return nil
	}

	existing, err := m.cameras.GetAll()
	if err != nil {
		return err
	}
	if len(existing) == 0 {
		for _, seed := range seeds {
			cam := model.Camera{ID: seed.ID, Name: seed.Name, Source: seed.Source, Enabled: true}
			if _, err := m.cameras.Insert(&cam); err != nil {
				return err
			}
			m.logger.Info("Seeded camera %d (%s)", seed.ID, seed.Source)
		}
		if existing, err = m.cameras.GetAll(); err != nil {
			return err
		}
	}

	for _, cam := range existing {
		if err := m.registry.Add(cam); err != nil {
			m.logger.Error("Failed to start camera %d: %v", cam.ID, err)
			continue
		}
	}
	m.logger.Info("%d cameras loaded, %d streaming", len(existing), m.registry.ActiveCount())
	return nil
}

// RemoveCamera stops and forgets a camera.
func (m *Manager) RemoveCamera(id int64) error {
	if err := m.registry.Remove(id); err != nil {
		return err
	}
	m.closeStream(id)
	if m.cameras != nil {
		if err := m.cameras.Delete(id); err != nil {
			return err
		}
	}
	m.logger.Info("Camera %d removed", id)
	return nil
}

func (m *Manager) EnableCamera(id int64) error {
	if err := m.registry.Enable(id); err != nil {
		return err
	}
	return m.persistEnabled(id, true)
}

func (m *Manager) DisableCamera(id int64) error {
	if err := m.registry.Disable(id); err != nil {
		return err
	}
	return m.persistEnabled(id, false)
}

func (m *Manager) persistEnabled(id int64, enabled bool) error {
	if m.cameras == nil {
		return nil
	}
	return m.cameras.SetEnabled(id, enabled)
}

// Capture stores a manual capture and returns the image reference.
func (m *Manager) Capture(ctx context.Context, cameraID int64, operatorID *int64, note string) dto.CaptureResponse {
	v, err := m.recorder.Capture(ctx, cameraID, operatorID, note)
	if err != nil {
		m.logger.Warning("Manual capture on camera %d failed: %v", cameraID, err)
		resp := dto.CaptureResponse{Error: err.Error()}
		if v != nil {
			resp.EventID = v.EventID
		}
		return resp
	}
	return dto.CaptureResponse{ImagePath: v.ImagePath, EventID: v.EventID}
}

// Violations lists recorded events, newest first, with the total count for paging.
func (m *Manager) Violations(filter *dto.ViolationFilter) ([]model.Violation, int, error) {
	violations, err := m.violations.GetAll(filter)
	if err != nil {
		return nil, 0, err
	}
	total, err := m.violations.GetTotalCount(filter)
	if err != nil {
		return nil, 0, err
	}
	return violations, total, nil
}

// AppendSupervisorNote adds a supervisor remark to an existing record.
func (m *Manager) AppendSupervisorNote(id int64, note string) error {
	if strings.TrimSpace(note) == "" {
		return errors.New("note must not be empty")
	}
	return m.violations.AppendSupervisorNote(id, note)
}

// Stream returns the MJPEG stream of a camera, creating it on first use.
func (m *Manager) Stream(cameraID int64) (http.Handler, error) {
	if _, ok := m.registry.Camera(cameraID); !ok {
		return nil, fmt.Errorf("%w: %d", camera.ErrUnknownCamera, cameraID)
	}

	m.streamsMu.Lock()
	defer m.streamsMu.Unlock()

	stream, ok := m.streams[cameraID]
	if !ok {
		stream = mjpeg.NewStream()
		m.streams[cameraID] = stream
		if snapshot, ok := m.registry.Snapshot(cameraID); ok && snapshot.Frame != nil {
			stream.UpdateJPEG(snapshot.Frame)
		}
	}
	return stream, nil
}

// RunStreams pushes new frames into the open MJPEG streams until ctx is done.
func (m *Manager) RunStreams(ctx context.Context) {
	ticker := time.NewTicker(m.streamInterval)
	defer ticker.Stop()

	last := make(map[int64]*byte)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.feedStreams(last)
		}
	}
}

// feedStreams updates every stream whose camera published a new frame since the previous tick.
func (m *Manager) feedStreams(last map[int64]*byte) {
	m.streamsMu.Lock()
	defer m.streamsMu.Unlock()

	for id, stream := range m.streams {
		snapshot, ok := m.registry.Snapshot(id)
		if !ok || len(snapshot.Frame) == 0 {
			continue
		}
		// Published frames are never modified, so a new backing array means a new frame.
		if last[id] == &snapshot.Frame[0] {
			continue
		}
		last[id] = &snapshot.Frame[0]
		stream.UpdateJPEG(snapshot.Frame)
	}
}

func (m *Manager) closeStream(id int64) {
	m.streamsMu.Lock()
	defer m.streamsMu.Unlock()
	delete(m.streams, id)
}
