// Package recorder turns trigger events into persisted violation records with snapshot evidence.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"ppegate/internal/logger"
	"ppegate/internal/model"
	"ppegate/internal/repository"
	"ppegate/internal/service/camera"
	"ppegate/internal/service/classifier"
)

var (
	// ErrStreamNotActive is returned by Capture for unknown or disabled cameras.
	ErrStreamNotActive = errors.New("camera stream not active")
	// ErrNoFrame is returned by Capture when the camera has not produced a frame yet.
	ErrNoFrame = errors.New("no frame available")
	// ErrSnapshotFailed is returned by Capture when the record was stored without its image.
	ErrSnapshotFailed = errors.New("snapshot could not be saved")
)

const fileTimeLayout = "20060102_150405"

// Request describes one trigger.
type Request struct {
	Kind       model.ViolationKind
	CameraID   int64
	Status     classifier.Status
	Frame      []byte
	OperatorID *int64
	Note       string
	GateAction string
	SkipImage  bool

	// NoViolation stores the record without missing items, whatever Status reports.
	NoViolation bool
}

// ImageStore persists encoded snapshots and returns their reference.
type ImageStore interface {
	Save(name string, data []byte) (string, error)
}

// Publisher is notified after a record was stored.
type Publisher interface {
	PublishViolation(v *model.Violation)
}

// Sources resolves cameras and their latest published snapshot.
type Sources interface {
	Camera(id int64) (model.Camera, bool)
	Snapshot(id int64) (camera.Snapshot, bool)
}

// Recorder assembles violation records. It holds no state between calls.
type Recorder struct {
	repo       repository.ViolationRepository
	images     ImageStore
	sources    Sources
	publishers []Publisher
	clock      clock.Clock
	logger     *logger.Logger
}

// NewRecorder creates a recorder. sources is only needed for Capture; nil publishers are skipped.
func NewRecorder(repo repository.ViolationRepository, images ImageStore, sources Sources, clk clock.Clock, logger *logger.Logger, publishers ...Publisher) *Recorder {
	if clk == nil {
		clk = clock.New()
	}
	r := &Recorder{
		repo:    repo,
		images:  images,
		sources: sources,
		clock:   clk,
		logger:  logger,
	}
	for _, p := range publishers {
		if p != nil {
			r.publishers = append(r.publishers, p)
		}
	}
	return r
}

// Record builds, persists and publishes one violation. A failed snapshot leaves the image reference nil;
// only a persistence failure is returned. The write is not abandoned when ctx is cancelled.
func (r *Recorder) Record(ctx context.Context, req Request) (*model.Violation, error) {
	if !req.Kind.IsValid() {
		return nil, fmt.Errorf("invalid violation kind %q", req.Kind)
	}

	now := r.clock.Now()
	v := &model.Violation{
		EventID:    uuid.NewString(),
		Kind:       req.Kind,
		CameraID:   req.CameraID,
		GateAction: req.GateAction,
		OperatorID: req.OperatorID,
		Notes:      req.Note,
		Timestamp:  now,
	}
	if !req.NoViolation {
		v.MissingItems = req.Status.MissingItems()
	}
	if v.GateAction == "" {
		v.GateAction = model.GateActionNone
	}

	if !req.SkipImage {
		path, err := r.saveImage(req, v.EventID, now)
		if err != nil {
			r.logger.Error("Snapshot for %s on camera %d failed: %v", req.Kind, req.CameraID, err)
		} else {
			v.ImagePath = &path
		}
	}

	id, err := r.repo.Insert(v)
	if err != nil {
		return nil, fmt.Errorf("failed to persist %s record: %w", req.Kind, err)
	}
	v.ID = id

	r.logger.Info("Recorded %s on camera %d (missing: %s, gate: %s)",
		v.Kind, v.CameraID, model.JoinMissingItems(v.MissingItems), v.GateAction)

	for _, p := range r.publishers {
		p.PublishViolation(v)
	}
	return v, nil
}

func (r *Recorder) saveImage(req Request, eventID string, ts time.Time) (string, error) {
	if r.images == nil {
		return "", errors.New("no image store configured")
	}
	if req.Frame == nil {
		return "", ErrNoFrame
	}
	return r.images.Save(FileName(req.Kind, req.CameraID, eventID, ts), req.Frame)
}

// FileName names the snapshot of a record. Manual captures use rtsp_<camera>_<YYYYmmdd_HHMMSS>.jpg.
func FileName(kind model.ViolationKind, cameraID int64, eventID string, ts time.Time) string {
	stamp := ts.Format(fileTimeLayout)
	if kind == model.KindManualCapture {
		return fmt.Sprintf("rtsp_%d_%s.jpg", cameraID, stamp)
	}
	if len(eventID) > 8 {
		eventID = eventID[:8]
	}
	return fmt.Sprintf("%s_%d_%s_%s.jpg", kind, cameraID, stamp, eventID)
}

// CaptureNote is the note stored with a manual capture when the operator gave none.
func CaptureNote(cameraName string, status classifier.Status) string {
	return fmt.Sprintf("[CCTV:%s] Manual capture by supervisor. PPE status: %s – missing: %s",
		cameraName, status.Verdict, model.JoinMissingItems(status.MissingItems()))
}

// Capture records a manual capture of the camera's latest frame.
// The record is returned together with ErrSnapshotFailed when the image could not be saved.
func (r *Recorder) Capture(ctx context.Context, cameraID int64, operatorID *int64, note string) (*model.Violation, error) {
	if r.sources == nil {
		return nil, ErrStreamNotActive
	}
	cam, ok := r.sources.Camera(cameraID)
	if !ok {
		return nil, ErrStreamNotActive
	}
	snapshot, ok := r.sources.Snapshot(cameraID)
	if !ok {
		return nil, ErrStreamNotActive
	}
	if snapshot.Frame == nil {
		return nil, ErrNoFrame
	}

	if note == "" {
		note = CaptureNote(cam.Name, snapshot.Status)
	}

	v, err := r.Record(ctx, Request{
		Kind:       model.KindManualCapture,
		CameraID:   cameraID,
		Status:     snapshot.Status,
		Frame:      snapshot.Frame,
		OperatorID: operatorID,
		Note:       note,
		GateAction: model.GateActionNone,
	})
	if err != nil {
		return nil, err
	}
	if v.ImagePath == nil {
		return v, ErrSnapshotFailed
	}
	return v, nil
}
