// Package camera runs one capture/inference loop per camera and supervises the set of loops.
package camera

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"ppegate/internal/dto"
	"ppegate/internal/logger"
	"ppegate/internal/model"
	"ppegate/internal/service/classifier"
)

// Frame is one decoded image, owned by the worker until Close.
type Frame interface {
	JPEG() ([]byte, error)
	Close() error
}

// Capture is an open camera device or network stream.
type Capture interface {
	// Grab consumes the next frame without handing it out.
	Grab() error
	Read() (Frame, error)
	Close() error
}

// Opener opens the source described by a camera.
type Opener interface {
	Open(ctx context.Context, cam model.Camera) (Capture, error)
}

// Detector returns labeled boxes for a frame.
type Detector interface {
	Detect(frame Frame) ([]dto.DetectionResult, error)
}

// Annotator is implemented by detectors that can draw their results onto the frame.
type Annotator interface {
	Annotate(frame Frame, detections []dto.DetectionResult) error
}

// ChangeFunc is called from the worker goroutine when the verdict of a camera changes.
// It must not block.
type ChangeFunc func(cam model.Camera, prev classifier.Verdict, status classifier.Status)

// Options tune the capture loop.
type Options struct {
	SkipFactor        int
	ReconnectInterval time.Duration
	MaxReadFailures   int
	StopTimeout       time.Duration
}

func (o Options) withDefaults() Options {
	if o.SkipFactor < 1 {
		o.SkipFactor = 1
	}
	if o.ReconnectInterval <= 0 {
		o.ReconnectInterval = 10 * time.Second
	}
	if o.MaxReadFailures < 1 {
		o.MaxReadFailures = 5
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = 3 * time.Second
	}
	return o
}

// Snapshot is the latest published state of a camera. Status always belongs to Frame.
// Frame is nil until the first frame has been processed and must not be modified.
type Snapshot struct {
	Status    classifier.Status
	Frame     []byte
	Connected bool
}

// Worker owns the capture → inference → publish cycle of one camera.
type Worker struct {
	camera   model.Camera
	opener   Opener
	detector Detector
	opts     Options
	logger   *logger.Logger
	onChange ChangeFunc

	snapshot atomic.Pointer[Snapshot]

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewWorker creates a stopped worker for cam.
func NewWorker(cam model.Camera, opener Opener, detector Detector, opts Options, logger *logger.Logger, onChange ChangeFunc) *Worker {
	w := &Worker{
		camera:   cam,
		opener:   opener,
		detector: detector,
		opts:     opts.withDefaults(),
		logger:   logger,
		onChange: onChange,
	}
	w.snapshot.Store(&Snapshot{Status: classifier.Unknown(time.Time{})})
	return w
}

// Camera returns the camera this worker captures from.
func (w *Worker) Camera() model.Camera {
	return w.camera
}

// Snapshot returns the most recently published state.
func (w *Worker) Snapshot() Snapshot {
	return *w.snapshot.Load()
}

// Running reports whether the capture goroutine has been started and not stopped.
func (w *Worker) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cancel != nil
}

// Start launches the capture goroutine. Calling Start on a running worker does nothing.
func (w *Worker) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.done = make(chan struct{})

	go w.run(ctx, w.done)
	w.logger.Info("Stream started: [%d] %s", w.camera.ID, w.camera.Name)
}

// Stop cancels the capture goroutine and waits for it to release the device.
func (w *Worker) Stop() error {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.cancel, w.done = nil, nil
	w.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	timer := time.NewTimer(w.opts.StopTimeout)
	defer timer.Stop()

	select {
	case <-done:
		w.logger.Info("Stream stopped: [%d] %s", w.camera.ID, w.camera.Name)
		return nil
	case <-timer.C:
		return fmt.Errorf("camera %d did not release its device within %v", w.camera.ID, w.opts.StopTimeout)
	}
}

// run keeps reopening the source at a fixed interval until ctx is cancelled.
func (w *Worker) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer w.setConnected(false)

	tracker := classifier.NewTracker()

	for ctx.Err() == nil {
		capture, err := w.opener.Open(ctx, w.camera)
		if err != nil {
			w.logger.Warning("Cannot open camera [%d] %s: %v (retry in %v)", w.camera.ID, w.camera.Name, err, w.opts.ReconnectInterval)
			if !w.wait(ctx) {
				return
			}
			continue
		}

		w.setConnected(true)
		w.logger.Info("Connected to camera [%d] %s", w.camera.ID, w.camera.Name)

		err = w.readLoop(ctx, capture, tracker)

		if closeErr := capture.Close(); closeErr != nil {
			w.logger.Warning("Failed to release camera [%d]: %v", w.camera.ID, closeErr)
		}
		w.setConnected(false)

		if ctx.Err() != nil {
			return
		}
		w.logger.Warning("Lost connection to camera [%d] %s: %v, reconnecting in %v", w.camera.ID, w.camera.Name, err, w.opts.ReconnectInterval)
		if !w.wait(ctx) {
			return
		}
	}
}

// readLoop drains frames and processes every SkipFactor-th one. It returns once
// MaxReadFailures consecutive reads have failed or ctx is cancelled.
func (w *Worker) readLoop(ctx context.Context, capture Capture, tracker *classifier.Tracker) error {
	var (
		frameCount    int
		failures      int
		lastProcessed time.Time
	)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		frameCount++
		process := frameCount%w.opts.SkipFactor == 0

		var (
			frame Frame
			err   error
		)
		if process {
			frame, err = capture.Read()
		} else {
			err = capture.Grab()
		}

		if err != nil {
			failures++
			if failures >= w.opts.MaxReadFailures {
				return fmt.Errorf("%d consecutive read failures: %w", failures, err)
			}
			w.logger.Debug("Camera [%d]: skipped unreadable frame: %v", w.camera.ID, err)
			continue
		}
		failures = 0

		if process {
			w.process(frame, tracker, &lastProcessed)
		}
	}
}

// process runs detection on one frame and publishes the status together with the encoded frame.
func (w *Worker) process(frame Frame, tracker *classifier.Tracker, lastProcessed *time.Time) {
	defer frame.Close()

	status := w.detect(frame)

	now := time.Now()
	if !lastProcessed.IsZero() {
		if dt := now.Sub(*lastProcessed).Seconds(); dt > 0 {
			status.FPS = math.Round(10/dt) / 10
		}
	}
	*lastProcessed = now
	status.Timestamp = now

	// A frame that fails to encode still contributes its status; the previous frame is kept.
	data, err := frame.JPEG()
	if err != nil {
		w.logger.Warning("Camera [%d]: failed to encode frame: %v", w.camera.ID, err)
		data = w.snapshot.Load().Frame
	}

	w.snapshot.Store(&Snapshot{Status: status, Frame: data, Connected: true})

	if prev, changed := tracker.Observe(status.Verdict); changed {
		w.logger.Info("Camera [%d] %s: PPE status %s -> %s", w.camera.ID, w.camera.Name, prev, status.Verdict)
		if w.onChange != nil {
			w.onChange(w.camera, prev, status)
		}
	}
}

// detect never fails: detector errors and panics yield an UNKNOWN status.
func (w *Worker) detect(frame Frame) (status classifier.Status) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Camera [%d]: detector panic: %v", w.camera.ID, r)
			status = classifier.Unknown(time.Time{})
		}
	}()

	detections, err := w.detector.Detect(frame)
	if err != nil {
		w.logger.Warning("Camera [%d]: detection failed: %v", w.camera.ID, err)
		return classifier.Unknown(time.Time{})
	}

	if annotator, ok := w.detector.(Annotator); ok {
		if err := annotator.Annotate(frame, detections); err != nil {
			w.logger.Debug("Camera [%d]: failed to annotate frame: %v", w.camera.ID, err)
		}
	}

	return classifier.ClassifyDetections(detections)
}

// setConnected republishes the current snapshot with a new connection flag.
// Only the worker goroutine writes snapshots, so load-then-store does not race.
func (w *Worker) setConnected(connected bool) {
	current := w.snapshot.Load()
	if current.Connected == connected {
		return
	}
	next := *current
	next.Connected = connected
	w.snapshot.Store(&next)
}

func (w *Worker) wait(ctx context.Context) bool {
	timer := time.NewTimer(w.opts.ReconnectInterval)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
