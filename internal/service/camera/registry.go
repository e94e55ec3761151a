package camera

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/multierr"

	"ppegate/internal/logger"
	"ppegate/internal/model"
)

var (
	ErrUnknownCamera = errors.New("unknown camera")
	ErrCameraExists  = errors.New("camera already registered")
	ErrInvalidCamera = errors.New("invalid camera")
)

type entry struct {
	camera model.Camera
	worker *Worker // nil while the camera is disabled
}

// Registry supervises the workers of all known cameras.
// Mutations are serialized so that a stopping worker has released its device
// before the same source can be started again. Reads never wait on a stop.
type Registry struct {
	opener   Opener
	detector Detector
	opts     Options
	logger   *logger.Logger
	onChange ChangeFunc

	opMu    sync.Mutex
	mu      sync.RWMutex
	entries map[int64]*entry
}

// NewRegistry creates an empty registry. Workers share opener and detector.
func NewRegistry(opener Opener, detector Detector, opts Options, logger *logger.Logger, onChange ChangeFunc) *Registry {
	return &Registry{
		opener:   opener,
		detector: detector,
		opts:     opts,
		logger:   logger,
		onChange: onChange,
		entries:  make(map[int64]*entry),
	}
}

// Add registers a camera and starts its worker when the camera is enabled.
func (r *Registry) Add(cam model.Camera) error {
	if err := validate(cam); err != nil {
		return err
	}

	r.opMu.Lock()
	defer r.opMu.Unlock()

	if _, ok := r.lookup(cam.ID); ok {
		return fmt.Errorf("%w: %d", ErrCameraExists, cam.ID)
	}

	e := &entry{camera: cam}
	if cam.Enabled {
		e.worker = r.startWorker(cam)
	}

	r.mu.Lock()
	r.entries[cam.ID] = e
	r.mu.Unlock()
	return nil
}

// Remove stops a camera's worker and forgets the camera.
func (r *Registry) Remove(id int64) error {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	r.mu.Lock()
	e, ok := r.entries[id]
	delete(r.entries, id)
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownCamera, id)
	}
	return r.stopWorker(e.worker)
}

// Enable starts the worker of a registered camera. Enabling a running camera does nothing.
func (r *Registry) Enable(id int64) error {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	e, ok := r.lookup(id)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownCamera, id)
	}
	if e.worker != nil {
		return nil
	}

	cam := e.camera
	cam.Enabled = true
	worker := r.startWorker(cam)

	r.mu.Lock()
	r.entries[id] = &entry{camera: cam, worker: worker}
	r.mu.Unlock()
	return nil
}

// Disable stops the worker of a registered camera but keeps the camera known.
func (r *Registry) Disable(id int64) error {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	e, ok := r.lookup(id)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownCamera, id)
	}
	if e.worker == nil {
		return nil
	}

	cam := e.camera
	cam.Enabled = false

	r.mu.Lock()
	r.entries[id] = &entry{camera: cam}
	r.mu.Unlock()

	return r.stopWorker(e.worker)
}

// Snapshot returns the latest state of a running camera.
func (r *Registry) Snapshot(id int64) (Snapshot, bool) {
	e, ok := r.lookup(id)
	if !ok || e.worker == nil {
		return Snapshot{}, false
	}
	return e.worker.Snapshot(), true
}

// Camera returns the registered camera with the given id.
func (r *Registry) Camera(id int64) (model.Camera, bool) {
	e, ok := r.lookup(id)
	if !ok {
		return model.Camera{}, false
	}
	return e.camera, true
}

// Cameras returns every registered camera ordered by id.
func (r *Registry) Cameras() []model.Camera {
	r.mu.RLock()
	cameras := make([]model.Camera, 0, len(r.entries))
	for _, e := range r.entries {
		cameras = append(cameras, e.camera)
	}
	r.mu.RUnlock()

	sort.Slice(cameras, func(i, j int) bool { return cameras[i].ID < cameras[j].ID })
	return cameras
}

// ActiveCount returns the number of running workers.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for _, e := range r.entries {
		if e.worker != nil {
			count++
		}
	}
	return count
}

// StopAll stops every worker and empties the registry.
func (r *Registry) StopAll() error {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[int64]*entry)
	r.mu.Unlock()

	var err error
	for _, e := range entries {
		err = multierr.Append(err, r.stopWorker(e.worker))
	}
	return err
}

func (r *Registry) lookup(id int64) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return e, ok
}

func (r *Registry) startWorker(cam model.Camera) *Worker {
	worker := NewWorker(cam, r.opener, r.detector, r.opts, r.logger, r.onChange)
	worker.Start()
	return worker
}

func (r *Registry) stopWorker(worker *Worker) error {
	if worker == nil {
		return nil
	}
	if err := worker.Stop(); err != nil {
		r.logger.Error("Failed to stop stream: %v", err)
		return err
	}
	return nil
}

func validate(cam model.Camera) error {
	if cam.ID <= 0 {
		return fmt.Errorf("%w: id must be positive", ErrInvalidCamera)
	}
	if strings.TrimSpace(cam.Source) == "" {
		return fmt.Errorf("%w: empty source", ErrInvalidCamera)
	}
	return nil
}
