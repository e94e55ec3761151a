package handler

import (
	"errors"
	"net/http"

	"ppegate/internal/logger"
	"ppegate/internal/service"
)

// StatusHandler returns the compliance and gate status of one camera.
// Unknown cameras are reported as OFFLINE rather than as an error.
func StatusHandler(manager *service.Manager, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := cameraParam(r, "camera")
		if !ok {
			writeError(w, logger, http.StatusBadRequest, "camera parameter is required")
			return
		}
		writeJSON(w, logger, http.StatusOK, manager.Status(id))
	}
}

// AllStatusHandler returns the status of every registered camera.
func AllStatusHandler(manager *service.Manager, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, logger, http.StatusOK, map[string]interface{}{
			"cameras": manager.Statuses(),
			"gate":    manager.GateState(),
		})
	}
}

// FrameHandler serves the latest annotated JPEG of a camera, 204 while none is available.
func FrameHandler(manager *service.Manager, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := cameraParam(r, "camera")
		if !ok {
			writeError(w, logger, http.StatusBadRequest, "camera parameter is required")
			return
		}

		frame, err := manager.LatestFrame(id)
		if errors.Is(err, service.ErrFrameUnavailable) {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if err != nil {
			writeServiceError(w, logger, err)
			return
		}

		w.Header().Set("Content-Type", "image/jpeg")
		w.Header().Set("Cache-Control", "no-cache")
		w.Write(frame)
	}
}

// StreamHandler serves the live MJPEG stream of a camera.
func StreamHandler(manager *service.Manager, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := cameraParam(r, "camera")
		if !ok {
			writeError(w, logger, http.StatusBadRequest, "camera parameter is required")
			return
		}

		stream, err := manager.Stream(id)
		if err != nil {
			writeServiceError(w, logger, err)
			return
		}
		logger.Info("MJPEG viewer connected to camera %d", id)
		stream.ServeHTTP(w, r)
	}
}
