package handler

import (
	"net/http"

	"ppegate/internal/dto"
	"ppegate/internal/logger"
	"ppegate/internal/model"
	"ppegate/internal/service"
)

// ListCamerasHandler returns every registered camera.
func ListCamerasHandler(manager *service.Manager, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, logger, http.StatusOK, manager.Cameras())
	}
}

// AddCameraHandler registers a camera. Cameras are enabled unless the request says otherwise.
func AddCameraHandler(manager *service.Manager, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req dto.CameraRequest
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, logger, http.StatusBadRequest, "invalid request body")
			return
		}

		enabled := true
		if req.Enabled != nil {
			enabled = *req.Enabled
		}
		cam, err := manager.AddCamera(model.Camera{ID: req.ID, Name: req.Name, Source: req.Source, Enabled: enabled})
		if err != nil {
			writeServiceError(w, logger, err)
			return
		}
		writeJSON(w, logger, http.StatusCreated, cam)
	}
}

// RemoveCameraHandler stops and deletes the camera given by ?id=.
func RemoveCameraHandler(manager *service.Manager, logger *logger.Logger) http.HandlerFunc {
	return cameraCommand(manager.RemoveCamera, logger)
}

// EnableCameraHandler starts the stream of the camera given by ?id=.
func EnableCameraHandler(manager *service.Manager, logger *logger.Logger) http.HandlerFunc {
	return cameraCommand(manager.EnableCamera, logger)
}

// DisableCameraHandler stops the stream of the camera given by ?id= but keeps it registered.
func DisableCameraHandler(manager *service.Manager, logger *logger.Logger) http.HandlerFunc {
	return cameraCommand(manager.DisableCamera, logger)
}

func cameraCommand(command func(int64) error, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := cameraParam(r, "id")
		if !ok {
			writeError(w, logger, http.StatusBadRequest, "id parameter is required")
			return
		}
		if err := command(id); err != nil {
			writeServiceError(w, logger, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
