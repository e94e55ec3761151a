package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"ppegate/internal/dto"
	"ppegate/internal/logger"
	"ppegate/internal/repository"
	"ppegate/internal/service"
	"ppegate/internal/service/camera"
	"ppegate/internal/service/gate"
	"ppegate/internal/service/recorder"
)

// maxBodySize bounds JSON request bodies.
const maxBodySize = 1 << 16

func writeJSON(w http.ResponseWriter, logger *logger.Logger, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("Error encoding JSON response: %v", err)
	}
}

func writeError(w http.ResponseWriter, logger *logger.Logger, status int, message string) {
	writeJSON(w, logger, status, dto.ErrorResponse{Error: message})
}

// writeServiceError maps service errors onto HTTP status codes.
func writeServiceError(w http.ResponseWriter, logger *logger.Logger, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, camera.ErrUnknownCamera),
		errors.Is(err, repository.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, camera.ErrInvalidCamera):
		status = http.StatusBadRequest
	case errors.Is(err, camera.ErrCameraExists),
		errors.Is(err, gate.ErrOverrideActive),
		errors.Is(err, gate.ErrOverrideInactive):
		status = http.StatusConflict
	case errors.Is(err, gate.ErrActuatorFault),
		errors.Is(err, recorder.ErrStreamNotActive),
		errors.Is(err, service.ErrFrameUnavailable):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		logger.Error("Request failed: %v", err)
	}
	writeError(w, logger, status, err.Error())
}

// decodeBody reads an optional JSON body into v. An empty body leaves v untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	decoder.DisallowUnknownFields()
	return decoder.Decode(v)
}

// cameraParam parses a positive camera id from the named query parameter.
func cameraParam(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(r.URL.Query().Get(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// atoiDefault converts string to int or returns a default when conversion fails or value <= 0.
func atoiDefault(s string, def int) int {
	if v, err := strconv.Atoi(s); err == nil && v > 0 {
		return v
	}
	return def
}
