package handler

import (
	"net/http"

	"ppegate/internal/dto"
	"ppegate/internal/logger"
	"ppegate/internal/middleware"
	"ppegate/internal/service"
)

// CaptureHandler stores a manual capture of a camera's latest frame.
// A capture stored without its image still answers 200 with the reason in the error field.
func CaptureHandler(manager *service.Manager, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req dto.CaptureRequest
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, logger, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.CameraID <= 0 {
			writeError(w, logger, http.StatusBadRequest, "camera_id is required")
			return
		}

		resp := manager.Capture(r.Context(), req.CameraID, middleware.OperatorID(r.Context()), req.Note)
		status := http.StatusOK
		if resp.Error != "" && resp.EventID == "" {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, logger, status, resp)
	}
}
