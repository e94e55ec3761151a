package handler

import (
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"ppegate/internal/config"
	"ppegate/internal/dto"
	"ppegate/internal/logger"
	"ppegate/internal/model"
	"ppegate/internal/service"
)

// ViolationsHandler returns a filtered, paginated list of violation records, newest first.
func ViolationsHandler(manager *service.Manager, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		page := atoiDefault(q.Get("page"), 1)
		limit := atoiDefault(q.Get("limit"), 24)

		filter := &dto.ViolationFilter{
			Kind:   q.Get("type"),
			Since:  parseDate(q.Get("dateAfter")),
			Limit:  limit,
			Offset: (page - 1) * limit,
		}
		if filter.Kind != "" && !model.ViolationKind(filter.Kind).IsValid() {
			writeError(w, logger, http.StatusBadRequest, "unknown violation type")
			return
		}
		if id, ok := cameraParam(r, "camera"); ok {
			filter.CameraID = id
		}
		// dateBefore is inclusive.
		if before := parseDate(q.Get("dateBefore")); !before.IsZero() {
			filter.Until = before.AddDate(0, 0, 1)
		}

		violations, total, err := manager.Violations(filter)
		if err != nil {
			logger.Error("Error querying violations from database: %v", err)
			writeError(w, logger, http.StatusInternalServerError, "Internal Server Error")
			return
		}
		if violations == nil {
			violations = []model.Violation{}
		}

		writeJSON(w, logger, http.StatusOK, dto.ViolationListResponse{
			Violations:  violations,
			Total:       total,
			TotalPages:  (total + limit - 1) / limit,
			CurrentPage: page,
			Limit:       limit,
		})
	}
}

// SupervisorNoteHandler appends a supervisor remark to the record given by ?id=.
func SupervisorNoteHandler(manager *service.Manager, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(r.URL.Query().Get("id"), 10, 64)
		if err != nil || id <= 0 {
			writeError(w, logger, http.StatusBadRequest, "id parameter is required")
			return
		}
		var req dto.NoteRequest
		if err := decodeBody(w, r, &req); err != nil || req.Note == "" {
			writeError(w, logger, http.StatusBadRequest, "note is required")
			return
		}

		if err := manager.AppendSupervisorNote(id, req.Note); err != nil {
			writeServiceError(w, logger, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// ViewSnapshotHandler serves a single snapshot specified via the "image" query parameter.
func ViewSnapshotHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		image := r.URL.Query().Get("image")
		if image == "" {
			http.Error(w, "Image parameter is required", http.StatusBadRequest)
			return
		}
		http.ServeFile(w, r, filepath.Join(cfg.ViolationsDir, filepath.Base(image)))
	}
}

// parseDate parses a date string in the format "2006-01-02" (HTML input format) in local time.
func parseDate(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	t, err := time.ParseInLocation("2006-01-02", v, time.Local)
	if err != nil {
		return time.Time{}
	}
	return t
}
