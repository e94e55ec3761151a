package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"ppegate/internal/dto"
	"ppegate/internal/logger"
	"ppegate/internal/repository"
	"ppegate/internal/service"
	"ppegate/internal/service/camera"
	"ppegate/internal/service/gate"
	"ppegate/internal/service/recorder"
)

func TestWriteServiceError(t *testing.T) {
	tests := []struct {
		err      error
		expected int
	}{
		{fmt.Errorf("%w: 4", camera.ErrUnknownCamera), http.StatusNotFound},
		{fmt.Errorf("violation 9: %w", repository.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("%w: empty source", camera.ErrInvalidCamera), http.StatusBadRequest},
		{camera.ErrCameraExists, http.StatusConflict},
		{gate.ErrOverrideActive, http.StatusConflict},
		{gate.ErrOverrideInactive, http.StatusConflict},
		{fmt.Errorf("%w: drive OPEN: stalled", gate.ErrActuatorFault), http.StatusServiceUnavailable},
		{recorder.ErrStreamNotActive, http.StatusServiceUnavailable},
		{service.ErrFrameUnavailable, http.StatusServiceUnavailable},
		{errors.New("disk I/O error"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			rec := httptest.NewRecorder()
			writeServiceError(rec, logger.NewNop(), tt.err)

			if rec.Code != tt.expected {
				t.Errorf("expected %d, got %d", tt.expected, rec.Code)
			}
			var body dto.ErrorResponse
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
				t.Fatalf("Failed to decode body: %v", err)
			}
			if body.Error != tt.err.Error() {
				t.Errorf("expected error %q, got %q", tt.err.Error(), body.Error)
			}
		})
	}
}

func TestParseDate(t *testing.T) {
	if !parseDate("").IsZero() || !parseDate("yesterday").IsZero() {
		t.Error("expected zero time for empty or invalid input")
	}
	got := parseDate("2024-06-01")
	want := time.Date(2024, 6, 1, 0, 0, 0, 0, time.Local)
	if !got.Equal(want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestCameraParam(t *testing.T) {
	tests := []struct {
		query string
		want  int64
		ok    bool
	}{
		{"camera=3", 3, true},
		{"camera=0", 0, false},
		{"camera=-2", 0, false},
		{"camera=abc", 0, false},
		{"", 0, false},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/api/status?"+tt.query, nil)
		got, ok := cameraParam(req, "camera")
		if got != tt.want || ok != tt.ok {
			t.Errorf("cameraParam(%q) = %d, %v; want %d, %v", tt.query, got, ok, tt.want, tt.ok)
		}
	}
}
