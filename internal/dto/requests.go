package dto

import "ppegate/internal/model"

// OverrideRequest is the body of override and toggle commands.
type OverrideRequest struct {
	Note string `json:"note"`
}

// CameraRequest is the body of the add-camera command.
type CameraRequest struct {
	ID      int64  `json:"id"`
	Name    string `json:"name"`
	Source  string `json:"source"`
	Enabled *bool  `json:"enabled"`
}

// CaptureRequest is the body of the manual-capture command.
type CaptureRequest struct {
	CameraID int64  `json:"camera_id"`
	Note     string `json:"note"`
}

// CaptureResponse carries the saved image reference, or the reason the capture failed.
type CaptureResponse struct {
	ImagePath *string `json:"image_path"`
	EventID   string  `json:"event_id,omitempty"`
	Error     string  `json:"error,omitempty"`
}

// NoteRequest is the body of the supervisor-note command.
type NoteRequest struct {
	Note string `json:"note"`
}

// ViolationListResponse is one page of the violation list.
type ViolationListResponse struct {
	Violations  []model.Violation `json:"violations"`
	Total       int               `json:"total"`
	TotalPages  int               `json:"total_pages"`
	CurrentPage int               `json:"current_page"`
	Limit       int               `json:"limit"`
}

// ErrorResponse is the JSON body of every failed API call.
type ErrorResponse struct {
	Error string `json:"error"`
}
