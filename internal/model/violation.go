package model

import (
	"strings"
	"time"
)

// ViolationKind is the trigger that produced a violation record.
type ViolationKind string

const (
	KindManualOverride   ViolationKind = "manual_override"
	KindAutoDenied       ViolationKind = "auto_denied"
	KindAutoModeRestored ViolationKind = "auto_mode_restored"
	KindManualCapture    ViolationKind = "manual_capture"
)

// Gate actions stored with each record.
const (
	GateActionOpen   = "OPEN"
	GateActionClosed = "CLOSED"
	GateActionNone   = "N/A"
)

const noMissingItems = "N/A"

// Violation represents an audit record of a compliance or mode-change trigger.
// ImagePath and OperatorID are nil when no snapshot was saved or no operator acted.
type Violation struct {
	ID              int64         `json:"id"`
	EventID         string        `json:"event_id"`
	Kind            ViolationKind `json:"violation_type"`
	CameraID        int64         `json:"camera_id"`
	MissingItems    []string      `json:"missing_items"`
	ImagePath       *string       `json:"image_path"`
	GateAction      string        `json:"gate_action"`
	OperatorID      *int64        `json:"operator_id"`
	Notes           string        `json:"notes"`
	SupervisorNotes string        `json:"supervisor_notes,omitempty"`
	Timestamp       time.Time     `json:"timestamp"`
}

// IsValid reports whether k is one of the known trigger kinds.
func (k ViolationKind) IsValid() bool {
	switch k {
	case KindManualOverride, KindAutoDenied, KindAutoModeRestored, KindManualCapture:
		return true
	}
	return false
}

// JoinMissingItems formats missing items for storage, "N/A" when there are none.
func JoinMissingItems(items []string) string {
	if len(items) == 0 {
		return noMissingItems
	}
	return strings.Join(items, ", ")
}

// SplitMissingItems is the inverse of JoinMissingItems.
func SplitMissingItems(value string) []string {
	if value == "" || value == noMissingItems {
		return nil
	}
	parts := strings.Split(value, ",")
	items := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			items = append(items, p)
		}
	}
	return items
}
