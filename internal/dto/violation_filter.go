package dto

import "time"

// ViolationFilter narrows the violation list. Zero values mean "no constraint".
type ViolationFilter struct {
	CameraID int64
	Kind     string
	Since    time.Time
	Until    time.Time
	Limit    int
	Offset   int
}
