package repository

import (
	"errors"

	"ppegate/internal/dto"
	"ppegate/internal/model"
)

// ErrNotFound is returned by updates that matched no row.
var ErrNotFound = errors.New("not found")

// ViolationRepository defines the interface for violation record operations.
type ViolationRepository interface {
	// Create operations
	Insert(v *model.Violation) (int64, error)

	// Read operations
	GetByID(id int64) (*model.Violation, error)
	GetAll(filter *dto.ViolationFilter) ([]model.Violation, error)
	GetTotalCount(filter *dto.ViolationFilter) (int, error)

	// Update operations
	AppendSupervisorNote(id int64, note string) error
	ClearImagePath(imagePath string) (int64, error)
}

// CameraRepository defines the interface for camera source operations.
type CameraRepository interface {
	// Create operations
	Insert(cam *model.Camera) (int64, error)

	// Read operations
	GetByID(id int64) (*model.Camera, error)
	GetAll() ([]model.Camera, error)
	GetEnabled() ([]model.Camera, error)

	// Update operations
	SetEnabled(id int64, enabled bool) error

	// Delete operations
	Delete(id int64) error
}
