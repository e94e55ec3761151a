package sqlite

import (
	"database/sql"
	"fmt"

	"ppegate/internal/model"
)

// CameraRepository implements repository.CameraRepository for SQLite.
type CameraRepository struct {
	db *DB
}

// NewCameraRepository creates a new SQLite camera repository.
func NewCameraRepository(db *DB) *CameraRepository {
	return &CameraRepository{db: db}
}

// Insert adds a camera. A non-zero ID is kept, otherwise one is assigned.
func (r *CameraRepository) Insert(cam *model.Camera) (int64, error) {
	r.db.Lock()
	defer r.db.Unlock()

	var (
		result sql.Result
		err    error
	)
	if cam.ID > 0 {
		result, err = r.db.Conn().Exec(`INSERT INTO cameras (id, name, source, enabled) VALUES (?, ?, ?, ?)`,
			cam.ID, cam.Name, cam.Source, cam.Enabled)
	} else {
		result, err = r.db.Conn().Exec(`INSERT INTO cameras (name, source, enabled) VALUES (?, ?, ?)`,
			cam.Name, cam.Source, cam.Enabled)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to insert camera: %w", err)
	}

	return result.LastInsertId()
}

// GetByID retrieves a camera by its ID, nil when it does not exist.
func (r *CameraRepository) GetByID(id int64) (*model.Camera, error) {
	r.db.RLock()
	defer r.db.RUnlock()

	var cam model.Camera
	err := r.db.Conn().QueryRow(`SELECT id, name, source, enabled, created_at FROM cameras WHERE id = ?`, id).
		Scan(&cam.ID, &cam.Name, &cam.Source, &cam.Enabled, &cam.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get camera: %w", err)
	}
	return &cam, nil
}

// GetAll returns every camera ordered by ID.
func (r *CameraRepository) GetAll() ([]model.Camera, error) {
	return r.query(`SELECT id, name, source, enabled, created_at FROM cameras ORDER BY id`)
}

// GetEnabled returns the cameras that should be streaming.
func (r *CameraRepository) GetEnabled() ([]model.Camera, error) {
	return r.query(`SELECT id, name, source, enabled, created_at FROM cameras WHERE enabled = 1 ORDER BY id`)
}

func (r *CameraRepository) query(query string) ([]model.Camera, error) {
	r.db.RLock()
	defer r.db.RUnlock()

	rows, err := r.db.Conn().Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to query cameras: %w", err)
	}
	defer rows.Close()

	var cameras []model.Camera
	for rows.Next() {
		var cam model.Camera
		if err := rows.Scan(&cam.ID, &cam.Name, &cam.Source, &cam.Enabled, &cam.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan camera: %w", err)
		}
		cameras = append(cameras, cam)
	}
	return cameras, rows.Err()
}

// SetEnabled flips the enabled flag of a camera.
func (r *CameraRepository) SetEnabled(id int64, enabled bool) error {
	r.db.Lock()
	defer r.db.Unlock()

	if _, err := r.db.Conn().Exec(`UPDATE cameras SET enabled = ? WHERE id = ?`, enabled, id); err != nil {
		return fmt.Errorf("failed to update camera: %w", err)
	}
	return nil
}

// Delete removes a camera by its ID.
func (r *CameraRepository) Delete(id int64) error {
	r.db.Lock()
	defer r.db.Unlock()

	if _, err := r.db.Conn().Exec(`DELETE FROM cameras WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete camera: %w", err)
	}
	return nil
}
