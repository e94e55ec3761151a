package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	"ppegate/internal/dto"
	"ppegate/internal/model"
	"ppegate/internal/repository"
)

const violationColumns = `id, event_id, timestamp, violation_type, camera_id, missing_items,
	image_path, gate_action, operator_id, notes, supervisor_notes`

// ViolationRepository implements repository.ViolationRepository for SQLite.
type ViolationRepository struct {
	db *DB
}

// NewViolationRepository creates a new SQLite violation repository.
func NewViolationRepository(db *DB) *ViolationRepository {
	return &ViolationRepository{db: db}
}

// Insert adds a new violation record to the database.
func (r *ViolationRepository) Insert(v *model.Violation) (int64, error) {
	r.db.Lock()
	defer r.db.Unlock()

	var imagePath sql.NullString
	if v.ImagePath != nil {
		imagePath = sql.NullString{String: *v.ImagePath, Valid: true}
	}
	var operatorID sql.NullInt64
	if v.OperatorID != nil {
		operatorID = sql.NullInt64{Int64: *v.OperatorID, Valid: true}
	}

	result, err := r.db.Conn().Exec(`
		INSERT INTO violations (event_id, timestamp, violation_type, camera_id, missing_items,
			image_path, gate_action, operator_id, notes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, v.EventID, v.Timestamp.UTC(), string(v.Kind), v.CameraID, model.JoinMissingItems(v.MissingItems),
		imagePath, v.GateAction, operatorID, v.Notes)
	if err != nil {
		return 0, fmt.Errorf("failed to insert violation: %w", err)
	}

	return result.LastInsertId()
}

// GetByID retrieves a violation by its ID.
func (r *ViolationRepository) GetByID(id int64) (*model.Violation, error) {
	r.db.RLock()
	defer r.db.RUnlock()

	row := r.db.Conn().QueryRow(`SELECT `+violationColumns+` FROM violations WHERE id = ?`, id)
	v, err := scanViolation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get violation: %w", err)
	}
	return v, nil
}

// GetAll retrieves violations based on filter criteria, newest first.
func (r *ViolationRepository) GetAll(filter *dto.ViolationFilter) ([]model.Violation, error) {
	r.db.RLock()
	defer r.db.RUnlock()

	where, args := violationWhere(filter)
	query := `SELECT ` + violationColumns + ` FROM violations WHERE 1=1` + where + ` ORDER BY timestamp DESC, id DESC`

	if filter != nil && filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, filter.Offset)
		}
	}

	rows, err := r.db.Conn().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query violations: %w", err)
	}
	defer rows.Close()

	var violations []model.Violation
	for rows.Next() {
		v, err := scanViolation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan violation: %w", err)
		}
		violations = append(violations, *v)
	}

	return violations, rows.Err()
}

// GetTotalCount returns the number of violations matching the filter.
func (r *ViolationRepository) GetTotalCount(filter *dto.ViolationFilter) (int, error) {
	r.db.RLock()
	defer r.db.RUnlock()

	where, args := violationWhere(filter)

	var count int
	if err := r.db.Conn().QueryRow(`SELECT COUNT(*) FROM violations WHERE 1=1`+where, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count violations: %w", err)
	}
	return count, nil
}

// AppendSupervisorNote appends a line to the supervisor notes of a violation.
func (r *ViolationRepository) AppendSupervisorNote(id int64, note string) error {
	r.db.Lock()
	defer r.db.Unlock()

	result, err := r.db.Conn().Exec(`
		UPDATE violations
		SET supervisor_notes = CASE WHEN supervisor_notes = '' THEN ? ELSE supervisor_notes || char(10) || ? END
		WHERE id = ?
	`, note, note, id)
	if err != nil {
		return fmt.Errorf("failed to append supervisor note: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("violation %d: %w", id, repository.ErrNotFound)
	}
	return nil
}

// ClearImagePath detaches a deleted snapshot from the records that referenced it.
func (r *ViolationRepository) ClearImagePath(imagePath string) (int64, error) {
	r.db.Lock()
	defer r.db.Unlock()

	result, err := r.db.Conn().Exec(`UPDATE violations SET image_path = NULL WHERE image_path = ?`, imagePath)
	if err != nil {
		return 0, fmt.Errorf("failed to clear image path: %w", err)
	}
	return result.RowsAffected()
}

func violationWhere(filter *dto.ViolationFilter) (string, []interface{}) {
	if filter == nil {
		return "", nil
	}

	where := ""
	args := []interface{}{}

	if filter.CameraID > 0 {
		where += " AND camera_id = ?"
		args = append(args, filter.CameraID)
	}

	if filter.Kind != "" {
		where += " AND violation_type = ?"
		args = append(args, filter.Kind)
	}

	if !filter.Since.IsZero() {
		where += " AND timestamp >= ?"
		args = append(args, filter.Since.UTC())
	}

	if !filter.Until.IsZero() {
		where += " AND timestamp <= ?"
		args = append(args, filter.Until.UTC())
	}

	return where, args
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanViolation(row rowScanner) (*model.Violation, error) {
	var (
		v            model.Violation
		kind         string
		missingItems string
		imagePath    sql.NullString
		operatorID   sql.NullInt64
		timestamp    time.Time
	)

	err := row.Scan(&v.ID, &v.EventID, &timestamp, &kind, &v.CameraID, &missingItems,
		&imagePath, &v.GateAction, &operatorID, &v.Notes, &v.SupervisorNotes)
	if err != nil {
		return nil, err
	}

	v.Kind = model.ViolationKind(kind)
	v.Timestamp = timestamp
	v.MissingItems = model.SplitMissingItems(missingItems)
	if imagePath.Valid {
		path := imagePath.String
		v.ImagePath = &path
	}
	if operatorID.Valid {
		id := operatorID.Int64
		v.OperatorID = &id
	}
	return &v, nil
}
