package attendance

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Repository persists attendance data in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// ExistsFor reports whether a record already exists for (student, day).
func (r *Repository) ExistsFor(ctx context.Context, studentID, date string) (bool, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT 1 FROM attendance WHERE student_id = $1 AND date = $2`, studentID, date)
	var one int
	if err := row.Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Insert writes a record for (student, day). The UNIQUE(student_id, date)
// constraint plus ON CONFLICT DO NOTHING makes a concurrent duplicate a
// benign no-op; created reports whether this call won the insert.
func (r *Repository) Insert(ctx context.Context, rec Record) (bool, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Status == "" {
		rec.Status = "Present"
	}
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO attendance (id, student_id, date, time_in, status)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (student_id, date) DO NOTHING
		RETURNING id
	`, rec.ID, rec.StudentID, rec.Date, rec.TimeIn, rec.Status)
	var id string
	if err := row.Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// SetTimeOut stamps the latest departure time on an existing record.
func (r *Repository) SetTimeOut(ctx context.Context, studentID, date string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE attendance SET time_out = $3
		WHERE student_id = $1 AND date = $2
	`, studentID, date, at)
	return err
}

// ListForDate returns the day's records joined with student identity.
func (r *Repository) ListForDate(ctx context.Context, date string) ([]Record, error) {
	return r.list(ctx, `
		SELECT a.id, a.student_id, to_char(a.date, 'YYYY-MM-DD'), a.time_in, a.time_out, a.status, a.created_at,
		       s.name, s.roll_number
		FROM attendance a
		JOIN students s ON a.student_id = s.id
		WHERE a.date = $1
		ORDER BY a.time_in
	`, date)
}

// ListRange returns records between two dates inclusive, optionally for one student.
func (r *Repository) ListRange(ctx context.Context, from, to, studentID string) ([]Record, error) {
	if studentID != "" {
		return r.list(ctx, `
			SELECT a.id, a.student_id, to_char(a.date, 'YYYY-MM-DD'), a.time_in, a.time_out, a.status, a.created_at,
			       s.name, s.roll_number
			FROM attendance a
			JOIN students s ON a.student_id = s.id
			WHERE a.date BETWEEN $1 AND $2 AND a.student_id = $3
			ORDER BY a.date, a.time_in
		`, from, to, studentID)
	}
	return r.list(ctx, `
		SELECT a.id, a.student_id, to_char(a.date, 'YYYY-MM-DD'), a.time_in, a.time_out, a.status, a.created_at,
		       s.name, s.roll_number
		FROM attendance a
		JOIN students s ON a.student_id = s.id
		WHERE a.date BETWEEN $1 AND $2
		ORDER BY a.date, a.time_in
	`, from, to)
}

func (r *Repository) list(ctx context.Context, query string, args ...any) ([]Record, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.StudentID, &rec.Date, &rec.TimeIn, &rec.TimeOut,
			&rec.Status, &rec.CreatedAt, &rec.Name, &rec.RollNumber); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// InsertLog appends a pipeline decision to the audit trail.
func (r *Repository) InsertLog(ctx context.Context, studentID, action string, distance float64, cameraID int) error {
	var sid any
	if studentID != "" {
		sid = studentID
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO attendance_logs (id, student_id, action, distance, camera_id)
		VALUES ($1, $2, $3, $4, $5)
	`, uuid.NewString(), sid, action, distance, cameraID)
	return err
}
