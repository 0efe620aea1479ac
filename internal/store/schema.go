package store

import "context"

// schema mirrors the legacy attendance database, with Postgres types and
// cascading deletes so removing a student removes their embeddings and history.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS students (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		roll_number TEXT UNIQUE NOT NULL,
		email TEXT,
		phone TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS face_encodings (
		id TEXT PRIMARY KEY,
		student_id TEXT NOT NULL REFERENCES students(id) ON DELETE CASCADE,
		encoding BYTEA NOT NULL,
		dim INT NOT NULL,
		image_ref TEXT,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS attendance (
		id TEXT PRIMARY KEY,
		student_id TEXT NOT NULL REFERENCES students(id) ON DELETE CASCADE,
		date DATE NOT NULL,
		time_in TIMESTAMPTZ NOT NULL,
		time_out TIMESTAMPTZ,
		status TEXT NOT NULL DEFAULT 'Present',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (student_id, date)
	)`,
	`CREATE TABLE IF NOT EXISTS attendance_logs (
		id TEXT PRIMARY KEY,
		student_id TEXT REFERENCES students(id) ON DELETE SET NULL,
		action TEXT NOT NULL,
		distance DOUBLE PRECISION,
		camera_id INT NOT NULL DEFAULT 0,
		at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS system_settings (
		setting_key TEXT PRIMARY KEY,
		setting_value TEXT,
		description TEXT,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_attendance_date ON attendance(date)`,
	`CREATE INDEX IF NOT EXISTS idx_attendance_student ON attendance(student_id)`,
	`CREATE INDEX IF NOT EXISTS idx_face_student ON face_encodings(student_id)`,
	`CREATE INDEX IF NOT EXISTS idx_logs_student ON attendance_logs(student_id)`,
}

// EnsureSchema creates all tables and indexes if they do not exist.
func (d *DB) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := d.Client.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
