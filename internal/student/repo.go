package student

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrDuplicateRoll is returned when the roll number is already enrolled.
var ErrDuplicateRoll = errors.New("roll number already exists")

// ErrNotFound is returned when a student does not exist.
var ErrNotFound = errors.New("student not found")

// Repository persists students and their face embeddings in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Enroll inserts a student together with their first face embedding in one
// transaction. If either insert fails, neither row is kept.
func (r *Repository) Enroll(ctx context.Context, s Student, emb FaceEmbedding) (Student, error) {
	if s.Name == "" || s.RollNumber == "" {
		return Student{}, errors.New("name and roll number required")
	}
	if len(emb.Vector) == 0 {
		return Student{}, errors.New("embedding required")
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return Student{}, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		INSERT INTO students (id, name, roll_number, email, phone)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`, s.ID, s.Name, s.RollNumber, s.Email, s.Phone)
	if err := row.Scan(&s.CreatedAt); err != nil {
		if isUniqueViolation(err) {
			return Student{}, ErrDuplicateRoll
		}
		return Student{}, fmt.Errorf("insert student: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO face_encodings (id, student_id, encoding, dim, image_ref, is_active)
		VALUES ($1, $2, $3, $4, $5, TRUE)
	`, uuid.NewString(), s.ID, EncodeVector(emb.Vector), len(emb.Vector), emb.ImageRef); err != nil {
		return Student{}, fmt.Errorf("insert embedding: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Student{}, err
	}
	return s, nil
}

// AddEmbedding appends a new active embedding for an existing student,
// optionally deactivating the previous ones. Re-enrollment never updates a
// row in place.
func (r *Repository) AddEmbedding(ctx context.Context, emb FaceEmbedding, deactivateOld bool) error {
	if emb.StudentID == "" || len(emb.Vector) == 0 {
		return errors.New("student id and embedding required")
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if deactivateOld {
		if _, err := tx.ExecContext(ctx,
			`UPDATE face_encodings SET is_active = FALSE WHERE student_id = $1`, emb.StudentID); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO face_encodings (id, student_id, encoding, dim, image_ref, is_active)
		VALUES ($1, $2, $3, $4, $5, TRUE)
	`, uuid.NewString(), emb.StudentID, EncodeVector(emb.Vector), len(emb.Vector), emb.ImageRef); err != nil {
		return err
	}
	return tx.Commit()
}

// Delete removes a student. Embeddings and attendance cascade in the schema.
func (r *Repository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM students WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Get returns a single student by id.
func (r *Repository) Get(ctx context.Context, id string) (Student, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, name, roll_number, COALESCE(email,''), COALESCE(phone,''), created_at
		FROM students WHERE id = $1
	`, id)
	var s Student
	if err := row.Scan(&s.ID, &s.Name, &s.RollNumber, &s.Email, &s.Phone, &s.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Student{}, ErrNotFound
		}
		return Student{}, err
	}
	return s, nil
}

// List returns all students ordered by name.
func (r *Repository) List(ctx context.Context) ([]Student, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, roll_number, COALESCE(email,''), COALESCE(phone,''), created_at
		FROM students ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Student
	for rows.Next() {
		var s Student
		if err := rows.Scan(&s.ID, &s.Name, &s.RollNumber, &s.Email, &s.Phone, &s.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ActiveEmbeddings returns every active embedding joined with its student,
// in stable insertion order. The gallery is rebuilt from this projection.
func (r *Repository) ActiveEmbeddings(ctx context.Context, dim int) ([]GalleryRow, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT fe.encoding, s.name, s.id
		FROM face_encodings fe
		JOIN students s ON fe.student_id = s.id
		WHERE fe.is_active
		ORDER BY fe.created_at, fe.id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []GalleryRow
	for rows.Next() {
		var blob []byte
		var gr GalleryRow
		if err := rows.Scan(&blob, &gr.Name, &gr.StudentID); err != nil {
			return nil, err
		}
		vec, err := DecodeVector(blob, dim)
		if err != nil {
			return nil, fmt.Errorf("embedding for student %s: %w", gr.StudentID, err)
		}
		gr.Vector = vec
		out = append(out, gr)
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
