package student

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// Student is an enrolled identity. The recognition pipeline only reads it.
type Student struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	RollNumber string    `json:"roll_number"`
	Email      string    `json:"email,omitempty"`
	Phone      string    `json:"phone,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// FaceEmbedding is one stored face vector for a student. A student may have
// several; only active rows participate in matching.
type FaceEmbedding struct {
	ID        string
	StudentID string
	Vector    []float32
	ImageRef  string
	Active    bool
	CreatedAt time.Time
}

// GalleryRow is the flattened projection the gallery loads: one active
// embedding joined with its owner.
type GalleryRow struct {
	StudentID string
	Name      string
	Vector    []float32
}

// EncodeVector serializes an embedding as little-endian float32s.
func EncodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

// DecodeVector deserializes an embedding blob, enforcing the expected dimension.
func DecodeVector(b []byte, dim int) ([]float32, error) {
	if len(b) != 4*dim {
		return nil, fmt.Errorf("encoding blob is %d bytes, want %d for dim %d", len(b), 4*dim, dim)
	}
	v := make([]float32, dim)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v, nil
}
