package gallery

import (
	"context"
	"sync/atomic"

	"faceattend/internal/logging"
	"faceattend/internal/student"
)

// Source supplies the active embeddings the gallery is built from.
type Source interface {
	ActiveEmbeddings(ctx context.Context, dim int) ([]student.GalleryRow, error)
}

// Snapshot is an immutable parallel triple of everything known at rebuild
// time. Index i of each slice refers to the same enrollment. Never mutated
// after construction.
type Snapshot struct {
	Vectors [][]float32
	Names   []string
	IDs     []string
}

// Len returns the number of gallery entries.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Vectors)
}

// Gallery caches known-face embeddings for lock-free reads by the matcher.
// Rebuild is the only mutator; it swaps the snapshot pointer wholesale, so a
// reader holding an older snapshot never observes a half-built state.
type Gallery struct {
	src  Source
	dim  int
	log  *logging.Logger
	snap atomic.Pointer[Snapshot]
}

// New creates an empty gallery. Call Rebuild before matching.
func New(src Source, dim int, log *logging.Logger) *Gallery {
	g := &Gallery{src: src, dim: dim, log: log}
	g.snap.Store(&Snapshot{})
	return g
}

// Rebuild loads every active embedding and atomically replaces the snapshot.
// Safe to call while the capture loop reads a prior snapshot.
func (g *Gallery) Rebuild(ctx context.Context) error {
	rows, err := g.src.ActiveEmbeddings(ctx, g.dim)
	if err != nil {
		return err
	}
	next := &Snapshot{
		Vectors: make([][]float32, 0, len(rows)),
		Names:   make([]string, 0, len(rows)),
		IDs:     make([]string, 0, len(rows)),
	}
	for _, r := range rows {
		next.Vectors = append(next.Vectors, r.Vector)
		next.Names = append(next.Names, r.Name)
		next.IDs = append(next.IDs, r.StudentID)
	}
	g.snap.Store(next)
	g.log.Infow("gallery rebuilt", "known_faces", next.Len())
	return nil
}

// Snapshot returns the current immutable snapshot.
func (g *Gallery) Snapshot() *Snapshot {
	return g.snap.Load()
}
