package match

import (
	"math"

	"faceattend/internal/gallery"
)

// UnknownName labels detections that matched no enrolled face.
const UnknownName = "Unknown"

// Result is the outcome of matching one candidate embedding.
type Result struct {
	StudentID string
	Name      string
	Distance  float64
}

// Known reports whether the candidate matched an enrolled face.
func (r Result) Known() bool { return r.StudentID != "" }

// Engine compares embeddings against a gallery snapshot by Euclidean
// distance. With Nearest false it keeps the legacy membership-test policy:
// the first gallery entry under tolerance wins, even when a later entry is
// closer. Nearest true switches to minimum distance.
type Engine struct {
	Tolerance float64
	Nearest   bool
}

// Match scores the candidate against every snapshot entry. An empty gallery
// or no entry under tolerance yields an unknown result carrying the best
// distance seen (Inf when the gallery is empty). No side effects.
func (e Engine) Match(candidate []float32, snap *gallery.Snapshot) Result {
	best := Result{Name: UnknownName, Distance: math.Inf(1)}
	for i := 0; i < snap.Len(); i++ {
		d := Distance(candidate, snap.Vectors[i])
		if !best.Known() && d < best.Distance {
			best.Distance = d
		}
		if d >= e.Tolerance {
			continue
		}
		if !e.Nearest {
			// First entry under tolerance wins in gallery order.
			return Result{StudentID: snap.IDs[i], Name: snap.Names[i], Distance: d}
		}
		if !best.Known() || d < best.Distance {
			best = Result{StudentID: snap.IDs[i], Name: snap.Names[i], Distance: d}
		}
	}
	return best
}

// Distance is the Euclidean distance between two embeddings. Vectors of
// different lengths are treated as maximally distant.
func Distance(a, b []float32) float64 {
	if len(a) != len(b) {
		return math.Inf(1)
	}
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}
