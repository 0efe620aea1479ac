package capture

// Sampler decides which frames run full detection. Detection is the expensive
// step: eligible frames pay for it, the rest re-paint the previous eligible
// frame's boxes so the UI stays at full frame rate with bounded CPU.
type Sampler struct {
	Stride int
}

// Eligible reports whether frame n should be fully processed. Stride <= 1
// processes every frame.
func (s Sampler) Eligible(n uint64) bool {
	if s.Stride <= 1 {
		return true
	}
	return n%uint64(s.Stride) == 0
}
