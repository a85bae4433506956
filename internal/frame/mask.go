package frame

// Mask flags terminal frames in a batch. It is time-major: Mask.At(t, b)
// is true when the frame at offset t of batch column b ended its episode.
type Mask struct {
	steps, batch int
	bits         []bool
}

// NewMask creates an all-false mask.
func NewMask(steps, batch int) Mask {
	return Mask{steps: steps, batch: batch, bits: make([]bool, steps*batch)}
}

// Steps is the number of time offsets.
func (m Mask) Steps() int { return m.steps }

// BatchSize is the number of columns.
func (m Mask) BatchSize() int { return m.batch }

// At reports whether (t, b) is terminal.
func (m Mask) At(t, b int) bool { return m.bits[t*m.batch+b] }

// Set marks (t, b).
func (m Mask) Set(t, b int, terminal bool) { m.bits[t*m.batch+b] = terminal }

// NotTerminal returns 1 for live and 0 for terminal columns at offset t,
// ready to multiply into a discounted return.
func (m Mask) NotTerminal(t int) []float64 {
	out := make([]float64, m.batch)
	for b := range out {
		if !m.At(t, b) {
			out[b] = 1
		}
	}
	return out
}

// Count returns the number of terminal cells.
func (m Mask) Count() int {
	n := 0
	for _, v := range m.bits {
		if v {
			n++
		}
	}
	return n
}
