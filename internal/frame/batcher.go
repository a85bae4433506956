package frame

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Batcher stacks per-episode rows into a batch matrix.
type Batcher interface {
	// MakeBatch requires every row to have the same width.
	MakeBatch(rows [][]float64) (*mat.Dense, error)
	// MakePaddedBatch widens short rows to the longest one using pad.
	MakePaddedBatch(rows [][]float64, pad float64) (*mat.Dense, error)
}

// DenseBatcher is the default Batcher. It copies rows into a new dense
// matrix and is safe for concurrent use.
type DenseBatcher struct{}

// MakeBatch implements Batcher.
func (DenseBatcher) MakeBatch(rows [][]float64) (*mat.Dense, error) {
	if len(rows) == 0 {
		return nil, ErrEmptyBatch
	}
	width := len(rows[0])
	if width == 0 {
		return nil, fmt.Errorf("%w: row 0 is empty", ErrRaggedBatch)
	}
	data := make([]float64, 0, len(rows)*width)
	for i, row := range rows {
		if len(row) != width {
			return nil, fmt.Errorf("%w: row %d has %d columns, want %d", ErrRaggedBatch, i, len(row), width)
		}
		data = append(data, row...)
	}
	return mat.NewDense(len(rows), width, data), nil
}

// MakePaddedBatch implements Batcher.
func (DenseBatcher) MakePaddedBatch(rows [][]float64, pad float64) (*mat.Dense, error) {
	if len(rows) == 0 {
		return nil, ErrEmptyBatch
	}
	width := 0
	for _, row := range rows {
		if len(row) > width {
			width = len(row)
		}
	}
	if width == 0 {
		return nil, fmt.Errorf("%w: all rows are empty", ErrRaggedBatch)
	}
	out := mat.NewDense(len(rows), width, nil)
	for i, row := range rows {
		for j := 0; j < width; j++ {
			if j < len(row) {
				out.Set(i, j, row[j])
			} else {
				out.Set(i, j, pad)
			}
		}
	}
	return out, nil
}
