package batch

import (
	"context"
	"errors"
	"fmt"

	"sync-trainer/internal/frame"
)

// ErrEmptySelection is returned when Build is given nothing to merge.
var ErrEmptySelection = errors.New("empty selection")

// Selection is an immutable copy of the frames chosen for one update.
// Frames is offset-major: Frames[t][b] is the frame at time offset t of
// the b-th selected buffer.
type Selection struct {
	Indices  []int
	Frames   [][]frame.Frame
	Terminal frame.Mask
}

// Steps is the number of time offsets in the selection.
func (s Selection) Steps() int { return len(s.Frames) }

// BatchSize is the number of selected buffers.
func (s Selection) BatchSize() int { return len(s.Indices) }

// Build merges every time offset of sel into one batched frame and returns
// them in offset order. Offsets are merged concurrently when the pool is
// running; any failed offset fails the whole build.
func (p *Pool) Build(ctx context.Context, sel Selection, batcher frame.Batcher, device frame.Device) ([]*frame.BatchedFrame, error) {
	steps := sel.Steps()
	if steps == 0 || sel.BatchSize() == 0 {
		return nil, ErrEmptySelection
	}
	for t, column := range sel.Frames {
		if len(column) != sel.BatchSize() {
			return nil, fmt.Errorf("offset %d has %d frames, want %d", t, len(column), sel.BatchSize())
		}
	}

	out := make([]*frame.BatchedFrame, steps)
	resultChan := make(chan mergeResult, steps)

	p.mu.RLock()
	running := p.running
	for t := 0; t < steps; t++ {
		job := mergeJob{
			offset:     t,
			column:     sel.Frames[t],
			batcher:    batcher,
			device:     device,
			resultChan: resultChan,
		}
		if !running {
			resultChan <- merge(t, job.column, batcher, device)
			continue
		}
		select {
		case p.jobChan <- job:
		default:
			// Queue full, merge inline
			resultChan <- merge(t, job.column, batcher, device)
		}
	}
	p.mu.RUnlock()

	var firstErr error
	for i := 0; i < steps; i++ {
		select {
		case res := <-resultChan:
			if res.err != nil && firstErr == nil {
				firstErr = fmt.Errorf("merge offset %d: %w", res.offset, res.err)
			}
			out[res.offset] = res.frame
		case <-ctx.Done():
			// Queued jobs still complete into the buffered channel.
			return nil, ctx.Err()
		}
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}
