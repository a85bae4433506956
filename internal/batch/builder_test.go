package batch

import (
	"context"
	"errors"
	"sync"
	"testing"

	"sync-trainer/internal/frame"
)

// makeSelection builds steps x batch frames whose state encodes (t, b)
func makeSelection(steps, batch int) Selection {
	sel := Selection{
		Indices:  make([]int, batch),
		Frames:   make([][]frame.Frame, steps),
		Terminal: frame.NewMask(steps, batch),
	}
	for b := range sel.Indices {
		sel.Indices[b] = b
	}
	for t := 0; t < steps; t++ {
		sel.Frames[t] = make([]frame.Frame, batch)
		for b := 0; b < batch; b++ {
			sel.Frames[t][b] = &frame.SingleFrame{
				State:  []float64{float64(t), float64(b)},
				Action: []float64{1, 0},
				Reward: 1,
			}
		}
	}
	return sel
}

// TestNewPool verifies worker count defaults and caps
func TestNewPool(t *testing.T) {
	tests := []struct {
		name    string
		workers int
		check   func(int) bool
	}{
		{"explicit", 4, func(n int) bool { return n == 4 }},
		{"default", 0, func(n int) bool { return n > 0 }},
		{"capped", 100, func(n int) bool { return n == MaxWorkers }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPool(tt.workers)
			if !tt.check(p.NumWorkers()) {
				t.Errorf("Unexpected worker count %d", p.NumWorkers())
			}
		})
	}
}

// TestPoolStartStop verifies lifecycle and double calls
func TestPoolStartStop(t *testing.T) {
	p := NewPool(2)
	if p.IsRunning() {
		t.Error("Pool should not be running initially")
	}

	p.Start()
	p.Start()
	if !p.IsRunning() {
		t.Error("Pool should be running after Start()")
	}

	p.Stop()
	p.Stop()
	if p.IsRunning() {
		t.Error("Pool should not be running after Stop()")
	}

	// Restart after stop
	p.Start()
	defer p.Stop()
	if _, err := p.Build(context.Background(), makeSelection(2, 2), nil, frame.CPU); err != nil {
		t.Fatalf("Build after restart failed: %v", err)
	}
}

// TestBuildOrder verifies results come back in offset order, with and
// without running workers
func TestBuildOrder(t *testing.T) {
	for _, running := range []bool{true, false} {
		name := "sequential"
		if running {
			name = "parallel"
		}
		t.Run(name, func(t *testing.T) {
			p := NewPool(4)
			if running {
				p.Start()
				defer p.Stop()
			}

			out, err := p.Build(context.Background(), makeSelection(8, 3), frame.DenseBatcher{}, frame.CPU)
			if err != nil {
				t.Fatalf("Build failed: %v", err)
			}
			if len(out) != 8 {
				t.Fatalf("Expected 8 offsets, got %d", len(out))
			}
			for ti, b := range out {
				if b.BatchSize() != 3 {
					t.Errorf("Offset %d: expected batch 3, got %d", ti, b.BatchSize())
				}
				if got := b.State.At(2, 0); got != float64(ti) {
					t.Errorf("Offset %d holds frames from offset %v", ti, got)
				}
				if got := b.State.At(2, 1); got != 2 {
					t.Errorf("Offset %d row 2 holds buffer %v", ti, got)
				}
			}
		})
	}
}

// TestBuildFailure verifies one bad offset fails the whole build
func TestBuildFailure(t *testing.T) {
	p := NewPool(2)
	p.Start()
	defer p.Stop()

	sel := makeSelection(4, 2)
	sel.Frames[2][1] = &frame.SingleFrame{State: []float64{1}, Action: []float64{1}}

	out, err := p.Build(context.Background(), sel, nil, frame.CPU)
	if !errors.Is(err, frame.ErrRaggedBatch) {
		t.Fatalf("Expected ErrRaggedBatch, got %v", err)
	}
	if out != nil {
		t.Error("Failed build should not return partial batches")
	}
}

// TestBuildEmpty verifies empty and malformed selections are rejected
func TestBuildEmpty(t *testing.T) {
	p := NewPool(1)

	if _, err := p.Build(context.Background(), Selection{}, nil, frame.CPU); !errors.Is(err, ErrEmptySelection) {
		t.Errorf("Expected ErrEmptySelection, got %v", err)
	}

	sel := makeSelection(2, 2)
	sel.Frames[1] = sel.Frames[1][:1]
	if _, err := p.Build(context.Background(), sel, nil, frame.CPU); err == nil {
		t.Error("Expected error for short column")
	}
}

// TestBuildDevice verifies merged frames are moved to the requested device
func TestBuildDevice(t *testing.T) {
	p := NewPool(2)
	out, err := p.Build(context.Background(), makeSelection(2, 1), nil, frame.Accelerator)
	if err != nil {
		t.Fatal(err)
	}
	for _, b := range out {
		if b.Device != frame.Accelerator {
			t.Errorf("Expected device %q, got %q", frame.Accelerator, b.Device)
		}
	}
}

// TestConcurrentBuildStop runs builds while the pool is stopped and restarted
func TestConcurrentBuildStop(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping stress test in short mode")
	}

	p := NewPool(4)
	p.Start()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				if _, err := p.Build(context.Background(), makeSelection(6, 4), nil, frame.CPU); err != nil {
					t.Errorf("Build failed: %v", err)
					return
				}
			}
		}()
	}
	for i := 0; i < 20; i++ {
		p.Stop()
		p.Start()
	}
	wg.Wait()
	p.Stop()
}
