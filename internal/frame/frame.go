// Package frame defines the transition records collected by producers and
// consumed by the trainer's update step.
//
// A Frame is one of two variants:
//   - *SingleFrame: one episode's transition, as submitted by a producer
//   - *BatchedFrame: N transitions merged along the batch (row) dimension
//
// Batch converts a list of single frames into one batched frame. The
// variant is resolved with a type switch; there is no shared base type.
package frame

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// ActionPad fills the missing columns when actions of different sizes are
// batched together.
const ActionPad = -42.0

var (
	// ErrEmptyBatch is returned when Batch is called with no frames.
	ErrEmptyBatch = errors.New("cannot batch an empty frame list")

	// ErrNotBatchable is returned when a list contains a frame that is
	// already batched, or a nil frame.
	ErrNotBatchable = errors.New("frame cannot be batched")

	// ErrRaggedBatch is returned when rows that must share a width do not.
	ErrRaggedBatch = errors.New("rows have different widths")
)

// Device names where a frame's data lives. The trainer never computes on
// frames itself, so the tag only drives when copies are made.
type Device string

const (
	CPU         Device = "cpu"
	Accelerator Device = "accelerator"
)

// Frame is a transition record. The interface is sealed: only the two
// variants in this package implement it.
type Frame interface {
	// BatchSize is 1 for a single frame and the row count for a batch.
	BatchSize() int
	// ToDevice moves the frame's data to the given device.
	ToDevice(d Device)
	// RewardSum is the total reward carried by the frame.
	RewardSum() float64

	sealed()
}

// SingleFrame is one transition of one episode.
type SingleFrame struct {
	State  []float64
	Action []float64 // one-hot for discrete policies

	// PAction is the probability the behaviour policy gave to Action.
	// Only meaningful when HasPAction is set.
	PAction    float64
	HasPAction bool

	Reward    float64
	Forwarded []float64
	Device    Device
}

func (f *SingleFrame) sealed() {}

// BatchSize implements Frame.
func (f *SingleFrame) BatchSize() int { return 1 }

// RewardSum implements Frame.
func (f *SingleFrame) RewardSum() float64 { return f.Reward }

// ToDevice implements Frame.
func (f *SingleFrame) ToDevice(d Device) {
	if f.Device == d {
		return
	}
	f.State = append([]float64(nil), f.State...)
	f.Action = append([]float64(nil), f.Action...)
	f.Device = d
}

// BatchedFrame holds one time step for a whole batch. Row i of every
// matrix belongs to the same episode buffer.
type BatchedFrame struct {
	State  *mat.Dense    // batch x features
	Action *mat.Dense    // batch x actions
	Reward *mat.VecDense // batch

	// PAction is nil when none of the batched frames carried one.
	PAction *mat.VecDense

	// Forwarded is filled by the model during the update.
	Forwarded *mat.Dense
	Device    Device
}

func (f *BatchedFrame) sealed() {}

// BatchSize implements Frame.
func (f *BatchedFrame) BatchSize() int {
	if f.Reward == nil {
		return 0
	}
	return f.Reward.Len()
}

// RewardSum implements Frame.
func (f *BatchedFrame) RewardSum() float64 {
	if f.Reward == nil {
		return 0
	}
	return mat.Sum(f.Reward)
}

// ToDevice implements Frame.
func (f *BatchedFrame) ToDevice(d Device) {
	if f.Device == d {
		return
	}
	f.State = cloneDense(f.State)
	f.Action = cloneDense(f.Action)
	f.Reward = cloneVec(f.Reward)
	f.PAction = cloneVec(f.PAction)
	f.Device = d
}

// Batch merges single frames into one batched frame, row i holding list[i].
// Every element must be a *SingleFrame.
func Batch(list []Frame, batcher Batcher) (*BatchedFrame, error) {
	if len(list) == 0 {
		return nil, ErrEmptyBatch
	}
	if batcher == nil {
		batcher = DenseBatcher{}
	}

	states := make([][]float64, 0, len(list))
	actions := make([][]float64, 0, len(list))
	pActions := make([]float64, 0, len(list))
	rewards := make([]float64, len(list))
	device := CPU

	for i, f := range list {
		switch v := f.(type) {
		case *SingleFrame:
			if v == nil {
				return nil, fmt.Errorf("%w: nil frame at row %d", ErrNotBatchable, i)
			}
			states = append(states, v.State)
			actions = append(actions, v.Action)
			rewards[i] = v.Reward
			if v.HasPAction {
				pActions = append(pActions, v.PAction)
			}
			if i == 0 && v.Device != "" {
				device = v.Device
			}
		case *BatchedFrame:
			return nil, fmt.Errorf("%w: row %d is already batched", ErrNotBatchable, i)
		default:
			return nil, fmt.Errorf("%w: row %d has type %T", ErrNotBatchable, i, f)
		}
	}

	state, err := batcher.MakeBatch(states)
	if err != nil {
		return nil, fmt.Errorf("batch states: %w", err)
	}
	action, err := batcher.MakePaddedBatch(actions, ActionPad)
	if err != nil {
		return nil, fmt.Errorf("batch actions: %w", err)
	}

	batched := &BatchedFrame{
		State:  state,
		Action: action,
		Reward: mat.NewVecDense(len(rewards), rewards),
		Device: device,
	}
	// Either every frame has a probability or the column is dropped;
	// a partial column cannot be lined up with the rows.
	if len(pActions) == len(list) {
		batched.PAction = mat.NewVecDense(len(pActions), pActions)
	}
	return batched, nil
}

func cloneDense(m *mat.Dense) *mat.Dense {
	if m == nil {
		return nil
	}
	return mat.DenseCopyOf(m)
}

func cloneVec(v *mat.VecDense) *mat.VecDense {
	if v == nil {
		return nil
	}
	out := mat.NewVecDense(v.Len(), nil)
	out.CopyVec(v)
	return out
}
