package trainer

import (
	"sync"

	"sync-trainer/internal/frame"
)

// PolicyOutput is what a model's forward pass returns. Probs and Value come
// from the model; Action and PAction are filled in by a sampler.
type PolicyOutput struct {
	Probs []float64
	Value float64

	// Action is one-hot over Probs. Nil until sampled.
	Action  []float64
	PAction float64
}

// HasAction reports whether a sampler chose an action.
func (o PolicyOutput) HasAction() bool { return len(o.Action) > 0 }

// Model is the learning collaborator.
//
// Forward must be safe for concurrent use by many producers. ApplyUpdate
// is only ever called by the single updater.
type Model interface {
	Forward(input []float64) (PolicyOutput, error)
	ApplyUpdate(seq []*frame.BatchedFrame, terminal frame.Mask) error
	Clone() Model
	Device() frame.Device
}

// WeightCodec is implemented by models that can be checkpointed.
type WeightCodec interface {
	MarshalWeights() ([]byte, error)
	UnmarshalWeights(data []byte) error
}

// ModelSwap separates the behaviour model that producers query from the
// training model the updater mutates.
//
// With frequency 1 both are the same model and every update runs under
// the write lock. Otherwise the training model is private to the updater
// and a clone is published every frequency updates.
type ModelSwap struct {
	frequency int

	mu        sync.RWMutex
	behaviour Model
	training  Model
}

// NewModelSwap wraps m. frequency < 1 is treated as 1.
func NewModelSwap(m Model, frequency int) *ModelSwap {
	if frequency < 1 {
		frequency = 1
	}
	s := &ModelSwap{frequency: frequency, training: m, behaviour: m}
	if frequency > 1 {
		s.behaviour = m.Clone()
	}
	return s
}

// Shared reports whether producers and the updater use one model.
func (s *ModelSwap) Shared() bool { return s.frequency == 1 }

// Forward runs the behaviour model under the read lock.
func (s *ModelSwap) Forward(input []float64) (PolicyOutput, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.behaviour.Forward(input)
}

// Apply runs one update as update number seq. It reports whether a new
// behaviour model was published.
func (s *ModelSwap) Apply(seq int, batch []*frame.BatchedFrame, terminal frame.Mask) (bool, error) {
	if s.Shared() {
		s.mu.Lock()
		defer s.mu.Unlock()
		return true, s.training.ApplyUpdate(batch, terminal)
	}

	if err := s.training.ApplyUpdate(batch, terminal); err != nil {
		return false, err
	}
	if seq%s.frequency != 0 {
		return false, nil
	}
	s.Publish()
	return true, nil
}

// Publish replaces the behaviour model with a clone of the training model.
// The clone is made outside the lock; producers are held only for the
// pointer swap.
func (s *ModelSwap) Publish() {
	if s.Shared() {
		return
	}
	clone := s.training.Clone()
	s.mu.Lock()
	s.behaviour = clone
	s.mu.Unlock()
}

// Device is the training model's device.
func (s *ModelSwap) Device() frame.Device {
	return s.training.Device()
}

// MarshalWeights encodes the training model. Only the updater goroutine
// may call it.
func (s *ModelSwap) MarshalWeights() ([]byte, error) {
	codec, ok := s.training.(WeightCodec)
	if !ok {
		return nil, ErrNoWeightCodec
	}
	if s.Shared() {
		s.mu.RLock()
		defer s.mu.RUnlock()
	}
	return codec.MarshalWeights()
}

// UnmarshalWeights loads weights into the training model and republishes.
func (s *ModelSwap) UnmarshalWeights(data []byte) error {
	codec, ok := s.training.(WeightCodec)
	if !ok {
		return ErrNoWeightCodec
	}
	if s.Shared() {
		s.mu.Lock()
		defer s.mu.Unlock()
		return codec.UnmarshalWeights(data)
	}
	if err := codec.UnmarshalWeights(data); err != nil {
		return err
	}
	s.Publish()
	return nil
}
