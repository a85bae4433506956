package model

import (
	"math/rand"
	"sync"

	"sync-trainer/internal/trainer"
)

// Sampler turns a forward pass into a chosen action.
type Sampler interface {
	Sample(out trainer.PolicyOutput) trainer.PolicyOutput
}

// MultinomialSampler draws an action from the policy distribution.
// Safe for concurrent use.
type MultinomialSampler struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func NewMultinomialSampler(seed int64) *MultinomialSampler {
	return &MultinomialSampler{rng: rand.New(rand.NewSource(seed))}
}

// Sample sets a one-hot Action and the probability it was drawn with
func (s *MultinomialSampler) Sample(out trainer.PolicyOutput) trainer.PolicyOutput {
	s.mu.Lock()
	u := s.rng.Float64()
	s.mu.Unlock()
	return withAction(out, categorical(out.Probs, u))
}

// GreedySampler always picks the most likely action
type GreedySampler struct{}

func (GreedySampler) Sample(out trainer.PolicyOutput) trainer.PolicyOutput {
	best := 0
	for i, p := range out.Probs {
		if p > out.Probs[best] {
			best = i
		}
	}
	return withAction(out, best)
}

// categorical maps u in [0,1) onto the cumulative distribution
func categorical(probs []float64, u float64) int {
	var cum float64
	for i, p := range probs {
		cum += p
		if u < cum {
			return i
		}
	}
	return len(probs) - 1
}

func withAction(out trainer.PolicyOutput, action int) trainer.PolicyOutput {
	if len(out.Probs) == 0 {
		return out
	}
	out.Action = make([]float64, len(out.Probs))
	out.Action[action] = 1
	out.PAction = out.Probs[action]
	return out
}
