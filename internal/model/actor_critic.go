// Package model provides a small linear actor-critic that the trainer can
// drive end to end: softmax policy and value heads over the raw state, an
// n-step advantage actor-critic update, and action samplers.
package model

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"github.com/sugawarayuuta/sonnet"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"sync-trainer/internal/config"
	"sync-trainer/internal/frame"
	"sync-trainer/internal/observability"
	"sync-trainer/internal/trainer"
)

// ErrShape is returned for inputs or batches that do not match the model.
var ErrShape = errors.New("shape mismatch")

const logEps = 1e-7

// Weights is the serialized form of an ActorCritic
type Weights struct {
	W  [][]float64 `json:"w"`  // actions x features
	B  []float64   `json:"b"`  // actions
	VW []float64   `json:"vw"` // features
	VB float64     `json:"vb"`
}

// ActorCritic is a linear softmax policy with a linear value head.
//
// It does no locking of its own: the trainer's ModelSwap serializes
// ApplyUpdate against Forward.
type ActorCritic struct {
	cfg         config.ModelConfig
	maxGradNorm float64
	device      frame.Device

	policy     *mat.Dense    // actions x features
	policyBias *mat.VecDense // actions
	value      *mat.VecDense // features
	valueBias  float64
}

// NewActorCritic creates a model with small random policy weights and a
// zero value head. maxGradNorm <= 0 disables clipping.
func NewActorCritic(features, actions int, cfg config.ModelConfig, maxGradNorm float64, device frame.Device, rng *rand.Rand) *ActorCritic {
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	w := make([]float64, actions*features)
	for i := range w {
		w[i] = (rng.Float64()*2 - 1) * 0.01
	}
	return &ActorCritic{
		cfg:         cfg,
		maxGradNorm: maxGradNorm,
		device:      device,
		policy:      mat.NewDense(actions, features, w),
		policyBias:  mat.NewVecDense(actions, nil),
		value:       mat.NewVecDense(features, nil),
	}
}

// Features is the expected input width
func (m *ActorCritic) Features() int {
	_, c := m.policy.Dims()
	return c
}

// Actions is the number of discrete actions
func (m *ActorCritic) Actions() int {
	r, _ := m.policy.Dims()
	return r
}

// Device implements trainer.Model
func (m *ActorCritic) Device() frame.Device { return m.device }

// Forward implements trainer.Model
func (m *ActorCritic) Forward(input []float64) (trainer.PolicyOutput, error) {
	if len(input) != m.Features() {
		return trainer.PolicyOutput{}, fmt.Errorf("%w: input has %d features, want %d", ErrShape, len(input), m.Features())
	}
	x := mat.NewVecDense(len(input), append([]float64(nil), input...))

	logits := mat.NewVecDense(m.Actions(), nil)
	logits.MulVec(m.policy, x)
	logits.AddVec(logits, m.policyBias)

	return trainer.PolicyOutput{
		Probs: softmax(logits.RawVector().Data),
		Value: mat.Dot(m.value, x) + m.valueBias,
	}, nil
}

// Clone implements trainer.Model
func (m *ActorCritic) Clone() trainer.Model {
	return &ActorCritic{
		cfg:         m.cfg,
		maxGradNorm: m.maxGradNorm,
		device:      m.device,
		policy:      mat.DenseCopyOf(m.policy),
		policyBias:  cloneVec(m.policyBias),
		value:       cloneVec(m.value),
		valueBias:   m.valueBias,
	}
}

// gradients mirrors the parameters
type gradients struct {
	policy     *mat.Dense
	policyBias *mat.VecDense
	value      *mat.VecDense
	valueBias  float64
}

// ApplyUpdate implements trainer.Model.
//
// Returns are bootstrapped from the value of the last step and computed
// backwards: R = r_t + discount * R * notTerminal_t. Every step but the
// last contributes a smooth-L1 value loss and a policy loss weighted by
// the advantage times the clamped importance ratio, plus an entropy term.
func (m *ActorCritic) ApplyUpdate(seq []*frame.BatchedFrame, terminal frame.Mask) error {
	steps := len(seq)
	if steps < 2 {
		return fmt.Errorf("%w: need at least 2 steps, got %d", ErrShape, steps)
	}
	batch := seq[0].BatchSize()
	if terminal.Steps() != steps || terminal.BatchSize() != batch {
		return fmt.Errorf("%w: mask is %dx%d, batch is %dx%d", ErrShape, terminal.Steps(), terminal.BatchSize(), steps, batch)
	}

	probs := make([]*mat.Dense, steps)
	values := make([]*mat.VecDense, steps)
	for t, bf := range seq {
		if bf.BatchSize() != batch {
			return fmt.Errorf("%w: step %d has batch %d, want %d", ErrShape, t, bf.BatchSize(), batch)
		}
		if _, c := bf.State.Dims(); c != m.Features() {
			return fmt.Errorf("%w: step %d has %d features, want %d", ErrShape, t, c, m.Features())
		}
		probs[t], values[t] = m.forwardBatch(bf.State)
		bf.Forwarded = probs[t]
	}

	grad := gradients{
		policy:     mat.NewDense(m.Actions(), m.Features(), nil),
		policyBias: mat.NewVecDense(m.Actions(), nil),
		value:      mat.NewVecDense(m.Features(), nil),
	}
	invB := 1 / float64(batch)

	returns := make([]float64, batch)
	for b := range returns {
		returns[b] = values[steps-1].AtVec(b)
	}

	for t := steps - 2; t >= 0; t-- {
		bf := seq[t]
		notTerminal := terminal.NotTerminal(t)
		for b := 0; b < batch; b++ {
			returns[b] = returns[b]*m.cfg.Discount*notTerminal[b] + bf.Reward.AtVec(b)

			state := bf.State.RawRowView(b)
			v := values[t].AtVec(b)

			// smooth L1, mean over the batch
			dv := clamp(v-returns[b], -1, 1) * invB
			floats.AddScaled(grad.value.RawVector().Data, dv, state)
			grad.valueBias += dv

			action, ok := actionIndex(bf.Action.RawRowView(b), m.Actions())
			if !ok {
				continue
			}
			pi := probs[t].RawRowView(b)
			ratio := 1.0
			if bf.PAction != nil && bf.PAction.AtVec(b) > 0 {
				ratio = math.Min(pi[action]/bf.PAction.AtVec(b), m.cfg.RatioClamp)
			}
			weight := (returns[b] - v) * ratio

			negEntropy := 0.0
			for k := range pi {
				negEntropy += pi[k] * math.Log(pi[k]+logEps)
			}

			for k := range pi {
				dz := weight * pi[k]
				if k == action {
					dz -= weight
				}
				dz += m.cfg.EntropyRatio * pi[k] * (math.Log(pi[k]+logEps) - negEntropy)
				dz *= m.cfg.PolicyRatio * invB

				floats.AddScaled(grad.policy.RawRowView(k), dz, state)
				grad.policyBias.SetVec(k, grad.policyBias.AtVec(k)+dz)
			}
		}
	}

	m.clipAndStep(&grad)
	return nil
}

// forwardBatch returns softmax probabilities (batch x actions) and values
func (m *ActorCritic) forwardBatch(states *mat.Dense) (*mat.Dense, *mat.VecDense) {
	batch, _ := states.Dims()

	logits := mat.NewDense(batch, m.Actions(), nil)
	logits.Mul(states, m.policy.T())
	for b := 0; b < batch; b++ {
		row := logits.RawRowView(b)
		floats.Add(row, m.policyBias.RawVector().Data)
		copy(row, softmax(row))
	}

	values := mat.NewVecDense(batch, nil)
	values.MulVec(states, m.value)
	for b := 0; b < batch; b++ {
		values.SetVec(b, values.AtVec(b)+m.valueBias)
	}
	return logits, values
}

// clipAndStep scales the gradient so its largest component is at most
// maxGradNorm, then takes an SGD step.
func (m *ActorCritic) clipAndStep(g *gradients) {
	norm := math.Max(floats.Max(absAll(g.policy.RawMatrix().Data)), floats.Max(absAll(g.policyBias.RawVector().Data)))
	norm = math.Max(norm, floats.Max(absAll(g.value.RawVector().Data)))
	norm = math.Max(norm, math.Abs(g.valueBias))
	observability.RecordGradNorm(norm)

	scale := m.cfg.LearningRate
	if m.maxGradNorm > 0 {
		if coef := m.maxGradNorm / (norm + 1e-5); coef < 1 {
			scale *= coef
		}
	}

	m.policy.Apply(func(i, j int, v float64) float64 { return v - scale*g.policy.At(i, j) }, m.policy)
	m.policyBias.AddScaledVec(m.policyBias, -scale, g.policyBias)
	m.value.AddScaledVec(m.value, -scale, g.value)
	m.valueBias -= scale * g.valueBias
}

// MarshalWeights implements trainer.WeightCodec
func (m *ActorCritic) MarshalWeights() ([]byte, error) {
	w := Weights{
		W:  make([][]float64, m.Actions()),
		B:  append([]float64(nil), m.policyBias.RawVector().Data...),
		VW: append([]float64(nil), m.value.RawVector().Data...),
		VB: m.valueBias,
	}
	for a := range w.W {
		w.W[a] = append([]float64(nil), m.policy.RawRowView(a)...)
	}
	return sonnet.Marshal(w)
}

// UnmarshalWeights implements trainer.WeightCodec
func (m *ActorCritic) UnmarshalWeights(data []byte) error {
	var w Weights
	if err := sonnet.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("decode weights: %w", err)
	}
	if len(w.W) != m.Actions() || len(w.B) != m.Actions() || len(w.VW) != m.Features() {
		return fmt.Errorf("%w: checkpoint has %d actions and %d features", ErrShape, len(w.W), len(w.VW))
	}
	for a, row := range w.W {
		if len(row) != m.Features() {
			return fmt.Errorf("%w: policy row %d has %d features", ErrShape, a, len(row))
		}
	}

	for a, row := range w.W {
		m.policy.SetRow(a, row)
	}
	m.policyBias = mat.NewVecDense(len(w.B), w.B)
	m.value = mat.NewVecDense(len(w.VW), w.VW)
	m.valueBias = w.VB
	return nil
}

// actionIndex finds the one-hot index in a possibly padded action row
func actionIndex(row []float64, actions int) (int, bool) {
	if len(row) > actions {
		row = row[:actions]
	}
	best := -1
	for i, v := range row {
		if v == frame.ActionPad {
			continue
		}
		if best < 0 || v > row[best] {
			best = i
		}
	}
	return best, best >= 0 && row[best] > 0
}

func softmax(logits []float64) []float64 {
	maxLogit := floats.Max(logits)
	out := make([]float64, len(logits))
	var sum float64
	for i, v := range logits {
		out[i] = math.Exp(v - maxLogit)
		sum += out[i]
	}
	floats.Scale(1/sum, out)
	return out
}

func absAll(v []float64) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = math.Abs(x)
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func cloneVec(v *mat.VecDense) *mat.VecDense {
	out := mat.NewVecDense(v.Len(), nil)
	out.CopyVec(v)
	return out
}
