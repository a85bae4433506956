// Package cartpole is the classic pole balancing task, used as the
// built-in environment for the episode workers.
package cartpole

import (
	"math"
	"math/rand"
)

const (
	gravity        = 9.81
	massCart       = 1.0
	massPole       = 0.1
	length         = 0.5
	totalMass      = massCart + massPole
	poleMassLength = massPole * length
	forceMax       = 10.0
	tau            = 0.02

	xThreshold     = 2.4
	thetaThreshold = 12.0 * math.Pi / 180.0
	maxSteps       = 500

	// Features is the observation width
	Features = 4
	// Actions is push left (0) or push right (1)
	Actions = 2
)

type State struct {
	X        float64 `json:"x"`
	XDot     float64 `json:"x_dot"`
	Theta    float64 `json:"theta"`
	ThetaDot float64 `json:"theta_dot"`
}

// Obs flattens the state for a model
func (s State) Obs() []float64 {
	return []float64{s.X, s.XDot, s.Theta, s.ThetaDot}
}

// Env is one cart. Not safe for concurrent use; each worker owns its own.
type Env struct {
	State State
	Steps int
	Rand  *rand.Rand
}

func NewEnv(rng *rand.Rand) *Env {
	if rng == nil {
		rng = rand.New(rand.NewSource(rand.Int63()))
	}
	env := &Env{Rand: rng}
	env.Reset()
	return env
}

// Reset starts a new episode near upright
func (e *Env) Reset() State {
	e.State = State{
		X:        e.Rand.Float64()*0.1 - 0.05,
		XDot:     e.Rand.Float64()*0.1 - 0.05,
		Theta:    e.Rand.Float64()*0.1 - 0.05,
		ThetaDot: e.Rand.Float64()*0.1 - 0.05,
	}
	e.Steps = 0
	return e.State
}

// Step advances one tick. Reward is 1 per surviving step and 0 for the
// step that drops the pole; reaching maxSteps ends the episode with 1.
func (e *Env) Step(action int) (State, float64, bool) {
	force := forceMax
	if action == 0 {
		force = -forceMax
	}

	s := e.State
	cosTheta := math.Cos(s.Theta)
	sinTheta := math.Sin(s.Theta)

	temp := (force + poleMassLength*s.ThetaDot*s.ThetaDot*sinTheta) / totalMass
	thetaAcc := (gravity*sinTheta - cosTheta*temp) / (length * (4.0/3.0 - massPole*cosTheta*cosTheta/totalMass))
	xAcc := temp - poleMassLength*thetaAcc*cosTheta/totalMass

	e.State = State{
		X:        s.X + tau*s.XDot,
		XDot:     s.XDot + tau*xAcc,
		Theta:    s.Theta + tau*s.ThetaDot,
		ThetaDot: s.ThetaDot + tau*thetaAcc,
	}
	e.Steps++

	done := e.failed() || e.Steps >= maxSteps
	reward := 1.0
	if done && e.Steps < maxSteps {
		reward = 0.0
	}
	return e.State, reward, done
}

func (e *Env) failed() bool {
	s := e.State
	return s.X < -xThreshold || s.X > xThreshold || s.Theta < -thetaThreshold || s.Theta > thetaThreshold
}

func MaxSteps() int {
	return maxSteps
}
