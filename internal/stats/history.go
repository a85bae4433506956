// Package stats keeps a bounded history of finished episodes and renders
// it as a reward curve.
package stats

import (
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"sync-trainer/internal/trainer"
)

// DefaultCapacity is the number of episodes kept when none is given
const DefaultCapacity = 2000

// Point is one finished episode
type Point struct {
	Episode     trainer.EpisodeID `json:"episode"`
	Reward      float64           `json:"reward"`
	UpdateCount int               `json:"updateCount"`
	At          time.Time         `json:"at"`
}

// Summary aggregates the retained history
type Summary struct {
	Episodes   uint64  `json:"episodes"` // all time, not only retained
	Retained   int     `json:"retained"`
	LastReward float64 `json:"lastReward"`
	MeanReward float64 `json:"meanReward"`
	StdReward  float64 `json:"stdReward"`
	MaxReward  float64 `json:"maxReward"`
	// MovingAverage is over the last Window episodes
	MovingAverage float64 `json:"movingAverage"`
	Window        int     `json:"window"`
}

// History is a fixed-size ring of episode rewards. Safe for concurrent use.
type History struct {
	mu     sync.RWMutex
	points []Point
	head   int
	count  int
	total  uint64
	window int
}

// NewHistory creates a history of the given capacity. window is the
// moving average length.
func NewHistory(capacity, window int) *History {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if window <= 0 {
		window = 100
	}
	return &History{points: make([]Point, capacity), window: window}
}

// Add records a point, evicting the oldest when full
func (h *History) Add(p Point) {
	if p.At.IsZero() {
		p.At = time.Now()
	}
	h.mu.Lock()
	h.points[(h.head+h.count)%len(h.points)] = p
	if h.count < len(h.points) {
		h.count++
	} else {
		h.head = (h.head + 1) % len(h.points)
	}
	h.total++
	h.mu.Unlock()
}

// Observe records a finished episode. It matches trainer.Options.OnEpisodeEnd.
func (h *History) Observe(s trainer.EpisodeSummary) {
	h.Add(Point{Episode: s.Episode, Reward: s.Reward, UpdateCount: s.UpdateCount})
}

// Recent returns up to n points, oldest first. n <= 0 returns everything.
func (h *History) Recent(n int) []Point {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if n <= 0 || n > h.count {
		n = h.count
	}
	out := make([]Point, n)
	start := h.head + h.count - n
	for i := range out {
		out[i] = h.points[(start+i)%len(h.points)]
	}
	return out
}

// Len is the number of retained points
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}

// Summary computes aggregate reward statistics
func (h *History) Summary() Summary {
	points := h.Recent(0)

	h.mu.RLock()
	s := Summary{Episodes: h.total, Retained: len(points), Window: h.window}
	h.mu.RUnlock()
	if len(points) == 0 {
		return s
	}

	rewards := Rewards(points)
	s.LastReward = rewards[len(rewards)-1]
	s.MeanReward = stat.Mean(rewards, nil)
	if len(rewards) > 1 {
		s.StdReward = stat.StdDev(rewards, nil)
	}
	s.MaxReward = rewards[0]
	for _, r := range rewards {
		if r > s.MaxReward {
			s.MaxReward = r
		}
	}
	tail := rewards
	if len(tail) > s.Window {
		tail = tail[len(tail)-s.Window:]
	}
	s.MovingAverage = stat.Mean(tail, nil)
	return s
}

// Rewards extracts the reward column
func Rewards(points []Point) []float64 {
	out := make([]float64, len(points))
	for i, p := range points {
		out[i] = p.Reward
	}
	return out
}

// MovingAverage smooths xs with a trailing window
func MovingAverage(xs []float64, window int) []float64 {
	if window < 1 {
		window = 1
	}
	out := make([]float64, len(xs))
	var sum float64
	for i, x := range xs {
		sum += x
		if i >= window {
			sum -= xs[i-window]
		}
		n := i + 1
		if n > window {
			n = window
		}
		out[i] = sum / float64(n)
	}
	return out
}
