// Package worker runs the episode producers: each runner plays cartpole
// episodes against the trainer's behaviour policy and streams the
// resulting frames into it.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"sync-trainer/internal/cartpole"
	"sync-trainer/internal/frame"
	"sync-trainer/internal/model"
	"sync-trainer/internal/trainer"
)

// Coordinator is the part of the trainer a producer talks to
type Coordinator interface {
	StartEpisode() (trainer.EpisodeHandle, bool)
	Forward(input []float64, h trainer.EpisodeHandle) (trainer.PolicyOutput, error)
	MakeFrame(out trainer.PolicyOutput, state []float64, reward float64) (*frame.SingleFrame, error)
	Step(h trainer.EpisodeHandle, f frame.Frame, terminal bool)
	ForceStopEpisode(h trainer.EpisodeHandle)
}

// Runner plays episodes one after another until its context ends
type Runner struct {
	ID      int
	Trainer Coordinator
	Sampler model.Sampler
	Seed    int64

	// MaxEpisodes stops the runner after that many episodes. 0 means
	// unlimited.
	MaxEpisodes int
}

// Run returns nil when the trainer shuts down or MaxEpisodes is reached,
// and ctx.Err() on cancellation.
func (r *Runner) Run(ctx context.Context) error {
	if r.Trainer == nil || r.Sampler == nil {
		return errors.New("worker: runner needs a trainer and a sampler")
	}
	env := cartpole.NewEnv(rand.New(rand.NewSource(r.Seed)))

	for episodes := 0; r.MaxEpisodes == 0 || episodes < r.MaxEpisodes; episodes++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		h, ok := r.Trainer.StartEpisode()
		if !ok {
			return nil
		}
		if err := r.play(ctx, env, h); err != nil {
			return err
		}
	}
	return nil
}

// play runs one episode. An episode stopped from outside ends quietly.
func (r *Runner) play(ctx context.Context, env *cartpole.Env, h trainer.EpisodeHandle) error {
	state := env.Reset()
	for {
		if err := ctx.Err(); err != nil {
			r.Trainer.ForceStopEpisode(h)
			return err
		}

		obs := state.Obs()
		out, err := r.Trainer.Forward(obs, h)
		if errors.Is(err, trainer.ErrInactiveEpisode) {
			return nil
		}
		if err != nil {
			r.Trainer.ForceStopEpisode(h)
			return fmt.Errorf("worker %d: forward: %w", r.ID, err)
		}

		out = r.Sampler.Sample(out)
		next, reward, done := env.Step(chosenAction(out.Action))

		f, err := r.Trainer.MakeFrame(out, obs, reward)
		if err != nil {
			r.Trainer.ForceStopEpisode(h)
			return fmt.Errorf("worker %d: make frame: %w", r.ID, err)
		}
		r.Trainer.Step(h, f, done)
		if done {
			return nil
		}
		state = next
	}
}

func chosenAction(onehot []float64) int {
	for i, v := range onehot {
		if v == 1 {
			return i
		}
	}
	return 0
}

// Group starts and stops a fixed set of runners
type Group struct {
	runners []*Runner
	wg      sync.WaitGroup
	cancel  context.CancelFunc

	mu   sync.Mutex
	errs []error
}

// NewGroup creates n runners with consecutive seeds
func NewGroup(n int, c Coordinator, sampler model.Sampler, seed int64) *Group {
	g := &Group{}
	for i := 0; i < n; i++ {
		g.runners = append(g.runners, &Runner{
			ID:      i,
			Trainer: c,
			Sampler: sampler,
			Seed:    seed + int64(i),
		})
	}
	return g
}

// Size is the number of runners
func (g *Group) Size() int { return len(g.runners) }

// Start launches every runner in its own goroutine
func (g *Group) Start(ctx context.Context) {
	ctx, g.cancel = context.WithCancel(ctx)

	g.wg.Add(len(g.runners))
	for _, r := range g.runners {
		go func(r *Runner) {
			defer g.wg.Done()
			err := r.Run(ctx)
			if err == nil || errors.Is(err, context.Canceled) {
				return
			}
			log.Printf("⚠️ Worker %d stopped: %v", r.ID, err)
			g.mu.Lock()
			g.errs = append(g.errs, err)
			g.mu.Unlock()
		}(r)
	}
	log.Printf("🎮 Started %d episode workers", len(g.runners))
}

// Stop cancels the runners and waits up to timeout for them to exit.
// It returns the first runner error, if any.
func (g *Group) Stop(timeout time.Duration) error {
	if g.cancel != nil {
		g.cancel()
	}

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Println("🎮 Episode workers stopped")
	case <-time.After(timeout):
		return fmt.Errorf("worker: %d runners still running after %v", len(g.runners), timeout)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.errs) > 0 {
		return g.errs[0]
	}
	return nil
}
