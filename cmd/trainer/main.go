package main

import (
	"context"
	"errors"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"sync-trainer/internal/api"
	"sync-trainer/internal/batch"
	"sync-trainer/internal/cartpole"
	"sync-trainer/internal/checkpoint"
	"sync-trainer/internal/config"
	"sync-trainer/internal/frame"
	"sync-trainer/internal/model"
	"sync-trainer/internal/observability"
	"sync-trainer/internal/stats"
	"sync-trainer/internal/trainer"
	"sync-trainer/internal/worker"
)

func main() {
	if err := godotenv.Load(".env"); err != nil {
		log.Println("💡 No .env file found, using environment variables only")
	} else {
		log.Println("✅ Loaded environment from .env")
	}

	log.Println("🧠 ================================")
	log.Println("🧠  SYNC TRAINER")
	log.Println("🧠 ================================")

	cfg := config.Load()

	observability.StartDebugServer(observability.DebugConfig{
		ListenAddr:    cfg.Observability.DebugAddr,
		BasicAuthUser: cfg.Observability.User,
		BasicAuthPass: cfg.Observability.Pass,
	})

	events := trainer.NewEventLog(cfg.EventLog.MaxEventsPerSec)
	if err := events.Start(cfg.EventLog.Path); err != nil {
		log.Printf("⚠️ Event log disabled: %v", err)
	} else if cfg.EventLog.Path != "" {
		log.Printf("📝 Event log: %s", cfg.EventLog.Path)
	}

	pool := batch.NewPool(cfg.Trainer.BatchWorkers)
	pool.Start()

	ac := model.NewActorCritic(cartpole.Features, cartpole.Actions, cfg.Model,
		cfg.Trainer.MaxGradientNorm, frame.Device(cfg.Trainer.Device), rand.New(rand.NewSource(cfg.Workers.Seed)))

	history := stats.NewHistory(stats.DefaultCapacity, 100)
	var server *api.Server

	tr, err := trainer.New(cfg.Trainer, ac, trainer.Options{
		Pool:   pool,
		Events: events,
		OnEpisodeEnd: func(s trainer.EpisodeSummary) {
			history.Observe(s)
			server.NotifyEpisode(s)
		},
	})
	if err != nil {
		log.Fatalf("Failed to create trainer: %v", err)
	}

	var store *checkpoint.Store
	if cfg.Checkpoint.Path != "" {
		store, err = checkpoint.Open(cfg.Checkpoint.Path)
		if err != nil {
			log.Fatalf("Failed to open checkpoint store: %v", err)
		}
		if _, err := store.RestoreInto(context.Background(), tr); err != nil {
			log.Printf("⚠️ Starting from scratch, checkpoint restore failed: %v", err)
		}
	} else {
		log.Println("💾 Checkpointing disabled")
	}

	server = api.NewServer(tr, api.ServerOptions{
		History: history,
		Events:  events,
		Auth:    api.NewAdminAuth(cfg.Server.AdminToken),
	})
	if cfg.Server.AdminToken == "" {
		log.Println("⚠️ Admin authentication DISABLED (set ADMIN_TOKEN to enable)")
	}
	go func() {
		addr := ":" + strconv.Itoa(cfg.Server.Port)
		if err := server.Start(addr); err != nil {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())

	workers := worker.NewGroup(cfg.Workers.Workers, tr, model.NewMultinomialSampler(cfg.Workers.Seed), cfg.Workers.Seed)
	workers.Start(ctx)

	updaterDone := make(chan struct{})
	go func() {
		defer close(updaterDone)
		runUpdates(ctx, tr, store, cfg.Checkpoint.Frequency, cfg.Workers.Backoff)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	log.Printf("✅ Trainer ready on http://localhost:%d! Press Ctrl+C to stop.", cfg.Server.Port)
	<-quit

	log.Println("🛑 Shutting down...")
	tr.Close()
	cancel()
	<-updaterDone
	if err := workers.Stop(5 * time.Second); err != nil {
		log.Printf("⚠️ %v", err)
	}

	if store != nil {
		if _, err := store.SaveFrom(context.Background(), tr); err != nil {
			log.Printf("⚠️ Final checkpoint failed: %v", err)
		}
		store.Close()
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("⚠️ API shutdown: %v", err)
	}
	pool.Stop()
	events.Stop()
	log.Println("👋 Goodbye!")
}

// runUpdates drives Update until ctx ends, sleeping backoff when nothing was
// ready or an update failed, and checkpointing every `every` updates.
func runUpdates(ctx context.Context, tr *trainer.Trainer, store *checkpoint.Store, every int, backoff time.Duration) {
	lastSaved := tr.UpdateCount()
	for ctx.Err() == nil {
		// failures are logged by the trainer; the ready buffers are retried
		updated, err := tr.Update(ctx)
		if errors.Is(err, context.Canceled) {
			return
		}
		if !updated {
			if tr.State() == trainer.StateShuttingDown {
				return
			}
			sleepCtx(ctx, backoff)
			continue
		}

		n := tr.UpdateCount()
		if store != nil && every > 0 && n-lastSaved >= every {
			if _, err := store.SaveFrom(ctx, tr); err == nil {
				lastSaved = n
			} else {
				log.Printf("⚠️ Checkpoint failed: %v", err)
			}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
