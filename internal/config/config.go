// Package config provides centralized configuration management.
// Every tunable of the trainer, the reference model, the workers and the
// HTTP surface is defined here with its default and environment override.
//
// Values are read once at startup; the trainer treats its section as
// immutable after construction.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// ErrInvalidConfig is wrapped by every Validate failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// =============================================================================
// TRAINER CONFIGURATION
// =============================================================================

// TrainerConfig controls batching, readiness and buffer recycling.
type TrainerConfig struct {
	ReturnsLength      int  // Frames per buffer consumed by one update (>= 2)
	UpdateFrequency    int  // Updates between behaviour model refreshes
	TrainerBatchSize   int  // Max buffers per update
	OverlappingUpdates bool // Drop one frame per update instead of ReturnsLength
	ForceOnPolicy      bool // Gate forwards on ReadySet membership, wipe after update
	MemoryEfficient    bool // Keep collected frames on CPU until batched
	MaxGradientNorm    float64

	// Tuned empirically, not protocol constants.
	ReadyGracePeriod time.Duration // Oldest ready buffer age that forces an update
	UpdateWaitWindow time.Duration // How long Update waits before giving up

	BatchWorkers int    // Batch builder pool size (0 = NumCPU)
	Device       string // "cpu" or "accelerator"
}

// DefaultTrainer returns the default trainer configuration.
func DefaultTrainer() TrainerConfig {
	return TrainerConfig{
		ReturnsLength:    5,
		UpdateFrequency:  1,
		TrainerBatchSize: 16,
		MaxGradientNorm:  -1, // disabled
		ReadyGracePeriod: 5 * time.Second,
		UpdateWaitWindow: 2 * time.Second,
		BatchWorkers:     10,
		Device:           "cpu",
	}
}

// TrainerFromEnv returns trainer configuration with environment variable overrides.
func TrainerFromEnv() TrainerConfig {
	cfg := DefaultTrainer()

	if v := getEnvInt("RETURNS_LENGTH", 0); v > 0 {
		cfg.ReturnsLength = v
	}
	if v := getEnvInt("UPDATE_FREQUENCY", 0); v > 0 {
		cfg.UpdateFrequency = v
	}
	if v := getEnvInt("TRAINER_BATCH_SIZE", 0); v > 0 {
		cfg.TrainerBatchSize = v
	}
	cfg.OverlappingUpdates = getEnvBool("OVERLAPPING_UPDATES", cfg.OverlappingUpdates)
	cfg.ForceOnPolicy = getEnvBool("FORCE_ON_POLICY", cfg.ForceOnPolicy)
	cfg.MemoryEfficient = getEnvBool("MEMORY_EFFICIENT", cfg.MemoryEfficient)
	cfg.MaxGradientNorm = getEnvFloat("MAX_GRADIENT_NORM", cfg.MaxGradientNorm)
	if ms := getEnvInt("READY_GRACE_PERIOD_MS", 0); ms > 0 {
		cfg.ReadyGracePeriod = time.Duration(ms) * time.Millisecond
	}
	if ms := getEnvInt("UPDATE_WAIT_WINDOW_MS", 0); ms > 0 {
		cfg.UpdateWaitWindow = time.Duration(ms) * time.Millisecond
	}
	if v := getEnvInt("BATCH_WORKERS", -1); v >= 0 {
		cfg.BatchWorkers = v
	}
	if d := os.Getenv("DEVICE"); d != "" {
		cfg.Device = d
	}

	return cfg
}

// Validate checks the invariants the trainer relies on.
func (c TrainerConfig) Validate() error {
	switch {
	case c.ReturnsLength < 2:
		return fmt.Errorf("%w: returns length %d < 2", ErrInvalidConfig, c.ReturnsLength)
	case c.UpdateFrequency < 1:
		return fmt.Errorf("%w: update frequency %d < 1", ErrInvalidConfig, c.UpdateFrequency)
	case c.TrainerBatchSize < 1:
		return fmt.Errorf("%w: batch size %d < 1", ErrInvalidConfig, c.TrainerBatchSize)
	case c.ReadyGracePeriod <= 0 || c.UpdateWaitWindow <= 0:
		return fmt.Errorf("%w: grace period and wait window must be positive", ErrInvalidConfig)
	case c.Device != "cpu" && c.Device != "accelerator":
		return fmt.Errorf("%w: unknown device %q", ErrInvalidConfig, c.Device)
	}
	return nil
}

// =============================================================================
// MODEL CONFIGURATION
// =============================================================================

// ModelConfig holds the reference actor-critic hyperparameters.
type ModelConfig struct {
	LearningRate float64
	Discount     float64
	RatioClamp   float64 // Upper bound on the importance ratio
	EntropyRatio float64
	PolicyRatio  float64
}

// DefaultModel returns the default model configuration.
func DefaultModel() ModelConfig {
	return ModelConfig{
		LearningRate: 0.01,
		Discount:     0.99,
		RatioClamp:   10,
		EntropyRatio: 0.01,
		PolicyRatio:  1,
	}
}

// ModelFromEnv returns model configuration with environment variable overrides.
func ModelFromEnv() ModelConfig {
	cfg := DefaultModel()

	if v := getEnvFloat("LEARNING_RATE", -1); v > 0 {
		cfg.LearningRate = v
	}
	if v := getEnvFloat("DISCOUNT", -1); v >= 0 && v <= 1 {
		cfg.Discount = v
	}
	if v := getEnvFloat("ENTROPY_RATIO", -1); v >= 0 {
		cfg.EntropyRatio = v
	}

	return cfg
}

// =============================================================================
// WORKER CONFIGURATION
// =============================================================================

// WorkerConfig controls the episode producers.
type WorkerConfig struct {
	Workers int
	Seed    int64
	Backoff time.Duration // Sleep between Update retries
}

// DefaultWorkers returns the default worker configuration.
func DefaultWorkers() WorkerConfig {
	return WorkerConfig{
		Workers: 16,
		Seed:    1,
		Backoff: 50 * time.Millisecond,
	}
}

// WorkersFromEnv returns worker configuration with environment variable overrides.
func WorkersFromEnv() WorkerConfig {
	cfg := DefaultWorkers()

	if v := getEnvInt("NUM_WORKERS", 0); v > 0 {
		cfg.Workers = v
	}
	if v := getEnvInt("SEED", 0); v != 0 {
		cfg.Seed = int64(v)
	}

	return cfg
}

// =============================================================================
// SERVER CONFIGURATION
// =============================================================================

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port       int
	AdminToken string // Required for mutating API calls; empty disables auth
}

// DefaultServer returns the default server configuration.
func DefaultServer() ServerConfig {
	return ServerConfig{
		Port: 3000,
	}
}

// ServerFromEnv returns server configuration with environment variable overrides.
func ServerFromEnv() ServerConfig {
	cfg := DefaultServer()

	if p := getEnvInt("PORT", 0); p > 0 {
		cfg.Port = p
	}
	cfg.AdminToken = os.Getenv("ADMIN_TOKEN")

	return cfg
}

// =============================================================================
// PERSISTENCE CONFIGURATION
// =============================================================================

// CheckpointConfig controls the sqlite checkpoint store.
type CheckpointConfig struct {
	Path      string // Empty disables checkpointing
	Frequency int    // Updates between checkpoints
}

// EventLogConfig controls the JSONL event log.
type EventLogConfig struct {
	Path            string // Empty keeps events in memory only
	MaxEventsPerSec int
}

// DefaultCheckpoint returns the default checkpoint configuration.
func DefaultCheckpoint() CheckpointConfig {
	return CheckpointConfig{
		Path:      "checkpoints.db",
		Frequency: 100,
	}
}

// CheckpointFromEnv returns checkpoint configuration with environment variable overrides.
func CheckpointFromEnv() CheckpointConfig {
	cfg := DefaultCheckpoint()

	if p, ok := os.LookupEnv("CHECKPOINT_PATH"); ok {
		cfg.Path = p
	}
	if v := getEnvInt("CHECKPOINT_EVERY", 0); v > 0 {
		cfg.Frequency = v
	}

	return cfg
}

// DefaultEventLog returns the default event log configuration.
func DefaultEventLog() EventLogConfig {
	return EventLogConfig{
		MaxEventsPerSec: 1000,
	}
}

// EventLogFromEnv returns event log configuration with environment variable overrides.
func EventLogFromEnv() EventLogConfig {
	cfg := DefaultEventLog()

	cfg.Path = os.Getenv("EVENT_LOG_PATH")
	if v := getEnvInt("MAX_EVENTS_PER_SEC", 0); v > 0 {
		cfg.MaxEventsPerSec = v
	}

	return cfg
}

// =============================================================================
// OBSERVABILITY CONFIGURATION
// =============================================================================

// ObservabilityConfig controls the localhost debug server.
type ObservabilityConfig struct {
	DebugAddr string // Empty disables the debug server
	User      string
	Pass      string
}

// ObservabilityFromEnv reads the debug server settings.
func ObservabilityFromEnv() ObservabilityConfig {
	addr := "127.0.0.1:6060"
	if v, ok := os.LookupEnv("DEBUG_ADDR"); ok {
		addr = v
	}
	return ObservabilityConfig{
		DebugAddr: addr,
		User:      os.Getenv("DEBUG_USER"),
		Pass:      os.Getenv("DEBUG_PASS"),
	}
}

// =============================================================================
// COMPLETE APP CONFIGURATION
// =============================================================================

// AppConfig holds the complete application configuration.
type AppConfig struct {
	Trainer       TrainerConfig
	Model         ModelConfig
	Workers       WorkerConfig
	Server        ServerConfig
	Checkpoint    CheckpointConfig
	EventLog      EventLogConfig
	Observability ObservabilityConfig
}

// Load returns the complete configuration with environment overrides.
func Load() AppConfig {
	return AppConfig{
		Trainer:       TrainerFromEnv(),
		Model:         ModelFromEnv(),
		Workers:       WorkersFromEnv(),
		Server:        ServerFromEnv(),
		Checkpoint:    CheckpointFromEnv(),
		EventLog:      EventLogFromEnv(),
		Observability: ObservabilityFromEnv(),
	}
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}
