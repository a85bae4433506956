// Package trainer coordinates many episode producers with a single model
// updater.
//
// Producers call Step to hand over frames and Forward to query the policy.
// One driver goroutine calls Update in a loop. Update waits until enough
// buffers are ready (or the oldest has waited out the grace period), copies
// a selection, builds the batch and applies the update off the lock, then
// recycles the consumed frames.
//
// Locking:
//   - lock (priority mutex) guards the buffer table, the ready set, the
//     active episode set and the train/closed flags. Producers take it at
//     low priority, Update and Reset at high priority.
//   - forwardMu is taken for writing, inside lock, whenever the ready set,
//     the active set or the closed flag changes. On-policy Forward waits on
//     forwardCond holding it for reading.
//   - ModelSwap has its own RWMutex. Order is always lock, then forwardMu or
//     the model lock; never the reverse.
package trainer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"sync-trainer/internal/batch"
	"sync-trainer/internal/config"
	"sync-trainer/internal/frame"
	"sync-trainer/internal/observability"
	"sync-trainer/internal/prioritylock"
)

const (
	priorityLow  = 0
	priorityHigh = 1
)

var (
	// ErrInactiveEpisode is returned by Forward for a handle whose episode
	// ended, was stopped, or was never started.
	ErrInactiveEpisode = errors.New("episode is not active")

	// ErrMissingAction is returned by MakeFrame when no action was sampled.
	ErrMissingAction = errors.New("policy output has no action")

	// ErrNoWeightCodec is returned when checkpointing a model that cannot
	// serialize its weights.
	ErrNoWeightCodec = errors.New("model does not support weight serialization")

	errBuild = errors.New("build batch")
)

// State of the coordinator
type State int32

const (
	StateIdle State = iota
	StateAccumulating
	StateUpdating
	StateShuttingDown
)

// String returns the state name
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAccumulating:
		return "accumulating"
	case StateUpdating:
		return "updating"
	case StateShuttingDown:
		return "shutting_down"
	default:
		return "unknown"
	}
}

// EpisodeSummary is reported when an episode's terminal frame is stepped
type EpisodeSummary struct {
	Episode     EpisodeID
	Reward      float64
	UpdateCount int
}

// Options holds the optional collaborators of a Trainer
type Options struct {
	// Pool merges batches. If nil the trainer starts its own pool of
	// cfg.BatchWorkers workers and stops it on Close.
	Pool *batch.Pool

	// Batcher defaults to frame.DenseBatcher.
	Batcher frame.Batcher

	// Events receives episode_end, update, force_stop and reset events.
	Events *EventLog

	// OnEpisodeEnd is called outside all locks.
	OnEpisodeEnd func(EpisodeSummary)
}

// Snapshot is the persisted part of the trainer
type Snapshot struct {
	UpdateCount int
	Weights     []byte
}

// Stats is a point-in-time view for the API
type Stats struct {
	State          string  `json:"state"`
	Training       bool    `json:"training"`
	UpdateCount    int     `json:"updateCount"`
	Buffers        int     `json:"buffers"`
	UsedBuffers    int     `json:"usedBuffers"`
	ReadyBuffers   int     `json:"readyBuffers"`
	ActiveEpisodes int     `json:"activeEpisodes"`
	QueuedFrames   int     `json:"queuedFrames"`
	OldestReadyMs  float64 `json:"oldestReadyMs"`
}

// Trainer is the synchronous training coordinator
type Trainer struct {
	cfg     config.TrainerConfig
	models  *ModelSwap
	pool    *batch.Pool
	ownPool bool
	batcher frame.Batcher
	events  *EventLog
	onEnd   func(EpisodeSummary)

	lock *prioritylock.Mutex

	// Guarded by lock
	table  *bufferTable
	ready  *readySet
	active map[EpisodeID]struct{}
	train  bool
	closed bool
	epoch  uint64 // bumped by Reset

	// stateWidth is the feature count every buffered frame shares; 0
	// until the first frame after New or Reset.
	stateWidth int

	updateMu    sync.Mutex // one updater at a time
	updateCount atomic.Int64
	state       atomic.Int32

	forwardMu   sync.RWMutex
	forwardCond *sync.Cond

	// batchCh is closed and replaced to wake a waiting Update
	batchMu sync.Mutex
	batchCh chan struct{}
}

// New creates a trainer around model. The config must pass Validate.
func New(cfg config.TrainerConfig, model Model, opts Options) (*Trainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if model == nil {
		return nil, errors.New("trainer: nil model")
	}

	lock, err := prioritylock.New(priorityHigh)
	if err != nil {
		return nil, err
	}

	t := &Trainer{
		cfg:     cfg,
		models:  NewModelSwap(model, cfg.UpdateFrequency),
		pool:    opts.Pool,
		batcher: opts.Batcher,
		events:  opts.Events,
		onEnd:   opts.OnEpisodeEnd,
		lock:    lock,
		table:   newBufferTable(),
		ready:   newReadySet(),
		active:  make(map[EpisodeID]struct{}),
		train:   true,
		batchCh: make(chan struct{}),
	}
	t.forwardCond = sync.NewCond(t.forwardMu.RLocker())
	if t.batcher == nil {
		t.batcher = frame.DenseBatcher{}
	}
	if t.pool == nil {
		t.pool = batch.NewPool(cfg.BatchWorkers)
		t.pool.Start()
		t.ownPool = true
	}

	log.Printf("🧠 Trainer ready: returns=%d batch=%d updateFreq=%d overlapping=%v onPolicy=%v",
		cfg.ReturnsLength, cfg.TrainerBatchSize, cfg.UpdateFrequency, cfg.OverlappingUpdates, cfg.ForceOnPolicy)
	return t, nil
}

func (t *Trainer) lockAt(priority int) {
	if err := t.lock.Lock(priority); err != nil {
		panic(fmt.Sprintf("trainer: %v", err))
	}
}

func (t *Trainer) setState(s State) {
	for {
		cur := t.state.Load()
		if State(cur) == StateShuttingDown {
			return
		}
		if t.state.CompareAndSwap(cur, int32(s)) {
			return
		}
	}
}

// State returns the current coordinator state
func (t *Trainer) State() State {
	return State(t.state.Load())
}

// UpdateCount returns the number of updates applied so far
func (t *Trainer) UpdateCount() int {
	return int(t.updateCount.Load())
}

func (t *Trainer) batchSignal() <-chan struct{} {
	t.batchMu.Lock()
	defer t.batchMu.Unlock()
	return t.batchCh
}

// notifyBatch wakes every goroutine waiting in Update
func (t *Trainer) notifyBatch() {
	t.batchMu.Lock()
	close(t.batchCh)
	t.batchCh = make(chan struct{})
	t.batchMu.Unlock()
}

func (t *Trainer) publishGauges() {
	observability.UpdateTrainerGauges(t.ready.len(), len(t.active), t.table.len())
}

// =============================================================================
// EPISODES
// =============================================================================

// StartEpisode registers a new episode. It returns false once the trainer
// is shutting down.
func (t *Trainer) StartEpisode() (EpisodeHandle, bool) {
	h := newEpisodeHandle()

	t.lockAt(priorityLow)
	defer t.lock.Unlock()

	if t.closed {
		return EpisodeHandle{}, false
	}
	t.forwardMu.Lock()
	t.active[h.id] = struct{}{}
	t.forwardMu.Unlock()
	t.publishGauges()
	return h, true
}

// IsActive reports whether h may still step and forward
func (t *Trainer) IsActive(h EpisodeHandle) bool {
	t.forwardMu.RLock()
	defer t.forwardMu.RUnlock()
	_, ok := t.active[h.id]
	return ok
}

// ActiveEpisodes lists the running episodes
func (t *Trainer) ActiveEpisodes() []EpisodeID {
	t.forwardMu.RLock()
	defer t.forwardMu.RUnlock()

	out := make([]EpisodeID, 0, len(t.active))
	for id := range t.active {
		out = append(out, id)
	}
	return out
}

// SetTrain switches between collecting frames (true) and evaluation only.
func (t *Trainer) SetTrain(train bool) {
	t.lockAt(priorityLow)
	t.train = train
	t.lock.Unlock()
	log.Printf("🧠 Training mode: %v", train)
}

// Training reports whether Step collects frames
func (t *Trainer) Training() bool {
	t.lockAt(priorityLow)
	defer t.lock.Unlock()
	return t.train
}

// =============================================================================
// PRODUCER SIDE
// =============================================================================

// Step appends f to the episode's buffer. It is a no-op for inactive
// handles, in evaluation mode, after Close, and for frames that could not
// be batched with the others: nil, already batched, or a state width that
// differs from the frames already collected.
func (t *Trainer) Step(h EpisodeHandle, f frame.Frame, terminal bool) {
	sf, ok := f.(*frame.SingleFrame)
	if !ok || sf == nil || len(sf.State) == 0 {
		if f != nil {
			log.Printf("⚠️ Step ignored a %T frame for episode %s", f, h.id)
		}
		return
	}

	t.lockAt(priorityLow)
	if !t.train || t.closed {
		t.lock.Unlock()
		return
	}
	if _, ok := t.active[h.id]; !ok {
		t.lock.Unlock()
		return
	}
	if t.stateWidth == 0 {
		t.stateWidth = len(sf.State)
	} else if len(sf.State) != t.stateWidth {
		t.lock.Unlock()
		log.Printf("⚠️ Step ignored a frame with %d features for episode %s, want %d", len(sf.State), h.id, t.stateWidth)
		return
	}

	idx := t.table.bufferFor(h.id)
	buf := t.table.slot(idx)
	buf.frames.push(entry{frame: sf, terminal: terminal})
	buf.CumulativeReward += sf.Reward

	var summary *EpisodeSummary
	becameReady := buf.Len() >= t.cfg.ReturnsLength && !t.ready.contains(idx)
	if terminal || becameReady {
		t.forwardMu.Lock()
		if terminal {
			summary = &EpisodeSummary{
				Episode:     h.id,
				Reward:      buf.CumulativeReward,
				UpdateCount: t.UpdateCount(),
			}
			buf.CumulativeReward = 0
			delete(t.active, h.id)
			t.table.release(idx)
		}
		if becameReady {
			t.ready.insert(idx, time.Now())
		}
		t.forwardMu.Unlock()
	}
	if terminal {
		t.publishGauges()
	}
	t.setState(StateAccumulating)
	t.lock.Unlock()

	observability.RecordFrame()
	if summary != nil {
		t.forwardCond.Broadcast()
		t.episodeEnded(*summary, idx)
	}
	t.notifyBatch()
}

func (t *Trainer) episodeEnded(s EpisodeSummary, idx int) {
	observability.RecordEpisodeReward(s.Reward)
	t.events.EmitSimple(EventTypeEpisodeEnd, s.UpdateCount, s.Episode, EpisodeEndPayload{
		CumulativeReward: s.Reward,
		Buffer:           idx,
	})
	if t.onEnd != nil {
		t.onEnd(s)
	}
}

// Forward runs the behaviour policy for h.
//
// With ForceOnPolicy the call first waits until h's buffer is no longer
// queued for an update, so the episode never acts with weights that the
// pending update is about to change.
func (t *Trainer) Forward(input []float64, h EpisodeHandle) (PolicyOutput, error) {
	if t.cfg.ForceOnPolicy {
		if !t.awaitOnPolicy(h) {
			return PolicyOutput{}, ErrInactiveEpisode
		}
	} else if !t.IsActive(h) {
		return PolicyOutput{}, ErrInactiveEpisode
	}
	return t.models.Forward(input)
}

func (t *Trainer) awaitOnPolicy(h EpisodeHandle) bool {
	t.lockAt(priorityLow)
	if _, ok := t.active[h.id]; !ok || t.closed {
		t.lock.Unlock()
		return false
	}
	idx := t.table.bufferFor(h.id)
	t.lock.Unlock()

	start := time.Now()
	t.forwardMu.RLock()
	for {
		_, active := t.active[h.id]
		if !active || t.closed {
			t.forwardMu.RUnlock()
			return false
		}
		if !t.ready.contains(idx) {
			break
		}
		t.forwardCond.Wait()
	}
	t.forwardMu.RUnlock()

	observability.RecordForwardWait(time.Since(start))
	return true
}

// MakeFrame turns a sampled policy output into a frame ready for Step.
func (t *Trainer) MakeFrame(out PolicyOutput, state []float64, reward float64) (*frame.SingleFrame, error) {
	if !out.HasAction() {
		return nil, ErrMissingAction
	}
	f := &frame.SingleFrame{
		State:      append([]float64(nil), state...),
		Action:     append([]float64(nil), out.Action...),
		PAction:    out.PAction,
		HasPAction: out.PAction > 0,
		Reward:     reward,
		Forwarded:  out.Probs,
		Device:     frame.CPU,
	}
	if !t.cfg.MemoryEfficient {
		f.ToDevice(t.models.Device())
	}
	return f, nil
}

// ForceStopEpisode ends h and discards its unconsumed frames. Safe to call
// concurrently with Step and Update for the same handle.
func (t *Trainer) ForceStopEpisode(h EpisodeHandle) {
	t.lockAt(priorityLow)
	if _, ok := t.active[h.id]; !ok {
		t.lock.Unlock()
		return
	}

	discarded := 0
	t.forwardMu.Lock()
	delete(t.active, h.id)
	if idx, ok := t.table.lookup(h.id); ok {
		discarded = t.table.slot(idx).Len()
		t.table.forceStop(idx, t.UpdateCount())
		t.ready.remove(idx)
	}
	t.forwardMu.Unlock()
	t.publishGauges()
	t.lock.Unlock()

	t.forwardCond.Broadcast()
	t.events.EmitSimple(EventTypeForceStop, t.UpdateCount(), h.id, ForceStopPayload{Discarded: discarded})
}

// =============================================================================
// UPDATER SIDE
// =============================================================================

// Update runs one training update. It returns false with a nil error when
// nothing became ready within the wait window, after Reset or Close, and
// false with ctx.Err() on cancellation. Apply failures return the error and
// leave the ready buffers in place for the next attempt. Build failures also
// discard the frames of the buffers that cannot be batched, so one bad
// buffer cannot block every later update.
func (t *Trainer) Update(ctx context.Context) (bool, error) {
	t.updateMu.Lock()
	defer t.updateMu.Unlock()

	t.lockAt(priorityHigh)
	ok, err := t.waitReady(ctx)
	if !ok {
		t.lock.Unlock()
		return false, err
	}

	sel := t.selectLocked()
	gens := make([]uint64, len(sel.Indices))
	for i, idx := range sel.Indices {
		gens[i] = t.table.slot(idx).generation
	}
	seq := int(t.updateCount.Add(1))
	t.setState(StateUpdating)
	t.lock.Unlock()

	start := time.Now()
	published, err := t.runUpdate(ctx, seq, sel)
	if err != nil {
		var bad []int
		if errors.Is(err, errBuild) && ctx.Err() == nil {
			bad = t.unbatchable(sel)
		}
		t.lockAt(priorityHigh)
		t.updateCount.Add(-1)
		evicted := t.evictLocked(sel.Indices, gens, bad)
		t.publishGauges()
		t.setState(StateAccumulating)
		t.lock.Unlock()
		observability.RecordUpdateFailure()
		log.Printf("⚠️ Update %d failed: %v", seq, err)
		if evicted > 0 {
			log.Printf("⚠️ Discarded the frames of %d buffer(s) that cannot be batched", evicted)
			t.forwardCond.Broadcast()
		}
		return false, err
	}

	t.lockAt(priorityHigh)
	t.recycleLocked(seq, sel.Indices, gens)
	t.publishGauges()
	t.setState(StateAccumulating)
	t.lock.Unlock()

	t.forwardCond.Broadcast()
	t.notifyBatch()

	elapsed := time.Since(start)
	observability.RecordUpdate(elapsed, sel.Steps()*sel.BatchSize())
	t.events.EmitSimple(EventTypeUpdate, seq, "", UpdatePayload{
		Buffers:    sel.Indices,
		Steps:      sel.Steps(),
		DurationMs: float64(elapsed.Microseconds()) / 1000,
		Published:  published,
	})
	return true, nil
}

// waitReady blocks until an update should run. It is entered and left with
// lock held at high priority; the lock is released while sleeping.
func (t *Trainer) waitReady(ctx context.Context) (bool, error) {
	deadline := time.Now().Add(t.cfg.UpdateWaitWindow)
	epoch := t.epoch

	for {
		if t.closed || t.epoch != epoch {
			return false, nil
		}
		now := time.Now()
		if t.shouldUpdate(now) {
			return true, nil
		}

		var wait time.Duration
		if oldest, ok := t.ready.oldest(); ok {
			wait = oldest.Add(t.cfg.ReadyGracePeriod).Sub(now)
		} else {
			if !now.Before(deadline) {
				return false, nil
			}
			wait = deadline.Sub(now)
		}

		// Capture the signal before unlocking so a Step that lands in
		// between still wakes us.
		sig := t.batchSignal()
		t.lock.Unlock()

		timer := time.NewTimer(wait)
		var err error
		select {
		case <-sig:
		case <-timer.C:
		case <-ctx.Done():
			err = ctx.Err()
		}
		timer.Stop()

		t.lockAt(priorityHigh)
		if err != nil {
			return false, err
		}
	}
}

func (t *Trainer) shouldUpdate(now time.Time) bool {
	if t.ready.len() >= t.cfg.TrainerBatchSize {
		return true
	}
	oldest, ok := t.ready.oldest()
	return ok && now.Sub(oldest) >= t.cfg.ReadyGracePeriod
}

// selectLocked copies the oldest ReturnsLength frames of up to
// TrainerBatchSize ready buffers.
func (t *Trainer) selectLocked() batch.Selection {
	indices := t.ready.selection(t.cfg.TrainerBatchSize)
	steps := t.cfg.ReturnsLength

	sel := batch.Selection{
		Indices:  indices,
		Frames:   make([][]frame.Frame, steps),
		Terminal: frame.NewMask(steps, len(indices)),
	}
	for s := range sel.Frames {
		sel.Frames[s] = make([]frame.Frame, len(indices))
	}
	for b, idx := range indices {
		buf := t.table.slot(idx)
		if buf.Len() < steps {
			panic(fmt.Sprintf("trainer: ready buffer %d has %d frames, need %d", idx, buf.Len(), steps))
		}
		for s := 0; s < steps; s++ {
			e := buf.frames.at(s)
			sel.Frames[s][b] = e.frame
			sel.Terminal.Set(s, b, e.terminal)
		}
	}
	return sel
}

func (t *Trainer) runUpdate(ctx context.Context, seq int, sel batch.Selection) (bool, error) {
	buildStart := time.Now()
	frames, err := t.pool.Build(ctx, sel, t.batcher, t.models.Device())
	if err != nil {
		return false, fmt.Errorf("%w: %w", errBuild, err)
	}
	observability.RecordBatchBuild(time.Since(buildStart))

	published, err := t.models.Apply(seq, frames, sel.Terminal)
	if err != nil {
		return false, fmt.Errorf("apply update: %w", err)
	}
	return published, nil
}

// recycleLocked drops the consumed frames. Buffers cleared by ForceStop or
// Reset while the update ran are skipped: their frames are already gone.
func (t *Trainer) recycleLocked(seq int, indices []int, gens []uint64) {
	t.forwardMu.Lock()
	if t.cfg.ForceOnPolicy {
		t.table.clearFrames()
		t.ready.clear()
	} else {
		drop := t.cfg.ReturnsLength
		if t.cfg.OverlappingUpdates {
			drop = 1
		}
		for i, idx := range indices {
			buf := t.table.slot(idx)
			if buf.generation != gens[i] {
				continue
			}
			buf.frames.dropFront(drop)
			if buf.Len() < t.cfg.ReturnsLength {
				t.ready.remove(idx)
			}
		}
	}
	t.forwardMu.Unlock()

	if t.cfg.ForceOnPolicy {
		for i := 0; i < t.table.len(); i++ {
			t.table.slot(i).LastUpdateIteration = seq
		}
		return
	}
	for i, idx := range indices {
		if buf := t.table.slot(idx); buf.generation == gens[i] {
			buf.LastUpdateIteration = seq
		}
	}
}

// unbatchable returns the selection columns whose frames fail to batch on
// their own. When every buffer batches alone the failure came from mixing
// them, and all columns are returned.
func (t *Trainer) unbatchable(sel batch.Selection) []int {
	var bad []int
	for b := range sel.Indices {
		for s := range sel.Frames {
			if _, err := frame.Batch([]frame.Frame{sel.Frames[s][b]}, t.batcher); err != nil {
				bad = append(bad, b)
				break
			}
		}
	}
	if len(bad) == 0 {
		for b := range sel.Indices {
			bad = append(bad, b)
		}
	}
	return bad
}

// evictLocked drops the frames of the selected buffers at positions bad,
// skipping buffers cleared since the selection. It returns how many were
// dropped.
func (t *Trainer) evictLocked(indices []int, gens []uint64, bad []int) int {
	if len(bad) == 0 {
		return 0
	}
	n := 0
	t.forwardMu.Lock()
	for _, b := range bad {
		buf := t.table.slot(indices[b])
		if buf.generation != gens[b] {
			continue
		}
		buf.frames.clear()
		buf.generation++
		t.ready.remove(indices[b])
		n++
	}
	t.forwardMu.Unlock()
	return n
}

// Reset discards every buffer, empties the ready set and ends all episodes.
func (t *Trainer) Reset() {
	t.lockAt(priorityHigh)
	payload := ResetPayload{Buffers: t.table.len(), Episodes: len(t.active)}

	t.forwardMu.Lock()
	t.table.resetAll()
	t.ready.clear()
	t.active = make(map[EpisodeID]struct{})
	t.forwardMu.Unlock()

	t.epoch++
	t.stateWidth = 0
	t.publishGauges()
	t.setState(StateIdle)
	t.lock.Unlock()

	t.forwardCond.Broadcast()
	t.notifyBatch()

	log.Printf("🧠 Trainer reset: %d buffers cleared, %d episodes ended", payload.Buffers, payload.Episodes)
	t.events.EmitSimple(EventTypeReset, t.UpdateCount(), "", payload)
}

// Close stops accepting traffic and wakes every waiter. Pending Update and
// Forward calls return; later calls are no-ops.
func (t *Trainer) Close() {
	t.lockAt(priorityHigh)
	if t.closed {
		t.lock.Unlock()
		return
	}
	t.forwardMu.Lock()
	t.closed = true
	t.forwardMu.Unlock()
	t.setState(StateShuttingDown)
	t.lock.Unlock()

	t.forwardCond.Broadcast()
	t.notifyBatch()

	if t.ownPool {
		t.pool.Stop()
	}
	log.Println("🧠 Trainer closed")
}

// =============================================================================
// INSPECTION AND CHECKPOINTS
// =============================================================================

// Stats returns a snapshot of the coordinator counters
func (t *Trainer) Stats() Stats {
	t.lockAt(priorityLow)
	defer t.lock.Unlock()

	s := Stats{
		State:          t.State().String(),
		Training:       t.train,
		UpdateCount:    t.UpdateCount(),
		Buffers:        t.table.len(),
		UsedBuffers:    t.table.usedCount(),
		ReadyBuffers:   t.ready.len(),
		ActiveEpisodes: len(t.active),
		QueuedFrames:   t.table.queuedFrames(),
	}
	if oldest, ok := t.ready.oldest(); ok {
		s.OldestReadyMs = float64(time.Since(oldest).Microseconds()) / 1000
	}
	return s
}

// Snapshot captures the update count and training weights. It waits for
// any in-flight update.
func (t *Trainer) Snapshot() (Snapshot, error) {
	t.updateMu.Lock()
	defer t.updateMu.Unlock()

	w, err := t.models.MarshalWeights()
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{UpdateCount: t.UpdateCount(), Weights: w}, nil
}

// Restore loads a snapshot taken by Snapshot.
func (t *Trainer) Restore(s Snapshot) error {
	t.updateMu.Lock()
	defer t.updateMu.Unlock()

	if err := t.models.UnmarshalWeights(s.Weights); err != nil {
		return fmt.Errorf("restore weights: %w", err)
	}

	t.lockAt(priorityHigh)
	t.updateCount.Store(int64(s.UpdateCount))
	t.lock.Unlock()

	log.Printf("🧠 Restored checkpoint at update %d", s.UpdateCount)
	return nil
}
