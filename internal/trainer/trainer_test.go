package trainer

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"gonum.org/v1/gonum/mat"

	"sync-trainer/internal/config"
	"sync-trainer/internal/frame"
)

// fakeModel records every batch it is asked to learn from
type fakeModel struct {
	mu       sync.Mutex
	weight   float64
	batches  [][]*frame.BatchedFrame
	masks    []frame.Mask
	applyErr error
	delay    time.Duration

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func (m *fakeModel) Forward(input []float64) (PolicyOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return PolicyOutput{Probs: []float64{0.5, 0.5}, Value: m.weight}, nil
}

func (m *fakeModel) ApplyUpdate(seq []*frame.BatchedFrame, terminal frame.Mask) error {
	n := m.inFlight.Add(1)
	defer m.inFlight.Add(-1)
	for {
		cur := m.maxInFlight.Load()
		if n <= cur || m.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}
	if m.delay > 0 {
		time.Sleep(m.delay)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.applyErr != nil {
		return m.applyErr
	}
	m.weight++
	m.batches = append(m.batches, seq)
	m.masks = append(m.masks, terminal)
	return nil
}

func (m *fakeModel) Clone() Model {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &fakeModel{weight: m.weight}
}

func (m *fakeModel) Device() frame.Device { return frame.CPU }

func (m *fakeModel) MarshalWeights() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return []byte(strconv.FormatFloat(m.weight, 'g', -1, 64)), nil
}

func (m *fakeModel) UnmarshalWeights(data []byte) error {
	w, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.weight = w
	m.mu.Unlock()
	return nil
}

func (m *fakeModel) updates() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.batches)
}

// noCodecModel hides the weight codec
type noCodecModel struct{ m *fakeModel }

func (n noCodecModel) Forward(input []float64) (PolicyOutput, error) { return n.m.Forward(input) }
func (n noCodecModel) ApplyUpdate(seq []*frame.BatchedFrame, terminal frame.Mask) error {
	return n.m.ApplyUpdate(seq, terminal)
}
func (n noCodecModel) Clone() Model { return noCodecModel{n.m.Clone().(*fakeModel)} }
func (n noCodecModel) Device() frame.Device { return n.m.Device() }

const poison = -1.0

var errPoisoned = errors.New("poisoned row")

// poisonBatcher refuses any batch containing a row that starts with poison
type poisonBatcher struct{ frame.DenseBatcher }

func (p poisonBatcher) MakeBatch(rows [][]float64) (*mat.Dense, error) {
	for _, row := range rows {
		if len(row) > 0 && row[0] == poison {
			return nil, errPoisoned
		}
	}
	return p.DenseBatcher.MakeBatch(rows)
}

func testConfig() config.TrainerConfig {
	cfg := config.DefaultTrainer()
	cfg.ReturnsLength = 2
	cfg.TrainerBatchSize = 2
	cfg.ReadyGracePeriod = time.Second
	cfg.UpdateWaitWindow = 30 * time.Millisecond
	cfg.BatchWorkers = 2
	return cfg
}

func newTestTrainer(t *testing.T, cfg config.TrainerConfig, m Model) *Trainer {
	t.Helper()
	tr, err := New(cfg, m, Options{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(tr.Close)
	return tr
}

func rewardFrame(r float64) *frame.SingleFrame {
	return &frame.SingleFrame{State: []float64{r}, Action: []float64{1, 0}, Reward: r, Device: frame.CPU}
}

func mustStart(t *testing.T, tr *Trainer) EpisodeHandle {
	t.Helper()
	h, ok := tr.StartEpisode()
	if !ok {
		t.Fatal("StartEpisode refused")
	}
	return h
}

// TestNewRejectsInvalidConfig verifies config validation at construction
func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.ReturnsLength = 1
	if _, err := New(cfg, &fakeModel{}, Options{}); !errors.Is(err, config.ErrInvalidConfig) {
		t.Errorf("Expected ErrInvalidConfig, got %v", err)
	}
	if _, err := New(testConfig(), nil, Options{}); err == nil {
		t.Error("Expected error for nil model")
	}
}

// TestExampleScenario runs two episodes to one full batch
func TestExampleScenario(t *testing.T) {
	m := &fakeModel{}
	tr := newTestTrainer(t, testConfig(), m)

	a := mustStart(t, tr)
	b := mustStart(t, tr)

	tr.Step(a, rewardFrame(1), false)
	tr.Step(a, rewardFrame(2), true)
	tr.Step(b, rewardFrame(3), false)
	tr.Step(b, rewardFrame(4), false)

	if got := tr.Stats().ReadyBuffers; got != 2 {
		t.Fatalf("Expected 2 ready buffers, got %d", got)
	}

	ok, err := tr.Update(context.Background())
	if err != nil || !ok {
		t.Fatalf("Update = %v, %v; want true, nil", ok, err)
	}
	if tr.UpdateCount() != 1 {
		t.Errorf("Expected update count 1, got %d", tr.UpdateCount())
	}

	seq := m.batches[0]
	if len(seq) != 2 {
		t.Fatalf("Expected 2 time steps, got %d", len(seq))
	}
	for ti, bf := range seq {
		if bf.BatchSize() != 2 {
			t.Errorf("Step %d: expected 2 buffers, got %d", ti, bf.BatchSize())
		}
	}
	mask := m.masks[0]
	terminals := mask.Count()
	if terminals != 1 {
		t.Errorf("Expected exactly one terminal cell, got %d", terminals)
	}

	stats := tr.Stats()
	if stats.ReadyBuffers != 0 || stats.QueuedFrames != 0 {
		t.Errorf("Expected buffers drained, got ready=%d queued=%d", stats.ReadyBuffers, stats.QueuedFrames)
	}
	if tr.IsActive(a) {
		t.Error("Terminal step should end episode A")
	}
	if !tr.IsActive(b) {
		t.Error("Episode B should still be active")
	}
}

// TestUpdateEmpty verifies Update gives up without side effects
func TestUpdateEmpty(t *testing.T) {
	m := &fakeModel{}
	tr := newTestTrainer(t, testConfig(), m)
	h := mustStart(t, tr)
	tr.Step(h, rewardFrame(1), false)

	start := time.Now()
	ok, err := tr.Update(context.Background())
	if ok || err != nil {
		t.Fatalf("Update = %v, %v; want false, nil", ok, err)
	}
	if time.Since(start) > time.Second {
		t.Error("Update should give up after the wait window")
	}
	if tr.UpdateCount() != 0 || m.updates() != 0 {
		t.Error("Empty update must not touch the model or the count")
	}
	if got := tr.Stats().QueuedFrames; got != 1 {
		t.Errorf("Expected the stepped frame to stay queued, got %d", got)
	}
}

// TestUpdateGracePeriod verifies an under-sized batch runs once the oldest
// ready buffer has waited long enough
func TestUpdateGracePeriod(t *testing.T) {
	cfg := testConfig()
	cfg.TrainerBatchSize = 4
	cfg.ReadyGracePeriod = 50 * time.Millisecond
	m := &fakeModel{}
	tr := newTestTrainer(t, cfg, m)

	h := mustStart(t, tr)
	tr.Step(h, rewardFrame(1), false)
	tr.Step(h, rewardFrame(2), false)

	start := time.Now()
	ok, err := tr.Update(context.Background())
	if !ok || err != nil {
		t.Fatalf("Update = %v, %v; want true, nil", ok, err)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("Update ran before the grace period: %v", elapsed)
	}
	if got := m.batches[0][0].BatchSize(); got != 1 {
		t.Errorf("Expected under-sized batch of 1, got %d", got)
	}
}

// TestUpdateWakesOnStep verifies a waiting Update notices new ready buffers
func TestUpdateWakesOnStep(t *testing.T) {
	cfg := testConfig()
	cfg.TrainerBatchSize = 1
	cfg.UpdateWaitWindow = 2 * time.Second
	tr := newTestTrainer(t, cfg, &fakeModel{})
	h := mustStart(t, tr)

	done := make(chan bool)
	go func() {
		ok, _ := tr.Update(context.Background())
		done <- ok
	}()

	time.Sleep(20 * time.Millisecond)
	tr.Step(h, rewardFrame(1), false)
	tr.Step(h, rewardFrame(2), false)

	select {
	case ok := <-done:
		if !ok {
			t.Error("Update should have run")
		}
	case <-time.After(time.Second):
		t.Fatal("Update did not wake on Step")
	}
}

// TestUpdateContextCancel verifies cancellation while waiting
func TestUpdateContextCancel(t *testing.T) {
	cfg := testConfig()
	cfg.UpdateWaitWindow = 5 * time.Second
	tr := newTestTrainer(t, cfg, &fakeModel{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	ok, err := tr.Update(ctx)
	if ok || !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Update = %v, %v; want false, DeadlineExceeded", ok, err)
	}
}

// TestRecycling covers the frame dropping policies
func TestRecycling(t *testing.T) {
	tests := []struct {
		name        string
		overlapping bool
		onPolicy    bool
		steps       int
		wantQueued  int
		wantReady   int
	}{
		{"full drop", false, false, 5, 2, 0},
		{"full drop stays ready", false, false, 6, 3, 1},
		{"overlapping", true, false, 3, 2, 0},
		{"overlapping stays ready", true, false, 5, 4, 1},
		{"on policy wipe", false, true, 5, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.ReturnsLength = 3
			cfg.TrainerBatchSize = 1
			cfg.OverlappingUpdates = tt.overlapping
			cfg.ForceOnPolicy = tt.onPolicy
			tr := newTestTrainer(t, cfg, &fakeModel{})

			h := mustStart(t, tr)
			for i := 0; i < tt.steps-2; i++ {
				tr.Step(h, rewardFrame(float64(i)), false)
			}
			// Second episode so the wipe has something else to clear
			other := mustStart(t, tr)
			tr.Step(other, rewardFrame(100), false)
			tr.Step(h, rewardFrame(98), false)
			tr.Step(h, rewardFrame(99), false)

			ok, err := tr.Update(context.Background())
			if !ok || err != nil {
				t.Fatalf("Update = %v, %v", ok, err)
			}

			idx, _ := tr.table.lookup(h.ID())
			if got := tr.table.slot(idx).Len(); got != tt.wantQueued {
				t.Errorf("Expected %d frames left, got %d", tt.wantQueued, got)
			}
			if got := tr.Stats().ReadyBuffers; got != tt.wantReady {
				t.Errorf("Expected %d ready buffers, got %d", tt.wantReady, got)
			}
			if tt.onPolicy && tr.Stats().QueuedFrames != 0 {
				t.Error("On-policy update should wipe every buffer")
			}
			if got := tr.table.slot(idx).LastUpdateIteration; got != 1 {
				t.Errorf("Expected LastUpdateIteration 1, got %d", got)
			}
		})
	}
}

// TestStepNoop covers the ignored Step calls
func TestStepNoop(t *testing.T) {
	tr := newTestTrainer(t, testConfig(), &fakeModel{})

	tr.Step(EpisodeHandle{}, rewardFrame(1), false)
	tr.Step(HandleFor("never-started"), rewardFrame(1), false)

	h := mustStart(t, tr)
	tr.SetTrain(false)
	tr.Step(h, rewardFrame(1), false)
	if tr.Training() {
		t.Error("Expected evaluation mode")
	}
	tr.SetTrain(true)
	tr.Step(h, nil, false)

	if got := tr.Stats().QueuedFrames; got != 0 {
		t.Errorf("Expected no queued frames, got %d", got)
	}

	tr.Step(h, rewardFrame(1), true)
	tr.Step(h, rewardFrame(2), false)
	if got := tr.Stats().QueuedFrames; got != 1 {
		t.Errorf("Step after terminal should be ignored, got %d frames", got)
	}
}

// TestEpisodeEndHook verifies the reward summary of a finished episode
func TestEpisodeEndHook(t *testing.T) {
	var got []EpisodeSummary
	events := NewEventLog(1000)
	if err := events.Start(""); err != nil {
		t.Fatal(err)
	}
	defer events.Stop()

	tr, err := New(testConfig(), &fakeModel{}, Options{
		Events:       events,
		OnEpisodeEnd: func(s EpisodeSummary) { got = append(got, s) },
	})
	if err != nil {
		t.Fatal(err)
	}
	defer tr.Close()

	h := mustStart(t, tr)
	tr.Step(h, rewardFrame(1.5), false)
	tr.Step(h, rewardFrame(2.5), true)

	if len(got) != 1 {
		t.Fatalf("Expected 1 summary, got %d", len(got))
	}
	if got[0].Reward != 4 || got[0].Episode != h.ID() {
		t.Errorf("Unexpected summary %+v", got[0])
	}

	recent := events.Recent(10)
	if len(recent) != 1 || recent[0].Type != EventTypeEpisodeEnd {
		t.Fatalf("Expected one episode_end event, got %+v", recent)
	}

	// The next episode starts its reward from zero on the reused slot
	h2 := mustStart(t, tr)
	tr.Step(h2, rewardFrame(1), true)
	if got[1].Reward != 1 {
		t.Errorf("Expected reset accumulator, got %v", got[1].Reward)
	}
}

// TestForceStop verifies frames and ready entries are discarded
func TestForceStop(t *testing.T) {
	m := &fakeModel{}
	tr := newTestTrainer(t, testConfig(), m)

	h := mustStart(t, tr)
	tr.Step(h, rewardFrame(1), false)
	tr.Step(h, rewardFrame(2), false)
	tr.Step(h, rewardFrame(3), false)

	tr.ForceStopEpisode(h)
	tr.ForceStopEpisode(h) // second call is a no-op

	stats := tr.Stats()
	if stats.ReadyBuffers != 0 || stats.QueuedFrames != 0 || stats.ActiveEpisodes != 0 {
		t.Errorf("Unexpected stats after force stop: %+v", stats)
	}
	if _, err := tr.Forward([]float64{0}, h); !errors.Is(err, ErrInactiveEpisode) {
		t.Errorf("Expected ErrInactiveEpisode, got %v", err)
	}

	ok, _ := tr.Update(context.Background())
	if ok || m.updates() != 0 {
		t.Error("Stopped episode must not be trained on")
	}
}

// TestReset verifies everything is cleared and episodes ended
func TestReset(t *testing.T) {
	tr := newTestTrainer(t, testConfig(), &fakeModel{})

	a := mustStart(t, tr)
	b := mustStart(t, tr)
	tr.Step(a, rewardFrame(1), false)
	tr.Step(a, rewardFrame(2), false)
	tr.Step(b, rewardFrame(3), false)

	tr.Reset()

	stats := tr.Stats()
	if stats.ReadyBuffers != 0 || stats.QueuedFrames != 0 || stats.ActiveEpisodes != 0 || stats.UsedBuffers != 0 {
		t.Errorf("Unexpected stats after reset: %+v", stats)
	}
	if tr.State() != StateIdle {
		t.Errorf("Expected idle state, got %v", tr.State())
	}
	if tr.IsActive(a) || tr.IsActive(b) {
		t.Error("Reset should end every episode")
	}

	// Slots are reused, not reallocated
	c := mustStart(t, tr)
	tr.Step(c, rewardFrame(1), false)
	if got := tr.Stats().Buffers; got != 2 {
		t.Errorf("Expected 2 slots after reuse, got %d", got)
	}
}

// TestForwardInactive verifies unknown handles are refused in both modes
func TestForwardInactive(t *testing.T) {
	for _, onPolicy := range []bool{false, true} {
		cfg := testConfig()
		cfg.ForceOnPolicy = onPolicy
		tr := newTestTrainer(t, cfg, &fakeModel{})

		if _, err := tr.Forward([]float64{1}, HandleFor("ghost")); !errors.Is(err, ErrInactiveEpisode) {
			t.Errorf("onPolicy=%v: expected ErrInactiveEpisode, got %v", onPolicy, err)
		}
		h := mustStart(t, tr)
		out, err := tr.Forward([]float64{1}, h)
		if err != nil || len(out.Probs) != 2 {
			t.Errorf("onPolicy=%v: Forward = %+v, %v", onPolicy, out, err)
		}
	}
}

// TestForwardOnPolicyGate verifies a producer whose buffer is queued for an
// update waits for that update
func TestForwardOnPolicyGate(t *testing.T) {
	cfg := testConfig()
	cfg.ForceOnPolicy = true
	cfg.ReadyGracePeriod = 50 * time.Millisecond
	m := &fakeModel{}
	tr := newTestTrainer(t, cfg, m)

	h := mustStart(t, tr)
	tr.Step(h, rewardFrame(1), false)
	tr.Step(h, rewardFrame(2), false)

	type result struct {
		out PolicyOutput
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := tr.Forward([]float64{0}, h)
		done <- result{out, err}
	}()

	select {
	case <-done:
		t.Fatal("Forward should block while its buffer is ready")
	case <-time.After(30 * time.Millisecond):
	}

	if ok, err := tr.Update(context.Background()); !ok || err != nil {
		t.Fatalf("Update = %v, %v", ok, err)
	}

	select {
	case res := <-done:
		if res.err != nil {
			t.Fatalf("Forward failed: %v", res.err)
		}
		if res.out.Value != 1 {
			t.Errorf("Forward should see the updated weights, got %v", res.out.Value)
		}
	case <-time.After(time.Second):
		t.Fatal("Forward not released after update")
	}
}

// TestForwardReleasedByForceStop verifies a gated forward returns when its
// episode is stopped
func TestForwardReleasedByForceStop(t *testing.T) {
	cfg := testConfig()
	cfg.ForceOnPolicy = true
	tr := newTestTrainer(t, cfg, &fakeModel{})

	h := mustStart(t, tr)
	tr.Step(h, rewardFrame(1), false)
	tr.Step(h, rewardFrame(2), false)

	done := make(chan error, 1)
	go func() {
		_, err := tr.Forward([]float64{0}, h)
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	tr.ForceStopEpisode(h)

	select {
	case err := <-done:
		if !errors.Is(err, ErrInactiveEpisode) {
			t.Errorf("Expected ErrInactiveEpisode, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Forward not released by force stop")
	}
}

// TestUpdateFailure verifies a failed apply leaves the selection in place
func TestUpdateFailure(t *testing.T) {
	m := &fakeModel{applyErr: errors.New("boom")}
	tr := newTestTrainer(t, testConfig(), m)

	a := mustStart(t, tr)
	b := mustStart(t, tr)
	for _, h := range []EpisodeHandle{a, b} {
		tr.Step(h, rewardFrame(1), false)
		tr.Step(h, rewardFrame(2), false)
	}

	ok, err := tr.Update(context.Background())
	if ok || err == nil {
		t.Fatalf("Update = %v, %v; want false, error", ok, err)
	}
	if tr.UpdateCount() != 0 {
		t.Errorf("Failed update should roll back the count, got %d", tr.UpdateCount())
	}
	if got := tr.Stats().ReadyBuffers; got != 2 {
		t.Errorf("Failed update should keep ready buffers, got %d", got)
	}

	m.mu.Lock()
	m.applyErr = nil
	m.mu.Unlock()
	if ok, err := tr.Update(context.Background()); !ok || err != nil {
		t.Errorf("Retry = %v, %v", ok, err)
	}
}

// TestUpdateBuildFailure verifies an unbatchable buffer is evicted so the
// healthy ones train on the next update
func TestUpdateBuildFailure(t *testing.T) {
	cfg := testConfig()
	cfg.ReadyGracePeriod = time.Millisecond
	m := &fakeModel{}
	tr, err := New(cfg, m, Options{Batcher: poisonBatcher{}})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(tr.Close)

	bad := mustStart(t, tr)
	good := mustStart(t, tr)
	tr.Step(bad, rewardFrame(poison), false)
	tr.Step(bad, rewardFrame(poison), false)
	for i := 1; i <= 4; i++ {
		tr.Step(good, rewardFrame(float64(i)), false)
	}

	ok, err := tr.Update(context.Background())
	if ok || !errors.Is(err, errPoisoned) {
		t.Fatalf("Update = %v, %v; want false, poisoned row", ok, err)
	}
	badIdx, _ := tr.table.lookup(bad.ID())
	goodIdx, _ := tr.table.lookup(good.ID())
	if n := tr.table.slot(badIdx).Len(); n != 0 {
		t.Errorf("Unbatchable buffer should be emptied, has %d frames", n)
	}
	if n := tr.table.slot(goodIdx).Len(); n != 4 {
		t.Errorf("Healthy buffer should keep its frames, has %d", n)
	}
	if got := tr.Stats().ReadyBuffers; got != 1 {
		t.Errorf("Expected 1 ready buffer, got %d", got)
	}

	ok, err = tr.Update(context.Background())
	if !ok || err != nil {
		t.Fatalf("Update after eviction = %v, %v", ok, err)
	}
	if m.updates() != 1 {
		t.Errorf("Expected the healthy buffer to be trained on, got %d updates", m.updates())
	}
	if tr.UpdateCount() != 1 {
		t.Errorf("Failed update should not be counted, count %d", tr.UpdateCount())
	}
}

// TestStepRejectsMalformedFrames verifies frames that could never be
// batched are dropped at Step and leave the trainer usable
func TestStepRejectsMalformedFrames(t *testing.T) {
	m := &fakeModel{}
	tr := newTestTrainer(t, testConfig(), m)

	h := mustStart(t, tr)
	tr.Step(h, (*frame.SingleFrame)(nil), false)
	tr.Step(h, &frame.BatchedFrame{}, false)
	tr.Step(h, &frame.SingleFrame{Action: []float64{1}}, false)
	if got := tr.Stats().QueuedFrames; got != 0 {
		t.Fatalf("Expected no queued frames, got %d", got)
	}
	ok, err := tr.lock.TryLock(priorityLow)
	if err != nil || !ok {
		t.Fatal("Lock should be free after rejected frames")
	}
	tr.lock.Unlock()

	tr.Step(h, rewardFrame(1), false)
	tr.Step(h, &frame.SingleFrame{State: []float64{1, 2}, Action: []float64{1, 0}}, false)
	if got := tr.Stats().QueuedFrames; got != 1 {
		t.Fatalf("Frame with a different width should be ignored, got %d frames", got)
	}
	tr.Step(h, rewardFrame(2), false)

	other := mustStart(t, tr)
	for i := 0; i < 4; i++ {
		tr.Step(other, rewardFrame(float64(i)), false)
	}
	if ok, err := tr.Update(context.Background()); !ok || err != nil {
		t.Fatalf("Update = %v, %v", ok, err)
	}
	if m.updates() != 1 {
		t.Errorf("Expected 1 applied update, got %d", m.updates())
	}

	tr.Reset()
	h = mustStart(t, tr)
	tr.Step(h, &frame.SingleFrame{State: []float64{1, 2, 3}, Action: []float64{1, 0}}, false)
	if got := tr.Stats().QueuedFrames; got != 1 {
		t.Errorf("Reset should allow a new state width, got %d frames", got)
	}
}

// TestRecycleSkipsClearedBuffers verifies a buffer reset during the apply
// phase keeps its fairness stamp
func TestRecycleSkipsClearedBuffers(t *testing.T) {
	cfg := testConfig()
	cfg.TrainerBatchSize = 1
	m := &fakeModel{delay: 100 * time.Millisecond}
	tr := newTestTrainer(t, cfg, m)

	h := mustStart(t, tr)
	tr.Step(h, rewardFrame(1), false)
	tr.Step(h, rewardFrame(2), false)
	idx, _ := tr.table.lookup(h.ID())

	done := make(chan bool)
	go func() {
		ok, _ := tr.Update(context.Background())
		done <- ok
	}()

	deadline := time.Now().Add(2 * time.Second)
	for tr.State() != StateUpdating {
		if time.Now().After(deadline) {
			t.Fatal("Update never started applying")
		}
		time.Sleep(time.Millisecond)
	}
	tr.Reset()

	if ok := <-done; !ok {
		t.Fatal("Update should still publish")
	}
	if got := tr.table.slot(idx).LastUpdateIteration; got != 0 {
		t.Errorf("Cleared buffer should not be stamped, got %d", got)
	}
}

// TestMakeFrame verifies conversion of policy outputs
func TestMakeFrame(t *testing.T) {
	tr := newTestTrainer(t, testConfig(), &fakeModel{})

	if _, err := tr.MakeFrame(PolicyOutput{Probs: []float64{1}}, []float64{1}, 0); !errors.Is(err, ErrMissingAction) {
		t.Errorf("Expected ErrMissingAction, got %v", err)
	}

	out := PolicyOutput{Probs: []float64{0.25, 0.75}, Action: []float64{0, 1}, PAction: 0.75}
	state := []float64{1, 2, 3}
	f, err := tr.MakeFrame(out, state, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !f.HasPAction || f.PAction != 0.75 || f.Reward != 1 {
		t.Errorf("Unexpected frame %+v", f)
	}
	state[0] = 42
	if f.State[0] != 1 {
		t.Error("MakeFrame should copy the state")
	}
}

// TestClose verifies waiters are released and later calls ignored
func TestClose(t *testing.T) {
	cfg := testConfig()
	cfg.UpdateWaitWindow = 5 * time.Second
	tr, err := New(cfg, &fakeModel{}, Options{})
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan bool)
	go func() {
		ok, _ := tr.Update(context.Background())
		done <- ok
	}()
	time.Sleep(20 * time.Millisecond)
	tr.Close()
	tr.Close()

	select {
	case ok := <-done:
		if ok {
			t.Error("Update should not run after Close")
		}
	case <-time.After(time.Second):
		t.Fatal("Close did not wake Update")
	}

	if _, ok := tr.StartEpisode(); ok {
		t.Error("StartEpisode should refuse after Close")
	}
	if tr.State() != StateShuttingDown {
		t.Errorf("Expected shutting_down, got %v", tr.State())
	}
}

// TestSnapshotRestore verifies the checkpoint round trip
func TestSnapshotRestore(t *testing.T) {
	cfg := testConfig()
	cfg.TrainerBatchSize = 1
	m := &fakeModel{}
	tr := newTestTrainer(t, cfg, m)

	h := mustStart(t, tr)
	tr.Step(h, rewardFrame(1), false)
	tr.Step(h, rewardFrame(2), false)
	if ok, _ := tr.Update(context.Background()); !ok {
		t.Fatal("Update did not run")
	}

	snap, err := tr.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	if snap.UpdateCount != 1 {
		t.Errorf("Expected update count 1, got %d", snap.UpdateCount)
	}

	fresh := &fakeModel{}
	tr2 := newTestTrainer(t, cfg, fresh)
	if err := tr2.Restore(snap); err != nil {
		t.Fatal(err)
	}
	if tr2.UpdateCount() != 1 {
		t.Errorf("Restored update count %d", tr2.UpdateCount())
	}
	h2 := mustStart(t, tr2)
	if out, _ := tr2.Forward(nil, h2); out.Value != 1 {
		t.Errorf("Restored weights not visible, got %v", out.Value)
	}

	tr3 := newTestTrainer(t, cfg, noCodecModel{&fakeModel{}})
	if _, err := tr3.Snapshot(); !errors.Is(err, ErrNoWeightCodec) {
		t.Errorf("Expected ErrNoWeightCodec, got %v", err)
	}
}

// TestNoLostFrames steps frames from one producer while an updater runs and
// checks every frame is consumed exactly once, in order
func TestNoLostFrames(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping stress test in short mode")
	}

	const total = 400
	cfg := testConfig()
	cfg.TrainerBatchSize = 1
	cfg.UpdateWaitWindow = 10 * time.Millisecond
	m := &fakeModel{}
	tr := newTestTrainer(t, cfg, m)
	h := mustStart(t, tr)

	var producerDone atomic.Bool
	go func() {
		for i := 1; i <= total; i++ {
			tr.Step(h, rewardFrame(float64(i)), false)
		}
		producerDone.Store(true)
	}()

	for !(producerDone.Load() && tr.Stats().ReadyBuffers == 0) {
		if _, err := tr.Update(context.Background()); err != nil {
			t.Fatalf("Update failed: %v", err)
		}
	}

	m.mu.Lock()
	var consumed []float64
	for _, seq := range m.batches {
		for _, bf := range seq {
			consumed = append(consumed, bf.Reward.AtVec(0))
		}
	}
	m.mu.Unlock()

	for i, r := range consumed {
		if r != float64(i+1) {
			t.Fatalf("Frame %d consumed as %v; frames lost or duplicated", i+1, r)
		}
	}
	if left := tr.Stats().QueuedFrames; len(consumed)+left != total {
		t.Errorf("Consumed %d + queued %d != %d", len(consumed), left, total)
	}
}

// TestAtMostOneUpdate runs several updaters and producers concurrently
func TestAtMostOneUpdate(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping stress test in short mode")
	}

	cfg := testConfig()
	cfg.TrainerBatchSize = 4
	cfg.ReadyGracePeriod = 5 * time.Millisecond
	cfg.UpdateWaitWindow = 5 * time.Millisecond
	m := &fakeModel{delay: time.Millisecond}
	tr := newTestTrainer(t, cfg, m)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	var wg sync.WaitGroup
	for p := 0; p < 8; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				h, ok := tr.StartEpisode()
				if !ok {
					return
				}
				for i := 0; i < 10; i++ {
					if _, err := tr.Forward([]float64{0}, h); err != nil {
						break
					}
					tr.Step(h, rewardFrame(1), i == 9)
				}
			}
		}()
	}
	for u := 0; u < 3; u++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				tr.Update(ctx)
			}
		}()
	}
	wg.Wait()

	if got := m.maxInFlight.Load(); got != 1 {
		t.Errorf("Expected at most one update in flight, saw %d", got)
	}
	if m.updates() == 0 {
		t.Error("Expected some updates to run")
	}
	if tr.UpdateCount() != m.updates() {
		t.Errorf("Update count %d != applied %d", tr.UpdateCount(), m.updates())
	}
}
