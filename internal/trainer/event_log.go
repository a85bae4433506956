package trainer

import (
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sugawarayuuta/sonnet"
	"golang.org/x/time/rate"

	"sync-trainer/internal/observability"
)

const (
	EventBufferSize    = 1024                   // Circular buffer size
	BatchFlushSize     = 64                     // Events per batch write
	BatchFlushInterval = 100 * time.Millisecond // How often to flush
)

// EventLog is a bounded, rate-limited event log with an async JSONL writer.
// Emit never blocks on disk: when the buffer is full the oldest event is
// overwritten.
type EventLog struct {
	// Circular buffer
	mu        sync.Mutex
	buffer    [EventBufferSize]Event
	writeHead uint64
	readHead  uint64

	limiter *rate.Limiter

	// Async writer
	writerWg sync.WaitGroup
	stopChan chan struct{}
	stopOnce sync.Once
	running  atomic.Bool

	file   *os.File
	fileMu sync.Mutex

	droppedCount atomic.Uint64
	totalCount   atomic.Uint64
}

// NewEventLog creates an event log accepting maxPerSec events per second.
func NewEventLog(maxPerSec int) *EventLog {
	if maxPerSec <= 0 {
		maxPerSec = 1000
	}
	burst := maxPerSec / 10
	if burst < 1 {
		burst = 1
	}
	return &EventLog{
		limiter:  rate.NewLimiter(rate.Limit(maxPerSec), burst),
		stopChan: make(chan struct{}),
	}
}

// Start begins the async writer. An empty path keeps events in memory.
func (el *EventLog) Start(filePath string) error {
	if el.running.Load() {
		return nil
	}

	if filePath != "" {
		file, err := os.OpenFile(filePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return err
		}
		el.file = file
	}

	el.running.Store(true)
	el.writerWg.Add(1)
	go el.writerLoop()

	return nil
}

// Stop flushes pending events and closes the file
func (el *EventLog) Stop() {
	el.stopOnce.Do(func() {
		el.running.Store(false)
		close(el.stopChan)
		el.writerWg.Wait()

		el.fileMu.Lock()
		if el.file != nil {
			el.file.Close()
		}
		el.fileMu.Unlock()
	})
}

// Emit adds an event. Returns false if rate limited or not running.
func (el *EventLog) Emit(event Event) bool {
	if el == nil || !el.running.Load() {
		return false
	}

	if !el.limiter.Allow() {
		el.droppedCount.Add(1)
		observability.RecordEvent(true)
		return false
	}

	el.mu.Lock()
	el.writeHead++
	head := el.writeHead
	if head-el.readHead > EventBufferSize {
		// Rolling window: the oldest unread event is lost
		el.readHead++
		el.droppedCount.Add(1)
		observability.RecordEvent(true)
	}
	event.Sequence = head
	el.buffer[head%EventBufferSize] = event
	el.mu.Unlock()

	el.totalCount.Add(1)
	observability.RecordEvent(false)
	return true
}

// EmitSimple creates and emits an event
func (el *EventLog) EmitSimple(eventType EventType, updateCount int, episode EpisodeID, payload interface{}) bool {
	if el == nil {
		return false
	}
	return el.Emit(NewEvent(eventType, updateCount, episode, payload))
}

// Recent returns up to n of the newest events, oldest first, including
// ones already flushed.
func (el *EventLog) Recent(n int) []Event {
	el.mu.Lock()
	defer el.mu.Unlock()

	avail := el.writeHead
	if avail > EventBufferSize {
		avail = EventBufferSize
	}
	if uint64(n) > avail {
		n = int(avail)
	}
	out := make([]Event, 0, n)
	for seq := el.writeHead - uint64(n) + 1; seq <= el.writeHead; seq++ {
		out = append(out, el.buffer[seq%EventBufferSize])
	}
	return out
}

func (el *EventLog) writerLoop() {
	defer el.writerWg.Done()

	ticker := time.NewTicker(BatchFlushInterval)
	defer ticker.Stop()

	batch := make([]Event, 0, BatchFlushSize)

	for {
		select {
		case <-el.stopChan:
			// Final flush
			for {
				batch = el.collectBatch(batch[:0])
				if len(batch) == 0 {
					return
				}
				el.flushBatch(batch)
			}

		case <-ticker.C:
			batch = el.collectBatch(batch[:0])
			if len(batch) > 0 {
				el.flushBatch(batch)
			}
		}
	}
}

// collectBatch reads unread events from the circular buffer
func (el *EventLog) collectBatch(batch []Event) []Event {
	el.mu.Lock()
	defer el.mu.Unlock()

	for el.readHead < el.writeHead && len(batch) < BatchFlushSize {
		el.readHead++
		batch = append(batch, el.buffer[el.readHead%EventBufferSize])
	}
	return batch
}

// flushBatch writes events to disk (append-only, newline-delimited JSON)
func (el *EventLog) flushBatch(batch []Event) {
	el.fileMu.Lock()
	defer el.fileMu.Unlock()

	if el.file == nil {
		return
	}

	for _, event := range batch {
		data, err := sonnet.Marshal(event)
		if err != nil {
			continue
		}
		el.file.Write(append(data, '\n'))
	}
}

// GetStats returns counters for the stats endpoint
func (el *EventLog) GetStats() map[string]interface{} {
	el.mu.Lock()
	pending := el.writeHead - el.readHead
	el.mu.Unlock()

	return map[string]interface{}{
		"total":   el.totalCount.Load(),
		"dropped": el.droppedCount.Load(),
		"pending": pending,
		"running": el.running.Load(),
	}
}

// GetDroppedCount returns the number of dropped events
func (el *EventLog) GetDroppedCount() uint64 {
	return el.droppedCount.Load()
}
