// Package batch assembles time-major training batches from per-episode
// frame columns using a bounded worker pool.
package batch

import (
	"log"
	"runtime"
	"sync"

	"sync-trainer/internal/frame"
)

// MaxWorkers caps the pool size. Batches are returnsLength offsets wide,
// which is rarely more than a few dozen.
const MaxWorkers = 16

// Pool manages a fixed set of goroutines that merge frame columns
type Pool struct {
	numWorkers int
	jobChan    chan mergeJob
	wg         sync.WaitGroup

	// mu is held in read mode while jobs are queued so Stop cannot close
	// jobChan under a sender.
	mu      sync.RWMutex
	running bool
}

// mergeJob is one time offset of a batch
type mergeJob struct {
	offset     int
	column     []frame.Frame
	batcher    frame.Batcher
	device     frame.Device
	resultChan chan<- mergeResult
}

type mergeResult struct {
	offset int
	frame  *frame.BatchedFrame
	err    error
}

// NewPool creates a pool with the specified number of workers.
// If numWorkers is 0, it defaults to NumCPU.
func NewPool(numWorkers int) *Pool {
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}
	if numWorkers > MaxWorkers {
		numWorkers = MaxWorkers
	}

	return &Pool{
		numWorkers: numWorkers,
		jobChan:    make(chan mergeJob, numWorkers*2),
	}
}

// Start launches the workers. Calling Start on a running pool is a no-op.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return
	}

	p.running = true
	p.jobChan = make(chan mergeJob, p.numWorkers*2)
	p.wg.Add(p.numWorkers)
	for i := 0; i < p.numWorkers; i++ {
		go p.worker(p.jobChan)
	}
	log.Printf("📦 Batch pool started with %d workers", p.numWorkers)
}

// Stop drains the queue and waits for the workers to exit
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.jobChan)
	p.mu.Unlock()

	p.wg.Wait()
	log.Println("📦 Batch pool stopped")
}

func (p *Pool) worker(jobs <-chan mergeJob) {
	defer p.wg.Done()

	for job := range jobs {
		job.resultChan <- merge(job.offset, job.column, job.batcher, job.device)
	}
}

func merge(offset int, column []frame.Frame, batcher frame.Batcher, device frame.Device) mergeResult {
	b, err := frame.Batch(column, batcher)
	if err != nil {
		return mergeResult{offset: offset, err: err}
	}
	b.ToDevice(device)
	return mergeResult{offset: offset, frame: b}
}

// NumWorkers returns the number of workers in the pool
func (p *Pool) NumWorkers() int {
	return p.numWorkers
}

// IsRunning returns whether the pool is currently running
func (p *Pool) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}
