// Package prioritylock provides a mutex whose waiters are ordered by an
// integer priority level.
//
// If several goroutines are waiting for the lock, the one with the highest
// level gets it first. Goroutines waiting at the same level are served in
// whatever order the runtime wakes them. A constant stream of high priority
// waiters starves the lower levels; callers are expected to keep the high
// levels for rare, short operations (one updater against many producers).
package prioritylock

import (
	"errors"
	"fmt"
	"sync"
)

// ErrInvalidPriority is returned for a level outside [0, maxPriority].
// It signals a programming error, not a condition worth retrying.
var ErrInvalidPriority = errors.New("invalid priority level")

// Mutex is a mutual exclusion lock with priority-ordered waiters.
// The zero value is not usable; create one with New.
type Mutex struct {
	maxPriority int

	// queueMu guards queueCount. It is only held for counter updates.
	queueMu    sync.Mutex
	queueCount []int

	// dataMu is the resource being handed out. cond waits on it.
	dataMu sync.Mutex
	cond   *sync.Cond
}

// New creates a mutex accepting levels 0..maxPriority.
func New(maxPriority int) (*Mutex, error) {
	if maxPriority < 0 {
		return nil, fmt.Errorf("%w: max priority %d", ErrInvalidPriority, maxPriority)
	}
	m := &Mutex{
		maxPriority: maxPriority,
		queueCount:  make([]int, maxPriority+1),
	}
	m.cond = sync.NewCond(&m.dataMu)
	return m, nil
}

// MaxPriority returns the highest accepted level.
func (m *Mutex) MaxPriority() int {
	return m.maxPriority
}

func (m *Mutex) check(priority int) error {
	if priority < 0 || priority > m.maxPriority {
		return fmt.Errorf("%w: %d not in [0, %d]", ErrInvalidPriority, priority, m.maxPriority)
	}
	return nil
}

// Lock blocks until the mutex is free and no goroutine is waiting at a
// strictly higher level.
func (m *Mutex) Lock(priority int) error {
	if err := m.check(priority); err != nil {
		return err
	}

	m.queueMu.Lock()
	m.queueCount[priority]++
	m.queueMu.Unlock()

	m.dataMu.Lock()
	for !m.canGo(priority) {
		m.cond.Wait()
	}

	m.queueMu.Lock()
	m.queueCount[priority]--
	m.queueMu.Unlock()
	return nil
}

// TryLock attempts to take the mutex without blocking.
//
// The level is validated but otherwise ignored: if someone holds the mutex
// no level helps, and looking at the waiter counters without holding the
// mutex would race with Lock.
func (m *Mutex) TryLock(priority int) (bool, error) {
	if err := m.check(priority); err != nil {
		return false, err
	}
	return m.dataMu.TryLock(), nil
}

// Unlock releases the mutex and wakes every waiter.
//
// Broadcast, not Signal: each waiter has to re-run its own priority check,
// and waking a single low priority goroutine while a high priority one is
// parked would leave the mutex idle until the next Unlock. Keep it this way.
func (m *Mutex) Unlock() {
	m.dataMu.Unlock()
	m.cond.Broadcast()
}

// Waiting reports how many goroutines are queued at the given level.
func (m *Mutex) Waiting(priority int) int {
	if m.check(priority) != nil {
		return 0
	}
	m.queueMu.Lock()
	defer m.queueMu.Unlock()
	return m.queueCount[priority]
}

func (m *Mutex) canGo(priority int) bool {
	m.queueMu.Lock()
	defer m.queueMu.Unlock()
	for i := priority + 1; i <= m.maxPriority; i++ {
		if m.queueCount[i] != 0 {
			return false
		}
	}
	return true
}

// Locker returns a sync.Locker that locks at a fixed level.
// It panics on Lock if the level is invalid, matching sync.Locker's
// lack of an error return.
func (m *Mutex) Locker(priority int) sync.Locker {
	return &levelLocker{m: m, priority: priority}
}

type levelLocker struct {
	m        *Mutex
	priority int
}

func (l *levelLocker) Lock() {
	if err := l.m.Lock(l.priority); err != nil {
		panic(err)
	}
}

func (l *levelLocker) Unlock() {
	l.m.Unlock()
}
