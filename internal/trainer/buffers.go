package trainer

import (
	"fmt"
	"math/bits"

	"sync-trainer/internal/frame"
)

// entry is one stored transition
type entry struct {
	frame    frame.Frame
	terminal bool
}

// frameDeque is a growable ring of entries. FIFO per buffer: push at the
// back, drop from the front.
type frameDeque struct {
	items []entry
	head  int
	size  int
}

func (d *frameDeque) len() int { return d.size }

func (d *frameDeque) push(e entry) {
	if d.size == len(d.items) {
		d.grow()
	}
	d.items[(d.head+d.size)%len(d.items)] = e
	d.size++
}

// at returns the i-th oldest entry
func (d *frameDeque) at(i int) entry {
	return d.items[(d.head+i)%len(d.items)]
}

// dropFront removes up to n of the oldest entries
func (d *frameDeque) dropFront(n int) int {
	if n > d.size {
		n = d.size
	}
	for i := 0; i < n; i++ {
		d.items[d.head] = entry{}
		d.head = (d.head + 1) % len(d.items)
	}
	d.size -= n
	if d.size == 0 {
		d.head = 0
	}
	return n
}

func (d *frameDeque) clear() {
	d.dropFront(d.size)
}

func (d *frameDeque) grow() {
	n := len(d.items) * 2
	if n == 0 {
		n = 8
	}
	items := make([]entry, n)
	for i := 0; i < d.size; i++ {
		items[i] = d.at(i)
	}
	d.items = items
	d.head = 0
}

// Buffer is one slot of the table: the rolling store of not yet consumed
// frames of whichever episode currently owns it.
type Buffer struct {
	frames frameDeque

	CumulativeReward    float64
	IsDone              bool
	LastUpdateIteration int
	CurrentOwner        EpisodeID

	// generation changes whenever the frames are cleared out of band, so
	// an update that released the lock can tell its selection is stale.
	generation uint64
}

// Len is the number of stored frames.
func (b *Buffer) Len() int { return b.frames.len() }

// bufferTable is an arena of slots. Slots are never freed, only marked
// done and handed to the next episode. All methods require the priority
// lock.
type bufferTable struct {
	slots  []*Buffer
	used   []uint64 // bit i set while slot i has an owner
	owners map[EpisodeID]int
}

func newBufferTable() *bufferTable {
	return &bufferTable{owners: make(map[EpisodeID]int)}
}

func (bt *bufferTable) len() int { return len(bt.slots) }

func (bt *bufferTable) slot(idx int) *Buffer { return bt.slots[idx] }

func (bt *bufferTable) isUsed(idx int) bool {
	return bt.used[idx/64]&(1<<(uint(idx)%64)) != 0
}

func (bt *bufferTable) setUsed(idx int, used bool) {
	for idx/64 >= len(bt.used) {
		bt.used = append(bt.used, 0)
	}
	if used {
		bt.used[idx/64] |= 1 << (uint(idx) % 64)
	} else {
		bt.used[idx/64] &^= 1 << (uint(idx) % 64)
	}
}

// usedCount returns the number of owned slots
func (bt *bufferTable) usedCount() int {
	n := 0
	for _, w := range bt.used {
		n += bits.OnesCount64(w)
	}
	return n
}

// lookup returns the slot owned by id, if any
func (bt *bufferTable) lookup(id EpisodeID) (int, bool) {
	idx, ok := bt.owners[id]
	return idx, ok
}

// bufferFor returns the slot owned by id, assigning one on first use. A
// fresh episode gets the finished slot with the smallest
// LastUpdateIteration (lowest index on ties), or a new slot.
func (bt *bufferTable) bufferFor(id EpisodeID) int {
	if idx, ok := bt.owners[id]; ok {
		if owner := bt.slots[idx].CurrentOwner; owner != id {
			panic(fmt.Sprintf("trainer: buffer %d mapped to episode %s but owned by %s", idx, id, owner))
		}
		return idx
	}

	idx := -1
	for i, b := range bt.slots {
		if !b.IsDone || bt.isUsed(i) {
			continue
		}
		if idx < 0 || b.LastUpdateIteration < bt.slots[idx].LastUpdateIteration {
			idx = i
		}
	}
	if idx < 0 {
		idx = len(bt.slots)
		bt.slots = append(bt.slots, &Buffer{})
	}

	b := bt.slots[idx]
	if b.CurrentOwner != "" {
		panic(fmt.Sprintf("trainer: episode %s claiming buffer %d still owned by %s", id, idx, b.CurrentOwner))
	}
	b.IsDone = false
	b.CurrentOwner = id
	bt.owners[id] = idx
	bt.setUsed(idx, true)
	return idx
}

// release marks the slot finished and drops its owner. Frames are kept:
// the next owner continues the rolling sequence.
func (bt *bufferTable) release(idx int) {
	b := bt.slots[idx]
	delete(bt.owners, b.CurrentOwner)
	b.IsDone = true
	b.CurrentOwner = ""
	bt.setUsed(idx, false)
}

// forceStop releases the slot and discards its frames and reward.
func (bt *bufferTable) forceStop(idx int, updateCount int) {
	b := bt.slots[idx]
	b.frames.clear()
	b.CumulativeReward = 0
	b.LastUpdateIteration = updateCount
	b.generation++
	bt.release(idx)
}

// clearFrames drops every stored frame but keeps ownership.
func (bt *bufferTable) clearFrames() {
	for _, b := range bt.slots {
		b.frames.clear()
		b.generation++
	}
}

// resetAll finishes every slot and discards all frames.
func (bt *bufferTable) resetAll() {
	for idx, b := range bt.slots {
		b.frames.clear()
		b.CumulativeReward = 0
		b.IsDone = true
		b.CurrentOwner = ""
		b.generation++
		bt.setUsed(idx, false)
	}
	bt.owners = make(map[EpisodeID]int)
}

// queuedFrames returns the total number of stored frames
func (bt *bufferTable) queuedFrames() int {
	n := 0
	for _, b := range bt.slots {
		n += b.Len()
	}
	return n
}
