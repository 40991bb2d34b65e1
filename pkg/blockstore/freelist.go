package blockstore

import "sync"

// freelist tracks reclaimed slot indices so Create/TryCreate can reuse a
// freed slot instead of growing the container file. This is adapted from
// the teacher's pager.FreelistTrunkPage, which threads free page numbers
// through a linked list of on-disk trunk pages so a multi-gigabyte
// database never needs a full scan to find a free page. A block
// container's slot count is orders of magnitude smaller, so here the same
// LIFO reuse policy is kept but the bookkeeping lives in memory, rebuilt
// once at Open by scanning slot liveness flags rather than persisted as
// on-disk trunk pages.
type freelist struct {
	mu   sync.Mutex
	free []uint32
}

func newFreelist() *freelist {
	return &freelist{}
}

// push returns slotIndex to the pool of reusable slots.
func (f *freelist) push(slotIndex uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.free = append(f.free, slotIndex)
}

// pop removes and returns a reusable slot index, if any are available.
func (f *freelist) pop() (uint32, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.free) == 0 {
		return 0, false
	}
	last := f.free[len(f.free)-1]
	f.free = f.free[:len(f.free)-1]
	return last, true
}

// len reports how many slots are currently free.
func (f *freelist) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.free)
}
