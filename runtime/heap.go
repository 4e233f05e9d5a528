package runtime

import (
	"unsafe"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
)

var valueSize = unsafe.Sizeof(Value(nil))

// collectThreshold is the smallest heap a CollectedHeap bothers collecting.
const collectThreshold = 4 << 10

// Allocator is the memory contract every dynamic structure is written
// against. Sizes are in bytes. Whether Free actually reclaims anything is up
// to the strategy.
type Allocator interface {
	Allocate(size uintptr) error
	Reallocate(oldSize, newSize uintptr) error
	Free(size uintptr)
	Stats() HeapStats
}

// Collector is implemented by allocators whose unreachable values are
// reclaimed by tracing. The machine asks ShouldCollect between instructions
// and reports the live byte count of every completed trace to Collected.
type Collector interface {
	ShouldCollect() bool
	Collected(live uint64)
}

type HeapStats struct {
	InUse       uint64
	Peak        uint64
	Allocations uint64
	Frees       uint64
	Collections uint64
}

func (s HeapStats) String() string {
	return humanize.IBytes(s.InUse) + " in use, " + humanize.IBytes(s.Peak) + " peak, " +
		humanize.Comma(int64(s.Allocations)) + " allocations, " + humanize.Comma(int64(s.Frees)) + " frees, " +
		humanize.Comma(int64(s.Collections)) + " collections"
}

func (s *HeapStats) grow(size uint64) {
	s.InUse += size
	s.Allocations++
	if s.InUse > s.Peak {
		s.Peak = s.InUse
	}
}

func (s *HeapStats) resize(oldSize, newSize uint64) {
	if oldSize > s.InUse {
		oldSize = s.InUse
	}
	s.InUse = s.InUse - oldSize + newSize
	if s.InUse > s.Peak {
		s.Peak = s.InUse
	}
}

func (s *HeapStats) shrink(size uint64) {
	if size > s.InUse {
		size = s.InUse
	}
	s.InUse -= size
	s.Frees++
}

// collected replaces the running total with the traced live size. Everything
// allocated since the last collection that the trace did not reach is gone.
func (s *HeapStats) collected(live uint64) {
	s.InUse = live
	s.Collections++
	if s.InUse > s.Peak {
		s.Peak = s.InUse
	}
}

// CollectedHeap never runs out of memory. It asks for a collection each time
// the heap doubles past what the previous one found live, so InUse tracks the
// reachable values rather than everything ever allocated.
type CollectedHeap struct {
	stats    HeapStats
	lastLive uint64
}

func NewCollectedHeap() *CollectedHeap {
	return &CollectedHeap{}
}

func (h *CollectedHeap) Allocate(size uintptr) error {
	h.stats.grow(uint64(size))
	return nil
}

func (h *CollectedHeap) Reallocate(oldSize, newSize uintptr) error {
	h.stats.resize(uint64(oldSize), uint64(newSize))
	return nil
}

func (h *CollectedHeap) Free(size uintptr) {
	h.stats.shrink(uint64(size))
}

func (h *CollectedHeap) Stats() HeapStats {
	return h.stats
}

func (h *CollectedHeap) ShouldCollect() bool {
	return h.stats.InUse >= 2*max(h.lastLive, collectThreshold)
}

func (h *CollectedHeap) Collected(live uint64) {
	h.stats.collected(live)
	h.lastLive = live
}

// BoundedHeap enforces a byte limit. Memory returns to the budget through an
// explicit Free or a collection. A collection is requested once half of the
// headroom left by the previous one has been allocated.
type BoundedHeap struct {
	limit    uint64
	stats    HeapStats
	lastLive uint64
}

func NewBoundedHeap(limit uint64) *BoundedHeap {
	return &BoundedHeap{limit: limit}
}

func (h *BoundedHeap) Limit() uint64 {
	return h.limit
}

func (h *BoundedHeap) Allocate(size uintptr) error {
	if h.stats.InUse+uint64(size) > h.limit {
		return errors.Wrapf(StatusOutOfMemory, "allocating %s with %s of %s in use",
			humanize.IBytes(uint64(size)), humanize.IBytes(h.stats.InUse), humanize.IBytes(h.limit))
	}
	h.stats.grow(uint64(size))
	return nil
}

func (h *BoundedHeap) Reallocate(oldSize, newSize uintptr) error {
	if newSize > oldSize {
		extra := uint64(newSize - oldSize)
		if h.stats.InUse+extra > h.limit {
			return errors.Wrapf(StatusOutOfMemory, "growing %s to %s with %s of %s in use",
				humanize.IBytes(uint64(oldSize)), humanize.IBytes(uint64(newSize)),
				humanize.IBytes(h.stats.InUse), humanize.IBytes(h.limit))
		}
	}
	h.stats.resize(uint64(oldSize), uint64(newSize))
	return nil
}

func (h *BoundedHeap) Free(size uintptr) {
	h.stats.shrink(uint64(size))
}

func (h *BoundedHeap) Stats() HeapStats {
	return h.stats
}

func (h *BoundedHeap) ShouldCollect() bool {
	if h.stats.InUse <= h.lastLive {
		return false
	}
	headroom := h.limit - min(h.lastLive, h.limit)
	return h.stats.InUse-h.lastLive >= headroom/2
}

func (h *BoundedHeap) Collected(live uint64) {
	h.stats.collected(live)
	h.lastLive = live
}
