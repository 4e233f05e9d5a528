package runtime

import (
	"unsafe"
)

// tracer sums the allocator footprint of everything reachable from a set of
// roots. Shared payloads are counted once, which also stops it on cycles.
type tracer struct {
	live uint64
	seen map[any]struct{}
}

func newTracer() *tracer {
	return &tracer{seen: make(map[any]struct{})}
}

func (t *tracer) mark(key any) bool {
	if _, ok := t.seen[key]; ok {
		return false
	}
	t.seen[key] = struct{}{}
	return true
}

func (t *tracer) table(table *IndexTable) {
	t.live += uint64(uintptr(table.Len()) * tableSlotSize)
}

// value charges v the same sizes its constructor allocated.
func (t *tracer) value(v Value) {
	switch v := v.(type) {
	case String:
		// The empty string has no backing array to tell copies apart.
		if len(v) == 0 {
			t.live++
		} else if t.mark(unsafe.StringData(string(v))) {
			t.live += uint64(len(v)) + 1
		}
	case *Struct:
		if !t.mark(v) {
			return
		}
		t.live += uint64(uintptr(len(v.members)) * valueSize)
		for _, member := range v.members {
			t.value(member)
		}
	case *Vector:
		if !t.mark(v) {
			return
		}
		t.live += uint64(uintptr(cap(v.elements)) * valueSize)
		for _, e := range v.elements {
			t.value(e)
		}
	case *HashMap:
		if !t.mark(v) {
			return
		}
		nodes := len(v.buckets)
		for i := range v.buckets {
			for node := v.buckets[i].next; node != nil; node = node.next {
				nodes++
			}
		}
		t.live += uint64(uintptr(nodes) * mapNodeSize)
		v.Each(func(key Value, value Value) {
			t.value(key)
			t.value(value)
		})
	}
}

// Collect traces the values reachable from the operand stack, the bindings
// of every active frame and the header tables, and hands the live size to
// the allocator when it is a Collector. Values that were dropped since the
// previous collection stop counting against the heap.
//
// The machine collects on its own between instructions; calling Collect
// directly is only useful for accurate statistics after a run.
func (m *Machine) Collect() uint64 {
	t := newTracer()
	t.table(m.functions)
	t.table(m.structs)
	for _, v := range m.values.values {
		t.value(v)
	}
	m.frames.each(t.value)

	if m.collector != nil {
		before := m.heap.Stats().InUse
		m.collector.Collected(t.live)
		m.log.Debug().Uint64("before", before).Uint64("live", t.live).Msg("collected heap")
	}
	return t.live
}
