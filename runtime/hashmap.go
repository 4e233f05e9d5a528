package runtime

import (
	"encoding/binary"
	"hash/fnv"
	"strings"
	"unsafe"

	"github.com/pkg/errors"
	"github.com/zeebo/xxh3"
)

const (
	initialBucketCount = 2
	maxChainDepth      = 3
)

// Hasher maps an Int or String key to a bucket hash. Equal keys must hash
// equally; any such function is a valid hasher.
type Hasher func(key Value) uint64

func XXH3(key Value) uint64 {
	switch key := key.(type) {
	case Int:
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], uint64(key))
		return xxh3.Hash(buf[:])
	case String:
		return xxh3.HashString(string(key))
	default:
		panic("map keys must be int or string, got " + typeName(key.TypeId()))
	}
}

func FNV(key Value) uint64 {
	h := fnv.New64a()
	switch key := key.(type) {
	case Int:
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], uint64(key))
		h.Write(buf[:])
	case String:
		h.Write([]byte(key))
	default:
		panic("map keys must be int or string, got " + typeName(key.TypeId()))
	}
	return h.Sum64()
}

// IsKey reports whether v can be used as a map key.
func IsKey(v Value) bool {
	switch v.(type) {
	case Int, String:
		return true
	default:
		return false
	}
}

func keysEqual(lhs Value, rhs Value) bool {
	if lhs.TypeId() != rhs.TypeId() {
		return false
	}
	switch lhs := lhs.(type) {
	case Int:
		return lhs == rhs.(Int)
	case String:
		return lhs == rhs.(String)
	default:
		panic("map keys must be int or string, got " + typeName(lhs.TypeId()))
	}
}

type mapNode struct {
	key   Value
	value Value
	next  *mapNode
	set   bool
}

var mapNodeSize = unsafe.Sizeof(mapNode{})

// HashMap is a chained hash table. Each bucket head is stored inline in the
// bucket slice; collisions hang off it as a linked chain. A chain reaching
// maxChainDepth triggers a rehash into twice as many buckets.
type HashMap struct {
	buckets []mapNode
	count   int
	heap    Allocator
	hasher  Hasher
}

func NewHashMap(heap Allocator, hasher Hasher) (*HashMap, error) {
	return newHashMapWithBuckets(heap, hasher, initialBucketCount)
}

func newHashMapWithBuckets(heap Allocator, hasher Hasher, buckets int) (*HashMap, error) {
	if hasher == nil {
		hasher = XXH3
	}
	if err := heap.Allocate(uintptr(buckets) * mapNodeSize); err != nil {
		return nil, err
	}
	return &HashMap{buckets: make([]mapNode, buckets), heap: heap, hasher: hasher}, nil
}

func (*HashMap) TypeId() TypeId { return MapType }
func (*HashMap) value()         {}

func (m *HashMap) Len() int {
	return m.count
}

func (m *HashMap) Buckets() int {
	return len(m.buckets)
}

func (m *HashMap) index(key Value) int {
	return int(m.hasher(key) % uint64(len(m.buckets)))
}

func (m *HashMap) Set(key Value, value Value) error {
	return m.set(key, value, true)
}

func (m *HashMap) set(key Value, value Value, mayRehash bool) error {
	for {
		head := &m.buckets[m.index(key)]
		if !head.set {
			*head = mapNode{key: key, value: value, set: true}
			m.count++
			return nil
		}

		length := 0
		tail := head
		for node := head; node != nil; node = node.next {
			if keysEqual(node.key, key) {
				node.value = value
				return nil
			}
			tail = node
			length++
		}

		// Keys whose hashes agree in every low bit stay together however
		// often the table doubles, so growth stops once there are twice as
		// many buckets as entries.
		if mayRehash && length+1 >= maxChainDepth && len(m.buckets) <= 2*m.count {
			if err := m.rehash(); err != nil {
				return err
			}
			continue
		}

		if err := m.heap.Allocate(mapNodeSize); err != nil {
			return err
		}
		tail.next = &mapNode{key: key, value: value, set: true}
		m.count++
		return nil
	}
}

func (m *HashMap) rehash() error {
	rebuilt, err := newHashMapWithBuckets(m.heap, m.hasher, len(m.buckets)*2)
	if err != nil {
		return err
	}
	for i := range m.buckets {
		for node := &m.buckets[i]; node != nil && node.set; node = node.next {
			if err := rebuilt.set(node.key, node.value, false); err != nil {
				rebuilt.Destroy()
				return err
			}
		}
	}
	m.Destroy()
	*m = *rebuilt
	return nil
}

func (m *HashMap) Get(key Value) (Value, error) {
	for node := &m.buckets[m.index(key)]; node != nil; node = node.next {
		if node.set && keysEqual(node.key, key) {
			return node.value, nil
		}
	}
	return nil, errors.Wrapf(StatusKeyMiss, "key %s", describe(key))
}

func (m *HashMap) Unset(key Value) error {
	head := &m.buckets[m.index(key)]
	var prev *mapNode
	for node := head; node != nil; prev, node = node, node.next {
		if !node.set || !keysEqual(node.key, key) {
			continue
		}
		switch {
		case prev != nil:
			prev.next = node.next
			m.heap.Free(mapNodeSize)
		case node.next != nil:
			// The head lives inside the bucket slice and cannot be unlinked,
			// so its successor moves into it instead.
			*head = *node.next
			m.heap.Free(mapNodeSize)
		default:
			*head = mapNode{}
		}
		m.count--
		return nil
	}
	return errors.Wrapf(StatusKeyMiss, "key %s", describe(key))
}

// Each calls fn for every entry in bucket order.
func (m *HashMap) Each(fn func(key Value, value Value)) {
	for i := range m.buckets {
		for node := &m.buckets[i]; node != nil && node.set; node = node.next {
			fn(node.key, node.value)
		}
	}
}

// Destroy returns the bucket slice and every chained node to the allocator.
func (m *HashMap) Destroy() {
	if m.buckets == nil {
		return
	}
	for i := range m.buckets {
		for node := m.buckets[i].next; node != nil; node = node.next {
			m.heap.Free(mapNodeSize)
		}
	}
	m.heap.Free(uintptr(len(m.buckets)) * mapNodeSize)
	m.buckets = nil
	m.count = 0
}

func (m *HashMap) String() string {
	parts := make([]string, 0, m.count)
	m.Each(func(key Value, value Value) {
		parts = append(parts, describe(key)+": "+describe(value))
	})
	return "{" + strings.Join(parts, ", ") + "}"
}
