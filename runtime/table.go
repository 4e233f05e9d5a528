package runtime

import (
	"unsafe"

	"github.com/pkg/errors"
)

const (
	tableUnset      = -1
	initialTableLen = 2
)

var tableSlotSize = unsafe.Sizeof(int(0))

// IndexTable maps small ids to non-negative ints: function ids to body
// offsets and struct ids to member counts. Each slot can be written once.
type IndexTable struct {
	slots []int
	heap  Allocator
}

func NewIndexTable(heap Allocator) (*IndexTable, error) {
	if err := heap.Allocate(initialTableLen * tableSlotSize); err != nil {
		return nil, err
	}
	t := &IndexTable{slots: make([]int, initialTableLen), heap: heap}
	for i := range t.slots {
		t.slots[i] = tableUnset
	}
	return t, nil
}

func (t *IndexTable) Len() int {
	return len(t.slots)
}

func (t *IndexTable) Set(index int, value int) error {
	if index < 0 {
		return errors.Wrapf(StatusError, "negative table index %d", index)
	}
	if value < 0 {
		return errors.Wrapf(StatusError, "negative value %d for table slot %d", value, index)
	}
	if index >= len(t.slots) {
		// Double each time, unless the index is larger than that.
		newLen := len(t.slots) * 2
		if newLen < index+1 {
			newLen = index + 1
		}
		if err := t.grow(newLen); err != nil {
			return err
		}
	}
	if t.slots[index] != tableUnset {
		return errors.Wrapf(StatusError, "table slot %d already set to %d", index, t.slots[index])
	}
	t.slots[index] = value
	return nil
}

func (t *IndexTable) Get(index int) (int, error) {
	if index < 0 || index >= len(t.slots) {
		return 0, errors.Wrapf(StatusOutOfBuffer, "table index %d of %d", index, len(t.slots))
	}
	value := t.slots[index]
	if value == tableUnset {
		return 0, errors.Wrapf(StatusError, "table slot %d is unset", index)
	}
	return value, nil
}

// Entries returns the set slots keyed by index.
func (t *IndexTable) Entries() map[int]int {
	res := make(map[int]int)
	for i, v := range t.slots {
		if v != tableUnset {
			res[i] = v
		}
	}
	return res
}

func (t *IndexTable) grow(newLen int) error {
	oldLen := len(t.slots)
	if err := t.heap.Reallocate(uintptr(oldLen)*tableSlotSize, uintptr(newLen)*tableSlotSize); err != nil {
		return err
	}
	slots := make([]int, newLen)
	copy(slots, t.slots)
	for i := oldLen; i < newLen; i++ {
		slots[i] = tableUnset
	}
	t.slots = slots
	return nil
}
