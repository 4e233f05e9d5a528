package runtime

import "testing"

func TestVectorGrowth(t *testing.T) {
	heap := NewCollectedHeap()
	vec, err := NewVector(heap)
	if err != nil {
		t.Fatal(err)
	}

	testCases := []struct {
		name     string
		pushes   int
		capacity int
	}{
		{"fits initial capacity", 2, 2},
		{"doubles once", 3, 4},
		{"doubles twice", 5, 8},
	}

	pushed := 0
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			for ; pushed < tc.pushes; pushed++ {
				if err := vec.Push(Int(pushed)); err != nil {
					t.Fatal(err)
				}
			}
			if vec.Len() != tc.pushes || vec.Capacity() != tc.capacity {
				t.Errorf("expected len %d cap %d, got len %d cap %d", tc.pushes, tc.capacity, vec.Len(), vec.Capacity())
			}
			if res := heap.Stats().InUse; res != uint64(uintptr(tc.capacity)*valueSize) {
				t.Errorf("expected %d bytes accounted, got %d", uintptr(tc.capacity)*valueSize, res)
			}
		})
	}

	for i := 0; i < vec.Len(); i++ {
		v, err := vec.Get(i)
		if err != nil || v != Int(i) {
			t.Errorf("element %d expected %d, got %v (%v)", i, i, v, err)
		}
	}
}

func TestVectorAccess(t *testing.T) {
	vec, _ := NewVector(NewCollectedHeap())
	vec.Push(String("a"))
	vec.Push(Int(2))

	if err := vec.Set(0, String("b")); err != nil {
		t.Fatal(err)
	}
	if vec.String() != `["b", 2]` {
		t.Errorf("unexpected rendering %s", vec.String())
	}
	if _, err := vec.Get(2); StatusOf(err) != StatusOutOfBuffer {
		t.Errorf("get past length expected OutOfBuffer, got %v", err)
	}
	if err := vec.Set(-1, Int(0)); StatusOf(err) != StatusOutOfBuffer {
		t.Errorf("set negative expected OutOfBuffer, got %v", err)
	}

	vec.Pop()
	vec.Pop()
	if vec.Len() != 0 {
		t.Errorf("expected empty vector, got %d elements", vec.Len())
	}
	if err := vec.Pop(); StatusOf(err) != StatusOutOfBuffer {
		t.Errorf("pop of empty vector expected OutOfBuffer, got %v", err)
	}
}

func TestVectorDestroyReleasesMemory(t *testing.T) {
	heap := NewBoundedHeap(uint64(4 * valueSize))
	vec, err := NewVector(heap)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 4; i++ {
		if err := vec.Push(Int(i)); err != nil {
			t.Fatal(err)
		}
	}
	if err := vec.Push(Int(4)); StatusOf(err) != StatusOutOfMemory {
		t.Errorf("growth past the heap limit expected OutOfMemory, got %v", err)
	}
	if vec.Len() != 4 {
		t.Errorf("failed push changed the length to %d", vec.Len())
	}

	vec.Destroy()
	if res := heap.Stats().InUse; res != 0 {
		t.Errorf("expected no memory in use after destroy, got %d", res)
	}
}
