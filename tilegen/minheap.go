package tilegen

import "fmt"

// minHeap is a min-heap stored in an array where each element has 4
// children. For merging many sorted spill chunks this does 5-10% fewer
// comparisons than a binary heap. Ids are chunk indexes; equal keys break
// ties toward the lower id so that the merge stays stable in append
// order.
type minHeap struct {
	tree      []int
	positions []int
	vals      []uint64
	max       int
	size      int
}

const heapNotPresent = -1

// newMinHeap sizes the heap for ids 0..elements-1. The heap cannot grow
// after creation.
func newMinHeap(elements int) *minHeap {
	h := &minHeap{
		tree:      make([]int, elements+1),
		positions: make([]int, elements+1),
		vals:      make([]uint64, elements+1),
		max:       elements,
	}
	for i := range h.positions {
		h.positions[i] = heapNotPresent
	}
	return h
}

func heapFirstChild(index int) int { return (index << 2) - 2 }
func heapParent(index int) int     { return (index + 2) >> 2 }

func (h *minHeap) len() int      { return h.size }
func (h *minHeap) empty() bool   { return h.size == 0 }
func (h *minHeap) peekID() int   { return h.tree[1] }
func (h *minHeap) peekVal() uint64 { return h.vals[1] }

// less orders heap slots by (value, id).
func (h *minHeap) less(valA uint64, idA int, valB uint64, idB int) bool {
	if valA != valB {
		return valA < valB
	}
	return idA < idB
}

func (h *minHeap) push(id int, value uint64) {
	h.checkIDInRange(id)
	if h.size == h.max {
		panic(fmt.Sprintf("heap full, size %d", h.size))
	}
	if h.positions[id] != heapNotPresent {
		panic(fmt.Sprintf("id %d already present, use updateHead", id))
	}
	h.size++
	h.tree[h.size] = id
	h.positions[id] = h.size
	h.vals[h.size] = value
	h.percolateUp(h.size)
}

// updateHead replaces the minimum's value in place and restores heap
// order. Cheaper than poll+push when advancing the winning chunk.
func (h *minHeap) updateHead(value uint64) {
	h.vals[1] = value
	h.percolateDown(1)
}

func (h *minHeap) poll() int {
	id := h.tree[1]
	h.tree[1] = h.tree[h.size]
	h.vals[1] = h.vals[h.size]
	h.positions[h.tree[1]] = 1
	h.positions[id] = heapNotPresent
	h.size--
	if h.size > 0 {
		h.percolateDown(1)
	}
	return id
}

func (h *minHeap) checkIDInRange(id int) {
	if id < 0 || id >= h.max {
		panic(fmt.Sprintf("id %d out of range [0, %d)", id, h.max))
	}
}

func (h *minHeap) percolateUp(index int) {
	if index == 1 {
		return
	}
	el := h.tree[index]
	val := h.vals[index]
	for {
		parent := heapParent(index)
		if h.less(val, el, h.vals[parent], h.tree[parent]) {
			h.tree[index] = h.tree[parent]
			h.vals[index] = h.vals[parent]
			h.positions[h.tree[index]] = index
			index = parent
		} else {
			break
		}
		if index == 1 {
			break
		}
	}
	h.tree[index] = el
	h.vals[index] = val
	h.positions[el] = index
}

func (h *minHeap) percolateDown(index int) {
	el := h.tree[index]
	val := h.vals[index]
	for {
		first := heapFirstChild(index)
		if first > h.size {
			break
		}
		smallest := first
		end := first + 4
		if end > h.size+1 {
			end = h.size + 1
		}
		for c := first + 1; c < end; c++ {
			if h.less(h.vals[c], h.tree[c], h.vals[smallest], h.tree[smallest]) {
				smallest = c
			}
		}
		if !h.less(h.vals[smallest], h.tree[smallest], val, el) {
			break
		}
		h.tree[index] = h.tree[smallest]
		h.vals[index] = h.vals[smallest]
		h.positions[h.tree[index]] = index
		index = smallest
	}
	h.tree[index] = el
	h.vals[index] = val
	h.positions[el] = index
}
