package reliable

import (
	"container/heap"

	"github.com/saintparish4/burrow/pkg/wire"
)

// reorderBuffer holds segments that arrived ahead of the next expected
// sequence number and releases them in order. Not safe for concurrent use.
type reorderBuffer struct {
	expected uint32
	buffer   segmentHeap
	pending  map[uint32]struct{}
}

func newReorderBuffer() *reorderBuffer {
	return &reorderBuffer{pending: make(map[uint32]struct{})}
}

// Seen reports whether seq was already delivered or is waiting in the buffer
func (r *reorderBuffer) Seen(seq uint32) bool {
	if seq < r.expected {
		return true
	}
	_, ok := r.pending[seq]
	return ok
}

// Len returns the number of buffered out-of-order segments
func (r *reorderBuffer) Len() int {
	return r.buffer.Len()
}

// Expected returns the next in-order sequence number
func (r *reorderBuffer) Expected() uint32 {
	return r.expected
}

// Feed stores d and returns every payload that is now deliverable in order.
// Callers must check Seen first.
func (r *reorderBuffer) Feed(d *wire.Data) [][]byte {
	if d.Seq > r.expected {
		// Future segment: hold it
		heap.Push(&r.buffer, d)
		r.pending[d.Seq] = struct{}{}
		return nil
	}

	out := [][]byte{d.Payload}
	r.expected++

	for r.buffer.Len() > 0 && r.buffer[0].Seq == r.expected {
		next := heap.Pop(&r.buffer).(*wire.Data)
		delete(r.pending, next.Seq)
		out = append(out, next.Payload)
		r.expected++
	}
	return out
}

// segmentHeap implements a min-heap sorted by Seq
type segmentHeap []*wire.Data

func (h segmentHeap) Len() int           { return len(h) }
func (h segmentHeap) Less(i, j int) bool { return h[i].Seq < h[j].Seq }
func (h segmentHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *segmentHeap) Push(x any)        { *h = append(*h, x.(*wire.Data)) }

func (h *segmentHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
