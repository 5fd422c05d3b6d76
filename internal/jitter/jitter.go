// Package jitter implements the reorder buffer for one AudioPeer's inbound
// voice stream: a min-heap keyed by sequence number, flushed greedily once
// more than one frame is pending.
//
// This is deliberately not the ring-buffer-per-sender design used
// elsewhere in this codebase's ancestry: an AudioPeer carries exactly one
// remote sender, so a single min-heap keyed by sequence is the more direct
// fit, and it matches the flush-when-size>1 behavior this protocol relies
// on for its latency budget.
package jitter

import "container/heap"

// Frame is one inbound voice frame, already stripped of its sequence
// trailer and tagged with the receive-side volume byte.
type Frame struct {
	Seq     uint64
	Payload []byte // opus bytes followed by one trailing volume byte
}

// item is a heap element; minHeap orders by Seq ascending.
type item struct {
	seq     uint64
	payload []byte
}

type minHeap []item

func (h minHeap) Len() int           { return len(h) }
func (h minHeap) Less(i, j int) bool { return h[i].seq < h[j].seq }
func (h minHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *minHeap) Push(x interface{}) { *h = append(*h, x.(item)) }
func (h *minHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

// Buffer is the per-AudioPeer jitter buffer. Not safe for concurrent use;
// the owning AudioPeer's single receive goroutine is the only caller.
type Buffer struct {
	h     minHeap
	depth int // flush once more than depth frames are pending; default 1
}

// New returns an empty jitter buffer with the default one-frame reorder
// window.
func New() *Buffer {
	return &Buffer{depth: 1}
}

// SetDepth adjusts how many frames the buffer tolerates pending before a
// flush, widening the reorder window (and added latency) under loss, or
// narrowing it back down once the link settles. Depths below 1 are
// clamped to 1: the buffer must always tolerate at least one reorder.
func (b *Buffer) SetDepth(depth int) {
	if depth < 1 {
		depth = 1
	}
	b.depth = depth
}

// Depth returns the current flush threshold.
func (b *Buffer) Depth() int {
	return b.depth
}

// Push inserts a received frame, keyed by its sequence number.
func (b *Buffer) Push(seq uint64, payload []byte) {
	heap.Push(&b.h, item{seq: seq, payload: payload})
}

// Len reports the number of frames currently pending.
func (b *Buffer) Len() int {
	return b.h.Len()
}

// ShouldFlush reports whether the reorder window has elapsed: more frames
// are pending than the current depth tolerates.
func (b *Buffer) ShouldFlush() bool {
	return b.h.Len() > b.depth
}

// Drain empties the heap in ascending sequence order. The drain is greedy
// and clears the heap each round; callers typically check ShouldFlush
// first, but Drain is safe to call unconditionally (e.g. at shutdown, to
// flush whatever remains).
func (b *Buffer) Drain() []Frame {
	out := make([]Frame, 0, b.h.Len())
	for b.h.Len() > 0 {
		it := heap.Pop(&b.h).(item)
		out = append(out, Frame{Seq: it.seq, Payload: it.payload})
	}
	return out
}
