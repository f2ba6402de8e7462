package gateway

import (
	"container/heap"
	"time"
)

// jitterItem is one buffered payload awaiting its play deadline.
type jitterItem struct {
	timestamp float64
	payload   []byte
}

// jitterHeap is a min-heap on timestamp, grounded on the teacher's use of
// heap-ordered vertex buffering generalized from "in memory ordering" to
// "timestamp-ordered video frame playback".
type jitterHeap []jitterItem

func (h jitterHeap) Len() int            { return len(h) }
func (h jitterHeap) Less(i, j int) bool  { return h[i].timestamp < h[j].timestamp }
func (h jitterHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *jitterHeap) Push(x interface{}) { *h = append(*h, x.(jitterItem)) }
func (h *jitterHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// staleWindow bounds how far behind the play deadline an entry may fall
// before it is garbage collected instead of played.
const staleWindow = 500 * time.Millisecond

// TimeJitterBuffer restores monotone-timestamp order for one topic's
// arrivals within a delay window. With Delay == 0 it plays back
// immediately (FIFO by arrival order is not guaranteed; timestamp order
// is, via the heap).
type TimeJitterBuffer struct {
	Delay time.Duration

	h jitterHeap
}

// Push enqueues a payload at the given timestamp (seconds since epoch).
func (b *TimeJitterBuffer) Push(timestamp float64, payload []byte) {
	heap.Push(&b.h, jitterItem{timestamp: timestamp, payload: payload})
}

// Len reports the buffer's current occupancy.
func (b *TimeJitterBuffer) Len() int { return len(b.h) }

// Pop returns the next payload ready to play, or nil if none is ready yet.
// With Delay == 0, it always pops the oldest-by-timestamp entry
// immediately. With Delay > 0, an entry plays once its timestamp is at or
// before now-Delay; entries older than now-Delay-staleWindow are dropped
// instead of played.
func (b *TimeJitterBuffer) Pop(now time.Time) []byte {
	if b.h.Len() == 0 {
		return nil
	}

	if b.Delay == 0 {
		item := heap.Pop(&b.h).(jitterItem)
		return item.payload
	}

	nowSeconds := float64(now.UnixNano()) / float64(time.Second)
	playDeadline := nowSeconds - b.Delay.Seconds()
	dropBefore := playDeadline - staleWindow.Seconds()

	for b.h.Len() > 0 && b.h[0].timestamp < dropBefore {
		heap.Pop(&b.h)
	}

	if b.h.Len() == 0 {
		return nil
	}

	if b.h[0].timestamp <= playDeadline {
		item := heap.Pop(&b.h).(jitterItem)
		return item.payload
	}

	return nil
}

// Clear empties the buffer.
func (b *TimeJitterBuffer) Clear() { b.h = nil }
