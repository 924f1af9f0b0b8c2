// Package dispatch hands completed panorama frames to the downstream
// consumer in frame-index order.
//
// A Queue holds frames that completed ahead of a lower, still-assembling
// frame and tracks which indices are closed (delivered or abandoned). It is
// not safe for concurrent use; the owner guards it with its own lock and
// hands released batches to a Dispatcher, which delivers them after that lock
// is released.
package dispatch

import (
	"container/heap"
	"fmt"
	"image"
	"slices"
	"sort"
)

// maxSkipSpans bounds how many runs of skipped indices a Queue remembers.
const maxSkipSpans = 64

// Delivery is one completed frame ready for the consumer.
type Delivery struct {
	Index uint64
	Frame *image.RGBA
}

// Queue orders completed frames and remembers closed indices.
type Queue struct {
	held     deliveryHeap
	heldIdx  map[uint64]struct{}
	retired  map[uint64]struct{}
	floor    uint64
	hasFloor bool

	// runs of indices the floor passed without a delivery or retirement,
	// ascending
	skipped []span
}

type span struct{ lo, hi uint64 }

// NewQueue returns an empty queue.
func NewQueue() *Queue {
	return &Queue{
		heldIdx: make(map[uint64]struct{}),
		retired: make(map[uint64]struct{}),
	}
}

// Hold parks a completed frame until every lower in-flight index has closed.
func (q *Queue) Hold(index uint64, frame *image.RGBA) error {
	if q.Closed(index) {
		return fmt.Errorf("frame %d already closed", index)
	}
	if _, dup := q.heldIdx[index]; dup {
		return fmt.Errorf("frame %d already held", index)
	}
	q.heldIdx[index] = struct{}{}
	heap.Push(&q.held, Delivery{Index: index, Frame: frame})
	return nil
}

// Retire closes an index without delivery (the frame was abandoned).
func (q *Queue) Retire(index uint64) {
	if q.hasFloor && index <= q.floor {
		return
	}
	q.retired[index] = struct{}{}
}

// Closed reports whether index was already delivered or abandoned, or lies
// below the floor.
func (q *Queue) Closed(index uint64) bool {
	if q.hasFloor && index <= q.floor {
		return true
	}
	_, ok := q.retired[index]
	return ok
}

// Ready pops every held frame with an index below horizon, in ascending
// order, and advances the floor past them. Retired indices below horizon are
// folded into the floor as well, so abandoned frames do not accumulate. When
// bounded is false every held frame is released.
//
// Indices the floor passes that were never held or retired are remembered as
// skipped; see TakeSkipped.
func (q *Queue) Ready(horizon uint64, bounded bool) []Delivery {
	from := uint64(0)
	if q.hasFloor {
		from = q.floor + 1
	}
	var (
		out    []Delivery
		closed []uint64
	)
	for q.held.Len() > 0 {
		next := q.held[0]
		if bounded && next.Index >= horizon {
			break
		}
		heap.Pop(&q.held)
		delete(q.heldIdx, next.Index)
		out = append(out, next)
		closed = append(closed, next.Index)
		q.raiseFloor(next.Index)
	}
	for idx := range q.retired {
		if !bounded || idx < horizon {
			q.raiseFloor(idx)
		}
	}
	for idx := range q.retired {
		if idx <= q.floor {
			delete(q.retired, idx)
			closed = append(closed, idx)
		}
	}
	if len(closed) > 0 {
		slices.Sort(closed)
		q.recordSkips(from, closed)
	}
	return out
}

// recordSkips remembers the gaps between from and the sorted closed indices.
func (q *Queue) recordSkips(from uint64, closed []uint64) {
	next := from
	for _, idx := range closed {
		if idx > next {
			q.skipped = append(q.skipped, span{next, idx - 1})
		}
		next = idx + 1
	}
	if n := len(q.skipped) - maxSkipSpans; n > 0 {
		q.skipped = slices.Delete(q.skipped, 0, n)
	}
}

// TakeSkipped reports whether index was closed by the floor passing it
// without the frame ever being held or retired. It reports true at most once
// per index.
func (q *Queue) TakeSkipped(index uint64) bool {
	i := sort.Search(len(q.skipped), func(i int) bool { return q.skipped[i].hi >= index })
	if i == len(q.skipped) || q.skipped[i].lo > index {
		return false
	}
	s := q.skipped[i]
	switch {
	case s.lo == index && s.hi == index:
		q.skipped = slices.Delete(q.skipped, i, i+1)
	case s.lo == index:
		q.skipped[i].lo++
	case s.hi == index:
		q.skipped[i].hi--
	default:
		q.skipped[i].hi = index - 1
		q.skipped = slices.Insert(q.skipped, i+1, span{index + 1, s.hi})
	}
	return true
}

func (q *Queue) raiseFloor(index uint64) {
	if !q.hasFloor || index > q.floor {
		q.floor, q.hasFloor = index, true
	}
}

// Holds reports whether index completed and waits in the queue.
func (q *Queue) Holds(index uint64) bool {
	_, ok := q.heldIdx[index]
	return ok
}

// Held returns the number of frames waiting for a lower index.
func (q *Queue) Held() int {
	return q.held.Len()
}

// Floor returns the highest closed index. Every index at or below it has
// been delivered, abandoned, or skipped.
func (q *Queue) Floor() (uint64, bool) {
	return q.floor, q.hasFloor
}

type deliveryHeap []Delivery

func (h deliveryHeap) Len() int           { return len(h) }
func (h deliveryHeap) Less(i, j int) bool { return h[i].Index < h[j].Index }
func (h deliveryHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *deliveryHeap) Push(x any) { *h = append(*h, x.(Delivery)) }

func (h *deliveryHeap) Pop() any {
	old := *h
	n := len(old)
	d := old[n-1]
	old[n-1] = Delivery{}
	*h = old[:n-1]
	return d
}
