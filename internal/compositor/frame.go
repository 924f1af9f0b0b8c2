package compositor

import (
	"image"
	"sync"
	"time"

	"github.com/bryanchriswhite/PanoStreamer/internal/blend"
	"github.com/bryanchriswhite/PanoStreamer/internal/projection"
)

// frameState tracks an output frame through assembly.
type frameState int

const (
	frameEmpty     frameState = iota // created, accumulator not yet zeroed
	framePartial                     // at least one role merged
	frameComplete                    // every role merged, waiting for dispatch
	frameDelivered                   // handed to dispatch
	frameAbandoned                   // dropped before completion
)

func (s frameState) String() string {
	switch s {
	case frameEmpty:
		return "empty"
	case framePartial:
		return "partial"
	case frameComplete:
		return "complete"
	case frameDelivered:
		return "delivered"
	case frameAbandoned:
		return "abandoned"
	default:
		return "unknown"
	}
}

// frame is the accumulation state of one output frame index. mu serializes
// merges into acc; the tracker's table lock is never held while it is.
// buf is set once every role is merged.
type frame struct {
	mu      sync.Mutex
	index   uint64
	plan    *projection.Plan
	alpha   bool
	acc     *blend.Accumulator
	buf     *image.RGBA
	merged  uint64 // bit i set when plan.Roles()[i] was merged
	count   int
	state   frameState
	created time.Time
}

func newFrame(index uint64, plan *projection.Plan, alpha bool, acc *blend.Accumulator, now time.Time) *frame {
	return &frame{index: index, plan: plan, alpha: alpha, acc: acc, created: now}
}

// open reports whether the frame still accepts tiles. Caller holds f.mu.
func (f *frame) open() bool {
	return f.state == frameEmpty || f.state == framePartial
}

// missing lists the roles not yet merged, in layout order. Caller holds f.mu.
func (f *frame) missing() []projection.ViewRole {
	var out []projection.ViewRole
	for i, role := range f.plan.Roles() {
		if f.merged&(1<<uint(i)) == 0 {
			out = append(out, role)
		}
	}
	return out
}
