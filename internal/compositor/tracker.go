package compositor

import (
	"errors"
	"fmt"
	"image"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bryanchriswhite/PanoStreamer/internal/blend"
	"github.com/bryanchriswhite/PanoStreamer/internal/dispatch"
	"github.com/bryanchriswhite/PanoStreamer/internal/projection"
	"github.com/rs/zerolog"
)

// abandonment describes a frame dropped before completion.
type abandonment struct {
	index   uint64
	missing []projection.ViewRole
	reason  error
}

// tracker owns the table of frames being assembled.
//
// Lock order is table (mu) -> frame (frame.mu) -> dispatcher queue. Merges
// run under the frame lock only; deliveries run under no tracker lock.
type tracker struct {
	mu          sync.Mutex
	plan        *projection.Plan
	alpha       bool
	maxInFlight int
	frames      map[uint64]*frame
	queue       *dispatch.Queue
	dispatcher  *dispatch.Dispatcher

	framePool atomic.Pointer[bufferPool]
	tilePool  atomic.Pointer[bufferPool]
	accPool   atomic.Pointer[accumulatorPool]

	now   func() time.Time
	stats *counters
	log   zerolog.Logger
}

func newTracker(plan *projection.Plan, cfg Config, d *dispatch.Dispatcher, now func() time.Time, stats *counters, log zerolog.Logger) *tracker {
	t := &tracker{
		frames:     make(map[uint64]*frame),
		queue:      dispatch.NewQueue(),
		dispatcher: d,
		now:        now,
		stats:      stats,
		log:        log,
	}
	t.configure(plan, cfg)
	return t
}

// configure installs a plan. Caller holds mu or has exclusive access.
func (t *tracker) configure(plan *projection.Plan, cfg Config) {
	t.plan = plan
	t.alpha = cfg.AlphaEnabled
	t.maxInFlight = cfg.MaxInFlight

	if fp := t.framePool.Load(); fp == nil || fp.w != cfg.OutputWidth || fp.h != cfg.OutputHeight {
		t.framePool.Store(newBufferPool(cfg.OutputWidth, cfg.OutputHeight))
	}
	if ap := t.accPool.Load(); ap == nil || ap.w != cfg.OutputWidth || ap.h != cfg.OutputHeight {
		t.accPool.Store(newAccumulatorPool(cfg.OutputWidth, cfg.OutputHeight))
	}
	if tp := t.tilePool.Load(); tp == nil || tp.w != cfg.SourceWidth || tp.h != cfg.SourceHeight {
		t.tilePool.Store(newBufferPool(cfg.SourceWidth, cfg.SourceHeight))
	}
}

// submit merges tile into the frame for its index, creating the frame if
// needed. Frames abandoned to make room are returned for reporting.
func (t *tracker) submit(tile *SourceTile) ([]abandonment, error) {
	t.mu.Lock()
	plan := t.plan
	if err := validateTile(plan, tile); err != nil {
		t.mu.Unlock()
		return nil, err
	}
	idx := tile.FrameIndex
	if t.queue.Closed(idx) {
		skipped := t.queue.TakeSkipped(idx)
		t.mu.Unlock()
		err := fmt.Errorf("frame %d role %s: %w", idx, tile.Role, ErrLateTile)
		if !skipped {
			return nil, err
		}
		// First tile of a frame the delivery order already passed.
		t.stats.skipped.Add(1)
		t.log.Warn().Uint64("frame", idx).Msg("Frame skipped by a later delivery")
		return []abandonment{{index: idx, missing: plan.Roles(), reason: ErrLateTile}}, err
	}
	if t.queue.Holds(idx) {
		// Completed and waiting for a lower index: every role is merged.
		t.mu.Unlock()
		return nil, fmt.Errorf("frame %d role %s: %w", idx, tile.Role, ErrDuplicateTile)
	}

	var (
		evicted []abandonment
		batch   []dispatch.Delivery
	)
	f, ok := t.frames[idx]
	if !ok {
		var err error
		evicted, batch, err = t.makeRoom(idx)
		if err != nil {
			t.dispatcher.Handoff(t.mu.Unlock, batch)
			return evicted, err
		}
		f = newFrame(idx, plan, t.alpha, t.accPool.Load().Get(), t.now())
		t.frames[idx] = f
		t.log.Debug().Uint64("frame", idx).Msg("Frame created")
	}
	t.dispatcher.Handoff(t.mu.Unlock, batch)

	complete, err := t.merge(f, tile)
	if err != nil {
		return evicted, err
	}
	if complete {
		t.complete(f)
	}
	return evicted, nil
}

// merge blends tile into f under the frame lock. It reports whether the
// tile completed the frame.
func (t *tracker) merge(f *frame, tile *SourceTile) (bool, error) {
	bit, _ := f.plan.RoleIndex(tile.Role)
	mask := uint64(1) << uint(bit)

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.state == frameAbandoned {
		return false, fmt.Errorf("frame %d role %s: %w", f.index, tile.Role, ErrFrameClosed)
	}
	if f.merged&mask != 0 {
		return false, fmt.Errorf("frame %d role %s: %w", f.index, tile.Role, ErrDuplicateTile)
	}
	if f.state == frameEmpty {
		f.acc.Reset()
		f.state = framePartial
	}

	blend.Merge(f.acc, tile.Image, tile.HasAlpha, f.alpha, f.plan.Contributions(tile.Role))
	f.merged |= mask
	f.count++
	t.stats.merged.Add(1)

	t.log.Debug().
		Uint64("frame", f.index).
		Stringer("role", tile.Role).
		Int("merged", f.count).
		Msg("Tile merged")

	if f.count < len(f.plan.Roles()) {
		return false, nil
	}
	f.buf = t.framePool.Load().Get()
	blend.Resolve(f.buf, f.acc, f.alpha)
	t.accPool.Load().Put(f.acc)
	f.acc = nil
	f.state = frameComplete
	return true, nil
}

// complete moves a completed frame from the table to the dispatch queue and
// delivers whatever is no longer blocked by a lower index.
func (t *tracker) complete(f *frame) {
	t.mu.Lock()
	delete(t.frames, f.index)

	f.mu.Lock()
	buf := f.buf
	f.buf = nil
	f.state = frameDelivered
	f.mu.Unlock()

	if err := t.queue.Hold(f.index, buf); err != nil {
		t.log.Error().Err(err).Uint64("frame", f.index).Msg("Dropping completed frame")
		t.framePool.Load().Put(buf)
	} else {
		t.stats.completed.Add(1)
	}
	t.dispatcher.Handoff(t.mu.Unlock, t.release())
}

// makeRoom abandons the lowest open frames until a frame for idx fits under
// maxInFlight. When idx itself would be the lowest, it is refused instead.
// Caller holds mu.
func (t *tracker) makeRoom(idx uint64) ([]abandonment, []dispatch.Delivery, error) {
	var (
		evicted []abandonment
		batch   []dispatch.Delivery
	)
	for t.maxInFlight > 0 && len(t.frames)+t.queue.Held() >= t.maxInFlight {
		victim, ok := t.evictBelow(idx)
		if !ok {
			t.queue.Retire(idx)
			t.stats.abandoned.Add(1)
			t.stats.evicted.Add(1)
			evicted = append(evicted, abandonment{index: idx, missing: t.plan.Roles(), reason: ErrCapacityExceeded})
			t.log.Warn().Uint64("frame", idx).Msg("Refusing frame over in-flight capacity")
			return evicted, append(batch, t.release()...), fmt.Errorf("frame %d: %w", idx, ErrCapacityExceeded)
		}
		t.stats.evicted.Add(1)
		evicted = append(evicted, victim)
		batch = append(batch, t.release(idx)...)
	}
	return evicted, batch, nil
}

// evictBelow abandons the lowest open frame with an index below idx.
func (t *tracker) evictBelow(idx uint64) (abandonment, bool) {
	for _, i := range t.sortedIndices() {
		if i > idx {
			break
		}
		if ab, ok := t.tryAbandon(t.frames[i], ErrCapacityExceeded); ok {
			return ab, true
		}
	}
	return abandonment{}, false
}

// tryAbandon drops f if it is still open. Caller holds mu.
func (t *tracker) tryAbandon(f *frame, reason error) (abandonment, bool) {
	f.mu.Lock()
	if !f.open() {
		f.mu.Unlock()
		return abandonment{}, false
	}
	missing := f.missing()
	acc := f.acc
	f.acc = nil
	f.state = frameAbandoned
	f.mu.Unlock()

	delete(t.frames, f.index)
	t.queue.Retire(f.index)
	t.accPool.Load().Put(acc)
	t.stats.abandoned.Add(1)

	t.log.Warn().
		Uint64("frame", f.index).
		Int("missing", len(missing)).
		Err(reason).
		Msg("Frame abandoned")

	return abandonment{index: f.index, missing: missing, reason: reason}, true
}

// tick abandons open frames created more than maxAge ago.
func (t *tracker) tick(maxAge time.Duration) []abandonment {
	t.mu.Lock()
	cutoff := t.now().Add(-maxAge)

	var out []abandonment
	for _, idx := range t.sortedIndices() {
		f := t.frames[idx]
		if !f.created.Before(cutoff) {
			continue
		}
		if ab, ok := t.tryAbandon(f, ErrIncompleteFrameTimeout); ok {
			t.stats.timedOut.Add(1)
			out = append(out, ab)
		}
	}
	t.dispatcher.Handoff(t.mu.Unlock, t.release())
	return out
}

// reset abandons every open frame and, when plan is non-nil, installs it.
func (t *tracker) reset(reason error, plan *projection.Plan, cfg Config) []abandonment {
	t.mu.Lock()
	var out []abandonment
	for _, idx := range t.sortedIndices() {
		if ab, ok := t.tryAbandon(t.frames[idx], reason); ok {
			out = append(out, ab)
		}
	}
	if plan != nil {
		t.configure(plan, cfg)
	}
	t.dispatcher.Handoff(t.mu.Unlock, t.release())
	return out
}

// release pops the held frames no longer blocked by an open frame. pending
// lists indices about to enter the table. Caller holds mu.
func (t *tracker) release(pending ...uint64) []dispatch.Delivery {
	var (
		horizon uint64
		bounded bool
	)
	for idx := range t.frames {
		if !bounded || idx < horizon {
			horizon, bounded = idx, true
		}
	}
	for _, idx := range pending {
		if !bounded || idx < horizon {
			horizon, bounded = idx, true
		}
	}
	return t.queue.Ready(horizon, bounded)
}

func (t *tracker) sortedIndices() []uint64 {
	out := make([]uint64, 0, len(t.frames))
	for idx := range t.frames {
		out = append(out, idx)
	}
	slices.Sort(out)
	return out
}

type trackerSnapshot struct {
	inFlight, held int
	floor          uint64
	hasFloor       bool
}

// snapshot returns the table and queue sizes and the delivery floor.
func (t *tracker) snapshot() trackerSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	floor, ok := t.queue.Floor()
	return trackerSnapshot{inFlight: len(t.frames), held: t.queue.Held(), floor: floor, hasFloor: ok}
}

func (t *tracker) currentPlan() *projection.Plan {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.plan
}

func validateTile(plan *projection.Plan, tile *SourceTile) error {
	if _, ok := plan.RoleIndex(tile.Role); !ok {
		return fmt.Errorf("frame %d role %s: %w", tile.FrameIndex, tile.Role, ErrUnknownViewRole)
	}
	spec := plan.Spec()
	return checkBuffer(tile.Image, spec.SourceWidth, spec.SourceHeight)
}

func checkBuffer(img *image.RGBA, w, h int) error {
	if img == nil {
		return fmt.Errorf("missing pixel buffer: %w", ErrConfigurationMismatch)
	}
	b := img.Bounds()
	if b.Dx() != w || b.Dy() != h {
		return fmt.Errorf("tile is %dx%d, configured %dx%d: %w", b.Dx(), b.Dy(), w, h, ErrConfigurationMismatch)
	}
	if img.Stride < 4*w || len(img.Pix) < (h-1)*img.Stride+4*w {
		return fmt.Errorf("buffer of %d bytes with stride %d too short for %dx%d: %w",
			len(img.Pix), img.Stride, w, h, ErrConfigurationMismatch)
	}
	return nil
}

// isRejection reports whether err refused a tile before it reached a frame.
func isRejection(err error) bool {
	return errors.Is(err, ErrUnknownViewRole) ||
		errors.Is(err, ErrConfigurationMismatch) ||
		errors.Is(err, ErrLateTile) ||
		errors.Is(err, ErrFrameClosed)
}
