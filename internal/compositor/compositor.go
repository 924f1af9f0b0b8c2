// Package compositor assembles panorama frames from per-view source tiles.
//
// Tiles for a frame index may arrive in any order and from any goroutine.
// Each tile is merged into the frame's accumulation buffer as soon as it
// arrives. A frame is delivered to the Consumer once every configured view
// role has been merged, strictly in frame-index order. Frames that cannot
// complete are abandoned and reported, never delivered.
package compositor

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bryanchriswhite/PanoStreamer/internal/dispatch"
	"github.com/bryanchriswhite/PanoStreamer/internal/logger"
	"github.com/bryanchriswhite/PanoStreamer/internal/projection"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// SourceTile is one rendered view of one frame. The image is
// alpha-premultiplied RGBA at the configured source resolution. Ownership of
// Image passes to the compositor on SubmitTile.
type SourceTile struct {
	FrameIndex uint64
	Role       projection.ViewRole
	Image      *image.RGBA
	HasAlpha   bool
}

// Option configures a Compositor.
type Option func(*Compositor)

// WithReporter sets the receiver of error reports.
func WithReporter(r Reporter) Option {
	return func(c *Compositor) {
		if r != nil {
			c.reporter = r
		}
	}
}

// WithClock replaces time.Now for frame ages.
func WithClock(now func() time.Time) Option {
	return func(c *Compositor) {
		if now != nil {
			c.now = now
		}
	}
}

// WithLogger sets the compositor's logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Compositor) {
		c.log = l
		c.hasLog = true
	}
}

// Compositor merges source tiles into ordered panorama frames.
type Compositor struct {
	session  uuid.UUID
	log      zerolog.Logger
	hasLog   bool
	reporter Reporter
	now      func() time.Time

	cfgMu sync.RWMutex
	cfg   Config

	tracker    *tracker
	dispatcher *dispatch.Dispatcher
	stats      counters
	closed     atomic.Bool
}

// New validates cfg, precomputes its projection plan and returns a
// compositor delivering to consumer.
func New(cfg Config, consumer dispatch.Consumer, opts ...Option) (*Compositor, error) {
	if consumer == nil {
		return nil, errors.New("compositor: nil consumer")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid compositor config: %w", err)
	}

	c := &Compositor{
		session:  uuid.New(),
		reporter: nopReporter{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if !c.hasLog {
		c.log = *logger.WithComponent("compositor")
	}
	c.log = c.log.With().Str("session", c.session.String()).Logger()

	plan, err := projection.Build(cfg.Spec())
	if err != nil {
		return nil, fmt.Errorf("failed to build projection plan: %w", err)
	}

	c.cfg = cloneConfig(cfg)
	c.dispatcher = dispatch.NewDispatcher(consumer, c.log)
	c.tracker = newTracker(plan, cfg, c.dispatcher, c.now, &c.stats, c.log)

	c.log.Info().
		Stringer("projection", cfg.Projection).
		Int("width", cfg.OutputWidth).
		Int("height", cfg.OutputHeight).
		Int("roles", len(plan.Roles())).
		Int("covered_pixels", plan.CoveredPixels()).
		Msg("Compositor initialized")

	return c, nil
}

// SubmitTile merges tile into its frame. It is safe for concurrent use.
//
// The tile's buffer is recycled whether or not the call succeeds. Errors
// wrap ErrUnknownViewRole, ErrConfigurationMismatch, ErrLateTile,
// ErrDuplicateTile, ErrFrameClosed, ErrCapacityExceeded or ErrClosed and
// affect only the tile's own frame.
func (c *Compositor) SubmitTile(tile *SourceTile) error {
	if tile == nil {
		return fmt.Errorf("nil tile: %w", ErrConfigurationMismatch)
	}
	if c.closed.Load() {
		c.recycleTile(tile)
		return ErrClosed
	}
	c.stats.submitted.Add(1)

	evicted, err := c.tracker.submit(tile)
	c.recycleTile(tile)
	c.reportAbandoned(evicted)

	switch {
	case err == nil:
	case errors.Is(err, ErrDuplicateTile):
		c.stats.duplicates.Add(1)
		c.log.Debug().Uint64("frame", tile.FrameIndex).Stringer("role", tile.Role).Msg("Duplicate tile dropped")
		c.reporter.ReportDuplicateTile(tile.FrameIndex, tile.Role)
	case errors.Is(err, ErrCapacityExceeded):
		// Reported as an incomplete frame above.
	case isRejection(err):
		c.stats.rejected.Add(1)
		if errors.Is(err, ErrLateTile) {
			c.stats.late.Add(1)
		}
		c.log.Debug().Err(err).Msg("Tile rejected")
		c.reporter.ReportRejectedTile(tile.FrameIndex, tile.Role, err)
	}
	return err
}

// NewTile returns a tile for frameIndex and role backed by a pooled buffer
// of the configured source resolution. Pixel contents are undefined.
func (c *Compositor) NewTile(frameIndex uint64, role projection.ViewRole) *SourceTile {
	return &SourceTile{
		FrameIndex: frameIndex,
		Role:       role,
		Image:      c.tracker.tilePool.Load().Get(),
	}
}

// Recycle returns a delivered frame buffer for reuse. Buffers of another
// size are ignored.
func (c *Compositor) Recycle(img *image.RGBA) {
	c.tracker.framePool.Load().Put(img)
}

func (c *Compositor) recycleTile(tile *SourceTile) {
	if tile.Image != nil {
		c.tracker.tilePool.Load().Put(tile.Image)
		tile.Image = nil
	}
}

// Tick abandons frames older than MaxFrameAge and returns their indices.
func (c *Compositor) Tick() []uint64 {
	maxAge := c.Config().MaxFrameAge
	if maxAge <= 0 {
		return nil
	}
	abandoned := c.tracker.tick(maxAge)
	c.reportAbandoned(abandoned)
	return abandonedIndices(abandoned)
}

// Run calls Tick every TickInterval until ctx is done.
func (c *Compositor) Run(ctx context.Context) error {
	interval := c.Config().tickInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.log.Info().Dur("interval", interval).Msg("Frame age monitor started")
	for {
		select {
		case <-ctx.Done():
			c.log.Info().Msg("Frame age monitor stopped")
			return nil
		case <-ticker.C:
			c.Tick()
			if d := c.Config().tickInterval(); d != interval {
				interval = d
				ticker.Reset(d)
			}
		}
	}
}

// AbandonAll drops every frame in flight with ErrAbandoned and returns
// their indices. Completed frames still waiting for order are delivered.
func (c *Compositor) AbandonAll() []uint64 {
	abandoned := c.tracker.reset(ErrAbandoned, nil, Config{})
	c.reportAbandoned(abandoned)
	if len(abandoned) > 0 {
		c.log.Info().Int("frames", len(abandoned)).Msg("Abandoned frames in flight")
	}
	return abandonedIndices(abandoned)
}

// Reconfigure rebuilds the projection plan for cfg. Frames in flight are
// abandoned with ErrAbandoned; frame ordering continues from where it was.
func (c *Compositor) Reconfigure(cfg Config) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid compositor config: %w", err)
	}
	plan, err := projection.Build(cfg.Spec())
	if err != nil {
		return fmt.Errorf("failed to build projection plan: %w", err)
	}

	c.cfgMu.Lock()
	c.cfg = cloneConfig(cfg)
	c.cfgMu.Unlock()

	abandoned := c.tracker.reset(ErrAbandoned, plan, cfg)
	c.reportAbandoned(abandoned)
	c.stats.reconfigurations.Add(1)

	c.log.Info().
		Stringer("projection", cfg.Projection).
		Int("width", cfg.OutputWidth).
		Int("height", cfg.OutputHeight).
		Int("abandoned", len(abandoned)).
		Msg("Compositor reconfigured")
	return nil
}

// Close abandons frames in flight and refuses further tiles.
func (c *Compositor) Close() {
	if c.closed.Swap(true) {
		return
	}
	c.AbandonAll()
	c.log.Info().Msg("Compositor closed")
}

// Config returns the active configuration.
func (c *Compositor) Config() Config {
	c.cfgMu.RLock()
	defer c.cfgMu.RUnlock()
	return cloneConfig(c.cfg)
}

// Plan returns the active projection plan.
func (c *Compositor) Plan() *projection.Plan {
	return c.tracker.currentPlan()
}

// Session identifies this compositor instance in logs and telemetry.
func (c *Compositor) Session() string {
	return c.session.String()
}

// Stats returns a snapshot of the compositor's counters.
func (c *Compositor) Stats() Stats {
	snap := c.tracker.snapshot()
	last, hasLast := c.dispatcher.LastDelivered()
	return Stats{
		Session:          c.session.String(),
		Submitted:        c.stats.submitted.Load(),
		Merged:           c.stats.merged.Load(),
		Duplicates:       c.stats.duplicates.Load(),
		Rejected:         c.stats.rejected.Load(),
		Late:             c.stats.late.Load(),
		Completed:        c.stats.completed.Load(),
		Delivered:        c.dispatcher.Delivered(),
		Abandoned:        c.stats.abandoned.Load(),
		TimedOut:         c.stats.timedOut.Load(),
		Evicted:          c.stats.evicted.Load(),
		Skipped:          c.stats.skipped.Load(),
		InFlight:         snap.inFlight,
		Held:             snap.held,
		Queued:           c.dispatcher.Pending(),
		Floor:            snap.floor,
		HasFloor:         snap.hasFloor,
		LastDelivered:    last,
		HasDelivered:     hasLast,
		Reconfigurations: c.stats.reconfigurations.Load(),
		FrameAllocs:      c.tracker.framePool.Load().allocs.Load(),
		TileAllocs:       c.tracker.tilePool.Load().allocs.Load(),
		AccumAllocs:      c.tracker.accPool.Load().allocs.Load(),
	}
}

func (c *Compositor) reportAbandoned(abandoned []abandonment) {
	for _, ab := range abandoned {
		c.reporter.ReportIncompleteFrame(ab.index, ab.missing, ab.reason)
	}
}

func abandonedIndices(abandoned []abandonment) []uint64 {
	if len(abandoned) == 0 {
		return nil
	}
	out := make([]uint64, len(abandoned))
	for i, ab := range abandoned {
		out[i] = ab.index
	}
	return out
}

func cloneConfig(cfg Config) Config {
	cfg.Roles = append([]projection.ViewRole(nil), cfg.Roles...)
	return cfg
}
