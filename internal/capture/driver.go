package capture

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bryanchriswhite/PanoStreamer/internal/compositor"
	"github.com/bryanchriswhite/PanoStreamer/internal/logger"
	"github.com/bryanchriswhite/PanoStreamer/internal/projection"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// DriverConfig controls how the driver renders and submits frames.
type DriverConfig struct {
	// FPS is the frame rate of Run.
	FPS int

	// Workers bounds concurrent tile renders. Zero means one per role.
	Workers int

	// Shuffle submits each frame's roles in random order.
	Shuffle bool

	// DropEvery skips one role of every Nth frame, simulating a stalled
	// view. Zero disables drops.
	DropEvery uint64
}

// DriverStats counts the driver's work.
type DriverStats struct {
	Frames    uint64 `json:"frames"`
	Submitted uint64 `json:"submitted"`
	Dropped   uint64 `json:"dropped"`
	Failed    uint64 `json:"failed"`
	NextFrame uint64 `json:"next_frame"`
}

// Driver renders every view role of successive frames through a Source and
// submits the tiles to a Sink.
type Driver struct {
	source Source
	sink   Sink
	config DriverConfig
	log    zerolog.Logger

	mu   sync.Mutex
	rng  *rand.Rand
	next uint64

	frames    atomic.Uint64
	submitted atomic.Uint64
	dropped   atomic.Uint64
	failed    atomic.Uint64
}

// NewDriver creates a driver rendering with source into sink.
func NewDriver(source Source, sink Sink, config DriverConfig) *Driver {
	return &Driver{
		source: source,
		sink:   sink,
		config: config,
		log:    *logger.WithComponent("capture"),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// RenderFrame renders and submits every role of frame idx. Tiles rejected by
// the sink are counted, not returned; only source failures and
// compositor.ErrClosed abort the frame.
func (d *Driver) RenderFrame(ctx context.Context, idx uint64) error {
	plan := d.sink.Plan()
	roles := plan.Roles()
	overlap := plan.Spec().FaceOverlap

	d.mu.Lock()
	if d.config.Shuffle {
		d.rng.Shuffle(len(roles), func(i, j int) { roles[i], roles[j] = roles[j], roles[i] })
	}
	drop := -1
	if d.config.DropEvery > 0 && idx%d.config.DropEvery == d.config.DropEvery-1 {
		drop = d.rng.Intn(len(roles))
	}
	d.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	workers := d.config.Workers
	if workers <= 0 {
		workers = len(roles)
	}
	g.SetLimit(workers)

	for i, role := range roles {
		role := role // per-iteration copy (go.mod targets go 1.21)
		if i == drop {
			d.dropped.Add(1)
			d.log.Debug().Uint64("frame", idx).Stringer("role", role).Msg("Dropping tile")
			continue
		}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return d.renderTile(plan, idx, role, overlap)
		})
	}
	err := g.Wait()
	d.frames.Add(1)
	return err
}

func (d *Driver) renderTile(plan *projection.Plan, idx uint64, role projection.ViewRole, overlap float64) error {
	cam, ok := plan.Camera(role)
	if !ok {
		return fmt.Errorf("no camera for role %s", role)
	}
	tile := d.sink.NewTile(idx, role)
	hasAlpha, err := d.source.RenderTile(idx, cam, overlap, tile.Image)
	if err != nil {
		return fmt.Errorf("failed to render frame %d role %s: %w", idx, role, err)
	}
	tile.HasAlpha = hasAlpha

	if err := d.sink.SubmitTile(tile); err != nil {
		if errors.Is(err, compositor.ErrClosed) {
			return err
		}
		d.failed.Add(1)
		d.log.Debug().Err(err).Uint64("frame", idx).Stringer("role", role).Msg("Tile not merged")
		return nil
	}
	d.submitted.Add(1)
	return nil
}

// Run renders frames at the configured rate until ctx is done. Frame
// indices continue from the previous Run.
func (d *Driver) Run(ctx context.Context) error {
	fps := d.config.FPS
	if fps <= 0 {
		fps = 30
	}
	if err := d.source.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", d.source.Name(), err)
	}
	defer d.source.Stop()

	ticker := time.NewTicker(time.Second / time.Duration(fps))
	defer ticker.Stop()

	d.log.Info().Str("source", d.source.Name()).Int("fps", fps).Msg("Capture started")
	for {
		select {
		case <-ctx.Done():
			d.log.Info().Uint64("frames", d.frames.Load()).Msg("Capture stopped")
			return nil
		case <-ticker.C:
			idx := d.advance()
			if err := d.RenderFrame(ctx, idx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
	}
}

func (d *Driver) advance() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	idx := d.next
	d.next++
	return idx
}

// Stats returns the driver counters.
func (d *Driver) Stats() DriverStats {
	d.mu.Lock()
	next := d.next
	d.mu.Unlock()
	return DriverStats{
		Frames:    d.frames.Load(),
		Submitted: d.submitted.Load(),
		Dropped:   d.dropped.Load(),
		Failed:    d.failed.Load(),
		NextFrame: next,
	}
}
