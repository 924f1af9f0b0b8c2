package compositor

import (
	"context"
	"errors"
	"image"
	"image/color"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/bryanchriswhite/PanoStreamer/internal/dispatch"
	"github.com/bryanchriswhite/PanoStreamer/internal/projection"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

type delivery struct {
	index uint64
	frame *image.RGBA
}

type collector struct {
	mu     sync.Mutex
	frames []delivery
}

func (c *collector) DeliverFrame(idx uint64, frame *image.RGBA) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, delivery{idx, frame})
}

func (c *collector) indices() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]uint64, len(c.frames))
	for i, d := range c.frames {
		out[i] = d.index
	}
	return out
}

func (c *collector) frame(idx uint64) *image.RGBA {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, d := range c.frames {
		if d.index == idx {
			return d.frame
		}
	}
	return nil
}

type incomplete struct {
	index   uint64
	missing []projection.ViewRole
	reason  error
}

type recordingReporter struct {
	mu         sync.Mutex
	incomplete []incomplete
	duplicates []uint64
	rejected   []error
	notify     chan struct{}
}

func (r *recordingReporter) ReportIncompleteFrame(idx uint64, missing []projection.ViewRole, reason error) {
	r.mu.Lock()
	r.incomplete = append(r.incomplete, incomplete{idx, missing, reason})
	r.mu.Unlock()
	if r.notify != nil {
		select {
		case r.notify <- struct{}{}:
		default:
		}
	}
}

func (r *recordingReporter) ReportDuplicateTile(idx uint64, _ projection.ViewRole) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.duplicates = append(r.duplicates, idx)
}

func (r *recordingReporter) ReportRejectedTile(_ uint64, _ projection.ViewRole, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rejected = append(r.rejected, err)
}

func (r *recordingReporter) incompletes() []incomplete {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]incomplete(nil), r.incomplete...)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testConfig() Config {
	return Config{
		Projection:   projection.Equirectangular,
		OutputWidth:  64,
		OutputHeight: 32,
		SourceWidth:  16,
		SourceHeight: 16,
		AlphaEnabled: true,
		FeatherCurve: projection.Linear,
		MaxFrameAge:  time.Second,
		MaxInFlight:  8,
	}
}

type harness struct {
	c     *Compositor
	out   *collector
	rep   *recordingReporter
	clock *fakeClock
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{out: &collector{}, rep: &recordingReporter{}, clock: newFakeClock()}
	c, err := New(cfg, h.out,
		WithReporter(h.rep),
		WithClock(h.clock.Now),
		WithLogger(zerolog.Nop()),
	)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	h.c = c
	return h
}

var roleColors = map[projection.ViewRole]color.RGBA{
	projection.FacePosX: {200, 0, 0, 255},
	projection.FaceNegX: {0, 200, 0, 255},
	projection.FacePosY: {0, 0, 200, 255},
	projection.FaceNegY: {200, 200, 0, 255},
	projection.FacePosZ: {0, 200, 200, 255},
	projection.FaceNegZ: {200, 0, 200, 255},
}

func (h *harness) tile(idx uint64, role projection.ViewRole, c color.RGBA) *SourceTile {
	tile := h.c.NewTile(idx, role)
	fill(tile.Image, c)
	return tile
}

func (h *harness) submit(t *testing.T, idx uint64, role projection.ViewRole) {
	t.Helper()
	if err := h.c.SubmitTile(h.tile(idx, role, roleColors[role])); err != nil {
		t.Fatalf("SubmitTile(%d, %s) failed: %v", idx, role, err)
	}
}

func (h *harness) submitFrame(t *testing.T, idx uint64) {
	t.Helper()
	for _, role := range h.c.Plan().Roles() {
		h.submit(t, idx, role)
	}
}

func fill(img *image.RGBA, c color.RGBA) {
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
}

func equalIndices(a, b []uint64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestSyntheticRoundTrip(t *testing.T) {
	for _, curve := range []projection.Curve{projection.Linear, projection.Cosine} {
		t.Run(curve.String(), func(t *testing.T) {
			cfg := testConfig()
			cfg.OutputWidth, cfg.OutputHeight = 256, 128
			cfg.SourceWidth, cfg.SourceHeight = 32, 32
			cfg.FaceOverlap = 0.05
			cfg.FeatherCurve = curve
			h := newHarness(t, cfg)

			gray := color.RGBA{101, 101, 101, 255}
			for _, role := range h.c.Plan().Roles() {
				if err := h.c.SubmitTile(h.tile(0, role, gray)); err != nil {
					t.Fatalf("SubmitTile failed: %v", err)
				}
			}

			frame := h.out.frame(0)
			if frame == nil {
				t.Fatal("Expected frame 0 to be delivered")
			}
			if got := frame.Bounds().Size(); got != image.Pt(256, 128) {
				t.Fatalf("Expected 256x128 frame, got %v", got)
			}
			// Seams split each pixel between faces; the blend of a uniform
			// sphere is still uniform.
			off := 0
			for y := 0; y < 128; y++ {
				for x := 0; x < 256; x++ {
					if p := frame.RGBAAt(x, y); p != gray {
						if off == 0 {
							t.Errorf("Pixel (%d,%d) = %v, expected %v", x, y, p, gray)
						}
						off++
					}
				}
			}
			if off > 0 {
				t.Errorf("Expected every pixel %v, %d differ", gray, off)
			}
		})
	}
}

func TestRoundTripFaceOrientation(t *testing.T) {
	h := newHarness(t, testConfig())
	h.submitFrame(t, 0)

	frame := h.out.frame(0)
	if frame == nil {
		t.Fatal("Expected frame 0 to be delivered")
	}
	tests := []struct {
		name string
		x, y int
		role projection.ViewRole
	}{
		{"center looks forward", 32, 16, projection.FacePosZ},
		{"quarter left", 16, 16, projection.FaceNegX},
		{"quarter right", 48, 16, projection.FacePosX},
		{"left edge looks back", 0, 16, projection.FaceNegZ},
		{"right edge looks back", 63, 16, projection.FaceNegZ},
		{"top row", 32, 0, projection.FacePosY},
		{"bottom row", 32, 31, projection.FaceNegY},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got, want := frame.RGBAAt(tt.x, tt.y), roleColors[tt.role]; got != want {
				t.Errorf("Expected %s color %v at (%d,%d), got %v", tt.role, want, tt.x, tt.y, got)
			}
		})
	}
}

func TestDuplicateRoleRejected(t *testing.T) {
	h := newHarness(t, testConfig())

	h.submit(t, 0, projection.FacePosZ)
	err := h.c.SubmitTile(h.tile(0, projection.FacePosZ, color.RGBA{255, 255, 255, 255}))
	if !errors.Is(err, ErrDuplicateTile) {
		t.Fatalf("Expected ErrDuplicateTile, got %v", err)
	}
	for _, role := range h.c.Plan().Roles() {
		if role != projection.FacePosZ {
			h.submit(t, 0, role)
		}
	}

	if got := h.out.indices(); !equalIndices(got, []uint64{0}) {
		t.Fatalf("Expected exactly one delivery of frame 0, got %v", got)
	}
	if got, want := h.out.frame(0).RGBAAt(32, 16), roleColors[projection.FacePosZ]; got != want {
		t.Errorf("Expected duplicate to leave %v, got %v", want, got)
	}
	if len(h.rep.duplicates) != 1 || h.rep.duplicates[0] != 0 {
		t.Errorf("Expected one duplicate report for frame 0, got %v", h.rep.duplicates)
	}

	// Every role of a delivered frame is late.
	if err := h.c.SubmitTile(h.tile(0, projection.FacePosX, color.RGBA{})); !errors.Is(err, ErrLateTile) {
		t.Errorf("Expected ErrLateTile after delivery, got %v", err)
	}
	if s := h.c.Stats(); s.Duplicates != 1 || s.Late != 1 || s.Delivered != 1 {
		t.Errorf("Unexpected stats: %+v", s)
	}
}

func TestOutOfOrderCompletion(t *testing.T) {
	h := newHarness(t, testConfig())

	h.submit(t, 0, projection.FacePosX)
	h.submitFrame(t, 1)
	h.submitFrame(t, 2)

	if got := h.out.indices(); len(got) != 0 {
		t.Fatalf("Expected frames 1 and 2 held behind frame 0, got %v", got)
	}
	if s := h.c.Stats(); s.Held != 2 || s.InFlight != 1 {
		t.Errorf("Expected 2 held and 1 in flight, got %+v", s)
	}

	for _, role := range h.c.Plan().Roles() {
		if role != projection.FacePosX {
			h.submit(t, 0, role)
		}
	}
	if got := h.out.indices(); !equalIndices(got, []uint64{0, 1, 2}) {
		t.Fatalf("Expected [0 1 2], got %v", got)
	}
}

// TestSlowConsumerDoesNotStallSubmissions holds the consumer inside the
// delivery of frame 0 while other frames complete and start.
func TestSlowConsumerDoesNotStallSubmissions(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var (
		mu   sync.Mutex
		seen []uint64
	)
	consumer := dispatch.ConsumerFunc(func(idx uint64, _ *image.RGBA) {
		if idx == 0 {
			close(entered)
			<-release
		}
		mu.Lock()
		seen = append(seen, idx)
		mu.Unlock()
	})
	c, err := New(testConfig(), consumer, WithLogger(zerolog.Nop()))
	if err != nil {
		t.Fatal(err)
	}
	submitFrame := func(idx uint64) error {
		for _, role := range c.Plan().Roles() {
			if err := c.SubmitTile(c.NewTile(idx, role)); err != nil {
				return err
			}
		}
		return nil
	}
	within := func(name string, fn func() error) {
		t.Helper()
		done := make(chan error, 1)
		go func() { done <- fn() }()
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("%s failed: %v", name, err)
			}
		case <-time.After(2 * time.Second):
			close(release)
			t.Fatalf("%s blocked behind the delivery of frame 0", name)
		}
	}

	delivering := make(chan error, 1)
	go func() { delivering <- submitFrame(0) }()
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("Timeout waiting for delivery of frame 0")
	}

	within("completing frame 1", func() error { return submitFrame(1) })
	within("first tile of frame 7", func() error {
		return c.SubmitTile(c.NewTile(7, projection.FacePosX))
	})

	s := c.Stats()
	if s.Queued != 1 || s.InFlight != 1 {
		t.Errorf("Expected frame 1 queued and frame 7 in flight, got %+v", s)
	}
	if !s.HasDelivered || s.LastDelivered != 0 || s.Delivered != 0 {
		t.Errorf("Expected frame 0 in delivery, got %+v", s)
	}

	close(release)
	if err := <-delivering; err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	defer mu.Unlock()
	if !equalIndices(seen, []uint64{0, 1}) {
		t.Errorf("Expected [0 1], got %v", seen)
	}
}

func TestSkippedFrameReportedOnce(t *testing.T) {
	h := newHarness(t, testConfig())

	h.submitFrame(t, 5)
	roles := h.c.Plan().Roles()
	for _, role := range roles {
		if err := h.c.SubmitTile(h.tile(4, role, color.RGBA{})); !errors.Is(err, ErrLateTile) {
			t.Fatalf("Expected ErrLateTile for frame 4, got %v", err)
		}
	}
	// Frame 5 itself was delivered, not skipped.
	if err := h.c.SubmitTile(h.tile(5, projection.FacePosX, color.RGBA{})); !errors.Is(err, ErrLateTile) {
		t.Fatalf("Expected ErrLateTile for frame 5, got %v", err)
	}

	if got := h.out.indices(); !equalIndices(got, []uint64{5}) {
		t.Errorf("Expected [5], got %v", got)
	}
	reports := h.rep.incompletes()
	if len(reports) != 1 || reports[0].index != 4 || !errors.Is(reports[0].reason, ErrLateTile) {
		t.Fatalf("Expected one incomplete report for frame 4, got %+v", reports)
	}
	if len(reports[0].missing) != len(roles) {
		t.Errorf("Expected every role missing, got %v", reports[0].missing)
	}
	s := h.c.Stats()
	if s.Skipped != 1 || s.Rejected != uint64(len(roles)+1) {
		t.Errorf("Expected 1 skipped frame and %d rejected tiles, got %+v", len(roles)+1, s)
	}
	if !s.HasFloor || s.Floor != 5 {
		t.Errorf("Expected floor 5, got %d (%v)", s.Floor, s.HasFloor)
	}
}

func TestIncompleteFrameTimeout(t *testing.T) {
	h := newHarness(t, testConfig())

	h.submit(t, 0, projection.FacePosX)
	h.submit(t, 0, projection.FaceNegX)
	h.clock.Advance(600 * time.Millisecond)
	h.submitFrame(t, 1)

	if got := h.c.Tick(); len(got) != 0 {
		t.Fatalf("Expected nothing abandoned before MaxFrameAge, got %v", got)
	}
	h.clock.Advance(500 * time.Millisecond)
	if got := h.c.Tick(); !equalIndices(got, []uint64{0}) {
		t.Fatalf("Expected frame 0 abandoned, got %v", got)
	}

	reports := h.rep.incompletes()
	if len(reports) != 1 {
		t.Fatalf("Expected one incomplete report, got %d", len(reports))
	}
	r := reports[0]
	if r.index != 0 || !errors.Is(r.reason, ErrIncompleteFrameTimeout) {
		t.Errorf("Expected timeout of frame 0, got %d: %v", r.index, r.reason)
	}
	if len(r.missing) != 4 {
		t.Errorf("Expected 4 missing roles, got %v", r.missing)
	}
	if got := h.out.indices(); !equalIndices(got, []uint64{1}) {
		t.Errorf("Expected frame 1 released after the timeout, got %v", got)
	}
	if err := h.c.SubmitTile(h.tile(0, projection.FacePosY, color.RGBA{})); !errors.Is(err, ErrLateTile) {
		t.Errorf("Expected ErrLateTile for abandoned frame, got %v", err)
	}
	if s := h.c.Stats(); s.TimedOut != 1 || s.Abandoned != 1 {
		t.Errorf("Unexpected stats: %+v", s)
	}
}

func TestTickDisabledWithoutMaxAge(t *testing.T) {
	cfg := testConfig()
	cfg.MaxFrameAge = 0
	h := newHarness(t, cfg)

	h.submit(t, 0, projection.FacePosX)
	h.clock.Advance(time.Hour)
	if got := h.c.Tick(); got != nil {
		t.Errorf("Expected no timeouts, got %v", got)
	}
}

func TestCapacityEvictsLowestFrame(t *testing.T) {
	cfg := testConfig()
	cfg.MaxInFlight = 2
	h := newHarness(t, cfg)

	h.submit(t, 0, projection.FacePosX)
	h.submit(t, 1, projection.FacePosX)
	h.submit(t, 2, projection.FacePosX)

	reports := h.rep.incompletes()
	if len(reports) != 1 || reports[0].index != 0 || !errors.Is(reports[0].reason, ErrCapacityExceeded) {
		t.Fatalf("Expected frame 0 evicted for capacity, got %+v", reports)
	}
	if s := h.c.Stats(); s.InFlight != 2 || s.Evicted != 1 {
		t.Errorf("Expected 2 frames in flight after eviction, got %+v", s)
	}
	if err := h.c.SubmitTile(h.tile(0, projection.FaceNegX, color.RGBA{})); !errors.Is(err, ErrLateTile) {
		t.Errorf("Expected ErrLateTile for evicted frame, got %v", err)
	}
}

func TestCapacityCountsHeldFrames(t *testing.T) {
	cfg := testConfig()
	cfg.MaxInFlight = 2
	h := newHarness(t, cfg)

	h.submit(t, 0, projection.FacePosX)
	h.submitFrame(t, 1)
	// Frame 0 is partial and frame 1 is held: starting frame 2 evicts 0,
	// which releases 1.
	h.submit(t, 2, projection.FacePosX)

	if got := h.out.indices(); !equalIndices(got, []uint64{1}) {
		t.Fatalf("Expected frame 1 delivered after eviction, got %v", got)
	}
}

func TestCapacityRefusesLowerFrame(t *testing.T) {
	cfg := testConfig()
	cfg.MaxInFlight = 2
	h := newHarness(t, cfg)

	h.submit(t, 5, projection.FacePosX)
	h.submit(t, 6, projection.FacePosX)

	err := h.c.SubmitTile(h.tile(4, projection.FacePosX, color.RGBA{}))
	if !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("Expected ErrCapacityExceeded, got %v", err)
	}
	reports := h.rep.incompletes()
	if len(reports) != 1 || reports[0].index != 4 {
		t.Fatalf("Expected frame 4 reported incomplete, got %+v", reports)
	}
	if s := h.c.Stats(); s.InFlight != 2 {
		t.Errorf("Expected frames 5 and 6 to stay in flight, got %d", s.InFlight)
	}
}

func TestRejectedTiles(t *testing.T) {
	cfg := testConfig()
	cfg.Projection = projection.Mono180
	h := newHarness(t, cfg)

	tests := []struct {
		name string
		tile *SourceTile
		want error
	}{
		{
			name: "back face in mono180",
			tile: h.tile(0, projection.FaceNegZ, color.RGBA{}),
			want: ErrUnknownViewRole,
		},
		{
			name: "role outside layout",
			tile: h.tile(0, projection.ViewRole(42), color.RGBA{}),
			want: ErrUnknownViewRole,
		},
		{
			name: "wrong resolution",
			tile: &SourceTile{Role: projection.FacePosZ, Image: image.NewRGBA(image.Rect(0, 0, 8, 16))},
			want: ErrConfigurationMismatch,
		},
		{
			name: "short buffer",
			tile: &SourceTile{Role: projection.FacePosZ, Image: &image.RGBA{
				Pix: make([]byte, 16), Stride: 64, Rect: image.Rect(0, 0, 16, 16),
			}},
			want: ErrConfigurationMismatch,
		},
		{
			name: "missing buffer",
			tile: &SourceTile{Role: projection.FacePosZ},
			want: ErrConfigurationMismatch,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := h.c.SubmitTile(tt.tile); !errors.Is(err, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, err)
			}
			if tt.tile.Image != nil {
				t.Error("Expected tile buffer to be taken")
			}
		})
	}

	if s := h.c.Stats(); s.Rejected != uint64(len(tests)) || s.InFlight != 0 {
		t.Errorf("Expected %d rejections and no frames, got %+v", len(tests), s)
	}
	if len(h.rep.rejected) != len(tests) {
		t.Errorf("Expected %d rejection reports, got %d", len(tests), len(h.rep.rejected))
	}
}

func TestMono180CompletesWithoutBackFace(t *testing.T) {
	cfg := testConfig()
	cfg.Projection = projection.Mono180
	cfg.OutputWidth, cfg.OutputHeight = 32, 32
	h := newHarness(t, cfg)

	h.submitFrame(t, 0)
	frame := h.out.frame(0)
	if frame == nil {
		t.Fatal("Expected frame 0 after five roles")
	}
	if got := frame.RGBAAt(0, 0); got != (color.RGBA{}) {
		t.Errorf("Expected corner outside the hemisphere to stay transparent, got %v", got)
	}
	if got, want := frame.RGBAAt(16, 16), roleColors[projection.FacePosZ]; got != want {
		t.Errorf("Expected center %v, got %v", want, got)
	}
}

func TestAlphaDisabledFramesAreOpaque(t *testing.T) {
	cfg := testConfig()
	cfg.Projection = projection.Mono180
	cfg.AlphaEnabled = false
	cfg.OutputWidth, cfg.OutputHeight = 32, 32
	h := newHarness(t, cfg)

	for _, role := range h.c.Plan().Roles() {
		tile := h.tile(0, role, color.RGBA{64, 0, 0, 128})
		tile.HasAlpha = true
		if err := h.c.SubmitTile(tile); err != nil {
			t.Fatal(err)
		}
	}
	frame := h.out.frame(0)
	if got := frame.RGBAAt(0, 0); got != (color.RGBA{0, 0, 0, 255}) {
		t.Errorf("Expected opaque black outside the hemisphere, got %v", got)
	}
	if got := frame.RGBAAt(16, 16); got != (color.RGBA{64, 0, 0, 255}) {
		t.Errorf("Expected {64 0 0 255} at center, got %v", got)
	}
}

func TestConcurrentSubmissionMatchesSequential(t *testing.T) {
	cfg := testConfig()
	cfg.FaceOverlap = 0.2
	cfg.FeatherCurve = projection.Cosine
	const frames = 12
	cfg.MaxInFlight = frames

	seq := newHarness(t, cfg)
	for idx := uint64(0); idx < frames; idx++ {
		seq.submitFrame(t, idx)
	}

	conc := newHarness(t, cfg)
	roles := conc.c.Plan().Roles()
	type job struct {
		idx  uint64
		role projection.ViewRole
	}
	var jobs []job
	for idx := uint64(0); idx < frames; idx++ {
		for _, role := range roles {
			jobs = append(jobs, job{idx, role})
		}
	}
	rand.New(rand.NewSource(7)).Shuffle(len(jobs), func(i, j int) { jobs[i], jobs[j] = jobs[j], jobs[i] })

	var g errgroup.Group
	for _, j := range jobs {
		j := j // per-iteration copy (go.mod targets go 1.21)
		g.Go(func() error {
			return conc.c.SubmitTile(conc.tile(j.idx, j.role, roleColors[j.role]))
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("Concurrent submission failed: %v", err)
	}

	want := make([]uint64, frames)
	for i := range want {
		want[i] = uint64(i)
	}
	if got := conc.out.indices(); !equalIndices(got, want) {
		t.Fatalf("Expected in-order delivery %v, got %v", want, got)
	}
	for idx := uint64(0); idx < frames; idx++ {
		a, b := seq.out.frame(idx), conc.out.frame(idx)
		for i := range a.Pix {
			if a.Pix[i] != b.Pix[i] {
				t.Fatalf("Frame %d differs at byte %d: sequential %d, concurrent %d", idx, i, a.Pix[i], b.Pix[i])
			}
		}
	}
}

func TestReconfigureAbandonsInFlight(t *testing.T) {
	h := newHarness(t, testConfig())

	h.submitFrame(t, 0)
	h.submit(t, 1, projection.FacePosX)

	cfg := testConfig()
	cfg.OutputWidth, cfg.OutputHeight = 128, 64
	cfg.SourceWidth, cfg.SourceHeight = 32, 32
	if err := h.c.Reconfigure(cfg); err != nil {
		t.Fatalf("Reconfigure failed: %v", err)
	}

	reports := h.rep.incompletes()
	if len(reports) != 1 || reports[0].index != 1 || !errors.Is(reports[0].reason, ErrAbandoned) {
		t.Fatalf("Expected frame 1 abandoned, got %+v", reports)
	}
	if err := h.c.SubmitTile(h.tile(1, projection.FaceNegX, color.RGBA{})); !errors.Is(err, ErrLateTile) {
		t.Errorf("Expected ErrLateTile for frame 1, got %v", err)
	}
	stale := &SourceTile{FrameIndex: 2, Role: projection.FacePosX, Image: image.NewRGBA(image.Rect(0, 0, 16, 16))}
	if err := h.c.SubmitTile(stale); !errors.Is(err, ErrConfigurationMismatch) {
		t.Errorf("Expected ErrConfigurationMismatch for old-size tile, got %v", err)
	}

	h.submitFrame(t, 2)
	if got := h.out.indices(); !equalIndices(got, []uint64{0, 2}) {
		t.Fatalf("Expected [0 2], got %v", got)
	}
	if got := h.out.frame(2).Bounds().Size(); got != image.Pt(128, 64) {
		t.Errorf("Expected 128x64 frame after reconfigure, got %v", got)
	}
	if err := h.c.Reconfigure(Config{}); err == nil {
		t.Error("Expected invalid config to be refused")
	}
}

func TestAbandonAllAndClose(t *testing.T) {
	h := newHarness(t, testConfig())

	h.submit(t, 3, projection.FacePosX)
	h.submit(t, 4, projection.FacePosX)
	if got := h.c.AbandonAll(); !equalIndices(got, []uint64{3, 4}) {
		t.Fatalf("Expected [3 4] abandoned, got %v", got)
	}
	h.submitFrame(t, 5)
	if got := h.out.indices(); !equalIndices(got, []uint64{5}) {
		t.Fatalf("Expected frame 5 delivered, got %v", got)
	}

	h.submit(t, 6, projection.FacePosX)
	h.c.Close()
	if err := h.c.SubmitTile(h.tile(7, projection.FacePosX, color.RGBA{})); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
	if len(h.rep.incompletes()) != 3 {
		t.Errorf("Expected 3 incomplete reports, got %d", len(h.rep.incompletes()))
	}
}

func TestRunAbandonsStaleFrames(t *testing.T) {
	cfg := testConfig()
	cfg.TickInterval = time.Millisecond
	h := newHarness(t, cfg)
	h.rep.notify = make(chan struct{}, 1)

	h.submit(t, 0, projection.FacePosX)
	h.clock.Advance(2 * time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.c.Run(ctx) }()

	select {
	case <-h.rep.notify:
	case <-time.After(2 * time.Second):
		t.Fatal("Timeout waiting for Run to abandon frame 0")
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Expected Run to return nil, got %v", err)
	}
}

func TestRecycleReusesFrames(t *testing.T) {
	h := newHarness(t, testConfig())
	h.submitFrame(t, 0)

	h.c.Recycle(h.out.frame(0))
	h.c.Recycle(image.NewRGBA(image.Rect(0, 0, 3, 3)))
	h.submitFrame(t, 1)

	if s := h.c.Stats(); s.FrameAllocs > 2 {
		t.Errorf("Expected at most 2 frame allocations, got %d", s.FrameAllocs)
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero output", func(c *Config) { c.OutputWidth = 0 }},
		{"zero source", func(c *Config) { c.SourceHeight = 0 }},
		{"negative age", func(c *Config) { c.MaxFrameAge = -time.Second }},
		{"no in-flight frames", func(c *Config) { c.MaxInFlight = 0 }},
		{"overlap too wide", func(c *Config) { c.FaceOverlap = 2 }},
		{"fov too wide", func(c *Config) { c.FOV = 270 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg)
			if _, err := New(cfg, &collector{}, WithLogger(zerolog.Nop())); err == nil {
				t.Error("Expected New to fail")
			}
		})
	}
	if _, err := New(testConfig(), nil); err == nil {
		t.Error("Expected New to refuse a nil consumer")
	}
}

func TestSessionIsStable(t *testing.T) {
	h := newHarness(t, testConfig())
	if h.c.Session() == "" || h.c.Session() != h.c.Stats().Session {
		t.Errorf("Expected a stable session ID, got %q", h.c.Session())
	}
}
