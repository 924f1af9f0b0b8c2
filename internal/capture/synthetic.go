package capture

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"strings"
	"sync/atomic"

	"github.com/bryanchriswhite/PanoStreamer/internal/projection"
)

// Pattern selects what SyntheticSource paints.
type Pattern int

const (
	// PatternSky colors each pixel by its view direction, so correctly
	// stitched tiles form a seamless panorama.
	PatternSky Pattern = iota
	// PatternFaces paints each view in a flat per-role color, which makes
	// seams and face placement obvious.
	PatternFaces
)

// String returns the pattern name.
func (p Pattern) String() string {
	switch p {
	case PatternSky:
		return "sky"
	case PatternFaces:
		return "faces"
	default:
		return fmt.Sprintf("pattern-%d", int(p))
	}
}

// ParsePattern parses a pattern name.
func ParsePattern(s string) (Pattern, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "sky":
		return PatternSky, nil
	case "faces":
		return PatternFaces, nil
	default:
		return 0, fmt.Errorf("unknown synthetic pattern: %q", s)
	}
}

var faceColors = []color.RGBA{
	projection.FacePosX: {220, 60, 60, 255},
	projection.FaceNegX: {60, 200, 200, 255},
	projection.FacePosY: {70, 110, 230, 255},
	projection.FaceNegY: {200, 170, 60, 255},
	projection.FacePosZ: {80, 200, 90, 255},
	projection.FaceNegZ: {190, 80, 200, 255},
}

// SyntheticSource renders test views without a real renderer. A bright band
// sweeps across latitude as the frame index advances, so motion and frame
// order are visible in the output.
type SyntheticSource struct {
	pattern  Pattern
	period   uint64 // frames per full band sweep
	rendered atomic.Uint64
}

// NewSyntheticSource creates a source painting pattern.
func NewSyntheticSource(pattern Pattern) *SyntheticSource {
	return &SyntheticSource{pattern: pattern, period: 120}
}

// Start is a no-op.
func (s *SyntheticSource) Start() error { return nil }

// Stop is a no-op.
func (s *SyntheticSource) Stop() error { return nil }

// Name returns the source name.
func (s *SyntheticSource) Name() string {
	return "synthetic-" + s.pattern.String()
}

// Rendered returns the number of tiles painted.
func (s *SyntheticSource) Rendered() uint64 {
	return s.rendered.Load()
}

// RenderTile paints the view of cam.
func (s *SyntheticSource) RenderTile(frameIndex uint64, cam projection.Camera, overlap float64, dst *image.RGBA) (bool, error) {
	b := dst.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= 0 || h <= 0 {
		return false, fmt.Errorf("empty tile for role %s", cam.Role)
	}

	base := color.RGBA{128, 128, 128, 255}
	if s.pattern == PatternFaces && int(cam.Role) >= 0 && int(cam.Role) < len(faceColors) {
		base = faceColors[cam.Role]
	}
	band := math.Pi/2 - math.Pi*float64(frameIndex%s.period)/float64(s.period)

	for y := 0; y < h; y++ {
		row := dst.Pix[y*dst.Stride : y*dst.Stride+4*w]
		for x := 0; x < w; x++ {
			d := cam.PixelDirection(x, y, w, h, overlap)
			lat, _ := projection.LatLongFromDirection(d)

			c := base
			if s.pattern == PatternSky {
				c = color.RGBA{
					R: uint8(127.5 + 127.5*d[0]),
					G: uint8(127.5 + 127.5*d[1]),
					B: uint8(127.5 + 127.5*d[2]),
					A: 255,
				}
			}
			if math.Abs(lat-band) < 0.05 {
				c = color.RGBA{255, 255, 255, 255}
			}
			row[4*x], row[4*x+1], row[4*x+2], row[4*x+3] = c.R, c.G, c.B, c.A
		}
	}
	s.rendered.Add(1)
	return false, nil
}
