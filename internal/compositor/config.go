package compositor

import (
	"fmt"
	"time"

	"github.com/bryanchriswhite/PanoStreamer/internal/projection"
)

// Config is the configuration-time input of a Compositor.
type Config struct {
	Projection projection.Mode

	OutputWidth  int
	OutputHeight int
	SourceWidth  int
	SourceHeight int

	// AlphaEnabled keeps an alpha channel in output frames. When false,
	// frames are opaque and tile alpha only weights color.
	AlphaEnabled bool

	// Roles overrides the projection's default view roles.
	Roles []projection.ViewRole

	FaceOverlap  float64
	FeatherCurve projection.Curve
	FOV          float64 // Mono180 field of view in degrees, 0 means 180

	// MaxFrameAge is how long a frame may wait for its remaining roles.
	// Zero disables timeouts.
	MaxFrameAge time.Duration

	// MaxInFlight bounds frames being assembled plus completed frames
	// waiting for a lower index.
	MaxInFlight int

	// TickInterval is the period of Run. Zero means MaxFrameAge/4.
	TickInterval time.Duration
}

// DefaultConfig returns a 2:1 equirectangular configuration fed by six
// 512x512 cube faces.
func DefaultConfig() Config {
	return Config{
		Projection:   projection.Equirectangular,
		OutputWidth:  2048,
		OutputHeight: 1024,
		SourceWidth:  512,
		SourceHeight: 512,
		FaceOverlap:  0.05,
		FeatherCurve: projection.Linear,
		MaxFrameAge:  500 * time.Millisecond,
		MaxInFlight:  8,
		TickInterval: 50 * time.Millisecond,
	}
}

// Validate checks c for values a compositor cannot run with.
func (c Config) Validate() error {
	if err := c.Spec().Validate(); err != nil {
		return err
	}
	if c.MaxFrameAge < 0 {
		return fmt.Errorf("max frame age must not be negative, got %v", c.MaxFrameAge)
	}
	if c.MaxInFlight < 1 {
		return fmt.Errorf("max in-flight frames must be at least 1, got %d", c.MaxInFlight)
	}
	if c.TickInterval < 0 {
		return fmt.Errorf("tick interval must not be negative, got %v", c.TickInterval)
	}
	return nil
}

// Spec returns the projection spec the compositor builds its plan from.
func (c Config) Spec() projection.Spec {
	return projection.Spec{
		Mode:         c.Projection,
		Width:        c.OutputWidth,
		Height:       c.OutputHeight,
		SourceWidth:  c.SourceWidth,
		SourceHeight: c.SourceHeight,
		Roles:        c.Roles,
		FaceOverlap:  c.FaceOverlap,
		Curve:        c.FeatherCurve,
		FOV:          c.FOV,
	}
}

// tickInterval returns the effective period of Run.
func (c Config) tickInterval() time.Duration {
	if c.TickInterval > 0 {
		return c.TickInterval
	}
	if d := c.MaxFrameAge / 4; d > 0 {
		return d
	}
	return 100 * time.Millisecond
}
