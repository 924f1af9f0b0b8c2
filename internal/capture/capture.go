// Package capture produces per-view source tiles and feeds them to the
// compositor.
package capture

import (
	"image"

	"github.com/bryanchriswhite/PanoStreamer/internal/compositor"
	"github.com/bryanchriswhite/PanoStreamer/internal/projection"
)

// Source defines the interface for tile rendering backends
type Source interface {
	// Start initializes the source and any required resources
	Start() error

	// Stop releases resources
	Stop() error

	// RenderTile paints the view of cam at frameIndex into dst. overlap is
	// the face overlap the tile is rendered with. It reports whether dst
	// carries meaningful alpha. RenderTile may be called concurrently for
	// different roles.
	RenderTile(frameIndex uint64, cam projection.Camera, overlap float64, dst *image.RGBA) (hasAlpha bool, err error)

	// Name returns a human-readable name for this source
	Name() string
}

// Sink accepts rendered tiles. *compositor.Compositor implements it.
type Sink interface {
	NewTile(frameIndex uint64, role projection.ViewRole) *compositor.SourceTile
	SubmitTile(tile *compositor.SourceTile) error
	Plan() *projection.Plan
}

var _ Sink = (*compositor.Compositor)(nil)
