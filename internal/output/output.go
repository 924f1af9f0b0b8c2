package output

import (
	"image"
)

// Output defines the interface for panorama frame consumers.
// This allows us to fan delivered frames out to different sinks:
// - MJPEG HTTP preview
// - library callbacks
// - encoders or recorders
type Output interface {
	// Start initializes the output mechanism
	Start() error

	// Stop cleanly shuts down the output
	Stop() error

	// WriteFrame sends a frame to the output. Frames arrive in index order.
	// The output must not keep frame after returning.
	WriteFrame(frameIndex uint64, frame *image.RGBA) error

	// Name returns a human-readable name for this output type
	Name() string

	// IsRunning returns true if the output is currently active
	IsRunning() bool
}

// Config holds common configuration for all output types
type Config struct {
	Width   int // 0 keeps the panorama width
	FPS     int // 0 forwards every frame
	Quality int // JPEG quality, 1-100
}
