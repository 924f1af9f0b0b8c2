package output

import (
	"fmt"
	"image"
	"sync/atomic"
)

// CallbackOutput hands frames to a function, for embedding the compositor
// in another program.
type CallbackOutput struct {
	name    string
	fn      func(frameIndex uint64, frame *image.RGBA) error
	running atomic.Bool
	frames  atomic.Uint64
}

// NewCallbackOutput wraps fn. fn runs on the delivery path and must not keep
// the frame after returning.
func NewCallbackOutput(name string, fn func(frameIndex uint64, frame *image.RGBA) error) *CallbackOutput {
	return &CallbackOutput{name: name, fn: fn}
}

// Start enables delivery.
func (c *CallbackOutput) Start() error {
	if c.fn == nil {
		return fmt.Errorf("callback output %s has no function", c.name)
	}
	c.running.Store(true)
	return nil
}

// Stop disables delivery.
func (c *CallbackOutput) Stop() error {
	c.running.Store(false)
	return nil
}

// WriteFrame calls the wrapped function.
func (c *CallbackOutput) WriteFrame(frameIndex uint64, frame *image.RGBA) error {
	if !c.running.Load() {
		return fmt.Errorf("callback output %s not running", c.name)
	}
	c.frames.Add(1)
	return c.fn(frameIndex, frame)
}

// Name returns the output name.
func (c *CallbackOutput) Name() string {
	return c.name
}

// IsRunning reports whether Start was called without a later Stop.
func (c *CallbackOutput) IsRunning() bool {
	return c.running.Load()
}

// Frames returns the number of frames written.
func (c *CallbackOutput) Frames() uint64 {
	return c.frames.Load()
}
