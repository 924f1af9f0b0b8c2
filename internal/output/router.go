package output

import (
	"fmt"
	"image"
	"sync"

	"github.com/bryanchriswhite/PanoStreamer/internal/dispatch"
	"github.com/bryanchriswhite/PanoStreamer/internal/logger"
)

// Router fans delivered panorama frames out to every running output. It is
// the compositor's dispatch.Consumer.
type Router struct {
	mu       sync.RWMutex
	outputs  []Output
	observer func(frameIndex uint64)
	recycle  func(*image.RGBA)
}

var _ dispatch.Consumer = (*Router)(nil)

// NewRouter creates a router with no outputs.
func NewRouter() *Router {
	return &Router{}
}

// Add registers an output. Outputs receive frames in registration order.
func (r *Router) Add(out Output) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, o := range r.outputs {
		if o == out {
			return fmt.Errorf("output %s already registered", out.Name())
		}
	}
	r.outputs = append(r.outputs, out)
	return nil
}

// Remove unregisters an output without stopping it.
func (r *Router) Remove(out Output) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, o := range r.outputs {
		if o == out {
			r.outputs = append(r.outputs[:i], r.outputs[i+1:]...)
			return
		}
	}
}

// Outputs returns the registered outputs.
func (r *Router) Outputs() []Output {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Output(nil), r.outputs...)
}

// OnDelivery sets a function called with each frame index after the outputs
// have seen the frame.
func (r *Router) OnDelivery(fn func(frameIndex uint64)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observer = fn
}

// SetRecycler sets where frame buffers go once every output is done.
func (r *Router) SetRecycler(fn func(*image.RGBA)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recycle = fn
}

// DeliverFrame writes frame to every running output.
func (r *Router) DeliverFrame(frameIndex uint64, frame *image.RGBA) {
	r.mu.RLock()
	outputs := append([]Output(nil), r.outputs...)
	observer, recycle := r.observer, r.recycle
	r.mu.RUnlock()

	log := logger.WithComponent("output-router")
	for _, out := range outputs {
		if !out.IsRunning() {
			continue
		}
		if err := out.WriteFrame(frameIndex, frame); err != nil {
			log.Warn().Err(err).Str("output", out.Name()).Uint64("frame", frameIndex).Msg("Failed to write frame")
		}
	}
	if observer != nil {
		observer(frameIndex)
	}
	if recycle != nil {
		recycle(frame)
	}
}

// StartAll starts every registered output that is not running.
func (r *Router) StartAll() error {
	for _, out := range r.Outputs() {
		if out.IsRunning() {
			continue
		}
		if err := out.Start(); err != nil {
			return fmt.Errorf("failed to start %s: %w", out.Name(), err)
		}
	}
	return nil
}

// StopAll stops every registered output, returning the first error.
func (r *Router) StopAll() error {
	var first error
	for _, out := range r.Outputs() {
		if err := out.Stop(); err != nil && first == nil {
			first = fmt.Errorf("failed to stop %s: %w", out.Name(), err)
		}
	}
	return first
}
