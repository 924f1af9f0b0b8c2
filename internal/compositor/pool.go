package compositor

import (
	"image"
	"sync"
	"sync/atomic"

	"github.com/bryanchriswhite/PanoStreamer/internal/blend"
)

// bufferPool recycles RGBA buffers of a single size. Buffers of any other
// size are refused by Put, so a pool from a previous configuration never
// leaks into the current one.
type bufferPool struct {
	w, h   int
	pool   sync.Pool
	allocs atomic.Uint64
}

func newBufferPool(w, h int) *bufferPool {
	p := &bufferPool{w: w, h: h}
	p.pool.New = func() any {
		p.allocs.Add(1)
		return image.NewRGBA(image.Rect(0, 0, w, h))
	}
	return p
}

// Get returns a buffer of the pool's size. Its contents are undefined.
func (p *bufferPool) Get() *image.RGBA {
	return p.pool.Get().(*image.RGBA)
}

// Put returns img to the pool. It reports whether the buffer was accepted.
func (p *bufferPool) Put(img *image.RGBA) bool {
	if !p.fits(img) {
		return false
	}
	p.pool.Put(img)
	return true
}

func (p *bufferPool) fits(img *image.RGBA) bool {
	if img == nil {
		return false
	}
	b := img.Bounds()
	return b.Min == image.Point{} &&
		b.Dx() == p.w && b.Dy() == p.h &&
		img.Stride == 4*p.w && len(img.Pix) == 4*p.w*p.h
}

// accumulatorPool recycles blend accumulators of a single size.
type accumulatorPool struct {
	w, h   int
	pool   sync.Pool
	allocs atomic.Uint64
}

func newAccumulatorPool(w, h int) *accumulatorPool {
	p := &accumulatorPool{w: w, h: h}
	p.pool.New = func() any {
		p.allocs.Add(1)
		return blend.NewAccumulator(w, h)
	}
	return p
}

// Get returns an accumulator of the pool's size. Its sums are undefined.
func (p *accumulatorPool) Get() *blend.Accumulator {
	return p.pool.Get().(*blend.Accumulator)
}

// Put returns acc to the pool unless it has another size.
func (p *accumulatorPool) Put(acc *blend.Accumulator) {
	if acc == nil || acc.Width != p.w || acc.Height != p.h {
		return
	}
	p.pool.Put(acc)
}
