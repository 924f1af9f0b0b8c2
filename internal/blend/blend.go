// Package blend merges projected source tiles into a panorama.
//
// Tiles accumulate into an Accumulator holding per-channel sums of
// alpha-premultiplied values in 8.8 fixed point. Each contribution adds
// sample*weight with saturation, so over the zeroed accumulator a pixel is
// target*(1-w) + source*w for its first contributor and the result does not
// depend on the order tiles arrive in. Resolve rounds the sums to an
// image.RGBA once, when every tile is in.
package blend

import (
	"image"

	"github.com/bryanchriswhite/PanoStreamer/internal/projection"
)

const (
	fracBits = 8
	one      = 1 << fracBits
	half     = one / 2
)

// Accumulator holds the running sums of one panorama frame.
type Accumulator struct {
	Width, Height int
	// Sum has four channels per pixel, rows packed without padding.
	Sum []uint16
}

// NewAccumulator returns a zeroed accumulator for a w x h panorama.
func NewAccumulator(w, h int) *Accumulator {
	return &Accumulator{Width: w, Height: h, Sum: make([]uint16, 4*w*h)}
}

// Reset zeroes every sum.
func (a *Accumulator) Reset() {
	clear(a.Sum)
}

// Merge accumulates src into acc along the given contributions.
//
// Source coordinates are relative to the bounds' minimum point of src.
// When srcHasAlpha is false the source is treated as opaque. When
// alphaEnabled is false the alpha sums are left untouched. Merge does not
// allocate.
func Merge(acc *Accumulator, src *image.RGBA, srcHasAlpha, alphaEnabled bool, contribs []projection.Contribution) {
	sPix, sStride := src.Pix, src.Stride
	sum, aStride := acc.Sum, 4*acc.Width

	for i := range contribs {
		c := &contribs[i]

		// Pix[0] is the bounds' minimum point, so relative coordinates
		// index the buffer directly.
		r0 := int(c.Y0) * sStride
		r1 := int(c.Y1) * sStride
		o00 := r0 + int(c.X0)*4
		o10 := r0 + int(c.X1)*4
		o01 := r1 + int(c.X0)*4
		o11 := r1 + int(c.X1)*4

		fx, fy := c.Fx, c.Fy
		w := c.Weight * one
		w00 := (1 - fx) * (1 - fy) * w
		w10 := fx * (1 - fy) * w
		w01 := (1 - fx) * fy * w
		w11 := fx * fy * w

		d := int(c.DstY)*aStride + int(c.DstX)*4
		px := sum[d : d+4 : d+4]

		for ch := 0; ch < 3; ch++ {
			v := w00*float32(sPix[o00+ch]) + w10*float32(sPix[o10+ch]) +
				w01*float32(sPix[o01+ch]) + w11*float32(sPix[o11+ch])
			px[ch] = addSat(px[ch], v)
		}
		if !alphaEnabled {
			continue
		}
		a := 0xff * w
		if srcHasAlpha {
			a = w00*float32(sPix[o00+3]) + w10*float32(sPix[o10+3]) +
				w01*float32(sPix[o01+3]) + w11*float32(sPix[o11+3])
		}
		px[3] = addSat(px[3], a)
	}
}

// addSat adds round(v) fixed-point units to a sum, saturating.
func addSat(dst uint16, v float32) uint16 {
	if v <= 0 {
		return dst
	}
	s := uint32(dst) + uint32(v+0.5)
	if s > 0xffff {
		return 0xffff
	}
	return uint16(s)
}

// Resolve rounds acc into dst, which must have the accumulator's size.
// With alphaEnabled false every pixel is opaque; uncovered pixels are
// transparent or opaque black.
func Resolve(dst *image.RGBA, acc *Accumulator, alphaEnabled bool) {
	b := dst.Bounds()
	w := 4 * acc.Width
	for y := 0; y < acc.Height; y++ {
		row := dst.Pix[dst.PixOffset(b.Min.X, b.Min.Y+y):][:w]
		src := acc.Sum[y*w : (y+1)*w]
		for i := 0; i < w; i += 4 {
			row[i] = round(src[i])
			row[i+1] = round(src[i+1])
			row[i+2] = round(src[i+2])
			if alphaEnabled {
				row[i+3] = round(src[i+3])
			} else {
				row[i+3] = 0xff
			}
		}
	}
}

func round(s uint16) uint8 {
	v := (uint32(s) + half) >> fracBits
	if v > 0xff {
		return 0xff
	}
	return uint8(v)
}

// Lerp blends a single premultiplied pixel towards src by w:
// dst*(1-w) + src*w per channel.
func Lerp(dst, src [4]uint8, w float64) [4]uint8 {
	if w <= 0 {
		return dst
	}
	if w >= 1 {
		return src
	}
	var out [4]uint8
	for i := range out {
		v := float64(dst[i])*(1-w) + float64(src[i])*w
		out[i] = uint8(v + 0.5)
	}
	return out
}
