package overlay

import (
	"image"
	"image/color"

	"github.com/bryanchriswhite/PanoStreamer/internal/blend"
	"golang.org/x/image/draw"
)

// Widget represents a renderable overlay widget
type Widget interface {
	// ID returns the unique identifier for this widget instance
	ID() string

	// Type returns the widget type name
	Type() string

	// Render draws the widget onto the provided image at the configured position
	Render(img *image.RGBA) error

	// IsEnabled returns whether the widget should be rendered
	IsEnabled() bool

	// SetEnabled sets whether the widget should be rendered
	SetEnabled(enabled bool)
}

// BaseWidget provides common functionality for all widgets
type BaseWidget struct {
	id      string
	enabled bool
	x       int
	y       int
	opacity float64 // 0.0 to 1.0
}

// NewBaseWidget creates a new base widget
func NewBaseWidget(id string, x, y int, opacity float64) *BaseWidget {
	w := &BaseWidget{id: id, enabled: true, x: x, y: y}
	w.SetOpacity(opacity)
	return w
}

// ID returns the widget's unique identifier
func (w *BaseWidget) ID() string {
	return w.id
}

// IsEnabled returns whether the widget should be rendered
func (w *BaseWidget) IsEnabled() bool {
	return w.enabled
}

// SetEnabled sets whether the widget should be rendered
func (w *BaseWidget) SetEnabled(enabled bool) {
	w.enabled = enabled
}

// GetPosition returns the widget's position
func (w *BaseWidget) GetPosition() (int, int) {
	return w.x, w.y
}

// SetPosition sets the widget's position
func (w *BaseWidget) SetPosition(x, y int) {
	w.x = x
	w.y = y
}

// GetOpacity returns the widget's opacity
func (w *BaseWidget) GetOpacity() float64 {
	return w.opacity
}

// SetOpacity sets the widget's opacity (0.0 to 1.0)
func (w *BaseWidget) SetOpacity(opacity float64) {
	if opacity < 0.0 {
		opacity = 0.0
	}
	if opacity > 1.0 {
		opacity = 1.0
	}
	w.opacity = opacity
}

// BlendImage blends src onto dst with its top-left corner at (x, y). Each
// destination pixel moves towards the source pixel by the source coverage
// times opacity. Both images are alpha-premultiplied.
func BlendImage(dst, src *image.RGBA, x, y int, opacity float64) {
	sb := src.Bounds()
	target := image.Rect(x, y, x+sb.Dx(), y+sb.Dy()).Intersect(dst.Bounds())
	if target.Empty() || opacity <= 0 {
		return
	}

	for dy := target.Min.Y; dy < target.Max.Y; dy++ {
		for dx := target.Min.X; dx < target.Max.X; dx++ {
			so := src.PixOffset(sb.Min.X+dx-x, sb.Min.Y+dy-y)
			sp := [4]uint8(src.Pix[so : so+4])
			if sp[3] == 0 {
				continue
			}

			w := float64(sp[3]) / 0xff * opacity
			// Lerp towards the straight color at full coverage.
			full := [4]uint8{unpremul(sp[0], sp[3]), unpremul(sp[1], sp[3]), unpremul(sp[2], sp[3]), 0xff}

			do := dst.PixOffset(dx, dy)
			out := blend.Lerp([4]uint8(dst.Pix[do:do+4]), full, w)
			copy(dst.Pix[do:do+4], out[:])
		}
	}
}

func unpremul(c, a uint8) uint8 {
	v := (uint32(c)*0xff + uint32(a)/2) / uint32(a)
	if v > 0xff {
		return 0xff
	}
	return uint8(v)
}

// DrawRectangle draws a filled rectangle with the specified color and opacity
func DrawRectangle(dst *image.RGBA, x, y, width, height int, c color.RGBA, opacity float64) {
	if width <= 0 || height <= 0 {
		return
	}
	tmp := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(tmp, tmp.Bounds(), image.NewUniform(c), image.Point{}, draw.Src)
	BlendImage(dst, tmp, x, y, opacity)
}
