package overlay

import (
	"image"
	"image/color"
	"strings"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// TextFunc produces the text of a widget at render time.
type TextFunc func() string

// TextWidget displays one or more lines of text on the overlay
type TextWidget struct {
	*BaseWidget
	text      TextFunc
	textColor color.RGBA
	bgColor   *color.RGBA // Optional background color
	padding   int
}

// NewTextWidget creates a text widget showing fixed text.
func NewTextWidget(id string, x, y int, text string) *TextWidget {
	return NewDynamicTextWidget(id, x, y, func() string { return text })
}

// NewDynamicTextWidget creates a text widget whose text is produced on every
// render, e.g. live compositor stats.
func NewDynamicTextWidget(id string, x, y int, text TextFunc) *TextWidget {
	return &TextWidget{
		BaseWidget: NewBaseWidget(id, x, y, 1.0),
		text:       text,
		textColor:  color.RGBA{255, 255, 255, 255},
		padding:    5,
	}
}

// Type returns the widget type
func (w *TextWidget) Type() string {
	return "text"
}

// Render draws the text widget
func (w *TextWidget) Render(img *image.RGBA) error {
	if !w.IsEnabled() || w.text == nil {
		return nil
	}
	text := w.text()
	if text == "" {
		return nil
	}
	lines := strings.Split(text, "\n")

	face := basicfont.Face7x13
	lineHeight := face.Metrics().Height.Ceil()

	width := 0
	for _, line := range lines {
		if adv := font.MeasureString(face, line).Ceil(); adv > width {
			width = adv
		}
	}
	widgetWidth := width + w.padding*2
	widgetHeight := lineHeight*len(lines) + w.padding*2

	if w.bgColor != nil {
		DrawRectangle(img, w.x, w.y, widgetWidth, widgetHeight, *w.bgColor, w.opacity)
	}

	// Render into a transparent layer first so opacity applies once
	layer := image.NewRGBA(image.Rect(0, 0, widgetWidth, widgetHeight))
	d := &font.Drawer{
		Dst:  layer,
		Src:  image.NewUniform(w.textColor),
		Face: face,
	}
	ascent := face.Metrics().Ascent.Ceil()
	for i, line := range lines {
		d.Dot = fixed.P(w.padding, w.padding+ascent+i*lineHeight)
		d.DrawString(line)
	}

	BlendImage(img, layer, w.x, w.y, w.opacity)
	return nil
}

// SetText replaces the widget text with fixed text.
func (w *TextWidget) SetText(text string) {
	w.text = func() string { return text }
}

// GetText returns the text the widget would render now.
func (w *TextWidget) GetText() string {
	if w.text == nil {
		return ""
	}
	return w.text()
}

// SetColor sets the text color
func (w *TextWidget) SetColor(c color.RGBA) {
	w.textColor = c
}

// SetBackground sets the background color (nil for transparent)
func (w *TextWidget) SetBackground(c *color.RGBA) {
	w.bgColor = c
}

// SetPadding sets the space between the text and the widget edge.
func (w *TextWidget) SetPadding(padding int) {
	if padding < 0 {
		padding = 0
	}
	w.padding = padding
}
