// Package preview measures overlay text and renders still previews of a
// frame with its overlay drawn in.
package preview

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"sync"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"

	"github.com/maauso/overlay-api/internal/geometry"
)

// DefaultFontSize matches the size the render backend burns text with.
const DefaultFontSize = 70

// ErrNilImage is returned when there is nothing to render.
var ErrNilImage = errors.New("preview: image is nil")

// Renderer draws overlay text with a fixed font face. It is safe for
// concurrent use.
type Renderer struct {
	size float64

	mu   sync.Mutex // font.Face is not safe for concurrent use
	face font.Face
}

// NewRenderer parses the embedded Go Regular font at the given size in pixels.
func NewRenderer(size float64) (*Renderer, error) {
	if size <= 0 {
		size = DefaultFontSize
	}

	f, err := opentype.Parse(goregular.TTF)
	if err != nil {
		return nil, fmt.Errorf("preview: parse font: %w", err)
	}
	face, err := opentype.NewFace(f, &opentype.FaceOptions{
		Size:    size,
		DPI:     72,
		Hinting: font.HintingFull,
	})
	if err != nil {
		return nil, fmt.Errorf("preview: create face: %w", err)
	}

	return &Renderer{size: size, face: face}, nil
}

// FontSize returns the configured size in pixels.
func (r *Renderer) FontSize() float64 {
	return r.size
}

// Measure returns the extent of text in image pixels. Empty text has a zero
// extent.
func (r *Renderer) Measure(text string) geometry.Size {
	if text == "" {
		return geometry.Size{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	adv := font.MeasureString(r.face, text)
	m := r.face.Metrics()
	return geometry.Size{
		Width:  float64(adv.Ceil()),
		Height: float64((m.Ascent + m.Descent).Ceil()),
	}
}

// Render copies frame and draws text with its top-left corner at pos.
func (r *Renderer) Render(frame image.Image, text string, pos geometry.Point, c color.Color) (*image.RGBA, error) {
	if frame == nil {
		return nil, ErrNilImage
	}

	b := frame.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), frame, b.Min, draw.Src)

	if text == "" {
		return dst, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	ascent := r.face.Metrics().Ascent
	d := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(c),
		Face: r.face,
		Dot: fixed.Point26_6{
			X: fixed.I(int(math.Round(pos.X))),
			Y: fixed.I(int(math.Round(pos.Y))) + ascent,
		},
	}
	d.DrawString(text)

	return dst, nil
}

// Thumbnail scales img down to at most maxWidth pixels wide, keeping the
// aspect ratio. Images already narrow enough are returned unchanged.
func Thumbnail(img image.Image, maxWidth int) image.Image {
	b := img.Bounds()
	if maxWidth <= 0 || b.Dx() <= maxWidth {
		return img
	}

	h := int(math.Round(float64(b.Dy()) * float64(maxWidth) / float64(b.Dx())))
	if h < 1 {
		h = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, maxWidth, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}

// EncodePNG encodes img as PNG.
func EncodePNG(img image.Image) ([]byte, error) {
	if img == nil {
		return nil, ErrNilImage
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("preview: encode png: %w", err)
	}
	return buf.Bytes(), nil
}
