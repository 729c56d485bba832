// Package contrast picks a legible overlay text color for a still frame.
// The choice is based on the average luminance of the whole image.
package contrast

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"

	// Decoders for the formats the backend or the media library may hand us.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// TextColor is the foreground color chosen for overlay text.
type TextColor string

const (
	// Black is used on light backgrounds.
	Black TextColor = "black"
	// White is used on dark backgrounds.
	White TextColor = "white"
)

// DefaultColor is the color a session starts with before any frame is analyzed.
const DefaultColor = Black

// BrightnessThreshold is the luma above which a background counts as light.
const BrightnessThreshold = 125

// ErrEmptyImage is returned when there is no image data to decode.
var ErrEmptyImage = errors.New("contrast: empty image data")

// RGBA returns the opaque color used when drawing text in this color.
func (c TextColor) RGBA() color.RGBA {
	if c == White {
		return color.RGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff}
	}
	return color.RGBA{A: 0xff}
}

// DecodeError is returned when frame bytes cannot be decoded into an image.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("contrast: decode image: %v", e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Image is a decoded frame together with its natural dimensions.
type Image struct {
	Image  image.Image
	Format string
	Width  int
	Height int
}

// Decode decodes raw image bytes. Any failure is reported as *DecodeError.
func Decode(data []byte) (Image, error) {
	if len(data) == 0 {
		return Image{}, &DecodeError{Err: ErrEmptyImage}
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return Image{}, &DecodeError{Err: err}
	}

	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return Image{}, &DecodeError{Err: fmt.Errorf("invalid dimensions %dx%d", b.Dx(), b.Dy())}
	}

	return Image{
		Image:  img,
		Format: format,
		Width:  b.Dx(),
		Height: b.Dy(),
	}, nil
}

// Brightness returns the perceived brightness (0-255) of the image average.
//
// Channel means are floored to whole 8-bit values before weighting, so a
// uniform image of gray 125 yields exactly 125.
func Brightness(img image.Image) float64 {
	b := img.Bounds()
	n := uint64(b.Dx()) * uint64(b.Dy())
	if n == 0 {
		return 0
	}

	var sumR, sumG, sumB uint64
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			sumR += uint64(c.R)
			sumG += uint64(c.G)
			sumB += uint64(c.B)
		}
	}

	r := sumR / n
	g := sumG / n
	bl := sumB / n

	return float64(r*299+g*587+bl*114) / 1000
}

// ComputeTextColor returns Black for light images and White for dark ones.
// A brightness of exactly BrightnessThreshold is treated as dark.
func ComputeTextColor(img image.Image) TextColor {
	if Brightness(img) > BrightnessThreshold {
		return Black
	}
	return White
}

// Analyze decodes data and computes the text color for it.
func Analyze(data []byte) (TextColor, Image, error) {
	img, err := Decode(data)
	if err != nil {
		return "", Image{}, err
	}
	return ComputeTextColor(img.Image), img, nil
}
