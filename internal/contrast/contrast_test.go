package contrast

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func uniform(w, h int, c color.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestComputeTextColor_Uniform(t *testing.T) {
	tests := []struct {
		name string
		c    color.Color
		want TextColor
	}{
		{"white", color.White, Black},
		{"black", color.Black, White},
		{"light gray", color.RGBA{200, 200, 200, 255}, Black},
		{"dark gray", color.RGBA{40, 40, 40, 255}, White},
		{"pure green is light", color.RGBA{0, 255, 0, 255}, Black},
		{"pure blue is dark", color.RGBA{0, 0, 255, 255}, White},
		{"pure red is dark", color.RGBA{255, 0, 0, 255}, White},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ComputeTextColor(uniform(8, 6, tt.c))
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestComputeTextColor_Boundary(t *testing.T) {
	// Gray 125 has brightness exactly 125 and must stay white.
	assert.InDelta(t, 125.0, Brightness(uniform(4, 4, color.RGBA{125, 125, 125, 255})), 1e-9)
	assert.Equal(t, White, ComputeTextColor(uniform(4, 4, color.RGBA{125, 125, 125, 255})))

	// Gray 126 crosses the threshold.
	assert.Equal(t, Black, ComputeTextColor(uniform(4, 4, color.RGBA{126, 126, 126, 255})))
}

func TestComputeTextColor_WholeImageAverage(t *testing.T) {
	// Left half white, right half black: mean 127 per channel, so black text.
	img := image.NewRGBA(image.Rect(0, 0, 10, 2))
	for y := 0; y < 2; y++ {
		for x := 0; x < 10; x++ {
			if x < 5 {
				img.Set(x, y, color.White)
			} else {
				img.Set(x, y, color.Black)
			}
		}
	}

	assert.InDelta(t, 127.0, Brightness(img), 1e-9)
	assert.Equal(t, Black, ComputeTextColor(img))
}

func TestComputeTextColor_IgnoresAlpha(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 3, 3))
	for y := 0; y < 3; y++ {
		for x := 0; x < 3; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: 250, G: 250, B: 250, A: 10})
		}
	}
	assert.Equal(t, Black, ComputeTextColor(img))
}

func TestComputeTextColor_NonZeroOrigin(t *testing.T) {
	img := uniform(20, 20, color.Black).SubImage(image.Rect(5, 5, 10, 10))
	assert.Equal(t, White, ComputeTextColor(img))
}

func TestDecode(t *testing.T) {
	t.Run("png", func(t *testing.T) {
		img, err := Decode(encodePNG(t, uniform(7, 3, color.White)))
		require.NoError(t, err)
		assert.Equal(t, "png", img.Format)
		assert.Equal(t, 7, img.Width)
		assert.Equal(t, 3, img.Height)
	})

	t.Run("jpeg", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, jpeg.Encode(&buf, uniform(16, 9, color.Black), nil))
		img, err := Decode(buf.Bytes())
		require.NoError(t, err)
		assert.Equal(t, "jpeg", img.Format)
		assert.Equal(t, 16, img.Width)
	})

	t.Run("empty", func(t *testing.T) {
		_, err := Decode(nil)
		var de *DecodeError
		require.ErrorAs(t, err, &de)
		assert.ErrorIs(t, err, ErrEmptyImage)
	})

	t.Run("corrupt", func(t *testing.T) {
		_, err := Decode([]byte("definitely not an image"))
		var de *DecodeError
		assert.True(t, errors.As(err, &de))
	})
}

func TestAnalyze(t *testing.T) {
	c, img, err := Analyze(encodePNG(t, uniform(4, 4, color.RGBA{10, 10, 10, 255})))
	require.NoError(t, err)
	assert.Equal(t, White, c)
	assert.Equal(t, 4, img.Width)

	_, _, err = Analyze([]byte{0x89, 'P', 'N', 'G'})
	require.Error(t, err)
}

func TestTextColor_RGBA(t *testing.T) {
	assert.Equal(t, color.RGBA{255, 255, 255, 255}, White.RGBA())
	assert.Equal(t, color.RGBA{0, 0, 0, 255}, Black.RGBA())
}
