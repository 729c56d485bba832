// Package geometry maps pointer gestures between display space (the rendered
// frame's on-screen bounding box) and image space (the frame's natural pixels).
package geometry

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Static errors for projection construction.
var (
	// ErrDegenerateBox is returned when the display bounding box has no area.
	ErrDegenerateBox = errors.New("geometry: display bounding box must have positive width and height")
	// ErrDegenerateSize is returned when the natural image size has no area.
	ErrDegenerateSize = errors.New("geometry: natural size must have positive width and height")
)

// Point is a 2D coordinate.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Sub returns p - o.
func (p Point) Sub(o Point) Point {
	return Point{X: p.X - o.X, Y: p.Y - o.Y}
}

// Size is a width/height pair.
type Size struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// IsZero reports whether the size carries no extent at all.
func (s Size) IsZero() bool {
	return s.Width <= 0 && s.Height <= 0
}

// Rect is an on-screen bounding box, as reported by getBoundingClientRect.
type Rect struct {
	Left   float64 `json:"left"`
	Top    float64 `json:"top"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// DragOffset is the image-space distance between the grab point and the
// overlay's top-left corner at drag start.
type DragOffset struct {
	DX float64 `json:"dx"`
	DY float64 `json:"dy"`
}

// Projection is the affine map between a display bounding box and an image's
// natural pixel grid. Horizontal and vertical scale are independent.
type Projection struct {
	toImage   *mat.Dense
	toDisplay *mat.Dense
}

// NewProjection builds the display→image transform for box and natural size.
func NewProjection(box Rect, natural Size) (Projection, error) {
	if !(box.Width > 0) || !(box.Height > 0) {
		return Projection{}, fmt.Errorf("%w: %gx%g", ErrDegenerateBox, box.Width, box.Height)
	}
	if !(natural.Width > 0) || !(natural.Height > 0) {
		return Projection{}, fmt.Errorf("%w: %gx%g", ErrDegenerateSize, natural.Width, natural.Height)
	}

	sx := natural.Width / box.Width
	sy := natural.Height / box.Height

	// Homogeneous form: translate by the box origin, then scale per axis.
	toImage := mat.NewDense(3, 3, []float64{
		sx, 0, -box.Left * sx,
		0, sy, -box.Top * sy,
		0, 0, 1,
	})

	var toDisplay mat.Dense
	if err := toDisplay.Inverse(toImage); err != nil {
		return Projection{}, fmt.Errorf("geometry: invert projection: %w", err)
	}

	return Projection{toImage: toImage, toDisplay: &toDisplay}, nil
}

// ToImage projects a display-space point into image space.
func (p Projection) ToImage(pt Point) Point {
	return apply(p.toImage, pt)
}

// ToDisplay projects an image-space point back into display space.
func (p Projection) ToDisplay(pt Point) Point {
	return apply(p.toDisplay, pt)
}

func apply(m *mat.Dense, pt Point) Point {
	var out mat.VecDense
	out.MulVec(m, mat.NewVecDense(3, []float64{pt.X, pt.Y, 1}))
	return Point{X: out.AtVec(0), Y: out.AtVec(1)}
}

// ToImageSpace converts a pointer position in display pixels into image space.
func ToImageSpace(pointer Point, box Rect, natural Size) (Point, error) {
	proj, err := NewProjection(box, natural)
	if err != nil {
		return Point{}, err
	}
	return proj.ToImage(pointer), nil
}

// ToDisplaySpace converts an image-space position into display pixels.
func ToDisplaySpace(p Point, box Rect, natural Size) (Point, error) {
	proj, err := NewProjection(box, natural)
	if err != nil {
		return Point{}, err
	}
	return proj.ToDisplay(p), nil
}

// BeginDrag captures the offset between the pointer (projected into image
// space) and the overlay's current position. Calling it again simply
// re-captures the offset for the new gesture.
func BeginDrag(pointer, current Point, box Rect, natural Size) (DragOffset, error) {
	ip, err := ToImageSpace(pointer, box, natural)
	if err != nil {
		return DragOffset{}, err
	}
	d := ip.Sub(current)
	return DragOffset{DX: d.X, DY: d.Y}, nil
}

// OnDrop returns the overlay's new image-space position for a drop at pointer:
// the projected pointer minus the captured offset, clamped to the image.
// A zero extent means the overlay size is unknown.
func OnDrop(pointer Point, offset DragOffset, box Rect, natural, extent Size) (Point, error) {
	ip, err := ToImageSpace(pointer, box, natural)
	if err != nil {
		return Point{}, err
	}
	pos := Point{X: ip.X - offset.DX, Y: ip.Y - offset.DY}
	return Clamp(pos, natural, extent), nil
}

// Clamp keeps p inside the image. With a known extent the overlay must fit
// entirely; otherwise p is kept on the last addressable pixel.
func Clamp(p Point, natural, extent Size) Point {
	return Point{
		X: clampAxis(p.X, natural.Width, extent.Width),
		Y: clampAxis(p.Y, natural.Height, extent.Height),
	}
}

func clampAxis(v, natural, extent float64) float64 {
	upper := natural - 1
	if extent > 0 {
		upper = natural - extent
	}
	if upper < 0 {
		upper = 0
	}
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > upper {
		return upper
	}
	return v
}
