// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package feeds

import (
	"image"
	"math"
	"math/rand/v2"

	"github.com/disintegration/imaging"
	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"
)

// Augmentation describes the random transformations applied to training images.
// Ranges are symmetric: a value r samples uniformly from [-r, r] (or [1-r, 1+r] for zoom).
type Augmentation struct {
	// RotationDegrees is the maximum rotation angle.
	RotationDegrees float64

	// WidthShift and HeightShift are fractions of the image width and height.
	WidthShift, HeightShift float64

	// ShearDegrees is the maximum counter-clockwise shear angle.
	ShearDegrees float64

	// Zoom range, sampled independently for each axis.
	Zoom float64

	HorizontalFlip bool
}

// DefaultAugmentation is the recipe used for training when augmentation is enabled.
var DefaultAugmentation = Augmentation{
	RotationDegrees: 40,
	WidthShift:      0.2,
	HeightShift:     0.2,
	ShearDegrees:    0.2,
	Zoom:            0.2,
	HorizontalFlip:  true,
}

// Apply returns a randomly transformed copy of img, of the same size. Areas uncovered by the
// transformation are left black.
func (a Augmentation) Apply(img image.Image, rng *rand.Rand) image.Image {
	bounds := img.Bounds()
	width, height := float64(bounds.Dx()), float64(bounds.Dy())
	symmetric := func(r float64) float64 { return (2*rng.Float64() - 1) * r }

	theta := symmetric(a.RotationDegrees) * math.Pi / 180
	shear := symmetric(a.ShearDegrees) * math.Pi / 180
	zoomX, zoomY := 1+symmetric(a.Zoom), 1+symmetric(a.Zoom)
	shiftX, shiftY := symmetric(a.WidthShift)*width, symmetric(a.HeightShift)*height

	// m = rotation * shear * zoom, applied around the center of the image.
	cosT, sinT := math.Cos(theta), math.Sin(theta)
	r := [2][2]float64{{cosT, -sinT}, {sinT, cosT}}
	s := [2][2]float64{{1, -math.Sin(shear)}, {0, math.Cos(shear)}}
	z := [2][2]float64{{zoomX, 0}, {0, zoomY}}
	m := mul2x2(mul2x2(r, s), z)

	cx, cy := float64(bounds.Min.X)+width/2, float64(bounds.Min.Y)+height/2
	transform := f64.Aff3{
		m[0][0], m[0][1], cx - m[0][0]*cx - m[0][1]*cy + shiftX,
		m[1][0], m[1][1], cy - m[1][0]*cx - m[1][1]*cy + shiftY,
	}
	dst := image.NewNRGBA(bounds)
	draw.BiLinear.Transform(dst, transform, img, bounds, draw.Src, nil)

	var out image.Image = dst
	if a.HorizontalFlip && rng.IntN(2) == 1 {
		out = imaging.FlipH(dst)
	}
	return out
}

func mul2x2(a, b [2][2]float64) (c [2][2]float64) {
	for i := range 2 {
		for j := range 2 {
			c[i][j] = a[i][0]*b[0][j] + a[i][1]*b[1][j]
		}
	}
	return
}
