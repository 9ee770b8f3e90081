// Package geometry recovers a 2D position from ranges to two fixed anchors
// and keeps the calibrated range measurements that feed the filter.
package geometry

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r2"
)

var (
	ErrCoincidentAnchors = errors.New("anchors coincide")
	ErrNoIntersection    = errors.New("range circles do not intersect")
	ErrInvalidRange      = errors.New("invalid range")
)

// tangentTolerance absorbs rounding when the two circles touch at one point.
const tangentTolerance = 1e-9

// Solution holds both intersections of the range circles. A is offset from
// the chord midpoint by (-dy, +dx)·h/d and B by (+dy, -dx)·h/d, where (dx, dy)
// points from anchor a to anchor b. The labelling is a fixed convention.
type Solution struct {
	A r2.Vec
	B r2.Vec
}

// Bilaterate intersects the circle of radius ra about a with the circle of
// radius rb about b.
func Bilaterate(a, b r2.Vec, ra, rb float64) (Solution, error) {
	if !validRange(ra) || !validRange(rb) {
		return Solution{}, fmt.Errorf("%w: ra=%g rb=%g", ErrInvalidRange, ra, rb)
	}

	delta := r2.Sub(b, a)
	d := r2.Norm(delta)
	if d == 0 {
		return Solution{}, fmt.Errorf("%w: %v", ErrCoincidentAnchors, a)
	}

	along := (ra*ra - rb*rb + d*d) / (2 * d)
	h2 := ra*ra - along*along
	if h2 < 0 {
		if h2 < -tangentTolerance*math.Max(1, ra*ra) {
			return Solution{}, fmt.Errorf("%w: d=%g ra=%g rb=%g", ErrNoIntersection, d, ra, rb)
		}
		h2 = 0
	}
	h := math.Sqrt(h2)

	mid := r2.Add(a, r2.Scale(along/d, delta))
	off := r2.Vec{X: -h * delta.Y / d, Y: h * delta.X / d}

	return Solution{
		A: r2.Add(mid, off),
		B: r2.Sub(mid, off),
	}, nil
}

func validRange(r float64) bool {
	return r >= 0 && !math.IsNaN(r) && !math.IsInf(r, 0)
}
