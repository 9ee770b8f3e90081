package geometry

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/spatial/r2"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/banshee-data/rangeloc/internal/packet"
)

// MaxRange is the exclusive upper bound on an accepted corrected range, in metres.
const MaxRange = 10.0

// Anchors are the positions of the two fixed landmarks.
type Anchors struct {
	A r2.Vec `json:"a"`
	B r2.Vec `json:"b"`
}

// Position returns the position of the named anchor.
func (a Anchors) Position(id packet.AnchorID) (r2.Vec, bool) {
	switch id {
	case packet.AnchorA:
		return a.A, true
	case packet.AnchorB:
		return a.B, true
	default:
		return r2.Vec{}, false
	}
}

// Calibration corrects a raw radio range. Scale compensates the radio's
// linear bias; Height is the anchor's height above the robot, removed to get
// the horizontal distance.
type Calibration struct {
	Scale  float64 `json:"scale"`
	Height float64 `json:"height"`
}

// DefaultCalibration returns the factory calibration of each anchor.
func DefaultCalibration(id packet.AnchorID) Calibration {
	switch id {
	case packet.AnchorA:
		return Calibration{Scale: 1.125}
	case packet.AnchorB:
		return Calibration{Scale: 1.05}
	default:
		return Calibration{Scale: 1}
	}
}

// Correct applies c to raw. It reports false when the corrected range is not
// within (0, MaxRange).
func (c Calibration) Correct(raw float64) (float64, bool) {
	scaled := raw * c.Scale
	r := math.Sqrt(scaled*scaled - c.Height*c.Height)
	if math.IsNaN(r) || r <= 0 || r >= MaxRange {
		return 0, false
	}
	return r, true
}

type rangeSlot struct {
	value float64
	fresh bool
	calib Calibration
}

// Landmarks holds the anchor positions and the latest calibrated range to
// each anchor. A range is fresh from the moment it is stored until it is
// taken with TakeFresh. Landmarks is not safe for concurrent use.
type Landmarks struct {
	anchors Anchors
	a, b    rangeSlot
}

// NewLandmarks returns a container with default calibration.
func NewLandmarks(anchors Anchors) *Landmarks {
	return &Landmarks{
		anchors: anchors,
		a:       rangeSlot{calib: DefaultCalibration(packet.AnchorA)},
		b:       rangeSlot{calib: DefaultCalibration(packet.AnchorB)},
	}
}

func (l *Landmarks) slot(id packet.AnchorID) *rangeSlot {
	switch id {
	case packet.AnchorA:
		return &l.a
	case packet.AnchorB:
		return &l.b
	default:
		return nil
	}
}

// Anchors returns the anchor positions.
func (l *Landmarks) Anchors() Anchors { return l.anchors }

// SetAnchors replaces the anchor positions. Callers that also run a filter
// must push the same positions to it.
func (l *Landmarks) SetAnchors(a Anchors) { l.anchors = a }

// SetCalibration replaces the calibration of one anchor.
func (l *Landmarks) SetCalibration(id packet.AnchorID, c Calibration) error {
	s := l.slot(id)
	if s == nil {
		return fmt.Errorf("unknown anchor %s", id)
	}
	s.calib = c
	return nil
}

// Calibration returns the calibration of one anchor.
func (l *Landmarks) Calibration(id packet.AnchorID) Calibration {
	if s := l.slot(id); s != nil {
		return s.calib
	}
	return Calibration{}
}

// OnPacket calibrates and stores the range carried by p. It reports whether
// the range was accepted; rejected measurements leave the previous range.
func (l *Landmarks) OnPacket(p packet.LandmarkPacket) bool {
	s := l.slot(p.Anchor)
	if s == nil {
		return false
	}
	r, ok := s.calib.Correct(float64(p.Range))
	if !ok {
		return false
	}
	s.value = r
	s.fresh = true
	return true
}

// SetRanges stores already-corrected ranges to both anchors and marks them fresh.
func (l *Landmarks) SetRanges(ra, rb float64) {
	l.a.value, l.a.fresh = ra, true
	l.b.value, l.b.fresh = rb, true
}

// Ranges returns the latest range to each anchor.
func (l *Landmarks) Ranges() (ra, rb float64) { return l.a.value, l.b.value }

// Range returns the latest range to one anchor, or 0 for an unknown anchor.
func (l *Landmarks) Range(id packet.AnchorID) float64 {
	if s := l.slot(id); s != nil {
		return s.value
	}
	return 0
}

// Fresh reports whether the range to id has arrived since it was last taken.
func (l *Landmarks) Fresh(id packet.AnchorID) bool {
	s := l.slot(id)
	return s != nil && s.fresh
}

// TakeFresh returns the range to id and clears its fresh flag. It reports
// false if no new range arrived since the previous call.
func (l *Landmarks) TakeFresh(id packet.AnchorID) (float64, bool) {
	s := l.slot(id)
	if s == nil || !s.fresh {
		return 0, false
	}
	s.fresh = false
	return s.value, true
}

// Estimate bilaterates the latest ranges.
func (l *Landmarks) Estimate() (Solution, error) {
	return Bilaterate(l.anchors.A, l.anchors.B, l.a.value, l.b.value)
}

// SimulateRanges stores the true distances from truth to each anchor plus
// zero-mean Gaussian noise. A nil src uses the global generator. Samples
// outside (0, MaxRange) are dropped like out-of-range readings, leaving that
// anchor's range stale.
func (l *Landmarks) SimulateRanges(truth r2.Vec, stddev float64, src rand.Source) {
	noise := distuv.Normal{Mu: 0, Sigma: stddev, Src: src}
	ra := r2.Norm(r2.Sub(truth, l.anchors.A))
	rb := r2.Norm(r2.Sub(truth, l.anchors.B))
	if stddev > 0 {
		ra += noise.Rand()
		rb += noise.Rand()
	}
	for _, s := range []struct {
		slot *rangeSlot
		r    float64
	}{{&l.a, ra}, {&l.b, rb}} {
		if r := s.r; r > 0 && r < MaxRange {
			s.slot.value, s.slot.fresh = r, true
		}
	}
}
