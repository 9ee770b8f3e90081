// Package odometry implements the differential-drive motion model: wheel
// encoder ticks to displacement, midpoint-heading pose integration and its
// Jacobian, plus the proportional heading controller that steers towards a
// goal.
package odometry

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r2"
)

const (
	DefaultWheelRadius = 0.03
	DefaultTrackWidth  = 0.173
)

// Params describe the robot chassis. Encoder readings are in radians of
// wheel rotation.
type Params struct {
	WheelRadius float64 `json:"wheel_radius"`
	TrackWidth  float64 `json:"track_width"`
}

// DefaultParams returns the dimensions of the reference robot.
func DefaultParams() Params {
	return Params{WheelRadius: DefaultWheelRadius, TrackWidth: DefaultTrackWidth}
}

// Displacement converts per-wheel encoder deltas into forward distance and
// heading change.
func (p Params) Displacement(dTicksL, dTicksR float64) (d, dTheta float64) {
	dL := dTicksL * p.WheelRadius
	dR := dTicksR * p.WheelRadius
	return (dL + dR) / 2, (dR - dL) / p.TrackWidth
}

// Pose is a planar robot pose. Theta is the heading in radians from the x axis.
type Pose struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Theta float64 `json:"theta"`
}

// Position returns the position component of p.
func (p Pose) Position() r2.Vec { return r2.Vec{X: p.X, Y: p.Y} }

// Integrate advances pose by a forward distance d and heading change dTheta,
// moving along the midpoint heading.
func Integrate(pose Pose, d, dTheta float64) Pose {
	mid := pose.Theta + dTheta/2
	return Pose{
		X:     pose.X + d*math.Cos(mid),
		Y:     pose.Y + d*math.Sin(mid),
		Theta: pose.Theta + dTheta,
	}
}

// Jacobian returns ∂Integrate/∂(x, y, θ) at pose.
func Jacobian(pose Pose, d, dTheta float64) *mat.Dense {
	mid := pose.Theta + dTheta/2
	return mat.NewDense(3, 3, []float64{
		1, 0, -d * math.Sin(mid),
		0, 1, d * math.Cos(mid),
		0, 0, 1,
	})
}

// WrapAngle maps a to [-π, π].
func WrapAngle(a float64) float64 {
	if a >= -math.Pi && a <= math.Pi {
		return a
	}
	a = math.Mod(a+math.Pi, 2*math.Pi)
	if a < 0 {
		a += 2 * math.Pi
	}
	return a - math.Pi
}

// Odometry dead-reckons a pose from accumulated encoder totals.
type Odometry struct {
	params Params
	lastL  float64
	lastR  float64
	pose   Pose
}

// New returns an odometry integrator at the origin. The first Update is
// measured against zero totals.
func New(params Params) *Odometry {
	return &Odometry{params: params}
}

// Update integrates the change since the previous encoder totals.
func (o *Odometry) Update(encA, encB float64) Pose {
	d, dTheta := o.params.Displacement(encA-o.lastL, encB-o.lastR)
	o.lastL, o.lastR = encA, encB
	o.pose = Integrate(o.pose, d, dTheta)
	return o.pose
}

// Pose returns the integrated pose.
func (o *Odometry) Pose() Pose { return o.pose }

// Reset moves the integrator to pose and rebases the encoder totals.
func (o *Odometry) Reset(pose Pose, encA, encB float64) {
	o.pose = pose
	o.lastL, o.lastR = encA, encB
}
