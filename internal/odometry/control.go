package odometry

import (
	"math"

	"gonum.org/v1/gonum/spatial/r2"
)

// ControlParams tune the goal-seeking controller.
type ControlParams struct {
	// Gain converts heading error (rad) to chassis turn rate (rad/s).
	Gain float64 `json:"gain"`
	// ForwardSpeed is the constant chassis speed in m/s.
	ForwardSpeed float64 `json:"forward_speed"`
}

// DefaultControlParams returns the reference controller tuning.
func DefaultControlParams() ControlParams {
	return ControlParams{Gain: 1.0, ForwardSpeed: 0.05}
}

// WheelVelFromGoal returns the left and right wheel angular velocities
// (rad/s) that drive pose towards goal: constant forward speed with a
// proportional correction of the heading error.
func WheelVelFromGoal(p Params, ctl ControlParams, pose Pose, goal r2.Vec) (omegaL, omegaR float64) {
	target := math.Atan2(goal.Y-pose.Y, goal.X-pose.X)
	omega := ctl.Gain * WrapAngle(target-pose.Theta)

	vL := ctl.ForwardSpeed - p.TrackWidth/2*omega
	vR := ctl.ForwardSpeed + p.TrackWidth/2*omega
	return vL / p.WheelRadius, vR / p.WheelRadius
}
