package app

import (
	"context"
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r2"

	"github.com/banshee-data/rangeloc/internal/geometry"
	"github.com/banshee-data/rangeloc/internal/localization"
	"github.com/banshee-data/rangeloc/internal/monitoring"
)

// RemoveRadius is how close a point must be to a waypoint to delete it.
const RemoveRadius = 0.1

var (
	ErrUnknownPreset    = errors.New("unknown drive preset")
	ErrNoWaypoint       = errors.New("no waypoint at that position")
	ErrWaypointIndex    = errors.New("waypoint index out of range")
	ErrInvalidWaypoint  = errors.New("waypoint must be finite")
	ErrCoincidentAnchor = errors.New("anchors must be distinct")
	ErrInvalidNoise     = errors.New("noise must be positive and finite")
)

// ResetPose re-localises the robot at p with unit covariance. The next
// encoder reading becomes the new odometry reference.
func (a *App) ResetPose(ctx context.Context, p localization.Pose) error {
	if !finite(p.X, p.Y, p.Theta) {
		return fmt.Errorf("reset pose: %w", localization.ErrNonFinite)
	}
	return a.Do(ctx, func() {
		a.filter.ResetPose(p)
		a.encSeeded = false
		a.lastErr = ""
		monitoring.Infof(logTag, "pose reset to (%.3f, %.3f, %.3f)", p.X, p.Y, p.Theta)
		a.publish(a.clock.Now())
	})
}

// AddWaypoint appends p to the route.
func (a *App) AddWaypoint(ctx context.Context, p r2.Vec) error {
	if !finite(p.X, p.Y) {
		return ErrInvalidWaypoint
	}
	return a.Do(ctx, func() {
		a.path.Add(p)
		a.publish(a.clock.Now())
	})
}

// RemoveWaypointNear deletes the first waypoint within RemoveRadius of p.
func (a *App) RemoveWaypointNear(ctx context.Context, p r2.Vec) error {
	return a.doErr(ctx, func() error {
		if !a.path.RemoveNear(p, RemoveRadius) {
			return ErrNoWaypoint
		}
		a.publish(a.clock.Now())
		return nil
	})
}

// MoveWaypoint relocates waypoint i to p.
func (a *App) MoveWaypoint(ctx context.Context, i int, p r2.Vec) error {
	if !finite(p.X, p.Y) {
		return ErrInvalidWaypoint
	}
	return a.doErr(ctx, func() error {
		if !a.path.Move(i, p) {
			return ErrWaypointIndex
		}
		a.publish(a.clock.Now())
		return nil
	})
}

// ClearWaypoints empties the route. In waypoint mode the robot stops at the
// next tick.
func (a *App) ClearWaypoints(ctx context.Context) error {
	return a.Do(ctx, func() {
		a.path.Clear()
		a.publish(a.clock.Now())
	})
}

// Waypoints returns the route in stored order.
func (a *App) Waypoints(ctx context.Context) ([]r2.Vec, error) {
	var wps []r2.Vec
	err := a.Do(ctx, func() { wps = a.path.Waypoints() })
	return wps, err
}

// SaveWaypoints writes the route to path, or the configured file if empty.
func (a *App) SaveWaypoints(ctx context.Context, path string) (string, error) {
	if path == "" {
		path = a.cfg.GetWaypointFile()
	}
	return path, a.doErr(ctx, func() error { return a.path.Save(a.fsys, path) })
}

// LoadWaypoints replaces the route with the contents of path, or the
// configured file if empty.
func (a *App) LoadWaypoints(ctx context.Context, path string) (string, error) {
	if path == "" {
		path = a.cfg.GetWaypointFile()
	}
	return path, a.doErr(ctx, func() error {
		if err := a.path.Load(a.fsys, path); err != nil {
			return err
		}
		a.publish(a.clock.Now())
		return nil
	})
}

// SetAnchors moves both anchors. Ranges already stored are kept.
func (a *App) SetAnchors(ctx context.Context, anchors geometry.Anchors) error {
	if !finite(anchors.A.X, anchors.A.Y, anchors.B.X, anchors.B.Y) {
		return fmt.Errorf("set anchors: %w", localization.ErrNonFinite)
	}
	if r2.Norm(r2.Sub(anchors.A, anchors.B)) == 0 {
		return ErrCoincidentAnchor
	}
	return a.Do(ctx, func() {
		a.landmarks.SetAnchors(anchors)
		a.filter.SetAnchors(anchors)
		a.publish(a.clock.Now())
	})
}

// SetNoise replaces the process and measurement noise of the filter.
func (a *App) SetNoise(ctx context.Context, q, r float64) error {
	if !finite(q, r) || q <= 0 || r <= 0 {
		return ErrInvalidNoise
	}
	return a.Do(ctx, func() {
		a.filter.SetNoise(q, r)
		a.publish(a.clock.Now())
	})
}

// SetMode switches between waypoint following and manual driving. Entering
// manual mode stops the robot until a manual command arrives.
func (a *App) SetMode(ctx context.Context, m Mode) error {
	return a.Do(ctx, func() {
		if a.mode == m {
			return
		}
		a.mode = m
		if m == ModeManual {
			a.manual = [2]float64{}
			a.sendCommand(0, 0)
		}
		monitoring.Infof(logTag, "mode %s", m)
		a.publish(a.clock.Now())
	})
}

// SetManual switches to manual mode and sends (velA, velB).
func (a *App) SetManual(ctx context.Context, velA, velB float64) error {
	if !finite(velA, velB) {
		return fmt.Errorf("manual command: %w", localization.ErrNonFinite)
	}
	return a.Do(ctx, func() {
		a.mode = ModeManual
		a.manual = [2]float64{velA, velB}
		a.sendCommand(velA, velB)
		a.publish(a.clock.Now())
	})
}

// ApplyPreset sends one of the named Presets in manual mode.
func (a *App) ApplyPreset(ctx context.Context, name string) error {
	v, ok := Presets[name]
	if !ok {
		return fmt.Errorf("%w %q", ErrUnknownPreset, name)
	}
	return a.SetManual(ctx, v[0], v[1])
}

// SimulateRanges injects noisy ranges measured from truth and corrects the
// filter with them.
func (a *App) SimulateRanges(ctx context.Context, truth r2.Vec, stddev float64) error {
	if !finite(truth.X, truth.Y, stddev) || stddev < 0 {
		return fmt.Errorf("simulate: %w", localization.ErrNonFinite)
	}
	return a.Do(ctx, func() {
		a.simulate(truth, stddev)
		a.publish(a.clock.Now())
	})
}

// WritePlots renders the telemetry history as PNG files under dir.
func (a *App) WritePlots(dir string) ([]string, error) {
	return a.history.WritePlots(a.fsys, dir)
}

func finite(vs ...float64) bool {
	for _, v := range vs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
