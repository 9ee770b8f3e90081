// Package pathctl owns the cyclic waypoint route and turns the current pose
// into wheel velocity commands towards the active goal.
package pathctl

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"gonum.org/v1/gonum/spatial/r2"

	"github.com/banshee-data/rangeloc/internal/fsutil"
	"github.com/banshee-data/rangeloc/internal/monitoring"
	"github.com/banshee-data/rangeloc/internal/odometry"
)

const (
	// DefaultRemoveThreshold is the pick radius of RemoveNear, in metres.
	DefaultRemoveThreshold = 0.1
	// DefaultArrivalRadius is the distance at which a goal counts as reached.
	DefaultArrivalRadius = 0.1

	// maxWaypoints bounds the count read from a waypoint file.
	maxWaypoints = 1 << 20

	logTag = "path"
)

// NoGoal is returned by Next when the route is empty. It is not a target.
var NoGoal = r2.Vec{X: 0, Y: -1}

var ErrCorruptFile = errors.New("corrupt waypoint file")

// Controller is a cyclic waypoint queue plus the goal currently being
// driven to. It is not safe for concurrent use.
type Controller struct {
	waypoints []r2.Vec
	index     int

	goal      r2.Vec
	goalIndex int
	hasGoal   bool

	params        odometry.Params
	control       odometry.ControlParams
	arrivalRadius float64
}

// New returns an empty controller using the given robot and control tuning.
func New(params odometry.Params, control odometry.ControlParams) *Controller {
	return &Controller{
		params:        params,
		control:       control,
		arrivalRadius: DefaultArrivalRadius,
	}
}

// SetArrivalRadius changes the distance at which the goal advances.
func (c *Controller) SetArrivalRadius(r float64) { c.arrivalRadius = r }

// SetControl replaces the control law tuning.
func (c *Controller) SetControl(ctl odometry.ControlParams) { c.control = ctl }

// Next returns the waypoint at the cursor and advances the cursor, wrapping
// to the first waypoint after the last. An empty route yields NoGoal, false.
func (c *Controller) Next() (r2.Vec, bool) {
	if len(c.waypoints) == 0 {
		return NoGoal, false
	}
	if c.index >= len(c.waypoints) {
		c.index = 0
	}
	wp := c.waypoints[c.index]
	c.index++
	return wp, true
}

// Add appends a waypoint to the route.
func (c *Controller) Add(p r2.Vec) {
	c.waypoints = append(c.waypoints, p)
	monitoring.Infof(logTag, "waypoint added at %.2f, %.2f", p.X, p.Y)
}

// RemoveNear deletes the first waypoint closer than threshold to p and
// reports whether one was removed.
func (c *Controller) RemoveNear(p r2.Vec, threshold float64) bool {
	for i, wp := range c.waypoints {
		if r2.Norm(r2.Sub(wp, p)) < threshold {
			c.waypoints = append(c.waypoints[:i], c.waypoints[i+1:]...)
			if c.index > i {
				c.index--
			}
			if c.hasGoal {
				switch {
				case c.goalIndex == i:
					c.hasGoal = false
				case c.goalIndex > i:
					c.goalIndex--
				}
			}
			monitoring.Infof(logTag, "waypoint removed at %.2f, %.2f", wp.X, wp.Y)
			return true
		}
	}
	return false
}

// Move replaces waypoint i. Out-of-range indices are ignored. Moving the
// active goal retargets it.
func (c *Controller) Move(i int, p r2.Vec) bool {
	if i < 0 || i >= len(c.waypoints) {
		return false
	}
	c.waypoints[i] = p
	if c.hasGoal && c.goalIndex == i {
		c.goal = p
	}
	return true
}

// Waypoints returns a copy of the route.
func (c *Controller) Waypoints() []r2.Vec {
	return append([]r2.Vec(nil), c.waypoints...)
}

// Len returns the number of waypoints.
func (c *Controller) Len() int { return len(c.waypoints) }

// Clear empties the route and forgets the goal.
func (c *Controller) Clear() {
	c.waypoints = nil
	c.index = 0
	c.hasGoal = false
}

// Goal returns the active goal, if one has been selected.
func (c *Controller) Goal() (r2.Vec, bool) {
	return c.goal, c.hasGoal
}

// Command returns the wheel velocities that drive pose towards the active
// goal. The first goal is taken lazily; the goal advances to the next
// waypoint once pose is within the arrival radius. ok is false when the
// route is empty.
func (c *Controller) Command(pose odometry.Pose) (velL, velR float64, ok bool) {
	if !c.hasGoal && !c.selectGoal() {
		return 0, 0, false
	}
	if r2.Norm(r2.Sub(pose.Position(), c.goal)) < c.arrivalRadius {
		if !c.selectGoal() {
			return 0, 0, false
		}
		monitoring.Infof(logTag, "goal reached, next goal %.2f, %.2f", c.goal.X, c.goal.Y)
	}
	velL, velR = odometry.WheelVelFromGoal(c.params, c.control, pose, c.goal)
	return velL, velR, true
}

// selectGoal takes the next waypoint as the active goal.
func (c *Controller) selectGoal() bool {
	c.goal, c.hasGoal = c.Next()
	c.goalIndex = c.index - 1
	return c.hasGoal
}

// Save writes the route as a little-endian uint64 count followed by one
// (float64 x, float64 y) pair per waypoint.
func (c *Controller) Save(fsys fsutil.FileSystem, path string) error {
	err := fsutil.WriteFileAtomic(fsys, path, func(w io.Writer) error {
		return writeWaypoints(w, c.waypoints)
	})
	if err != nil {
		return fmt.Errorf("failed to save waypoints to %s: %w", path, err)
	}
	monitoring.Infof(logTag, "saved %d waypoints to %s", len(c.waypoints), path)
	return nil
}

// Load replaces the route with the contents of path. On any error the route
// is left untouched. The cursor restarts at the first waypoint.
func (c *Controller) Load(fsys fsutil.FileSystem, path string) error {
	f, err := fsys.Open(path)
	if err != nil {
		monitoring.Errorf(logTag, "failed to open waypoint file %s: %v", path, err)
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	wps, err := readWaypoints(bufio.NewReader(f))
	if err != nil {
		monitoring.Errorf(logTag, "failed to read waypoint file %s: %v", path, err)
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	c.waypoints = wps
	c.index = 0
	c.hasGoal = false
	monitoring.Infof(logTag, "loaded %d waypoints from %s", len(wps), path)
	return nil
}

func writeWaypoints(w io.Writer, wps []r2.Vec) error {
	bw := bufio.NewWriter(w)
	if err := binary.Write(bw, binary.LittleEndian, uint64(len(wps))); err != nil {
		return err
	}
	for _, p := range wps {
		if err := binary.Write(bw, binary.LittleEndian, [2]float64{p.X, p.Y}); err != nil {
			return err
		}
	}
	return bw.Flush()
}

func readWaypoints(r io.Reader) ([]r2.Vec, error) {
	var n uint64
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, fmt.Errorf("%w: missing count: %v", ErrCorruptFile, err)
	}
	if n > maxWaypoints {
		return nil, fmt.Errorf("%w: count %d exceeds limit", ErrCorruptFile, n)
	}

	wps := make([]r2.Vec, 0, n)
	for i := uint64(0); i < n; i++ {
		var xy [2]float64
		if err := binary.Read(r, binary.LittleEndian, &xy); err != nil {
			return nil, fmt.Errorf("%w: waypoint %d of %d: %v", ErrCorruptFile, i, n, err)
		}
		if math.IsNaN(xy[0]) || math.IsNaN(xy[1]) {
			return nil, fmt.Errorf("%w: waypoint %d is NaN", ErrCorruptFile, i)
		}
		wps = append(wps, r2.Vec{X: xy[0], Y: xy[1]})
	}
	return wps, nil
}
