package pathctl

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io/fs"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gonum.org/v1/gonum/spatial/r2"

	"github.com/banshee-data/rangeloc/internal/fsutil"
	"github.com/banshee-data/rangeloc/internal/monitoring"
	"github.com/banshee-data/rangeloc/internal/odometry"
)

func TestMain(m *testing.M) {
	monitoring.SetLogger(nil)
	m.Run()
}

func newController(wps ...r2.Vec) *Controller {
	c := New(odometry.DefaultParams(), odometry.DefaultControlParams())
	for _, p := range wps {
		c.Add(p)
	}
	return c
}

func TestNext_Cycles(t *testing.T) {
	c := newController(r2.Vec{X: 0, Y: 0}, r2.Vec{X: 1, Y: 1}, r2.Vec{X: 2, Y: 2})

	want := []r2.Vec{{X: 0, Y: 0}, {X: 1, Y: 1}, {X: 2, Y: 2}, {X: 0, Y: 0}, {X: 1, Y: 1}}
	for i, w := range want {
		got, ok := c.Next()
		if !ok {
			t.Fatalf("call %d: Next reported empty route", i)
		}
		if got != w {
			t.Errorf("call %d: got %v, want %v", i, got, w)
		}
	}
}

func TestNext_EmptyReturnsSentinel(t *testing.T) {
	c := newController()
	got, ok := c.Next()
	if ok {
		t.Error("expected ok=false on empty route")
	}
	if got != NoGoal {
		t.Errorf("got %v, want sentinel %v", got, NoGoal)
	}
}

func TestRemoveNear(t *testing.T) {
	c := newController(r2.Vec{X: 0, Y: 0}, r2.Vec{X: 1, Y: 0}, r2.Vec{X: 1.05, Y: 0})

	if c.RemoveNear(r2.Vec{X: 5, Y: 5}, DefaultRemoveThreshold) {
		t.Error("nothing should be removed far from every waypoint")
	}
	if !c.RemoveNear(r2.Vec{X: 1.02, Y: 0}, DefaultRemoveThreshold) {
		t.Fatal("expected a waypoint to be removed")
	}

	want := []r2.Vec{{X: 0, Y: 0}, {X: 1.05, Y: 0}}
	if diff := cmp.Diff(want, c.Waypoints()); diff != "" {
		t.Errorf("only the first match should be removed (-want +got):\n%s", diff)
	}
}

func TestRemoveNear_KeepsCursorOnSameWaypoint(t *testing.T) {
	c := newController(r2.Vec{X: 0}, r2.Vec{X: 1}, r2.Vec{X: 2})
	c.Next()
	c.Next() // cursor now at {2,0}

	c.RemoveNear(r2.Vec{X: 0}, DefaultRemoveThreshold)
	got, _ := c.Next()
	if got != (r2.Vec{X: 2}) {
		t.Errorf("got %v, want {2 0}", got)
	}
}

func TestMove(t *testing.T) {
	c := newController(r2.Vec{X: 0}, r2.Vec{X: 1})

	if !c.Move(1, r2.Vec{X: 3, Y: 4}) {
		t.Error("Move(1) should succeed")
	}
	for _, i := range []int{-1, 2, 100} {
		if c.Move(i, r2.Vec{X: 9}) {
			t.Errorf("Move(%d) should be a no-op", i)
		}
	}
	want := []r2.Vec{{X: 0}, {X: 3, Y: 4}}
	if diff := cmp.Diff(want, c.Waypoints()); diff != "" {
		t.Errorf("waypoints mismatch (-want +got):\n%s", diff)
	}
}

func TestRemoveNear_ActiveGoalReselected(t *testing.T) {
	c := newController(r2.Vec{X: 1, Y: 0}, r2.Vec{X: 0, Y: 1})
	c.Command(odometry.Pose{})

	if !c.RemoveNear(r2.Vec{X: 1, Y: 0}, DefaultRemoveThreshold) {
		t.Fatal("expected the active goal to be removed")
	}
	if _, ok := c.Goal(); ok {
		t.Error("removed goal should no longer be active")
	}

	if _, _, ok := c.Command(odometry.Pose{}); !ok {
		t.Fatal("expected a command")
	}
	goal, _ := c.Goal()
	if goal != (r2.Vec{X: 0, Y: 1}) {
		t.Errorf("goal = %v, want {0 1}", goal)
	}
}

func TestRemoveNear_EarlierWaypointKeepsGoal(t *testing.T) {
	c := newController(r2.Vec{X: 5, Y: 5}, r2.Vec{X: 1, Y: 0}, r2.Vec{X: 2, Y: 0})
	c.Next()
	c.Command(odometry.Pose{}) // goal is {1 0}, index 1

	c.RemoveNear(r2.Vec{X: 5, Y: 5}, DefaultRemoveThreshold)
	goal, ok := c.Goal()
	if !ok || goal != (r2.Vec{X: 1, Y: 0}) {
		t.Fatalf("goal = %v ok=%v, want {1 0}", goal, ok)
	}

	// the goal now sits at index 0; moving it must retarget
	c.Move(0, r2.Vec{X: -1, Y: 0})
	if goal, _ := c.Goal(); goal != (r2.Vec{X: -1, Y: 0}) {
		t.Errorf("goal = %v, want {-1 0}", goal)
	}
}

func TestMove_ActiveGoalRetargets(t *testing.T) {
	c := newController(r2.Vec{X: 1, Y: 0}, r2.Vec{X: 2, Y: 0})
	c.Command(odometry.Pose{})

	c.Move(1, r2.Vec{X: 7, Y: 7})
	if goal, _ := c.Goal(); goal != (r2.Vec{X: 1, Y: 0}) {
		t.Errorf("moving another waypoint changed the goal to %v", goal)
	}

	c.Move(0, r2.Vec{X: -3, Y: -3})
	if _, _, ok := c.Command(odometry.Pose{}); !ok {
		t.Fatal("expected a command")
	}
	if goal, _ := c.Goal(); goal != (r2.Vec{X: -3, Y: -3}) {
		t.Errorf("goal = %v, want {-3 -3}", goal)
	}
}

func TestWaypointsIsCopy(t *testing.T) {
	c := newController(r2.Vec{X: 1})
	wps := c.Waypoints()
	wps[0] = r2.Vec{X: 99}
	if got := c.Waypoints()[0]; got != (r2.Vec{X: 1}) {
		t.Errorf("internal route mutated: %v", got)
	}
}

func TestClear(t *testing.T) {
	c := newController(r2.Vec{X: 1})
	c.Command(odometry.Pose{})
	c.Clear()

	if c.Len() != 0 {
		t.Errorf("Len = %d, want 0", c.Len())
	}
	if _, ok := c.Goal(); ok {
		t.Error("goal should be cleared")
	}
}

func TestCommand(t *testing.T) {
	c := newController(r2.Vec{X: 1, Y: 0}, r2.Vec{X: 1, Y: 1})

	if _, _, ok := newController().Command(odometry.Pose{}); ok {
		t.Error("empty route must not produce a command")
	}

	l, r, ok := c.Command(odometry.Pose{})
	if !ok {
		t.Fatal("expected a command")
	}
	goal, _ := c.Goal()
	if goal != (r2.Vec{X: 1, Y: 0}) {
		t.Errorf("first goal = %v, want {1 0}", goal)
	}
	if math.Abs(l-r) > 1e-12 {
		t.Errorf("goal straight ahead should drive straight: l=%v r=%v", l, r)
	}

	// arrive at the first goal: the second becomes active and lies to the left
	l, r, ok = c.Command(odometry.Pose{X: 0.95, Y: 0})
	if !ok {
		t.Fatal("expected a command")
	}
	goal, _ = c.Goal()
	if goal != (r2.Vec{X: 1, Y: 1}) {
		t.Errorf("goal after arrival = %v, want {1 1}", goal)
	}
	if r <= l {
		t.Errorf("turning left needs r > l: l=%v r=%v", l, r)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	fsys := fsutil.NewMemoryFileSystem()
	orig := []r2.Vec{{X: 0.5, Y: -1.25}, {X: 3, Y: 4}, {X: -0.1, Y: 1e-9}}
	c := newController(orig...)

	if err := c.Save(fsys, "/routes/loop.bin"); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded := newController(r2.Vec{X: 42})
	if err := loaded.Load(fsys, "/routes/loop.bin"); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if diff := cmp.Diff(orig, loaded.Waypoints()); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestSaveLoadRoundTrip_OS(t *testing.T) {
	path := t.TempDir() + "/route.bin"
	orig := []r2.Vec{{X: 1, Y: 2}, {X: 3, Y: 4}}

	if err := newController(orig...).Save(fsutil.OSFileSystem{}, path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	loaded := newController()
	if err := loaded.Load(fsutil.OSFileSystem{}, path); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if diff := cmp.Diff(orig, loaded.Waypoints()); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestSave_FileLayout(t *testing.T) {
	fsys := fsutil.NewMemoryFileSystem()
	c := newController(r2.Vec{X: 1.5, Y: -2})
	if err := c.Save(fsys, "/w.bin"); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	var want bytes.Buffer
	binary.Write(&want, binary.LittleEndian, uint64(1))
	binary.Write(&want, binary.LittleEndian, 1.5)
	binary.Write(&want, binary.LittleEndian, -2.0)

	got, _ := fsys.ReadFile("/w.bin")
	if !bytes.Equal(want.Bytes(), got) {
		t.Errorf("file bytes = %x, want %x", got, want.Bytes())
	}
}

func TestLoad_FailureLeavesRouteUntouched(t *testing.T) {
	fsys := fsutil.NewMemoryFileSystem()

	truncated := new(bytes.Buffer)
	binary.Write(truncated, binary.LittleEndian, uint64(3))
	binary.Write(truncated, binary.LittleEndian, [2]float64{1, 2})
	fsys.WriteFile("/truncated.bin", truncated.Bytes())

	huge := new(bytes.Buffer)
	binary.Write(huge, binary.LittleEndian, uint64(math.MaxUint64))
	fsys.WriteFile("/huge.bin", huge.Bytes())

	tests := []struct {
		path string
		want error
	}{
		{"/missing.bin", fs.ErrNotExist},
		{"/truncated.bin", ErrCorruptFile},
		{"/huge.bin", ErrCorruptFile},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			c := newController(r2.Vec{X: 7, Y: 7})
			err := c.Load(fsys, tt.path)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Load(%s) error = %v, want %v", tt.path, err, tt.want)
			}
			if diff := cmp.Diff([]r2.Vec{{X: 7, Y: 7}}, c.Waypoints()); diff != "" {
				t.Errorf("route modified (-want +got):\n%s", diff)
			}
		})
	}
}
