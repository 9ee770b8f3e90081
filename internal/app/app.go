// Package app wires the serial link, landmarks, filter, path controller and
// telemetry into the localisation and control loop.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/spatial/r2"

	"github.com/banshee-data/rangeloc/internal/config"
	"github.com/banshee-data/rangeloc/internal/db"
	"github.com/banshee-data/rangeloc/internal/fsutil"
	"github.com/banshee-data/rangeloc/internal/geometry"
	"github.com/banshee-data/rangeloc/internal/localization"
	"github.com/banshee-data/rangeloc/internal/monitoring"
	"github.com/banshee-data/rangeloc/internal/packet"
	"github.com/banshee-data/rangeloc/internal/pathctl"
	"github.com/banshee-data/rangeloc/internal/serialmux"
	"github.com/banshee-data/rangeloc/internal/telemetry"
	"github.com/banshee-data/rangeloc/internal/timeutil"
)

const (
	logTag = "kalman"

	snapshotBuffer = 8
)

// ErrStopped is returned by Do once the loop has exited.
var ErrStopped = errors.New("app loop not running")

// Options configures New. Zero values select production defaults.
type Options struct {
	Clock    timeutil.Clock
	FS       fsutil.FileSystem
	Recorder *db.Recorder
	History  *telemetry.History
}

// App owns the estimator state. Everything except the snapshot and the
// subscriber set is touched only by the Run goroutine; other goroutines go
// through Do or the exported wrappers built on it.
type App struct {
	cfg      *config.RobotConfig
	link     *serialmux.RobotLink
	clock    timeutil.Clock
	fsys     fsutil.FileSystem
	recorder *db.Recorder
	history  *telemetry.History
	period   time.Duration

	filter    localization.Filter
	odom      *localization.OdomFilter // nil for the constant-position filter
	landmarks *geometry.Landmarks
	path      *pathctl.Controller

	mode       Mode
	manual     [2]float64
	command    [2]float64
	encSeeded  bool
	lastPacket time.Time
	lastErr    string

	ops     chan func()
	stopped chan struct{}
	once    sync.Once

	mu       sync.RWMutex
	snapshot Snapshot
	subs     map[string]chan Snapshot
}

// New builds an App from cfg. The link may be closed; Run consumes its
// packet stream whenever it is open.
func New(cfg *config.RobotConfig, link *serialmux.RobotLink, opts Options) (*App, error) {
	if cfg == nil {
		cfg = config.EmptyRobotConfig()
	}
	if link == nil {
		return nil, fmt.Errorf("app: nil link")
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if opts.FS == nil {
		opts.FS = fsutil.OSFileSystem{}
	}
	if opts.History == nil {
		opts.History = telemetry.NewHistory(telemetry.DefaultCapacity)
	}

	landmarks := geometry.NewLandmarks(cfg.GetAnchors())
	for _, id := range []packet.AnchorID{packet.AnchorA, packet.AnchorB} {
		if err := landmarks.SetCalibration(id, cfg.GetCalibration(id)); err != nil {
			return nil, err
		}
	}

	a := &App{
		cfg:       cfg,
		link:      link,
		clock:     opts.Clock,
		fsys:      opts.FS,
		recorder:  opts.Recorder,
		history:   opts.History,
		period:    cfg.GetControlPeriod(),
		landmarks: landmarks,
		path:      pathctl.New(cfg.GetOdometry(), cfg.GetControl()),
		mode:      ModeWaypoint,
		ops:       make(chan func()),
		stopped:   make(chan struct{}),
		subs:      make(map[string]chan Snapshot),
	}
	a.path.SetArrivalRadius(cfg.GetArrivalRadius())
	for _, wp := range cfg.GetRoute() {
		a.path.Add(wp)
	}

	fc := cfg.GetFilterConfig()
	switch cfg.GetFilter() {
	case config.FilterConstPos:
		a.filter = localization.NewConstPosFilter(cfg.GetInitialPose(), fc)
	default:
		a.odom = localization.NewOdomFilter(cfg.GetInitialPose(), fc)
		a.filter = a.odom
	}
	monitoring.Infof(logTag, "%s filter, %s updates, anchors A=(%.2f, %.2f) B=(%.2f, %.2f)",
		cfg.GetFilter(), a.filter.Discipline(), fc.Anchors.A.X, fc.Anchors.A.Y, fc.Anchors.B.X, fc.Anchors.B.Y)

	a.publish(a.clock.Now())
	return a, nil
}

// Run drives the loop until ctx is cancelled: packets from the link feed the
// filter, queued operations run, and every control period the command is
// refreshed and telemetry sampled.
func (a *App) Run(ctx context.Context) error {
	defer a.once.Do(func() { close(a.stopped) })

	ticker := a.clock.NewTicker(a.period)
	defer ticker.Stop()

	packets := a.link.Packets()
	for {
		select {
		case <-ctx.Done():
			a.closeSubscribers()
			return nil
		case p := <-packets:
			a.HandlePacket(p)
		case op := <-a.ops:
			op()
		case <-ticker.C():
			a.Tick()
		}
	}
}

// Do runs fn on the loop goroutine and waits for it to finish.
func (a *App) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	op := func() {
		defer close(done)
		fn()
	}
	select {
	case a.ops <- op:
	case <-a.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// doErr is Do for closures that fail.
func (a *App) doErr(ctx context.Context, fn func() error) error {
	var err error
	if doErr := a.Do(ctx, func() { err = fn() }); doErr != nil {
		return doErr
	}
	return err
}

// Link returns the serial link.
func (a *App) Link() *serialmux.RobotLink { return a.link }

// History returns the telemetry history.
func (a *App) History() *telemetry.History { return a.history }

// Config returns the configuration the App was built from.
func (a *App) Config() *config.RobotConfig { return a.cfg }

// Snapshot returns the most recently published state.
func (a *App) Snapshot() Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.snapshot
}

// SubscribeSnapshots returns a channel receiving every published snapshot.
// Slow subscribers miss snapshots rather than stall the loop.
func (a *App) SubscribeSnapshots() (string, <-chan Snapshot) {
	id := uuid.NewString()
	ch := make(chan Snapshot, snapshotBuffer)
	a.mu.Lock()
	a.subs[id] = ch
	a.mu.Unlock()
	return id, ch
}

// UnsubscribeSnapshots closes and removes a subscription.
func (a *App) UnsubscribeSnapshots(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if ch, ok := a.subs[id]; ok {
		close(ch)
		delete(a.subs, id)
	}
}

func (a *App) closeSubscribers() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, ch := range a.subs {
		close(ch)
		delete(a.subs, id)
	}
}

// publish captures the loop state into a snapshot and fans it out.
func (a *App) publish(now time.Time) {
	s := a.buildSnapshot(now)

	a.mu.Lock()
	defer a.mu.Unlock()
	a.snapshot = s
	for _, ch := range a.subs {
		select {
		case ch <- s:
		default:
		}
	}
}

func (a *App) buildSnapshot(now time.Time) Snapshot {
	pose := a.filter.Pose()
	ra, rb := a.landmarks.Ranges()
	q, r := a.filter.Noise()
	s := Snapshot{
		Time:       now,
		Pose:       pose,
		CovTrace:   a.filter.Trace(),
		Healthy:    a.filter.Healthy(),
		Ranges:     [2]float64{ra, rb},
		Anchors:    toAnchorsJSON(a.landmarks.Anchors()),
		Noise:      NoiseJSON{Process: q, Measurement: r},
		Filter:     a.cfg.GetFilter(),
		Discipline: a.filter.Discipline().String(),
		Mode:       a.mode.String(),
		Command:    a.command,
		Waypoints:  a.path.Len(),
		Connected:  a.link.Connected(),
		LastError:  a.lastErr,
	}
	if e, err := a.filter.CovarianceEllipse(); err == nil {
		s.Ellipse = &e
	}
	if g, ok := a.path.Goal(); ok {
		p := toPoint(g)
		s.Goal = &p
	}
	if sol, err := a.landmarks.Estimate(); err == nil {
		s.Bilateration = []config.Point{toPoint(sol.A), toPoint(sol.B)}
	}
	return s
}

func toPoint(v r2.Vec) config.Point { return config.Point{X: v.X, Y: v.Y} }
