package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"gonum.org/v1/gonum/spatial/r2"

	"github.com/banshee-data/rangeloc/internal/fsutil"
	"github.com/banshee-data/rangeloc/internal/geometry"
	"github.com/banshee-data/rangeloc/internal/localization"
	"github.com/banshee-data/rangeloc/internal/odometry"
	"github.com/banshee-data/rangeloc/internal/packet"
	"github.com/banshee-data/rangeloc/internal/pathctl"
	"github.com/banshee-data/rangeloc/internal/serialmux"
)

// DefaultConfigPath is the path to the canonical defaults file.
const DefaultConfigPath = "config/rangeloc.defaults.json"

const maxFileSize = 1 * 1024 * 1024 // 1MB

// Filter kinds accepted by the "filter" key.
const (
	FilterOdom     = "odom"
	FilterConstPos = "constpos"
)

// Point is a JSON-friendly 2D position.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Vec converts p to an r2.Vec.
func (p Point) Vec() r2.Vec { return r2.Vec{X: p.X, Y: p.Y} }

// DefaultRoute is the goal loop the robot drives when no waypoint file is
// loaded.
var DefaultRoute = []Point{
	{X: -0.65, Y: -0.75},
	{X: -0.5, Y: -2},
	{X: 0.65, Y: -0.75},
	{X: 1.5, Y: -0.75},
}

// RobotConfig is the root configuration. Every field is optional; the Get*
// accessors supply the default for anything left unset, so partial files are
// safe.
type RobotConfig struct {
	// Serial link
	SerialPort     *string `json:"serial_port,omitempty"`
	BaudRate       *int    `json:"baud_rate,omitempty"`
	ReconnectDelay *string `json:"reconnect_delay,omitempty"` // duration string like "500ms"

	// Landmarks
	AnchorA      *Point   `json:"anchor_a,omitempty"`
	AnchorB      *Point   `json:"anchor_b,omitempty"`
	ScaleA       *float64 `json:"scale_a,omitempty"`
	ScaleB       *float64 `json:"scale_b,omitempty"`
	AnchorHeight *float64 `json:"anchor_height,omitempty"`

	// Filter
	Filter              *string        `json:"filter,omitempty"`     // "odom" or "constpos"
	Discipline          *string        `json:"discipline,omitempty"` // "joint" or "sequential"
	ProcessNoise        *float64       `json:"process_noise,omitempty"`
	MeasurementNoise    *float64       `json:"measurement_noise,omitempty"`
	HeadingProcessNoise *float64       `json:"heading_process_noise,omitempty"`
	InitialPose         *odometry.Pose `json:"initial_pose,omitempty"`

	// Drive geometry and control
	WheelRadius   *float64 `json:"wheel_radius,omitempty"`
	TrackWidth    *float64 `json:"track_width,omitempty"`
	ControlGain   *float64 `json:"control_gain,omitempty"`
	ForwardSpeed  *float64 `json:"forward_speed,omitempty"`
	ControlPeriod *string  `json:"control_period,omitempty"` // duration string like "20ms"
	ArrivalRadius *float64 `json:"arrival_radius,omitempty"`
	Route         []Point  `json:"route,omitempty"`
	WaypointFile  *string  `json:"waypoint_file,omitempty"`

	// Services
	Listen *string `json:"listen,omitempty"`
	DBPath *string `json:"db_path,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyRobotConfig returns a RobotConfig with all fields set to nil.
func EmptyRobotConfig() *RobotConfig {
	return &RobotConfig{}
}

// LoadRobotConfig loads a RobotConfig from a JSON file.
// The file must have a .json extension and be under 1MB.
func LoadRobotConfig(fsys fsutil.FileSystem, path string) (*RobotConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := fsys.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := fsys.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyRobotConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath, searching the current
// directory and its parents. Panics if the file cannot be loaded, intended
// for test setup.
func MustLoadDefaultConfig() *RobotConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,    // from internal/config/
		"../../../" + DefaultConfigPath, // from cmd/rangeloc/
	}
	for _, path := range candidates {
		if cfg, err := LoadRobotConfig(fsutil.OSFileSystem{}, path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// EnvOverrides holds the settings that may be supplied through the
// environment. Empty values leave the file configuration alone.
type EnvOverrides struct {
	SerialPort string `env:"RANGELOC_SERIAL_PORT"`
	BaudRate   int    `env:"RANGELOC_BAUD"`
	Listen     string `env:"RANGELOC_LISTEN"`
	DBPath     string `env:"RANGELOC_DB"`
}

// ApplyEnv overlays RANGELOC_* variables from environ onto c. A nil environ
// reads the process environment.
func (c *RobotConfig) ApplyEnv(environ map[string]string) error {
	var o EnvOverrides
	opts := env.Options{}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(&o, opts); err != nil {
		return fmt.Errorf("failed to parse environment: %w", err)
	}
	if o.SerialPort != "" {
		c.SerialPort = ptrString(o.SerialPort)
	}
	if o.BaudRate != 0 {
		c.BaudRate = ptrInt(o.BaudRate)
	}
	if o.Listen != "" {
		c.Listen = ptrString(o.Listen)
	}
	if o.DBPath != "" {
		c.DBPath = ptrString(o.DBPath)
	}
	return c.Validate()
}

// Validate checks that the configuration values are valid.
func (c *RobotConfig) Validate() error {
	if c.BaudRate != nil && *c.BaudRate <= 0 {
		return fmt.Errorf("baud_rate must be positive, got %d", *c.BaudRate)
	}
	for name, d := range map[string]*string{
		"reconnect_delay": c.ReconnectDelay,
		"control_period":  c.ControlPeriod,
	} {
		if d == nil || *d == "" {
			continue
		}
		v, err := time.ParseDuration(*d)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *d, err)
		}
		if v <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, v)
		}
	}
	if c.AnchorA != nil && c.AnchorB != nil && *c.AnchorA == *c.AnchorB {
		return fmt.Errorf("anchor_a and anchor_b must differ")
	}
	for name, v := range map[string]*float64{
		"scale_a":        c.ScaleA,
		"scale_b":        c.ScaleB,
		"wheel_radius":   c.WheelRadius,
		"track_width":    c.TrackWidth,
		"arrival_radius": c.ArrivalRadius,
	} {
		if v != nil && *v <= 0 {
			return fmt.Errorf("%s must be positive, got %f", name, *v)
		}
	}
	for name, v := range map[string]*float64{
		"process_noise":         c.ProcessNoise,
		"measurement_noise":     c.MeasurementNoise,
		"heading_process_noise": c.HeadingProcessNoise,
	} {
		if v != nil && *v < 0 {
			return fmt.Errorf("%s must be non-negative, got %f", name, *v)
		}
	}
	if c.Filter != nil && *c.Filter != FilterOdom && *c.Filter != FilterConstPos {
		return fmt.Errorf("filter must be %q or %q, got %q", FilterOdom, FilterConstPos, *c.Filter)
	}
	if c.Discipline != nil {
		if _, err := localization.ParseDiscipline(*c.Discipline); err != nil {
			return err
		}
	}
	return nil
}

func durationOr(s *string, def time.Duration) time.Duration {
	if s == nil || *s == "" {
		return def
	}
	d, err := time.ParseDuration(*s)
	if err != nil {
		return def
	}
	return d
}

func floatOr(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}

func stringOr(v *string, def string) string {
	if v == nil {
		return def
	}
	return *v
}

// GetSerialPort returns the serial device path; empty means "do not open".
func (c *RobotConfig) GetSerialPort() string { return stringOr(c.SerialPort, "") }

// GetPortOptions returns the serial port options.
func (c *RobotConfig) GetPortOptions() serialmux.PortOptions {
	opts := serialmux.PortOptions{BaudRate: serialmux.DefaultBaudRate}
	if c.BaudRate != nil {
		opts.BaudRate = *c.BaudRate
	}
	return opts
}

// GetReconnectDelay returns the pause between reconnect attempts.
func (c *RobotConfig) GetReconnectDelay() time.Duration {
	return durationOr(c.ReconnectDelay, serialmux.DefaultReconnectDelay)
}

// GetAnchors returns the anchor positions, A at the origin and B 1.5m along
// the x axis by default.
func (c *RobotConfig) GetAnchors() geometry.Anchors {
	a := geometry.Anchors{A: r2.Vec{X: 0, Y: 0}, B: r2.Vec{X: 1.5, Y: 0}}
	if c.AnchorA != nil {
		a.A = c.AnchorA.Vec()
	}
	if c.AnchorB != nil {
		a.B = c.AnchorB.Vec()
	}
	return a
}

// GetCalibration returns the range calibration of one anchor.
func (c *RobotConfig) GetCalibration(id packet.AnchorID) geometry.Calibration {
	cal := geometry.DefaultCalibration(id)
	switch id {
	case packet.AnchorA:
		cal.Scale = floatOr(c.ScaleA, cal.Scale)
	case packet.AnchorB:
		cal.Scale = floatOr(c.ScaleB, cal.Scale)
	}
	cal.Height = floatOr(c.AnchorHeight, cal.Height)
	return cal
}

// GetFilter returns the filter kind.
func (c *RobotConfig) GetFilter() string { return stringOr(c.Filter, FilterOdom) }

// GetDiscipline returns the configured update discipline. Unset means the
// filter's own default.
func (c *RobotConfig) GetDiscipline() localization.Discipline {
	if c.Discipline == nil {
		return localization.DisciplineDefault
	}
	d, err := localization.ParseDiscipline(*c.Discipline)
	if err != nil {
		return localization.DisciplineDefault
	}
	return d
}

// GetOdometry returns the drive geometry.
func (c *RobotConfig) GetOdometry() odometry.Params {
	p := odometry.DefaultParams()
	p.WheelRadius = floatOr(c.WheelRadius, p.WheelRadius)
	p.TrackWidth = floatOr(c.TrackWidth, p.TrackWidth)
	return p
}

// GetFilterConfig assembles the filter tuning.
func (c *RobotConfig) GetFilterConfig() localization.Config {
	cfg := localization.DefaultConfig()
	cfg.ProcessNoise = floatOr(c.ProcessNoise, cfg.ProcessNoise)
	cfg.MeasurementNoise = floatOr(c.MeasurementNoise, cfg.MeasurementNoise)
	cfg.HeadingProcessNoise = floatOr(c.HeadingProcessNoise, cfg.HeadingProcessNoise)
	cfg.Discipline = c.GetDiscipline()
	cfg.Odometry = c.GetOdometry()
	cfg.Anchors = c.GetAnchors()
	return cfg
}

// GetInitialPose returns the pose the filter starts from.
func (c *RobotConfig) GetInitialPose() odometry.Pose {
	if c.InitialPose == nil {
		return odometry.Pose{}
	}
	return *c.InitialPose
}

// GetControl returns the go-to-goal control law parameters.
func (c *RobotConfig) GetControl() odometry.ControlParams {
	ctl := odometry.DefaultControlParams()
	ctl.Gain = floatOr(c.ControlGain, ctl.Gain)
	ctl.ForwardSpeed = floatOr(c.ForwardSpeed, ctl.ForwardSpeed)
	return ctl
}

// GetControlPeriod returns the control loop period.
func (c *RobotConfig) GetControlPeriod() time.Duration {
	return durationOr(c.ControlPeriod, 20*time.Millisecond)
}

// GetArrivalRadius returns the distance at which a goal counts as reached.
func (c *RobotConfig) GetArrivalRadius() float64 {
	return floatOr(c.ArrivalRadius, pathctl.DefaultArrivalRadius)
}

// GetRoute returns the initial waypoint loop.
func (c *RobotConfig) GetRoute() []r2.Vec {
	src := c.Route
	if len(src) == 0 {
		src = DefaultRoute
	}
	route := make([]r2.Vec, len(src))
	for i, p := range src {
		route[i] = p.Vec()
	}
	return route
}

// GetWaypointFile returns the waypoint file used by save and load.
func (c *RobotConfig) GetWaypointFile() string { return stringOr(c.WaypointFile, "waypoints.bin") }

// GetListen returns the HTTP listen address.
func (c *RobotConfig) GetListen() string { return stringOr(c.Listen, ":8080") }

// GetDBPath returns the session database path; empty disables recording.
func (c *RobotConfig) GetDBPath() string { return stringOr(c.DBPath, "") }
