package app

import "fmt"

// Mode selects who drives the wheels.
type Mode int

const (
	// ModeWaypoint steers towards the active goal on every control tick.
	ModeWaypoint Mode = iota
	// ModeManual holds the last manual command.
	ModeManual
)

func (m Mode) String() string {
	if m == ModeManual {
		return "manual"
	}
	return "waypoint"
}

// ParseMode accepts "manual" or "waypoint".
func ParseMode(s string) (Mode, error) {
	switch s {
	case "manual":
		return ModeManual, nil
	case "waypoint":
		return ModeWaypoint, nil
	default:
		return ModeWaypoint, fmt.Errorf("unknown mode %q: expected manual or waypoint", s)
	}
}

// PresetSpeed is the wheel speed (rad/s) of the manual drive presets.
const PresetSpeed = 2.0

// Presets are the manual drive shortcuts as (velA, velB).
var Presets = map[string][2]float64{
	"forward":  {PresetSpeed, PresetSpeed},
	"backward": {-PresetSpeed, -PresetSpeed},
	"left":     {0, PresetSpeed},
	"right":    {PresetSpeed, 0},
	"stop":     {0, 0},
}
