package app

import (
	"time"

	"github.com/banshee-data/rangeloc/internal/config"
	"github.com/banshee-data/rangeloc/internal/geometry"
	"github.com/banshee-data/rangeloc/internal/localization"
)

// Snapshot is the published state of the loop, safe to share.
type Snapshot struct {
	Time         time.Time             `json:"time"`
	Pose         localization.Pose     `json:"pose"`
	CovTrace     float64               `json:"cov_trace"`
	Ellipse      *localization.Ellipse `json:"ellipse,omitempty"`
	Healthy      bool                  `json:"healthy"`
	Ranges       [2]float64            `json:"ranges"`
	Bilateration []config.Point        `json:"bilateration,omitempty"`
	Anchors      AnchorsJSON           `json:"anchors"`
	Noise        NoiseJSON             `json:"noise"`
	Filter       string                `json:"filter"`
	Discipline   string                `json:"discipline"`
	Mode         string                `json:"mode"`
	Command      [2]float64            `json:"command"`
	Goal         *config.Point         `json:"goal,omitempty"`
	Waypoints    int                   `json:"waypoints"`
	Connected    bool                  `json:"connected"`
	LastError    string                `json:"last_error,omitempty"`
}

// AnchorsJSON is the wire form of the anchor positions.
type AnchorsJSON struct {
	A config.Point `json:"a"`
	B config.Point `json:"b"`
}

// Anchors converts to the geometry form.
func (a AnchorsJSON) Anchors() geometry.Anchors {
	return geometry.Anchors{A: a.A.Vec(), B: a.B.Vec()}
}

func toAnchorsJSON(a geometry.Anchors) AnchorsJSON {
	return AnchorsJSON{A: toPoint(a.A), B: toPoint(a.B)}
}

// NoiseJSON is the wire form of the filter noise levels.
type NoiseJSON struct {
	Process     float64 `json:"process"`
	Measurement float64 `json:"measurement"`
}
