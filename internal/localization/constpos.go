package localization

import (
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r2"

	"github.com/banshee-data/rangeloc/internal/packet"
)

// ConstPosFilter estimates (x, y) assuming the robot may drift anywhere
// between corrections.
type ConstPosFilter struct {
	core
}

// NewConstPosFilter returns a filter at initial with P = I. The default
// discipline is joint.
func NewConstPosFilter(initial Pose, cfg Config) *ConstPosFilter {
	if cfg.Discipline == DisciplineDefault {
		cfg.Discipline = DisciplineJoint
	}
	return &ConstPosFilter{core: newCore(2, []float64{initial.X, initial.Y}, cfg)}
}

// Predict grows P by Q. The state does not move; u and dt are ignored.
func (f *ConstPosFilter) Predict(_ [2]float64, _ float64) error {
	F := mat.NewDiagDense(2, []float64{1, 1})
	return f.propagate(F, f.processNoise(0), nil)
}

// Update fuses both ranges z = (rA, rB). dt is unused.
func (f *ConstPosFilter) Update(z [2]float64, _ float64) error {
	return f.updateJoint(z)
}

// UpdateLandmark fuses a single range r to the anchor id located at pos.
func (f *ConstPosFilter) UpdateLandmark(id packet.AnchorID, pos r2.Vec, r float64) error {
	return f.updateSingle(id, pos, r)
}

// Pose returns the position estimate with Theta = 0.
func (f *ConstPosFilter) Pose() Pose {
	return Pose{X: f.x.AtVec(0), Y: f.x.AtVec(1)}
}

// ResetPose re-localises the filter: the position is overwritten and P is
// reset to the identity, discarding all accumulated confidence.
func (f *ConstPosFilter) ResetPose(p Pose) {
	f.x.SetVec(0, p.X)
	f.x.SetVec(1, p.Y)
	f.resetCovariance()
}
