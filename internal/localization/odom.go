package localization

import (
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r2"

	"github.com/banshee-data/rangeloc/internal/odometry"
	"github.com/banshee-data/rangeloc/internal/packet"
)

// OdomFilter estimates (x, y, θ), predicting with wheel odometry.
type OdomFilter struct {
	core
	params   odometry.Params
	headingQ float64
	encA     float64
	encB     float64
}

// NewOdomFilter returns a filter at initial with P = I. The default
// discipline is sequential.
func NewOdomFilter(initial Pose, cfg Config) *OdomFilter {
	if cfg.Discipline == DisciplineDefault {
		cfg.Discipline = DisciplineSequential
	}
	if cfg.Odometry == (odometry.Params{}) {
		cfg.Odometry = odometry.DefaultParams()
	}
	if cfg.HeadingProcessNoise == 0 {
		cfg.HeadingProcessNoise = DefaultHeadingProcessNoise
	}
	return &OdomFilter{
		core:     newCore(3, []float64{initial.X, initial.Y, initial.Theta}, cfg),
		params:   cfg.Odometry,
		headingQ: cfg.HeadingProcessNoise,
	}
}

// Predict advances the pose by the wheel travel since the previous call.
// u holds the accumulated encoder totals (left, right); dt is unused
// because the model is driven by displacement, not time.
func (f *OdomFilter) Predict(u [2]float64, _ float64) error {
	d, dTheta := f.params.Displacement(u[0]-f.encA, u[1]-f.encB)
	prevEncA, prevEncB := f.encA, f.encB
	f.encA, f.encB = u[0], u[1]

	prev := mat.VecDenseCopyOf(f.x)
	pose := f.Pose()
	F := odometry.Jacobian(pose, d, dTheta)
	next := odometry.Integrate(pose, d, dTheta)
	f.x.SetVec(0, next.X)
	f.x.SetVec(1, next.Y)
	f.x.SetVec(2, next.Theta)

	if err := f.propagate(F, f.processNoise(f.headingQ), prev); err != nil {
		f.encA, f.encB = prevEncA, prevEncB
		return err
	}
	return nil
}

// RebaseEncoders sets the encoder totals the next Predict is measured
// against, without moving the pose.
func (f *OdomFilter) RebaseEncoders(encA, encB float64) {
	f.encA, f.encB = encA, encB
}

// Update fuses both ranges z = (rA, rB). dt is unused.
func (f *OdomFilter) Update(z [2]float64, _ float64) error {
	return f.updateJoint(z)
}

// UpdateLandmark fuses a single range r to the anchor id located at pos.
func (f *OdomFilter) UpdateLandmark(id packet.AnchorID, pos r2.Vec, r float64) error {
	return f.updateSingle(id, pos, r)
}

// Pose returns the pose estimate.
func (f *OdomFilter) Pose() Pose {
	return Pose{X: f.x.AtVec(0), Y: f.x.AtVec(1), Theta: f.x.AtVec(2)}
}

// ResetPose re-localises the filter: the pose is overwritten and P is reset
// to the identity, discarding all accumulated confidence. Encoder totals are
// kept so the next Predict continues from the current wheel position.
func (f *OdomFilter) ResetPose(p Pose) {
	f.x.SetVec(0, p.X)
	f.x.SetVec(1, p.Y)
	f.x.SetVec(2, p.Theta)
	f.resetCovariance()
}

// SetHeadingNoise replaces the heading term of Q.
func (f *OdomFilter) SetHeadingNoise(q float64) { f.headingQ = q }
