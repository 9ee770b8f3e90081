// Package localization estimates the robot pose with an extended Kalman
// filter that fuses a motion model with ranges to two fixed anchors.
//
// Two filters share one correction core:
//
//   - ConstPosFilter tracks (x, y) under a random-walk model (F = I).
//   - OdomFilter tracks (x, y, θ) and predicts with the differential-drive
//     model driven by wheel encoder totals.
//
// A filter corrects either with both ranges at once (Update) or with one
// range at a time (UpdateLandmark). The form is fixed when the filter is
// built; see Discipline.
//
// Filters are not safe for concurrent use.
package localization

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r2"

	"github.com/banshee-data/rangeloc/internal/geometry"
	"github.com/banshee-data/rangeloc/internal/monitoring"
	"github.com/banshee-data/rangeloc/internal/odometry"
	"github.com/banshee-data/rangeloc/internal/packet"
)

const (
	DefaultProcessNoise        = 0.01
	DefaultMeasurementNoise    = 0.1
	DefaultHeadingProcessNoise = 1e-4

	// minRange floors predicted ranges before they are used as divisors.
	minRange = 1e-6
	// minEigenvalue is the floor applied when P loses positive semi-definiteness.
	minEigenvalue = 1e-12

	logTag = "kalman"
)

var (
	ErrWrongDiscipline    = errors.New("correction form not enabled for this filter")
	ErrNonFinite          = errors.New("filter produced non-finite state")
	ErrSingular           = errors.New("innovation covariance is singular")
	ErrInvalidMeasurement = errors.New("invalid measurement")
	ErrUnknownAnchor      = errors.New("unknown anchor")
)

// Pose is the filter's state estimate. The constant-position filter always
// reports Theta = 0.
type Pose = odometry.Pose

// Discipline selects how range measurements are fused.
type Discipline int

const (
	// DisciplineDefault picks the filter's natural form: joint for
	// ConstPosFilter, sequential for OdomFilter.
	DisciplineDefault Discipline = iota
	// DisciplineJoint fuses both ranges in one 2-row correction (Update).
	DisciplineJoint
	// DisciplineSequential fuses each range as it arrives (UpdateLandmark).
	DisciplineSequential
)

func (d Discipline) String() string {
	switch d {
	case DisciplineJoint:
		return "joint"
	case DisciplineSequential:
		return "sequential"
	default:
		return "default"
	}
}

// ParseDiscipline accepts "joint", "sequential" or "" (default).
func ParseDiscipline(s string) (Discipline, error) {
	switch s {
	case "", "default":
		return DisciplineDefault, nil
	case "joint":
		return DisciplineJoint, nil
	case "sequential":
		return DisciplineSequential, nil
	default:
		return DisciplineDefault, fmt.Errorf("unknown discipline %q: expected joint or sequential", s)
	}
}

// Config parameterises a filter. Q and R are ProcessNoise·I and
// MeasurementNoise·I; OdomFilter replaces the heading term of Q with
// HeadingProcessNoise.
type Config struct {
	ProcessNoise        float64
	MeasurementNoise    float64
	HeadingProcessNoise float64
	Discipline          Discipline
	Odometry            odometry.Params
	Anchors             geometry.Anchors
}

// DefaultConfig returns the reference tuning.
func DefaultConfig() Config {
	return Config{
		ProcessNoise:        DefaultProcessNoise,
		MeasurementNoise:    DefaultMeasurementNoise,
		HeadingProcessNoise: DefaultHeadingProcessNoise,
		Odometry:            odometry.DefaultParams(),
	}
}

// Ellipse describes the 1σ position uncertainty. Angle is the direction of
// the major axis in radians.
type Ellipse struct {
	SemiMajor float64 `json:"semi_major"`
	SemiMinor float64 `json:"semi_minor"`
	Angle     float64 `json:"angle"`
}

// Filter is implemented by ConstPosFilter and OdomFilter.
type Filter interface {
	Predict(u [2]float64, dt float64) error
	Update(z [2]float64, dt float64) error
	UpdateLandmark(id packet.AnchorID, pos r2.Vec, r float64) error
	ResetPose(p Pose)
	Pose() Pose
	Covariance() *mat.SymDense
	Gain() *mat.Dense
	Trace() float64
	Anchors() geometry.Anchors
	SetAnchors(a geometry.Anchors)
	Noise() (q, r float64)
	SetNoise(q, r float64)
	CovarianceEllipse() (Ellipse, error)
	Healthy() bool
	Discipline() Discipline
}

// core holds the state shared by both filters: mean x, covariance P and the
// last gain K (one column per anchor).
type core struct {
	n          int
	x          *mat.VecDense
	P          *mat.SymDense
	K          *mat.Dense
	q, r       float64
	anchors    geometry.Anchors
	discipline Discipline
}

func newCore(n int, x0 []float64, cfg Config) core {
	return core{
		n:          n,
		x:          mat.NewVecDense(n, x0),
		P:          identitySym(n),
		K:          mat.NewDense(n, 2, nil),
		q:          cfg.ProcessNoise,
		r:          cfg.MeasurementNoise,
		anchors:    cfg.Anchors,
		discipline: cfg.Discipline,
	}
}

func identitySym(n int) *mat.SymDense {
	p := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		p.SetSym(i, i, 1)
	}
	return p
}

func (c *core) Anchors() geometry.Anchors     { return c.anchors }
func (c *core) SetAnchors(a geometry.Anchors) { c.anchors = a }
func (c *core) Noise() (q, r float64)         { return c.q, c.r }
func (c *core) Discipline() Discipline        { return c.discipline }
func (c *core) Trace() float64                { return mat.Trace(c.P) }
func (c *core) SetNoise(q, r float64)         { c.q, c.r = q, r }

// Covariance returns a copy of P.
func (c *core) Covariance() *mat.SymDense {
	p := mat.NewSymDense(c.n, nil)
	p.CopySym(c.P)
	return p
}

// Gain returns a copy of the most recent Kalman gain. Column 0 belongs to
// anchor A and column 1 to anchor B.
func (c *core) Gain() *mat.Dense {
	return mat.DenseCopyOf(c.K)
}

// Healthy reports whether x and P are finite.
func (c *core) Healthy() bool {
	return isFiniteState(c.x, c.P)
}

// resetCovariance discards accumulated confidence.
func (c *core) resetCovariance() {
	c.P = identitySym(c.n)
	c.K = mat.NewDense(c.n, 2, nil)
}

// CovarianceEllipse returns the 1σ ellipse of the position block of P.
func (c *core) CovarianceEllipse() (Ellipse, error) {
	block := mat.NewSymDense(2, []float64{
		c.P.At(0, 0), c.P.At(0, 1),
		c.P.At(1, 0), c.P.At(1, 1),
	})
	if !isFiniteMatrix(block) {
		return Ellipse{}, ErrNonFinite
	}

	var eig mat.EigenSym
	if ok := eig.Factorize(block, true); !ok {
		return Ellipse{}, fmt.Errorf("%w: eigendecomposition failed", ErrNonFinite)
	}
	vals := eig.Values(nil)
	var vecs mat.Dense
	eig.VectorsTo(&vecs)

	// Values are ascending; the last column is the major axis.
	return Ellipse{
		SemiMajor: math.Sqrt(math.Max(vals[1], 0)),
		SemiMinor: math.Sqrt(math.Max(vals[0], 0)),
		Angle:     math.Atan2(vecs.At(1, 1), vecs.At(0, 1)),
	}, nil
}

func (c *core) processNoise(headingQ float64) *mat.Dense {
	q := mat.NewDense(c.n, c.n, nil)
	for i := 0; i < c.n; i++ {
		q.Set(i, i, c.q)
	}
	if c.n == 3 {
		q.Set(2, 2, headingQ)
	}
	return q
}

// propagate sets P ← F·P·Fᵀ + Q. x must already hold the predicted mean.
func (c *core) propagate(F, Q mat.Matrix, prevX *mat.VecDense) error {
	var fp, next mat.Dense
	fp.Mul(F, c.P)
	next.Mul(&fp, F.T())
	next.Add(&next, Q)
	return c.commit(c.x, &next, prevX)
}

// rangeRow returns the predicted range from the state to pos and the
// corresponding Jacobian row, floored away from zero.
func (c *core) rangeRow(pos r2.Vec) (float64, []float64) {
	dx := c.x.AtVec(0) - pos.X
	dy := c.x.AtVec(1) - pos.Y
	h := math.Hypot(dx, dy)
	if h < minRange {
		h = minRange
	}
	row := make([]float64, c.n)
	row[0] = dx / h
	row[1] = dy / h
	return h, row
}

// correct applies one EKF correction with Jacobian H, innovation y and
// isotropic measurement noise c.r. It returns the gain.
func (c *core) correct(H *mat.Dense, y []float64) (*mat.Dense, error) {
	m, _ := H.Dims()

	var pht mat.Dense
	pht.Mul(c.P, H.T())

	var s mat.Dense
	s.Mul(H, &pht)
	for i := 0; i < m; i++ {
		s.Set(i, i, s.At(i, i)+c.r)
	}

	var sInv mat.Dense
	if err := sInv.Inverse(&s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSingular, err)
	}

	var k mat.Dense
	k.Mul(&pht, &sInv)

	var dx mat.VecDense
	dx.MulVec(&k, mat.NewVecDense(m, y))
	var x mat.VecDense
	x.AddVec(c.x, &dx)

	var kh mat.Dense
	kh.Mul(&k, H)
	ikh := mat.NewDense(c.n, c.n, nil)
	for i := 0; i < c.n; i++ {
		ikh.Set(i, i, 1)
	}
	ikh.Sub(ikh, &kh)

	var p mat.Dense
	p.Mul(ikh, c.P)

	if err := c.commit(&x, &p, nil); err != nil {
		return nil, err
	}
	return &k, nil
}

// commit installs a new mean and covariance. P is symmetrised and, if it
// has a negative eigenvalue, shifted back to positive semi-definite. A
// non-finite result leaves the filter untouched (or restores prevX when the
// mean was already advanced in place).
func (c *core) commit(x *mat.VecDense, p mat.Matrix, prevX *mat.VecDense) error {
	sym := mat.NewSymDense(c.n, nil)
	for i := 0; i < c.n; i++ {
		for j := i; j < c.n; j++ {
			sym.SetSym(i, j, (p.At(i, j)+p.At(j, i))/2)
		}
	}

	if !isFiniteState(x, sym) {
		if prevX != nil {
			c.x.CopyVec(prevX)
		}
		monitoring.Errorf(logTag, "rejecting non-finite estimate, keeping previous state")
		return ErrNonFinite
	}

	regularise(sym)

	if x != c.x {
		c.x.CopyVec(x)
	}
	c.P = sym
	return nil
}

// regularise shifts sym by (minEigenvalue - λmin)·I when λmin < 0.
func regularise(sym *mat.SymDense) {
	var eig mat.EigenSym
	if ok := eig.Factorize(sym, false); !ok {
		return
	}
	vals := eig.Values(nil)
	if vals[0] >= 0 {
		return
	}
	shift := minEigenvalue - vals[0]
	n, _ := sym.Dims()
	for i := 0; i < n; i++ {
		sym.SetSym(i, i, sym.At(i, i)+shift)
	}
	monitoring.Warnf(logTag, "covariance lost definiteness (min eigenvalue %g), regularised", vals[0])
}

// isFiniteState returns true if every element of the state vector and the
// covariance matrix is finite (not NaN or ±Inf).
func isFiniteState(x *mat.VecDense, p *mat.SymDense) bool {
	for i := 0; i < x.Len(); i++ {
		if !isFinite(x.AtVec(i)) {
			return false
		}
	}
	return isFiniteMatrix(p)
}

func isFiniteMatrix(m mat.Matrix) bool {
	r, c := m.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if !isFinite(m.At(i, j)) {
				return false
			}
		}
	}
	return true
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func gainColumn(id packet.AnchorID) (int, error) {
	switch id {
	case packet.AnchorA:
		return 0, nil
	case packet.AnchorB:
		return 1, nil
	default:
		return 0, fmt.Errorf("%w: %s", ErrUnknownAnchor, id)
	}
}

// updateJoint fuses both ranges in one correction.
func (c *core) updateJoint(z [2]float64) error {
	if c.discipline != DisciplineJoint {
		return fmt.Errorf("%w: Update called on %s filter", ErrWrongDiscipline, c.discipline)
	}
	if !validRange(z[0]) || !validRange(z[1]) {
		return fmt.Errorf("%w: ranges %v", ErrInvalidMeasurement, z)
	}

	hA, rowA := c.rangeRow(c.anchors.A)
	hB, rowB := c.rangeRow(c.anchors.B)
	H := mat.NewDense(2, c.n, append(rowA, rowB...))

	k, err := c.correct(H, []float64{z[0] - hA, z[1] - hB})
	if err != nil {
		return err
	}
	c.K.Copy(k)
	return nil
}

// validRange reports whether r is a usable distance.
func validRange(r float64) bool { return isFinite(r) && r > 0 }

// updateSingle fuses one range to the anchor at pos.
func (c *core) updateSingle(id packet.AnchorID, pos r2.Vec, r float64) error {
	if c.discipline != DisciplineSequential {
		return fmt.Errorf("%w: UpdateLandmark called on %s filter", ErrWrongDiscipline, c.discipline)
	}
	col, err := gainColumn(id)
	if err != nil {
		return err
	}
	if !validRange(r) {
		return fmt.Errorf("%w: range %v", ErrInvalidMeasurement, r)
	}

	h, row := c.rangeRow(pos)
	k, err := c.correct(mat.NewDense(1, c.n, row), []float64{r - h})
	if err != nil {
		return err
	}
	for i := 0; i < c.n; i++ {
		c.K.Set(i, col, k.At(i, 0))
	}
	return nil
}
