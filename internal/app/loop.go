package app

import (
	"errors"
	"math/rand/v2"

	"gonum.org/v1/gonum/spatial/r2"

	"github.com/banshee-data/rangeloc/internal/localization"
	"github.com/banshee-data/rangeloc/internal/monitoring"
	"github.com/banshee-data/rangeloc/internal/packet"
	"github.com/banshee-data/rangeloc/internal/telemetry"
)

// HandlePacket feeds one decoded packet to the estimator. It must run on
// the loop goroutine.
func (a *App) HandlePacket(p packet.Packet) {
	now := a.clock.Now()
	dt := 0.0
	if !a.lastPacket.IsZero() {
		dt = now.Sub(a.lastPacket).Seconds()
	}
	a.lastPacket = now

	if a.recorder != nil {
		a.recorder.RecordPacket(p)
	}

	switch v := p.(type) {
	case packet.EncoderPacket:
		a.onEncoder(v, dt)
	case packet.LandmarkPacket:
		a.onLandmark(v, dt)
	case packet.StatusPacket:
		monitoring.Infof("serial", "robot reports connected=%t", v.Connected)
	}
}

func (a *App) onEncoder(p packet.EncoderPacket, dt float64) {
	encA, encB := float64(p.EncA), float64(p.EncB)
	// The first reading after start or a pose reset only sets the
	// reference totals; the robot's counters are not zeroed on connect.
	if a.odom != nil && !a.encSeeded {
		a.odom.RebaseEncoders(encA, encB)
		a.encSeeded = true
		return
	}
	a.encSeeded = true
	a.report(a.filter.Predict([2]float64{encA, encB}, dt), "predict")
}

func (a *App) onLandmark(p packet.LandmarkPacket, dt float64) {
	if !a.landmarks.OnPacket(p) {
		monitoring.Warnf(logTag, "rejected range %.3f to anchor %s", p.Range, p.Anchor)
		return
	}
	a.correct(dt, p.Anchor)
}

// correct fuses the stored ranges using the filter's discipline. Sequential
// filters take each fresh range in turn; joint filters update with the
// latest pair once both anchors have reported.
func (a *App) correct(dt float64, ids ...packet.AnchorID) {
	switch a.filter.Discipline() {
	case localization.DisciplineSequential:
		anchors := a.landmarks.Anchors()
		for _, id := range ids {
			r, ok := a.landmarks.TakeFresh(id)
			if !ok {
				continue
			}
			pos, _ := anchors.Position(id)
			a.report(a.filter.UpdateLandmark(id, pos, r), "update "+id.String())
		}
	default:
		ra, rb := a.landmarks.Ranges()
		if ra <= 0 || rb <= 0 {
			return
		}
		for _, id := range ids {
			a.landmarks.TakeFresh(id)
		}
		a.report(a.filter.Update([2]float64{ra, rb}, dt), "update")
	}
}

func (a *App) report(err error, op string) {
	if err == nil {
		return
	}
	a.lastErr = op + ": " + err.Error()
	if errors.Is(err, localization.ErrNonFinite) {
		monitoring.Errorf(logTag, "%s rejected: %v", op, err)
		return
	}
	monitoring.Warnf(logTag, "%s failed: %v", op, err)
}

// Tick runs one control period: waypoint steering, telemetry sampling,
// recording and snapshot publication. It must run on the loop goroutine.
func (a *App) Tick() {
	now := a.clock.Now()
	pose := a.filter.Pose()

	if a.mode == ModeWaypoint {
		velL, velR, ok := a.path.Command(pose)
		if !ok {
			velL, velR = 0, 0
		}
		a.sendCommand(velL, velR)
	}

	ra, rb := a.landmarks.Ranges()
	a.history.Record(now, telemetry.NewSample(
		[2]float64{ra, rb}, pose.Position(), a.landmarks.Anchors(), a.filter.Gain(), a.filter.Covariance()))

	if a.recorder != nil {
		a.recorder.RecordPose(pose, a.filter.Trace(), a.mode.String())
	}
	a.publish(now)
}

func (a *App) sendCommand(velA, velB float64) {
	a.command = [2]float64{velA, velB}
	a.link.SetCommandVel(float32(velA), float32(velB))
}

// simulate replaces both ranges with noisy distances from truth and runs a
// correction, as if the robot had reported them.
func (a *App) simulate(truth r2.Vec, stddev float64) {
	seed := uint64(a.clock.Now().UnixNano())
	a.landmarks.SimulateRanges(truth, stddev, rand.NewPCG(seed, seed>>1))
	a.correct(0, packet.AnchorA, packet.AnchorB)
}
