package db

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/banshee-data/rangeloc/internal/monitoring"
	"github.com/banshee-data/rangeloc/internal/odometry"
	"github.com/banshee-data/rangeloc/internal/packet"
	"github.com/banshee-data/rangeloc/internal/timeutil"
)

const (
	// DefaultFlushInterval is how often Run writes pending rows.
	DefaultFlushInterval = time.Second
	// DefaultMaxPending bounds the rows held between flushes; further rows
	// are dropped and counted.
	DefaultMaxPending = 10000

	logTag = "db"
)

// Recorder buffers packets and poses for one session and writes them in
// batches. Record calls never block on the database.
type Recorder struct {
	db         *DB
	session    Session
	clock      timeutil.Clock
	interval   time.Duration
	maxPending int

	mu      sync.Mutex
	packets []PacketRow
	poses   []PoseRow
	dropped uint64
}

// NewRecorder starts a session and returns its recorder.
func NewRecorder(db *DB, port, filter string, clock timeutil.Clock) (*Recorder, error) {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	s, err := db.StartSession(port, filter, clock.Now())
	if err != nil {
		return nil, err
	}
	monitoring.Infof(logTag, "session %s started (port=%q filter=%s)", s.ID, port, filter)
	return &Recorder{
		db:         db,
		session:    s,
		clock:      clock,
		interval:   DefaultFlushInterval,
		maxPending: DefaultMaxPending,
	}, nil
}

// Session returns the session being recorded.
func (r *Recorder) Session() Session { return r.session }

// Dropped returns the number of rows discarded because the buffer was full.
func (r *Recorder) Dropped() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// RecordPacket queues p.
func (r *Recorder) RecordPacket(p packet.Packet) {
	row, err := NewPacketRow(r.session.ID, r.clock.Now(), p)
	if err != nil {
		monitoring.Warnf(logTag, "%v", err)
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.packets)+len(r.poses) >= r.maxPending {
		r.dropped++
		return
	}
	r.packets = append(r.packets, row)
}

// RecordPose queues one point of the pose trail.
func (r *Recorder) RecordPose(pose odometry.Pose, covTrace float64, mode string) {
	row := PoseRow{SessionID: r.session.ID, RecordedAt: r.clock.Now(), Pose: pose, CovTrace: covTrace, Mode: mode}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.packets)+len(r.poses) >= r.maxPending {
		r.dropped++
		return
	}
	r.poses = append(r.poses, row)
}

// Flush writes all queued rows. Rows that fail to write are discarded and
// counted as dropped.
func (r *Recorder) Flush() error {
	r.mu.Lock()
	packets, poses := r.packets, r.poses
	r.packets, r.poses = nil, nil
	r.mu.Unlock()

	var lost uint64
	errPackets := r.db.InsertPackets(packets)
	if errPackets != nil {
		lost += uint64(len(packets))
	}
	errPoses := r.db.InsertPoses(poses)
	if errPoses != nil {
		lost += uint64(len(poses))
	}
	if lost > 0 {
		r.mu.Lock()
		r.dropped += lost
		r.mu.Unlock()
	}
	return errors.Join(errPackets, errPoses)
}

// Run flushes on every interval until ctx is cancelled, then flushes once
// more and ends the session.
func (r *Recorder) Run(ctx context.Context) error {
	ticker := r.clock.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return r.Close()
		case <-ticker.C():
			if err := r.Flush(); err != nil {
				monitoring.Errorf(logTag, "flush session %s: %v", r.session.ID, err)
			}
		}
	}
}

// Close flushes pending rows and stamps the session end time.
func (r *Recorder) Close() error {
	flushErr := r.Flush()
	if err := r.db.EndSession(r.session.ID, r.clock.Now()); err != nil {
		return err
	}
	monitoring.Infof(logTag, "session %s ended", r.session.ID)
	return flushErr
}
