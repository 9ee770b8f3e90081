// Package serialmux owns the serial connection to the robot. A RobotLink runs
// one worker goroutine per session that reads fixed-size frames, verifies
// them, acknowledges each valid frame, keeps the latest value of every packet
// type and writes pending velocity commands back. Lost devices are reopened
// automatically.
package serialmux

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/rangeloc/internal/monitoring"
	"github.com/banshee-data/rangeloc/internal/packet"
	"github.com/banshee-data/rangeloc/internal/timeutil"
)

const (
	// DefaultReconnectDelay is the pause before reopening a lost device.
	DefaultReconnectDelay = 500 * time.Millisecond
	// DefaultBadFrameBackoff is the pause after a frame fails verification.
	DefaultBadFrameBackoff = 10 * time.Millisecond
	// DefaultEventCapacity bounds the Packets channel.
	DefaultEventCapacity = 32

	subscriberBuffer = 16
	logTag           = "serial"
)

var ErrAlreadyOpen = errors.New("serial port already open")

// LinkStats counts what the worker has seen since the link was created.
type LinkStats struct {
	FramesDecoded    uint64 `json:"frames_decoded"`
	FramesDropped    uint64 `json:"frames_dropped"`
	ChecksumFailures uint64 `json:"checksum_failures"`
	Reconnects       uint64 `json:"reconnects"`
	CommandsWritten  uint64 `json:"commands_written"`
	EventsDropped    uint64 `json:"events_dropped"`
}

// LinkOption configures a RobotLink.
type LinkOption func(*RobotLink)

// WithClock replaces the clock used for reconnect and backoff pauses.
func WithClock(c timeutil.Clock) LinkOption {
	return func(l *RobotLink) { l.clock = c }
}

// WithReconnectDelay sets the pause before reopening a lost device.
func WithReconnectDelay(d time.Duration) LinkOption {
	return func(l *RobotLink) { l.reconnectDelay = d }
}

// WithBadFrameBackoff sets the pause after a corrupt frame.
func WithBadFrameBackoff(d time.Duration) LinkOption {
	return func(l *RobotLink) { l.badFrameBackoff = d }
}

// WithEventCapacity sets the buffer size of the Packets channel.
func WithEventCapacity(n int) LinkOption {
	return func(l *RobotLink) {
		if n > 0 {
			l.eventCapacity = n
		}
	}
}

// RobotLink is the framed-packet transport to the robot.
//
// All exported methods are safe for concurrent use. The latest-value getters
// deliver each decoded packet at most once: a second call without a newer
// frame in between reports false.
type RobotLink struct {
	factory         SerialPortFactory
	clock           timeutil.Clock
	reconnectDelay  time.Duration
	badFrameBackoff time.Duration
	eventCapacity   int

	// sessionMu serialises OpenPort and ClosePort.
	sessionMu sync.Mutex
	open      atomic.Bool
	connected atomic.Bool
	stop      atomic.Bool
	done      chan struct{}

	mu             sync.Mutex
	name           string
	encoder        packet.EncoderPacket
	encoderNew     bool
	landmark       packet.LandmarkPacket
	landmarkNew    bool
	status         packet.StatusPacket
	statusNew      bool
	command        packet.CommandPacket
	commandPending bool
	stats          LinkStats

	events chan packet.Packet

	subscriberMu sync.Mutex
	subscribers  map[string]chan string
}

// NewRobotLink creates a closed link that opens devices through factory.
func NewRobotLink(factory SerialPortFactory, opts ...LinkOption) *RobotLink {
	l := &RobotLink{
		factory:         factory,
		clock:           timeutil.RealClock{},
		reconnectDelay:  DefaultReconnectDelay,
		badFrameBackoff: DefaultBadFrameBackoff,
		eventCapacity:   DefaultEventCapacity,
		subscribers:     make(map[string]chan string),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.events = make(chan packet.Packet, l.eventCapacity)
	return l
}

// OpenPort opens the named device and starts the worker. It returns
// ErrAlreadyOpen without side effects if a session is already running.
func (l *RobotLink) OpenPort(name string, opts PortOptions) error {
	l.sessionMu.Lock()
	defer l.sessionMu.Unlock()

	if l.open.Load() {
		monitoring.Warnf(logTag, "port %s already open, ignoring open of %s", l.PortName(), name)
		return ErrAlreadyOpen
	}

	opts, err := opts.Normalise()
	if err != nil {
		return err
	}

	port, err := l.factory.Open(name, opts)
	if err != nil {
		monitoring.Errorf(logTag, "failed to open %s: %v", name, err)
		return fmt.Errorf("failed to open %s: %w", name, err)
	}

	l.mu.Lock()
	l.name = name
	l.mu.Unlock()

	l.stop.Store(false)
	l.connected.Store(true)
	l.open.Store(true)
	l.done = make(chan struct{})

	monitoring.Infof(logTag, "opened %s at %d baud", name, opts.BaudRate)
	go l.run(port, name, opts, l.done)
	return nil
}

// ClosePort stops the worker, waits for it to exit and releases the device.
// Closing a closed link is a no-op.
func (l *RobotLink) ClosePort() error {
	l.sessionMu.Lock()
	defer l.sessionMu.Unlock()

	if !l.open.Load() {
		return nil
	}
	l.stop.Store(true)
	<-l.done
	l.done = nil
	l.open.Store(false)
	l.connected.Store(false)

	monitoring.Infof(logTag, "closed %s", l.PortName())
	return nil
}

// Close closes the port and all console subscribers.
func (l *RobotLink) Close() error {
	err := l.ClosePort()

	l.subscriberMu.Lock()
	defer l.subscriberMu.Unlock()
	for id, ch := range l.subscribers {
		close(ch)
		delete(l.subscribers, id)
	}
	return err
}

// IsOpen reports whether a session is running. The device itself may be
// temporarily lost; see Connected.
func (l *RobotLink) IsOpen() bool { return l.open.Load() }

// Connected reports whether the worker currently holds an open device.
func (l *RobotLink) Connected() bool { return l.connected.Load() }

// PortName returns the name of the most recently opened device.
func (l *RobotLink) PortName() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.name
}

// SetCommandVel queues a wheel velocity command. Only the most recent command
// is sent; it is written by the worker after its next read.
func (l *RobotLink) SetCommandVel(velA, velB float32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.command.VelA = velA
	l.command.VelB = velB
	l.commandPending = true
}

// Encoder returns the latest encoder packet if it has not been returned before.
func (l *RobotLink) Encoder() (packet.EncoderPacket, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fresh := l.encoderNew
	l.encoderNew = false
	return l.encoder, fresh
}

// Landmark returns the latest landmark packet if it has not been returned before.
func (l *RobotLink) Landmark() (packet.LandmarkPacket, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fresh := l.landmarkNew
	l.landmarkNew = false
	return l.landmark, fresh
}

// Status returns the latest status packet if it has not been returned before.
func (l *RobotLink) Status() (packet.StatusPacket, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fresh := l.statusNew
	l.statusNew = false
	return l.status, fresh
}

// Packets returns every decoded packet in arrival order. The channel is
// bounded; packets are dropped and counted when the reader falls behind.
// Consumers should use either Packets or the latest-value getters, not both.
func (l *RobotLink) Packets() <-chan packet.Packet { return l.events }

// Stats returns a snapshot of the link counters.
func (l *RobotLink) Stats() LinkStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}

// Subscribe registers a consumer of console lines, one per decoded packet.
// The channel ID is used to identify the channel when unsubscribing.
func (l *RobotLink) Subscribe() (string, chan string) {
	id := uuid.NewString()
	ch := make(chan string, subscriberBuffer)
	l.subscriberMu.Lock()
	defer l.subscriberMu.Unlock()
	l.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (l *RobotLink) Unsubscribe(id string) {
	l.subscriberMu.Lock()
	defer l.subscriberMu.Unlock()
	if ch, ok := l.subscribers[id]; ok {
		close(ch)
		delete(l.subscribers, id)
	}
}

// run is the worker loop. port may be nil after an I/O failure, in which case
// the loop waits and reopens the device.
func (l *RobotLink) run(port SerialPorter, name string, opts PortOptions, done chan struct{}) {
	defer close(done)

	frame := make([]byte, 0, packet.FrameSize)
	buf := make([]byte, packet.FrameSize)

	drop := func(err error) {
		monitoring.Errorf(logTag, "%s: %v", name, err)
		if cerr := port.Close(); cerr != nil {
			monitoring.Warnf(logTag, "failed to close %s: %v", name, cerr)
		}
		port = nil
		frame = frame[:0]
		l.connected.Store(false)
	}

	for !l.stop.Load() {
		if port == nil {
			l.clock.Sleep(l.reconnectDelay)
			if l.stop.Load() {
				break
			}
			p, err := l.factory.Open(name, opts)
			if err != nil {
				monitoring.Warnf(logTag, "reconnect to %s failed: %v", name, err)
				continue
			}
			port = p
			l.connected.Store(true)
			l.mu.Lock()
			l.stats.Reconnects++
			l.mu.Unlock()
			monitoring.Infof(logTag, "reconnected to %s", name)
			continue
		}

		n, err := port.Read(buf[:packet.FrameSize-len(frame)])
		if err != nil {
			drop(fmt.Errorf("read failed: %w", err))
			continue
		}
		frame = append(frame, buf[:n]...)

		if len(frame) == packet.FrameSize {
			err := l.handleFrame(port, frame)
			frame = frame[:0]
			if err != nil {
				drop(err)
				continue
			}
		}

		if err := l.flushCommand(port); err != nil {
			drop(err)
		}
	}

	if port != nil {
		if err := port.Close(); err != nil {
			monitoring.Warnf(logTag, "failed to close %s: %v", name, err)
		}
	}
}

// handleFrame decodes one full frame. A corrupt frame is discarded together
// with any unread input; only I/O failures are returned.
func (l *RobotLink) handleFrame(port SerialPorter, frame []byte) error {
	p, err := packet.Decode(frame)
	if err != nil {
		monitoring.Warnf(logTag, "dropping frame: %v", err)
		if f, ok := port.(InputFlusher); ok {
			if ferr := f.ResetInputBuffer(); ferr != nil {
				monitoring.Warnf(logTag, "failed to flush input: %v", ferr)
			}
		}
		l.clock.Sleep(l.badFrameBackoff)

		l.mu.Lock()
		l.stats.FramesDropped++
		if errors.Is(err, packet.ErrChecksum) {
			l.stats.ChecksumFailures++
		}
		l.mu.Unlock()
		return nil
	}

	l.store(p)

	if _, err := port.Write([]byte{packet.Ack}); err != nil {
		return fmt.Errorf("failed to write ack: %w", err)
	}

	l.publish(p)
	return nil
}

func (l *RobotLink) store(p packet.Packet) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.stats.FramesDecoded++
	switch v := p.(type) {
	case packet.EncoderPacket:
		l.encoder, l.encoderNew = v, true
	case packet.LandmarkPacket:
		l.landmark, l.landmarkNew = v, true
	case packet.StatusPacket:
		l.status, l.statusNew = v, true
	}
}

func (l *RobotLink) publish(p packet.Packet) {
	select {
	case l.events <- p:
	default:
		l.mu.Lock()
		l.stats.EventsDropped++
		l.mu.Unlock()
	}

	line := packet.Describe(p)
	l.subscriberMu.Lock()
	defer l.subscriberMu.Unlock()
	for _, ch := range l.subscribers {
		select {
		case ch <- line:
		default:
			// skip slow subscribers rather than stall the worker
		}
	}
}

// flushCommand writes the pending command, if any. A failed write leaves the
// command pending for the next session.
func (l *RobotLink) flushCommand(port SerialPorter) error {
	l.mu.Lock()
	if !l.commandPending {
		l.mu.Unlock()
		return nil
	}
	cmd := l.command
	l.commandPending = false
	l.mu.Unlock()

	record, err := packet.Encode(cmd)
	if err != nil {
		return err
	}
	if _, err := port.Write(record); err != nil {
		l.mu.Lock()
		l.commandPending = true
		l.mu.Unlock()
		return fmt.Errorf("failed to write command: %w", err)
	}

	l.mu.Lock()
	l.stats.CommandsWritten++
	l.mu.Unlock()
	return nil
}
