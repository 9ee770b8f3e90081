package serialmux

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/rangeloc/internal/monitoring"
	"github.com/banshee-data/rangeloc/internal/packet"
	"github.com/banshee-data/rangeloc/internal/timeutil"
)

const (
	waitFor = 2 * time.Second
	tick    = time.Millisecond
)

func TestMain(m *testing.M) {
	monitoring.SetLogger(nil)
	m.Run()
}

func frameOf(t *testing.T, p packet.Packet) []byte {
	t.Helper()
	rec, err := packet.Encode(p)
	require.NoError(t, err)
	return packet.Pad(rec)
}

func openLink(t *testing.T, opts ...LinkOption) (*RobotLink, *TestableSerialPort, *MockSerialPortFactory) {
	t.Helper()
	port := NewTestableSerialPort()
	factory := NewMockSerialPortFactory(port)
	link := NewRobotLink(factory, opts...)
	require.NoError(t, link.OpenPort("/dev/ttyTEST", PortOptions{}))
	t.Cleanup(func() { link.Close() })
	return link, port, factory
}

func TestRobotLink_OpenClose(t *testing.T) {
	link, port, factory := openLink(t)

	assert.True(t, link.IsOpen())
	assert.True(t, link.Connected())
	assert.Equal(t, "/dev/ttyTEST", link.PortName())
	require.NotNil(t, factory.LastCall())
	assert.Equal(t, DefaultBaudRate, factory.LastCall().Opts.BaudRate)

	err := link.OpenPort("/dev/ttyOTHER", PortOptions{})
	assert.ErrorIs(t, err, ErrAlreadyOpen)
	assert.Equal(t, 1, factory.CallCount())

	require.NoError(t, link.ClosePort())
	assert.False(t, link.IsOpen())
	assert.True(t, port.IsClosed())

	// second close is a no-op
	require.NoError(t, link.ClosePort())
}

func TestRobotLink_OpenFailure(t *testing.T) {
	factory := NewMockSerialPortFactory()
	factory.Error = errors.New("no such device")
	link := NewRobotLink(factory)

	err := link.OpenPort("/dev/missing", PortOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no such device")
	assert.False(t, link.IsOpen())
}

func TestRobotLink_OpenInvalidOptions(t *testing.T) {
	factory := NewMockSerialPortFactory(NewTestableSerialPort())
	link := NewRobotLink(factory)

	require.Error(t, link.OpenPort("/dev/ttyTEST", PortOptions{Parity: "X"}))
	assert.Zero(t, factory.CallCount())
}

func TestRobotLink_DecodesFrameAndAcks(t *testing.T) {
	link, port, _ := openLink(t)

	want := packet.EncoderPacket{EncA: 10, EncB: 12, VelA: 1.5, VelB: -1.5}
	port.AddReadData(frameOf(t, want))

	require.Eventually(t, func() bool { return link.Stats().FramesDecoded == 1 }, waitFor, tick)

	got, ok := link.Encoder()
	require.True(t, ok)
	assert.Equal(t, want.EncA, got.EncA)
	assert.Equal(t, want.VelB, got.VelB)
	assert.Equal(t, packet.Header, got.Header)

	// at-most-once delivery
	_, ok = link.Encoder()
	assert.False(t, ok)

	require.Eventually(t, func() bool { return len(port.GetWrittenData()) == 1 }, waitFor, tick)
	assert.Equal(t, []byte{packet.Ack}, port.GetWrittenData())
}

func TestRobotLink_PartialReads(t *testing.T) {
	link, port, _ := openLink(t)
	port.MaxRead = 5

	port.AddReadData(frameOf(t, packet.LandmarkPacket{Anchor: packet.AnchorB, Range: 2.25, RxPower: -70}))

	require.Eventually(t, func() bool { return link.Stats().FramesDecoded == 1 }, waitFor, tick)
	lm, ok := link.Landmark()
	require.True(t, ok)
	assert.Equal(t, packet.AnchorB, lm.Anchor)
	assert.InDelta(t, 2.25, lm.Range, 1e-6)
}

func TestRobotLink_CorruptFrameDiscarded(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	link, port, _ := openLink(t, WithClock(clock))

	port.AddReadData(frameOf(t, packet.EncoderPacket{EncA: 1, EncB: 2}))
	require.Eventually(t, func() bool { return link.Stats().FramesDecoded == 1 }, waitFor, tick)

	bad := frameOf(t, packet.EncoderPacket{EncA: 3, EncB: 4})
	bad[10] ^= 0x01
	port.AddReadData(bad)

	require.Eventually(t, func() bool { return link.Stats().FramesDropped == 1 }, waitFor, tick)

	stats := link.Stats()
	assert.EqualValues(t, 1, stats.FramesDecoded)
	assert.EqualValues(t, 1, stats.ChecksumFailures)
	assert.Equal(t, 1, port.FlushCount())
	assert.Contains(t, clock.Sleeps(), DefaultBadFrameBackoff)

	got, ok := link.Encoder()
	require.True(t, ok)
	assert.EqualValues(t, 1, got.EncA)
	_, ok = link.Encoder()
	assert.False(t, ok)

	// only the valid frame was acknowledged
	assert.Equal(t, []byte{packet.Ack}, port.GetWrittenData())
}

func TestRobotLink_BadHeaderNotCountedAsChecksum(t *testing.T) {
	link, port, _ := openLink(t, WithClock(timeutil.NewMockClock(time.Unix(0, 0))))

	frame := make([]byte, packet.FrameSize)
	frame[0], frame[1] = 0x12, 0x34
	port.AddReadData(frame)

	require.Eventually(t, func() bool { return link.Stats().FramesDropped == 1 }, waitFor, tick)
	assert.Zero(t, link.Stats().ChecksumFailures)
}

func TestRobotLink_WritesLatestCommand(t *testing.T) {
	link, port, _ := openLink(t)

	link.SetCommandVel(0.5, -0.5)
	require.Eventually(t, func() bool { return link.Stats().CommandsWritten == 1 }, waitFor, tick)

	written := port.GetWrittenData()
	require.Len(t, written, packet.Size(packet.CommandID))
	p, err := packet.Decode(written)
	require.NoError(t, err)
	cmd, ok := p.(packet.CommandPacket)
	require.True(t, ok)
	assert.EqualValues(t, 0.5, cmd.VelA)
	assert.EqualValues(t, -0.5, cmd.VelB)

	// nothing pending: no further writes
	time.Sleep(10 * time.Millisecond)
	assert.EqualValues(t, 1, link.Stats().CommandsWritten)
}

func TestRobotLink_SetCommandVelLastWriteWins(t *testing.T) {
	link := NewRobotLink(NewMockSerialPortFactory())
	link.SetCommandVel(1, 1)
	link.SetCommandVel(2, -2)

	link.mu.Lock()
	defer link.mu.Unlock()
	assert.True(t, link.commandPending)
	assert.EqualValues(t, 2, link.command.VelA)
	assert.EqualValues(t, -2, link.command.VelB)
}

func TestRobotLink_ReconnectsAfterReadError(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	first := NewTestableSerialPort()
	second := NewTestableSerialPort()
	factory := NewMockSerialPortFactory(first, second)
	link := NewRobotLink(factory, WithClock(clock))
	require.NoError(t, link.OpenPort("/dev/ttyTEST", PortOptions{}))
	defer link.Close()

	first.SetReadError(errors.New("device unplugged"))

	require.Eventually(t, func() bool { return link.Stats().Reconnects == 1 }, waitFor, tick)
	assert.True(t, first.IsClosed())
	assert.Contains(t, clock.Sleeps(), DefaultReconnectDelay)
	assert.True(t, link.IsOpen())

	second.AddReadData(frameOf(t, packet.StatusPacket{Connected: true}))
	require.Eventually(t, func() bool {
		st, ok := link.Status()
		return ok && st.Connected
	}, waitFor, tick)
}

func TestRobotLink_ReconnectRetriesUntilDeviceReturns(t *testing.T) {
	first := NewTestableSerialPort()
	second := NewTestableSerialPort()
	factory := NewMockSerialPortFactory(first, second)
	link := NewRobotLink(factory, WithReconnectDelay(time.Millisecond))
	require.NoError(t, link.OpenPort("/dev/ttyTEST", PortOptions{}))
	defer link.Close()

	factory.SetError(errors.New("busy"))
	first.SetReadError(errors.New("device unplugged"))

	require.Eventually(t, func() bool { return factory.CallCount() >= 3 }, waitFor, tick)
	assert.False(t, link.Connected())

	factory.SetError(nil)
	require.Eventually(t, func() bool { return link.Stats().Reconnects == 1 }, waitFor, tick)
	assert.True(t, link.Connected())
}

func TestRobotLink_PacketsChannel(t *testing.T) {
	link, port, _ := openLink(t, WithEventCapacity(1))

	port.AddReadData(frameOf(t, packet.LandmarkPacket{Anchor: packet.AnchorA, Range: 1}))
	port.AddReadData(frameOf(t, packet.LandmarkPacket{Anchor: packet.AnchorA, Range: 2}))

	require.Eventually(t, func() bool { return link.Stats().EventsDropped == 1 }, waitFor, tick)
	assert.EqualValues(t, 2, link.Stats().FramesDecoded)

	select {
	case p := <-link.Packets():
		lm, ok := p.(packet.LandmarkPacket)
		require.True(t, ok)
		assert.EqualValues(t, 1, lm.Range)
	default:
		t.Fatal("expected a buffered packet")
	}
}

func TestRobotLink_Subscribers(t *testing.T) {
	link, port, _ := openLink(t)

	id, ch := link.Subscribe()
	port.AddReadData(frameOf(t, packet.LandmarkPacket{Anchor: packet.AnchorA, Range: 1.5, RxPower: -60}))

	select {
	case line := <-ch:
		assert.Equal(t, "PACKET: 0xAA55 | 0x03 | A | 1.50 | -60.00 |", line)
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for console line")
	}

	link.Unsubscribe(id)
	_, open := <-ch
	assert.False(t, open)

	// unknown ids are ignored
	link.Unsubscribe("missing")
}

func TestRobotLink_CloseClosesSubscribers(t *testing.T) {
	link, _, _ := openLink(t)
	_, ch := link.Subscribe()

	require.NoError(t, link.Close())
	_, open := <-ch
	assert.False(t, open)
}

func TestRobotLink_ReopenAfterClose(t *testing.T) {
	first := NewTestableSerialPort()
	second := NewTestableSerialPort()
	link := NewRobotLink(NewMockSerialPortFactory(first, second))
	defer link.Close()

	require.NoError(t, link.OpenPort("/dev/ttyA", PortOptions{}))
	require.NoError(t, link.ClosePort())
	require.NoError(t, link.OpenPort("/dev/ttyB", PortOptions{}))

	assert.Equal(t, "/dev/ttyB", link.PortName())
	second.AddReadData(frameOf(t, packet.EncoderPacket{EncA: 7}))
	require.Eventually(t, func() bool {
		_, ok := link.Encoder()
		return ok
	}, waitFor, tick)
}
