package packet

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSizes(t *testing.T) {
	cases := []struct {
		id   ID
		want int
	}{
		{EncoderID, 21},
		{CommandID, 13},
		{LandmarkID, 14},
		{StatusID, 6},
		{ID(0x7F), 0},
	}
	for _, c := range cases {
		if got := Size(c.id); got != c.want {
			t.Errorf("Size(%s) = %d, want %d", c.id, got, c.want)
		}
	}
}

func TestEncodeStampsPrefix(t *testing.T) {
	b, err := Encode(CommandPacket{VelA: 1.5, VelB: -2})
	require.NoError(t, err)
	require.Len(t, b, 13)

	assert.Equal(t, Header, binary.LittleEndian.Uint16(b[0:2]))
	assert.Equal(t, byte(CommandID), b[2])
	assert.Equal(t, Checksum(b), binary.LittleEndian.Uint16(b[3:5]))
}

func TestChecksumExcludesItself(t *testing.T) {
	record := []byte{0x55, 0xAA, 0x04, 0xFF, 0xFF, 0x01}
	assert.Equal(t, uint16(0x55+0xAA+0x04+0x01), Checksum(record))

	record[3], record[4] = 0, 0
	assert.Equal(t, uint16(0x55+0xAA+0x04+0x01), Checksum(record))
}

func TestRoundTrip(t *testing.T) {
	t.Run("encoder", func(t *testing.T) {
		b, err := Encode(EncoderPacket{EncA: 10.5, EncB: 11.25, VelA: 0.5, VelB: 0.75})
		require.NoError(t, err)
		p, err := Decode(Pad(b))
		require.NoError(t, err)
		enc, ok := p.(EncoderPacket)
		require.True(t, ok, "decoded %T", p)
		assert.Equal(t, float32(10.5), enc.EncA)
		assert.Equal(t, float32(11.25), enc.EncB)
		assert.Equal(t, float32(0.5), enc.VelA)
		assert.Equal(t, float32(0.75), enc.VelB)
		assert.Equal(t, Checksum(b), enc.Checksum)
	})

	t.Run("landmark", func(t *testing.T) {
		b, err := Encode(LandmarkPacket{Anchor: AnchorB, Range: 2.5, RxPower: -71})
		require.NoError(t, err)
		p, err := Decode(Pad(b))
		require.NoError(t, err)
		lm := p.(LandmarkPacket)
		assert.Equal(t, AnchorB, lm.Anchor)
		assert.Equal(t, float32(2.5), lm.Range)
		assert.Equal(t, float32(-71), lm.RxPower)
	})

	t.Run("status", func(t *testing.T) {
		b, err := Encode(StatusPacket{Connected: true})
		require.NoError(t, err)
		p, err := Decode(b)
		require.NoError(t, err)
		assert.True(t, p.(StatusPacket).Connected)
	})

	t.Run("command", func(t *testing.T) {
		b, err := Encode(CommandPacket{VelA: 3, VelB: 4})
		require.NoError(t, err)
		p, err := Decode(b)
		require.NoError(t, err)
		cmd := p.(CommandPacket)
		assert.Equal(t, float32(3), cmd.VelA)
		assert.Equal(t, float32(4), cmd.VelB)
	})
}

func TestDecodeRejectsFlippedPayloadBit(t *testing.T) {
	b, err := Encode(EncoderPacket{EncA: 1, EncB: 2, VelA: 3, VelB: 4})
	require.NoError(t, err)

	frame := Pad(b)
	frame[PrefixSize+2] ^= 0x01

	_, err = Decode(frame)
	assert.True(t, errors.Is(err, ErrChecksum), "got %v", err)
}

func TestDecodeFramingErrors(t *testing.T) {
	good, err := Encode(StatusPacket{Connected: true})
	require.NoError(t, err)

	badHeader := append([]byte(nil), good...)
	badHeader[0] = 0x00

	unknown := append([]byte(nil), good...)
	unknown[2] = 0x09

	cases := []struct {
		name  string
		frame []byte
		want  error
	}{
		{"empty", nil, ErrShortFrame},
		{"prefix only", good[:3], ErrShortFrame},
		{"bad header", badHeader, ErrBadHeader},
		{"unknown id", unknown, ErrUnknownID},
		{"truncated payload", mustEncode(t, EncoderPacket{})[:10], ErrShortFrame},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := Decode(c.frame)
			assert.ErrorIs(t, err, c.want)
		})
	}
}

func TestPadKeepsOversizedRecords(t *testing.T) {
	assert.Len(t, Pad([]byte{1, 2, 3}), FrameSize)
	assert.Len(t, Pad(make([]byte, FrameSize+4)), FrameSize+4)
}

func TestDescribe(t *testing.T) {
	line := Describe(LandmarkPacket{Anchor: AnchorA, Range: 1.5, RxPower: -60})
	assert.Equal(t, "PACKET: 0xAA55 | 0x03 | A | 1.50 | -60.00 |", line)
	assert.Equal(t, "PACKET: 0xAA55 | 0x04 | false |", Describe(StatusPacket{}))
}

func TestIDString(t *testing.T) {
	assert.Equal(t, "encoder", EncoderID.String())
	assert.Equal(t, "unknown(0x10)", ID(0x10).String())
	assert.Equal(t, "A", AnchorA.String())
	assert.Equal(t, "0x43", AnchorID('C').String())
}

func mustEncode(t *testing.T, p Packet) []byte {
	t.Helper()
	b, err := Encode(p)
	require.NoError(t, err)
	return b
}
