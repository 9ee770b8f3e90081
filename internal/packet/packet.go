// Package packet defines the fixed-layout binary records exchanged with the
// robot over the serial link, and the checksum that guards them.
//
// Every record starts with the same 5-byte prefix:
//
//	header   uint16  0xAA55, little-endian
//	id       uint8   Encoder=1, Command=2, Landmark=3, Status=4
//	checksum uint16  sum of every other byte of the record
//
// followed by a variant-specific payload. Records are packed with no padding.
// The robot pads each record it sends to a FrameSize frame.
package packet

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// Header marks the start of every record.
	Header uint16 = 0xAA55
	// FrameSize is the fixed frame length the robot transmits.
	FrameSize = 32
	// Ack is written back to the robot after each valid frame.
	Ack byte = 0x01
	// PrefixSize is the length of header + id + checksum.
	PrefixSize = 5

	checksumOffset = 3
)

// ID identifies the record variant.
type ID uint8

const (
	EncoderID  ID = 0x01
	CommandID  ID = 0x02
	LandmarkID ID = 0x03
	StatusID   ID = 0x04
)

func (id ID) String() string {
	switch id {
	case EncoderID:
		return "encoder"
	case CommandID:
		return "command"
	case LandmarkID:
		return "landmark"
	case StatusID:
		return "status"
	default:
		return fmt.Sprintf("unknown(0x%02X)", uint8(id))
	}
}

// AnchorID names one of the two fixed landmarks. The robot sends the ASCII
// letter of the anchor.
type AnchorID uint8

const (
	AnchorA AnchorID = 'A'
	AnchorB AnchorID = 'B'
)

func (a AnchorID) String() string {
	switch a {
	case AnchorA, AnchorB:
		return string(rune(a))
	default:
		return fmt.Sprintf("0x%02X", uint8(a))
	}
}

var (
	ErrShortFrame = errors.New("frame too short")
	ErrBadHeader  = errors.New("bad frame header")
	ErrUnknownID  = errors.New("unknown packet id")
	ErrChecksum   = errors.New("checksum mismatch")
)

// Packet is implemented by the four record variants.
type Packet interface {
	PacketID() ID
}

// EncoderPacket carries accumulated wheel encoder readings and wheel speeds.
type EncoderPacket struct {
	Header   uint16
	ID       ID
	Checksum uint16
	EncA     float32
	EncB     float32
	VelA     float32
	VelB     float32
}

// CommandPacket carries a wheel velocity command to the robot.
type CommandPacket struct {
	Header   uint16
	ID       ID
	Checksum uint16
	VelA     float32
	VelB     float32
}

// LandmarkPacket carries one range measurement to an anchor.
type LandmarkPacket struct {
	Header   uint16
	ID       ID
	Checksum uint16
	Anchor   AnchorID
	Range    float32
	RxPower  float32
}

// StatusPacket reports whether the robot considers itself connected.
type StatusPacket struct {
	Header    uint16
	ID        ID
	Checksum  uint16
	Connected bool
}

func (EncoderPacket) PacketID() ID  { return EncoderID }
func (CommandPacket) PacketID() ID  { return CommandID }
func (LandmarkPacket) PacketID() ID { return LandmarkID }
func (StatusPacket) PacketID() ID   { return StatusID }

// Size returns the packed record length of the variant with the given id, or
// 0 for an unknown id.
func Size(id ID) int {
	switch id {
	case EncoderID:
		return binary.Size(EncoderPacket{})
	case CommandID:
		return binary.Size(CommandPacket{})
	case LandmarkID:
		return binary.Size(LandmarkPacket{})
	case StatusID:
		return binary.Size(StatusPacket{})
	default:
		return 0
	}
}

// Checksum sums every byte of record except the two checksum bytes.
func Checksum(record []byte) uint16 {
	var sum uint16
	for i, b := range record {
		if i == checksumOffset || i == checksumOffset+1 {
			continue
		}
		sum += uint16(b)
	}
	return sum
}

// Encode serialises p, stamping the header, id and checksum. The returned
// slice is the bare record, without frame padding.
func Encode(p Packet) ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, p); err != nil {
		return nil, fmt.Errorf("failed to encode %s packet: %w", p.PacketID(), err)
	}
	b := buf.Bytes()
	binary.LittleEndian.PutUint16(b[0:2], Header)
	b[2] = byte(p.PacketID())
	binary.LittleEndian.PutUint16(b[checksumOffset:checksumOffset+2], Checksum(b))
	return b, nil
}

// Pad copies record into a zero-filled FrameSize frame.
func Pad(record []byte) []byte {
	n := FrameSize
	if len(record) > n {
		n = len(record)
	}
	frame := make([]byte, n)
	copy(frame, record)
	return frame
}

// Decode parses the record at the start of frame. Trailing padding is ignored.
// The returned packet is a value; frame may be reused by the caller.
func Decode(frame []byte) (Packet, error) {
	if len(frame) < PrefixSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrShortFrame, len(frame))
	}
	if h := binary.LittleEndian.Uint16(frame[0:2]); h != Header {
		return nil, fmt.Errorf("%w: 0x%04X", ErrBadHeader, h)
	}

	id := ID(frame[2])
	size := Size(id)
	if size == 0 {
		return nil, fmt.Errorf("%w: 0x%02X", ErrUnknownID, uint8(id))
	}
	if len(frame) < size {
		return nil, fmt.Errorf("%w: %s packet needs %d bytes, got %d", ErrShortFrame, id, size, len(frame))
	}

	record := frame[:size]
	want := binary.LittleEndian.Uint16(record[checksumOffset : checksumOffset+2])
	if got := Checksum(record); got != want {
		return nil, fmt.Errorf("%w: %s packet computed 0x%04X, frame carries 0x%04X", ErrChecksum, id, got, want)
	}

	r := bytes.NewReader(record)
	switch id {
	case EncoderID:
		var p EncoderPacket
		if err := binary.Read(r, binary.LittleEndian, &p); err != nil {
			return nil, err
		}
		return p, nil
	case CommandID:
		var p CommandPacket
		if err := binary.Read(r, binary.LittleEndian, &p); err != nil {
			return nil, err
		}
		return p, nil
	case LandmarkID:
		var p LandmarkPacket
		if err := binary.Read(r, binary.LittleEndian, &p); err != nil {
			return nil, err
		}
		return p, nil
	default:
		var p StatusPacket
		if err := binary.Read(r, binary.LittleEndian, &p); err != nil {
			return nil, err
		}
		return p, nil
	}
}

// Describe renders p as a single serial-console line.
func Describe(p Packet) string {
	switch v := p.(type) {
	case EncoderPacket:
		return fmt.Sprintf("PACKET: 0x%04X | 0x%02X | %f | %f | %f | %f |", Header, uint8(EncoderID), v.EncA, v.EncB, v.VelA, v.VelB)
	case CommandPacket:
		return fmt.Sprintf("PACKET: 0x%04X | 0x%02X | %f | %f |", Header, uint8(CommandID), v.VelA, v.VelB)
	case LandmarkPacket:
		return fmt.Sprintf("PACKET: 0x%04X | 0x%02X | %s | %.2f | %.2f |", Header, uint8(LandmarkID), v.Anchor, v.Range, v.RxPower)
	case StatusPacket:
		return fmt.Sprintf("PACKET: 0x%04X | 0x%02X | %t |", Header, uint8(StatusID), v.Connected)
	default:
		return fmt.Sprintf("PACKET: unknown %T", p)
	}
}
