// Package motor encodes and decodes the command frames understood by the
// yaw and pitch servo actuators.
//
// Payload layout:
//
//	[0]   opcode
//	[1]   direction (absolute moves) or 0
//	[2:4] speed, little-endian uint16
//	[4:8] angle, little-endian int32, hundredths of a degree
package motor

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/w1xm/gimbal_interface/canbus"
)

type Opcode byte

const (
	ReadCurrent    Opcode = 0x90
	QueryStatus    Opcode = 0x94
	QueryStatusAlt Opcode = 0x9C
	Configure      Opcode = 0xA4
	AbsoluteMove   Opcode = 0xA6
	RelativeMove   Opcode = 0xA8
)

func (o Opcode) String() string {
	switch o {
	case ReadCurrent:
		return "read_current"
	case QueryStatus, QueryStatusAlt:
		return "query_status"
	case Configure:
		return "configure"
	case AbsoluteMove:
		return "move_absolute"
	case RelativeMove:
		return "move_relative"
	}
	return fmt.Sprintf("opcode_%02X", byte(o))
}

type Direction byte

const (
	Increasing Direction = 0x00
	Decreasing Direction = 0x01
)

// DefaultSpeed is used by moves on an axis whose speed was never set.
const DefaultSpeed uint16 = 0x5A

// MaxStatusPosition is the largest position a status frame can report.
// Larger values mean the encoder has not initialised and read as 0.
const MaxStatusPosition = 35600

// EncodeSpeed clamps v to [0, 65535], truncates it and encodes it
// little-endian.
func EncodeSpeed(v float64) [2]byte {
	switch {
	case math.IsNaN(v) || v < 0:
		v = 0
	case v > math.MaxUint16:
		v = math.MaxUint16
	}
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], uint16(v))
	return b
}

// DecodeSpeed decodes a little-endian speed. Anything but exactly two bytes
// decodes to 0.
func DecodeSpeed(b []byte) uint16 {
	if len(b) != 2 {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

// EncodeAngle encodes v as a little-endian int32, wrapping on overflow.
func EncodeAngle(v int64) [4]byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(int32(v)))
	return b
}

// DecodeAngle decodes the first four bytes of b as a little-endian int32.
func DecodeAngle(b []byte) (int32, error) {
	if len(b) < 4 {
		return 0, fmt.Errorf("%w: angle needs 4 bytes, got %d", canbus.ErrMalformedFrame, len(b))
	}
	return int32(binary.LittleEndian.Uint32(b)), nil
}

// ParseStatus returns the position reported in a status payload.
func ParseStatus(payload []byte) (int32, error) {
	if len(payload) < 6 {
		return 0, fmt.Errorf("%w: status needs 6 bytes, got %d", canbus.ErrMalformedFrame, len(payload))
	}
	pos := binary.LittleEndian.Uint16(payload[4:6])
	if pos > MaxStatusPosition {
		return 0, nil
	}
	return int32(pos), nil
}

// Command is one request to an actuator. Value is the target angle for
// absolute moves, the offset for relative moves and the 16-bit angle for
// Configure; it is ignored by queries.
type Command struct {
	Opcode    Opcode
	Direction Direction
	Speed     uint16
	Value     int32
}

func Query() Command {
	return Command{Opcode: QueryStatus}
}

func MoveTo(target, current int32, speed uint16) Command {
	dir := Increasing
	if target < current {
		dir = Decreasing
	}
	return Command{Opcode: AbsoluteMove, Direction: dir, Speed: speed, Value: target}
}

func MoveBy(offset int32, speed uint16) Command {
	return Command{Opcode: RelativeMove, Speed: speed, Value: offset}
}

// Payload lays the command out as 8 payload bytes.
func (c Command) Payload() [8]byte {
	var p [8]byte
	p[0] = byte(c.Opcode)
	switch c.Opcode {
	case AbsoluteMove:
		p[1] = byte(c.Direction)
	case RelativeMove:
		p[1] = 0
	case Configure:
		binary.LittleEndian.PutUint16(p[2:4], c.Speed)
		binary.LittleEndian.PutUint16(p[4:6], uint16(c.Value))
		return p
	default:
		return p
	}
	binary.LittleEndian.PutUint16(p[2:4], c.Speed)
	a := EncodeAngle(int64(c.Value))
	copy(p[4:8], a[:])
	return p
}

// Frame addresses the command to the actuator at addr.
func (c Command) Frame(addr uint32) canbus.Frame {
	return canbus.Frame{ID: addr, Data: c.Payload()}
}

// DecodeCommand recovers the command carried by f.
func DecodeCommand(f canbus.Frame) (Command, error) {
	c := Command{Opcode: Opcode(f.Data[0])}
	switch c.Opcode {
	case AbsoluteMove:
		if d := Direction(f.Data[1]); d != Increasing && d != Decreasing {
			return Command{}, fmt.Errorf("%w: direction %02X", canbus.ErrMalformedFrame, f.Data[1])
		}
		c.Direction = Direction(f.Data[1])
		fallthrough
	case RelativeMove:
		c.Speed = DecodeSpeed(f.Data[2:4])
		v, err := DecodeAngle(f.Data[4:8])
		if err != nil {
			return Command{}, err
		}
		c.Value = v
	case Configure:
		c.Speed = DecodeSpeed(f.Data[2:4])
		c.Value = int32(binary.LittleEndian.Uint16(f.Data[4:6]))
	case QueryStatus, QueryStatusAlt, ReadCurrent:
	default:
		return Command{}, fmt.Errorf("%w: unknown opcode %02X", canbus.ErrMalformedFrame, f.Data[0])
	}
	return c, nil
}

func (c Command) String() string {
	switch c.Opcode {
	case AbsoluteMove:
		return fmt.Sprintf("%s target=%d dir=%d speed=%d", c.Opcode, c.Value, c.Direction, c.Speed)
	case RelativeMove:
		return fmt.Sprintf("%s offset=%d speed=%d", c.Opcode, c.Value, c.Speed)
	case Configure:
		return fmt.Sprintf("%s angle=%d speed=%d", c.Opcode, c.Value, c.Speed)
	}
	return c.Opcode.String()
}
