// Package canbus provides frames and transports for a shared CAN bus.
package canbus

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrMalformedFrame = errors.New("malformed frame")
	ErrClosed         = errors.New("bus closed")
)

const (
	maxStdID = 0x7FF
	maxExtID = 0x1FFFFFFF

	canEffFlag = 0x80000000
	canRtrFlag = 0x40000000
	canErrFlag = 0x20000000
)

// Frame is one addressed message on the bus. Frames always carry 8 payload
// bytes; shorter payloads are zero padded.
type Frame struct {
	ID   uint32
	Data [8]byte
}

// NewFrame builds a frame from up to 8 payload bytes.
func NewFrame(id uint32, data ...byte) (Frame, error) {
	if id > maxExtID {
		return Frame{}, fmt.Errorf("%w: id %X out of range", ErrMalformedFrame, id)
	}
	if len(data) > 8 {
		return Frame{}, fmt.Errorf("%w: %d payload bytes", ErrMalformedFrame, len(data))
	}
	f := Frame{ID: id}
	copy(f.Data[:], data)
	return f, nil
}

// Extended reports whether the id needs the 29-bit format.
func (f Frame) Extended() bool {
	return f.ID > maxStdID
}

// String returns the canonical text form, e.g. 141#A6.00.5A.00.20.4E.00.00.
// Extended ids are written with 8 digits, as cansend expects.
func (f Frame) String() string {
	var sb strings.Builder
	if f.Extended() {
		fmt.Fprintf(&sb, "%08X#", f.ID)
	} else {
		fmt.Fprintf(&sb, "%03X#", f.ID)
	}
	for i, b := range f.Data {
		if i > 0 {
			sb.WriteByte('.')
		}
		fmt.Fprintf(&sb, "%02X", b)
	}
	return sb.String()
}

// ParseFrame parses the text form of a frame. Byte pairs may be separated by
// dots or concatenated.
func ParseFrame(s string) (Frame, error) {
	s = strings.TrimSpace(s)
	idStr, dataStr, ok := strings.Cut(s, "#")
	if !ok {
		return Frame{}, fmt.Errorf("%w: %q has no '#'", ErrMalformedFrame, s)
	}
	id, err := strconv.ParseUint(idStr, 16, 32)
	if err != nil {
		return Frame{}, fmt.Errorf("%w: id %q: %v", ErrMalformedFrame, idStr, err)
	}
	data, err := hex.DecodeString(strings.ReplaceAll(dataStr, ".", ""))
	if err != nil {
		return Frame{}, fmt.Errorf("%w: payload %q: %v", ErrMalformedFrame, dataStr, err)
	}
	return NewFrame(uint32(id), data...)
}

// MustParseFrame is like ParseFrame but panics on error.
func MustParseFrame(s string) Frame {
	f, err := ParseFrame(s)
	if err != nil {
		panic(err)
	}
	return f
}

// MarshalBinary encodes the frame in the 16 byte SocketCAN can_frame layout.
func (f Frame) MarshalBinary() ([]byte, error) {
	if f.ID > maxExtID {
		return nil, fmt.Errorf("%w: id %X out of range", ErrMalformedFrame, f.ID)
	}
	id := f.ID
	if f.Extended() {
		id |= canEffFlag
	}
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint32(buf[0:4], id)
	buf[4] = 8
	copy(buf[8:16], f.Data[:])
	return buf, nil
}

// UnmarshalBinary decodes a SocketCAN can_frame. Remote and error frames are
// rejected.
func (f *Frame) UnmarshalBinary(data []byte) error {
	if len(data) < 16 {
		return fmt.Errorf("%w: need 16 bytes, got %d", ErrMalformedFrame, len(data))
	}
	id := binary.LittleEndian.Uint32(data[0:4])
	if id&(canRtrFlag|canErrFlag) != 0 {
		return fmt.Errorf("%w: not a data frame (id %08X)", ErrMalformedFrame, id)
	}
	dlc := data[4]
	if dlc > 8 {
		return fmt.Errorf("%w: dlc %d", ErrMalformedFrame, dlc)
	}
	if id&canEffFlag != 0 {
		f.ID = id & maxExtID
	} else {
		f.ID = id & maxStdID
	}
	f.Data = [8]byte{}
	copy(f.Data[:dlc], data[8:8+int(dlc)])
	return nil
}

// ParseCandumpLine parses one line of candump output, e.g.
//
//	can0  141   [8]  94 00 00 00 00 00 00 00
func ParseCandumpLine(line string) (string, Frame, error) {
	fields := strings.Fields(line)
	if len(fields) < 3 {
		return "", Frame{}, fmt.Errorf("%w: candump line %q", ErrMalformedFrame, line)
	}
	id, err := strconv.ParseUint(fields[1], 16, 32)
	if err != nil {
		return "", Frame{}, fmt.Errorf("%w: candump id %q: %v", ErrMalformedFrame, fields[1], err)
	}
	data := make([]byte, 0, 8)
	for _, tok := range fields[3:] {
		b, err := strconv.ParseUint(tok, 16, 8)
		if err != nil {
			return "", Frame{}, fmt.Errorf("%w: candump byte %q: %v", ErrMalformedFrame, tok, err)
		}
		data = append(data, byte(b))
	}
	f, err := NewFrame(uint32(id), data...)
	return fields[0], f, err
}
