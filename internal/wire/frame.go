// Package wire implements the fixed-size binary frames exchanged between
// coordd and its clients.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// FrameSize is the encoded length of every frame.
const FrameSize = 5

// ErrProtocolViolation marks frames that cannot be decoded or that arrive out
// of sequence.
var ErrProtocolViolation = errors.New("protocol violation")

// Operation identifies the kind of frame on the wire.
type Operation uint8

const (
	// OpRequest asks the coordinator for the critical region.
	OpRequest Operation = 1
	// OpGrant tells a client it may enter the critical region.
	OpGrant Operation = 2
	// OpRelease tells the coordinator the client has left the critical region.
	OpRelease Operation = 3
)

// Valid reports whether op is one of the three defined operations.
func (op Operation) Valid() bool {
	return op >= OpRequest && op <= OpRelease
}

func (op Operation) String() string {
	switch op {
	case OpRequest:
		return "Request"
	case OpGrant:
		return "Grant"
	case OpRelease:
		return "Release"
	default:
		return fmt.Sprintf("Operation(%d)", uint8(op))
	}
}

// Frame is a single protocol message. The zero value is not a valid frame.
type Frame struct {
	Op        Operation
	ProcessID uint32
}

// Encode returns the 5-byte wire form of f: the op code followed by the
// process id in big-endian order.
func Encode(f Frame) [FrameSize]byte {
	var buf [FrameSize]byte
	buf[0] = byte(f.Op)
	binary.BigEndian.PutUint32(buf[1:], f.ProcessID)
	return buf
}

// Decode parses a 5-byte frame.
func Decode(buf [FrameSize]byte) (Frame, error) {
	op := Operation(buf[0])
	if !op.Valid() {
		return Frame{}, fmt.Errorf("%w: unknown operation code %d", ErrProtocolViolation, buf[0])
	}
	return Frame{Op: op, ProcessID: binary.BigEndian.Uint32(buf[1:])}, nil
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (f Frame) MarshalBinary() ([]byte, error) {
	if !f.Op.Valid() {
		return nil, fmt.Errorf("%w: unknown operation code %d", ErrProtocolViolation, uint8(f.Op))
	}
	buf := Encode(f)
	return buf[:], nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (f *Frame) UnmarshalBinary(data []byte) error {
	if len(data) != FrameSize {
		return fmt.Errorf("%w: frame length %d, want %d", ErrProtocolViolation, len(data), FrameSize)
	}
	var buf [FrameSize]byte
	copy(buf[:], data)
	decoded, err := Decode(buf)
	if err != nil {
		return err
	}
	*f = decoded
	return nil
}

// ReadFrame reads exactly one frame from r. Short reads are returned as I/O
// errors (io.EOF or io.ErrUnexpectedEOF); undecodable frames wrap
// ErrProtocolViolation.
func ReadFrame(r io.Reader) (Frame, error) {
	var buf [FrameSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Frame{}, err
	}
	return Decode(buf)
}

// WriteFrame writes f to w in a single call.
func WriteFrame(w io.Writer, f Frame) error {
	buf := Encode(f)
	_, err := w.Write(buf[:])
	return err
}

// Expect reads one frame and checks its operation.
func Expect(r io.Reader, op Operation) (Frame, error) {
	f, err := ReadFrame(r)
	if err != nil {
		return Frame{}, err
	}
	if f.Op != op {
		return f, fmt.Errorf("%w: expected %s, got %s", ErrProtocolViolation, op, f.Op)
	}
	return f, nil
}
