// Package frame implements the length-prefixed binary framing used on the
// console control channel. Every frame on the wire looks like:
//
//	[0:4] - total frame size, little-endian, length field included
//	[4:8] - opcode, little-endian
//	[8:]  - payload (encrypted with appended tag after the handshake)
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const HeaderSize = 8

// MaxFrameSize guards the decoder against a corrupted peer declaring a
// huge length and forcing us to buffer forever.
const MaxFrameSize = 1 << 20

var ErrMalformed = errors.New("frame: malformed")

type Frame struct {
	Op      uint32
	Payload []byte
}

func Encode(op uint32, payload []byte) []byte {
	b := make([]byte, HeaderSize, HeaderSize+len(payload))
	binary.LittleEndian.PutUint32(b, uint32(HeaderSize+len(payload)))
	binary.LittleEndian.PutUint32(b[4:], op)
	return append(b, payload...)
}

// Decoder reassembles frames from an arbitrary chunked stream.
type Decoder struct {
	buf []byte
}

// Feed appends a chunk from the stream. Chunks may split frames at any
// byte boundary.
func (d *Decoder) Feed(b []byte) {
	d.buf = append(d.buf, b...)
}

// Next returns the next complete frame, or nil when more data is needed.
// The payload is copied, so the caller may retain it across Feed calls.
func (d *Decoder) Next() (*Frame, error) {
	if len(d.buf) < 4 {
		return nil, nil
	}

	size := int(binary.LittleEndian.Uint32(d.buf))
	if size < HeaderSize || size > MaxFrameSize {
		return nil, fmt.Errorf("%w: size %d", ErrMalformed, size)
	}

	if len(d.buf) < size {
		return nil, nil
	}

	f := &Frame{
		Op:      binary.LittleEndian.Uint32(d.buf[4:]),
		Payload: append([]byte(nil), d.buf[HeaderSize:size]...),
	}
	d.buf = d.buf[size:]
	return f, nil
}

func (d *Decoder) Reset() {
	d.buf = nil
}
