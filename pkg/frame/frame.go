// Package frame implements the wire framing used by every physical
// connection in the mesh: a 1-byte compression flag followed by a 4-byte
// big-endian payload length followed by exactly that many payload bytes.
//
// The format is bit-for-bit the gRPC "Length-Prefixed Message" framing, so
// a correctly-configured peer speaking real HTTP/2 gRPC can decode the
// inner messages this package produces.
package frame

import (
	"encoding/binary"
	"fmt"

	"google.golang.org/grpc/codes"
)

// HeaderSize is the fixed prefix: 1 compression byte + 4 length bytes.
const HeaderSize = 5

// DefaultMaxLength is the soft cap on a single frame's payload (§4.1).
const DefaultMaxLength = 16 * 1024 * 1024

// Frame is one decoded unit: a compression flag and its payload bytes.
type Frame struct {
	Compressed bool
	Payload    []byte
}

// Error is returned by Decoder.Feed when a frame violates the length cap.
// Its Code is always ResourceExhausted; other codec failures are
// represented as plain errors since they only ever come from the transport
// signalling a read failure, not from this package itself.
type Error struct {
	Code codes.Code
	msg  string
}

func (e *Error) Error() string { return e.msg }

func tooLarge(declared, max int) *Error {
	return &Error{
		Code: codes.ResourceExhausted,
		msg:  fmt.Sprintf("frame: declared length %d exceeds cap %d", declared, max),
	}
}

// NewResourceExhausted builds a frame.Error for callers outside this
// package that parse the same header shape (the mux decoder in
// pkg/transport reuses this wire layout one level up).
func NewResourceExhausted(msg string) *Error {
	return &Error{Code: codes.ResourceExhausted, msg: msg}
}

// Encode produces exactly one framed byte string for an outbound payload.
func Encode(compressed bool, payload []byte) []byte {
	out := make([]byte, HeaderSize+len(payload))
	if compressed {
		out[0] = 1
	}
	binary.BigEndian.PutUint32(out[1:5], uint32(len(payload)))
	copy(out[5:], payload)
	return out
}

// Decoder reassembles frames out of an arbitrarily-split byte stream.
// Parsing is stateful across calls to Feed: a chunk that ends mid-frame
// leaves the partial frame buffered until the next call supplies the rest.
// Surplus bytes after a complete frame are never discarded — they start the
// next frame.
type Decoder struct {
	maxLength int

	buf []byte

	haveLength bool
	compressed bool
	expected   int
}

// NewDecoder constructs a Decoder with the given soft cap. A maxLength of 0
// selects DefaultMaxLength.
func NewDecoder(maxLength int) *Decoder {
	if maxLength <= 0 {
		maxLength = DefaultMaxLength
	}
	return &Decoder{maxLength: maxLength}
}

// Feed appends chunk to the rolling buffer and returns every frame that
// became complete as a result, in arrival order. The returned Frames share
// no memory with chunk.
func (d *Decoder) Feed(chunk []byte) ([]Frame, error) {
	d.buf = append(d.buf, chunk...)

	var out []Frame
	for {
		if !d.haveLength {
			if len(d.buf) < HeaderSize {
				break
			}
			d.compressed = d.buf[0] != 0
			length := binary.BigEndian.Uint32(d.buf[1:HeaderSize])
			if int(length) > d.maxLength {
				return out, tooLarge(int(length), d.maxLength)
			}
			d.expected = int(length)
			d.haveLength = true
			d.buf = d.buf[HeaderSize:]
		}

		if len(d.buf) < d.expected {
			break
		}

		payload := make([]byte, d.expected)
		copy(payload, d.buf[:d.expected])
		d.buf = d.buf[d.expected:]

		out = append(out, Frame{Compressed: d.compressed, Payload: payload})

		d.haveLength = false
		d.compressed = false
		d.expected = 0
	}
	return out, nil
}

// Reset clears all buffered state, discarding any partially-received frame.
func (d *Decoder) Reset() {
	d.buf = nil
	d.haveLength = false
	d.compressed = false
	d.expected = 0
}
