package transport

import (
	"encoding/binary"

	"github.com/nogipx/rpcmesh/pkg/frame"
)

// muxHeaderSize is the fixed header this package adds in front of every
// frame.Frame written to a physical connection: a 4-byte stream id, a
// 1-byte frame kind, and a 1-byte flag set. This is the mesh's own
// multiplexing envelope — the equivalent of HTTP/2's per-frame stream
// association — wrapped around exactly the gRPC message-framing format
// (frame.Encode/frame.Decoder) so the inner bytes stay wire-compatible
// with real gRPC peers at the message level (§6.1).
const muxHeaderSize = 6

type frameKind uint8

const (
	kindMetadata frameKind = 0
	kindPayload  frameKind = 1

	// kindReset carries no meaningful payload; it tells the peer this side
	// has abandoned the stream outright (§4.3/§4.5's cancellation path),
	// distinct from the ordinary end-of-stream flag every one-shot
	// request/response primitive sets as part of normal completion.
	kindReset frameKind = 2
)

const flagEndStream = 1 << 0

// encodeMuxFrame serializes one outbound wire unit: mux header + inner
// length-prefixed frame.
func encodeMuxFrame(streamID uint32, kind frameKind, endStream bool, payload []byte) []byte {
	header := make([]byte, muxHeaderSize)
	binary.BigEndian.PutUint32(header[0:4], streamID)
	header[4] = byte(kind)
	if endStream {
		header[5] = flagEndStream
	}
	inner := frame.Encode(false, payload)
	out := make([]byte, 0, len(header)+len(inner))
	out = append(out, header...)
	out = append(out, inner...)
	return out
}

type muxMessage struct {
	StreamID  uint32
	Kind      frameKind
	EndStream bool
	Payload   []byte
}

// muxDecoder reassembles (header, inner frame) pairs out of a raw byte
// stream. It is stateful across calls to Feed, exactly like frame.Decoder,
// but additionally tracks the mux header preceding each inner frame.
type muxDecoder struct {
	maxLength int
	buf       []byte

	haveHeader bool
	streamID   uint32
	kind       frameKind
	endStream  bool

	haveLength bool
	expected   int
}

func newMuxDecoder(maxLength int) *muxDecoder {
	if maxLength <= 0 {
		maxLength = frame.DefaultMaxLength
	}
	return &muxDecoder{maxLength: maxLength}
}

func (d *muxDecoder) Feed(chunk []byte) ([]muxMessage, error) {
	d.buf = append(d.buf, chunk...)

	var out []muxMessage
	for {
		if !d.haveHeader {
			if len(d.buf) < muxHeaderSize {
				break
			}
			d.streamID = binary.BigEndian.Uint32(d.buf[0:4])
			d.kind = frameKind(d.buf[4])
			d.endStream = d.buf[5]&flagEndStream != 0
			d.buf = d.buf[muxHeaderSize:]
			d.haveHeader = true
		}

		if !d.haveLength {
			if len(d.buf) < frame.HeaderSize {
				break
			}
			length := int(binary.BigEndian.Uint32(d.buf[1:frame.HeaderSize]))
			if length > d.maxLength {
				return out, frame.NewResourceExhausted("mux: inner frame exceeds cap")
			}
			d.expected = length
			d.haveLength = true
			d.buf = d.buf[frame.HeaderSize:]
		}

		if len(d.buf) < d.expected {
			break
		}

		payload := make([]byte, d.expected)
		copy(payload, d.buf[:d.expected])
		d.buf = d.buf[d.expected:]

		out = append(out, muxMessage{StreamID: d.streamID, Kind: d.kind, EndStream: d.endStream, Payload: payload})

		d.haveHeader = false
		d.haveLength = false
		d.expected = 0
	}
	return out, nil
}
