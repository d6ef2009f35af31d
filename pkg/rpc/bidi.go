package rpc

import (
	"context"

	"github.com/nogipx/rpcmesh/pkg/codec"
	"github.com/nogipx/rpcmesh/pkg/metadata"
	"github.com/nogipx/rpcmesh/pkg/transport"
	"google.golang.org/grpc/codes"
)

// BidiStream is the shared handle for both sides of §4.5's bidirectional
// primitive: each side freely interleaves Send and Recv until it chooses to
// close its sending half.
type BidiStream struct {
	mux       transport.Multiplexer
	st        *transport.Stream
	reqCodec  codec.Codec
	respCodec codec.Codec
	isCaller  bool
	status    metadata.Status
	done      bool
}

// Send emits one message: a request if called from the caller side, a
// response if called from the responder side.
func (b *BidiStream) Send(v any) error {
	c := b.respCodec
	if b.isCaller {
		c = b.reqCodec
	}
	body, err := c.Marshal(v)
	if err != nil {
		return err
	}
	return b.mux.SendMessage(b.st.ID(), body, false)
}

// Recv decodes the next inbound message into v, reporting ok=false once the
// peer has ended its sending half (caller side) or the trailer has arrived
// (either side, terminal).
func (b *BidiStream) Recv(v any) (ok bool) {
	if b.done {
		return false
	}
	c := b.reqCodec
	if b.isCaller {
		c = b.respCodec
	}
	msgs := b.st.Messages()
	for {
		msg, got := nextMessage(msgs, b.st.Done())
		if !got {
			b.status = unavailableNoTrailer()
			b.done = true
			return false
		}
		if msg.IsMetadata {
			if !msg.EndStream {
				// clientInitial/serverInitial handshake metadata, not the trailer.
				continue
			}
			b.status = metadata.FromTrailer(msg.Metadata)
			b.done = true
			return false
		}
		if msg.EndStream && msg.Payload == nil {
			b.done = true
			return false
		}
		if err := c.Unmarshal(msg.Payload, v); err != nil {
			b.status = internalf(err)
			b.done = true
			return false
		}
		return true
	}
}

// CloseSend finishes this side's outbound half without closing Recv. The
// peer still sees an ordinary half-close and keeps producing responses
// normally — this is not a cancellation (§4.5).
func (b *BidiStream) CloseSend() error { return b.mux.FinishSending(b.st.ID()) }

// Cancel abandons the call outright: the caller is done waiting on any
// further responses, distinct from CloseSend's "I'm done sending but still
// listening" half-close. The responder observes this via Cancelled
// (§4.5's S4 bidirectional-cancel scenario); once its handler returns,
// ServeBidi sends no trailer on the reset stream.
func (b *BidiStream) Cancel() error { return b.mux.CancelStream(b.st.ID()) }

// Status returns the terminal status once Recv has returned false on the
// caller side.
func (b *BidiStream) Status() metadata.Status { return b.status }

// Cancelled is closed when the peer resets the stream (Cancel) or the
// transport tears it down; an ordinary CloseSend does not close it. A
// handler still producing sends should treat this as CANCELLED rather than
// continue assuming a healthy call.
func (b *BidiStream) Cancelled() <-chan struct{} { return b.st.Cancelled() }

// CallBidi opens a bidirectional call.
func CallBidi(mux transport.Multiplexer, serviceName, methodName string, reqCodec, respCodec codec.Codec) (*BidiStream, error) {
	st, err := mux.CreateStream()
	if err != nil {
		return nil, err
	}
	if err := mux.SendMetadata(st.ID(), metadata.ClientInitial(serviceName, methodName), false); err != nil {
		return nil, err
	}
	return &BidiStream{mux: mux, st: st, reqCodec: reqCodec, respCodec: respCodec, isCaller: true}, nil
}

// BidiHandler runs for the lifetime of a bidirectional stream on the
// responder side. Returning closes the send side with an OK trailer unless
// an error is returned, or the caller already ended the stream first.
type BidiHandler func(ctx context.Context, stream *BidiStream) error

// ServeBidi implements the responder side of §4.5's bidirectional
// primitive.
func ServeBidi(ctx context.Context, mux transport.Multiplexer, st *transport.Stream, reqCodec, respCodec codec.Codec, handler BidiHandler) {
	if err := mux.SendMetadata(st.ID(), metadata.ServerInitial(), false); err != nil {
		return
	}
	stream := &BidiStream{mux: mux, st: st, reqCodec: reqCodec, respCodec: respCodec, isCaller: false}
	err := runBidiHandler(ctx, stream, handler)

	select {
	case <-st.Done():
		return
	default:
	}

	if err != nil {
		sendTrailer(mux, st.ID(), metadata.FromError(err))
		return
	}
	sendTrailer(mux, st.ID(), metadata.OK)
}

func runBidiHandler(ctx context.Context, stream *BidiStream, handler BidiHandler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = statusErrorf(codes.Internal, "handler panic: %v", r)
		}
	}()
	return handler(ctx, stream)
}
