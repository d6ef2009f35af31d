package rpc

import (
	"context"

	"github.com/nogipx/rpcmesh/pkg/codec"
	"github.com/nogipx/rpcmesh/pkg/metadata"
	"github.com/nogipx/rpcmesh/pkg/transport"
	"google.golang.org/grpc/codes"
)

// ServerStreamReader is the client side of §4.5's server-streaming
// primitive, returned by CallServerStream once it has sent the one request
// with end-of-stream. The caller drains it until the trailer arrives.
type ServerStreamReader struct {
	mux    transport.Multiplexer
	st     *transport.Stream
	codec  codec.Codec
	status metadata.Status
	done   bool
}

// Recv returns the next response payload, or ok=false once the trailer has
// been consumed (check Status() afterward).
func (r *ServerStreamReader) Recv(resp any) (ok bool) {
	if r.done {
		return false
	}
	msgs := r.st.Messages()
	for {
		msg, got := nextMessage(msgs, r.st.Done())
		if !got {
			r.status = unavailableNoTrailer()
			r.done = true
			return false
		}
		if msg.IsMetadata {
			if !msg.EndStream {
				// serverInitial handshake metadata, not the trailer.
				continue
			}
			r.status = metadata.FromTrailer(msg.Metadata)
			r.done = true
			return false
		}
		if err := r.codec.Unmarshal(msg.Payload, resp); err != nil {
			r.status = internalf(err)
			r.done = true
			return false
		}
		return true
	}
}

// Status returns the terminal status once Recv has returned false.
func (r *ServerStreamReader) Status() metadata.Status { return r.status }

// Cancel abandons the call: the caller has given up on reading further
// responses. The server-stream's request phase already half-closes this
// side by construction, so an explicit reset is the only way to tell a
// still-producing handler to stop (§4.5).
func (r *ServerStreamReader) Cancel() error { return r.mux.CancelStream(r.st.ID()) }

// CallServerStream opens a server-streaming call.
func CallServerStream(mux transport.Multiplexer, serviceName, methodName string, reqCodec, respCodec codec.Codec, req any) (*ServerStreamReader, error) {
	st, err := mux.CreateStream()
	if err != nil {
		return nil, err
	}
	if err := mux.SendMetadata(st.ID(), metadata.ClientInitial(serviceName, methodName), false); err != nil {
		return nil, err
	}
	body, err := reqCodec.Marshal(req)
	if err != nil {
		return nil, err
	}
	if err := mux.SendMessage(st.ID(), body, true); err != nil {
		return nil, err
	}
	return &ServerStreamReader{mux: mux, st: st, codec: respCodec}, nil
}

// ServerStreamSender is handed to a server-streaming handler so it can
// emit zero or more responses before returning.
type ServerStreamSender struct {
	mux   transport.Multiplexer
	st    *transport.Stream
	codec codec.Codec
}

// Send emits one response payload. It returns a CANCELLED status error once
// Cancelled has fired (the caller reset the stream or the transport closed
// it); the caller's ordinary end-of-stream after its request does not.
func (s *ServerStreamSender) Send(resp any) error {
	select {
	case <-s.st.Cancelled():
		return statusErrorf(codes.Cancelled, "caller closed stream")
	default:
	}
	body, err := s.codec.Marshal(resp)
	if err != nil {
		return err
	}
	return s.mux.SendMessage(s.st.ID(), body, false)
}

// Cancelled is closed when the caller resets the stream (Cancel) or the
// transport tears it down. Handlers that poll between production steps
// instead of relying solely on Send's return value should observe this,
// not Done.
func (s *ServerStreamSender) Cancelled() <-chan struct{} { return s.st.Cancelled() }

// ServerStreamHandler produces zero or more responses via sender, returning
// an error to set a non-OK trailer, or nil for OK.
type ServerStreamHandler func(ctx context.Context, req any, sender *ServerStreamSender) error

// ServeServerStream implements the responder side of §4.5's server-stream
// primitive.
func ServeServerStream(ctx context.Context, mux transport.Multiplexer, st *transport.Stream, reqCodec, respCodec codec.Codec, newReq func() any, handler ServerStreamHandler) {
	if err := mux.SendMetadata(st.ID(), metadata.ServerInitial(), false); err != nil {
		return
	}

	msgs := st.Messages()
	var reqPayload []byte
	sawRequest := false
	for {
		msg, ok := nextMessage(msgs, st.Done())
		if !ok {
			return
		}
		if msg.IsMetadata {
			// clientInitial handshake replay, not part of the request body.
			continue
		}
		reqPayload = msg.Payload
		sawRequest = true
		if msg.EndStream {
			break
		}
	}
	if !sawRequest {
		sendTrailer(mux, st.ID(), metadata.New(codes.InvalidArgument, "server-stream method received no request"))
		return
	}

	req := newReq()
	if err := reqCodec.Unmarshal(reqPayload, req); err != nil {
		sendTrailer(mux, st.ID(), metadata.New(codes.InvalidArgument, err.Error()))
		return
	}

	sender := &ServerStreamSender{mux: mux, st: st, codec: respCodec}
	err := runServerStreamHandler(ctx, req, sender, handler)

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

func runServerStreamHandler(ctx context.Context, req any, sender *ServerStreamSender, handler ServerStreamHandler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = statusErrorf(codes.Internal, "handler panic: %v", r)
		}
	}()
	return handler(ctx, req, sender)
}
