package rpc

import (
	"context"

	"github.com/nogipx/rpcmesh/pkg/codec"
	"github.com/nogipx/rpcmesh/pkg/metadata"
	"github.com/nogipx/rpcmesh/pkg/transport"
	"google.golang.org/grpc/codes"
)

// CallUnary implements the client side of §4.5's unary primitive: open a
// stream, send one request with end-of-stream, and wait for exactly one
// response payload followed by a trailer.
func CallUnary(mux transport.Multiplexer, serviceName, methodName string, reqCodec, respCodec codec.Codec, req, resp any) metadata.Status {
	st, err := mux.CreateStream()
	if err != nil {
		return metadata.FromError(err)
	}

	if err := mux.SendMetadata(st.ID(), metadata.ClientInitial(serviceName, methodName), false); err != nil {
		return metadata.FromError(err)
	}
	body, err := reqCodec.Marshal(req)
	if err != nil {
		return internalf(err)
	}
	if err := mux.SendMessage(st.ID(), body, true); err != nil {
		return metadata.FromError(err)
	}

	msgs := st.Messages()
	gotPayload := false
	for {
		msg, ok := nextMessage(msgs, st.Done())
		if !ok {
			return unavailableNoTrailer()
		}
		if msg.IsMetadata {
			if !msg.EndStream {
				// serverInitial handshake metadata, not the trailer.
				continue
			}
			status := metadata.FromTrailer(msg.Metadata)
			if status.Code == codes.OK && !gotPayload {
				return metadata.New(codes.Internal, "unary call: trailer OK with no response payload")
			}
			return status
		}
		if err := respCodec.Unmarshal(msg.Payload, resp); err != nil {
			return internalf(err)
		}
		gotPayload = true
	}
}

// UnaryHandler is the application logic bound to a registered unary method:
// decode req, run business logic, return a response or an error that
// becomes the trailer's status (§4.5, §7).
type UnaryHandler func(ctx context.Context, req any) (any, error)

// ServeUnary implements the responder side of §4.5's unary primitive. It
// is invoked by the endpoint dispatcher (§4.6) once it has matched an
// inbound stream's method path to a unary registration. The stream's queue
// replays the initial metadata the dispatcher already saw; it is skipped.
func ServeUnary(ctx context.Context, mux transport.Multiplexer, st *transport.Stream, reqCodec, respCodec codec.Codec, newReq func() any, handler UnaryHandler) {
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
		if sawRequest {
			sendTrailer(mux, st.ID(), metadata.New(codes.FailedPrecondition, "unary method received more than one request"))
			return
		}
		reqPayload = msg.Payload
		sawRequest = true
		if msg.EndStream {
			break
		}
	}

	if !sawRequest {
		sendTrailer(mux, st.ID(), metadata.New(codes.InvalidArgument, "unary method received no request"))
		return
	}

	req := newReq()
	if err := reqCodec.Unmarshal(reqPayload, req); err != nil {
		sendTrailer(mux, st.ID(), metadata.New(codes.InvalidArgument, err.Error()))
		return
	}

	resp, err := runHandler(ctx, req, handler)
	if err != nil {
		sendTrailer(mux, st.ID(), metadata.FromError(err))
		return
	}

	respBody, err := respCodec.Marshal(resp)
	if err != nil {
		sendTrailer(mux, st.ID(), internalf(err))
		return
	}
	if err := mux.SendMessage(st.ID(), respBody, false); err != nil {
		return
	}
	sendTrailer(mux, st.ID(), metadata.OK)
}

// runHandler recovers a panicking handler into an Internal status, per §7:
// "Panics/uncaught exceptions inside a handler do not propagate past the
// per-stream boundary; they become Internal trailers."
func runHandler(ctx context.Context, req any, handler UnaryHandler) (resp any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = statusErrorf(codes.Internal, "handler panic: %v", r)
		}
	}()
	return handler(ctx, req)
}

func sendTrailer(mux transport.Multiplexer, streamID uint32, status metadata.Status) {
	_ = mux.SendMetadata(streamID, metadata.Trailer(status), true)
}
