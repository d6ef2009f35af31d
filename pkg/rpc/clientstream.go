package rpc

import (
	"context"

	"github.com/nogipx/rpcmesh/pkg/codec"
	"github.com/nogipx/rpcmesh/pkg/metadata"
	"github.com/nogipx/rpcmesh/pkg/transport"
	"google.golang.org/grpc/codes"
)

// ClientStreamSender is the caller-side handle for a client-streaming call:
// send zero or more requests, then close to receive the single response.
type ClientStreamSender struct {
	mux   transport.Multiplexer
	st    *transport.Stream
	codec codec.Codec
}

// Send emits one request payload.
func (s *ClientStreamSender) Send(req any) error {
	body, err := s.codec.Marshal(req)
	if err != nil {
		return err
	}
	return s.mux.SendMessage(s.st.ID(), body, false)
}

// CloseAndRecv finishes sending and waits for the single response and its
// trailer.
func (s *ClientStreamSender) CloseAndRecv(respCodec codec.Codec, resp any) metadata.Status {
	if err := s.mux.FinishSending(s.st.ID()); err != nil {
		return metadata.FromError(err)
	}
	msgs := s.st.Messages()
	gotPayload := false
	for {
		msg, ok := nextMessage(msgs, s.st.Done())
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
				return metadata.New(codes.Internal, "client-stream call: trailer OK with no response payload")
			}
			return status
		}
		if err := respCodec.Unmarshal(msg.Payload, resp); err != nil {
			return internalf(err)
		}
		gotPayload = true
	}
}

// CallClientStream opens a client-streaming call and returns the sender.
func CallClientStream(mux transport.Multiplexer, serviceName, methodName string, reqCodec codec.Codec) (*ClientStreamSender, error) {
	st, err := mux.CreateStream()
	if err != nil {
		return nil, err
	}
	if err := mux.SendMetadata(st.ID(), metadata.ClientInitial(serviceName, methodName), false); err != nil {
		return nil, err
	}
	return &ClientStreamSender{mux: mux, st: st, codec: reqCodec}, nil
}

// ClientStreamReceiver is handed to a client-streaming handler to drain the
// caller's lazy finite request sequence.
type ClientStreamReceiver struct {
	st    *transport.Stream
	codec codec.Codec
	first []byte
	used  bool
}

// Next decodes the next request into req, reporting ok=false once the
// caller has sent end-of-stream.
func (r *ClientStreamReceiver) Next(req any) (ok bool, err error) {
	var payload []byte
	if !r.used {
		r.used = true
		payload = r.first
	} else {
		msgs := r.st.Messages()
		msg, got := nextMessage(msgs, r.st.Done())
		if !got {
			return false, nil
		}
		if msg.IsMetadata || (msg.EndStream && len(msg.Payload) == 0) {
			return false, nil
		}
		payload = msg.Payload
	}
	if err := r.codec.Unmarshal(payload, req); err != nil {
		return false, err
	}
	return true, nil
}

// ClientStreamHandler drains recv, producing one response.
type ClientStreamHandler func(ctx context.Context, recv *ClientStreamReceiver) (any, error)

// ServeClientStream implements the responder side of §4.5's
// client-streaming primitive.
func ServeClientStream(ctx context.Context, mux transport.Multiplexer, st *transport.Stream, respCodec codec.Codec, reqCodec codec.Codec, handler ClientStreamHandler) {
	if err := mux.SendMetadata(st.ID(), metadata.ServerInitial(), false); err != nil {
		return
	}

	msgs := st.Messages()
	var first transport.Message
	sawRequest := false
	for {
		msg, ok := nextMessage(msgs, st.Done())
		if !ok {
			return
		}
		if msg.IsMetadata {
			continue
		}
		first = msg
		sawRequest = true
		break
	}
	if !sawRequest || (len(first.Payload) == 0 && first.EndStream) {
		sendTrailer(mux, st.ID(), metadata.New(codes.InvalidArgument, "client-stream method received no request"))
		return
	}

	recv := &ClientStreamReceiver{st: st, codec: reqCodec, first: first.Payload}
	resp, err := runClientStreamHandler(ctx, recv, handler)
	if err != nil {
		sendTrailer(mux, st.ID(), metadata.FromError(err))
		return
	}
	body, err := respCodec.Marshal(resp)
	if err != nil {
		sendTrailer(mux, st.ID(), internalf(err))
		return
	}
	if err := mux.SendMessage(st.ID(), body, false); err != nil {
		return
	}
	sendTrailer(mux, st.ID(), metadata.OK)
}

func runClientStreamHandler(ctx context.Context, recv *ClientStreamReceiver, handler ClientStreamHandler) (resp any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = statusErrorf(codes.Internal, "handler panic: %v", r)
		}
	}()
	return handler(ctx, recv)
}
