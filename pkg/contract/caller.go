package contract

import (
	"github.com/nogipx/rpcmesh/pkg/codec"
	"github.com/nogipx/rpcmesh/pkg/metadata"
	"github.com/nogipx/rpcmesh/pkg/rpc"
	"github.com/nogipx/rpcmesh/pkg/transport"
)

// Caller is the stub-building side of an Endpoint (§4.6): a thin typed
// wrapper over the matching interaction primitive, pre-bound to a
// transport and a pair of codecs.
type Caller struct {
	mux transport.Multiplexer
}

// NewCaller builds a Caller over an already-established transport.
func NewCaller(mux transport.Multiplexer) *Caller { return &Caller{mux: mux} }

// UnaryStub is a typed wrapper over rpc.CallUnary, generic over request and
// response types the way the teacher's DomainHandler[T] generalizes over
// one decoded payload type (internal/handler/amqp/bind.go).
type UnaryStub[Req, Resp any] struct {
	caller                   *Caller
	serviceName, methodName  string
	reqCodec, respCodec      codec.Codec
}

// Unary builds a typed unary stub for serviceName/methodName.
func Unary[Req, Resp any](c *Caller, serviceName, methodName string, reqCodec, respCodec codec.Codec) *UnaryStub[Req, Resp] {
	return &UnaryStub[Req, Resp]{caller: c, serviceName: serviceName, methodName: methodName, reqCodec: reqCodec, respCodec: respCodec}
}

// Call invokes the method, returning the typed response or the call's
// terminal status as a standard error (nil on OK).
func (s *UnaryStub[Req, Resp]) Call(req *Req) (*Resp, error) {
	resp := new(Resp)
	status := rpc.CallUnary(s.caller.mux, s.serviceName, s.methodName, s.reqCodec, s.respCodec, req, resp)
	if err := status.Err(); err != nil {
		return nil, err
	}
	return resp, nil
}

// ServerStreamStub is a typed wrapper over rpc.CallServerStream.
type ServerStreamStub[Req, Resp any] struct {
	caller                  *Caller
	serviceName, methodName string
	reqCodec, respCodec     codec.Codec
}

// ServerStream builds a typed server-streaming stub.
func ServerStream[Req, Resp any](c *Caller, serviceName, methodName string, reqCodec, respCodec codec.Codec) *ServerStreamStub[Req, Resp] {
	return &ServerStreamStub[Req, Resp]{caller: c, serviceName: serviceName, methodName: methodName, reqCodec: reqCodec, respCodec: respCodec}
}

// TypedServerStreamReader narrows rpc.ServerStreamReader to a concrete
// response type.
type TypedServerStreamReader[Resp any] struct{ inner *rpc.ServerStreamReader }

// Recv returns the next response, or nil once the stream has ended; check
// Status for the terminal outcome.
func (r *TypedServerStreamReader[Resp]) Recv() *Resp {
	resp := new(Resp)
	if !r.inner.Recv(resp) {
		return nil
	}
	return resp
}

// Status returns the terminal status once Recv has returned nil.
func (r *TypedServerStreamReader[Resp]) Status() metadata.Status { return r.inner.Status() }

// Call opens the server-streaming call.
func (s *ServerStreamStub[Req, Resp]) Call(req *Req) (*TypedServerStreamReader[Resp], error) {
	inner, err := rpc.CallServerStream(s.caller.mux, s.serviceName, s.methodName, s.reqCodec, s.respCodec, req)
	if err != nil {
		return nil, err
	}
	return &TypedServerStreamReader[Resp]{inner: inner}, nil
}

// ClientStreamStub is a typed wrapper over rpc.CallClientStream.
type ClientStreamStub[Req, Resp any] struct {
	caller                  *Caller
	serviceName, methodName string
	reqCodec, respCodec     codec.Codec
}

// ClientStream builds a typed client-streaming stub.
func ClientStream[Req, Resp any](c *Caller, serviceName, methodName string, reqCodec, respCodec codec.Codec) *ClientStreamStub[Req, Resp] {
	return &ClientStreamStub[Req, Resp]{caller: c, serviceName: serviceName, methodName: methodName, reqCodec: reqCodec, respCodec: respCodec}
}

// TypedClientStreamSender narrows rpc.ClientStreamSender to a concrete
// request/response pair.
type TypedClientStreamSender[Req, Resp any] struct {
	inner     *rpc.ClientStreamSender
	respCodec codec.Codec
}

// Send emits one request.
func (s *TypedClientStreamSender[Req, Resp]) Send(req *Req) error { return s.inner.Send(req) }

// CloseAndRecv finishes sending and returns the single typed response.
func (s *TypedClientStreamSender[Req, Resp]) CloseAndRecv() (*Resp, error) {
	resp := new(Resp)
	status := s.inner.CloseAndRecv(s.respCodec, resp)
	if err := status.Err(); err != nil {
		return nil, err
	}
	return resp, nil
}

// Call opens the client-streaming call.
func (s *ClientStreamStub[Req, Resp]) Call() (*TypedClientStreamSender[Req, Resp], error) {
	inner, err := rpc.CallClientStream(s.caller.mux, s.serviceName, s.methodName, s.reqCodec)
	if err != nil {
		return nil, err
	}
	return &TypedClientStreamSender[Req, Resp]{inner: inner, respCodec: s.respCodec}, nil
}

// BidiStub is a typed wrapper over rpc.CallBidi.
type BidiStub[Req, Resp any] struct {
	caller                  *Caller
	serviceName, methodName string
	reqCodec, respCodec     codec.Codec
}

// Bidi builds a typed bidirectional stub.
func Bidi[Req, Resp any](c *Caller, serviceName, methodName string, reqCodec, respCodec codec.Codec) *BidiStub[Req, Resp] {
	return &BidiStub[Req, Resp]{caller: c, serviceName: serviceName, methodName: methodName, reqCodec: reqCodec, respCodec: respCodec}
}

// TypedBidiStream narrows rpc.BidiStream to a concrete request/response
// pair on the caller side.
type TypedBidiStream[Req, Resp any] struct{ inner *rpc.BidiStream }

// Send emits one request.
func (s *TypedBidiStream[Req, Resp]) Send(req *Req) error { return s.inner.Send(req) }

// Recv returns the next response, or nil once the stream has ended.
func (s *TypedBidiStream[Req, Resp]) Recv() *Resp {
	resp := new(Resp)
	if !s.inner.Recv(resp) {
		return nil
	}
	return resp
}

// CloseSend finishes this side's outbound half.
func (s *TypedBidiStream[Req, Resp]) CloseSend() error { return s.inner.CloseSend() }

// Status returns the terminal status once Recv has returned nil.
func (s *TypedBidiStream[Req, Resp]) Status() metadata.Status { return s.inner.Status() }

// Call opens the bidirectional call.
func (s *BidiStub[Req, Resp]) Call() (*TypedBidiStream[Req, Resp], error) {
	inner, err := rpc.CallBidi(s.caller.mux, s.serviceName, s.methodName, s.reqCodec, s.respCodec)
	if err != nil {
		return nil, err
	}
	return &TypedBidiStream[Req, Resp]{inner: inner}, nil
}
