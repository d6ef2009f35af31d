package rpc

import (
	"fmt"

	"github.com/nogipx/rpcmesh/pkg/metadata"
	"github.com/nogipx/rpcmesh/pkg/transport"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// nextMessage waits for the next inbound message on a stream, preferring a
// message already sitting in msgs over a done signal that raced it. Without
// this preference, a select with both cases ready (the trailer lands in
// the buffered channel the same instant closeWithStatus closes done) could
// pick done and silently drop the trailer.
func nextMessage(msgs <-chan transport.Message, done <-chan struct{}) (transport.Message, bool) {
	select {
	case msg := <-msgs:
		return msg, true
	default:
	}

	select {
	case msg := <-msgs:
		return msg, true
	case <-done:
		select {
		case msg := <-msgs:
			return msg, true
		default:
			return transport.Message{}, false
		}
	}
}

func unavailableNoTrailer() metadata.Status {
	return metadata.New(codes.Unavailable, "stream closed before a trailer arrived")
}

func internalf(err error) metadata.Status {
	return metadata.New(codes.Internal, err.Error())
}

func statusErrorf(code codes.Code, format string, args ...any) error {
	return status.Error(code, fmt.Sprintf(format, args...))
}
