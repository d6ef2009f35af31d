package contract

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/nogipx/rpcmesh/pkg/metadata"
	"github.com/nogipx/rpcmesh/pkg/rpc"
	"github.com/nogipx/rpcmesh/pkg/transport"
	"google.golang.org/grpc/codes"
)

// Responder is the dispatcher side of an Endpoint (§4.6, §3): it owns the
// serviceName→contract map and, for every newly-discovered inbound stream,
// resolves the method path and runs the matching interaction primitive.
type Responder struct {
	mux    transport.Multiplexer
	logger *slog.Logger

	mu       sync.RWMutex
	services map[string]*ServiceContract

	wg sync.WaitGroup
}

// NewResponder builds a Responder over an already-established transport.
func NewResponder(mux transport.Multiplexer, logger *slog.Logger) *Responder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Responder{mux: mux, logger: logger, services: make(map[string]*ServiceContract)}
}

// Register binds a ServiceContract under its own Name.
func (r *Responder) Register(sc *ServiceContract) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.services[sc.Name] = sc
}

// Serve runs the dispatch loop until ctx is cancelled or the transport
// closes. It is typically run as its own goroutine per connection (§5: one
// logical task per physical connection).
func (r *Responder) Serve(ctx context.Context) {
	for {
		select {
		case msg, ok := <-r.mux.IncomingMessages():
			if !ok {
				r.wg.Wait()
				return
			}
			r.wg.Add(1)
			go func() {
				defer r.wg.Done()
				r.dispatch(ctx, msg)
			}()
		case <-ctx.Done():
			r.wg.Wait()
			return
		case <-r.mux.Done():
			r.wg.Wait()
			return
		}
	}
}

func (r *Responder) dispatch(ctx context.Context, msg transport.Message) {
	if !msg.IsMetadata {
		return
	}
	serviceName, methodName, ok := splitMethodPath(msg.MethodPath)
	if !ok {
		r.reject(msg.StreamID, codes.InvalidArgument, "malformed method path: "+msg.MethodPath)
		return
	}

	r.mu.RLock()
	sc, ok := r.services[serviceName]
	r.mu.RUnlock()
	if !ok {
		r.reject(msg.StreamID, codes.Unimplemented, "unknown service: "+serviceName)
		return
	}
	reg, ok := sc.resolve(methodName)
	if !ok {
		r.reject(msg.StreamID, codes.Unimplemented, "unknown method: "+msg.MethodPath)
		return
	}

	st, err := r.mux.GetStream(msg.StreamID)
	if err != nil {
		return
	}

	switch reg.Shape {
	case rpc.Unary:
		if reg.UnaryHandler == nil {
			r.reject(msg.StreamID, codes.Unimplemented, "method has no unary handler bound")
			return
		}
		rpc.ServeUnary(ctx, r.mux, st, reg.RequestCodec, reg.ResponseCodec, reg.NewRequest, reg.UnaryHandler)
	case rpc.ServerStreaming:
		if reg.ServerStreamHandler == nil {
			r.reject(msg.StreamID, codes.Unimplemented, "method has no server-stream handler bound")
			return
		}
		rpc.ServeServerStream(ctx, r.mux, st, reg.RequestCodec, reg.ResponseCodec, reg.NewRequest, reg.ServerStreamHandler)
	case rpc.ClientStreaming:
		if reg.ClientStreamHandler == nil {
			r.reject(msg.StreamID, codes.Unimplemented, "method has no client-stream handler bound")
			return
		}
		rpc.ServeClientStream(ctx, r.mux, st, reg.ResponseCodec, reg.RequestCodec, reg.ClientStreamHandler)
	case rpc.Bidirectional:
		if reg.BidiHandler == nil {
			r.reject(msg.StreamID, codes.Unimplemented, "method has no bidi handler bound")
			return
		}
		rpc.ServeBidi(ctx, r.mux, st, reg.RequestCodec, reg.ResponseCodec, reg.BidiHandler)
	default:
		r.reject(msg.StreamID, codes.Internal, "method has an unknown shape")
	}
}

func (r *Responder) reject(streamID uint32, code codes.Code, msg string) {
	r.logger.Warn("rpc dispatch rejected", slog.Uint64("stream_id", uint64(streamID)), slog.String("code", code.String()), slog.String("reason", msg))
	_ = r.mux.SendMetadata(streamID, metadata.Trailer(metadata.New(code, msg)), true)
}

func splitMethodPath(path string) (service, method string, ok bool) {
	if len(path) == 0 || path[0] != '/' {
		return "", "", false
	}
	rest := path[1:]
	idx := strings.IndexByte(rest, '/')
	if idx < 0 {
		return "", "", false
	}
	return rest[:idx], rest[idx+1:], true
}
