package rpc

import (
	"context"
	"testing"
	"time"

	"github.com/nogipx/rpcmesh/pkg/codec"
	"github.com/nogipx/rpcmesh/pkg/transport"
	"google.golang.org/grpc/codes"
)

type greeting struct {
	Name string `json:"name"`
}

type reply struct {
	Text string `json:"text"`
}

func serveOneUnary(t *testing.T, server *transport.Conn) {
	t.Helper()
	go func() {
		for {
			msg, ok := <-server.IncomingMessages()
			if !ok {
				return
			}
			st, err := server.GetStream(msg.StreamID)
			if err != nil {
				continue
			}
			go ServeUnary(context.Background(), server, st, codec.JSON(), codec.JSON(),
				func() any { return new(greeting) },
				func(ctx context.Context, req any) (any, error) {
					g := req.(*greeting)
					return &reply{Text: "hello " + g.Name}, nil
				})
		}
	}()
}

func TestUnaryCallHandshakeIsNotMistakenForTrailer(t *testing.T) {
	client, server := transport.NewMemoryPair(0)
	defer client.Close()
	defer server.Close()

	serveOneUnary(t, server)

	respCh := make(chan struct {
		resp reply
		ok   bool
	})
	go func() {
		var resp reply
		status := CallUnary(client, "Greeter", "Greet", codec.JSON(), codec.JSON(), &greeting{Name: "A"}, &resp)
		respCh <- struct {
			resp reply
			ok   bool
		}{resp: resp, ok: status.Code == codes.OK}
	}()

	select {
	case r := <-respCh:
		if !r.ok {
			t.Fatalf("call did not return OK status")
		}
		if r.resp.Text != "hello A" {
			t.Fatalf("resp = %+v", r.resp)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for unary call")
	}
}

func TestServerStreamSkipsHandshakeMetadata(t *testing.T) {
	client, server := transport.NewMemoryPair(0)
	defer client.Close()
	defer server.Close()

	go func() {
		msg, ok := <-server.IncomingMessages()
		if !ok {
			return
		}
		st, err := server.GetStream(msg.StreamID)
		if err != nil {
			return
		}
		ServeServerStream(context.Background(), server, st, codec.JSON(), codec.JSON(),
			func() any { return new(greeting) },
			func(ctx context.Context, req any, sender *ServerStreamSender) error {
				g := req.(*greeting)
				_ = sender.Send(&reply{Text: "1:" + g.Name})
				_ = sender.Send(&reply{Text: "2:" + g.Name})
				return nil
			})
	}()

	reader, err := CallServerStream(client, "Greeter", "GreetStream", codec.JSON(), codec.JSON(), &greeting{Name: "B"})
	if err != nil {
		t.Fatalf("CallServerStream: %v", err)
	}

	var got []string
	var r reply
	for reader.Recv(&r) {
		got = append(got, r.Text)
		r = reply{}
	}
	if reader.Status().Code != codes.OK {
		t.Fatalf("terminal status = %+v", reader.Status())
	}
	if len(got) != 2 || got[0] != "1:B" || got[1] != "2:B" {
		t.Fatalf("responses = %v", got)
	}
}

func TestClientStreamSumsRequests(t *testing.T) {
	client, server := transport.NewMemoryPair(0)
	defer client.Close()
	defer server.Close()

	go func() {
		msg, ok := <-server.IncomingMessages()
		if !ok {
			return
		}
		st, err := server.GetStream(msg.StreamID)
		if err != nil {
			return
		}
		ServeClientStream(context.Background(), server, st, codec.JSON(), codec.JSON(),
			func(ctx context.Context, recv *ClientStreamReceiver) (any, error) {
				total := ""
				var g greeting
				for {
					ok, err := recv.Next(&g)
					if err != nil {
						return nil, err
					}
					if !ok {
						break
					}
					total += g.Name
				}
				return &reply{Text: total}, nil
			})
	}()

	sender, err := CallClientStream(client, "Greeter", "GreetAccumulate", codec.JSON())
	if err != nil {
		t.Fatalf("CallClientStream: %v", err)
	}
	if err := sender.Send(&greeting{Name: "a"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := sender.Send(&greeting{Name: "b"}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	var resp reply
	status := sender.CloseAndRecv(codec.JSON(), &resp)
	if status.Code != codes.OK {
		t.Fatalf("status = %+v", status)
	}
	if resp.Text != "ab" {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestBidiEchoesInterleaved(t *testing.T) {
	client, server := transport.NewMemoryPair(0)
	defer client.Close()
	defer server.Close()

	go func() {
		msg, ok := <-server.IncomingMessages()
		if !ok {
			return
		}
		st, err := server.GetStream(msg.StreamID)
		if err != nil {
			return
		}
		ServeBidi(context.Background(), server, st, codec.JSON(), codec.JSON(),
			func(ctx context.Context, stream *BidiStream) error {
				var g greeting
				for stream.Recv(&g) {
					if err := stream.Send(&reply{Text: "echo:" + g.Name}); err != nil {
						return err
					}
				}
				return nil
			})
	}()

	call, err := CallBidi(client, "Greeter", "GreetBidi", codec.JSON(), codec.JSON())
	if err != nil {
		t.Fatalf("CallBidi: %v", err)
	}
	if err := call.Send(&greeting{Name: "X"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := call.CloseSend(); err != nil {
		t.Fatalf("CloseSend: %v", err)
	}

	var r reply
	if !call.Recv(&r) {
		t.Fatalf("expected one echoed reply, got status %+v", call.Status())
	}
	if r.Text != "echo:X" {
		t.Fatalf("reply = %+v", r)
	}
	if call.Recv(&r) {
		t.Fatalf("expected stream to end after one echo")
	}
	if call.Status().Code != codes.OK {
		t.Fatalf("terminal status = %+v", call.Status())
	}
}

// TestBidiCancelStopsProducingHandler exercises §4.5's S4 scenario: a
// client sends one request then abandons the call before reading any
// response. The handler must observe Cancelled and stop producing instead
// of completing normally.
func TestBidiCancelStopsProducingHandler(t *testing.T) {
	client, server := transport.NewMemoryPair(0)
	defer client.Close()
	defer server.Close()

	handlerCancelled := make(chan struct{})
	go func() {
		msg, ok := <-server.IncomingMessages()
		if !ok {
			return
		}
		st, err := server.GetStream(msg.StreamID)
		if err != nil {
			return
		}
		ServeBidi(context.Background(), server, st, codec.JSON(), codec.JSON(),
			func(ctx context.Context, stream *BidiStream) error {
				var g greeting
				if !stream.Recv(&g) {
					return nil
				}
				for {
					select {
					case <-stream.Cancelled():
						close(handlerCancelled)
						return nil
					case <-time.After(2 * time.Second):
						return nil
					}
				}
			})
	}()

	call, err := CallBidi(client, "Greeter", "GreetBidi", codec.JSON(), codec.JSON())
	if err != nil {
		t.Fatalf("CallBidi: %v", err)
	}
	if err := call.Send(&greeting{Name: "A"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := call.Cancel(); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	select {
	case <-handlerCancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never observed Cancelled after client abandoned the call")
	}
}
