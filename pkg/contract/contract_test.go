package contract

import (
	"context"
	"testing"

	"github.com/nogipx/rpcmesh/pkg/codec"
	"github.com/nogipx/rpcmesh/pkg/rpc"
	"github.com/nogipx/rpcmesh/pkg/transport"
)

type echoRequest struct {
	Text string `json:"text"`
}

type echoResponse struct {
	Text string `json:"text"`
}

func TestUnaryDispatchRoundTrip(t *testing.T) {
	client, server := transport.NewMemoryPair(0)
	defer client.Close()
	defer server.Close()

	sc := New("Echo")
	err := sc.Register(&MethodRegistration{
		Name:          "Say",
		Shape:         rpc.Unary,
		RequestCodec:  codec.JSON(),
		ResponseCodec: codec.JSON(),
		NewRequest:    func() any { return new(echoRequest) },
		UnaryHandler: func(ctx context.Context, req any) (any, error) {
			in := req.(*echoRequest)
			return &echoResponse{Text: "echo:" + in.Text}, nil
		},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	responder := NewResponder(server, nil)
	responder.Register(sc)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go responder.Serve(ctx)

	stub := Unary[echoRequest, echoResponse](NewCaller(client), "Echo", "Say", codec.JSON(), codec.JSON())
	resp, err := stub.Call(&echoRequest{Text: "hi"})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if resp.Text != "echo:hi" {
		t.Fatalf("response = %+v", resp)
	}
}

func TestUnknownMethodIsUnimplemented(t *testing.T) {
	client, server := transport.NewMemoryPair(0)
	defer client.Close()
	defer server.Close()

	responder := NewResponder(server, nil)
	responder.Register(New("Echo"))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go responder.Serve(ctx)

	stub := Unary[echoRequest, echoResponse](NewCaller(client), "Echo", "Missing", codec.JSON(), codec.JSON())
	_, err := stub.Call(&echoRequest{Text: "hi"})
	if err == nil {
		t.Fatal("expected an error for an unregistered method")
	}
}

func TestSubContractPrefixResolution(t *testing.T) {
	root := New("Root")
	sub := New("Admin")
	if err := sub.Register(&MethodRegistration{Name: "Ping", Shape: rpc.Unary}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := root.AddSubContract(sub, "admin"); err != nil {
		t.Fatalf("AddSubContract: %v", err)
	}
	if _, ok := root.resolve("admin.Ping"); !ok {
		t.Fatal("expected admin.Ping to resolve through the sub-contract prefix")
	}
}

func TestCollidingMethodNamesRejected(t *testing.T) {
	root := New("Root")
	_ = root.Register(&MethodRegistration{Name: "Ping", Shape: rpc.Unary})
	sub := New("Other")
	_ = sub.Register(&MethodRegistration{Name: "Ping", Shape: rpc.Unary})
	if err := root.AddSubContract(sub, ""); err == nil {
		t.Fatal("expected a name collision error with an empty prefix")
	}
}
